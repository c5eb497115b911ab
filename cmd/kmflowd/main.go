// kmflowd is the capture daemon: it enforces consent, filters and scrubs
// observations, and relays them to the companion analysis process.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"kmflowd/internal/config"
	"kmflowd/internal/daemon"
	"kmflowd/internal/logging"
)

var version = "dev"

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "kmflowd",
		Short:         "Consent-gated activity capture daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to daemon config file")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the daemon version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(version)
		},
	})

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kmflowd:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.LoadDaemonConfig(configPath)
	if err != nil {
		return err
	}

	log, err := buildLogger(cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log.Info("kmflowd starting", "version", version, "data_dir", cfg.DataDir)
	return d.Run(ctx)
}

func buildLogger(cfg *config.DaemonConfig) (*logging.Logger, error) {
	logCfg := logging.DefaultConfig()
	if cfg.Logging.Level != "" {
		level, err := logging.ParseLevel(cfg.Logging.Level)
		if err != nil {
			return nil, err
		}
		logCfg.Level = level
	}
	if cfg.Logging.Format == "json" {
		logCfg.Format = logging.FormatJSON
	}
	if cfg.Logging.Output != "" {
		logCfg.Output = cfg.Logging.Output
	}
	if cfg.Logging.FilePath != "" {
		logCfg.FilePath = cfg.Logging.FilePath
	}
	return logging.New(logCfg)
}
