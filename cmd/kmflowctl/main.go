// kmflowctl is the control CLI for kmflowd: status, consent management,
// and bundle integrity operations.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"kmflowd/internal/config"
	"kmflowd/internal/consent"
	"kmflowd/internal/integrity"
	"kmflowd/internal/keystore"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:           "kmflowctl",
		Short:         "Control utility for kmflowd",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to daemon config file")

	root.AddCommand(
		statusCmd(&configPath),
		consentCmd(&configPath),
		pauseCmd(&configPath),
		resumeCmd(&configPath),
		verifyCmd(&configPath),
		sealCmd(&configPath),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "kmflowctl:", err)
		os.Exit(1)
	}
}

func loadConfig(path string) (*config.DaemonConfig, error) {
	return config.LoadDaemonConfig(path)
}

func statusCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show daemon status",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			data, err := os.ReadFile(cfg.StatusPath())
			if errors.Is(err, os.ErrNotExist) {
				fmt.Println("daemon: not running (no status snapshot)")
				return nil
			}
			if err != nil {
				return err
			}

			var status map[string]any
			if err := json.Unmarshal(data, &status); err != nil {
				return fmt.Errorf("malformed status snapshot: %w", err)
			}

			if ts, ok := status["updated_at"].(string); ok {
				if updated, err := time.Parse(time.RFC3339, ts); err == nil &&
					time.Since(updated) > time.Minute {
					fmt.Printf("warning: status is stale (last update %s)\n", ts)
				}
			}
			out, _ := json.MarshalIndent(status, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}
}

func consentCmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consent",
		Short: "Manage the consent record",
	}

	var scope string
	var authorizedBy string
	grant := &cobra.Command{
		Use:   "grant",
		Short: "Record user consent and enable capture",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openConsentStore(*configPath)
			if err != nil {
				return err
			}

			s := consent.Scope(scope)
			if !s.Valid() {
				return fmt.Errorf("unknown scope %q (use %q or %q)",
					scope, consent.ScopeActions, consent.ScopeContent)
			}
			if err := store.Save(cfg.EngagementID, consent.StateConsented, authorizedBy, s, time.Now()); err != nil {
				return err
			}
			fmt.Printf("consent recorded for engagement %s (scope %s)\n", cfg.EngagementID, scope)
			return nil
		},
	}
	grant.Flags().StringVar(&scope, "scope", string(consent.ScopeActions), "capture scope: actions or content")
	grant.Flags().StringVar(&authorizedBy, "authorized-by", "", "who authorized the capture")

	revoke := &cobra.Command{
		Use:   "revoke",
		Short: "Terminally revoke consent; the daemon stops capture and purges buffers",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, _, err := openConsentStore(*configPath)
			if err != nil {
				return err
			}
			if err := store.Revoke(); err != nil {
				return err
			}
			fmt.Println("consent revoked; the daemon will stop capture on its next consent check")
			return nil
		},
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Show the effective consent state",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, cfg, err := openConsentStore(*configPath)
			if err != nil {
				return err
			}
			record, err := store.Load(cfg.EngagementID)
			if err != nil && !errors.Is(err, consent.ErrSignature) {
				return err
			}
			if errors.Is(err, consent.ErrSignature) {
				fmt.Println("warning: stored record failed verification, treated as never_consented")
			}
			out, _ := json.MarshalIndent(record, "", "  ")
			fmt.Println(string(out))
			return nil
		},
	}

	cmd.AddCommand(grant, revoke, show)
	return cmd
}

func pauseCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "pause",
		Short: "Suspend capture without revoking consent",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := os.WriteFile(cfg.PausePath(), nil, 0600); err != nil {
				return err
			}
			fmt.Println("capture paused; the daemon applies it on its next consent check")
			return nil
		},
	}
}

func resumeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Resume capture after a pause",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if err := os.Remove(cfg.PausePath()); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			fmt.Println("capture resumed; the daemon applies it on its next consent check")
			return nil
		},
	}
}

func openConsentStore(configPath string) (*consent.Store, *config.DaemonConfig, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, nil, err
	}
	ks, err := keystore.OpenDefault(cfg.KeystoreDir())
	if err != nil {
		return nil, nil, err
	}
	macKey, err := ks.ConsentMACKey()
	if err != nil {
		return nil, nil, err
	}
	store, err := consent.NewStore(cfg.ConsentPath(), macKey, nil)
	if err != nil {
		return nil, nil, err
	}
	return store, cfg, nil
}

func verifyCmd(configPath *string) *cobra.Command {
	var release bool
	cmd := &cobra.Command{
		Use:   "verify",
		Short: "Verify the companion bundle against its signed manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			key, err := integrity.LoadBundleKey(cfg.CompanionDir, false)
			if err != nil {
				return err
			}

			res, err := integrity.NewVerifier(cfg.CompanionDir, key, release).Verify()
			if err != nil {
				return err
			}

			fmt.Println("status:", res.Status)
			for _, v := range res.Violations {
				fmt.Println("  violation:", v)
			}
			if res.Status != integrity.StatusPassed {
				os.Exit(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&release, "release", true, "treat a missing manifest as a failure")
	return cmd
}

func sealCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "seal",
		Short: "Build and sign the companion bundle manifest (packaging step)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			key, err := integrity.LoadBundleKey(cfg.CompanionDir, true)
			if err != nil {
				return err
			}
			manifest, err := integrity.BuildManifest(cfg.CompanionDir)
			if err != nil {
				return err
			}
			if err := integrity.WriteSigned(cfg.CompanionDir, manifest, key); err != nil {
				return err
			}
			fmt.Printf("sealed %d files in %s\n", len(manifest.Files), cfg.CompanionDir)
			return nil
		},
	}
}
