package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/BurntSushi/toml"
)

// DaemonConfig is the local, trusted daemon configuration read once at
// startup from a TOML file in the config directory.
type DaemonConfig struct {
	// DataDir is the per-user private data directory. Socket, spool, and
	// consent records live underneath it.
	DataDir string `toml:"data_dir"`

	// ProfilePath is the managed profile delivered by device management.
	ProfilePath string `toml:"profile_path"`

	// CompanionDir is the payload root of the companion analysis process.
	CompanionDir string `toml:"companion_dir"`

	// CompanionBin is the companion executable, relative to CompanionDir.
	CompanionBin string `toml:"companion_bin"`

	// EngagementID names the monitoring engagement this install belongs to.
	// Consent records are bound to it.
	EngagementID string `toml:"engagement_id"`

	// DevMode downgrades integrity failures to warnings. Never set in a
	// release install.
	DevMode bool `toml:"dev_mode"`

	Logging LoggingConfig `toml:"logging"`
}

// LoggingConfig mirrors the logging package configuration in TOML form.
type LoggingConfig struct {
	Level    string `toml:"level"`
	Format   string `toml:"format"`
	Output   string `toml:"output"`
	FilePath string `toml:"file_path"`
}

// DefaultDaemonConfig returns the platform defaults.
func DefaultDaemonConfig() *DaemonConfig {
	dataDir := PlatformDataDir()
	return &DaemonConfig{
		DataDir:      dataDir,
		ProfilePath:  filepath.Join(PlatformConfigDir(), "profile.json"),
		CompanionDir: filepath.Join(dataDir, "companion"),
		CompanionBin: "kmflow-analyzer",
		EngagementID: "unmanaged",
		Logging: LoggingConfig{
			Level:  "info",
			Output: "both",
		},
	}
}

// LoadDaemonConfig reads the daemon TOML config, applying defaults for any
// missing field. A missing file returns pure defaults.
func LoadDaemonConfig(path string) (*DaemonConfig, error) {
	cfg := DefaultDaemonConfig()

	if path == "" {
		path = filepath.Join(PlatformConfigDir(), "kmflowd.toml")
	}

	meta, err := toml.DecodeFile(path, cfg)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("config: unknown keys in %s: %v", path, undecoded)
	}
	return cfg, nil
}

// SocketPath returns the local channel endpoint inside the data directory.
func (c *DaemonConfig) SocketPath() string {
	return filepath.Join(c.DataDir, "channel.sock")
}

// SpoolPath returns the encrypted spool database path.
func (c *DaemonConfig) SpoolPath() string {
	return filepath.Join(c.DataDir, "spool.db")
}

// ConsentPath returns the signed consent record path.
func (c *DaemonConfig) ConsentPath() string {
	return filepath.Join(c.DataDir, "consent.sig.json")
}

// StatusPath returns the daemon status snapshot path.
func (c *DaemonConfig) StatusPath() string {
	return filepath.Join(c.DataDir, "status.json")
}

// PausePath returns the pause flag file path. The control CLI creates it to
// suspend capture and removes it to resume.
func (c *DaemonConfig) PausePath() string {
	return filepath.Join(c.DataDir, "paused")
}

// LockPath returns the single-instance lock file path.
func (c *DaemonConfig) LockPath() string {
	return filepath.Join(c.DataDir, "kmflowd.lock")
}

// KeystoreDir returns the fallback keystore directory.
func (c *DaemonConfig) KeystoreDir() string {
	return filepath.Join(c.DataDir, "keys")
}

// PlatformDataDir returns the platform-specific data directory.
//
// Platform paths:
//   - macOS:   ~/Library/Application Support/kmflowd/
//   - Linux:   ~/.local/share/kmflowd/
//   - Windows: %LOCALAPPDATA%\kmflowd\
func PlatformDataDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "kmflowd")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "kmflowd")
	default:
		dataHome := os.Getenv("XDG_DATA_HOME")
		if dataHome == "" {
			home, _ := os.UserHomeDir()
			dataHome = filepath.Join(home, ".local", "share")
		}
		return filepath.Join(dataHome, "kmflowd")
	}
}

// PlatformConfigDir returns the platform-specific config directory.
func PlatformConfigDir() string {
	switch runtime.GOOS {
	case "darwin":
		home, _ := os.UserHomeDir()
		return filepath.Join(home, "Library", "Application Support", "kmflowd")
	case "windows":
		appData := os.Getenv("APPDATA")
		return filepath.Join(appData, "kmflowd")
	default:
		configHome := os.Getenv("XDG_CONFIG_HOME")
		if configHome == "" {
			home, _ := os.UserHomeDir()
			configHome = filepath.Join(home, ".config")
		}
		return filepath.Join(configHome, "kmflowd")
	}
}
