package config

import (
	"os"
	"path/filepath"
	"time"
)

// DefaultConfig returns the configuration used when no file exists.
// Load seeds decoding with these values so a partial file only
// overrides what it mentions.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Timeout:   Duration(30 * time.Second),
			RateLimit: 10,
			UserAgent: "tether",
		},
		Storage: StorageConfig{
			CacheTTL: Duration(5 * time.Minute),
		},
		Sync: SyncConfig{
			BatchSize:        20,
			MaxConcurrent:    3,
			Interval:         Duration(30 * time.Second),
			ActionTimeout:    Duration(30 * time.Second),
			BaseDelay:        Duration(time.Second),
			CapDelay:         Duration(time.Minute),
			MaxRetries:       5,
			ConflictStrategy: "server_wins",
		},
		Tabs: TabsConfig{
			RelayListen:       "127.0.0.1:7337",
			HeartbeatInterval: Duration(5 * time.Second),
			HeartbeatTimeout:  Duration(15 * time.Second),
		},
		Health: HealthConfig{
			ProbeInterval: Duration(30 * time.Second),
			BaseBackoff:   Duration(time.Second),
			MaxAttempts:   8,
		},
		Logging: LoggingConfig{
			LogLevel:  "info",
			LogFormat: "auto",
		},
	}
}

// DefaultConfigPath returns the canonical config file location,
// ~/.config/tether/config.toml, respecting XDG_CONFIG_HOME.
func DefaultConfigPath() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "tether", "config.toml"), nil
}

// DefaultStateDir returns the directory holding the queue and cache
// databases when storage.dir is unset.
func DefaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".local", "state", "tether"), nil
}

// StateDir resolves the configured storage directory, falling back to
// DefaultStateDir.
func (c *Config) StateDir() (string, error) {
	if c.Storage.Dir != "" {
		return c.Storage.Dir, nil
	}
	return DefaultStateDir()
}

// QueuePath returns the action queue database path.
func (c *Config) QueuePath() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.db"), nil
}

// CachePath returns the record cache database path.
func (c *Config) CachePath() (string, error) {
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache.db"), nil
}

// SessionPath returns the session token file path.
func (c *Config) SessionPath() (string, error) {
	if c.Auth.SessionFile != "" {
		return c.Auth.SessionFile, nil
	}
	dir, err := c.StateDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "session.json"), nil
}
