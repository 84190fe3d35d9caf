package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig    = "TETHER_CONFIG"
	EnvServerURL = "TETHER_SERVER_URL"
	EnvStateDir  = "TETHER_STATE_DIR"
	EnvLogLevel  = "TETHER_LOG_LEVEL"
)

// EnvOverrides holds values derived from environment variables.
// These are resolved by ReadEnvOverrides and made available to callers.
type EnvOverrides struct {
	ConfigPath string // TETHER_CONFIG: override config file path
	ServerURL  string // TETHER_SERVER_URL: override server base URL
	StateDir   string // TETHER_STATE_DIR: override state directory
	LogLevel   string // TETHER_LOG_LEVEL: override log level
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; callers apply the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		ServerURL:  os.Getenv(EnvServerURL),
		StateDir:   os.Getenv(EnvStateDir),
		LogLevel:   os.Getenv(EnvLogLevel),
	}
}

// Apply copies any set override values onto cfg. The config path
// override is resolved by the caller before loading.
func (e EnvOverrides) Apply(cfg *Config) {
	if e.ServerURL != "" {
		cfg.Server.BaseURL = e.ServerURL
	}
	if e.StateDir != "" {
		cfg.Storage.Dir = e.StateDir
	}
	if e.LogLevel != "" {
		cfg.Logging.LogLevel = e.LogLevel
	}
}
