// Package config loads and validates tether's TOML configuration.
package config

import (
	"fmt"
	"time"
)

// Duration wraps time.Duration so TOML values can be written as
// strings like "30s" or "5m".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("config: invalid duration %q: %w", string(text), err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalText implements encoding.TextMarshaler so encoded config
// round-trips through the same string form.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full tether configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Auth    AuthConfig    `toml:"auth"`
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Tabs    TabsConfig    `toml:"tabs"`
	Health  HealthConfig  `toml:"health"`
	Logging LoggingConfig `toml:"logging"`
}

// ServerConfig describes the remote API endpoint.
type ServerConfig struct {
	BaseURL   string   `toml:"base_url"`
	Timeout   Duration `toml:"timeout"`
	RateLimit float64  `toml:"rate_limit"` // requests per second, 0 disables
	UserAgent string   `toml:"user_agent"`
}

// AuthConfig describes the OAuth token endpoint and session storage.
type AuthConfig struct {
	TokenURL     string `toml:"token_url"`
	ClientID     string `toml:"client_id"`
	ClientSecret string `toml:"client_secret"`
	SessionFile  string `toml:"session_file"`
}

// StorageConfig describes where the queue and cache databases live.
type StorageConfig struct {
	Dir      string   `toml:"dir"`
	CacheTTL Duration `toml:"cache_ttl"`
}

// SyncConfig tunes the sync engine.
type SyncConfig struct {
	BatchSize        int      `toml:"batch_size"`
	MaxConcurrent    int      `toml:"max_concurrent"`
	Interval         Duration `toml:"interval"`
	ActionTimeout    Duration `toml:"action_timeout"`
	BaseDelay        Duration `toml:"base_delay"`
	CapDelay         Duration `toml:"cap_delay"`
	MaxRetries       int      `toml:"max_retries"`
	ConflictStrategy string   `toml:"conflict_strategy"`
}

// TabsConfig tunes cross-tab coordination.
type TabsConfig struct {
	RelayURL          string   `toml:"relay_url"` // empty runs an in-process bus
	RelayListen       string   `toml:"relay_listen"`
	HeartbeatInterval Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout  Duration `toml:"heartbeat_timeout"`
}

// HealthConfig tunes the connection health monitor.
type HealthConfig struct {
	ProbeInterval Duration `toml:"probe_interval"`
	BaseBackoff   Duration `toml:"base_backoff"`
	MaxAttempts   int      `toml:"max_attempts"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"` // auto, json, or text
}
