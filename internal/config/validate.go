package config

import (
	"errors"
	"fmt"
	"net/url"
)

var validStrategies = map[string]bool{
	"server_wins": true,
	"client_wins": true,
	"merge":       true,
	"manual":      true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"json": true,
	"text": true,
}

// Validate checks value ranges and enumerations, collecting every
// problem so a broken file is reported in one pass.
func (c *Config) Validate() error {
	var errs []error

	if c.Server.BaseURL != "" {
		if u, err := url.Parse(c.Server.BaseURL); err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("server.base_url %q is not an absolute URL", c.Server.BaseURL))
		}
	}
	if c.Server.Timeout <= 0 {
		errs = append(errs, errors.New("server.timeout must be positive"))
	}
	if c.Server.RateLimit < 0 {
		errs = append(errs, errors.New("server.rate_limit must not be negative"))
	}

	if c.Sync.BatchSize < 1 {
		errs = append(errs, errors.New("sync.batch_size must be at least 1"))
	}
	if c.Sync.MaxConcurrent < 1 {
		errs = append(errs, errors.New("sync.max_concurrent must be at least 1"))
	}
	if c.Sync.Interval <= 0 {
		errs = append(errs, errors.New("sync.interval must be positive"))
	}
	if c.Sync.BaseDelay <= 0 {
		errs = append(errs, errors.New("sync.base_delay must be positive"))
	}
	if c.Sync.CapDelay < c.Sync.BaseDelay {
		errs = append(errs, errors.New("sync.cap_delay must be at least sync.base_delay"))
	}
	if c.Sync.MaxRetries < 0 {
		errs = append(errs, errors.New("sync.max_retries must not be negative"))
	}
	if !validStrategies[c.Sync.ConflictStrategy] {
		errs = append(errs, fmt.Errorf("sync.conflict_strategy %q is not one of server_wins, client_wins, merge, manual", c.Sync.ConflictStrategy))
	}

	if c.Tabs.HeartbeatInterval <= 0 {
		errs = append(errs, errors.New("tabs.heartbeat_interval must be positive"))
	}
	if c.Tabs.HeartbeatTimeout <= c.Tabs.HeartbeatInterval {
		errs = append(errs, errors.New("tabs.heartbeat_timeout must exceed tabs.heartbeat_interval"))
	}

	if c.Health.ProbeInterval <= 0 {
		errs = append(errs, errors.New("health.probe_interval must be positive"))
	}
	if c.Health.MaxAttempts < 1 {
		errs = append(errs, errors.New("health.max_attempts must be at least 1"))
	}

	if !validLogLevels[c.Logging.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level %q is not one of debug, info, warn, error", c.Logging.LogLevel))
	}
	if !validLogFormats[c.Logging.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format %q is not one of auto, json, text", c.Logging.LogFormat))
	}

	return errors.Join(errs...)
}
