// Package common provides shared configuration, logging and version
// utilities across the application.
package common

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pelletier/go-toml/v2"
)

// Storage backend selectors.
const (
	BackendBadger = "badger"
	BackendMemory = "memory"
	BackendAuto   = "auto"
)

// Config represents the application configuration.
type Config struct {
	Storage    StorageConfig    `toml:"storage"`
	Queue      QueueConfig      `toml:"queue"`
	Supervisor SupervisorConfig `toml:"supervisor"`
	Logging    LoggingConfig    `toml:"logging"`
}

// StorageConfig selects the state-store backend and its directory.
type StorageConfig struct {
	Path    string `toml:"path" validate:"required"`
	Backend string `toml:"backend" validate:"oneof=badger memory auto"`
}

// QueueConfig tunes frontier behavior.
type QueueConfig struct {
	// StallTimeout is how long an item may sit in processing before the
	// recovery sweep presumes its worker crashed, e.g. "15m".
	StallTimeout string `toml:"stall_timeout" validate:"required"`
}

// SupervisorConfig drives the periodic recovery sweep.
type SupervisorConfig struct {
	Enabled bool `toml:"enabled"`
	// Schedule is a cron expression, e.g. "@every 5m".
	Schedule string `toml:"schedule" validate:"required"`
}

// LoggingConfig selects log level and output destinations.
type LoggingConfig struct {
	Level  string   `toml:"level" validate:"oneof=trace debug info warn error"`
	Output []string `toml:"output"`
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Path:    "./data/frontier",
			Backend: BackendAuto,
		},
		Queue: QueueConfig{
			StallTimeout: "15m",
		},
		Supervisor: SupervisorConfig{
			Enabled:  true,
			Schedule: "@every 5m",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Output: []string{"stdout"},
		},
	}
}

// LoadFromFiles loads configuration in priority order: defaults, then each
// file in turn (later files override earlier ones), then environment
// overrides. The merged result is validated before use.
func LoadFromFiles(paths ...string) (*Config, error) {
	cfg := DefaultConfig()

	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnvOverrides applies FRONTIER_* environment variables on top of the
// file-derived configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("FRONTIER_DATA_PATH"); v != "" {
		cfg.Storage.Path = v
	}
	if v := os.Getenv("FRONTIER_STORAGE_BACKEND"); v != "" {
		cfg.Storage.Backend = v
	}
	if v := os.Getenv("FRONTIER_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the merged configuration, surfacing bad values at
// construction time rather than first use.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if _, err := c.Queue.StallTimeoutDuration(); err != nil {
		return err
	}
	return nil
}

// StallTimeoutDuration parses the configured stall timeout.
func (q *QueueConfig) StallTimeoutDuration() (time.Duration, error) {
	d, err := time.ParseDuration(q.StallTimeout)
	if err != nil {
		return 0, fmt.Errorf("invalid queue.stall_timeout %q: %w", q.StallTimeout, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("queue.stall_timeout must be positive, got %q", q.StallTimeout)
	}
	return d, nil
}
