// Package config loads the configuration of the doorbell example client.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete client configuration.
type Config struct {
	Socket        string        `yaml:"socket"`          // ivshmem-server socket path
	GraceMS       int           `yaml:"grace_ms"`        // handshake ends after this much silence
	PollTimeoutMS int           `yaml:"poll_timeout_ms"` // upper bound of a blocking wait in the loops
	LogLevel      string        `yaml:"log_level"`       // debug, info, warn, error
	Lock          LockConfig    `yaml:"lock"`
	Counter       CounterConfig `yaml:"counter"`
}

// LockConfig places the shared lock.
type LockConfig struct {
	Offset         int64 `yaml:"offset"`
	Vector         int   `yaml:"vector"` // wake vector
	SpinIntervalMS int   `yaml:"spin_interval_ms"`
}

// CounterConfig describes the lock protected counter workload.
type CounterConfig struct {
	Offset     int64 `yaml:"offset"`
	Workers    int   `yaml:"workers"`
	Increments int   `yaml:"increments"` // per worker
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{Socket: "/tmp/ivshmem_socket"}
	Validate(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// Validate checks cfg and fills in defaults for unset values.
func Validate(cfg *Config) error {
	if cfg.Socket == "" {
		return fmt.Errorf("socket is required")
	}
	if cfg.GraceMS <= 0 {
		cfg.GraceMS = 500
	}
	if cfg.PollTimeoutMS <= 0 {
		cfg.PollTimeoutMS = 2000
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if _, err := parseLevel(cfg.LogLevel); err != nil {
		return err
	}

	if cfg.Lock.Offset < 0 || cfg.Lock.Offset%4 != 0 {
		return fmt.Errorf("lock.offset must be a non-negative multiple of 4, got %d", cfg.Lock.Offset)
	}
	if cfg.Lock.Vector < 0 {
		return fmt.Errorf("lock.vector must be >= 0")
	}
	if cfg.Lock.SpinIntervalMS <= 0 {
		cfg.Lock.SpinIntervalMS = 10
	}

	if cfg.Counter.Offset == 0 {
		cfg.Counter.Offset = (cfg.Lock.Offset + 4 + 7) &^ 7
	}
	if cfg.Counter.Offset < 0 || cfg.Counter.Offset%8 != 0 {
		return fmt.Errorf("counter.offset must be a non-negative multiple of 8, got %d", cfg.Counter.Offset)
	}
	if cfg.Counter.Offset < cfg.Lock.Offset+4 && cfg.Counter.Offset+8 > cfg.Lock.Offset {
		return fmt.Errorf("counter.offset %d overlaps the lock cell", cfg.Counter.Offset)
	}
	if cfg.Counter.Workers <= 0 {
		cfg.Counter.Workers = 2
	}
	if cfg.Counter.Increments < 0 {
		return fmt.Errorf("counter.increments must be >= 0")
	}
	if cfg.Counter.Increments == 0 {
		cfg.Counter.Increments = 1000
	}
	return nil
}

// Grace returns the handshake grace period.
func (c *Config) Grace() time.Duration {
	return time.Duration(c.GraceMS) * time.Millisecond
}

// PollTimeout returns the loop wait bound.
func (c *Config) PollTimeout() time.Duration {
	return time.Duration(c.PollTimeoutMS) * time.Millisecond
}

// SpinInterval returns the lock spin interval.
func (c *Config) SpinInterval() time.Duration {
	return time.Duration(c.Lock.SpinIntervalMS) * time.Millisecond
}

// Level returns the configured log level.
func (c *Config) Level() slog.Level {
	lvl, _ := parseLevel(c.LogLevel)
	return lvl
}

func parseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}
