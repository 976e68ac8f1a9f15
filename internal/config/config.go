// Copyright ©2025 Dan Kortschak. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

// Package config implements loading of the smartdot daemon configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Log     LogConfig     `yaml:"log"`
	Store   StoreConfig   `yaml:"store"`
	HTTP    HTTPConfig    `yaml:"http"`
	Scan    ScanConfig    `yaml:"scan"`
	Connect ConnectConfig `yaml:"connect"`
	Tracing TracingConfig `yaml:"tracing"`

	// Settle is the time to wait after writing a command
	// before disconnecting. The SmartDot firmware drops
	// commands when the link is closed immediately.
	Settle time.Duration `yaml:"settle"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn or error
	Format string `yaml:"format"` // json or console
	Output string `yaml:"output"` // stderr, stdout or a file path
}

// StoreConfig configures entry and state persistence.
type StoreConfig struct {
	Path string `yaml:"path"`
}

// HTTPConfig configures the HTTP API.
type HTTPConfig struct {
	Addr string `yaml:"addr"`
	MDNS bool   `yaml:"mdns"`
}

// ScanConfig configures BLE discovery.
type ScanConfig struct {
	Timeout time.Duration `yaml:"timeout"`
	Name    string        `yaml:"name"`
}

// ConnectConfig configures connection establishment.
type ConnectConfig struct {
	Attempts   int           `yaml:"attempts"`
	Backoff    time.Duration `yaml:"backoff"`
	MaxBackoff time.Duration `yaml:"max_backoff"`
	Timeout    time.Duration `yaml:"timeout"`

	// BreakerFailures is the number of consecutive failed
	// connections after which connecting fails fast for
	// BreakerTimeout.
	BreakerFailures uint32        `yaml:"breaker_failures"`
	BreakerTimeout  time.Duration `yaml:"breaker_timeout"`

	// SetupRetry is the initial delay before retrying setup
	// of an entry whose device is not yet visible.
	SetupRetry time.Duration `yaml:"setup_retry"`
}

// TracingConfig configures OpenTelemetry tracing.
type TracingConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Exporter string `yaml:"exporter"` // stdout or noop
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "console",
			Output: "stderr",
		},
		Store: StoreConfig{Path: "smartdot.db"},
		HTTP:  HTTPConfig{Addr: "127.0.0.1:8123"},
		Scan: ScanConfig{
			Timeout: 5 * time.Second,
			Name:    "PetCat",
		},
		Connect: ConnectConfig{
			Attempts:        4,
			Backoff:         250 * time.Millisecond,
			MaxBackoff:      2 * time.Second,
			Timeout:         10 * time.Second,
			BreakerFailures: 8,
			BreakerTimeout:  30 * time.Second,
			SetupRetry:      10 * time.Second,
		},
		Tracing: TracingConfig{Exporter: "noop"},
		Settle:  100 * time.Millisecond,
	}
}

// Load reads the YAML configuration at path over the defaults. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	var errs []error
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level: unknown level %q", c.Log.Level))
	}
	switch c.Log.Format {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.format: unknown format %q", c.Log.Format))
	}
	if c.Store.Path == "" {
		errs = append(errs, errors.New("store.path: must not be empty"))
	}
	if c.Scan.Timeout <= 0 {
		errs = append(errs, errors.New("scan.timeout: must be positive"))
	}
	if c.Scan.Name == "" {
		errs = append(errs, errors.New("scan.name: must not be empty"))
	}
	if c.Connect.Attempts < 1 {
		errs = append(errs, errors.New("connect.attempts: must be at least 1"))
	}
	if c.Connect.Timeout <= 0 {
		errs = append(errs, errors.New("connect.timeout: must be positive"))
	}
	if c.Connect.Backoff < 0 || c.Connect.MaxBackoff < c.Connect.Backoff {
		errs = append(errs, errors.New("connect: backoff must be non-negative and not exceed max_backoff"))
	}
	if c.Settle < 0 {
		errs = append(errs, errors.New("settle: must not be negative"))
	}
	switch c.Tracing.Exporter {
	case "", "noop", "stdout":
	default:
		errs = append(errs, fmt.Errorf("tracing.exporter: unsupported exporter %q", c.Tracing.Exporter))
	}
	return errors.Join(errs...)
}

// Save writes the configuration to path as YAML.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
