// Package config provides YAML configuration loading and validation for
// tailall.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure.
type Config struct {
	// Root is the directory to watch. The positional CLI argument overrides
	// it. Defaults to ".".
	Root string `yaml:"root"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// LogFormat is "json" (default) or "text".
	LogFormat string `yaml:"log_format"`

	// BufferSize is the tail read buffer in bytes. Defaults to 4096.
	BufferSize int `yaml:"buffer_size"`

	// RegistryPower sets the watch registry to 1<<RegistryPower buckets.
	// Defaults to 14.
	RegistryPower int `yaml:"registry_power"`

	// MaxDepth bounds directory recursion below the root. Defaults to 128.
	MaxDepth int `yaml:"max_depth"`

	// MaxPathLen is the longest path, in bytes, that will be watched or
	// opened. Defaults to 4096.
	MaxPathLen int `yaml:"max_path_len"`

	// CompactEvery returns freed memory to the OS after that many tail
	// operations. 0 disables it.
	CompactEvery int `yaml:"compact_every"`

	// Color controls banner colouring: "auto" (default), "always" or
	// "never".
	Color string `yaml:"color"`

	Status  StatusConfig  `yaml:"status"`
	Archive ArchiveConfig `yaml:"archive"`
}

// StatusConfig configures the optional HTTP status server.
type StatusConfig struct {
	// Addr is the listen address (e.g. "127.0.0.1:9100"). Empty disables
	// the server.
	Addr string `yaml:"addr"`

	// JWTPublicKey is the path to a PEM-encoded RSA public key. When set,
	// /api/v1 requests must carry an RS256 bearer token signed by the
	// matching private key.
	JWTPublicKey string `yaml:"jwt_public_key"`

	// StreamBuffer is the per-client frame queue of /api/v1/stream.
	// Frames for a client whose queue is full are dropped. Defaults to 64.
	StreamBuffer int `yaml:"stream_buffer"`
}

// ArchiveConfig configures the optional archive sink.
type ArchiveConfig struct {
	// Driver is "sqlite" or "postgres". Empty disables archiving.
	Driver string `yaml:"driver"`

	// DSN is the SQLite file path or the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// BatchSize is the number of chunks buffered before a PostgreSQL
	// flush. Defaults to 100.
	BatchSize int `yaml:"batch_size"`

	// FlushInterval bounds how long PostgreSQL chunks stay buffered.
	// Defaults to 500ms.
	FlushInterval time.Duration `yaml:"flush_interval"`
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"json": true,
	"text": true,
}

var validColors = map[string]bool{
	"auto":   true,
	"always": true,
	"never":  true,
}

var validDrivers = map[string]bool{
	"":         true,
	"sqlite":   true,
	"postgres": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates every field. All validation failures are reported
// together.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	var cfg Config
	applyDefaults(&cfg)
	return &cfg
}

// Validate re-checks cfg, typically after command-line overrides.
func (c *Config) Validate() error {
	return validate(c)
}

// applyDefaults fills in zero-value optional fields.
func applyDefaults(cfg *Config) {
	if cfg.Root == "" {
		cfg.Root = "."
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "json"
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = 4096
	}
	if cfg.RegistryPower == 0 {
		cfg.RegistryPower = 14
	}
	if cfg.MaxDepth == 0 {
		cfg.MaxDepth = 128
	}
	if cfg.MaxPathLen == 0 {
		cfg.MaxPathLen = 4096
	}
	if cfg.Color == "" {
		cfg.Color = "auto"
	}
	if cfg.Status.StreamBuffer == 0 {
		cfg.Status.StreamBuffer = 64
	}
	if cfg.Archive.Driver != "" {
		if cfg.Archive.BatchSize == 0 {
			cfg.Archive.BatchSize = 100
		}
		if cfg.Archive.FlushInterval == 0 {
			cfg.Archive.FlushInterval = 500 * time.Millisecond
		}
	}
}

// validate checks that enumerated fields contain only valid values and that
// numeric fields are in range.
func validate(cfg *Config) error {
	var errs []error

	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if !validLogFormats[cfg.LogFormat] {
		errs = append(errs, fmt.Errorf("log_format %q must be one of: json, text", cfg.LogFormat))
	}
	if !validColors[cfg.Color] {
		errs = append(errs, fmt.Errorf("color %q must be one of: auto, always, never", cfg.Color))
	}
	if cfg.BufferSize < 1 {
		errs = append(errs, fmt.Errorf("buffer_size %d must be positive", cfg.BufferSize))
	}
	if cfg.RegistryPower < 1 || cfg.RegistryPower > 24 {
		errs = append(errs, fmt.Errorf("registry_power %d must be between 1 and 24", cfg.RegistryPower))
	}
	if cfg.MaxDepth < 1 {
		errs = append(errs, fmt.Errorf("max_depth %d must be positive", cfg.MaxDepth))
	}
	if cfg.MaxPathLen < 2 {
		errs = append(errs, fmt.Errorf("max_path_len %d must be at least 2", cfg.MaxPathLen))
	}
	if cfg.CompactEvery < 0 {
		errs = append(errs, fmt.Errorf("compact_every %d must not be negative", cfg.CompactEvery))
	}

	if cfg.Status.JWTPublicKey != "" && cfg.Status.Addr == "" {
		errs = append(errs, errors.New("status.jwt_public_key requires status.addr"))
	}
	if cfg.Status.StreamBuffer < 1 {
		errs = append(errs, fmt.Errorf("status.stream_buffer %d must be positive", cfg.Status.StreamBuffer))
	}

	if !validDrivers[cfg.Archive.Driver] {
		errs = append(errs, fmt.Errorf("archive.driver %q must be one of: sqlite, postgres", cfg.Archive.Driver))
	}
	if cfg.Archive.Driver != "" && cfg.Archive.DSN == "" {
		errs = append(errs, errors.New("archive.dsn is required when archive.driver is set"))
	}
	if cfg.Archive.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("archive.batch_size %d must not be negative", cfg.Archive.BatchSize))
	}
	if cfg.Archive.FlushInterval < 0 {
		errs = append(errs, fmt.Errorf("archive.flush_interval %s must not be negative", cfg.Archive.FlushInterval))
	}

	return errors.Join(errs...)
}
