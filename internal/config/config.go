// Package config loads bizsync configuration from YAML with environment overrides.
package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	apperrors "github.com/kimhsiao/bizsync/internal/errors"
	"github.com/kimhsiao/bizsync/internal/models"
)

// Environment variables that override file values.
const (
	EnvRemoteURL  = "BIZSYNC_REMOTE_URL"
	EnvDataDir    = "BIZSYNC_DATA_DIR"
	EnvListenAddr = "BIZSYNC_LISTEN_ADDR"
	EnvLogLevel   = "LOGGING_LEVEL"
	EnvLogFormat  = "LOGGING_FORMAT"
)

// Config is the complete application configuration.
type Config struct {
	// DataDir holds the local and remote SQLite files.
	DataDir string `yaml:"data_dir"`

	// ListenAddr is the address of the local app API.
	ListenAddr string `yaml:"listen_addr"`

	Remote  RemoteConfig  `yaml:"remote"`
	Sync    SyncConfig    `yaml:"sync"`
	Logging LoggingConfig `yaml:"logging"`

	// Collections restricts the synced collections. Empty means all known collections.
	Collections []string `yaml:"collections,omitempty"`
}

// RemoteConfig addresses the remote document store.
type RemoteConfig struct {
	// URL is where the local engine sends mutations.
	URL string `yaml:"url"`

	// ListenAddr is used by `bizsync remote` when serving the store.
	ListenAddr string `yaml:"listen_addr"`
}

// SyncConfig tunes the queue, processor and scheduler.
type SyncConfig struct {
	Interval         time.Duration `yaml:"interval"`
	ProbeInterval    time.Duration `yaml:"probe_interval"`
	MaxAttempts      int           `yaml:"max_attempts"`
	Concurrency      int           `yaml:"concurrency"`
	ReconcileTimeout time.Duration `yaml:"reconcile_timeout"`
	BootstrapTimeout time.Duration `yaml:"bootstrap_timeout"`
}

// LoggingConfig selects log level and encoder.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DataDir:    "./data",
		ListenAddr: "127.0.0.1:8090",
		Remote: RemoteConfig{
			URL:        "http://127.0.0.1:8091",
			ListenAddr: "127.0.0.1:8091",
		},
		Sync: SyncConfig{
			Interval:         15 * time.Second,
			ProbeInterval:    5 * time.Second,
			MaxAttempts:      5,
			Concurrency:      4,
			ReconcileTimeout: 10 * time.Second,
			BootstrapTimeout: 30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides and validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to read config file", err)
		}

		// Unknown keys are rejected so typos do not silently fall back to defaults.
		decoder := yaml.NewDecoder(bytes.NewReader(data))
		decoder.KnownFields(true)
		if err := decoder.Decode(cfg); err != nil {
			return nil, apperrors.Wrap(apperrors.ErrConfig, "failed to parse YAML", err)
		}
	}

	cfg.applyEnv(os.LookupEnv)

	if err := cfg.Validate(); err != nil {
		return nil, apperrors.Wrap(apperrors.ErrConfig, "invalid config", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) {
	if v, ok := lookup(EnvRemoteURL); ok && v != "" {
		c.Remote.URL = v
	}
	if v, ok := lookup(EnvDataDir); ok && v != "" {
		c.DataDir = v
	}
	if v, ok := lookup(EnvListenAddr); ok && v != "" {
		c.ListenAddr = v
	}
	if v, ok := lookup(EnvLogLevel); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup(EnvLogFormat); ok && v != "" {
		c.Logging.Format = v
	}
}

// Validate checks required fields and ranges.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("sync.interval must be positive")
	}
	if c.Sync.ProbeInterval <= 0 {
		return fmt.Errorf("sync.probe_interval must be positive")
	}
	if c.Sync.MaxAttempts < 1 {
		return fmt.Errorf("sync.max_attempts must be at least 1")
	}
	if c.Sync.Concurrency < 1 {
		return fmt.Errorf("sync.concurrency must be at least 1")
	}
	if c.Sync.ReconcileTimeout <= 0 || c.Sync.BootstrapTimeout <= 0 {
		return fmt.Errorf("sync timeouts must be positive")
	}
	if _, err := c.Schema(); err != nil {
		return err
	}
	return nil
}

// Schema returns the collection registry restricted to Collections.
func (c *Config) Schema() (models.Schema, error) {
	if len(c.Collections) == 0 {
		return models.DefaultSchema(), nil
	}
	return models.DefaultSchema().Subset(c.Collections)
}

// LocalDBPath is the SQLite file holding the queue and local documents.
func (c *Config) LocalDBPath() string {
	return filepath.Join(c.DataDir, "local.db")
}

// RemoteDBPath is the SQLite file of the remote document store.
func (c *Config) RemoteDBPath() string {
	return filepath.Join(c.DataDir, "remote.db")
}
