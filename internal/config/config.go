// Package config loads the operator configuration shared by kernelctl
// and embedding applications.
package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-multierror"
	"gopkg.in/yaml.v3"

	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/store"
)

// Byte store backends.
const (
	BackendSQLite = "sqlite"
	BackendBadger = "badger"
	BackendMemory = "memory"
)

// Config is the on-disk configuration.
//
//	store:
//	  backend: sqlite
//	  path: ./kernel.db
//	storage_key: main
//	debounce: 500ms
//	strict: false
//	clock_timeout: 30s
//	schema_dir: ./schema
//	max_log_lag: 4096
//	log_level: info
type Config struct {
	Store        StoreConfig   `yaml:"store"`
	StorageKey   string        `yaml:"storage_key"`
	Debounce     time.Duration `yaml:"debounce"`
	Strict       bool          `yaml:"strict"`
	ClockTimeout time.Duration `yaml:"clock_timeout"`
	SchemaDir    string        `yaml:"schema_dir,omitempty"`
	MaxLogLag    int           `yaml:"max_log_lag"`
	LogLevel     string        `yaml:"log_level"`
}

// StoreConfig selects the byte store.
type StoreConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		Store:        StoreConfig{Backend: BackendSQLite, Path: "kernel.db"},
		StorageKey:   "main",
		Debounce:     500 * time.Millisecond,
		ClockTimeout: 30 * time.Second,
		MaxLogLag:    4096,
		LogLevel:     "info",
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Write stores cfg as YAML at path.
func Write(path string, cfg Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

// Validate reports every invalid field.
func (c Config) Validate() error {
	var errs *multierror.Error
	switch c.Store.Backend {
	case BackendSQLite, BackendBadger:
		if c.Store.Path == "" {
			errs = multierror.Append(errs, fmt.Errorf("store.path is required for backend %q", c.Store.Backend))
		}
	case BackendMemory:
	default:
		errs = multierror.Append(errs, fmt.Errorf("store.backend %q: must be one of %s, %s, %s",
			c.Store.Backend, BackendSQLite, BackendBadger, BackendMemory))
	}
	if c.StorageKey == "" {
		errs = multierror.Append(errs, fmt.Errorf("storage_key is required"))
	}
	if c.Debounce < 0 {
		errs = multierror.Append(errs, fmt.Errorf("debounce must not be negative"))
	}
	if c.ClockTimeout <= 0 {
		errs = multierror.Append(errs, fmt.Errorf("clock_timeout must be positive"))
	}
	if c.MaxLogLag < 0 {
		errs = multierror.Append(errs, fmt.Errorf("max_log_lag must not be negative"))
	}
	if _, err := parseLevel(c.LogLevel); err != nil {
		errs = multierror.Append(errs, err)
	}
	return errs.ErrorOrNil()
}

// OpenStore opens the configured byte store.
func (c Config) OpenStore() (store.ByteStore, error) {
	switch c.Store.Backend {
	case BackendSQLite:
		return store.Open(c.Store.Path)
	case BackendBadger:
		return store.OpenBadger(store.DefaultBadgerConfig(c.Store.Path))
	case BackendMemory:
		return store.NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}
}

// Registry loads the schema directory, or returns the built-in registry
// when none is configured.
func (c Config) Registry() (*schema.Registry, error) {
	if c.SchemaDir == "" {
		return schema.Builtin(), nil
	}
	reg, errs := schema.LoadDir(c.SchemaDir, schema.LoadModeCollectAll)
	if len(errs) > 0 {
		var merr *multierror.Error
		for _, err := range errs {
			merr = multierror.Append(merr, err)
		}
		return nil, fmt.Errorf("load schema %s: %w", c.SchemaDir, merr)
	}
	return reg, nil
}

// Level is the configured log level. Invalid levels read as info.
func (c Config) Level() slog.Level {
	level, _ := parseLevel(c.LogLevel)
	return level
}

// Logger returns a text logger on w at the configured level.
func (c Config) Logger(w io.Writer) *slog.Logger {
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: c.Level()}))
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("log_level %q: must be debug, info, warn or error", s)
	}
}
