package cli

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/roach88/kernel/internal/config"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/store"
)

// StoreOptions selects a byte store and storage key. Explicit flags
// override the configuration file.
type StoreOptions struct {
	Database string
	Backend  string
	Key      string
	Schema   string
}

func (o *StoreOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Database, "db", "", "path to the byte store (overrides store.path)")
	cmd.Flags().StringVar(&o.Backend, "backend", "", "byte store backend: sqlite, badger or memory (overrides store.backend)")
	cmd.Flags().StringVar(&o.Key, "key", "", "storage key (overrides storage_key)")
	cmd.Flags().StringVar(&o.Schema, "schema", "", "CUE schema directory (overrides schema_dir)")
}

// resolveConfig merges the configuration file, if any, with flags.
func resolveConfig(root *RootOptions, o *StoreOptions) (config.Config, error) {
	cfg := config.Default()
	if root.Config != "" {
		loaded, err := config.Load(root.Config)
		if err != nil {
			return cfg, WrapExitError(ExitCommandError, "failed to load configuration", err)
		}
		cfg = loaded
	}
	if o.Database != "" {
		cfg.Store.Path = o.Database
	}
	if o.Backend != "" {
		cfg.Store.Backend = o.Backend
	}
	if o.Key != "" {
		cfg.StorageKey = o.Key
	}
	if o.Schema != "" {
		cfg.SchemaDir = o.Schema
	}
	if root.Config == "" && o.Database == "" && cfg.Store.Backend != config.BackendMemory {
		return cfg, NewExitError(ExitCommandError, "no byte store: pass --db or --config")
	}
	if err := cfg.Validate(); err != nil {
		return cfg, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	return cfg, nil
}

// openStore opens the configured byte store. A missing SQLite file is
// reported instead of silently created.
func openStore(cfg config.Config) (store.ByteStore, error) {
	if cfg.Store.Backend != config.BackendMemory {
		if _, err := os.Stat(cfg.Store.Path); err != nil {
			return nil, WrapExitError(ExitCommandError, fmt.Sprintf("byte store not found: %s", cfg.Store.Path), err)
		}
	}
	bs, err := cfg.OpenStore()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open byte store", err)
	}
	return bs, nil
}

func loadRegistry(cfg config.Config) (*schema.Registry, error) {
	reg, err := cfg.Registry()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to load schema", err)
	}
	return reg, nil
}

// commandLogger logs to stderr at debug when verbose, otherwise at the
// configured level.
func commandLogger(root *RootOptions, cfg config.Config, cmd *cobra.Command) *slog.Logger {
	if root.Verbose {
		return slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
	}
	return cfg.Logger(cmd.ErrOrStderr())
}

func formatter(root *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    root.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   root.Verbose,
	}
}
