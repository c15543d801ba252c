package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/roach88/kernel/internal/storage"
	"github.com/roach88/kernel/internal/store"
)

// MigrateOptions holds flags for the migrate command.
type MigrateOptions struct {
	*RootOptions
	StoreOptions
	All bool // migrate every key in the store
}

// MigrateKeyResult reports one migrated record.
type MigrateKeyResult struct {
	Key     string `json:"key"`
	Changed bool   `json:"changed"`
	Error   string `json:"error,omitempty"`
}

// MigrateResult reports a migrate run.
type MigrateResult struct {
	Keys    []MigrateKeyResult `json:"keys"`
	Changed int                `json:"changed"`
	Failed  int                `json:"failed"`
}

// RenderText implements TextRenderer.
func (r MigrateResult) RenderText(w io.Writer, _ bool) {
	for _, k := range r.Keys {
		switch {
		case k.Error != "":
			fmt.Fprintf(w, "✗ %s: %s\n", k.Key, k.Error)
		case k.Changed:
			fmt.Fprintf(w, "✓ %s (rewritten)\n", k.Key)
		default:
			fmt.Fprintf(w, "✓ %s (current)\n", k.Key)
		}
	}
	fmt.Fprintf(w, "\nMigrate Summary: %d rewritten, %d failed, %d total\n", r.Changed, r.Failed, len(r.Keys))
}

// NewMigrateCommand creates the migrate command.
func NewMigrateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &MigrateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Rewrite durable snapshots in the current format",
		Long: `Rewrite durable snapshots written by older builds in the current
format version. Records already in canonical current form are left alone.
Records written by a newer build are refused.

Exit codes:
  0 - Every record is current
  1 - One or more records could not be migrated
  2 - Command error (store not found, key not found)

Examples:
  kernelctl migrate --db ./kernel.db --key main
  kernelctl migrate --config ./kernel.yaml --all`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMigrate(cmd.Context(), opts, cmd)
		},
	}

	opts.StoreOptions.bind(cmd)
	cmd.Flags().BoolVar(&opts.All, "all", false, "migrate every storage key")

	return cmd
}

func runMigrate(ctx context.Context, opts *MigrateOptions, cmd *cobra.Command) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out := formatter(opts.RootOptions, cmd)
	defer func() { err = out.Finish(err) }()

	cfg, err := resolveConfig(opts.RootOptions, &opts.StoreOptions)
	if err != nil {
		return err
	}
	bs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer bs.Close()

	keys := []string{cfg.StorageKey}
	if opts.All {
		keys, err = bs.Keys(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list keys", err)
		}
	}

	result := MigrateResult{Keys: make([]MigrateKeyResult, 0, len(keys))}
	for _, key := range keys {
		out.VerboseLog("Migrating %q", key)
		changed, err := storage.MigrateRecord(ctx, bs, key)
		if !opts.All && errors.Is(err, store.ErrNotFound) {
			_ = out.Error("E_NOT_FOUND", fmt.Sprintf("no durable snapshot for key %q", key), nil)
			return WrapExitError(ExitCommandError, "key not found", err)
		}
		kr := MigrateKeyResult{Key: key, Changed: changed}
		if err != nil {
			kr.Error = err.Error()
			result.Failed++
		} else if changed {
			result.Changed++
		}
		result.Keys = append(result.Keys, kr)
	}

	if result.Failed > 0 {
		msg := fmt.Sprintf("%d record(s) failed to migrate", result.Failed)
		if err := out.Failure("E_MIGRATE_FAILED", msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}
	return out.Success(result)
}
