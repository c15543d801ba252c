package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"
	"github.com/spf13/cobra"

	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/storage"
	"github.com/roach88/kernel/internal/store"
	"github.com/roach88/kernel/internal/vclock"
)

// ValidateOptions holds flags for the validate command.
type ValidateOptions struct {
	*RootOptions
	StoreOptions
	Strict bool
}

// ValidateResult reports one reload of a durable snapshot.
type ValidateResult struct {
	Key       string   `json:"key"`
	Strict    bool     `json:"strict"`
	Loaded    int      `json:"loaded"`
	Retracted []string `json:"retracted"`
	Problems  []string `json:"problems"`
	// Canonical is true when the reloaded graph encodes to the stored bytes.
	Canonical bool `json:"canonical"`
}

// RenderText implements TextRenderer.
func (r ValidateResult) RenderText(w io.Writer, verbose bool) {
	mode := "lenient"
	if r.Strict {
		mode = "strict"
	}
	fmt.Fprintf(w, "Key %s (%s): %d loaded, %d retracted\n", r.Key, mode, r.Loaded, len(r.Retracted))
	for _, p := range r.Problems {
		fmt.Fprintf(w, "  ✗ %s\n", p)
	}
	if verbose && len(r.Retracted) > 0 {
		fmt.Fprintf(w, "Retracted: %v\n", r.Retracted)
	}
	if len(r.Problems) == 0 {
		if r.Canonical {
			fmt.Fprintln(w, "✓ Durable snapshot is valid")
		} else {
			fmt.Fprintln(w, "✓ Durable snapshot is valid (re-encoding differs from stored bytes, run migrate)")
		}
	}
}

// NewValidateCommand creates the validate command.
func NewValidateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ValidateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Reload a durable snapshot into a fresh kernel",
		Long: `Reload the durable snapshot stored under a storage key into a fresh
kernel and report every problem the load finds.

In the default lenient mode, entities that fail to load are retracted and
the load goes on, exactly as an application would start. With --strict the
first problem aborts the load.

Exit codes:
  0 - Snapshot loads cleanly
  1 - Problems found
  2 - Command error (store not found, key not found, newer format)

Examples:
  kernelctl validate --db ./kernel.db --key main --schema ./schema
  kernelctl validate --config ./kernel.yaml --strict
  kernelctl validate --config ./kernel.yaml --format json`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(cmd.Context(), opts, cmd)
		},
	}

	opts.StoreOptions.bind(cmd)
	cmd.Flags().BoolVar(&opts.Strict, "strict", false, "abort on the first problem")

	return cmd
}

func runValidate(ctx context.Context, opts *ValidateOptions, cmd *cobra.Command) (err error) {
	if ctx == nil {
		ctx = context.Background()
	}
	out := formatter(opts.RootOptions, cmd)
	defer func() { err = out.Finish(err) }()

	cfg, err := resolveConfig(opts.RootOptions, &opts.StoreOptions)
	if err != nil {
		return err
	}
	strict := opts.Strict || cfg.Strict
	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}
	bs, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer bs.Close()

	d, ok, err := storage.StoreLoader(bs, cfg.StorageKey)(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load durable snapshot", err)
	}
	if !ok {
		_ = out.Error("E_NOT_FOUND", fmt.Sprintf("no durable snapshot for key %q", cfg.StorageKey), nil)
		return WrapExitError(ExitCommandError, "key not found", store.ErrNotFound)
	}

	logger := commandLogger(opts.RootOptions, cfg, cmd)
	tx := kernel.New(
		kernel.WithRegistry(reg),
		kernel.WithKernelID(vclock.ID("kernelctl")),
		kernel.WithLogger(logger),
	)
	defer tx.Close(nil)

	result := ValidateResult{Key: cfg.StorageKey, Strict: strict, Retracted: []string{}, Problems: []string{}}
	var (
		report   storage.LoadReport
		applyErr error
	)
	out.VerboseLog("Reloading %d entities", len(d.Entities))
	_, err = tx.Change(kernel.WithLabel(ctx, "validate"), func(m *kernel.Mut) error {
		report, applyErr = storage.Apply(m, d, storage.ApplyOptions{Strict: strict, Logger: logger})
		return applyErr
	})
	switch {
	case applyErr != nil:
		result.Problems = append(result.Problems, applyErr.Error())
	case err != nil:
		return WrapExitError(ExitCommandError, "reload failed", err)
	default:
		result.Loaded = report.Loaded
		result.Retracted = append(result.Retracted, report.Retracted...)
		result.Problems = append(result.Problems, problemList(report.Problems)...)

		rec, err := bs.Load(ctx, cfg.StorageKey)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to load record", err)
		}
		again, err := storage.Encode(storage.Build(tx.Current(), cfg.StorageKey, logger))
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to re-encode", err)
		}
		result.Canonical = bytes.Equal(again, rec.Data)
	}

	if n := len(result.Problems); n > 0 {
		msg := fmt.Sprintf("%d problem(s) found", n)
		if err := out.Failure("E_PROBLEMS", msg, result); err != nil {
			return err
		}
		return NewExitError(ExitFailure, msg)
	}
	return out.Success(result)
}

func problemList(err error) []string {
	if err == nil {
		return nil
	}
	var merr *multierror.Error
	if errors.As(err, &merr) {
		out := make([]string, len(merr.Errors))
		for i, e := range merr.Errors {
			out[i] = e.Error()
		}
		return out
	}
	return []string{err.Error()}
}
