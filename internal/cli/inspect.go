package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/roach88/kernel/internal/storage"
	"github.com/roach88/kernel/internal/store"
)

// InspectOptions holds flags for the inspect command.
type InspectOptions struct {
	*RootOptions
	StoreOptions
	List    bool // list storage keys instead of dumping one record
	Raw     bool // print the stored document bytes
	History bool // list past saves of the key
}

// historian is implemented by byte stores that keep past saves.
type historian interface {
	History(ctx context.Context, key string) ([]store.HistoryEntry, error)
}

// HistoryResult lists past saves of one key, oldest first.
type HistoryResult struct {
	Key     string               `json:"key"`
	Entries []store.HistoryEntry `json:"entries"`
}

// RenderText implements TextRenderer.
func (r HistoryResult) RenderText(w io.Writer, _ bool) {
	if len(r.Entries) == 0 {
		fmt.Fprintf(w, "No history for %s.\n", r.Key)
		return
	}
	for _, e := range r.Entries {
		fmt.Fprintf(w, "%s  seq=%d  format=%d  %s\n", e.SavedAt.Format(time.RFC3339), e.Seq, e.Format, e.Hash)
	}
}

// EntitySummary describes one stored entity.
type EntitySummary struct {
	UID       string              `json:"uid"`
	Partition int                 `json:"partition"`
	Attrs     map[string][]string `json:"attrs"`
	Problem   string              `json:"problem,omitempty"`
}

// InspectResult describes one durable snapshot record.
type InspectResult struct {
	Key       string          `json:"key"`
	Format    int             `json:"format"`
	Seq       int64           `json:"seq"`
	SavedAt   time.Time       `json:"saved_at"`
	Hash      string          `json:"hash"`
	HashValid bool            `json:"hash_valid"`
	Bytes     int             `json:"bytes"`
	Entities  []EntitySummary `json:"entities"`
}

// RenderText implements TextRenderer.
func (r InspectResult) RenderText(w io.Writer, verbose bool) {
	hash := "ok"
	if !r.HashValid {
		hash = "MISMATCH"
	}
	fmt.Fprintf(w, "Key:      %s\n", r.Key)
	fmt.Fprintf(w, "Format:   %d\n", r.Format)
	fmt.Fprintf(w, "Seq:      %d\n", r.Seq)
	fmt.Fprintf(w, "Saved:    %s\n", r.SavedAt.Format(time.RFC3339))
	fmt.Fprintf(w, "Hash:     %s (%s)\n", r.Hash, hash)
	fmt.Fprintf(w, "Size:     %d bytes\n", r.Bytes)
	fmt.Fprintf(w, "Entities: %d\n", len(r.Entities))
	for _, e := range r.Entities {
		fmt.Fprintf(w, "\n  %s [p%d]\n", e.UID, e.Partition)
		if e.Problem != "" {
			fmt.Fprintf(w, "    ! %s\n", e.Problem)
		}
		for _, attr := range sortedKeys(e.Attrs) {
			if !verbose {
				fmt.Fprintf(w, "    %s (%d)\n", attr, len(e.Attrs[attr]))
				continue
			}
			for _, v := range e.Attrs[attr] {
				fmt.Fprintf(w, "    %s = %s\n", attr, v)
			}
		}
	}
}

// KeysResult lists the storage keys of a byte store.
type KeysResult struct {
	Keys []string `json:"keys"`
}

// RenderText implements TextRenderer.
func (r KeysResult) RenderText(w io.Writer, _ bool) {
	if len(r.Keys) == 0 {
		fmt.Fprintln(w, "No durable snapshots found.")
		return
	}
	for _, k := range r.Keys {
		fmt.Fprintln(w, k)
	}
}

// NewInspectCommand creates the inspect command.
func NewInspectCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &InspectOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Dump a durable snapshot",
		Long: `Dump the durable snapshot stored under a storage key.

Reports record metadata (format version, seq, content hash) and every
stored entity with its attributes. Entities with undecodable values are
listed with the problem instead of failing the dump.

Exit codes:
  0 - Record dumped
  2 - Command error (store not found, key not found, unreadable document)

Examples:
  kernelctl inspect --db ./kernel.db --key main
  kernelctl inspect --config ./kernel.yaml -v
  kernelctl inspect --db ./kernel.db --list
  kernelctl inspect --db ./kernel.db --key main --history
  kernelctl inspect --db ./badger --backend badger --key main --raw`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), opts, cmd)
		},
	}

	opts.StoreOptions.bind(cmd)
	cmd.Flags().BoolVar(&opts.List, "list", false, "list storage keys")
	cmd.Flags().BoolVar(&opts.Raw, "raw", false, "print the stored document bytes")
	cmd.Flags().BoolVar(&opts.History, "history", false, "list past saves of the key (sqlite only)")

	return cmd
}

func runInspect(ctx context.Context, opts *InspectOptions, cmd *cobra.Command) (err error) {
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

	if opts.List {
		keys, err := bs.Keys(ctx)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to list keys", err)
		}
		return out.Success(KeysResult{Keys: keys})
	}

	if opts.History {
		h, ok := bs.(historian)
		if !ok {
			return NewExitError(ExitCommandError, fmt.Sprintf("backend %s keeps no history", cfg.Store.Backend))
		}
		entries, err := h.History(ctx, cfg.StorageKey)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to read history", err)
		}
		return out.Success(HistoryResult{Key: cfg.StorageKey, Entries: entries})
	}

	out.VerboseLog("Loading %q from %s store", cfg.StorageKey, cfg.Store.Backend)
	rec, err := bs.Load(ctx, cfg.StorageKey)
	if errors.Is(err, store.ErrNotFound) {
		_ = out.Error("E_NOT_FOUND", fmt.Sprintf("no durable snapshot for key %q", cfg.StorageKey), nil)
		return WrapExitError(ExitCommandError, "key not found", err)
	}
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load record", err)
	}

	if opts.Raw {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(rec.Data))
		return err
	}

	result, err := inspectRecord(rec)
	if err != nil {
		_ = out.Error("E_DECODE", err.Error(), nil)
		return WrapExitError(ExitCommandError, "failed to decode durable snapshot", err)
	}
	return out.Success(result)
}

func inspectRecord(rec store.Record) (InspectResult, error) {
	result := InspectResult{
		Key:       rec.Key,
		Format:    rec.Format,
		Seq:       rec.Seq,
		SavedAt:   rec.SavedAt,
		Hash:      rec.Hash,
		HashValid: rec.Hash == storage.Hash(rec.Data),
		Bytes:     len(rec.Data),
		Entities:  []EntitySummary{},
	}
	d, err := storage.Decode(rec.Data)
	if err != nil {
		return result, err
	}
	for _, e := range d.Entities {
		sum := EntitySummary{UID: e.UID, Partition: int(d.Partitions[e.UID]), Attrs: make(map[string][]string, len(e.Attrs))}
		if err := e.Err(); err != nil {
			sum.Problem = err.Error()
		}
		for attr, vals := range e.Attrs {
			rendered := make([]string, len(vals))
			for i, v := range vals {
				rendered[i] = v.String()
			}
			sum.Attrs[attr] = rendered
		}
		result.Entities = append(result.Entities, sum)
	}
	slices.SortFunc(result.Entities, func(a, b EntitySummary) int {
		switch {
		case a.UID < b.UID:
			return -1
		case a.UID > b.UID:
			return 1
		}
		return 0
	})
	return result, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
