package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/storage"
	"github.com/roach88/kernel/internal/store"
)

const testSchema = `
attribute: "person/name": {type: "value"}
attribute: "note/title": {type: "value"}
attribute: "note/author": {type: "ref"}
entity: "person": {required: ["person/name"]}
entity: "note": {required: ["note/title", "note/author"]}
`

// execute runs kernelctl with args and returns stdout.
func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCommand()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func schemaDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "schema.cue"), []byte(testSchema), 0o644))
	return dir
}

func tagged(attrs map[string][]storage.DurableValue) map[string][]storage.DurableValue {
	attrs["storage/key"] = []storage.DurableValue{storage.JSONValue(ir.String("main"))}
	return attrs
}

// notesDocument is a person and a note whose author is that person.
func notesDocument() storage.DurableSnapshot {
	return storage.DurableSnapshot{
		Entities: []storage.DurableEntity{
			{UID: "p-1", Attrs: tagged(map[string][]storage.DurableValue{
				"kernel/type": {storage.TypeValue("person")},
				"person/name": {storage.JSONValue(ir.String("Ada"))},
			})},
			{UID: "n-1", Attrs: tagged(map[string][]storage.DurableValue{
				"kernel/type": {storage.TypeValue("note")},
				"note/title":  {storage.JSONValue(ir.String("Hello"))},
				"note/author": {storage.RefValue("p-1")},
			})},
		},
		Partitions: map[string]ir.Partition{"p-1": ir.PartitionDefault, "n-1": ir.PartitionDefault},
		Seq:        7,
	}
}

// sqliteWith creates a SQLite byte store holding d under key.
func sqliteWith(t *testing.T, key string, d storage.DurableSnapshot) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.db")
	bs, err := store.Open(path)
	require.NoError(t, err)
	defer bs.Close()
	require.NoError(t, storage.StoreSaver(bs, key)(context.Background(), d))
	return path
}

// sqliteRecords creates a SQLite byte store holding raw records.
func sqliteRecords(t *testing.T, recs ...store.Record) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "kernel.db")
	bs, err := store.Open(path)
	require.NoError(t, err)
	defer bs.Close()
	for _, rec := range recs {
		if rec.SavedAt.IsZero() {
			rec.SavedAt = time.UnixMilli(1700000000000).UTC()
		}
		require.NoError(t, bs.Save(context.Background(), rec))
	}
	return path
}

func loadRecord(t *testing.T, path, key string) store.Record {
	t.Helper()
	bs, err := store.Open(path)
	require.NoError(t, err)
	defer bs.Close()
	rec, err := bs.Load(context.Background(), key)
	require.NoError(t, err)
	return rec
}
