package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/store"
)

// LoadFunc reads the durable snapshot. ok is false when none exists.
type LoadFunc func(ctx context.Context) (d DurableSnapshot, ok bool, err error)

// SaveFunc writes the durable snapshot.
type SaveFunc func(ctx context.Context, d DurableSnapshot) error

// StoreLoader loads key from a byte store, refusing records written in a
// newer format and upgrading older ones.
func StoreLoader(bs store.ByteStore, key string) LoadFunc {
	return func(ctx context.Context) (DurableSnapshot, bool, error) {
		rec, err := bs.Load(ctx, key)
		if errors.Is(err, store.ErrNotFound) {
			return DurableSnapshot{}, false, nil
		}
		if err != nil {
			return DurableSnapshot{}, false, err
		}
		if rec.Format > ir.FormatVersion {
			return DurableSnapshot{}, false, &FormatVersionError{Found: rec.Format, Supported: ir.FormatVersion}
		}
		d, err := Decode(rec.Data)
		if err != nil {
			return DurableSnapshot{}, false, fmt.Errorf("load %q: %w", key, err)
		}
		d.Seq = rec.Seq
		return d, true, nil
	}
}

// StoreSaver encodes and saves to key in a byte store.
func StoreSaver(bs store.ByteStore, key string) SaveFunc {
	return func(ctx context.Context, d DurableSnapshot) error {
		data, err := Encode(d)
		if err != nil {
			return err
		}
		return bs.Save(ctx, store.Record{
			Key:     key,
			Format:  ir.FormatVersion,
			Hash:    Hash(data),
			Seq:     d.Seq,
			Data:    data,
			SavedAt: time.Now(),
		})
	}
}

// MigrateRecord rewrites the record for key in the current format.
func MigrateRecord(ctx context.Context, bs store.ByteStore, key string) (changed bool, err error) {
	rec, err := bs.Load(ctx, key)
	if err != nil {
		return false, err
	}
	if rec.Format > ir.FormatVersion {
		return false, &FormatVersionError{Found: rec.Format, Supported: ir.FormatVersion}
	}
	data, changed, err := Migrate(rec.Data)
	if err != nil {
		return false, fmt.Errorf("migrate %q: %w", key, err)
	}
	if !changed && rec.Format == ir.FormatVersion {
		return false, nil
	}
	rec.Data, rec.Format, rec.Hash, rec.SavedAt = data, ir.FormatVersion, Hash(data), time.Now()
	if err := bs.Save(ctx, rec); err != nil {
		return false, err
	}
	return true, nil
}
