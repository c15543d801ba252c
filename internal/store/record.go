package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Load when no record exists for a key.
var ErrNotFound = errors.New("durable snapshot not found")

// Record is one stored durable snapshot.
type Record struct {
	Key     string    `msgpack:"key"`
	Format  int       `msgpack:"format"`
	Hash    string    `msgpack:"hash"`
	Seq     int64     `msgpack:"seq"`
	Data    []byte    `msgpack:"data"`
	SavedAt time.Time `msgpack:"saved_at"`
}

// ByteStore persists records by storage key. Save replaces any previous
// record for the same key.
type ByteStore interface {
	Load(ctx context.Context, key string) (Record, error)
	Save(ctx context.Context, rec Record) error
	Keys(ctx context.Context) ([]string, error)
	Close() error
}
