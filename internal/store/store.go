package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 0 - Initial schema (pre-migration)
// 1 - Added snapshots.content_hash and snapshots.seq
// 2 - Added snapshot_history
const currentSchemaVersion = 2

// SQLite is a ByteStore backed by a SQLite database.
type SQLite struct {
	db *sql.DB
}

var _ ByteStore = (*SQLite)(nil)

// Open creates or opens a SQLite database at the given path.
// Applies required pragmas and migrations automatically.
//
// The database is configured with:
//   - WAL mode for concurrent reads during writes
//   - NORMAL synchronous mode (balance durability/performance)
//   - 5-second busy timeout for lock contention
//
// This function is idempotent - safe to call multiple times.
func Open(path string) (*SQLite, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}

	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database connection.
func (s *SQLite) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Load returns the record for key, or ErrNotFound.
func (s *SQLite) Load(ctx context.Context, key string) (Record, error) {
	rec := Record{Key: key}
	var savedAt int64
	err := s.db.QueryRowContext(ctx, `
		SELECT format, content_hash, seq, data, saved_at
		FROM snapshots
		WHERE storage_key = ?
	`, key).Scan(&rec.Format, &rec.Hash, &rec.Seq, &rec.Data, &savedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load snapshot %q: %w", key, err)
	}
	rec.SavedAt = time.UnixMilli(savedAt).UTC()
	return rec, nil
}

// Save replaces the record for rec.Key and appends a history row, in one
// transaction.
func (s *SQLite) Save(ctx context.Context, rec Record) error {
	if rec.SavedAt.IsZero() {
		rec.SavedAt = time.Now()
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", rec.Key, err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshots (storage_key, format, content_hash, seq, data, saved_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(storage_key) DO UPDATE SET
			format = excluded.format,
			content_hash = excluded.content_hash,
			seq = excluded.seq,
			data = excluded.data,
			saved_at = excluded.saved_at
	`, rec.Key, rec.Format, rec.Hash, rec.Seq, rec.Data, rec.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save snapshot %q: %w", rec.Key, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO snapshot_history (storage_key, format, content_hash, seq, saved_at)
		VALUES (?, ?, ?, ?, ?)
	`, rec.Key, rec.Format, rec.Hash, rec.Seq, rec.SavedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("record snapshot history %q: %w", rec.Key, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("save snapshot %q: %w", rec.Key, err)
	}
	return nil
}

// Keys lists stored keys in binary order.
func (s *SQLite) Keys(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT storage_key FROM snapshots ORDER BY storage_key COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query keys: %w", err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

// HistoryEntry is one past save of a key.
type HistoryEntry struct {
	Format  int
	Hash    string
	Seq     int64
	SavedAt time.Time
}

// History returns past saves of key, oldest first.
func (s *SQLite) History(ctx context.Context, key string) ([]HistoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT format, content_hash, seq, saved_at
		FROM snapshot_history
		WHERE storage_key = ?
		ORDER BY id ASC
	`, key)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var out []HistoryEntry
	for rows.Next() {
		var (
			h       HistoryEntry
			savedAt int64
		)
		if err := rows.Scan(&h.Format, &h.Hash, &h.Seq, &savedAt); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.SavedAt = time.UnixMilli(savedAt).UTC()
		out = append(out, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate history: %w", err)
	}
	return out, nil
}

// applyPragmas sets required SQLite configuration.
func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
	}

	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("failed to execute %q: %w", pragma, err)
		}
	}

	return nil
}

// applySchema runs migrations for databases created by older versions,
// then creates anything still missing. This function is idempotent.
func applySchema(db *sql.DB) error {
	if err := runMigrations(db); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}

	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("set user_version: %w", err)
	}

	return nil
}

// runMigrations applies incremental schema migrations based on user_version.
// A fresh database has no snapshots table and needs none of them.
func runMigrations(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("get user_version: %w", err)
	}

	exists, err := tableExists(db, "snapshots")
	if err != nil {
		return err
	}
	if !exists {
		return nil
	}

	if version < 1 {
		if err := migrateToV1(db); err != nil {
			return err
		}
	}
	// v2 only adds a table, which schema.sql creates.
	return nil
}

// migrateToV1 adds the content hash and seq columns to v0 databases,
// which stored only the key, format, data and save time.
func migrateToV1(db *sql.DB) error {
	for _, stmt := range []string{
		`ALTER TABLE snapshots ADD COLUMN content_hash TEXT NOT NULL DEFAULT ''`,
		`ALTER TABLE snapshots ADD COLUMN seq INTEGER NOT NULL DEFAULT 0`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate to v1: %w", err)
		}
	}
	return nil
}

func tableExists(db *sql.DB, name string) (bool, error) {
	var n int
	err := db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("inspect schema: %w", err)
	}
	return n > 0, nil
}

// verifyPragma checks that a pragma is set to the expected value.
// Used for testing.
func (s *SQLite) verifyPragma(name, expected string) error {
	var value string
	query := fmt.Sprintf("PRAGMA %s", name)
	if err := s.db.QueryRow(query).Scan(&value); err != nil {
		return fmt.Errorf("failed to query %s: %w", name, err)
	}
	if value != expected {
		return fmt.Errorf("%s = %q, expected %q", name, value, expected)
	}
	return nil
}
