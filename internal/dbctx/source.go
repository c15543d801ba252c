// Package dbctx binds "the snapshot visible to this task" to a context.
//
// A Binding is refreshed from its Source every time the task resumes, so
// code reading through it never sees a snapshot older than the last
// suspension point. Failures are sticky: a binding whose source failed,
// or whose match guard no longer holds, is poisoned and every read
// returns that error instead of a stale snapshot.
package dbctx

import (
	"errors"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/kernel"
)

// ErrNoUpdates is returned by sources that cannot stream snapshots.
var ErrNoUpdates = errors.New("snapshot source has no update stream")

// Source supplies snapshots to a Binding.
type Source interface {
	// Latest returns the most recent snapshot.
	Latest() (*db.Snapshot, error)
	// Updates streams future snapshots. Call stop when done.
	Updates() (ch <-chan *db.Snapshot, stop func(), err error)
}

// TransactorSource is a Source backed by a live Transactor.
type TransactorSource interface {
	Source
	Transactor() *kernel.Transactor
}

// ConstantSource always answers the same snapshot.
type ConstantSource struct {
	Snapshot *db.Snapshot
}

func (s ConstantSource) Latest() (*db.Snapshot, error) {
	return s.Snapshot, nil
}

func (s ConstantSource) Updates() (<-chan *db.Snapshot, func(), error) {
	return nil, nil, ErrNoUpdates
}

// LiveSource tracks a Transactor.
type LiveSource struct {
	tx *kernel.Transactor
}

// Live returns a source tracking tx.
func Live(tx *kernel.Transactor) *LiveSource {
	return &LiveSource{tx: tx}
}

func (s *LiveSource) Transactor() *kernel.Transactor { return s.tx }

// Latest fails once the Transactor has stopped.
func (s *LiveSource) Latest() (*db.Snapshot, error) {
	if err := s.tx.Err(); err != nil {
		return nil, err
	}
	return s.tx.Current(), nil
}

func (s *LiveSource) Updates() (<-chan *db.Snapshot, func(), error) {
	if err := s.tx.Err(); err != nil {
		return nil, nil, err
	}
	sub := s.tx.Subscribe()
	return sub.C(), sub.Close, nil
}
