package dbctx

import (
	"sync"

	"github.com/roach88/kernel/internal/db"
)

// MatchGuard is a reactive premise a task depends on.
type MatchGuard interface {
	// Satisfied reports whether the premise still holds.
	Satisfied() bool
	// Describe names the premise for errors.
	Describe() string
}

// Binding is the per-task snapshot slot.
//
// Thread-safety: safe for concurrent use; a task and the workers it
// migrates across may touch it from different goroutines.
type Binding struct {
	mu     sync.Mutex
	source Source
	snap   *db.Snapshot
	err    error
	guards map[*guardEntry]struct{}
}

type guardEntry struct {
	g MatchGuard
}

// NewBinding creates a binding over src and loads its first snapshot.
func NewBinding(src Source) *Binding {
	b := &Binding{source: src, guards: make(map[*guardEntry]struct{})}
	b.Resume()
	return b
}

// Constant binds a single snapshot forever.
func Constant(snap *db.Snapshot) *Binding {
	return NewBinding(ConstantSource{Snapshot: snap})
}

// Source returns the binding's source.
func (b *Binding) Source() Source { return b.source }

// Resume refreshes the binding from its source. Poisoning is sticky:
// once poisoned, the binding stays poisoned.
func (b *Binding) Resume() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return
	}
	for entry := range b.guards {
		if !entry.g.Satisfied() {
			b.poisonLocked(&UnsatisfiedMatchError{Match: entry.g.Describe()})
			return
		}
	}
	snap, err := b.source.Latest()
	if err != nil {
		b.poisonLocked(&PoisonedError{Cause: err})
		return
	}
	b.snap = snap
}

// Bind pins snap until the next Resume. Used after a causal wait to
// expose exactly the snapshot that satisfied it.
func (b *Binding) Bind(snap *db.Snapshot) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err == nil {
		b.snap = snap
	}
}

// Poison makes every later read fail with err.
func (b *Binding) Poison(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.poisonLocked(err)
}

func (b *Binding) poisonLocked(err error) {
	if b.err == nil {
		b.err = err
		b.snap = nil
	}
}

// Snapshot returns the bound snapshot or the poison error.
func (b *Binding) Snapshot() (*db.Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.snap, nil
}

// Err returns the poison error, if any.
func (b *Binding) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Guard registers g. The binding is checked against it on every Resume.
// The returned func unregisters it.
func (b *Binding) Guard(g MatchGuard) (release func()) {
	entry := &guardEntry{g: g}
	b.mu.Lock()
	b.guards[entry] = struct{}{}
	b.mu.Unlock()
	return func() {
		b.mu.Lock()
		delete(b.guards, entry)
		b.mu.Unlock()
	}
}
