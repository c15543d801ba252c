package kernel

import (
	"context"
	"time"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/vclock"
)

// Change is a committed before/after pair of snapshots and the novelty
// between them. After is reachable from Before by applying exactly
// Novelty, in order.
type Change struct {
	Before  *db.Snapshot
	After   *db.Snapshot
	Novelty ir.Novelty
	Meta    *Meta
}

// Seq is the local db timestamp of the committed snapshot.
func (c *Change) Seq() int64 { return c.After.Seq() }

// Future resolves when a scheduled change commits or fails.
type Future struct {
	done   chan struct{}
	change *Change
	err    error
}

func newFuture() *Future {
	return &Future{done: make(chan struct{})}
}

func (f *Future) resolve(c *Change, err error) {
	f.change, f.err = c, err
	close(f.done)
}

// Done is closed once the future has resolved.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the outcome. Only meaningful after Done is closed.
func (f *Future) Result() (*Change, error) {
	<-f.done
	return f.change, f.err
}

// Wait blocks until the change resolves or ctx ends. A cancelled wait
// does not cancel the change: once scheduled, it still runs.
func (f *Future) Wait(ctx context.Context) (*Change, error) {
	select {
	case <-f.done:
		return f.change, f.err
	case <-ctx.Done():
		return nil, context.Cause(ctx)
	}
}

type labelKey struct{}

// WithLabel names the changes scheduled with ctx in diagnostics.
func WithLabel(ctx context.Context, label string) context.Context {
	return context.WithValue(ctx, labelKey{}, label)
}

func labelOf(ctx context.Context) string {
	if s, ok := ctx.Value(labelKey{}).(string); ok {
		return s
	}
	return "change"
}

type changeRequest struct {
	ctx      context.Context
	fn       ChangeFunc
	future   *Future
	label    string
	enqueued time.Time
	// remote, when set, merges an observed remote clock into the next
	// snapshot instead of running a change function.
	remote vclock.Clock
}
