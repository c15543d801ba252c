package match

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/roach88/kernel/internal/dbctx"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
)

// UnsatisfiedError cancels work whose premise stopped holding.
type UnsatisfiedError struct {
	// Condition names the premise.
	Condition string
}

func (e *UnsatisfiedError) Error() string {
	return fmt.Sprintf("condition no longer satisfied: %s", e.Condition)
}

// IsUnsatisfied reports whether err is, or wraps, an UnsatisfiedError.
func IsUnsatisfied(err error) bool {
	var ue *UnsatisfiedError
	return errors.As(err, &ue)
}

// WithCondition runs body while pred matches. body's context is cancelled
// with an UnsatisfiedError the moment pred stops matching, and any
// snapshot binding on ctx is replaced by one that poisons itself at the
// same moment. If pred does not hold at entry, body never runs.
func WithCondition(ctx context.Context, tx *kernel.Transactor, pred Predicate, body func(ctx context.Context) error) error {
	g := NewGuard(ctx, tx, pred)
	defer g.Close()
	if !g.Satisfied() {
		if err := g.Err(); err != nil {
			return err
		}
		return &UnsatisfiedError{Condition: pred.String()}
	}

	bctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	if b, ok := dbctx.From(ctx); ok {
		child := dbctx.NewBinding(b.Source())
		defer child.Guard(g)()
		bctx = dbctx.With(bctx, child)
	}

	go func() {
		select {
		case <-g.Lost():
			cancel(&UnsatisfiedError{Condition: pred.String()})
		case <-g.Terminated():
			if err := g.Err(); err != nil {
				cancel(err)
			}
		case <-bctx.Done():
		}
	}()

	err := body(bctx)
	if cause := context.Cause(bctx); IsUnsatisfied(cause) {
		return cause
	}
	return err
}

// OnDispose calls fn once, from the observer goroutine, when e stops
// existing. If e does not exist now, fn is called right away. The
// returned stop cancels the watch.
func OnDispose(ctx context.Context, tx *kernel.Transactor, e ir.EID, fn func()) (stop func()) {
	var once sync.Once
	obs := Observe(ctx, tx, Exists(e), func(d Delta) {
		gone := slices.Contains(d.Retracted, e) || (d.Initial && !slices.Contains(d.Added, e))
		if gone {
			once.Do(fn)
		}
	})
	return obs.Close
}

// LaunchOnEachEntity runs fn for every entity matching pred, each with a
// context cancelled by an UnsatisfiedError once that entity stops
// matching. Failures are logged, never propagated. It blocks until ctx
// ends or the Transactor stops, then cancels and joins every child.
func LaunchOnEachEntity(ctx context.Context, tx *kernel.Transactor, pred Predicate, fn func(ctx context.Context, e ir.EID) error) error {
	logger := tx.Logger()
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		children = make(map[ir.EID]context.CancelCauseFunc)
	)
	launch := func(e ir.EID) {
		cctx, cancel := context.WithCancelCause(ctx)
		children[e] = cancel
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer cancel(nil)
			if err := fn(cctx, e); err != nil && !IsUnsatisfied(context.Cause(cctx)) {
				logger.Error("entity task failed", "entity", e.String(), "predicate", pred.String(), "error", err)
			}
		}()
	}

	obs := Observe(ctx, tx, pred, func(d Delta) {
		mu.Lock()
		defer mu.Unlock()
		for _, e := range d.Retracted {
			if cancel, ok := children[e]; ok {
				cancel(&UnsatisfiedError{Condition: fmt.Sprintf("%s for %s", pred, e)})
				delete(children, e)
			}
		}
		for _, e := range d.Added {
			launch(e)
		}
	})

	<-obs.Done()
	cause := context.Cause(ctx)
	if cause == nil {
		cause = obs.Err()
	}
	mu.Lock()
	for _, cancel := range children {
		cancel(cause)
	}
	mu.Unlock()
	wg.Wait()

	if err := obs.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return context.Cause(ctx)
}

var _ dbctx.MatchGuard = (*Guard)(nil)

func sortEIDs(es []ir.EID) { slices.Sort(es) }
