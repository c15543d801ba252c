package match

import (
	"context"
	"sync"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
)

// Delta is one change of a predicate's match set.
type Delta struct {
	Added     []ir.EID
	Retracted []ir.EID
	// Snapshot is the state the delta was computed against.
	Snapshot *db.Snapshot
	// Initial is set for the first delta and after a log reset.
	Initial bool
}

// Empty reports whether the delta changes nothing.
func (d Delta) Empty() bool { return len(d.Added) == 0 && len(d.Retracted) == 0 }

// Observation is a running observer.
type Observation struct {
	cancel context.CancelFunc
	ready  chan struct{}
	done   chan struct{}
	err    error
}

// Observe re-evaluates pred on every relevant change of tx and calls
// handler with each non-empty delta. The first delta is always delivered,
// even when empty. handler runs on the observer goroutine.
//
// The observation ends when ctx ends, when Close is called, or when the
// Transactor stops; in the last case Err returns ErrQueryEngineTerminated.
func Observe(ctx context.Context, tx *kernel.Transactor, pred Predicate, handler func(Delta)) *Observation {
	ctx, cancel := context.WithCancel(ctx)
	o := &Observation{
		cancel: cancel,
		ready:  make(chan struct{}),
		done:   make(chan struct{}),
	}
	sub := tx.Log()
	go o.run(ctx, sub, pred, handler)
	return o
}

func (o *Observation) run(ctx context.Context, sub *kernel.LogSubscription, pred Predicate, handler func(Delta)) {
	defer close(o.done)
	defer sub.Close()

	var (
		current = map[ir.EID]struct{}{}
		started bool
	)
	for {
		ev, err := sub.Next(ctx)
		if err != nil {
			if kernel.IsClosed(err) {
				o.err = kernel.ErrQueryEngineTerminated
			} else {
				o.err = err
			}
			if !started {
				close(o.ready)
			}
			return
		}

		initial := ev.Kind != kernel.LogNext
		if !initial && !pred.Relevant(ev.Change.Novelty) {
			continue
		}

		next := make(map[ir.EID]struct{})
		for _, e := range pred.Eval(ev.Snapshot) {
			next[e] = struct{}{}
		}
		d := diff(current, next)
		d.Snapshot, d.Initial = ev.Snapshot, initial
		current = next

		if !started || !d.Empty() {
			handler(d)
		}
		if !started {
			started = true
			close(o.ready)
		}
	}
}

func diff(prev, next map[ir.EID]struct{}) Delta {
	var d Delta
	for e := range next {
		if _, ok := prev[e]; !ok {
			d.Added = append(d.Added, e)
		}
	}
	for e := range prev {
		if _, ok := next[e]; !ok {
			d.Retracted = append(d.Retracted, e)
		}
	}
	sortEIDs(d.Added)
	sortEIDs(d.Retracted)
	return d
}

// Ready is closed once the first delta has been handled.
func (o *Observation) Ready() <-chan struct{} { return o.ready }

// Done is closed when the observer has stopped.
func (o *Observation) Done() <-chan struct{} { return o.done }

// Err returns why the observer stopped.
func (o *Observation) Err() error {
	select {
	case <-o.done:
		return o.err
	default:
		return nil
	}
}

// Close stops the observer and waits for it.
func (o *Observation) Close() {
	o.cancel()
	<-o.done
}

// Guard tracks whether a predicate currently matches anything. It
// implements dbctx.MatchGuard.
type Guard struct {
	obs  *Observation
	pred Predicate

	mu        sync.Mutex
	satisfied bool
	lost      chan struct{}
}

// NewGuard starts observing pred and waits for the first evaluation.
func NewGuard(ctx context.Context, tx *kernel.Transactor, pred Predicate) *Guard {
	g := &Guard{pred: pred, lost: make(chan struct{})}
	var count int
	g.obs = Observe(ctx, tx, pred, func(d Delta) {
		count += len(d.Added) - len(d.Retracted)
		g.set(count > 0)
	})
	<-g.obs.Ready()
	if g.obs.Err() != nil {
		g.set(false)
	}
	return g
}

func (g *Guard) set(ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	select {
	case <-g.lost:
		return
	default:
	}
	g.satisfied = ok
	if !ok {
		close(g.lost)
	}
}

// Satisfied reports whether the predicate still holds. Once lost, a
// guard never becomes satisfied again.
func (g *Guard) Satisfied() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.satisfied
}

// Describe names the guarded predicate.
func (g *Guard) Describe() string { return g.pred.String() }

// Lost is closed when the predicate stops holding.
func (g *Guard) Lost() <-chan struct{} { return g.lost }

// Terminated is closed when the underlying observer stops.
func (g *Guard) Terminated() <-chan struct{} { return g.obs.Done() }

// Err returns why the observer stopped, if it has.
func (g *Guard) Err() error { return g.obs.Err() }

// Close stops observing.
func (g *Guard) Close() { g.obs.Close() }
