package kernel

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/vclock"
)

// DefaultMaxLogLag is how many undelivered events a log subscriber may
// accumulate before its backlog is replaced by a Reset.
const DefaultMaxLogLag = 4096

// Transactor is the sole mutation entry point of a graph.
//
// CRITICAL: every change runs on one writer goroutine, against the most
// recently committed snapshot at the moment it starts. There is exactly
// one writer slot, so changes never conflict and never retry.
//
// Thread-safety model:
//   - ChangeAsync/Change/Replicate: safe from any goroutine
//   - Current/Subscribe/Log/Meta: safe from any goroutine
//   - Mut: valid only inside the change function it was given to
type Transactor struct {
	id               vclock.ID
	logger           *slog.Logger
	middleware       Middleware
	meta             *Meta
	timestamp        *LocalTimestamp
	queue            *queue[*changeRequest]
	maxLogLag        int
	defaultPartition ir.Partition

	mu        sync.RWMutex
	current   *db.Snapshot
	logSubs   map[*LogSubscription]struct{}
	stateSubs map[*StateSubscription]struct{}
	inflight  *changeRequest
	recent    []CommitRecord

	closeOnce  sync.Once
	closeCause error
	stopped    chan struct{}
}

// Option configures a Transactor.
type Option func(*Transactor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(t *Transactor) { t.logger = l }
}

// WithKernelID fixes the kernel identity. Default: a fresh UUIDv7.
func WithKernelID(id vclock.ID) Option {
	return func(t *Transactor) { t.id = id }
}

// WithSnapshot starts the Transactor from snap instead of an empty graph.
func WithSnapshot(snap *db.Snapshot) Option {
	return func(t *Transactor) { t.current = snap }
}

// WithRegistry starts from an empty graph under reg.
func WithRegistry(reg *schema.Registry) Option {
	return func(t *Transactor) { t.current = db.Empty(reg) }
}

// WithMiddleware installs the interceptor chain.
func WithMiddleware(ms ...Middleware) Option {
	return func(t *Transactor) { t.middleware = Chain(ms...) }
}

// WithMaxLogLag bounds each log subscriber's backlog. Zero disables the
// bound.
func WithMaxLogLag(n int) Option {
	return func(t *Transactor) { t.maxLogLag = n }
}

// WithDefaultPartition sets where NewEntity mints ids.
// Default: ir.PartitionDefault.
func WithDefaultPartition(p ir.Partition) Option {
	return func(t *Transactor) { t.defaultPartition = p }
}

// New creates a Transactor and starts its writer goroutine.
// Call Close to stop it.
func New(opts ...Option) *Transactor {
	t := &Transactor{
		logger:           slog.Default(),
		middleware:       Identity,
		meta:             NewMeta(),
		queue:            newQueue[*changeRequest](),
		maxLogLag:        DefaultMaxLogLag,
		defaultPartition: ir.PartitionDefault,
		logSubs:          make(map[*LogSubscription]struct{}),
		stateSubs:        make(map[*StateSubscription]struct{}),
		stopped:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.id == "" {
		t.id = vclock.ID(UUIDv7Generator{}.Generate())
	}
	if t.current == nil {
		t.current = db.Empty(nil)
	}
	t.timestamp = NewLocalTimestamp(t.current.Seq())
	t.logger = t.logger.With("kernel", string(t.id))

	go t.run()
	return t
}

// ID returns the kernel identity.
func (t *Transactor) ID() vclock.ID { return t.id }

// Logger returns the kernel's logger.
func (t *Transactor) Logger() *slog.Logger { return t.logger }

// Meta is the type-keyed registry that lives as long as the Transactor.
func (t *Transactor) Meta() *Meta { return t.meta }

// Middleware returns the composed interceptor chain.
func (t *Transactor) Middleware() Middleware { return t.middleware }

// Timestamp returns the local db timestamp.
func (t *Transactor) Timestamp() *LocalTimestamp { return t.timestamp }

// Current returns the latest committed snapshot.
func (t *Transactor) Current() *db.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Clock returns the vector clock of the latest snapshot.
func (t *Transactor) Clock() vclock.Clock {
	return t.Current().Clock()
}

// Done is closed once the writer goroutine has stopped.
func (t *Transactor) Done() <-chan struct{} { return t.stopped }

// Err returns the close cause once the Transactor is closed.
func (t *Transactor) Err() error {
	select {
	case <-t.stopped:
		return closedError(t.closeCause)
	default:
		return nil
	}
}

// Subscribe returns a subscription to future snapshots only.
func (t *Transactor) Subscribe() *StateSubscription {
	s := &StateSubscription{ch: make(chan *db.Snapshot, 1), tx: t}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.stateSubs == nil {
		close(s.ch)
		return s
	}
	t.stateSubs[s] = struct{}{}
	return s
}

func (t *Transactor) unsubscribeState(s *StateSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.stateSubs[s]; ok {
		delete(t.stateSubs, s)
		close(s.ch)
	}
}

// Log subscribes to the change log. The first event is always First with
// the snapshot current at subscription time.
func (t *Transactor) Log() *LogSubscription {
	s := &LogSubscription{q: newQueue[LogEvent](), maxLag: t.maxLogLag, tx: t}
	t.mu.Lock()
	defer t.mu.Unlock()
	s.q.Enqueue(LogEvent{Kind: LogFirst, Snapshot: t.current})
	if t.logSubs == nil {
		s.q.Close()
		return s
	}
	t.logSubs[s] = struct{}{}
	return s
}

func (t *Transactor) unsubscribeLog(s *LogSubscription) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.logSubs, s)
}

// ChangeAsync schedules f. It runs against the latest snapshot at the
// moment execution starts; its Change is published atomically and the
// returned future resolved. Changes are totally ordered.
//
// Do not wait on a future from inside a change function: the writer slot
// is held until the function returns.
func (t *Transactor) ChangeAsync(ctx context.Context, f ChangeFunc) *Future {
	fut := newFuture()
	req := &changeRequest{
		ctx:      ctx,
		fn:       f,
		future:   fut,
		label:    labelOf(ctx),
		enqueued: time.Now(),
	}
	if !t.queue.Enqueue(req) {
		fut.resolve(nil, closedError(t.closeCause))
		return fut
	}
	queueDepth.Inc()
	return fut
}

// Change schedules f and suspends until it resolves.
func (t *Transactor) Change(ctx context.Context, f ChangeFunc) (*Change, error) {
	return t.ChangeAsync(ctx, f).Wait(ctx)
}

// Replicate merges a vector clock observed from a remote kernel into the
// next snapshot. Transports call it after applying remote novelty.
func (t *Transactor) Replicate(ctx context.Context, remote vclock.Clock) *Future {
	fut := newFuture()
	req := &changeRequest{
		ctx:      ctx,
		future:   fut,
		label:    "replicate",
		enqueued: time.Now(),
		remote:   remote,
	}
	if !t.queue.Enqueue(req) {
		fut.resolve(nil, closedError(t.closeCause))
		return fut
	}
	queueDepth.Inc()
	return fut
}

// Close stops the writer after the change in flight. Queued changes fail
// with a closed error carrying cause; subscriptions end. Close blocks until
// the writer goroutine has exited.
func (t *Transactor) Close(cause error) {
	t.closeOnce.Do(func() {
		if cause == nil {
			cause = ErrNormalShutdown
		}
		t.mu.Lock()
		t.closeCause = cause
		t.mu.Unlock()
		t.queue.Close()
	})
	<-t.stopped
}

// run is the single-writer loop.
func (t *Transactor) run() {
	t.logger.Info("transactor starting", "seq", t.timestamp.Current())
	defer t.shutdown()

	for {
		// Queued requests left behind by Close are failed in shutdown.
		if t.queue.Closed() {
			return
		}
		req, ok := t.queue.TryDequeue()
		if ok {
			queueDepth.Dec()
			t.process(req)
			continue
		}
		<-t.queue.Wait()
	}
}

func (t *Transactor) shutdown() {
	t.mu.Lock()
	cause := t.closeCause
	for _, req := range t.queue.Drain() {
		queueDepth.Dec()
		req.future.resolve(nil, closedError(cause))
	}
	for s := range t.logSubs {
		s.q.Close()
	}
	for s := range t.stateSubs {
		close(s.ch)
	}
	t.logSubs, t.stateSubs = nil, nil
	t.mu.Unlock()

	t.logger.Info("transactor stopped", "seq", t.timestamp.Current(), "cause", cause)
	close(t.stopped)
}

// process runs one request.
// CRITICAL: called only from run(), the single writer.
func (t *Transactor) process(req *changeRequest) {
	if err := context.Cause(req.ctx); err != nil {
		changesTotal.WithLabelValues("cancelled").Inc()
		req.future.resolve(nil, err)
		return
	}

	ctx, span := tracer.Start(req.ctx, "kernel.change", trace.WithAttributes(
		attribute.String("kernel.id", string(t.id)),
		attribute.String("change.label", req.label),
	))
	defer span.End()
	start := time.Now()

	t.mu.Lock()
	t.inflight = req
	before := t.current
	t.mu.Unlock()

	var (
		mut *Mut
		err error
	)
	mdb := before.Mutable()
	if req.remote == nil {
		mut = newMut(ctx, t, mdb)
		err = t.invoke(mut, req.fn)
	}

	if err != nil {
		outcome := "aborted"
		if isCode(err, ErrCodeChangePanicked) {
			outcome = "panicked"
		}
		changesTotal.WithLabelValues(outcome).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, "change aborted")
		t.logger.Debug("change aborted", "label", req.label, "error", err)
		t.mu.Lock()
		t.inflight = nil
		t.mu.Unlock()
		req.future.resolve(nil, err)
		return
	}

	seq := t.timestamp.Next()
	clock := before.Clock().Set(t.id, uint64(seq))
	if req.remote != nil {
		clock = clock.Merge(req.remote)
	}
	after, novelty := mdb.Commit(seq, clock)
	meta := NewMeta()
	if mut != nil {
		meta = mut.meta
	}
	change := &Change{Before: before, After: after, Novelty: novelty, Meta: meta}

	t.publish(change, req)

	elapsed := time.Since(start)
	changesTotal.WithLabelValues("committed").Inc()
	changeDuration.WithLabelValues(req.label).Observe(elapsed.Seconds())
	span.SetAttributes(attribute.Int64("change.seq", seq), attribute.Int("change.facts", len(novelty)))
	t.logger.Debug("change committed", "label", req.label, "seq", seq, "facts", len(novelty), "duration", elapsed)

	req.future.resolve(change, nil)
}

// invoke runs the middleware chain around fn, converting panics and
// errors into KernelErrors.
func (t *Transactor) invoke(mut *Mut, fn ChangeFunc) (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("change panicked", "panic", r, "stack", string(debug.Stack()))
			err = &KernelError{
				Code:    ErrCodeChangePanicked,
				Message: fmt.Sprintf("change function panicked: %v", r),
			}
		}
	}()
	if err := t.middleware.PerformChange(mut, fn); err != nil {
		return &KernelError{Code: ErrCodeChangeAborted, Message: "change aborted", Err: err}
	}
	return nil
}

func (t *Transactor) publish(change *Change, req *changeRequest) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.current = change.After
	t.inflight = nil
	t.recent = append(t.recent, CommitRecord{
		Seq:      change.After.Seq(),
		Label:    req.label,
		Facts:    len(change.Novelty),
		Enqueued: req.enqueued,
	})
	if len(t.recent) > recentCommits {
		t.recent = t.recent[len(t.recent)-recentCommits:]
	}

	ev := LogEvent{Kind: LogNext, Snapshot: change.After, Change: change}
	for s := range t.logSubs {
		s.deliver(ev)
	}
	for s := range t.stateSubs {
		s.offer(change.After)
	}
}

// WaitFor returns the first snapshot, current or future, satisfying pred.
// It fails with a closed error if the Transactor stops first.
func (t *Transactor) WaitFor(ctx context.Context, pred func(*db.Snapshot) bool) (*db.Snapshot, error) {
	sub := t.Subscribe()
	defer sub.Close()

	if cur := t.Current(); pred(cur) {
		return cur, nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil, context.Cause(ctx)
		case snap, ok := <-sub.C():
			if !ok {
				return nil, closedError(t.closeCause)
			}
			if pred(snap) {
				return snap, nil
			}
		}
	}
}
