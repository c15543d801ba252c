// Package causal carries values across process boundaries together with
// the vector clock they were produced under, and lets the consumer wait
// until its own view has caught up with that history.
package causal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/dbctx"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/vclock"
)

// DefaultTimeout bounds the general await path.
const DefaultTimeout = 30 * time.Second

// Timestamp is an origin kernel's local db timestamp.
type Timestamp struct {
	Kernel vclock.ID `json:"kernel" msgpack:"k"`
	Seq    int64     `json:"seq" msgpack:"s"`
}

// Causal is a value plus the history it depends on.
type Causal[T any] struct {
	Value  T                 `json:"value" msgpack:"v"`
	Clock  vclock.Compressed `json:"clock" msgpack:"c"`
	Origin *Timestamp        `json:"origin,omitempty" msgpack:"o,omitempty"`
}

// Capture returns the compressed clock of the snapshot bound to ctx.
func Capture(ctx context.Context) (vclock.Compressed, error) {
	snap, err := dbctx.DB(ctx)
	if err != nil {
		return vclock.Compressed{}, fmt.Errorf("capture vector clock: %w", err)
	}
	return snap.Clock().Compress(), nil
}

// New wraps v with the clock captured from ctx. When ctx is bound to a
// live kernel the origin timestamp is recorded too, enabling the
// same-kernel fast path.
func New[T any](ctx context.Context, v T) (Causal[T], error) {
	snap, err := dbctx.DB(ctx)
	if err != nil {
		return Causal[T]{}, fmt.Errorf("capture vector clock: %w", err)
	}
	c := Causal[T]{Value: v, Clock: snap.Clock().Compress()}
	if tx, ok := dbctx.TransactorOf(ctx); ok {
		c.Origin = &Timestamp{Kernel: tx.ID(), Seq: snap.Seq()}
	}
	return c, nil
}

type awaitConfig struct {
	timeout time.Duration
	logger  *slog.Logger
}

// AwaitOption configures Await.
type AwaitOption func(*awaitConfig)

// WithTimeout bounds the general path. Default: DefaultTimeout.
func WithTimeout(d time.Duration) AwaitOption {
	return func(c *awaitConfig) { c.timeout = d }
}

// WithLogger sets the logger used to report timeouts.
func WithLogger(l *slog.Logger) AwaitOption {
	return func(c *awaitConfig) { c.logger = l }
}

// Await blocks until the snapshot bound to ctx has seen c's history, then
// rebinds ctx to the snapshot that satisfied it and returns the value.
// It returns without suspending when the bound view already dominates.
func (c Causal[T]) Await(ctx context.Context, opts ...AwaitOption) (T, error) {
	cfg := awaitConfig{timeout: DefaultTimeout, logger: slog.Default()}
	for _, opt := range opts {
		opt(&cfg)
	}
	var zero T

	b, ok := dbctx.From(ctx)
	if !ok {
		awaitTotal.WithLabelValues("immediate", "detached").Inc()
		return zero, ErrNotAttached
	}

	if snap, err := b.Snapshot(); err == nil && c.Clock.PrecedesOrEqual(snap.Clock()) {
		awaitTotal.WithLabelValues("immediate", "ok").Inc()
		return c.Value, nil
	}

	ctx, span := tracer.Start(ctx, "causal.await")
	defer span.End()
	span.SetAttributes(attribute.String("causal.target", c.Clock.String()))
	start := time.Now()
	defer func() { awaitDuration.Observe(time.Since(start).Seconds()) }()

	var err error
	if c.Origin != nil {
		if tx, ok := dbctx.TransactorOf(ctx); ok && tx.ID() == c.Origin.Kernel {
			err = c.awaitLocal(ctx, b, tx)
			if err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "local await failed")
				return zero, err
			}
			return c.Value, nil
		}
	}

	err = c.awaitGeneral(ctx, b, cfg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "await failed")
		if IsClockTimeout(err) {
			loggerWithTrace(ctx, cfg.logger).Error("vector clock await timed out", "error", err)
		}
		return zero, err
	}
	return c.Value, nil
}

// awaitLocal waits for the kernel's own seq to reach the origin seq.
func (c Causal[T]) awaitLocal(ctx context.Context, b *dbctx.Binding, tx *kernel.Transactor) error {
	if err := tx.Err(); err != nil {
		awaitTotal.WithLabelValues("local", "detached").Inc()
		return fmt.Errorf("%w: %v", ErrNotAttached, err)
	}
	target := c.Origin.Seq
	snap, err := tx.WaitFor(ctx, func(s *db.Snapshot) bool { return s.Seq() >= target })
	if err != nil {
		if kernel.IsClosed(err) {
			awaitTotal.WithLabelValues("local", "terminated").Inc()
			return fmt.Errorf("%w: %v", ErrStreamTerminated, err)
		}
		awaitTotal.WithLabelValues("local", "cancelled").Inc()
		return err
	}
	b.Bind(snap)
	awaitTotal.WithLabelValues("local", "ok").Inc()
	return nil
}

// awaitGeneral waits for the bound source to dominate c.Clock.
func (c Causal[T]) awaitGeneral(ctx context.Context, b *dbctx.Binding, cfg awaitConfig) error {
	src := b.Source()
	updates, stop, err := src.Updates()
	if err != nil {
		if errors.Is(err, dbctx.ErrNoUpdates) {
			awaitTotal.WithLabelValues("general", "detached").Inc()
			return ErrNotAttached
		}
		awaitTotal.WithLabelValues("general", "terminated").Inc()
		return fmt.Errorf("%w: %v", ErrStreamTerminated, err)
	}
	defer stop()

	var observed vclock.Clock
	// Re-read after subscribing so a commit between the first check and
	// the subscription is not missed.
	if snap, err := src.Latest(); err == nil {
		if c.Clock.PrecedesOrEqual(snap.Clock()) {
			b.Bind(snap)
			awaitTotal.WithLabelValues("general", "ok").Inc()
			return nil
		}
		observed = snap.Clock()
	}

	timer := time.NewTimer(cfg.timeout)
	defer timer.Stop()

	for {
		select {
		case snap, ok := <-updates:
			if !ok {
				awaitTotal.WithLabelValues("general", "terminated").Inc()
				return ErrStreamTerminated
			}
			observed = snap.Clock()
			if c.Clock.PrecedesOrEqual(observed) {
				b.Bind(snap)
				awaitTotal.WithLabelValues("general", "ok").Inc()
				return nil
			}
		case <-timer.C:
			awaitTotal.WithLabelValues("general", "timeout").Inc()
			te := &ClockTimeoutError{Target: c.Clock, Observed: observed.Compress()}
			if ts, ok := src.(dbctx.TransactorSource); ok {
				te.Diagnostics = ts.Transactor().PendingDump().String()
			}
			return te
		case <-ctx.Done():
			awaitTotal.WithLabelValues("general", "cancelled").Inc()
			return context.Cause(ctx)
		}
	}
}
