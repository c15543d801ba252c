// Package saga ties task lifetimes to scopes and entity existence.
//
// A scope owns the goroutines launched into it. Leaving a scope, by any
// path, cancels its children, waits for them, and then removes the
// scope's record from the graph. Records let anyone with database access
// find which tasks own a kernel's change stream.
package saga

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/match"
	"github.com/roach88/kernel/internal/schema"
	"github.com/roach88/kernel/internal/vclock"
)

var tracer = otel.Tracer("kernel.saga")

// ErrScopeClosed is the cancellation cause children see when their scope
// exits.
var ErrScopeClosed = errors.New("saga scope closed")

// Policy decides what a child failure does to its scope.
type Policy int

const (
	// FailFast cancels the whole scope, body included, on the first child
	// failure and reports that failure from SagaScope.
	FailFast Policy = iota
	// Supervised contains each child failure: it is logged and the
	// siblings keep running.
	Supervised
)

func (p Policy) String() string {
	if p == Supervised {
		return "supervised"
	}
	return "fail-fast"
}

// Option configures a scope.
type Option func(*options)

type options struct {
	logger *slog.Logger
	name   string
	uids   kernel.UIDGenerator
}

// WithLogger sets the logger. Default: the Transactor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithName labels the scope record and its logs.
func WithName(name string) Option {
	return func(o *options) { o.name = name }
}

// WithTaskIDs sets the generator for task handles. Default: UUIDv7.
func WithTaskIDs(gen kernel.UIDGenerator) Option {
	return func(o *options) { o.uids = gen }
}

func buildOptions(tx *kernel.Transactor, opts []Option) options {
	o := options{logger: tx.Logger(), uids: kernel.UUIDv7Generator{}}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Scope is a running saga scope.
type Scope struct {
	tx     *kernel.Transactor
	logger *slog.Logger
	policy Policy
	task   string
	record ir.EID

	ctx    context.Context
	cancel context.CancelCauseFunc
	group  *errgroup.Group
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// Task is the scope's task handle, as stored in saga/task.
func (s *Scope) Task() string { return s.task }

// Record is the scope's record entity.
func (s *Scope) Record() ir.EID { return s.record }

// Policy is the scope's failure policy.
func (s *Scope) Policy() Policy { return s.policy }

// Context is cancelled when the scope exits, and under FailFast also when
// a child fails.
func (s *Scope) Context() context.Context { return s.ctx }

// Launch runs fn as a child of the scope. Launching into a scope that has
// already exited is a no-op that logs a warning.
func (s *Scope) Launch(name string, fn func(ctx context.Context) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.logger.Warn("launch into closed saga scope ignored", "child", name)
		return
	}

	run := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("child %s panicked: %v\n%s", name, r, debug.Stack())
			}
		}()
		return fn(s.ctx)
	}

	if s.policy == FailFast {
		s.group.Go(func() error {
			if err := run(); err != nil {
				if s.cancelledByExit(err) {
					return nil
				}
				return fmt.Errorf("child %s: %w", name, err)
			}
			return nil
		})
		return
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil && !s.cancelledByExit(err) {
			s.logger.Error("supervised child failed", "child", name, "error", err)
		}
	}()
}

// cancelledByExit reports whether err is just the scope exit reaching a
// child.
func (s *Scope) cancelledByExit(err error) bool {
	return errors.Is(context.Cause(s.ctx), ErrScopeClosed) &&
		(errors.Is(err, ErrScopeClosed) || errors.Is(err, context.Canceled))
}

// SagaScope runs body in a new scope registered on tx.
//
// On exit, whether body returned, failed or was cancelled, the scope
// cancels its children with ErrScopeClosed, waits for all of them, and
// deletes its record. The deletion runs on an uncancellable context.
func SagaScope(ctx context.Context, tx *kernel.Transactor, policy Policy, body func(ctx context.Context, s *Scope) error, opts ...Option) (err error) {
	o := buildOptions(tx, opts)
	s := &Scope{tx: tx, policy: policy, task: o.uids.Generate()}
	s.logger = o.logger.With("saga_task", s.task)
	if o.name != "" {
		s.logger = s.logger.With("saga", o.name)
	}

	ctx, span := tracer.Start(ctx, "saga.scope", trace.WithAttributes(
		attribute.String("saga.task", s.task),
		attribute.String("saga.policy", policy.String()),
	))
	defer span.End()

	if err := s.register(ctx, o.name); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "register failed")
		return err
	}

	cctx, cancel := context.WithCancelCause(ctx)
	s.cancel = cancel
	if policy == FailFast {
		s.group, s.ctx = errgroup.WithContext(cctx)
	} else {
		s.ctx = cctx
	}

	defer func() {
		if childErr := s.close(); childErr != nil && (err == nil || errors.Is(err, context.Canceled)) {
			err = childErr
		}
		if derr := s.unregister(context.WithoutCancel(ctx)); derr != nil {
			s.logger.Error("failed to delete saga record", "record", s.record.String(), "error", derr)
			if err == nil {
				err = derr
			}
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "saga scope failed")
		}
	}()

	return body(s.ctx, s)
}

// close cancels and joins the children and returns the first fail-fast
// child failure.
func (s *Scope) close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel(ErrScopeClosed)
	if s.group != nil {
		return s.group.Wait()
	}
	s.wg.Wait()
	return nil
}

func (s *Scope) register(ctx context.Context, name string) error {
	_, err := s.tx.Change(kernel.WithLabel(ctx, "saga.register"), func(m *kernel.Mut) error {
		attrs := []kernel.Attr{
			{A: schema.AttrType, V: ir.TypeRef(schema.TypeSaga)},
			{A: schema.AttrSagaKernel, V: ir.String(s.tx.ID())},
			{A: schema.AttrSagaTask, V: ir.String(s.task)},
		}
		if name != "" {
			attrs = append(attrs, kernel.Attr{A: schema.AttrSagaName, V: ir.String(name)})
		}
		s.record = m.NewEntityIn(ir.PartitionSchema)
		for _, a := range attrs {
			if err := m.Add(s.record, a.A, a.V); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("register saga scope: %w", err)
	}
	return nil
}

func (s *Scope) unregister(ctx context.Context) error {
	_, err := s.tx.Change(kernel.WithLabel(ctx, "saga.unregister"), func(m *kernel.Mut) error {
		return m.RetractEntity(s.record)
	})
	return err
}

// Saga runs body in a scope with policy that lives only while every
// entity in required exists. Deleting any of them cancels body with a
// match.UnsatisfiedError. With no required entities body runs unguarded.
// An error escaping body is always logged before it is returned.
func Saga(ctx context.Context, tx *kernel.Transactor, policy Policy, required []ir.EID, body func(ctx context.Context, s *Scope) error, opts ...Option) error {
	o := buildOptions(tx, opts)
	scope := func(ctx context.Context) error {
		return SagaScope(ctx, tx, policy, body, opts...)
	}

	var err error
	pred := match.AllExist(required...)
	if len(required) == 0 {
		err = scope(ctx)
	} else {
		err = match.WithCondition(ctx, tx, pred, scope)
	}
	switch {
	case err == nil:
	case match.IsUnsatisfied(err):
		o.logger.Warn("saga cancelled", "saga", o.name, "required", pred.String(), "error", err)
	default:
		o.logger.Error("saga failed", "saga", o.name, "required", pred.String(), "error", err)
	}
	return err
}

// UseEntity creates an entity with create, runs body with it, and deletes
// it when body returns by any path, including a panic or cancellation.
func UseEntity(ctx context.Context, tx *kernel.Transactor, create func(m *kernel.Mut) (ir.EID, error), body func(ctx context.Context, e ir.EID) error) (err error) {
	var e ir.EID
	if _, err := tx.Change(kernel.WithLabel(ctx, "saga.use-entity"), func(m *kernel.Mut) error {
		var err error
		e, err = create(m)
		return err
	}); err != nil {
		return fmt.Errorf("create entity: %w", err)
	}

	defer func() {
		_, derr := tx.Change(kernel.WithLabel(context.WithoutCancel(ctx), "saga.release-entity"), func(m *kernel.Mut) error {
			return m.RetractEntity(e)
		})
		if derr != nil {
			tx.Logger().Error("failed to delete scoped entity", "entity", e.String(), "error", derr)
			if err == nil {
				err = derr
			}
		}
	}()
	return body(ctx, e)
}

// Record describes one registered scope.
type Record struct {
	Entity ir.EID
	Kernel vclock.ID
	Task   string
	Name   string
}

// Records lists the scopes registered by owner, or by every kernel when
// owner is empty, ordered by entity id.
func Records(q db.Queryer, owner vclock.ID) []Record {
	var out []Record
	seen := make(map[ir.EID]bool)
	for _, d := range q.Column(schema.AttrSagaTask) {
		if seen[d.E] {
			continue
		}
		seen[d.E] = true
		r := Record{Entity: d.E, Task: string(d.V.(ir.String))}
		if v, ok, _ := q.GetOne(d.E, schema.AttrSagaKernel); ok {
			r.Kernel = vclock.ID(v.(ir.String))
		}
		if v, ok, _ := q.GetOne(d.E, schema.AttrSagaName); ok {
			r.Name = string(v.(ir.String))
		}
		if owner != "" && r.Kernel != owner {
			continue
		}
		out = append(out, r)
	}
	return out
}

// Owner finds the record for task.
func Owner(q db.Queryer, task string) (Record, bool) {
	e, ok := q.LookupUnique(schema.AttrSagaTask, ir.String(task))
	if !ok {
		return Record{}, false
	}
	for _, r := range Records(q, "") {
		if r.Entity == e {
			return r, true
		}
	}
	return Record{}, false
}
