package view

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/schema"
)

var tracer = otel.Tracer("kernel.view")

const attrCache = schema.AttrViewQueryCache

var (
	// ErrSamePartition is returned when hidden and visible coincide.
	ErrSamePartition = errors.New("view: hidden and visible partitions must differ")
	// ErrSharedPartition is returned when hidden or visible is the shared partition.
	ErrSharedPartition = errors.New("view: the shared partition cannot be hidden or visible")
)

// OfferContributor receives shared-partition novelty committed through
// the frontend view. It runs after the change commits and may perform
// further changes.
type OfferContributor interface {
	Offer(ctx context.Context, frontend *View, shared ir.Novelty) error
}

// OfferFunc adapts a function to OfferContributor.
type OfferFunc func(ctx context.Context, frontend *View, shared ir.Novelty) error

func (f OfferFunc) Offer(ctx context.Context, frontend *View, shared ir.Novelty) error {
	return f(ctx, frontend, shared)
}

// Option configures WithTransactorView.
type Option func(*View)

// WithLogger sets the logger. Default: the Transactor's logger.
func WithLogger(l *slog.Logger) Option {
	return func(v *View) { v.logger = l }
}

// WithOfferContributor installs the hook fed by the frontend view. It is
// only consulted when the hidden partition is ir.PartitionFrontend.
func WithOfferContributor(c OfferContributor) Option {
	return func(v *View) { v.offer = c }
}

// View is a Transactor-shaped facade over a partition slice of tx.
type View struct {
	tx      *kernel.Transactor
	record  ir.EID
	hidden  ir.Partition
	visible ir.Partition
	mw      kernel.Middleware
	offer   OfferContributor
	logger  *slog.Logger

	allowed [numSlices]ir.Partitions
}

// WithTransactorView opens the view (hidden, visible) on tx and runs body
// with it. The view's record is created on first use and reused after;
// its query cache survives across calls. middleware runs inside the
// hidden sub-execution of every change made through the view.
func WithTransactorView(
	ctx context.Context,
	tx *kernel.Transactor,
	hidden, visible ir.Partition,
	middleware kernel.Middleware,
	body func(ctx context.Context, v *View) error,
	opts ...Option,
) error {
	v, err := Open(ctx, tx, hidden, visible, middleware, opts...)
	if err != nil {
		return err
	}
	return body(ctx, v)
}

// Open finds or creates the view record and returns the view.
func Open(ctx context.Context, tx *kernel.Transactor, hidden, visible ir.Partition, middleware kernel.Middleware, opts ...Option) (*View, error) {
	switch {
	case hidden == visible:
		return nil, ErrSamePartition
	case hidden == ir.PartitionShared || visible == ir.PartitionShared:
		return nil, ErrSharedPartition
	}
	if middleware == nil {
		middleware = kernel.Identity
	}
	v := &View{
		tx:      tx,
		hidden:  hidden,
		visible: visible,
		mw:      middleware,
		logger:  tx.Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.logger = v.logger.With("view_hidden", int(hidden), "view_visible", int(visible))
	v.allowed = [numSlices]ir.Partitions{
		sliceShared:  ir.PartitionSet(ir.PartitionShared),
		sliceHidden:  ir.PartitionSet(hidden, ir.PartitionShared),
		sliceVisible: ir.PartitionSet(visible, ir.PartitionShared),
	}

	_, err := tx.Change(kernel.WithLabel(ctx, "view.open"), func(m *kernel.Mut) error {
		if rec, ok := findRecord(m.Query(), hidden, visible); ok {
			v.record = rec
			return nil
		}
		v.record = m.NewEntityIn(ir.PartitionSchema)
		for _, a := range []kernel.Attr{
			{A: schema.AttrType, V: ir.TypeRef(schema.TypeView)},
			{A: schema.AttrViewVisible, V: ir.Int(visible)},
			{A: schema.AttrViewHidden, V: ir.Int(hidden)},
			{A: attrCache, V: ir.Opaque{V: newQueryCache()}},
		} {
			if err := m.Add(v.record, a.A, a.V); err != nil {
				return err
			}
		}
		v.logger.Debug("view record created", "record", v.record.String())
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("open view: %w", err)
	}
	return v, nil
}

func findRecord(q db.Queryer, hidden, visible ir.Partition) (ir.EID, bool) {
	for _, e := range q.LookupMany(schema.AttrViewHidden, ir.Int(hidden)) {
		if ok, _ := q.Contains(e, schema.AttrViewVisible, ir.Int(visible)); ok {
			return e, true
		}
	}
	return 0, false
}

// Transactor returns the underlying Transactor.
func (v *View) Transactor() *kernel.Transactor { return v.tx }

// Hidden returns the hidden partition.
func (v *View) Hidden() ir.Partition { return v.hidden }

// Visible returns the visible partition. New entities created by the
// view's consumers land here.
func (v *View) Visible() ir.Partition { return v.visible }

// Record is the entity holding the view's durable state.
func (v *View) Record() ir.EID { return v.record }

// Current returns the latest snapshot of the whole graph.
func (v *View) Current() *db.Snapshot { return v.tx.Current() }

// Query returns the consumer's queryer over the latest snapshot: it sees
// the visible and shared partitions, and addressing any other entity is a
// PartitionViolationError.
func (v *View) Query() db.Queryer {
	return v.tx.Current().Substitute(v.allowed[sliceVisible])
}

// Cache returns the visible slice of the view's query cache as of the
// latest snapshot.
func (v *View) Cache() *db.QueryCache {
	return cacheOf(v.tx.Current(), v.record).slices[sliceVisible]
}

// Change performs f through the view and waits for it to commit.
func (v *View) Change(ctx context.Context, f kernel.ChangeFunc) (*kernel.Change, error) {
	return v.ChangeAsync(ctx, f).Wait(ctx)
}

// ChangeAsync schedules f through the view.
func (v *View) ChangeAsync(ctx context.Context, f kernel.ChangeFunc) *kernel.Future {
	var shared ir.Novelty
	fut := v.tx.ChangeAsync(ctx, func(m *kernel.Mut) error {
		var err error
		shared, err = v.perform(m, f)
		return err
	})
	if v.hidden == ir.PartitionFrontend && v.offer != nil {
		go func() {
			if _, err := fut.Result(); err != nil || len(shared) == 0 {
				return
			}
			if err := v.offer.Offer(context.WithoutCancel(ctx), v, shared); err != nil {
				v.logger.Error("offer contributor failed", "facts", len(shared), "error", err)
			}
		}()
	}
	return fut
}

// perform runs f as the three nested sub-executions and writes the
// updated caches back. It returns the shared-partition novelty.
func (v *View) perform(m *kernel.Mut, f kernel.ChangeFunc) (ir.Novelty, error) {
	_, span := tracer.Start(m.Context(), "view.change", trace.WithAttributes(
		attribute.Int("view.hidden", int(v.hidden)),
		attribute.Int("view.visible", int(v.visible)),
	))
	defer span.End()

	base := m.Query()
	before := cacheOf(base, v.record)
	r := &router{view: v}
	for i := range r.caches {
		r.caches[i] = &kernel.BoxCache{C: before.slices[i]}
	}

	prev := m.Mutator()
	m.WrapMutator(func(next db.Mutator) db.Mutator {
		r.next = next
		return r
	})
	err := v.run(m, base, r, f)
	m.WrapMutator(func(db.Mutator) db.Mutator { return prev })
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "view change aborted")
		return nil, err
	}

	after := &queryCache{}
	for i, c := range r.caches {
		after.slices[i] = c.Load()
	}
	if after.slices != before.slices {
		if err := m.Add(v.record, attrCache, ir.Opaque{V: after}); err != nil {
			return nil, fmt.Errorf("persist view cache: %w", err)
		}
	}
	if err := v.invalidateCounterparts(m, r.all()); err != nil {
		return nil, err
	}
	span.SetAttributes(
		attribute.Int("view.shared_facts", len(r.novelty[sliceShared])),
		attribute.Int("view.hidden_facts", len(r.novelty[sliceHidden])),
		attribute.Int("view.visible_facts", len(r.novelty[sliceVisible])),
	)
	return r.novelty[sliceShared], nil
}

func (v *View) run(m *kernel.Mut, base db.Queryer, r *router, f kernel.ChangeFunc) error {
	return m.Sub(base.Substitute(v.allowed[sliceShared]), ir.PartitionShared, r.caches[sliceShared], func(m *kernel.Mut) error {
		return m.Sub(base.Substitute(v.allowed[sliceHidden]), v.hidden, r.caches[sliceHidden], func(m *kernel.Mut) error {
			return v.mw.PerformChange(m, func(m *kernel.Mut) error {
				return m.Sub(base.Substitute(v.allowed[sliceVisible]), v.visible, r.caches[sliceVisible], f)
			})
		})
	})
}

// invalidateCounterparts drops stale entries from every other view over
// the same visible partition. They see the shared and visible novelty of
// this change but never its hidden novelty.
func (v *View) invalidateCounterparts(m *kernel.Mut, novelty ir.Novelty) error {
	if len(novelty) == 0 {
		return nil
	}
	q := m.Query()
	for _, e := range q.LookupMany(schema.AttrViewVisible, ir.Int(v.visible)) {
		if e == v.record {
			continue
		}
		hv, ok, err := q.GetOne(e, schema.AttrViewHidden)
		if err != nil || !ok {
			continue
		}
		other := ir.Partition(hv.(ir.Int))
		allowed := [numSlices]ir.Partitions{
			sliceShared:  v.allowed[sliceShared],
			sliceHidden:  ir.PartitionSet(other, ir.PartitionShared),
			sliceVisible: v.allowed[sliceVisible],
		}
		old := cacheOf(q, e)
		next := old.invalidate(novelty, allowed)
		if next == old {
			continue
		}
		if err := m.Add(e, attrCache, ir.Opaque{V: next}); err != nil {
			return fmt.Errorf("invalidate counterpart view: %w", err)
		}
		v.logger.Debug("counterpart view invalidated", "counterpart_hidden", int(other), "entries", old.Len()-next.Len())
	}
	return nil
}

func (v *View) sliceFor(p ir.Partition) slice {
	switch p {
	case ir.PartitionShared:
		return sliceShared
	case v.hidden:
		return sliceHidden
	default:
		return sliceVisible
	}
}
