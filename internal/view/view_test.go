package view

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/schema"
)

const (
	hiddenA ir.Partition = 20
	visible ir.Partition = 21
	hiddenB ir.Partition = 22
)

func newTx(t *testing.T) *kernel.Transactor {
	t.Helper()
	reg, err := schema.Builtin().With([]schema.Attribute{
		{Ident: "doc/title"},
		{Ident: "doc/owner", Type: schema.TypeRef},
	}, nil)
	require.NoError(t, err)
	tx := kernel.New(kernel.WithRegistry(reg), kernel.WithKernelID("k1"))
	t.Cleanup(func() { tx.Close(nil) })
	return tx
}

func open(t *testing.T, tx *kernel.Transactor, hidden ir.Partition, mw kernel.Middleware, opts ...Option) *View {
	t.Helper()
	v, err := Open(context.Background(), tx, hidden, visible, mw, opts...)
	require.NoError(t, err)
	return v
}

func create(t *testing.T, tx *kernel.Transactor, p ir.Partition, title string) ir.EID {
	t.Helper()
	var e ir.EID
	_, err := tx.Change(context.Background(), func(m *kernel.Mut) error {
		e = m.NewEntityIn(p)
		return m.Add(e, "doc/title", ir.String(title))
	})
	require.NoError(t, err)
	return e
}

func memoTitles(m *kernel.Mut) error {
	_, c := db.Memo(m.Cache(), "titles", db.CacheEntry{Attrs: []string{"doc/title"}}, func() int {
		return len(m.Query().Column("doc/title"))
	})
	m.SetCache(c)
	return nil
}

func cached(v *View) bool {
	_, ok := v.Cache().Get("titles")
	return ok
}

func TestOpen_Validation(t *testing.T) {
	tx := newTx(t)
	ctx := context.Background()

	_, err := Open(ctx, tx, visible, visible, nil)
	assert.ErrorIs(t, err, ErrSamePartition)

	_, err = Open(ctx, tx, ir.PartitionShared, visible, nil)
	assert.ErrorIs(t, err, ErrSharedPartition)
}

func TestOpen_ReusesRecord(t *testing.T) {
	tx := newTx(t)

	a1 := open(t, tx, hiddenA, nil)
	a2 := open(t, tx, hiddenA, nil)
	b := open(t, tx, hiddenB, nil)

	assert.Equal(t, a1.Record(), a2.Record())
	assert.NotEqual(t, a1.Record(), b.Record())

	typ, ok, err := tx.Current().GetOne(a1.Record(), schema.AttrType)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.TypeRef(schema.TypeView), typ)
}

func TestWithTransactorView_RunsBody(t *testing.T) {
	tx := newTx(t)
	boom := errors.New("boom")

	err := WithTransactorView(context.Background(), tx, hiddenA, visible, nil, func(ctx context.Context, v *View) error {
		assert.Equal(t, hiddenA, v.Hidden())
		assert.Equal(t, visible, v.Visible())
		assert.Same(t, tx, v.Transactor())
		return boom
	})
	assert.ErrorIs(t, err, boom)
}

func TestView_HiddenPartitionIsolation(t *testing.T) {
	tx := newTx(t)
	secret := create(t, tx, hiddenA, "secret")
	v := open(t, tx, hiddenA, nil)

	_, err := v.Query().Entity(secret)
	require.Error(t, err)
	assert.True(t, db.IsPartitionViolation(err))
	assert.Contains(t, err.Error(), "attempted to query hidden partition")

	datoms, err := tx.Current().Entity(secret)
	require.NoError(t, err, "the underlying transactor sees everything")
	assert.NotEmpty(t, datoms)

	_, err = v.Change(context.Background(), func(m *kernel.Mut) error {
		_, err := m.Query().Entity(secret)
		return err
	})
	assert.True(t, db.IsPartitionViolation(err))


	_, err = v.Change(context.Background(), func(m *kernel.Mut) error {
		e := m.NewEntity()
		return m.Add(e, "doc/owner", ir.Ref(secret))
	})
	assert.True(t, db.IsPartitionViolation(err), "consumers cannot reference hidden entities")
}

func TestView_SubExecutions(t *testing.T) {
	tx := newTx(t)
	shared := create(t, tx, ir.PartitionShared, "shared")

	var hiddenEntity ir.EID
	mw := kernel.MiddlewareFunc(func(m *kernel.Mut, next kernel.ChangeFunc) error {
		assert.Equal(t, hiddenA, m.Partition())
		assert.True(t, m.Query().Allowed().Allows(hiddenA))
		assert.False(t, m.Query().Allowed().Allows(visible))
		e, err := m.Create(kernel.Attr{A: "doc/title", V: ir.String("bookkeeping")})
		if err != nil {
			return err
		}
		hiddenEntity = e
		return next(m)
	})
	v := open(t, tx, hiddenA, mw)

	var visibleEntity ir.EID
	_, err := v.Change(context.Background(), func(m *kernel.Mut) error {
		title, ok, err := m.Query().GetOne(shared, "doc/title")
		if err != nil {
			return err
		}
		assert.True(t, ok)
		assert.Equal(t, ir.String("shared"), title)

		visibleEntity, err = m.Create(kernel.Attr{A: "doc/title", V: ir.String("mine")})
		return err
	})
	require.NoError(t, err)

	assert.Equal(t, hiddenA, hiddenEntity.Partition())
	assert.Equal(t, visible, visibleEntity.Partition())
	assert.Len(t, v.Query().Column("doc/title"), 2, "visible and shared, never hidden")
}

func TestView_MutationsRouteByTargetPartition(t *testing.T) {
	tx := newTx(t)
	doc := create(t, tx, visible, "draft")
	secret := create(t, tx, hiddenA, "secret")

	stamp := kernel.MiddlewareFunc(func(m *kernel.Mut, next kernel.ChangeFunc) error {
		if err := next(m); err != nil {
			return err
		}
		return m.Add(doc, "doc/title", ir.String("stamped"))
	})
	v := open(t, tx, hiddenA, stamp)

	ch, err := v.Change(context.Background(), func(m *kernel.Mut) error {
		return m.Add(secret, "doc/title", ir.String("rewritten"))
	})
	require.NoError(t, err)

	title, _, err := ch.After.GetOne(doc, "doc/title")
	require.NoError(t, err)
	assert.Equal(t, ir.String("stamped"), title, "hidden-stage middleware writes the visible entity")

	title, _, err = ch.After.GetOne(secret, "doc/title")
	require.NoError(t, err)
	assert.Equal(t, ir.String("rewritten"), title, "consumer write is routed to the hidden sub-execution")

	other := create(t, tx, hiddenB, "elsewhere")
	_, err = v.Change(context.Background(), func(m *kernel.Mut) error {
		return m.Add(other, "doc/title", ir.String("leak"))
	})
	assert.True(t, db.IsPartitionViolation(err), "partitions outside the view stay unreachable")

	_, err = v.Change(context.Background(), func(m *kernel.Mut) error {
		_, err := m.Query().Entity(secret)
		return err
	})
	assert.True(t, db.IsPartitionViolation(err), "reads stay isolated")
}

func TestView_AbortedChangeCommitsNothing(t *testing.T) {
	tx := newTx(t)
	v := open(t, tx, hiddenA, nil)
	seq := tx.Current().Seq()

	_, err := v.Change(context.Background(), func(m *kernel.Mut) error {
		if err := memoTitles(m); err != nil {
			return err
		}
		return errors.New("nope")
	})
	require.Error(t, err)
	assert.Equal(t, seq, tx.Current().Seq())
	assert.False(t, cached(v))
}

func TestView_CachePersistsOnRecord(t *testing.T) {
	tx := newTx(t)
	create(t, tx, visible, "a")
	v := open(t, tx, hiddenA, nil)

	_, err := v.Change(context.Background(), memoTitles)
	require.NoError(t, err)
	assert.True(t, cached(v))

	reopened := open(t, tx, hiddenA, nil)
	assert.True(t, cached(reopened), "cache lives on the record, not the handle")
}

func TestView_CounterpartInvalidation(t *testing.T) {
	tx := newTx(t)
	doc := create(t, tx, visible, "a")

	writeHidden := false
	a := open(t, tx, hiddenA, kernel.MiddlewareFunc(func(m *kernel.Mut, next kernel.ChangeFunc) error {
		if writeHidden {
			if _, err := m.Create(kernel.Attr{A: "doc/title", V: ir.String("secret")}); err != nil {
				return err
			}
		}
		return next(m)
	}))
	b := open(t, tx, hiddenB, nil)
	other, err := Open(context.Background(), tx, hiddenA, visible+10, nil)
	require.NoError(t, err)

	for _, v := range []*View{a, b, other} {
		_, err := v.Change(context.Background(), memoTitles)
		require.NoError(t, err)
		require.True(t, cached(v))
	}

	// Hidden novelty is invisible to every visible slice.
	writeHidden = true
	_, err = a.Change(context.Background(), func(*kernel.Mut) error { return nil })
	require.NoError(t, err)
	writeHidden = false
	assert.True(t, cached(a))
	assert.True(t, cached(b))

	// Visible novelty reaches the counterpart sharing the visible partition.
	_, err = a.Change(context.Background(), func(m *kernel.Mut) error {
		return m.Add(doc, "doc/title", ir.String("b"))
	})
	require.NoError(t, err)
	assert.False(t, cached(a))
	assert.False(t, cached(b), "counterpart invalidated")
	assert.True(t, cached(other), "views over another visible partition are untouched")
}

func TestView_FrontendOfferContributor(t *testing.T) {
	tx := newTx(t)
	offers := make(chan ir.Novelty, 4)
	contributor := OfferFunc(func(_ context.Context, frontend *View, shared ir.Novelty) error {
		assert.Equal(t, ir.PartitionFrontend, frontend.Hidden())
		offers <- shared
		return nil
	})

	front := open(t, tx, ir.PartitionFrontend, nil, WithOfferContributor(contributor))
	_, err := front.Change(context.Background(), func(m *kernel.Mut) error {
		if _, err := m.Create(kernel.Attr{A: "doc/title", V: ir.String("local")}); err != nil {
			return err
		}
		e := m.NewEntityIn(ir.PartitionShared)
		return m.Add(e, "doc/title", ir.String("everyone"))
	})
	require.NoError(t, err)

	select {
	case shared := <-offers:
		require.Len(t, shared, 1)
		assert.Equal(t, ir.PartitionShared, shared[0].E.Partition())
		assert.Equal(t, ir.String("everyone"), shared[0].V)
	case <-time.After(2 * time.Second):
		t.Fatal("offer contributor was not invoked")
	}

	// Visible-only changes offer nothing.
	_, err = front.Change(context.Background(), func(m *kernel.Mut) error {
		_, err := m.Create(kernel.Attr{A: "doc/title", V: ir.String("local 2")})
		return err
	})
	require.NoError(t, err)

	// Non-frontend views never consult the contributor.
	plain := open(t, tx, hiddenA, nil, WithOfferContributor(contributor))
	_, err = plain.Change(context.Background(), func(m *kernel.Mut) error {
		e := m.NewEntityIn(ir.PartitionShared)
		return m.Add(e, "doc/title", ir.String("shared again"))
	})
	require.NoError(t, err)

	select {
	case got := <-offers:
		t.Fatalf("unexpected offer: %v", got)
	case <-time.After(100 * time.Millisecond):
	}
}
