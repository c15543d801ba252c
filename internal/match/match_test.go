package match

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/dbctx"
	"github.com/roach88/kernel/internal/ir"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/schema"
)

func newKernel(t *testing.T) *kernel.Transactor {
	t.Helper()
	reg, err := schema.Builtin().With([]schema.Attribute{
		{Ident: "task/name"},
		{Ident: "task/active", Index: true},
	}, nil)
	require.NoError(t, err)
	tx := kernel.New(kernel.WithRegistry(reg), kernel.WithKernelID("k1"))
	t.Cleanup(func() { tx.Close(nil) })
	return tx
}

func create(t *testing.T, tx *kernel.Transactor, attrs ...kernel.Attr) ir.EID {
	t.Helper()
	var e ir.EID
	_, err := tx.Change(context.Background(), func(m *kernel.Mut) error {
		var err error
		e, err = m.Create(attrs...)
		return err
	})
	require.NoError(t, err)
	return e
}

func retract(t *testing.T, tx *kernel.Transactor, e ir.EID) {
	t.Helper()
	_, err := tx.Change(context.Background(), func(m *kernel.Mut) error {
		return m.RetractEntity(e)
	})
	require.NoError(t, err)
}

func TestObserve_Deltas(t *testing.T) {
	tx := newKernel(t)
	ctx := context.Background()
	a := create(t, tx, kernel.Attr{A: "task/active", V: ir.Bool(true)})

	deltas := make(chan Delta, 16)
	obs := Observe(ctx, tx, HasAttribute("task/active"), func(d Delta) { deltas <- d })
	defer obs.Close()

	first := <-deltas
	assert.True(t, first.Initial)
	assert.Equal(t, []ir.EID{a}, first.Added)

	create(t, tx, kernel.Attr{A: "task/name", V: ir.String("irrelevant")})
	b := create(t, tx, kernel.Attr{A: "task/active", V: ir.Bool(true)})
	d := <-deltas
	assert.False(t, d.Initial)
	assert.Equal(t, []ir.EID{b}, d.Added)

	retract(t, tx, a)
	d = <-deltas
	assert.Equal(t, []ir.EID{a}, d.Retracted)
	assert.Empty(t, d.Added)
}

func TestObserve_TerminatedWithKernel(t *testing.T) {
	tx := kernel.New(kernel.WithKernelID("k1"))
	obs := Observe(context.Background(), tx, HasAttribute("task/name"), func(Delta) {})
	<-obs.Ready()
	tx.Close(nil)
	<-obs.Done()
	assert.ErrorIs(t, obs.Err(), kernel.ErrQueryEngineTerminated)
}

func TestGuard_LostOnRetract(t *testing.T) {
	tx := newKernel(t)
	e := create(t, tx, kernel.Attr{A: "task/name", V: ir.String("x")})

	g := NewGuard(context.Background(), tx, Exists(e))
	defer g.Close()
	assert.True(t, g.Satisfied())

	retract(t, tx, e)
	select {
	case <-g.Lost():
	case <-time.After(5 * time.Second):
		t.Fatal("guard never lost")
	}
	assert.False(t, g.Satisfied())
	assert.Equal(t, "exists("+e.String()+")", g.Describe())
}

func TestWithCondition_CancelsAndPoisons(t *testing.T) {
	tx := newKernel(t)
	e := create(t, tx, kernel.Attr{A: "task/name", V: ir.String("x")})
	ctx := dbctx.WithTransactor(context.Background(), tx)

	entered := make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		errc <- WithCondition(ctx, tx, Exists(e), func(ctx context.Context) error {
			close(entered)
			<-ctx.Done()
			b, _ := dbctx.From(ctx)
			b.Resume()
			_, err := dbctx.DB(ctx)
			assert.True(t, dbctx.IsUnsatisfied(err))
			return ctx.Err()
		})
	}()

	<-entered
	retract(t, tx, e)

	select {
	case err := <-errc:
		assert.True(t, IsUnsatisfied(err))
	case <-time.After(5 * time.Second):
		t.Fatal("body was not cancelled")
	}

	_, err := dbctx.DB(ctx)
	assert.NoError(t, err, "caller binding is not poisoned")
}

func TestWithCondition_NotSatisfiedAtEntry(t *testing.T) {
	tx := newKernel(t)
	ran := false
	err := WithCondition(context.Background(), tx, Exists(ir.MakeEID(ir.PartitionDefault, 999)), func(context.Context) error {
		ran = true
		return nil
	})
	assert.True(t, IsUnsatisfied(err))
	assert.False(t, ran)
}

func TestWithCondition_BodyResult(t *testing.T) {
	tx := newKernel(t)
	e := create(t, tx, kernel.Attr{A: "task/name", V: ir.String("x")})
	boom := errors.New("boom")

	err := WithCondition(context.Background(), tx, Exists(e), func(context.Context) error { return boom })
	assert.ErrorIs(t, err, boom)
}

func TestOnDispose(t *testing.T) {
	tx := newKernel(t)
	e := create(t, tx, kernel.Attr{A: "task/name", V: ir.String("x")})

	disposed := make(chan struct{})
	stop := OnDispose(context.Background(), tx, e, func() { close(disposed) })
	defer stop()

	retract(t, tx, e)
	select {
	case <-disposed:
	case <-time.After(5 * time.Second):
		t.Fatal("dispose callback not called")
	}
}

func TestLaunchOnEachEntity(t *testing.T) {
	tx := newKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a := create(t, tx, kernel.Attr{A: "task/active", V: ir.Bool(true)})

	var (
		mu      sync.Mutex
		started = map[ir.EID]bool{}
		stopped = map[ir.EID]error{}
	)
	startedc := make(chan ir.EID, 4)
	stoppedc := make(chan ir.EID, 4)

	done := make(chan error, 1)
	go func() {
		done <- LaunchOnEachEntity(ctx, tx, HasAttribute("task/active"), func(ctx context.Context, e ir.EID) error {
			mu.Lock()
			started[e] = true
			mu.Unlock()
			startedc <- e
			<-ctx.Done()
			mu.Lock()
			stopped[e] = context.Cause(ctx)
			mu.Unlock()
			stoppedc <- e
			return nil
		})
	}()

	assert.Equal(t, a, <-startedc)
	b := create(t, tx, kernel.Attr{A: "task/active", V: ir.Bool(true)})
	assert.Equal(t, b, <-startedc)

	retract(t, tx, a)
	assert.Equal(t, a, <-stoppedc)
	mu.Lock()
	assert.True(t, IsUnsatisfied(stopped[a]))
	mu.Unlock()

	cancel()
	assert.Equal(t, b, <-stoppedc)
	assert.ErrorIs(t, <-done, context.Canceled)
}
