package dbctx

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/kernel"
)

type flakySource struct {
	snap *db.Snapshot
	err  error
}

func (s *flakySource) Latest() (*db.Snapshot, error) { return s.snap, s.err }

func (s *flakySource) Updates() (<-chan *db.Snapshot, func(), error) {
	return nil, nil, ErrNoUpdates
}

type flagGuard struct{ ok bool }

func (g *flagGuard) Satisfied() bool  { return g.ok }
func (g *flagGuard) Describe() string { return "flag" }

func TestConstantSource(t *testing.T) {
	snap := db.Empty(nil)
	src := ConstantSource{Snapshot: snap}

	got, err := src.Latest()
	require.NoError(t, err)
	assert.Same(t, snap, got)

	_, _, err = src.Updates()
	assert.ErrorIs(t, err, ErrNoUpdates)
}

func TestBinding_PoisonedOnSourceError(t *testing.T) {
	src := &flakySource{snap: db.Empty(nil)}
	b := NewBinding(src)
	_, err := b.Snapshot()
	require.NoError(t, err)

	src.err = errors.New("disk gone")
	b.Resume()

	_, err = b.Snapshot()
	require.Error(t, err)
	assert.True(t, IsPoisoned(err))
	assert.Contains(t, err.Error(), "disk gone")

	src.err = nil
	b.Resume()
	_, err = b.Snapshot()
	assert.True(t, IsPoisoned(err), "poison is sticky")
}

func TestBinding_UnsatisfiedGuard(t *testing.T) {
	b := Constant(db.Empty(nil))
	g := &flagGuard{ok: true}
	release := b.Guard(g)

	b.Resume()
	_, err := b.Snapshot()
	require.NoError(t, err)

	g.ok = false
	b.Resume()
	_, err = b.Snapshot()
	assert.True(t, IsUnsatisfied(err))
	release()
}

func TestBinding_ReleasedGuardIsIgnored(t *testing.T) {
	b := Constant(db.Empty(nil))
	g := &flagGuard{ok: true}
	b.Guard(g)()

	g.ok = false
	b.Resume()
	assert.NoError(t, b.Err())
}

func TestWorker_RestoresPreviousBindingFromItsOwnSource(t *testing.T) {
	tx := kernel.New(kernel.WithKernelID("k1"))
	defer tx.Close(nil)
	ctx := context.Background()

	resident := NewBinding(Live(tx))
	other := Constant(db.Empty(nil))

	var w Worker
	w.Enter(resident)

	suspend := w.Enter(other)
	assert.Same(t, other, w.Current())

	_, err := tx.Change(ctx, func(*kernel.Mut) error { return nil })
	require.NoError(t, err)

	suspend()
	assert.Same(t, resident, w.Current())
	snap, err := resident.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(1), snap.Seq(), "restored binding refreshed from the live source")

	otherSnap, err := other.Snapshot()
	require.NoError(t, err)
	assert.Equal(t, int64(0), otherSnap.Seq())
}

func TestContext_ChangeResumesBinding(t *testing.T) {
	tx := kernel.New(kernel.WithKernelID("k1"))
	defer tx.Close(nil)
	ctx := WithTransactor(context.Background(), tx)

	snap, err := DB(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Seq())

	ch, err := Change(ctx, tx, func(*kernel.Mut) error { return nil })
	require.NoError(t, err)

	snap, err = DB(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Seq(), ch.Seq())

	got, ok := TransactorOf(ctx)
	require.True(t, ok)
	assert.Same(t, tx, got)
}

func TestContext_LiveSourcePoisonsAfterClose(t *testing.T) {
	tx := kernel.New(kernel.WithKernelID("k1"))
	ctx := WithTransactor(context.Background(), tx)
	tx.Close(kernel.ErrKernelTerminated)

	b, _ := From(ctx)
	b.Resume()
	_, err := DB(ctx)
	require.Error(t, err)
	assert.True(t, IsPoisoned(err))
	assert.ErrorIs(t, err, kernel.ErrKernelTerminated)
}

func TestDB_NoBinding(t *testing.T) {
	_, err := DB(context.Background())
	assert.ErrorIs(t, err, ErrNoBinding)
}
