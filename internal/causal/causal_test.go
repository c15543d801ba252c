package causal

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/db"
	"github.com/roach88/kernel/internal/dbctx"
	"github.com/roach88/kernel/internal/kernel"
	"github.com/roach88/kernel/internal/vclock"
)

func newKernel(t *testing.T, id vclock.ID) *kernel.Transactor {
	t.Helper()
	tx := kernel.New(kernel.WithKernelID(id))
	t.Cleanup(func() { tx.Close(nil) })
	return tx
}

func commit(t *testing.T, tx *kernel.Transactor) *kernel.Change {
	t.Helper()
	ch, err := tx.Change(context.Background(), func(*kernel.Mut) error { return nil })
	require.NoError(t, err)
	return ch
}

func TestCapture(t *testing.T) {
	tx := newKernel(t, "k1")
	commit(t, tx)
	ctx := dbctx.WithTransactor(context.Background(), tx)

	clock, err := Capture(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), clock.Get("k1"))

	_, err = Capture(context.Background())
	assert.ErrorIs(t, err, dbctx.ErrNoBinding)
}

func TestAwait_ImmediateWhenAlreadyDominated(t *testing.T) {
	tx := newKernel(t, "k1")
	commit(t, tx)
	ctx := dbctx.WithTransactor(context.Background(), tx)

	c, err := New(ctx, "hello")
	require.NoError(t, err)
	require.NotNil(t, c.Origin)
	assert.Equal(t, int64(1), c.Origin.Seq)

	v, err := c.Await(ctx, WithTimeout(time.Nanosecond))
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
}

func TestAwait_SameKernelFastPath(t *testing.T) {
	tx := newKernel(t, "k1")
	ctx := context.Background()

	producer := dbctx.WithTransactor(ctx, tx)
	commit(t, tx)
	b, _ := dbctx.From(producer)
	b.Resume()
	c, err := New(producer, 42)
	require.NoError(t, err)

	consumerBinding := dbctx.NewBinding(dbctx.Live(tx))
	consumerBinding.Bind(db.Empty(nil))
	consumer := dbctx.With(ctx, consumerBinding)

	v, err := c.Await(consumer)
	require.NoError(t, err)
	assert.Equal(t, 42, v)

	snap, err := dbctx.DB(consumer)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, snap.Seq(), int64(1))
}

func TestAwait_GeneralPathWaitsForReplication(t *testing.T) {
	remote := newKernel(t, "remote")
	local := newKernel(t, "local")
	commit(t, remote)
	commit(t, remote)

	producer := dbctx.WithTransactor(context.Background(), remote)
	c, err := New(producer, "v")
	require.NoError(t, err)

	consumer := dbctx.WithTransactor(context.Background(), local)
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = local.Replicate(context.Background(), remote.Clock()).Result()
	}()

	v, err := c.Await(consumer, WithTimeout(5*time.Second))
	require.NoError(t, err)
	assert.Equal(t, "v", v)

	snap, err := dbctx.DB(consumer)
	require.NoError(t, err)
	assert.True(t, c.Clock.PrecedesOrEqual(snap.Clock()), "binding rebound to the dominating snapshot")
}

func TestAwait_TimeoutCarriesObservedClock(t *testing.T) {
	tx := newKernel(t, "k1")
	commit(t, tx)
	ctx := dbctx.WithTransactor(context.Background(), tx)

	c := Causal[string]{Value: "x", Clock: vclock.NewCompressed(vclock.Entry{Kernel: "never", Counter: 1})}

	start := time.Now()
	_, err := c.Await(ctx, WithTimeout(100*time.Millisecond))
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.True(t, IsClockTimeout(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "{k1:1}")
	assert.Contains(t, err.Error(), "{never:1}")
	assert.GreaterOrEqual(t, elapsed, 100*time.Millisecond)
	assert.Less(t, elapsed, 2*time.Second)

	var te *ClockTimeoutError
	require.ErrorAs(t, err, &te)
	clone := te.Clone()
	assert.NotSame(t, te, clone)
	assert.Equal(t, te.Error(), clone.Error())
	assert.Contains(t, te.Diagnostics, "kernel k1")
}

func TestAwait_StreamTerminated(t *testing.T) {
	tx := kernel.New(kernel.WithKernelID("k1"))
	ctx := dbctx.WithTransactor(context.Background(), tx)
	c := Causal[int]{Clock: vclock.NewCompressed(vclock.Entry{Kernel: "never", Counter: 1})}

	go func() {
		time.Sleep(20 * time.Millisecond)
		tx.Close(nil)
	}()

	_, err := c.Await(ctx, WithTimeout(5*time.Second))
	assert.ErrorIs(t, err, ErrStreamTerminated)
}

func TestAwait_NotAttached(t *testing.T) {
	c := Causal[int]{Clock: vclock.NewCompressed(vclock.Entry{Kernel: "k1", Counter: 1})}

	_, err := c.Await(context.Background())
	assert.ErrorIs(t, err, ErrNotAttached)

	constant := dbctx.With(context.Background(), dbctx.Constant(db.Empty(nil)))
	_, err = c.Await(constant)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestAwait_SameKernelClosedIsNotAttached(t *testing.T) {
	tx := kernel.New(kernel.WithKernelID("k1"))
	b := dbctx.NewBinding(dbctx.Live(tx))
	ctx := dbctx.With(context.Background(), b)
	tx.Close(nil)

	c := Causal[int]{
		Clock:  vclock.NewCompressed(vclock.Entry{Kernel: "k1", Counter: 3}),
		Origin: &Timestamp{Kernel: "k1", Seq: 3},
	}
	_, err := c.Await(ctx)
	assert.ErrorIs(t, err, ErrNotAttached)
}

func TestCodec_RoundTrip(t *testing.T) {
	in := Causal[map[string]int]{
		Value:  map[string]int{"a": 1},
		Clock:  vclock.NewCompressed(vclock.Entry{Kernel: "b", Counter: 2}, vclock.Entry{Kernel: "a", Counter: 1}),
		Origin: &Timestamp{Kernel: "a", Seq: 1},
	}
	data, err := Encode(in)
	require.NoError(t, err)

	out, err := Decode[map[string]int](data)
	require.NoError(t, err)
	assert.Equal(t, in.Value, out.Value)
	assert.True(t, in.Clock.Equal(out.Clock))
	assert.Equal(t, in.Origin, out.Origin)

	_, err = Decode[int]([]byte{0xc1})
	assert.Error(t, err)
}
