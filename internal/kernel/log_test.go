package kernel

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/kernel/internal/ir"
)

func TestLog_FirstThenNext(t *testing.T) {
	tx := newTestTransactor(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := tx.Change(ctx, func(*Mut) error { return nil })
	require.NoError(t, err)

	sub := tx.Log()
	defer sub.Close()

	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, LogFirst, ev.Kind)
	assert.Equal(t, int64(1), ev.Snapshot.Seq())

	for i := range 3 {
		_, err := tx.Change(ctx, func(m *Mut) error {
			_, err := m.Create(Attr{A: "todo/title", V: ir.Int(i)})
			return err
		})
		require.NoError(t, err)
	}

	prev := ev.Snapshot
	for want := int64(2); want <= 4; want++ {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, LogNext, ev.Kind)
		assert.Equal(t, want, ev.Change.Seq())
		assert.Same(t, prev, ev.Change.Before, "log is gapless")
		assert.Same(t, ev.Change.After, ev.Snapshot)
		prev = ev.Snapshot
	}
}

func TestLog_LagResets(t *testing.T) {
	tx := newTestTransactor(t, WithMaxLogLag(2))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	sub := tx.Log()
	defer sub.Close()

	for range 5 {
		_, err := tx.Change(ctx, func(*Mut) error { return nil })
		require.NoError(t, err)
	}

	var kinds []LogEventKind
	var last LogEvent
	for {
		ev, err := sub.Next(ctx)
		require.NoError(t, err)
		kinds = append(kinds, ev.Kind)
		last = ev
		if ev.Snapshot.Seq() == 5 {
			break
		}
	}
	assert.Contains(t, kinds, LogReset)
	assert.NotContains(t, kinds, LogFirst, "first was truncated into the reset")
	assert.Equal(t, int64(5), last.Snapshot.Seq())
}

func TestLog_ClosedByTransactor(t *testing.T) {
	tx := New(WithKernelID("k1"))
	sub := tx.Log()

	ctx := context.Background()
	ev, err := sub.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, LogFirst, ev.Kind)

	tx.Close(nil)
	_, err = sub.Next(ctx)
	require.Error(t, err)
	assert.True(t, IsClosed(err))
	sub.Close()
}

func TestSubscribe_ConflatesToLatest(t *testing.T) {
	tx := newTestTransactor(t)
	ctx := context.Background()

	sub := tx.Subscribe()
	defer sub.Close()

	for range 10 {
		_, err := tx.Change(ctx, func(*Mut) error { return nil })
		require.NoError(t, err)
	}

	select {
	case snap := <-sub.C():
		assert.Equal(t, int64(10), snap.Seq())
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot delivered")
	}
	select {
	case snap := <-sub.C():
		t.Fatalf("stale snapshot %d delivered", snap.Seq())
	default:
	}
}

func TestSubscribe_ClosedChannelOnShutdown(t *testing.T) {
	tx := New(WithKernelID("k1"))
	sub := tx.Subscribe()
	tx.Close(nil)

	_, ok := <-sub.C()
	assert.False(t, ok)
	sub.Close()
}
