package kernel

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ChangeOutcomes(t *testing.T) {
	tx := newTestTransactor(t)
	ctx := context.Background()

	committed := testutil.ToFloat64(changesTotal.WithLabelValues("committed"))
	aborted := testutil.ToFloat64(changesTotal.WithLabelValues("aborted"))

	_, err := tx.Change(ctx, func(*Mut) error { return nil })
	require.NoError(t, err)
	_, err = tx.Change(ctx, func(*Mut) error { return errors.New("no") })
	require.Error(t, err)

	assert.Equal(t, committed+1, testutil.ToFloat64(changesTotal.WithLabelValues("committed")))
	assert.Equal(t, aborted+1, testutil.ToFloat64(changesTotal.WithLabelValues("aborted")))
}

func TestMetrics_LogResetCounted(t *testing.T) {
	tx := newTestTransactor(t, WithMaxLogLag(1))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	before := testutil.ToFloat64(logResets)

	sub := tx.Log()
	defer sub.Close()
	for range 3 {
		_, err := tx.Change(ctx, func(*Mut) error { return nil })
		require.NoError(t, err)
	}

	assert.Greater(t, testutil.ToFloat64(logResets), before)
}
