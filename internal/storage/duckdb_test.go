package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingroom/tape/internal/models"
)

func newTestDuckStore(t *testing.T) *DuckStore {
	t.Helper()
	store, err := NewDuckStore("", nil) // in-memory database
	require.NoError(t, err)
	require.NoError(t, store.Initialize(context.Background()))
	t.Cleanup(func() { store.Close() })
	return store
}

func TestDuckStore_AppendAndReadRange(t *testing.T) {
	store := newTestDuckStore(t)
	ctx := context.Background()

	batch := makeCandles(t, 0, 5)
	wm, err := store.Append(ctx, testSymbol, models.Timeframe1h, batch)
	require.NoError(t, err)
	assert.Equal(t, batch[4].OpenTime, wm)

	got, err := store.ReadRange(ctx, testSymbol, models.Timeframe1h, seriesStart, seriesStart.Add(5*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i := range got {
		assert.Equal(t, batch[i].OpenTime, got[i].OpenTime)
		assert.Equal(t, batch[i].Symbol, got[i].Symbol)
	}
}

func TestDuckStore_WatermarkAdvancesWithAppends(t *testing.T) {
	store := newTestDuckStore(t)
	ctx := context.Background()

	_, ok, err := store.Watermark(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 0, 2))
	require.NoError(t, err)
	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 2, 2))
	require.NoError(t, err)

	wm, ok, err := store.Watermark(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, seriesStart.Add(3*time.Hour), wm)
}

func TestDuckStore_RejectsStaleAndNonContiguousWrites(t *testing.T) {
	store := newTestDuckStore(t)
	ctx := context.Background()

	_, err := store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 0, 3))
	require.NoError(t, err)

	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 1, 2))
	var stale *StaleWriteError
	require.ErrorAs(t, err, &stale)

	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 5, 2))
	require.Error(t, err)

	// failed appends leave the table untouched
	got, err := store.ReadRange(ctx, testSymbol, models.Timeframe1h, seriesStart, seriesStart.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestDuckStore_Tail(t *testing.T) {
	store := newTestDuckStore(t)
	ctx := context.Background()

	tail, err := store.Tail(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	assert.Nil(t, tail)

	batch := makeCandles(t, 0, 3)
	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, batch)
	require.NoError(t, err)

	tail, err = store.Tail(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.Equal(t, batch[2].OpenTime, tail.OpenTime)
}

func TestDuckStore_LockExclusion(t *testing.T) {
	store := newTestDuckStore(t)
	ctx := context.Background()

	release, err := store.AcquireLock(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)

	_, err = store.AcquireLock(ctx, testSymbol, models.Timeframe1h)
	var concurrent *ConcurrentIngestionError
	require.ErrorAs(t, err, &concurrent)

	release()
	release2, err := store.AcquireLock(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	release2()
}

func TestDuckStore_HealthCheck(t *testing.T) {
	store := newTestDuckStore(t)
	assert.NoError(t, store.HealthCheck(context.Background()))
}
