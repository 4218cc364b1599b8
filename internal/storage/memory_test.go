package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingroom/tape/internal/models"
)

func TestMemoryStore_AppendAndRead(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	batch := makeCandles(t, 0, 4)
	wm, err := store.Append(ctx, testSymbol, models.Timeframe1h, batch)
	require.NoError(t, err)
	assert.Equal(t, batch[3].OpenTime, wm)

	got, err := store.ReadRange(ctx, testSymbol, models.Timeframe1h, seriesStart, seriesStart.Add(4*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, 4)

	tail, err := store.Tail(ctx, testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	require.NotNil(t, tail)
	assert.True(t, batch[3].Equal(tail))
}

func TestMemoryStore_EnforcesAppendContract(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 0, 3))
	require.NoError(t, err)

	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 1, 3))
	var stale *StaleWriteError
	require.ErrorAs(t, err, &stale)

	_, err = store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 4, 2))
	require.Error(t, err, "non-contiguous batch must be rejected")
}

func TestMemoryStore_PairsAreIndependent(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 0, 2))
	require.NoError(t, err)

	_, ok, err := store.Watermark(ctx, "ETHUSDT", models.Timeframe1h)
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = store.Watermark(ctx, testSymbol, models.Timeframe1d)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryStore_LockExclusion(t *testing.T) {
	store := NewMemoryStore()
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

func TestMemoryStore_ConcurrentReadersDuringAppend(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Append(ctx, testSymbol, models.Timeframe1h, makeCandles(t, 0, 100))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			got, err := store.ReadRange(ctx, testSymbol, models.Timeframe1h, seriesStart, seriesStart.Add(100*time.Hour))
			assert.NoError(t, err)
			assert.Len(t, got, 100)
		}()
	}
	wg.Wait()
}

func TestMemoryStore_ClosedStoreRejectsAppends(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Close())

	_, err := store.Append(context.Background(), testSymbol, models.Timeframe1h, makeCandles(t, 0, 1))
	require.Error(t, err)
	require.Error(t, store.HealthCheck(context.Background()))
}
