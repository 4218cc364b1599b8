package ingest

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingroom/tape/internal/exchange"
	"github.com/tradingroom/tape/internal/models"
	"github.com/tradingroom/tape/internal/storage"
)

const testSymbol = "BTCUSDT"

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// mockExchange serves a synthetic contiguous hourly series up to head.
// Open times listed in omitOnce are withheld from the first request
// that covers them, then served normally, mimicking a flaky upstream.
type mockExchange struct {
	mu       sync.Mutex
	head     time.Time // exclusive upper bound of available data
	listedAt time.Time // no data before this open time; zero means t0
	pageSize int       // rows per page; zero means unbounded
	omitOnce map[time.Time]bool
	failures []error // consumed one per call before any data is served
	calls    []exchange.FetchRequest
}

func newMockExchange(head time.Time) *mockExchange {
	return &mockExchange{head: head, omitOnce: make(map[time.Time]bool)}
}

func (m *mockExchange) candleAt(ts time.Time, timeframe models.Timeframe) models.Candle {
	hours := int(ts.Sub(t0) / time.Hour)
	price := strconv.Itoa(42000 + hours)
	return models.Candle{
		OpenTime:  ts,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    "100",
		Symbol:    testSymbol,
		Timeframe: timeframe,
	}
}

func (m *mockExchange) FetchCandles(ctx context.Context, req exchange.FetchRequest) (*exchange.FetchResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, req)

	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return nil, err
	}

	start := req.Start
	if req.NextToken != "" {
		ms, err := strconv.ParseInt(req.NextToken, 10, 64)
		if err != nil {
			return nil, &exchange.PermanentError{Op: "fetch_candles", Err: err}
		}
		start = time.UnixMilli(ms).UTC()
	}

	if !m.listedAt.IsZero() && start.Before(m.listedAt) {
		start = m.listedAt
	}
	end := m.head
	if !req.End.IsZero() && req.End.Before(end) {
		end = req.End
	}

	step := req.Timeframe.Step()
	var candles []models.Candle
	var nextToken string

	for ts := start; ts.Before(end); ts = ts.Add(step) {
		if m.omitOnce[ts] {
			delete(m.omitOnce, ts)
			continue
		}
		candles = append(candles, m.candleAt(ts, req.Timeframe))
		if m.pageSize > 0 && len(candles) == m.pageSize && ts.Add(step).Before(end) {
			nextToken = strconv.FormatInt(ts.Add(step).UnixMilli(), 10)
			break
		}
	}

	return &exchange.FetchResponse{Candles: candles, NextToken: nextToken}, nil
}

func (m *mockExchange) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func newTestIngester(ex exchange.CandleFetcher, store storage.Store) *Ingester {
	return New(ex, store, Config{
		WindowCandles: 4,
		BackfillStart: t0,
	})
}

func requireStored(t *testing.T, store storage.Store, n int) []models.Candle {
	t.Helper()
	got, err := store.ReadRange(context.Background(), testSymbol, models.Timeframe1h, t0, t0.Add(1000*time.Hour))
	require.NoError(t, err)
	require.Len(t, got, n)
	for i := 1; i < len(got); i++ {
		require.Equal(t, time.Hour, got[i].OpenTime.Sub(got[i-1].OpenTime), "stored series must have no holes")
	}
	return got
}

func TestRun_BackfillsFromEmptyStore(t *testing.T) {
	end := t0.Add(10 * time.Hour)
	ex := newMockExchange(end)
	store := storage.NewMemoryStore()

	ing := newTestIngester(ex, store)
	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	require.NoError(t, err)

	got := requireStored(t, store, 10)
	assert.Equal(t, t0, got[0].OpenTime)
	assert.Equal(t, t0.Add(9*time.Hour), got[9].OpenTime)

	wm, ok, err := store.Watermark(context.Background(), testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(9*time.Hour), wm)
}

func TestRun_SecondRunIsIdempotentNoOp(t *testing.T) {
	end := t0.Add(6 * time.Hour)
	ex := newMockExchange(end)
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	require.NoError(t, ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end}))
	fetchesAfterFirst := ex.callCount()

	require.NoError(t, ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end}))

	assert.Equal(t, fetchesAfterFirst, ex.callCount(), "a caught-up run must not fetch")
	requireStored(t, store, 6)
}

func TestRun_ResumesFromWatermark(t *testing.T) {
	end := t0.Add(8 * time.Hour)
	ex := newMockExchange(end)
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	// first run covers half the range
	require.NoError(t, ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: t0.Add(4 * time.Hour)}))
	requireStored(t, store, 4)

	// second run performs strictly the remaining work
	before := ex.callCount()
	require.NoError(t, ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end}))
	requireStored(t, store, 8)

	ex.mu.Lock()
	resumed := ex.calls[before]
	ex.mu.Unlock()
	assert.Equal(t, t0.Add(4*time.Hour), resumed.Start, "resume must start one step after the watermark")
}

func TestRun_RefetchesGapBeforeCommit(t *testing.T) {
	end := t0.Add(5 * time.Hour)
	ex := newMockExchange(end)
	// the first serve of the window withholds t0+2h, producing
	// [t0, t0+1h, t0+3h, t0+4h]
	ex.omitOnce[t0.Add(2*time.Hour)] = true

	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 5, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	require.NoError(t, err)

	got := requireStored(t, store, 5)
	assert.Equal(t, t0.Add(2*time.Hour), got[2].OpenTime)

	// one window fetch plus one gap re-fetch
	require.GreaterOrEqual(t, ex.callCount(), 2)
	ex.mu.Lock()
	gapFetch := ex.calls[1]
	ex.mu.Unlock()
	assert.Equal(t, t0.Add(2*time.Hour), gapFetch.Start)
	assert.Equal(t, t0.Add(3*time.Hour), gapFetch.End)
}

func TestRun_UnfillableGapFails(t *testing.T) {
	end := t0.Add(5 * time.Hour)
	// the exchange never serves t0+2h, so the hole cannot be filled
	ex := &emptyGapExchange{inner: newMockExchange(end), hole: t0.Add(2 * time.Hour)}
	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 5, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StateFailed, runErr.State)

	// nothing was committed for the incomplete window
	got, err := store.ReadRange(context.Background(), testSymbol, models.Timeframe1h, t0, end)
	require.NoError(t, err)
	assert.Empty(t, got)
}

// emptyGapExchange wraps a mock but permanently withholds one open time.
type emptyGapExchange struct {
	inner *mockExchange
	hole  time.Time
}

func (e *emptyGapExchange) FetchCandles(ctx context.Context, req exchange.FetchRequest) (*exchange.FetchResponse, error) {
	e.inner.mu.Lock()
	e.inner.omitOnce[e.hole] = true
	e.inner.mu.Unlock()
	return e.inner.FetchCandles(ctx, req)
}

func TestRun_PermanentFailureTerminatesRun(t *testing.T) {
	ex := newMockExchange(t0.Add(10 * time.Hour))
	ex.failures = []error{
		&exchange.PermanentError{Op: "fetch_candles", Err: errors.New("invalid symbol")},
	}
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: t0.Add(4 * time.Hour)})
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StateFailed, runErr.State)
	assert.True(t, exchange.IsPermanent(err))
	assert.Equal(t, 1, ex.callCount())
}

func TestRun_TransientFailureRetriesAndSucceeds(t *testing.T) {
	end := t0.Add(3 * time.Hour)
	ex := newMockExchange(end)
	ex.failures = []error{
		&exchange.TransientError{Op: "fetch_candles", Err: errors.New("timeout")},
	}
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	require.NoError(t, err)
	requireStored(t, store, 3)
}

func TestRun_TransientFailuresExhaustBudget(t *testing.T) {
	ex := newMockExchange(t0.Add(10 * time.Hour))
	for i := 0; i < 10; i++ {
		ex.failures = append(ex.failures, &exchange.TransientError{Op: "fetch_candles", Err: errors.New("timeout")})
	}
	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 4, MaxTransientRetries: 2, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: t0.Add(4 * time.Hour)})
	var runErr *RunError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, StateFailed, runErr.State)
}

func TestRun_ConcurrentRunsAreExcluded(t *testing.T) {
	ex := newMockExchange(t0.Add(10 * time.Hour))
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	release, err := store.AcquireLock(context.Background(), testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	defer release()

	err = ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: t0.Add(4 * time.Hour)})
	var concurrent *storage.ConcurrentIngestionError
	require.ErrorAs(t, err, &concurrent)
}

func TestRun_CancellationStopsBetweenWindows(t *testing.T) {
	ex := newMockExchange(t0.Add(100 * time.Hour))
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := ing.Run(ctx, Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: t0.Add(100 * time.Hour)})
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, ex.callCount())
}

func TestRun_DrainsPagination(t *testing.T) {
	end := t0.Add(8 * time.Hour)
	ex := newMockExchange(end)
	ex.pageSize = 3
	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 8, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	require.NoError(t, err)
	requireStored(t, store, 8)
}

func TestRun_StopsAtUpstreamHead(t *testing.T) {
	// the exchange only has 5 candles even though the target asks for 20
	ex := newMockExchange(t0.Add(5 * time.Hour))
	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 10, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: t0.Add(20 * time.Hour)})
	require.NoError(t, err)
	requireStored(t, store, 5)
}

func TestRun_ProbesPastEmptyWindowsToListing(t *testing.T) {
	// the symbol starts trading well after the backfill start; the
	// leading windows are empty but the data behind them must still
	// be ingested
	end := t0.Add(16 * time.Hour)
	ex := newMockExchange(end)
	ex.listedAt = t0.Add(8 * time.Hour)
	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 4, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	require.NoError(t, err)

	got := requireStored(t, store, 8)
	assert.Equal(t, t0.Add(8*time.Hour), got[0].OpenTime, "series must begin at the listing time")

	wm, ok, err := store.Watermark(context.Background(), testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, t0.Add(15*time.Hour), wm)
}

func TestRun_EmptyUpstreamStoresNothingButSucceeds(t *testing.T) {
	// no data anywhere in the range: the run probes every window,
	// stores nothing and completes without setting a watermark
	end := t0.Add(8 * time.Hour)
	ex := newMockExchange(t0) // head == t0, nothing available
	store := storage.NewMemoryStore()
	ing := New(ex, store, Config{WindowCandles: 4, BackfillStart: t0})

	err := ing.Run(context.Background(), Request{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end})
	require.NoError(t, err)

	_, ok, err := store.Watermark(context.Background(), testSymbol, models.Timeframe1h)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, ex.callCount(), "one probe per window across the range")
}

func TestNew_ClampsWindowToExchangePageSize(t *testing.T) {
	ing := New(newMockExchange(t0), storage.NewMemoryStore(), Config{WindowCandles: 5000})
	assert.Equal(t, exchange.MaxCandlesPerRequest, ing.config.WindowCandles)
}

func TestRun_InvalidRequest(t *testing.T) {
	ex := newMockExchange(t0.Add(time.Hour))
	ing := newTestIngester(ex, storage.NewMemoryStore())

	tests := []struct {
		name string
		req  Request
	}{
		{name: "empty_symbol", req: Request{Timeframe: models.Timeframe1h, End: t0}},
		{name: "bad_timeframe", req: Request{Symbol: testSymbol, Timeframe: "7m", End: t0}},
		{name: "zero_end", req: Request{Symbol: testSymbol, Timeframe: models.Timeframe1h}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ing.Run(context.Background(), tt.req)
			var runErr *RunError
			require.ErrorAs(t, err, &runErr)
		})
	}
}

func TestRunMany_IngestsPairsConcurrently(t *testing.T) {
	end := t0.Add(6 * time.Hour)
	ex := newMockExchange(end)
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	// the mock serves the same synthetic series for any symbol
	reqs := []Request{
		{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end},
		{Symbol: testSymbol, Timeframe: models.Timeframe1m, End: t0.Add(6 * time.Minute)},
	}
	// second request uses a different timeframe so both runs can lock
	err := ing.RunMany(context.Background(), reqs)
	require.NoError(t, err)

	requireStored(t, store, 6)
}

func TestRunMany_ReportsPartialFailures(t *testing.T) {
	end := t0.Add(4 * time.Hour)
	ex := newMockExchange(end)
	store := storage.NewMemoryStore()
	ing := newTestIngester(ex, store)

	reqs := []Request{
		{Symbol: testSymbol, Timeframe: models.Timeframe1h, End: end},
		{Symbol: "", Timeframe: models.Timeframe1h, End: end}, // invalid
	}
	err := ing.RunMany(context.Background(), reqs)
	require.Error(t, err)

	// the valid pair still completed
	requireStored(t, store, 4)
}
