// In-memory store implementation. Mirrors the FileStore contract with
// mutex-guarded maps; used by tests and ephemeral runs.
package storage

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/tradingroom/tape/internal/models"
)

// MemoryStore implements Store on in-process data structures.
type MemoryStore struct {
	mu sync.RWMutex

	// candles per pair, kept sorted ascending by open time
	candles map[string][]models.Candle

	// watermark per pair; absence means no data
	watermarks map[string]time.Time

	locks  map[string]bool
	closed bool
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		candles:    make(map[string][]models.Candle),
		watermarks: make(map[string]time.Time),
		locks:      make(map[string]bool),
	}
}

// Initialize implements the Manager interface. No-op for memory.
func (m *MemoryStore) Initialize(ctx context.Context) error { return nil }

// Close implements the Manager interface.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// HealthCheck implements the Manager interface.
func (m *MemoryStore) HealthCheck(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return &StorageError{Operation: "health_check", Err: errors.New("store is closed")}
	}
	return nil
}

// Append implements the Appender interface.
func (m *MemoryStore) Append(ctx context.Context, symbol string, timeframe models.Timeframe, batch []models.Candle) (time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return time.Time{}, &StorageError{Operation: "append", Err: errors.New("store is closed")}
	}

	key := pairKey(symbol, timeframe)

	var tail *time.Time
	if w, ok := m.watermarks[key]; ok {
		tail = &w
	}
	if err := validateBatch(symbol, timeframe, tail, batch); err != nil {
		return time.Time{}, err
	}

	// Copy the batch so later caller mutations cannot reach the store.
	m.candles[key] = append(m.candles[key], batch...)
	newWatermark := batch[len(batch)-1].OpenTime.UTC()
	m.watermarks[key] = newWatermark

	return newWatermark, nil
}

// ReadRange implements the Reader interface.
func (m *MemoryStore) ReadRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	err := m.Scan(ctx, symbol, timeframe, start, end, func(c models.Candle) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan implements the Reader interface.
func (m *MemoryStore) Scan(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time, fn func(models.Candle) error) error {
	m.mu.RLock()
	series := m.candles[pairKey(symbol, timeframe)]
	snapshot := make([]models.Candle, len(series))
	copy(snapshot, series)
	m.mu.RUnlock()

	for _, c := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.OpenTime.Before(start) {
			continue
		}
		if !c.OpenTime.Before(end) {
			break
		}
		if err := fn(c); err != nil {
			return err
		}
	}
	return nil
}

// Tail implements the Reader interface.
func (m *MemoryStore) Tail(ctx context.Context, symbol string, timeframe models.Timeframe) (*models.Candle, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	series := m.candles[pairKey(symbol, timeframe)]
	if len(series) == 0 {
		return nil, nil
	}
	tail := series[len(series)-1]
	return &tail, nil
}

// Watermark implements the Watermarker interface.
func (m *MemoryStore) Watermark(ctx context.Context, symbol string, timeframe models.Timeframe) (time.Time, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	w, ok := m.watermarks[pairKey(symbol, timeframe)]
	return w, ok, nil
}

// AcquireLock implements the Locker interface.
func (m *MemoryStore) AcquireLock(ctx context.Context, symbol string, timeframe models.Timeframe) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(symbol, timeframe)
	if m.locks[key] {
		return nil, &ConcurrentIngestionError{Symbol: symbol, Timeframe: timeframe}
	}
	m.locks[key] = true

	release := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.locks, key)
	}
	return release, nil
}
