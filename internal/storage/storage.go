// Package storage implements the partitioned time-series store for OHLCV
// candles. It defines the store contract (append, range read, watermark,
// single-writer locking) and provides file-backed, in-memory and DuckDB
// implementations.
//
// The durability protocol is write-then-advance: every append becomes
// visible through an atomic rename before the watermark moves, so a crash
// can never expose a partially written partition or a watermark pointing
// past durable data.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/tradingroom/tape/internal/models"
)

// Appender durably writes clean candle batches.
type Appender interface {
	// Append writes candles whose open time is strictly greater than
	// the partition's current tail and returns the new watermark.
	//
	// The batch must be time-ordered and contiguous at the timeframe
	// step; when a tail exists the batch must continue directly after
	// it. Candles at or before the tail are rejected with a
	// *StaleWriteError, leaving the store unchanged.
	Append(ctx context.Context, symbol string, timeframe models.Timeframe, batch []models.Candle) (time.Time, error)
}

// Reader provides ordered range queries over committed candles.
type Reader interface {
	// ReadRange returns candles with open time in [start, end),
	// ordered ascending, transparently spanning sealed partitions.
	ReadRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error)

	// Scan streams candles with open time in [start, end) to fn in
	// ascending order, one partition at a time. Scanning stops early
	// when fn returns an error, which is propagated to the caller.
	Scan(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time, fn func(models.Candle) error) error

	// Tail returns the last committed candle for the pair, or nil
	// when the partition is empty.
	Tail(ctx context.Context, symbol string, timeframe models.Timeframe) (*models.Candle, error)
}

// Watermarker exposes the per-pair ingestion watermark.
type Watermarker interface {
	// Watermark returns the open time of the last durably committed
	// candle with no gaps before it. The boolean is false when the
	// pair has no data yet.
	Watermark(ctx context.Context, symbol string, timeframe models.Timeframe) (time.Time, bool, error)
}

// Locker serializes writers per (symbol, timeframe) pair.
type Locker interface {
	// AcquireLock claims exclusive write access to the pair. It fails
	// fast with a *ConcurrentIngestionError when another run already
	// holds the lock. The returned release function must be called
	// once the run finishes.
	AcquireLock(ctx context.Context, symbol string, timeframe models.Timeframe) (release func(), err error)
}

// Manager handles store lifecycle concerns.
type Manager interface {
	// Initialize prepares the backend (directories, schema). Safe to
	// call multiple times.
	Initialize(ctx context.Context) error

	// Close releases backend resources.
	Close() error

	// HealthCheck verifies the backend is operational.
	HealthCheck(ctx context.Context) error
}

// Store combines the full time-series store contract.
type Store interface {
	Appender
	Reader
	Watermarker
	Locker
	Manager
}

// Frame is the fixed-field columnar result handed to downstream
// consumers (plotting, analytics, backtesting). It is passed by value
// and exposes no dynamic attribute surface.
type Frame struct {
	Symbol    string
	Timeframe models.Timeframe

	OpenTimes []time.Time
	Opens     []float64
	Highs     []float64
	Lows      []float64
	Closes    []float64
	Volumes   []float64
}

// Len returns the number of rows in the frame.
func (f *Frame) Len() int { return len(f.OpenTimes) }

// ReadFrame materializes a range query as a columnar Frame using the
// store's streaming scan.
func ReadFrame(ctx context.Context, r Reader, symbol string, timeframe models.Timeframe, start, end time.Time) (*Frame, error) {
	frame := &Frame{Symbol: symbol, Timeframe: timeframe}

	err := r.Scan(ctx, symbol, timeframe, start, end, func(c models.Candle) error {
		open, high, low, close, volume, err := candleColumns(&c)
		if err != nil {
			return err
		}
		frame.OpenTimes = append(frame.OpenTimes, c.OpenTime)
		frame.Opens = append(frame.Opens, open)
		frame.Highs = append(frame.Highs, high)
		frame.Lows = append(frame.Lows, low)
		frame.Closes = append(frame.Closes, close)
		frame.Volumes = append(frame.Volumes, volume)
		return nil
	})
	if err != nil {
		return nil, err
	}

	return frame, nil
}

// StaleWriteError reports an append at or behind the current watermark.
// The caller must re-derive its fetch window from the watermark and retry.
type StaleWriteError struct {
	Symbol    string
	Timeframe models.Timeframe
	Attempted time.Time // open time of the offending candle
	Watermark time.Time // current partition tail
}

// Error implements the error interface.
func (e *StaleWriteError) Error() string {
	return fmt.Sprintf("stale write for %s/%s: candle at %s is not after watermark %s",
		e.Symbol, e.Timeframe, e.Attempted.Format(time.RFC3339), e.Watermark.Format(time.RFC3339))
}

// ConcurrentIngestionError reports a second writer contending for a pair
// that is already locked. Safe to retry once the holder finishes.
type ConcurrentIngestionError struct {
	Symbol    string
	Timeframe models.Timeframe
	Holder    string // descriptive owner, e.g. "pid 4242"
}

// Error implements the error interface.
func (e *ConcurrentIngestionError) Error() string {
	if e.Holder != "" {
		return fmt.Sprintf("ingestion already running for %s/%s (held by %s)", e.Symbol, e.Timeframe, e.Holder)
	}
	return fmt.Sprintf("ingestion already running for %s/%s", e.Symbol, e.Timeframe)
}

// CorruptPartitionError reports a partition that failed schema or
// ordering validation on read. The partition is not auto-repaired.
type CorruptPartitionError struct {
	Path   string // file path or table locator of the partition
	Reason string
	Err    error
}

// Error implements the error interface.
func (e *CorruptPartitionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt partition %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt partition %s: %s", e.Path, e.Reason)
}

// Unwrap returns the underlying error.
func (e *CorruptPartitionError) Unwrap() error { return e.Err }

// StorageError wraps backend failures with operation context.
type StorageError struct {
	Operation string // storage operation that failed, e.g. "append"
	Partition string // pair or partition involved
	Err       error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	if e.Partition != "" {
		return fmt.Sprintf("storage operation %s on %s failed: %v", e.Operation, e.Partition, e.Err)
	}
	return fmt.Sprintf("storage operation %s failed: %v", e.Operation, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error { return e.Err }

// pairKey is the canonical registry key for a (symbol, timeframe) pair.
func pairKey(symbol string, timeframe models.Timeframe) string {
	return symbol + "/" + string(timeframe)
}

// validateBatch checks the append contract: non-empty, matching pair
// fields, strictly increasing open times at exactly one step, and
// contiguity with the existing tail when one exists.
func validateBatch(symbol string, timeframe models.Timeframe, tail *time.Time, batch []models.Candle) error {
	if len(batch) == 0 {
		return &StorageError{Operation: "append", Partition: pairKey(symbol, timeframe), Err: fmt.Errorf("empty batch")}
	}

	step := timeframe.Step()
	if step == 0 {
		return &StorageError{Operation: "append", Partition: pairKey(symbol, timeframe), Err: fmt.Errorf("unsupported timeframe %q", timeframe)}
	}

	if tail != nil && !batch[0].OpenTime.After(*tail) {
		return &StaleWriteError{
			Symbol:    symbol,
			Timeframe: timeframe,
			Attempted: batch[0].OpenTime,
			Watermark: *tail,
		}
	}
	if tail != nil && !batch[0].OpenTime.Equal(tail.Add(step)) {
		return &StorageError{
			Operation: "append",
			Partition: pairKey(symbol, timeframe),
			Err: fmt.Errorf("non-contiguous batch: first open time %s does not continue tail %s",
				batch[0].OpenTime.Format(time.RFC3339), tail.Format(time.RFC3339)),
		}
	}

	for i := range batch {
		c := &batch[i]
		if c.Symbol != symbol || c.Timeframe != timeframe {
			return &StorageError{
				Operation: "append",
				Partition: pairKey(symbol, timeframe),
				Err:       fmt.Errorf("candle at index %d belongs to %s/%s", i, c.Symbol, c.Timeframe),
			}
		}
		if i > 0 && !c.OpenTime.Equal(batch[i-1].OpenTime.Add(step)) {
			return &StorageError{
				Operation: "append",
				Partition: pairKey(symbol, timeframe),
				Err: fmt.Errorf("non-contiguous batch: %s does not follow %s at step %s",
					c.OpenTime.Format(time.RFC3339), batch[i-1].OpenTime.Format(time.RFC3339), step),
			}
		}
	}

	return nil
}
