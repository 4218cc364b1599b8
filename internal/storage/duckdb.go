// DuckDB-backed store implementation. Offers the same contract as the
// file store on an embedded analytical database, for deployments that
// want a SQL query surface over the candle series.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	_ "github.com/marcboeker/go-duckdb/v2" // registers the duckdb driver

	"github.com/tradingroom/tape/internal/models"
)

// DuckStore implements Store on an embedded DuckDB database.
type DuckStore struct {
	db     *sql.DB
	logger *slog.Logger

	lockMu sync.Mutex
	locks  map[string]bool
}

// duckSchema creates the candle and watermark tables.
var duckSchema = []string{
	`CREATE TABLE IF NOT EXISTS candles (
		symbol    VARCHAR NOT NULL,
		timeframe VARCHAR NOT NULL,
		open_time BIGINT  NOT NULL,
		open      DOUBLE  NOT NULL,
		high      DOUBLE  NOT NULL,
		low       DOUBLE  NOT NULL,
		close     DOUBLE  NOT NULL,
		volume    DOUBLE  NOT NULL,
		PRIMARY KEY (symbol, timeframe, open_time)
	)`,
	`CREATE TABLE IF NOT EXISTS watermarks (
		symbol    VARCHAR NOT NULL,
		timeframe VARCHAR NOT NULL,
		open_time BIGINT  NOT NULL,
		PRIMARY KEY (symbol, timeframe)
	)`,
}

// NewDuckStore opens (or creates) a DuckDB database at path. An empty
// path opens an in-memory database.
func NewDuckStore(path string, logger *slog.Logger) (*DuckStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, &StorageError{Operation: "open", Err: err}
	}

	return &DuckStore{
		db:     db,
		logger: logger,
		locks:  make(map[string]bool),
	}, nil
}

// Initialize implements the Manager interface, creating the schema.
// Idempotent.
func (d *DuckStore) Initialize(ctx context.Context) error {
	for _, stmt := range duckSchema {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return &StorageError{Operation: "initialize", Err: err}
		}
	}
	return nil
}

// Close implements the Manager interface.
func (d *DuckStore) Close() error {
	return d.db.Close()
}

// HealthCheck implements the Manager interface.
func (d *DuckStore) HealthCheck(ctx context.Context) error {
	if err := d.db.PingContext(ctx); err != nil {
		return &StorageError{Operation: "health_check", Err: err}
	}
	return nil
}

// Append implements the Appender interface. The stale-write check, row
// inserts and watermark advance run in one transaction, so the
// watermark never covers rows that did not commit.
func (d *DuckStore) Append(ctx context.Context, symbol string, timeframe models.Timeframe, batch []models.Candle) (time.Time, error) {
	key := pairKey(symbol, timeframe)

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
	}
	defer tx.Rollback()

	var tail *time.Time
	var tailMs int64
	err = tx.QueryRowContext(ctx,
		`SELECT open_time FROM watermarks WHERE symbol = ? AND timeframe = ?`,
		symbol, string(timeframe)).Scan(&tailMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		// empty partition
	case err != nil:
		return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
	default:
		t := time.UnixMilli(tailMs).UTC()
		tail = &t
	}

	if err := validateBatch(symbol, timeframe, tail, batch); err != nil {
		return time.Time{}, err
	}

	insert, err := tx.PrepareContext(ctx,
		`INSERT INTO candles (symbol, timeframe, open_time, open, high, low, close, volume)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
	}
	defer insert.Close()

	for i := range batch {
		c := &batch[i]
		open, high, low, close, volume, err := candleColumns(c)
		if err != nil {
			return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
		}
		if _, err := insert.ExecContext(ctx, symbol, string(timeframe), c.OpenTime.UnixMilli(),
			open, high, low, close, volume); err != nil {
			return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
		}
	}

	newWatermark := batch[len(batch)-1].OpenTime.UTC()
	if _, err := tx.ExecContext(ctx,
		`INSERT OR REPLACE INTO watermarks (symbol, timeframe, open_time) VALUES (?, ?, ?)`,
		symbol, string(timeframe), newWatermark.UnixMilli()); err != nil {
		return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
	}

	if err := tx.Commit(); err != nil {
		return time.Time{}, &StorageError{Operation: "append", Partition: key, Err: err}
	}

	d.logger.Debug("committed batch",
		"symbol", symbol,
		"timeframe", timeframe,
		"candles", len(batch),
		"watermark", newWatermark)

	return newWatermark, nil
}

// ReadRange implements the Reader interface.
func (d *DuckStore) ReadRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error) {
	var out []models.Candle
	err := d.Scan(ctx, symbol, timeframe, start, end, func(c models.Candle) error {
		out = append(out, c)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Scan implements the Reader interface, streaming rows straight off the
// result cursor. Ordering violations surface as corruption.
func (d *DuckStore) Scan(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time, fn func(models.Candle) error) error {
	key := pairKey(symbol, timeframe)

	rows, err := d.db.QueryContext(ctx,
		`SELECT open_time, open, high, low, close, volume
		 FROM candles
		 WHERE symbol = ? AND timeframe = ? AND open_time >= ? AND open_time < ?
		 ORDER BY open_time ASC`,
		symbol, string(timeframe), start.UnixMilli(), end.UnixMilli())
	if err != nil {
		return &StorageError{Operation: "read", Partition: key, Err: err}
	}
	defer rows.Close()

	stepMs := timeframe.Step().Milliseconds()
	prev := int64(0)
	first := true

	for rows.Next() {
		var (
			ms                             int64
			open, high, low, close, volume float64
		)
		if err := rows.Scan(&ms, &open, &high, &low, &close, &volume); err != nil {
			return &StorageError{Operation: "read", Partition: key, Err: err}
		}
		if !first && ms-prev != stepMs {
			return &CorruptPartitionError{
				Path:   key,
				Reason: fmt.Sprintf("open times not contiguous at %d", ms),
			}
		}
		first = false
		prev = ms

		c := models.Candle{
			OpenTime:  time.UnixMilli(ms).UTC(),
			Open:      strconv.FormatFloat(open, 'f', -1, 64),
			High:      strconv.FormatFloat(high, 'f', -1, 64),
			Low:       strconv.FormatFloat(low, 'f', -1, 64),
			Close:     strconv.FormatFloat(close, 'f', -1, 64),
			Volume:    strconv.FormatFloat(volume, 'f', -1, 64),
			Symbol:    symbol,
			Timeframe: timeframe,
		}
		if err := fn(c); err != nil {
			return err
		}
	}

	if err := rows.Err(); err != nil {
		return &StorageError{Operation: "read", Partition: key, Err: err}
	}
	return nil
}

// Tail implements the Reader interface.
func (d *DuckStore) Tail(ctx context.Context, symbol string, timeframe models.Timeframe) (*models.Candle, error) {
	key := pairKey(symbol, timeframe)

	var (
		ms                             int64
		open, high, low, close, volume float64
	)
	err := d.db.QueryRowContext(ctx,
		`SELECT open_time, open, high, low, close, volume
		 FROM candles
		 WHERE symbol = ? AND timeframe = ?
		 ORDER BY open_time DESC
		 LIMIT 1`,
		symbol, string(timeframe)).Scan(&ms, &open, &high, &low, &close, &volume)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, &StorageError{Operation: "read", Partition: key, Err: err}
	}

	return &models.Candle{
		OpenTime:  time.UnixMilli(ms).UTC(),
		Open:      strconv.FormatFloat(open, 'f', -1, 64),
		High:      strconv.FormatFloat(high, 'f', -1, 64),
		Low:       strconv.FormatFloat(low, 'f', -1, 64),
		Close:     strconv.FormatFloat(close, 'f', -1, 64),
		Volume:    strconv.FormatFloat(volume, 'f', -1, 64),
		Symbol:    symbol,
		Timeframe: timeframe,
	}, nil
}

// Watermark implements the Watermarker interface.
func (d *DuckStore) Watermark(ctx context.Context, symbol string, timeframe models.Timeframe) (time.Time, bool, error) {
	var ms int64
	err := d.db.QueryRowContext(ctx,
		`SELECT open_time FROM watermarks WHERE symbol = ? AND timeframe = ?`,
		symbol, string(timeframe)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, &StorageError{Operation: "watermark", Partition: pairKey(symbol, timeframe), Err: err}
	}
	return time.UnixMilli(ms).UTC(), true, nil
}

// AcquireLock implements the Locker interface. DuckDB is an embedded
// single-process database, so the in-process registry is sufficient.
func (d *DuckStore) AcquireLock(ctx context.Context, symbol string, timeframe models.Timeframe) (func(), error) {
	d.lockMu.Lock()
	defer d.lockMu.Unlock()

	key := pairKey(symbol, timeframe)
	if d.locks[key] {
		return nil, &ConcurrentIngestionError{Symbol: symbol, Timeframe: timeframe}
	}
	d.locks[key] = true

	release := func() {
		d.lockMu.Lock()
		defer d.lockMu.Unlock()
		delete(d.locks, key)
	}
	return release, nil
}
