// Package ingest drives the fetch → merge → commit loop that keeps the
// candle store caught up with the exchange. Each run owns exactly one
// (symbol, timeframe) pair, holds the store's writer lock for it, and
// advances window by window from the persisted watermark to the target
// end time, re-fetching any gaps the merger reports before moving on.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"

	"github.com/tradingroom/tape/internal/exchange"
	"github.com/tradingroom/tape/internal/merge"
	"github.com/tradingroom/tape/internal/models"
	"github.com/tradingroom/tape/internal/storage"
)

// State names the orchestrator's position in its run loop.
type State string

const (
	StateIdle         State = "idle"
	StateComputingGap State = "computing_gap"
	StateFetching     State = "fetching"
	StateMerging      State = "merging"
	StateCommitting   State = "committing"
	StateErrorBackoff State = "error_backoff"
	StateFailed       State = "failed"
)

const (
	// DefaultWindowCandles sizes one fetch window in candles.
	DefaultWindowCandles = 1000

	// DefaultMaxTransientRetries bounds consecutive transient
	// failures before a run fails.
	DefaultMaxTransientRetries = 5

	// maxGapRounds bounds gap re-fetch cycles inside one window.
	maxGapRounds = 3

	initialBackoffInterval = 500 * time.Millisecond
	maxBackoffInterval     = 30 * time.Second
)

// Config tunes orchestrator behaviour.
type Config struct {
	// WindowCandles is the number of candles fetched per window.
	// Zero means DefaultWindowCandles.
	WindowCandles int

	// MaxTransientRetries is the number of consecutive transient
	// fetch failures tolerated before the run fails. Zero means
	// DefaultMaxTransientRetries.
	MaxTransientRetries int

	// BackfillStart is where ingestion begins for a pair with no
	// watermark yet.
	BackfillStart time.Time

	Logger *slog.Logger
}

// Request describes one ingestion run.
type Request struct {
	Symbol    string
	Timeframe models.Timeframe

	// End is the exclusive target boundary; the run completes once
	// the watermark covers everything before it.
	End time.Time
}

// Validate checks the request parameters.
func (r *Request) Validate() error {
	if r.Symbol == "" {
		return errors.New("symbol is required")
	}
	if !r.Timeframe.Valid() {
		return fmt.Errorf("unsupported timeframe %q", r.Timeframe)
	}
	if r.End.IsZero() {
		return errors.New("target end time is required")
	}
	return nil
}

// RunError marks a run that terminated in the failed state.
type RunError struct {
	Request Request
	State   State
	Err     error
}

// Error implements the error interface.
func (e *RunError) Error() string {
	return fmt.Sprintf("ingestion run for %s/%s failed in state %s: %v",
		e.Request.Symbol, e.Request.Timeframe, e.State, e.Err)
}

// Unwrap returns the underlying error.
func (e *RunError) Unwrap() error { return e.Err }

// Ingester orchestrates ingestion runs against one exchange adapter and
// one store. Safe for concurrent use across distinct pairs; the store
// lock rejects a second run on the same pair.
type Ingester struct {
	exchange exchange.CandleFetcher
	store    storage.Store
	merger   *merge.Merger
	config   Config
	logger   *slog.Logger
}

// New creates an Ingester with the given dependencies.
func New(ex exchange.CandleFetcher, store storage.Store, cfg Config) *Ingester {
	if cfg.WindowCandles <= 0 {
		cfg.WindowCandles = DefaultWindowCandles
	}
	if cfg.WindowCandles > exchange.MaxCandlesPerRequest {
		// A wider window would make the exchange serve its tail
		// first and force gap rounds to backfill the rest.
		cfg.WindowCandles = exchange.MaxCandlesPerRequest
	}
	if cfg.MaxTransientRetries <= 0 {
		cfg.MaxTransientRetries = DefaultMaxTransientRetries
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Ingester{
		exchange: ex,
		store:    store,
		merger:   merge.New(cfg.Logger),
		config:   cfg,
		logger:   cfg.Logger,
	}
}

// Run ingests candles for one pair until the watermark reaches the
// target end time or a terminal failure occurs. Re-entrant: a second
// invocation after a crash or partial completion resumes from the
// persisted watermark and performs strictly the remaining work.
func (ing *Ingester) Run(ctx context.Context, req Request) error {
	if err := req.Validate(); err != nil {
		return &RunError{Request: req, State: StateFailed, Err: err}
	}

	release, err := ing.store.AcquireLock(ctx, req.Symbol, req.Timeframe)
	if err != nil {
		return err
	}
	defer release()

	runID := uuid.NewString()
	run := &runState{
		id:      runID,
		request: req,
		end:     req.Timeframe.Align(req.End),
		state:   StateIdle,
		logger: ing.logger.With(
			"run_id", runID,
			"symbol", req.Symbol,
			"timeframe", req.Timeframe,
		),
	}

	run.logger.Info("ingestion run starting", "target_end", run.end)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialBackoffInterval
	expo.MaxInterval = maxBackoffInterval
	expo.MaxElapsedTime = 0

	transientFailures := 0

	for {
		// Cooperative cancellation checkpoint: runs stop between
		// windows, never mid-commit.
		run.to(StateComputingGap)
		if err := ctx.Err(); err != nil {
			run.logger.Info("ingestion run cancelled")
			return err
		}

		windowStart, done, err := ing.computeWindowStart(ctx, run)
		if err != nil {
			return run.fail(err)
		}
		if done {
			run.to(StateIdle)
			run.logger.Info("ingestion run complete", "windows", run.windows, "candles", run.committed)
			return nil
		}

		windowEnd := windowStart.Add(time.Duration(ing.config.WindowCandles) * req.Timeframe.Step())
		if windowEnd.After(run.end) {
			windowEnd = run.end
		}

		err = ing.processWindow(ctx, run, windowStart, windowEnd)
		switch {
		case err == nil:
			transientFailures = 0
			expo.Reset()

		case exchange.IsTransient(err):
			transientFailures++
			if transientFailures > ing.config.MaxTransientRetries {
				return run.fail(fmt.Errorf("transient failures exhausted after %d attempts: %w", transientFailures, err))
			}
			delay := expo.NextBackOff()
			run.to(StateErrorBackoff)
			run.logger.Warn("transient fetch failure, backing off",
				"error", err,
				"attempt", transientFailures,
				"delay", delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}

		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			return err

		default:
			return run.fail(err)
		}
	}
}

// RunMany executes independent runs concurrently, one goroutine per
// pair. The store's per-pair lock keeps each pair single-writer.
func (ing *Ingester) RunMany(ctx context.Context, reqs []Request) error {
	errCh := make(chan error, len(reqs))
	var wg sync.WaitGroup

	for _, req := range reqs {
		wg.Add(1)
		go func(r Request) {
			defer wg.Done()
			if err := ing.Run(ctx, r); err != nil {
				errCh <- fmt.Errorf("%s/%s: %w", r.Symbol, r.Timeframe, err)
			}
		}(req)
	}

	wg.Wait()
	close(errCh)

	var errs []error
	for err := range errCh {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("ingestion had %d failures: %w", len(errs), errors.Join(errs...))
	}
	return nil
}

// runState carries per-run bookkeeping.
type runState struct {
	id      string
	request Request
	end     time.Time
	state   State
	logger  *slog.Logger

	// cursor marks how far empty windows have been probed; it moves
	// forward without touching the watermark, so a symbol listed
	// after the backfill start is still found.
	cursor time.Time

	windows   int
	committed int
}

func (r *runState) to(s State) {
	if r.state != s {
		r.logger.Debug("state transition", "from", r.state, "to", s)
		r.state = s
	}
}

func (r *runState) fail(err error) error {
	r.to(StateFailed)
	r.logger.Error("ingestion run failed", "error", err)
	return &RunError{Request: r.request, State: StateFailed, Err: err}
}

// computeWindowStart derives the next fetch window's start from the
// persisted watermark. done is true when the watermark already covers
// the target range (idempotent no-op).
func (ing *Ingester) computeWindowStart(ctx context.Context, run *runState) (time.Time, bool, error) {
	req := run.request
	step := req.Timeframe.Step()

	watermark, ok, err := ing.store.Watermark(ctx, req.Symbol, req.Timeframe)
	if err != nil {
		return time.Time{}, false, err
	}

	var start time.Time
	if ok {
		start = watermark.Add(step)
	} else {
		if ing.config.BackfillStart.IsZero() {
			return time.Time{}, false, errors.New("no watermark and no backfill start configured")
		}
		start = req.Timeframe.Align(ing.config.BackfillStart)
	}

	if run.cursor.After(start) {
		start = run.cursor
	}

	if !start.Before(run.end) {
		return time.Time{}, true, nil
	}
	return start, false, nil
}

// processWindow runs one fetch/merge/commit cycle for [start, end).
func (ing *Ingester) processWindow(ctx context.Context, run *runState, start, end time.Time) error {
	req := run.request
	run.windows++

	run.to(StateFetching)
	raw, err := ing.fetchRange(ctx, req.Symbol, req.Timeframe, start, end)
	if err != nil {
		return err
	}
	if len(raw) == 0 {
		// Nothing listed in this window. The symbol may simply not
		// have traded yet, so probe the next window instead of
		// declaring the run caught up; the watermark stays put.
		run.logger.Info("no upstream data in window, probing forward", "start", start, "end", end)
		run.cursor = end
		return nil
	}

	run.to(StateMerging)
	tail, err := ing.store.Tail(ctx, req.Symbol, req.Timeframe)
	if err != nil {
		return err
	}

	result, err := ing.merger.Merge(tail, raw)
	if err != nil {
		return err
	}

	// Re-fetch reported gaps until the batch is contiguous, so no
	// silent hole is ever committed.
	for round := 0; len(result.Gaps) > 0; round++ {
		if round >= maxGapRounds {
			return fmt.Errorf("gap at [%s, %s) could not be filled by the exchange",
				result.Gaps[0].StartTime.Format(time.RFC3339), result.Gaps[0].EndTime.Format(time.RFC3339))
		}

		for i := range result.Gaps {
			gap := &result.Gaps[i]
			if err := gap.MarkFilling(); err != nil {
				return err
			}
			run.logger.Info("re-fetching gap", "start", gap.StartTime, "end", gap.EndTime, "missing", gap.Steps())

			run.to(StateFetching)
			filler, err := ing.fetchRange(ctx, req.Symbol, req.Timeframe, gap.StartTime, gap.EndTime)
			if err != nil {
				return err
			}
			if len(filler) == 0 {
				return fmt.Errorf("gap at [%s, %s) has no upstream data",
					gap.StartTime.Format(time.RFC3339), gap.EndTime.Format(time.RFC3339))
			}
			raw = append(raw, filler...)
			if err := gap.MarkFilled(time.Now()); err != nil {
				return err
			}
		}

		run.to(StateMerging)
		if result, err = ing.merger.Merge(tail, raw); err != nil {
			return err
		}
	}

	if len(result.Batch) == 0 {
		// Everything fetched was already committed; nothing to do.
		run.logger.Debug("window produced no new candles", "start", start, "end", end)
		run.end = start
		return nil
	}

	run.to(StateCommitting)
	newWatermark, err := ing.store.Append(ctx, req.Symbol, req.Timeframe, result.Batch)
	if err != nil {
		var stale *storage.StaleWriteError
		if errors.As(err, &stale) {
			// Another view of the partition advanced under us; the
			// next loop iteration recomputes the window from the
			// current watermark.
			run.logger.Warn("stale write rejected, recomputing window", "watermark", stale.Watermark)
			return nil
		}
		return err
	}

	run.committed += len(result.Batch)
	run.logger.Info("window committed",
		"start", start,
		"end", end,
		"candles", len(result.Batch),
		"dropped", result.Dropped,
		"corrected", result.Corrected,
		"watermark", newWatermark)

	return nil
}

// fetchRange drains the exchange's pagination for [start, end).
func (ing *Ingester) fetchRange(ctx context.Context, symbol string, timeframe models.Timeframe, start, end time.Time) ([]models.Candle, error) {
	var candles []models.Candle

	req := exchange.FetchRequest{
		Symbol:    symbol,
		Timeframe: timeframe,
		Start:     start,
		End:       end,
		Limit:     ing.config.WindowCandles,
	}

	for {
		resp, err := ing.exchange.FetchCandles(ctx, req)
		if err != nil {
			return nil, err
		}
		candles = append(candles, resp.Candles...)

		if resp.NextToken == "" {
			return candles, nil
		}
		req.NextToken = resp.NextToken
	}
}
