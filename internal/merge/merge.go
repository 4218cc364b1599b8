// Package merge normalizes raw fetched candles into clean, gapless,
// time-ordered batches ready for storage. It validates rows, resolves
// duplicates in favour of the most recently fetched value, and reports
// any holes between consecutive timeframe steps for the orchestrator to
// re-fetch.
package merge

import (
	"log/slog"
	"sort"
	"time"

	"github.com/tradingroom/tape/internal/models"
)

// Result carries the outcome of a merge: the clean batch plus the gaps
// found inside it. A merge with gaps still succeeds; incompleteness is
// flagged, not fatal.
type Result struct {
	// Batch is the time-ordered, duplicate-free, boundary-aligned
	// sequence of candles ready for storage
	Batch []models.Candle

	// Gaps lists the missing half-open ranges detected between
	// consecutive candles (including against the existing tail)
	Gaps []models.Gap

	// Dropped counts incoming rows rejected by validation
	Dropped int

	// Corrected counts duplicates whose fields differed from an
	// earlier fetch (exchange corrections)
	Corrected int
}

// Merger validates and merges incoming candle batches.
type Merger struct {
	logger *slog.Logger
}

// New creates a Merger. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Merger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Merger{logger: logger}
}

// Merge combines newly fetched candles with the already-persisted tail.
//
// existingTail is the last committed candle for the pair (nil when the
// partition is empty); it anchors gap detection between the store and
// the incoming batch. Incoming rows failing validation are logged and
// dropped. Duplicate open times keep the later-fetched row. The
// returned batch contains only candles strictly after the tail.
func (m *Merger) Merge(existingTail *models.Candle, incoming []models.Candle) (*Result, error) {
	result := &Result{}

	// Validate and index by open time; later rows win on conflict.
	byOpenTime := make(map[time.Time]models.Candle, len(incoming))
	for i := range incoming {
		candle := incoming[i]
		if err := candle.Validate(); err != nil {
			result.Dropped++
			m.logger.Warn("dropping invalid candle",
				"symbol", candle.Symbol,
				"timeframe", candle.Timeframe,
				"open_time", candle.OpenTime,
				"error", err)
			continue
		}

		key := candle.OpenTime.UTC()
		if prev, ok := byOpenTime[key]; ok && !prev.Equal(&candle) {
			result.Corrected++
			m.logger.Debug("replacing corrected candle",
				"symbol", candle.Symbol,
				"open_time", key)
		}
		byOpenTime[key] = candle
	}

	if len(byOpenTime) == 0 {
		return result, nil
	}

	batch := make([]models.Candle, 0, len(byOpenTime))
	for _, candle := range byOpenTime {
		// Rows at or before the persisted tail are already durable;
		// re-fetched history never re-enters the batch.
		if existingTail != nil && !candle.OpenTime.After(existingTail.OpenTime) {
			continue
		}
		batch = append(batch, candle)
	}

	sort.Slice(batch, func(i, j int) bool {
		return batch[i].OpenTime.Before(batch[j].OpenTime)
	})

	if len(batch) == 0 {
		return result, nil
	}

	gaps, err := m.detectGaps(existingTail, batch)
	if err != nil {
		return nil, err
	}

	result.Batch = batch
	result.Gaps = gaps
	return result, nil
}

// detectGaps scans consecutive open times (anchored at the existing
// tail when present) and reports every hole wider than one step as a
// half-open gap range.
func (m *Merger) detectGaps(existingTail *models.Candle, batch []models.Candle) ([]models.Gap, error) {
	step := batch[0].Timeframe.Step()
	symbol := batch[0].Symbol
	timeframe := batch[0].Timeframe

	var gaps []models.Gap

	prev := time.Time{}
	if existingTail != nil {
		prev = existingTail.OpenTime.UTC()
	}

	for i := range batch {
		current := batch[i].OpenTime.UTC()
		if !prev.IsZero() {
			expected := prev.Add(step)
			if current.After(expected) {
				gap, err := models.NewGap(symbol, timeframe, expected, current)
				if err != nil {
					return nil, err
				}
				m.logger.Info("gap detected",
					"symbol", symbol,
					"timeframe", timeframe,
					"start", gap.StartTime,
					"end", gap.EndTime,
					"missing", gap.Steps())
				gaps = append(gaps, *gap)
			}
		}
		prev = current
	}

	return gaps, nil
}
