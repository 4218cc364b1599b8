package models

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GapStatus tracks the lifecycle of a detected hole in the series.
type GapStatus string

const (
	// GapStatusDetected indicates a gap has been identified but no fetch issued yet
	GapStatusDetected GapStatus = "detected"
	// GapStatusFilling indicates a re-fetch for the gap range is in flight
	GapStatusFilling GapStatus = "filling"
	// GapStatusFilled indicates the gap range has been fetched and committed
	GapStatusFilled GapStatus = "filled"
)

// Gap represents a missing half-open range [StartTime, EndTime) in the
// candle series for one (symbol, timeframe) pair. Gaps are reported by
// the merger and re-fetched by the orchestrator before it advances.
type Gap struct {
	// ID is the unique gap identifier
	ID string `json:"id"`

	// Symbol is the trading symbol the gap belongs to
	Symbol string `json:"symbol"`

	// Timeframe is the candle timeframe the gap was detected at
	Timeframe Timeframe `json:"timeframe"`

	// StartTime is the first missing boundary (inclusive)
	StartTime time.Time `json:"start_time"`

	// EndTime is the first present boundary after the hole (exclusive)
	EndTime time.Time `json:"end_time"`

	// Status is the current lifecycle state
	Status GapStatus `json:"status"`

	// CreatedAt is when the gap was detected
	CreatedAt time.Time `json:"created_at"`

	// FilledAt is when the gap was committed (nil until filled)
	FilledAt *time.Time `json:"filled_at,omitempty"`
}

// NewGap creates a detected Gap covering [startTime, endTime) with a
// generated identifier.
func NewGap(symbol string, timeframe Timeframe, startTime, endTime time.Time) (*Gap, error) {
	gap := &Gap{
		ID:        uuid.NewString(),
		Symbol:    symbol,
		Timeframe: timeframe,
		StartTime: startTime.UTC(),
		EndTime:   endTime.UTC(),
		Status:    GapStatusDetected,
		CreatedAt: time.Now().UTC(),
	}

	if err := gap.Validate(); err != nil {
		return nil, fmt.Errorf("invalid gap: %w", err)
	}

	return gap, nil
}

// Validate checks the gap fields for consistency.
func (g *Gap) Validate() error {
	if g.ID == "" {
		return errors.New("gap ID cannot be empty")
	}
	if g.Symbol == "" {
		return errors.New("gap symbol cannot be empty")
	}
	if !g.Timeframe.Valid() {
		return fmt.Errorf("gap timeframe %q is not supported", g.Timeframe)
	}
	if g.StartTime.IsZero() || g.EndTime.IsZero() {
		return errors.New("gap start and end times cannot be zero")
	}
	if !g.EndTime.After(g.StartTime) {
		return errors.New("gap end time must be after start time")
	}
	if !g.Timeframe.IsAligned(g.StartTime) || !g.Timeframe.IsAligned(g.EndTime) {
		return errors.New("gap boundaries must be aligned to the timeframe step")
	}
	return nil
}

// MarkFilling transitions the gap to the filling state.
func (g *Gap) MarkFilling() error {
	if g.Status != GapStatusDetected {
		return fmt.Errorf("cannot start filling gap in status %q", g.Status)
	}
	g.Status = GapStatusFilling
	return nil
}

// MarkFilled transitions the gap to the filled state.
func (g *Gap) MarkFilled(filledAt time.Time) error {
	if g.Status != GapStatusFilling {
		return fmt.Errorf("cannot mark gap filled from status %q", g.Status)
	}
	g.Status = GapStatusFilled
	t := filledAt.UTC()
	g.FilledAt = &t
	return nil
}

// Steps returns the number of missing candles the gap covers.
func (g *Gap) Steps() int {
	step := g.Timeframe.Step()
	if step == 0 {
		return 0
	}
	return int(g.EndTime.Sub(g.StartTime) / step)
}

// String returns a human-readable representation of the gap.
func (g *Gap) String() string {
	return fmt.Sprintf("Gap{Symbol: %s, Timeframe: %s, Range: [%s, %s), Status: %s}",
		g.Symbol, g.Timeframe, g.StartTime.Format(time.RFC3339), g.EndTime.Format(time.RFC3339), g.Status)
}
