package models

import (
	"fmt"
	"time"
)

// Timeframe identifies the fixed duration a single candle covers.
// The string form ("1m", "1h", ...) is the canonical representation used
// in configuration, storage paths and log output.
type Timeframe string

// Supported timeframes, matching the intervals the upstream kline
// endpoint serves.
const (
	Timeframe1m  Timeframe = "1m"
	Timeframe3m  Timeframe = "3m"
	Timeframe5m  Timeframe = "5m"
	Timeframe15m Timeframe = "15m"
	Timeframe30m Timeframe = "30m"
	Timeframe1h  Timeframe = "1h"
	Timeframe2h  Timeframe = "2h"
	Timeframe4h  Timeframe = "4h"
	Timeframe6h  Timeframe = "6h"
	Timeframe12h Timeframe = "12h"
	Timeframe1d  Timeframe = "1d"
	Timeframe1w  Timeframe = "1w"
)

// timeframeSteps maps each supported timeframe to its step duration.
var timeframeSteps = map[Timeframe]time.Duration{
	Timeframe1m:  time.Minute,
	Timeframe3m:  3 * time.Minute,
	Timeframe5m:  5 * time.Minute,
	Timeframe15m: 15 * time.Minute,
	Timeframe30m: 30 * time.Minute,
	Timeframe1h:  time.Hour,
	Timeframe2h:  2 * time.Hour,
	Timeframe4h:  4 * time.Hour,
	Timeframe6h:  6 * time.Hour,
	Timeframe12h: 12 * time.Hour,
	Timeframe1d:  24 * time.Hour,
	Timeframe1w:  7 * 24 * time.Hour,
}

// ParseTimeframe converts a string to a Timeframe.
// Returns an error for unsupported values.
func ParseTimeframe(s string) (Timeframe, error) {
	tf := Timeframe(s)
	if _, ok := timeframeSteps[tf]; !ok {
		return "", fmt.Errorf("unsupported timeframe: %q", s)
	}
	return tf, nil
}

// Valid reports whether the timeframe is one of the supported values.
func (tf Timeframe) Valid() bool {
	_, ok := timeframeSteps[tf]
	return ok
}

// Step returns the duration of a single candle for this timeframe.
// Returns zero for unsupported timeframes.
func (tf Timeframe) Step() time.Duration {
	return timeframeSteps[tf]
}

// Align truncates t down to the nearest timeframe boundary in UTC.
func (tf Timeframe) Align(t time.Time) time.Time {
	step := tf.Step()
	if step == 0 {
		return t.UTC()
	}
	return t.UTC().Truncate(step)
}

// IsAligned reports whether t falls exactly on a timeframe boundary.
func (tf Timeframe) IsAligned(t time.Time) bool {
	step := tf.Step()
	if step == 0 {
		return false
	}
	return t.UTC().Truncate(step).Equal(t.UTC())
}

// String implements fmt.Stringer.
func (tf Timeframe) String() string {
	return string(tf)
}
