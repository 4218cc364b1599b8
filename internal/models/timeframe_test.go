package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTimeframe(t *testing.T) {
	tests := []struct {
		input    string
		expected Timeframe
		wantErr  bool
	}{
		{input: "1m", expected: Timeframe1m},
		{input: "5m", expected: Timeframe5m},
		{input: "1h", expected: Timeframe1h},
		{input: "1d", expected: Timeframe1d},
		{input: "1w", expected: Timeframe1w},
		{input: "7m", wantErr: true},
		{input: "1M", wantErr: true},
		{input: "", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			tf, err := ParseTimeframe(tt.input)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expected, tf)
		})
	}
}

func TestTimeframe_Step(t *testing.T) {
	assert.Equal(t, time.Minute, Timeframe1m.Step())
	assert.Equal(t, time.Hour, Timeframe1h.Step())
	assert.Equal(t, 24*time.Hour, Timeframe1d.Step())
	assert.Equal(t, 7*24*time.Hour, Timeframe1w.Step())
	assert.Equal(t, time.Duration(0), Timeframe("bogus").Step())
}

func TestTimeframe_Align(t *testing.T) {
	ts := time.Date(2024, 3, 15, 14, 37, 42, 123, time.UTC)

	assert.Equal(t, time.Date(2024, 3, 15, 14, 37, 0, 0, time.UTC), Timeframe1m.Align(ts))
	assert.Equal(t, time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC), Timeframe1h.Align(ts))
	assert.Equal(t, time.Date(2024, 3, 15, 0, 0, 0, 0, time.UTC), Timeframe1d.Align(ts))
}

func TestTimeframe_IsAligned(t *testing.T) {
	aligned := time.Date(2024, 3, 15, 14, 0, 0, 0, time.UTC)

	assert.True(t, Timeframe1h.IsAligned(aligned))
	assert.False(t, Timeframe1h.IsAligned(aligned.Add(time.Minute)))
	assert.True(t, Timeframe1m.IsAligned(aligned.Add(time.Minute)))
	assert.False(t, Timeframe("bogus").IsAligned(aligned))
}

func TestTimeframe_Align_NonUTCInput(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	require.NoError(t, err)

	local := time.Date(2024, 3, 15, 9, 30, 0, 0, loc)
	aligned := Timeframe1h.Align(local)

	assert.Equal(t, time.UTC, aligned.Location())
	assert.True(t, Timeframe1h.IsAligned(aligned))
}
