package logger

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradingroom/tape/internal/config"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	m, err := NewManager(config.LoggingConfig{Level: "info", Format: "json", Output: "stderr"})
	require.NoError(t, err)
	t.Cleanup(func() { m.Close() })
	return m
}

func TestComponent_ReturnsCachedLogger(t *testing.T) {
	m := newTestManager(t)

	first := m.Component("storage")
	second := m.Component("storage")
	assert.Same(t, first, second)

	other := m.Component("exchange")
	assert.NotSame(t, first, other)
}

func TestComponent_ConcurrentAccess(t *testing.T) {
	m := newTestManager(t)

	var wg sync.WaitGroup
	names := []string{"storage", "exchange", "ingest", "config"}
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			assert.NotNil(t, m.Component(name))
		}(names[i%len(names)])
	}
	wg.Wait()

	for _, name := range names {
		assert.Same(t, m.Component(name), m.Component(name))
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{in: "debug", want: "DEBUG"},
		{in: "info", want: "INFO"},
		{in: "warn", want: "WARN"},
		{in: "warning", want: "WARN"},
		{in: "error", want: "ERROR"},
		{in: "bogus", want: "INFO"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, parseLevel(tt.in).String(), "level %q", tt.in)
	}
}
