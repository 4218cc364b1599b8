package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "https://api.bybit.com", cfg.Exchange.BaseURL)
	assert.Equal(t, 1000, cfg.Ingest.WindowCandles)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
}

func TestLoad_FromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tape.json")
	content := `{
		"storage": {"type": "duckdb", "path": "/tmp/tape.db", "max_segment_rows": 10000},
		"exchange": {"category": "spot", "requests_per_second": 5, "burst_size": 2},
		"logging": {"level": "debug", "format": "text"}
	}`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "duckdb", cfg.Storage.Type)
	assert.Equal(t, "/tmp/tape.db", cfg.Storage.Path)
	assert.Equal(t, 10000, cfg.Storage.MaxSegmentRows)
	assert.Equal(t, "spot", cfg.Exchange.Category)
	assert.Equal(t, 5, cfg.Exchange.RequestsPerSecond)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "text", cfg.Logging.Format)

	// untouched sections keep their defaults
	assert.Equal(t, 1000, cfg.Ingest.WindowCandles)
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewManager(filepath.Join(t.TempDir(), "absent.json"), nil).Load()
	require.NoError(t, err)
	assert.Equal(t, "file", cfg.Storage.Type)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tape.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"storage": {"type": "memory"}}`), 0o644))

	t.Setenv("STORAGE_TYPE", "duckdb")
	t.Setenv("STORAGE_PATH", "/var/lib/tape/tape.db")
	t.Setenv("LOG_LEVEL", "warn")
	t.Setenv("WINDOW_CANDLES", "250")
	t.Setenv("DEFAULT_PAIRS", "BTCUSDT,SOLUSDT")

	cfg, err := NewManager(path, nil).Load()
	require.NoError(t, err)

	assert.Equal(t, "duckdb", cfg.Storage.Type)
	assert.Equal(t, "/var/lib/tape/tape.db", cfg.Storage.Path)
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, 250, cfg.Ingest.WindowCandles)
	assert.Equal(t, []string{"BTCUSDT", "SOLUSDT"}, cfg.Ingest.DefaultPairs)
}

func TestLoad_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tape.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))

	_, err := NewManager(path, nil).Load()
	require.Error(t, err)
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *AppConfig)
	}{
		{name: "empty_storage_type", mutate: func(c *AppConfig) { c.Storage.Type = "" }},
		{name: "unknown_storage_type", mutate: func(c *AppConfig) { c.Storage.Type = "postgres" }},
		{name: "file_storage_without_path", mutate: func(c *AppConfig) { c.Storage.Type = "file"; c.Storage.Path = "" }},
		{name: "missing_base_url", mutate: func(c *AppConfig) { c.Exchange.BaseURL = "" }},
		{name: "zero_rate", mutate: func(c *AppConfig) { c.Exchange.RequestsPerSecond = 0 }},
		{name: "zero_window", mutate: func(c *AppConfig) { c.Ingest.WindowCandles = 0 }},
		{name: "bad_backfill_start", mutate: func(c *AppConfig) { c.Ingest.BackfillStart = "yesterday" }},
		{name: "bad_log_level", mutate: func(c *AppConfig) { c.Logging.Level = "verbose" }},
		{name: "bad_log_format", mutate: func(c *AppConfig) { c.Logging.Format = "yaml" }},
		{name: "file_log_without_path", mutate: func(c *AppConfig) { c.Logging.Output = "file"; c.Logging.FilePath = "" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestIngestConfig_BackfillStartTime(t *testing.T) {
	cfg := IngestConfig{BackfillStart: "2023-06-01T00:00:00Z"}
	ts, err := cfg.BackfillStartTime()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2023, 6, 1, 0, 0, 0, 0, time.UTC), ts.UTC())

	empty := IngestConfig{}
	ts, err = empty.BackfillStartTime()
	require.NoError(t, err)
	assert.True(t, ts.IsZero())
}

func TestMemoryStorageNeedsNoPath(t *testing.T) {
	cfg := Default()
	cfg.Storage.Type = "memory"
	cfg.Storage.Path = ""
	assert.NoError(t, cfg.Validate())
}
