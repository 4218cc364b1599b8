// Package config provides centralized configuration management for the
// tape ingestion service. It loads typed configuration from a JSON file
// and environment variables (with optional .env support), applies
// defaults, and validates the result before any component starts.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"log/slog"

	"github.com/joho/godotenv"
)

// AppConfig is the complete application configuration.
type AppConfig struct {
	AppName    string `json:"app_name" env:"APP_NAME"`
	Version    string `json:"version" env:"VERSION"`
	ConfigPath string `json:"-" env:"CONFIG_PATH"`

	Storage  StorageConfig  `json:"storage"`
	Exchange ExchangeConfig `json:"exchange"`
	Ingest   IngestConfig   `json:"ingest"`
	Logging  LoggingConfig  `json:"logging"`
}

// StorageConfig configures the storage backend.
type StorageConfig struct {
	Type           string `json:"type" env:"STORAGE_TYPE"`         // "file", "duckdb", "memory"
	Path           string `json:"path" env:"STORAGE_PATH"`         // Root directory (file) or database path (duckdb)
	MaxSegmentRows int    `json:"max_segment_rows" env:"MAX_SEGMENT_ROWS"` // Segment rollover threshold
}

// ExchangeConfig configures the exchange adapter.
type ExchangeConfig struct {
	BaseURL           string  `json:"base_url" env:"EXCHANGE_BASE_URL"`
	Category          string  `json:"category" env:"EXCHANGE_CATEGORY"` // "spot", "linear", "inverse"
	RequestsPerSecond int     `json:"requests_per_second" env:"REQUESTS_PER_SECOND"`
	BurstSize         int     `json:"burst_size" env:"BURST_SIZE"`
}

// IngestConfig configures ingestion runs.
type IngestConfig struct {
	WindowCandles       int      `json:"window_candles" env:"WINDOW_CANDLES"`
	MaxTransientRetries int      `json:"max_transient_retries" env:"MAX_TRANSIENT_RETRIES"`
	BackfillStart       string   `json:"backfill_start" env:"BACKFILL_START"` // RFC 3339
	DefaultPairs        []string `json:"default_pairs" env:"DEFAULT_PAIRS"`
	DefaultTimeframes   []string `json:"default_timeframes" env:"DEFAULT_TIMEFRAMES"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`   // debug, info, warn, error
	Format     string `json:"format" env:"LOG_FORMAT"` // json, text
	Output     string `json:"output" env:"LOG_OUTPUT"` // stdout, stderr, file
	FilePath   string `json:"file_path" env:"LOG_FILE_PATH"`
	MaxSize    int    `json:"max_size" env:"LOG_MAX_SIZE"` // MB
	MaxBackups int    `json:"max_backups" env:"LOG_MAX_BACKUPS"`
	MaxAge     int    `json:"max_age" env:"LOG_MAX_AGE"` // days
	Compress   bool   `json:"compress" env:"LOG_COMPRESS"`
}

// Manager handles configuration loading and validation.
type Manager struct {
	config     *AppConfig
	configPath string
	logger     *slog.Logger
}

// NewManager creates a configuration manager. configPath may be empty,
// in which case only defaults and the environment apply.
func NewManager(configPath string, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		configPath: configPath,
		logger:     logger,
	}
}

// Load assembles the configuration with priority order:
// 1. Environment variables (highest), including a .env file if present
// 2. Configuration file
// 3. Defaults (lowest)
func (m *Manager) Load() (*AppConfig, error) {
	// godotenv never overrides variables already set in the
	// environment, so a real env var still wins over .env.
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	config := Default()

	if m.configPath != "" {
		if err := m.loadFromFile(config); err != nil {
			return nil, fmt.Errorf("failed to load config from file: %w", err)
		}
	}

	m.loadFromEnv(config)

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	m.config = config
	m.logger.Info("configuration loaded",
		"config_path", m.configPath,
		"storage_type", config.Storage.Type,
		"log_level", config.Logging.Level)

	return config, nil
}

// loadFromFile merges a JSON config file over the current values. A
// missing file is not an error.
func (m *Manager) loadFromFile(config *AppConfig) error {
	data, err := os.ReadFile(m.configPath)
	if os.IsNotExist(err) {
		m.logger.Debug("config file does not exist, using defaults", "path", m.configPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", m.configPath, err)
	}

	if err := json.Unmarshal(data, config); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", m.configPath, err)
	}

	m.logger.Debug("loaded configuration from file", "path", m.configPath)
	return nil
}

// loadFromEnv overrides configuration from environment variables.
func (m *Manager) loadFromEnv(config *AppConfig) {
	setString := func(key string, dst *string) {
		if val := os.Getenv(key); val != "" {
			*dst = val
		}
	}
	setInt := func(key string, dst *int) {
		if val := os.Getenv(key); val != "" {
			if n, err := strconv.Atoi(val); err == nil {
				*dst = n
			}
		}
	}

	setString("APP_NAME", &config.AppName)
	setString("VERSION", &config.Version)

	setString("STORAGE_TYPE", &config.Storage.Type)
	setString("STORAGE_PATH", &config.Storage.Path)
	setInt("MAX_SEGMENT_ROWS", &config.Storage.MaxSegmentRows)

	setString("EXCHANGE_BASE_URL", &config.Exchange.BaseURL)
	setString("EXCHANGE_CATEGORY", &config.Exchange.Category)
	setInt("REQUESTS_PER_SECOND", &config.Exchange.RequestsPerSecond)
	setInt("BURST_SIZE", &config.Exchange.BurstSize)

	setInt("WINDOW_CANDLES", &config.Ingest.WindowCandles)
	setInt("MAX_TRANSIENT_RETRIES", &config.Ingest.MaxTransientRetries)
	setString("BACKFILL_START", &config.Ingest.BackfillStart)
	if val := os.Getenv("DEFAULT_PAIRS"); val != "" {
		config.Ingest.DefaultPairs = strings.Split(val, ",")
	}
	if val := os.Getenv("DEFAULT_TIMEFRAMES"); val != "" {
		config.Ingest.DefaultTimeframes = strings.Split(val, ",")
	}

	setString("LOG_LEVEL", &config.Logging.Level)
	setString("LOG_FORMAT", &config.Logging.Format)
	setString("LOG_OUTPUT", &config.Logging.Output)
	setString("LOG_FILE_PATH", &config.Logging.FilePath)
	setInt("LOG_MAX_SIZE", &config.Logging.MaxSize)
	setInt("LOG_MAX_BACKUPS", &config.Logging.MaxBackups)
	setInt("LOG_MAX_AGE", &config.Logging.MaxAge)
	if val := os.Getenv("LOG_COMPRESS"); val != "" {
		config.Logging.Compress = val == "true"
	}
}

// Validate checks the configuration for consistency and required
// fields.
func (c *AppConfig) Validate() error {
	var errs []string

	switch c.Storage.Type {
	case "file", "duckdb":
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Sprintf("storage.path is required for %s storage", c.Storage.Type))
		}
	case "memory":
	case "":
		errs = append(errs, "storage.type is required")
	default:
		errs = append(errs, fmt.Sprintf("storage.type %q is not one of: file, duckdb, memory", c.Storage.Type))
	}
	if c.Storage.MaxSegmentRows < 0 {
		errs = append(errs, "storage.max_segment_rows must not be negative")
	}

	if c.Exchange.BaseURL == "" {
		errs = append(errs, "exchange.base_url is required")
	}
	if c.Exchange.RequestsPerSecond <= 0 {
		errs = append(errs, "exchange.requests_per_second must be greater than 0")
	}
	if c.Exchange.BurstSize <= 0 {
		errs = append(errs, "exchange.burst_size must be greater than 0")
	}

	if c.Ingest.WindowCandles <= 0 {
		errs = append(errs, "ingest.window_candles must be greater than 0")
	}
	if c.Ingest.BackfillStart != "" {
		if _, err := time.Parse(time.RFC3339, c.Ingest.BackfillStart); err != nil {
			errs = append(errs, fmt.Sprintf("ingest.backfill_start is not a valid RFC 3339 timestamp: %v", err))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		errs = append(errs, "logging.format must be one of: json, text")
	}
	if c.Logging.Output == "file" && c.Logging.FilePath == "" {
		errs = append(errs, "logging.file_path is required when logging.output is file")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation errors:\n- %s", strings.Join(errs, "\n- "))
	}
	return nil
}

// BackfillStartTime parses the configured backfill start. The zero time
// means no backfill start was configured.
func (c *IngestConfig) BackfillStartTime() (time.Time, error) {
	if c.BackfillStart == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, c.BackfillStart)
}

// Get returns the current configuration.
func (m *Manager) Get() *AppConfig {
	return m.config
}

// Default returns a configuration with sensible defaults.
func Default() *AppConfig {
	return &AppConfig{
		AppName: "tape",
		Version: "1.0.0",
		Storage: StorageConfig{
			Type:           "file",
			Path:           "./data/tape",
			MaxSegmentRows: 50_000,
		},
		Exchange: ExchangeConfig{
			BaseURL:           "https://api.bybit.com",
			Category:          "linear",
			RequestsPerSecond: 10,
			BurstSize:         5,
		},
		Ingest: IngestConfig{
			WindowCandles:       1000,
			MaxTransientRetries: 5,
			BackfillStart:       "2020-01-01T00:00:00Z",
			DefaultPairs:        []string{"BTCUSDT", "ETHUSDT"},
			DefaultTimeframes:   []string{"1h", "1d"},
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "json",
			Output:     "stdout",
			MaxSize:    100,
			MaxBackups: 5,
			MaxAge:     30,
			Compress:   true,
		},
	}
}

// String returns the configuration as indented JSON.
func (c *AppConfig) String() string {
	data, _ := json.MarshalIndent(c, "", "  ")
	return string(data)
}
