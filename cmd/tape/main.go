// Tape candle ingestion CLI
// This application ingests OHLCV candles from the exchange into the
// local partitioned store, and provides read access over what has been
// stored.
//
// Usage:
//
//	tape ingest --symbol BTCUSDT --timeframe 1h --days 30
//	tape ingest --symbols BTCUSDT,ETHUSDT --timeframe 1h --end 2024-02-01
//	tape read --symbol BTCUSDT --timeframe 1h --start 2024-01-01 --end 2024-01-31
//	tape watermark --symbol BTCUSDT --timeframe 1h
//
// For detailed help on any command, use: tape <command> --help
package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/tradingroom/tape/internal/config"
	"github.com/tradingroom/tape/internal/exchange"
	"github.com/tradingroom/tape/internal/ingest"
	"github.com/tradingroom/tape/internal/logger"
	"github.com/tradingroom/tape/internal/models"
	"github.com/tradingroom/tape/internal/storage"
)

const (
	Version    = "1.0.0"
	AppName    = "tape"
	ConfigFile = "tape.json"
)

// Exit codes following standard conventions
const (
	ExitSuccess     = 0
	ExitUsageError  = 1
	ExitConfigError = 2
	ExitDataError   = 4
	ExitInterrupt   = 130
)

// CLI wires the application components for command handlers.
type CLI struct {
	config   *config.AppConfig
	logger   *slog.Logger
	logs     *logger.Manager
	store    storage.Store
	exchange exchange.Adapter
	ingester *ingest.Ingester
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(ExitUsageError)
	}

	command := os.Args[1]
	args := os.Args[2:]

	switch command {
	case "--version", "-v":
		fmt.Printf("%s version %s\n", AppName, Version)
		return
	case "--help", "-h", "help":
		if len(args) > 0 {
			printCommandHelp(args[0])
		} else {
			printUsage()
		}
		return
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cli := &CLI{}
	if err := cli.initialize(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to initialize: %v\n", err)
		os.Exit(ExitConfigError)
	}
	defer cli.shutdown()

	var err error
	switch command {
	case "ingest":
		err = cli.handleIngest(ctx, args)
	case "read":
		err = cli.handleRead(ctx, args)
	case "watermark":
		err = cli.handleWatermark(ctx, args)
	default:
		fmt.Fprintf(os.Stderr, "Error: unknown command '%s'\n\n", command)
		printUsage()
		os.Exit(ExitUsageError)
	}

	if err != nil {
		if errors.Is(err, context.Canceled) {
			cli.logger.Info("interrupted")
			os.Exit(ExitInterrupt)
		}
		cli.logger.Error("command failed", "command", command, "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(ExitDataError)
	}
}

// initialize loads configuration and builds the component graph.
func (cli *CLI) initialize(ctx context.Context) error {
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		if _, err := os.Stat(ConfigFile); err == nil {
			configPath = ConfigFile
		}
	}

	cfg, err := config.NewManager(configPath, slog.Default()).Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	cli.config = cfg

	logs, err := logger.NewManager(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to set up logging: %w", err)
	}
	cli.logs = logs
	cli.logger = logs.Logger()

	store, err := createStore(cfg.Storage, logs.Component("storage"))
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	if err := store.Initialize(ctx); err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	cli.store = store

	adapter := exchange.NewBybitAdapter(exchange.BybitConfig{
		BaseURL:           cfg.Exchange.BaseURL,
		Category:          cfg.Exchange.Category,
		RequestsPerSecond: cfg.Exchange.RequestsPerSecond,
		BurstSize:         cfg.Exchange.BurstSize,
		Logger:            logs.Component("exchange"),
	})
	cli.exchange = adapter

	backfillStart, err := cfg.Ingest.BackfillStartTime()
	if err != nil {
		return fmt.Errorf("invalid backfill start: %w", err)
	}

	cli.ingester = ingest.New(adapter, store, ingest.Config{
		WindowCandles:       cfg.Ingest.WindowCandles,
		MaxTransientRetries: cfg.Ingest.MaxTransientRetries,
		BackfillStart:       backfillStart,
		Logger:              logs.Component("ingest"),
	})

	return nil
}

// shutdown releases held resources.
func (cli *CLI) shutdown() {
	if cli.store != nil {
		if err := cli.store.Close(); err != nil {
			cli.logger.Warn("failed to close store", "error", err)
		}
	}
	if cli.logs != nil {
		cli.logs.Close()
	}
}

// createStore builds the configured storage backend.
func createStore(cfg config.StorageConfig, log *slog.Logger) (storage.Store, error) {
	switch cfg.Type {
	case "file":
		return storage.NewFileStore(storage.FileStoreConfig{
			Root:           cfg.Path,
			MaxSegmentRows: cfg.MaxSegmentRows,
			Logger:         log,
		})
	case "duckdb":
		return storage.NewDuckStore(cfg.Path, log)
	case "memory":
		return storage.NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}

// handleIngest handles the 'ingest' command.
func (cli *CLI) handleIngest(ctx context.Context, args []string) error {
	flags, err := parseIngestFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("ingest")
		return nil
	}

	symbols := flags.Symbols
	if flags.Symbol != "" {
		symbols = append(symbols, flags.Symbol)
	}
	if len(symbols) == 0 {
		symbols = cli.config.Ingest.DefaultPairs
	}
	if len(symbols) == 0 {
		return fmt.Errorf("--symbol or --symbols is required")
	}

	timeframe, err := models.ParseTimeframe(flags.Timeframe)
	if err != nil {
		return err
	}

	end := time.Now().UTC()
	if flags.End != "" {
		end, err = parseDate(flags.End)
		if err != nil {
			return fmt.Errorf("invalid end date: %w", err)
		}
	}

	if flags.Days > 0 {
		start := end.AddDate(0, 0, -flags.Days)
		cli.ingester = ingest.New(cli.exchange, cli.store, ingest.Config{
			WindowCandles:       cli.config.Ingest.WindowCandles,
			MaxTransientRetries: cli.config.Ingest.MaxTransientRetries,
			BackfillStart:       start,
			Logger:              cli.logs.Component("ingest"),
		})
	}

	reqs := make([]ingest.Request, 0, len(symbols))
	for _, symbol := range symbols {
		reqs = append(reqs, ingest.Request{
			Symbol:    symbol,
			Timeframe: timeframe,
			End:       end,
		})
	}

	cli.logger.Info("starting ingestion",
		"symbols", symbols,
		"timeframe", timeframe,
		"end", end.Format(time.RFC3339))

	if len(reqs) == 1 {
		err = cli.ingester.Run(ctx, reqs[0])
	} else {
		err = cli.ingester.RunMany(ctx, reqs)
	}
	if err != nil {
		return err
	}

	fmt.Printf("Ingested %s data for %s up to %s\n",
		timeframe, strings.Join(symbols, ", "), end.Format(time.RFC3339))
	return nil
}

// handleRead handles the 'read' command.
func (cli *CLI) handleRead(ctx context.Context, args []string) error {
	flags, err := parseReadFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("read")
		return nil
	}

	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	timeframe, err := models.ParseTimeframe(flags.Timeframe)
	if err != nil {
		return err
	}

	var start, end time.Time
	if flags.Start != "" {
		if start, err = parseDate(flags.Start); err != nil {
			return fmt.Errorf("invalid start date: %w", err)
		}
	}
	if flags.End != "" {
		if end, err = parseDate(flags.End); err != nil {
			return fmt.Errorf("invalid end date: %w", err)
		}
	}
	if start.IsZero() && end.IsZero() {
		end = time.Now().UTC()
		start = end.AddDate(0, 0, -7)
	}
	if !start.Before(end) {
		return fmt.Errorf("start must be before end")
	}

	frame, err := storage.ReadFrame(ctx, cli.store, flags.Symbol, timeframe, start, end)
	if err != nil {
		return err
	}

	if frame.Len() == 0 {
		fmt.Println("No data found for the specified range.")
		return nil
	}

	switch flags.Format {
	case "json":
		return outputJSON(frame)
	case "csv":
		return outputCSV(frame)
	default:
		return outputTable(frame, flags.Limit)
	}
}

// handleWatermark handles the 'watermark' command.
func (cli *CLI) handleWatermark(ctx context.Context, args []string) error {
	flags, err := parseWatermarkFlags(args)
	if err != nil {
		return err
	}
	if flags.Help {
		printCommandHelp("watermark")
		return nil
	}

	if flags.Symbol == "" {
		return fmt.Errorf("--symbol is required")
	}
	timeframe, err := models.ParseTimeframe(flags.Timeframe)
	if err != nil {
		return err
	}

	watermark, ok, err := cli.store.Watermark(ctx, flags.Symbol, timeframe)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Printf("No data stored for %s %s yet.\n", flags.Symbol, timeframe)
		return nil
	}

	fmt.Printf("%s %s watermark: %s\n", flags.Symbol, timeframe, watermark.Format(time.RFC3339))
	return nil
}

// Flag structures and parsing

// IngestFlags represents flags for the ingest command.
type IngestFlags struct {
	Symbol    string
	Symbols   []string
	Timeframe string
	End       string
	Days      int
	Help      bool
}

// ReadFlags represents flags for the read command.
type ReadFlags struct {
	Symbol    string
	Timeframe string
	Start     string
	End       string
	Limit     int
	Format    string
	Help      bool
}

// WatermarkFlags represents flags for the watermark command.
type WatermarkFlags struct {
	Symbol    string
	Timeframe string
	Help      bool
}

func parseIngestFlags(args []string) (*IngestFlags, error) {
	flags := &IngestFlags{
		Timeframe: "1h",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--symbols":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbols requires a value")
			}
			flags.Symbols = strings.Split(args[i+1], ",")
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--days", "-d":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--days requires a value")
			}
			days, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid days value: %w", err)
			}
			flags.Days = days
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseReadFlags(args []string) (*ReadFlags, error) {
	flags := &ReadFlags{
		Timeframe: "1h",
		Limit:     100,
		Format:    "table",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--start":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--start requires a value")
			}
			flags.Start = args[i+1]
			i++
		case "--end", "-e":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--end requires a value")
			}
			flags.End = args[i+1]
			i++
		case "--limit", "-l":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--limit requires a value")
			}
			limit, err := strconv.Atoi(args[i+1])
			if err != nil {
				return nil, fmt.Errorf("invalid limit value: %w", err)
			}
			flags.Limit = limit
			i++
		case "--format", "-f":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--format requires a value")
			}
			format := args[i+1]
			if format != "json" && format != "csv" && format != "table" {
				return nil, fmt.Errorf("invalid format, must be: json, csv, or table")
			}
			flags.Format = format
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

func parseWatermarkFlags(args []string) (*WatermarkFlags, error) {
	flags := &WatermarkFlags{
		Timeframe: "1h",
	}

	for i := 0; i < len(args); i++ {
		switch args[i] {
		case "--symbol", "-s":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--symbol requires a value")
			}
			flags.Symbol = args[i+1]
			i++
		case "--timeframe", "-t":
			if i+1 >= len(args) {
				return nil, fmt.Errorf("--timeframe requires a value")
			}
			flags.Timeframe = args[i+1]
			i++
		case "--help", "-h":
			flags.Help = true
		default:
			return nil, fmt.Errorf("unknown flag: %s", args[i])
		}
	}

	return flags, nil
}

// parseDate accepts either a date (YYYY-MM-DD) or a full RFC 3339
// timestamp.
func parseDate(value string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t.UTC(), nil
	}
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return time.Time{}, fmt.Errorf("use YYYY-MM-DD or RFC 3339: %w", err)
	}
	return t.UTC(), nil
}

// Output formatting

func outputJSON(frame *storage.Frame) error {
	type row struct {
		OpenTime time.Time `json:"open_time"`
		Open     float64   `json:"open"`
		High     float64   `json:"high"`
		Low      float64   `json:"low"`
		Close    float64   `json:"close"`
		Volume   float64   `json:"volume"`
	}

	rows := make([]row, frame.Len())
	for i := range rows {
		rows[i] = row{
			OpenTime: frame.OpenTimes[i],
			Open:     frame.Opens[i],
			High:     frame.Highs[i],
			Low:      frame.Lows[i],
			Close:    frame.Closes[i],
			Volume:   frame.Volumes[i],
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(rows)
}

func outputCSV(frame *storage.Frame) error {
	w := csv.NewWriter(os.Stdout)
	defer w.Flush()

	if err := w.Write([]string{"open_time", "open", "high", "low", "close", "volume"}); err != nil {
		return err
	}
	for i := 0; i < frame.Len(); i++ {
		record := []string{
			frame.OpenTimes[i].Format(time.RFC3339),
			strconv.FormatFloat(frame.Opens[i], 'f', -1, 64),
			strconv.FormatFloat(frame.Highs[i], 'f', -1, 64),
			strconv.FormatFloat(frame.Lows[i], 'f', -1, 64),
			strconv.FormatFloat(frame.Closes[i], 'f', -1, 64),
			strconv.FormatFloat(frame.Volumes[i], 'f', -1, 64),
		}
		if err := w.Write(record); err != nil {
			return err
		}
	}
	return nil
}

func outputTable(frame *storage.Frame, limit int) error {
	fmt.Printf("%s %s: %d candles\n\n", frame.Symbol, frame.Timeframe, frame.Len())
	fmt.Printf("%-20s %12s %12s %12s %12s %14s\n", "OPEN TIME", "OPEN", "HIGH", "LOW", "CLOSE", "VOLUME")

	n := frame.Len()
	if limit > 0 && n > limit {
		n = limit
	}
	for i := 0; i < n; i++ {
		fmt.Printf("%-20s %12.4f %12.4f %12.4f %12.4f %14.4f\n",
			frame.OpenTimes[i].Format("2006-01-02 15:04"),
			frame.Opens[i],
			frame.Highs[i],
			frame.Lows[i],
			frame.Closes[i],
			frame.Volumes[i])
	}
	if n < frame.Len() {
		fmt.Printf("\n... %d more candles (use --limit to show more)\n", frame.Len()-n)
	}
	return nil
}

// Help text

func printUsage() {
	fmt.Printf(`%s - OHLCV candle ingestion and storage

Usage:
  %s <command> [flags]

Commands:
  ingest      Ingest candles from the exchange into the store
  read        Read stored candles for a symbol and timeframe
  watermark   Show the durable high-water mark for a partition

Global:
  --version, -v   Print version
  --help, -h      Print help

Use "%s <command> --help" for command details.
`, AppName, AppName, AppName)
}

func printCommandHelp(command string) {
	switch command {
	case "ingest":
		fmt.Printf(`Ingest candles from the exchange into the store.

Usage:
  %s ingest [flags]

Flags:
  --symbol, -s      Symbol to ingest (e.g. BTCUSDT)
  --symbols         Comma-separated symbols for concurrent ingestion
  --timeframe, -t   Timeframe (1m, 3m, 5m, 15m, 30m, 1h, 2h, 4h, 6h, 12h, 1d, 1w; default 1h)
  --end, -e         Target end time (YYYY-MM-DD or RFC 3339; default now)
  --days, -d        Backfill this many days before the end time
`, AppName)
	case "read":
		fmt.Printf(`Read stored candles for a symbol and timeframe.

Usage:
  %s read [flags]

Flags:
  --symbol, -s      Symbol to read (required)
  --timeframe, -t   Timeframe (default 1h)
  --start           Range start (YYYY-MM-DD or RFC 3339)
  --end, -e         Range end, exclusive (YYYY-MM-DD or RFC 3339)
  --limit, -l       Maximum rows in table output (default 100)
  --format, -f      Output format: table, json, csv (default table)
`, AppName)
	case "watermark":
		fmt.Printf(`Show the durable high-water mark for a partition.

Usage:
  %s watermark [flags]

Flags:
  --symbol, -s      Symbol (required)
  --timeframe, -t   Timeframe (default 1h)
`, AppName)
	default:
		printUsage()
	}
}
