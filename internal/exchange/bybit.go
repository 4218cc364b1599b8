// Bybit v5 market adapter. Implements the Adapter interface against the
// public kline endpoint with a shared rate budget, bounded exponential
// retry and transient/permanent error classification.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/time/rate"

	"github.com/tradingroom/tape/internal/models"
)

const (
	bybitBaseURL = "https://api.bybit.com"

	klineEndpoint = "/v5/market/kline"
	timeEndpoint  = "/v5/market/time"

	// MaxCandlesPerRequest is the kline endpoint's page size ceiling.
	MaxCandlesPerRequest = 1000

	defaultRequestsPerSecond = 10
	defaultBurstSize         = 1

	requestTimeout     = 30 * time.Second
	healthCheckTimeout = 5 * time.Second

	maxRetries        = 3
	initialRetryDelay = 500 * time.Millisecond
	maxRetryDelay     = 30 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.5

	// Bybit retCodes that signal server-side throttling.
	retCodeRateLimit  = 10006
	retCodeIPBanned   = 10018
	retCodeSystemBusy = 10016
)

// bybitIntervals maps canonical timeframes to Bybit interval tokens.
var bybitIntervals = map[models.Timeframe]string{
	models.Timeframe1m:  "1",
	models.Timeframe3m:  "3",
	models.Timeframe5m:  "5",
	models.Timeframe15m: "15",
	models.Timeframe30m: "30",
	models.Timeframe1h:  "60",
	models.Timeframe2h:  "120",
	models.Timeframe4h:  "240",
	models.Timeframe6h:  "360",
	models.Timeframe12h: "720",
	models.Timeframe1d:  "D",
	models.Timeframe1w:  "W",
}

// BybitConfig configures the Bybit adapter.
type BybitConfig struct {
	// BaseURL overrides the production API host (tests, proxies)
	BaseURL string

	// Category selects the product class: "spot", "linear", "inverse"
	Category string

	// RequestsPerSecond and BurstSize size the shared rate budget
	RequestsPerSecond int
	BurstSize         int

	Logger *slog.Logger
}

// BybitAdapter implements Adapter for the Bybit v5 market API.
//
// One adapter instance carries one rate.Limiter; sharing the instance
// across all ingestion runs gives the process-wide rate budget the
// scheduling model requires.
type BybitAdapter struct {
	httpClient  *http.Client
	rateLimiter *rate.Limiter
	baseURL     string
	category    string
	rps         int
	burst       int
	logger      *slog.Logger
}

// NewBybitAdapter creates a Bybit adapter with the provided configuration.
// Zero-valued fields fall back to production defaults.
func NewBybitAdapter(cfg BybitConfig) *BybitAdapter {
	if cfg.BaseURL == "" {
		cfg.BaseURL = bybitBaseURL
	}
	if cfg.Category == "" {
		cfg.Category = "spot"
	}
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = defaultRequestsPerSecond
	}
	if cfg.BurstSize <= 0 {
		cfg.BurstSize = defaultBurstSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &BybitAdapter{
		httpClient: &http.Client{
			Timeout: requestTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		rateLimiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.BurstSize),
		baseURL:     cfg.BaseURL,
		category:    cfg.Category,
		rps:         cfg.RequestsPerSecond,
		burst:       cfg.BurstSize,
		logger:      cfg.Logger,
	}
}

// FetchCandles implements the CandleFetcher interface.
func (b *BybitAdapter) FetchCandles(ctx context.Context, req FetchRequest) (*FetchResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, &PermanentError{Op: "fetch_candles", Err: err}
	}

	start := req.Start
	if req.NextToken != "" {
		cursor, err := decodeCursor(req.NextToken)
		if err != nil {
			return nil, &PermanentError{Op: "fetch_candles", Err: fmt.Errorf("invalid next token: %w", err)}
		}
		start = cursor
	}

	interval, ok := bybitIntervals[req.Timeframe]
	if !ok {
		return nil, &PermanentError{Op: "fetch_candles", Err: fmt.Errorf("timeframe %s has no Bybit interval", req.Timeframe)}
	}

	limit := req.Limit
	if limit <= 0 || limit > MaxCandlesPerRequest {
		limit = MaxCandlesPerRequest
	}

	b.logger.Debug("fetching candles from Bybit",
		"symbol", req.Symbol,
		"timeframe", req.Timeframe,
		"start", start,
		"end", req.End,
		"limit", limit)

	if err := b.WaitForLimit(ctx); err != nil {
		return nil, &TransientError{Op: "fetch_candles", Err: fmt.Errorf("rate limit wait failed: %w", err)}
	}

	params := url.Values{}
	params.Set("category", b.category)
	params.Set("symbol", req.Symbol)
	params.Set("interval", interval)
	params.Set("start", strconv.FormatInt(start.UnixMilli(), 10))
	if !req.End.IsZero() {
		// Bybit's end is inclusive; the fetch window is half-open.
		params.Set("end", strconv.FormatInt(req.End.Add(-time.Millisecond).UnixMilli(), 10))
	}
	params.Set("limit", strconv.Itoa(limit))

	body, header, err := b.makeRequestWithRetry(ctx, b.baseURL+klineEndpoint+"?"+params.Encode())
	if err != nil {
		return nil, err
	}

	var payload bybitResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, &TransientError{Op: "fetch_candles", Err: fmt.Errorf("failed to parse kline response: %w", err)}
	}
	if payload.RetCode != 0 {
		return nil, b.classifyRetCode(payload.RetCode, payload.RetMsg)
	}

	candles := make([]models.Candle, 0, len(payload.Result.List))
	for _, row := range payload.Result.List {
		candle, err := b.convertRow(row, req.Symbol, req.Timeframe)
		if err != nil {
			b.logger.Warn("skipping unparseable kline row", "error", err, "row", row)
			continue
		}
		candles = append(candles, *candle)
	}

	// Bybit returns klines newest first.
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].OpenTime.Before(candles[j].OpenTime)
	})

	var nextToken string
	if len(payload.Result.List) >= limit && len(candles) > 0 {
		next := candles[len(candles)-1].OpenTime.Add(req.Timeframe.Step())
		if req.End.IsZero() || next.Before(req.End) {
			nextToken = encodeCursor(next)
		}
	}

	resp := &FetchResponse{
		Candles:   candles,
		NextToken: nextToken,
		RateLimit: parseRateLimitHeaders(header),
	}

	b.logger.Debug("fetched candles",
		"symbol", req.Symbol,
		"count", len(candles),
		"has_next", nextToken != "")

	return resp, nil
}

// GetLimits implements the RateLimitInfo interface.
func (b *BybitAdapter) GetLimits() RateLimit {
	return RateLimit{
		RequestsPerSecond: b.rps,
		BurstSize:         b.burst,
	}
}

// WaitForLimit implements the RateLimitInfo interface.
func (b *BybitAdapter) WaitForLimit(ctx context.Context) error {
	return b.rateLimiter.Wait(ctx)
}

// HealthCheck implements the HealthChecker interface using the server
// time endpoint.
func (b *BybitAdapter) HealthCheck(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(healthCtx, http.MethodGet, b.baseURL+timeEndpoint, nil)
	if err != nil {
		return fmt.Errorf("failed to create health check request: %w", err)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check failed: status %d", resp.StatusCode)
	}

	return nil
}

// serverHintBackOff stretches the next retry delay to honor a
// Retry-After hint from the server, falling back to the wrapped policy
// when no hint is pending. The hint is consumed once per delay, so the
// wait happens in the retry schedule rather than inside the operation.
type serverHintBackOff struct {
	backoff.BackOff
	hint *time.Duration
}

func (b *serverHintBackOff) NextBackOff() time.Duration {
	d := b.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if *b.hint > d {
		d = *b.hint
	}
	*b.hint = 0
	return d
}

// makeRequestWithRetry performs a GET with bounded exponential backoff.
// Rate-limit responses, 5xx statuses and transport errors are retried;
// other 4xx statuses abort immediately as permanent.
func (b *BybitAdapter) makeRequestWithRetry(ctx context.Context, requestURL string) ([]byte, http.Header, error) {
	var (
		body       []byte
		header     http.Header
		permErr    error
		retryAfter time.Duration
	)

	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = initialRetryDelay
	expo.MaxInterval = maxRetryDelay
	expo.Multiplier = retryMultiplier
	expo.RandomizationFactor = retryJitter
	expo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	hinted := &serverHintBackOff{BackOff: expo, hint: &retryAfter}
	policy := backoff.WithContext(backoff.WithMaxRetries(hinted, maxRetries), ctx)

	operation := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			permErr = fmt.Errorf("failed to create request: %w", err)
			return backoff.Permanent(permErr)
		}
		req.Header.Set("Accept", "application/json")
		req.Header.Set("User-Agent", "tape/1.0")

		resp, err := b.httpClient.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests {
			if d := parseRetryAfter(resp.Header.Get("Retry-After")); d > 0 {
				retryAfter = d
			}
			return fmt.Errorf("rate limited by exchange")
		}

		respBody, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 500 {
			return fmt.Errorf("server error %d: %s", resp.StatusCode, string(respBody))
		}
		if resp.StatusCode >= 400 {
			permErr = fmt.Errorf("client error %d: %s", resp.StatusCode, string(respBody))
			return backoff.Permanent(permErr)
		}

		body = respBody
		header = resp.Header
		return nil
	}

	notify := func(err error, delay time.Duration) {
		b.logger.Warn("fetch attempt failed, retrying",
			"error", err,
			"retry_delay", delay)
	}

	if err := backoff.RetryNotify(operation, policy, notify); err != nil {
		// Cancellation surfaces as the context error, not as a fetch failure.
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, nil, err
		}
		if permErr != nil && errors.Is(err, permErr) {
			return nil, nil, &PermanentError{Op: "fetch_candles", Err: err}
		}
		return nil, nil, &TransientError{Op: "fetch_candles", Err: err}
	}

	return body, header, nil
}

// classifyRetCode maps Bybit API status codes onto the error taxonomy.
func (b *BybitAdapter) classifyRetCode(code int, msg string) error {
	err := fmt.Errorf("bybit api error %d: %s", code, msg)
	switch code {
	case retCodeRateLimit, retCodeIPBanned, retCodeSystemBusy:
		return &TransientError{Op: "fetch_candles", Err: err}
	default:
		return &PermanentError{Op: "fetch_candles", Err: err}
	}
}

// convertRow converts a raw kline array into the internal candle model.
// Bybit rows are [startTimeMs, open, high, low, close, volume, turnover].
func (b *BybitAdapter) convertRow(row []string, symbol string, timeframe models.Timeframe) (*models.Candle, error) {
	if len(row) < 6 {
		return nil, fmt.Errorf("kline row has %d fields, want at least 6", len(row))
	}

	ms, err := strconv.ParseInt(row[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid kline start time %q: %w", row[0], err)
	}

	return models.NewCandle(
		time.UnixMilli(ms).UTC(),
		row[1],
		row[2],
		row[3],
		row[4],
		row[5],
		symbol,
		timeframe,
	)
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil {
		return time.Duration(seconds) * time.Second
	}
	if t, err := time.Parse(time.RFC1123, header); err == nil {
		return time.Until(t)
	}
	return 0
}

// parseRateLimitHeaders extracts the X-Bapi-Limit-* budget metadata.
func parseRateLimitHeaders(header http.Header) RateLimitStatus {
	var status RateLimitStatus
	if header == nil {
		return status
	}
	if remaining, err := strconv.Atoi(header.Get("X-Bapi-Limit-Status")); err == nil {
		status.Remaining = remaining
	}
	if resetMs, err := strconv.ParseInt(header.Get("X-Bapi-Limit-Reset-Timestamp"), 10, 64); err == nil {
		status.ResetTime = time.UnixMilli(resetMs).UTC()
	}
	return status
}

func encodeCursor(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func decodeCursor(token string) (time.Time, error) {
	ms, err := strconv.ParseInt(token, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// bybitResponse mirrors the v5 API envelope.
type bybitResponse struct {
	RetCode int    `json:"retCode"`
	RetMsg  string `json:"retMsg"`
	Result  struct {
		Category string     `json:"category"`
		Symbol   string     `json:"symbol"`
		List     [][]string `json:"list"`
	} `json:"result"`
	Time int64 `json:"time"`
}
