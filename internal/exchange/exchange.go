// Package exchange defines the fetch-client boundary of the ingestion
// pipeline: interfaces for paginated candle retrieval, the request and
// response types, and the transient/permanent error taxonomy the
// orchestrator schedules against.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tradingroom/tape/internal/models"
)

// CandleFetcher retrieves OHLCV candle pages from an exchange.
//
// Implementations must enforce a shared rate budget across all concurrent
// callers, retry transient failures with bounded exponential backoff, and
// return candles in chronological order (oldest first).
type CandleFetcher interface {
	// FetchCandles retrieves one page of candles starting at req.Start.
	//
	// A call that would exceed the rate budget blocks until budget
	// refills. After exhausting retries the call fails with a
	// *TransientError the caller may re-schedule; non-retryable
	// responses fail immediately with a *PermanentError.
	//
	// The response carries a NextToken when more data is available
	// inside the requested window, plus the current rate limit status
	// reported by the exchange.
	FetchCandles(ctx context.Context, req FetchRequest) (*FetchResponse, error)
}

// RateLimitInfo exposes the client's rate budget state.
type RateLimitInfo interface {
	// GetLimits returns the configured rate limiting parameters.
	GetLimits() RateLimit

	// WaitForLimit blocks until the rate budget allows another request.
	// Returns an error only if the context is cancelled first.
	WaitForLimit(ctx context.Context) error
}

// HealthChecker verifies the exchange connection with a lightweight probe.
type HealthChecker interface {
	// HealthCheck pings a cheap endpoint and returns an error if the
	// exchange is unreachable or responding incorrectly.
	HealthCheck(ctx context.Context) error
}

// Adapter combines the capabilities a complete exchange client provides.
type Adapter interface {
	CandleFetcher
	RateLimitInfo
	HealthChecker
}

// FetchRequest specifies one page of candle data to retrieve.
type FetchRequest struct {
	// Symbol is the trading symbol (e.g. "BTCUSDT")
	Symbol string `json:"symbol"`

	// Timeframe is the candle timeframe to fetch
	Timeframe models.Timeframe `json:"timeframe"`

	// Start is the open time of the first candle wanted (inclusive,
	// aligned to the timeframe boundary)
	Start time.Time `json:"start"`

	// End bounds the page on the right (exclusive). Zero means no bound.
	End time.Time `json:"end,omitempty"`

	// Limit caps the number of candles in the page. Zero means the
	// exchange maximum.
	Limit int `json:"limit,omitempty"`

	// NextToken continues pagination from a previous response
	NextToken string `json:"next_token,omitempty"`
}

// Validate checks the request parameters against the fetch contract.
func (r *FetchRequest) Validate() error {
	if r.Symbol == "" {
		return &models.ValidationError{Field: "symbol", Message: "symbol cannot be empty"}
	}
	if !r.Timeframe.Valid() {
		return &models.ValidationError{Field: "timeframe", Message: fmt.Sprintf("unsupported timeframe %q", r.Timeframe)}
	}
	if r.Start.IsZero() {
		return &models.ValidationError{Field: "start", Message: "start time cannot be zero"}
	}
	if !r.Timeframe.IsAligned(r.Start) {
		return &models.ValidationError{Field: "start", Message: "start time must be aligned to the timeframe boundary"}
	}
	if !r.End.IsZero() && !r.End.After(r.Start) {
		return &models.ValidationError{Field: "end", Message: "end time must be after start time"}
	}
	if r.Limit < 0 {
		return &models.ValidationError{Field: "limit", Message: "limit cannot be negative"}
	}
	return nil
}

// FetchResponse contains one page of fetched candles.
type FetchResponse struct {
	// Candles holds the page ordered chronologically (oldest first)
	Candles []models.Candle `json:"candles"`

	// NextToken continues pagination; empty means the window is drained
	NextToken string `json:"next_token,omitempty"`

	// RateLimit is the budget state reported alongside the page
	RateLimit RateLimitStatus `json:"rate_limit"`
}

// RateLimit describes the client-side rate budget configuration.
type RateLimit struct {
	// RequestsPerSecond is the sustained request rate allowed
	RequestsPerSecond int `json:"requests_per_second"`

	// BurstSize is the number of requests allowed in a burst
	BurstSize int `json:"burst_size"`
}

// RateLimitStatus is the budget state the exchange reported with a page.
type RateLimitStatus struct {
	// Remaining is the number of requests left in the current window
	Remaining int `json:"remaining"`

	// ResetTime is when the exchange-side window resets
	ResetTime time.Time `json:"reset_time"`
}

// TransientError marks a fetch failure that is safe to re-schedule:
// timeouts, connection errors, 5xx responses and rate-limit rejections
// that survived the bounded retry loop.
type TransientError struct {
	Op  string // operation that failed, e.g. "fetch_candles"
	Err error
}

// Error implements the error interface.
func (e *TransientError) Error() string {
	return fmt.Sprintf("transient fetch error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *TransientError) Unwrap() error { return e.Err }

// PermanentError marks a fetch failure that must not be retried without
// operator intervention: invalid symbols, malformed requests, 4xx
// responses other than rate limiting.
type PermanentError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent fetch error in %s: %v", e.Op, e.Err)
}

// Unwrap returns the underlying error.
func (e *PermanentError) Unwrap() error { return e.Err }

// IsTransient reports whether err is (or wraps) a TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// IsPermanent reports whether err is (or wraps) a PermanentError.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
