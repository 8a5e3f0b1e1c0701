// Package marketdata provides the rate-limited client for the remote market
// data and trading API.
//
// The package exposes small, focused interfaces so the ingestion pipeline and
// the universe resolver depend only on the capability they use, and tests can
// substitute doubles. All pacing flows through a single shared Gate: the
// process-wide minimum inter-request delay holds regardless of how many
// workers fetch concurrently.
package marketdata

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stonxx/barhoard/internal/models"
)

// PageRequest describes one page fetch of historical bars.
type PageRequest struct {
	// Symbol is the uppercase ticker to fetch.
	Symbol string

	// Timeframe is the bar granularity tag (e.g. "1Min").
	Timeframe string

	// Start and End bound the window, inclusive, in UTC.
	Start time.Time
	End   time.Time

	// Limit caps the number of bars per page. 0 uses the API maximum.
	Limit int

	// PageToken continues pagination from a previous response. Empty for
	// the first page.
	PageToken string
}

// Validate checks the request before it is sent.
func (r *PageRequest) Validate() error {
	if r.Symbol == "" {
		return fmt.Errorf("symbol cannot be empty")
	}
	if r.Timeframe == "" {
		return fmt.Errorf("timeframe cannot be empty")
	}
	if r.Start.IsZero() || r.End.IsZero() {
		return fmt.Errorf("start and end must be set")
	}
	if !r.End.After(r.Start) {
		return fmt.Errorf("end must be after start")
	}
	if r.Limit < 0 {
		return fmt.Errorf("limit cannot be negative")
	}
	return nil
}

// PageResponse is one page of bars plus the continuation token. An empty
// NextPageToken signals the final page.
type PageResponse struct {
	Bars          []models.Bar
	NextPageToken string
}

// BarFetcher retrieves pages of historical bars from the remote API.
type BarFetcher interface {
	// FetchPage fetches a single page. Implementations pace the request
	// through the shared gate, retry throttling responses with backoff,
	// and return bars in chronological order.
	FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error)
}

// AssetFilter narrows an asset listing request.
type AssetFilter struct {
	Status     string // e.g. "active"; empty for all
	Exchange   string // e.g. "NYSE"; empty for all
	AssetClass string // e.g. "us_equity"; empty for the API default
}

// AssetLister retrieves the tradable-assets universe from the trading API.
type AssetLister interface {
	ListAssets(ctx context.Context, filter AssetFilter) ([]models.Asset, error)
}

// HealthChecker verifies the remote API is reachable with valid credentials.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Client combines the remote API capabilities an ingestion deployment uses.
type Client interface {
	BarFetcher
	AssetLister
	HealthChecker
}

// RemoteAPIError is a non-throttling HTTP failure from the remote API. It is
// never retried automatically; the pipeline treats it as a per-symbol
// recoverable failure.
type RemoteAPIError struct {
	StatusCode int
	Body       string // truncated for diagnostics
	URL        string
}

// Error implements the error interface.
func (e *RemoteAPIError) Error() string {
	return fmt.Sprintf("remote API error %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

// RateLimitError signals that throttling retries were exhausted for one
// request. Per-symbol recoverable.
type RateLimitError struct {
	Attempts  int
	LastDelay time.Duration
}

// Error implements the error interface.
func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit retries exhausted after %d attempts (last backoff %s)", e.Attempts, e.LastDelay)
}

// IsRateLimit reports whether err is (or wraps) a RateLimitError.
func IsRateLimit(err error) bool {
	var rle *RateLimitError
	return errors.As(err, &rle)
}

// IsRemoteAPI reports whether err is (or wraps) a RemoteAPIError.
func IsRemoteAPI(err error) bool {
	var rae *RemoteAPIError
	return errors.As(err, &rae)
}
