package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/stonxx/barhoard/internal/models"
)

const (
	defaultDataURL    = "https://data.alpaca.markets"
	defaultTradingURL = "https://api.alpaca.markets"

	// maxPageLimit is the largest page size the bars endpoint accepts.
	maxPageLimit = 10000

	// maxErrorBodyBytes caps how much of an error response body is carried
	// in a RemoteAPIError.
	maxErrorBodyBytes = 200
)

// AlpacaConfig configures an AlpacaClient.
type AlpacaConfig struct {
	APIKey     string
	APISecret  string
	DataURL    string        // empty uses the production data endpoint
	TradingURL string        // empty uses the production trading endpoint
	Timeout    time.Duration // HTTP client timeout, default 30s

	// Throttle retry policy. Zero values use the defaults: 5 attempts,
	// 500ms initial backoff doubling to a 30s cap.
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// AlpacaClient talks to the Alpaca market data and trading APIs. Every
// outbound request first waits on the shared gate, and HTTP 429 responses are
// retried with exponential backoff up to a bounded attempt count. All other
// non-2xx responses surface immediately as RemoteAPIError.
type AlpacaClient struct {
	httpClient *http.Client
	dataURL    string
	tradingURL string
	apiKey     string
	apiSecret  string
	gate       Gate
	logger     *slog.Logger

	maxAttempts    int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewAlpacaClient creates a client with the given credentials and pacing gate.
// A nil gate disables pacing; a nil logger discards logs.
func NewAlpacaClient(cfg AlpacaConfig, gate Gate, logger *slog.Logger) (*AlpacaClient, error) {
	if cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, fmt.Errorf("alpaca credentials are required")
	}
	if cfg.DataURL == "" {
		cfg.DataURL = defaultDataURL
	}
	if cfg.TradingURL == "" {
		cfg.TradingURL = defaultTradingURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if gate == nil {
		gate = NopGate{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	return &AlpacaClient{
		httpClient:     &http.Client{Timeout: cfg.Timeout},
		dataURL:        strings.TrimRight(cfg.DataURL, "/"),
		tradingURL:     strings.TrimRight(cfg.TradingURL, "/"),
		apiKey:         cfg.APIKey,
		apiSecret:      cfg.APISecret,
		gate:           gate,
		logger:         logger,
		maxAttempts:    cfg.MaxAttempts,
		initialBackoff: cfg.InitialBackoff,
		maxBackoff:     cfg.MaxBackoff,
	}, nil
}

// alpacaBar is the wire shape of one bar from the data API.
type alpacaBar struct {
	Timestamp string  `json:"t"`
	Open      float64 `json:"o"`
	High      float64 `json:"h"`
	Low       float64 `json:"l"`
	Close     float64 `json:"c"`
	Volume    int64   `json:"v"`
}

// barsResponse is the envelope of the bars endpoint. The bars field is a
// plain array on the single-symbol endpoint and a symbol-keyed object on the
// multi-symbol endpoint, so it is decoded in a second pass.
type barsResponse struct {
	Bars          json.RawMessage `json:"bars"`
	Symbol        string          `json:"symbol"`
	NextPageToken *string         `json:"next_page_token"`
}

// FetchPage implements BarFetcher.FetchPage.
func (c *AlpacaClient) FetchPage(ctx context.Context, req PageRequest) (*PageResponse, error) {
	if err := req.Validate(); err != nil {
		return nil, fmt.Errorf("invalid page request: %w", err)
	}

	limit := req.Limit
	if limit <= 0 || limit > maxPageLimit {
		limit = maxPageLimit
	}

	params := url.Values{}
	params.Set("timeframe", req.Timeframe)
	params.Set("start", req.Start.UTC().Format(time.RFC3339))
	params.Set("end", req.End.UTC().Format(time.RFC3339))
	params.Set("limit", strconv.Itoa(limit))
	params.Set("adjustment", "raw")
	if req.PageToken != "" {
		params.Set("page_token", req.PageToken)
	}

	endpoint := fmt.Sprintf("%s/v2/stocks/%s/bars?%s", c.dataURL, url.PathEscape(req.Symbol), params.Encode())

	body, err := c.doWithThrottleRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var envelope barsResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("decoding bars response for %s: %w", req.Symbol, err)
	}

	raw, err := decodeBarsField(envelope.Bars, req.Symbol)
	if err != nil {
		return nil, fmt.Errorf("decoding bars for %s: %w", req.Symbol, err)
	}

	bars := make([]models.Bar, 0, len(raw))
	for i, ab := range raw {
		ts, err := time.Parse(time.RFC3339, ab.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("bar %d for %s: bad timestamp %q: %w", i, req.Symbol, ab.Timestamp, err)
		}
		bars = append(bars, models.Bar{
			Symbol:    req.Symbol,
			Timeframe: req.Timeframe,
			Timestamp: ts.Unix(),
			Open:      ab.Open,
			High:      ab.High,
			Low:       ab.Low,
			Close:     ab.Close,
			Volume:    ab.Volume,
		})
	}

	resp := &PageResponse{Bars: bars}
	if envelope.NextPageToken != nil {
		resp.NextPageToken = *envelope.NextPageToken
	}
	return resp, nil
}

// decodeBarsField handles both wire shapes of the bars field: a plain array
// and a symbol-keyed object. A null or absent field means an empty page.
func decodeBarsField(raw json.RawMessage, symbol string) ([]alpacaBar, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}

	var list []alpacaBar
	if err := json.Unmarshal(raw, &list); err == nil {
		return list, nil
	}

	var keyed map[string][]alpacaBar
	if err := json.Unmarshal(raw, &keyed); err != nil {
		return nil, fmt.Errorf("unrecognized bars payload shape: %w", err)
	}
	return keyed[symbol], nil
}

// alpacaAsset is the wire shape of one asset from the trading API.
type alpacaAsset struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Exchange string `json:"exchange"`
	Status   string `json:"status"`
	Tradable bool   `json:"tradable"`
}

// ListAssets implements AssetLister.ListAssets.
func (c *AlpacaClient) ListAssets(ctx context.Context, filter AssetFilter) ([]models.Asset, error) {
	params := url.Values{}
	if filter.Status != "" {
		params.Set("status", filter.Status)
	}
	if filter.Exchange != "" {
		params.Set("exchange", filter.Exchange)
	}
	if filter.AssetClass != "" {
		params.Set("asset_class", filter.AssetClass)
	}

	endpoint := c.tradingURL + "/v2/assets"
	if encoded := params.Encode(); encoded != "" {
		endpoint += "?" + encoded
	}

	body, err := c.doWithThrottleRetry(ctx, endpoint)
	if err != nil {
		return nil, err
	}

	var raw []alpacaAsset
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decoding assets response: %w", err)
	}

	assets := make([]models.Asset, 0, len(raw))
	for _, a := range raw {
		assets = append(assets, models.Asset{
			Symbol:   a.Symbol,
			Name:     a.Name,
			Exchange: a.Exchange,
			Status:   a.Status,
			Tradable: a.Tradable,
		})
	}
	return assets, nil
}

// HealthCheck implements HealthChecker. It hits the trading account endpoint,
// which fails fast on bad credentials.
func (c *AlpacaClient) HealthCheck(ctx context.Context) error {
	_, err := c.doWithThrottleRetry(ctx, c.tradingURL+"/v2/account")
	return err
}

// doWithThrottleRetry executes one GET with pacing and the bounded throttle
// retry policy. Only HTTP 429 is retried; every retry attempt waits on the
// gate again so the inter-request spacing also covers retries.
func (c *AlpacaClient) doWithThrottleRetry(ctx context.Context, endpoint string) ([]byte, error) {
	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = c.initialBackoff
	policy.MaxInterval = c.maxBackoff
	policy.Multiplier = 2.0
	policy.MaxElapsedTime = 0
	policy.Reset()

	var lastDelay time.Duration
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		if err := c.gate.Wait(ctx); err != nil {
			return nil, fmt.Errorf("waiting for request gate: %w", err)
		}

		body, retryAfter, err := c.doOnce(ctx, endpoint)
		if err == nil {
			return body, nil
		}
		if !IsRateLimit(err) {
			return nil, err
		}

		if attempt == c.maxAttempts {
			return nil, &RateLimitError{Attempts: attempt, LastDelay: lastDelay}
		}

		delay := policy.NextBackOff()
		if retryAfter > delay {
			delay = retryAfter
		}
		lastDelay = delay

		c.logger.Warn("throttled by remote API, backing off",
			"url", endpoint,
			"attempt", attempt,
			"delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, &RateLimitError{Attempts: c.maxAttempts, LastDelay: lastDelay}
}

// doOnce performs a single GET. A 429 response returns a RateLimitError
// sentinel plus any Retry-After hint; other non-2xx responses return a
// RemoteAPIError with a truncated body.
func (c *AlpacaClient) doOnce(ctx context.Context, endpoint string) ([]byte, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("APCA-API-KEY-ID", c.apiKey)
	req.Header.Set("APCA-API-SECRET-KEY", c.apiSecret)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		io.Copy(io.Discard, resp.Body)
		return nil, parseRetryAfter(resp.Header.Get("Retry-After")), &RateLimitError{Attempts: 1}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return nil, 0, &RemoteAPIError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(snippet)),
			URL:        endpoint,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("reading response body: %w", err)
	}
	return body, 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	secs, err := strconv.Atoi(header)
	if err != nil || secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

// Compile-time interface compliance check
var _ Client = (*AlpacaClient)(nil)
