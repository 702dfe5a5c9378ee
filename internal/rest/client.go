// Package rest consumes the venue's discrete market-data endpoints.
package rest

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/request"
	"github.com/quoterra/marketfeed/internal/schema"
)

// Client fetches order book, trade, stats, and OHLCV snapshots over HTTP.
// Every call is rate limited, retried per the executor policy, and carries
// the per-attempt timeout of the underlying http.Client.
type Client struct {
	venue       string
	baseURL     string
	http        *http.Client
	limiter     *rate.Limiter
	maxAttempts uint
	baseDelay   time.Duration
	onRetry     func(err error, delay time.Duration)
}

// Config tunes the REST client.
type Config struct {
	Venue        string
	BaseURL      string
	Timeout      time.Duration
	RequestsPerS float64
	Burst        int
	MaxAttempts  uint
	BaseDelay    time.Duration
	OnRetry      func(err error, delay time.Duration)
}

// NewClient constructs a REST client with the provided configuration.
func NewClient(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.RequestsPerS <= 0 {
		cfg.RequestsPerS = 10
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = request.DefaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = request.DefaultBaseDelay
	}
	httpClient := new(http.Client)
	httpClient.Timeout = cfg.Timeout
	return &Client{
		venue:       cfg.Venue,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		http:        httpClient,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RequestsPerS), cfg.Burst),
		maxAttempts: cfg.MaxAttempts,
		baseDelay:   cfg.BaseDelay,
		onRetry:     cfg.OnRetry,
	}
}

// BookResponse is the order book snapshot endpoint payload.
type BookResponse struct {
	Symbol    string              `json:"symbol"`
	Bids      []schema.PriceLevel `json:"bids"`
	Asks      []schema.PriceLevel `json:"asks"`
	Timestamp time.Time           `json:"timestamp"`
}

// StatsResponse is one symbol's 24h statistics.
type StatsResponse struct {
	Symbol    string    `json:"symbol"`
	LastPrice string    `json:"last_price"`
	High24h   string    `json:"high_24h"`
	Low24h    string    `json:"low_24h"`
	Volume24h string    `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

type serverError struct {
	ErrorText string `json:"error"`
	Message   string `json:"message"`
}

// OrderBook fetches the current depth snapshot for the symbol.
func (c *Client) OrderBook(ctx context.Context, symbol string) (BookResponse, error) {
	var out BookResponse
	err := c.getJSON(ctx, "/api/v1/orderbook/"+url.PathEscape(symbol), nil, &out)
	return out, err
}

// RecentTrades fetches up to limit recent trades for the symbol, newest first.
func (c *Client) RecentTrades(ctx context.Context, symbol string, limit int) ([]schema.TradePayload, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []schema.TradePayload
	err := c.getJSON(ctx, "/api/v1/trades/"+url.PathEscape(symbol), query, &out)
	return out, err
}

// Stats24h fetches 24 hour statistics for every listed symbol.
func (c *Client) Stats24h(ctx context.Context) ([]StatsResponse, error) {
	var out []StatsResponse
	err := c.getJSON(ctx, "/api/v1/stats/24h", nil, &out)
	return out, err
}

// OHLCV fetches candlestick bars for the symbol.
func (c *Client) OHLCV(ctx context.Context, symbol, interval string, limit int) ([]schema.CandlePayload, error) {
	query := url.Values{}
	if interval != "" {
		query.Set("interval", interval)
	}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out []schema.CandlePayload
	err := c.getJSON(ctx, "/api/v1/ohlcv/"+url.PathEscape(symbol), query, &out)
	return out, err
}

func (c *Client) getJSON(ctx context.Context, endpoint string, query url.Values, out any) error {
	opts := []request.Option{
		request.WithMaxAttempts(c.maxAttempts),
		request.WithBaseDelay(c.baseDelay),
	}
	if c.onRetry != nil {
		opts = append(opts, request.WithNotify(c.onRetry))
	}
	_, err := request.Do(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.fetchOnce(ctx, endpoint, query, out)
	}, opts...)
	return err
}

func (c *Client) fetchOnce(ctx context.Context, endpoint string, query url.Values, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limit wait: %w", err)
	}

	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return errs.New(c.venue, errs.CodeInvalid, errs.WithMessage("build request"), errs.WithCause(err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.New(c.venue, errs.CodeNetwork, errs.WithMessage("request "+endpoint), errs.WithCause(err))
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errs.New(c.venue, errs.CodeNetwork, errs.WithMessage("read body"), errs.WithCause(err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.statusError(resp.StatusCode, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return errs.New(c.venue, errs.CodeExchange, errs.WithMessage("decode "+endpoint), errs.WithCause(err))
	}
	return nil
}

// statusError maps a non-2xx response to the retry taxonomy, preserving the
// most specific server-provided text.
func (c *Client) statusError(status int, body []byte) error {
	var server serverError
	_ = json.Unmarshal(body, &server)
	raw := server.ErrorText
	if raw == "" {
		raw = server.Message
	}

	opts := []errs.Option{errs.WithHTTP(status)}
	if raw != "" {
		opts = append(opts, errs.WithRawMessage(raw))
	}

	switch {
	case status == http.StatusTooManyRequests:
		return errs.New(c.venue, errs.CodeRateLimited, opts...)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return errs.New(c.venue, errs.CodeAuth, opts...)
	default:
		return errs.New(c.venue, errs.CodeExchange, opts...)
	}
}
