package rest

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/quoterra/marketfeed/errs"
)

func testClient(baseURL string) *Client {
	return NewClient(Config{
		Venue:        "testvenue",
		BaseURL:      baseURL,
		Timeout:      2 * time.Second,
		RequestsPerS: 1000,
		Burst:        100,
		MaxAttempts:  3,
		BaseDelay:    time.Millisecond,
	})
}

func TestOrderBook(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/orderbook/BTC-USD" {
			t.Errorf("path = %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"symbol":"BTC-USD","bids":[{"price":"100","quantity":"1"}],"asks":[{"price":"101","quantity":"2"}]}`))
	}))
	defer server.Close()

	book, err := testClient(server.URL).OrderBook(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("OrderBook() error = %v", err)
	}
	if book.Symbol != "BTC-USD" || len(book.Bids) != 1 || len(book.Asks) != 1 {
		t.Errorf("book = %+v", book)
	}
}

func TestRecentTradesQuery(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("limit"); got != "50" {
			t.Errorf("limit = %q, want 50", got)
		}
		_, _ = w.Write([]byte(`[{"trade_id":"t1","side":"Buy","price":"100","quantity":"0.5"}]`))
	}))
	defer server.Close()

	trades, err := testClient(server.URL).RecentTrades(context.Background(), "BTC-USD", 50)
	if err != nil {
		t.Fatalf("RecentTrades() error = %v", err)
	}
	if len(trades) != 1 || trades[0].TradeID != "t1" {
		t.Errorf("trades = %+v", trades)
	}
}

func TestRetryOnServerError(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).Stats24h(context.Background())
	if err != nil {
		t.Fatalf("Stats24h() error = %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3 (two retries)", got)
	}
}

func TestNoRetryOnNotFound(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"unknown symbol"}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).OrderBook(context.Background(), "NOPE-USD")
	if err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want exactly 1 for HTTP 404", got)
	}
	if errs.CodeOf(err) != errs.CodeExchange {
		t.Errorf("code = %s, want exchange_error", errs.CodeOf(err))
	}

	var envelope *errs.E
	if !errors.As(err, &envelope) {
		t.Fatal("expected envelope")
	}
	if envelope.UserMessage() != "unknown symbol" {
		t.Errorf("UserMessage() = %q, want server text", envelope.UserMessage())
	}
}

func TestRateLimitedIsRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"symbol":"BTC-USD","bids":[],"asks":[]}`))
	}))
	defer server.Close()

	_, err := testClient(server.URL).OrderBook(context.Background(), "BTC-USD")
	if err != nil {
		t.Fatalf("OrderBook() error = %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2", got)
	}
}

func TestAuthErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer server.Close()

	_, err := testClient(server.URL).Stats24h(context.Background())
	if errs.CodeOf(err) != errs.CodeAuth {
		t.Errorf("code = %s, want auth", errs.CodeOf(err))
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1", got)
	}
}

func TestNetworkErrorClassification(t *testing.T) {
	client := testClient("http://127.0.0.1:1")
	client.maxAttempts = 1

	_, err := client.OrderBook(context.Background(), "BTC-USD")
	if errs.CodeOf(err) != errs.CodeNetwork {
		t.Errorf("code = %s, want network", errs.CodeOf(err))
	}
}
