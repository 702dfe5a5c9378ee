package client

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterra/marketfeed/config"
	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/rest"
	"github.com/quoterra/marketfeed/internal/schema"
	"github.com/quoterra/marketfeed/internal/session"
)

type fakeConn struct {
	inbound chan []byte
	dead    chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{inbound: make(chan []byte, 16), dead: make(chan struct{})}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-c.inbound:
		return frame, nil
	case <-c.dead:
		return nil, errors.New("connection reset")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Write(context.Context, []byte) error { return nil }
func (c *fakeConn) Ping(context.Context) error          { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.dead) })
	return nil
}

type fakeDialer struct {
	mu    sync.Mutex
	conns []*fakeConn
	next  int
}

func (d *fakeDialer) Dial(context.Context, string) (session.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.next >= len(d.conns) {
		return nil, errors.New("dial refused")
	}
	conn := d.conns[d.next]
	d.next++
	return conn, nil
}

type fakeFetcher struct {
	mu        sync.Mutex
	book      rest.BookResponse
	bookErr   error
	bookCalls int
	stats     []rest.StatsResponse
	trades    []schema.TradePayload
	candles   []schema.CandlePayload
}

func (f *fakeFetcher) OrderBook(context.Context, string) (rest.BookResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bookCalls++
	return f.book, f.bookErr
}

func (f *fakeFetcher) RecentTrades(context.Context, string, int) ([]schema.TradePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades, nil
}

func (f *fakeFetcher) Stats24h(context.Context) ([]rest.StatsResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, nil
}

func (f *fakeFetcher) OHLCV(context.Context, string, string, int) ([]schema.CandlePayload, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.candles, nil
}

func (f *fakeFetcher) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bookCalls
}

func testSettings() config.Settings {
	cfg := config.Default()
	cfg.Stream.BaseReconnectDelay = time.Millisecond
	cfg.Refresh.Interval = 0 // refresh loop driven explicitly in tests
	return cfg
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func startedClient(t *testing.T, fetcher *fakeFetcher, conns ...*fakeConn) *Client {
	t.Helper()
	dialer := &fakeDialer{conns: conns}
	c, err := New(testSettings(), WithFetcher(fetcher), WithDialer(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := c.Close(ctx); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func TestSubscribePrimesOrderBook(t *testing.T) {
	fetcher := &fakeFetcher{book: rest.BookResponse{
		Symbol: "BTC-USD",
		Bids:   []schema.PriceLevel{{Price: "100", Quantity: "1"}},
		Asks:   []schema.PriceLevel{{Price: "101", Quantity: "2"}},
	}}
	c := startedClient(t, fetcher, newFakeConn())

	if err := c.Subscribe(context.Background(), ChannelOrderBook, "BTC-USD"); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	waitFor(t, "primed book", func() bool {
		_, ok := c.OrderBook("BTC-USD")
		return ok
	})

	estimate, err := c.EstimateOrder("BTC-USD", schema.TradeSideBuy, decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("EstimateOrder: %v", err)
	}
	if !estimate.Feasible || estimate.AveragePrice.String() != "101" {
		t.Fatalf("estimate = %+v, want feasible at 101", estimate)
	}
}

func TestEstimateOrderWithoutBook(t *testing.T) {
	c := startedClient(t, &fakeFetcher{}, newFakeConn())

	_, err := c.EstimateOrder("ETH-USD", schema.TradeSideSell, decimal.NewFromInt(1))
	if errs.CodeOf(err) != errs.CodeUnavailable {
		t.Fatalf("error = %v, want unavailable", err)
	}
}

func TestRefreshSignalRefetchesSnapshot(t *testing.T) {
	conn := newFakeConn()
	fetcher := &fakeFetcher{book: rest.BookResponse{
		Symbol: "BTC-USD",
		Bids:   []schema.PriceLevel{{Price: "99", Quantity: "1"}},
		Asks:   []schema.PriceLevel{{Price: "100", Quantity: "1"}},
	}}
	c := startedClient(t, fetcher, conn)

	conn.inbound <- []byte(`{"type":"orderbook_update","symbol":"BTC-USD","changes":[]}`)
	waitFor(t, "snapshot refetch", func() bool { return fetcher.calls() == 1 })
	waitFor(t, "book replaced", func() bool {
		book, ok := c.OrderBook("BTC-USD")
		if !ok {
			return false
		}
		best, ok := book.BestAsk()
		return ok && best.Price.String() == "100"
	})
}

func TestRefreshStatsMergesTickers(t *testing.T) {
	fetcher := &fakeFetcher{stats: []rest.StatsResponse{
		{Symbol: "BTC-USD", LastPrice: "64000", Volume24h: "1200"},
		{Symbol: "ETH-USD", LastPrice: "2600"},
	}}
	c := startedClient(t, fetcher, newFakeConn())

	if err := c.RefreshStats(context.Background()); err != nil {
		t.Fatalf("RefreshStats: %v", err)
	}
	ticker, ok := c.Ticker("BTC-USD")
	if !ok || ticker.LastPrice.String() != "64000" {
		t.Fatalf("ticker = %+v ok=%v, want last price 64000", ticker, ok)
	}
	if _, ok := c.Ticker("ETH-USD"); !ok {
		t.Fatalf("second stats row not folded in")
	}
}

func TestLifecycle(t *testing.T) {
	dialer := &fakeDialer{conns: []*fakeConn{newFakeConn()}}
	c, err := New(testSettings(), WithFetcher(&fakeFetcher{}), WithDialer(dialer))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if got := c.ConnectionStatus(); got != session.StateConnected {
		t.Fatalf("status = %v, want connected", got)
	}
	if err := c.Start(context.Background()); errs.CodeOf(err) != errs.CodeInvalid {
		t.Fatalf("second Start = %v, want invalid", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := c.ConnectionStatus(); got != session.StateDisconnected {
		t.Fatalf("status after close = %v, want disconnected", got)
	}
	if err := c.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
