// Package client is the top-level facade: it wires the streaming session, the
// REST fetcher, the market data cache, and the background refresh pool into a
// single resilient market data client.
package client

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sourcegraph/conc"

	"github.com/quoterra/marketfeed/config"
	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/books"
	"github.com/quoterra/marketfeed/internal/cache"
	"github.com/quoterra/marketfeed/internal/observability"
	"github.com/quoterra/marketfeed/internal/rest"
	"github.com/quoterra/marketfeed/internal/schema"
	"github.com/quoterra/marketfeed/internal/session"
	"github.com/quoterra/marketfeed/internal/subs"
	"github.com/quoterra/marketfeed/lib/async"
)

// ChannelOrderBook is the depth stream channel name.
const ChannelOrderBook = "orderbook"

// Fetcher is the REST surface the client depends on. *rest.Client satisfies
// it; tests substitute fakes.
type Fetcher interface {
	OrderBook(ctx context.Context, symbol string) (rest.BookResponse, error)
	RecentTrades(ctx context.Context, symbol string, limit int) ([]schema.TradePayload, error)
	Stats24h(ctx context.Context) ([]rest.StatsResponse, error)
	OHLCV(ctx context.Context, symbol, interval string, limit int) ([]schema.CandlePayload, error)
}

// Client aggregates the market data surfaces behind one handle.
type Client struct {
	cfg      config.Settings
	store    *cache.Store
	registry *subs.Registry
	session  *session.Session
	fetcher  Fetcher
	pool     *async.Pool

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	loops   *conc.WaitGroup
}

// Option adjusts client construction.
type Option func(*options)

type options struct {
	fetcher     Fetcher
	dialer      session.Dialer
	creds       session.CredentialSource
	notifier    session.Notifier
	routes      session.UserRoutes
	stateHooks  []func(session.State)
	refreshTick time.Duration
}

// WithFetcher substitutes the REST fetcher.
func WithFetcher(fetcher Fetcher) Option {
	return func(o *options) { o.fetcher = fetcher }
}

// WithDialer substitutes the stream transport dialer.
func WithDialer(dialer session.Dialer) Option {
	return func(o *options) { o.dialer = dialer }
}

// WithCredentials substitutes the credential source. By default the token
// from the configuration is used as a static credential.
func WithCredentials(creds session.CredentialSource) Option {
	return func(o *options) { o.creds = creds }
}

// WithNotifier wires the feed-unavailable notification collaborator.
func WithNotifier(notifier session.Notifier) Option {
	return func(o *options) { o.notifier = notifier }
}

// WithUserRoutes wires user-scoped order and trade update callbacks.
func WithUserRoutes(routes session.UserRoutes) Option {
	return func(o *options) { o.routes = routes }
}

// WithStateObserver registers a connection state change callback.
func WithStateObserver(fn func(session.State)) Option {
	return func(o *options) { o.stateHooks = append(o.stateHooks, fn) }
}

// staticCredentials serves a fixed token. It cannot refresh, so a rejected
// token ends in logout.
type staticCredentials struct {
	token string
}

func (c staticCredentials) Token(context.Context) (string, bool) {
	return c.token, c.token != ""
}

func (c staticCredentials) Refresh(context.Context) error {
	return errs.New("client", errs.CodeAuth, errs.WithMessage("static credentials cannot be refreshed"))
}

func (staticCredentials) Logout(context.Context) {}

// New constructs the client from settings. Start must be called before data
// flows.
func New(cfg config.Settings, opts ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	metrics := observability.NewRuntimeMetrics()
	if o.fetcher == nil {
		o.fetcher = rest.NewClient(rest.Config{
			Venue:        cfg.Venue,
			BaseURL:      cfg.REST.BaseURL,
			Timeout:      cfg.REST.Timeout,
			RequestsPerS: cfg.REST.RatePerSecond,
			Burst:        cfg.REST.RateBurst,
			MaxAttempts:  uint(cfg.REST.MaxAttempts),
			BaseDelay:    cfg.REST.BaseRetryDelay,
			OnRetry: func(error, time.Duration) {
				metrics.RecordRequestRetry()
			},
		})
	}
	if o.creds == nil && cfg.Credentials.APIToken != "" {
		o.creds = staticCredentials{token: cfg.Credentials.APIToken}
	}

	pool, err := async.NewPool(cfg.Refresh.Workers, cfg.Refresh.Queue)
	if err != nil {
		return nil, err
	}

	c := &Client{
		cfg:      cfg,
		store:    cache.NewStore(),
		registry: subs.NewRegistry(),
		fetcher:  o.fetcher,
		pool:     pool,
	}

	sessionOpts := []session.Option{
		session.WithRefreshHook(c.scheduleBookRefresh),
		session.WithUserRoutes(o.routes),
		session.WithMetrics(metrics),
	}
	if o.dialer != nil {
		sessionOpts = append(sessionOpts, session.WithDialer(o.dialer))
	}
	if o.creds != nil {
		sessionOpts = append(sessionOpts, session.WithCredentials(o.creds))
	}
	if o.notifier != nil {
		sessionOpts = append(sessionOpts, session.WithNotifier(o.notifier))
	}
	c.session = session.New(session.Config{
		URL:                  cfg.Stream.URL,
		ConnectTimeout:       cfg.Stream.ConnectTimeout,
		BaseReconnectDelay:   cfg.Stream.BaseReconnectDelay,
		MaxReconnectAttempts: cfg.Stream.MaxReconnectAttempts,
		PingInterval:         cfg.Stream.PingInterval,
	}, c.registry, c.store, sessionOpts...)
	for _, hook := range o.stateHooks {
		c.session.Observe(hook)
	}
	return c, nil
}

// Start connects the stream and launches the periodic snapshot refresh loop.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errs.New("client", errs.CodeInvalid, errs.WithMessage("client already started"))
	}
	c.started = true
	loopCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	c.loops = new(conc.WaitGroup)
	loops := c.loops
	c.mu.Unlock()

	if err := c.session.Connect(ctx); err != nil {
		cancel()
		c.mu.Lock()
		c.started = false
		c.mu.Unlock()
		return err
	}

	if c.cfg.Refresh.Interval > 0 {
		loops.Go(func() { c.refreshLoop(loopCtx) })
	}
	return nil
}

// Close disconnects the stream and drains background work.
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = false
	cancel := c.cancel
	loops := c.loops
	c.mu.Unlock()

	cancel()
	c.session.Close()
	loops.Wait()
	return c.pool.Shutdown(ctx)
}

// Subscribe registers interest in a channel. Depth subscriptions are primed
// with a REST snapshot so the book is usable before the first delta.
func (c *Client) Subscribe(ctx context.Context, channel, symbol string) error {
	if err := c.session.Subscribe(ctx, channel, symbol); err != nil {
		return err
	}
	if channel == ChannelOrderBook && symbol != "" {
		c.scheduleBookRefresh(symbol)
	}
	return nil
}

// Unsubscribe removes interest in a channel.
func (c *Client) Unsubscribe(ctx context.Context, channel, symbol string) error {
	return c.session.Unsubscribe(ctx, channel, symbol)
}

// Subscriptions returns the currently desired subscription set.
func (c *Client) Subscriptions() []subs.Subscription {
	return c.registry.Snapshot()
}

// ConnectionStatus reports the stream lifecycle state.
func (c *Client) ConnectionStatus() session.State {
	return c.session.Status()
}

// Authenticated reports whether the stream handshake completed.
func (c *Client) Authenticated() bool {
	return c.session.Authenticated()
}

// MetricsSnapshot returns the session runtime counters.
func (c *Client) MetricsSnapshot() observability.SessionMetricsSnapshot {
	return c.session.Metrics().Snapshot()
}

// OrderBook returns a copy of the cached depth for the symbol.
func (c *Client) OrderBook(symbol string) (*books.Book, bool) {
	return c.store.OrderBook(symbol)
}

// RecentTrades returns the cached trade history, newest first.
func (c *Client) RecentTrades(symbol string) []cache.Trade {
	return c.store.Trades(symbol)
}

// Ticker returns the cached ticker for the symbol.
func (c *Client) Ticker(symbol string) (cache.Ticker, bool) {
	return c.store.Ticker(symbol)
}

// EstimateOrder simulates a market order against the cached depth. It never
// places an order and never mutates the book.
func (c *Client) EstimateOrder(symbol string, side schema.TradeSide, quantity decimal.Decimal) (books.Estimate, error) {
	book, ok := c.store.OrderBook(symbol)
	if !ok {
		return books.Estimate{}, errs.New(c.cfg.Venue, errs.CodeUnavailable,
			errs.WithMessage("no order book cached for "+symbol))
	}
	return books.EstimateMarketOrder(book, side, quantity), nil
}

// FetchTrades pulls trade history over REST, bypassing the cache.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]schema.TradePayload, error) {
	return c.fetcher.RecentTrades(ctx, symbol, limit)
}

// Candles fetches OHLCV bars over REST.
func (c *Client) Candles(ctx context.Context, symbol, interval string, limit int) ([]schema.CandlePayload, error) {
	return c.fetcher.OHLCV(ctx, symbol, interval, limit)
}

// RefreshStats fetches 24h statistics and folds them into the ticker cache.
func (c *Client) RefreshStats(ctx context.Context) error {
	stats, err := c.fetcher.Stats24h(ctx)
	if err != nil {
		return err
	}
	for _, stat := range stats {
		payload := schema.TickerPayload{
			LastPrice: stat.LastPrice,
			High24h:   stat.High24h,
			Low24h:    stat.Low24h,
			Volume24h: stat.Volume24h,
			Timestamp: stat.Timestamp,
		}
		if err := c.store.UpdateTicker(stat.Symbol, payload); err != nil {
			observability.Log().Warn("fold stats",
				observability.F("symbol", stat.Symbol),
				observability.F("error", err.Error()),
			)
		}
	}
	return nil
}

// RefreshBook fetches a depth snapshot over REST and replaces the cached book.
func (c *Client) RefreshBook(ctx context.Context, symbol string) error {
	snapshot, err := c.fetcher.OrderBook(ctx, symbol)
	if err != nil {
		return err
	}
	return c.store.ApplyBookSnapshot(symbol, schema.BookSnapshotPayload{
		Bids:       snapshot.Bids,
		Asks:       snapshot.Asks,
		LastUpdate: snapshot.Timestamp,
	})
}

// scheduleBookRefresh queues a snapshot refetch on the background pool. Used
// both for refresh signals from the stream and for priming new subscriptions.
func (c *Client) scheduleBookRefresh(symbol string) {
	err := c.pool.Submit(context.Background(), func(ctx context.Context) error {
		fetchCtx, cancel := context.WithTimeout(ctx, c.cfg.REST.Timeout*time.Duration(c.cfg.REST.MaxAttempts+1))
		defer cancel()
		return c.RefreshBook(fetchCtx, symbol)
	})
	if err != nil {
		observability.Log().Warn("schedule book refresh",
			observability.F("symbol", symbol),
			observability.F("error", err.Error()),
		)
	}
}

// refreshLoop periodically refetches snapshots for every subscribed depth
// symbol so a quiet stream cannot hide a stale book.
func (c *Client) refreshLoop(ctx context.Context) {
	ticker := time.NewTicker(c.cfg.Refresh.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, symbol := range c.depthSymbols() {
				c.scheduleBookRefresh(symbol)
			}
		}
	}
}

func (c *Client) depthSymbols() []string {
	var symbols []string
	for _, sub := range c.registry.Snapshot() {
		if sub.Channel == ChannelOrderBook && strings.TrimSpace(sub.Symbol) != "" {
			symbols = append(symbols, sub.Symbol)
		}
	}
	return symbols
}
