// Package session owns the persistent streaming connection: lifecycle state,
// the authentication handshake, reconnection with linear backoff, subscription
// replay, and the single-goroutine dispatch of inbound events into the cache.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/cache"
	"github.com/quoterra/marketfeed/internal/observability"
	"github.com/quoterra/marketfeed/internal/schema"
	"github.com/quoterra/marketfeed/internal/subs"
)

// State enumerates connection lifecycle states.
type State int32

const (
	// StateDisconnected is the idle state before Connect and after Close.
	StateDisconnected State = iota
	// StateConnecting means a dial is in flight.
	StateConnecting
	// StateConnected means the transport is established.
	StateConnected
	// StateAuthenticating means the auth handshake awaits a response.
	StateAuthenticating
	// StateReconnecting means a reconnect timer is pending.
	StateReconnecting
	// StateFailed means the reconnect budget is exhausted; only an explicit
	// Connect leaves this state.
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateAuthenticating:
		return "authenticating"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// CredentialSource supplies and maintains the authentication token. Auth
// failures are delegated here rather than retried by the session.
type CredentialSource interface {
	Token(ctx context.Context) (string, bool)
	Refresh(ctx context.Context) error
	Logout(ctx context.Context)
}

// Notifier receives the single user-facing notice when the reconnect budget
// is exhausted.
type Notifier interface {
	FeedUnavailable(reason string)
}

// UserRoutes receives user-scoped updates that bypass the market data cache.
type UserRoutes struct {
	OnOrderUpdate func(schema.OrderUpdatePayload)
	OnTradeUpdate func(schema.TradeUpdatePayload)
}

// Config tunes the session lifecycle.
type Config struct {
	URL                  string
	ConnectTimeout       time.Duration
	BaseReconnectDelay   time.Duration
	MaxReconnectAttempts int
	PingInterval         time.Duration
	WriteTimeout         time.Duration
}

func (c *Config) applyDefaults() {
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 10 * time.Second
	}
	if c.BaseReconnectDelay <= 0 {
		c.BaseReconnectDelay = time.Second
	}
	if c.MaxReconnectAttempts <= 0 {
		c.MaxReconnectAttempts = 5
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

// errServerDisconnect marks a server-initiated disconnect notice.
var errServerDisconnect = errors.New("server requested disconnect")

// Session is the transport session manager. One per client process.
type Session struct {
	cfg      Config
	dialer   Dialer
	registry *subs.Registry
	store    *cache.Store
	creds    CredentialSource
	notifier Notifier
	routes   UserRoutes
	refresh  func(symbol string)
	metrics  *observability.RuntimeMetrics

	mu        sync.Mutex
	state     State
	attempts  int
	authed    bool
	conn      Conn
	cancel    context.CancelFunc
	done      chan struct{}
	ready     chan struct{}
	readyOnce *sync.Once
	running   bool
	closing   bool
	observers []func(State)
}

// Option configures optional session collaborators.
type Option func(*Session)

// WithCredentials wires the external credential collaborator.
func WithCredentials(creds CredentialSource) Option {
	return func(s *Session) { s.creds = creds }
}

// WithNotifier wires the external notification collaborator.
func WithNotifier(notifier Notifier) Option {
	return func(s *Session) { s.notifier = notifier }
}

// WithUserRoutes wires the user-scoped order/trade update routes.
func WithUserRoutes(routes UserRoutes) Option {
	return func(s *Session) { s.routes = routes }
}

// WithRefreshHook wires the callback invoked when a book refresh signal
// arrives without a delta.
func WithRefreshHook(fn func(symbol string)) Option {
	return func(s *Session) { s.refresh = fn }
}

// WithDialer substitutes the transport dialer.
func WithDialer(dialer Dialer) Option {
	return func(s *Session) { s.dialer = dialer }
}

// WithMetrics wires the runtime metrics accumulator.
func WithMetrics(metrics *observability.RuntimeMetrics) Option {
	return func(s *Session) { s.metrics = metrics }
}

// New creates a session bound to the registry and cache.
func New(cfg Config, registry *subs.Registry, store *cache.Store, opts ...Option) *Session {
	cfg.applyDefaults()
	session := &Session{
		cfg:      cfg,
		dialer:   WebsocketDialer{},
		registry: registry,
		store:    store,
		state:    StateDisconnected,
		metrics:  observability.NewRuntimeMetrics(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(session)
		}
	}
	return session
}

// Status returns the current lifecycle state.
func (s *Session) Status() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Authenticated reports whether the auth handshake has completed.
func (s *Session) Authenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.authed
}

// Metrics exposes the session's runtime counters.
func (s *Session) Metrics() *observability.RuntimeMetrics {
	return s.metrics
}

// Observe registers a state-change callback invoked on every transition.
func (s *Session) Observe(fn func(State)) {
	if fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Connect starts the session loop and blocks until the first successful
// connection or until the reconnect budget is exhausted. Calling Connect from
// the Failed state resets the attempt counter and re-enters Connecting.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errs.New("session", errs.CodeInvalid, errs.WithMessage("session already running"))
	}
	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	s.ready = make(chan struct{})
	s.readyOnce = new(sync.Once)
	s.attempts = 0
	s.closing = false
	s.running = true
	ready := s.ready
	done := s.done
	s.mu.Unlock()

	go s.run(runCtx)

	select {
	case <-ready:
		return nil
	case <-done:
		return errs.New("session", errs.CodeTransport, errs.WithMessage("reconnect attempts exhausted"))
	case <-ctx.Done():
		return fmt.Errorf("connect wait: %w", ctx.Err())
	}
}

// Close terminates the session. Client-initiated: no reconnect is scheduled
// and all counters are cleared.
func (s *Session) Close() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.closing = true
	cancel := s.cancel
	conn := s.conn
	done := s.done
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		_ = conn.Close()
	}
	<-done

	s.mu.Lock()
	s.attempts = 0
	s.authed = false
	s.mu.Unlock()
}

// Subscribe records the desired topic and, when connected, sends the
// subscribe message immediately. Idempotent per registry semantics.
func (s *Session) Subscribe(ctx context.Context, channel, symbol string) error {
	if !s.registry.Add(channel, symbol) {
		return nil
	}
	return s.sendSubscription(ctx, opSubscribe, channel, symbol)
}

// Unsubscribe removes the desired topic and, when connected, sends the
// unsubscribe message.
func (s *Session) Unsubscribe(ctx context.Context, channel, symbol string) error {
	if !s.registry.Remove(channel, symbol) {
		return nil
	}
	return s.sendSubscription(ctx, opUnsubscribe, channel, symbol)
}

func (s *Session) sendSubscription(ctx context.Context, op, channel, symbol string) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		// Recorded intent only; the replay after (re)connect delivers it.
		return nil
	}
	frame, err := encodeSubscription(op, channel, symbol)
	if err != nil {
		return fmt.Errorf("encode %s: %w", op, err)
	}
	return s.write(ctx, conn, frame)
}

func (s *Session) run(ctx context.Context) {
	defer close(s.doneChan())
	defer s.markStopped()

	for {
		if ctx.Err() != nil {
			s.transition(StateDisconnected)
			return
		}

		s.transition(StateConnecting)
		dialCtx, cancelDial := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
		conn, err := s.dialer.Dial(dialCtx, s.cfg.URL)
		cancelDial()
		if err != nil {
			if ctx.Err() != nil {
				s.transition(StateDisconnected)
				return
			}
			observability.Log().Warn("connect failed",
				observability.F("url", s.cfg.URL),
				observability.F("error", err.Error()),
			)
			if !s.delayReconnect(ctx, "connect failed") {
				return
			}
			continue
		}

		s.adoptConn(conn)
		s.transition(StateConnected)
		s.signalReady()
		observability.Log().Info("stream connected", observability.F("url", s.cfg.URL))

		s.authenticate(ctx, conn)
		s.replaySubscriptions(ctx, conn)

		readErr := s.readLoop(ctx, conn)
		s.dropConn()
		_ = conn.Close()

		if ctx.Err() != nil || s.isClosing() {
			s.transition(StateDisconnected)
			return
		}

		reason := "connection dropped"
		if errors.Is(readErr, errServerDisconnect) {
			reason = "server disconnect"
		}
		observability.Log().Warn("stream disconnected", observability.F("reason", reason))
		if !s.delayReconnect(ctx, reason) {
			return
		}
	}
}

// delayReconnect counts a failed attempt and waits out the linear backoff.
// It returns false when the budget is exhausted or the context ended; on
// exhaustion the notifier hears about it exactly once.
func (s *Session) delayReconnect(ctx context.Context, reason string) bool {
	s.mu.Lock()
	s.attempts++
	attempt := s.attempts
	s.mu.Unlock()

	if attempt > s.cfg.MaxReconnectAttempts {
		s.transition(StateFailed)
		s.metrics.RecordExhaustion()
		observability.Telemetry().IncCounter("session_exhaustions_total", 1, nil)
		observability.Log().Error("reconnect attempts exhausted", observability.F("attempts", attempt-1))
		if s.notifier != nil {
			s.notifier.FeedUnavailable(reason)
		}
		return false
	}

	s.metrics.RecordReconnectAttempt()
	observability.Telemetry().IncCounter("session_reconnect_attempts_total", 1, nil)
	s.transition(StateReconnecting)

	delay := s.cfg.BaseReconnectDelay * time.Duration(attempt)
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		s.transition(StateDisconnected)
		return false
	case <-timer.C:
		return true
	}
}

// authenticate sends the handshake when a credential is available. The
// response is handled by the dispatch loop so data flow is never blocked.
func (s *Session) authenticate(ctx context.Context, conn Conn) {
	if s.creds == nil {
		return
	}
	token, ok := s.creds.Token(ctx)
	if !ok || token == "" {
		return
	}
	frame, err := encodeAuthenticate(token)
	if err != nil {
		observability.Log().Error("encode authenticate", observability.F("error", err.Error()))
		return
	}
	s.transition(StateAuthenticating)
	if err := s.write(ctx, conn, frame); err != nil {
		observability.Log().Warn("send authenticate", observability.F("error", err.Error()))
	}
}

// replaySubscriptions sends every desired subscription exactly once.
func (s *Session) replaySubscriptions(ctx context.Context, conn Conn) {
	snapshot := s.registry.Snapshot()
	for _, sub := range snapshot {
		frame, err := encodeSubscription(opSubscribe, sub.Channel, sub.Symbol)
		if err != nil {
			observability.Log().Error("encode subscribe", observability.F("key", sub.Key()), observability.F("error", err.Error()))
			continue
		}
		if err := s.write(ctx, conn, frame); err != nil {
			observability.Log().Warn("replay subscribe",
				observability.F("key", sub.Key()),
				observability.F("error", err.Error()),
			)
			return
		}
	}
	if len(snapshot) > 0 {
		observability.Log().Info("subscriptions replayed", observability.F("count", len(snapshot)))
	}
}

func (s *Session) readLoop(ctx context.Context, conn Conn) error {
	pingCtx, stopPing := context.WithCancel(ctx)
	defer stopPing()
	if s.cfg.PingInterval > 0 {
		go s.pinger(pingCtx, conn)
	}

	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		event, err := decodeEvent(data, time.Now().UTC())
		if err != nil {
			observability.Log().Warn("drop frame", observability.F("error", err.Error()))
			continue
		}
		if event.Type == schema.EventTypeDisconnected {
			return errServerDisconnect
		}
		s.dispatch(ctx, event)
	}
}

func (s *Session) pinger(ctx context.Context, conn Conn) {
	ticker := time.NewTicker(s.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// A dead peer stops answering pings before Read notices.
				// Closing the conn fails the read loop and drives reconnect.
				_ = conn.Close()
				return
			}
		}
	}
}

// dispatch applies one event. It runs on the read goroutine only, so cache
// mutations happen strictly in arrival order.
func (s *Session) dispatch(ctx context.Context, event schema.Event) {
	switch event.Type {
	case schema.EventTypeConnected, schema.EventTypeConnectError:
		// Informational; the transport result already drove the state machine.

	case schema.EventTypeAuthenticated:
		s.mu.Lock()
		s.authed = true
		s.mu.Unlock()
		s.transition(StateConnected)
		observability.Log().Info("stream authenticated")

	case schema.EventTypeAuthError:
		s.transition(StateConnected)
		s.handleAuthError(ctx, event.Reason)

	case schema.EventTypeBookUpdate:
		delta, ok := event.Payload.(schema.BookDeltaPayload)
		if !ok {
			return
		}
		if len(delta.Changes) == 0 {
			if s.refresh != nil {
				s.refresh(event.Symbol)
			}
			return
		}
		if err := s.store.ApplyBookDelta(event.Symbol, delta); err != nil {
			observability.Log().Warn("apply book delta", observability.F("symbol", event.Symbol), observability.F("error", err.Error()))
			return
		}
		s.metrics.RecordEventApplied()

	case schema.EventTypeTrade:
		trade, ok := event.Payload.(schema.TradePayload)
		if !ok {
			return
		}
		if err := s.store.AppendTrade(event.Symbol, trade); err != nil {
			observability.Log().Warn("append trade", observability.F("symbol", event.Symbol), observability.F("error", err.Error()))
			return
		}
		s.metrics.RecordEventApplied()

	case schema.EventTypeTicker:
		ticker, ok := event.Payload.(schema.TickerPayload)
		if !ok {
			return
		}
		if err := s.store.UpdateTicker(event.Symbol, ticker); err != nil {
			observability.Log().Warn("update ticker", observability.F("symbol", event.Symbol), observability.F("error", err.Error()))
			return
		}
		s.metrics.RecordEventApplied()

	case schema.EventTypeOrderUpdate:
		if payload, ok := event.Payload.(schema.OrderUpdatePayload); ok && s.routes.OnOrderUpdate != nil {
			s.routes.OnOrderUpdate(payload)
		}

	case schema.EventTypeTradeUpdate:
		if payload, ok := event.Payload.(schema.TradeUpdatePayload); ok && s.routes.OnTradeUpdate != nil {
			s.routes.OnTradeUpdate(payload)
		}
	}
}

// handleAuthError delegates to the credential collaborator: refresh, and on
// refresh failure, logout. The session itself never retries authentication.
func (s *Session) handleAuthError(ctx context.Context, reason string) {
	s.mu.Lock()
	s.authed = false
	s.mu.Unlock()
	observability.Log().Warn("authentication rejected", observability.F("reason", reason))
	if s.creds == nil {
		return
	}
	if err := s.creds.Refresh(ctx); err != nil {
		observability.Log().Error("credential refresh failed", observability.F("error", err.Error()))
		s.creds.Logout(ctx)
	}
}

func (s *Session) write(ctx context.Context, conn Conn, frame []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, s.cfg.WriteTimeout)
	defer cancel()
	if err := conn.Write(writeCtx, frame); err != nil {
		return errs.New("session", errs.CodeTransport, errs.WithMessage("write frame"), errs.WithCause(err))
	}
	return nil
}

func (s *Session) transition(next State) {
	s.mu.Lock()
	if s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	observers := make([]func(State), len(s.observers))
	copy(observers, s.observers)
	s.mu.Unlock()

	observability.Telemetry().SetGauge("session_state", float64(next), nil)
	for _, observe := range observers {
		observe(next)
	}
}

func (s *Session) adoptConn(conn Conn) {
	s.mu.Lock()
	s.conn = conn
	s.attempts = 0
	s.authed = false
	s.mu.Unlock()
}

func (s *Session) dropConn() {
	s.mu.Lock()
	s.conn = nil
	s.authed = false
	s.mu.Unlock()
}

func (s *Session) signalReady() {
	s.mu.Lock()
	once := s.readyOnce
	ready := s.ready
	s.mu.Unlock()
	once.Do(func() { close(ready) })
}

func (s *Session) doneChan() chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

func (s *Session) markStopped() {
	s.mu.Lock()
	s.running = false
	s.conn = nil
	s.mu.Unlock()
}

func (s *Session) isClosing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}
