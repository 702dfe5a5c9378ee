// Package cache provides in-memory storage for the latest market data per symbol.
package cache

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/books"
	"github.com/quoterra/marketfeed/internal/observability"
	"github.com/quoterra/marketfeed/internal/schema"
)

// TradeCap bounds the retained trade history per symbol.
const TradeCap = 50

// Trade is a cached public trade, parsed into decimals.
type Trade struct {
	TradeID   string
	Side      schema.TradeSide
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Timestamp time.Time
}

// Ticker is the latest per-symbol summary. Updates merge field-wise: absent
// fields keep their previous value.
type Ticker struct {
	LastPrice decimal.Decimal
	High24h   decimal.Decimal
	Low24h    decimal.Decimal
	Volume24h decimal.Decimal
	Timestamp time.Time
}

// Store holds the latest order book, trades, and ticker per symbol. All
// mutation goes through the Apply/Update operations; readers receive copies
// and can never observe a partially applied delta.
type Store struct {
	mu      sync.RWMutex
	books   map[string]*books.Book
	trades  map[string][]Trade
	tickers map[string]Ticker
}

// NewStore creates an empty market data store.
func NewStore() *Store {
	store := new(Store)
	store.books = make(map[string]*books.Book)
	store.trades = make(map[string][]Trade)
	store.tickers = make(map[string]Ticker)
	return store
}

// ApplyBookSnapshot replaces the full depth for the symbol.
func (s *Store) ApplyBookSnapshot(symbol string, snapshot schema.BookSnapshotPayload) error {
	bids, err := books.ParseLevels(snapshot.Bids)
	if err != nil {
		return err
	}
	asks, err := books.ParseLevels(snapshot.Asks)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[symbol]
	if !ok {
		book = new(books.Book)
		s.books[symbol] = book
	}
	book.ReplaceSnapshot(bids, asks, snapshot.LastUpdate)
	observability.Telemetry().IncCounter("cache_book_snapshots_total", 1, map[string]string{"symbol": symbol})
	return nil
}

// ApplyBookDelta applies incremental level changes in the order given. A zero
// quantity removes the level; the stored sides stay sorted for the estimator.
func (s *Store) ApplyBookDelta(symbol string, delta schema.BookDeltaPayload) error {
	type parsedChange struct {
		side     schema.BookSide
		price    decimal.Decimal
		quantity decimal.Decimal
	}
	parsed := make([]parsedChange, 0, len(delta.Changes))
	for _, change := range delta.Changes {
		price, err := decimal.NewFromString(change.Price)
		if err != nil {
			return errs.New("cache", errs.CodeInvalid, errs.WithMessage("malformed delta price"), errs.WithCause(err))
		}
		qty, err := decimal.NewFromString(change.Quantity)
		if err != nil {
			return errs.New("cache", errs.CodeInvalid, errs.WithMessage("malformed delta quantity"), errs.WithCause(err))
		}
		parsed = append(parsed, parsedChange{side: change.Side, price: price, quantity: qty})
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	book, ok := s.books[symbol]
	if !ok {
		book = new(books.Book)
		s.books[symbol] = book
	}
	for _, change := range parsed {
		book.ApplyChange(change.side, change.price, change.quantity)
	}
	observability.Telemetry().IncCounter("cache_book_deltas_total", 1, map[string]string{"symbol": symbol})
	return nil
}

// AppendTrade prepends a trade and truncates the history to TradeCap.
func (s *Store) AppendTrade(symbol string, payload schema.TradePayload) error {
	price, err := decimal.NewFromString(payload.Price)
	if err != nil {
		return errs.New("cache", errs.CodeInvalid, errs.WithMessage("malformed trade price"), errs.WithCause(err))
	}
	qty, err := decimal.NewFromString(payload.Quantity)
	if err != nil {
		return errs.New("cache", errs.CodeInvalid, errs.WithMessage("malformed trade quantity"), errs.WithCause(err))
	}

	trade := Trade{
		TradeID:   payload.TradeID,
		Side:      payload.Side,
		Price:     price,
		Quantity:  qty,
		Timestamp: payload.Timestamp,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	history := s.trades[symbol]
	history = append([]Trade{trade}, history...)
	if len(history) > TradeCap {
		history = history[:TradeCap]
	}
	s.trades[symbol] = history
	return nil
}

// UpdateTicker merges a partial ticker update over the existing snapshot.
// Empty wire fields leave the current value untouched, last write wins.
func (s *Store) UpdateTicker(symbol string, payload schema.TickerPayload) error {
	parse := func(raw string) (decimal.Decimal, bool, error) {
		if raw == "" {
			return decimal.Decimal{}, false, nil
		}
		value, err := decimal.NewFromString(raw)
		if err != nil {
			return decimal.Decimal{}, false, errs.New("cache", errs.CodeInvalid, errs.WithMessage("malformed ticker field"), errs.WithCause(err))
		}
		return value, true, nil
	}

	last, hasLast, err := parse(payload.LastPrice)
	if err != nil {
		return err
	}
	high, hasHigh, err := parse(payload.High24h)
	if err != nil {
		return err
	}
	low, hasLow, err := parse(payload.Low24h)
	if err != nil {
		return err
	}
	volume, hasVolume, err := parse(payload.Volume24h)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	ticker := s.tickers[symbol]
	if hasLast {
		ticker.LastPrice = last
	}
	if hasHigh {
		ticker.High24h = high
	}
	if hasLow {
		ticker.Low24h = low
	}
	if hasVolume {
		ticker.Volume24h = volume
	}
	if !payload.Timestamp.IsZero() {
		ticker.Timestamp = payload.Timestamp
	}
	s.tickers[symbol] = ticker
	return nil
}

// OrderBook returns a deep copy of the book, or false when the symbol is unknown.
func (s *Store) OrderBook(symbol string) (*books.Book, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	book, ok := s.books[symbol]
	if !ok {
		return nil, false
	}
	return book.Clone(), true
}

// Trades returns a copy of the trade history, newest first.
func (s *Store) Trades(symbol string) []Trade {
	s.mu.RLock()
	defer s.mu.RUnlock()
	history, ok := s.trades[symbol]
	if !ok {
		return nil
	}
	out := make([]Trade, len(history))
	copy(out, history)
	return out
}

// Ticker returns the latest ticker snapshot, or false when the symbol is unknown.
func (s *Store) Ticker(symbol string) (Ticker, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ticker, ok := s.tickers[symbol]
	return ticker, ok
}

// Symbols lists every symbol with any cached state.
func (s *Store) Symbols() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{}, len(s.books))
	for symbol := range s.books {
		seen[symbol] = struct{}{}
	}
	for symbol := range s.trades {
		seen[symbol] = struct{}{}
	}
	for symbol := range s.tickers {
		seen[symbol] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for symbol := range seen {
		out = append(out, symbol)
	}
	return out
}
