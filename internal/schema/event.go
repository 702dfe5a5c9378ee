// Package schema defines the canonical event and payload types flowing between
// the transport session, the market data cache, and outward collaborators.
package schema

import "time"

// EventType enumerates the closed set of stream event variants.
type EventType string

const (
	// EventTypeConnected signals a successful transport connection.
	EventTypeConnected EventType = "Connected"
	// EventTypeDisconnected signals a dropped or closed transport connection.
	EventTypeDisconnected EventType = "Disconnected"
	// EventTypeConnectError signals a failed connection attempt.
	EventTypeConnectError EventType = "ConnectError"
	// EventTypeAuthenticated signals a successful authentication handshake.
	EventTypeAuthenticated EventType = "Authenticated"
	// EventTypeAuthError signals a rejected authentication handshake.
	EventTypeAuthError EventType = "AuthError"
	// EventTypeBookUpdate identifies order book deltas or refresh signals.
	EventTypeBookUpdate EventType = "BookUpdate"
	// EventTypeTrade identifies public trade executions.
	EventTypeTrade EventType = "Trade"
	// EventTypeTicker identifies ticker summary updates.
	EventTypeTicker EventType = "Ticker"
	// EventTypeOrderUpdate identifies user-scoped order state changes.
	EventTypeOrderUpdate EventType = "OrderUpdate"
	// EventTypeTradeUpdate identifies user-scoped fill notifications.
	EventTypeTradeUpdate EventType = "TradeUpdate"
)

// Lifecycle reports whether the event describes connection state rather than data.
func (et EventType) Lifecycle() bool {
	switch et {
	case EventTypeConnected, EventTypeDisconnected, EventTypeConnectError,
		EventTypeAuthenticated, EventTypeAuthError:
		return true
	default:
		return false
	}
}

// Event is a tagged variant consumed by the session dispatch loop.
type Event struct {
	Type     EventType
	Symbol   string
	Reason   string
	IngestTS time.Time
	Payload  any
}

// TradeSide captures the direction of a trade.
type TradeSide string

const (
	// TradeSideBuy indicates buy side fills.
	TradeSideBuy TradeSide = "Buy"
	// TradeSideSell indicates sell side fills.
	TradeSideSell TradeSide = "Sell"
)

// PriceLevel describes an order book price level using decimal strings.
type PriceLevel struct {
	Price    string `json:"price"`
	Quantity string `json:"quantity"`
}

// BookSide identifies which half of the book a change applies to.
type BookSide string

const (
	// BookSideBid addresses the buy side of the book.
	BookSideBid BookSide = "bid"
	// BookSideAsk addresses the sell side of the book.
	BookSideAsk BookSide = "ask"
)

// BookChange is a single order book mutation. A zero quantity removes the level.
type BookChange struct {
	Side     BookSide `json:"side"`
	Price    string   `json:"price"`
	Quantity string   `json:"quantity"`
}

// BookSnapshotPayload conveys full order book depth for one symbol.
type BookSnapshotPayload struct {
	Bids       []PriceLevel `json:"bids"`
	Asks       []PriceLevel `json:"asks"`
	LastUpdate time.Time    `json:"last_update"`
}

// BookDeltaPayload conveys incremental order book changes. An empty change set
// is a refresh signal: the symbol must be refetched over REST.
type BookDeltaPayload struct {
	Changes []BookChange `json:"changes"`
}

// TradePayload represents a public trade execution.
type TradePayload struct {
	TradeID   string    `json:"trade_id"`
	Side      TradeSide `json:"side"`
	Price     string    `json:"price"`
	Quantity  string    `json:"quantity"`
	Timestamp time.Time `json:"timestamp"`
}

// TickerPayload conveys ticker statistics. Empty fields mean "not present" and
// are retained from the previous snapshot on merge.
type TickerPayload struct {
	LastPrice string    `json:"last_price"`
	High24h   string    `json:"high_24h"`
	Low24h    string    `json:"low_24h"`
	Volume24h string    `json:"volume_24h"`
	Timestamp time.Time `json:"timestamp"`
}

// OrderUpdatePayload carries user-scoped order lifecycle transitions. It is
// routed to the order collaborator, never to the market data cache.
type OrderUpdatePayload struct {
	UpdateType string    `json:"type"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       TradeSide `json:"side"`
	Price      string    `json:"price"`
	Quantity   string    `json:"quantity"`
	Filled     string    `json:"filled"`
	Status     string    `json:"status"`
	Timestamp  time.Time `json:"timestamp"`
}

// TradeUpdatePayload carries user-scoped fill notifications.
type TradeUpdatePayload struct {
	UpdateType string    `json:"type"`
	TradeID    string    `json:"trade_id"`
	OrderID    string    `json:"order_id"`
	Symbol     string    `json:"symbol"`
	Side       TradeSide `json:"side"`
	Price      string    `json:"price"`
	Quantity   string    `json:"quantity"`
	Timestamp  time.Time `json:"timestamp"`
}

// CandlePayload represents one OHLCV bar fetched over REST.
type CandlePayload struct {
	OpenPrice  string    `json:"open"`
	HighPrice  string    `json:"high"`
	LowPrice   string    `json:"low"`
	ClosePrice string    `json:"close"`
	Volume     string    `json:"volume"`
	OpenTime   time.Time `json:"open_time"`
	CloseTime  time.Time `json:"close_time"`
}
