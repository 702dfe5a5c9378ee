package session

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/quoterra/marketfeed/errs"
	"github.com/quoterra/marketfeed/internal/schema"
)

const (
	opAuthenticate = "authenticate"
	opSubscribe    = "subscribe"
	opUnsubscribe  = "unsubscribe"
)

// controlMessage is the outbound control frame shape.
type controlMessage struct {
	Op        string `json:"op"`
	RequestID string `json:"request_id"`
	Token     string `json:"token,omitempty"`
	Channel   string `json:"channel,omitempty"`
	Symbol    string `json:"symbol,omitempty"`
}

func encodeAuthenticate(token string) ([]byte, error) {
	return json.Marshal(controlMessage{
		Op:        opAuthenticate,
		RequestID: uuid.NewString(),
		Token:     token,
	})
}

func encodeSubscription(op, channel, symbol string) ([]byte, error) {
	return json.Marshal(controlMessage{
		Op:        op,
		RequestID: uuid.NewString(),
		Channel:   channel,
		Symbol:    symbol,
	})
}

// inboundEnvelope is the superset of every inbound frame shape; the type tag
// selects which fields are meaningful.
type inboundEnvelope struct {
	Type    string `json:"type"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
	Symbol  string `json:"symbol,omitempty"`

	// orderbook_update: a populated change set is a delta, an empty one is a
	// refresh signal.
	Changes []schema.BookChange `json:"changes,omitempty"`

	// new_trade and trade_update share the trade body.
	Trade *schema.TradePayload `json:"trade,omitempty"`

	// ticker_update fields arrive inline.
	LastPrice string    `json:"last_price,omitempty"`
	High24h   string    `json:"high_24h,omitempty"`
	Low24h    string    `json:"low_24h,omitempty"`
	Volume24h string    `json:"volume_24h,omitempty"`
	Timestamp time.Time `json:"timestamp,omitempty"`

	// order_update and trade_update carry the user-scoped update kind.
	Update string                     `json:"update,omitempty"`
	Order  *schema.OrderUpdatePayload `json:"order,omitempty"`
}

// decodeEvent converts a raw frame into a canonical tagged event.
func decodeEvent(data []byte, ingestTS time.Time) (schema.Event, error) {
	var envelope inboundEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		return schema.Event{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("malformed frame"), errs.WithCause(err))
	}

	event := schema.Event{Symbol: envelope.Symbol, IngestTS: ingestTS}

	switch envelope.Type {
	case "connect":
		event.Type = schema.EventTypeConnected
	case "disconnect":
		event.Type = schema.EventTypeDisconnected
		event.Reason = envelope.Reason
	case "connect_error":
		event.Type = schema.EventTypeConnectError
		event.Reason = envelope.Message
	case "authenticated":
		event.Type = schema.EventTypeAuthenticated
	case "auth_error":
		event.Type = schema.EventTypeAuthError
		event.Reason = envelope.Message
	case "orderbook_update":
		event.Type = schema.EventTypeBookUpdate
		event.Payload = schema.BookDeltaPayload{Changes: envelope.Changes}
	case "new_trade":
		event.Type = schema.EventTypeTrade
		if envelope.Trade == nil {
			return schema.Event{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("new_trade frame missing trade body"))
		}
		event.Payload = *envelope.Trade
	case "ticker_update":
		event.Type = schema.EventTypeTicker
		event.Payload = schema.TickerPayload{
			LastPrice: envelope.LastPrice,
			High24h:   envelope.High24h,
			Low24h:    envelope.Low24h,
			Volume24h: envelope.Volume24h,
			Timestamp: envelope.Timestamp,
		}
	case "order_update":
		event.Type = schema.EventTypeOrderUpdate
		if envelope.Order == nil {
			return schema.Event{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("order_update frame missing order body"))
		}
		order := *envelope.Order
		order.UpdateType = envelope.Update
		event.Payload = order
	case "trade_update":
		event.Type = schema.EventTypeTradeUpdate
		if envelope.Trade == nil {
			return schema.Event{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("trade_update frame missing trade body"))
		}
		event.Payload = schema.TradeUpdatePayload{
			UpdateType: envelope.Update,
			TradeID:    envelope.Trade.TradeID,
			Symbol:     envelope.Symbol,
			Side:       envelope.Trade.Side,
			Price:      envelope.Trade.Price,
			Quantity:   envelope.Trade.Quantity,
			Timestamp:  envelope.Trade.Timestamp,
		}
	default:
		return schema.Event{}, errs.New("session", errs.CodeInvalid, errs.WithMessage("unknown frame type "+envelope.Type))
	}

	return event, nil
}
