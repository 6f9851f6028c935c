package websocket

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"bookrelay/internal/aggregation"
	"bookrelay/internal/orderbook"
	"bookrelay/internal/types"

	"github.com/shopspring/decimal"
)

type MessageType string

const (
	MessageTypeStatus    MessageType = "status"
	MessageTypeOrderbook MessageType = "orderbook"
	MessageTypePing      MessageType = "ping"
	MessageTypePong      MessageType = "pong"
)

// StatusMessage reports the upstream connection state
type StatusMessage struct {
	Status  types.ConnectionState `json:"status"`
	Message string                `json:"message,omitempty"`
}

type PriceLevel struct {
	Price      string `json:"price"`
	Size       string `json:"size"`
	Cumulative string `json:"cumulative"`
}

// OrderbookPayload is the wire form of a BookState. Absent values are null.
type OrderbookPayload struct {
	Bids    []PriceLevel `json:"bids"`
	Asks    []PriceLevel `json:"asks"`
	BestBid *string      `json:"best_bid"`
	BestAsk *string      `json:"best_ask"`
	Spread  *string      `json:"spread"`
	Mid     *string      `json:"mid"`
}

type OrderbookMessage struct {
	Orderbook       OrderbookPayload      `json:"orderbook"`
	Timestamp       int64                 `json:"timestamp"`
	ConnectionState types.ConnectionState `json:"connection_state,omitempty"`
}

type PingMessage struct {
	Ping int64 `json:"ping"`
}

// PongMessage echoes the subscriber's ping value unchanged
type PongMessage struct {
	Pong json.RawMessage `json:"pong"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

// ClientMessage is one of ClientPing, ClientPong, ClientRetry, ClientSetTick
// or ClientSetDepth
type ClientMessage interface {
	clientMessage()
}

type ClientPing struct{ TS json.RawMessage }
type ClientPong struct{ TS json.RawMessage }
type ClientRetry struct{}
type ClientSetTick struct{ Tick decimal.Decimal }
type ClientSetDepth struct{ Depth int }

func (ClientPing) clientMessage()     {}
func (ClientPong) clientMessage()     {}
func (ClientRetry) clientMessage()    {}
func (ClientSetTick) clientMessage()  {}
func (ClientSetDepth) clientMessage() {}

var errEmptyValue = errors.New("empty value")

// DecodeClientMessage decodes a subscriber frame. The frame must be an object
// with exactly one key, which selects the variant.
func DecodeClientMessage(raw []byte) (ClientMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("invalid client message: %w", err)
	}
	if len(fields) != 1 {
		return nil, fmt.Errorf("client message must have exactly one field, got %d", len(fields))
	}

	for key, value := range fields {
		switch key {
		case "ping":
			if len(value) == 0 || string(value) == "null" {
				return nil, fmt.Errorf("ping: %w", errEmptyValue)
			}
			return ClientPing{TS: value}, nil

		case "pong":
			return ClientPong{TS: value}, nil

		case "retry":
			var retry bool
			if err := json.Unmarshal(value, &retry); err != nil || !retry {
				return nil, fmt.Errorf("retry must be true")
			}
			return ClientRetry{}, nil

		case "set_tick":
			var tick decimal.Decimal
			if err := json.Unmarshal(value, &tick); err != nil {
				return nil, fmt.Errorf("set_tick: %w", err)
			}
			if !aggregation.ValidTickLevel(tick) {
				return nil, fmt.Errorf("set_tick: unsupported tick %s", tick)
			}
			return ClientSetTick{Tick: tick}, nil

		case "set_depth":
			var depth int
			if err := json.Unmarshal(value, &depth); err != nil {
				return nil, fmt.Errorf("set_depth: %w", err)
			}
			if depth < 0 {
				return nil, fmt.Errorf("set_depth: must be >= 0, got %d", depth)
			}
			return ClientSetDepth{Depth: depth}, nil

		default:
			return nil, fmt.Errorf("unknown client message %q", key)
		}
	}
	return nil, errors.New("unreachable")
}

// BuildOrderbookMessage renders book for the wire. Levels are sorted best
// first, aggregated by agg (if non-nil), cut to depth (0 keeps all) and carry
// running totals.
func BuildOrderbookMessage(book types.BookState, agg *aggregation.Aggregator, depth int, state types.ConnectionState) OrderbookMessage {
	bidLevels := orderbook.SortLevels(book.Bids, types.Buy)
	askLevels := orderbook.SortLevels(book.Asks, types.Sell)

	if agg != nil {
		bidLevels = agg.AggregateBids(bidLevels)
		askLevels = agg.AggregateAsks(askLevels)
	}
	bidLevels = aggregation.Truncate(bidLevels, depth)
	askLevels = aggregation.Truncate(askLevels, depth)

	timestamp := book.Timestamp
	if timestamp.IsZero() {
		timestamp = time.Now()
	}

	return OrderbookMessage{
		Orderbook: OrderbookPayload{
			Bids:    toWire(bidLevels),
			Asks:    toWire(askLevels),
			BestBid: nullString(book.BestBid),
			BestAsk: nullString(book.BestAsk),
			Spread:  nullString(book.Spread),
			Mid:     nullString(book.Mid),
		},
		Timestamp:       timestamp.UnixMilli(),
		ConnectionState: state,
	}
}

func toWire(levels []types.PriceLevel) []PriceLevel {
	out := make([]PriceLevel, 0, len(levels))
	cumulative := decimal.Zero
	for _, level := range levels {
		cumulative = cumulative.Add(level.Size)
		out = append(out, PriceLevel{
			Price:      level.Price.String(),
			Size:       level.Size.String(),
			Cumulative: cumulative.String(),
		})
	}
	return out
}

func nullString(d decimal.NullDecimal) *string {
	if !d.Valid {
		return nil
	}
	s := d.Decimal.String()
	return &s
}
