package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side identifies one side of the book
type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// ConnectionState is the lifecycle state of a subscription's upstream connection
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateConnected    ConnectionState = "connected"
	StateReconnecting ConnectionState = "reconnecting"
	StateError        ConnectionState = "error"
	StateFailed       ConnectionState = "failed"
)

// PriceLevel represents a single price level in the order book
type PriceLevel struct {
	Price decimal.Decimal `json:"price"`
	Size  decimal.Decimal `json:"size"`
}

// BookState is an immutable copy of an order book at a point in time.
// Bids and Asks are keyed by the canonical decimal string of the price.
type BookState struct {
	AssetID   string
	Bids      map[string]PriceLevel
	Asks      map[string]PriceLevel
	BestBid   decimal.NullDecimal
	BestAsk   decimal.NullDecimal
	Spread    decimal.NullDecimal
	Mid       decimal.NullDecimal
	Timestamp time.Time
}

// Empty reports whether neither side has any level
func (s BookState) Empty() bool {
	return len(s.Bids) == 0 && len(s.Asks) == 0
}

// Stats holds statistical information about the order book
type Stats struct {
	EventsProcessed int64           `json:"events_processed"`
	Snapshots       int64           `json:"snapshots"`
	LastEventTime   time.Time       `json:"last_event_time"`
	BidLevels       int             `json:"bid_levels"`
	AskLevels       int             `json:"ask_levels"`
	TotalBidsSize   decimal.Decimal `json:"total_bids_size"`
	TotalAsksSize   decimal.Decimal `json:"total_asks_size"`
}
