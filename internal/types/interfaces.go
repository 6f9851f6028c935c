package types

import (
	"github.com/shopspring/decimal"
)

// PriceAggregator defines the interface for price aggregation
type PriceAggregator interface {
	// SetTickLevel updates the tick size used for aggregation
	SetTickLevel(tick decimal.Decimal)

	// GetTickLevel returns the current tick size
	GetTickLevel() decimal.Decimal

	// AggregateBids aggregates bid price levels
	AggregateBids(levels []PriceLevel) []PriceLevel

	// AggregateAsks aggregates ask price levels
	AggregateAsks(levels []PriceLevel) []PriceLevel
}

// QuoteReader exposes the top of book to collaborators that only size orders
// against it and never touch protocol state.
type QuoteReader interface {
	BestBidAsk() (bid, ask decimal.NullDecimal)
}

// Authorizer validates the optional session token presented by a subscriber
type Authorizer interface {
	Authorize(assetID, token string) error
}

// AllowAll is an Authorizer that accepts every request
type AllowAll struct{}

// Authorize always succeeds
func (AllowAll) Authorize(string, string) error { return nil }
