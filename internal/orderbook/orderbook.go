package orderbook

import (
	"sort"
	"sync"
	"time"

	"bookrelay/internal/types"

	"github.com/shopspring/decimal"
)

var two = decimal.NewFromInt(2)

// OrderBook holds the canonical state of one asset's book. Mutations are
// expected from a single owner; readers may call Snapshot concurrently.
type OrderBook struct {
	mu        sync.RWMutex
	assetID   string
	bids      map[string]types.PriceLevel
	asks      map[string]types.PriceLevel
	timestamp time.Time
	stats     types.Stats
	// Cached best bid/ask, valid only when the side is non-empty
	bestBid decimal.Decimal
	bestAsk decimal.Decimal
}

// New creates an empty OrderBook for assetID
func New(assetID string) *OrderBook {
	return &OrderBook{
		assetID: assetID,
		bids:    make(map[string]types.PriceLevel),
		asks:    make(map[string]types.PriceLevel),
	}
}

// ApplySnapshot replaces both sides wholesale. Levels with size <= 0 are dropped.
func (ob *OrderBook) ApplySnapshot(bids, asks []types.PriceLevel, ts time.Time) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	ob.bids = make(map[string]types.PriceLevel, len(bids))
	ob.asks = make(map[string]types.PriceLevel, len(asks))

	for _, bid := range bids {
		if bid.Size.Sign() > 0 {
			ob.bids[bid.Price.String()] = bid
		}
	}
	for _, ask := range asks {
		if ask.Size.Sign() > 0 {
			ob.asks[ask.Price.String()] = ask
		}
	}

	ob.recalculateBestBid()
	ob.recalculateBestAsk()

	ob.timestamp = ts
	ob.stats.Snapshots++
	ob.stats.EventsProcessed++
	ob.stats.LastEventTime = ts
}

// ApplyDelta upserts one level, or removes it when size is zero. Removing an
// absent level is a no-op. Sides other than BUY/SELL are ignored.
func (ob *OrderBook) ApplyDelta(side types.Side, price, size decimal.Decimal, ts time.Time) {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	key := price.String()

	switch side {
	case types.Buy:
		if size.Sign() <= 0 {
			if _, exists := ob.bids[key]; exists {
				delete(ob.bids, key)
				// Only a removed best needs a rescan
				if price.Equal(ob.bestBid) {
					ob.recalculateBestBid()
				}
			}
		} else {
			wasEmpty := len(ob.bids) == 0
			ob.bids[key] = types.PriceLevel{Price: price, Size: size}
			if wasEmpty || price.GreaterThan(ob.bestBid) {
				ob.bestBid = price
			}
		}
	case types.Sell:
		if size.Sign() <= 0 {
			if _, exists := ob.asks[key]; exists {
				delete(ob.asks, key)
				if price.Equal(ob.bestAsk) {
					ob.recalculateBestAsk()
				}
			}
		} else {
			wasEmpty := len(ob.asks) == 0
			ob.asks[key] = types.PriceLevel{Price: price, Size: size}
			if wasEmpty || price.LessThan(ob.bestAsk) {
				ob.bestAsk = price
			}
		}
	default:
		return
	}

	ob.timestamp = ts
	ob.stats.EventsProcessed++
	ob.stats.LastEventTime = ts
}

// Snapshot returns an independent copy of the current state
func (ob *OrderBook) Snapshot() types.BookState {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	state := types.BookState{
		AssetID:   ob.assetID,
		Bids:      make(map[string]types.PriceLevel, len(ob.bids)),
		Asks:      make(map[string]types.PriceLevel, len(ob.asks)),
		Timestamp: ob.timestamp,
	}
	for k, v := range ob.bids {
		state.Bids[k] = v
	}
	for k, v := range ob.asks {
		state.Asks[k] = v
	}

	state.BestBid, state.BestAsk = ob.bestBidAsk()
	if state.BestBid.Valid && state.BestAsk.Valid {
		state.Spread = valid(state.BestAsk.Decimal.Sub(state.BestBid.Decimal))
		state.Mid = valid(state.BestAsk.Decimal.Add(state.BestBid.Decimal).Div(two))
	}
	return state
}

// BestBidAsk returns the top of book; either value is invalid when its side is empty
func (ob *OrderBook) BestBidAsk() (bid, ask decimal.NullDecimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.bestBidAsk()
}

// Levels returns a sorted copy of one side: bids descending, asks ascending
func (ob *OrderBook) Levels(side types.Side) []types.PriceLevel {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	src := ob.asks
	if side == types.Buy {
		src = ob.bids
	}
	return SortLevels(src, side)
}

// GetStats returns a copy of the current statistics
func (ob *OrderBook) GetStats() types.Stats {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	stats := ob.stats
	stats.BidLevels = len(ob.bids)
	stats.AskLevels = len(ob.asks)
	stats.TotalBidsSize = decimal.Zero
	for _, level := range ob.bids {
		stats.TotalBidsSize = stats.TotalBidsSize.Add(level.Size)
	}
	stats.TotalAsksSize = decimal.Zero
	for _, level := range ob.asks {
		stats.TotalAsksSize = stats.TotalAsksSize.Add(level.Size)
	}
	return stats
}

// AssetID returns the asset this book tracks
func (ob *OrderBook) AssetID() string {
	return ob.assetID
}

// SortLevels flattens a level map; bids sort descending, asks ascending
func SortLevels(levels map[string]types.PriceLevel, side types.Side) []types.PriceLevel {
	out := make([]types.PriceLevel, 0, len(levels))
	for _, level := range levels {
		out = append(out, level)
	}
	if side == types.Buy {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.GreaterThan(out[j].Price) })
	} else {
		sort.Slice(out, func(i, j int) bool { return out[i].Price.LessThan(out[j].Price) })
	}
	return out
}

// bestBidAsk must be called with mutex held
func (ob *OrderBook) bestBidAsk() (bid, ask decimal.NullDecimal) {
	if len(ob.bids) > 0 {
		bid = valid(ob.bestBid)
	}
	if len(ob.asks) > 0 {
		ask = valid(ob.bestAsk)
	}
	return bid, ask
}

// recalculateBestBid rescans bids (must be called with mutex locked)
func (ob *OrderBook) recalculateBestBid() {
	ob.bestBid = decimal.Zero
	first := true
	for _, level := range ob.bids {
		if first || level.Price.GreaterThan(ob.bestBid) {
			ob.bestBid = level.Price
			first = false
		}
	}
}

// recalculateBestAsk rescans asks (must be called with mutex locked)
func (ob *OrderBook) recalculateBestAsk() {
	ob.bestAsk = decimal.Zero
	first := true
	for _, level := range ob.asks {
		if first || level.Price.LessThan(ob.bestAsk) {
			ob.bestAsk = level.Price
			first = false
		}
	}
}

func valid(d decimal.Decimal) decimal.NullDecimal {
	return decimal.NullDecimal{Decimal: d, Valid: true}
}
