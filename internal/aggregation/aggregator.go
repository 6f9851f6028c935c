package aggregation

import (
	"github.com/shopspring/decimal"

	"bookrelay/internal/types"
)

// AvailableTickLevels are the tick sizes a subscriber may request, finest first.
// Zero disables aggregation.
var AvailableTickLevels = []decimal.Decimal{
	decimal.Zero,
	decimal.New(1, -3), // 0.001
	decimal.New(1, -2), // 0.01
	decimal.New(5, -2), // 0.05
	decimal.New(1, -1), // 0.1
}

// ValidTickLevel reports whether tick is one of AvailableTickLevels
func ValidTickLevel(tick decimal.Decimal) bool {
	for _, available := range AvailableTickLevels {
		if available.Equal(tick) {
			return true
		}
	}
	return false
}

// Aggregator handles price aggregation based on tick levels
type Aggregator struct {
	currentTick decimal.Decimal
}

var _ types.PriceAggregator = (*Aggregator)(nil)

// New creates a new Aggregator instance
func New(tick decimal.Decimal) *Aggregator {
	return &Aggregator{
		currentTick: tick,
	}
}

// SetTickLevel updates the tick level for aggregation
func (a *Aggregator) SetTickLevel(tick decimal.Decimal) {
	a.currentTick = tick
}

// GetTickLevel returns the current tick level
func (a *Aggregator) GetTickLevel() decimal.Decimal {
	return a.currentTick
}

// AggregateBids aggregates bid price levels by tick size (floors prices)
func (a *Aggregator) AggregateBids(levels []types.PriceLevel) []types.PriceLevel {
	return a.aggregate(levels, a.roundToTickBid)
}

// AggregateAsks aggregates ask price levels by tick size (ceils prices)
func (a *Aggregator) AggregateAsks(levels []types.PriceLevel) []types.PriceLevel {
	return a.aggregate(levels, a.roundToTickAsk)
}

// aggregate merges levels that round to the same price. Input order is kept
// for the first occurrence of each bucket so sorted input stays sorted.
func (a *Aggregator) aggregate(levels []types.PriceLevel, round func(decimal.Decimal) decimal.Decimal) []types.PriceLevel {
	if len(levels) == 0 || a.currentTick.Sign() <= 0 {
		return levels
	}

	index := make(map[string]int, len(levels))
	aggregated := make([]types.PriceLevel, 0, len(levels))

	for _, level := range levels {
		roundedPrice := round(level.Price)
		key := roundedPrice.String()

		if i, exists := index[key]; exists {
			aggregated[i].Size = aggregated[i].Size.Add(level.Size)
			continue
		}
		index[key] = len(aggregated)
		aggregated = append(aggregated, types.PriceLevel{
			Price: roundedPrice,
			Size:  level.Size,
		})
	}

	return aggregated
}

// roundToTickBid rounds a bid price DOWN to maintain proper spread
func (a *Aggregator) roundToTickBid(price decimal.Decimal) decimal.Decimal {
	// floor(price / tickSize) * tickSize
	return price.Div(a.currentTick).Floor().Mul(a.currentTick)
}

// roundToTickAsk rounds an ask price UP to maintain proper spread
func (a *Aggregator) roundToTickAsk(price decimal.Decimal) decimal.Decimal {
	// ceil(price / tickSize) * tickSize
	return price.Div(a.currentTick).Ceil().Mul(a.currentTick)
}

// Truncate keeps at most depth levels; depth <= 0 keeps everything
func Truncate(levels []types.PriceLevel, depth int) []types.PriceLevel {
	if depth <= 0 || len(levels) <= depth {
		return levels
	}
	return levels[:depth]
}
