package aggregation

import (
	"testing"

	"github.com/shopspring/decimal"

	"bookrelay/internal/types"
)

var (
	tick001 = decimal.New(1, -3)
	tick01  = decimal.New(1, -2)
	tick1   = decimal.New(1, -1)
)

func level(price, size string) types.PriceLevel {
	return types.PriceLevel{Price: decimal.RequireFromString(price), Size: decimal.RequireFromString(size)}
}

func TestNew(t *testing.T) {
	agg := New(tick01)

	if agg == nil {
		t.Fatal("New() returned nil")
	}

	if !agg.GetTickLevel().Equal(tick01) {
		t.Errorf("Expected tick level %s, got %s", tick01, agg.GetTickLevel())
	}
}

func TestSetGetTickLevel(t *testing.T) {
	agg := New(tick01)

	agg.SetTickLevel(tick1)

	if !agg.GetTickLevel().Equal(tick1) {
		t.Errorf("Expected tick level %s, got %s", tick1, agg.GetTickLevel())
	}
}

func TestAggregateBids(t *testing.T) {
	tests := []struct {
		name     string
		tick     decimal.Decimal
		levels   []types.PriceLevel
		expected int
	}{
		{
			name:     "No aggregation needed - tick 0.001",
			tick:     tick001,
			levels:   []types.PriceLevel{level("0.451", "1"), level("0.452", "1.5")},
			expected: 2,
		},
		{
			name:     "Aggregation needed - tick 0.01",
			tick:     tick01,
			levels:   []types.PriceLevel{level("0.451", "1"), level("0.459", "1.5")},
			expected: 1, // Both floor to 0.45
		},
		{
			name:     "Aggregation needed - tick 0.1",
			tick:     tick1,
			levels:   []types.PriceLevel{level("0.41", "1"), level("0.45", "1.5"), level("0.49", "2")},
			expected: 1, // All floor to 0.4
		},
		{
			name:     "Zero tick disables aggregation",
			tick:     decimal.Zero,
			levels:   []types.PriceLevel{level("0.451", "1"), level("0.459", "1.5")},
			expected: 2,
		},
		{
			name:     "Empty levels",
			tick:     tick01,
			levels:   []types.PriceLevel{},
			expected: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			result := agg.AggregateBids(tt.levels)

			if len(result) != tt.expected {
				t.Errorf("Expected %d aggregated levels, got %d", tt.expected, len(result))
			}

			// Check that sizes are properly aggregated
			if len(result) == 1 && len(tt.levels) > 1 {
				expectedSize := decimal.Zero
				for _, l := range tt.levels {
					expectedSize = expectedSize.Add(l.Size)
				}

				if !result[0].Size.Equal(expectedSize) {
					t.Errorf("Expected aggregated size %s, got %s", expectedSize, result[0].Size)
				}
			}
		})
	}
}

func TestAggregateAsks(t *testing.T) {
	tests := []struct {
		name          string
		tick          decimal.Decimal
		levels        []types.PriceLevel
		expectedPrice string
		expected      int
	}{
		{
			name:          "Aggregation needed - tick 0.01",
			tick:          tick01,
			levels:        []types.PriceLevel{level("0.461", "1"), level("0.469", "2")},
			expectedPrice: "0.47",
			expected:      1,
		},
		{
			name:          "Exact tick stays put",
			tick:          tick01,
			levels:        []types.PriceLevel{level("0.47", "1")},
			expectedPrice: "0.47",
			expected:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			agg := New(tt.tick)
			result := agg.AggregateAsks(tt.levels)

			if len(result) != tt.expected {
				t.Fatalf("Expected %d aggregated levels, got %d", tt.expected, len(result))
			}
			if result[0].Price.String() != tt.expectedPrice {
				t.Errorf("Expected price %s, got %s", tt.expectedPrice, result[0].Price)
			}
		})
	}
}

func TestAggregateKeepsOrder(t *testing.T) {
	agg := New(tick01)
	result := agg.AggregateBids([]types.PriceLevel{
		level("0.459", "1"),
		level("0.451", "1"),
		level("0.449", "3"),
		level("0.30", "4"),
	})

	want := []string{"0.45", "0.44", "0.3"}
	if len(result) != len(want) {
		t.Fatalf("Expected %d levels, got %d", len(want), len(result))
	}
	for i, price := range want {
		if result[i].Price.String() != price {
			t.Errorf("level %d: expected price %s, got %s", i, price, result[i].Price)
		}
	}
	if !result[0].Size.Equal(decimal.NewFromInt(2)) {
		t.Errorf("Expected merged size 2, got %s", result[0].Size)
	}
}

func TestValidTickLevel(t *testing.T) {
	if !ValidTickLevel(decimal.RequireFromString("0.01")) {
		t.Error("0.01 should be valid")
	}
	if !ValidTickLevel(decimal.Zero) {
		t.Error("0 should be valid")
	}
	if ValidTickLevel(decimal.RequireFromString("0.02")) {
		t.Error("0.02 should not be valid")
	}
}

func TestTruncate(t *testing.T) {
	levels := []types.PriceLevel{level("0.5", "1"), level("0.4", "1"), level("0.3", "1")}

	if got := Truncate(levels, 2); len(got) != 2 {
		t.Errorf("Expected 2 levels, got %d", len(got))
	}
	if got := Truncate(levels, 0); len(got) != 3 {
		t.Errorf("Expected all levels, got %d", len(got))
	}
	if got := Truncate(levels, 10); len(got) != 3 {
		t.Errorf("Expected all levels, got %d", len(got))
	}
}
