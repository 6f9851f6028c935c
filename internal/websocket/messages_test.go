package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"bookrelay/internal/aggregation"
	"bookrelay/internal/orderbook"
	"bookrelay/internal/types"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeClientMessage(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want ClientMessage
	}{
		{name: "ping number", raw: `{"ping":1700000000000}`, want: ClientPing{TS: json.RawMessage(`1700000000000`)}},
		{name: "ping string", raw: `{"ping":"abc"}`, want: ClientPing{TS: json.RawMessage(`"abc"`)}},
		{name: "pong", raw: `{"pong":5}`, want: ClientPong{TS: json.RawMessage(`5`)}},
		{name: "retry", raw: `{"retry":true}`, want: ClientRetry{}},
		{name: "set depth", raw: `{"set_depth":10}`, want: ClientSetDepth{Depth: 10}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := DecodeClientMessage([]byte(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecodeClientMessageSetTick(t *testing.T) {
	for _, raw := range []string{`{"set_tick":"0.01"}`, `{"set_tick":0.01}`} {
		got, err := DecodeClientMessage([]byte(raw))
		require.NoError(t, err, raw)
		tick, ok := got.(ClientSetTick)
		require.True(t, ok)
		assert.True(t, tick.Tick.Equal(decimal.RequireFromString("0.01")))
	}
}

func TestDecodeClientMessageErrors(t *testing.T) {
	frames := []string{
		`not json`,
		`[]`,
		`{}`,
		`{"ping":1,"pong":2}`,
		`{"ping":null}`,
		`{"retry":false}`,
		`{"set_tick":"0.02"}`,
		`{"set_tick":"abc"}`,
		`{"set_depth":-1}`,
		`{"set_depth":"ten"}`,
		`{"subscribe":"x"}`,
	}

	for _, frame := range frames {
		t.Run(frame, func(t *testing.T) {
			msg, err := DecodeClientMessage([]byte(frame))
			assert.Error(t, err)
			assert.Nil(t, msg)
		})
	}
}

func testBook() types.BookState {
	ob := orderbook.New("asset")
	ob.ApplySnapshot(
		[]types.PriceLevel{
			{Price: decimal.RequireFromString("0.45"), Size: decimal.RequireFromString("100")},
			{Price: decimal.RequireFromString("0.443"), Size: decimal.RequireFromString("10")},
			{Price: decimal.RequireFromString("0.441"), Size: decimal.RequireFromString("5")},
		},
		[]types.PriceLevel{
			{Price: decimal.RequireFromString("0.47"), Size: decimal.RequireFromString("50")},
			{Price: decimal.RequireFromString("0.52"), Size: decimal.RequireFromString("20")},
		},
		time.UnixMilli(1700000000000),
	)
	return ob.Snapshot()
}

func TestBuildOrderbookMessage(t *testing.T) {
	msg := BuildOrderbookMessage(testBook(), nil, 0, types.StateConnected)

	assert.Equal(t, int64(1700000000000), msg.Timestamp)
	assert.Equal(t, types.StateConnected, msg.ConnectionState)
	assert.Equal(t, []PriceLevel{
		{Price: "0.45", Size: "100", Cumulative: "100"},
		{Price: "0.443", Size: "10", Cumulative: "110"},
		{Price: "0.441", Size: "5", Cumulative: "115"},
	}, msg.Orderbook.Bids)
	assert.Equal(t, []PriceLevel{
		{Price: "0.47", Size: "50", Cumulative: "50"},
		{Price: "0.52", Size: "20", Cumulative: "70"},
	}, msg.Orderbook.Asks)

	require.NotNil(t, msg.Orderbook.BestBid)
	assert.Equal(t, "0.45", *msg.Orderbook.BestBid)
	assert.Equal(t, "0.47", *msg.Orderbook.BestAsk)
	assert.Equal(t, "0.02", *msg.Orderbook.Spread)
	assert.Equal(t, "0.46", *msg.Orderbook.Mid)
}

func TestBuildOrderbookMessageAggregatesAndTruncates(t *testing.T) {
	agg := aggregation.New(decimal.RequireFromString("0.01"))
	msg := BuildOrderbookMessage(testBook(), agg, 1, types.StateConnected)

	assert.Equal(t, []PriceLevel{{Price: "0.45", Size: "100", Cumulative: "100"}}, msg.Orderbook.Bids)
	assert.Equal(t, []PriceLevel{{Price: "0.47", Size: "50", Cumulative: "50"}}, msg.Orderbook.Asks)

	msg = BuildOrderbookMessage(testBook(), agg, 0, types.StateConnected)
	assert.Equal(t, []PriceLevel{
		{Price: "0.45", Size: "100", Cumulative: "100"},
		{Price: "0.44", Size: "15", Cumulative: "115"},
	}, msg.Orderbook.Bids)
}

func TestBuildOrderbookMessageEmptyBookIsNull(t *testing.T) {
	msg := BuildOrderbookMessage(orderbook.New("asset").Snapshot(), nil, 0, types.StateConnecting)

	b, err := json.Marshal(msg)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(b, &decoded))
	book := decoded["orderbook"].(map[string]any)

	assert.Equal(t, []any{}, book["bids"])
	assert.Equal(t, []any{}, book["asks"])
	assert.Nil(t, book["best_bid"])
	assert.Nil(t, book["best_ask"])
	assert.Nil(t, book["spread"])
	assert.Contains(t, book, "spread")
	assert.Equal(t, "connecting", decoded["connection_state"])
}
