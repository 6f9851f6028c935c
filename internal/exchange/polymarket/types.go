package polymarket

import (
	"bytes"
	"encoding/json"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// SubscribeRequest subscribes the market channel to a set of assets
type SubscribeRequest struct {
	Type      string   `json:"type"`
	AssetsIDs []string `json:"assets_ids"`
}

// SnapshotRequest asks the feed for a full book of one asset
type SnapshotRequest struct {
	Type    string `json:"type"`
	AssetID string `json:"asset_id"`
}

// Level is a wire price level. Both fields are required.
type Level struct {
	Price *decimal.Decimal `json:"price"`
	Size  *decimal.Decimal `json:"size"`
}

// BookMessage is a full book, either pushed as event_type "book" or returned
// by the REST /book endpoint
type BookMessage struct {
	EventType string     `json:"event_type"`
	AssetID   string     `json:"asset_id"`
	Market    string     `json:"market"`
	Bids      []Level    `json:"bids"`
	Asks      []Level    `json:"asks"`
	Timestamp millisTime `json:"timestamp"`
	Hash      string     `json:"hash"`
}

// PriceChangeMessage carries incremental level changes. Older payloads use
// "changes", newer ones "price_changes" with a per-change asset_id.
type PriceChangeMessage struct {
	EventType    string     `json:"event_type"`
	AssetID      string     `json:"asset_id"`
	Market       string     `json:"market"`
	Changes      []Change   `json:"changes"`
	PriceChanges []Change   `json:"price_changes"`
	Timestamp    millisTime `json:"timestamp"`
}

// Change is one level update inside a price_change message
type Change struct {
	AssetID string           `json:"asset_id"`
	Price   *decimal.Decimal `json:"price"`
	Size    *decimal.Decimal `json:"size"`
	Side    string           `json:"side"`
}

// millisTime decodes epoch milliseconds sent either as a number or a string.
// Anything else leaves it zero.
type millisTime struct {
	time.Time
}

func (t *millisTime) UnmarshalJSON(b []byte) error {
	b = bytes.Trim(b, `"`)
	if len(b) == 0 || string(b) == "null" {
		return nil
	}
	ms, err := strconv.ParseInt(string(b), 10, 64)
	if err != nil {
		return nil
	}
	t.Time = time.UnixMilli(ms)
	return nil
}

var _ json.Unmarshaler = (*millisTime)(nil)
