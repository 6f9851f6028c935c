package polymarket

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"bookrelay/internal/exchange"
	"bookrelay/internal/types"
)

// Event types that carry no book data but prove the connection is alive
var livenessEvents = map[string]bool{
	"last_trade_price": true,
	"tick_size_change": true,
}

// Classify decodes one inbound frame into canonical events. A frame is
// classified all-or-nothing: if any part is malformed nothing is returned.
func (f *Feed) Classify(assetID string, raw []byte) ([]exchange.Event, error) {
	return classify(assetID, raw, time.Now())
}

func classify(assetID string, raw []byte, now time.Time) ([]exchange.Event, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, &exchange.ProtocolError{Reason: "empty frame", Frame: raw}
	}

	switch strings.ToUpper(string(trimmed)) {
	case "PING", "PONG":
		return []exchange.Event{exchange.Heartbeat{}}, nil
	}

	switch trimmed[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return nil, &exchange.ProtocolError{Reason: "malformed array", Frame: raw, Err: err}
		}
		if len(items) == 0 {
			return []exchange.Event{exchange.Heartbeat{}}, nil
		}
		var events []exchange.Event
		for _, item := range items {
			evs, err := classifyObject(assetID, item, now)
			if err != nil {
				return nil, err
			}
			events = append(events, evs...)
		}
		return events, nil
	case '{':
		return classifyObject(assetID, trimmed, now)
	default:
		return nil, &exchange.ProtocolError{Reason: "not a json frame", Frame: raw}
	}
}

func classifyObject(assetID string, raw []byte, now time.Time) ([]exchange.Event, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, &exchange.ProtocolError{Reason: "malformed object", Frame: raw, Err: err}
	}
	if len(fields) == 0 {
		return []exchange.Event{exchange.Heartbeat{}}, nil
	}

	eventType := stringField(fields, "event_type")
	switch {
	case eventType == "book":
		var msg BookMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &exchange.ProtocolError{Reason: "malformed book", Frame: raw, Err: err}
		}
		if msg.AssetID != "" && msg.AssetID != assetID {
			return nil, nil
		}
		snap, err := convertBook(&msg, assetID, now)
		if err != nil {
			return nil, &exchange.ProtocolError{Reason: "invalid book", Frame: raw, Err: err}
		}
		return []exchange.Event{snap}, nil

	case eventType == "price_change":
		var msg PriceChangeMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, &exchange.ProtocolError{Reason: "malformed price_change", Frame: raw, Err: err}
		}
		deltas, err := convertChanges(&msg, assetID, now)
		if err != nil {
			return nil, &exchange.ProtocolError{Reason: "invalid price_change", Frame: raw, Err: err}
		}
		return deltas, nil

	case livenessEvents[eventType]:
		return []exchange.Event{exchange.Heartbeat{}}, nil

	case eventType == "" && strings.EqualFold(stringField(fields, "type"), "pong"):
		return []exchange.Event{exchange.Heartbeat{}}, nil

	default:
		reason := "unknown frame shape"
		if eventType != "" {
			reason = "unknown event_type " + eventType
		}
		return nil, &exchange.ProtocolError{Reason: reason, Frame: raw}
	}
}

func stringField(fields map[string]json.RawMessage, key string) string {
	v, ok := fields[key]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return ""
	}
	return s
}

// convertBook converts a wire book to the canonical snapshot
func convertBook(msg *BookMessage, assetID string, now time.Time) (*exchange.Snapshot, error) {
	bids, err := convertLevels(msg.Bids)
	if err != nil {
		return nil, fmt.Errorf("bids: %w", err)
	}
	asks, err := convertLevels(msg.Asks)
	if err != nil {
		return nil, fmt.Errorf("asks: %w", err)
	}

	ts := msg.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}

	return &exchange.Snapshot{
		Exchange:  exchange.Polymarket,
		AssetID:   assetID,
		Bids:      bids,
		Asks:      asks,
		Timestamp: ts,
	}, nil
}

func convertLevels(levels []Level) ([]types.PriceLevel, error) {
	out := make([]types.PriceLevel, 0, len(levels))
	for i, level := range levels {
		if level.Price == nil || level.Size == nil {
			return nil, fmt.Errorf("level %d: price and size are required", i)
		}
		if level.Price.Sign() < 0 {
			return nil, fmt.Errorf("level %d: negative price %s", i, level.Price)
		}
		out = append(out, types.PriceLevel{Price: *level.Price, Size: *level.Size})
	}
	return out, nil
}

// convertChanges converts price changes for assetID into deltas
func convertChanges(msg *PriceChangeMessage, assetID string, now time.Time) ([]exchange.Event, error) {
	if msg.AssetID != "" && msg.AssetID != assetID {
		return nil, nil
	}

	ts := msg.Timestamp.Time
	if ts.IsZero() {
		ts = now
	}

	changes := append(append([]Change(nil), msg.Changes...), msg.PriceChanges...)
	events := make([]exchange.Event, 0, len(changes))
	for i, change := range changes {
		if change.AssetID != "" && change.AssetID != assetID {
			continue
		}
		if change.Price == nil || change.Size == nil {
			return nil, fmt.Errorf("change %d: price and size are required", i)
		}
		if change.Price.Sign() < 0 || change.Size.Sign() < 0 {
			return nil, fmt.Errorf("change %d: negative price or size", i)
		}

		var side types.Side
		switch strings.ToUpper(change.Side) {
		case "BUY":
			side = types.Buy
		case "SELL":
			side = types.Sell
		default:
			return nil, fmt.Errorf("change %d: unknown side %q", i, change.Side)
		}

		events = append(events, &exchange.Delta{
			AssetID:   assetID,
			Side:      side,
			Price:     *change.Price,
			Size:      *change.Size,
			Timestamp: ts,
		})
	}
	return events, nil
}
