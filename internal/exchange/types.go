package exchange

import (
	"context"
	"time"

	"bookrelay/internal/types"

	"github.com/shopspring/decimal"
)

// ExchangeName represents supported upstream feed identifiers
type ExchangeName string

const (
	Polymarket ExchangeName = "polymarket"
)

// Feed is an upstream market-data source. Dial opens one duplex connection
// for a single asset; Classify turns one inbound frame into canonical events.
type Feed interface {
	// GetName returns the feed name
	GetName() ExchangeName

	// Dial connects, subscribes to assetID and requests a snapshot.
	// The handshake must honour ctx's deadline.
	Dial(ctx context.Context, assetID string) (Conn, error)

	// Classify decodes a raw frame. A frame that matches no known shape
	// yields a *ProtocolError and must not terminate the connection.
	Classify(assetID string, raw []byte) ([]Event, error)
}

// Conn is a single open upstream connection
type Conn interface {
	// Read blocks until the next frame arrives or the connection fails
	Read() ([]byte, error)

	// Ping sends the feed's heartbeat payload
	Ping() error

	// Close is idempotent
	Close() error
}

// SnapshotSource fetches a one-shot book over a request/response API
type SnapshotSource interface {
	GetSnapshot(ctx context.Context, assetID string) (*Snapshot, error)
}

// EventKind discriminates the Event union
type EventKind int

const (
	KindSnapshot EventKind = iota
	KindDelta
	KindHeartbeat
	KindStatusChange
)

func (k EventKind) String() string {
	switch k {
	case KindSnapshot:
		return "snapshot"
	case KindDelta:
		return "delta"
	case KindHeartbeat:
		return "heartbeat"
	case KindStatusChange:
		return "status"
	default:
		return "unknown"
	}
}

// Event is one of Snapshot, Delta, Heartbeat or StatusChange
type Event interface {
	Kind() EventKind
}

// Snapshot replaces every level on both sides
type Snapshot struct {
	Exchange  ExchangeName
	AssetID   string
	Bids      []types.PriceLevel
	Asks      []types.PriceLevel
	Timestamp time.Time
}

// Delta adds, updates or removes (Size zero) a single level
type Delta struct {
	AssetID   string
	Side      types.Side
	Price     decimal.Decimal
	Size      decimal.Decimal
	Timestamp time.Time
}

// Heartbeat carries no book data; it only proves liveness
type Heartbeat struct{}

// StatusChange reports a connection state transition
type StatusChange struct {
	State  types.ConnectionState
	Detail string
}

func (*Snapshot) Kind() EventKind    { return KindSnapshot }
func (*Delta) Kind() EventKind       { return KindDelta }
func (Heartbeat) Kind() EventKind    { return KindHeartbeat }
func (StatusChange) Kind() EventKind { return KindStatusChange }
