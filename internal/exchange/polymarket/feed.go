package polymarket

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bookrelay/internal/exchange"
	"bookrelay/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	pingPayload  = "PING"
	writeTimeout = 5 * time.Second
	maxFrameSize = 4 << 20
)

// Config holds feed endpoints
type Config struct {
	WSURL string
}

// Feed implements exchange.Feed for the Polymarket CLOB market channel
type Feed struct {
	wsURL  string
	dialer websocket.Dialer
}

// NewFeed creates a new Polymarket feed
func NewFeed(config Config) *Feed {
	return &Feed{
		wsURL:  config.WSURL,
		dialer: websocket.Dialer{},
	}
}

// GetName returns the exchange name
func (f *Feed) GetName() exchange.ExchangeName {
	return exchange.Polymarket
}

// Dial connects to the market channel, subscribes to assetID and asks for a
// full book. The whole handshake is bounded by ctx.
func (f *Feed) Dial(ctx context.Context, assetID string) (exchange.Conn, error) {
	log := logger.Component("polymarket")

	ws, _, err := f.dialer.DialContext(ctx, f.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("websocket connection failed: %w", err)
	}
	ws.SetReadLimit(maxFrameSize)

	if deadline, ok := ctx.Deadline(); ok {
		_ = ws.SetWriteDeadline(deadline)
	}

	subscribe := SubscribeRequest{Type: "Market", AssetsIDs: []string{assetID}}
	if err := ws.WriteJSON(subscribe); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to subscribe: %w", err)
	}

	request := SnapshotRequest{Type: "GetMarketSnapshot", AssetID: assetID}
	if err := ws.WriteJSON(request); err != nil {
		ws.Close()
		return nil, fmt.Errorf("failed to request snapshot: %w", err)
	}
	_ = ws.SetWriteDeadline(time.Time{})

	log.Debug().Str("asset_id", assetID).Msg("subscribed to market channel")

	return &conn{ws: ws}, nil
}

// conn wraps a gorilla connection. Read is called from one goroutine, Ping
// and Close from another.
type conn struct {
	ws        *websocket.Conn
	writeMu   sync.Mutex
	closeOnce sync.Once
	closeErr  error
}

func (c *conn) Read() ([]byte, error) {
	_, msg, err := c.ws.ReadMessage()
	return msg, err
}

func (c *conn) Ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(pingPayload))
}

func (c *conn) Close() error {
	c.closeOnce.Do(func() {
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}
