package polymarket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bookrelay/internal/exchange"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeMarket is a minimal market channel: it records the client's first two
// messages, pushes a book, then answers PING with PONG.
func fakeMarket(t *testing.T, received chan<- []byte) *httptest.Server {
	t.Helper()
	upgrader := websocket.Upgrader{}

	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()

		for i := 0; i < 2; i++ {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			received <- msg
		}

		book := `{"event_type":"book","asset_id":"` + asset + `","bids":[{"price":"0.45","size":"100"}],"asks":[{"price":"0.55","size":"80"}]}`
		if err := ws.WriteMessage(websocket.TextMessage, []byte(book)); err != nil {
			return
		}

		for {
			_, msg, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "PING" {
				_ = ws.WriteMessage(websocket.TextMessage, []byte("PONG"))
			}
		}
	}))
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestFeedDialSubscribesAndReads(t *testing.T) {
	received := make(chan []byte, 2)
	server := fakeMarket(t, received)
	defer server.Close()

	feed := NewFeed(Config{WSURL: wsURL(server)})
	assert.Equal(t, exchange.Polymarket, feed.GetName())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, err := feed.Dial(ctx, asset)
	require.NoError(t, err)
	defer conn.Close()

	var sub SubscribeRequest
	require.NoError(t, json.Unmarshal(<-received, &sub))
	assert.Equal(t, "Market", sub.Type)
	assert.Equal(t, []string{asset}, sub.AssetsIDs)

	var req SnapshotRequest
	require.NoError(t, json.Unmarshal(<-received, &req))
	assert.Equal(t, "GetMarketSnapshot", req.Type)
	assert.Equal(t, asset, req.AssetID)

	frame, err := conn.Read()
	require.NoError(t, err)
	events, err := feed.Classify(asset, frame)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, exchange.KindSnapshot, events[0].Kind())

	require.NoError(t, conn.Ping())
	frame, err = conn.Read()
	require.NoError(t, err)
	assert.Equal(t, "PONG", string(frame))
}

func TestFeedDialFailure(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	defer server.Close()

	feed := NewFeed(Config{WSURL: wsURL(server)})
	conn, err := feed.Dial(context.Background(), asset)
	require.Error(t, err)
	assert.Nil(t, conn)
	assert.Contains(t, err.Error(), "websocket connection failed")
}

func TestFeedDialHonoursDeadline(t *testing.T) {
	// accepts TCP but never completes the handshake
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer server.Close()

	feed := NewFeed(Config{WSURL: wsURL(server)})
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := feed.Dial(ctx, asset)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestConnCloseIsIdempotent(t *testing.T) {
	received := make(chan []byte, 2)
	server := fakeMarket(t, received)
	defer server.Close()

	conn, err := NewFeed(Config{WSURL: wsURL(server)}).Dial(context.Background(), asset)
	require.NoError(t, err)

	first := conn.Close()
	second := conn.Close()
	assert.NoError(t, first)
	assert.Equal(t, first, second)

	_, err = conn.Read()
	assert.Error(t, err)
}
