package websocket

import (
	"errors"
	"sync"
	"time"

	"bookrelay/internal/aggregation"
	"bookrelay/internal/metrics"
	"bookrelay/internal/supervisor"
	"bookrelay/internal/types"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

const maxClientMessageSize = 64 << 10

// ErrSessionClosed is returned by writes after the session has closed
var ErrSessionClosed = errors.New("session closed")

// SessionInfo describes a live session for the /sessions endpoint
type SessionInfo struct {
	ID        string                `json:"id"`
	AssetID   string                `json:"asset_id"`
	State     types.ConnectionState `json:"state"`
	Attempt   int                   `json:"attempt"`
	CreatedAt time.Time             `json:"created_at"`
	Stats     types.Stats           `json:"stats"`
}

// Session relays one asset's book to one subscriber. It owns the
// subscriber connection and the supervisor of the matching upstream.
type Session struct {
	id        uuid.UUID
	assetID   string
	createdAt time.Time
	conn      *websocket.Conn
	sup       *supervisor.Supervisor
	metrics   *metrics.Metrics
	log       zerolog.Logger

	writeTimeout time.Duration
	pingInterval time.Duration

	// sendMu serializes writes and guards everything below it
	sendMu     sync.Mutex
	closed     bool
	state      types.ConnectionState
	latest     *types.BookState
	aggregator *aggregation.Aggregator
	depth      int

	closeOnce sync.Once
	done      chan struct{}
}

// SessionOptions holds per-session view and timing settings
type SessionOptions struct {
	Tick         decimal.Decimal
	Depth        int
	WriteTimeout time.Duration
	PingInterval time.Duration
}

// newSession wires a session; the supervisor is created by build so it can
// use the session as its listener
func newSession(assetID string, conn *websocket.Conn, opts SessionOptions, m *metrics.Metrics, logger zerolog.Logger, build func(supervisor.Listener, *zerolog.Logger) *supervisor.Supervisor) *Session {
	id := uuid.New()
	s := &Session{
		id:           id,
		assetID:      assetID,
		createdAt:    time.Now(),
		conn:         conn,
		metrics:      m,
		writeTimeout: opts.WriteTimeout,
		pingInterval: opts.PingInterval,
		state:        types.StateDisconnected,
		aggregator:   aggregation.New(opts.Tick),
		depth:        opts.Depth,
		done:         make(chan struct{}),
	}
	s.log = logger.With().Str("session", id.String()).Str("asset_id", assetID).Logger()
	s.sup = build(s, &s.log)
	return s
}

func (s *Session) ID() string      { return s.id.String() }
func (s *Session) AssetID() string { return s.assetID }

// Info returns a snapshot of the session for listing
func (s *Session) Info() SessionInfo {
	status := s.sup.Status()
	return SessionInfo{
		ID:        s.ID(),
		AssetID:   s.assetID,
		State:     status.State,
		Attempt:   status.Attempt,
		CreatedAt: s.createdAt,
		Stats:     s.sup.Book().GetStats(),
	}
}

// Run starts the upstream and serves the subscriber until either side ends
// the session. It always closes the session before returning.
func (s *Session) Run() {
	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	s.log.Info().Msg("subscriber connected")

	s.sup.Start()
	if s.pingInterval > 0 {
		go s.pingLoop()
	}

	s.readLoop()
	s.Close()
}

// Close marks the session closing, stops the supervisor (which cancels
// every timer and closes the upstream) and closes the subscriber connection.
// No write happens once Close has begun. Safe to call more than once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.sendMu.Lock()
		s.closed = true
		s.sendMu.Unlock()

		close(s.done)
		s.sup.Stop()
		_ = s.conn.Close()
		s.log.Info().Msg("subscriber disconnected")
	})
}

// OnStateChange implements supervisor.Listener
func (s *Session) OnStateChange(state types.ConnectionState, detail string) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	if state != types.StateError {
		s.state = state
	}
	s.writeLocked(MessageTypeStatus, StatusMessage{Status: state, Message: detail})
}

// OnBook implements supervisor.Listener
func (s *Session) OnBook(book types.BookState) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.latest = &book
	s.writeLocked(MessageTypeOrderbook, BuildOrderbookMessage(book, s.aggregator, s.depth, s.state))
}

// send writes one message unless the session is closed
func (s *Session) send(msgType MessageType, v any) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	return s.writeLocked(msgType, v)
}

// writeLocked must be called with sendMu held
func (s *Session) writeLocked(msgType MessageType, v any) error {
	if s.closed {
		return ErrSessionClosed
	}
	if s.writeTimeout > 0 {
		_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	}
	if err := s.conn.WriteJSON(v); err != nil {
		// a failed writer is unusable; closing the socket ends readLoop, which closes the session
		s.closed = true
		_ = s.conn.Close()
		s.log.Warn().Err(err).Str("type", string(msgType)).Msg("write to subscriber failed")
		return err
	}
	s.metrics.Downstream(string(msgType))
	return nil
}

func (s *Session) readLoop() {
	s.conn.SetReadLimit(maxClientMessageSize)

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug().Err(err).Msg("subscriber read error")
			}
			return
		}

		msg, err := DecodeClientMessage(raw)
		if err != nil {
			s.log.Debug().Err(err).Msg("ignoring client message")
			continue
		}
		s.handleClientMessage(msg)
	}
}

func (s *Session) handleClientMessage(msg ClientMessage) {
	switch m := msg.(type) {
	case ClientPing:
		_ = s.send(MessageTypePong, PongMessage{Pong: m.TS})
	case ClientPong:
	case ClientRetry:
		s.log.Info().Msg("retry requested")
		s.sup.Retry()
	case ClientSetTick:
		s.updateView(func() { s.aggregator.SetTickLevel(m.Tick) })
		s.log.Debug().Str("tick", m.Tick.String()).Msg("tick level changed")
	case ClientSetDepth:
		s.updateView(func() { s.depth = m.Depth })
		s.log.Debug().Int("depth", m.Depth).Msg("depth changed")
	}
}

// updateView applies a view change and re-renders the latest book with it
func (s *Session) updateView(change func()) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	change()
	if s.latest != nil {
		s.writeLocked(MessageTypeOrderbook, BuildOrderbookMessage(*s.latest, s.aggregator, s.depth, s.state))
	}
}

func (s *Session) pingLoop() {
	ticker := time.NewTicker(s.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			if err := s.send(MessageTypePing, PingMessage{Ping: now.UnixMilli()}); err != nil {
				return
			}
		}
	}
}
