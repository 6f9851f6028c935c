package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"bookrelay/internal/config"
	"bookrelay/internal/exchange"
	"bookrelay/internal/metrics"
	"bookrelay/internal/orderbook"
	"bookrelay/internal/trace"
	"bookrelay/internal/types"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Listener receives the supervisor's output. Callbacks run on the
// supervisor's goroutine, one at a time, and never after Stop returns.
// A callback must not call Stop.
type Listener interface {
	OnStateChange(state types.ConnectionState, detail string)
	OnBook(book types.BookState)
}

// Config holds the timing of one subscription
type Config struct {
	MaxRetries        int
	BaseDelay         time.Duration
	MaxDelay          time.Duration
	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	FirstFrameTimeout time.Duration
	StaleTimeout      time.Duration
	FallbackTimeout   time.Duration
}

// ConfigFrom builds a Config from the application configuration
func ConfigFrom(cfg config.Config) Config {
	return Config{
		MaxRetries:        cfg.Reconnect.MaxRetries,
		BaseDelay:         cfg.Reconnect.BaseDelay,
		MaxDelay:          cfg.Reconnect.MaxDelay,
		ConnectTimeout:    cfg.Upstream.ConnectTimeout,
		HeartbeatInterval: cfg.Upstream.HeartbeatInterval,
		FirstFrameTimeout: cfg.Upstream.FirstFrameTimeout,
		StaleTimeout:      cfg.Upstream.StaleAfter(),
		FallbackTimeout:   cfg.Fallback.Timeout,
	}
}

// Params wires a Supervisor. Fallback, Metrics and Logger are optional.
type Params struct {
	AssetID  string
	Feed     exchange.Feed
	Listener Listener
	Config   Config

	// Fallback is queried once each time the subscription reaches Failed
	Fallback exchange.SnapshotSource
	Metrics  *metrics.Metrics
	Logger   *zerolog.Logger
}

// Status is a point-in-time view of the supervisor
type Status struct {
	State      types.ConnectionState `json:"state"`
	Attempt    int                   `json:"attempt"`
	MaxRetries int                   `json:"max_retries"`
}

type timerKind int

const (
	timerReconnect timerKind = iota
	timerConnect
	timerPing
	timerStale
)

func (k timerKind) String() string {
	switch k {
	case timerReconnect:
		return "reconnect"
	case timerConnect:
		return "connect"
	case timerPing:
		return "ping"
	case timerStale:
		return "stale"
	default:
		return "unknown"
	}
}

// inputs to the loop
type (
	dialResult struct {
		gen  uint64
		conn exchange.Conn
		err  error
	}
	frameIn struct {
		gen uint64
		raw []byte
	}
	connClosed struct {
		gen uint64
		err error
	}
	timerFired struct {
		gen  uint64
		kind timerKind
	}
	retryCmd       struct{}
	fallbackResult struct {
		gen  uint64
		snap *exchange.Snapshot
		err  error
	}
)

// Supervisor owns the upstream connection, the order book and every timer of
// one subscription. All of them are touched only by its loop goroutine.
type Supervisor struct {
	assetID  string
	feed     exchange.Feed
	listener Listener
	cfg      Config
	fallback exchange.SnapshotSource
	metrics  *metrics.Metrics
	log      zerolog.Logger
	book     *orderbook.OrderBook

	ctx    context.Context
	cancel context.CancelFunc
	inbox  chan any
	done   chan struct{}

	lifeMu  sync.Mutex
	started bool
	stopped bool

	statusMu sync.RWMutex
	status   Status

	// loop-owned
	machine    *Machine
	conn       exchange.Conn
	dialCancel context.CancelFunc
	timers     map[timerKind]*time.Timer
	lastFrame  time.Time
	gotFrame   bool
}

// New creates a supervisor in the Disconnected state. Call Start to connect.
func New(p Params) *Supervisor {
	ctx, cancel := context.WithCancel(context.Background())

	logger := log.Logger
	if p.Logger != nil {
		logger = *p.Logger
	}

	s := &Supervisor{
		assetID:  p.AssetID,
		feed:     p.Feed,
		listener: p.Listener,
		cfg:      p.Config,
		fallback: p.Fallback,
		metrics:  p.Metrics,
		log:      logger.With().Str("asset_id", p.AssetID).Logger(),
		book:     orderbook.New(p.AssetID),
		ctx:      ctx,
		cancel:   cancel,
		inbox:    make(chan any, 64),
		done:     make(chan struct{}),
		machine:  NewMachine(p.Config.MaxRetries, p.Config.BaseDelay, p.Config.MaxDelay),
		timers:   make(map[timerKind]*time.Timer),
	}
	s.status = Status{State: types.StateDisconnected, MaxRetries: p.Config.MaxRetries}
	return s
}

// Book returns the subscription's order book. Read it through its accessors only.
func (s *Supervisor) Book() *orderbook.OrderBook {
	return s.book
}

// Status returns the current state and attempt counter
func (s *Supervisor) Status() Status {
	s.statusMu.RLock()
	defer s.statusMu.RUnlock()
	return s.status
}

// Start launches the loop and the first connect attempt. It is a no-op after
// the first call or after Stop.
func (s *Supervisor) Start() {
	s.lifeMu.Lock()
	defer s.lifeMu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	go s.run()
}

// Retry restarts a Failed subscription. It is ignored in any other state.
func (s *Supervisor) Retry() {
	s.post(retryCmd{})
}

// Stop tears the subscription down: the loop exits, every timer is stopped
// and the upstream connection is closed. It is idempotent and returns only
// once no further Listener callback can run.
func (s *Supervisor) Stop() {
	s.lifeMu.Lock()
	s.stopped = true
	started := s.started
	s.lifeMu.Unlock()

	s.cancel()
	if started {
		<-s.done
	}
}

// post delivers an input to the loop. It reports false once the supervisor is stopping.
func (s *Supervisor) post(in any) bool {
	select {
	case s.inbox <- in:
		return true
	case <-s.ctx.Done():
		return false
	}
}

func (s *Supervisor) run() {
	defer close(s.done)
	defer s.teardown()

	if _, ok := s.machine.Start(); !ok {
		return
	}
	s.notify("")
	s.connect()

	for {
		select {
		case <-s.ctx.Done():
			return
		case in := <-s.inbox:
			// Stop may race with a queued input; teardown wins
			if s.ctx.Err() != nil {
				return
			}
			s.handle(in)
		}
	}
}

func (s *Supervisor) handle(in any) {
	switch in := in.(type) {
	case dialResult:
		s.onDialResult(in)
	case frameIn:
		s.onFrame(in)
	case connClosed:
		if in.gen != s.machine.Generation() || s.machine.State() != types.StateConnected {
			return
		}
		s.fail(&ConnectionError{Op: "read", Err: in.err})
	case timerFired:
		s.onTimer(in)
	case retryCmd:
		if _, ok := s.machine.Retry(); ok {
			s.log.Info().Msg("retrying after failure")
			s.notify("")
			s.connect()
		}
	case fallbackResult:
		s.onFallback(in)
	default:
		s.log.Error().Str("type", fmt.Sprintf("%T", in)).Msg("unknown supervisor input")
	}
}

// connect starts one dial for the current generation
func (s *Supervisor) connect() {
	gen := s.machine.Generation()
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.ConnectTimeout)
	s.dialCancel = cancel
	s.arm(timerConnect, s.cfg.ConnectTimeout)

	go func() {
		defer cancel()

		ctx, span := trace.StartSpan(ctx, "upstream.dial")
		span.SetAttributes(attribute.String("asset_id", s.assetID))
		conn, err := s.feed.Dial(ctx, s.assetID)
		if err != nil {
			span.RecordError(err)
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				err = fmt.Errorf("%w after %s: %v", ErrConnectTimeout, s.cfg.ConnectTimeout, err)
			}
		}
		span.End()

		if !s.post(dialResult{gen: gen, conn: conn, err: err}) && conn != nil {
			conn.Close()
		}
	}()
}

func (s *Supervisor) onDialResult(in dialResult) {
	if in.gen != s.machine.Generation() || s.machine.State() != types.StateConnecting {
		// superseded by a timeout, a retry or teardown
		if in.conn != nil {
			in.conn.Close()
		}
		return
	}
	s.stop(timerConnect)
	s.dialCancel = nil

	if in.err != nil {
		if errors.Is(in.err, ErrConnectTimeout) {
			s.metrics.ConnectResult("timeout")
		} else {
			s.metrics.ConnectResult("error")
		}
		s.fail(&ConnectionError{Op: "dial", Err: in.err})
		return
	}

	s.machine.Opened(in.gen)
	s.metrics.ConnectResult("ok")
	s.conn = in.conn
	s.lastFrame = time.Now()
	s.gotFrame = false

	s.log.Info().Uint64("gen", in.gen).Msg("upstream connected")
	s.notify("")

	s.arm(timerPing, s.cfg.HeartbeatInterval)
	s.arm(timerStale, s.cfg.FirstFrameTimeout)
	go s.read(in.gen, in.conn)
}

// read forwards frames until the connection fails or is closed
func (s *Supervisor) read(gen uint64, conn exchange.Conn) {
	for {
		raw, err := conn.Read()
		if err != nil {
			s.post(connClosed{gen: gen, err: err})
			return
		}
		if !s.post(frameIn{gen: gen, raw: raw}) {
			return
		}
	}
}

func (s *Supervisor) onFrame(in frameIn) {
	if in.gen != s.machine.Generation() || s.machine.State() != types.StateConnected {
		return
	}
	s.lastFrame = time.Now()
	s.gotFrame = true

	events, err := s.feed.Classify(s.assetID, in.raw)
	if err != nil {
		s.metrics.ProtocolError()
		var perr *exchange.ProtocolError
		if errors.As(err, &perr) {
			s.log.Warn().Str("reason", perr.Reason).Str("frame", perr.Excerpt(200)).Err(perr.Err).Msg("discarding upstream frame")
		} else {
			s.log.Warn().Err(err).Msg("discarding upstream frame")
		}
		return
	}

	changed := false
	for _, ev := range events {
		s.metrics.Frame(ev.Kind().String())
		switch e := ev.(type) {
		case *exchange.Snapshot:
			s.book.ApplySnapshot(e.Bids, e.Asks, e.Timestamp)
			changed = true
		case *exchange.Delta:
			s.book.ApplyDelta(e.Side, e.Price, e.Size, e.Timestamp)
			changed = true
		case exchange.Heartbeat:
		case exchange.StatusChange:
			s.listener.OnStateChange(e.State, e.Detail)
		}
	}

	// one push per frame, after every event in it is applied
	if changed {
		s.listener.OnBook(s.book.Snapshot())
	}
}

func (s *Supervisor) onTimer(in timerFired) {
	if in.gen != s.machine.Generation() {
		return
	}
	delete(s.timers, in.kind)
	s.log.Debug().Stringer("timer", in.kind).Msg("timer fired")

	switch in.kind {
	case timerReconnect:
		if s.machine.TimerFired(in.gen) {
			s.notify("")
			s.connect()
		}

	case timerConnect:
		if s.machine.State() != types.StateConnecting {
			return
		}
		s.metrics.ConnectResult("timeout")
		s.fail(&ConnectionError{Op: "dial", Err: fmt.Errorf("%w after %s", ErrConnectTimeout, s.cfg.ConnectTimeout)})

	case timerPing:
		if s.conn == nil {
			return
		}
		if err := s.conn.Ping(); err != nil {
			s.fail(&ConnectionError{Op: "ping", Err: err})
			return
		}
		s.arm(timerPing, s.cfg.HeartbeatInterval)

	case timerStale:
		if s.conn == nil {
			return
		}
		window := s.cfg.StaleTimeout
		if !s.gotFrame {
			window = s.cfg.FirstFrameTimeout
		}
		idle := time.Since(s.lastFrame)
		if idle < window {
			s.arm(timerStale, window-idle)
			return
		}
		s.metrics.Stale()
		s.fail(&StaleConnectionError{Window: window, Idle: idle})
	}
}

// fail drops the current connection and follows the backoff path
func (s *Supervisor) fail(cause error) {
	s.dropConn()
	s.log.Warn().Err(cause).Int("attempt", s.machine.Attempt()).Msg("upstream failure")
	s.listener.OnStateChange(types.StateError, cause.Error())

	delay, retry, ok := s.machine.Failed(s.machine.Generation())
	if !ok {
		return
	}

	if retry {
		s.metrics.ReconnectScheduled(delay)
		s.notify(fmt.Sprintf("attempt %d/%d in %s", s.machine.Attempt(), s.machine.MaxRetries(), delay))
		s.arm(timerReconnect, delay)
		return
	}

	terminal := &TerminalError{Attempts: s.machine.Attempt(), Last: cause}
	s.metrics.Terminal()
	s.log.Error().Err(terminal).Msg("upstream failed")
	s.notify(terminal.Error())

	if s.fallback != nil {
		s.fetchFallback(s.machine.Generation())
	}
}

func (s *Supervisor) fetchFallback(gen uint64) {
	timeout := s.cfg.FallbackTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	go func() {
		ctx, cancel := context.WithTimeout(s.ctx, timeout)
		defer cancel()

		snap, err := s.fallback.GetSnapshot(ctx, s.assetID)
		s.post(fallbackResult{gen: gen, snap: snap, err: err})
	}()
}

func (s *Supervisor) onFallback(in fallbackResult) {
	if in.gen != s.machine.Generation() || s.machine.State() != types.StateFailed {
		return
	}
	if in.err != nil {
		s.metrics.Fallback("error")
		s.log.Warn().Err(in.err).Msg("fallback snapshot failed")
		return
	}
	s.metrics.Fallback("ok")
	s.book.ApplySnapshot(in.snap.Bids, in.snap.Asks, in.snap.Timestamp)
	s.listener.OnBook(s.book.Snapshot())
}

// dropConn closes the live connection and cancels its timers and any dial in flight
func (s *Supervisor) dropConn() {
	s.stop(timerConnect)
	s.stop(timerPing)
	s.stop(timerStale)
	if s.dialCancel != nil {
		s.dialCancel()
		s.dialCancel = nil
	}
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.log.Debug().Err(err).Msg("error closing upstream")
		}
		s.conn = nil
	}
}

func (s *Supervisor) teardown() {
	s.machine.Close()
	s.dropConn()
	for kind := range s.timers {
		s.stop(kind)
	}
	s.setStatus()
	s.log.Debug().Msg("supervisor stopped")
}

// arm replaces the timer of kind with one tagged with the current generation
func (s *Supervisor) arm(kind timerKind, d time.Duration) {
	s.stop(kind)
	gen := s.machine.Generation()
	s.timers[kind] = time.AfterFunc(d, func() {
		s.post(timerFired{gen: gen, kind: kind})
	})
}

func (s *Supervisor) stop(kind timerKind) {
	if t, ok := s.timers[kind]; ok {
		t.Stop()
		delete(s.timers, kind)
	}
}

// notify publishes the machine's state to the listener
func (s *Supervisor) notify(detail string) {
	s.setStatus()
	s.listener.OnStateChange(s.machine.State(), detail)
}

func (s *Supervisor) setStatus() {
	s.statusMu.Lock()
	s.status = Status{
		State:      s.machine.State(),
		Attempt:    s.machine.Attempt(),
		MaxRetries: s.machine.MaxRetries(),
	}
	s.statusMu.Unlock()
}
