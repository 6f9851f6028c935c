package websocket

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"bookrelay/internal/aggregation"
	"bookrelay/internal/breakers"
	"bookrelay/internal/config"
	"bookrelay/internal/exchange"
	"bookrelay/internal/metrics"
	"bookrelay/internal/orderbook"
	"bookrelay/internal/supervisor"
	"bookrelay/internal/types"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// Options holds the server's collaborators. Feed is required.
type Options struct {
	Feed       exchange.Feed
	Fallback   exchange.SnapshotSource
	Authorizer types.Authorizer
	Metrics    *metrics.Metrics
	Gatherer   prometheus.Gatherer
}

// Server accepts subscribers and runs one Session per connection
type Server struct {
	cfg        config.Config
	feed       exchange.Feed
	fallback   exchange.SnapshotSource
	auth       types.Authorizer
	metrics    *metrics.Metrics
	gatherer   prometheus.Gatherer
	upgrader   websocket.Upgrader
	router     *mux.Router
	httpServer *http.Server
	log        zerolog.Logger

	sessions   map[string]*Session
	sessionsMu sync.RWMutex
	// closing is set by Shutdown; later sessions are refused
	closing bool
}

func NewServer(cfg config.Config, opts Options) *Server {
	if opts.Authorizer == nil {
		opts.Authorizer = types.AllowAll{}
	}
	if opts.Gatherer == nil {
		opts.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		cfg:      cfg,
		feed:     opts.Feed,
		fallback: opts.Fallback,
		auth:     opts.Authorizer,
		metrics:  opts.Metrics,
		gatherer: opts.Gatherer,
		log:      log.With().Str("component", "relay").Logger(),
		sessions: make(map[string]*Session),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}

	r := mux.NewRouter()
	r.HandleFunc("/ws/{assetId}", s.handleSubscribe)
	r.HandleFunc("/ws", s.handleSubscribe)
	r.HandleFunc("/book/{assetId}", s.handleBook).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/sessions", s.handleSessions).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	s.router = r

	return s
}

// Handler returns the HTTP handler with every route mounted
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start listens on the configured address until Shutdown
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.log.Info().Str("addr", s.cfg.Server.Addr).Msg("relay server starting")
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and closes every session
func (s *Server) Shutdown(ctx context.Context) error {
	var err error
	if s.httpServer != nil {
		err = s.httpServer.Shutdown(ctx)
	}

	s.sessionsMu.Lock()
	s.closing = true
	open := make([]*Session, 0, len(s.sessions))
	for _, session := range s.sessions {
		open = append(open, session)
	}
	s.sessionsMu.Unlock()

	for _, session := range open {
		session.Close()
	}
	s.log.Info().Int("sessions", len(open)).Msg("relay server stopped")
	return err
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	assetID := mux.Vars(r)["assetId"]
	if assetID == "" {
		assetID = query.Get("asset_id")
	}
	if assetID == "" {
		writeError(w, http.StatusBadRequest, "asset id is required")
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		writeError(w, http.StatusBadRequest, "websocket upgrade required")
		return
	}

	if s.isClosing() {
		writeError(w, http.StatusServiceUnavailable, "server shutting down")
		return
	}

	if err := s.auth.Authorize(assetID, query.Get("token")); err != nil {
		writeError(w, http.StatusUnauthorized, err.Error())
		return
	}

	opts, err := s.sessionOptions(query.Get("depth"), query.Get("tick"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade error")
		return
	}

	session := newSession(assetID, conn, opts, s.metrics, s.log, func(l supervisor.Listener, logger *zerolog.Logger) *supervisor.Supervisor {
		return supervisor.New(supervisor.Params{
			AssetID:  assetID,
			Feed:     s.feed,
			Listener: l,
			Config:   supervisor.ConfigFrom(s.cfg),
			Fallback: s.failureFallback(),
			Metrics:  s.metrics,
			Logger:   logger,
		})
	})

	// Shutdown may have started while upgrading
	if !s.register(session) {
		session.Close()
		return
	}
	defer s.unregister(session)

	session.Run()
}

func (s *Server) failureFallback() exchange.SnapshotSource {
	if !s.cfg.Fallback.OnFailure {
		return nil
	}
	return s.fallback
}

func (s *Server) sessionOptions(depthParam, tickParam string) (SessionOptions, error) {
	opts := SessionOptions{
		Depth:        s.cfg.Downstream.MaxDepth,
		WriteTimeout: s.cfg.Downstream.WriteTimeout,
		PingInterval: s.cfg.Downstream.PingInterval,
	}

	if depthParam != "" {
		depth, err := strconv.Atoi(depthParam)
		if err != nil || depth < 0 {
			return opts, errors.New("depth must be a non-negative integer")
		}
		opts.Depth = depth
	}

	if tickParam != "" {
		tick, err := decimal.NewFromString(tickParam)
		if err != nil || !aggregation.ValidTickLevel(tick) {
			return opts, errors.New("unsupported tick " + tickParam)
		}
		opts.Tick = tick
	}
	return opts, nil
}

// handleBook serves a one-shot book from the REST fallback
func (s *Server) handleBook(w http.ResponseWriter, r *http.Request) {
	assetID := mux.Vars(r)["assetId"]

	if s.fallback == nil {
		writeError(w, http.StatusServiceUnavailable, "snapshot fallback disabled")
		return
	}

	opts, err := s.sessionOptions(r.URL.Query().Get("depth"), r.URL.Query().Get("tick"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	timeout := s.cfg.Fallback.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(r.Context(), timeout)
	defer cancel()

	snap, err := s.fallback.GetSnapshot(ctx, assetID)
	if err != nil {
		s.metrics.Fallback("error")
		status := http.StatusBadGateway
		if errors.Is(err, breakers.ErrOpen) {
			status = http.StatusServiceUnavailable
		}
		s.log.Warn().Err(err).Str("asset_id", assetID).Msg("fallback snapshot failed")
		writeError(w, status, err.Error())
		return
	}
	s.metrics.Fallback("ok")

	book := orderbook.New(assetID)
	book.ApplySnapshot(snap.Bids, snap.Asks, snap.Timestamp)

	writeJSON(w, http.StatusOK, BuildOrderbookMessage(book.Snapshot(), aggregation.New(opts.Tick), opts.Depth, ""))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.sessionsMu.RLock()
	n := len(s.sessions)
	s.sessionsMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"exchange": s.feed.GetName(),
		"sessions": n,
	})
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.sessionsMu.RLock()
	infos := make([]SessionInfo, 0, len(s.sessions))
	for _, session := range s.sessions {
		infos = append(infos, session.Info())
	}
	s.sessionsMu.RUnlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].CreatedAt.Before(infos[j].CreatedAt) })
	writeJSON(w, http.StatusOK, infos)
}

// register adds session to the registry unless Shutdown has begun
func (s *Server) register(session *Session) bool {
	s.sessionsMu.Lock()
	defer s.sessionsMu.Unlock()

	if s.closing {
		return false
	}
	s.sessions[session.ID()] = session
	return true
}

func (s *Server) isClosing() bool {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return s.closing
}

func (s *Server) unregister(session *Session) {
	s.sessionsMu.Lock()
	delete(s.sessions, session.ID())
	s.sessionsMu.Unlock()
}

// SessionCount returns the number of open sessions
func (s *Server) SessionCount() int {
	s.sessionsMu.RLock()
	defer s.sessionsMu.RUnlock()
	return len(s.sessions)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("error writing response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
