package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the relay's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	SessionsActive     prometheus.Gauge
	ConnectAttempts    *prometheus.CounterVec
	Reconnects         prometheus.Counter
	UpstreamFrames     *prometheus.CounterVec
	ProtocolErrors     prometheus.Counter
	StaleConnections   prometheus.Counter
	TerminalFailures   prometheus.Counter
	DownstreamMessages *prometheus.CounterVec
	BackoffDelay       prometheus.Histogram
	FallbackRequests   *prometheus.CounterVec
}

// New creates the collectors and registers them with reg (if non-nil)
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of subscriber sessions currently open",
		}),
		ConnectAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_connect_attempts_total",
			Help: "Upstream connect attempts by result",
		}, []string{"result"}),
		Reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_upstream_reconnects_total",
			Help: "Reconnect timers scheduled after an upstream failure",
		}),
		UpstreamFrames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_upstream_frames_total",
			Help: "Classified upstream events by kind",
		}, []string{"kind"}),
		ProtocolErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_protocol_errors_total",
			Help: "Upstream frames discarded because they could not be classified",
		}),
		StaleConnections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_stale_connections_total",
			Help: "Upstream connections closed for inactivity",
		}),
		TerminalFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_terminal_failures_total",
			Help: "Subscriptions that exhausted their reconnect attempts",
		}),
		DownstreamMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_downstream_messages_total",
			Help: "Messages written to subscribers by type",
		}, []string{"type"}),
		BackoffDelay: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "relay_backoff_delay_seconds",
			Help:    "Scheduled reconnect delays",
			Buckets: []float64{0.5, 1, 2, 4, 8, 16, 30, 60},
		}),
		FallbackRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_fallback_requests_total",
			Help: "REST snapshot fallback requests by result",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.SessionsActive,
			m.ConnectAttempts,
			m.Reconnects,
			m.UpstreamFrames,
			m.ProtocolErrors,
			m.StaleConnections,
			m.TerminalFailures,
			m.DownstreamMessages,
			m.BackoffDelay,
			m.FallbackRequests,
		)
	}
	return m
}

func (m *Metrics) SessionOpened() {
	if m != nil {
		m.SessionsActive.Inc()
	}
}

func (m *Metrics) SessionClosed() {
	if m != nil {
		m.SessionsActive.Dec()
	}
}

// ConnectResult records one connect attempt; result is "ok", "error" or "timeout"
func (m *Metrics) ConnectResult(result string) {
	if m != nil {
		m.ConnectAttempts.WithLabelValues(result).Inc()
	}
}

func (m *Metrics) ReconnectScheduled(delay time.Duration) {
	if m != nil {
		m.Reconnects.Inc()
		m.BackoffDelay.Observe(delay.Seconds())
	}
}

func (m *Metrics) Frame(kind string) {
	if m != nil {
		m.UpstreamFrames.WithLabelValues(kind).Inc()
	}
}

func (m *Metrics) ProtocolError() {
	if m != nil {
		m.ProtocolErrors.Inc()
	}
}

func (m *Metrics) Stale() {
	if m != nil {
		m.StaleConnections.Inc()
	}
}

func (m *Metrics) Terminal() {
	if m != nil {
		m.TerminalFailures.Inc()
	}
}

func (m *Metrics) Downstream(msgType string) {
	if m != nil {
		m.DownstreamMessages.WithLabelValues(msgType).Inc()
	}
}

func (m *Metrics) Fallback(result string) {
	if m != nil {
		m.FallbackRequests.WithLabelValues(result).Inc()
	}
}
