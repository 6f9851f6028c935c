package supervisor

import (
	"time"

	"bookrelay/internal/types"
)

// Machine is the reconnect state machine of one subscription. It holds no
// timers; callers schedule them from the delays it returns and hand back the
// generation they were scheduled with. Any transition that supersedes a
// connection bumps the generation, so inputs carrying an older one are stale.
//
// Machine is not safe for concurrent use.
type Machine struct {
	state      types.ConnectionState
	attempt    int
	maxRetries int
	base       time.Duration
	maxDelay   time.Duration
	gen        uint64
	closed     bool
}

// NewMachine returns a machine in the Disconnected state
func NewMachine(maxRetries int, base, maxDelay time.Duration) *Machine {
	return &Machine{
		state:      types.StateDisconnected,
		maxRetries: maxRetries,
		base:       base,
		maxDelay:   maxDelay,
	}
}

func (m *Machine) State() types.ConnectionState { return m.state }
func (m *Machine) Attempt() int                 { return m.attempt }
func (m *Machine) MaxRetries() int              { return m.maxRetries }
func (m *Machine) Generation() uint64           { return m.gen }
func (m *Machine) Closed() bool                 { return m.closed }

func (m *Machine) current(gen uint64) bool {
	return !m.closed && gen == m.gen
}

// Start begins the first connect attempt
func (m *Machine) Start() (uint64, bool) {
	if m.closed || m.state != types.StateDisconnected {
		return 0, false
	}
	m.gen++
	m.state = types.StateConnecting
	return m.gen, true
}

// Opened records a successful open for gen
func (m *Machine) Opened(gen uint64) bool {
	if !m.current(gen) || m.state != types.StateConnecting {
		return false
	}
	m.attempt = 0
	m.state = types.StateConnected
	return true
}

// Failed records an unexpected close, error, connect timeout or staleness for
// gen. If a retry is left it returns the backoff delay and retry=true, and the
// caller must schedule exactly one reconnect timer for the new generation.
// Otherwise the machine is Failed and nothing is scheduled.
func (m *Machine) Failed(gen uint64) (delay time.Duration, retry bool, ok bool) {
	if !m.current(gen) {
		return 0, false, false
	}
	if m.state != types.StateConnecting && m.state != types.StateConnected {
		return 0, false, false
	}

	m.gen++
	if m.attempt < m.maxRetries {
		m.attempt++
		m.state = types.StateReconnecting
		return Backoff(m.attempt, m.base, m.maxDelay), true, true
	}
	m.state = types.StateFailed
	return 0, false, true
}

// TimerFired moves Reconnecting to Connecting when the reconnect timer for gen fires
func (m *Machine) TimerFired(gen uint64) bool {
	if !m.current(gen) || m.state != types.StateReconnecting {
		return false
	}
	m.state = types.StateConnecting
	return true
}

// Retry restarts a Failed subscription with a fresh attempt counter
func (m *Machine) Retry() (uint64, bool) {
	if m.closed || m.state != types.StateFailed {
		return 0, false
	}
	m.gen++
	m.attempt = 0
	m.state = types.StateConnecting
	return m.gen, true
}

// Close is the intentional teardown. It is terminal and idempotent; it
// returns false if the machine was already closed.
func (m *Machine) Close() bool {
	if m.closed {
		return false
	}
	m.closed = true
	m.gen++
	m.state = types.StateDisconnected
	return true
}

// Backoff returns min(base * 2^(attempt-1), maxDelay) for attempt >= 1
func Backoff(attempt int, base, maxDelay time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := base
	for i := 1; i < attempt; i++ {
		if delay > maxDelay/2 {
			return maxDelay
		}
		delay *= 2
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}
