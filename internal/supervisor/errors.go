package supervisor

import (
	"errors"
	"fmt"
	"time"
)

// ErrConnectTimeout is wrapped by a ConnectionError when the feed did not
// open within the connect timeout
var ErrConnectTimeout = errors.New("connect timeout")

// ConnectionError is an upstream handshake failure or unexpected close
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("upstream %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// StaleConnectionError means an open connection delivered no frame within the window
type StaleConnectionError struct {
	Window time.Duration
	Idle   time.Duration
}

func (e *StaleConnectionError) Error() string {
	return fmt.Sprintf("upstream stale: no frames for %s (window %s)", e.Idle.Round(time.Millisecond), e.Window)
}

// TerminalError means the reconnect budget is spent. Only an explicit retry
// restarts the subscription.
type TerminalError struct {
	Attempts int
	Last     error
}

func (e *TerminalError) Error() string {
	return fmt.Sprintf("giving up after %d reconnect attempts: %v", e.Attempts, e.Last)
}

func (e *TerminalError) Unwrap() error { return e.Last }
