package breakers

import (
	"errors"
	"time"

	cb "github.com/sony/gobreaker"
)

// ErrOpen is returned while the breaker rejects calls
var ErrOpen = errors.New("circuit breaker open")

// Breaker trips after consecutive failures and stays open for Timeout
type Breaker struct{ cb *cb.CircuitBreaker }

// Settings tune a Breaker; zero values take defaults
type Settings struct {
	ConsecutiveFailures uint32
	Timeout             time.Duration
	OnStateChange       func(name string, from, to string)
	// IsSuccessful reports whether err leaves the failure count untouched; nil means err == nil
	IsSuccessful func(err error) bool
}

func New(name string, s Settings) *Breaker {
	if s.ConsecutiveFailures == 0 {
		s.ConsecutiveFailures = 3
	}
	if s.Timeout == 0 {
		s.Timeout = 30 * time.Second
	}

	st := cb.Settings{Name: name}
	st.Interval = 60 * time.Second
	st.Timeout = s.Timeout
	st.ReadyToTrip = func(counts cb.Counts) bool {
		return counts.ConsecutiveFailures >= s.ConsecutiveFailures
	}
	st.IsSuccessful = s.IsSuccessful
	if s.OnStateChange != nil {
		st.OnStateChange = func(name string, from, to cb.State) {
			s.OnStateChange(name, from.String(), to.String())
		}
	}
	return &Breaker{cb: cb.NewCircuitBreaker(st)}
}

// Execute runs fn through the breaker
func (b *Breaker) Execute(fn func() (any, error)) (any, error) {
	v, err := b.cb.Execute(fn)
	if errors.Is(err, cb.ErrOpenState) || errors.Is(err, cb.ErrTooManyRequests) {
		return nil, ErrOpen
	}
	return v, err
}

// State returns the breaker state name
func (b *Breaker) State() string { return b.cb.State().String() }
