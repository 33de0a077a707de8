// Package circuitbreaker stops calling a failing dependency for a while
// after it has failed too many times in a row.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/metrics"
)

type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrOpen            = errors.New("circuit breaker is open")
	ErrTooManyRequests = errors.New("too many requests in half-open state")
)

type Settings struct {
	Name string
	// Threshold is the number of consecutive failures that opens the
	// breaker.
	Threshold int
	// Timeout is how long the breaker stays open before letting probes
	// through.
	Timeout time.Duration
	// MaxProbes caps concurrent calls while half-open.
	MaxProbes int
	// IsFailure decides which errors count against the breaker. Nil
	// counts every non-nil error.
	IsFailure func(err error) bool
}

type CircuitBreaker struct {
	settings Settings
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	probes   int
	openedAt time.Time
}

func New(st Settings) *CircuitBreaker {
	if st.Name == "" {
		st.Name = "default"
	}
	if st.Threshold <= 0 {
		st.Threshold = 5
	}
	if st.Timeout <= 0 {
		st.Timeout = 30 * time.Second
	}
	if st.MaxProbes <= 0 {
		st.MaxProbes = 1
	}
	if st.IsFailure == nil {
		st.IsFailure = func(err error) bool { return err != nil }
	}
	cb := &CircuitBreaker{settings: st, now: time.Now}
	metrics.CircuitBreakerState.WithLabelValues(st.Name).Set(float64(StateClosed))
	return cb
}

func (cb *CircuitBreaker) Name() string { return cb.settings.Name }

func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Do runs fn unless the breaker is open. Errors from fn are returned
// unchanged.
func (cb *CircuitBreaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := cb.before(); err != nil {
		return err
	}

	var err error
	defer func() {
		if r := recover(); r != nil {
			cb.after(true)
			panic(r)
		}
	}()
	err = fn(ctx)
	cb.after(cb.settings.IsFailure(err))
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case StateOpen:
		return ErrOpen
	case StateHalfOpen:
		if cb.probes >= cb.settings.MaxProbes {
			return ErrTooManyRequests
		}
		cb.probes++
	}
	return nil
}

func (cb *CircuitBreaker) after(failed bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	state := cb.currentState()
	if state == StateHalfOpen {
		cb.probes--
	}
	if !failed {
		cb.failures = 0
		if state == StateHalfOpen {
			cb.setState(StateClosed)
		}
		return
	}
	cb.failures++
	if state == StateHalfOpen || cb.failures >= cb.settings.Threshold {
		cb.openedAt = cb.now()
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) currentState() State {
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.settings.Timeout {
		cb.setState(StateHalfOpen)
	}
	return cb.state
}

func (cb *CircuitBreaker) setState(state State) {
	if cb.state == state {
		return
	}
	prev := cb.state
	cb.state = state
	cb.failures = 0
	cb.probes = 0
	metrics.CircuitBreakerState.WithLabelValues(cb.settings.Name).Set(float64(state))
	logger.Info("Circuit breaker state changed", "name", cb.settings.Name, "from", prev, "to", state)
}
