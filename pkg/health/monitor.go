// Package health runs periodic checks against the components sift depends
// on and aggregates them into one status.
package health

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/migadu/sift/logger"
	"github.com/migadu/sift/pkg/circuitbreaker"
	"github.com/migadu/sift/pkg/metrics"
)

type ComponentStatus string

const (
	StatusHealthy   ComponentStatus = "healthy"
	StatusDegraded  ComponentStatus = "degraded"
	StatusUnhealthy ComponentStatus = "unhealthy"
)

func (s ComponentStatus) gauge() float64 {
	switch s {
	case StatusHealthy:
		return 2
	case StatusDegraded:
		return 1
	default:
		return 0
	}
}

type Check struct {
	Name     string
	Check    func(ctx context.Context) error
	Interval time.Duration
	Timeout  time.Duration
	// Critical checks make the overall status unhealthy when they fail.
	// Others only degrade it.
	Critical bool

	mu         sync.RWMutex
	lastCheck  time.Time
	lastError  error
	status     ComponentStatus
	checkCount int
	failCount  int
}

// Report is a snapshot of one check.
type Report struct {
	Status    ComponentStatus `json:"status"`
	LastCheck time.Time       `json:"last_check"`
	Error     string          `json:"error,omitempty"`
	Critical  bool            `json:"critical"`
}

type Monitor struct {
	mu     sync.RWMutex
	checks map[string]*Check
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMonitor() *Monitor {
	return &Monitor{checks: make(map[string]*Check)}
}

func (m *Monitor) Register(c *Check) {
	if c.Interval == 0 {
		c.Interval = 30 * time.Second
	}
	if c.Timeout == 0 {
		c.Timeout = 5 * time.Second
	}
	c.status = StatusHealthy

	m.mu.Lock()
	m.checks[c.Name] = c
	m.mu.Unlock()
}

// Start runs every registered check once and then on its interval until
// ctx is done or Stop is called.
func (m *Monitor) Start(ctx context.Context) {
	ctx, m.cancel = context.WithCancel(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.checks {
		m.wg.Add(1)
		go m.loop(ctx, c)
	}
}

func (m *Monitor) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
}

func (m *Monitor) loop(ctx context.Context, c *Check) {
	defer m.wg.Done()
	ticker := time.NewTicker(c.Interval)
	defer ticker.Stop()

	m.run(ctx, c)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.run(ctx, c)
		}
	}
}

// RunAll runs every check once, synchronously.
func (m *Monitor) RunAll(ctx context.Context) {
	m.mu.RLock()
	checks := make([]*Check, 0, len(m.checks))
	for _, c := range m.checks {
		checks = append(checks, c)
	}
	m.mu.RUnlock()

	for _, c := range checks {
		m.run(ctx, c)
	}
}

func (m *Monitor) run(ctx context.Context, c *Check) {
	ctx, cancel := context.WithTimeout(ctx, c.Timeout)
	defer cancel()

	err := safeCheck(ctx, c)

	c.mu.Lock()
	c.checkCount++
	c.lastCheck = time.Now()
	previous := c.status
	if err != nil {
		c.failCount++
		c.lastError = err
		if float64(c.failCount)/float64(c.checkCount) >= 0.5 {
			c.status = StatusUnhealthy
		} else {
			c.status = StatusDegraded
		}
	} else {
		c.lastError = nil
		c.status = StatusHealthy
	}
	current := c.status
	first := c.checkCount == 1
	c.mu.Unlock()

	metrics.ComponentHealthStatus.WithLabelValues(c.Name).Set(current.gauge())
	switch {
	case err != nil && (first || previous != current):
		logger.Warn("Health: check failed", "component", c.Name, "status", current, "error", err)
	case !first && previous != current:
		logger.Info("Health: status changed", "component", c.Name, "from", previous, "to", current)
	}
}

func safeCheck(ctx context.Context, c *Check) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return c.Check(ctx)
}

// Overall folds all checks into one status.
func (m *Monitor) Overall() ComponentStatus {
	status := StatusHealthy
	for _, r := range m.Reports() {
		switch {
		case r.Status == StatusHealthy:
		case r.Critical && r.Status == StatusUnhealthy:
			return StatusUnhealthy
		default:
			status = StatusDegraded
		}
	}
	return status
}

func (m *Monitor) Reports() map[string]Report {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]Report, len(m.checks))
	for name, c := range m.checks {
		c.mu.RLock()
		r := Report{Status: c.status, LastCheck: c.lastCheck, Critical: c.Critical}
		if c.lastError != nil {
			r.Error = c.lastError.Error()
		}
		c.mu.RUnlock()
		out[name] = r
	}
	return out
}

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// StoreCheck pings the message store.
func StoreCheck(p Pinger) *Check {
	return &Check{
		Name:     "store",
		Interval: 15 * time.Second,
		Critical: true,
		Check:    p.PingContext,
	}
}

var errBreakerOpen = errors.New("circuit breaker open")

// BreakerCheck fails while cb is open. A half-open breaker passes.
func BreakerCheck(cb *circuitbreaker.CircuitBreaker) *Check {
	return &Check{
		Name:     cb.Name(),
		Interval: 10 * time.Second,
		Check: func(context.Context) error {
			if cb.State() == circuitbreaker.StateOpen {
				return errBreakerOpen
			}
			return nil
		},
	}
}
