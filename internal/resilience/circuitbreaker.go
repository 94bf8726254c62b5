// Package resilience isolates the engine from failing dependencies: per-source
// circuit breakers, retry with backoff, health checks and execution quality
// tracking.
package resilience

import (
	"context"
	"errors"
	"sync"
	"time"
)

// CircuitState is the state of one breaker.
type CircuitState string

const (
	CircuitClosed   CircuitState = "CLOSED"
	CircuitOpen     CircuitState = "OPEN"
	CircuitHalfOpen CircuitState = "HALF_OPEN" // one probe allowed through
)

// CircuitBreakerConfig holds circuit breaker configuration.
type CircuitBreakerConfig struct {
	// FailureThreshold consecutive failures open the circuit.
	FailureThreshold int
	// SuccessThreshold probe successes close a half-open circuit.
	SuccessThreshold int
	// Cooldown is how long an open circuit rejects calls before probing.
	Cooldown time.Duration
	// OnStateChange, if set, is called after every transition without the
	// breaker lock held.
	OnStateChange func(name string, from, to CircuitState)
}

// DefaultCircuitBreakerConfig returns defaults suited to quote sources.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold: 5,
		SuccessThreshold: 1,
		Cooldown:         30 * time.Second,
	}
}

// ErrCircuitOpen is returned without calling the dependency while its circuit
// is open.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type transition struct{ from, to CircuitState }

// CircuitBreaker guards a single quote source.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig
	now    func() time.Time

	mu              sync.Mutex
	state           CircuitState
	failures        int
	successes       int
	openedAt        time.Time
	lastStateChange time.Time

	totalCalls     int64
	totalSuccesses int64
	totalFailures  int64
	totalRejected  int64
}

// NewCircuitBreaker creates a closed breaker.
func NewCircuitBreaker(name string, config CircuitBreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 1
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = 1
	}
	return &CircuitBreaker{
		name:            name,
		config:          config,
		now:             time.Now,
		state:           CircuitClosed,
		lastStateChange: time.Now(),
	}
}

// SetClock overrides the time source.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Execute runs fn if the circuit allows it and records the outcome. A
// cancelled caller context is not held against the dependency.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.allow(); err != nil {
		return err
	}

	err := fn(ctx)
	switch {
	case err == nil:
		cb.record(true)
	case ctx.Err() != nil:
	default:
		cb.record(false)
	}
	return err
}

func (cb *CircuitBreaker) allow() error {
	cb.mu.Lock()
	cb.totalCalls++
	if cb.state != CircuitOpen {
		cb.mu.Unlock()
		return nil
	}
	if cb.now().Sub(cb.openedAt) < cb.config.Cooldown {
		cb.totalRejected++
		cb.mu.Unlock()
		return ErrCircuitOpen
	}
	t := cb.moveTo(CircuitHalfOpen)
	cb.mu.Unlock()

	cb.notify(t)
	return nil
}

func (cb *CircuitBreaker) record(ok bool) {
	cb.mu.Lock()
	var t *transition
	if ok {
		cb.totalSuccesses++
		switch cb.state {
		case CircuitHalfOpen:
			cb.successes++
			if cb.successes >= cb.config.SuccessThreshold {
				t = cb.moveTo(CircuitClosed)
			}
		case CircuitClosed:
			cb.failures = 0
		}
	} else {
		cb.totalFailures++
		switch cb.state {
		case CircuitClosed:
			cb.failures++
			if cb.failures >= cb.config.FailureThreshold {
				t = cb.moveTo(CircuitOpen)
			}
		case CircuitHalfOpen:
			t = cb.moveTo(CircuitOpen)
		}
	}
	cb.mu.Unlock()

	cb.notify(t)
}

// moveTo changes state under cb.mu and returns the transition to report.
func (cb *CircuitBreaker) moveTo(state CircuitState) *transition {
	t := &transition{from: cb.state, to: state}
	cb.state = state
	cb.lastStateChange = cb.now()
	if state == CircuitOpen {
		cb.openedAt = cb.lastStateChange
	}
	cb.failures = 0
	cb.successes = 0
	return t
}

func (cb *CircuitBreaker) notify(t *transition) {
	if t == nil || cb.config.OnStateChange == nil || t.from == t.to {
		return
	}
	cb.config.OnStateChange(cb.name, t.from, t.to)
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Name returns the guarded source name.
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

// Stats returns a copy of the breaker counters.
func (cb *CircuitBreaker) Stats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	return CircuitBreakerStats{
		Name:            cb.name,
		State:           cb.state,
		TotalCalls:      cb.totalCalls,
		TotalSuccesses:  cb.totalSuccesses,
		TotalFailures:   cb.totalFailures,
		TotalRejected:   cb.totalRejected,
		CurrentFailures: cb.failures,
		LastStateChange: cb.lastStateChange,
	}
}

// CircuitBreakerStats is a point-in-time view of one breaker.
type CircuitBreakerStats struct {
	Name            string       `json:"name"`
	State           CircuitState `json:"state"`
	TotalCalls      int64        `json:"total_calls"`
	TotalSuccesses  int64        `json:"total_successes"`
	TotalFailures   int64        `json:"total_failures"`
	TotalRejected   int64        `json:"total_rejected"`
	CurrentFailures int          `json:"current_failures"`
	LastStateChange time.Time    `json:"last_state_change"`
}
