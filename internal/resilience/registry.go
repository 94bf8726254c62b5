package resilience

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"tradecore/pkg/utils"
)

// CircuitBreakerRegistry keeps one breaker per quote source. Breakers are
// created on first use and share the registry's config.
type CircuitBreakerRegistry struct {
	mu       sync.RWMutex
	breakers map[string]*CircuitBreaker
	config   CircuitBreakerConfig
}

// NewCircuitBreakerRegistry creates an empty registry.
func NewCircuitBreakerRegistry(config CircuitBreakerConfig) *CircuitBreakerRegistry {
	return &CircuitBreakerRegistry{
		breakers: make(map[string]*CircuitBreaker),
		config:   config,
	}
}

// Get returns the breaker for name.
func (r *CircuitBreakerRegistry) Get(name string) *CircuitBreaker {
	r.mu.RLock()
	cb, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return cb
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[name]; ok {
		return cb
	}
	cb = NewCircuitBreaker(name, r.config)
	r.breakers[name] = cb
	return cb
}

// AllStats returns every breaker's stats ordered by source name.
func (r *CircuitBreakerRegistry) AllStats() []CircuitBreakerStats {
	r.mu.RLock()
	out := make([]CircuitBreakerStats, 0, len(r.breakers))
	for _, cb := range r.breakers {
		out = append(out, cb.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// DefaultSourceRetry is the retry policy for a single quote fetch. It is
// kept short so one slow source cannot hold up a consensus round.
func DefaultSourceRetry() utils.RetryConfig {
	return utils.RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  100 * time.Millisecond,
		MaxDelay:      2 * time.Second,
		BackoffFactor: 2.0,
	}
}

// Guarded calls fn through cb and retries failures per retry. ErrCircuitOpen
// ends the loop at once, as does any error retry.Retryable refuses.
func Guarded(ctx context.Context, cb *CircuitBreaker, retry utils.RetryConfig, fn func(ctx context.Context) error) error {
	inner := retry.Retryable
	retry.Retryable = func(err error) bool {
		if errors.Is(err, ErrCircuitOpen) {
			return false
		}
		return inner == nil || inner(err)
	}
	return utils.Retry(ctx, retry, func() error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return cb.Execute(ctx, fn)
	})
}
