package utils

import (
	"context"
	"math"
	"time"
)

// RetryConfig describes an exponential backoff schedule.
type RetryConfig struct {
	MaxAttempts   int // values below 1 mean a single attempt
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	// Retryable reports whether err deserves another attempt. Nil retries
	// every error.
	Retryable func(error) bool
}

// Retry calls fn until it returns nil, the attempts are spent, Retryable
// refuses the error or ctx ends. It returns fn's last error, or ctx's error
// if the context ended during a wait.
func Retry(ctx context.Context, cfg RetryConfig, fn func() error) error {
	for attempt := 0; ; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		if attempt+1 >= cfg.MaxAttempts || (cfg.Retryable != nil && !cfg.Retryable(err)) {
			return err
		}
		if werr := Sleep(ctx, CalculateBackoff(attempt, cfg.InitialDelay, cfg.MaxDelay, cfg.BackoffFactor)); werr != nil {
			return werr
		}
	}
}

// CalculateBackoff returns initialDelay * factor^attempt, capped at maxDelay
// when maxDelay is positive. A non-positive factor keeps the delay constant.
func CalculateBackoff(attempt int, initialDelay, maxDelay time.Duration, factor float64) time.Duration {
	if factor <= 0 {
		factor = 1
	}
	d := float64(initialDelay) * math.Pow(factor, float64(attempt))
	if maxDelay > 0 {
		d = math.Min(d, float64(maxDelay))
	}
	return time.Duration(d)
}

// Sleep pauses for d. It returns early with ctx.Err() if ctx ends first.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
