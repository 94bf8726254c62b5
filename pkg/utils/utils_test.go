package utils

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCurrency(t *testing.T) {
	tests := []struct {
		in   float64
		want string
	}{
		{0, "$0.00"},
		{999.5, "$999.50"},
		{1234.567, "$1,234.57"},
		{-1234567.1, "-$1,234,567.10"},
		{100000, "$100,000.00"},
		{-0.001, "$0.00"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, FormatCurrency(tt.in))
	}
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "+2.50%", FormatPercent(2.5))
	assert.Equal(t, "-1.00%", FormatPercent(-1))
	assert.Equal(t, "+$10.00", FormatPnL(10))
	assert.Equal(t, "0.125", FormatQuantity(0.125))
	assert.Equal(t, "3", FormatQuantity(3))
	assert.Equal(t, "0.00000001", FormatQuantity(0.000000012))
}

func TestCalculateBackoff(t *testing.T) {
	assert.Equal(t, 100*time.Millisecond, CalculateBackoff(0, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, 400*time.Millisecond, CalculateBackoff(2, 100*time.Millisecond, time.Second, 2))
	assert.Equal(t, time.Second, CalculateBackoff(10, 100*time.Millisecond, time.Second, 2))
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	permanent := errors.New("permanent")
	cfg := RetryConfig{
		MaxAttempts:   5,
		InitialDelay:  time.Millisecond,
		MaxDelay:      time.Millisecond,
		BackoffFactor: 1,
		Retryable:     func(err error) bool { return !errors.Is(err, permanent) },
	}

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return permanent
	})
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, calls)
}

func TestRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	cfg := RetryConfig{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, BackoffFactor: 2}
	transient := errors.New("transient")

	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		return transient
	})
	assert.ErrorIs(t, err, transient)
	assert.Equal(t, 3, calls)

	calls = 0
	require.NoError(t, Retry(context.Background(), RetryConfig{}, func() error {
		calls++
		return nil
	}))
	assert.Equal(t, 1, calls, "zero config still runs once")
}

func TestSleep_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}
