package resilience

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHealthMonitor_AggregatesWorstStatus(t *testing.T) {
	m := NewHealthMonitor(time.Hour, zerolog.Nop())
	m.Register("a", StatusCheck(func() (HealthStatus, string) { return HealthStatusHealthy, "ok" }))
	m.Register("b", StatusCheck(func() (HealthStatus, string) { return HealthStatusDegraded, "slow" }))

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusDegraded, h.Status)
	require.Len(t, h.Components, 2)
	assert.Equal(t, "a", h.Components[0].Name)
	assert.Equal(t, "b", h.Components[1].Name)
	assert.Equal(t, int64(1), h.TotalChecks)

	m.Register("c", StatusCheck(func() (HealthStatus, string) { return HealthStatusUnhealthy, "down" }))
	h = m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, int64(1), h.FailedChecks)
}

func TestHealthMonitor_PanickingCheckIsUnhealthy(t *testing.T) {
	m := NewHealthMonitor(time.Hour, zerolog.Nop())
	m.Register("boom", func(context.Context) ComponentHealth { panic("kaboom") })

	h := m.Check(context.Background())
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, int64(1), h.Panics)
	require.Len(t, h.Components, 1)
	assert.Contains(t, h.Components[0].Message, "kaboom")
}

func TestHealthMonitor_ReportsOnlyTransitions(t *testing.T) {
	m := NewHealthMonitor(time.Hour, zerolog.Nop())

	var degraded atomic.Bool
	m.Register("gate", StatusCheck(func() (HealthStatus, string) {
		if degraded.Load() {
			return HealthStatusDegraded, "paused"
		}
		return HealthStatusHealthy, "open"
	}))

	var changes []HealthStatus
	m.OnChange(func(h ComponentHealth, prev HealthStatus) {
		changes = append(changes, prev, h.Status)
	})

	ctx := context.Background()
	m.Check(ctx)
	m.Check(ctx)
	degraded.Store(true)
	m.Check(ctx)
	m.Check(ctx)

	assert.Equal(t, []HealthStatus{
		HealthStatusUnknown, HealthStatusHealthy,
		HealthStatusHealthy, HealthStatusDegraded,
	}, changes)
}

func TestHealthMonitor_StartChecksImmediately(t *testing.T) {
	m := NewHealthMonitor(time.Hour, zerolog.Nop())
	var calls atomic.Int32
	m.Register("x", func(context.Context) ComponentHealth {
		calls.Add(1)
		return ComponentHealth{Status: HealthStatusHealthy}
	})

	m.Start(context.Background())
	assert.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	m.Stop()
	m.Stop()
}

func TestHealthMonitor_Handler(t *testing.T) {
	m := NewHealthMonitor(time.Hour, zerolog.Nop())
	status := HealthStatusDegraded
	m.Register("x", StatusCheck(func() (HealthStatus, string) { return status, "" }))
	m.Check(context.Background())

	rec := httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	var body SystemHealth
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, HealthStatusDegraded, body.Status)

	status = HealthStatusUnhealthy
	m.Check(context.Background())
	rec = httptest.NewRecorder()
	m.Handler()(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestBreakerHealthCheck(t *testing.T) {
	var stats []CircuitBreakerStats
	check := BreakerHealthCheck(func() []CircuitBreakerStats { return stats })
	ctx := context.Background()

	assert.Equal(t, HealthStatusHealthy, check(ctx).Status)

	stats = []CircuitBreakerStats{{Name: "a", State: CircuitClosed}, {Name: "b", State: CircuitOpen}}
	assert.Equal(t, HealthStatusDegraded, check(ctx).Status)

	stats[0].State = CircuitOpen
	h := check(ctx)
	assert.Equal(t, HealthStatusUnhealthy, h.Status)
	assert.Equal(t, []string{"a", "b"}, h.Details["open"])
}

func TestDatabaseAndStreamChecks(t *testing.T) {
	ctx := context.Background()

	ok := DatabaseHealthCheck(func(context.Context) error { return nil }, time.Second)
	assert.Equal(t, HealthStatusHealthy, ok(ctx).Status)

	down := DatabaseHealthCheck(func(context.Context) error { return errSource }, time.Second)
	assert.Equal(t, HealthStatusUnhealthy, down(ctx).Status)

	connected := false
	stream := StreamHealthCheck(func() bool { return connected })
	assert.Equal(t, HealthStatusDegraded, stream(ctx).Status)
	connected = true
	assert.Equal(t, HealthStatusHealthy, stream(ctx).Status)
}
