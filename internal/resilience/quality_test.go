package resilience

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/models"
)

func TestSlippageBps_IsAdverseForBothSides(t *testing.T) {
	assert.InDelta(t, 10.0, SlippageBps(models.OrderSideBuy, 100, 100.1), 1e-9)
	assert.InDelta(t, -10.0, SlippageBps(models.OrderSideBuy, 100, 99.9), 1e-9)
	assert.InDelta(t, 10.0, SlippageBps(models.OrderSideSell, 100, 99.9), 1e-9)
	assert.Zero(t, SlippageBps(models.OrderSideBuy, 0, 100))
}

func TestExecutionQualityTracker_AlertsAboveThreshold(t *testing.T) {
	tr := NewExecutionQualityTracker(QualityConfig{SlippageAlertBps: 20, LatencyAlert: time.Second}, zerolog.Nop())
	now := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	tr.SetClock(func() time.Time { return now })

	var alerts []ExecutionAlert
	tr.SetAlertCallback(func(a ExecutionAlert) { alerts = append(alerts, a) })

	got := tr.RecordExecution(ExecutionQuality{OrderID: "o1", Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedPrice: 100, ActualPrice: 100.1})
	assert.InDelta(t, 10.0, got.SlippageBps, 1e-9)
	assert.Equal(t, now, got.Timestamp)
	assert.Empty(t, alerts)

	tr.RecordExecution(ExecutionQuality{OrderID: "o2", Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedPrice: 100, ActualPrice: 100.3, Latency: 2 * time.Second})
	require.Len(t, alerts, 2)
	assert.Equal(t, AlertHighSlippage, alerts[0].Type)
	assert.Equal(t, "o2", alerts[0].OrderID)
	assert.Equal(t, AlertHighLatency, alerts[1].Type)

	tr.RecordRejection("MSFT", models.OrderSideSell, "momentum", "insufficient capital")
	require.Len(t, alerts, 3)
	assert.Equal(t, AlertOrderRejected, alerts[2].Type)

	s := tr.Stats()
	assert.Equal(t, int64(2), s.TotalExecutions)
	assert.Equal(t, int64(1), s.TotalRejections)
	assert.InDelta(t, 20.0, s.AvgSlippageBps, 1e-9)
	assert.InDelta(t, 30.0, s.MaxSlippageBps, 1e-9)
	assert.InDelta(t, 1.0/3, s.RejectionRate, 1e-9)
	assert.Equal(t, 2*time.Second, s.MaxLatency)
}

func TestExecutionQualityTracker_WindowAndReport(t *testing.T) {
	tr := NewExecutionQualityTracker(QualityConfig{SlippageAlertBps: 15, WindowSize: 2}, zerolog.Nop())

	tr.RecordExecution(ExecutionQuality{Symbol: "MSFT", Side: models.OrderSideSell, ExpectedPrice: 300, ActualPrice: 300})
	tr.RecordExecution(ExecutionQuality{Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedPrice: 100, ActualPrice: 100.2})
	tr.RecordExecution(ExecutionQuality{Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedPrice: 100, ActualPrice: 100})
	tr.RecordRejection("AAPL", models.OrderSideBuy, "", "no price")

	recent := tr.Recent(0)
	require.Len(t, recent, 2)
	assert.Equal(t, "AAPL", recent[0].Symbol)
	assert.InDelta(t, 10.0, tr.Stats().RecentAvgSlippageBps, 1e-9)

	report := tr.Report()
	require.Len(t, report.BySymbol, 2)
	aapl := report.BySymbol[0]
	assert.Equal(t, "AAPL", aapl.Symbol)
	assert.Equal(t, int64(2), aapl.Count)
	assert.Equal(t, int64(1), aapl.Rejections)
	assert.InDelta(t, 10.0, aapl.AvgSlippageBps, 1e-9)
	require.Len(t, report.HighSlippage, 1)
	assert.InDelta(t, 20.0, report.HighSlippage[0].SlippageBps, 1e-9)
}

func TestExecutionQualityTracker_HealthCheck(t *testing.T) {
	tr := NewExecutionQualityTracker(QualityConfig{SlippageAlertBps: 15, WindowSize: 1}, zerolog.Nop())
	check := tr.HealthCheck()
	ctx := context.Background()

	assert.Equal(t, HealthStatusHealthy, check(ctx).Status)

	tr.RecordExecution(ExecutionQuality{Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedPrice: 100, ActualPrice: 100.5})
	assert.Equal(t, HealthStatusDegraded, check(ctx).Status)

	tr.RecordExecution(ExecutionQuality{Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedPrice: 100, ActualPrice: 100})
	assert.Equal(t, HealthStatusHealthy, check(ctx).Status, "only the recent window counts")
}
