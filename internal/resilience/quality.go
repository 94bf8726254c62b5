package resilience

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/models"
)

// ExecutionQuality is one submission as seen against the price it was sized
// at. SlippageBps is positive when the fill was worse than expected.
type ExecutionQuality struct {
	OrderID       string
	Symbol        string
	Side          models.OrderSide
	StrategyTag   string
	ExpectedPrice float64
	ActualPrice   float64
	SlippageBps   float64
	FillRatio     float64
	Latency       time.Duration
	Timestamp     time.Time
	Rejected      bool
	RejectReason  string
}

// QualityConfig holds execution quality thresholds.
type QualityConfig struct {
	SlippageAlertBps float64
	LatencyAlert     time.Duration
	WindowSize       int
	MaxStored        int
}

// DefaultQualityConfig returns default thresholds.
func DefaultQualityConfig() QualityConfig {
	return QualityConfig{
		SlippageAlertBps: 25,
		LatencyAlert:     time.Second,
		WindowSize:       100,
		MaxStored:        1000,
	}
}

// ExecutionQualityTracker keeps fill slippage and latency per submission and
// raises an alert when a threshold is crossed.
type ExecutionQualityTracker struct {
	mu sync.RWMutex

	cfg    QualityConfig
	logger zerolog.Logger
	now    func() time.Time

	executions []ExecutionQuality
	recent     []ExecutionQuality

	totalExecutions int64
	totalRejections int64
	totalSlippage   float64
	totalLatency    time.Duration
	maxSlippage     float64
	maxLatency      time.Duration

	onAlert func(ExecutionAlert)
}

// NewExecutionQualityTracker creates a tracker.
func NewExecutionQualityTracker(cfg QualityConfig, logger zerolog.Logger) *ExecutionQualityTracker {
	def := DefaultQualityConfig()
	if cfg.WindowSize <= 0 {
		cfg.WindowSize = def.WindowSize
	}
	if cfg.MaxStored <= 0 {
		cfg.MaxStored = def.MaxStored
	}
	return &ExecutionQualityTracker{
		cfg:    cfg,
		logger: logger.With().Str("component", "execution_quality").Logger(),
		now:    time.Now,
	}
}

// SetClock replaces the time source.
func (t *ExecutionQualityTracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetAlertCallback sets the receiver for threshold alerts. It is called
// without the tracker lock held.
func (t *ExecutionQualityTracker) SetAlertCallback(fn func(ExecutionAlert)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.onAlert = fn
}

// SlippageBps is the adverse move from expected to actual in basis points.
func SlippageBps(side models.OrderSide, expected, actual float64) float64 {
	if expected <= 0 {
		return 0
	}
	diff := actual - expected
	if side == models.OrderSideSell {
		diff = -diff
	}
	return diff / expected * 10000
}

// RecordExecution records a filled or partially filled submission and
// returns it with slippage computed.
func (t *ExecutionQualityTracker) RecordExecution(exec ExecutionQuality) ExecutionQuality {
	t.mu.Lock()
	exec.SlippageBps = SlippageBps(exec.Side, exec.ExpectedPrice, exec.ActualPrice)
	exec.Timestamp = t.now()

	t.totalExecutions++
	t.totalSlippage += exec.SlippageBps
	t.totalLatency += exec.Latency
	if exec.SlippageBps > t.maxSlippage {
		t.maxSlippage = exec.SlippageBps
	}
	if exec.Latency > t.maxLatency {
		t.maxLatency = exec.Latency
	}

	t.store(exec)
	t.recent = append(t.recent, exec)
	if len(t.recent) > t.cfg.WindowSize {
		t.recent = t.recent[len(t.recent)-t.cfg.WindowSize:]
	}

	alerts := t.checkAlerts(exec)
	hook := t.onAlert
	t.mu.Unlock()

	t.deliver(hook, alerts)
	return exec
}

// RecordRejection records a submission the venue refused.
func (t *ExecutionQualityTracker) RecordRejection(symbol string, side models.OrderSide, strategy, reason string) {
	t.mu.Lock()
	now := t.now()
	t.totalRejections++
	t.store(ExecutionQuality{
		Symbol:       symbol,
		Side:         side,
		StrategyTag:  strategy,
		Rejected:     true,
		RejectReason: reason,
		Timestamp:    now,
	})
	hook := t.onAlert
	t.mu.Unlock()

	t.deliver(hook, []ExecutionAlert{{
		Type:      AlertOrderRejected,
		Symbol:    symbol,
		Message:   fmt.Sprintf("Order rejected: %s", reason),
		Timestamp: now,
	}})
}

func (t *ExecutionQualityTracker) store(exec ExecutionQuality) {
	t.executions = append(t.executions, exec)
	if len(t.executions) > t.cfg.MaxStored {
		t.executions = t.executions[len(t.executions)-t.cfg.MaxStored:]
	}
}

func (t *ExecutionQualityTracker) checkAlerts(exec ExecutionQuality) []ExecutionAlert {
	var alerts []ExecutionAlert
	if limit := t.cfg.SlippageAlertBps; limit > 0 && exec.SlippageBps > limit {
		alerts = append(alerts, ExecutionAlert{
			Type:      AlertHighSlippage,
			OrderID:   exec.OrderID,
			Symbol:    exec.Symbol,
			Value:     exec.SlippageBps,
			Threshold: limit,
			Message:   fmt.Sprintf("High slippage: %.1fbps (threshold: %.1fbps)", exec.SlippageBps, limit),
			Timestamp: exec.Timestamp,
		})
	}
	if limit := t.cfg.LatencyAlert; limit > 0 && exec.Latency > limit {
		alerts = append(alerts, ExecutionAlert{
			Type:      AlertHighLatency,
			OrderID:   exec.OrderID,
			Symbol:    exec.Symbol,
			Value:     float64(exec.Latency.Milliseconds()),
			Threshold: float64(limit.Milliseconds()),
			Message:   fmt.Sprintf("High latency: %s (threshold: %s)", exec.Latency, limit),
			Timestamp: exec.Timestamp,
		})
	}
	return alerts
}

func (t *ExecutionQualityTracker) deliver(hook func(ExecutionAlert), alerts []ExecutionAlert) {
	for _, a := range alerts {
		t.logger.Warn().
			Str("type", string(a.Type)).
			Str("symbol", a.Symbol).
			Str("order_id", a.OrderID).
			Msg(a.Message)
		if hook != nil {
			hook(a)
		}
	}
}

// Stats returns aggregate statistics.
func (t *ExecutionQualityTracker) Stats() ExecutionStats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.stats()
}

func (t *ExecutionQualityTracker) stats() ExecutionStats {
	s := ExecutionStats{
		TotalExecutions: t.totalExecutions,
		TotalRejections: t.totalRejections,
		MaxSlippageBps:  t.maxSlippage,
		MaxLatency:      t.maxLatency,
	}
	if t.totalExecutions > 0 {
		s.AvgSlippageBps = t.totalSlippage / float64(t.totalExecutions)
		s.AvgLatency = t.totalLatency / time.Duration(t.totalExecutions)
	}
	if total := t.totalExecutions + t.totalRejections; total > 0 {
		s.RejectionRate = float64(t.totalRejections) / float64(total)
	}
	if n := len(t.recent); n > 0 {
		var slip float64
		for _, e := range t.recent {
			slip += e.SlippageBps
		}
		s.RecentAvgSlippageBps = slip / float64(n)
	}
	return s
}

// Recent returns up to limit of the latest executions, oldest first.
func (t *ExecutionQualityTracker) Recent(limit int) []ExecutionQuality {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if limit <= 0 || limit > len(t.recent) {
		limit = len(t.recent)
	}
	out := make([]ExecutionQuality, limit)
	copy(out, t.recent[len(t.recent)-limit:])
	return out
}

// Report groups stored executions by symbol.
func (t *ExecutionQualityTracker) Report() ExecutionReport {
	t.mu.RLock()
	defer t.mu.RUnlock()

	report := ExecutionReport{
		GeneratedAt: t.now(),
		Stats:       t.stats(),
	}

	bySymbol := make(map[string]*SymbolExecutionStats)
	for _, exec := range t.executions {
		s, ok := bySymbol[exec.Symbol]
		if !ok {
			s = &SymbolExecutionStats{Symbol: exec.Symbol}
			bySymbol[exec.Symbol] = s
		}
		if exec.Rejected {
			s.Rejections++
			continue
		}
		s.Count++
		s.AvgSlippageBps += exec.SlippageBps
		if exec.SlippageBps > s.MaxSlippageBps {
			s.MaxSlippageBps = exec.SlippageBps
		}
		if limit := t.cfg.SlippageAlertBps; limit > 0 && exec.SlippageBps > limit {
			report.HighSlippage = append(report.HighSlippage, exec)
		}
	}
	for _, s := range bySymbol {
		if s.Count > 0 {
			s.AvgSlippageBps /= float64(s.Count)
		}
		report.BySymbol = append(report.BySymbol, *s)
	}
	sort.Slice(report.BySymbol, func(i, j int) bool { return report.BySymbol[i].Symbol < report.BySymbol[j].Symbol })
	return report
}

// HealthCheck reports degraded while the recent average slippage is above
// the alert threshold.
func (t *ExecutionQualityTracker) HealthCheck() HealthCheck {
	return StatusCheck(func() (HealthStatus, string) {
		s := t.Stats()
		if limit := t.cfg.SlippageAlertBps; limit > 0 && s.RecentAvgSlippageBps > limit {
			return HealthStatusDegraded, fmt.Sprintf("recent slippage %.1fbps above %.1fbps", s.RecentAvgSlippageBps, limit)
		}
		return HealthStatusHealthy, fmt.Sprintf("%d fills, %.1fbps avg slippage", s.TotalExecutions, s.AvgSlippageBps)
	})
}

// ExecutionStats holds execution quality statistics.
type ExecutionStats struct {
	TotalExecutions      int64         `json:"total_executions"`
	TotalRejections      int64         `json:"total_rejections"`
	AvgSlippageBps       float64       `json:"avg_slippage_bps"`
	MaxSlippageBps       float64       `json:"max_slippage_bps"`
	RecentAvgSlippageBps float64       `json:"recent_avg_slippage_bps"`
	AvgLatency           time.Duration `json:"avg_latency"`
	MaxLatency           time.Duration `json:"max_latency"`
	RejectionRate        float64       `json:"rejection_rate"`
}

// ExecutionReport is the per-symbol breakdown.
type ExecutionReport struct {
	GeneratedAt  time.Time              `json:"generated_at"`
	Stats        ExecutionStats         `json:"stats"`
	BySymbol     []SymbolExecutionStats `json:"by_symbol"`
	HighSlippage []ExecutionQuality     `json:"high_slippage,omitempty"`
}

// SymbolExecutionStats holds execution stats for a symbol.
type SymbolExecutionStats struct {
	Symbol         string  `json:"symbol"`
	Count          int64   `json:"count"`
	Rejections     int64   `json:"rejections"`
	AvgSlippageBps float64 `json:"avg_slippage_bps"`
	MaxSlippageBps float64 `json:"max_slippage_bps"`
}

// ExecutionAlertType represents the type of execution alert.
type ExecutionAlertType string

const (
	AlertHighSlippage  ExecutionAlertType = "HIGH_SLIPPAGE"
	AlertHighLatency   ExecutionAlertType = "HIGH_LATENCY"
	AlertOrderRejected ExecutionAlertType = "ORDER_REJECTED"
)

// ExecutionAlert represents an execution quality alert.
type ExecutionAlert struct {
	Type      ExecutionAlertType
	OrderID   string
	Symbol    string
	Value     float64
	Threshold float64
	Message   string
	Timestamp time.Time
}
