// Package metrics exposes engine counters and gauges to Prometheus.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"tradecore/internal/models"
	"tradecore/internal/scheduler"
)

// Metrics holds every collector on a private registry so several engines
// (and tests) can coexist in one process.
type Metrics struct {
	registry *prometheus.Registry

	orders        *prometheus.CounterVec
	fills         *prometheus.CounterVec
	trades        *prometheus.CounterVec
	realizedLoss  prometheus.Counter
	breakerTrips  *prometheus.CounterVec
	resumes       *prometheus.CounterVec
	timeouts      prometheus.Counter
	opportunities *prometheus.CounterVec
	snapshots     *prometheus.CounterVec
	gatePaused    prometheus.Gauge
	equity        prometheus.Gauge
	available     prometheus.Gauge
	drawdown      prometheus.Gauge
	openPositions prometheus.Gauge
	sourceState   *prometheus.GaugeVec
	confidence    *prometheus.HistogramVec
	fillSlippage  prometheus.Histogram
	loopDuration  prometheus.Histogram
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,

		orders: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_order_total",
				Help: "Orders by final submit status",
			},
			[]string{"symbol", "side", "status"},
		),
		fills: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_fill_total",
				Help: "Executions against orders",
			},
			[]string{"symbol", "side"},
		),
		trades: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_trade_total",
				Help: "Closed position legs by outcome",
			},
			[]string{"symbol", "outcome"},
		),
		realizedLoss: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tradecore_realized_loss_total",
				Help: "Sum of realized losses in account currency",
			},
		),
		breakerTrips: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_breaker_trip_total",
				Help: "Risk breaker trips by reason",
			},
			[]string{"reason"},
		),
		resumes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_resume_total",
				Help: "Resume attempts by result",
			},
			[]string{"result"},
		),
		timeouts: f.NewCounter(
			prometheus.CounterOpts{
				Name: "tradecore_order_timeout_total",
				Help: "Orders closed by the timeout monitor",
			},
		),
		opportunities: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_opportunity_total",
				Help: "Strategy opportunities by outcome",
			},
			[]string{"strategy", "outcome"},
		),
		snapshots: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "tradecore_snapshot_total",
				Help: "State snapshot writes by result",
			},
			[]string{"result"},
		),
		gatePaused: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_gate_paused",
				Help: "1 while the risk gate is paused",
			},
		),
		equity: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_equity",
				Help: "Current marked-to-market equity",
			},
		),
		available: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_available_capital",
				Help: "Cash available for new orders",
			},
		),
		drawdown: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_drawdown_ratio",
				Help: "Drawdown from peak equity as a fraction",
			},
		),
		openPositions: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "tradecore_open_positions",
				Help: "Symbols with a non-zero position",
			},
		),
		sourceState: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "tradecore_quote_source_state",
				Help: "Quote source breaker: 0 closed, 1 half open, 2 open",
			},
			[]string{"source"},
		),
		confidence: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "tradecore_consensus_confidence",
				Help:    "Consensus price confidence (0-100)",
				Buckets: []float64{10, 25, 40, 50, 60, 70, 80, 90, 95, 100},
			},
			[]string{"degraded"},
		),
		fillSlippage: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradecore_fill_slippage",
				Help:    "Per-share slippage against consensus",
				Buckets: []float64{0, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
		),
		loopDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "tradecore_loop_duration_seconds",
				Help:    "Engine loop iteration duration",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1.0, 2.0, 5.0},
			},
		),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// TrackScheduler exposes scheduler counters, read at scrape time.
func (m *Metrics) TrackScheduler(stats func() scheduler.Stats) {
	f := promauto.With(m.registry)
	counter := func(name, help string, pick func(scheduler.Stats) int64) {
		f.NewCounterFunc(prometheus.CounterOpts{Name: name, Help: help}, func() float64 {
			return float64(pick(stats()))
		})
	}
	counter("tradecore_scheduler_dispatched_total", "Requests dispatched by the scheduler",
		func(s scheduler.Stats) int64 { return s.Dispatched })
	counter("tradecore_scheduler_rate_limited_total", "Requests re-queued after a rate-limit response",
		func(s scheduler.Stats) int64 { return s.RateLimited })
	counter("tradecore_scheduler_dropped_total", "Requests dropped after exhausting retries",
		func(s scheduler.Stats) int64 { return s.Dropped })
	counter("tradecore_scheduler_failed_total", "Requests that returned a non-retryable error",
		func(s scheduler.Stats) int64 { return s.Failed })
	counter("tradecore_scheduler_abandoned_total", "Requests withdrawn because the caller stopped waiting",
		func(s scheduler.Stats) int64 { return s.Abandoned })
}

// RecordOrder counts a submitted order by the status it had after submit.
func (m *Metrics) RecordOrder(o models.Order) {
	m.orders.WithLabelValues(o.Symbol, string(o.Side), string(o.Status)).Inc()
}

// RecordRejection counts an order that never made it into the book.
func (m *Metrics) RecordRejection(symbol string, side models.OrderSide) {
	m.orders.WithLabelValues(symbol, string(side), "REJECTED").Inc()
}

// RecordFill counts one execution.
func (m *Metrics) RecordFill(symbol string, side models.OrderSide, slippage float64) {
	m.fills.WithLabelValues(symbol, string(side)).Inc()
	m.fillSlippage.Observe(slippage)
}

// RecordTrade counts a closed leg.
func (m *Metrics) RecordTrade(t models.TradeRecord) {
	outcome := "win"
	if t.IsLoss() {
		outcome = "loss"
		m.realizedLoss.Add(-t.PnL)
	}
	m.trades.WithLabelValues(t.Symbol, outcome).Inc()
}

// RecordBreakerTrip counts each tripped reason and marks the gate paused.
func (m *Metrics) RecordBreakerTrip(reasons []models.PauseReason) {
	for _, r := range reasons {
		m.breakerTrips.WithLabelValues(string(r)).Inc()
	}
	m.gatePaused.Set(1)
}

// RecordResume counts a resume attempt.
func (m *Metrics) RecordResume(force bool, err error) {
	switch {
	case err != nil:
		m.resumes.WithLabelValues("refused").Inc()
		return
	case force:
		m.resumes.WithLabelValues("forced").Inc()
	default:
		m.resumes.WithLabelValues("ok").Inc()
	}
	m.gatePaused.Set(0)
}

// RecordTimeout counts an order closed for age.
func (m *Metrics) RecordTimeout() {
	m.timeouts.Inc()
}

// RecordOpportunity counts an opportunity by what happened to it.
func (m *Metrics) RecordOpportunity(strategy, outcome string) {
	m.opportunities.WithLabelValues(strategy, outcome).Inc()
}

// RecordSnapshot counts a snapshot write.
func (m *Metrics) RecordSnapshot(err error) {
	if err != nil {
		m.snapshots.WithLabelValues("error").Inc()
		return
	}
	m.snapshots.WithLabelValues("ok").Inc()
}

// ObserveConsensus records the confidence of a resolved price.
func (m *Metrics) ObserveConsensus(c models.ConsensusPrice) {
	degraded := "false"
	if c.Degraded {
		degraded = "true"
	}
	m.confidence.WithLabelValues(degraded).Observe(c.Confidence)
}

// ObserveLoop records one engine iteration.
func (m *Metrics) ObserveLoop(d time.Duration) {
	m.loopDuration.Observe(d.Seconds())
}

// SetPortfolio updates the capital gauges.
func (m *Metrics) SetPortfolio(p models.PortfolioSnapshot) {
	m.equity.Set(p.CurrentEquity)
	m.available.Set(p.AvailableCapital)
	m.drawdown.Set(p.DrawdownPct)
	open := 0
	for _, pos := range p.Positions {
		if pos.Quantity != 0 {
			open++
		}
	}
	m.openPositions.Set(float64(open))
}

// SetGate mirrors the gate status.
func (m *Metrics) SetGate(status models.GateStatus) {
	if status == models.GatePaused {
		m.gatePaused.Set(1)
		return
	}
	m.gatePaused.Set(0)
}

// SetSourceBreaker records a quote source breaker state. Unknown states are
// reported as open.
func (m *Metrics) SetSourceBreaker(source, state string) {
	v := 2.0
	switch state {
	case "CLOSED":
		v = 0
	case "HALF_OPEN":
		v = 1
	}
	m.sourceState.WithLabelValues(source).Set(v)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Serve exposes /metrics, and /healthz when health is non-nil, on addr until
// ctx is cancelled.
func (m *Metrics) Serve(ctx context.Context, addr string, health http.Handler, logger zerolog.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	if health != nil {
		mux.Handle("/healthz", health)
	}
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("addr", addr).Msg("Metrics endpoint listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
