// Package engine wires pricing, sizing, risk, execution and recovery into the
// paper-trading loop.
package engine

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/attribution"
	"tradecore/internal/audit"
	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/execution"
	"tradecore/internal/logging"
	"tradecore/internal/metrics"
	"tradecore/internal/models"
	"tradecore/internal/notify"
	"tradecore/internal/pricing"
	"tradecore/internal/recovery"
	"tradecore/internal/resilience"
	"tradecore/internal/risk"
	"tradecore/internal/scheduler"
	"tradecore/internal/sizing"
	"tradecore/internal/store"
)

// Strategy produces candidate trades from a market snapshot.
type Strategy interface {
	Name() string
	FindOpportunities(snapshot models.MarketSnapshot) []models.Opportunity
}

// Deps are the collaborators the engine does not build itself. Every field
// except Sources is optional.
type Deps struct {
	Sources    []pricing.QuoteSource
	Strategies []Strategy
	Journal    store.Journal
	Notifier   notify.Notifier
	Audit      *audit.Logger
	Metrics    *metrics.Metrics
}

// Engine runs strategies against the simulated venue under the risk gate.
type Engine struct {
	cfg    *config.Config
	logger zerolog.Logger
	now    func() time.Time

	collector   *pricing.Collector
	sizer       *sizing.Sizer
	gate        *risk.Gate
	sim         *execution.Simulator
	monitor     *execution.TimeoutMonitor
	sched       *scheduler.Scheduler
	stateStore  *recovery.Store
	snapshotter *recovery.Snapshotter
	analyzer    *attribution.Analyzer
	health      *resilience.HealthMonitor
	quality     *resilience.ExecutionQualityTracker
	strategies  []Strategy

	journal  store.Journal
	notifier notify.Notifier
	audit    *audit.Logger
	metrics  *metrics.Metrics

	pricesMu   sync.RWMutex
	lastPrices map[string]models.ConsensusPrice

	historyMu sync.Mutex
	history   []models.TradeRecord

	reportMu   sync.RWMutex
	lastReport *attribution.Report

	// submissions carried over from a restored snapshot
	submissionBase atomic.Int64

	running  atomic.Bool
	stopping atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New builds an engine from cfg. Nothing runs until Start.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Engine {
	e := &Engine{
		cfg:        cfg,
		logger:     logging.WithComponent(logger, "engine"),
		now:        time.Now,
		strategies: deps.Strategies,
		journal:    deps.Journal,
		notifier:   deps.Notifier,
		audit:      deps.Audit,
		metrics:    deps.Metrics,
		lastPrices: make(map[string]models.ConsensusPrice),
		ctx:        context.Background(),
		stopCh:     make(chan struct{}),
	}
	if e.notifier == nil {
		e.notifier = notify.NoOpNotifier{}
	}
	if e.audit == nil {
		e.audit = audit.Discard()
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}

	aggregator := pricing.NewAggregator(cfg.Consensus, logger)
	e.collector = pricing.NewCollector(cfg.Consensus, aggregator, logger, deps.Sources...)
	e.collector.SetBreakerObserver(func(source string, state resilience.CircuitState) {
		e.metrics.SetSourceBreaker(source, string(state))
	})
	e.sizer = sizing.NewSizer(cfg.Sizing, logger)
	e.sched = scheduler.NewScheduler(cfg.Scheduler, logger)
	e.analyzer = attribution.NewAnalyzer(cfg.Attribution, logger)

	e.gate = risk.NewGate(cfg.Risk, cfg.Engine.InitialCapital, logger)
	e.gate.SetHooks(risk.Hooks{OnTrip: e.onTrip, OnResume: e.onResume})

	e.sim = execution.NewSimulator(cfg.Execution, execution.Options{
		InitialCapital: cfg.Engine.InitialCapital,
		Universe:       cfg.Engine.Symbols,
	}, scheduledPrices{e}, e.gate, logger)
	e.sim.AddSink(execution.TradeSinkFunc(e.onTrade))

	e.monitor = execution.NewTimeoutMonitor(cfg.Timeout, scheduledBook{e}, logger)
	e.monitor.SetTimeoutCallback(e.onTimeout)

	e.stateStore = recovery.NewStore(cfg.Recovery.Path, logger)
	e.snapshotter = recovery.NewSnapshotter(e.stateStore, recovery.Policy{
		EveryNSubmissions: cfg.Recovery.EveryNSubmissions,
		Interval:          cfg.Recovery.Interval,
	}, e.State, logger)
	e.snapshotter.SetObserver(e.metrics.RecordSnapshot)
	e.snapshotter.SetVersion(e.stateVersion)

	e.sched.SetDropCallback(func(name string, err error) {
		e.logger.Warn().Err(err).Str("task", name).Msg("Scheduled request dropped")
	})
	e.metrics.TrackScheduler(e.sched.Stats)

	e.quality = resilience.NewExecutionQualityTracker(resilience.QualityConfig{
		SlippageAlertBps: cfg.Execution.SlippageAlertBps,
		LatencyAlert:     cfg.Execution.LatencyAlert,
		WindowSize:       cfg.Execution.QualityWindow,
	}, logger)
	e.quality.SetAlertCallback(e.onExecutionAlert)

	e.health = resilience.NewHealthMonitor(cfg.Metrics.HealthInterval, logger)
	e.health.Register("quote_sources", resilience.BreakerHealthCheck(e.collector.BreakerStats))
	e.health.Register("execution", e.quality.HealthCheck())
	e.health.Register("risk_gate", resilience.StatusCheck(e.gateHealth))
	if p, ok := deps.Journal.(interface{ Ping(context.Context) error }); ok {
		e.health.Register("journal", resilience.DatabaseHealthCheck(p.Ping, 250*time.Millisecond))
	}
	e.health.OnChange(e.onHealthChange)

	return e
}

// SetClock overrides the time source of the engine and its components.
func (e *Engine) SetClock(now func() time.Time) {
	e.now = now
	e.gate.SetClock(now)
	e.sim.SetClock(now)
	e.monitor.SetClock(now)
	e.stateStore.SetClock(now)
	e.snapshotter.SetClock(now)
	e.analyzer.SetClock(now)
	e.health.SetClock(now)
	e.quality.SetClock(now)
}

// Start launches the loop, the request scheduler, the timeout monitor and the
// snapshotter. It returns immediately.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return nil
	}
	ctx, e.cancel = context.WithCancel(ctx)
	e.ctx = ctx

	if err := e.loadHistory(ctx); err != nil {
		e.logger.Warn().Err(err).Msg("Could not seed trade history from journal")
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sched.Run(ctx); err != nil && ctx.Err() == nil {
			e.logger.Error().Err(err).Msg("Scheduler stopped")
		}
	}()

	e.monitor.Start(ctx)
	e.snapshotter.Start(ctx, time.Second)
	e.health.Start(ctx)

	e.wg.Add(1)
	go e.loop(ctx)

	e.logger.Info().
		Dur("interval", e.cfg.Engine.LoopInterval).
		Int("strategies", len(e.strategies)).
		Strs("symbols", e.cfg.Engine.Symbols).
		Msg("Engine started")
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.Engine.LoopInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stopCh:
			return
		case <-ticker.C:
			if e.stopping.Load() {
				return
			}
			if err := e.RunOnce(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Msg("Engine iteration failed")
			}
		}
	}
}

// Stop halts every background task and writes a final snapshot.
func (e *Engine) Stop() error {
	if !e.running.Load() {
		return nil
	}
	e.stopping.Store(true)
	e.stopOnce.Do(func() { close(e.stopCh) })
	if e.cancel != nil {
		e.cancel()
	}

	e.monitor.Stop()
	e.snapshotter.Stop()
	e.health.Stop()
	e.wg.Wait()
	e.running.Store(false)

	err := e.snapshotter.SaveNow()
	if err != nil {
		e.logger.Error().Err(err).Msg("Final snapshot failed")
	}
	e.logger.Info().Msg("Engine stopped")
	return err
}

// RunOnce runs a single iteration: refresh prices, ask every strategy for
// opportunities and route each through gate, sizer and simulator.
func (e *Engine) RunOnce(ctx context.Context) error {
	if e.stopping.Load() {
		return nil
	}
	start := time.Now()
	defer func() { e.metrics.ObserveLoop(time.Since(start)) }()

	snap := e.marketSnapshot(ctx)
	if err := ctx.Err(); err != nil {
		return err
	}

	for _, strat := range e.strategies {
		for _, opp := range strat.FindOpportunities(snap) {
			if e.stopping.Load() {
				return nil
			}
			if opp.StrategyTag == "" {
				opp.StrategyTag = strat.Name()
			}
			e.handle(ctx, opp, snap)
		}
	}

	e.metrics.SetPortfolio(e.sim.GetPortfolioSnapshot())
	e.metrics.SetGate(e.gate.Status())
	return nil
}

// marketSnapshot reprices every symbol in the universe and returns the
// prices that resolved.
func (e *Engine) marketSnapshot(ctx context.Context) models.MarketSnapshot {
	for _, sym := range e.cfg.Engine.Symbols {
		if err := e.sim.Reprice(ctx, sym); err != nil {
			e.logger.Warn().Err(err).Str("symbol", sym).Msg("Price unavailable")
		}
	}

	e.pricesMu.RLock()
	prices := make(map[string]models.ConsensusPrice, len(e.lastPrices))
	for sym, p := range e.lastPrices {
		prices[sym] = p
	}
	e.pricesMu.RUnlock()

	return models.MarketSnapshot{
		Prices:    prices,
		Portfolio: e.sim.GetPortfolioSnapshot(),
		Timestamp: e.now(),
	}
}

// handle routes one opportunity and journals what happened to it.
func (e *Engine) handle(ctx context.Context, opp models.Opportunity, snap models.MarketSnapshot) {
	rec := models.OpportunityRecord{
		Symbol:       opp.Symbol,
		Side:         opp.Side,
		ExpectedEdge: opp.ExpectedEdge,
		Confidence:   opp.Confidence,
		StrategyTag:  opp.StrategyTag,
		Timestamp:    e.now(),
	}
	logger := logging.WithSymbol(e.logger, opp.Symbol).With().Str("strategy", opp.StrategyTag).Logger()

	defer func() {
		outcome := "admitted"
		if !rec.Admitted {
			outcome = "rejected"
		}
		e.metrics.RecordOpportunity(opp.StrategyTag, outcome)
		if e.journal != nil {
			if err := e.journal.LogOpportunity(ctx, &rec); err != nil {
				logger.Error().Err(err).Msg("Failed to journal opportunity")
			}
		}
	}()

	if ok, reasons := e.gate.Admit(); !ok {
		rec.RejectReason = apperrors.NewRiskGateClosedError(reasonNames(reasons), e.gate.State().PausedAt).Error()
		logger.Debug().Msg("Opportunity skipped, risk gate closed")
		return
	}

	ref := opp.ReferencePrice
	if ref <= 0 {
		ref = snap.Prices[opp.Symbol].Value
	}
	if ref <= 0 {
		rec.RejectReason = "no reference price"
		return
	}

	bankroll := e.sim.GetPortfolioSnapshot().AvailableCapital
	size, exp, err := e.sizer.Size(opp, bankroll, e.gate.Stats())
	if err != nil {
		rec.RejectReason = err.Error()
		logger.Info().Err(err).Float64("bankroll", bankroll).Msg("Opportunity not sized")
		return
	}
	rec.Size = size

	submitted := time.Now()
	order, err := e.sim.Submit(ctx, models.OrderRequest{
		Symbol:      opp.Symbol,
		Side:        opp.Side,
		Type:        models.OrderTypeMarket,
		Quantity:    size / ref,
		StrategyTag: opp.StrategyTag,
	})
	latency := time.Since(submitted)
	if err != nil {
		rec.RejectReason = err.Error()
		e.metrics.RecordRejection(opp.Symbol, opp.Side)
		e.quality.RecordRejection(opp.Symbol, opp.Side, opp.StrategyTag, err.Error())
		logger.Warn().Err(err).Float64("size", size).Msg("Order rejected")
		return
	}

	rec.Admitted = true
	rec.OrderID = order.ID
	e.metrics.RecordOrder(order)
	for _, f := range order.Fills {
		e.metrics.RecordFill(order.Symbol, order.Side, f.Slippage)
	}
	if len(order.Fills) > 0 {
		e.quality.RecordExecution(resilience.ExecutionQuality{
			OrderID:       order.ID,
			Symbol:        order.Symbol,
			Side:          order.Side,
			StrategyTag:   order.StrategyTag,
			ExpectedPrice: ref,
			ActualPrice:   order.AverageFillPrice(),
			FillRatio:     order.FilledQuantity() / order.Quantity,
			Latency:       latency,
		})
	}
	orderLog := logging.WithOrderID(logger, order.ID)
	orderLog.Info().
		Float64("size", size).
		Float64("multiplier", exp.Multiplier()).
		Str("status", string(order.Status)).
		Msg("Opportunity executed")

	if _, err := e.snapshotter.MaybeSave(e.submissions()); err != nil {
		logger.Error().Err(err).Msg("Snapshot failed")
	}
}

// stateVersion moves whenever the simulator or the gate changes.
func (e *Engine) stateVersion() uint64 {
	return e.sim.Version() + e.gate.Version()
}

func (e *Engine) submissions() int64 {
	return e.submissionBase.Load() + e.sim.Submissions()
}

// State captures everything needed to resume after a crash.
func (e *Engine) State() recovery.EngineState {
	return recovery.EngineState{
		Portfolio:       e.sim.GetPortfolioSnapshot(),
		Risk:            e.gate.State(),
		OpenOrders:      e.sim.OpenOrders(),
		SubmissionCount: e.submissions(),
	}
}

// SaveSnapshot writes the current state immediately.
func (e *Engine) SaveSnapshot() error {
	return e.snapshotter.SaveNow()
}

// LastReport returns the most recent loss attribution report, if any.
func (e *Engine) LastReport() (attribution.Report, bool) {
	e.reportMu.RLock()
	defer e.reportMu.RUnlock()
	if e.lastReport == nil {
		return attribution.Report{}, false
	}
	return *e.lastReport, true
}

// ExecutionQuality exposes fill slippage statistics.
func (e *Engine) ExecutionQuality() *resilience.ExecutionQualityTracker {
	return e.quality
}

// Gate exposes the risk gate.
func (e *Engine) Gate() *risk.Gate {
	return e.gate
}

// Simulator exposes the execution venue.
func (e *Engine) Simulator() *execution.Simulator {
	return e.sim
}

// Health returns the component health monitor.
func (e *Engine) Health() *resilience.HealthMonitor {
	return e.health
}

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// UpdateRisk applies new breaker thresholds without a restart.
func (e *Engine) UpdateRisk(ctx context.Context, cfg config.RiskConfig) {
	e.gate.UpdateConfig(cfg)
	if err := e.audit.LogConfigChanged(ctx, "risk"); err != nil {
		e.logger.Error().Err(err).Msg("Audit write failed")
	}
}

func reasonNames(reasons []models.PauseReason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}
