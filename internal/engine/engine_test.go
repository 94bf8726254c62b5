package engine

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/audit"
	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
	"tradecore/internal/notify"
	"tradecore/internal/pricing"
	"tradecore/internal/resilience"
	"tradecore/internal/store"
)

// scripted returns queued opportunity batches, one per call.
type scripted struct {
	mu      sync.Mutex
	batches [][]models.Opportunity
	seen    []models.MarketSnapshot
}

func (s *scripted) Name() string { return "scripted" }

func (s *scripted) FindOpportunities(snap models.MarketSnapshot) []models.Opportunity {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, snap)
	if len(s.batches) == 0 {
		return nil
	}
	next := s.batches[0]
	s.batches = s.batches[1:]
	return next
}

type harness struct {
	dir      string
	cfg      *config.Config
	source   *pricing.StaticSource
	journal  *store.SQLiteJournal
	notifier *notify.Recorder
	strategy *scripted
	engine   *Engine
}

func testConfig(dir string) *config.Config {
	cfg := config.Default()
	cfg.Engine.Symbols = []string{"AAPL", "MSFT"}
	cfg.Engine.LoopInterval = time.Hour
	cfg.Execution.CommissionRate = 0
	cfg.Execution.SlippageFactorBps = 0
	cfg.Execution.MinSlippageBps = 0
	cfg.Execution.MaxSlippageBps = 0
	cfg.Recovery.Path = filepath.Join(dir, "state", "engine.json")
	return cfg
}

func newHarness(t *testing.T, dir string, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := testConfig(dir)
	if mutate != nil {
		mutate(cfg)
	}

	journal, err := store.NewSQLiteJournal(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { journal.Close() })

	auditFile, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	auditLog := audit.NewLoggerWithWriter(auditFile)
	t.Cleanup(func() { auditLog.Close() })

	src := pricing.NewStaticSource("static", 1)
	src.Set("AAPL", 100)
	src.Set("MSFT", 300)

	h := &harness{
		dir:      dir,
		cfg:      cfg,
		source:   src,
		journal:  journal,
		notifier: &notify.Recorder{},
		strategy: &scripted{},
	}
	h.engine = New(cfg, Deps{
		Sources:    []pricing.QuoteSource{src},
		Strategies: []Strategy{h.strategy},
		Journal:    journal,
		Notifier:   h.notifier,
		Audit:      auditLog,
	}, zerolog.Nop())
	return h
}

func (h *harness) auditLog(t *testing.T) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(h.dir, "audit.log"))
	require.NoError(t, err)
	return string(data)
}

func (h *harness) roundTrip(t *testing.T, symbol string, qty, entry, exit float64) {
	t.Helper()
	ctx := context.Background()
	h.source.Set(symbol, entry)
	_, err := h.engine.Simulator().Submit(ctx, models.OrderRequest{Symbol: symbol, Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: qty})
	require.NoError(t, err)
	h.source.Set(symbol, exit)
	_, err = h.engine.Simulator().Submit(ctx, models.OrderRequest{Symbol: symbol, Side: models.OrderSideSell, Type: models.OrderTypeMarket, Quantity: qty})
	require.NoError(t, err)
}

func TestEngine_RunOnceExecutesOpportunity(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()

	h.strategy.batches = [][]models.Opportunity{{
		{Symbol: "AAPL", Side: models.OrderSideBuy, ExpectedEdge: 0.03, Confidence: 80},
	}}
	require.NoError(t, h.engine.RunOnce(ctx))

	require.Len(t, h.strategy.seen, 1)
	snap := h.strategy.seen[0]
	assert.Equal(t, 100.0, snap.Prices["AAPL"].Value)
	assert.Equal(t, 300.0, snap.Prices["MSFT"].Value)

	opps, err := h.journal.GetOpportunities(ctx, store.OpportunityFilter{})
	require.NoError(t, err)
	require.Len(t, opps, 1)
	rec := opps[0]
	assert.True(t, rec.Admitted)
	assert.Equal(t, "scripted", rec.StrategyTag, "untagged opportunities take the strategy name")
	assert.NotEmpty(t, rec.OrderID)
	assert.GreaterOrEqual(t, rec.Size, h.cfg.Sizing.MinPositionSize)
	assert.LessOrEqual(t, rec.Size, h.cfg.Sizing.MaxAllocationPct*h.cfg.Engine.InitialCapital)

	pos := h.engine.Simulator().GetPortfolioSnapshot().Positions["AAPL"]
	assert.InDelta(t, rec.Size/100, pos.Quantity, 1e-9, "quantity is size over reference price")

	order, err := h.engine.Simulator().GetOrder(rec.OrderID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusFilled, order.Status)

	quality := h.engine.ExecutionQuality().Stats()
	assert.Equal(t, int64(1), quality.TotalExecutions)
	assert.Zero(t, quality.AvgSlippageBps, "slippage is disabled in the test venue")
	assert.Empty(t, h.notifier.OfType(notify.EventExecutionAlert))
}

func TestEngine_HealthReflectsGate(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()

	health := h.engine.Health().Check(ctx)
	assert.Equal(t, resilience.HealthStatusHealthy, health.Status)

	for i := 0; i < 3; i++ {
		h.roundTrip(t, "AAPL", 1, 100, 99)
	}

	health = h.engine.Health().Check(ctx)
	assert.Equal(t, resilience.HealthStatusDegraded, health.Status)
	changes := h.notifier.OfType(notify.EventHealthChanged)
	require.Len(t, changes, 1, "startup transitions to healthy are not reported")
	assert.Equal(t, "risk_gate", changes[0].Data["check"])
}

func TestEngine_ConsecutiveLossesPauseAndAttribute(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		h.roundTrip(t, "AAPL", 1, 100, 99)
	}

	gate := h.engine.Gate()
	assert.Equal(t, models.GatePaused, gate.Status())
	assert.Contains(t, gate.State().PauseReasons, models.ReasonConsecutiveLosses)

	trades, err := h.journal.GetTrades(ctx, store.TradeFilter{LossesOnly: true})
	require.NoError(t, err)
	assert.Len(t, trades, 3)

	report, ok := h.engine.LastReport()
	require.True(t, ok)
	assert.Contains(t, report.Reasons, models.ReasonConsecutiveLosses)
	assert.NotEmpty(t, report.Summary)

	assert.Len(t, h.notifier.OfType(notify.EventBreakerTripped), 1)
	assert.Len(t, h.notifier.OfType(notify.EventLossAttribution), 1)
	assert.Contains(t, h.auditLog(t), string(audit.EventBreakerTripped))

	// opportunities are journaled as rejected while paused
	h.strategy.batches = [][]models.Opportunity{{
		{Symbol: "MSFT", Side: models.OrderSideBuy, ExpectedEdge: 0.05, Confidence: 90, StrategyTag: "momentum"},
	}}
	require.NoError(t, h.engine.RunOnce(ctx))
	no := false
	rejected, err := h.journal.GetOpportunities(ctx, store.OpportunityFilter{Admitted: &no})
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Contains(t, rejected[0].RejectReason, "risk gate closed")

	_, err = h.engine.Simulator().Submit(ctx, models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrRiskGateClosed))
}

func TestEngine_ResumeIsAudited(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		h.roundTrip(t, "AAPL", 1, 100, 99)
	}
	require.Equal(t, models.GatePaused, h.engine.Gate().Status())

	err := h.engine.Resume(ctx, false)
	assert.True(t, apperrors.Is(err, apperrors.ErrResumeRefused), "the loss streak still holds")
	assert.Contains(t, h.auditLog(t), `"event_type":"RESUME_REFUSED"`)
	assert.Empty(t, h.notifier.OfType(notify.EventBreakerResumed))

	require.NoError(t, h.engine.Resume(ctx, true))
	assert.Equal(t, models.GateOpen, h.engine.Gate().Status())
	assert.Len(t, h.notifier.OfType(notify.EventBreakerResumed), 1)
	assert.Contains(t, h.auditLog(t), `"event_type":"FORCE_RESUME"`)
}

func TestEngine_ResumeAfterHourRolls(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *config.Config) {
		c.Risk.HourlyLossLimit = 5
		c.Risk.MaxConsecutiveLosses = 100
	})
	ctx := context.Background()

	var mu sync.Mutex
	now := time.Now()
	h.engine.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	h.roundTrip(t, "AAPL", 10, 100, 99)
	require.Equal(t, models.GatePaused, h.engine.Gate().Status())
	assert.Equal(t, []models.PauseReason{models.ReasonHourlyLoss}, h.engine.Gate().State().PauseReasons)

	mu.Lock()
	now = now.Add(61 * time.Minute)
	mu.Unlock()

	require.NoError(t, h.engine.Resume(ctx, false))
	assert.Contains(t, h.auditLog(t), `"event_type":"RESUME"`)
}

func TestEngine_RecoverRoundTrip(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	fourSymbols := func(c *config.Config) {
		c.Engine.Symbols = []string{"AAPL", "MSFT", "GOOG", "NVDA"}
	}

	a := newHarness(t, dir, fourSymbols)
	a.source.Set("GOOG", 150)
	for _, req := range []models.OrderRequest{
		{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 4},
		{Symbol: "MSFT", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 1},
		{Symbol: "GOOG", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 2},
		{Symbol: "MSFT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 250},
	} {
		_, err := a.engine.Simulator().Submit(ctx, req)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		a.roundTrip(t, "NVDA", 1, 100, 99)
	}
	require.Equal(t, models.GatePaused, a.engine.Gate().Status())

	require.NoError(t, a.engine.SaveSnapshot())
	want := a.engine.State()
	require.Len(t, want.Portfolio.Positions, 3)

	b := newHarness(t, dir, fourSymbols)
	restored, err := b.engine.Recover(ctx, false)
	require.NoError(t, err)
	require.True(t, restored)

	got := b.engine.State()
	assert.Equal(t, want.Portfolio.Positions, got.Portfolio.Positions)
	for sym, p := range want.Portfolio.Positions {
		assert.True(t, p.OpenedAt.Equal(got.Portfolio.Positions[sym].OpenedAt), sym)
	}
	assert.InDelta(t, want.Portfolio.AvailableCapital, got.Portfolio.AvailableCapital, 1e-9)
	require.Len(t, got.OpenOrders, 1)
	assert.Equal(t, want.OpenOrders[0].ID, got.OpenOrders[0].ID)
	assert.Equal(t, want.OpenOrders[0].CreatedAt, got.OpenOrders[0].CreatedAt)
	assert.Equal(t, int64(10), got.SubmissionCount)

	assert.Equal(t, models.GatePaused, got.Risk.Status)
	assert.True(t, got.Risk.Breakers.ConsecutiveLosses)
	assert.Equal(t, want.Risk.Breakers, got.Risk.Breakers)
	assert.Equal(t, want.Risk.PauseReasons, got.Risk.PauseReasons)
	assert.Equal(t, want.Risk.PausedAt, got.Risk.PausedAt)
	assert.Equal(t, 3, got.Risk.ConsecutiveLosses)

	admitted, reasons := b.engine.Gate().Admit()
	assert.False(t, admitted)
	assert.Equal(t, []models.PauseReason{models.ReasonConsecutiveLosses}, reasons)
	_, err = b.engine.Simulator().Submit(ctx, models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 1})
	assert.True(t, apperrors.Is(err, apperrors.ErrRiskGateClosed))
}

func TestEngine_IntervalSnapshotCapturesForcedResume(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	h := newHarness(t, dir, func(c *config.Config) {
		c.Recovery.EveryNSubmissions = 100
		c.Recovery.Interval = time.Minute
	})

	var mu sync.Mutex
	now := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	h.engine.SetClock(func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	})

	for i := 0; i < 3; i++ {
		h.roundTrip(t, "AAPL", 1, 100, 99)
	}
	require.Equal(t, models.GatePaused, h.engine.Gate().Status())
	require.NoError(t, h.engine.SaveSnapshot())

	require.NoError(t, h.engine.Resume(ctx, true))
	mu.Lock()
	now = now.Add(2 * time.Minute)
	mu.Unlock()

	saved, err := h.engine.snapshotter.MaybeSave(h.engine.submissions())
	require.NoError(t, err)
	assert.True(t, saved, "the resume changed state without a submission")

	b := newHarness(t, dir, nil)
	restored, err := b.engine.Recover(ctx, false)
	require.NoError(t, err)
	require.True(t, restored)
	assert.Equal(t, models.GateOpen, b.engine.Gate().Status())
	ok, _ := b.engine.Gate().Admit()
	assert.True(t, ok)
}

func TestEngine_RecoverRefusesCorruptSnapshotWithoutBackupFlag(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	a := newHarness(t, dir, nil)
	_, err := a.engine.Simulator().Submit(ctx, models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeMarket, Quantity: 4})
	require.NoError(t, err)
	require.NoError(t, a.engine.SaveSnapshot())
	require.NoError(t, a.engine.SaveSnapshot()) // rotates the first one into the backup

	require.NoError(t, os.WriteFile(a.cfg.Recovery.Path, []byte(`{"schema_version":1,"checksum":"x"`), 0600))

	b := newHarness(t, dir, nil)
	_, err = b.engine.Recover(ctx, false)
	require.Error(t, err)
	assert.True(t, apperrors.Is(err, apperrors.ErrCorruptState))

	restored, err := b.engine.Recover(ctx, true)
	require.NoError(t, err)
	assert.True(t, restored)
	assert.InDelta(t, 4, b.engine.State().Portfolio.Positions["AAPL"].Quantity, 1e-9)
	assert.Contains(t, b.auditLog(t), string(audit.EventBackupRestored))
}

func TestEngine_RecoverWithoutSnapshotStartsFresh(t *testing.T) {
	h := newHarness(t, t.TempDir(), nil)
	restored, err := h.engine.Recover(context.Background(), false)
	require.NoError(t, err)
	assert.False(t, restored)
	assert.Equal(t, h.cfg.Engine.InitialCapital, h.engine.State().Portfolio.AvailableCapital)
}

func TestEngine_StartTimesOutRestingOrders(t *testing.T) {
	h := newHarness(t, t.TempDir(), func(c *config.Config) {
		c.Timeout.Timeout = 50 * time.Millisecond
		c.Timeout.SweepInterval = 10 * time.Millisecond
		c.Scheduler.RequestsPerMinute = 6000
	})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, h.engine.Start(ctx))

	order, err := h.engine.Simulator().Submit(ctx, models.OrderRequest{
		Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 2, LimitPrice: 90,
	})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, order.Status)

	require.Eventually(t, func() bool {
		o, err := h.engine.Simulator().GetOrder(order.ID)
		return err == nil && o.Status == models.OrderStatusCancelled
	}, 2*time.Second, 10*time.Millisecond)

	require.Eventually(t, func() bool {
		return len(h.notifier.OfType(notify.EventOrderTimedOut)) == 1
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, h.engine.Stop())
	require.NoError(t, h.engine.Stop(), "second stop is a no-op")

	_, err = os.Stat(h.cfg.Recovery.Path)
	assert.NoError(t, err, "stop writes a final snapshot")
	assert.Contains(t, h.auditLog(t), string(audit.EventOrderTimedOut))
}

func TestEngine_HistorySeededFromJournal(t *testing.T) {
	dir := t.TempDir()
	a := newHarness(t, dir, nil)
	a.roundTrip(t, "AAPL", 1, 100, 101)
	a.roundTrip(t, "AAPL", 1, 100, 102)

	b := newHarness(t, dir, func(c *config.Config) { c.Engine.HistorySize = 1 })
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, b.engine.Start(ctx))
	defer b.engine.Stop()

	history := b.engine.recentTrades()
	require.Len(t, history, 1)
	assert.InDelta(t, 2, history[0].PnL, 1e-9)
}
