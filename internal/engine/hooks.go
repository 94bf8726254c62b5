package engine

import (
	"context"
	"strings"
	"time"

	"tradecore/internal/attribution"
	"tradecore/internal/audit"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
	"tradecore/internal/notify"
	"tradecore/internal/resilience"
	"tradecore/internal/scheduler"
)

// urgentTimeout bounds how long a cancel waits for the scheduler.
const urgentTimeout = 10 * time.Second

// scheduledPrices routes consensus lookups through the request scheduler at
// normal priority and remembers the last price per symbol.
type scheduledPrices struct{ e *Engine }

func (p scheduledPrices) Consensus(ctx context.Context, symbol string) (models.ConsensusPrice, error) {
	e := p.e
	var price models.ConsensusPrice
	fetch := func(ctx context.Context) error {
		c, err := e.collector.Consensus(ctx, symbol)
		if err != nil {
			return err
		}
		price = c
		return nil
	}

	var err error
	if e.running.Load() {
		err = e.sched.Do(ctx, "consensus:"+symbol, scheduler.PriorityNormal, fetch)
	} else {
		err = fetch(ctx)
	}
	if err != nil {
		return models.ConsensusPrice{}, err
	}

	e.metrics.ObserveConsensus(price)
	e.pricesMu.Lock()
	e.lastPrices[symbol] = price
	e.pricesMu.Unlock()
	return price, nil
}

// scheduledBook is the timeout monitor's view of the simulator. Cancels and
// expiries jump the scheduler queue.
type scheduledBook struct{ e *Engine }

func (b scheduledBook) OpenOrders() []models.Order {
	return b.e.sim.OpenOrders()
}

func (b scheduledBook) Cancel(orderID string) (models.Order, error) {
	return b.e.urgent(b.e.ctx, "cancel:"+orderID, func() (models.Order, error) {
		return b.e.sim.Cancel(orderID)
	})
}

func (b scheduledBook) Expire(orderID string) (models.Order, error) {
	return b.e.urgent(b.e.ctx, "expire:"+orderID, func() (models.Order, error) {
		return b.e.sim.Expire(orderID)
	})
}

// urgent runs fn at emergency priority, or inline when the scheduler is not
// running.
func (e *Engine) urgent(ctx context.Context, name string, fn func() (models.Order, error)) (models.Order, error) {
	if !e.running.Load() {
		return fn()
	}

	ctx, cancel := context.WithTimeout(ctx, urgentTimeout)
	defer cancel()

	var (
		out   models.Order
		opErr error
	)
	err := e.sched.Do(ctx, name, scheduler.PriorityEmergency, func(context.Context) error {
		out, opErr = fn()
		return nil
	})
	if err != nil {
		return models.Order{}, err
	}
	return out, opErr
}

// Cancel cancels an open order on operator request.
func (e *Engine) Cancel(ctx context.Context, orderID string) (models.Order, error) {
	order, err := e.urgent(ctx, "cancel:"+orderID, func() (models.Order, error) {
		return e.sim.Cancel(orderID)
	})

	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	if aerr := e.audit.LogOrderCancelled(ctx, orderID, order.Symbol, "manual", err == nil, errMsg); aerr != nil {
		e.logger.Error().Err(aerr).Msg("Audit write failed")
	}
	return order, err
}

// Resume reopens the risk gate. force overrides conditions that still hold.
func (e *Engine) Resume(ctx context.Context, force bool) error {
	return e.gate.Resume(force)
}

// Recover restores simulator and gate from the last snapshot. A corrupt
// primary snapshot is refused unless useBackup is set, in which case the
// backup is loaded instead. Missing snapshots are not an error.
func (e *Engine) Recover(ctx context.Context, useBackup bool) (bool, error) {
	st, err := e.stateStore.Load()
	fromBackup := false
	if err != nil {
		switch {
		case apperrors.Is(err, apperrors.ErrNoSnapshot):
			e.logger.Info().Str("path", e.stateStore.Path()).Msg("No snapshot, starting fresh")
			return false, nil
		case apperrors.Is(err, apperrors.ErrCorruptState) && useBackup:
			e.logger.Warn().Err(err).Str("backup", e.stateStore.BackupPath()).Msg("Snapshot corrupt, falling back to backup")
			st, err = e.stateStore.LoadBackup()
			if err != nil {
				return false, apperrors.Wrap(err, "loading backup snapshot")
			}
			fromBackup = true
		default:
			return false, err
		}
	}

	e.sim.Restore(st.Portfolio, st.OpenOrders)
	e.gate.Restore(st.Risk)
	e.submissionBase.Store(st.SubmissionCount)
	e.snapshotter.Baseline(st.SubmissionCount)

	path := e.stateStore.Path()
	if fromBackup {
		path = e.stateStore.BackupPath()
	}
	if err := e.audit.LogRestore(ctx, path, fromBackup, st.SavedAt); err != nil {
		e.logger.Error().Err(err).Msg("Audit write failed")
	}
	e.metrics.SetPortfolio(st.Portfolio)
	e.metrics.SetGate(e.gate.Status())

	e.logger.Info().
		Bool("from_backup", fromBackup).
		Time("saved_at", st.SavedAt).
		Int("open_orders", len(st.OpenOrders)).
		Str("gate", string(e.gate.Status())).
		Msg("State recovered")
	return true, nil
}

func (e *Engine) loadHistory(ctx context.Context) error {
	if e.journal == nil || e.cfg.Engine.HistorySize <= 0 {
		return nil
	}
	trades, err := e.journal.RecentTrades(ctx, e.cfg.Engine.HistorySize)
	if err != nil {
		return err
	}
	e.historyMu.Lock()
	e.history = trades
	e.historyMu.Unlock()
	return nil
}

func (e *Engine) recentTrades() []models.TradeRecord {
	e.historyMu.Lock()
	defer e.historyMu.Unlock()
	return append([]models.TradeRecord(nil), e.history...)
}

// onTrade records a closed leg everywhere it belongs. The gate goes last so
// a trip sees the trade that caused it.
func (e *Engine) onTrade(t models.TradeRecord) {
	e.historyMu.Lock()
	e.history = append(e.history, t)
	if n := e.cfg.Engine.HistorySize; n > 0 && len(e.history) > n {
		e.history = e.history[len(e.history)-n:]
	}
	e.historyMu.Unlock()

	if e.journal != nil {
		if err := e.journal.LogTrade(context.Background(), &t); err != nil {
			e.logger.Error().Err(err).Str("order_id", t.OrderID).Msg("Failed to journal trade")
		}
	}
	e.metrics.RecordTrade(t)
	e.gate.RecordTrade(t.PnL, e.sim.GetPortfolioSnapshot().CurrentEquity)
}

func (e *Engine) onTrip(reasons []models.PauseReason, state models.RiskState) {
	names := reasonNames(reasons)
	ctx := audit.WithActor(context.Background(), "risk_gate")

	e.metrics.RecordBreakerTrip(reasons)
	if err := e.audit.LogBreakerTripped(ctx, names, state.CurrentCapital); err != nil {
		e.logger.Error().Err(err).Msg("Audit write failed")
	}
	_ = e.notifier.Notify(ctx, notify.BreakerTripped(names, state.CurrentCapital))

	report := e.analyzer.Analyze(e.recentTrades(), reasons)
	e.reportMu.Lock()
	e.lastReport = &report
	e.reportMu.Unlock()

	e.logReport(report)
	categories := make([]string, len(report.Findings))
	for i, f := range report.Findings {
		categories[i] = string(f.Category)
	}
	_ = e.notifier.Notify(ctx, notify.LossAttributed(report.Summary, categories, report.TotalLoss))
}

func (e *Engine) logReport(r attribution.Report) {
	e.logger.Warn().
		Int("trades", r.TradesAnalyzed).
		Int("losing", r.LosingTrades).
		Float64("total_loss", r.TotalLoss).
		Msg(r.Summary)
	for _, f := range r.Findings {
		e.logger.Info().
			Str("category", string(f.Category)).
			Str("priority", string(f.Priority)).
			Float64("severity", f.Severity).
			Str("remediation", f.Remediation).
			Msg(f.Evidence)
	}
}

func (e *Engine) onResume(force bool, holding []models.PauseReason, err error) {
	ctx := audit.WithActor(context.Background(), "operator")
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}

	e.metrics.RecordResume(force, err)
	if aerr := e.audit.LogResume(ctx, force, reasonNames(holding), err == nil, errMsg); aerr != nil {
		e.logger.Error().Err(aerr).Msg("Audit write failed")
	}
	if err == nil {
		_ = e.notifier.Notify(ctx, notify.BreakerResumed(force))
	}
}

func (e *Engine) onTimeout(order models.Order, terr *apperrors.ExecutionTimeoutError) {
	ctx := audit.WithActor(context.Background(), "timeout_monitor")

	e.metrics.RecordTimeout()
	if err := e.audit.LogOrderCancelled(ctx, order.ID, order.Symbol, "timeout", true, ""); err != nil {
		e.logger.Error().Err(err).Msg("Audit write failed")
	}
	_ = e.notifier.Notify(ctx, notify.OrderTimedOut(order.ID, order.Symbol, terr.Age))
}

func (e *Engine) onExecutionAlert(a resilience.ExecutionAlert) {
	ctx := audit.WithActor(context.Background(), "execution")
	_ = e.notifier.Notify(ctx, notify.ExecutionAlert(string(a.Type), a.OrderID, a.Symbol, a.Message, a.Value, a.Threshold))
}

// gateHealth reports a paused gate as degraded: the process is fine but not
// trading.
func (e *Engine) gateHealth() (resilience.HealthStatus, string) {
	st := e.gate.State()
	if st.Status == models.GatePaused {
		return resilience.HealthStatusDegraded, "paused: " + strings.Join(reasonNames(st.PauseReasons), ", ")
	}
	return resilience.HealthStatusHealthy, "open"
}

func (e *Engine) onHealthChange(h resilience.ComponentHealth, prev resilience.HealthStatus) {
	if prev == resilience.HealthStatusUnknown && h.Status == resilience.HealthStatusHealthy {
		return
	}
	_ = e.notifier.Notify(context.Background(), notify.HealthChanged(h.Name, string(h.Status), h.Message))
}
