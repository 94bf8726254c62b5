// Package risk implements the capital-preservation gate that guards every
// order submission.
package risk

import (
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/logging"
	"tradecore/internal/models"
)

// Hooks are invoked after a state change, outside the gate lock.
type Hooks struct {
	OnTrip   func(reasons []models.PauseReason, state models.RiskState)
	OnResume func(force bool, holding []models.PauseReason, err error)
}

// Gate is the Open/Paused circuit breaker state machine.
type Gate struct {
	mu     sync.RWMutex
	cfg    config.RiskConfig
	loc    *time.Location
	state  models.RiskState
	rev    uint64
	hooks  Hooks
	now    func() time.Time
	logger zerolog.Logger
}

// NewGate creates an open gate with initialCapital as both peak and day-open equity.
func NewGate(cfg config.RiskConfig, initialCapital float64, logger zerolog.Logger) *Gate {
	g := &Gate{
		cfg:    cfg,
		loc:    location(cfg.Location),
		now:    models.WallClock(time.Now),
		logger: logger.With().Str("component", "risk_gate").Logger(),
	}
	now := g.now()
	g.state = models.RiskState{
		Status:          models.GateOpen,
		HourWindowStart: g.hourStart(now),
		DayWindowStart:  g.dayStart(now),
		DayOpenEquity:   initialCapital,
		PeakCapital:     initialCapital,
		CurrentCapital:  initialCapital,
	}
	return g
}

func location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

// SetClock overrides the time source and re-anchors the rolling windows.
func (g *Gate) SetClock(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = models.WallClock(now)
	t := g.now()
	g.state.HourWindowStart = g.hourStart(t)
	g.state.DayWindowStart = g.dayStart(t)
}

// SetHooks installs state change callbacks.
func (g *Gate) SetHooks(h Hooks) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.hooks = h
}

// UpdateConfig swaps thresholds, e.g. after a config reload. The current
// state is kept; new thresholds apply from the next check.
func (g *Gate) UpdateConfig(cfg config.RiskConfig) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.cfg = cfg
	g.loc = location(cfg.Location)
}

func (g *Gate) hourStart(t time.Time) time.Time {
	return t.In(g.loc).Truncate(time.Hour)
}

func (g *Gate) dayStart(t time.Time) time.Time {
	local := t.In(g.loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, g.loc)
}

// Admit reports whether a new order may be submitted. It never mutates state.
// While paused it returns false with the recorded pause reasons; while open
// it re-runs the breaker checks and refuses if a fresh condition holds.
func (g *Gate) Admit() (bool, []models.PauseReason) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if g.state.Status == models.GatePaused {
		return false, append([]models.PauseReason(nil), g.state.PauseReasons...)
	}

	st := g.rolled(g.state, g.now())
	fresh := g.fresh(g.evaluate(st))
	if fresh.Any() {
		return false, fresh.Reasons()
	}
	return true, nil
}

// RecordTrade folds a closed trade into the rolling statistics and runs the
// breaker checks. It is the only path by which trading outcomes move the gate.
func (g *Gate) RecordTrade(pnl, capitalAfter float64) {
	g.mu.Lock()

	now := g.now()
	g.state = g.rolled(g.state, now)
	g.rearm(g.evaluate(g.state))
	st := &g.state

	st.TotalTrades++
	if pnl > 0 {
		st.TotalWins++
	}
	if pnl < 0 {
		st.ConsecutiveLosses++
		st.HourLoss += -pnl
		st.DayLoss += -pnl
	} else {
		st.ConsecutiveLosses = 0
	}

	st.RecentOutcomes = append(st.RecentOutcomes, pnl > 0)
	if w := g.cfg.WinRateWindow; w > 0 && len(st.RecentOutcomes) > w {
		st.RecentOutcomes = append([]bool(nil), st.RecentOutcomes[len(st.RecentOutcomes)-w:]...)
	}

	st.CurrentCapital = capitalAfter
	if capitalAfter > st.PeakCapital {
		st.PeakCapital = capitalAfter
	}
	g.rev++

	tripped, snapshot, hook := g.check(now)
	g.mu.Unlock()

	g.logger.Debug().
		Float64("pnl", pnl).
		Float64("capital", capitalAfter).
		Int("consecutive_losses", snapshot.ConsecutiveLosses).
		Float64("hour_loss", snapshot.HourLoss).
		Msg("Recorded trade")

	if len(tripped) > 0 && hook != nil {
		hook(tripped, snapshot)
	}
}

// check evaluates the breakers against the current state and pauses the gate
// if any fresh condition holds. Callers hold the write lock.
func (g *Gate) check(now time.Time) ([]models.PauseReason, models.RiskState, func([]models.PauseReason, models.RiskState)) {
	holding := g.evaluate(g.state)
	g.rearm(holding)

	fresh := g.fresh(holding)
	if !fresh.Any() {
		return nil, g.state.Clone(), nil
	}

	reasons := fresh.Reasons()
	wasOpen := g.state.Status == models.GateOpen
	for _, r := range reasons {
		g.state.Breakers.Set(r)
	}
	g.state.PauseReasons = g.state.Breakers.Reasons()
	g.state.Status = models.GatePaused
	if wasOpen {
		g.state.PausedAt = now
	}

	logging.LogBreaker(g.logger, models.GatePaused, g.state.PauseReasons)

	if !wasOpen {
		return nil, g.state.Clone(), nil
	}
	return reasons, g.state.Clone(), g.hooks.OnTrip
}

// Resume reopens a paused gate. Without force it is refused while any breaker
// condition still holds. A successful resume clears every flag and resets the
// consecutive-loss counter so the same streak cannot immediately trip again.
func (g *Gate) Resume(force bool) error {
	g.mu.Lock()

	if g.state.Status == models.GateOpen {
		g.mu.Unlock()
		return nil
	}

	now := g.now()
	g.state = g.rolled(g.state, now)
	holding := g.evaluate(g.state)
	hook := g.hooks.OnResume

	if !force && holding.Any() {
		reasons := holding.Reasons()
		g.mu.Unlock()
		err := &apperrors.ResumeRefusedError{Holding: reasonNames(reasons)}
		g.logger.Info().Strs("holding", reasonNames(reasons)).Msg("Resume refused")
		if hook != nil {
			hook(false, reasons, err)
		}
		return err
	}

	g.rev++
	g.state.Status = models.GateOpen
	g.state.Breakers = models.BreakerFlags{}
	g.state.PauseReasons = nil
	g.state.PausedAt = time.Time{}
	g.state.ConsecutiveLosses = 0

	holding.ConsecutiveLosses = false
	g.state.Overridden = models.BreakerFlags{}
	if force {
		g.state.Overridden = holding
	}
	g.mu.Unlock()

	reasons := holding.Reasons()
	if force {
		g.logger.Warn().Strs("overridden", reasonNames(reasons)).Msg("Risk gate force-resumed")
	} else {
		logging.LogBreaker(g.logger, models.GateOpen, nil)
	}
	if hook != nil {
		hook(force, reasons, nil)
	}
	return nil
}

// rolled returns st with hour and day windows advanced to now.
func (g *Gate) rolled(st models.RiskState, now time.Time) models.RiskState {
	if hs := g.hourStart(now); hs.After(st.HourWindowStart) {
		st.HourWindowStart = hs
		st.HourLoss = 0
	}
	if ds := g.dayStart(now); ds.After(st.DayWindowStart) {
		st.DayWindowStart = ds
		st.DayLoss = 0
		st.DayOpenEquity = st.CurrentCapital
	}
	return st
}

// evaluate runs the five breaker checks against st.
func (g *Gate) evaluate(st models.RiskState) models.BreakerFlags {
	var f models.BreakerFlags

	if g.cfg.MaxConsecutiveLosses > 0 && st.ConsecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		f.ConsecutiveLosses = true
	}
	if g.cfg.HourlyLossLimit > 0 && st.HourLoss >= g.cfg.HourlyLossLimit {
		f.HourlyLoss = true
	}
	if g.cfg.DailyDrawdownPct > 0 && drawdown(st.DayOpenEquity, st.CurrentCapital) >= g.cfg.DailyDrawdownPct {
		f.DailyDrawdown = true
	}
	if g.cfg.PeakDrawdownPct > 0 && drawdown(st.PeakCapital, st.CurrentCapital) >= g.cfg.PeakDrawdownPct {
		f.PeakDrawdown = true
	}
	if n := len(st.RecentOutcomes); n > 0 && n >= g.cfg.MinTradesForWinRate && st.TotalTrades >= g.cfg.MinTradesForWinRate {
		if winRate(st.RecentOutcomes) < g.cfg.MinWinRate {
			f.LowWinRate = true
		}
	}
	return f
}

// fresh drops conditions covered by the last forced resume.
func (g *Gate) fresh(f models.BreakerFlags) models.BreakerFlags {
	o := g.state.Overridden
	return models.BreakerFlags{
		ConsecutiveLosses: f.ConsecutiveLosses && !o.ConsecutiveLosses,
		HourlyLoss:        f.HourlyLoss && !o.HourlyLoss,
		DailyDrawdown:     f.DailyDrawdown && !o.DailyDrawdown,
		PeakDrawdown:      f.PeakDrawdown && !o.PeakDrawdown,
		LowWinRate:        f.LowWinRate && !o.LowWinRate,
	}
}

// rearm clears overrides whose condition no longer holds.
func (g *Gate) rearm(holding models.BreakerFlags) {
	o := &g.state.Overridden
	o.ConsecutiveLosses = o.ConsecutiveLosses && holding.ConsecutiveLosses
	o.HourlyLoss = o.HourlyLoss && holding.HourlyLoss
	o.DailyDrawdown = o.DailyDrawdown && holding.DailyDrawdown
	o.PeakDrawdown = o.PeakDrawdown && holding.PeakDrawdown
	o.LowWinRate = o.LowWinRate && holding.LowWinRate
}

func drawdown(reference, current float64) float64 {
	if reference <= 0 {
		return 0
	}
	return math.Max(0, (reference-current)/reference)
}

func winRate(outcomes []bool) float64 {
	if len(outcomes) == 0 {
		return 0
	}
	wins := 0
	for _, w := range outcomes {
		if w {
			wins++
		}
	}
	return float64(wins) / float64(len(outcomes))
}

func reasonNames(reasons []models.PauseReason) []string {
	out := make([]string, len(reasons))
	for i, r := range reasons {
		out[i] = string(r)
	}
	return out
}

// Status returns the current gate status.
func (g *Gate) Status() models.GateStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Status
}

// State returns a copy of the risk state.
func (g *Gate) State() models.RiskState {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.state.Clone()
}

// Stats returns the rolling statistics consumed by the sizer.
func (g *Gate) Stats() models.RiskStats {
	g.mu.RLock()
	defer g.mu.RUnlock()
	stats := models.RiskStats{TradeCount: g.state.TotalTrades}
	if g.state.TotalTrades > 0 {
		stats.WinRate = float64(g.state.TotalWins) / float64(g.state.TotalTrades)
	}
	return stats
}

// Restore replaces the gate state with a recovered snapshot.
func (g *Gate) Restore(st models.RiskState) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = st.Clone()
	if g.state.Status == "" {
		g.state.Status = models.GateOpen
	}
	g.rev++
}

// Version increases whenever the risk state changes.
func (g *Gate) Version() uint64 {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.rev
}
