// Package attribution diagnoses why recent trades lost money after the risk
// gate pauses trading.
package attribution

import (
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	"tradecore/internal/models"
)

// Category classifies a cause of losses.
type Category string

const (
	CategoryPartialFill     Category = "PARTIAL_FILL"
	CategoryExecutionLag    Category = "EXECUTION_LAG"
	CategoryStrategyFailure Category = "STRATEGY_FAILURE"
	CategoryRegimeShift     Category = "REGIME_SHIFT"
	CategoryEdgeDecay       Category = "EDGE_DECAY"
)

// Priority ranks findings for the operator.
type Priority string

const (
	PriorityHigh   Priority = "HIGH"
	PriorityMedium Priority = "MEDIUM"
	PriorityLow    Priority = "LOW"
)

func (p Priority) rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	}
	return 2
}

// Finding is one diagnosed cause with the evidence behind it.
type Finding struct {
	Category    Category           `json:"category"`
	Priority    Priority           `json:"priority"`
	Severity    float64            `json:"severity"` // 0-1
	Evidence    string             `json:"evidence"`
	Remediation string             `json:"remediation"`
	Metrics     map[string]float64 `json:"metrics,omitempty"`
}

// Report is the result of one analysis run.
type Report struct {
	GeneratedAt    time.Time            `json:"generated_at"`
	Reasons        []models.PauseReason `json:"reasons"`
	TradesAnalyzed int                  `json:"trades_analyzed"`
	LosingTrades   int                  `json:"losing_trades"`
	TotalLoss      float64              `json:"total_loss"`
	Findings       []Finding            `json:"findings"`
	Summary        string               `json:"summary"`
}

// Top returns the highest ranked finding, if any.
func (r Report) Top() (Finding, bool) {
	if len(r.Findings) == 0 {
		return Finding{}, false
	}
	return r.Findings[0], true
}

// Analyzer classifies losing trades. It only reads its inputs.
type Analyzer struct {
	cfg    config.AttributionConfig
	logger zerolog.Logger
	now    func() time.Time
}

// NewAnalyzer creates an analyzer.
func NewAnalyzer(cfg config.AttributionConfig, logger zerolog.Logger) *Analyzer {
	if cfg.RecentWindow <= 0 {
		cfg.RecentWindow = 20
	}
	if cfg.MinRegimeSymbols <= 0 {
		cfg.MinRegimeSymbols = 2
	}
	return &Analyzer{
		cfg:    cfg,
		logger: logger.With().Str("component", "attribution").Logger(),
		now:    time.Now,
	}
}

// SetClock overrides the time source.
func (a *Analyzer) SetClock(now func() time.Time) {
	a.now = now
}

// Analyze diagnoses trades, oldest first after sorting by close time, in the
// context of the breaker reasons that paused trading.
func (a *Analyzer) Analyze(trades []models.TradeRecord, reasons []models.PauseReason) Report {
	sorted := make([]models.TradeRecord, len(trades))
	copy(sorted, trades)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ClosedAt.Before(sorted[j].ClosedAt) })

	report := Report{
		GeneratedAt:    a.now(),
		Reasons:        append([]models.PauseReason(nil), reasons...),
		TradesAnalyzed: len(sorted),
	}

	split := len(sorted) - a.cfg.RecentWindow
	if split < 0 {
		split = 0
	}
	baseline, recent := sorted[:split], sorted[split:]

	losers := filter(recent, models.TradeRecord.IsLoss)
	report.LosingTrades = len(losers)
	for _, t := range losers {
		report.TotalLoss += -t.PnL
	}

	if len(sorted) < a.cfg.MinTrades || len(losers) == 0 {
		report.Summary = fmt.Sprintf("insufficient history: %d trades, %d losing", len(sorted), len(losers))
		return report
	}

	checks := []func() (Finding, bool){
		func() (Finding, bool) { return a.partialFills(losers) },
		func() (Finding, bool) { return a.executionLag(losers) },
		func() (Finding, bool) { return a.strategyFailure(baseline, recent, losers) },
		func() (Finding, bool) { return a.regimeShift(baseline, recent) },
		func() (Finding, bool) { return a.edgeDecay(sorted) },
	}
	for _, check := range checks {
		if f, ok := check(); ok {
			report.Findings = append(report.Findings, f)
		}
	}

	sort.SliceStable(report.Findings, func(i, j int) bool {
		fi, fj := report.Findings[i], report.Findings[j]
		if fi.Priority.rank() != fj.Priority.rank() {
			return fi.Priority.rank() < fj.Priority.rank()
		}
		return fi.Severity > fj.Severity
	})

	if top, ok := report.Top(); ok {
		cats := make([]string, len(report.Findings))
		for i, f := range report.Findings {
			cats[i] = string(f.Category)
		}
		report.Summary = fmt.Sprintf("%d losing trades (%.2f lost); primary cause %s; findings: %s",
			len(losers), report.TotalLoss, top.Category, strings.Join(cats, ", "))
	} else {
		report.Summary = fmt.Sprintf("%d losing trades (%.2f lost); no dominant cause", len(losers), report.TotalLoss)
	}

	a.logger.Info().
		Int("trades", report.TradesAnalyzed).
		Int("losers", report.LosingTrades).
		Int("findings", len(report.Findings)).
		Msg("Loss attribution complete")
	return report
}

func (a *Analyzer) partialFills(losers []models.TradeRecord) (Finding, bool) {
	if a.cfg.MinFillRatio <= 0 {
		return Finding{}, false
	}
	avg := mean(losers, func(t models.TradeRecord) float64 { return t.FillRatio })
	if avg >= a.cfg.MinFillRatio {
		return Finding{}, false
	}
	priority := PriorityMedium
	if avg < a.cfg.MinFillRatio/2 {
		priority = PriorityHigh
	}
	return Finding{
		Category:    CategoryPartialFill,
		Priority:    priority,
		Severity:    clamp01((a.cfg.MinFillRatio - avg) / a.cfg.MinFillRatio),
		Evidence:    fmt.Sprintf("losing trades filled %.0f%% of requested size on average (threshold %.0f%%)", avg*100, a.cfg.MinFillRatio*100),
		Remediation: "Cut order size relative to available liquidity or restrict trading to deeper markets.",
		Metrics:     map[string]float64{"avg_fill_ratio": avg},
	}, true
}

func (a *Analyzer) executionLag(losers []models.TradeRecord) (Finding, bool) {
	if a.cfg.MaxTimeToFill <= 0 {
		return Finding{}, false
	}
	avg := time.Duration(mean(losers, func(t models.TradeRecord) float64 { return float64(t.TimeToFill) }))
	if avg <= a.cfg.MaxTimeToFill {
		return Finding{}, false
	}
	ratio := float64(avg) / float64(a.cfg.MaxTimeToFill)
	priority := PriorityMedium
	if ratio >= 2 {
		priority = PriorityHigh
	}
	return Finding{
		Category:    CategoryExecutionLag,
		Priority:    priority,
		Severity:    clamp01(ratio - 1),
		Evidence:    fmt.Sprintf("losing trades took %s to fill on average (threshold %s)", avg.Round(time.Millisecond), a.cfg.MaxTimeToFill),
		Remediation: "Price orders closer to the market or shorten the order timeout so stale orders are cancelled sooner.",
		Metrics:     map[string]float64{"avg_time_to_fill_seconds": avg.Seconds()},
	}, true
}

func (a *Analyzer) strategyFailure(baseline, recent, losers []models.TradeRecord) (Finding, bool) {
	lossBy := make(map[string]float64)
	total := 0.0
	for _, t := range losers {
		lossBy[t.StrategyTag] += -t.PnL
		total += -t.PnL
	}
	if total <= 0 {
		return Finding{}, false
	}

	worst, worstLoss := "", 0.0
	for tag, loss := range lossBy {
		if loss > worstLoss || (loss == worstLoss && tag < worst) {
			worst, worstLoss = tag, loss
		}
	}
	share := worstLoss / total
	if share < a.cfg.StrategyLossShare {
		return Finding{}, false
	}

	byTag := func(t models.TradeRecord) bool { return t.StrategyTag == worst }
	recentRate := lossRate(filter(recent, byTag))
	base := filter(baseline, byTag)
	if len(base) == 0 {
		base = baseline
	}
	if len(base) == 0 {
		// nothing to compare against
		return Finding{}, false
	}
	baseRate := lossRate(base)

	if baseRate > 0 && recentRate < a.cfg.StrategyBaselineMultiple*baseRate {
		return Finding{}, false
	}

	name := worst
	if name == "" {
		name = "untagged"
	}
	return Finding{
		Category: CategoryStrategyFailure,
		Priority: PriorityHigh,
		Severity: clamp01(share),
		Evidence: fmt.Sprintf("strategy %q caused %.0f%% of recent losses; loss rate %.0f%% vs baseline %.0f%%",
			name, share*100, recentRate*100, baseRate*100),
		Remediation: fmt.Sprintf("Disable strategy %q and review its signal logic against recent market data before re-enabling.", name),
		Metrics: map[string]float64{
			"loss_share":         share,
			"recent_loss_rate":   recentRate,
			"baseline_loss_rate": baseRate,
		},
	}, true
}

func (a *Analyzer) regimeShift(baseline, recent []models.TradeRecord) (Finding, bool) {
	recentMove := movesBySymbol(recent)
	baseMove := movesBySymbol(baseline)

	var shifted []string
	worst := 0.0
	for sym, moves := range recentMove {
		base := baseMove[sym]
		if len(moves) < 2 || len(base) < 2 {
			continue
		}
		r, b := meanOf(moves), meanOf(base)
		if b <= 0 {
			continue
		}
		if r >= a.cfg.RegimeVolatilityMultiple*b {
			shifted = append(shifted, sym)
			worst = math.Max(worst, r/b)
		}
	}
	if len(shifted) < a.cfg.MinRegimeSymbols {
		return Finding{}, false
	}
	sort.Strings(shifted)

	return Finding{
		Category:    CategoryRegimeShift,
		Priority:    PriorityHigh,
		Severity:    clamp01(float64(len(shifted)) / float64(len(recentMove))),
		Evidence:    fmt.Sprintf("price moves widened at least %.1fx baseline across %s", a.cfg.RegimeVolatilityMultiple, strings.Join(shifted, ", ")),
		Remediation: "Lower the volatility target used for sizing and wait for volatility to normalize before resuming.",
		Metrics:     map[string]float64{"symbols_shifted": float64(len(shifted)), "max_volatility_ratio": worst},
	}, true
}

func (a *Analyzer) edgeDecay(trades []models.TradeRecord) (Finding, bool) {
	if len(trades) < 4 {
		return Finding{}, false
	}
	half := len(trades) / 2
	early, late := trades[:half], trades[len(trades)-half:]

	small := func(ts []models.TradeRecord) bool {
		return mean(ts, func(t models.TradeRecord) float64 { return math.Abs(t.ReturnPct()) }) <= a.cfg.SmallMovePct
	}
	winShare := 1 - lossRate(early)
	lossShare := lossRate(late)
	if winShare < 2.0/3 || lossShare < 2.0/3 || !small(early) || !small(late) {
		return Finding{}, false
	}

	earlyFreq, lateFreq := frequency(early), frequency(late)
	if earlyFreq <= 0 || lateFreq <= 0 {
		return Finding{}, false
	}
	change := lateFreq/earlyFreq - 1
	if math.Abs(change) > a.cfg.FrequencyTolerance {
		return Finding{}, false
	}

	return Finding{
		Category: CategoryEdgeDecay,
		Priority: PriorityMedium,
		Severity: clamp01(lossShare),
		Evidence: fmt.Sprintf("small wins (%.0f%% winners) turned into small losses (%.0f%% losers) at a steady trade rate (%+.0f%%)",
			winShare*100, lossShare*100, change*100),
		Remediation: "Raise the minimum expected edge required to trade; the opportunity is likely being competed away.",
		Metrics:     map[string]float64{"early_win_share": winShare, "late_loss_share": lossShare, "frequency_change": change},
	}, true
}

func filter(ts []models.TradeRecord, keep func(models.TradeRecord) bool) []models.TradeRecord {
	var out []models.TradeRecord
	for _, t := range ts {
		if keep(t) {
			out = append(out, t)
		}
	}
	return out
}

func mean(ts []models.TradeRecord, f func(models.TradeRecord) float64) float64 {
	if len(ts) == 0 {
		return 0
	}
	sum := 0.0
	for _, t := range ts {
		sum += f(t)
	}
	return sum / float64(len(ts))
}

func meanOf(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func lossRate(ts []models.TradeRecord) float64 {
	if len(ts) == 0 {
		return 0
	}
	return float64(len(filter(ts, models.TradeRecord.IsLoss))) / float64(len(ts))
}

// movesBySymbol collects absolute entry-to-exit moves in percent.
func movesBySymbol(ts []models.TradeRecord) map[string][]float64 {
	out := make(map[string][]float64)
	for _, t := range ts {
		if t.EntryPrice <= 0 {
			continue
		}
		out[t.Symbol] = append(out[t.Symbol], math.Abs(t.ExitPrice-t.EntryPrice)/t.EntryPrice*100)
	}
	return out
}

// frequency returns trades per hour across the span of ts.
func frequency(ts []models.TradeRecord) float64 {
	if len(ts) < 2 {
		return 0
	}
	span := ts[len(ts)-1].ClosedAt.Sub(ts[0].ClosedAt)
	if span <= 0 {
		return 0
	}
	return float64(len(ts)-1) / span.Hours()
}

func clamp01(x float64) float64 {
	return math.Max(0, math.Min(1, x))
}
