// Package sizing converts opportunities into bounded, explainable trade sizes.
package sizing

import (
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

// Factor tiers.
const (
	TierExcellent = "excellent"
	TierGood      = "good"
	TierNormal    = "normal"
	TierPoor      = "poor"

	TierHot          = "hot"
	TierCool         = "cool"
	TierCold         = "cold"
	TierInsufficient = "insufficient_history"

	TierDeep    = "deep"
	TierThin    = "thin"
	TierUnknown = "unknown"

	TierCalm     = "calm"
	TierVolatile = "volatile"
)

// Clamp targets reported in Explanation.ClampedBy.
const (
	ClampNone = ""
	ClampMin  = "min_position_size"
	ClampMax  = "max_allocation"
)

// Factor ranges.
var (
	marginRange     = [2]float64{0.5, 1.5}
	winRateRange    = [2]float64{0.5, 1.3}
	liquidityRange  = [2]float64{0.3, 1.0}
	volatilityRange = [2]float64{0.4, 1.2}
)

// Factor is one multiplier applied to the base size.
type Factor struct {
	Name      string  `json:"name"`
	Tier      string  `json:"tier"`
	Raw       float64 `json:"raw"`
	Applied   float64 `json:"applied"`
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Rationale string  `json:"rationale"`
}

// Explanation records every step of a sizing decision.
type Explanation struct {
	Bankroll  float64  `json:"bankroll"`
	Base      float64  `json:"base"`
	Factors   []Factor `json:"factors"`
	Unclamped float64  `json:"unclamped"`
	Final     float64  `json:"final"`
	ClampedBy string   `json:"clamped_by,omitempty"`
}

// Multiplier returns the product of all applied factors.
func (e Explanation) Multiplier() float64 {
	m := 1.0
	for _, f := range e.Factors {
		m *= f.Applied
	}
	return m
}

// Sizer computes position sizes.
type Sizer struct {
	cfg    config.SizingConfig
	logger zerolog.Logger
}

// NewSizer creates a new position sizer.
func NewSizer(cfg config.SizingConfig, logger zerolog.Logger) *Sizer {
	return &Sizer{
		cfg:    cfg,
		logger: logger.With().Str("component", "sizer").Logger(),
	}
}

// Size returns the notional to allocate to opp given bankroll and recent
// risk statistics, along with the full breakdown of how it was reached.
func (s *Sizer) Size(opp models.Opportunity, bankroll float64, stats models.RiskStats) (float64, Explanation, error) {
	if err := validate(opp, bankroll, stats); err != nil {
		return 0, Explanation{}, err
	}
	if bankroll <= 0 {
		return 0, Explanation{}, apperrors.NewInsufficientCapitalError(s.cfg.MinPositionSize, bankroll)
	}

	maxSize := s.cfg.MaxAllocationPct * bankroll
	if maxSize < s.cfg.MinPositionSize {
		return 0, Explanation{}, apperrors.NewInsufficientCapitalError(s.cfg.MinPositionSize, maxSize)
	}

	exp := Explanation{
		Bankroll: bankroll,
		Base:     s.cfg.BaseAllocationPct * bankroll,
		Factors: []Factor{
			s.marginFactor(opp.ExpectedEdge),
			s.winRateFactor(stats),
			s.liquidityFactor(liquidityOf(opp, stats)),
			s.volatilityFactor(volatilityOf(opp, stats)),
		},
	}

	exp.Unclamped = exp.Base * exp.Multiplier()
	exp.Final = exp.Unclamped
	switch {
	case exp.Final < s.cfg.MinPositionSize:
		exp.Final = s.cfg.MinPositionSize
		exp.ClampedBy = ClampMin
	case exp.Final > maxSize:
		exp.Final = maxSize
		exp.ClampedBy = ClampMax
	}

	s.logger.Debug().
		Str("symbol", opp.Symbol).
		Float64("bankroll", bankroll).
		Float64("base", exp.Base).
		Float64("multiplier", exp.Multiplier()).
		Float64("size", exp.Final).
		Str("clamped_by", exp.ClampedBy).
		Msg("Sized opportunity")

	return exp.Final, exp, nil
}

func validate(opp models.Opportunity, bankroll float64, stats models.RiskStats) error {
	checks := []struct {
		field string
		value float64
	}{
		{"bankroll", bankroll},
		{"expected_edge", opp.ExpectedEdge},
		{"liquidity", opp.Liquidity},
		{"volatility", opp.Volatility},
		{"win_rate", stats.WinRate},
		{"stats_liquidity", stats.Liquidity},
		{"stats_volatility", stats.Volatility},
	}
	for _, c := range checks {
		if math.IsNaN(c.value) || math.IsInf(c.value, 0) {
			return apperrors.NewValidationError(c.field, c.value, "must be a finite number")
		}
	}
	if opp.Liquidity < 0 || opp.Volatility < 0 {
		return apperrors.NewValidationError("opportunity", opp.Symbol, "liquidity and volatility must not be negative")
	}
	return nil
}

func liquidityOf(opp models.Opportunity, stats models.RiskStats) float64 {
	if opp.Liquidity > 0 {
		return opp.Liquidity
	}
	return math.Max(0, stats.Liquidity)
}

func volatilityOf(opp models.Opportunity, stats models.RiskStats) float64 {
	if opp.Volatility > 0 {
		return opp.Volatility
	}
	return math.Max(0, stats.Volatility)
}

func (s *Sizer) marginFactor(edge float64) Factor {
	f := Factor{Name: "margin", Min: marginRange[0], Max: marginRange[1]}
	switch {
	case edge >= s.cfg.ExcellentEdge:
		f.Tier, f.Raw = TierExcellent, 1.5
	case edge >= s.cfg.GoodEdge:
		f.Tier, f.Raw = TierGood, 1.25
	case edge >= s.cfg.NormalEdge:
		f.Tier, f.Raw = TierNormal, 1.0
	default:
		f.Tier, f.Raw = TierPoor, 0.6
	}
	f.Applied = clamp(f.Raw, f.Min, f.Max)
	f.Rationale = fmt.Sprintf("expected edge %.2f%% is %s", edge*100, f.Tier)
	return f
}

func (s *Sizer) winRateFactor(stats models.RiskStats) Factor {
	f := Factor{Name: "win_rate", Min: winRateRange[0], Max: winRateRange[1]}
	if stats.TradeCount < s.cfg.MinTradesForWinRate {
		f.Tier, f.Raw, f.Applied = TierInsufficient, 1.0, 1.0
		f.Rationale = fmt.Sprintf("%d trades, need %d before win rate counts", stats.TradeCount, s.cfg.MinTradesForWinRate)
		return f
	}
	switch {
	case stats.WinRate >= s.cfg.HotWinRate:
		f.Tier, f.Raw = TierHot, 1.2
	case stats.WinRate >= s.cfg.NormalWinRate:
		f.Tier, f.Raw = TierNormal, 1.0
	case stats.WinRate >= s.cfg.CoolWinRate:
		f.Tier, f.Raw = TierCool, 0.8
	default:
		f.Tier, f.Raw = TierCold, 0.6
	}
	f.Applied = clamp(f.Raw, f.Min, f.Max)
	f.Rationale = fmt.Sprintf("win rate %.1f%% over %d trades is %s", stats.WinRate*100, stats.TradeCount, f.Tier)
	return f
}

func (s *Sizer) liquidityFactor(liquidity float64) Factor {
	f := Factor{Name: "liquidity", Min: liquidityRange[0], Max: liquidityRange[1]}
	if liquidity <= 0 || s.cfg.LiquidityReference <= 0 {
		f.Tier, f.Raw, f.Applied = TierUnknown, 1.0, 1.0
		f.Rationale = "liquidity unknown, no adjustment"
		return f
	}
	f.Raw = liquidity / s.cfg.LiquidityReference
	f.Applied = clamp(f.Raw, f.Min, f.Max)
	if f.Raw >= 1 {
		f.Tier = TierDeep
	} else {
		f.Tier = TierThin
	}
	f.Rationale = fmt.Sprintf("liquidity %.0f is %.0f%% of reference %.0f", liquidity, f.Raw*100, s.cfg.LiquidityReference)
	return f
}

func (s *Sizer) volatilityFactor(vol float64) Factor {
	f := Factor{Name: "volatility", Min: volatilityRange[0], Max: volatilityRange[1]}
	if vol <= 0 || s.cfg.TargetVolatility <= 0 {
		f.Tier, f.Raw, f.Applied = TierUnknown, 1.0, 1.0
		f.Rationale = "volatility unknown, no adjustment"
		return f
	}
	f.Raw = s.cfg.TargetVolatility / vol
	f.Applied = clamp(f.Raw, f.Min, f.Max)
	if vol > s.cfg.TargetVolatility {
		f.Tier = TierVolatile
	} else {
		f.Tier = TierCalm
	}
	f.Rationale = fmt.Sprintf("volatility %.2f%% against target %.2f%%", vol*100, s.cfg.TargetVolatility*100)
	return f
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
