package sizing

import (
	"math"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

func newTestSizer() (*Sizer, config.SizingConfig) {
	cfg := config.Default().Sizing
	return NewSizer(cfg, zerolog.Nop()), cfg
}

func factorByName(t *testing.T, exp Explanation, name string) Factor {
	t.Helper()
	for _, f := range exp.Factors {
		if f.Name == name {
			return f
		}
	}
	t.Fatalf("factor %q missing", name)
	return Factor{}
}

func TestSize_GoodEdgeNormalWinRate(t *testing.T) {
	s, _ := newTestSizer()

	opp := models.Opportunity{Symbol: "BTC-USD", Side: models.OrderSideBuy, ExpectedEdge: 0.03}
	stats := models.RiskStats{WinRate: 0.65, TradeCount: 50}

	size, exp, err := s.Size(opp, 1000, stats)
	require.NoError(t, err)

	assert.InDelta(t, 62.5, size, 1e-9)
	assert.GreaterOrEqual(t, size, 50.0)
	assert.LessOrEqual(t, size, 130.0)
	assert.Equal(t, 50.0, exp.Base)
	assert.Equal(t, TierGood, factorByName(t, exp, "margin").Tier)
	assert.Equal(t, TierNormal, factorByName(t, exp, "win_rate").Tier)
	assert.Equal(t, ClampNone, exp.ClampedBy)
	assert.Len(t, exp.Factors, 4)
	for _, f := range exp.Factors {
		assert.NotEmpty(t, f.Rationale, f.Name)
	}
}

func TestSize_Tiers(t *testing.T) {
	s, _ := newTestSizer()

	tests := []struct {
		name    string
		opp     models.Opportunity
		stats   models.RiskStats
		factor  string
		tier    string
		applied float64
	}{
		{"excellent edge", models.Opportunity{ExpectedEdge: 0.08}, models.RiskStats{}, "margin", TierExcellent, 1.5},
		{"poor edge", models.Opportunity{ExpectedEdge: 0.001}, models.RiskStats{}, "margin", TierPoor, 0.6},
		{"hot streak", models.Opportunity{}, models.RiskStats{WinRate: 0.8, TradeCount: 40}, "win_rate", TierHot, 1.2},
		{"cool streak", models.Opportunity{}, models.RiskStats{WinRate: 0.5, TradeCount: 40}, "win_rate", TierCool, 0.8},
		{"cold streak", models.Opportunity{}, models.RiskStats{WinRate: 0.2, TradeCount: 40}, "win_rate", TierCold, 0.6},
		{"sparse history", models.Opportunity{}, models.RiskStats{WinRate: 0.1, TradeCount: 5}, "win_rate", TierInsufficient, 1.0},
		{"thin market", models.Opportunity{Liquidity: 50_000}, models.RiskStats{}, "liquidity", TierThin, 0.5},
		{"very thin market", models.Opportunity{Liquidity: 1_000}, models.RiskStats{}, "liquidity", TierThin, 0.3},
		{"deep market", models.Opportunity{Liquidity: 900_000}, models.RiskStats{}, "liquidity", TierDeep, 1.0},
		{"volatile", models.Opportunity{Volatility: 0.08}, models.RiskStats{}, "volatility", TierVolatile, 0.4},
		{"calm", models.Opportunity{Volatility: 0.001}, models.RiskStats{}, "volatility", TierCalm, 1.2},
		{"volatility from stats", models.Opportunity{}, models.RiskStats{Volatility: 0.04}, "volatility", TierVolatile, 0.5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, exp, err := s.Size(tt.opp, 10_000, tt.stats)
			require.NoError(t, err)
			f := factorByName(t, exp, tt.factor)
			assert.Equal(t, tt.tier, f.Tier)
			assert.InDelta(t, tt.applied, f.Applied, 1e-9)
		})
	}
}

func TestSize_ClampsToBounds(t *testing.T) {
	s, cfg := newTestSizer()

	// tiny bankroll with poor factors falls below the minimum
	size, exp, err := s.Size(models.Opportunity{ExpectedEdge: 0, Liquidity: 1}, 15, models.RiskStats{WinRate: 0, TradeCount: 100})
	require.NoError(t, err)
	assert.Equal(t, cfg.MinPositionSize, size)
	assert.Equal(t, ClampMin, exp.ClampedBy)

	// aggressive factors cannot exceed the allocation cap
	s2 := NewSizer(config.SizingConfig{
		BaseAllocationPct: 0.09, MaxAllocationPct: 0.10, MinPositionSize: 1,
		ExcellentEdge: 0.05, GoodEdge: 0.03, NormalEdge: 0.01,
		MinTradesForWinRate: 20, HotWinRate: 0.7, NormalWinRate: 0.55, CoolWinRate: 0.45,
	}, zerolog.Nop())
	size, exp, err = s2.Size(models.Opportunity{ExpectedEdge: 0.2}, 1000, models.RiskStats{WinRate: 0.9, TradeCount: 100})
	require.NoError(t, err)
	assert.Equal(t, 100.0, size)
	assert.Equal(t, ClampMax, exp.ClampedBy)
	assert.Greater(t, exp.Unclamped, exp.Final)
}

func TestSize_InsufficientCapital(t *testing.T) {
	s, _ := newTestSizer()

	for _, bankroll := range []float64{0, -100} {
		_, _, err := s.Size(models.Opportunity{ExpectedEdge: 0.03}, bankroll, models.RiskStats{})
		assert.ErrorIs(t, err, apperrors.ErrInsufficientCapital)
	}

	// cap below the minimum position cannot satisfy both bounds
	_, _, err := s.Size(models.Opportunity{ExpectedEdge: 0.03}, 5, models.RiskStats{})
	assert.ErrorIs(t, err, apperrors.ErrInsufficientCapital)
}

func TestSize_RejectsNonFiniteInput(t *testing.T) {
	s, _ := newTestSizer()

	_, _, err := s.Size(models.Opportunity{ExpectedEdge: math.NaN()}, 1000, models.RiskStats{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, _, err = s.Size(models.Opportunity{}, math.Inf(1), models.RiskStats{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)

	_, _, err = s.Size(models.Opportunity{Liquidity: -1}, 1000, models.RiskStats{})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
}

// Property: for any valid input, minPositionSize <= size <= maxAllocationPct * bankroll.
func TestProperty_SizeWithinBounds(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 500
	properties := gopter.NewProperties(parameters)

	s, cfg := newTestSizer()

	properties.Property("size within [min, max cap]", prop.ForAll(
		func(bankroll, edge, winRate float64, trades int, liquidity, vol float64) bool {
			opp := models.Opportunity{Symbol: "X", ExpectedEdge: edge, Liquidity: liquidity, Volatility: vol}
			stats := models.RiskStats{WinRate: winRate, TradeCount: trades}

			size, exp, err := s.Size(opp, bankroll, stats)
			maxSize := cfg.MaxAllocationPct * bankroll
			if maxSize < cfg.MinPositionSize {
				return apperrors.Is(err, apperrors.ErrInsufficientCapital)
			}
			if err != nil {
				t.Logf("unexpected error: %v", err)
				return false
			}
			if math.IsNaN(size) || size < cfg.MinPositionSize || size > maxSize+1e-9 {
				t.Logf("size %f outside [%f, %f]", size, cfg.MinPositionSize, maxSize)
				return false
			}
			for _, f := range exp.Factors {
				if f.Applied < f.Min || f.Applied > f.Max {
					return false
				}
			}
			return size == exp.Final
		},
		gen.Float64Range(0.01, 1_000_000),
		gen.Float64Range(-0.1, 0.3),
		gen.Float64Range(0, 1),
		gen.IntRange(0, 200),
		gen.Float64Range(0, 2_000_000),
		gen.Float64Range(0, 0.5),
	))

	properties.TestingRun(t)
}
