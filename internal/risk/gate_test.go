package risk

import (
	"encoding/json"
	"testing"
	"time"

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

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestGate(t *testing.T, mutate func(*config.RiskConfig)) (*Gate, *clock) {
	t.Helper()
	cfg := config.Default().Risk
	if mutate != nil {
		mutate(&cfg)
	}
	c := &clock{t: time.Date(2026, 5, 4, 10, 15, 0, 0, time.UTC)}
	g := NewGate(cfg, 1000, zerolog.Nop())
	g.SetClock(c.now)
	return g, c
}

func TestGate_ConsecutiveLossesPause(t *testing.T) {
	g, _ := newTestGate(t, nil)

	var trips [][]models.PauseReason
	g.SetHooks(Hooks{OnTrip: func(r []models.PauseReason, _ models.RiskState) { trips = append(trips, r) }})

	capital := 1000.0
	for i := 0; i < 3; i++ {
		capital -= 5
		g.RecordTrade(-5, capital)
	}

	ok, reasons := g.Admit()
	assert.False(t, ok)
	assert.Contains(t, reasons, models.ReasonConsecutiveLosses)
	assert.Equal(t, models.GatePaused, g.Status())
	require.Len(t, trips, 1)

	err := g.Resume(false)
	assert.ErrorIs(t, err, apperrors.ErrResumeRefused)
	ok, _ = g.Admit()
	assert.False(t, ok)

	require.NoError(t, g.Resume(true))
	ok, _ = g.Admit()
	assert.True(t, ok)
	assert.Zero(t, g.State().ConsecutiveLosses)
}

func TestGate_RecordsEverySimultaneousReason(t *testing.T) {
	g, _ := newTestGate(t, func(c *config.RiskConfig) {
		c.MaxConsecutiveLosses = 1
		c.HourlyLossLimit = 50
	})

	// one large loss trips consecutive, hourly and daily drawdown together
	g.RecordTrade(-200, 800)

	st := g.State()
	assert.True(t, st.Breakers.ConsecutiveLosses)
	assert.True(t, st.Breakers.HourlyLoss)
	assert.True(t, st.Breakers.DailyDrawdown)
	assert.False(t, st.Breakers.PeakDrawdown)
	assert.ElementsMatch(t,
		[]models.PauseReason{models.ReasonConsecutiveLosses, models.ReasonHourlyLoss, models.ReasonDailyDrawdown},
		st.PauseReasons)
}

func TestGate_HourWindowRollsOnWallClock(t *testing.T) {
	g, c := newTestGate(t, func(cfg *config.RiskConfig) {
		cfg.MaxConsecutiveLosses = 100
		cfg.HourlyLossLimit = 50
	})

	g.RecordTrade(-30, 970)
	c.advance(50 * time.Minute) // crosses 11:00
	g.RecordTrade(-30, 940)

	ok, _ := g.Admit()
	assert.True(t, ok, "losses in different clock hours must not combine")
	assert.InDelta(t, 30, g.State().HourLoss, 1e-9)

	g.RecordTrade(-25, 915)
	ok, reasons := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, []models.PauseReason{models.ReasonHourlyLoss}, reasons)

	// the hourly condition clears at the next boundary, so a plain resume works
	assert.ErrorIs(t, g.Resume(false), apperrors.ErrResumeRefused)
	c.advance(time.Hour)
	require.NoError(t, g.Resume(false))
	assert.Equal(t, models.GateOpen, g.Status())
}

func TestGate_DayWindowResetsDayOpenEquity(t *testing.T) {
	g, c := newTestGate(t, func(cfg *config.RiskConfig) {
		cfg.MaxConsecutiveLosses = 100
		cfg.HourlyLossLimit = 10_000
		cfg.DailyDrawdownPct = 0.15
		cfg.PeakDrawdownPct = 0.5
	})

	g.RecordTrade(-100, 900)
	c.advance(24 * time.Hour)
	g.RecordTrade(-100, 800) // 11% off today's open of 900, 20% off peak

	ok, _ := g.Admit()
	assert.True(t, ok)
	assert.Equal(t, 900.0, g.State().DayOpenEquity)

	g.RecordTrade(-50, 750) // 16.7% off today's open
	ok, reasons := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, []models.PauseReason{models.ReasonDailyDrawdown}, reasons)
}

func TestGate_PeakDrawdown(t *testing.T) {
	g, _ := newTestGate(t, func(cfg *config.RiskConfig) {
		cfg.MaxConsecutiveLosses = 100
		cfg.HourlyLossLimit = 10_000
		cfg.DailyDrawdownPct = 0.9
	})

	g.RecordTrade(500, 1500)
	g.RecordTrade(-400, 1100) // 26.7% off the 1500 peak

	st := g.State()
	assert.Equal(t, 1500.0, st.PeakCapital)
	assert.True(t, st.Breakers.PeakDrawdown)
}

func TestGate_LowWinRateNeedsMinimumTrades(t *testing.T) {
	g, _ := newTestGate(t, func(cfg *config.RiskConfig) {
		cfg.MaxConsecutiveLosses = 100
		cfg.HourlyLossLimit = 10_000
		cfg.DailyDrawdownPct = 0.9
		cfg.PeakDrawdownPct = 0.9
		cfg.MinTradesForWinRate = 10
		cfg.MinWinRate = 0.5
		cfg.WinRateWindow = 20
	})

	capital := 1000.0
	// alternate loss, loss, win: 33% win rate
	for i := 0; i < 9; i++ {
		pnl := -1.0
		if i%3 == 2 {
			pnl = 1
		}
		capital += pnl
		g.RecordTrade(pnl, capital)
	}
	ok, _ := g.Admit()
	assert.True(t, ok, "nine trades are below the minimum sample")

	g.RecordTrade(-1, capital-1)
	ok, reasons := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, []models.PauseReason{models.ReasonLowWinRate}, reasons)
}

func TestGate_ForceResumeOverridesUntilConditionClears(t *testing.T) {
	g, c := newTestGate(t, func(cfg *config.RiskConfig) {
		cfg.MaxConsecutiveLosses = 100
		cfg.HourlyLossLimit = 50
	})

	var resumes []bool
	g.SetHooks(Hooks{OnResume: func(force bool, _ []models.PauseReason, err error) {
		if err == nil {
			resumes = append(resumes, force)
		}
	}})

	g.RecordTrade(-60, 940)
	require.Equal(t, models.GatePaused, g.Status())
	require.NoError(t, g.Resume(true))

	// still over the hourly limit but overridden
	g.RecordTrade(-1, 939)
	ok, _ := g.Admit()
	assert.True(t, ok)

	// next hour the condition clears and re-arms
	c.advance(time.Hour)
	g.RecordTrade(-55, 884)
	ok, reasons := g.Admit()
	assert.False(t, ok)
	assert.Equal(t, []models.PauseReason{models.ReasonHourlyLoss}, reasons)
	assert.Equal(t, []bool{true}, resumes)
}

func TestGate_ForcedResumeSurvivesRestore(t *testing.T) {
	tighten := func(cfg *config.RiskConfig) {
		cfg.MaxConsecutiveLosses = 100
		cfg.HourlyLossLimit = 0
		cfg.DailyDrawdownPct = 0.10
		cfg.PeakDrawdownPct = 0.10
	}
	g, _ := newTestGate(t, tighten)

	g.RecordTrade(-150, 850)
	require.Equal(t, models.GatePaused, g.Status())
	require.NoError(t, g.Resume(true))
	ok, _ := g.Admit()
	require.True(t, ok)

	data, err := json.Marshal(g.State())
	require.NoError(t, err)
	var saved models.RiskState
	require.NoError(t, json.Unmarshal(data, &saved))
	assert.True(t, saved.Overridden.PeakDrawdown)
	assert.True(t, saved.Overridden.DailyDrawdown)

	other, _ := newTestGate(t, tighten)
	other.Restore(saved)
	ok, reasons := other.Admit()
	assert.True(t, ok, "restored gate refused with %v", reasons)
	assert.Equal(t, models.GateOpen, other.Status())

	// a further loss inside the overridden drawdown does not re-trip
	other.RecordTrade(-5, 845)
	assert.Equal(t, models.GateOpen, other.Status())
}

func TestGate_RestoreAndStats(t *testing.T) {
	g, _ := newTestGate(t, nil)
	g.RecordTrade(10, 1010)
	g.RecordTrade(-5, 1005)

	stats := g.Stats()
	assert.Equal(t, 2, stats.TradeCount)
	assert.InDelta(t, 0.5, stats.WinRate, 1e-9)

	saved := g.State()
	saved.Status = models.GatePaused
	saved.Breakers.PeakDrawdown = true
	saved.PauseReasons = []models.PauseReason{models.ReasonPeakDrawdown}

	other, _ := newTestGate(t, nil)
	other.Restore(saved)
	ok, reasons := other.Admit()
	assert.False(t, ok)
	assert.Equal(t, []models.PauseReason{models.ReasonPeakDrawdown}, reasons)
	assert.Equal(t, saved, other.State())
}

// Property: once a breaker trips, every later Admit returns false until a
// successful Resume, regardless of the trades recorded in between.
func TestProperty_AdmitFalseAfterTripUntilResume(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("paused gate never admits", prop.ForAll(
		func(pnls []float64) bool {
			g, c := newTestGate(t, nil)
			capital := 1000.0
			tripped := false
			for _, pnl := range pnls {
				capital += pnl
				g.RecordTrade(pnl, capital)
				c.advance(7 * time.Minute)

				ok, reasons := g.Admit()
				if g.Status() == models.GatePaused {
					tripped = true
				}
				if tripped && (ok || len(reasons) == 0) {
					return false
				}
			}
			if !tripped {
				return true
			}
			if err := g.Resume(true); err != nil {
				return false
			}
			ok, _ := g.Admit()
			return ok
		},
		gen.SliceOfN(25, gen.Float64Range(-30, 30)),
	))

	properties.TestingRun(t)
}
