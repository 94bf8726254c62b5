package pricing

import (
	"math"
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

var testNow = time.Date(2026, 3, 2, 14, 0, 0, 0, time.UTC)

func newTestAggregator(t *testing.T, mutate func(*config.ConsensusConfig)) *Aggregator {
	t.Helper()
	cfg := config.Default().Consensus
	if mutate != nil {
		mutate(&cfg)
	}
	a := NewAggregator(cfg, zerolog.Nop())
	a.SetClock(func() time.Time { return testNow })
	return a
}

func quotes(symbol string, prices ...float64) []models.PriceQuote {
	out := make([]models.PriceQuote, len(prices))
	for i, p := range prices {
		out[i] = models.PriceQuote{
			Source:     string(rune('a' + i)),
			Symbol:     symbol,
			Price:      p,
			ObservedAt: testNow.Add(-time.Second),
		}
	}
	return out
}

func TestResolve_DiscardsOutlier(t *testing.T) {
	a := newTestAggregator(t, nil)

	got, err := a.Resolve(quotes("BTC-USD", 100, 101, 99, 250))
	require.NoError(t, err)

	assert.Equal(t, "BTC-USD", got.Symbol)
	assert.InDelta(t, 100.0, got.Value, 1e-9)
	assert.Equal(t, 3, got.SourcesUsed)
	assert.Equal(t, 1, got.OutliersDiscarded)
	assert.False(t, got.Degraded)
	assert.Greater(t, got.Confidence, 60.0)
	assert.Equal(t, testNow, got.ResolvedAt)
}

func TestResolve_AgreeingQuotesHaveFullConfidence(t *testing.T) {
	a := newTestAggregator(t, nil)

	got, err := a.Resolve(quotes("ETH-USD", 2000, 2000, 2000))
	require.NoError(t, err)
	assert.Equal(t, 2000.0, got.Value)
	assert.Equal(t, 100.0, got.Confidence)
}

func TestResolve_ConfidenceFallsWithFewerSources(t *testing.T) {
	a := newTestAggregator(t, nil)

	one, err := a.Resolve(quotes("X", 50))
	require.NoError(t, err)
	three, err := a.Resolve(quotes("X", 50, 50, 50))
	require.NoError(t, err)

	assert.Equal(t, 50.0, one.Value)
	assert.Less(t, one.Confidence, three.Confidence)
}

func TestResolve_WeightsBySourceReliability(t *testing.T) {
	a := newTestAggregator(t, func(c *config.ConsensusConfig) {
		c.SourceWeights = map[string]float64{"a": 3}
	})

	got, err := a.Resolve(quotes("X", 100, 102))
	require.NoError(t, err)
	// (100*3 + 102*1) / 4
	assert.InDelta(t, 100.5, got.Value, 1e-9)
}

func TestResolve_DegradedFallbackToMedian(t *testing.T) {
	a := newTestAggregator(t, func(c *config.ConsensusConfig) {
		c.OutlierThreshold = 0.5
		c.ConfidenceFloor = 10
	})

	got, err := a.Resolve(quotes("X", 100, 120))
	require.NoError(t, err)
	assert.True(t, got.Degraded)
	assert.Equal(t, 110.0, got.Value)
	assert.Equal(t, 10.0, got.Confidence)
	assert.Equal(t, 2, got.OutliersDiscarded)
}

func TestResolve_NoLiveQuotes(t *testing.T) {
	a := newTestAggregator(t, nil)

	_, err := a.Resolve(nil)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientQuotes)

	stale := quotes("X", 100, 101)
	for i := range stale {
		stale[i].ObservedAt = testNow.Add(-time.Hour)
	}
	_, err = a.Resolve(stale)
	assert.ErrorIs(t, err, apperrors.ErrInsufficientQuotes)

	_, err = a.Resolve(quotes("X", 0, -5, math.NaN()))
	assert.ErrorIs(t, err, apperrors.ErrInsufficientQuotes)
}

func TestResolve_IgnoresStaleQuote(t *testing.T) {
	a := newTestAggregator(t, nil)

	qs := quotes("X", 100, 100, 500)
	qs[2].ObservedAt = testNow.Add(-time.Minute)

	got, err := a.Resolve(qs)
	require.NoError(t, err)
	assert.Equal(t, 100.0, got.Value)
	assert.Equal(t, 2, got.SourcesUsed)
	assert.Zero(t, got.OutliersDiscarded)
}

// Property: the consensus value always lies within the range of live quotes
// and confidence stays within [0, 100].
func TestProperty_ConsensusWithinQuoteRange(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cfg := config.Default().Consensus
	a := NewAggregator(cfg, zerolog.Nop())
	a.SetClock(func() time.Time { return testNow })

	properties.Property("value within [min, max] of quotes", prop.ForAll(
		func(prices []float64, spike float64) bool {
			all := append(append([]float64(nil), prices...), spike)
			got, err := a.Resolve(quotes("P", all...))
			if err != nil {
				t.Logf("resolve: %v", err)
				return false
			}
			lo, hi := all[0], all[0]
			for _, p := range all {
				lo = math.Min(lo, p)
				hi = math.Max(hi, p)
			}
			if got.Value < lo-1e-9 || got.Value > hi+1e-9 {
				t.Logf("value %f outside [%f, %f]", got.Value, lo, hi)
				return false
			}
			return got.Confidence >= 0 && got.Confidence <= 100
		},
		gen.SliceOfN(5, gen.Float64Range(95, 105)),
		gen.Float64Range(1, 1000),
	))

	properties.Property("discarded plus used equals live quotes", prop.ForAll(
		func(prices []float64) bool {
			got, err := a.Resolve(quotes("P", prices...))
			if err != nil {
				return false
			}
			if got.Degraded {
				return got.SourcesUsed == len(prices)
			}
			return got.SourcesUsed+got.OutliersDiscarded == len(prices)
		},
		gen.SliceOfN(7, gen.Float64Range(10, 20)),
	))

	properties.TestingRun(t)
}
