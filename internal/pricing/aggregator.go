// Package pricing resolves a single confidence-scored price from many quote sources.
package pricing

import (
	"math"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

const (
	// madScale converts MAD to a standard-deviation estimate for normal data.
	madScale = 0.6745
	// minRelativeMAD keeps the z-score finite when most quotes agree exactly.
	minRelativeMAD = 1e-4
)

// Aggregator combines quotes into a ConsensusPrice.
type Aggregator struct {
	cfg    config.ConsensusConfig
	now    func() time.Time
	logger zerolog.Logger
}

// NewAggregator creates a new aggregator.
func NewAggregator(cfg config.ConsensusConfig, logger zerolog.Logger) *Aggregator {
	if cfg.OutlierThreshold <= 0 {
		cfg.OutlierThreshold = 3.5
	}
	if cfg.SpreadTolerance <= 0 {
		cfg.SpreadTolerance = 0.05
	}
	if cfg.TargetSources <= 0 {
		cfg.TargetSources = 3
	}
	return &Aggregator{
		cfg:    cfg,
		now:    time.Now,
		logger: logger.With().Str("component", "consensus").Logger(),
	}
}

// SetClock overrides the time source used for staleness checks.
func (a *Aggregator) SetClock(now func() time.Time) {
	a.now = now
}

// Resolve computes the consensus price of quotes.
//
// Quotes are screened with a modified z-score against the median (MAD based);
// survivors are averaged by source reliability weight. When every quote is
// rejected the unweighted median of the live set is returned with the
// configured confidence floor and Degraded set.
func (a *Aggregator) Resolve(quotes []models.PriceQuote) (models.ConsensusPrice, error) {
	now := a.now()
	live := a.liveQuotes(quotes, now)
	if len(live) == 0 {
		return models.ConsensusPrice{}, &apperrors.InsufficientQuotesError{Received: len(quotes), Live: 0}
	}

	prices := make([]float64, len(live))
	for i, q := range live {
		prices[i] = q.Price
	}
	med := median(prices)

	deviations := make([]float64, len(prices))
	for i, p := range prices {
		deviations[i] = math.Abs(p - med)
	}
	mad := math.Max(median(deviations), math.Abs(med)*minRelativeMAD)

	survivors := make([]models.PriceQuote, 0, len(live))
	for _, q := range live {
		z := madScale * (q.Price - med) / mad
		if math.Abs(z) > a.cfg.OutlierThreshold {
			a.logger.Debug().
				Str("source", q.Source).
				Float64("price", q.Price).
				Float64("median", med).
				Float64("z", z).
				Msg("Discarding outlier quote")
			continue
		}
		survivors = append(survivors, q)
	}

	result := models.ConsensusPrice{
		Symbol:            live[0].Symbol,
		OutliersDiscarded: len(live) - len(survivors),
		ResolvedAt:        now,
	}

	if len(survivors) == 0 {
		a.logger.Warn().
			Int("quotes", len(live)).
			Float64("median", med).
			Msg("All quotes discarded, falling back to median")
		result.Value = med
		result.Confidence = a.cfg.ConfidenceFloor
		result.SourcesUsed = len(live)
		result.Degraded = true
		return result, nil
	}

	result.Value = a.weightedAverage(survivors)
	result.SourcesUsed = len(survivors)
	result.Confidence = a.confidence(survivors, result.Value)
	return result, nil
}

// liveQuotes drops unusable prices and quotes older than MaxQuoteAge.
func (a *Aggregator) liveQuotes(quotes []models.PriceQuote, now time.Time) []models.PriceQuote {
	live := make([]models.PriceQuote, 0, len(quotes))
	for _, q := range quotes {
		if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
			continue
		}
		if a.cfg.MaxQuoteAge > 0 && !q.ObservedAt.IsZero() && now.Sub(q.ObservedAt) > a.cfg.MaxQuoteAge {
			continue
		}
		live = append(live, q)
	}
	return live
}

// weight returns the reliability weight of a quote: configured source weight,
// then the quote's own weight, then 1.
func (a *Aggregator) weight(q models.PriceQuote) float64 {
	if w, ok := a.cfg.SourceWeights[q.Source]; ok && w > 0 {
		return w
	}
	if q.Weight > 0 {
		return q.Weight
	}
	return 1
}

func (a *Aggregator) weightedAverage(quotes []models.PriceQuote) float64 {
	var sum, total float64
	for _, q := range quotes {
		w := a.weight(q)
		sum += q.Price * w
		total += w
	}
	return sum / total
}

// confidence maps survivor count and relative spread to 0-100. It rises with
// the number of survivors (saturating at TargetSources) and falls with spread.
func (a *Aggregator) confidence(survivors []models.PriceQuote, value float64) float64 {
	n := float64(len(survivors))
	countFactor := math.Min(1, (n+1)/float64(a.cfg.TargetSources+1))

	lo, hi := survivors[0].Price, survivors[0].Price
	for _, q := range survivors[1:] {
		lo = math.Min(lo, q.Price)
		hi = math.Max(hi, q.Price)
	}
	spread := (hi - lo) / value
	spreadFactor := 1 / (1 + spread/a.cfg.SpreadTolerance)

	c := 100 * countFactor * spreadFactor
	return math.Round(math.Max(0, math.Min(100, c))*100) / 100
}

func median(values []float64) float64 {
	sorted := append([]float64(nil), values...)
	sort.Float64s(sorted)
	n := len(sorted)
	if n == 0 {
		return 0
	}
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}
