package pricing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/pool"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
	"tradecore/internal/resilience"
	"tradecore/pkg/utils"
)

// QuoteSource supplies quotes for a symbol on demand. Implementations may be
// unavailable at any time.
type QuoteSource interface {
	Name() string
	Quote(ctx context.Context, symbol string) (models.PriceQuote, error)
}

// Collector fans out to every QuoteSource, isolating failing sources behind
// circuit breakers, and resolves the surviving quotes into a consensus.
type Collector struct {
	sources    []QuoteSource
	aggregator *Aggregator
	breakers   *resilience.CircuitBreakerRegistry
	retry      utils.RetryConfig
	timeout    time.Duration
	logger     zerolog.Logger

	observerMu sync.RWMutex
	observer   func(source string, state resilience.CircuitState)
}

// NewCollector creates a collector over sources.
func NewCollector(cfg config.ConsensusConfig, aggregator *Aggregator, logger zerolog.Logger, sources ...QuoteSource) *Collector {
	c := &Collector{
		sources:    sources,
		aggregator: aggregator,
		retry:      resilience.DefaultSourceRetry(),
		timeout:    cfg.FetchTimeout,
		logger:     logger.With().Str("component", "collector").Logger(),
	}
	if cfg.FetchAttempts > 0 {
		c.retry.MaxAttempts = cfg.FetchAttempts
	}

	breakerCfg := resilience.DefaultCircuitBreakerConfig()
	if cfg.BreakerFailures > 0 {
		breakerCfg.FailureThreshold = cfg.BreakerFailures
	}
	if cfg.BreakerCooldown > 0 {
		breakerCfg.Cooldown = cfg.BreakerCooldown
	}
	breakerCfg.OnStateChange = c.breakerChanged
	c.breakers = resilience.NewCircuitBreakerRegistry(breakerCfg)
	return c
}

// SetBreakerObserver registers fn to be told about every source breaker
// transition.
func (c *Collector) SetBreakerObserver(fn func(source string, state resilience.CircuitState)) {
	c.observerMu.Lock()
	defer c.observerMu.Unlock()
	c.observer = fn
}

func (c *Collector) breakerChanged(source string, from, to resilience.CircuitState) {
	ev := c.logger.Info()
	if to == resilience.CircuitOpen {
		ev = c.logger.Warn()
	}
	ev.Str("source", source).Str("from", string(from)).Str("to", string(to)).Msg("Quote source breaker changed")

	c.observerMu.RLock()
	fn := c.observer
	c.observerMu.RUnlock()
	if fn != nil {
		fn(source, to)
	}
}

// AddSource registers another quote source.
func (c *Collector) AddSource(src QuoteSource) {
	c.sources = append(c.sources, src)
}

// BreakerStats exposes per-source breaker state.
func (c *Collector) BreakerStats() []resilience.CircuitBreakerStats {
	return c.breakers.AllStats()
}

type fetchResult struct {
	source string
	quote  models.PriceQuote
	err    error
}

// Collect fetches one quote per source. Failing sources are retried with
// backoff and then skipped; only when every source fails is a
// PriceSourceUnavailableError returned.
func (c *Collector) Collect(ctx context.Context, symbol string) ([]models.PriceQuote, error) {
	if len(c.sources) == 0 {
		return nil, apperrors.NewPriceSourceUnavailableError(symbol, nil, fmt.Errorf("no sources configured"))
	}

	p := pool.NewWithResults[fetchResult]()
	for _, src := range c.sources {
		src := src
		p.Go(func() fetchResult {
			q, err := c.fetch(ctx, src, symbol)
			return fetchResult{source: src.Name(), quote: q, err: err}
		})
	}

	var (
		quotes []models.PriceQuote
		failed []string
		last   error
	)
	for _, r := range p.Wait() {
		if r.err != nil {
			failed = append(failed, r.source)
			last = r.err
			c.logger.Warn().Err(r.err).Str("source", r.source).Str("symbol", symbol).Msg("Quote source failed")
			continue
		}
		quotes = append(quotes, r.quote)
	}

	if len(quotes) == 0 {
		return nil, apperrors.NewPriceSourceUnavailableError(symbol, failed, last)
	}
	return quotes, nil
}

func (c *Collector) fetch(ctx context.Context, src QuoteSource, symbol string) (models.PriceQuote, error) {
	cb := c.breakers.Get(src.Name())

	var quote models.PriceQuote
	err := resilience.Guarded(ctx, cb, c.retry, func(ctx context.Context) error {
		callCtx := ctx
		if c.timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.timeout)
			defer cancel()
		}
		q, err := src.Quote(callCtx, symbol)
		if err != nil {
			return err
		}
		if q.Source == "" {
			q.Source = src.Name()
		}
		if q.Symbol == "" {
			q.Symbol = symbol
		}
		quote = q
		return nil
	})
	return quote, err
}

// Consensus collects quotes for symbol and resolves them.
func (c *Collector) Consensus(ctx context.Context, symbol string) (models.ConsensusPrice, error) {
	quotes, err := c.Collect(ctx, symbol)
	if err != nil {
		return models.ConsensusPrice{}, err
	}
	price, err := c.aggregator.Resolve(quotes)
	if err != nil {
		return models.ConsensusPrice{}, err
	}
	price.Symbol = symbol
	return price, nil
}
