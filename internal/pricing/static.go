package pricing

import (
	"context"
	"sync"
	"time"

	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

// StaticSource is an in-memory quote source for paper runs and tests.
type StaticSource struct {
	name   string
	weight float64

	mu     sync.RWMutex
	prices map[string]float64
	err    error
	calls  int
}

// NewStaticSource creates a static source with the given reliability weight.
func NewStaticSource(name string, weight float64) *StaticSource {
	return &StaticSource{
		name:   name,
		weight: weight,
		prices: make(map[string]float64),
	}
}

// Name returns the source identifier.
func (s *StaticSource) Name() string {
	return s.name
}

// Set updates the price for symbol.
func (s *StaticSource) Set(symbol string, price float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.prices[symbol] = price
}

// Fail makes every subsequent Quote call return err; nil restores the source.
func (s *StaticSource) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.err = err
}

// Calls returns how many times Quote was invoked.
func (s *StaticSource) Calls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.calls
}

// Quote returns the stored price for symbol.
func (s *StaticSource) Quote(ctx context.Context, symbol string) (models.PriceQuote, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++

	if s.err != nil {
		return models.PriceQuote{}, s.err
	}
	price, ok := s.prices[symbol]
	if !ok {
		return models.PriceQuote{}, apperrors.NewPriceSourceUnavailableError(symbol, []string{s.name}, nil)
	}
	return models.PriceQuote{
		Source:     s.name,
		Symbol:     symbol,
		Price:      price,
		ObservedAt: time.Now(),
		Weight:     s.weight,
	}, nil
}
