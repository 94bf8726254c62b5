// Package strategy holds the built-in opportunity generators run by the engine.
package strategy

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	"tradecore/internal/models"
)

// RSIReversion buys oversold symbols and sells overbought long positions.
type RSIReversion struct {
	cfg    config.StrategyConfig
	logger zerolog.Logger

	mu      sync.Mutex
	history map[string][]float64
}

// NewRSIReversion creates the strategy.
func NewRSIReversion(cfg config.StrategyConfig, logger zerolog.Logger) *RSIReversion {
	if cfg.RSIPeriod < 2 {
		cfg.RSIPeriod = 14
	}
	if cfg.EdgeScale <= 0 {
		cfg.EdgeScale = 0.5
	}
	return &RSIReversion{
		cfg:     cfg,
		logger:  logger.With().Str("component", "strategy").Str("strategy", "rsi_reversion").Logger(),
		history: make(map[string][]float64),
	}
}

// Name returns the strategy tag.
func (s *RSIReversion) Name() string {
	return "rsi_reversion"
}

// window is the number of closes kept per symbol.
func (s *RSIReversion) window() int {
	return s.cfg.RSIPeriod * 3
}

// Observe appends one price for symbol.
func (s *RSIReversion) Observe(symbol string, price float64) {
	if price <= 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	h := append(s.history[symbol], price)
	if len(h) > s.window() {
		h = h[len(h)-s.window():]
	}
	s.history[symbol] = h
}

func (s *RSIReversion) closes(symbol string) []float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]float64(nil), s.history[symbol]...)
}

// FindOpportunities records the snapshot prices and returns an opportunity
// for every symbol whose RSI is past a threshold.
func (s *RSIReversion) FindOpportunities(snap models.MarketSnapshot) []models.Opportunity {
	symbols := make([]string, 0, len(snap.Prices))
	for sym := range snap.Prices {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)

	var out []models.Opportunity
	for _, sym := range symbols {
		price := snap.Prices[sym]
		s.Observe(sym, price.Value)

		closes := s.closes(sym)
		rsi, ok := RSI(closes, s.cfg.RSIPeriod)
		if !ok {
			continue
		}

		held := snap.Portfolio.Positions[sym].Quantity
		var (
			side models.OrderSide
			edge float64
		)
		switch {
		case rsi <= s.cfg.Oversold && held <= 0:
			side, edge = models.OrderSideBuy, (s.cfg.Oversold-rsi)/100*s.cfg.EdgeScale
		case rsi >= s.cfg.Overbought && held > 0:
			side, edge = models.OrderSideSell, (rsi-s.cfg.Overbought)/100*s.cfg.EdgeScale
		default:
			continue
		}

		s.logger.Debug().Str("symbol", sym).Float64("rsi", rsi).Str("side", string(side)).Msg("Signal")
		out = append(out, models.Opportunity{
			Symbol:         sym,
			Side:           side,
			ExpectedEdge:   edge,
			Confidence:     price.Confidence,
			StrategyTag:    s.Name(),
			Volatility:     Volatility(closes),
			ReferencePrice: price.Value,
		})
	}
	return out
}
