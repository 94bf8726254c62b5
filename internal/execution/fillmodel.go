package execution

import (
	"math"
	"math/rand"
	"sync"

	"github.com/shopspring/decimal"

	"tradecore/internal/config"
	"tradecore/internal/models"
)

// feePrecision is the number of decimal places fees are rounded to.
const feePrecision = 8

// fillModel prices simulated fills: size-proportional slippage, a flat
// commission, and an optional liquidity-driven partial-fill draw.
type fillModel struct {
	cfg config.ExecutionConfig

	mu  sync.Mutex
	rng *rand.Rand
}

func newFillModel(cfg config.ExecutionConfig) *fillModel {
	if cfg.LiquidityReference <= 0 {
		cfg.LiquidityReference = 100_000
	}
	if cfg.PartialFills.MinFillRatio <= 0 || cfg.PartialFills.MinFillRatio > 1 {
		cfg.PartialFills.MinFillRatio = 0.2
	}
	return &fillModel{
		cfg: cfg,
		rng: rand.New(rand.NewSource(cfg.PartialFills.Seed)),
	}
}

// liquidity returns the reference liquidity for symbol.
func (m *fillModel) liquidity(symbol string) float64 {
	if l, ok := m.cfg.SymbolLiquidity[symbol]; ok && l > 0 {
		return l
	}
	return m.cfg.LiquidityReference
}

// slippageBps grows linearly with notional relative to liquidity, bounded by
// the configured floor and ceiling.
func (m *fillModel) slippageBps(symbol string, notional float64) float64 {
	bps := m.cfg.SlippageFactorBps * notional / m.liquidity(symbol)
	if bps < m.cfg.MinSlippageBps {
		bps = m.cfg.MinSlippageBps
	}
	if m.cfg.MaxSlippageBps > 0 && bps > m.cfg.MaxSlippageBps {
		bps = m.cfg.MaxSlippageBps
	}
	return bps
}

// slippedPrice moves price against the order: buys pay up, sells receive less.
func (m *fillModel) slippedPrice(side models.OrderSide, symbol string, price, qty float64) float64 {
	bps := m.slippageBps(symbol, price*qty)
	return price * (1 + side.Sign()*bps/10_000)
}

// fee returns the commission on notional, rounded half-up to feePrecision places.
func (m *fillModel) fee(notional float64) float64 {
	f := decimal.NewFromFloat(notional).
		Mul(decimal.NewFromFloat(m.cfg.CommissionRate)).
		Round(feePrecision)
	v, _ := f.Float64()
	return v
}

// notional returns qty*price rounded to feePrecision places.
func notional(qty, price float64) float64 {
	v, _ := decimal.NewFromFloat(qty).Mul(decimal.NewFromFloat(price)).Round(feePrecision).Float64()
	return v
}

// fillRatio returns the fraction of qty that fills now, in (0, 1]. Larger
// orders relative to liquidity are more likely to fill partially.
func (m *fillModel) fillRatio(order *models.Order, price, qty float64) float64 {
	enabled := m.cfg.PartialFills.MarketOrders
	if order.Type == models.OrderTypeLimit || order.Type == models.OrderTypeStopLimit {
		enabled = m.cfg.PartialFills.LimitOrders
	}
	if !enabled {
		return 1
	}

	p := math.Min(1, price*qty/m.liquidity(order.Symbol))

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rng.Float64() >= p {
		return 1
	}
	lo := m.cfg.PartialFills.MinFillRatio
	return lo + (1-lo)*m.rng.Float64()
}

// crosses reports whether an order is marketable at price.
func crosses(o *models.Order, price float64) bool {
	switch o.Type {
	case models.OrderTypeMarket:
		return true
	case models.OrderTypeLimit:
		return limitCrosses(o.Side, o.LimitPrice, price)
	case models.OrderTypeStop:
		return o.Triggered || stopTriggers(o.Side, o.StopPrice, price)
	case models.OrderTypeStopLimit:
		if !o.Triggered && !stopTriggers(o.Side, o.StopPrice, price) {
			return false
		}
		return limitCrosses(o.Side, o.LimitPrice, price)
	}
	return false
}

func limitCrosses(side models.OrderSide, limit, price float64) bool {
	if side == models.OrderSideBuy {
		return price <= limit
	}
	return price >= limit
}

// stopTriggers reports whether price has reached a stop: buy stops trigger at
// or above the stop, sell stops at or below.
func stopTriggers(side models.OrderSide, stop, price float64) bool {
	if side == models.OrderSideBuy {
		return price >= stop
	}
	return price <= stop
}

// capAtLimit keeps a slipped fill no worse than the order's limit.
func capAtLimit(o *models.Order, fillPrice float64) float64 {
	if o.Type != models.OrderTypeLimit && o.Type != models.OrderTypeStopLimit {
		return fillPrice
	}
	if o.Side == models.OrderSideBuy {
		return math.Min(fillPrice, o.LimitPrice)
	}
	return math.Max(fillPrice, o.LimitPrice)
}
