// Package models provides domain models for the execution and risk engine.
package models

import (
	"time"
)

// OrderSide represents the side of an order.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s OrderSide) Sign() float64 {
	if s == OrderSideSell {
		return -1
	}
	return 1
}

// Valid reports whether s is a known side.
func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// OrderType represents the type of an order.
type OrderType string

const (
	OrderTypeMarket    OrderType = "MARKET"
	OrderTypeLimit     OrderType = "LIMIT"
	OrderTypeStop      OrderType = "STOP"
	OrderTypeStopLimit OrderType = "STOP_LIMIT"
)

// Valid reports whether t is a known order type.
func (t OrderType) Valid() bool {
	switch t {
	case OrderTypeMarket, OrderTypeLimit, OrderTypeStop, OrderTypeStopLimit:
		return true
	}
	return false
}

// PriceQuote is a single observation from one price source.
type PriceQuote struct {
	Source     string    `json:"source"`
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	ObservedAt time.Time `json:"observed_at"`
	Weight     float64   `json:"weight"`
}

// ConsensusPrice is the resolved price across sources.
type ConsensusPrice struct {
	Symbol            string    `json:"symbol"`
	Value             float64   `json:"value"`
	Confidence        float64   `json:"confidence"` // 0-100
	SourcesUsed       int       `json:"sources_used"`
	OutliersDiscarded int       `json:"outliers_discarded"`
	Degraded          bool      `json:"degraded"`
	ResolvedAt        time.Time `json:"resolved_at"`
}

// Opportunity is a candidate trade produced by a strategy.
type Opportunity struct {
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	ExpectedEdge float64   `json:"expected_edge"` // fraction, 0.03 = 3%
	Confidence   float64   `json:"confidence"`    // 0-100
	StrategyTag  string    `json:"strategy_tag"`

	// Optional market context used by sizing.
	Liquidity      float64 `json:"liquidity,omitempty"`
	Volatility     float64 `json:"volatility,omitempty"`
	ReferencePrice float64 `json:"reference_price,omitempty"`
}

// RiskStats is the rolling statistics view the sizer consumes.
type RiskStats struct {
	WinRate    float64 `json:"win_rate"` // fraction
	TradeCount int     `json:"trade_count"`
	Volatility float64 `json:"volatility"`
	Liquidity  float64 `json:"liquidity"`
}

// MarketSnapshot is the market view handed to strategies on each loop iteration.
type MarketSnapshot struct {
	Prices    map[string]ConsensusPrice `json:"prices"`
	Portfolio PortfolioSnapshot         `json:"portfolio"`
	Timestamp time.Time                 `json:"timestamp"`
}

// WallClock wraps now so every reading is in UTC with the monotonic part
// stripped. Timestamps taken from it compare equal after a JSON round trip.
func WallClock(now func() time.Time) func() time.Time {
	return func() time.Time { return now().UTC().Round(0) }
}
