package models

import "time"

// TradeRecord is the append-only record of a closed (or reduced) position leg.
type TradeRecord struct {
	ID          string        `json:"id"`
	OrderID     string        `json:"order_id"`
	Symbol      string        `json:"symbol"`
	Side        OrderSide     `json:"side"` // side of the closing order
	Quantity    float64       `json:"quantity"`
	EntryPrice  float64       `json:"entry_price"`
	ExitPrice   float64       `json:"exit_price"`
	PnL         float64       `json:"pnl"`
	Fee         float64       `json:"fee"`
	Slippage    float64       `json:"slippage"`
	StrategyTag string        `json:"strategy_tag"`
	FillRatio   float64       `json:"fill_ratio"`
	TimeToFill  time.Duration `json:"time_to_fill"`
	OpenedAt    time.Time     `json:"opened_at"`
	ClosedAt    time.Time     `json:"closed_at"`
}

// IsLoss reports whether the trade lost money after fees.
func (t TradeRecord) IsLoss() bool {
	return t.PnL < 0
}

// ReturnPct returns the trade return relative to entry notional.
func (t TradeRecord) ReturnPct() float64 {
	notional := t.EntryPrice * t.Quantity
	if notional == 0 {
		return 0
	}
	return t.PnL / notional * 100
}

// OpportunityRecord is the append-only record of a strategy opportunity and its outcome.
type OpportunityRecord struct {
	ID           string    `json:"id"`
	Symbol       string    `json:"symbol"`
	Side         OrderSide `json:"side"`
	ExpectedEdge float64   `json:"expected_edge"`
	Confidence   float64   `json:"confidence"`
	StrategyTag  string    `json:"strategy_tag"`
	Admitted     bool      `json:"admitted"`
	Size         float64   `json:"size"`
	OrderID      string    `json:"order_id,omitempty"`
	RejectReason string    `json:"reject_reason,omitempty"`
	Timestamp    time.Time `json:"timestamp"`
}
