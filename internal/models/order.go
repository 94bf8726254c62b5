package models

import "time"

// OrderStatus represents the lifecycle state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "PENDING"
	OrderStatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          OrderStatus = "FILLED"
	OrderStatusCancelled       OrderStatus = "CANCELLED"
	OrderStatusExpired         OrderStatus = "EXPIRED"
)

// IsTerminal reports whether no further transition is allowed.
func (s OrderStatus) IsTerminal() bool {
	return s == OrderStatusFilled || s == OrderStatusCancelled || s == OrderStatusExpired
}

// CanTransitionTo reports whether s -> next is an edge of the order lifecycle.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	switch s {
	case OrderStatusPending:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCancelled || next == OrderStatusExpired
	case OrderStatusPartiallyFilled:
		return next == OrderStatusPartiallyFilled || next == OrderStatusFilled ||
			next == OrderStatusCancelled || next == OrderStatusExpired
	}
	return false
}

// OrderRequest is the input to Submit.
type OrderRequest struct {
	Symbol      string    `json:"symbol"`
	Side        OrderSide `json:"side"`
	Type        OrderType `json:"type"`
	Quantity    float64   `json:"quantity"`
	LimitPrice  float64   `json:"limit_price,omitempty"`
	StopPrice   float64   `json:"stop_price,omitempty"`
	StrategyTag string    `json:"strategy_tag,omitempty"`
}

// Order represents a simulated order.
type Order struct {
	ID          string      `json:"id"`
	Symbol      string      `json:"symbol"`
	Side        OrderSide   `json:"side"`
	Type        OrderType   `json:"type"`
	Quantity    float64     `json:"quantity"`
	LimitPrice  float64     `json:"limit_price,omitempty"`
	StopPrice   float64     `json:"stop_price,omitempty"`
	Triggered   bool        `json:"triggered,omitempty"` // stop orders only
	Status      OrderStatus `json:"status"`
	Fills       []Fill      `json:"fills,omitempty"`
	StrategyTag string      `json:"strategy_tag,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// FilledQuantity returns the sum of fill quantities.
func (o *Order) FilledQuantity() float64 {
	total := 0.0
	for _, f := range o.Fills {
		total += f.Quantity
	}
	return total
}

// RemainingQuantity returns the unfilled quantity.
func (o *Order) RemainingQuantity() float64 {
	rem := o.Quantity - o.FilledQuantity()
	if rem < 0 {
		return 0
	}
	return rem
}

// AverageFillPrice returns the volume-weighted fill price, or 0 without fills.
func (o *Order) AverageFillPrice() float64 {
	qty, value := 0.0, 0.0
	for _, f := range o.Fills {
		qty += f.Quantity
		value += f.Quantity * f.Price
	}
	if qty == 0 {
		return 0
	}
	return value / qty
}

// Clone returns a deep copy safe to hand out to readers.
func (o *Order) Clone() Order {
	c := *o
	if o.Fills != nil {
		c.Fills = make([]Fill, len(o.Fills))
		copy(c.Fills, o.Fills)
	}
	return c
}

// Fill is one execution against an order.
type Fill struct {
	OrderID   string    `json:"order_id"`
	Quantity  float64   `json:"quantity"`
	Price     float64   `json:"price"`
	Slippage  float64   `json:"slippage"` // price units per share
	Fee       float64   `json:"fee"`
	Timestamp time.Time `json:"timestamp"`
}

// Position represents an open position in one symbol.
type Position struct {
	Symbol        string    `json:"symbol"`
	Quantity      float64   `json:"quantity"` // signed, negative = short
	AvgEntryPrice float64   `json:"avg_entry_price"`
	RealizedPnL   float64   `json:"realized_pnl"`
	UnrealizedPnL float64   `json:"unrealized_pnl"`
	LastPrice     float64   `json:"last_price"`
	StrategyTag   string    `json:"strategy_tag,omitempty"` // strategy of the opening order
	OpenedAt      time.Time `json:"opened_at"`
}

// MarketValue returns the signed mark-to-market value.
func (p Position) MarketValue() float64 {
	price := p.LastPrice
	if price == 0 {
		price = p.AvgEntryPrice
	}
	return p.Quantity * price
}

// PortfolioSnapshot is a point-in-time view of capital and positions.
type PortfolioSnapshot struct {
	AvailableCapital float64             `json:"available_capital"`
	Positions        map[string]Position `json:"positions"`
	PeakEquity       float64             `json:"peak_equity"`
	CurrentEquity    float64             `json:"current_equity"`
	DayOpenEquity    float64             `json:"day_open_equity"`
	DailyPnL         float64             `json:"daily_pnl"`
	DrawdownPct      float64             `json:"drawdown_pct"`
	TakenAt          time.Time           `json:"taken_at"`
}

// Clone returns a deep copy.
func (p PortfolioSnapshot) Clone() PortfolioSnapshot {
	c := p
	c.Positions = make(map[string]Position, len(p.Positions))
	for k, v := range p.Positions {
		c.Positions[k] = v
	}
	return c
}
