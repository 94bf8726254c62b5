package execution

import (
	"math"
	"sync"
	"time"

	"tradecore/internal/models"
)

// qtyEpsilon treats residual float quantities below it as flat.
const qtyEpsilon = 1e-9

// portfolio owns capital and positions. All mutation happens under mu.
type portfolio struct {
	mu       sync.Mutex
	snap     models.PortfolioSnapshot
	dayStart time.Time
}

func newPortfolio(capital float64, now time.Time) *portfolio {
	return &portfolio{
		snap: models.PortfolioSnapshot{
			AvailableCapital: capital,
			Positions:        make(map[string]models.Position),
			PeakEquity:       capital,
			CurrentEquity:    capital,
			DayOpenEquity:    capital,
			TakenAt:          now,
		},
		dayStart: utcDay(now),
	}
}

func utcDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// closedLeg describes the part of a fill that reduced an existing position.
type closedLeg struct {
	Quantity    float64
	EntryPrice  float64
	PnL         float64
	StrategyTag string
	OpenedAt    time.Time
}

// available returns spendable capital.
func (p *portfolio) available() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.AvailableCapital
}

// apply books a fill: capital moves by notional and fee, the position is
// updated with a volume-weighted entry, and any reduction realizes P&L net of
// its share of the fee. A fill larger than the open position flips it.
func (p *portfolio) apply(symbol string, side models.OrderSide, strategy string, f models.Fill, mark float64) *closedLeg {
	p.mu.Lock()
	defer p.mu.Unlock()

	value := notional(f.Quantity, f.Price)
	if side == models.OrderSideBuy {
		p.snap.AvailableCapital -= value + f.Fee
	} else {
		p.snap.AvailableCapital += value - f.Fee
	}

	pos, exists := p.snap.Positions[symbol]
	if !exists {
		pos = models.Position{Symbol: symbol}
	}

	delta := side.Sign() * f.Quantity
	var leg *closedLeg

	if math.Abs(pos.Quantity) < qtyEpsilon || sameSign(pos.Quantity, delta) {
		if math.Abs(pos.Quantity) < qtyEpsilon {
			pos.OpenedAt = f.Timestamp
			pos.StrategyTag = strategy
			pos.AvgEntryPrice = 0
			pos.Quantity = 0
		}
		held := math.Abs(pos.Quantity)
		pos.AvgEntryPrice = (held*pos.AvgEntryPrice + f.Quantity*f.Price) / (held + f.Quantity)
		pos.Quantity += delta
	} else {
		closeQty := math.Min(math.Abs(pos.Quantity), f.Quantity)
		direction := 1.0
		if pos.Quantity < 0 {
			direction = -1
		}
		pnl := closeQty*(f.Price-pos.AvgEntryPrice)*direction - f.Fee*closeQty/f.Quantity
		pos.RealizedPnL += pnl
		leg = &closedLeg{
			Quantity:    closeQty,
			EntryPrice:  pos.AvgEntryPrice,
			PnL:         pnl,
			StrategyTag: pos.StrategyTag,
			OpenedAt:    pos.OpenedAt,
		}

		pos.Quantity += delta
		if !sameSign(pos.Quantity, -delta) && math.Abs(pos.Quantity) >= qtyEpsilon {
			// flipped through zero
			pos.AvgEntryPrice = f.Price
			pos.OpenedAt = f.Timestamp
			pos.StrategyTag = strategy
			pos.RealizedPnL = 0
		}
	}

	if math.Abs(pos.Quantity) < qtyEpsilon {
		delete(p.snap.Positions, symbol)
	} else {
		pos.LastPrice = mark
		pos.UnrealizedPnL = (mark - pos.AvgEntryPrice) * pos.Quantity
		p.snap.Positions[symbol] = pos
	}

	p.revalue(f.Timestamp)
	return leg
}

// mark updates the last price of symbol's position.
func (p *portfolio) mark(symbol string, price float64, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if pos, ok := p.snap.Positions[symbol]; ok {
		pos.LastPrice = price
		pos.UnrealizedPnL = (price - pos.AvgEntryPrice) * pos.Quantity
		p.snap.Positions[symbol] = pos
	}
	p.revalue(now)
}

// revalue recomputes equity, peak, daily P&L and drawdown. Callers hold mu.
func (p *portfolio) revalue(now time.Time) {
	equity := p.snap.AvailableCapital
	for _, pos := range p.snap.Positions {
		equity += pos.MarketValue()
	}

	if day := utcDay(now); day.After(p.dayStart) {
		p.dayStart = day
		p.snap.DayOpenEquity = p.snap.CurrentEquity
	}

	p.snap.CurrentEquity = equity
	if equity > p.snap.PeakEquity {
		p.snap.PeakEquity = equity
	}
	p.snap.DailyPnL = equity - p.snap.DayOpenEquity
	if p.snap.PeakEquity > 0 {
		p.snap.DrawdownPct = math.Max(0, (p.snap.PeakEquity-equity)/p.snap.PeakEquity*100)
	}
	p.snap.TakenAt = now
}

func (p *portfolio) snapshot() models.PortfolioSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.snap.Clone()
}

func (p *portfolio) restore(s models.PortfolioSnapshot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.snap = s.Clone()
	if p.snap.Positions == nil {
		p.snap.Positions = make(map[string]models.Position)
	}
	p.dayStart = utcDay(s.TakenAt)
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
