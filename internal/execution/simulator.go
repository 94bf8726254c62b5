// Package execution simulates order execution against consensus prices and
// keeps the paper portfolio.
package execution

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/logging"
	"tradecore/internal/models"
	"tradecore/pkg/id"
)

// PriceProvider resolves the consensus price of a symbol.
type PriceProvider interface {
	Consensus(ctx context.Context, symbol string) (models.ConsensusPrice, error)
}

// Admitter decides whether new orders may be submitted.
type Admitter interface {
	Admit() (bool, []models.PauseReason)
}

// TradeSink receives a record for every fill that reduces a position.
type TradeSink interface {
	OnTrade(trade models.TradeRecord)
}

// TradeSinkFunc adapts a function to TradeSink.
type TradeSinkFunc func(models.TradeRecord)

// OnTrade calls f.
func (f TradeSinkFunc) OnTrade(t models.TradeRecord) { f(t) }

// Options holds simulator settings that live outside the execution config.
type Options struct {
	InitialCapital float64
	Universe       []string // empty allows any symbol
}

// orderEntry pairs an order with the lock that serializes its lifecycle.
type orderEntry struct {
	mu    sync.Mutex
	order models.Order
}

// Simulator is the paper execution venue.
type Simulator struct {
	cfg      config.ExecutionConfig
	model    *fillModel
	prices   PriceProvider
	gate     Admitter
	universe map[string]bool
	logger   zerolog.Logger
	now      func() time.Time

	mu     sync.RWMutex
	orders map[string]*orderEntry

	book *portfolio

	sinksMu sync.RWMutex
	sinks   []TradeSink

	submissions atomic.Int64
	version     atomic.Uint64
}

// NewSimulator creates a simulator. gate may be nil, in which case every
// submission is admitted.
func NewSimulator(cfg config.ExecutionConfig, opts Options, prices PriceProvider, gate Admitter, logger zerolog.Logger) *Simulator {
	s := &Simulator{
		cfg:    cfg,
		model:  newFillModel(cfg),
		prices: prices,
		gate:   gate,
		logger: logger.With().Str("component", "simulator").Logger(),
		now:    models.WallClock(time.Now),
		orders: make(map[string]*orderEntry),
	}
	if len(opts.Universe) > 0 {
		s.universe = make(map[string]bool, len(opts.Universe))
		for _, sym := range opts.Universe {
			s.universe[sym] = true
		}
	}
	s.book = newPortfolio(opts.InitialCapital, s.now())
	return s
}

// SetClock overrides the time source.
func (s *Simulator) SetClock(now func() time.Time) {
	s.now = models.WallClock(now)
}

// AddSink registers a receiver for closed trade records.
func (s *Simulator) AddSink(sink TradeSink) {
	s.sinksMu.Lock()
	defer s.sinksMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

// Submissions returns the number of accepted submissions.
func (s *Simulator) Submissions() int64 {
	return s.submissions.Load()
}

// Version increases whenever orders or the portfolio change.
func (s *Simulator) Version() uint64 {
	return s.version.Load()
}

// Submit validates req, checks the risk gate, resolves a consensus price and
// creates the order, filling it immediately when it is marketable.
func (s *Simulator) Submit(ctx context.Context, req models.OrderRequest) (models.Order, error) {
	if err := s.validate(req); err != nil {
		return models.Order{}, err
	}

	if s.gate != nil {
		if ok, reasons := s.gate.Admit(); !ok {
			names := make([]string, len(reasons))
			for i, r := range reasons {
				names[i] = string(r)
			}
			return models.Order{}, apperrors.NewRiskGateClosedError(names, s.now())
		}
	}

	price, err := s.prices.Consensus(ctx, req.Symbol)
	if err != nil {
		return models.Order{}, apperrors.Wrapf(err, "pricing %s", req.Symbol)
	}

	if err := s.checkCapacity(req, price.Value); err != nil {
		return models.Order{}, err
	}

	now := s.now()
	entry := &orderEntry{order: models.Order{
		ID:          uuid.NewString(),
		Symbol:      req.Symbol,
		Side:        req.Side,
		Type:        req.Type,
		Quantity:    req.Quantity,
		LimitPrice:  req.LimitPrice,
		StopPrice:   req.StopPrice,
		Status:      models.OrderStatusPending,
		StrategyTag: req.StrategyTag,
		CreatedAt:   now,
		UpdatedAt:   now,
	}}

	entry.mu.Lock()
	s.mu.Lock()
	s.orders[entry.order.ID] = entry
	s.mu.Unlock()
	s.submissions.Add(1)
	s.version.Add(1)

	trades := s.tryFill(entry, price)
	out := entry.order.Clone()
	entry.mu.Unlock()

	logging.LogOrder(s.logger, out)
	s.dispatch(trades)
	return out, nil
}

func (s *Simulator) validate(req models.OrderRequest) error {
	invalid := func(reason string) error {
		return apperrors.NewInvalidOrderError(req.Symbol, reason, nil)
	}
	switch {
	case req.Symbol == "":
		return invalid("symbol is required")
	case s.universe != nil && !s.universe[req.Symbol]:
		return invalid("unknown symbol")
	case !req.Side.Valid():
		return invalid(fmt.Sprintf("unknown side %q", req.Side))
	case !req.Type.Valid():
		return invalid(fmt.Sprintf("unknown order type %q", req.Type))
	case !(req.Quantity > 0) || math.IsInf(req.Quantity, 0):
		return invalid("quantity must be positive")
	}

	needsLimit := req.Type == models.OrderTypeLimit || req.Type == models.OrderTypeStopLimit
	needsStop := req.Type == models.OrderTypeStop || req.Type == models.OrderTypeStopLimit
	if needsLimit && !(req.LimitPrice > 0) {
		return invalid("limit price is required")
	}
	if needsStop && !(req.StopPrice > 0) {
		return invalid("stop price is required")
	}
	return nil
}

// checkCapacity rejects orders the market or the account cannot absorb.
func (s *Simulator) checkCapacity(req models.OrderRequest, price float64) error {
	ref := price
	if req.Type == models.OrderTypeLimit || req.Type == models.OrderTypeStopLimit {
		ref = req.LimitPrice
	}
	value := notional(req.Quantity, ref)

	if frac := s.cfg.MaxLiquidityFraction; frac > 0 {
		liquidity := s.model.liquidity(req.Symbol)
		if value > frac*liquidity {
			return apperrors.NewInsufficientLiquidityError(req.Symbol, value, liquidity)
		}
	}

	if req.Side == models.OrderSideBuy {
		worst := s.model.slippedPrice(req.Side, req.Symbol, ref, req.Quantity)
		required := notional(req.Quantity, worst)
		required += s.model.fee(required)
		if available := s.book.available(); required > available {
			return apperrors.NewInsufficientCapitalError(required, available)
		}
	}
	return nil
}

// tryFill fills as much of the order as the current price allows. Callers
// hold entry.mu. Returned trade records must be dispatched after unlocking.
func (s *Simulator) tryFill(entry *orderEntry, price models.ConsensusPrice) []models.TradeRecord {
	o := &entry.order
	if o.Status.IsTerminal() {
		return nil
	}

	if (o.Type == models.OrderTypeStop || o.Type == models.OrderTypeStopLimit) && !o.Triggered &&
		stopTriggers(o.Side, o.StopPrice, price.Value) {
		o.Triggered = true
		o.UpdatedAt = s.now()
		s.version.Add(1)
		s.logger.Debug().Str("order_id", o.ID).Float64("price", price.Value).Msg("Stop triggered")
	}
	if !crosses(o, price.Value) {
		return nil
	}

	remaining := o.RemainingQuantity()
	qty := remaining * s.model.fillRatio(o, price.Value, remaining)
	if qty <= qtyEpsilon {
		return nil
	}

	fillPrice := capAtLimit(o, s.model.slippedPrice(o.Side, o.Symbol, price.Value, qty))
	value := notional(qty, fillPrice)
	fee := s.model.fee(value)

	if o.Side == models.OrderSideBuy && value+fee > s.book.available() {
		s.logger.Warn().Str("order_id", o.ID).Float64("required", value+fee).Msg("Insufficient capital to fill, order stays open")
		return nil
	}

	now := s.now()
	fill := models.Fill{
		OrderID:   o.ID,
		Quantity:  qty,
		Price:     fillPrice,
		Slippage:  math.Abs(fillPrice - price.Value),
		Fee:       fee,
		Timestamp: now,
	}

	next := models.OrderStatusFilled
	if o.RemainingQuantity()-qty > qtyEpsilon {
		next = models.OrderStatusPartiallyFilled
	}
	if !o.Status.CanTransitionTo(next) {
		return nil
	}
	o.Fills = append(o.Fills, fill)
	o.Status = next
	o.UpdatedAt = now
	s.version.Add(1)

	logging.LogFill(s.logger, *o, fill)

	leg := s.book.apply(o.Symbol, o.Side, o.StrategyTag, fill, price.Value)
	if leg == nil {
		return nil
	}

	strategy := leg.StrategyTag
	if strategy == "" {
		strategy = o.StrategyTag
	}
	return []models.TradeRecord{{
		ID:          id.At(now),
		OrderID:     o.ID,
		Symbol:      o.Symbol,
		Side:        o.Side,
		Quantity:    leg.Quantity,
		EntryPrice:  leg.EntryPrice,
		ExitPrice:   fillPrice,
		PnL:         leg.PnL,
		Fee:         fee * leg.Quantity / qty,
		Slippage:    fill.Slippage * leg.Quantity,
		StrategyTag: strategy,
		FillRatio:   o.FilledQuantity() / o.Quantity,
		TimeToFill:  now.Sub(o.CreatedAt),
		OpenedAt:    leg.OpenedAt,
		ClosedAt:    now,
	}}
}

func (s *Simulator) dispatch(trades []models.TradeRecord) {
	if len(trades) == 0 {
		return
	}
	s.sinksMu.RLock()
	sinks := s.sinks
	s.sinksMu.RUnlock()

	for _, t := range trades {
		s.logger.Info().
			Str("symbol", t.Symbol).
			Float64("qty", t.Quantity).
			Float64("entry", t.EntryPrice).
			Float64("exit", t.ExitPrice).
			Float64("pnl", t.PnL).
			Msg("Position reduced")
		for _, sink := range sinks {
			sink.OnTrade(t)
		}
	}
}

func (s *Simulator) lookup(orderID string) (*orderEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.orders[orderID]
	if !ok {
		return nil, &apperrors.OrderNotFoundError{OrderID: orderID}
	}
	return entry, nil
}

// transition moves an open order to a terminal status under its lock.
func (s *Simulator) transition(orderID string, to models.OrderStatus) (models.Order, error) {
	entry, err := s.lookup(orderID)
	if err != nil {
		return models.Order{}, err
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	o := &entry.order
	if !o.Status.CanTransitionTo(to) {
		return o.Clone(), &apperrors.InvalidStateTransitionError{
			OrderID: o.ID,
			From:    string(o.Status),
			To:      string(to),
		}
	}
	o.Status = to
	o.UpdatedAt = s.now()
	s.version.Add(1)
	logging.LogOrder(s.logger, *o)
	return o.Clone(), nil
}

// Cancel cancels a pending or partially filled order.
func (s *Simulator) Cancel(orderID string) (models.Order, error) {
	return s.transition(orderID, models.OrderStatusCancelled)
}

// Expire marks a pending or partially filled order as expired.
func (s *Simulator) Expire(orderID string) (models.Order, error) {
	return s.transition(orderID, models.OrderStatusExpired)
}

// Reprice re-checks every open order in symbol against a fresh consensus
// price and marks the position to it.
func (s *Simulator) Reprice(ctx context.Context, symbol string) error {
	price, err := s.prices.Consensus(ctx, symbol)
	if err != nil {
		return apperrors.Wrapf(err, "repricing %s", symbol)
	}
	s.book.mark(symbol, price.Value, s.now())
	s.version.Add(1)

	var trades []models.TradeRecord
	for _, entry := range s.entries() {
		entry.mu.Lock()
		if entry.order.Symbol == symbol {
			trades = append(trades, s.tryFill(entry, price)...)
		}
		entry.mu.Unlock()
	}
	s.dispatch(trades)
	return nil
}

// MarkToMarket revalues the position in symbol at price.
func (s *Simulator) MarkToMarket(symbol string, price float64) {
	s.book.mark(symbol, price, s.now())
	s.version.Add(1)
}

func (s *Simulator) entries() []*orderEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*orderEntry, 0, len(s.orders))
	for _, e := range s.orders {
		out = append(out, e)
	}
	return out
}

// GetOrder returns a copy of one order.
func (s *Simulator) GetOrder(orderID string) (models.Order, error) {
	entry, err := s.lookup(orderID)
	if err != nil {
		return models.Order{}, err
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	return entry.order.Clone(), nil
}

// OpenOrders returns copies of every non-terminal order, oldest first.
func (s *Simulator) OpenOrders() []models.Order {
	var out []models.Order
	for _, entry := range s.entries() {
		entry.mu.Lock()
		if !entry.order.Status.IsTerminal() {
			out = append(out, entry.order.Clone())
		}
		entry.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetPortfolioSnapshot returns a point-in-time copy of the portfolio.
func (s *Simulator) GetPortfolioSnapshot() models.PortfolioSnapshot {
	return s.book.snapshot()
}

// Restore replaces the portfolio and open orders with recovered state.
func (s *Simulator) Restore(snap models.PortfolioSnapshot, open []models.Order) {
	s.book.restore(snap)

	orders := make(map[string]*orderEntry, len(open))
	for _, o := range open {
		orders[o.ID] = &orderEntry{order: o.Clone()}
	}
	s.mu.Lock()
	s.orders = orders
	s.mu.Unlock()
	s.version.Add(1)

	s.logger.Info().
		Int("positions", len(snap.Positions)).
		Int("open_orders", len(open)).
		Float64("capital", snap.AvailableCapital).
		Msg("Simulator state restored")
}
