package execution

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

// OrderBook is the part of the simulator the timeout monitor drives.
type OrderBook interface {
	OpenOrders() []models.Order
	Cancel(orderID string) (models.Order, error)
	Expire(orderID string) (models.Order, error)
}

// TimeoutMonitor cancels or expires orders left open longer than the
// configured timeout.
type TimeoutMonitor struct {
	cfg    config.TimeoutConfig
	book   OrderBook
	logger zerolog.Logger
	now    func() time.Time

	mu        sync.Mutex
	onTimeout func(order models.Order, err *apperrors.ExecutionTimeoutError)
	timeouts  []*apperrors.ExecutionTimeoutError

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewTimeoutMonitor creates a monitor over book.
func NewTimeoutMonitor(cfg config.TimeoutConfig, book OrderBook, logger zerolog.Logger) *TimeoutMonitor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = time.Second
	}
	return &TimeoutMonitor{
		cfg:    cfg,
		book:   book,
		logger: logger.With().Str("component", "timeout_monitor").Logger(),
		now:    time.Now,
		stopCh: make(chan struct{}),
	}
}

// SetClock overrides the time source.
func (m *TimeoutMonitor) SetClock(now func() time.Time) {
	m.now = now
}

// SetTimeoutCallback sets the callback invoked for every timed-out order.
func (m *TimeoutMonitor) SetTimeoutCallback(fn func(order models.Order, err *apperrors.ExecutionTimeoutError)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onTimeout = fn
}

// Start runs the sweep loop until ctx ends or Stop is called.
func (m *TimeoutMonitor) Start(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the sweep loop and waits for it to exit.
func (m *TimeoutMonitor) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

func (m *TimeoutMonitor) loop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Sweep(m.now())
		}
	}
}

// Sweep times out every open order older than the timeout at now and returns
// the orders it closed.
func (m *TimeoutMonitor) Sweep(now time.Time) []models.Order {
	var closed []models.Order
	for _, o := range m.book.OpenOrders() {
		age := now.Sub(o.CreatedAt)
		if age < m.cfg.Timeout {
			continue
		}

		var (
			updated models.Order
			err     error
		)
		if m.cfg.Action == "expire" {
			updated, err = m.book.Expire(o.ID)
		} else {
			updated, err = m.book.Cancel(o.ID)
		}
		if err != nil {
			// filled or cancelled between the scan and the transition
			if apperrors.Is(err, apperrors.ErrInvalidStateTransition) || apperrors.Is(err, apperrors.ErrOrderNotFound) {
				m.logger.Debug().Str("order_id", o.ID).Err(err).Msg("Order closed before timeout")
				continue
			}
			m.logger.Error().Err(err).Str("order_id", o.ID).Msg("Failed to time out order")
			continue
		}

		terr := &apperrors.ExecutionTimeoutError{
			OrderID: o.ID,
			Symbol:  o.Symbol,
			Age:     age,
			Timeout: m.cfg.Timeout,
		}
		m.logger.Warn().
			Str("order_id", o.ID).
			Str("symbol", o.Symbol).
			Dur("age", age).
			Str("status", string(updated.Status)).
			Msg("Order timed out")

		m.mu.Lock()
		m.timeouts = append(m.timeouts, terr)
		cb := m.onTimeout
		m.mu.Unlock()

		if cb != nil {
			cb(updated, terr)
		}
		closed = append(closed, updated)
	}
	return closed
}

// Timeouts returns the timeout errors recorded so far.
func (m *TimeoutMonitor) Timeouts() []*apperrors.ExecutionTimeoutError {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*apperrors.ExecutionTimeoutError, len(m.timeouts))
	copy(out, m.timeouts)
	return out
}
