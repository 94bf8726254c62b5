package execution

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
)

func TestTimeoutMonitor_CancelsStaleRestingOrder(t *testing.T) {
	f := newFixture(t, nil)
	ctx := context.Background()

	o, err := f.sim.Submit(ctx, models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideSell, Type: models.OrderTypeLimit, Quantity: 10, LimitPrice: 110})
	require.NoError(t, err)
	require.Equal(t, models.OrderStatusPending, o.Status)

	m := NewTimeoutMonitor(config.TimeoutConfig{Timeout: 30 * time.Second, Action: "cancel"}, f.sim, zerolog.Nop())

	var callbacks []string
	m.SetTimeoutCallback(func(order models.Order, err *apperrors.ExecutionTimeoutError) {
		callbacks = append(callbacks, order.ID)
		assert.ErrorIs(t, err, apperrors.ErrExecutionTimeout)
	})

	assert.Empty(t, m.Sweep(o.CreatedAt.Add(29*time.Second)))

	closed := m.Sweep(o.CreatedAt.Add(31 * time.Second))
	require.Len(t, closed, 1)
	assert.Equal(t, models.OrderStatusCancelled, closed[0].Status)
	assert.Equal(t, []string{o.ID}, callbacks)

	got, err := f.sim.GetOrder(o.ID)
	require.NoError(t, err)
	assert.Equal(t, models.OrderStatusCancelled, got.Status)

	timeouts := m.Timeouts()
	require.Len(t, timeouts, 1)
	assert.Equal(t, 31*time.Second, timeouts[0].Age)

	// a second sweep finds nothing left to time out
	assert.Empty(t, m.Sweep(o.CreatedAt.Add(time.Minute)))
}

func TestTimeoutMonitor_ExpireAction(t *testing.T) {
	f := newFixture(t, nil)
	o, err := f.sim.Submit(context.Background(), models.OrderRequest{Symbol: "MSFT", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 250})
	require.NoError(t, err)

	m := NewTimeoutMonitor(config.TimeoutConfig{Timeout: 10 * time.Second, Action: "expire"}, f.sim, zerolog.Nop())
	closed := m.Sweep(o.CreatedAt.Add(11 * time.Second))
	require.Len(t, closed, 1)
	assert.Equal(t, models.OrderStatusExpired, closed[0].Status)
}

// racyBook reports an order as open that has already filled.
type racyBook struct{ *Simulator }

func (b racyBook) OpenOrders() []models.Order {
	return []models.Order{{ID: "gone", Symbol: "AAPL", Status: models.OrderStatusPending}}
}

func TestTimeoutMonitor_IgnoresOrdersClosedMeanwhile(t *testing.T) {
	f := newFixture(t, nil)
	m := NewTimeoutMonitor(config.TimeoutConfig{Timeout: time.Second}, racyBook{f.sim}, zerolog.Nop())

	assert.Empty(t, m.Sweep(time.Now()))
	assert.Empty(t, m.Timeouts())
}

func TestTimeoutMonitor_StartStop(t *testing.T) {
	f := newFixture(t, nil)
	o, err := f.sim.Submit(context.Background(), models.OrderRequest{Symbol: "AAPL", Side: models.OrderSideBuy, Type: models.OrderTypeLimit, Quantity: 1, LimitPrice: 50})
	require.NoError(t, err)

	m := NewTimeoutMonitor(config.TimeoutConfig{Timeout: time.Second, SweepInterval: 5 * time.Millisecond, Action: "cancel"}, f.sim, zerolog.Nop())
	m.SetClock(func() time.Time { return o.CreatedAt.Add(time.Hour) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.Start(ctx)

	require.Eventually(t, func() bool {
		got, _ := f.sim.GetOrder(o.ID)
		return got.Status == models.OrderStatusCancelled
	}, time.Second, 5*time.Millisecond)

	m.Stop()
	m.Stop()
}
