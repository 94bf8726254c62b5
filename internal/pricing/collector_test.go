package pricing

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradecore/internal/config"
	apperrors "tradecore/internal/errors"
	"tradecore/internal/resilience"
)

func newTestCollector(sources ...QuoteSource) *Collector {
	cfg := config.Default().Consensus
	cfg.FetchAttempts = 1
	cfg.BreakerFailures = 2
	cfg.BreakerCooldown = time.Hour
	return NewCollector(cfg, NewAggregator(cfg, zerolog.Nop()), zerolog.Nop(), sources...)
}

func TestCollector_SkipsFailingSource(t *testing.T) {
	a := NewStaticSource("alpha", 1)
	b := NewStaticSource("beta", 1)
	c := NewStaticSource("gamma", 1)
	a.Set("BTC-USD", 100)
	b.Set("BTC-USD", 101)
	c.Fail(errors.New("gateway timeout"))

	col := newTestCollector(a, b, c)
	price, err := col.Consensus(context.Background(), "BTC-USD")
	require.NoError(t, err)
	assert.Equal(t, 2, price.SourcesUsed)
	assert.InDelta(t, 100.5, price.Value, 1e-9)
	assert.Equal(t, "BTC-USD", price.Symbol)
}

func TestCollector_AllSourcesDown(t *testing.T) {
	a := NewStaticSource("alpha", 1)
	a.Fail(errors.New("refused"))

	col := newTestCollector(a)
	_, err := col.Consensus(context.Background(), "BTC-USD")
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)

	var unavailable *apperrors.PriceSourceUnavailableError
	require.ErrorAs(t, err, &unavailable)
	assert.Equal(t, []string{"alpha"}, unavailable.Sources)
}

func TestCollector_NoSources(t *testing.T) {
	col := newTestCollector()
	_, err := col.Collect(context.Background(), "X")
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)
}

func TestCollector_BreakerIsolatesFlakySource(t *testing.T) {
	good := NewStaticSource("good", 1)
	bad := NewStaticSource("bad", 1)
	good.Set("X", 10)
	bad.Fail(errors.New("500"))

	col := newTestCollector(good, bad)
	var (
		mu     sync.Mutex
		states []string
	)
	col.SetBreakerObserver(func(source string, state resilience.CircuitState) {
		mu.Lock()
		defer mu.Unlock()
		states = append(states, source+":"+string(state))
	})
	for i := 0; i < 5; i++ {
		_, err := col.Consensus(context.Background(), "X")
		require.NoError(t, err)
	}

	// breaker opened after two failures, later calls never reached the source
	assert.Equal(t, 2, bad.Calls())
	assert.Equal(t, 5, good.Calls())

	stats := col.BreakerStats()
	require.Len(t, stats, 2)
	assert.Equal(t, "bad", stats[0].Name)
	assert.Equal(t, resilience.CircuitOpen, stats[0].State)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"bad:OPEN"}, states)
}

func TestWSFeed_StreamsQuotes(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		msgs := []quoteMessage{
			{Symbol: "ETH-USD", Price: 2000, Timestamp: time.Now().UnixMilli()},
			{Symbol: "ETH-USD", Price: 2001, Source: "venue-x", Timestamp: time.Now().UnixMilli()},
		}
		for _, m := range msgs {
			data, _ := json.Marshal(m)
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte("not json"))
		// hold the connection until the client goes away
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	feed := NewWSFeed("stream", "ws"+strings.TrimPrefix(srv.URL, "http"), 2, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		q, err := feed.Quote(ctx, "ETH-USD")
		return err == nil && q.Price == 2001
	}, 2*time.Second, 10*time.Millisecond)

	q, err := feed.Quote(ctx, "ETH-USD")
	require.NoError(t, err)
	assert.Equal(t, "venue-x", q.Source)
	assert.Equal(t, 2.0, q.Weight)
	assert.True(t, feed.Connected())

	_, err = feed.Quote(ctx, "SOL-USD")
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("feed did not stop")
	}
}

func TestWSFeed_RefusesStaleOrDisconnectedCache(t *testing.T) {
	release := make(chan struct{})
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		data, _ := json.Marshal(quoteMessage{Symbol: "ETH-USD", Price: 2000, Timestamp: time.Now().UnixMilli()})
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
		<-release
	}))
	defer srv.Close()
	var once sync.Once
	drop := func() { once.Do(func() { close(release) }) }
	defer drop()

	feed := NewWSFeed("stream", "ws"+strings.TrimPrefix(srv.URL, "http"), 1, zerolog.Nop())
	feed.MaxAge = time.Minute
	feed.BackoffInitial = time.Hour
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = feed.Run(ctx) }()

	require.Eventually(t, func() bool {
		_, err := feed.Quote(ctx, "ETH-USD")
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	feed.SetClock(func() time.Time { return time.Now().Add(time.Hour) })
	_, err := feed.Quote(ctx, "ETH-USD")
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)
	assert.Contains(t, err.Error(), "old")

	feed.SetClock(time.Now)
	_, err = feed.Quote(ctx, "ETH-USD")
	require.NoError(t, err)

	drop()
	require.Eventually(t, func() bool { return !feed.Connected() }, 2*time.Second, 10*time.Millisecond)
	_, err = feed.Quote(ctx, "ETH-USD")
	assert.ErrorIs(t, err, apperrors.ErrPriceSourceUnavailable)
	assert.Contains(t, err.Error(), "disconnected")
}
