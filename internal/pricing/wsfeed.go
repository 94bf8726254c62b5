package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	apperrors "tradecore/internal/errors"
	"tradecore/internal/models"
	"tradecore/pkg/utils"
)

// quoteMessage is the wire format of a streamed quote.
type quoteMessage struct {
	Source    string  `json:"source"`
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Timestamp int64   `json:"ts"` // unix milliseconds
}

// WSFeed is a QuoteSource backed by a websocket stream. It keeps the latest
// quote per symbol and serves Quote calls from that cache.
type WSFeed struct {
	name   string
	url    string
	weight float64
	logger zerolog.Logger

	ReadTimeout    time.Duration
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	// MaxAge bounds how old a cached quote may be when served. Zero
	// disables the check.
	MaxAge time.Duration

	now func() time.Time

	mu        sync.RWMutex
	latest    map[string]models.PriceQuote
	connected bool
}

// NewWSFeed creates a feed for url. Call Run to start streaming.
func NewWSFeed(name, url string, weight float64, logger zerolog.Logger) *WSFeed {
	return &WSFeed{
		name:           name,
		url:            url,
		weight:         weight,
		logger:         logger.With().Str("component", "wsfeed").Str("source", name).Logger(),
		ReadTimeout:    60 * time.Second,
		BackoffInitial: 500 * time.Millisecond,
		BackoffMax:     30 * time.Second,
		MaxAge:         30 * time.Second,
		now:            time.Now,
		latest:         make(map[string]models.PriceQuote),
	}
}

// Name returns the source identifier.
func (f *WSFeed) Name() string {
	return f.name
}

// Connected reports whether the stream is currently up.
func (f *WSFeed) Connected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}

// SetClock overrides the time source used for the MaxAge check.
func (f *WSFeed) SetClock(now func() time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.now = now
}

// Quote returns the most recent streamed quote for symbol. The cache is only
// served while the stream is up and the quote is younger than MaxAge.
func (f *WSFeed) Quote(ctx context.Context, symbol string) (models.PriceQuote, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.connected {
		return models.PriceQuote{}, apperrors.NewPriceSourceUnavailableError(symbol, []string{f.name}, fmt.Errorf("stream disconnected"))
	}
	q, ok := f.latest[symbol]
	if !ok {
		return models.PriceQuote{}, apperrors.NewPriceSourceUnavailableError(symbol, []string{f.name}, fmt.Errorf("no streamed quote"))
	}
	if age := f.now().Sub(q.ObservedAt); f.MaxAge > 0 && age > f.MaxAge {
		return models.PriceQuote{}, apperrors.NewPriceSourceUnavailableError(symbol, []string{f.name}, fmt.Errorf("quote is %s old", age.Round(time.Millisecond)))
	}
	return q, nil
}

// Run connects and reads until ctx is done, reconnecting with exponential
// backoff whenever the connection drops.
func (f *WSFeed) Run(ctx context.Context) error {
	attempt := 0
	for {
		err := f.stream(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err == nil {
			attempt = 0
		}

		delay := utils.CalculateBackoff(attempt, f.BackoffInitial, f.BackoffMax, 2)
		f.logger.Warn().Err(err).Dur("retry_in", delay).Msg("Quote stream disconnected")
		attempt++

		if err := utils.Sleep(ctx, delay); err != nil {
			return err
		}
	}
}

// stream runs one connection until it fails. A nil return means the
// connection was established before it dropped.
func (f *WSFeed) stream(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	f.setConnected(true)
	defer f.setConnected(false)
	f.logger.Info().Str("url", f.url).Msg("Quote stream connected")

	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()

	for {
		if f.ReadTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(f.ReadTimeout))
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			return nil
		}

		var msg quoteMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			f.logger.Debug().Err(err).Msg("Skipping malformed quote message")
			continue
		}
		f.store(msg)
	}
}

func (f *WSFeed) store(msg quoteMessage) {
	if msg.Symbol == "" || msg.Price <= 0 {
		return
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	observed := f.now()
	if msg.Timestamp > 0 {
		observed = time.UnixMilli(msg.Timestamp)
	}
	source := msg.Source
	if source == "" {
		source = f.name
	}
	f.latest[msg.Symbol] = models.PriceQuote{
		Source:     source,
		Symbol:     msg.Symbol,
		Price:      msg.Price,
		ObservedAt: observed,
		Weight:     f.weight,
	}
}

func (f *WSFeed) setConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}
