// Package notify forwards discrete engine events to external channels.
// Delivery is asynchronous and best effort; a failing channel never blocks
// or fails the caller.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"tradecore/internal/config"
	"tradecore/pkg/utils"
)

// EventType represents the type of engine event.
type EventType string

const (
	EventBreakerTripped  EventType = "BreakerTripped"
	EventBreakerResumed  EventType = "BreakerResumed"
	EventOrderTimedOut   EventType = "OrderTimedOut"
	EventLossAttribution EventType = "LossAttribution"
	EventHealthChanged   EventType = "HealthChanged"
	EventExecutionAlert  EventType = "ExecutionAlert"
	EventError           EventType = "Error"
)

// Severity of an event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Event is one notification.
type Event struct {
	Type      EventType              `json:"type"`
	Severity  Severity               `json:"severity"`
	Title     string                 `json:"title"`
	Message   string                 `json:"message"`
	Reasons   []string               `json:"reasons,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// BreakerTripped builds the event emitted when the risk gate pauses.
func BreakerTripped(reasons []string, capital float64) Event {
	return Event{
		Type:     EventBreakerTripped,
		Severity: SeverityCritical,
		Title:    "Trading paused",
		Message:  fmt.Sprintf("Risk gate paused: %s", strings.Join(reasons, ", ")),
		Reasons:  reasons,
		Data:     map[string]interface{}{"capital": capital},
	}
}

// BreakerResumed builds the event emitted when the risk gate reopens.
func BreakerResumed(force bool) Event {
	msg := "Risk gate resumed"
	if force {
		msg = "Risk gate force-resumed by operator"
	}
	return Event{
		Type:     EventBreakerResumed,
		Severity: SeverityWarning,
		Title:    "Trading resumed",
		Message:  msg,
		Data:     map[string]interface{}{"force": force},
	}
}

// OrderTimedOut builds the event emitted when a stale order is cancelled.
func OrderTimedOut(orderID, symbol string, age time.Duration) Event {
	return Event{
		Type:     EventOrderTimedOut,
		Severity: SeverityWarning,
		Title:    "Order timed out",
		Message:  fmt.Sprintf("Order %s (%s) cancelled after %s", orderID, symbol, age.Round(time.Millisecond)),
		OrderID:  orderID,
		Symbol:   symbol,
	}
}

// HealthChanged builds the event emitted when a health check changes state.
// Anything short of healthy is a warning.
func HealthChanged(check, status, message string) Event {
	severity := SeverityInfo
	if status != "HEALTHY" {
		severity = SeverityWarning
	}
	return Event{
		Type:     EventHealthChanged,
		Severity: severity,
		Title:    "Health " + strings.ToLower(status),
		Message:  fmt.Sprintf("%s: %s", check, message),
		Data:     map[string]interface{}{"check": check, "status": status},
	}
}

// ExecutionAlert builds the event for a fill that crossed a quality
// threshold.
func ExecutionAlert(kind, orderID, symbol, message string, value, threshold float64) Event {
	return Event{
		Type:     EventExecutionAlert,
		Severity: SeverityWarning,
		Title:    "Execution " + strings.ToLower(strings.ReplaceAll(kind, "_", " ")),
		Message:  message,
		OrderID:  orderID,
		Symbol:   symbol,
		Data:     map[string]interface{}{"kind": kind, "value": value, "threshold": threshold},
	}
}

// LossAttributed builds the event carrying a loss attribution summary.
func LossAttributed(summary string, categories []string, totalLoss float64) Event {
	return Event{
		Type:     EventLossAttribution,
		Severity: SeverityWarning,
		Title:    "Loss attribution",
		Message:  summary,
		Reasons:  categories,
		Data:     map[string]interface{}{"total_loss": totalLoss},
	}
}

// Notifier accepts events for delivery.
type Notifier interface {
	Notify(ctx context.Context, e Event) error
}

// NotificationChannel defines the interface for a notification channel.
type NotificationChannel interface {
	Name() string
	Send(ctx context.Context, e Event) error
	IsEnabled() bool
}

// MultiNotifier queues events and fans them out to every enabled channel
// from a single background goroutine.
type MultiNotifier struct {
	mu       sync.RWMutex
	channels []NotificationChannel
	queue    chan Event
	logger   zerolog.Logger
	timeout  time.Duration

	dropped   atomic.Int64
	delivered atomic.Int64
	failed    atomic.Int64

	once sync.Once
	done chan struct{}
	wg   sync.WaitGroup
}

// NewMultiNotifier creates a MultiNotifier with the channels enabled in cfg.
func NewMultiNotifier(cfg config.NotificationConfig, logger zerolog.Logger) *MultiNotifier {
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	timeout := cfg.Webhook.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}

	mn := &MultiNotifier{
		queue:   make(chan Event, size),
		logger:  logger.With().Str("component", "notify").Logger(),
		timeout: timeout,
		done:    make(chan struct{}),
	}
	mn.channels = append(mn.channels, NewLogChannel(logger))
	if cfg.Webhook.Enabled {
		mn.channels = append(mn.channels, NewWebhookNotifier(cfg.Webhook))
	}
	return mn
}

// AddChannel adds a notification channel.
func (mn *MultiNotifier) AddChannel(ch NotificationChannel) {
	mn.mu.Lock()
	defer mn.mu.Unlock()
	mn.channels = append(mn.channels, ch)
}

// Start launches the delivery goroutine.
func (mn *MultiNotifier) Start(ctx context.Context) {
	mn.wg.Add(1)
	go func() {
		defer mn.wg.Done()
		for {
			select {
			case <-ctx.Done():
				mn.flush()
				return
			case <-mn.done:
				mn.flush()
				return
			case e := <-mn.queue:
				mn.deliver(e)
			}
		}
	}()
}

// Close stops delivery after draining queued events.
func (mn *MultiNotifier) Close() {
	mn.once.Do(func() { close(mn.done) })
	mn.wg.Wait()
}

// Notify enqueues e without blocking. When the queue is full the event is
// dropped and counted.
func (mn *MultiNotifier) Notify(ctx context.Context, e Event) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	select {
	case mn.queue <- e:
	default:
		mn.dropped.Add(1)
		mn.logger.Warn().Str("type", string(e.Type)).Msg("Notification queue full, dropping event")
	}
	return nil
}

// Stats returns delivered, failed and dropped counts.
func (mn *MultiNotifier) Stats() (delivered, failed, dropped int64) {
	return mn.delivered.Load(), mn.failed.Load(), mn.dropped.Load()
}

func (mn *MultiNotifier) flush() {
	for {
		select {
		case e := <-mn.queue:
			mn.deliver(e)
		default:
			return
		}
	}
}

func (mn *MultiNotifier) deliver(e Event) {
	mn.mu.RLock()
	channels := mn.channels
	mn.mu.RUnlock()

	for _, ch := range channels {
		if !ch.IsEnabled() {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), mn.timeout)
		err := ch.Send(ctx, e)
		cancel()
		if err != nil {
			mn.failed.Add(1)
			mn.logger.Warn().Err(err).Str("channel", ch.Name()).Str("type", string(e.Type)).Msg("Notification delivery failed")
			continue
		}
		mn.delivered.Add(1)
	}
}

// LogChannel writes events to the structured log.
type LogChannel struct {
	logger zerolog.Logger
}

// NewLogChannel creates a log channel.
func NewLogChannel(logger zerolog.Logger) *LogChannel {
	return &LogChannel{logger: logger.With().Str("component", "events").Logger()}
}

// Name returns the name of the channel.
func (l *LogChannel) Name() string { return "log" }

// IsEnabled returns whether the channel is enabled.
func (l *LogChannel) IsEnabled() bool { return true }

// Send logs the event at a level matching its severity.
func (l *LogChannel) Send(ctx context.Context, e Event) error {
	ev := l.logger.Info()
	switch e.Severity {
	case SeverityWarning:
		ev = l.logger.Warn()
	case SeverityCritical:
		ev = l.logger.Error()
	}
	ev = ev.Str("event", string(e.Type)).Str("title", e.Title)
	if len(e.Reasons) > 0 {
		ev = ev.Strs("reasons", e.Reasons)
	}
	if e.OrderID != "" {
		ev = ev.Str("order_id", e.OrderID)
	}
	ev.Msg(e.Message)
	return nil
}

// WebhookNotifier sends notifications via HTTP webhook. Network errors and
// 5xx responses are retried with backoff.
type WebhookNotifier struct {
	url     string
	enabled bool
	client  *http.Client
	retry   utils.RetryConfig
}

// statusError is a non-2xx webhook response.
type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("webhook returned status %d", e.code) }

// NewWebhookNotifier creates a new WebhookNotifier.
func NewWebhookNotifier(cfg config.WebhookConfig) *WebhookNotifier {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		url:     cfg.URL,
		enabled: cfg.Enabled && cfg.URL != "",
		client:  &http.Client{Timeout: timeout},
		retry: utils.RetryConfig{
			MaxAttempts:   3,
			InitialDelay:  200 * time.Millisecond,
			MaxDelay:      2 * time.Second,
			BackoffFactor: 2,
			Retryable: func(err error) bool {
				var se *statusError
				if errors.As(err, &se) {
					return se.code >= 500
				}
				return true
			},
		},
	}
}

// Name returns the name of the notifier.
func (w *WebhookNotifier) Name() string {
	return "webhook"
}

// IsEnabled returns whether the notifier is enabled.
func (w *WebhookNotifier) IsEnabled() bool {
	return w.enabled
}

// Send posts the event as JSON.
func (w *WebhookNotifier) Send(ctx context.Context, e Event) error {
	if !w.enabled {
		return nil
	}

	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("marshaling webhook payload: %w", err)
	}

	return utils.Retry(ctx, w.retry, func() error { return w.post(ctx, body) })
}

func (w *WebhookNotifier) post(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "tradecore/1.0")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("sending webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &statusError{code: resp.StatusCode}
	}
	return nil
}

// NoOpNotifier is a notifier that does nothing (for testing or disabled notifications).
type NoOpNotifier struct{}

// Notify does nothing.
func (NoOpNotifier) Notify(context.Context, Event) error { return nil }

// Recorder keeps every event in memory. Useful in tests.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// Notify records e.
func (r *Recorder) Notify(ctx context.Context, e Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// OfType returns recorded events of type t.
func (r *Recorder) OfType(t EventType) []Event {
	var out []Event
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
