// Package audit writes an append-only JSON-lines trail of operator overrides
// and other decisions that must be explainable after the fact.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"gopkg.in/natefinch/lumberjack.v2"

	"tradecore/internal/config"
)

// EventType represents the type of audit event.
type EventType string

const (
	// Risk gate events
	EventBreakerTripped EventType = "BREAKER_TRIPPED"
	EventResume         EventType = "RESUME"
	EventForceResume    EventType = "FORCE_RESUME"
	EventResumeRefused  EventType = "RESUME_REFUSED"

	// Order events
	EventOrderCancelled EventType = "ORDER_CANCELLED"
	EventOrderTimedOut  EventType = "ORDER_TIMED_OUT"

	// Recovery events
	EventStateRestored  EventType = "STATE_RESTORED"
	EventBackupRestored EventType = "BACKUP_RESTORED"

	// Configuration events
	EventConfigChanged EventType = "CONFIG_CHANGED"
)

// Event represents a single audit log entry.
type Event struct {
	Timestamp time.Time              `json:"timestamp"`
	EventType EventType              `json:"event_type"`
	Actor     string                 `json:"actor,omitempty"`
	Symbol    string                 `json:"symbol,omitempty"`
	OrderID   string                 `json:"order_id,omitempty"`
	Action    string                 `json:"action,omitempty"`
	Details   map[string]interface{} `json:"details,omitempty"`
	Success   bool                   `json:"success"`
	ErrorMsg  string                 `json:"error,omitempty"`
	SessionID string                 `json:"session_id,omitempty"`
}

type actorKey struct{}

// WithActor tags ctx with the operator or subsystem performing an action.
func WithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// Logger handles audit logging.
type Logger struct {
	writer    io.WriteCloser
	mu        sync.Mutex
	sessionID string
	now       func() time.Time
}

// NewLogger creates an audit logger writing rotated files under cfg.LogDir.
func NewLogger(cfg config.AuditConfig) (*Logger, error) {
	// Ensure audit directory exists with restricted permissions
	if err := os.MkdirAll(cfg.LogDir, 0700); err != nil {
		return nil, fmt.Errorf("creating audit directory: %w", err)
	}

	writer := &lumberjack.Logger{
		Filename:   filepath.Join(cfg.LogDir, "audit.log"),
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   true,
	}
	return NewLoggerWithWriter(writer), nil
}

// NewLoggerWithWriter creates an audit logger on an arbitrary writer.
func NewLoggerWithWriter(w io.WriteCloser) *Logger {
	return &Logger{
		writer:    w,
		sessionID: uuid.NewString(),
		now:       time.Now,
	}
}

// SessionID returns the identifier stamped on every event of this process.
func (l *Logger) SessionID() string {
	return l.sessionID
}

// Log writes one audit event.
func (l *Logger) Log(ctx context.Context, event Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	event.Timestamp = l.now().UTC()
	event.SessionID = l.sessionID
	if event.Actor == "" {
		if actor, ok := ctx.Value(actorKey{}).(string); ok {
			event.Actor = actor
		}
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("serializing audit event: %w", err)
	}
	if _, err := l.writer.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit event: %w", err)
	}
	return nil
}

// LogResume records a risk gate resume attempt.
func (l *Logger) LogResume(ctx context.Context, force bool, holding []string, success bool, errorMsg string) error {
	eventType := EventResume
	switch {
	case force:
		eventType = EventForceResume
	case !success:
		eventType = EventResumeRefused
	}
	return l.Log(ctx, Event{
		EventType: eventType,
		Action:    "resume",
		Success:   success,
		ErrorMsg:  errorMsg,
		Details: map[string]interface{}{
			"force":              force,
			"conditions_holding": holding,
		},
	})
}

// LogBreakerTripped records a risk gate pause.
func (l *Logger) LogBreakerTripped(ctx context.Context, reasons []string, capital float64) error {
	return l.Log(ctx, Event{
		EventType: EventBreakerTripped,
		Action:    "pause",
		Success:   true,
		Details: map[string]interface{}{
			"reasons": reasons,
			"capital": capital,
		},
	})
}

// LogOrderCancelled records an order cancellation.
func (l *Logger) LogOrderCancelled(ctx context.Context, orderID, symbol, reason string, success bool, errorMsg string) error {
	eventType := EventOrderCancelled
	if reason == "timeout" {
		eventType = EventOrderTimedOut
	}
	return l.Log(ctx, Event{
		EventType: eventType,
		OrderID:   orderID,
		Symbol:    symbol,
		Action:    reason,
		Success:   success,
		ErrorMsg:  errorMsg,
	})
}

// LogRestore records a startup state restore.
func (l *Logger) LogRestore(ctx context.Context, path string, fromBackup bool, savedAt time.Time) error {
	eventType := EventStateRestored
	if fromBackup {
		eventType = EventBackupRestored
	}
	return l.Log(ctx, Event{
		EventType: eventType,
		Action:    "restore",
		Success:   true,
		Details: map[string]interface{}{
			"path":     path,
			"saved_at": savedAt.UTC().Format(time.RFC3339),
		},
	})
}

// LogConfigChanged records a hot configuration reload.
func (l *Logger) LogConfigChanged(ctx context.Context, section string) error {
	return l.Log(ctx, Event{
		EventType: EventConfigChanged,
		Action:    section,
		Success:   true,
	})
}

// Close closes the audit logger.
func (l *Logger) Close() error {
	return l.writer.Close()
}

type discardCloser struct{ io.Writer }

func (discardCloser) Close() error { return nil }

// Discard returns a logger that drops every event.
func Discard() *Logger {
	return NewLoggerWithWriter(discardCloser{io.Discard})
}
