// Package logging builds the process logger and the event helpers the
// engine components share.
package logging

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"

	"tradecore/internal/models"
)

// LogConfig holds logging configuration.
type LogConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	FilePath   string `mapstructure:"file_path"`
	MaxSize    int    `mapstructure:"max_size"` // megabytes
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAge     int    `mapstructure:"max_age"` // days
}

// DefaultLogConfig logs to the console and to a rotated file under the
// user's config directory.
func DefaultLogConfig() LogConfig {
	home, _ := os.UserHomeDir()
	return LogConfig{
		Level:      "info",
		Console:    true,
		File:       true,
		FilePath:   filepath.Join(home, ".config", "tradecore", "logs", "engine.log"),
		MaxSize:    100,
		MaxBackups: 7,
		MaxAge:     30,
	}
}

var levelLabels = map[string]string{
	"debug": color.CyanString("DBG"),
	"info":  color.GreenString("INF"),
	"warn":  color.YellowString("WRN"),
	"error": color.RedString("ERR"),
	"fatal": color.New(color.FgRed, color.Bold).Sprint("FTL"),
}

func consoleLevel(i interface{}) string {
	s, ok := i.(string)
	if !ok {
		return "???"
	}
	if label, ok := levelLabels[s]; ok {
		return label
	}
	return s
}

// New builds a logger writing to the console, a rotating file, or both, and
// sets the global level from cfg.Level. The file sink is skipped if its
// directory cannot be created.
func New(cfg LogConfig) zerolog.Logger {
	var sinks []io.Writer

	if cfg.Console {
		sinks = append(sinks, zerolog.ConsoleWriter{
			Out:         os.Stdout,
			TimeFormat:  time.RFC3339,
			FormatLevel: consoleLevel,
		})
	}
	if cfg.File && cfg.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err == nil {
			sinks = append(sinks, &lumberjack.Logger{
				Filename:   cfg.FilePath,
				MaxSize:    cfg.MaxSize,
				MaxBackups: cfg.MaxBackups,
				MaxAge:     cfg.MaxAge,
				Compress:   true,
			})
		}
	}

	var out io.Writer = os.Stdout
	if len(sinks) == 1 {
		out = sinks[0]
	} else if len(sinks) > 1 {
		out = zerolog.MultiLevelWriter(sinks...)
	}

	zerolog.SetGlobalLevel(parseLevel(cfg.Level))
	return zerolog.New(out).With().Timestamp().Caller().Logger()
}

// parseLevel falls back to info for anything zerolog does not recognise.
func parseLevel(level string) zerolog.Level {
	l, err := zerolog.ParseLevel(level)
	if err != nil || l == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return l
}

// SetDebugLevel lowers the global level to debug.
func SetDebugLevel() {
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
}

func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

func WithSymbol(logger zerolog.Logger, symbol string) zerolog.Logger {
	return logger.With().Str("symbol", symbol).Logger()
}

func WithOrderID(logger zerolog.Logger, orderID string) zerolog.Logger {
	return logger.With().Str("order_id", orderID).Logger()
}

// LogOrder records an order status change.
func LogOrder(logger zerolog.Logger, o models.Order) {
	logger.Info().
		Str("event", "order").
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Str("type", string(o.Type)).
		Str("status", string(o.Status)).
		Float64("quantity", o.Quantity).
		Float64("filled", o.FilledQuantity()).
		Msg("Order update")
}

// LogFill records one simulated execution against o.
func LogFill(logger zerolog.Logger, o models.Order, f models.Fill) {
	logger.Info().
		Str("event", "fill").
		Str("order_id", o.ID).
		Str("symbol", o.Symbol).
		Str("side", string(o.Side)).
		Float64("quantity", f.Quantity).
		Float64("price", f.Price).
		Float64("slippage", f.Slippage).
		Float64("fee", f.Fee).
		Msg("Order filled")
}

// LogBreaker records a risk gate transition.
func LogBreaker(logger zerolog.Logger, status models.GateStatus, reasons []models.PauseReason) {
	names := make([]string, len(reasons))
	for i, r := range reasons {
		names[i] = string(r)
	}
	logger.Warn().
		Str("event", "breaker").
		Str("status", string(status)).
		Strs("reasons", names).
		Msg("Risk gate transition")
}
