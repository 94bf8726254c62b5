// Package errors provides custom error types for domain-specific errors.
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Standard sentinel errors
var (
	ErrValidation             = errors.New("validation failed")
	ErrInvalidOrder           = errors.New("invalid order")
	ErrInsufficientCapital    = errors.New("insufficient capital")
	ErrInsufficientLiquidity  = errors.New("insufficient liquidity")
	ErrRiskGateClosed         = errors.New("risk gate closed")
	ErrResumeRefused          = errors.New("resume refused")
	ErrPriceSourceUnavailable = errors.New("price source unavailable")
	ErrInsufficientQuotes     = errors.New("insufficient quotes")
	ErrExecutionTimeout       = errors.New("execution timed out")
	ErrInvalidStateTransition = errors.New("invalid state transition")
	ErrOrderNotFound          = errors.New("order not found")
	ErrCorruptState           = errors.New("corrupt state")
	ErrNoSnapshot             = errors.New("no snapshot found")
	ErrRateLimited            = errors.New("rate limited")
	ErrConfigInvalid          = errors.New("invalid configuration")
)

// ValidationError represents a malformed opportunity or order field.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation error: %s (%v): %s", e.Field, e.Value, e.Message)
}

func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError creates a new ValidationError.
func NewValidationError(field string, value interface{}, message string) *ValidationError {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// InvalidOrderError is returned by Submit for malformed requests.
type InvalidOrderError struct {
	Symbol string
	Reason string
	Err    error
}

func (e *InvalidOrderError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("invalid order %s: %s: %v", e.Symbol, e.Reason, e.Err)
	}
	return fmt.Sprintf("invalid order %s: %s", e.Symbol, e.Reason)
}

func (e *InvalidOrderError) Unwrap() error {
	return e.Err
}

func (e *InvalidOrderError) Is(target error) bool {
	return target == ErrInvalidOrder || target == ErrValidation
}

// NewInvalidOrderError creates a new InvalidOrderError.
func NewInvalidOrderError(symbol, reason string, err error) *InvalidOrderError {
	return &InvalidOrderError{Symbol: symbol, Reason: reason, Err: err}
}

// InsufficientCapitalError reports that available capital cannot cover a trade.
type InsufficientCapitalError struct {
	Required  float64
	Available float64
}

func (e *InsufficientCapitalError) Error() string {
	return fmt.Sprintf("insufficient capital: need %.2f, have %.2f", e.Required, e.Available)
}

func (e *InsufficientCapitalError) Is(target error) bool {
	return target == ErrInsufficientCapital
}

// NewInsufficientCapitalError creates a new InsufficientCapitalError.
func NewInsufficientCapitalError(required, available float64) *InsufficientCapitalError {
	return &InsufficientCapitalError{Required: required, Available: available}
}

// InsufficientLiquidityError reports that a market is too thin for the requested size.
type InsufficientLiquidityError struct {
	Symbol    string
	Notional  float64
	Liquidity float64
}

func (e *InsufficientLiquidityError) Error() string {
	return fmt.Sprintf("insufficient liquidity for %s: notional %.2f exceeds %.2f", e.Symbol, e.Notional, e.Liquidity)
}

func (e *InsufficientLiquidityError) Is(target error) bool {
	return target == ErrInsufficientLiquidity
}

// NewInsufficientLiquidityError creates a new InsufficientLiquidityError.
func NewInsufficientLiquidityError(symbol string, notional, liquidity float64) *InsufficientLiquidityError {
	return &InsufficientLiquidityError{Symbol: symbol, Notional: notional, Liquidity: liquidity}
}

// RiskGateClosedError is the expected control signal while the gate is paused.
type RiskGateClosedError struct {
	Reasons []string
	Since   time.Time
}

func (e *RiskGateClosedError) Error() string {
	return fmt.Sprintf("risk gate closed since %s: %v", e.Since.Format(time.RFC3339), e.Reasons)
}

func (e *RiskGateClosedError) Is(target error) bool {
	return target == ErrRiskGateClosed
}

// NewRiskGateClosedError creates a new RiskGateClosedError.
func NewRiskGateClosedError(reasons []string, since time.Time) *RiskGateClosedError {
	return &RiskGateClosedError{Reasons: reasons, Since: since}
}

// ResumeRefusedError is returned by a non-forced resume while a breaker condition still holds.
type ResumeRefusedError struct {
	Holding []string
}

func (e *ResumeRefusedError) Error() string {
	return fmt.Sprintf("resume refused: conditions still hold: %v", e.Holding)
}

func (e *ResumeRefusedError) Is(target error) bool {
	return target == ErrResumeRefused
}

// PriceSourceUnavailableError reports that one or all quote sources failed.
type PriceSourceUnavailableError struct {
	Symbol  string
	Sources []string
	Err     error
}

func (e *PriceSourceUnavailableError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("price source unavailable for %s %v: %v", e.Symbol, e.Sources, e.Err)
	}
	return fmt.Sprintf("price source unavailable for %s %v", e.Symbol, e.Sources)
}

func (e *PriceSourceUnavailableError) Unwrap() error {
	return e.Err
}

func (e *PriceSourceUnavailableError) Is(target error) bool {
	return target == ErrPriceSourceUnavailable
}

// NewPriceSourceUnavailableError creates a new PriceSourceUnavailableError.
func NewPriceSourceUnavailableError(symbol string, sources []string, err error) *PriceSourceUnavailableError {
	return &PriceSourceUnavailableError{Symbol: symbol, Sources: sources, Err: err}
}

// InsufficientQuotesError is returned when no live quote survives input filtering.
type InsufficientQuotesError struct {
	Received int
	Live     int
}

func (e *InsufficientQuotesError) Error() string {
	return fmt.Sprintf("insufficient quotes: %d received, %d live", e.Received, e.Live)
}

func (e *InsufficientQuotesError) Is(target error) bool {
	return target == ErrInsufficientQuotes
}

// ExecutionTimeoutError records an order that was cancelled for exceeding its timeout.
type ExecutionTimeoutError struct {
	OrderID string
	Symbol  string
	Age     time.Duration
	Timeout time.Duration
}

func (e *ExecutionTimeoutError) Error() string {
	return fmt.Sprintf("order %s (%s) timed out after %s (limit %s)", e.OrderID, e.Symbol, e.Age.Round(time.Millisecond), e.Timeout)
}

func (e *ExecutionTimeoutError) Is(target error) bool {
	return target == ErrExecutionTimeout
}

// InvalidStateTransitionError is returned when an order lifecycle change is not allowed.
type InvalidStateTransitionError struct {
	OrderID string
	From    string
	To      string
}

func (e *InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("order %s: cannot transition from %s to %s", e.OrderID, e.From, e.To)
}

func (e *InvalidStateTransitionError) Is(target error) bool {
	return target == ErrInvalidStateTransition
}

// OrderNotFoundError is returned for unknown order IDs.
type OrderNotFoundError struct {
	OrderID string
}

func (e *OrderNotFoundError) Error() string {
	return fmt.Sprintf("order not found: %s", e.OrderID)
}

func (e *OrderNotFoundError) Is(target error) bool {
	return target == ErrOrderNotFound
}

// CorruptStateError reports a snapshot that failed schema or checksum validation.
type CorruptStateError struct {
	Path   string
	Reason string
	Err    error
}

func (e *CorruptStateError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("corrupt state in %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("corrupt state in %s: %s", e.Path, e.Reason)
}

func (e *CorruptStateError) Unwrap() error {
	return e.Err
}

func (e *CorruptStateError) Is(target error) bool {
	return target == ErrCorruptState
}

// NewCorruptStateError creates a new CorruptStateError.
func NewCorruptStateError(path, reason string, err error) *CorruptStateError {
	return &CorruptStateError{Path: path, Reason: reason, Err: err}
}

// Wrap wraps an error with additional context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with formatted context.
func Wrapf(err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
