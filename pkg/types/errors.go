package types

import (
	"errors"
	"fmt"
)

// Error taxonomy for the pipeline. Long-lived tasks classify errors at
// their boundary: transport and protocol errors are recoverable, auth and
// config errors are fatal to the operation that raised them.

// TransportError wraps a network, timeout, or connection failure.
// Retried transparently by the managed connection.
type TransportError struct {
	Exchange ExchangeID
	Op       string
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport error during %s: %v", e.Exchange, e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// AuthError indicates bad or missing credentials. Fatal to the calling
// operation; authenticated calls are circuit-broken until reconfigured.
type AuthError struct {
	Exchange ExchangeID
	Reason   string
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %s", e.Exchange, e.Reason)
}

// ProtocolError indicates a malformed exchange message. The message is
// discarded and the stream continues.
type ProtocolError struct {
	Exchange ExchangeID
	Detail   string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("%s: protocol error: %s", e.Exchange, e.Detail)
}

// ConfigError indicates missing or invalid configuration. Surfaced at
// startup; prevents the component from starting.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// ExecutionError carries a failed leg through reconciliation.
type ExecutionError struct {
	Exchange ExchangeID
	Side     Side
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s leg failed: %v", e.Exchange, e.Side, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// PersistenceError wraps a repository failure. Writes are retried with
// backoff and buffered in memory on persistent failure.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// RejectReason is the machine-readable code attached to a risk rejection.
type RejectReason string

const (
	RejectMinProfit        RejectReason = "min_profit_pct"
	RejectCapitalPerTrade  RejectReason = "max_capital_per_trade"
	RejectCapitalPerAsset  RejectReason = "max_capital_per_asset"
	RejectConcurrentTrades RejectReason = "max_concurrent_trades"
	RejectDailyLossLimit   RejectReason = "daily_loss_limit"
	RejectPriceProtection  RejectReason = "price_protection"
)

// RiskRejection marks an opportunity Missed with an explicit reason.
type RiskRejection struct {
	OpportunityID string
	Reason        RejectReason
	Detail        string
}

func (e *RiskRejection) Error() string {
	return fmt.Sprintf("risk: opportunity %s rejected (%s): %s", e.OpportunityID, e.Reason, e.Detail)
}

var (
	// ErrCrossedBook signals an L2 invariant violation; the book is
	// cleared and resynced.
	ErrCrossedBook = errors.New("order book crossed: best bid >= best ask")

	// ErrInsufficientBalance is the pre-trade guard failure.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrCircuitOpen is returned while the reconnect circuit breaker is
	// cooling down.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrNotConnected is returned for operations requiring a live stream.
	ErrNotConnected = errors.New("not connected")

	// ErrStopped is returned when an operation races a shutdown.
	ErrStopped = errors.New("component stopped")
)
