package types

import (
	"errors"
	"fmt"
	"testing"
)

func TestErrorUnwrapping(t *testing.T) {
	t.Parallel()

	cause := errors.New("connection reset")
	te := &TransportError{Exchange: ExchangeKraken, Op: "subscribe", Err: cause}
	if !errors.Is(te, cause) {
		t.Error("TransportError does not unwrap to cause")
	}

	ee := &ExecutionError{Exchange: ExchangeCoinbase, Side: Sell, Err: ErrInsufficientBalance}
	if !errors.Is(ee, ErrInsufficientBalance) {
		t.Error("ExecutionError does not unwrap to sentinel")
	}

	pe := &PersistenceError{Op: "save_trade", Err: cause}
	if !errors.Is(pe, cause) {
		t.Error("PersistenceError does not unwrap to cause")
	}
}

func TestErrorsAsThroughWrapping(t *testing.T) {
	t.Parallel()

	wrapped := fmt.Errorf("place order: %w", &AuthError{Exchange: ExchangeCoinbase, Reason: "invalid signature"})
	var ae *AuthError
	if !errors.As(wrapped, &ae) {
		t.Fatal("AuthError not found through wrapping")
	}
	if ae.Exchange != ExchangeCoinbase {
		t.Errorf("exchange = %s", ae.Exchange)
	}
}

func TestRiskRejectionMessage(t *testing.T) {
	t.Parallel()

	r := &RiskRejection{OpportunityID: "o1", Reason: RejectDailyLossLimit, Detail: "realized -600 of 500 limit"}
	msg := r.Error()
	if msg == "" || r.Reason != "daily_loss_limit" {
		t.Errorf("rejection = %q reason = %q", msg, r.Reason)
	}
}
