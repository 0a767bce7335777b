package engine

import (
	"errors"
	"fmt"
	"time"

	"paykit/internal/fees"
)

var (
	ErrIntentExists        = errors.New("intent already exists")
	ErrIntentExpired       = errors.New("intent deadline passed")
	ErrAlreadyProcessed    = errors.New("intent already processed")
	ErrNotReady            = errors.New("intent not ready for execution")
	ErrNotIntentOwner      = errors.New("caller is not the intent user")
	ErrNotTerminal         = errors.New("status is not terminal")
	ErrUnsupportedToken    = errors.New("token not accepted for signature settlement")
	ErrRefundExists        = errors.New("refund already requested for intent")
	ErrRefundProcessed     = errors.New("refund already processed")
	ErrNotCompleted        = errors.New("intent not completed")
	ErrDisputeWindowClosed = errors.New("dispute window closed")
)

// ValidationError rejects input before any state is written.
type ValidationError = fees.ValidationError

// Settlement failure codes.
const (
	CodePermitTokenMismatch     = "permit_token_mismatch"
	CodePermitAmountLow         = "permit_amount_insufficient"
	CodePermitSpenderMismatch   = "permit_spender_mismatch"
	CodePermitTargetMismatch    = "permit_target_mismatch"
	CodePermitRequestedMismatch = "permit_amount_mismatch"
	CodePermitExpired           = "permit_expired"
	CodePermitNonceMismatch     = "permit_nonce_mismatch"
	CodePermitSignature         = "permit_signature_invalid"
	CodeQuoteDrift              = "quote_drift"
	CodePriceImpact             = "price_impact"
	CodeEscrowRejected          = "escrow_rejected"
	CodeEscrowError             = "escrow_error"
	CodeFinalizeFailed          = "finalize_failed"
)

const (
	finalizeAttempts = 3
	finalizeBackoff  = 50 * time.Millisecond
)

// SettlementError reports a settlement that was refused or failed. When
// Terminal is set the intent was marked failed and RefundID names the queued
// refund. CodeFinalizeFailed means escrow moved the funds but the intent is
// still executing. Otherwise nothing was written.
type SettlementError struct {
	Code     string
	Reason   string
	Terminal bool
	RefundID string
	Err      error
}

func (e *SettlementError) Error() string {
	msg := fmt.Sprintf("settlement %s: %s", e.Code, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *SettlementError) Unwrap() error { return e.Err }

func settleErr(code, format string, args ...any) *SettlementError {
	return &SettlementError{Code: code, Reason: fmt.Sprintf(format, args...)}
}
