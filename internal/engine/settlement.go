package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/collab"
	"paykit/internal/domain"
	"paykit/internal/engine/authz"
	"paykit/internal/events"
	"paykit/internal/fees"
	"paykit/internal/repo"
)

// ExecuteRequest settles a signed intent through the pre-authorized path.
type ExecuteRequest struct {
	IntentID  string
	Caller    common.Address
	Signature []byte
	Signer    common.Address
}

// PermitRequest settles an intent with a payer-signed token permit.
type PermitRequest struct {
	IntentID string
	Caller   common.Address
	Permit   domain.Permit
}

// ExecutePaymentWithSignature settles a ready intent paid in the settlement
// currency or the native unit. Checks that fail before escrow is called leave
// the intent untouched.
func (e Engine) ExecutePaymentWithSignature(ctx context.Context, req ExecuteRequest) (domain.PaymentIntent, error) {
	p, err := e.precheck(ctx, req.IntentID, req.Caller)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !e.directToken(p.PaymentToken) {
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w", p.PaymentToken.Hex(), ErrUnsupportedToken)
	}
	ok, err := e.authorizer().Verify(ctx, p.ID, req.Signature, req.Signer)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if !ok {
		return domain.PaymentIntent{}, &authz.AuthorizationError{Code: authz.CodeSignerMismatch, Reason: "signature does not verify for " + req.Signer.Hex()}
	}
	if err := e.checkQuote(ctx, p); err != nil {
		return domain.PaymentIntent{}, err
	}
	return e.settle(ctx, p, collab.SettleRequest{
		Kind:      collab.SettlePreauthorized,
		Signature: append([]byte(nil), req.Signature...),
	}, nil)
}

// ExecutePaymentWithPermit settles a ready intent using a gasless permit.
// The permit nonce is consumed only when the permit is forwarded to escrow.
func (e Engine) ExecutePaymentWithPermit(ctx context.Context, req PermitRequest) (domain.PaymentIntent, error) {
	p, err := e.precheck(ctx, req.IntentID, req.Caller)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	nonce, err := e.Repo.PermitNonce(ctx, p.User)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if serr := e.checkPermit(p, req.Permit, nonce); serr != nil {
		e.logger().WarnContext(ctx, "permit rejected", "intent_id", p.ID, "code", serr.Code, "reason", serr.Reason)
		return domain.PaymentIntent{}, serr
	}
	if err := e.checkQuote(ctx, p); err != nil {
		return domain.PaymentIntent{}, err
	}
	permit := req.Permit
	return e.settle(ctx, p, collab.SettleRequest{
		Kind:      collab.SettlePermit,
		Signature: append([]byte(nil), permit.Signature...),
		Permit:    &permit,
	}, &permit)
}

func (e Engine) directToken(token common.Address) bool {
	return token == e.Config.SettlementCurrency() || token == fees.NormalizeToken(e.Config, e.Config.NativeCurrency())
}

func (e Engine) precheck(ctx context.Context, intentID string, caller common.Address) (domain.PaymentIntent, error) {
	if e.Config == nil {
		return domain.PaymentIntent{}, errors.New("config not loaded")
	}
	if err := e.Collab.Validate(); err != nil {
		return domain.PaymentIntent{}, err
	}
	p, err := e.Repo.GetIntent(ctx, intentID)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	return p, e.checkExecutable(p, caller)
}

func (e Engine) checkExecutable(p domain.PaymentIntent, caller common.Address) error {
	switch {
	case p.Processed:
		return fmt.Errorf("intent %s: %w", p.ID, ErrAlreadyProcessed)
	case p.Expired(e.now()):
		return fmt.Errorf("intent %s: %w", p.ID, ErrIntentExpired)
	case p.Status != domain.StatusReady:
		return fmt.Errorf("intent %s is %s: %w", p.ID, p.Status, ErrNotReady)
	case caller != p.User:
		return fmt.Errorf("intent %s: %w", p.ID, ErrNotIntentOwner)
	}
	return nil
}

func (e Engine) checkPermit(p domain.PaymentIntent, permit domain.Permit, nonce uint64) *SettlementError {
	escrow := e.Config.EscrowAddress()
	switch {
	case permit.Token != p.PaymentToken:
		return settleErr(CodePermitTokenMismatch, "permit token %s, intent token %s", permit.Token.Hex(), p.PaymentToken.Hex())
	case permit.Amount < p.ExpectedAmount:
		return settleErr(CodePermitAmountLow, "permit amount %d below expected %d", permit.Amount, p.ExpectedAmount)
	case permit.Spender != escrow:
		return settleErr(CodePermitSpenderMismatch, "spender %s is not escrow", permit.Spender.Hex())
	case permit.TransferTo != escrow:
		return settleErr(CodePermitTargetMismatch, "transfer target %s is not escrow", permit.TransferTo.Hex())
	case permit.RequestedAmount != p.ExpectedAmount:
		return settleErr(CodePermitRequestedMismatch, "requested %d, expected %d", permit.RequestedAmount, p.ExpectedAmount)
	case permit.Deadline.IsZero() || e.now().After(permit.Deadline):
		return settleErr(CodePermitExpired, "permit deadline passed")
	case permit.Nonce != nonce:
		return settleErr(CodePermitNonceMismatch, "permit nonce %d, current %d", permit.Nonce, nonce)
	}
	hash, err := authz.PermitHash(authz.PermitDomain(e.Config), permit)
	if err != nil {
		return &SettlementError{Code: CodePermitSignature, Reason: "cannot hash permit", Err: err}
	}
	signer, err := authz.Recover(hash, permit.Signature)
	if err != nil {
		return &SettlementError{Code: CodePermitSignature, Reason: "cannot recover permit signer", Err: err}
	}
	if signer != p.User {
		return settleErr(CodePermitSignature, "permit signed by %s, not payer", signer.Hex())
	}
	return nil
}

// checkQuote re-quotes foreign-token intents and enforces the price impact
// bound for large trades.
func (e Engine) checkQuote(ctx context.Context, p domain.PaymentIntent) error {
	if p.PaymentToken == e.Config.SettlementCurrency() {
		return nil
	}
	oc := e.Config.Oracle
	ok, live, err := e.Collab.Oracle.ValidateQuote(ctx, p.PaymentToken, p.TotalAmount, p.QuotedAmount, oc.QuoteToleranceBps)
	if err != nil {
		return &SettlementError{Code: CodeQuoteDrift, Reason: "oracle unavailable", Err: err}
	}
	if !ok {
		return settleErr(CodeQuoteDrift, "live quote %d outside %d bps of %d", live, oc.QuoteToleranceBps, p.QuotedAmount)
	}
	if oc.LargeTradeThreshold > 0 && p.TotalAmount >= oc.LargeTradeThreshold {
		impact, within, err := e.Collab.Oracle.PriceImpact(ctx, p.PaymentToken, p.TotalAmount, oc.MaxPriceImpactBps)
		if err != nil {
			return &SettlementError{Code: CodePriceImpact, Reason: "oracle unavailable", Err: err}
		}
		if !within {
			return settleErr(CodePriceImpact, "price impact %d bps exceeds %d", impact, oc.MaxPriceImpactBps)
		}
	}
	return nil
}

// settle claims the intent, calls escrow and finalizes the outcome. Once the
// claim commits the intent ends processed unless the finalize write keeps
// failing after escrow succeeded.
func (e Engine) settle(ctx context.Context, p domain.PaymentIntent, req collab.SettleRequest, permit *domain.Permit) (domain.PaymentIntent, error) {
	if err := e.claim(ctx, p, permit); err != nil {
		return domain.PaymentIntent{}, err
	}
	req.IntentID = p.ID
	req.Payer = p.User
	req.Receiver = p.Creator
	req.Operator = e.Config.OperatorAddress()
	req.Token = p.PaymentToken
	req.Amount = p.ExpectedAmount
	req.CreatorAmount = p.CreatorAmount
	req.PlatformFee = p.PlatformFee
	req.OperatorFee = p.OperatorFee
	req.Deadline = p.Deadline

	outcome, err := e.Collab.Escrow.Settle(ctx, req)
	// The claim is committed; finish even if the caller went away.
	ctx = context.WithoutCancel(ctx)
	if err != nil {
		return domain.PaymentIntent{}, e.failSettlement(ctx, p, CodeEscrowError, err.Error(), err)
	}
	if !outcome.Success {
		reason := outcome.Reason
		if reason == "" {
			reason = "escrow declined"
		}
		return domain.PaymentIntent{}, e.failSettlement(ctx, p, CodeEscrowRejected, reason, nil)
	}
	if err := e.finalize(ctx, p, outcome.Reference); err != nil {
		return domain.PaymentIntent{}, err
	}
	e.logger().InfoContext(ctx, "intent settled", "intent_id", p.ID, "kind", req.Kind, "reference", outcome.Reference)

	grant, err := e.dispatchAccess(ctx, p)
	if err != nil {
		e.logger().ErrorContext(ctx, "access dispatch failed", "intent_id", p.ID, "error", err)
	}
	if grant != domain.GrantFailed {
		e.recordEarnings(ctx, p)
	}
	return e.Repo.GetIntent(ctx, p.ID)
}

func (e Engine) claim(ctx context.Context, p domain.PaymentIntent, permit *domain.Permit) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	now := e.now()
	claimed, err := e.Repo.ClaimIntent(ctx, tx, p.ID, now)
	if err != nil {
		return err
	}
	if !claimed {
		current, err := e.Repo.GetIntentTx(ctx, tx, p.ID)
		if err != nil {
			return err
		}
		if err := e.checkExecutable(current, p.User); err != nil {
			return err
		}
		return fmt.Errorf("intent %s: %w", p.ID, ErrNotReady)
	}
	payload := events.EventPayload{"kind": collab.SettlePreauthorized}
	if permit != nil {
		consumed, err := e.Repo.ConsumePermitNonce(ctx, tx, p.User, permit.Nonce)
		if err != nil {
			return err
		}
		if !consumed {
			return settleErr(CodePermitNonceMismatch, "permit nonce %d already used", permit.Nonce)
		}
		payload["kind"] = collab.SettlePermit
		payload["permit_nonce"] = permit.Nonce
	}
	if err := e.events().Append(ctx, tx, events.IntentExecuting, "intent", p.ID, p.User.Hex(), payload); err != nil {
		return err
	}
	return tx.Commit()
}

// finalize records an escrow success. Funds have already moved, so a failed
// write is retried and, if it keeps failing, logged with the escrow reference
// and left executing for an operator to reconcile with MarkProcessed.
func (e Engine) finalize(ctx context.Context, p domain.PaymentIntent, ref string) error {
	var err error
	for attempt := 1; attempt <= finalizeAttempts; attempt++ {
		if err = e.complete(ctx, p, ref); err == nil || errors.Is(err, ErrAlreadyProcessed) {
			return err
		}
		e.logger().WarnContext(ctx, "finalize settled intent", "intent_id", p.ID, "reference", ref, "attempt", attempt, "error", err)
		if attempt < finalizeAttempts {
			time.Sleep(time.Duration(attempt) * finalizeBackoff)
		}
	}
	e.logger().ErrorContext(ctx, "settled intent not finalized", "intent_id", p.ID, "reference", ref, "amount", p.ExpectedAmount, "error", err)
	return &SettlementError{
		Code:   CodeFinalizeFailed,
		Reason: fmt.Sprintf("escrow settled as %s but the intent was not finalized", ref),
		Err:    err,
	}
}

func (e Engine) complete(ctx context.Context, p domain.PaymentIntent, ref string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.markProcessedTx(ctx, tx, p.ID, domain.StatusCompleted, "", ref, p.User.Hex()); err != nil {
		return err
	}
	for name, delta := range map[string]uint64{
		repo.CounterVolumeSettled: p.TotalAmount,
		repo.CounterPlatformFees:  p.PlatformFee,
		repo.CounterOperatorFees:  p.OperatorFee,
	} {
		if err := e.Repo.AddCounter(ctx, tx, name, delta); err != nil {
			return err
		}
	}
	return tx.Commit()
}

// failSettlement marks the intent failed and queues a refund for the full
// amount in the same transaction.
func (e Engine) failSettlement(ctx context.Context, p domain.PaymentIntent, code, reason string, cause error) error {
	e.logger().WarnContext(ctx, "settlement failed", "intent_id", p.ID, "code", code, "reason", reason)
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.markProcessedTx(ctx, tx, p.ID, domain.StatusFailed, reason, "", p.User.Hex()); err != nil {
		return err
	}
	rf, err := e.queueRefundTx(ctx, tx, p, p.User, "settlement failed: "+reason, "engine")
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	return &SettlementError{Code: code, Reason: reason, Terminal: true, RefundID: rf.ID, Err: cause}
}
