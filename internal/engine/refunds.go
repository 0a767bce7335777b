package engine

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"paykit/internal/collab"
	"paykit/internal/domain"
	"paykit/internal/engine/authz"
	"paykit/internal/events"
	"paykit/internal/fees"
	"paykit/internal/repo"
)

// RefundID derives a refund id from the originating intent, the requester,
// the reason and the request time.
func RefundID(intentID string, requester common.Address, reason string, at time.Time) string {
	key := strings.Join([]string{intentID, requester.Hex(), reason, strconv.FormatInt(at.UnixNano(), 10)}, "|")
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(key)).String()
}

// queueRefundTx creates the refund for p and credits the user's pending
// balance. The amount is taken from the stored fee components.
func (e Engine) queueRefundTx(ctx context.Context, tx *sql.Tx, p domain.PaymentIntent, requester common.Address, reason, actor string) (domain.RefundRequest, error) {
	exists, err := e.Repo.RefundExistsForIntentTx(ctx, tx, p.ID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if exists {
		return domain.RefundRequest{}, fmt.Errorf("intent %s: %w", p.ID, ErrRefundExists)
	}
	now := e.now().UTC()
	rf := domain.RefundRequest{
		ID:               RefundID(p.ID, requester, reason, now),
		OriginalIntentID: p.ID,
		User:             p.User,
		Amount:           p.RefundableAmount(),
		Reason:           reason,
		RequestTime:      now,
	}
	if err := e.Repo.InsertRefund(ctx, tx, rf); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.RefundRequest{}, fmt.Errorf("intent %s: %w", p.ID, ErrRefundExists)
		}
		return domain.RefundRequest{}, fmt.Errorf("insert refund: %w", err)
	}
	if err := e.Repo.CreditBalance(ctx, tx, rf.User, rf.Amount, now); err != nil {
		return domain.RefundRequest{}, fmt.Errorf("credit balance: %w", err)
	}
	if err := e.Repo.AddCounter(ctx, tx, repo.CounterRefundsRequested, 1); err != nil {
		return domain.RefundRequest{}, err
	}
	if err := e.events().Append(ctx, tx, events.RefundRequested, "refund", rf.ID, actor, events.EventPayload{
		"intent_id": p.ID,
		"user":      rf.User.Hex(),
		"amount":    rf.Amount,
		"reason":    reason,
	}); err != nil {
		return domain.RefundRequest{}, err
	}
	return rf, nil
}

// RequestRefund opens a user dispute on a completed intent within the
// configured dispute window. A zero window disables the time check.
func (e Engine) RequestRefund(ctx context.Context, intentID string, requester common.Address, reason string) (domain.RefundRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.RefundRequest{}, fees.Invalid("reason", "required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return domain.RefundRequest{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	if requester != p.User {
		return domain.RefundRequest{}, fmt.Errorf("intent %s: %w", intentID, ErrNotIntentOwner)
	}
	if p.Status != domain.StatusCompleted {
		return domain.RefundRequest{}, fmt.Errorf("intent %s is %s: %w", intentID, p.Status, ErrNotCompleted)
	}
	if window := e.Config.Refunds.DisputeWindow; window > 0 && p.ProcessedAt != nil && e.now().Sub(*p.ProcessedAt) > window {
		return domain.RefundRequest{}, fmt.Errorf("intent %s: %w", intentID, ErrDisputeWindowClosed)
	}
	rf, err := e.queueRefundTx(ctx, tx, p, requester, reason, requester.Hex())
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RefundRequest{}, err
	}
	e.logger().InfoContext(ctx, "refund requested", "refund_id", rf.ID, "intent_id", intentID, "amount", rf.Amount)
	return rf, nil
}

// HandleFailedPayment queues a refund for a processed intent whose payment
// could not be honored.
func (e Engine) HandleFailedPayment(ctx context.Context, intentID, reason string) (domain.RefundRequest, error) {
	reason = strings.TrimSpace(reason)
	if reason == "" {
		return domain.RefundRequest{}, fees.Invalid("reason", "required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return domain.RefundRequest{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	if !p.Processed {
		return domain.RefundRequest{}, fmt.Errorf("intent %s is %s: %w", intentID, p.Status, ErrNotTerminal)
	}
	rf, err := e.queueRefundTx(ctx, tx, p, p.User, reason, "engine")
	if err != nil {
		return domain.RefundRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RefundRequest{}, err
	}
	return rf, nil
}

// ProcessRefund pays out a queued refund. The refund is marked processed and
// the balance debited before escrow releases funds; a failed release reopens
// the refund and restores the balance.
func (e Engine) ProcessRefund(ctx context.Context, actor, refundID string) (domain.RefundRequest, error) {
	return e.processRefund(ctx, actor, refundID, false)
}

// ProcessRefundWithCoordination is ProcessRefund plus a best-effort revoke of
// the access the refunded intent granted.
func (e Engine) ProcessRefundWithCoordination(ctx context.Context, actor, refundID string) (domain.RefundRequest, error) {
	return e.processRefund(ctx, actor, refundID, true)
}

func (e Engine) processRefund(ctx context.Context, actor, refundID string, coordinate bool) (domain.RefundRequest, error) {
	if e.Collab.Escrow == nil {
		return domain.RefundRequest{}, fmt.Errorf("%w: escrow", collab.ErrNotConfigured)
	}
	rf, debited, err := e.claimRefund(ctx, actor, refundID)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	releaseErr := e.Collab.Escrow.Release(ctx, collab.ReleaseRequest{
		RefundID: rf.ID,
		IntentID: rf.OriginalIntentID,
		To:       rf.User,
		Amount:   rf.Amount,
	})
	ctx = context.WithoutCancel(ctx)
	if releaseErr != nil {
		e.logger().ErrorContext(ctx, "refund release failed", "refund_id", rf.ID, "error", releaseErr)
		if err := e.reopenRefund(ctx, actor, rf, debited, releaseErr); err != nil {
			return domain.RefundRequest{}, fmt.Errorf("release refund %s: %w (reopen: %v)", rf.ID, releaseErr, err)
		}
		return domain.RefundRequest{}, fmt.Errorf("release refund %s: %w", rf.ID, releaseErr)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RefundRequest{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.AddCounter(ctx, tx, repo.CounterRefundsProcessed, 1); err != nil {
		return domain.RefundRequest{}, err
	}
	if err := e.Repo.AddCounter(ctx, tx, repo.CounterRefundsPaid, rf.Amount); err != nil {
		return domain.RefundRequest{}, err
	}
	if err := e.events().Append(ctx, tx, events.RefundProcessed, "refund", rf.ID, actor, events.EventPayload{
		"intent_id": rf.OriginalIntentID,
		"amount":    rf.Amount,
		"debited":   debited,
	}); err != nil {
		return domain.RefundRequest{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RefundRequest{}, err
	}
	e.logger().InfoContext(ctx, "refund processed", "refund_id", rf.ID, "amount", rf.Amount, "actor", actor)

	if coordinate {
		e.revokeAccess(ctx, rf.OriginalIntentID)
	}
	return e.Repo.GetRefund(ctx, rf.ID)
}

func (e Engine) claimRefund(ctx context.Context, actor, refundID string) (domain.RefundRequest, uint64, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RefundRequest{}, 0, err
	}
	defer tx.Rollback()
	if err := authz.RequireRole(ctx, tx, e.Repo, actor, repo.RoleRefundProcessor, repo.RoleAdmin); err != nil {
		return domain.RefundRequest{}, 0, err
	}
	rf, err := e.Repo.GetRefundTx(ctx, tx, refundID)
	if err != nil {
		return domain.RefundRequest{}, 0, fmt.Errorf("refund %s: %w", refundID, err)
	}
	if rf.Processed {
		return domain.RefundRequest{}, 0, fmt.Errorf("refund %s: %w", refundID, ErrRefundProcessed)
	}
	now := e.now()
	ok, err := e.Repo.MarkRefundProcessed(ctx, tx, refundID, actor, now)
	if err != nil {
		return domain.RefundRequest{}, 0, err
	}
	if !ok {
		return domain.RefundRequest{}, 0, fmt.Errorf("refund %s: %w", refundID, ErrRefundProcessed)
	}
	debited, err := e.Repo.DebitBalance(ctx, tx, rf.User, rf.Amount, now)
	if err != nil {
		return domain.RefundRequest{}, 0, err
	}
	if err := tx.Commit(); err != nil {
		return domain.RefundRequest{}, 0, err
	}
	return rf, debited, nil
}

func (e Engine) reopenRefund(ctx context.Context, actor string, rf domain.RefundRequest, debited uint64, cause error) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.ReopenRefund(ctx, tx, rf.ID); err != nil {
		return err
	}
	if debited > 0 {
		if err := e.Repo.CreditBalance(ctx, tx, rf.User, debited, e.now()); err != nil {
			return err
		}
	}
	if err := e.events().Append(ctx, tx, events.RefundReopened, "refund", rf.ID, actor, events.EventPayload{"reason": cause.Error()}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) revokeAccess(ctx context.Context, intentID string) {
	if e.Collab.Revoker == nil {
		return
	}
	p, err := e.Repo.GetIntent(ctx, intentID)
	if err != nil {
		e.logger().WarnContext(ctx, "revoke lookup failed", "intent_id", intentID, "error", err)
		return
	}
	if p.GrantStatus != domain.GrantGranted && p.GrantStatus != domain.GrantRecorded {
		return
	}
	if err := e.Collab.Revoker.Revoke(ctx, grantFor(p)); err != nil {
		e.logger().WarnContext(ctx, "access revoke failed", "intent_id", intentID, "error", err)
	}
}

func (e Engine) GetRefund(ctx context.Context, refundID string) (domain.RefundRequest, error) {
	return e.Repo.GetRefund(ctx, refundID)
}

func (e Engine) ListRefunds(ctx context.Context, f repo.RefundFilters) ([]domain.RefundRequest, error) {
	return e.Repo.ListRefunds(ctx, f)
}

func (e Engine) PendingBalance(ctx context.Context, user common.Address) (uint64, error) {
	return e.Repo.PendingBalance(ctx, user)
}
