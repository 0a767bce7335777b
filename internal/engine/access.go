package engine

import (
	"context"
	"errors"
	"fmt"

	"paykit/internal/collab"
	"paykit/internal/domain"
	"paykit/internal/events"
)

var errNoRecorder = errors.New("no access recorder configured")

func grantFor(p domain.PaymentIntent) collab.Grant {
	return collab.Grant{
		IntentID:     p.ID,
		Type:         p.Type,
		User:         p.User,
		Creator:      p.Creator,
		ContentID:    p.ContentID,
		PaymentToken: p.PaymentToken,
		TotalAmount:  p.TotalAmount,
		AmountPaid:   p.ExpectedAmount,
	}
}

// dispatchAccess grants what a completed intent paid for. When the ledger
// fails the grant is recorded externally instead; when both fail the grant
// is marked failed and the payment is refunded.
func (e Engine) dispatchAccess(ctx context.Context, p domain.PaymentIntent) (domain.GrantStatus, error) {
	g := grantFor(p)
	var primary error
	switch p.Type {
	case domain.PaymentContent:
		primary = e.Collab.Access.GrantContent(ctx, g)
	case domain.PaymentSubscription:
		primary = e.Collab.Access.GrantSubscription(ctx, g)
	case domain.PaymentTip, domain.PaymentDonation:
		return domain.GrantNone, nil
	default:
		return domain.GrantNone, fmt.Errorf("unknown payment type %q", p.Type)
	}

	status := domain.GrantGranted
	var fallback error
	if primary != nil {
		e.logger().WarnContext(ctx, "access ledger grant failed", "intent_id", p.ID, "error", primary)
		status = domain.GrantRecorded
		if e.Collab.Recorder == nil {
			fallback = errNoRecorder
		} else {
			fallback = e.Collab.Recorder.RecordExternal(ctx, g)
		}
		if fallback != nil {
			e.logger().WarnContext(ctx, "access fallback recording failed", "intent_id", p.ID, "error", fallback)
			status = domain.GrantFailed
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return status, err
	}
	defer tx.Rollback()
	if err := e.Repo.SetGrantStatus(ctx, tx, p.ID, status); err != nil {
		return status, err
	}
	evt, payload := events.AccessGranted, events.EventPayload{"grant_status": status}
	if status == domain.GrantFailed {
		reason := fmt.Sprintf("access grant failed: %v; fallback: %v", primary, fallback)
		evt, payload = events.AccessFailed, events.EventPayload{"reason": reason}
		if _, err := e.queueRefundTx(ctx, tx, p, p.User, reason, "engine"); err != nil {
			return status, err
		}
	}
	if err := e.events().Append(ctx, tx, evt, "intent", p.ID, "engine", payload); err != nil {
		return status, err
	}
	return status, tx.Commit()
}

// recordEarnings updates creator statistics. Failures are logged only.
func (e Engine) recordEarnings(ctx context.Context, p domain.PaymentIntent) {
	if e.Collab.Stats == nil {
		return
	}
	if err := e.Collab.Stats.RecordEarnings(ctx, p.Creator, p.CreatorAmount, p.Type); err != nil {
		e.logger().WarnContext(ctx, "creator stats update failed", "intent_id", p.ID, "creator", p.Creator.Hex(), "error", err)
	}
}
