// Package collab declares the external services the payment engine consumes.
// Implementations live in the memory (in-process) and httpcollab (JSON over
// HTTP) subpackages.
package collab

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"paykit/internal/domain"
)

var (
	// ErrUnknownItem is returned by a catalog that has no listing for the item.
	ErrUnknownItem = errors.New("unknown catalog item")
	// ErrNotConfigured means a required service has no implementation.
	ErrNotConfigured = errors.New("collaborator not configured")
)

// Listing is a catalog price entry.
type Listing struct {
	Price   uint64         `json:"price"`
	Creator common.Address `json:"creator"`
	Active  bool           `json:"active"`
}

type CatalogService interface {
	IsRegistered(ctx context.Context, creator common.Address) (bool, error)
	ContentPrice(ctx context.Context, contentID uint64) (Listing, error)
	SubscriptionPrice(ctx context.Context, creator common.Address) (Listing, error)
}

// PriceOracle converts settlement-currency amounts into other tokens.
type PriceOracle interface {
	Convert(ctx context.Context, token common.Address, amount, maxSlippageBps uint64) (uint64, error)
	// ValidateQuote re-quotes amount and reports whether the live quote is
	// within toleranceBps of quoted. The live quote is returned either way.
	ValidateQuote(ctx context.Context, token common.Address, amount, quoted, toleranceBps uint64) (bool, uint64, error)
	// PriceImpact returns the impact of trading amount in basis points and
	// whether it is within maxBps.
	PriceImpact(ctx context.Context, token common.Address, amount, maxBps uint64) (uint64, bool, error)
}

type SettlementKind string

const (
	SettlePreauthorized SettlementKind = "preauthorized"
	SettlePermit        SettlementKind = "permit"
)

// SettleRequest carries everything escrow needs to lock and capture funds.
type SettleRequest struct {
	Kind          SettlementKind `json:"kind"`
	IntentID      string         `json:"intent_id"`
	Payer         common.Address `json:"payer"`
	Receiver      common.Address `json:"receiver"`
	Operator      common.Address `json:"operator"`
	Token         common.Address `json:"token"`
	Amount        uint64         `json:"amount"`
	CreatorAmount uint64         `json:"creator_amount"`
	PlatformFee   uint64         `json:"platform_fee"`
	OperatorFee   uint64         `json:"operator_fee"`
	Deadline      time.Time      `json:"deadline"`
	Signature     hexutil.Bytes  `json:"signature,omitempty"`
	Permit        *domain.Permit `json:"permit,omitempty"`
}

type SettleOutcome struct {
	Success   bool   `json:"success"`
	Reference string `json:"reference,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

type ReleaseRequest struct {
	RefundID string         `json:"refund_id"`
	IntentID string         `json:"intent_id"`
	To       common.Address `json:"to"`
	Amount   uint64         `json:"amount"`
}

type EscrowService interface {
	Settle(ctx context.Context, req SettleRequest) (SettleOutcome, error)
	Release(ctx context.Context, req ReleaseRequest) error
}

// Grant describes an access entitlement produced by a completed intent.
type Grant struct {
	IntentID     string             `json:"intent_id"`
	Type         domain.PaymentType `json:"payment_type"`
	User         common.Address     `json:"user"`
	Creator      common.Address     `json:"creator"`
	ContentID    uint64             `json:"content_id"`
	PaymentToken common.Address     `json:"payment_token"`
	TotalAmount  uint64             `json:"total_amount"`
	AmountPaid   uint64             `json:"amount_paid"`
}

// AccessLedger is the primary access grant target.
type AccessLedger interface {
	GrantContent(ctx context.Context, g Grant) error
	GrantSubscription(ctx context.Context, g Grant) error
}

// AccessRecorder records a grant for out-of-band reconciliation when the
// ledger is unavailable.
type AccessRecorder interface {
	RecordExternal(ctx context.Context, g Grant) error
}

type AccessRevoker interface {
	Revoke(ctx context.Context, g Grant) error
}

type LoyaltyService interface {
	Discount(ctx context.Context, user common.Address, amount uint64) (uint64, error)
}

type StatsRecorder interface {
	RecordEarnings(ctx context.Context, creator common.Address, amount uint64, typ domain.PaymentType) error
}

// Set bundles the collaborators used by the engine. Loyalty, Recorder,
// Revoker and Stats are optional.
type Set struct {
	Catalog  CatalogService
	Oracle   PriceOracle
	Escrow   EscrowService
	Access   AccessLedger
	Recorder AccessRecorder
	Revoker  AccessRevoker
	Loyalty  LoyaltyService
	Stats    StatsRecorder
}

// Validate reports the first required collaborator that is missing.
func (s Set) Validate() error {
	switch {
	case s.Catalog == nil:
		return fmt.Errorf("%w: catalog", ErrNotConfigured)
	case s.Oracle == nil:
		return fmt.Errorf("%w: price oracle", ErrNotConfigured)
	case s.Escrow == nil:
		return fmt.Errorf("%w: escrow", ErrNotConfigured)
	case s.Access == nil:
		return fmt.Errorf("%w: access ledger", ErrNotConfigured)
	}
	return nil
}
