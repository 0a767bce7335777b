package domain

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type PaymentType string

const (
	PaymentContent      PaymentType = "content_purchase"
	PaymentSubscription PaymentType = "subscription"
	PaymentTip          PaymentType = "tip"
	PaymentDonation     PaymentType = "donation"
)

// PaymentTypes lists the accepted payment types.
var PaymentTypes = []PaymentType{PaymentContent, PaymentSubscription, PaymentTip, PaymentDonation}

func (t PaymentType) Valid() bool {
	switch t {
	case PaymentContent, PaymentSubscription, PaymentTip, PaymentDonation:
		return true
	}
	return false
}

// FreeAmount reports whether the payer chooses the amount.
func (t PaymentType) FreeAmount() bool {
	return t == PaymentTip || t == PaymentDonation
}

func ParsePaymentType(s string) (PaymentType, error) {
	t := PaymentType(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown payment type %q", s)
	}
	return t, nil
}

type IntentStatus string

const (
	StatusCreated              IntentStatus = "created"
	StatusAuthorizationPending IntentStatus = "authorization_pending"
	StatusReady                IntentStatus = "ready"
	StatusExecuting            IntentStatus = "executing"
	StatusCompleted            IntentStatus = "completed"
	StatusFailed               IntentStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s IntentStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

type GrantStatus string

const (
	GrantNone     GrantStatus = "none"
	GrantGranted  GrantStatus = "granted"
	GrantRecorded GrantStatus = "recorded"
	GrantFailed   GrantStatus = "failed"
)

type PaymentIntent struct {
	ID              string         `json:"id"`
	Type            PaymentType    `json:"payment_type"`
	User            common.Address `json:"user"`
	Creator         common.Address `json:"creator"`
	ContentID       uint64         `json:"content_id"`
	TotalAmount     uint64         `json:"total_amount"`
	PlatformFee     uint64         `json:"platform_fee"`
	CreatorAmount   uint64         `json:"creator_amount"`
	OperatorFee     uint64         `json:"operator_fee"`
	DiscountApplied uint64         `json:"discount_applied"`
	PaymentToken    common.Address `json:"payment_token"`
	ExpectedAmount  uint64         `json:"expected_amount"`
	QuotedAmount    uint64         `json:"quoted_amount"`
	MaxSlippageBps  uint64         `json:"max_slippage_bps"`
	Nonce           uint64         `json:"nonce"`
	Origin          string         `json:"origin"`
	CreatedAt       time.Time      `json:"created_at"`
	Deadline        time.Time      `json:"deadline"`
	Status          IntentStatus   `json:"status"`
	Processed       bool           `json:"processed"`
	ProcessedAt     *time.Time     `json:"processed_at,omitempty"`
	GrantStatus     GrantStatus    `json:"grant_status"`
	FailureReason   string         `json:"failure_reason,omitempty"`
	SettlementRef   string         `json:"settlement_ref,omitempty"`
}

// RefundableAmount is the full amount the user paid for the intent.
func (p PaymentIntent) RefundableAmount() uint64 {
	return p.CreatorAmount + p.PlatformFee + p.OperatorFee
}

// Expired reports whether the deadline has passed at now.
func (p PaymentIntent) Expired(now time.Time) bool {
	return now.After(p.Deadline)
}

type RefundRequest struct {
	ID               string         `json:"id"`
	OriginalIntentID string         `json:"original_intent_id"`
	User             common.Address `json:"user"`
	Amount           uint64         `json:"amount"`
	Reason           string         `json:"reason"`
	RequestTime      time.Time      `json:"request_time"`
	Processed        bool           `json:"processed"`
	ProcessedAt      *time.Time     `json:"processed_at,omitempty"`
	ProcessedBy      string         `json:"processed_by,omitempty"`
}

type AuthorizationRecord struct {
	IntentID   string         `json:"intent_id"`
	Hash       common.Hash    `json:"hash"`
	Signature  hexutil.Bytes  `json:"signature,omitempty"`
	Signer     common.Address `json:"signer"`
	Ready      bool           `json:"ready"`
	PreparedAt time.Time      `json:"prepared_at"`
	SignedAt   *time.Time     `json:"signed_at,omitempty"`
}

// Permit is a gasless token-transfer authorization signed by the payer.
type Permit struct {
	Token           common.Address `json:"token"`
	Amount          uint64         `json:"amount"`
	Nonce           uint64         `json:"nonce"`
	Deadline        time.Time      `json:"deadline"`
	Spender         common.Address `json:"spender"`
	TransferTo      common.Address `json:"transfer_to"`
	RequestedAmount uint64         `json:"requested_amount"`
	Signature       hexutil.Bytes  `json:"signature"`
}

type PaymentContext struct {
	Intent        PaymentIntent        `json:"intent"`
	Authorization *AuthorizationRecord `json:"authorization,omitempty"`
	Refund        *RefundRequest       `json:"refund,omitempty"`
}

type OperatorMetrics struct {
	IntentsCreated      uint64 `json:"intents_created"`
	IntentsCompleted    uint64 `json:"intents_completed"`
	IntentsFailed       uint64 `json:"intents_failed"`
	RefundsRequested    uint64 `json:"refunds_requested"`
	RefundsProcessed    uint64 `json:"refunds_processed"`
	VolumeSettled       uint64 `json:"volume_settled"`
	PlatformFeesAccrued uint64 `json:"platform_fees_accrued"`
	OperatorFeesAccrued uint64 `json:"operator_fees_accrued"`
	RefundsPaid         uint64 `json:"refunds_paid"`
	SignerSetVersion    uint64 `json:"signer_set_version"`
}

type Signer struct {
	Address common.Address `json:"address"`
	AddedBy string         `json:"added_by"`
	AddedAt string         `json:"added_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
