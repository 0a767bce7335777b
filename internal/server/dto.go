package server

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"paykit/internal/domain"
	"paykit/internal/fees"
)

// Request payloads

type CreateIntentRequest struct {
	PaymentType    string     `json:"payment_type" enum:"content_purchase,subscription,tip,donation"`
	User           string     `json:"user" example:"0x1000000000000000000000000000000000000001"`
	Creator        string     `json:"creator" example:"0x2000000000000000000000000000000000000002"`
	ContentID      uint64     `json:"content_id,omitempty"`
	Amount         uint64     `json:"amount,omitempty"`
	PaymentToken   string     `json:"payment_token,omitempty"`
	MaxSlippageBps uint64     `json:"max_slippage_bps,omitempty" maximum:"10000"`
	Deadline       *time.Time `json:"deadline,omitempty" doc:"Absolute deadline; defaults to now + ttl_seconds"`
	TTLSeconds     int64      `json:"ttl_seconds,omitempty" minimum:"0"`
	Origin         string     `json:"origin,omitempty"`
}

type MarkProcessedRequest struct {
	Status string `json:"status" enum:"completed,failed"`
	Reason string `json:"reason,omitempty"`
}

type SignatureRequest struct {
	Signature string `json:"signature" doc:"0x-prefixed 65-byte signature"`
	Signer    string `json:"signer"`
}

type VerifySignatureResponse struct {
	Valid bool `json:"valid"`
}

type ExecuteSignatureRequest struct {
	Caller    string `json:"caller"`
	Signature string `json:"signature"`
	Signer    string `json:"signer"`
}

type PermitBody struct {
	Token           string    `json:"token"`
	Amount          uint64    `json:"amount"`
	Nonce           uint64    `json:"nonce"`
	Deadline        time.Time `json:"deadline"`
	Spender         string    `json:"spender"`
	TransferTo      string    `json:"transfer_to"`
	RequestedAmount uint64    `json:"requested_amount"`
	Signature       string    `json:"signature"`
}

type ExecutePermitRequest struct {
	Caller string     `json:"caller"`
	Permit PermitBody `json:"permit"`
}

type RefundCreateRequest struct {
	Requester string `json:"requester"`
	Reason    string `json:"reason"`
}

type FailedPaymentRequest struct {
	Reason string `json:"reason"`
}

type ProcessRefundRequest struct {
	Coordinate bool `json:"coordinate,omitempty" doc:"Also revoke the access granted by the original payment"`
}

type SignerRequest struct {
	Address string `json:"address"`
}

type RoleChangeRequest struct {
	ActorID string `json:"actor_id"`
	RoleID  string `json:"role_id" enum:"admin,refund_processor"`
}

type APIKeyCreateRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type IntentResponse struct {
	ID              string     `json:"id"`
	PaymentType     string     `json:"payment_type"`
	User            string     `json:"user"`
	Creator         string     `json:"creator"`
	ContentID       uint64     `json:"content_id"`
	TotalAmount     uint64     `json:"total_amount"`
	PlatformFee     uint64     `json:"platform_fee"`
	CreatorAmount   uint64     `json:"creator_amount"`
	OperatorFee     uint64     `json:"operator_fee"`
	DiscountApplied uint64     `json:"discount_applied"`
	PaymentToken    string     `json:"payment_token"`
	ExpectedAmount  uint64     `json:"expected_amount"`
	QuotedAmount    uint64     `json:"quoted_amount"`
	MaxSlippageBps  uint64     `json:"max_slippage_bps"`
	Nonce           uint64     `json:"nonce"`
	Origin          string     `json:"origin"`
	CreatedAt       time.Time  `json:"created_at"`
	Deadline        time.Time  `json:"deadline"`
	Status          string     `json:"status"`
	Processed       bool       `json:"processed"`
	ProcessedAt     *time.Time `json:"processed_at,omitempty"`
	GrantStatus     string     `json:"grant_status"`
	FailureReason   string     `json:"failure_reason,omitempty"`
	SettlementRef   string     `json:"settlement_ref,omitempty"`
}

type AuthorizationResponse struct {
	IntentID   string     `json:"intent_id"`
	Hash       string     `json:"hash"`
	Signature  string     `json:"signature,omitempty"`
	Signer     string     `json:"signer,omitempty"`
	Ready      bool       `json:"ready"`
	PreparedAt time.Time  `json:"prepared_at"`
	SignedAt   *time.Time `json:"signed_at,omitempty"`
}

type RefundResponse struct {
	ID               string     `json:"id"`
	OriginalIntentID string     `json:"original_intent_id"`
	User             string     `json:"user"`
	Amount           uint64     `json:"amount"`
	Reason           string     `json:"reason"`
	RequestTime      time.Time  `json:"request_time"`
	Processed        bool       `json:"processed"`
	ProcessedAt      *time.Time `json:"processed_at,omitempty"`
	ProcessedBy      string     `json:"processed_by,omitempty"`
}

type PaymentContextResponse struct {
	Intent        IntentResponse         `json:"intent"`
	Authorization *AuthorizationResponse `json:"authorization,omitempty"`
	Refund        *RefundResponse        `json:"refund,omitempty"`
}

type SignerResponse struct {
	Address string `json:"address"`
	AddedBy string `json:"added_by"`
	AddedAt string `json:"added_at" format:"date-time"`
}

type SignerChangeResponse struct {
	Address string `json:"address"`
	Changed bool   `json:"changed"`
}

type BalanceResponse struct {
	User    string `json:"user"`
	Pending uint64 `json:"pending"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

type APIKeyResponse struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	CreatedAt string `json:"created_at" format:"date-time"`
	Key       string `json:"key,omitempty" doc:"Plaintext key, returned only on creation"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source,omitempty"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedIntents struct {
	Items      []IntentResponse `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Conversion helpers

func intentResponse(p domain.PaymentIntent) IntentResponse {
	return IntentResponse{
		ID:              p.ID,
		PaymentType:     string(p.Type),
		User:            p.User.Hex(),
		Creator:         p.Creator.Hex(),
		ContentID:       p.ContentID,
		TotalAmount:     p.TotalAmount,
		PlatformFee:     p.PlatformFee,
		CreatorAmount:   p.CreatorAmount,
		OperatorFee:     p.OperatorFee,
		DiscountApplied: p.DiscountApplied,
		PaymentToken:    p.PaymentToken.Hex(),
		ExpectedAmount:  p.ExpectedAmount,
		QuotedAmount:    p.QuotedAmount,
		MaxSlippageBps:  p.MaxSlippageBps,
		Nonce:           p.Nonce,
		Origin:          p.Origin,
		CreatedAt:       p.CreatedAt,
		Deadline:        p.Deadline,
		Status:          string(p.Status),
		Processed:       p.Processed,
		ProcessedAt:     p.ProcessedAt,
		GrantStatus:     string(p.GrantStatus),
		FailureReason:   p.FailureReason,
		SettlementRef:   p.SettlementRef,
	}
}

func authorizationResponse(a domain.AuthorizationRecord) AuthorizationResponse {
	res := AuthorizationResponse{
		IntentID:   a.IntentID,
		Hash:       a.Hash.Hex(),
		Ready:      a.Ready,
		PreparedAt: a.PreparedAt,
		SignedAt:   a.SignedAt,
	}
	if len(a.Signature) > 0 {
		res.Signature = a.Signature.String()
		res.Signer = a.Signer.Hex()
	}
	return res
}

func refundResponse(rf domain.RefundRequest) RefundResponse {
	return RefundResponse{
		ID:               rf.ID,
		OriginalIntentID: rf.OriginalIntentID,
		User:             rf.User.Hex(),
		Amount:           rf.Amount,
		Reason:           rf.Reason,
		RequestTime:      rf.RequestTime,
		Processed:        rf.Processed,
		ProcessedAt:      rf.ProcessedAt,
		ProcessedBy:      rf.ProcessedBy,
	}
}

func contextResponse(pc domain.PaymentContext) PaymentContextResponse {
	res := PaymentContextResponse{Intent: intentResponse(pc.Intent)}
	if pc.Authorization != nil {
		a := authorizationResponse(*pc.Authorization)
		res.Authorization = &a
	}
	if pc.Refund != nil {
		rf := refundResponse(*pc.Refund)
		res.Refund = &rf
	}
	return res
}

func signerResponse(s domain.Signer) SignerResponse {
	return SignerResponse{Address: s.Address.Hex(), AddedBy: s.AddedBy, AddedAt: s.AddedAt}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

func apiKeyResponse(k domain.APIKey, secret string) APIKeyResponse {
	return APIKeyResponse{ID: k.ID, ActorID: k.ActorID, Name: k.Name, CreatedAt: k.CreatedAt, Key: secret}
}

// Input parsing

func parseAddress(field, raw string) (common.Address, error) {
	raw = strings.TrimSpace(raw)
	if !common.IsHexAddress(raw) {
		return common.Address{}, fees.Invalid(field, "%q is not a hex address", raw)
	}
	return common.HexToAddress(raw), nil
}

// parseOptionalAddress returns the zero address for an empty value.
func parseOptionalAddress(field, raw string) (common.Address, error) {
	if strings.TrimSpace(raw) == "" {
		return common.Address{}, nil
	}
	return parseAddress(field, raw)
}

func parseSignature(field, raw string) ([]byte, error) {
	sig, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil {
		return nil, &fees.ValidationError{Field: field, Err: err}
	}
	return sig, nil
}

func (b PermitBody) permit() (domain.Permit, error) {
	token, err := parseAddress("permit.token", b.Token)
	if err != nil {
		return domain.Permit{}, err
	}
	spender, err := parseAddress("permit.spender", b.Spender)
	if err != nil {
		return domain.Permit{}, err
	}
	target, err := parseAddress("permit.transfer_to", b.TransferTo)
	if err != nil {
		return domain.Permit{}, err
	}
	sig, err := parseSignature("permit.signature", b.Signature)
	if err != nil {
		return domain.Permit{}, err
	}
	return domain.Permit{
		Token:           token,
		Amount:          b.Amount,
		Nonce:           b.Nonce,
		Deadline:        b.Deadline,
		Spender:         spender,
		TransferTo:      target,
		RequestedAmount: b.RequestedAmount,
		Signature:       sig,
	}, nil
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var tmp any
	if err := json.Unmarshal([]byte(raw), &tmp); err != nil {
		return nil
	}
	if obj, ok := tmp.(map[string]any); ok {
		return obj
	}
	return nil
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
