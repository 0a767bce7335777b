package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"paykit/internal/domain"
	"paykit/internal/events"
	"paykit/internal/fees"
	"paykit/internal/repo"
)

// CreateRequest is a payment request plus the intent's lifetime.
type CreateRequest struct {
	fees.Request
	Deadline time.Time
	Origin   string
	Actor    string
}

// CreatePaymentIntent prices the request and stores a new intent in the
// created state. Pricing and validation failures write nothing.
func (e Engine) CreatePaymentIntent(ctx context.Context, req CreateRequest) (domain.PaymentIntent, error) {
	if e.Config == nil {
		return domain.PaymentIntent{}, errors.New("config not loaded")
	}
	if err := e.Collab.Validate(); err != nil {
		return domain.PaymentIntent{}, err
	}
	now := e.now().UTC()
	if err := e.checkDeadline(now, req.Deadline); err != nil {
		return domain.PaymentIntent{}, err
	}
	quote, err := e.calculator().Quote(ctx, req.Request)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	origin := strings.TrimSpace(req.Origin)
	if origin == "" {
		origin = e.Config.Intents.Origin
	}
	contentID := req.ContentID
	if req.Type != domain.PaymentContent {
		contentID = 0
	}
	p := domain.PaymentIntent{
		Type:            req.Type,
		User:            req.User,
		Creator:         req.Creator,
		ContentID:       contentID,
		TotalAmount:     quote.TotalAmount,
		PlatformFee:     quote.PlatformFee,
		CreatorAmount:   quote.CreatorAmount,
		OperatorFee:     quote.OperatorFee,
		DiscountApplied: quote.DiscountApplied,
		PaymentToken:    quote.PaymentToken,
		ExpectedAmount:  quote.ExpectedAmount,
		QuotedAmount:    quote.QuotedAmount,
		MaxSlippageBps:  quote.MaxSlippageBps,
		Origin:          origin,
		CreatedAt:       now,
		Deadline:        req.Deadline.UTC(),
		Status:          domain.StatusCreated,
		GrantStatus:     domain.GrantNone,
	}
	if err := validateRecord(p); err != nil {
		return domain.PaymentIntent{}, err
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	defer tx.Rollback()

	nonce, err := e.Repo.NextIntentNonce(ctx, tx, p.User)
	if err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("allocate nonce: %w", err)
	}
	p.Nonce = nonce
	p.ID = IntentID(p, e.Config.Settlement.ChainID)
	exists, err := e.Repo.IntentExistsTx(ctx, tx, p.ID)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if exists {
		return domain.PaymentIntent{}, fmt.Errorf("intent %s: %w", p.ID, ErrIntentExists)
	}
	if err := e.Repo.InsertIntent(ctx, tx, p); err != nil {
		if repo.IsUniqueViolation(err) {
			return domain.PaymentIntent{}, fmt.Errorf("intent %s: %w", p.ID, ErrIntentExists)
		}
		return domain.PaymentIntent{}, fmt.Errorf("insert intent: %w", err)
	}
	if err := e.Repo.AddCounter(ctx, tx, repo.CounterIntentsCreated, 1); err != nil {
		return domain.PaymentIntent{}, err
	}
	actor := req.Actor
	if actor == "" {
		actor = p.User.Hex()
	}
	if err := e.events().Append(ctx, tx, events.IntentCreated, "intent", p.ID, actor, events.EventPayload{
		"payment_type":     p.Type,
		"user":             p.User.Hex(),
		"creator":          p.Creator.Hex(),
		"content_id":       p.ContentID,
		"total_amount":     p.TotalAmount,
		"platform_fee":     p.PlatformFee,
		"creator_amount":   p.CreatorAmount,
		"operator_fee":     p.OperatorFee,
		"discount_applied": p.DiscountApplied,
		"payment_token":    p.PaymentToken.Hex(),
		"expected_amount":  p.ExpectedAmount,
		"nonce":            p.Nonce,
		"deadline":         repo.FormatTime(p.Deadline),
	}); err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentIntent{}, err
	}
	e.logger().InfoContext(ctx, "intent created", "intent_id", p.ID, "type", p.Type, "total", p.TotalAmount, "token", p.PaymentToken.Hex())
	return p, nil
}

func (e Engine) checkDeadline(now, deadline time.Time) error {
	if deadline.IsZero() {
		return fees.Invalid("deadline", "required")
	}
	if !deadline.After(now) {
		return fees.Invalid("deadline", "must be in the future")
	}
	horizon := e.Config.Intents.MaxDeadlineHorizon
	if horizon > 0 && deadline.Sub(now) > horizon {
		return fees.Invalid("deadline", "exceeds maximum horizon %s", horizon)
	}
	return nil
}

func validateRecord(p domain.PaymentIntent) error {
	if p.Creator == (common.Address{}) {
		return fees.Invalid("creator", "recipient must not be zero")
	}
	if p.User == (common.Address{}) {
		return fees.Invalid("user", "refund destination must not be zero")
	}
	if p.PlatformFee+p.OperatorFee > p.TotalAmount || p.CreatorAmount != p.TotalAmount-p.PlatformFee-p.OperatorFee {
		return fees.Invalid("creator_amount", "does not match declared recipient amount")
	}
	if p.OperatorFee > p.CreatorAmount {
		return &ValidationError{Field: "operator_fee", Err: fees.ErrFeeExceedsAmount}
	}
	return nil
}

// IntentID derives the 128-bit intent id from the fields that make a request
// unique. The per-user nonce separates otherwise identical requests.
func IntentID(p domain.PaymentIntent, chainID int64) string {
	parts := []string{
		p.User.Hex(),
		p.Creator.Hex(),
		strconv.FormatUint(p.ContentID, 10),
		string(p.Type),
		strconv.FormatUint(p.Nonce, 10),
		p.Origin,
		strconv.FormatInt(p.CreatedAt.UnixNano(), 10),
		strconv.FormatInt(chainID, 10),
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(strings.Join(parts, "|"))).String()
}

// MarkProcessed records a terminal status for an intent. It succeeds exactly
// once per intent; later calls return ErrAlreadyProcessed.
func (e Engine) MarkProcessed(ctx context.Context, intentID string, status domain.IntentStatus, reason, actor string) (domain.PaymentIntent, error) {
	if !status.Terminal() {
		return domain.PaymentIntent{}, fmt.Errorf("%s: %w", status, ErrNotTerminal)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	defer tx.Rollback()
	if _, err := e.Repo.GetIntentTx(ctx, tx, intentID); err != nil {
		return domain.PaymentIntent{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	if err := e.markProcessedTx(ctx, tx, intentID, status, reason, "", actor); err != nil {
		return domain.PaymentIntent{}, err
	}
	p, err := e.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return domain.PaymentIntent{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.PaymentIntent{}, err
	}
	return p, nil
}

func (e Engine) markProcessedTx(ctx context.Context, tx *sql.Tx, intentID string, status domain.IntentStatus, reason, ref, actor string) error {
	ok, err := e.Repo.MarkProcessed(ctx, tx, intentID, status, reason, ref, e.now())
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("intent %s: %w", intentID, ErrAlreadyProcessed)
	}
	counter := repo.CounterIntentsCompleted
	evt := events.IntentCompleted
	if status == domain.StatusFailed {
		counter = repo.CounterIntentsFailed
		evt = events.IntentFailed
	}
	if err := e.Repo.AddCounter(ctx, tx, counter, 1); err != nil {
		return err
	}
	payload := events.EventPayload{"status": status}
	if reason != "" {
		payload["reason"] = reason
	}
	if ref != "" {
		payload["settlement_ref"] = ref
	}
	return e.events().Append(ctx, tx, evt, "intent", intentID, actor, payload)
}

func (e Engine) GetIntent(ctx context.Context, intentID string) (domain.PaymentIntent, error) {
	return e.Repo.GetIntent(ctx, intentID)
}

func (e Engine) ListIntents(ctx context.Context, f repo.IntentFilters) ([]domain.PaymentIntent, error) {
	return e.Repo.ListIntents(ctx, f)
}

// GetPaymentContext returns the intent with its authorization record and
// refund, when present.
func (e Engine) GetPaymentContext(ctx context.Context, intentID string) (domain.PaymentContext, error) {
	p, err := e.Repo.GetIntent(ctx, intentID)
	if err != nil {
		return domain.PaymentContext{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	pc := domain.PaymentContext{Intent: p}
	rec, err := e.Repo.GetAuthorization(ctx, intentID)
	switch {
	case err == nil:
		pc.Authorization = &rec
	case !errors.Is(err, repo.ErrNotFound):
		return domain.PaymentContext{}, err
	}
	rf, err := e.Repo.GetRefundByIntent(ctx, intentID)
	switch {
	case err == nil:
		pc.Refund = &rf
	case !errors.Is(err, repo.ErrNotFound):
		return domain.PaymentContext{}, err
	}
	return pc, nil
}
