// Package fees computes the amounts an intent is created with. It reads from
// the catalog, loyalty and oracle collaborators but never writes state.
package fees

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-playground/validator/v10"
	"github.com/holiman/uint256"
	"github.com/shopspring/decimal"

	"paykit/internal/collab"
	"paykit/internal/config"
	"paykit/internal/domain"
)

// Request is a payment request before pricing.
type Request struct {
	Type           domain.PaymentType `validate:"required,oneof=content_purchase subscription tip donation"`
	User           common.Address     `validate:"nonzeroaddr"`
	Creator        common.Address     `validate:"nonzeroaddr"`
	ContentID      uint64             `validate:"required_if=Type content_purchase"`
	Amount         uint64
	PaymentToken   common.Address
	MaxSlippageBps uint64 `validate:"lte=10000"`
}

// Breakdown is the priced, fee-split result for a request.
type Breakdown struct {
	TotalAmount     uint64
	PlatformFee     uint64
	CreatorAmount   uint64
	OperatorFee     uint64
	DiscountApplied uint64
	PaymentToken    common.Address
	QuotedAmount    uint64
	ExpectedAmount  uint64
	MaxSlippageBps  uint64
}

// Split is the fee split of a total.
type Split struct {
	PlatformFee   uint64
	CreatorAmount uint64
	OperatorFee   uint64
}

type Calculator struct {
	Catalog collab.CatalogService
	Oracle  collab.PriceOracle
	Loyalty collab.LoyaltyService
	Config  *config.Config
	Logger  *slog.Logger
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	_ = v.RegisterValidation("nonzeroaddr", func(fl validator.FieldLevel) bool {
		a, ok := fl.Field().Interface().(common.Address)
		return ok && a != (common.Address{})
	})
	return v
}

// ValidateRequest checks request shape only.
func ValidateRequest(req Request) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return Invalid(strings.ToLower(fe.Field()), "failed %s check", fe.Tag())
	}
	return invalidErr("request", err)
}

func (c Calculator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// NormalizeToken maps the zero address to the settlement currency.
func NormalizeToken(cfg *config.Config, token common.Address) common.Address {
	if token == (common.Address{}) {
		return cfg.SettlementCurrency()
	}
	return token
}

// Quote prices a request: catalog lookup, optional loyalty discount, fee
// split, then oracle conversion when paying in another token.
func (c Calculator) Quote(ctx context.Context, req Request) (Breakdown, error) {
	if c.Config == nil {
		return Breakdown{}, errors.New("config not loaded")
	}
	if err := ValidateRequest(req); err != nil {
		return Breakdown{}, err
	}
	if req.MaxSlippageBps > c.Config.Intents.MaxSlippageBps {
		return Breakdown{}, Invalid("max_slippage_bps", "%d exceeds cap %d", req.MaxSlippageBps, c.Config.Intents.MaxSlippageBps)
	}
	registered, err := c.Catalog.IsRegistered(ctx, req.Creator)
	if err != nil {
		return Breakdown{}, fmt.Errorf("catalog: %w", err)
	}
	if !registered {
		return Breakdown{}, invalidErr("creator", ErrCreatorNotRegistered)
	}
	total, err := c.price(ctx, req)
	if err != nil {
		return Breakdown{}, err
	}
	if total == 0 {
		return Breakdown{}, invalidErr("amount", ErrZeroAmount)
	}

	out := Breakdown{MaxSlippageBps: req.MaxSlippageBps}
	if c.Loyalty != nil {
		discounted, err := c.Loyalty.Discount(ctx, req.User, total)
		switch {
		case err != nil:
			c.logger().WarnContext(ctx, "loyalty discount unavailable", "user", req.User.Hex(), "error", err)
		case discounted > 0 && discounted < total:
			out.DiscountApplied = total - discounted
			total = discounted
		}
	}
	if total > math.MaxInt64 {
		return Breakdown{}, invalidErr("amount", ErrOverflow)
	}
	split, err := SplitAmount(total, c.Config.Fees.PlatformFeeBps, c.Config.Fees.OperatorFeeBps)
	if err != nil {
		return Breakdown{}, err
	}
	out.TotalAmount = total
	out.PlatformFee = split.PlatformFee
	out.CreatorAmount = split.CreatorAmount
	out.OperatorFee = split.OperatorFee

	out.PaymentToken = NormalizeToken(c.Config, req.PaymentToken)
	if out.PaymentToken == c.Config.SettlementCurrency() {
		out.QuotedAmount = total
		out.ExpectedAmount = total
		return out, nil
	}
	quote, err := c.Oracle.Convert(ctx, out.PaymentToken, total, req.MaxSlippageBps)
	if err != nil {
		return Breakdown{}, fmt.Errorf("oracle convert: %w", err)
	}
	if quote == 0 {
		return Breakdown{}, invalidErr("quote", ErrZeroAmount)
	}
	expected, err := ApplySlippage(quote, req.MaxSlippageBps)
	if err != nil {
		return Breakdown{}, err
	}
	out.QuotedAmount = quote
	out.ExpectedAmount = expected
	return out, nil
}

func (c Calculator) price(ctx context.Context, req Request) (uint64, error) {
	switch req.Type {
	case domain.PaymentContent:
		item, err := c.Catalog.ContentPrice(ctx, req.ContentID)
		if errors.Is(err, collab.ErrUnknownItem) {
			return 0, invalidErr("content_id", err)
		}
		if err != nil {
			return 0, fmt.Errorf("catalog: %w", err)
		}
		if !item.Active {
			return 0, invalidErr("content_id", ErrItemInactive)
		}
		if item.Creator != req.Creator {
			return 0, invalidErr("creator", ErrCreatorMismatch)
		}
		return item.Price, nil
	case domain.PaymentSubscription:
		item, err := c.Catalog.SubscriptionPrice(ctx, req.Creator)
		if errors.Is(err, collab.ErrUnknownItem) {
			return 0, invalidErr("creator", err)
		}
		if err != nil {
			return 0, fmt.Errorf("catalog: %w", err)
		}
		if !item.Active {
			return 0, invalidErr("creator", ErrItemInactive)
		}
		return item.Price, nil
	case domain.PaymentTip, domain.PaymentDonation:
		return req.Amount, nil
	}
	return 0, Invalid("type", "unknown payment type %q", req.Type)
}

// SplitAmount divides total into platform fee, operator fee and the creator's
// remainder. Both fees are taken from total, so the three parts always sum to
// total.
func SplitAmount(total, platformBps, operatorBps uint64) (Split, error) {
	platform, err := MulDiv(total, platformBps, config.MaxBps)
	if err != nil {
		return Split{}, err
	}
	gross := total - platform
	operator, err := MulDiv(total, operatorBps, config.MaxBps)
	if err != nil {
		return Split{}, err
	}
	if operator > gross {
		return Split{}, invalidErr("operator_fee", ErrFeeExceedsAmount)
	}
	return Split{PlatformFee: platform, CreatorAmount: gross - operator, OperatorFee: operator}, nil
}

// MulDiv returns floor(a*b/d) with 256-bit intermediates.
func MulDiv(a, b, d uint64) (uint64, error) {
	if d == 0 {
		return 0, errors.New("division by zero")
	}
	prod, overflow := new(uint256.Int).MulOverflow(uint256.NewInt(a), uint256.NewInt(b))
	if overflow {
		return 0, ErrOverflow
	}
	q := new(uint256.Int).Div(prod, uint256.NewInt(d))
	if !q.IsUint64() {
		return 0, ErrOverflow
	}
	return q.Uint64(), nil
}

// ApplySlippage returns ceil(quote * (10000 + bps) / 10000).
func ApplySlippage(quote, bps uint64) (uint64, error) {
	q := decimal.NewFromBigInt(new(big.Int).SetUint64(quote), 0)
	factor := decimal.NewFromInt(int64(config.MaxBps + bps)).Div(decimal.NewFromInt(config.MaxBps))
	res := q.Mul(factor).Ceil().BigInt()
	if !res.IsUint64() || res.Uint64() > math.MaxInt64 {
		return 0, invalidErr("expected_amount", ErrOverflow)
	}
	return res.Uint64(), nil
}

// WithinTolerance reports whether live is within bps of reference.
func WithinTolerance(reference, live, bps uint64) bool {
	ref := decimal.NewFromBigInt(new(big.Int).SetUint64(reference), 0)
	diff := decimal.NewFromBigInt(new(big.Int).SetUint64(live), 0).Sub(ref).Abs()
	limit := ref.Mul(decimal.NewFromInt(int64(bps))).Div(decimal.NewFromInt(config.MaxBps))
	return diff.LessThanOrEqual(limit)
}
