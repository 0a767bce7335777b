// Package httpcollab reaches the engine's collaborators as JSON services over
// HTTP.
package httpcollab

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"paykit/internal/collab"
	"paykit/internal/config"
	"paykit/internal/domain"
)

// StatusError wraps non-2xx responses.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("collaborator error: status=%d body=%s", e.StatusCode, e.Body)
}

type client struct {
	BaseURL    string
	HTTPClient *http.Client
}

func newClient(baseURL string, timeout time.Duration) client {
	return client{BaseURL: strings.TrimRight(baseURL, "/"), HTTPClient: &http.Client{Timeout: timeout}}
}

func (c client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+"/"+strings.TrimLeft(endpoint, "/"), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func isNotFound(err error) bool {
	var serr *StatusError
	return errors.As(err, &serr) && serr.StatusCode == http.StatusNotFound
}

// New builds a collaborator set from configured base URLs. Services without a
// URL are left nil so the caller can substitute another implementation.
func New(cfg config.Collaborators) collab.Set {
	timeout := 10 * time.Second
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}
	var set collab.Set
	if cfg.CatalogURL != "" {
		set.Catalog = Catalog{client: newClient(cfg.CatalogURL, timeout)}
	}
	if cfg.OracleURL != "" {
		set.Oracle = Oracle{client: newClient(cfg.OracleURL, timeout)}
	}
	if cfg.EscrowURL != "" {
		set.Escrow = Escrow{client: newClient(cfg.EscrowURL, timeout)}
	}
	if cfg.AccessURL != "" {
		access := Access{client: newClient(cfg.AccessURL, timeout)}
		set.Access = access
		set.Revoker = access
	}
	if cfg.RecorderURL != "" {
		set.Recorder = Recorder{client: newClient(cfg.RecorderURL, timeout)}
	}
	if cfg.LoyaltyURL != "" {
		set.Loyalty = Loyalty{client: newClient(cfg.LoyaltyURL, timeout)}
	}
	if cfg.StatsURL != "" {
		set.Stats = Stats{client: newClient(cfg.StatsURL, timeout)}
	}
	return set
}

type Catalog struct{ client }

func (c Catalog) IsRegistered(ctx context.Context, creator common.Address) (bool, error) {
	var resp struct {
		Registered bool `json:"registered"`
	}
	err := c.do(ctx, http.MethodGet, "creators/"+creator.Hex(), nil, &resp)
	if isNotFound(err) {
		return false, nil
	}
	return resp.Registered, err
}

func (c Catalog) ContentPrice(ctx context.Context, contentID uint64) (collab.Listing, error) {
	return c.listing(ctx, "content/"+strconv.FormatUint(contentID, 10))
}

func (c Catalog) SubscriptionPrice(ctx context.Context, creator common.Address) (collab.Listing, error) {
	return c.listing(ctx, "subscriptions/"+creator.Hex())
}

func (c Catalog) listing(ctx context.Context, endpoint string) (collab.Listing, error) {
	var l collab.Listing
	err := c.do(ctx, http.MethodGet, endpoint, nil, &l)
	if isNotFound(err) {
		return collab.Listing{}, fmt.Errorf("%s: %w", endpoint, collab.ErrUnknownItem)
	}
	return l, err
}

// Oracle asks the price service for a live quote on every call. Quotes carry
// decimal token amounts and are floored to whole units.
type Oracle struct{ client }

type quoteRequest struct {
	Token          common.Address `json:"token"`
	Amount         uint64         `json:"amount"`
	MaxSlippageBps uint64         `json:"max_slippage_bps,omitempty"`
}

type quoteResponse struct {
	AmountOut      decimal.Decimal `json:"amount_out"`
	PriceImpactBps uint64          `json:"price_impact_bps"`
}

func (o Oracle) quote(ctx context.Context, token common.Address, amount, slippage uint64) (quoteResponse, uint64, error) {
	var resp quoteResponse
	if err := o.do(ctx, http.MethodPost, "quote", quoteRequest{Token: token, Amount: amount, MaxSlippageBps: slippage}, &resp); err != nil {
		return quoteResponse{}, 0, err
	}
	if resp.AmountOut.IsNegative() {
		return quoteResponse{}, 0, fmt.Errorf("oracle returned negative amount %s", resp.AmountOut)
	}
	out := resp.AmountOut.Floor().BigInt()
	if !out.IsUint64() {
		return quoteResponse{}, 0, errors.New("oracle amount overflows")
	}
	return resp, out.Uint64(), nil
}

func (o Oracle) Convert(ctx context.Context, token common.Address, amount, maxSlippageBps uint64) (uint64, error) {
	_, out, err := o.quote(ctx, token, amount, maxSlippageBps)
	return out, err
}

func (o Oracle) ValidateQuote(ctx context.Context, token common.Address, amount, quoted, toleranceBps uint64) (bool, uint64, error) {
	_, live, err := o.quote(ctx, token, amount, 0)
	if err != nil {
		return false, 0, err
	}
	ref := decimal.NewFromBigInt(new(big.Int).SetUint64(quoted), 0)
	diff := decimal.NewFromBigInt(new(big.Int).SetUint64(live), 0).Sub(ref).Abs()
	limit := ref.Mul(decimal.NewFromInt(int64(toleranceBps))).Div(decimal.NewFromInt(config.MaxBps))
	return diff.LessThanOrEqual(limit), live, nil
}

func (o Oracle) PriceImpact(ctx context.Context, token common.Address, amount, maxBps uint64) (uint64, bool, error) {
	resp, _, err := o.quote(ctx, token, amount, 0)
	if err != nil {
		return 0, false, err
	}
	return resp.PriceImpactBps, resp.PriceImpactBps <= maxBps, nil
}

type Escrow struct{ client }

func (e Escrow) Settle(ctx context.Context, req collab.SettleRequest) (collab.SettleOutcome, error) {
	var out collab.SettleOutcome
	err := e.do(ctx, http.MethodPost, "settlements", req, &out)
	return out, err
}

func (e Escrow) Release(ctx context.Context, req collab.ReleaseRequest) error {
	return e.do(ctx, http.MethodPost, "releases", req, nil)
}

// Access talks to the access ledger. It also revokes grants.
type Access struct{ client }

func (a Access) GrantContent(ctx context.Context, g collab.Grant) error {
	return a.do(ctx, http.MethodPost, "grants/content", g, nil)
}

func (a Access) GrantSubscription(ctx context.Context, g collab.Grant) error {
	return a.do(ctx, http.MethodPost, "grants/subscription", g, nil)
}

func (a Access) Revoke(ctx context.Context, g collab.Grant) error {
	return a.do(ctx, http.MethodPost, "grants/revoke", g, nil)
}

type Recorder struct{ client }

func (r Recorder) RecordExternal(ctx context.Context, g collab.Grant) error {
	return r.do(ctx, http.MethodPost, "records", g, nil)
}

type Loyalty struct{ client }

func (l Loyalty) Discount(ctx context.Context, user common.Address, amount uint64) (uint64, error) {
	var resp struct {
		Amount uint64 `json:"amount"`
	}
	err := l.do(ctx, http.MethodPost, "discounts", map[string]any{"user": user, "amount": amount}, &resp)
	return resp.Amount, err
}

type Stats struct{ client }

func (s Stats) RecordEarnings(ctx context.Context, creator common.Address, amount uint64, typ domain.PaymentType) error {
	return s.do(ctx, http.MethodPost, "earnings", map[string]any{"creator": creator, "amount": amount, "payment_type": typ}, nil)
}
