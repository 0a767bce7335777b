package paykitsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Paykit HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  10 * time.Second,
	}
}

// Intent represents the API payment intent model.
type Intent struct {
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

// CreateIntentInput describes a payment to price. Amount is only read for
// tips and donations; ContentID only for content purchases.
type CreateIntentInput struct {
	PaymentType    string     `json:"payment_type"`
	User           string     `json:"user"`
	Creator        string     `json:"creator"`
	ContentID      uint64     `json:"content_id,omitempty"`
	Amount         uint64     `json:"amount,omitempty"`
	PaymentToken   string     `json:"payment_token,omitempty"`
	MaxSlippageBps uint64     `json:"max_slippage_bps,omitempty"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	TTLSeconds     int64      `json:"ttl_seconds,omitempty"`
	Origin         string     `json:"origin,omitempty"`
}

// Authorization is the prepared hash and, once signed, its signature.
type Authorization struct {
	IntentID   string     `json:"intent_id"`
	Hash       string     `json:"hash"`
	Signature  string     `json:"signature,omitempty"`
	Signer     string     `json:"signer,omitempty"`
	Ready      bool       `json:"ready"`
	PreparedAt time.Time  `json:"prepared_at"`
	SignedAt   *time.Time `json:"signed_at,omitempty"`
}

// Permit is a payer-signed token transfer authorization.
type Permit struct {
	Token           string    `json:"token"`
	Amount          uint64    `json:"amount"`
	Nonce           uint64    `json:"nonce"`
	Deadline        time.Time `json:"deadline"`
	Spender         string    `json:"spender"`
	TransferTo      string    `json:"transfer_to"`
	RequestedAmount uint64    `json:"requested_amount"`
	Signature       string    `json:"signature"`
}

type Refund struct {
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

// PaymentContext bundles an intent with its authorization and refund.
type PaymentContext struct {
	Intent        Intent         `json:"intent"`
	Authorization *Authorization `json:"authorization,omitempty"`
	Refund        *Refund        `json:"refund,omitempty"`
}

// OperatorMetrics are the engine's running totals.
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

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	EntityID   string         `json:"entity_id"`
	EntityKind string         `json:"entity_kind"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses. Code is the error envelope code when
// the body carried one.
type APIError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d code=%s body=%s", e.StatusCode, e.Code, e.Body)
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// PaginatedIntents wraps intent listings with cursors.
type PaginatedIntents struct {
	Items      []Intent `json:"items"`
	NextCursor string   `json:"next_cursor"`
}

// CreateIntent prices and stores a payment intent.
func (c *Client) CreateIntent(ctx context.Context, in CreateIntentInput) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodPost, "intents", in, &resp)
	return resp, err
}

// GetIntent fetches an intent by id.
func (c *Client) GetIntent(ctx context.Context, id string) (Intent, error) {
	var resp Intent
	err := c.do(ctx, http.MethodGet, "intents/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListIntents returns a page of intents, newest first.
func (c *Client) ListIntents(ctx context.Context, user, status string, limit int, cursor string) (PaginatedIntents, error) {
	q := url.Values{}
	setQuery(q, "user", user)
	setQuery(q, "status", status)
	setQuery(q, "cursor", cursor)
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp PaginatedIntents
	err := c.do(ctx, http.MethodGet, withQuery("intents", q), nil, &resp)
	return resp, err
}

// PaymentContext returns an intent with its authorization and refund.
func (c *Client) PaymentContext(ctx context.Context, id string) (PaymentContext, error) {
	var resp PaymentContext
	err := c.do(ctx, http.MethodGet, "intents/"+url.PathEscape(id)+"/context", nil, &resp)
	return resp, err
}

// Prepare computes the hash an authorized signer must sign.
func (c *Client) Prepare(ctx context.Context, id string) (Authorization, error) {
	var resp Authorization
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(id)+"/prepare", nil, &resp)
	return resp, err
}

// Sign submits a signer's 0x-encoded signature over the prepared hash.
func (c *Client) Sign(ctx context.Context, id, signature, signer string) (Authorization, error) {
	body := map[string]any{"signature": signature, "signer": signer}
	var resp Authorization
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(id)+"/signature", body, &resp)
	return resp, err
}

// Verify reports whether signature over the prepared hash recovers to signer.
func (c *Client) Verify(ctx context.Context, id, signature, signer string) (bool, error) {
	body := map[string]any{"signature": signature, "signer": signer}
	var resp struct {
		Valid bool `json:"valid"`
	}
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(id)+"/verify", body, &resp)
	return resp.Valid, err
}

// Execute settles a ready intent through the signature path.
func (c *Client) Execute(ctx context.Context, id, caller, signature, signer string) (Intent, error) {
	body := map[string]any{"caller": caller, "signature": signature, "signer": signer}
	var resp Intent
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(id)+"/execute", body, &resp)
	return resp, err
}

// ExecutePermit settles a ready intent with a payer-signed permit.
func (c *Client) ExecutePermit(ctx context.Context, id, caller string, permit Permit) (Intent, error) {
	body := map[string]any{"caller": caller, "permit": permit}
	var resp Intent
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(id)+"/execute-permit", body, &resp)
	return resp, err
}

// RequestRefund asks for a refund of a completed intent.
func (c *Client) RequestRefund(ctx context.Context, intentID, requester, reason string) (Refund, error) {
	body := map[string]any{"requester": requester, "reason": reason}
	var resp Refund
	err := c.do(ctx, http.MethodPost, "intents/"+url.PathEscape(intentID)+"/refunds", body, &resp)
	return resp, err
}

// ProcessRefund pays out a refund. With coordinate set the access granted
// by the original payment is revoked as well.
func (c *Client) ProcessRefund(ctx context.Context, refundID string, coordinate bool) (Refund, error) {
	body := map[string]any{"coordinate": coordinate}
	var resp Refund
	err := c.do(ctx, http.MethodPost, "refunds/"+url.PathEscape(refundID)+"/process", body, &resp)
	return resp, err
}

// Refunds lists refunds. An empty user lists all; processed filters when non-nil.
func (c *Client) Refunds(ctx context.Context, user string, processed *bool, limit int) ([]Refund, error) {
	q := url.Values{}
	setQuery(q, "user", user)
	if processed != nil {
		q.Set("processed", fmt.Sprintf("%t", *processed))
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	var resp []Refund
	err := c.do(ctx, http.MethodGet, withQuery("refunds", q), nil, &resp)
	return resp, err
}

// PermitNonce returns the nonce the next permit from user must carry.
func (c *Client) PermitNonce(ctx context.Context, user string) (uint64, error) {
	var resp struct {
		Nonce uint64 `json:"nonce"`
	}
	err := c.do(ctx, http.MethodGet, "permit-nonces/"+url.PathEscape(user), nil, &resp)
	return resp.Nonce, err
}

// Signers lists the authorized signer addresses.
func (c *Client) Signers(ctx context.Context) ([]string, error) {
	var resp []struct {
		Address string `json:"address"`
	}
	if err := c.do(ctx, http.MethodGet, "signers", nil, &resp); err != nil {
		return nil, err
	}
	out := make([]string, 0, len(resp))
	for _, s := range resp {
		out = append(out, s.Address)
	}
	return out, nil
}

// PendingBalance returns the unpaid refund total for user.
func (c *Client) PendingBalance(ctx context.Context, user string) (uint64, error) {
	var resp struct {
		Pending uint64 `json:"pending"`
	}
	err := c.do(ctx, http.MethodGet, "balances/"+url.PathEscape(user), nil, &resp)
	return resp.Pending, err
}

// OperatorMetrics returns the engine's running totals.
func (c *Client) OperatorMetrics(ctx context.Context) (OperatorMetrics, error) {
	var resp OperatorMetrics
	err := c.do(ctx, http.MethodGet, "metrics/operator", nil, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	page, err := c.EventsPage(ctx, limit, "")
	return page.Items, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	setQuery(q, "cursor", cursor)
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, withQuery("events", q), nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code string `json:"code"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	basePath := strings.Trim(c.BasePath, "/")
	if basePath == "" {
		return strings.TrimRight(c.BaseURL, "/")
	}
	return strings.TrimRight(c.BaseURL, "/") + "/" + basePath
}

func setQuery(q url.Values, key, value string) {
	if value != "" {
		q.Set(key, value)
	}
}

func withQuery(endpoint string, q url.Values) string {
	if len(q) == 0 {
		return endpoint
	}
	return endpoint + "?" + q.Encode()
}
