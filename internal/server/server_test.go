package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/collab"
	"paykit/internal/collab/memory"
	"paykit/internal/config"
	"paykit/internal/db"
	"paykit/internal/domain"
	"paykit/internal/engine"
	"paykit/internal/engine/authz"
	"paykit/internal/migrate"
)

const testSecret = "test-secret"

type testServer struct {
	URL       string
	Engine    engine.Engine
	Fakes     *memory.Fakes
	client    *http.Client
	token     string
	userKey   *ecdsa.PrivateKey
	User      common.Address
	Creator   common.Address
	signerKey *ecdsa.PrivateKey
	Signer    common.Address
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	require.NoError(t, migrate.Migrate(conn))

	fakes := memory.New()
	e := engine.New(conn, config.Default(), fakes.Set())
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	require.NoError(t, err)
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	require.NoError(t, err)
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})

	ts := &testServer{
		URL:     "http://" + ln.Addr().String() + "/v0",
		Engine:  e,
		Fakes:   fakes,
		client:  &http.Client{},
		Creator: common.HexToAddress("0x2000000000000000000000000000000000000002"),
	}
	ts.userKey, ts.User = newKey(t)
	ts.signerKey, ts.Signer = newKey(t)
	fakes.Catalog.RegisterCreator(ts.Creator)
	fakes.Catalog.SetContent(42, collab.Listing{Price: 10_000_000, Creator: ts.Creator, Active: true})

	ts.token = ts.login(t, "root")
	res, data := ts.do(t, http.MethodPost, "/rbac/roles/grant", map[string]any{"actor_id": "root", "role_id": "admin"})
	require.Equal(t, http.StatusNoContent, res.StatusCode, string(data))
	res, data = ts.do(t, http.MethodPost, "/signers", map[string]any{"address": ts.Signer.Hex()})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return ts
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func (s *testServer) login(t *testing.T, actor string) string {
	t.Helper()
	res, data := s.doWith(t, http.MethodPost, "/auth/dev/login", map[string]any{"actor_id": actor}, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	var out DevLoginResponse
	require.NoError(t, json.Unmarshal(data, &out))
	return out.Token
}

func (s *testServer) do(t *testing.T, method, endpoint string, body any) (*http.Response, []byte) {
	return s.doWith(t, method, endpoint, body, map[string]string{"Authorization": "Bearer " + s.token})
}

func (s *testServer) doWith(t *testing.T, method, endpoint string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = bytes.NewReader(nil)
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+endpoint, reader)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := s.client.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, data
}

func decode[T any](t *testing.T, data []byte) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(data, &out), string(data))
	return out
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	require.NoError(t, json.Unmarshal(data, &env), string(data))
	return env.Error.Code
}

func (s *testServer) createIntent(t *testing.T) IntentResponse {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/intents", map[string]any{
		"payment_type": "content_purchase",
		"user":         s.User.Hex(),
		"creator":      s.Creator.Hex(),
		"content_id":   42,
		"ttl_seconds":  600,
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	return decode[IntentResponse](t, data)
}

// readyIntent prepares the intent and stores the signer's signature.
func (s *testServer) readyIntent(t *testing.T, id string) string {
	t.Helper()
	res, data := s.do(t, http.MethodPost, "/intents/"+id+"/prepare", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	prepared := decode[AuthorizationResponse](t, data)

	sig, err := authz.Sign(s.signerKey, common.HexToHash(prepared.Hash))
	require.NoError(t, err)
	encoded := hexutil.Encode(sig)
	res, data = s.do(t, http.MethodPost, "/intents/"+id+"/signature", map[string]any{
		"signature": encoded,
		"signer":    s.Signer.Hex(),
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[AuthorizationResponse](t, data).Ready)
	return encoded
}

func domainPermit(cfg *config.Config, p IntentResponse, amount uint64) domain.Permit {
	return domain.Permit{
		Token:           common.HexToAddress(p.PaymentToken),
		Amount:          amount,
		Nonce:           0,
		Deadline:        time.Now().Add(30 * time.Minute).Truncate(time.Second),
		Spender:         cfg.EscrowAddress(),
		TransferTo:      cfg.EscrowAddress(),
		RequestedAmount: p.ExpectedAmount,
	}
}

func TestHealthIsPublic(t *testing.T) {
	s := newTestServer(t)
	res, data := s.doWith(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(data))

	res, data = s.doWith(t, http.MethodGet, "/intents", nil, nil)
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "unauthorized", errorCode(t, data))

	res, data = s.doWith(t, http.MethodGet, "/intents", nil, map[string]string{"Authorization": "Bearer nope"})
	require.Equal(t, http.StatusUnauthorized, res.StatusCode)
	assert.Equal(t, "invalid_credentials", errorCode(t, data))
}

func TestSignedPaymentFlow(t *testing.T) {
	s := newTestServer(t)
	p := s.createIntent(t)
	assert.Equal(t, "created", p.Status)
	assert.Equal(t, uint64(250_000), p.PlatformFee)
	assert.Equal(t, uint64(50_000), p.OperatorFee)
	assert.Equal(t, uint64(9_700_000), p.CreatorAmount)

	sig := s.readyIntent(t, p.ID)

	res, data := s.do(t, http.MethodPost, "/intents/"+p.ID+"/verify", map[string]any{"signature": sig, "signer": s.Signer.Hex()})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[VerifySignatureResponse](t, data).Valid)

	res, data = s.do(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller":    s.User.Hex(),
		"signature": sig,
		"signer":    s.Signer.Hex(),
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	done := decode[IntentResponse](t, data)
	assert.Equal(t, "completed", done.Status)
	assert.True(t, done.Processed)
	assert.Equal(t, "granted", done.GrantStatus)

	res, data = s.do(t, http.MethodGet, "/intents/"+p.ID+"/context", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	pc := decode[PaymentContextResponse](t, data)
	require.NotNil(t, pc.Authorization)
	assert.Equal(t, s.Signer.Hex(), pc.Authorization.Signer)
	assert.Nil(t, pc.Refund)

	res, data = s.do(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller":    s.User.Hex(),
		"signature": sig,
		"signer":    s.Signer.Hex(),
	})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "already_processed", errorCode(t, data))

	res, data = s.do(t, http.MethodGet, "/metrics/operator", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	metrics := decode[domain.OperatorMetrics](t, data)
	assert.Equal(t, uint64(1), metrics.IntentsCompleted)
	assert.Equal(t, uint64(10_000_000), metrics.VolumeSettled)
}

func (s *testServer) as(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func TestPayerActsForItself(t *testing.T) {
	s := newTestServer(t)
	payer := s.as(s.login(t, s.User.Hex()))

	res, data := s.doWith(t, http.MethodPost, "/intents", map[string]any{
		"payment_type": "content_purchase",
		"user":         s.User.Hex(),
		"creator":      s.Creator.Hex(),
		"content_id":   42,
		"ttl_seconds":  600,
	}, payer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	p := decode[IntentResponse](t, data)
	sig := s.readyIntent(t, p.ID)

	res, data = s.doWith(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller": s.User.Hex(), "signature": sig, "signer": s.Signer.Hex(),
	}, payer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.Equal(t, "completed", decode[IntentResponse](t, data).Status)

	res, data = s.doWith(t, http.MethodPost, "/intents/"+p.ID+"/refunds", map[string]any{
		"requester": s.User.Hex(), "reason": "changed my mind",
	}, payer)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
}

func TestImpersonatedPayerIsForbidden(t *testing.T) {
	s := newTestServer(t)
	mallory := s.as(s.login(t, "mallory"))

	res, data := s.doWith(t, http.MethodPost, "/intents", map[string]any{
		"payment_type": "content_purchase",
		"user":         s.User.Hex(),
		"creator":      s.Creator.Hex(),
		"content_id":   42,
	}, mallory)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "not_payer", errorCode(t, data))

	p := s.createIntent(t)
	sig := s.readyIntent(t, p.ID)

	res, data = s.doWith(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller": s.User.Hex(), "signature": sig, "signer": s.Signer.Hex(),
	}, mallory)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "not_payer", errorCode(t, data))

	res, data = s.doWith(t, http.MethodPost, "/intents/"+p.ID+"/execute-permit", map[string]any{
		"caller": s.User.Hex(),
		"permit": map[string]any{
			"token":            p.PaymentToken,
			"amount":           p.ExpectedAmount,
			"nonce":            0,
			"deadline":         time.Now().Add(time.Hour).Format(time.RFC3339),
			"spender":          s.Engine.Config.EscrowAddress().Hex(),
			"transfer_to":      s.Engine.Config.EscrowAddress().Hex(),
			"requested_amount": p.ExpectedAmount,
			"signature":        hexutil.Encode(make([]byte, 65)),
		},
	}, mallory)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "not_payer", errorCode(t, data))

	res, data = s.do(t, http.MethodGet, "/intents/"+p.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ready", decode[IntentResponse](t, data).Status)

	res, data = s.do(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller": s.User.Hex(), "signature": sig, "signer": s.Signer.Hex(),
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.doWith(t, http.MethodPost, "/intents/"+p.ID+"/refunds", map[string]any{
		"requester": s.User.Hex(), "reason": "forged dispute",
	}, mallory)
	require.Equal(t, http.StatusForbidden, res.StatusCode, string(data))
	assert.Equal(t, "not_payer", errorCode(t, data))

	res, data = s.do(t, http.MethodGet, "/balances/"+s.User.Hex(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, decode[BalanceResponse](t, data).Pending)
	res, data = s.do(t, http.MethodGet, "/refunds", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Empty(t, decode[[]RefundResponse](t, data))
}

func TestExecuteByStrangerIsForbidden(t *testing.T) {
	s := newTestServer(t)
	p := s.createIntent(t)
	sig := s.readyIntent(t, p.ID)
	_, stranger := newKey(t)

	res, data := s.do(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller":    stranger.Hex(),
		"signature": sig,
		"signer":    s.Signer.Hex(),
	})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "not_intent_owner", errorCode(t, data))
}

func TestPermitBelowExpectedIsRejected(t *testing.T) {
	s := newTestServer(t)
	p := s.createIntent(t)
	s.readyIntent(t, p.ID)

	cfg := s.Engine.Config
	permit := domainPermit(cfg, p, 9_000_000)
	hash, err := authz.PermitHash(authz.PermitDomain(cfg), permit)
	require.NoError(t, err)
	sig, err := authz.Sign(s.userKey, hash)
	require.NoError(t, err)

	res, data := s.do(t, http.MethodPost, "/intents/"+p.ID+"/execute-permit", map[string]any{
		"caller": s.User.Hex(),
		"permit": map[string]any{
			"token":            permit.Token.Hex(),
			"amount":           permit.Amount,
			"nonce":            permit.Nonce,
			"deadline":         permit.Deadline.Format(time.RFC3339),
			"spender":          permit.Spender.Hex(),
			"transfer_to":      permit.TransferTo.Hex(),
			"requested_amount": permit.RequestedAmount,
			"signature":        hexutil.Encode(sig),
		},
	})
	require.Equal(t, http.StatusUnprocessableEntity, res.StatusCode, string(data))
	assert.Equal(t, engine.CodePermitAmountLow, errorCode(t, data))

	res, data = s.do(t, http.MethodGet, "/intents/"+p.ID, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "ready", decode[IntentResponse](t, data).Status)
}

func TestRequestValidationErrors(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/intents", map[string]any{
		"payment_type": "content_purchase",
		"user":         "not-an-address",
		"creator":      s.Creator.Hex(),
		"content_id":   42,
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode)
	assert.Equal(t, "bad_request", errorCode(t, data))

	res, data = s.do(t, http.MethodPost, "/intents", map[string]any{
		"payment_type": "content_purchase",
		"user":         s.User.Hex(),
		"creator":      s.Creator.Hex(),
		"content_id":   7,
	})
	require.Equal(t, http.StatusBadRequest, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodGet, "/intents/missing", nil)
	require.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not_found", errorCode(t, data))
}

func TestListIntentsPaginates(t *testing.T) {
	s := newTestServer(t)
	for i := 0; i < 3; i++ {
		s.createIntent(t)
	}
	res, data := s.do(t, http.MethodGet, "/intents?limit=2&user="+s.User.Hex(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedIntents](t, data)
	require.Len(t, page.Items, 2)
	require.NotEmpty(t, page.NextCursor)

	res, data = s.do(t, http.MethodGet, "/intents?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedIntents](t, data)
	require.Len(t, next.Items, 1)
	assert.Empty(t, next.NextCursor)
	assert.NotContains(t, []string{page.Items[0].ID, page.Items[1].ID}, next.Items[0].ID)

	res, _ = s.do(t, http.MethodGet, "/intents?cursor=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, res.StatusCode)
}

func TestRefundLifecycle(t *testing.T) {
	s := newTestServer(t)
	p := s.createIntent(t)
	sig := s.readyIntent(t, p.ID)
	res, data := s.do(t, http.MethodPost, "/intents/"+p.ID+"/execute", map[string]any{
		"caller": s.User.Hex(), "signature": sig, "signer": s.Signer.Hex(),
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))

	res, data = s.do(t, http.MethodPost, "/intents/"+p.ID+"/refunds", map[string]any{
		"requester": s.User.Hex(),
		"reason":    "not as described",
	})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	rf := decode[RefundResponse](t, data)
	assert.Equal(t, uint64(10_000_000), rf.Amount)

	res, data = s.do(t, http.MethodGet, "/balances/"+s.User.Hex(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, uint64(10_000_000), decode[BalanceResponse](t, data).Pending)

	res, data = s.do(t, http.MethodPost, "/intents/"+p.ID+"/refunds", map[string]any{
		"requester": s.User.Hex(),
		"reason":    "again",
	})
	require.Equal(t, http.StatusConflict, res.StatusCode)
	assert.Equal(t, "refund_exists", errorCode(t, data))

	outsider := s.login(t, "mallory")
	res, data = s.doWith(t, http.MethodPost, "/refunds/"+rf.ID+"/process", map[string]any{}, map[string]string{"Authorization": "Bearer " + outsider})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))

	res, data = s.do(t, http.MethodPost, "/refunds/"+rf.ID+"/process", map[string]any{"coordinate": true})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	assert.True(t, decode[RefundResponse](t, data).Processed)
	assert.Len(t, s.Fakes.Access.Revoked(), 1)

	res, data = s.do(t, http.MethodGet, "/refunds?processed=true", nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Len(t, decode[[]RefundResponse](t, data), 1)

	res, data = s.do(t, http.MethodGet, "/balances/"+s.User.Hex(), nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	assert.Zero(t, decode[BalanceResponse](t, data).Pending)
}

func TestAPIKeyAuthentication(t *testing.T) {
	s := newTestServer(t)
	res, data := s.do(t, http.MethodPost, "/api-keys", map[string]any{"actor_id": "ops-bot", "name": "ci"})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	key := decode[APIKeyResponse](t, data)
	require.NotEmpty(t, key.Key)

	res, data = s.doWith(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	me := decode[WhoAmIResponse](t, data)
	assert.Equal(t, "ops-bot", me.ActorID)
	assert.Equal(t, "api_key", me.Source)
	assert.Empty(t, me.Roles)

	res, _ = s.doWith(t, http.MethodGet, "/me", nil, map[string]string{"X-Api-Key": "pk_wrong"})
	assert.Equal(t, http.StatusUnauthorized, res.StatusCode)

	res, data = s.doWith(t, http.MethodPost, "/signers", map[string]any{"address": s.User.Hex()}, map[string]string{"X-Api-Key": key.Key})
	require.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Equal(t, "forbidden", errorCode(t, data))
}

func TestEventsPaginate(t *testing.T) {
	s := newTestServer(t)
	s.createIntent(t)
	res, data := s.do(t, http.MethodGet, "/events?limit=2", nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	page := decode[paginatedEvents](t, data)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "intent.created", page.Items[0].Type)
	require.NotEmpty(t, page.NextCursor)

	res, data = s.do(t, http.MethodGet, "/events?limit=2&cursor="+page.NextCursor, nil)
	require.Equal(t, http.StatusOK, res.StatusCode, string(data))
	next := decode[paginatedEvents](t, data)
	require.NotEmpty(t, next.Items)
	assert.Less(t, next.Items[0].ID, page.Items[1].ID)
}

func TestOpenAPIDeclaresAuth(t *testing.T) {
	s := newTestServer(t)
	res, data := s.doWith(t, http.MethodGet, "/openapi.json", nil, nil)
	require.Equal(t, http.StatusOK, res.StatusCode)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	schemes := doc["components"].(map[string]any)["securitySchemes"].(map[string]any)
	assert.Contains(t, schemes, "bearerAuth")
	assert.Contains(t, schemes, "apiKeyAuth")
}

func TestWebhookDispatcherDeliversNewEvents(t *testing.T) {
	var mu sync.Mutex
	var got []webhookEvent
	hook := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		if err := json.NewDecoder(r.Body).Decode(&evt); err == nil {
			mu.Lock()
			got = append(got, evt)
			mu.Unlock()
		}
		assert.Equal(t, "s3cret", r.Header.Get("X-Paykit-Secret"))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer hook.Close()

	s := newTestServer(t)
	e := s.Engine
	cfg := *e.Config
	cfg.Webhooks = []config.WebhookConfig{{URL: hook.URL, Events: []string{"intent.created"}, Secret: "s3cret"}}
	e.Config = &cfg
	d := newWebhookDispatcher(e, nil)
	require.NotNil(t, d)

	ctx := context.Background()
	d.dispatchAll(ctx)
	mu.Lock()
	assert.Empty(t, got)
	mu.Unlock()

	p := s.createIntent(t)
	d.dispatchAll(ctx)
	d.dispatchAll(ctx)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "intent.created", got[0].Type)
	assert.Equal(t, p.ID, got[0].EntityID)
}
