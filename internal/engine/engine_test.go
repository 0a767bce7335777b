package engine_test

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/collab"
	"paykit/internal/collab/memory"
	"paykit/internal/config"
	"paykit/internal/db"
	"paykit/internal/domain"
	"paykit/internal/engine"
	"paykit/internal/engine/authz"
	"paykit/internal/fees"
	"paykit/internal/migrate"
	"paykit/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

const contentID = 42

type testEnv struct {
	Engine    engine.Engine
	Fakes     *memory.Fakes
	Ctx       context.Context
	clock     *time.Time
	userKey   *ecdsa.PrivateKey
	User      common.Address
	Creator   common.Address
	signerKey *ecdsa.PrivateKey
	Signer    common.Address
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))

	fakes := memory.New()
	clock := fixedNow
	eng := engine.New(conn, config.Default(), fakes.Set())
	eng.Now = func() time.Time { return clock }

	env := &testEnv{Engine: eng, Fakes: fakes, Ctx: context.Background(), clock: &clock}
	env.userKey, env.User = newKey(t)
	env.signerKey, env.Signer = newKey(t)
	env.Creator = common.HexToAddress("0x2000000000000000000000000000000000000002")

	fakes.Catalog.RegisterCreator(env.Creator)
	fakes.Catalog.SetContent(contentID, collab.Listing{Price: 10_000_000, Creator: env.Creator, Active: true})
	fakes.Catalog.SetSubscription(env.Creator, collab.Listing{Price: 5_000_000, Active: true})

	require.NoError(t, eng.GrantRole(env.Ctx, "root", "root", repo.RoleAdmin))
	_, err = eng.AddSigner(env.Ctx, "root", env.Signer)
	require.NoError(t, err)
	return env
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func (env *testEnv) advance(d time.Duration) {
	*env.clock = env.clock.Add(d)
}

func (env *testEnv) contentRequest() engine.CreateRequest {
	return engine.CreateRequest{
		Request: fees.Request{
			Type:      domain.PaymentContent,
			User:      env.User,
			Creator:   env.Creator,
			ContentID: contentID,
		},
		Deadline: env.clock.Add(time.Hour),
		Origin:   "test",
	}
}

func (env *testEnv) create(t *testing.T, req engine.CreateRequest) domain.PaymentIntent {
	t.Helper()
	p, err := env.Engine.CreatePaymentIntent(env.Ctx, req)
	require.NoError(t, err)
	return p
}

// ready prepares and signs p with the authorized signer.
func (env *testEnv) ready(t *testing.T, p domain.PaymentIntent) []byte {
	t.Helper()
	rec, err := env.Engine.PrepareForSigning(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	sig, err := authz.Sign(env.signerKey, rec.Hash)
	require.NoError(t, err)
	_, err = env.Engine.ProvideIntentSignature(env.Ctx, p.ID, sig, env.Signer)
	require.NoError(t, err)
	return sig
}

func (env *testEnv) execute(p domain.PaymentIntent, sig []byte) (domain.PaymentIntent, error) {
	return env.Engine.ExecutePaymentWithSignature(env.Ctx, engine.ExecuteRequest{
		IntentID:  p.ID,
		Caller:    env.User,
		Signature: sig,
		Signer:    env.Signer,
	})
}

func (env *testEnv) permit(t *testing.T, p domain.PaymentIntent, nonce uint64) domain.Permit {
	t.Helper()
	cfg := env.Engine.Config
	permit := domain.Permit{
		Token:           p.PaymentToken,
		Amount:          p.ExpectedAmount,
		Nonce:           nonce,
		Deadline:        env.clock.Add(30 * time.Minute),
		Spender:         cfg.EscrowAddress(),
		TransferTo:      cfg.EscrowAddress(),
		RequestedAmount: p.ExpectedAmount,
	}
	return env.signPermit(t, permit)
}

func (env *testEnv) signPermit(t *testing.T, permit domain.Permit) domain.Permit {
	t.Helper()
	hash, err := authz.PermitHash(authz.PermitDomain(env.Engine.Config), permit)
	require.NoError(t, err)
	sig, err := authz.Sign(env.userKey, hash)
	require.NoError(t, err)
	permit.Signature = sig
	return permit
}

func (env *testEnv) metrics(t *testing.T) domain.OperatorMetrics {
	t.Helper()
	m, err := env.Engine.GetOperatorMetrics(env.Ctx)
	require.NoError(t, err)
	return m
}

func TestContentPurchaseSettlesAndGrantsAccess(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())
	assert.Equal(t, uint64(10_000_000), p.TotalAmount)
	assert.Equal(t, uint64(250_000), p.PlatformFee)
	assert.Equal(t, uint64(50_000), p.OperatorFee)
	assert.Equal(t, uint64(9_700_000), p.CreatorAmount)
	assert.Equal(t, uint64(10_000_000), p.ExpectedAmount)
	assert.Equal(t, domain.StatusCreated, p.Status)
	assert.Len(t, p.ID, 36)

	sig := env.ready(t, p)
	done, err := env.execute(p, sig)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.True(t, done.Processed)
	assert.Equal(t, domain.GrantGranted, done.GrantStatus)
	assert.Equal(t, "escrow-1", done.SettlementRef)

	settled := env.Fakes.Escrow.Settled()
	require.Len(t, settled, 1)
	assert.Equal(t, collab.SettlePreauthorized, settled[0].Kind)
	assert.Equal(t, env.User, settled[0].Payer)
	assert.Equal(t, env.Creator, settled[0].Receiver)
	assert.Equal(t, uint64(10_000_000), settled[0].Amount)
	assert.Equal(t, uint64(9_700_000), settled[0].CreatorAmount)

	grants := env.Fakes.Access.Grants()
	require.Len(t, grants, 1)
	assert.Equal(t, uint64(contentID), grants[0].ContentID)
	assert.Equal(t, p.ID, grants[0].IntentID)
	assert.Equal(t, uint64(9_700_000), env.Fakes.Stats.Earnings(env.Creator))

	m := env.metrics(t)
	assert.Equal(t, uint64(1), m.IntentsCreated)
	assert.Equal(t, uint64(1), m.IntentsCompleted)
	assert.Equal(t, uint64(10_000_000), m.VolumeSettled)
	assert.Equal(t, uint64(250_000), m.PlatformFeesAccrued)
	assert.Equal(t, uint64(50_000), m.OperatorFeesAccrued)
	assert.Equal(t, uint64(1), m.SignerSetVersion)

	pc, err := env.Engine.GetPaymentContext(env.Ctx, p.ID)
	require.NoError(t, err)
	require.NotNil(t, pc.Authorization)
	assert.True(t, pc.Authorization.Ready)
	assert.Nil(t, pc.Refund)
}

func TestIntentIDsAreUniquePerRequest(t *testing.T) {
	env := newTestEnv(t)
	first := env.create(t, env.contentRequest())
	second := env.create(t, env.contentRequest())
	assert.NotEqual(t, first.ID, second.ID)
	assert.Equal(t, uint64(0), first.Nonce)
	assert.Equal(t, uint64(1), second.Nonce)

	// Occupy the id the next request will derive.
	next := first
	next.Nonce = 2
	next.ID = engine.IntentID(next, env.Engine.Config.Settlement.ChainID)
	tx, err := env.Engine.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Engine.Repo.InsertIntent(env.Ctx, tx, next))
	require.NoError(t, tx.Commit())

	_, err = env.Engine.CreatePaymentIntent(env.Ctx, env.contentRequest())
	require.ErrorIs(t, err, engine.ErrIntentExists)
	assert.Equal(t, uint64(2), env.metrics(t).IntentsCreated)
}

func TestCreateRejectsInvalidRequests(t *testing.T) {
	env := newTestEnv(t)
	cases := map[string]func(*engine.CreateRequest){
		"deadline in past":    func(r *engine.CreateRequest) { r.Deadline = fixedNow.Add(-time.Minute) },
		"deadline now":        func(r *engine.CreateRequest) { r.Deadline = fixedNow },
		"deadline too far":    func(r *engine.CreateRequest) { r.Deadline = fixedNow.Add(8 * 24 * time.Hour) },
		"zero creator":        func(r *engine.CreateRequest) { r.Creator = common.Address{} },
		"zero user":           func(r *engine.CreateRequest) { r.User = common.Address{} },
		"unknown content":     func(r *engine.CreateRequest) { r.ContentID = 999 },
		"unregistered":        func(r *engine.CreateRequest) { r.Creator = common.HexToAddress("0x09") },
		"slippage over cap":   func(r *engine.CreateRequest) { r.MaxSlippageBps = 5_000 },
		"tip without amount":  func(r *engine.CreateRequest) { r.Type = domain.PaymentTip; r.ContentID = 0 },
		"unknown paymenttype": func(r *engine.CreateRequest) { r.Type = "gift" },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			req := env.contentRequest()
			mutate(&req)
			_, err := env.Engine.CreatePaymentIntent(env.Ctx, req)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
		})
	}
	assert.Equal(t, uint64(0), env.metrics(t).IntentsCreated)
	items, err := env.Engine.ListIntents(env.Ctx, repo.IntentFilters{})
	require.NoError(t, err)
	assert.Empty(t, items)
}

func TestCreateWithoutCollaboratorsFails(t *testing.T) {
	env := newTestEnv(t)
	bare := engine.New(env.Engine.DB, config.Default(), collab.Set{})
	bare.Now = env.Engine.Now
	_, err := bare.CreatePaymentIntent(env.Ctx, env.contentRequest())
	require.ErrorIs(t, err, collab.ErrNotConfigured)

	partial := engine.New(env.Engine.DB, config.Default(), collab.Set{Catalog: env.Fakes.Catalog})
	partial.Now = env.Engine.Now
	_, err = partial.CreatePaymentIntent(env.Ctx, env.contentRequest())
	require.ErrorIs(t, err, collab.ErrNotConfigured)
	assert.Equal(t, uint64(0), env.metrics(t).IntentsCreated)
}

func TestDeadlineAtHorizonIsAccepted(t *testing.T) {
	env := newTestEnv(t)
	req := env.contentRequest()
	req.Deadline = fixedNow.Add(env.Engine.Config.Intents.MaxDeadlineHorizon)
	p := env.create(t, req)
	assert.True(t, p.Deadline.Equal(req.Deadline))
}

func TestFeeConservationAcrossTypes(t *testing.T) {
	env := newTestEnv(t)
	env.Fakes.Loyalty.SetDiscount(env.User, 1_000)
	reqs := []engine.CreateRequest{env.contentRequest()}
	sub := env.contentRequest()
	sub.Type, sub.ContentID = domain.PaymentSubscription, 0
	tip := env.contentRequest()
	tip.Type, tip.ContentID, tip.Amount = domain.PaymentTip, 0, 1_234_567
	donation := env.contentRequest()
	donation.Type, donation.ContentID, donation.Amount = domain.PaymentDonation, 0, 999
	reqs = append(reqs, sub, tip, donation)

	for _, req := range reqs {
		p := env.create(t, req)
		assert.Equal(t, p.TotalAmount, p.PlatformFee+p.CreatorAmount+p.OperatorFee, string(req.Type))
		assert.NotZero(t, p.DiscountApplied, string(req.Type))
		assert.Equal(t, p.TotalAmount, p.RefundableAmount())
	}
}

func TestMarkProcessedTransitionsOnce(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())

	_, err := env.Engine.MarkProcessed(env.Ctx, p.ID, domain.StatusReady, "", "tester")
	require.ErrorIs(t, err, engine.ErrNotTerminal)

	done, err := env.Engine.MarkProcessed(env.Ctx, p.ID, domain.StatusFailed, "operator cancel", "tester")
	require.NoError(t, err)
	assert.True(t, done.Processed)
	assert.Equal(t, "operator cancel", done.FailureReason)
	require.NotNil(t, done.ProcessedAt)

	_, err = env.Engine.MarkProcessed(env.Ctx, p.ID, domain.StatusCompleted, "", "tester")
	require.ErrorIs(t, err, engine.ErrAlreadyProcessed)

	stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, uint64(1), env.metrics(t).IntentsFailed)
}

func TestPermitBelowExpectedLeavesIntentReady(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())
	env.ready(t, p)

	permit := env.permit(t, p, 0)
	permit.Amount = p.ExpectedAmount - 1
	permit = env.signPermit(t, permit)
	_, err := env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: p.ID, Caller: env.User, Permit: permit})
	var serr *engine.SettlementError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, engine.CodePermitAmountLow, serr.Code)
	assert.False(t, serr.Terminal)

	stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, stored.Status)
	assert.False(t, stored.Processed)
	assert.Empty(t, env.Fakes.Escrow.Settled())
	nonce, err := env.Engine.Repo.PermitNonce(env.Ctx, env.User)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), nonce)
}

func TestPermitValidation(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())
	env.ready(t, p)
	other := common.HexToAddress("0x0000000000000000000000000000000000000bad")
	strangerKey, _ := newKey(t)

	cases := map[string]struct {
		mutate func(*domain.Permit)
		code   string
	}{
		"token":     {func(pm *domain.Permit) { pm.Token = other }, engine.CodePermitTokenMismatch},
		"spender":   {func(pm *domain.Permit) { pm.Spender = other }, engine.CodePermitSpenderMismatch},
		"target":    {func(pm *domain.Permit) { pm.TransferTo = other }, engine.CodePermitTargetMismatch},
		"requested": {func(pm *domain.Permit) { pm.RequestedAmount++ }, engine.CodePermitRequestedMismatch},
		"expired":   {func(pm *domain.Permit) { pm.Deadline = fixedNow.Add(-time.Second) }, engine.CodePermitExpired},
		"nonce":     {func(pm *domain.Permit) { pm.Nonce = 5 }, engine.CodePermitNonceMismatch},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			permit := env.permit(t, p, 0)
			tc.mutate(&permit)
			permit = env.signPermit(t, permit)
			_, err := env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: p.ID, Caller: env.User, Permit: permit})
			var serr *engine.SettlementError
			require.ErrorAs(t, err, &serr)
			assert.Equal(t, tc.code, serr.Code)
		})
	}

	t.Run("foreign signer", func(t *testing.T) {
		permit := env.permit(t, p, 0)
		hash, err := authz.PermitHash(authz.PermitDomain(env.Engine.Config), permit)
		require.NoError(t, err)
		permit.Signature, err = authz.Sign(strangerKey, hash)
		require.NoError(t, err)
		_, err = env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: p.ID, Caller: env.User, Permit: permit})
		var serr *engine.SettlementError
		require.ErrorAs(t, err, &serr)
		assert.Equal(t, engine.CodePermitSignature, serr.Code)
	})

	stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, stored.Status)
	assert.Empty(t, env.Fakes.Escrow.Settled())
}

func TestPermitSettlementConsumesNonce(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())
	env.ready(t, p)

	permit := env.permit(t, p, 0)
	done, err := env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: p.ID, Caller: env.User, Permit: permit})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	settled := env.Fakes.Escrow.Settled()
	require.Len(t, settled, 1)
	assert.Equal(t, collab.SettlePermit, settled[0].Kind)
	require.NotNil(t, settled[0].Permit)

	nonce, err := env.Engine.Repo.PermitNonce(env.Ctx, env.User)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), nonce)

	// Replaying the consumed nonce on a new intent is refused.
	q := env.create(t, env.contentRequest())
	env.ready(t, q)
	replay := env.permit(t, q, 0)
	_, err = env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: q.ID, Caller: env.User, Permit: replay})
	var serr *engine.SettlementError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, engine.CodePermitNonceMismatch, serr.Code)
}

func TestAccessFallbackAndRefund(t *testing.T) {
	env := newTestEnv(t)
	env.Fakes.Access.FailWith(errors.New("ledger down"))

	p := env.create(t, env.contentRequest())
	done, err := env.execute(p, env.ready(t, p))
	require.NoError(t, err)
	assert.Equal(t, domain.GrantRecorded, done.GrantStatus)
	assert.Len(t, env.Fakes.Recorder.Records(), 1)

	env.Fakes.Recorder.FailWith(errors.New("recorder down"))
	q := env.create(t, env.contentRequest())
	done, err = env.execute(q, env.ready(t, q))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, domain.GrantFailed, done.GrantStatus)

	pc, err := env.Engine.GetPaymentContext(env.Ctx, q.ID)
	require.NoError(t, err)
	require.NotNil(t, pc.Refund)
	assert.Equal(t, uint64(10_000_000), pc.Refund.Amount)
	assert.Contains(t, pc.Refund.Reason, "access grant failed")

	balance, err := env.Engine.PendingBalance(env.Ctx, env.User)
	require.NoError(t, err)
	assert.Equal(t, uint64(10_000_000), balance)
	// Earnings are only recorded for the intent whose access went through.
	assert.Equal(t, uint64(9_700_000), env.Fakes.Stats.Earnings(env.Creator))
}

func TestConcurrentSignaturesAcceptOnlyOne(t *testing.T) {
	env := newTestEnv(t)
	secondKey, second := newKey(t)
	_, err := env.Engine.AddSigner(env.Ctx, "root", second)
	require.NoError(t, err)

	p := env.create(t, env.contentRequest())
	rec, err := env.Engine.PrepareForSigning(env.Ctx, p.ID, "tester")
	require.NoError(t, err)

	keys := map[common.Address]*ecdsa.PrivateKey{env.Signer: env.signerKey, second: secondKey}
	var wg sync.WaitGroup
	results := make(chan error, len(keys))
	for addr, key := range keys {
		sig, err := authz.Sign(key, rec.Hash)
		require.NoError(t, err)
		wg.Add(1)
		go func(addr common.Address, sig []byte) {
			defer wg.Done()
			_, err := env.Engine.ProvideIntentSignature(env.Ctx, p.ID, sig, addr)
			results <- err
		}(addr, sig)
	}
	wg.Wait()
	close(results)

	var ok, rejected int
	for err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, authz.IsCode(err, authz.CodeAlreadySigned), err.Error())
		rejected++
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, rejected)

	stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, stored.Status)
}

func TestExecuteAfterDeadlineFails(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())
	sig := env.ready(t, p)
	env.advance(2 * time.Hour)

	_, err := env.execute(p, sig)
	require.ErrorIs(t, err, engine.ErrIntentExpired)
	_, err = env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: p.ID, Caller: env.User, Permit: env.permit(t, p, 0)})
	require.ErrorIs(t, err, engine.ErrIntentExpired)

	stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	assert.Empty(t, env.Fakes.Escrow.Settled())
}

func TestExecutePreconditions(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())

	_, err := env.execute(p, nil)
	require.ErrorIs(t, err, engine.ErrNotReady)

	sig := env.ready(t, p)
	_, err = env.Engine.ExecutePaymentWithSignature(env.Ctx, engine.ExecuteRequest{IntentID: p.ID, Caller: env.Creator, Signature: sig, Signer: env.Signer})
	require.ErrorIs(t, err, engine.ErrNotIntentOwner)

	_, other := newKey(t)
	_, err = env.Engine.ExecutePaymentWithSignature(env.Ctx, engine.ExecuteRequest{IntentID: p.ID, Caller: env.User, Signature: sig, Signer: other})
	assert.True(t, authz.IsCode(err, authz.CodeSignerMismatch))

	_, err = env.Engine.ExecutePaymentWithSignature(env.Ctx, engine.ExecuteRequest{IntentID: "missing", Caller: env.User, Signature: sig, Signer: env.Signer})
	require.ErrorIs(t, err, repo.ErrNotFound)

	_, err = env.execute(p, sig)
	require.NoError(t, err)
	_, err = env.execute(p, sig)
	require.ErrorIs(t, err, engine.ErrAlreadyProcessed)
	assert.Len(t, env.Fakes.Escrow.Settled(), 1)
}

func TestEscrowFailureMarksFailedAndQueuesRefund(t *testing.T) {
	for name, setup := range map[string]func(*memory.Escrow){
		"rejected": func(e *memory.Escrow) { e.Reject("insufficient allowance") },
		"error":    func(e *memory.Escrow) { e.FailWith(errors.New("rpc timeout")) },
	} {
		t.Run(name, func(t *testing.T) {
			env := newTestEnv(t)
			setup(env.Fakes.Escrow)
			p := env.create(t, env.contentRequest())
			sig := env.ready(t, p)

			_, err := env.execute(p, sig)
			var serr *engine.SettlementError
			require.ErrorAs(t, err, &serr)
			assert.True(t, serr.Terminal)
			require.NotEmpty(t, serr.RefundID)

			stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
			require.NoError(t, err)
			assert.Equal(t, domain.StatusFailed, stored.Status)
			assert.True(t, stored.Processed)
			assert.NotEmpty(t, stored.FailureReason)

			rf, err := env.Engine.GetRefund(env.Ctx, serr.RefundID)
			require.NoError(t, err)
			assert.Equal(t, p.RefundableAmount(), rf.Amount)
			assert.Contains(t, rf.Reason, stored.FailureReason)

			_, err = env.execute(p, sig)
			require.ErrorIs(t, err, engine.ErrAlreadyProcessed)
			assert.Empty(t, env.Fakes.Access.Grants())

			m := env.metrics(t)
			assert.Equal(t, uint64(1), m.IntentsFailed)
			assert.Equal(t, uint64(1), m.RefundsRequested)
			assert.Zero(t, m.VolumeSettled)
		})
	}
}

func TestFinalizeFailureKeepsEscrowReference(t *testing.T) {
	env := newTestEnv(t)
	var logs bytes.Buffer
	env.Engine.Logger = slog.New(slog.NewJSONHandler(&logs, nil))
	p := env.create(t, env.contentRequest())
	sig := env.ready(t, p)
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER block_complete BEFORE UPDATE OF status ON intents
		WHEN NEW.status = 'completed' BEGIN SELECT RAISE(ABORT, 'disk full'); END`)
	require.NoError(t, err)

	_, err = env.execute(p, sig)
	var serr *engine.SettlementError
	require.ErrorAs(t, err, &serr)
	assert.Equal(t, engine.CodeFinalizeFailed, serr.Code)
	assert.False(t, serr.Terminal)
	assert.Contains(t, serr.Reason, "escrow-1")
	assert.Contains(t, logs.String(), `"msg":"settled intent not finalized"`)
	assert.Contains(t, logs.String(), `"reference":"escrow-1"`)

	got, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusExecuting, got.Status)
	assert.False(t, got.Processed)
	assert.Len(t, env.Fakes.Escrow.Settled(), 1)
	refunds, err := env.Engine.ListRefunds(env.Ctx, repo.RefundFilters{})
	require.NoError(t, err)
	assert.Empty(t, refunds)

	// An operator reconciles once the store recovers.
	_, err = env.Engine.DB.Exec(`DROP TRIGGER block_complete`)
	require.NoError(t, err)
	done, err := env.Engine.MarkProcessed(env.Ctx, p.ID, domain.StatusCompleted, "", "root")
	require.NoError(t, err)
	assert.True(t, done.Processed)
	assert.Equal(t, domain.StatusCompleted, done.Status)
}

func TestForeignTokenOracleChecks(t *testing.T) {
	env := newTestEnv(t)
	token := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	env.Fakes.Oracle.SetRate(token, decimal.NewFromInt(2))

	req := env.contentRequest()
	req.PaymentToken = token
	req.MaxSlippageBps = 100
	p := env.create(t, req)
	assert.Equal(t, uint64(20_000_000), p.QuotedAmount)
	assert.Equal(t, uint64(20_200_000), p.ExpectedAmount)
	sig := env.ready(t, p)

	_, err := env.execute(p, sig)
	require.ErrorIs(t, err, engine.ErrUnsupportedToken)

	execPermit := func() error {
		_, err := env.Engine.ExecutePaymentWithPermit(env.Ctx, engine.PermitRequest{IntentID: p.ID, Caller: env.User, Permit: env.permit(t, p, 0)})
		return err
	}

	env.Fakes.Oracle.SetLiveRate(token, decimal.RequireFromString("2.5"))
	var serr *engine.SettlementError
	require.ErrorAs(t, execPermit(), &serr)
	assert.Equal(t, engine.CodeQuoteDrift, serr.Code)

	env.Fakes.Oracle.SetLiveRate(token, decimal.RequireFromString("2.05"))
	env.Engine.Config.Oracle.LargeTradeThreshold = 1_000
	env.Fakes.Oracle.SetImpact(token, 2_000)
	require.ErrorAs(t, execPermit(), &serr)
	assert.Equal(t, engine.CodePriceImpact, serr.Code)

	stored, err := env.Engine.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, stored.Status)

	env.Fakes.Oracle.SetImpact(token, 500)
	require.NoError(t, execPermit())
	settled := env.Fakes.Escrow.Settled()
	require.Len(t, settled, 1)
	assert.Equal(t, uint64(20_200_000), settled[0].Amount)
	assert.Equal(t, token, settled[0].Token)
}

func TestTipSkipsAccessGrant(t *testing.T) {
	env := newTestEnv(t)
	env.Fakes.Stats.FailWith(errors.New("stats offline"))
	req := env.contentRequest()
	req.Type, req.ContentID, req.Amount = domain.PaymentTip, 0, 2_000_000
	p := env.create(t, req)
	assert.Equal(t, uint64(0), p.ContentID)

	done, err := env.execute(p, env.ready(t, p))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	assert.Equal(t, domain.GrantNone, done.GrantStatus)
	assert.Empty(t, env.Fakes.Access.Grants())
}

func TestRefundAmountIsFrozenAtCreation(t *testing.T) {
	env := newTestEnv(t)
	p := env.create(t, env.contentRequest())
	_, err := env.execute(p, env.ready(t, p))
	require.NoError(t, err)

	cfg := config.Default()
	cfg.Fees.PlatformFeeBps = 1_000
	cfg.Fees.OperatorFeeBps = 500
	require.NoError(t, env.Engine.ImportConfig(env.Ctx, "root", cfg))
	env.Engine.Config = cfg

	rf, err := env.Engine.RequestRefund(env.Ctx, p.ID, env.User, "not as described")
	require.NoError(t, err)
	assert.Equal(t, p.PlatformFee+p.CreatorAmount+p.OperatorFee, rf.Amount)
	assert.Equal(t, uint64(10_000_000), rf.Amount)

	stored, err := env.Engine.Repo.GetEngineConfig(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1_000), stored.Fees.PlatformFeeBps)
}

func TestRequestRefundRules(t *testing.T) {
	env := newTestEnv(t)
	pending := env.create(t, env.contentRequest())
	p := env.create(t, env.contentRequest())
	_, err := env.execute(p, env.ready(t, p))
	require.NoError(t, err)

	_, err = env.Engine.RequestRefund(env.Ctx, p.ID, env.User, " ")
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)

	_, err = env.Engine.RequestRefund(env.Ctx, p.ID, env.Creator, "mine")
	require.ErrorIs(t, err, engine.ErrNotIntentOwner)

	_, err = env.Engine.RequestRefund(env.Ctx, pending.ID, env.User, "never paid")
	require.ErrorIs(t, err, engine.ErrNotCompleted)

	env.advance(env.Engine.Config.Refunds.DisputeWindow + time.Minute)
	_, err = env.Engine.RequestRefund(env.Ctx, p.ID, env.User, "late")
	require.ErrorIs(t, err, engine.ErrDisputeWindowClosed)

	*env.clock = fixedNow.Add(time.Hour)
	_, err = env.Engine.RequestRefund(env.Ctx, p.ID, env.User, "broken file")
	require.NoError(t, err)
	_, err = env.Engine.RequestRefund(env.Ctx, p.ID, env.User, "again")
	require.ErrorIs(t, err, engine.ErrRefundExists)

	_, err = env.Engine.HandleFailedPayment(env.Ctx, pending.ID, "manual")
	require.ErrorIs(t, err, engine.ErrNotTerminal)
}

func (env *testEnv) failedIntent(t *testing.T) domain.RefundRequest {
	t.Helper()
	env.Fakes.Escrow.Reject("declined")
	p := env.create(t, env.contentRequest())
	_, err := env.execute(p, env.ready(t, p))
	var serr *engine.SettlementError
	require.ErrorAs(t, err, &serr)
	env.Fakes.Escrow.Reject("")
	rf, err := env.Engine.GetRefund(env.Ctx, serr.RefundID)
	require.NoError(t, err)
	return rf
}

func TestProcessRefundPaysOut(t *testing.T) {
	env := newTestEnv(t)
	rf := env.failedIntent(t)

	_, err := env.Engine.ProcessRefund(env.Ctx, "clerk", rf.ID)
	var forbidden authz.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	require.NoError(t, env.Engine.GrantRole(env.Ctx, "root", "clerk", repo.RoleRefundProcessor))
	done, err := env.Engine.ProcessRefund(env.Ctx, "clerk", rf.ID)
	require.NoError(t, err)
	assert.True(t, done.Processed)
	assert.Equal(t, "clerk", done.ProcessedBy)

	released := env.Fakes.Escrow.Released()
	require.Len(t, released, 1)
	assert.Equal(t, env.User, released[0].To)
	assert.Equal(t, rf.Amount, released[0].Amount)

	balance, err := env.Engine.PendingBalance(env.Ctx, env.User)
	require.NoError(t, err)
	assert.Zero(t, balance)

	_, err = env.Engine.ProcessRefund(env.Ctx, "clerk", rf.ID)
	require.ErrorIs(t, err, engine.ErrRefundProcessed)
	_, err = env.Engine.ProcessRefund(env.Ctx, "clerk", "missing")
	require.ErrorIs(t, err, repo.ErrNotFound)

	m := env.metrics(t)
	assert.Equal(t, uint64(1), m.RefundsProcessed)
	assert.Equal(t, rf.Amount, m.RefundsPaid)
}

func TestProcessRefundReleaseFailureReopens(t *testing.T) {
	env := newTestEnv(t)
	rf := env.failedIntent(t)
	env.Fakes.Escrow.FailReleaseWith(errors.New("transfer reverted"))

	_, err := env.Engine.ProcessRefund(env.Ctx, "root", rf.ID)
	require.Error(t, err)

	stored, err := env.Engine.GetRefund(env.Ctx, rf.ID)
	require.NoError(t, err)
	assert.False(t, stored.Processed)
	balance, err := env.Engine.PendingBalance(env.Ctx, env.User)
	require.NoError(t, err)
	assert.Equal(t, rf.Amount, balance)

	env.Fakes.Escrow.FailReleaseWith(nil)
	_, err = env.Engine.ProcessRefund(env.Ctx, "root", rf.ID)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), env.metrics(t).RefundsProcessed)
}

func TestProcessRefundWithCoordinationRevokesAccess(t *testing.T) {
	env := newTestEnv(t)
	env.Fakes.Access.FailRevokeWith(errors.New("ledger busy"))
	p := env.create(t, env.contentRequest())
	_, err := env.execute(p, env.ready(t, p))
	require.NoError(t, err)
	rf, err := env.Engine.RequestRefund(env.Ctx, p.ID, env.User, "duplicate charge")
	require.NoError(t, err)

	// Revoke failures do not block the monetary refund.
	_, err = env.Engine.ProcessRefundWithCoordination(env.Ctx, "root", rf.ID)
	require.NoError(t, err)
	assert.Empty(t, env.Fakes.Access.Revoked())

	env.Fakes.Access.FailRevokeWith(nil)
	q := env.create(t, env.contentRequest())
	_, err = env.execute(q, env.ready(t, q))
	require.NoError(t, err)
	rf, err = env.Engine.RequestRefund(env.Ctx, q.ID, env.User, "duplicate charge")
	require.NoError(t, err)
	_, err = env.Engine.ProcessRefundWithCoordination(env.Ctx, "root", rf.ID)
	require.NoError(t, err)
	revoked := env.Fakes.Access.Revoked()
	require.Len(t, revoked, 1)
	assert.Equal(t, q.ID, revoked[0].IntentID)
}

func TestCreateAPIKeyRequiresAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, _, err := env.Engine.CreateAPIKey(env.Ctx, "mallory", "mallory", "")
	var forbidden authz.ForbiddenError
	require.ErrorAs(t, err, &forbidden)

	key, secret, err := env.Engine.CreateAPIKey(env.Ctx, "root", "svc", "ci")
	require.NoError(t, err)
	assert.Equal(t, repo.HashAPIKey(secret), key.KeyHash)
	got, err := env.Engine.Repo.GetAPIKeyByHash(env.Ctx, key.KeyHash)
	require.NoError(t, err)
	assert.Equal(t, "svc", got.ActorID)
}
