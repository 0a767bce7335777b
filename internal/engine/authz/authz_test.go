package authz_test

import (
	"context"
	"crypto/ecdsa"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"paykit/internal/config"
	"paykit/internal/db"
	"paykit/internal/domain"
	"paykit/internal/engine/authz"
	"paykit/internal/events"
	"paykit/internal/migrate"
	"paykit/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

type testEnv struct {
	Auth authz.Authorizer
	Ctx  context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	now := func() time.Time { return fixedNow }
	a := authz.Authorizer{
		DB:     conn,
		Repo:   repo.Repo{DB: conn},
		Events: events.Writer{DB: conn, Now: now},
		Config: config.Default(),
		Now:    now,
	}
	ctx := context.Background()
	require.NoError(t, a.GrantRole(ctx, "root", "root", repo.RoleAdmin))
	return testEnv{Auth: a, Ctx: ctx}
}

func newKey(t *testing.T) (*ecdsa.PrivateKey, common.Address) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	return key, crypto.PubkeyToAddress(key.PublicKey)
}

func (env testEnv) seedIntent(t *testing.T) domain.PaymentIntent {
	t.Helper()
	p := domain.PaymentIntent{
		ID:             uuid.NewSHA1(uuid.NameSpaceOID, []byte(t.Name())).String(),
		Type:           domain.PaymentContent,
		User:           common.HexToAddress("0x1000000000000000000000000000000000000001"),
		Creator:        common.HexToAddress("0x2000000000000000000000000000000000000002"),
		ContentID:      7,
		TotalAmount:    10_000_000,
		PlatformFee:    250_000,
		CreatorAmount:  9_700_000,
		OperatorFee:    50_000,
		PaymentToken:   env.Auth.Config.SettlementCurrency(),
		ExpectedAmount: 10_000_000,
		QuotedAmount:   10_000_000,
		Origin:         "test",
		CreatedAt:      fixedNow,
		Deadline:       fixedNow.Add(time.Hour),
		Status:         domain.StatusCreated,
		GrantStatus:    domain.GrantNone,
	}
	tx, err := env.Auth.DB.BeginTx(env.Ctx, nil)
	require.NoError(t, err)
	require.NoError(t, env.Auth.Repo.InsertIntent(env.Ctx, tx, p))
	require.NoError(t, tx.Commit())
	return p
}

func TestRecoverAcceptsBothRecoveryForms(t *testing.T) {
	key, addr := newKey(t)
	hash := crypto.Keccak256Hash([]byte("payload"))
	sig, err := authz.Sign(key, hash)
	require.NoError(t, err)
	assert.Contains(t, []byte{27, 28}, sig[64])

	got, err := authz.Recover(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, addr, got)

	raw := append([]byte(nil), sig...)
	raw[64] -= 27
	got, err = authz.Recover(hash, raw)
	require.NoError(t, err)
	assert.Equal(t, addr, got)
}

func TestRecoverRejectsMalformed(t *testing.T) {
	key, _ := newKey(t)
	hash := crypto.Keccak256Hash([]byte("payload"))
	sig, err := authz.Sign(key, hash)
	require.NoError(t, err)

	_, err = authz.Recover(hash, sig[:64])
	require.ErrorIs(t, err, authz.ErrSignatureLength)

	bad := append([]byte(nil), sig...)
	bad[64] = 30
	_, err = authz.Recover(hash, bad)
	require.ErrorIs(t, err, authz.ErrSignatureRecovery)
}

func TestIntentHashBindsSettlementFields(t *testing.T) {
	cfg := config.Default()
	d := authz.IntentDomain(cfg)
	p := domain.PaymentIntent{
		ID:             uuid.NewString(),
		User:           common.HexToAddress("0x01"),
		Creator:        common.HexToAddress("0x02"),
		PaymentToken:   cfg.SettlementCurrency(),
		ExpectedAmount: 100,
		PlatformFee:    3,
		OperatorFee:    1,
		Deadline:       fixedNow,
	}
	h1, err := authz.IntentHash(d, p, cfg.OperatorAddress())
	require.NoError(t, err)
	h2, err := authz.IntentHash(d, p, cfg.OperatorAddress())
	require.NoError(t, err)
	assert.Equal(t, h1, h2)

	changed := p
	changed.ExpectedAmount = 101
	h3, err := authz.IntentHash(d, changed, cfg.OperatorAddress())
	require.NoError(t, err)
	assert.NotEqual(t, h1, h3)

	other := d
	other.ChainID = 1
	h4, err := authz.IntentHash(other, p, cfg.OperatorAddress())
	require.NoError(t, err)
	assert.NotEqual(t, h1, h4)
}

func TestPermitSignatureRecoversPayer(t *testing.T) {
	cfg := config.Default()
	key, payer := newKey(t)
	permit := domain.Permit{
		Token:    cfg.SettlementCurrency(),
		Amount:   10_000_000,
		Nonce:    0,
		Deadline: fixedNow.Add(time.Hour),
		Spender:  cfg.EscrowAddress(),
	}
	hash, err := authz.PermitHash(authz.PermitDomain(cfg), permit)
	require.NoError(t, err)
	sig, err := authz.Sign(key, hash)
	require.NoError(t, err)
	got, err := authz.Recover(hash, sig)
	require.NoError(t, err)
	assert.Equal(t, payer, got)
}

func TestPrepareIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	p := env.seedIntent(t)
	rec, err := env.Auth.PrepareForSigning(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	again, err := env.Auth.PrepareForSigning(env.Ctx, p.ID, "tester")
	require.NoError(t, err)
	assert.Equal(t, rec.Hash, again.Hash)

	stored, err := env.Auth.Repo.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorizationPending, stored.Status)
}

func TestProvideSignatureMarksReadyOnce(t *testing.T) {
	env := newTestEnv(t)
	key1, signer1 := newKey(t)
	key2, signer2 := newKey(t)
	for _, s := range []common.Address{signer1, signer2} {
		_, err := env.Auth.AddSigner(env.Ctx, "root", s)
		require.NoError(t, err)
	}
	p := env.seedIntent(t)
	rec, err := env.Auth.PrepareForSigning(env.Ctx, p.ID, "tester")
	require.NoError(t, err)

	sig1, err := authz.Sign(key1, rec.Hash)
	require.NoError(t, err)
	sig2, err := authz.Sign(key2, rec.Hash)
	require.NoError(t, err)

	signed, err := env.Auth.ProvideSignature(env.Ctx, p.ID, sig1, signer1)
	require.NoError(t, err)
	assert.True(t, signed.Ready)

	_, err = env.Auth.ProvideSignature(env.Ctx, p.ID, sig2, signer2)
	require.Error(t, err)
	assert.True(t, authz.IsCode(err, authz.CodeAlreadySigned))

	stored, err := env.Auth.Repo.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusReady, stored.Status)

	ok, err := env.Auth.Verify(env.Ctx, p.ID, sig1, signer1)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = env.Auth.Verify(env.Ctx, p.ID, sig1, signer2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestProvideSignatureRejections(t *testing.T) {
	env := newTestEnv(t)
	authorizedKey, authorized := newKey(t)
	strangerKey, stranger := newKey(t)
	_, err := env.Auth.AddSigner(env.Ctx, "root", authorized)
	require.NoError(t, err)

	p := env.seedIntent(t)
	sig, err := authz.Sign(authorizedKey, crypto.Keccak256Hash([]byte("x")))
	require.NoError(t, err)
	_, err = env.Auth.ProvideSignature(env.Ctx, p.ID, sig, authorized)
	assert.True(t, authz.IsCode(err, authz.CodeNotPrepared))

	rec, err := env.Auth.PrepareForSigning(env.Ctx, p.ID, "tester")
	require.NoError(t, err)

	strangerSig, err := authz.Sign(strangerKey, rec.Hash)
	require.NoError(t, err)
	_, err = env.Auth.ProvideSignature(env.Ctx, p.ID, strangerSig, stranger)
	assert.True(t, authz.IsCode(err, authz.CodeUnauthorizedSigner))

	_, err = env.Auth.ProvideSignature(env.Ctx, p.ID, strangerSig, authorized)
	assert.True(t, authz.IsCode(err, authz.CodeSignerMismatch))

	_, err = env.Auth.ProvideSignature(env.Ctx, p.ID, strangerSig[:10], authorized)
	assert.True(t, authz.IsCode(err, authz.CodeMalformedSignature))

	stored, err := env.Auth.Repo.GetIntent(env.Ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorizationPending, stored.Status)
}

func TestSignerSetIsVersionedAndIdempotent(t *testing.T) {
	env := newTestEnv(t)
	_, signer := newKey(t)

	added, err := env.Auth.AddSigner(env.Ctx, "root", signer)
	require.NoError(t, err)
	assert.True(t, added)
	added, err = env.Auth.AddSigner(env.Ctx, "root", signer)
	require.NoError(t, err)
	assert.False(t, added)

	counters, err := env.Auth.Repo.Counters(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), counters[repo.CounterSignerSetVersion])

	removed, err := env.Auth.RemoveSigner(env.Ctx, "root", signer)
	require.NoError(t, err)
	assert.True(t, removed)
	removed, err = env.Auth.RemoveSigner(env.Ctx, "root", signer)
	require.NoError(t, err)
	assert.False(t, removed)

	counters, err = env.Auth.Repo.Counters(env.Ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(2), counters[repo.CounterSignerSetVersion])
}

func TestSignerChangesRequireAdmin(t *testing.T) {
	env := newTestEnv(t)
	_, signer := newKey(t)
	_, err := env.Auth.AddSigner(env.Ctx, "mallory", signer)
	var forbidden authz.ForbiddenError
	require.ErrorAs(t, err, &forbidden)
	assert.Equal(t, repo.RoleAdmin, forbidden.Role)

	err = env.Auth.GrantRole(env.Ctx, "mallory", "mallory", repo.RoleAdmin)
	require.ErrorAs(t, err, &forbidden)
}
