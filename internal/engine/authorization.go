package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/domain"
)

func (e Engine) PrepareForSigning(ctx context.Context, intentID, actor string) (domain.AuthorizationRecord, error) {
	return e.authorizer().PrepareForSigning(ctx, intentID, actor)
}

// ProvideIntentSignature stores the first valid signature for an intent and
// marks it ready.
func (e Engine) ProvideIntentSignature(ctx context.Context, intentID string, sig []byte, signer common.Address) (domain.AuthorizationRecord, error) {
	return e.authorizer().ProvideSignature(ctx, intentID, sig, signer)
}

func (e Engine) VerifyIntentSignature(ctx context.Context, intentID string, sig []byte, expectedSigner common.Address) (bool, error) {
	return e.authorizer().Verify(ctx, intentID, sig, expectedSigner)
}

func (e Engine) AddSigner(ctx context.Context, actor string, signer common.Address) (bool, error) {
	return e.authorizer().AddSigner(ctx, actor, signer)
}

func (e Engine) RemoveSigner(ctx context.Context, actor string, signer common.Address) (bool, error) {
	return e.authorizer().RemoveSigner(ctx, actor, signer)
}

func (e Engine) ListSigners(ctx context.Context) ([]domain.Signer, error) {
	return e.authorizer().ListSigners(ctx)
}

func (e Engine) GrantRole(ctx context.Context, actor, target, role string) error {
	return e.authorizer().GrantRole(ctx, actor, target, role)
}

func (e Engine) RevokeRole(ctx context.Context, actor, target, role string) error {
	return e.authorizer().RevokeRole(ctx, actor, target, role)
}

func (e Engine) ActorRoles(ctx context.Context, actor string) ([]string, error) {
	return e.Repo.ActorRoles(ctx, actor)
}
