package authz

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/domain"
	"paykit/internal/events"
	"paykit/internal/repo"
)

var ErrZeroSigner = errors.New("signer address must not be zero")

// AddSigner authorizes signer. Adding a present signer is a no-op that
// reports false and leaves the signer set version unchanged.
func (a Authorizer) AddSigner(ctx context.Context, actor string, signer common.Address) (bool, error) {
	return a.mutateSigner(ctx, actor, signer, true)
}

// RemoveSigner revokes signer. Removing an absent signer reports false.
func (a Authorizer) RemoveSigner(ctx context.Context, actor string, signer common.Address) (bool, error) {
	return a.mutateSigner(ctx, actor, signer, false)
}

func (a Authorizer) mutateSigner(ctx context.Context, actor string, signer common.Address, add bool) (bool, error) {
	if signer == (common.Address{}) {
		return false, ErrZeroSigner
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()
	if err := RequireRole(ctx, tx, a.Repo, actor, repo.RoleAdmin); err != nil {
		return false, err
	}
	var changed bool
	evt := events.SignerRemoved
	if add {
		evt = events.SignerAdded
		changed, err = a.Repo.AddSigner(ctx, tx, signer, actor, a.now().UTC().Format(time.RFC3339))
	} else {
		changed, err = a.Repo.RemoveSigner(ctx, tx, signer)
	}
	if err != nil {
		return false, err
	}
	if !changed {
		return false, nil
	}
	if err := a.Repo.AddCounter(ctx, tx, repo.CounterSignerSetVersion, 1); err != nil {
		return false, err
	}
	version, err := a.Repo.CounterTx(ctx, tx, repo.CounterSignerSetVersion)
	if err != nil {
		return false, err
	}
	if err := a.Events.Append(ctx, tx, evt, "signer", signer.Hex(), actor, events.EventPayload{"version": version}); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}
	a.logger().InfoContext(ctx, "signer set updated", "signer", signer.Hex(), "added", add, "version", version)
	return true, nil
}

func (a Authorizer) ListSigners(ctx context.Context) ([]domain.Signer, error) {
	return a.Repo.ListSigners(ctx)
}

func (a Authorizer) IsAuthorized(ctx context.Context, signer common.Address) (bool, error) {
	return a.Repo.IsSigner(ctx, signer)
}
