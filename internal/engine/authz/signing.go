package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/domain"
	"paykit/internal/events"
	"paykit/internal/repo"
)

// PrepareForSigning computes and stores the intent's EIP-712 hash and moves
// it to authorization_pending. Repeat calls return the stored record.
func (a Authorizer) PrepareForSigning(ctx context.Context, intentID, actor string) (domain.AuthorizationRecord, error) {
	if a.Config == nil {
		return domain.AuthorizationRecord{}, errors.New("config not loaded")
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	defer tx.Rollback()

	intent, err := a.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return domain.AuthorizationRecord{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	existing, err := a.Repo.GetAuthorizationTx(ctx, tx, intentID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.AuthorizationRecord{}, err
	}
	now := a.now()
	if intent.Processed || intent.Status != domain.StatusCreated {
		return domain.AuthorizationRecord{}, authErr(CodeIntentClosed, "intent is %s", intent.Status)
	}
	if intent.Expired(now) {
		return domain.AuthorizationRecord{}, authErr(CodeIntentClosed, "intent expired at %s", intent.Deadline.UTC().Format("2006-01-02T15:04:05Z"))
	}
	hash, err := IntentHash(IntentDomain(a.Config), intent, a.Config.OperatorAddress())
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	rec := domain.AuthorizationRecord{IntentID: intentID, Hash: hash, PreparedAt: now}
	if err := a.Repo.InsertAuthorization(ctx, tx, rec); err != nil {
		return domain.AuthorizationRecord{}, err
	}
	moved, err := a.Repo.TransitionIntent(ctx, tx, intentID, domain.StatusCreated, domain.StatusAuthorizationPending)
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	if !moved {
		return domain.AuthorizationRecord{}, authErr(CodeIntentClosed, "intent left created state")
	}
	if err := a.Events.Append(ctx, tx, events.IntentPrepared, "intent", intentID, actor, events.EventPayload{"hash": hash.Hex()}); err != nil {
		return domain.AuthorizationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuthorizationRecord{}, err
	}
	return rec, nil
}

// ProvideSignature accepts the first valid signature from an authorized
// signer and marks the intent ready. Later calls are rejected with
// CodeAlreadySigned.
func (a Authorizer) ProvideSignature(ctx context.Context, intentID string, sig []byte, signer common.Address) (domain.AuthorizationRecord, error) {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	defer tx.Rollback()

	intent, err := a.Repo.GetIntentTx(ctx, tx, intentID)
	if err != nil {
		return domain.AuthorizationRecord{}, fmt.Errorf("intent %s: %w", intentID, err)
	}
	rec, err := a.Repo.GetAuthorizationTx(ctx, tx, intentID)
	if errors.Is(err, repo.ErrNotFound) {
		return domain.AuthorizationRecord{}, authErr(CodeNotPrepared, "hash not prepared")
	}
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	if len(rec.Signature) > 0 || rec.Ready {
		return domain.AuthorizationRecord{}, authErr(CodeAlreadySigned, "intent already signed by %s", rec.Signer.Hex())
	}
	if intent.Processed || intent.Status != domain.StatusAuthorizationPending {
		return domain.AuthorizationRecord{}, authErr(CodeIntentClosed, "intent is %s", intent.Status)
	}
	if err := a.checkSigner(ctx, tx, rec.Hash, sig, signer); err != nil {
		return domain.AuthorizationRecord{}, err
	}
	now := a.now()
	stored, err := a.Repo.SetSignature(ctx, tx, intentID, sig, signer, now)
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	if !stored {
		return domain.AuthorizationRecord{}, authErr(CodeAlreadySigned, "signature already recorded")
	}
	moved, err := a.Repo.TransitionIntent(ctx, tx, intentID, domain.StatusAuthorizationPending, domain.StatusReady)
	if err != nil {
		return domain.AuthorizationRecord{}, err
	}
	if !moved {
		return domain.AuthorizationRecord{}, authErr(CodeIntentClosed, "intent left authorization_pending state")
	}
	if err := a.Events.Append(ctx, tx, events.IntentSigned, "intent", intentID, signer.Hex(), events.EventPayload{"signer": signer.Hex()}); err != nil {
		return domain.AuthorizationRecord{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.AuthorizationRecord{}, err
	}
	rec.Signature = append([]byte(nil), sig...)
	rec.Signer = signer
	rec.Ready = true
	rec.SignedAt = &now
	return rec, nil
}

// Verify reports whether sig over the prepared hash recovers to
// expectedSigner and that signer is currently authorized. It writes nothing.
func (a Authorizer) Verify(ctx context.Context, intentID string, sig []byte, expectedSigner common.Address) (bool, error) {
	rec, err := a.Repo.GetAuthorization(ctx, intentID)
	if errors.Is(err, repo.ErrNotFound) {
		return false, authErr(CodeNotPrepared, "hash not prepared")
	}
	if err != nil {
		return false, err
	}
	recovered, err := Recover(rec.Hash, sig)
	if err != nil {
		return false, &AuthorizationError{Code: CodeMalformedSignature, Reason: "cannot recover signer", Err: err}
	}
	if recovered != expectedSigner {
		return false, nil
	}
	return a.Repo.IsSigner(ctx, expectedSigner)
}

func (a Authorizer) checkSigner(ctx context.Context, tx *sql.Tx, hash common.Hash, sig []byte, signer common.Address) error {
	recovered, err := Recover(hash, sig)
	if err != nil {
		return &AuthorizationError{Code: CodeMalformedSignature, Reason: "cannot recover signer", Err: err}
	}
	if recovered != signer {
		return authErr(CodeSignerMismatch, "signature recovers to %s, not %s", recovered.Hex(), signer.Hex())
	}
	ok, err := a.Repo.IsSignerTx(ctx, tx, signer)
	if err != nil {
		return err
	}
	if !ok {
		a.logger().WarnContext(ctx, "signature from unauthorized signer", "signer", signer.Hex())
		return authErr(CodeUnauthorizedSigner, "%s is not an authorized signer", signer.Hex())
	}
	return nil
}
