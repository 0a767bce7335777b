// Package authz owns intent authorization: EIP-712 hashing, signature
// verification, the authorized signer set and actor roles.
package authz

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"paykit/internal/config"
	"paykit/internal/events"
	"paykit/internal/repo"
)

// ForbiddenError indicates a missing role.
type ForbiddenError struct {
	Role string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("role %s required", e.Role)
}

// Authorization failure codes.
const (
	CodeNotPrepared        = "not_prepared"
	CodeAlreadySigned      = "already_signed"
	CodeMalformedSignature = "malformed_signature"
	CodeSignerMismatch     = "signer_mismatch"
	CodeUnauthorizedSigner = "unauthorized_signer"
	CodeIntentClosed       = "intent_closed"
)

// AuthorizationError rejects a signature. The intent keeps its status.
type AuthorizationError struct {
	Code   string
	Reason string
	Err    error
}

func (e *AuthorizationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("authorization %s: %s: %v", e.Code, e.Reason, e.Err)
	}
	return fmt.Sprintf("authorization %s: %s", e.Code, e.Reason)
}

func (e *AuthorizationError) Unwrap() error { return e.Err }

func authErr(code, format string, args ...any) *AuthorizationError {
	return &AuthorizationError{Code: code, Reason: fmt.Sprintf(format, args...)}
}

// IsCode reports whether err is an AuthorizationError with the given code.
func IsCode(err error, code string) bool {
	var aerr *AuthorizationError
	return errors.As(err, &aerr) && aerr.Code == code
}

// Authorizer prepares, verifies and stores intent signatures and manages the
// signer set.
type Authorizer struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
	Logger *slog.Logger
}

func (a Authorizer) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}

func (a Authorizer) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}

// RequireRole fails with ForbiddenError unless actor holds one of roles.
func RequireRole(ctx context.Context, tx *sql.Tx, r repo.Repo, actor string, roles ...string) error {
	if actor == "" {
		return ForbiddenError{Role: roles[0]}
	}
	held, err := r.ActorRolesTx(ctx, tx, actor)
	if err != nil {
		return err
	}
	for _, role := range roles {
		if slices.Contains(held, role) {
			return nil
		}
	}
	return ForbiddenError{Role: roles[0]}
}

// GrantRole assigns a role. Only admins may grant, except that the first
// admin can be granted while no admin exists yet.
func (a Authorizer) GrantRole(ctx context.Context, actor, target, role string) error {
	if role != repo.RoleAdmin && role != repo.RoleRefundProcessor {
		return fmt.Errorf("unknown role %q", role)
	}
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	admins, err := a.Repo.CountRoleHolders(ctx, tx, repo.RoleAdmin)
	if err != nil {
		return err
	}
	bootstrap := admins == 0 && role == repo.RoleAdmin
	if !bootstrap {
		if err := RequireRole(ctx, tx, a.Repo, actor, repo.RoleAdmin); err != nil {
			return err
		}
	}
	now := a.now().UTC().Format(time.RFC3339)
	if err := a.Repo.AssignRole(ctx, tx, target, role, now); err != nil {
		return err
	}
	if err := a.Events.Append(ctx, tx, events.RoleGranted, "actor", target, actor, events.EventPayload{"role": role, "bootstrap": bootstrap}); err != nil {
		return err
	}
	return tx.Commit()
}

func (a Authorizer) RevokeRole(ctx context.Context, actor, target, role string) error {
	tx, err := a.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := RequireRole(ctx, tx, a.Repo, actor, repo.RoleAdmin); err != nil {
		return err
	}
	if err := a.Repo.RevokeRole(ctx, tx, target, role); err != nil {
		return err
	}
	if err := a.Events.Append(ctx, tx, events.RoleRevoked, "actor", target, actor, events.EventPayload{"role": role}); err != nil {
		return err
	}
	return tx.Commit()
}
