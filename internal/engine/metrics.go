package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"paykit/internal/config"
	"paykit/internal/domain"
	"paykit/internal/engine/authz"
	"paykit/internal/events"
	"paykit/internal/repo"
)

// GetOperatorMetrics reports the engine's running totals.
func (e Engine) GetOperatorMetrics(ctx context.Context) (domain.OperatorMetrics, error) {
	c, err := e.Repo.Counters(ctx)
	if err != nil {
		return domain.OperatorMetrics{}, err
	}
	return domain.OperatorMetrics{
		IntentsCreated:      c[repo.CounterIntentsCreated],
		IntentsCompleted:    c[repo.CounterIntentsCompleted],
		IntentsFailed:       c[repo.CounterIntentsFailed],
		RefundsRequested:    c[repo.CounterRefundsRequested],
		RefundsProcessed:    c[repo.CounterRefundsProcessed],
		VolumeSettled:       c[repo.CounterVolumeSettled],
		PlatformFeesAccrued: c[repo.CounterPlatformFees],
		OperatorFeesAccrued: c[repo.CounterOperatorFees],
		RefundsPaid:         c[repo.CounterRefundsPaid],
		SignerSetVersion:    c[repo.CounterSignerSetVersion],
	}, nil
}

// ImportConfig replaces the stored engine configuration. Existing intents
// keep the amounts they were created with.
func (e Engine) ImportConfig(ctx context.Context, actor string, cfg *config.Config) error {
	if cfg == nil {
		return errors.New("config required")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := authz.RequireRole(ctx, tx, e.Repo, actor, repo.RoleAdmin); err != nil {
		return err
	}
	if err := e.Repo.UpsertEngineConfigTx(ctx, tx, cfg); err != nil {
		return fmt.Errorf("store config: %w", err)
	}
	if err := e.events().Append(ctx, tx, events.ConfigImported, "config", "engine", actor, events.EventPayload{
		"platform_fee_bps": cfg.Fees.PlatformFeeBps,
		"operator_fee_bps": cfg.Fees.OperatorFeeBps,
		"chain_id":         cfg.Settlement.ChainID,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey issues a key for target. The plaintext key is returned once;
// only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actor, target, name string) (domain.APIKey, string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		return domain.APIKey{}, "", errors.New("actor id required")
	}
	raw := make([]byte, 24)
	if _, err := rand.Read(raw); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "pk_" + hex.EncodeToString(raw)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   target,
		Name:      strings.TrimSpace(name),
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.APIKey{}, "", err
	}
	defer tx.Rollback()
	if err := authz.RequireRole(ctx, tx, e.Repo, actor, repo.RoleAdmin); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.Repo.InsertAPIKey(ctx, tx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := e.events().Append(ctx, tx, events.APIKeyCreated, "api_key", key.ID, actor, events.EventPayload{"actor_id": target, "name": key.Name}); err != nil {
		return domain.APIKey{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

func (e Engine) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return e.Repo.LatestEvents(ctx, limit, evtType, entityKind, entityID)
}
