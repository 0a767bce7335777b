package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	"paykit/internal/collab"
	"paykit/internal/collab/httpcollab"
	"paykit/internal/collab/memory"
	"paykit/internal/config"
	"paykit/internal/engine"
	"paykit/internal/repo"
)

// ResolveConfig returns the engine config stored in the DB. On first use it
// is seeded from the workspace paykit.yml, or from defaults when that file
// does not exist.
func ResolveConfig(ctx context.Context, workspace string, r repo.Repo) (*config.Config, error) {
	cfg, err := r.GetEngineConfig(ctx)
	if err == nil {
		return cfg, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return nil, err
	}
	seed, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", config.Path(workspace), err)
	}
	if seed == nil {
		seed = config.Default()
	}
	if err := r.UpsertEngineConfig(ctx, seed); err != nil {
		return nil, fmt.Errorf("seed engine config: %w", err)
	}
	return seed, nil
}

// Collaborators builds the collaborator set. Services with a configured URL
// are reached over HTTP. With dev set, the rest fall back to in-process fakes;
// otherwise they stay nil and settlement refuses to run until configured.
func Collaborators(cfg *config.Config, dev bool, logger *slog.Logger) collab.Set {
	set := httpcollab.New(cfg.Collaborators)
	if !dev {
		if err := set.Validate(); err != nil && logger != nil {
			logger.Warn("collaborators not configured; intents cannot be created or settled", "error", err)
		}
		return set
	}
	fakes := memory.New()
	var local []string
	if set.Catalog == nil {
		set.Catalog = fakes.Catalog
		local = append(local, "catalog")
	}
	if set.Oracle == nil {
		set.Oracle = fakes.Oracle
		local = append(local, "oracle")
	}
	if set.Escrow == nil {
		set.Escrow = fakes.Escrow
		local = append(local, "escrow")
	}
	if set.Access == nil {
		set.Access = fakes.Access
		set.Revoker = fakes.Access
		local = append(local, "access")
	}
	if set.Recorder == nil {
		set.Recorder = fakes.Recorder
	}
	if len(local) > 0 && logger != nil {
		logger.Warn("dev mode: using in-process collaborators", "services", local)
	}
	return set
}

// NewEngine resolves config and collaborators for an open, migrated DB.
func NewEngine(ctx context.Context, conn *sql.DB, workspace string, dev bool, logger *slog.Logger) (engine.Engine, error) {
	r := repo.Repo{DB: conn}
	cfg, err := ResolveConfig(ctx, workspace, r)
	if err != nil {
		return engine.Engine{}, err
	}
	e := engine.New(conn, cfg, Collaborators(cfg, dev, logger))
	e.Logger = logger
	return e, nil
}
