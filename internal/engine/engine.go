// Package engine orchestrates payment intents: creation, authorization,
// settlement, access grants and refunds. Every state change happens inside a
// SQLite transaction together with its audit event.
package engine

import (
	"database/sql"
	"log/slog"
	"time"

	"paykit/internal/collab"
	"paykit/internal/config"
	"paykit/internal/engine/authz"
	"paykit/internal/events"
	"paykit/internal/fees"
	"paykit/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Collab collab.Set
	Now    func() time.Time
	Logger *slog.Logger
}

func New(db *sql.DB, cfg *config.Config, set collab.Set) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Collab: set,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e Engine) events() events.Writer {
	w := e.Events
	if w.Now == nil {
		w.Now = e.Now
	}
	return w
}

func (e Engine) authorizer() authz.Authorizer {
	return authz.Authorizer{
		DB:     e.DB,
		Repo:   e.Repo,
		Events: e.events(),
		Config: e.Config,
		Now:    e.Now,
		Logger: e.Logger,
	}
}

func (e Engine) calculator() fees.Calculator {
	return fees.Calculator{
		Catalog: e.Collab.Catalog,
		Oracle:  e.Collab.Oracle,
		Loyalty: e.Collab.Loyalty,
		Config:  e.Config,
		Logger:  e.Logger,
	}
}
