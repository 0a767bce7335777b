package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/config"
	"paykit/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// tsLayout is fixed width so stored timestamps compare lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// FormatTime renders t in the storage layout.
func FormatTime(t time.Time) string {
	return t.UTC().Format(tsLayout)
}

// ParseTime parses a timestamp written by FormatTime.
func ParseTime(s string) (time.Time, error) {
	return time.Parse(tsLayout, s)
}

func parseNullTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := ParseTime(v.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// addr normalizes addresses to their checksummed hex form before storage.
func addr(a common.Address) string {
	return a.Hex()
}

// amount converts a stored amount. Values above MaxInt64 never reach the
// database because the calculator rejects them.
func amount(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("amount %d exceeds storage range", v)
	}
	return int64(v), nil
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

type scanner interface {
	Scan(dest ...any) error
}

func (r Repo) UpsertEngineConfig(ctx context.Context, cfg *config.Config) error {
	return upsertEngineConfig(ctx, r.DB, nil, cfg)
}

func (r Repo) UpsertEngineConfigTx(ctx context.Context, tx *sql.Tx, cfg *config.Config) error {
	return upsertEngineConfig(ctx, nil, tx, cfg)
}

func upsertEngineConfig(ctx context.Context, db *sql.DB, tx *sql.Tx, cfg *config.Config) error {
	if cfg == nil {
		return fmt.Errorf("config nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	now := time.Now().UTC().Format(time.RFC3339)
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return db.ExecContext(ctx, query, args...)
	}
	_, err = exec(`INSERT INTO engine_config(id,config_json,created_at,updated_at) VALUES (1,?,?,?)
ON CONFLICT(id) DO UPDATE SET config_json=excluded.config_json, updated_at=excluded.updated_at`, string(payload), now, now)
	return err
}

func (r Repo) GetEngineConfig(ctx context.Context) (*config.Config, error) {
	var payload string
	err := r.DB.QueryRowContext(ctx, `SELECT config_json FROM engine_config WHERE id=1`).Scan(&payload)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var cfg config.Config
	if err := json.Unmarshal([]byte(payload), &cfg); err != nil {
		return nil, err
	}
	return &cfg, cfg.Validate()
}

// Counter names.
const (
	CounterIntentsCreated   = "intents_created"
	CounterIntentsCompleted = "intents_completed"
	CounterIntentsFailed    = "intents_failed"
	CounterRefundsRequested = "refunds_requested"
	CounterRefundsProcessed = "refunds_processed"
	CounterVolumeSettled    = "volume_settled"
	CounterPlatformFees     = "platform_fees_accrued"
	CounterOperatorFees     = "operator_fees_accrued"
	CounterRefundsPaid      = "refunds_paid"
	CounterSignerSetVersion = "signer_set_version"
)

// AddCounter increments a named counter by delta, creating it on first use.
func (r Repo) AddCounter(ctx context.Context, tx *sql.Tx, name string, delta uint64) error {
	d, err := amount(delta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO counters(name,value) VALUES (?,?)
ON CONFLICT(name) DO UPDATE SET value=value+excluded.value`, name, d)
	return err
}

func (r Repo) Counters(ctx context.Context) (map[string]uint64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT name, value FROM counters`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]uint64{}
	for rows.Next() {
		var name string
		var value int64
		if err := rows.Scan(&name, &value); err != nil {
			return nil, err
		}
		res[name] = uint64(value)
	}
	return res, rows.Err()
}

func (r Repo) CounterTx(ctx context.Context, tx *sql.Tx, name string) (uint64, error) {
	var value int64
	err := tx.QueryRowContext(ctx, `SELECT value FROM counters WHERE name=?`, name).Scan(&value)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(value), err
}

func (r Repo) LatestEvents(ctx context.Context, limit int, evtType, entityKind, entityID string) ([]domain.Event, error) {
	return r.LatestEventsFrom(ctx, limit, 0, evtType, entityKind, entityID)
}

func (r Repo) LatestEventsFrom(ctx context.Context, limit int, cursor int64, evtType, entityKind, entityID string) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if evtType != "" {
		clauses = append(clauses, "type=?")
		args = append(args, evtType)
	}
	if entityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, entityKind)
	}
	if entityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, entityID)
	}
	if cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, cursor)
	}
	where := "WHERE " + strings.Join(clauses, " AND ")
	query := fmt.Sprintf(`SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events %s ORDER BY id DESC LIMIT ?`, where)
	args = append(args, limit)
	return r.queryEvents(ctx, query, args...)
}

// EventsAfter returns events with IDs greater than the cursor in ascending order.
func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	return r.queryEvents(ctx, `SELECT id,ts,type,entity_kind,COALESCE(entity_id,''),actor_id,payload_json FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
}

func (r Repo) queryEvents(ctx context.Context, query string, args ...any) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.EntityKind, &e.EntityID, &e.ActorID, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

// LatestEventID returns the most recent event ID.
func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`)
	var id int64
	if err := row.Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}
