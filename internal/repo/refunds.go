package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/domain"
)

const refundColumns = `id,original_intent_id,user_address,amount,reason,request_time,processed,processed_at,processed_by`

func scanRefund(row scanner) (domain.RefundRequest, error) {
	var (
		rf                 domain.RefundRequest
		user, requestTime  string
		amt                int64
		processed          int
		processedAt, actor sql.NullString
	)
	err := row.Scan(&rf.ID, &rf.OriginalIntentID, &user, &amt, &rf.Reason, &requestTime, &processed, &processedAt, &actor)
	if err == sql.ErrNoRows {
		return rf, ErrNotFound
	}
	if err != nil {
		return rf, err
	}
	rf.User = common.HexToAddress(user)
	rf.Amount = uint64(amt)
	rf.Processed = processed != 0
	rf.ProcessedBy = actor.String
	if rf.RequestTime, err = ParseTime(requestTime); err != nil {
		return rf, err
	}
	if rf.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return rf, err
	}
	return rf, nil
}

func (r Repo) InsertRefund(ctx context.Context, tx *sql.Tx, rf domain.RefundRequest) error {
	amt, err := amount(rf.Amount)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO refunds(id,original_intent_id,user_address,amount,reason,request_time,processed) VALUES (?,?,?,?,?,?,0)`,
		rf.ID, rf.OriginalIntentID, addr(rf.User), amt, rf.Reason, FormatTime(rf.RequestTime))
	return err
}

func (r Repo) GetRefund(ctx context.Context, id string) (domain.RefundRequest, error) {
	return scanRefund(r.DB.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id=?`, id))
}

func (r Repo) GetRefundTx(ctx context.Context, tx *sql.Tx, id string) (domain.RefundRequest, error) {
	return scanRefund(tx.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE id=?`, id))
}

func (r Repo) GetRefundByIntent(ctx context.Context, intentID string) (domain.RefundRequest, error) {
	return scanRefund(r.DB.QueryRowContext(ctx, `SELECT `+refundColumns+` FROM refunds WHERE original_intent_id=?`, intentID))
}

func (r Repo) RefundExistsForIntentTx(ctx context.Context, tx *sql.Tx, intentID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM refunds WHERE original_intent_id=?`, intentID).Scan(&n)
	return n > 0, err
}

type RefundFilters struct {
	User      string
	Processed *bool
	Limit     int
}

func (r Repo) ListRefunds(ctx context.Context, f RefundFilters) ([]domain.RefundRequest, error) {
	var clauses []string
	var args []any
	if f.User != "" {
		clauses = append(clauses, "user_address=?")
		args = append(args, common.HexToAddress(f.User).Hex())
	}
	if f.Processed != nil {
		clauses = append(clauses, "processed=?")
		args = append(args, boolInt(*f.Processed))
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + refundColumns + ` FROM refunds ` + where + ` ORDER BY request_time DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RefundRequest
	for rows.Next() {
		rf, err := scanRefund(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rf)
	}
	return res, rows.Err()
}

// MarkRefundProcessed flips the processed flag once. It returns false if the
// refund was already processed.
func (r Repo) MarkRefundProcessed(ctx context.Context, tx *sql.Tx, id, actor string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE refunds SET processed=1, processed_at=?, processed_by=? WHERE id=? AND processed=0`, FormatTime(at), actor, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ReopenRefund undoes MarkRefundProcessed after a failed payout.
func (r Repo) ReopenRefund(ctx context.Context, tx *sql.Tx, id string) error {
	_, err := tx.ExecContext(ctx, `UPDATE refunds SET processed=0, processed_at=NULL, processed_by=NULL WHERE id=?`, id)
	return err
}
