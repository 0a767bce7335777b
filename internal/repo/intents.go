package repo

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/domain"
)

const intentColumns = `id,payment_type,user_address,creator_address,content_id,total_amount,platform_fee,creator_amount,operator_fee,discount_applied,payment_token,expected_amount,quoted_amount,max_slippage_bps,nonce,origin,created_at,deadline,status,processed,processed_at,grant_status,failure_reason,settlement_ref`

func scanIntent(row scanner) (domain.PaymentIntent, error) {
	var (
		p                                       domain.PaymentIntent
		typ, user, creator, token, status       string
		createdAt, deadline, grant              string
		contentID, total, platform, creatorAmt  int64
		operatorFee, discount, expected, quoted int64
		slippage, nonce                         int64
		processed                               int
		processedAt, failure, settlementRef     sql.NullString
	)
	err := row.Scan(&p.ID, &typ, &user, &creator, &contentID, &total, &platform, &creatorAmt, &operatorFee, &discount, &token,
		&expected, &quoted, &slippage, &nonce, &p.Origin, &createdAt, &deadline, &status, &processed, &processedAt, &grant, &failure, &settlementRef)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	p.Type = domain.PaymentType(typ)
	p.User = common.HexToAddress(user)
	p.Creator = common.HexToAddress(creator)
	p.ContentID = uint64(contentID)
	p.TotalAmount = uint64(total)
	p.PlatformFee = uint64(platform)
	p.CreatorAmount = uint64(creatorAmt)
	p.OperatorFee = uint64(operatorFee)
	p.DiscountApplied = uint64(discount)
	p.PaymentToken = common.HexToAddress(token)
	p.ExpectedAmount = uint64(expected)
	p.QuotedAmount = uint64(quoted)
	p.MaxSlippageBps = uint64(slippage)
	p.Nonce = uint64(nonce)
	p.Status = domain.IntentStatus(status)
	p.Processed = processed != 0
	p.GrantStatus = domain.GrantStatus(grant)
	p.FailureReason = failure.String
	p.SettlementRef = settlementRef.String
	if p.CreatedAt, err = ParseTime(createdAt); err != nil {
		return p, err
	}
	if p.Deadline, err = ParseTime(deadline); err != nil {
		return p, err
	}
	if p.ProcessedAt, err = parseNullTime(processedAt); err != nil {
		return p, err
	}
	return p, nil
}

// InsertIntent stores a new intent. A duplicate id surfaces as a constraint
// error from the primary key.
func (r Repo) InsertIntent(ctx context.Context, tx *sql.Tx, p domain.PaymentIntent) error {
	amounts := []uint64{p.TotalAmount, p.PlatformFee, p.CreatorAmount, p.OperatorFee, p.DiscountApplied, p.ExpectedAmount, p.QuotedAmount, p.ContentID, p.Nonce}
	vals := make([]int64, len(amounts))
	for i, v := range amounts {
		n, err := amount(v)
		if err != nil {
			return err
		}
		vals[i] = n
	}
	grant := p.GrantStatus
	if grant == "" {
		grant = domain.GrantNone
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO intents(`+intentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, string(p.Type), addr(p.User), addr(p.Creator), vals[7], vals[0], vals[1], vals[2], vals[3], vals[4], addr(p.PaymentToken),
		vals[5], vals[6], int64(p.MaxSlippageBps), vals[8], p.Origin, FormatTime(p.CreatedAt), FormatTime(p.Deadline), string(p.Status),
		boolInt(p.Processed), nil, string(grant), nullable(p.FailureReason), nullable(p.SettlementRef))
	return err
}

// IsUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY
// constraint.
func IsUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") || strings.Contains(msg, "PRIMARY KEY")
}

func (r Repo) IntentExistsTx(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM intents WHERE id=?`, id).Scan(&n)
	return n > 0, err
}

func (r Repo) GetIntent(ctx context.Context, id string) (domain.PaymentIntent, error) {
	return scanIntent(r.DB.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
}

func (r Repo) GetIntentTx(ctx context.Context, tx *sql.Tx, id string) (domain.PaymentIntent, error) {
	return scanIntent(tx.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id=?`, id))
}

type IntentFilters struct {
	User            string
	Creator         string
	Status          string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListIntents(ctx context.Context, f IntentFilters) ([]domain.PaymentIntent, error) {
	var clauses []string
	var args []any
	if f.User != "" {
		clauses = append(clauses, "user_address=?")
		args = append(args, common.HexToAddress(f.User).Hex())
	}
	if f.Creator != "" {
		clauses = append(clauses, "creator_address=?")
		args = append(args, common.HexToAddress(f.Creator).Hex())
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + intentColumns + ` FROM intents ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.PaymentIntent
	for rows.Next() {
		p, err := scanIntent(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

// TransitionIntent moves an unprocessed intent from one status to another.
// It returns false when the intent was not in the expected state.
func (r Repo) TransitionIntent(ctx context.Context, tx *sql.Tx, id string, from, to domain.IntentStatus) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE intents SET status=? WHERE id=? AND status=? AND processed=0`, string(to), id, string(from))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// ClaimIntent moves a ready intent to executing if its deadline has not
// passed at now. Only one caller can win the claim.
func (r Repo) ClaimIntent(ctx context.Context, tx *sql.Tx, id string, now time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE intents SET status=? WHERE id=? AND status=? AND processed=0 AND deadline>=?`,
		string(domain.StatusExecuting), id, string(domain.StatusReady), FormatTime(now))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// MarkProcessed flips the processed flag exactly once and records the
// terminal status. It returns false if the intent was already processed.
func (r Repo) MarkProcessed(ctx context.Context, tx *sql.Tx, id string, status domain.IntentStatus, reason, settlementRef string, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE intents SET processed=1, processed_at=?, status=?, failure_reason=?, settlement_ref=COALESCE(?, settlement_ref) WHERE id=? AND processed=0`,
		FormatTime(at), string(status), nullable(reason), nullable(settlementRef), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) SetGrantStatus(ctx context.Context, tx *sql.Tx, id string, status domain.GrantStatus) error {
	res, err := tx.ExecContext(ctx, `UPDATE intents SET grant_status=? WHERE id=?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) CountIntentsByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, count(*) FROM intents GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
