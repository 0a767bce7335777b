package repo

import (
	"context"
	"database/sql"

	"github.com/ethereum/go-ethereum/common"
)

// NextIntentNonce allocates the next per-user intent nonce. The first nonce
// for a user is 0.
func (r Repo) NextIntentNonce(ctx context.Context, tx *sql.Tx, user common.Address) (uint64, error) {
	return allocate(ctx, tx, "user_nonces", user)
}

// PermitNonceTx returns the nonce the user's next permit must carry.
func (r Repo) PermitNonceTx(ctx context.Context, tx *sql.Tx, user common.Address) (uint64, error) {
	var n int64
	err := tx.QueryRowContext(ctx, `SELECT next_nonce FROM permit_nonces WHERE user_address=?`, addr(user)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(n), err
}

func (r Repo) PermitNonce(ctx context.Context, user common.Address) (uint64, error) {
	var n int64
	err := r.DB.QueryRowContext(ctx, `SELECT next_nonce FROM permit_nonces WHERE user_address=?`, addr(user)).Scan(&n)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(n), err
}

// ConsumePermitNonce advances the permit nonce if it still equals expected.
// It returns false when another caller consumed it first.
func (r Repo) ConsumePermitNonce(ctx context.Context, tx *sql.Tx, user common.Address, expected uint64) (bool, error) {
	e, err := amount(expected)
	if err != nil {
		return false, err
	}
	if expected == 0 {
		res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO permit_nonces(user_address,next_nonce) VALUES (?,1)`, addr(user))
		if err != nil {
			return false, err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return true, nil
		}
	}
	res, err := tx.ExecContext(ctx, `UPDATE permit_nonces SET next_nonce=next_nonce+1 WHERE user_address=? AND next_nonce=?`, addr(user), e)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func allocate(ctx context.Context, tx *sql.Tx, table string, user common.Address) (uint64, error) {
	var next int64
	err := tx.QueryRowContext(ctx, `INSERT INTO `+table+`(user_address,next_nonce) VALUES (?,1)
ON CONFLICT(user_address) DO UPDATE SET next_nonce=next_nonce+1 RETURNING next_nonce`, addr(user)).Scan(&next)
	if err != nil {
		return 0, err
	}
	return uint64(next - 1), nil
}
