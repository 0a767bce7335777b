package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func (r Repo) CreditBalance(ctx context.Context, tx *sql.Tx, user common.Address, delta uint64, at time.Time) error {
	d, err := amount(delta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO pending_balances(user_address,amount,updated_at) VALUES (?,?,?)
ON CONFLICT(user_address) DO UPDATE SET amount=amount+excluded.amount, updated_at=excluded.updated_at`, addr(user), d, FormatTime(at))
	return err
}

// DebitBalance subtracts delta from the user's pending balance, flooring at
// zero. It returns the amount actually debited.
func (r Repo) DebitBalance(ctx context.Context, tx *sql.Tx, user common.Address, delta uint64, at time.Time) (uint64, error) {
	current, err := r.balance(ctx, tx, user)
	if err != nil {
		return 0, err
	}
	debit := delta
	if debit > current {
		debit = current
	}
	if debit == 0 {
		return 0, nil
	}
	_, err = tx.ExecContext(ctx, `UPDATE pending_balances SET amount=amount-?, updated_at=? WHERE user_address=?`, int64(debit), FormatTime(at), addr(user))
	if err != nil {
		return 0, err
	}
	return debit, nil
}

func (r Repo) balance(ctx context.Context, tx *sql.Tx, user common.Address) (uint64, error) {
	var amt int64
	err := tx.QueryRowContext(ctx, `SELECT amount FROM pending_balances WHERE user_address=?`, addr(user)).Scan(&amt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(amt), err
}

func (r Repo) PendingBalance(ctx context.Context, user common.Address) (uint64, error) {
	var amt int64
	err := r.DB.QueryRowContext(ctx, `SELECT amount FROM pending_balances WHERE user_address=?`, addr(user)).Scan(&amt)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	return uint64(amt), err
}
