package repo

import (
	"context"
	"database/sql"

	"github.com/ethereum/go-ethereum/common"

	"paykit/internal/domain"
)

// AddSigner inserts a signer. It returns false if the address was already
// authorized.
func (r Repo) AddSigner(ctx context.Context, tx *sql.Tx, signer common.Address, addedBy, now string) (bool, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO authorized_signers(address,added_by,added_at) VALUES (?,?,?)`, addr(signer), addedBy, now)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RemoveSigner deletes a signer. It returns false if the address was unknown.
func (r Repo) RemoveSigner(ctx context.Context, tx *sql.Tx, signer common.Address) (bool, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM authorized_signers WHERE address=?`, addr(signer))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

func (r Repo) IsSignerTx(ctx context.Context, tx *sql.Tx, signer common.Address) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM authorized_signers WHERE address=?`, addr(signer)).Scan(&n)
	return n > 0, err
}

func (r Repo) IsSigner(ctx context.Context, signer common.Address) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM authorized_signers WHERE address=?`, addr(signer)).Scan(&n)
	return n > 0, err
}

func (r Repo) ListSigners(ctx context.Context) ([]domain.Signer, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT address,added_by,added_at FROM authorized_signers ORDER BY added_at ASC, address ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Signer
	for rows.Next() {
		var s domain.Signer
		var a string
		if err := rows.Scan(&a, &s.AddedBy, &s.AddedAt); err != nil {
			return nil, err
		}
		s.Address = common.HexToAddress(a)
		res = append(res, s)
	}
	return res, rows.Err()
}
