package repo

import (
	"context"
	"database/sql"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"paykit/internal/domain"
)

const authorizationColumns = `intent_id,hash,signature,signer,ready,prepared_at,signed_at`

func scanAuthorization(row scanner) (domain.AuthorizationRecord, error) {
	var (
		a                  domain.AuthorizationRecord
		hash, preparedAt   string
		sig, signer, signd sql.NullString
		ready              int
	)
	err := row.Scan(&a.IntentID, &hash, &sig, &signer, &ready, &preparedAt, &signd)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Hash = common.HexToHash(hash)
	if sig.Valid && sig.String != "" {
		if a.Signature, err = hexutil.Decode(sig.String); err != nil {
			return a, err
		}
	}
	if signer.Valid {
		a.Signer = common.HexToAddress(signer.String)
	}
	a.Ready = ready != 0
	if a.PreparedAt, err = ParseTime(preparedAt); err != nil {
		return a, err
	}
	if a.SignedAt, err = parseNullTime(signd); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) InsertAuthorization(ctx context.Context, tx *sql.Tx, a domain.AuthorizationRecord) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO authorizations(intent_id,hash,prepared_at) VALUES (?,?,?)`,
		a.IntentID, a.Hash.Hex(), FormatTime(a.PreparedAt))
	return err
}

func (r Repo) GetAuthorization(ctx context.Context, intentID string) (domain.AuthorizationRecord, error) {
	return scanAuthorization(r.DB.QueryRowContext(ctx, `SELECT `+authorizationColumns+` FROM authorizations WHERE intent_id=?`, intentID))
}

func (r Repo) GetAuthorizationTx(ctx context.Context, tx *sql.Tx, intentID string) (domain.AuthorizationRecord, error) {
	return scanAuthorization(tx.QueryRowContext(ctx, `SELECT `+authorizationColumns+` FROM authorizations WHERE intent_id=?`, intentID))
}

// SetSignature records the signature if none is stored yet. It returns false
// if a signature was already present.
func (r Repo) SetSignature(ctx context.Context, tx *sql.Tx, intentID string, sig []byte, signer common.Address, at time.Time) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE authorizations SET signature=?, signer=?, ready=1, signed_at=? WHERE intent_id=? AND signature IS NULL`,
		hexutil.Encode(sig), addr(signer), FormatTime(at), intentID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}
