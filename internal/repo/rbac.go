package repo

import (
	"context"
	"database/sql"
)

// Roles recognised by the engine.
const (
	RoleAdmin           = "admin"
	RoleRefundProcessor = "refund_processor"
)

func (r Repo) AssignRole(ctx context.Context, tx *sql.Tx, actorID, roleID, now string) error {
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO actor_roles(actor_id, role_id, granted_at) VALUES (?,?,?)`, actorID, roleID, now)
	return err
}

func (r Repo) RevokeRole(ctx context.Context, tx *sql.Tx, actorID, roleID string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM actor_roles WHERE actor_id=? AND role_id=?`, actorID, roleID)
	return err
}

func (r Repo) ActorRolesTx(ctx context.Context, tx *sql.Tx, actorID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

func (r Repo) ActorRoles(ctx context.Context, actorID string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role_id FROM actor_roles WHERE actor_id=? ORDER BY role_id`, actorID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRoles(rows)
}

// CountRoleHolders returns how many actors hold the role.
func (r Repo) CountRoleHolders(ctx context.Context, tx *sql.Tx, roleID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(1) FROM actor_roles WHERE role_id=?`, roleID).Scan(&n)
	return n, err
}

func scanRoles(rows *sql.Rows) ([]string, error) {
	var roles []string
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, err
		}
		roles = append(roles, role)
	}
	return roles, rows.Err()
}
