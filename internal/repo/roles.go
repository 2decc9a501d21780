package repo

import (
	"context"
	"database/sql"
	"time"

	"agora/internal/domain"
)

// Privileged engine roles. Slashers may seize stake, arbiters rule disputes,
// admins manage grants. Who holds them is governance policy decided outside
// the engine; the engine only checks membership.
const (
	RoleSlasher = "slasher"
	RoleArbiter = "arbiter"
	RoleAdmin   = "admin"
)

func (r Repo) GrantRoleTx(ctx context.Context, tx *sql.Tx, principal, role, grantedBy string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO role_grants(principal,role,granted_by,created_at) VALUES (?,?,?,?)`,
		principal, role, grantedBy, now)
	return err
}

func (r Repo) RevokeRoleTx(ctx context.Context, tx *sql.Tx, principal, role string) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM role_grants WHERE principal=? AND role=?`, principal, role)
	return err
}

func (r Repo) HasRole(ctx context.Context, principal, role string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT 1 FROM role_grants WHERE principal=? AND role=? LIMIT 1`, principal, role).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListRoleGrants(ctx context.Context, role string) ([]domain.RoleGrant, error) {
	query := `SELECT principal,role,granted_by,created_at FROM role_grants`
	var args []any
	if role != "" {
		query += ` WHERE role=?`
		args = append(args, role)
	}
	query += ` ORDER BY created_at`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RoleGrant
	for rows.Next() {
		var g domain.RoleGrant
		if err := rows.Scan(&g.Principal, &g.Role, &g.GrantedBy, &g.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, g)
	}
	return res, rows.Err()
}

func (r Repo) PrincipalRoles(ctx context.Context, principal string) ([]string, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT role FROM role_grants WHERE principal=? ORDER BY role`, principal)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
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
