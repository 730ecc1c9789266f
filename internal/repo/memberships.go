package repo

import (
	"context"
	"database/sql"

	"stagegate/internal/domain"
)

func (r Repo) AddMembership(ctx context.Context, tx *sql.Tx, m domain.Membership) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO memberships(project_id,user_id,role,created_at) VALUES (?,?,?,?)
		ON CONFLICT(project_id,user_id,role) DO NOTHING`,
		m.ProjectID, m.UserID, m.Role, m.CreatedAt)
	return err
}

func (r Repo) ListMemberships(ctx context.Context, projectID string) ([]domain.Membership, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT project_id,user_id,role,created_at FROM memberships WHERE project_id=? ORDER BY user_id ASC, role ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Membership
	for rows.Next() {
		var m domain.Membership
		if err := rows.Scan(&m.ProjectID, &m.UserID, &m.Role, &m.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

func (r Repo) HasMembership(ctx context.Context, projectID, userID, role string) (bool, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(1) FROM memberships WHERE project_id=? AND user_id=? AND role=?`, projectID, userID, role).Scan(&n)
	return n > 0, err
}

func (r Repo) RemoveMembership(ctx context.Context, tx *sql.Tx, projectID, userID, role string) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM memberships WHERE project_id=? AND user_id=? AND role=?`, projectID, userID, role)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
