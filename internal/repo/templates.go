package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

func (r Repo) InsertTemplate(ctx context.Context, tx *sql.Tx, t domain.Template) error {
	payload, err := json.Marshal(t.Stages)
	if err != nil {
		return fmt.Errorf("marshal template payload: %w", err)
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO templates(id,name,payload_json,created_at) VALUES (?,?,?,?)`,
		t.ID, t.Name, string(payload), t.CreatedAt)
	return err
}

func scanTemplate(scan func(dest ...any) error) (domain.Template, error) {
	var t domain.Template
	var payload string
	err := scan(&t.ID, &t.Name, &payload, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if err := json.Unmarshal([]byte(payload), &t.Stages); err != nil {
		return t, fmt.Errorf("unmarshal template payload: %w", err)
	}
	return t, nil
}

func (r Repo) GetTemplate(ctx context.Context, id string) (domain.Template, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT id,name,payload_json,created_at FROM templates WHERE id=?`, id)
	return scanTemplate(row.Scan)
}

func (r Repo) ListTemplates(ctx context.Context) ([]domain.Template, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,payload_json,created_at FROM templates ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Template
	for rows.Next() {
		t, err := scanTemplate(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) DeleteTemplate(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM templates WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
