package repo

import (
	"context"
	"database/sql"

	"stagegate/internal/domain"
)

const stageCols = `id,project_id,name,COALESCE(description,''),status,revision_number,created_by,created_at,updated_at`

func scanStage(scan func(dest ...any) error) (domain.Stage, error) {
	var s domain.Stage
	err := scan(&s.ID, &s.ProjectID, &s.Name, &s.Description, &s.Status, &s.RevisionNumber, &s.CreatedBy, &s.CreatedAt, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	return s, err
}

func (r Repo) InsertStage(ctx context.Context, tx *sql.Tx, s domain.Stage) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO stages(id,project_id,name,description,status,revision_number,created_by,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		s.ID, s.ProjectID, s.Name, nullable(s.Description), s.Status, s.RevisionNumber, s.CreatedBy, s.CreatedAt, s.UpdatedAt)
	return err
}

func (r Repo) GetStage(ctx context.Context, id string) (domain.Stage, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) GetStageTx(ctx context.Context, tx *sql.Tx, id string) (domain.Stage, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+stageCols+` FROM stages WHERE id=?`, id)
	return scanStage(row.Scan)
}

func (r Repo) ListStages(ctx context.Context, projectID string) ([]domain.Stage, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+stageCols+` FROM stages WHERE project_id=? ORDER BY created_at ASC, id ASC`, projectID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Stage
	for rows.Next() {
		s, err := scanStage(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) UpdateStageFields(ctx context.Context, id string, name, description *string, updatedAt string) error {
	s, err := r.GetStage(ctx, id)
	if err != nil {
		return err
	}
	if name != nil {
		s.Name = *name
	}
	if description != nil {
		s.Description = *description
	}
	res, err := r.DB.ExecContext(ctx, `UPDATE stages SET name=?, description=?, updated_at=? WHERE id=?`,
		s.Name, nullable(s.Description), updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TransitionStage applies a status change guarded by the expected current
// status. A zero row count means another writer got there first (or the
// stage vanished); callers translate that into a conflict.
func (r Repo) TransitionStage(ctx context.Context, tx *sql.Tx, id, fromStatus, toStatus string, revision int, updatedAt string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE stages SET status=?, revision_number=?, updated_at=? WHERE id=? AND status=?`,
		toStatus, revision, updatedAt, id, fromStatus)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r Repo) DeleteStage(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM stages WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertSubTopic(ctx context.Context, tx *sql.Tx, st domain.SubTopic) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO subtopics(id,stage_id,name,created_at) VALUES (?,?,?,?)`,
		st.ID, st.StageID, st.Name, st.CreatedAt)
	return err
}

func (r Repo) GetSubTopic(ctx context.Context, id string) (domain.SubTopic, error) {
	return scanSubTopic(r.DB.QueryRowContext(ctx, `SELECT id,stage_id,name,created_at FROM subtopics WHERE id=?`, id))
}

func (r Repo) GetSubTopicTx(ctx context.Context, tx *sql.Tx, id string) (domain.SubTopic, error) {
	return scanSubTopic(tx.QueryRowContext(ctx, `SELECT id,stage_id,name,created_at FROM subtopics WHERE id=?`, id))
}

func scanSubTopic(row *sql.Row) (domain.SubTopic, error) {
	var st domain.SubTopic
	err := row.Scan(&st.ID, &st.StageID, &st.Name, &st.CreatedAt)
	if err == sql.ErrNoRows {
		return st, ErrNotFound
	}
	return st, err
}

func (r Repo) ListSubTopics(ctx context.Context, stageID string) ([]domain.SubTopic, error) {
	return listSubTopics(ctx, r.DB.QueryContext, stageID)
}

func (r Repo) ListSubTopicsTx(ctx context.Context, tx *sql.Tx, stageID string) ([]domain.SubTopic, error) {
	return listSubTopics(ctx, tx.QueryContext, stageID)
}

type queryFn func(ctx context.Context, query string, args ...any) (*sql.Rows, error)

func listSubTopics(ctx context.Context, query queryFn, stageID string) ([]domain.SubTopic, error) {
	rows, err := query(ctx, `SELECT id,stage_id,name,created_at FROM subtopics WHERE stage_id=? ORDER BY created_at ASC, id ASC`, stageID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.SubTopic
	for rows.Next() {
		var st domain.SubTopic
		if err := rows.Scan(&st.ID, &st.StageID, &st.Name, &st.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, st)
	}
	return res, rows.Err()
}

func (r Repo) RenameSubTopicTx(ctx context.Context, tx *sql.Tx, id, name string) error {
	res, err := tx.ExecContext(ctx, `UPDATE subtopics SET name=? WHERE id=?`, name, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteSubTopic(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM subtopics WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
