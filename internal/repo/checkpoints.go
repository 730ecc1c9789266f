package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"stagegate/internal/domain"
)

func marshalResponse(resp domain.Response) (string, error) {
	b, err := json.Marshal(resp)
	if err != nil {
		return "", fmt.Errorf("marshal response: %w", err)
	}
	return string(b), nil
}

func unmarshalResponse(raw string) (domain.Response, error) {
	var resp domain.Response
	if raw == "" || raw == "{}" {
		return resp, nil
	}
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return resp, fmt.Errorf("unmarshal response: %w", err)
	}
	return resp, nil
}

const checkpointCols = `id,subtopic_id,question,current_status,executor_json,reviewer_json,created_at,updated_at`

func scanCheckpoint(scan func(dest ...any) error) (domain.Checkpoint, error) {
	var c domain.Checkpoint
	var executorJSON, reviewerJSON string
	err := scan(&c.ID, &c.SubTopicID, &c.Question, &c.CurrentStatus, &executorJSON, &reviewerJSON, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if c.ExecutorResponse, err = unmarshalResponse(executorJSON); err != nil {
		return c, err
	}
	if c.ReviewerResponse, err = unmarshalResponse(reviewerJSON); err != nil {
		return c, err
	}
	return c, nil
}

func (r Repo) InsertCheckpoint(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	executorJSON, err := marshalResponse(c.ExecutorResponse)
	if err != nil {
		return err
	}
	reviewerJSON, err := marshalResponse(c.ReviewerResponse)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoints(id,subtopic_id,question,current_status,executor_json,reviewer_json,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.SubTopicID, c.Question, c.CurrentStatus, executorJSON, reviewerJSON, c.CreatedAt, c.UpdatedAt)
	return err
}

func (r Repo) GetCheckpoint(ctx context.Context, id string) (domain.Checkpoint, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE id=?`, id)
	return scanCheckpoint(row.Scan)
}

func (r Repo) GetCheckpointTx(ctx context.Context, tx *sql.Tx, id string) (domain.Checkpoint, error) {
	row := tx.QueryRowContext(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE id=?`, id)
	return scanCheckpoint(row.Scan)
}

func (r Repo) ListCheckpoints(ctx context.Context, subTopicID string) ([]domain.Checkpoint, error) {
	return listCheckpoints(ctx, r.DB.QueryContext, subTopicID)
}

func (r Repo) ListCheckpointsTx(ctx context.Context, tx *sql.Tx, subTopicID string) ([]domain.Checkpoint, error) {
	return listCheckpoints(ctx, tx.QueryContext, subTopicID)
}

func listCheckpoints(ctx context.Context, query queryFn, subTopicID string) ([]domain.Checkpoint, error) {
	rows, err := query(ctx, `SELECT `+checkpointCols+` FROM checkpoints WHERE subtopic_id=? ORDER BY created_at ASC, id ASC`, subTopicID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// UpdateCheckpointResponses persists the current response pair. The ledger
// is the historical record; this row is always "now".
func (r Repo) UpdateCheckpointResponses(ctx context.Context, tx *sql.Tx, c domain.Checkpoint) error {
	executorJSON, err := marshalResponse(c.ExecutorResponse)
	if err != nil {
		return err
	}
	reviewerJSON, err := marshalResponse(c.ReviewerResponse)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE checkpoints SET question=?, executor_json=?, reviewer_json=?, updated_at=? WHERE id=?`,
		c.Question, executorJSON, reviewerJSON, c.UpdatedAt, c.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCheckpointStatus(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE checkpoints SET current_status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteCheckpoint(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM checkpoints WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertImage(ctx context.Context, tx *sql.Tx, img domain.Image) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO response_images(id,checkpoint_id,side,content_type,data,created_at) VALUES (?,?,?,?,?,?)`,
		img.ID, img.CheckpointID, img.Side, img.ContentType, img.Data, img.CreatedAt)
	return err
}

func (r Repo) GetImage(ctx context.Context, id string) (domain.Image, error) {
	var img domain.Image
	err := r.DB.QueryRowContext(ctx, `SELECT id,checkpoint_id,side,content_type,data,created_at FROM response_images WHERE id=?`, id).
		Scan(&img.ID, &img.CheckpointID, &img.Side, &img.ContentType, &img.Data, &img.CreatedAt)
	if err == sql.ErrNoRows {
		return img, ErrNotFound
	}
	return img, err
}
