package repo

import (
	"context"
	"database/sql"

	"stagegate/internal/domain"
)

const ledgerCols = `id,checkpoint_id,iteration,outcome,executor_json,reviewer_json,executor_id,reviewer_id,created_at`

func scanLedgerEntry(scan func(dest ...any) error) (domain.LedgerEntry, error) {
	var e domain.LedgerEntry
	var executorJSON, reviewerJSON string
	err := scan(&e.ID, &e.CheckpointID, &e.Iteration, &e.Outcome, &executorJSON, &reviewerJSON, &e.ExecutorID, &e.ReviewerID, &e.CreatedAt)
	if err == sql.ErrNoRows {
		return e, ErrNotFound
	}
	if err != nil {
		return e, err
	}
	if e.ExecutorResponse, err = unmarshalResponse(executorJSON); err != nil {
		return e, err
	}
	if e.ReviewerResponse, err = unmarshalResponse(reviewerJSON); err != nil {
		return e, err
	}
	return e, nil
}

// InsertLedgerEntryTx appends one iteration record. The unique index on
// (checkpoint_id, iteration) rejects duplicates if two reviews race past
// the stage status guard.
func (r Repo) InsertLedgerEntryTx(ctx context.Context, tx *sql.Tx, e domain.LedgerEntry) error {
	executorJSON, err := marshalResponse(e.ExecutorResponse)
	if err != nil {
		return err
	}
	reviewerJSON, err := marshalResponse(e.ReviewerResponse)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO checkpoint_ledger(id,checkpoint_id,iteration,outcome,executor_json,reviewer_json,executor_id,reviewer_id,created_at) VALUES (?,?,?,?,?,?,?,?,?)`,
		e.ID, e.CheckpointID, e.Iteration, e.Outcome, executorJSON, reviewerJSON, e.ExecutorID, e.ReviewerID, e.CreatedAt)
	return err
}

func (r Repo) MaxIterationTx(ctx context.Context, tx *sql.Tx, checkpointID string) (int, error) {
	var max int
	err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(iteration),0) FROM checkpoint_ledger WHERE checkpoint_id=?`, checkpointID).Scan(&max)
	return max, err
}

func (r Repo) ListLedgerEntries(ctx context.Context, checkpointID string) ([]domain.LedgerEntry, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+ledgerCols+` FROM checkpoint_ledger WHERE checkpoint_id=? ORDER BY iteration ASC`, checkpointID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.LedgerEntry
	for rows.Next() {
		e, err := scanLedgerEntry(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}
