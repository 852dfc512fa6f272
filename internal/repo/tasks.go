package repo

import (
	"context"
	"database/sql"

	"kept/internal/domain"
)

const taskColumns = `id,commitment_id,scope,status,task_order,is_notification_task,estimated_hours,created_at,updated_at`

func scanTask(row commitmentScanner) (domain.Task, error) {
	var t domain.Task
	var estimated sql.NullFloat64
	err := row.Scan(&t.ID, &t.CommitmentID, &t.Scope, &t.Status, &t.Order, &t.IsNotificationTask, &estimated, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if estimated.Valid {
		v := estimated.Float64
		t.EstimatedHours = &v
	}
	return t, nil
}

func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO tasks(`+taskColumns+`) VALUES (?,?,?,?,?,?,?,?,?)`,
		t.ID, t.CommitmentID, t.Scope, t.Status, t.Order, t.IsNotificationTask,
		nullableFloatPtr(t.EstimatedHours), t.CreatedAt, t.UpdatedAt)
	return wrapInsertErr(err)
}

func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET scope=?, status=?, task_order=?, estimated_hours=?, updated_at=? WHERE id=?`,
		t.Scope, t.Status, t.Order, nullableFloatPtr(t.EstimatedHours), t.UpdatedAt, t.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

// GetNotificationTask returns the single notification task for a
// commitment, or ErrNotFound.
func (r Repo) GetNotificationTask(ctx context.Context, commitmentID string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE commitment_id=? AND is_notification_task=1`, commitmentID))
}

func (r Repo) GetNotificationTaskTx(ctx context.Context, tx *sql.Tx, commitmentID string) (domain.Task, error) {
	return scanTask(tx.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE commitment_id=? AND is_notification_task=1`, commitmentID))
}

func (r Repo) ListTasksByCommitment(ctx context.Context, commitmentID string) ([]domain.Task, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE commitment_id=? ORDER BY task_order ASC, created_at ASC, id ASC`, commitmentID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}
