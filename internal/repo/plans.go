package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	"kept/internal/domain"
)

const planColumns = `id,commitment_id,status,impact_description,mitigation_json,notification_task_id,created_at`

func scanPlan(row commitmentScanner) (domain.CleanupPlan, error) {
	var p domain.CleanupPlan
	var impact, mitigation, taskID sql.NullString
	err := row.Scan(&p.ID, &p.CommitmentID, &p.Status, &impact, &mitigation, &taskID, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if impact.Valid {
		p.ImpactDescription = impact.String
	}
	if mitigation.Valid && mitigation.String != "" {
		if err := json.Unmarshal([]byte(mitigation.String), &p.MitigationActions); err != nil {
			return p, err
		}
	}
	if taskID.Valid {
		p.NotificationTaskID = &taskID.String
	}
	return p, nil
}

func (r Repo) InsertCleanupPlan(ctx context.Context, tx *sql.Tx, p domain.CleanupPlan) error {
	mitigation, err := marshalStringSlice(p.MitigationActions)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO cleanup_plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?)`,
		p.ID, p.CommitmentID, p.Status, nullable(p.ImpactDescription), nullableStringPtr(mitigation),
		nullableStringPtr(p.NotificationTaskID), p.CreatedAt)
	return wrapInsertErr(err)
}

func (r Repo) GetCleanupPlanByCommitment(ctx context.Context, commitmentID string) (domain.CleanupPlan, error) {
	return scanPlan(r.DB.QueryRowContext(ctx, `SELECT `+planColumns+` FROM cleanup_plans WHERE commitment_id=?`, commitmentID))
}

func (r Repo) GetCleanupPlanByCommitmentTx(ctx context.Context, tx *sql.Tx, commitmentID string) (domain.CleanupPlan, error) {
	return scanPlan(tx.QueryRowContext(ctx, `SELECT `+planColumns+` FROM cleanup_plans WHERE commitment_id=?`, commitmentID))
}

func (r Repo) UpdateCleanupPlanStatus(ctx context.Context, tx *sql.Tx, id, status string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cleanup_plans SET status=? WHERE id=?`, status, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetCleanupPlanNotificationTask(ctx context.Context, tx *sql.Tx, planID, taskID string) error {
	_, err := tx.ExecContext(ctx, `UPDATE cleanup_plans SET notification_task_id=? WHERE id=?`, taskID, planID)
	return err
}

// PlanFilters narrows ListCleanupPlans. Bounds are RFC3339,
// inclusive-from, exclusive-to.
type PlanFilters struct {
	Statuses    []string
	CreatedFrom string
	CreatedTo   string
}

func (r Repo) ListCleanupPlans(ctx context.Context, f PlanFilters) ([]domain.CleanupPlan, error) {
	clauses := []string{"1=1"}
	var args []any
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.CreatedFrom != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedFrom)
	}
	if f.CreatedTo != "" {
		clauses = append(clauses, "created_at < ?")
		args = append(args, f.CreatedTo)
	}
	query := `SELECT ` + planColumns + ` FROM cleanup_plans WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CleanupPlan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func marshalStringSlice(in []string) (*string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(in)
	if err != nil {
		return nil, err
	}
	s := string(b)
	return &s, nil
}
