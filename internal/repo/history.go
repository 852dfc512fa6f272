package repo

import (
	"context"
	"database/sql"

	"kept/internal/domain"
)

const historyColumns = `id,task_id,commitment_id,event_type,estimated_hours,actual_hours_category,created_at`

func scanHistory(row commitmentScanner) (domain.TaskHistoryEntry, error) {
	var h domain.TaskHistoryEntry
	var estimated, actual sql.NullFloat64
	err := row.Scan(&h.ID, &h.TaskID, &h.CommitmentID, &h.EventType, &estimated, &actual, &h.CreatedAt)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	if estimated.Valid {
		v := estimated.Float64
		h.EstimatedHours = &v
	}
	if actual.Valid {
		v := actual.Float64
		h.ActualHoursCategory = &v
	}
	return h, nil
}

// InsertTaskHistory appends one audit row. There is no update or delete
// counterpart; history rows are immutable once written.
func (r Repo) InsertTaskHistory(ctx context.Context, tx *sql.Tx, h domain.TaskHistoryEntry) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO task_history(`+historyColumns+`) VALUES (?,?,?,?,?,?,?)`,
		h.ID, h.TaskID, h.CommitmentID, h.EventType,
		nullableFloatPtr(h.EstimatedHours), nullableFloatPtr(h.ActualHoursCategory), h.CreatedAt)
	return wrapInsertErr(err)
}

// HistoryFilters narrows ListTaskHistory. CreatedFrom is an inclusive
// RFC3339 bound; WithHours keeps only rows where both estimated_hours and
// actual_hours_category are set.
type HistoryFilters struct {
	EventType   string
	CreatedFrom string
	WithHours   bool
}

func (r Repo) ListTaskHistory(ctx context.Context, f HistoryFilters) ([]domain.TaskHistoryEntry, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.EventType != "" {
		clauses = append(clauses, "event_type=?")
		args = append(args, f.EventType)
	}
	if f.CreatedFrom != "" {
		clauses = append(clauses, "created_at >= ?")
		args = append(args, f.CreatedFrom)
	}
	if f.WithHours {
		clauses = append(clauses, "estimated_hours IS NOT NULL AND actual_hours_category IS NOT NULL")
	}
	query := `SELECT ` + historyColumns + ` FROM task_history WHERE ` + joinClauses(clauses) + ` ORDER BY created_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.TaskHistoryEntry
	for rows.Next() {
		h, err := scanHistory(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
