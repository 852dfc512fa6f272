package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"kept/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

// ErrDuplicate reports a uniqueness-constraint violation. Fetch-or-create
// callers treat it as "already exists, re-fetch".
var ErrDuplicate = errors.New("already exists")

// wrapInsertErr converts a UNIQUE violation into ErrDuplicate so workflows
// can re-fetch instead of failing a concurrent create race.
func wrapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return ErrDuplicate
	}
	return err
}

const commitmentColumns = `id,deliverable,stakeholder,status,due_date,marked_at_risk_at,completed_at,completed_on_time,created_at,updated_at`

type commitmentScanner interface {
	Scan(dest ...any) error
}

func scanCommitment(row commitmentScanner) (domain.Commitment, error) {
	var c domain.Commitment
	var markedAt, completedAt sql.NullString
	var onTime sql.NullBool
	err := row.Scan(&c.ID, &c.Deliverable, &c.Stakeholder, &c.Status, &c.DueDate, &markedAt, &completedAt, &onTime, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if markedAt.Valid {
		c.MarkedAtRiskAt = &markedAt.String
	}
	if completedAt.Valid {
		c.CompletedAt = &completedAt.String
	}
	if onTime.Valid {
		v := onTime.Bool
		c.CompletedOnTime = &v
	}
	return c, nil
}

func (r Repo) InsertCommitment(ctx context.Context, tx *sql.Tx, c domain.Commitment) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO commitments(`+commitmentColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Deliverable, c.Stakeholder, c.Status, c.DueDate,
		nullableStringPtr(c.MarkedAtRiskAt), nullableStringPtr(c.CompletedAt), nullableBoolPtr(c.CompletedOnTime),
		c.CreatedAt, c.UpdatedAt)
	return wrapInsertErr(err)
}

func (r Repo) UpdateCommitment(ctx context.Context, tx *sql.Tx, c domain.Commitment) error {
	_, err := tx.ExecContext(ctx, `UPDATE commitments SET deliverable=?, stakeholder=?, status=?, due_date=?, marked_at_risk_at=?, completed_at=?, completed_on_time=?, updated_at=? WHERE id=?`,
		c.Deliverable, c.Stakeholder, c.Status, c.DueDate,
		nullableStringPtr(c.MarkedAtRiskAt), nullableStringPtr(c.CompletedAt), nullableBoolPtr(c.CompletedOnTime),
		c.UpdatedAt, c.ID)
	return err
}

func (r Repo) GetCommitment(ctx context.Context, id string) (domain.Commitment, error) {
	return scanCommitment(r.DB.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id=?`, id))
}

func (r Repo) GetCommitmentTx(ctx context.Context, tx *sql.Tx, id string) (domain.Commitment, error) {
	return scanCommitment(tx.QueryRowContext(ctx, `SELECT `+commitmentColumns+` FROM commitments WHERE id=?`, id))
}

// CommitmentFilters narrows ListCommitments. Timestamp bounds are
// inclusive-from, exclusive-to, RFC3339 (due dates are YYYY-MM-DD).
type CommitmentFilters struct {
	Statuses      []string
	DueFrom       string
	DueTo         string
	MarkedAtRisk  bool
	MarkedFrom    string
	MarkedTo      string
	CompletedFrom string
	CompletedTo   string
	Limit         int
}

func (r Repo) ListCommitments(ctx context.Context, f CommitmentFilters) ([]domain.Commitment, error) {
	var clauses []string
	var args []any
	if len(f.Statuses) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(f.Statuses)), ",")
		clauses = append(clauses, "status IN ("+placeholders+")")
		for _, s := range f.Statuses {
			args = append(args, s)
		}
	}
	if f.DueFrom != "" {
		clauses = append(clauses, "due_date >= ?")
		args = append(args, f.DueFrom)
	}
	if f.DueTo != "" {
		clauses = append(clauses, "due_date <= ?")
		args = append(args, f.DueTo)
	}
	if f.MarkedAtRisk {
		clauses = append(clauses, "marked_at_risk_at IS NOT NULL")
	}
	if f.MarkedFrom != "" {
		clauses = append(clauses, "marked_at_risk_at >= ?")
		args = append(args, f.MarkedFrom)
	}
	if f.MarkedTo != "" {
		clauses = append(clauses, "marked_at_risk_at < ?")
		args = append(args, f.MarkedTo)
	}
	if f.CompletedFrom != "" {
		clauses = append(clauses, "completed_at >= ?")
		args = append(args, f.CompletedFrom)
	}
	if f.CompletedTo != "" {
		clauses = append(clauses, "completed_at < ?")
		args = append(args, f.CompletedTo)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + commitmentColumns + ` FROM commitments ` + where + ` ORDER BY due_date ASC, created_at ASC, id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Commitment
	for rows.Next() {
		c, err := scanCommitment(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

// MostRecentAbandoned returns the abandoned commitment with the latest
// updated_at, or ErrNotFound when none exists.
func (r Repo) MostRecentAbandoned(ctx context.Context) (domain.Commitment, error) {
	return scanCommitment(r.DB.QueryRowContext(ctx,
		`SELECT `+commitmentColumns+` FROM commitments WHERE status=? ORDER BY updated_at DESC, id DESC LIMIT 1`,
		domain.CommitmentAbandoned))
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func nullableBoolPtr(v *bool) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}
