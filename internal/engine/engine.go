package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"kept/internal/config"
	"kept/internal/domain"
	"kept/internal/events"
	"kept/internal/repo"
)

const dateLayout = "2006-01-02"

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// InvalidStateError reports a workflow invoked on a commitment whose
// current status does not permit it. The status is surfaced verbatim.
type InvalidStateError struct {
	CommitmentID string
	Status       string
	Want         string
}

func (e InvalidStateError) Error() string {
	return fmt.Sprintf("commitment %s is not %s (current status: %s)", e.CommitmentID, e.Want, e.Status)
}

func ensureCommitmentTransition(oldStatus, newStatus string) error {
	switch oldStatus {
	case domain.CommitmentPending:
		switch newStatus {
		case domain.CommitmentInProgress, domain.CommitmentAtRisk, domain.CommitmentCompleted, domain.CommitmentAbandoned:
			return nil
		}
	case domain.CommitmentInProgress:
		switch newStatus {
		case domain.CommitmentAtRisk, domain.CommitmentCompleted, domain.CommitmentAbandoned:
			return nil
		}
	case domain.CommitmentAtRisk:
		// at_risk -> at_risk keeps mark-at-risk idempotent.
		switch newStatus {
		case domain.CommitmentAtRisk, domain.CommitmentInProgress, domain.CommitmentCompleted, domain.CommitmentAbandoned:
			return nil
		}
	}
	return fmt.Errorf("invalid commitment status transition %s -> %s", oldStatus, newStatus)
}

// CommitmentCreateOptions are parameters for creating a commitment.
type CommitmentCreateOptions struct {
	ID          string
	Deliverable string
	Stakeholder string
	DueDate     string
	ActorID     string
}

func (e Engine) CreateCommitment(ctx context.Context, opts CommitmentCreateOptions) (domain.Commitment, error) {
	if opts.Deliverable == "" {
		return domain.Commitment{}, errors.New("deliverable is required")
	}
	if opts.Stakeholder == "" {
		return domain.Commitment{}, errors.New("stakeholder is required")
	}
	if _, err := time.Parse(dateLayout, opts.DueDate); err != nil {
		return domain.Commitment{}, fmt.Errorf("due date must be YYYY-MM-DD: %w", err)
	}
	now := e.now().UTC().Format(time.RFC3339)
	id := opts.ID
	if id == "" {
		id = uuid.New().String()
	}
	c := domain.Commitment{
		ID:          id,
		Deliverable: opts.Deliverable,
		Stakeholder: opts.Stakeholder,
		Status:      domain.CommitmentPending,
		DueDate:     opts.DueDate,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Commitment{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.InsertCommitment(ctx, tx, c); err != nil {
		return domain.Commitment{}, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCommitmentCreated, events.EntityCommitment, c.ID, opts.ActorID, events.EventPayload{
		"deliverable": c.Deliverable,
		"stakeholder": c.Stakeholder,
		"due_date":    c.DueDate,
	}); err != nil {
		return domain.Commitment{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Commitment{}, err
	}
	return c, nil
}

// StartCommitment moves a pending commitment into active work.
func (e Engine) StartCommitment(ctx context.Context, id, actorID string) (domain.Commitment, error) {
	c, err := e.Repo.GetCommitment(ctx, id)
	if err != nil {
		return c, err
	}
	if c.Status != domain.CommitmentPending {
		return c, InvalidStateError{CommitmentID: id, Status: c.Status, Want: domain.CommitmentPending}
	}
	c.Status = domain.CommitmentInProgress
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCommitment(ctx, tx, c); err != nil {
		return c, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeCommitmentStarted, events.EntityCommitment, c.ID, actorID, events.EventPayload{}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// CompleteCommitment closes out a commitment, recording whether it landed
// on time (any completion on or before the due date counts). A planned
// cleanup plan is considered followed through and marked completed.
func (e Engine) CompleteCommitment(ctx context.Context, id, actorID string) (domain.Commitment, error) {
	c, err := e.Repo.GetCommitment(ctx, id)
	if err != nil {
		return c, err
	}
	if err := ensureCommitmentTransition(c.Status, domain.CommitmentCompleted); err != nil {
		return c, err
	}
	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	due, err := time.Parse(dateLayout, c.DueDate)
	if err != nil {
		return c, fmt.Errorf("parse due date: %w", err)
	}
	onTime := now.Before(due.AddDate(0, 0, 1))
	c.Status = domain.CommitmentCompleted
	c.CompletedAt = &nowStr
	c.CompletedOnTime = &onTime
	c.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCommitment(ctx, tx, c); err != nil {
		return c, err
	}
	plan, err := e.Repo.GetCleanupPlanByCommitmentTx(ctx, tx, c.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	if err == nil && plan.Status == domain.PlanPlanned {
		if err := e.Repo.UpdateCleanupPlanStatus(ctx, tx, plan.ID, domain.PlanCompleted); err != nil {
			return c, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeCommitmentCompleted, events.EntityCommitment, c.ID, actorID, events.EventPayload{
		"on_time": onTime,
	}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// AbandonCommitment gives up on a commitment. A planned cleanup plan is
// marked skipped rather than deleted so the completion rate remembers it.
func (e Engine) AbandonCommitment(ctx context.Context, id, actorID string) (domain.Commitment, error) {
	c, err := e.Repo.GetCommitment(ctx, id)
	if err != nil {
		return c, err
	}
	if err := ensureCommitmentTransition(c.Status, domain.CommitmentAbandoned); err != nil {
		return c, err
	}
	c.Status = domain.CommitmentAbandoned
	c.UpdatedAt = e.now().UTC().Format(time.RFC3339)

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return c, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateCommitment(ctx, tx, c); err != nil {
		return c, err
	}
	plan, err := e.Repo.GetCleanupPlanByCommitmentTx(ctx, tx, c.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return c, err
	}
	if err == nil && plan.Status == domain.PlanPlanned {
		if err := e.Repo.UpdateCleanupPlanStatus(ctx, tx, plan.ID, domain.PlanSkipped); err != nil {
			return c, err
		}
	}
	if err := e.Events.Append(ctx, tx, events.TypeCommitmentAbandoned, events.EntityCommitment, c.ID, actorID, events.EventPayload{}); err != nil {
		return c, err
	}
	if err := tx.Commit(); err != nil {
		return c, err
	}
	return c, nil
}

// CompleteNotificationTask records that the stakeholder has been informed.
// The history row carries the estimate and the bucketed actual effort so
// estimation accuracy has something to chew on.
func (e Engine) CompleteNotificationTask(ctx context.Context, commitmentID string, actualHoursCategory *float64, actorID string) (domain.Task, error) {
	if _, err := e.Repo.GetCommitment(ctx, commitmentID); err != nil {
		return domain.Task{}, err
	}
	t, err := e.Repo.GetNotificationTask(ctx, commitmentID)
	if err != nil {
		return t, err
	}
	if t.Status != domain.TaskPending && t.Status != domain.TaskInProgress {
		return t, fmt.Errorf("notification task already %s", t.Status)
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	t.Status = domain.TaskCompleted
	t.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return t, err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateTask(ctx, tx, t); err != nil {
		return t, err
	}
	if err := e.appendTaskHistory(ctx, tx, t, domain.HistoryCompleted, actualHoursCategory); err != nil {
		return t, err
	}
	if err := e.Events.Append(ctx, tx, events.TypeNotificationSent, events.EntityTask, t.ID, actorID, events.EventPayload{
		"commitment_id": commitmentID,
	}); err != nil {
		return t, err
	}
	if err := tx.Commit(); err != nil {
		return t, err
	}
	return t, nil
}

func (e Engine) appendTaskHistory(ctx context.Context, tx *sql.Tx, t domain.Task, eventType string, actualHoursCategory *float64) error {
	return e.Repo.InsertTaskHistory(ctx, tx, domain.TaskHistoryEntry{
		ID:                  uuid.New().String(),
		TaskID:              t.ID,
		CommitmentID:        t.CommitmentID,
		EventType:           eventType,
		EstimatedHours:      t.EstimatedHours,
		ActualHoursCategory: actualHoursCategory,
		CreatedAt:           e.now().UTC().Format(time.RFC3339),
	})
}

// AffectingCommitments lists recent late completions and abandonments that
// drag the composite score down, newest first, capped per config.
func (e Engine) AffectingCommitments(ctx context.Context) ([]domain.AffectingCommitment, error) {
	windowStart := e.now().UTC().AddDate(0, 0, -e.Config.Integrity.AffectingWindowDays).Format(time.RFC3339)
	completed, err := e.Repo.ListCommitments(ctx, repo.CommitmentFilters{
		Statuses:      []string{domain.CommitmentCompleted},
		CompletedFrom: windowStart,
	})
	if err != nil {
		return nil, err
	}
	abandoned, err := e.Repo.ListCommitments(ctx, repo.CommitmentFilters{
		Statuses: []string{domain.CommitmentAbandoned},
	})
	if err != nil {
		return nil, err
	}
	var out []domain.AffectingCommitment
	for _, c := range completed {
		if c.CompletedOnTime != nil && !*c.CompletedOnTime {
			out = append(out, domain.AffectingCommitment{Commitment: c, Reason: "completed late"})
		}
	}
	for _, c := range abandoned {
		if c.UpdatedAt >= windowStart {
			out = append(out, domain.AffectingCommitment{Commitment: c, Reason: "abandoned"})
		}
	}
	// Newest event first; RFC3339 strings compare chronologically.
	sort.Slice(out, func(i, j int) bool { return affectingTS(out[i]) > affectingTS(out[j]) })
	if len(out) > e.Config.Integrity.AffectingCap {
		out = out[:e.Config.Integrity.AffectingCap]
	}
	return out, nil
}

func affectingTS(a domain.AffectingCommitment) string {
	if a.Commitment.CompletedAt != nil {
		return *a.Commitment.CompletedAt
	}
	return a.Commitment.UpdatedAt
}
