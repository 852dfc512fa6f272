package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"kept/internal/domain"
	"kept/internal/events"
	"kept/internal/repo"
)

const impactPlaceholder = "impact still being assessed"

// AtRiskResult bundles the three entities touched by the at-risk workflow.
type AtRiskResult struct {
	Commitment       domain.Commitment  `json:"commitment"`
	CleanupPlan      domain.CleanupPlan `json:"cleanup_plan"`
	NotificationTask domain.Task        `json:"notification_task"`
}

// MarkCommitmentAtRisk flags a commitment as at risk, ensuring exactly one
// cleanup plan and one notification task exist for it. Calling it again on
// an already at-risk commitment reuses both; all writes are one transaction.
func (e Engine) MarkCommitmentAtRisk(ctx context.Context, commitmentID, reason, impactDescription, actorID string) (AtRiskResult, error) {
	var res AtRiskResult
	c, err := e.Repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		return res, err
	}
	if err := ensureCommitmentTransition(c.Status, domain.CommitmentAtRisk); err != nil {
		return res, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	c.Status = domain.CommitmentAtRisk
	c.MarkedAtRiskAt = &nowStr
	c.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCommitment(ctx, tx, c); err != nil {
		return res, err
	}

	plan, err := e.fetchOrCreatePlan(ctx, tx, c, impactDescription)
	if err != nil {
		return res, err
	}
	task, created, err := e.fetchOrCreateNotificationTask(ctx, tx, c, reason, impactDescription)
	if err != nil {
		return res, err
	}
	if plan.NotificationTaskID == nil || *plan.NotificationTaskID != task.ID {
		if err := e.Repo.SetCleanupPlanNotificationTask(ctx, tx, plan.ID, task.ID); err != nil {
			return res, err
		}
		plan.NotificationTaskID = &task.ID
	}
	payload := events.EventPayload{"reason": reason}
	if created {
		payload["notification_task_id"] = task.ID
	}
	if err := e.Events.Append(ctx, tx, events.TypeCommitmentAtRisk, events.EntityCommitment, c.ID, actorID, payload); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return AtRiskResult{Commitment: c, CleanupPlan: plan, NotificationTask: task}, nil
}

func (e Engine) fetchOrCreatePlan(ctx context.Context, tx *sql.Tx, c domain.Commitment, impactDescription string) (domain.CleanupPlan, error) {
	plan, err := e.Repo.GetCleanupPlanByCommitmentTx(ctx, tx, c.ID)
	if err == nil {
		return plan, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return plan, err
	}
	plan = domain.CleanupPlan{
		ID:                uuid.New().String(),
		CommitmentID:      c.ID,
		Status:            domain.PlanPlanned,
		ImpactDescription: impactDescription,
		CreatedAt:         e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertCleanupPlan(ctx, tx, plan); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			// Lost the create race; the winner's row is the plan.
			return e.Repo.GetCleanupPlanByCommitmentTx(ctx, tx, c.ID)
		}
		return plan, err
	}
	return plan, nil
}

func (e Engine) fetchOrCreateNotificationTask(ctx context.Context, tx *sql.Tx, c domain.Commitment, reason, impactDescription string) (domain.Task, bool, error) {
	task, err := e.Repo.GetNotificationTaskTx(ctx, tx, c.ID)
	if err == nil {
		return task, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return task, false, err
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	task = domain.Task{
		ID:                 uuid.New().String(),
		CommitmentID:       c.ID,
		Scope:              NotificationDraft(c, reason, impactDescription),
		Status:             domain.TaskPending,
		Order:              0,
		IsNotificationTask: true,
		CreatedAt:          nowStr,
		UpdatedAt:          nowStr,
	}
	if err := e.Repo.InsertTask(ctx, tx, task); err != nil {
		if errors.Is(err, repo.ErrDuplicate) {
			task, err = e.Repo.GetNotificationTaskTx(ctx, tx, c.ID)
			return task, false, err
		}
		return task, false, err
	}
	if err := e.appendTaskHistory(ctx, tx, task, domain.HistoryCreated, nil); err != nil {
		return task, false, err
	}
	return task, true, nil
}

// NotificationDraft renders the stakeholder notification text. Downstream
// UIs display it unmodified, so the fields and their order are fixed:
// recipient, deliverable, due date, reason, impact, trailing instruction.
func NotificationDraft(c domain.Commitment, reason, impactDescription string) string {
	impact := impactDescription
	if impact == "" {
		impact = impactPlaceholder
	}
	return fmt.Sprintf(`Notify %s about a commitment at risk.

Deliverable: %s
Due date: %s
Reason: %s
Impact: %s

Mark this task complete once the notification has been sent.`,
		c.Stakeholder, c.Deliverable, c.DueDate, reason, impact)
}
