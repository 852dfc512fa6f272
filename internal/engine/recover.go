package engine

import (
	"context"
	"errors"
	"time"

	"kept/internal/domain"
	"kept/internal/events"
	"kept/internal/repo"
)

const skippedMarker = "\n\n[Skipped: Situation resolved]"

// RecoveryResult bundles the entities touched by recovery.
// NotificationStillNeeded is true when a pending notification task was left
// untouched and the caller must decide its fate.
type RecoveryResult struct {
	Commitment              domain.Commitment   `json:"commitment"`
	CleanupPlan             *domain.CleanupPlan `json:"cleanup_plan,omitempty"`
	NotificationTask        *domain.Task        `json:"notification_task,omitempty"`
	NotificationStillNeeded bool                `json:"notification_still_needed"`
}

// RecoverCommitment moves an at-risk commitment back to active work,
// cancelling its cleanup plan. Only legal from at_risk.
func (e Engine) RecoverCommitment(ctx context.Context, commitmentID string, notificationResolved bool, actorID string) (RecoveryResult, error) {
	var res RecoveryResult
	c, err := e.Repo.GetCommitment(ctx, commitmentID)
	if err != nil {
		return res, err
	}
	if c.Status != domain.CommitmentAtRisk {
		return res, InvalidStateError{CommitmentID: commitmentID, Status: c.Status, Want: "at-risk"}
	}
	nowStr := e.now().UTC().Format(time.RFC3339)
	c.Status = domain.CommitmentInProgress
	c.UpdatedAt = nowStr

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return res, err
	}
	defer tx.Rollback()

	if err := e.Repo.UpdateCommitment(ctx, tx, c); err != nil {
		return res, err
	}
	res.Commitment = c

	plan, err := e.Repo.GetCleanupPlanByCommitmentTx(ctx, tx, c.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			// Nothing to unwind; the commitment was at risk without a plan.
			if err := e.Events.Append(ctx, tx, events.TypeCommitmentRecovered, events.EntityCommitment, c.ID, actorID, events.EventPayload{}); err != nil {
				return res, err
			}
			if err := tx.Commit(); err != nil {
				return res, err
			}
			return res, nil
		}
		return res, err
	}
	if err := e.Repo.UpdateCleanupPlanStatus(ctx, tx, plan.ID, domain.PlanCancelled); err != nil {
		return res, err
	}
	plan.Status = domain.PlanCancelled
	res.CleanupPlan = &plan

	task, err := e.Repo.GetNotificationTaskTx(ctx, tx, c.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return res, err
	}
	if err == nil {
		if task.Status == domain.TaskPending {
			if notificationResolved {
				task.Status = domain.TaskSkipped
				task.Scope += skippedMarker
				task.UpdatedAt = nowStr
				if err := e.Repo.UpdateTask(ctx, tx, task); err != nil {
					return res, err
				}
				if err := e.appendTaskHistory(ctx, tx, task, domain.HistorySkipped, nil); err != nil {
					return res, err
				}
			} else {
				res.NotificationStillNeeded = true
			}
		}
		res.NotificationTask = &task
	}

	if err := e.Events.Append(ctx, tx, events.TypeCommitmentRecovered, events.EntityCommitment, c.ID, actorID, events.EventPayload{
		"notification_resolved":     notificationResolved,
		"notification_still_needed": res.NotificationStillNeeded,
	}); err != nil {
		return res, err
	}
	if err := tx.Commit(); err != nil {
		return res, err
	}
	return res, nil
}
