package engine_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"kept/internal/config"
	"kept/internal/db"
	"kept/internal/domain"
	"kept/internal/engine"
	"kept/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var testNow = time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC) // a Monday

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return testNow }
	return &testEnv{Engine: eng, Ctx: context.Background()}
}

func (env *testEnv) addCommitment(t *testing.T, deliverable, due string) domain.Commitment {
	t.Helper()
	c, err := env.Engine.CreateCommitment(env.Ctx, engine.CommitmentCreateOptions{
		Deliverable: deliverable,
		Stakeholder: "alex",
		DueDate:     due,
		ActorID:     "tester",
	})
	if err != nil {
		t.Fatalf("create commitment: %v", err)
	}
	return c
}

func TestCommitmentLifecycle(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "quarterly report", "2026-03-02")
	if c.Status != domain.CommitmentPending {
		t.Fatalf("expected pending, got %s", c.Status)
	}
	c, err := env.Engine.StartCommitment(env.Ctx, c.ID, "tester")
	if err != nil || c.Status != domain.CommitmentInProgress {
		t.Fatalf("start: %v (status %s)", err, c.Status)
	}
	c, err = env.Engine.CompleteCommitment(env.Ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.CompletedOnTime == nil || !*c.CompletedOnTime {
		t.Fatalf("completion on the due date should count as on time")
	}
	// terminal status rejects further transitions
	if _, err := env.Engine.StartCommitment(env.Ctx, c.ID, "tester"); err == nil {
		t.Fatalf("expected error starting a completed commitment")
	}
	var ise engine.InvalidStateError
	_, err = env.Engine.StartCommitment(env.Ctx, c.ID, "tester")
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError, got %v", err)
	}
}

func TestLateCompletion(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "late thing", "2026-03-01")
	c, err := env.Engine.CompleteCommitment(env.Ctx, c.ID, "tester")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if c.CompletedOnTime == nil || *c.CompletedOnTime {
		t.Fatalf("completion after due date should be late")
	}
}

func TestMarkAtRiskIdempotent(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "migration", "2026-03-10")
	first, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "dependency slipped", "", "tester")
	if err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	if first.Commitment.Status != domain.CommitmentAtRisk || first.Commitment.MarkedAtRiskAt == nil {
		t.Fatalf("expected at_risk with mark timestamp")
	}
	second, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "dependency slipped again", "", "tester")
	if err != nil {
		t.Fatalf("second mark: %v", err)
	}
	if second.CleanupPlan.ID != first.CleanupPlan.ID {
		t.Fatalf("expected the same cleanup plan to be reused")
	}
	if second.NotificationTask.ID != first.NotificationTask.ID {
		t.Fatalf("expected the same notification task to be reused")
	}
	var plans, tasks int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM cleanup_plans WHERE commitment_id=?`, c.ID)
	if err := row.Scan(&plans); err != nil {
		t.Fatalf("count plans: %v", err)
	}
	row = env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM tasks WHERE commitment_id=? AND is_notification_task=1`, c.ID)
	if err := row.Scan(&tasks); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if plans != 1 || tasks != 1 {
		t.Fatalf("expected exactly one plan and one notification task, got %d/%d", plans, tasks)
	}
	if first.CleanupPlan.NotificationTaskID == nil || *first.CleanupPlan.NotificationTaskID != first.NotificationTask.ID {
		t.Fatalf("plan should link to the notification task")
	}
}

func TestNotificationDraftContents(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "the deck", "2026-03-10")
	res, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "scope grew", "", "tester")
	if err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	draft := res.NotificationTask.Scope
	for _, want := range []string{"Notify alex", "Deliverable: the deck", "Due date: 2026-03-10", "Reason: scope grew", "Impact: impact still being assessed"} {
		if !strings.Contains(draft, want) {
			t.Fatalf("draft missing %q:\n%s", want, draft)
		}
	}
}

func TestRecoverLeavesPendingNotification(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "cleanup me", "2026-03-10")
	if _, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "slipping", "", "tester"); err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	res, err := env.Engine.RecoverCommitment(env.Ctx, c.ID, false, "tester")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if res.Commitment.Status != domain.CommitmentInProgress {
		t.Fatalf("expected in_progress, got %s", res.Commitment.Status)
	}
	if res.CleanupPlan == nil || res.CleanupPlan.Status != domain.PlanCancelled {
		t.Fatalf("expected cancelled cleanup plan")
	}
	if !res.NotificationStillNeeded {
		t.Fatalf("pending notification should be flagged as still needed")
	}
	if res.NotificationTask == nil || res.NotificationTask.Status != domain.TaskPending {
		t.Fatalf("notification task should be left pending")
	}
	// recover is only legal from at_risk
	_, err = env.Engine.RecoverCommitment(env.Ctx, c.ID, false, "tester")
	var ise engine.InvalidStateError
	if !errors.As(err, &ise) {
		t.Fatalf("expected InvalidStateError on second recover, got %v", err)
	}
}

func TestRecoverResolvedSkipsNotification(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "resolved", "2026-03-10")
	if _, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "slipping", "", "tester"); err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	res, err := env.Engine.RecoverCommitment(env.Ctx, c.ID, true, "tester")
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if res.NotificationStillNeeded {
		t.Fatalf("resolved recovery should not flag the notification")
	}
	if res.NotificationTask == nil || res.NotificationTask.Status != domain.TaskSkipped {
		t.Fatalf("expected skipped notification task")
	}
	if !strings.Contains(res.NotificationTask.Scope, "[Skipped: Situation resolved]") {
		t.Fatalf("skip marker missing from task scope")
	}
	var histCount int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM task_history WHERE task_id=? AND event_type='skipped'`, res.NotificationTask.ID)
	if err := row.Scan(&histCount); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("expected one skipped history row, got %d", histCount)
	}
}

func TestCompleteClosesPlannedPlan(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "finish anyway", "2026-03-10")
	if _, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "slipping", "", "tester"); err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	if _, err := env.Engine.CompleteCommitment(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	plan, err := env.Engine.Repo.GetCleanupPlanByCommitment(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Status != domain.PlanCompleted {
		t.Fatalf("expected completed plan, got %s", plan.Status)
	}
}

func TestAbandonSkipsPlannedPlan(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "give up", "2026-03-10")
	if _, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "slipping", "", "tester"); err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	if _, err := env.Engine.AbandonCommitment(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	plan, err := env.Engine.Repo.GetCleanupPlanByCommitment(env.Ctx, c.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if plan.Status != domain.PlanSkipped {
		t.Fatalf("expected skipped plan, got %s", plan.Status)
	}
}

func TestCompleteNotificationTask(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "notify", "2026-03-10")
	if _, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "slipping", "", "tester"); err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	actual := 1.0
	task, err := env.Engine.CompleteNotificationTask(env.Ctx, c.ID, &actual, "tester")
	if err != nil {
		t.Fatalf("complete notification: %v", err)
	}
	if task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", task.Status)
	}
	var histCount int
	row := env.Engine.DB.QueryRowContext(env.Ctx, `SELECT count(*) FROM task_history WHERE task_id=? AND event_type='completed' AND actual_hours_category=1.0`, task.ID)
	if err := row.Scan(&histCount); err != nil {
		t.Fatalf("count history: %v", err)
	}
	if histCount != 1 {
		t.Fatalf("expected one completed history row, got %d", histCount)
	}
	if _, err := env.Engine.CompleteNotificationTask(env.Ctx, c.ID, nil, "tester"); err == nil {
		t.Fatalf("expected error completing an already completed notification")
	}
}

func TestDetectRisks(t *testing.T) {
	env := newTestEnv(t)
	overdue := env.addCommitment(t, "overdue", "2026-03-01")
	dueSoon := env.addCommitment(t, "due soon", "2026-03-03")
	dueToday := env.addCommitment(t, "active today", "2026-03-02")
	if _, err := env.Engine.StartCommitment(env.Ctx, dueToday.ID, "tester"); err != nil {
		t.Fatalf("start: %v", err)
	}
	// stalled: started 30h ago and untouched since
	env.Engine.Now = func() time.Time { return testNow.Add(-30 * time.Hour) }
	stalled := env.addCommitment(t, "stalled", "2026-03-03")
	if _, err := env.Engine.StartCommitment(env.Ctx, stalled.ID, "tester"); err != nil {
		t.Fatalf("start stalled: %v", err)
	}
	env.Engine.Now = func() time.Time { return testNow }

	summary, err := env.Engine.DetectRisks(env.Ctx)
	if err != nil {
		t.Fatalf("detect risks: %v", err)
	}
	if len(summary.Overdue) != 1 || summary.Overdue[0].ID != overdue.ID {
		t.Fatalf("expected one overdue commitment")
	}
	if len(summary.DueSoon) != 1 || summary.DueSoon[0].ID != dueSoon.ID {
		t.Fatalf("expected one due-soon commitment")
	}
	if len(summary.Stalled) != 1 || summary.Stalled[0].ID != stalled.ID {
		t.Fatalf("expected one stalled commitment")
	}
	// an in_progress commitment touched recently is not a risk
	for _, c := range append(summary.DueSoon, summary.Stalled...) {
		if c.ID == dueToday.ID {
			t.Fatalf("recently touched commitment should not be flagged")
		}
	}
	msg := summary.ToMessage()
	for _, want := range []string{"Overdue (1):", "Due soon (1):", "Stalled (1):", "kept atrisk"} {
		if !strings.Contains(msg, want) {
			t.Fatalf("message missing %q:\n%s", want, msg)
		}
	}
}

func TestRiskMessageCapsItems(t *testing.T) {
	env := newTestEnv(t)
	for _, name := range []string{"a", "b", "c", "d", "e"} {
		env.addCommitment(t, name, "2026-03-01")
	}
	summary, err := env.Engine.DetectRisks(env.Ctx)
	if err != nil {
		t.Fatalf("detect risks: %v", err)
	}
	msg := summary.ToMessage()
	if !strings.Contains(msg, "…and 2 more") {
		t.Fatalf("expected overflow marker in message:\n%s", msg)
	}
}

func TestAffectingCommitments(t *testing.T) {
	env := newTestEnv(t)
	late := env.addCommitment(t, "late one", "2026-02-20")
	if _, err := env.Engine.CompleteCommitment(env.Ctx, late.ID, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	onTime := env.addCommitment(t, "on time", "2026-03-05")
	if _, err := env.Engine.CompleteCommitment(env.Ctx, onTime.ID, "tester"); err != nil {
		t.Fatalf("complete on time: %v", err)
	}
	env.Engine.Now = func() time.Time { return testNow.Add(time.Hour) }
	dropped := env.addCommitment(t, "dropped", "2026-03-20")
	if _, err := env.Engine.AbandonCommitment(env.Ctx, dropped.ID, "tester"); err != nil {
		t.Fatalf("abandon: %v", err)
	}
	env.Engine.Now = func() time.Time { return testNow }

	affecting, err := env.Engine.AffectingCommitments(env.Ctx)
	if err != nil {
		t.Fatalf("affecting: %v", err)
	}
	if len(affecting) != 2 {
		t.Fatalf("expected two affecting commitments, got %d", len(affecting))
	}
	// newest first: the abandonment happened an hour after the late completion
	if affecting[0].Commitment.ID != dropped.ID || affecting[0].Reason != "abandoned" {
		t.Fatalf("expected abandonment first, got %+v", affecting[0])
	}
	if affecting[1].Commitment.ID != late.ID || affecting[1].Reason != "completed late" {
		t.Fatalf("expected late completion second, got %+v", affecting[1])
	}
}

func TestEventsLoggedForWorkflows(t *testing.T) {
	env := newTestEnv(t)
	c := env.addCommitment(t, "audited", "2026-03-10")
	if _, err := env.Engine.MarkCommitmentAtRisk(env.Ctx, c.ID, "slipping", "", "tester"); err != nil {
		t.Fatalf("mark at risk: %v", err)
	}
	if _, err := env.Engine.RecoverCommitment(env.Ctx, c.ID, true, "tester"); err != nil {
		t.Fatalf("recover: %v", err)
	}
	if _, err := env.Engine.CompleteCommitment(env.Ctx, c.ID, "tester"); err != nil {
		t.Fatalf("complete: %v", err)
	}
	events, err := env.Engine.Repo.LatestEvents(env.Ctx, 10, "", "commitment", c.ID)
	if err != nil {
		t.Fatalf("latest events: %v", err)
	}
	seen := map[string]bool{}
	for _, evt := range events {
		seen[evt.Type] = true
	}
	for _, want := range []string{"commitment.created", "commitment.at_risk", "commitment.recovered", "commitment.completed"} {
		if !seen[want] {
			t.Fatalf("missing event %s (saw %v)", want, seen)
		}
	}
}
