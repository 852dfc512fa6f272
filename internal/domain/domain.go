package domain

// Commitment statuses.
const (
	CommitmentPending    = "pending"
	CommitmentInProgress = "in_progress"
	CommitmentAtRisk     = "at_risk"
	CommitmentCompleted  = "completed"
	CommitmentAbandoned  = "abandoned"
)

// CleanupPlan statuses.
const (
	PlanPlanned   = "planned"
	PlanCompleted = "completed"
	PlanCancelled = "cancelled"
	PlanSkipped   = "skipped"
)

// Task statuses.
const (
	TaskPending    = "pending"
	TaskInProgress = "in_progress"
	TaskCompleted  = "completed"
	TaskSkipped    = "skipped"
)

// Task history event types.
const (
	HistoryCreated   = "created"
	HistoryStarted   = "started"
	HistoryCompleted = "completed"
	HistorySkipped   = "skipped"
)

// Commitment is a promise of a deliverable to a stakeholder by a due date.
type Commitment struct {
	ID              string  `json:"id"`
	Deliverable     string  `json:"deliverable"`
	Stakeholder     string  `json:"stakeholder"`
	Status          string  `json:"status" enum:"pending,in_progress,at_risk,completed,abandoned"`
	DueDate         string  `json:"due_date" format:"date"`
	MarkedAtRiskAt  *string `json:"marked_at_risk_at,omitempty" format:"date-time"`
	CompletedAt     *string `json:"completed_at,omitempty" format:"date-time"`
	CompletedOnTime *bool   `json:"completed_on_time,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

// CleanupPlan is the remediation record created when a commitment goes
// at-risk. At most one exists per commitment.
type CleanupPlan struct {
	ID                 string   `json:"id"`
	CommitmentID       string   `json:"commitment_id"`
	Status             string   `json:"status" enum:"planned,completed,cancelled,skipped"`
	ImpactDescription  string   `json:"impact_description,omitempty"`
	MitigationActions  []string `json:"mitigation_actions,omitempty"`
	NotificationTaskID *string  `json:"notification_task_id,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
}

// Task is a to-do attached to a commitment. The notification variant
// (IsNotificationTask, order 0) carries the stakeholder notification draft
// as its scope text; at most one exists per commitment.
type Task struct {
	ID                 string   `json:"id"`
	CommitmentID       string   `json:"commitment_id"`
	Scope              string   `json:"scope"`
	Status             string   `json:"status" enum:"pending,in_progress,completed,skipped"`
	Order              int      `json:"order"`
	IsNotificationTask bool     `json:"is_notification_task"`
	EstimatedHours     *float64 `json:"estimated_hours,omitempty"`
	CreatedAt          string   `json:"created_at" format:"date-time"`
	UpdatedAt          string   `json:"updated_at" format:"date-time"`
}

// TaskHistoryEntry is an append-only audit record of a task lifecycle
// event. Rows are never updated after insertion.
type TaskHistoryEntry struct {
	ID                  string   `json:"id"`
	TaskID              string   `json:"task_id"`
	CommitmentID        string   `json:"commitment_id"`
	EventType           string   `json:"event_type" enum:"created,started,completed,skipped"`
	EstimatedHours      *float64 `json:"estimated_hours,omitempty"`
	ActualHoursCategory *float64 `json:"actual_hours_category,omitempty"`
	CreatedAt           string   `json:"created_at" format:"date-time"`
}

// Event is one row of the append-only audit log.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// AffectingCommitment tags a recent late completion or abandonment with the
// reason it drags the score down.
type AffectingCommitment struct {
	Commitment Commitment `json:"commitment"`
	Reason     string     `json:"reason" enum:"completed late,abandoned"`
}
