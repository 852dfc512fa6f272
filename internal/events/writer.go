// Package events appends audit records inside workflow transactions. The
// log is insert-only; `kept log tail` and the /events endpoint read it back.
package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Event types written by the engine workflows.
const (
	TypeCommitmentCreated   = "commitment.created"
	TypeCommitmentStarted   = "commitment.started"
	TypeCommitmentAtRisk    = "commitment.at_risk"
	TypeCommitmentRecovered = "commitment.recovered"
	TypeCommitmentCompleted = "commitment.completed"
	TypeCommitmentAbandoned = "commitment.abandoned"
	TypeNotificationSent    = "task.notification.completed"
)

// Entity kinds events attach to.
const (
	EntityCommitment = "commitment"
	EntityTask       = "task"
)

type Writer struct {
	DB  *sql.DB
	Now func() time.Time
}

type EventPayload map[string]any

// Append writes one audit row inside the caller's transaction.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, evtType, entityKind, entityID, actorID string, payload EventPayload) error {
	now := time.Now
	if w.Now != nil {
		now = w.Now
	}
	if payload == nil {
		payload = EventPayload{}
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", evtType, err)
	}
	var entity any
	if entityID != "" {
		entity = entityID
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO events(ts,type,entity_kind,entity_id,actor_id,payload_json) VALUES (?,?,?,?,?,?)`,
		now().UTC().Format(time.RFC3339), evtType, entityKind, entity, actorID, string(data))
	if err != nil {
		return fmt.Errorf("append %s event: %w", evtType, err)
	}
	return nil
}
