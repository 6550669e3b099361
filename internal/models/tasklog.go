package models

import "time"

// Log actors. Transitions performed by the background sweeps or maintenance
// paths are attributed to ActorSystem.
const ActorSystem = "system"

// TaskLog is an append-only audit record. One entry is written per task
// transition, in the same transaction as the transition itself.
type TaskLog struct {
	ID        int64     `json:"id"`
	TaskID    int64     `json:"task_id"`
	Action    string    `json:"action"`
	OldStatus string    `json:"old_status,omitempty"`
	NewStatus string    `json:"new_status,omitempty"`
	Message   string    `json:"message,omitempty"`
	Actor     string    `json:"actor"`
	CreatedAt time.Time `json:"created_at"`
}
