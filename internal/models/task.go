// Package models defines the typed records shared across the foreman
// service: tasks, agents, projects, and the append-only task log. The store
// layer maps database rows into these types at the boundary; core logic
// never sees raw rows.
package models

import (
	"encoding/json"
	"errors"
	"time"
)

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskAssigned  TaskStatus = "assigned"
	TaskRunning   TaskStatus = "running"
	TaskReviewing TaskStatus = "reviewing"
	TaskCompleted TaskStatus = "completed"
	TaskRejected  TaskStatus = "rejected"
	TaskFailed    TaskStatus = "failed"
)

// ActiveTaskStatuses are the states that count against an agent's
// concurrency budget and drive agent reconciliation.
var ActiveTaskStatuses = []TaskStatus{TaskAssigned, TaskRunning, TaskReviewing}

// Valid reports whether s is a known task status.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskAssigned, TaskRunning, TaskReviewing,
		TaskCompleted, TaskRejected, TaskFailed:
		return true
	}
	return false
}

// Active reports whether a task in this state occupies its assignee.
func (s TaskStatus) Active() bool {
	return s == TaskAssigned || s == TaskRunning || s == TaskReviewing
}

// Terminal reports whether the state admits no further transitions.
// Rejected and failed tasks can still be retried; completed cannot.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted
}

// Retryable reports whether a task in this state may be requeued via retry.
func (s TaskStatus) Retryable() bool {
	return s == TaskFailed || s == TaskRejected
}

// Task is a unit of work owned by a project and executed by an agent.
type Task struct {
	ID             int64           `json:"id"`
	ProjectID      int64           `json:"project_id"`
	Title          string          `json:"title"`
	Description    string          `json:"description,omitempty"`
	TaskType       string          `json:"task_type"`
	Priority       int             `json:"priority"`
	Status         TaskStatus      `json:"status"`
	AssigneeAgent  *string         `json:"assignee_agent,omitempty"`
	Dependencies   []int64         `json:"dependencies,omitempty"`
	Tags           []string        `json:"task_tags,omitempty"`
	TimeoutMinutes *int            `json:"timeout_minutes,omitempty"`
	RetryCount     int             `json:"retry_count"`
	MaxRetries     int             `json:"max_retries"`
	Result         json.RawMessage `json:"result,omitempty"`
	Feedback       string          `json:"feedback,omitempty"`
	CreatedBy      string          `json:"created_by,omitempty"`
	AssignedAt     *time.Time      `json:"assigned_at,omitempty"`
	StartedAt      *time.Time      `json:"started_at,omitempty"`
	CompletedAt    *time.Time      `json:"completed_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	DeletedAt      *time.Time      `json:"deleted_at,omitempty"`
}

// AssignedTo reports whether the task is currently held by the named agent.
func (t *Task) AssignedTo(agent string) bool {
	return t.AssigneeAgent != nil && *t.AssigneeAgent == agent
}

// HasTag reports whether the task carries the given skill tag.
func (t *Task) HasTag(tag string) bool {
	for _, tg := range t.Tags {
		if tg == tag {
			return true
		}
	}
	return false
}

// DefaultTaskPriority is used when a task spec omits priority.
const DefaultTaskPriority = 5

// DefaultMaxRetries bounds automatic requeueing of rejected or failed tasks.
const DefaultMaxRetries = 3

// TaskSpec describes a task to be created. For single-task creation
// Dependencies hold persisted task IDs; for project breakdown they hold
// zero-based positional indices into the batch, remapped to real IDs once
// the batch is inserted.
type TaskSpec struct {
	Title          string   `json:"title"`
	Description    string   `json:"description,omitempty"`
	TaskType       string   `json:"task_type"`
	Priority       int      `json:"priority,omitempty"`
	Dependencies   []int64  `json:"dependencies,omitempty"`
	Tags           []string `json:"task_tags,omitempty"`
	TimeoutMinutes *int     `json:"timeout_minutes,omitempty"`
	MaxRetries     int      `json:"max_retries,omitempty"`
	CreatedBy      string   `json:"created_by,omitempty"`
}

// Validate checks that the spec has its required fields.
func (s *TaskSpec) Validate() error {
	if s.Title == "" {
		return errors.New("task title is required")
	}
	if s.TaskType == "" {
		return errors.New("task type is required")
	}
	if s.Priority < 0 {
		return errors.New("task priority must not be negative")
	}
	return nil
}

// Normalize fills defaulted fields on the spec.
func (s *TaskSpec) Normalize() {
	if s.Priority == 0 {
		s.Priority = DefaultTaskPriority
	}
	if s.MaxRetries == 0 {
		s.MaxRetries = DefaultMaxRetries
	}
}
