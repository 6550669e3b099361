// Package engine implements the task-orchestration core: the lifecycle
// state machine, the exclusive-claim protocol, the dependency resolver, and
// agent-state reconciliation. Every operation runs inside one store
// transaction so the row update, the audit log entry, and any agent-counter
// change commit together.
package engine

import (
	"errors"
	"fmt"

	"github.com/harrison/foreman/internal/models"
)

// Sentinel outcomes. Each operation returns either a value or one of these
// (possibly wrapped in a typed error carrying detail), never a bare
// transport-level failure for a domain condition.
var (
	// ErrNotFound means the task, agent, or project does not exist (or is
	// soft-deleted).
	ErrNotFound = errors.New("not found")

	// ErrConflict means another claimant won the race: the task was no
	// longer pending and unassigned when the claim was attempted. Distinct
	// from IllegalStateError so a client can tell "someone beat you" from
	// "you made an error".
	ErrConflict = errors.New("task already claimed or not available")
)

// IllegalStateError reports a transition attempted from a state the
// lifecycle table does not allow it in.
type IllegalStateError struct {
	Op     string
	Status models.TaskStatus
}

func (e *IllegalStateError) Error() string {
	return fmt.Sprintf("cannot %s task with status %q", e.Op, e.Status)
}

// InvalidDependencyError reports a malformed dependency list: a
// non-positive id, a duplicate, a self-reference, or an out-of-range batch
// index.
type InvalidDependencyError struct {
	Reason string
	ID     int64
}

func (e *InvalidDependencyError) Error() string {
	if e.Reason == "duplicate" {
		return fmt.Sprintf("duplicate dependency %d", e.ID)
	}
	return fmt.Sprintf("invalid dependency %d: %s", e.ID, e.Reason)
}

// DependencyError reports a claim on a task whose dependencies are not all
// completed. Unsatisfied carries the offending ids so the caller needs no
// second round trip.
type DependencyError struct {
	TaskID      int64
	Unsatisfied []int64
}

func (e *DependencyError) Error() string {
	return fmt.Sprintf("task %d dependencies not completed: %v", e.TaskID, e.Unsatisfied)
}

// CapacityError is the backpressure signal: the agent's active-task count
// has reached its concurrency budget. Retryable once the agent frees
// capacity.
type CapacityError struct {
	Agent string
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("agent %s has reached its concurrent task limit (%d)", e.Agent, e.Limit)
}

// RunningElsewhereError reports a start attempt while the agent already has
// a running task.
type RunningElsewhereError struct {
	Agent     string
	TaskID    int64
	TaskTitle string
}

func (e *RunningElsewhereError) Error() string {
	return fmt.Sprintf("agent %s already has a running task (#%d %s)", e.Agent, e.TaskID, e.TaskTitle)
}

// MaxRetriesError means the task has exhausted its retry budget; it stays
// terminal without operator intervention.
type MaxRetriesError struct {
	TaskID     int64
	RetryCount int
	MaxRetries int
}

func (e *MaxRetriesError) Error() string {
	return fmt.Sprintf("task %d exceeded max retries (%d/%d)", e.TaskID, e.RetryCount, e.MaxRetries)
}

// CycleError reports a dependency cycle. For batch creation Cycle holds the
// positional indices involved; for single-task creation it holds task ids.
type CycleError struct {
	Cycle []int64
}

func (e *CycleError) Error() string {
	if len(e.Cycle) == 0 {
		return "circular dependency detected"
	}
	return fmt.Sprintf("circular dependency detected: %v", e.Cycle)
}
