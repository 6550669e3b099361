package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// CreateTask creates a single pending task in a project. Dependencies refer
// to already-persisted task ids and must all exist.
func (e *Engine) CreateTask(ctx context.Context, projectID int64, spec models.TaskSpec) (*models.Task, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	spec.Normalize()
	if err := ValidateDependencies(spec.Dependencies); err != nil {
		return nil, err
	}

	var created *models.Task
	err := e.withRetry(ctx, "create task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			project, err := e.store.GetProject(ctx, q, projectID)
			if err != nil {
				return err
			}
			if project == nil {
				return fmt.Errorf("project %d: %w", projectID, ErrNotFound)
			}

			for _, dep := range spec.Dependencies {
				_, found, err := e.store.TaskDependencies(ctx, q, dep)
				if err != nil {
					return err
				}
				if !found {
					return &InvalidDependencyError{Reason: "unknown task", ID: dep}
				}
			}

			now := e.now()
			created, err = e.store.InsertTask(ctx, q, projectID, spec, now)
			if err != nil {
				return err
			}
			return e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    created.ID,
				Action:    "created",
				NewStatus: string(models.TaskPending),
				Actor:     actorOr(spec.CreatedBy),
			}, now)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d created in project %d: %s", created.ID, projectID, created.Title)
	return created, nil
}

// GetTask fetches a task by id.
func (e *Engine) GetTask(ctx context.Context, id int64) (*models.Task, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	t, err := e.store.GetTask(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return t, nil
}

// TaskLogs returns a task's audit trail, newest first.
func (e *Engine) TaskLogs(ctx context.Context, id int64) ([]*models.TaskLog, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	t, err := e.store.GetTask(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, fmt.Errorf("task %d: %w", id, ErrNotFound)
	}
	return e.store.TaskLogs(ctx, q, id)
}

// ListTasks returns tasks matching the filter.
func (e *Engine) ListTasks(ctx context.Context, f store.TaskFilter) ([]*models.Task, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListTasks(ctx, q, f)
}

// AvailableTasks returns every claimable task: pending, unassigned, and with
// all dependencies completed.
func (e *Engine) AvailableTasks(ctx context.Context) ([]*models.Task, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.AvailableTasks(ctx, q, nil)
}

// AvailableTasksForAgent narrows AvailableTasks to tasks whose tags overlap
// the agent's skills. An agent with no skills sees everything.
func (e *Engine) AvailableTasksForAgent(ctx context.Context, agent string) ([]*models.Task, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	a, err := e.store.GetAgent(ctx, q, agent)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("agent %s: %w", agent, ErrNotFound)
	}
	return e.store.AvailableTasks(ctx, q, a.Skills)
}

// Claim leases a pending task to an agent. The checks and the conditional
// update run in one transaction; at most one concurrent claimant observes
// success. A repeated claim with the same idempotency key replays the first
// attempt's response instead of failing with a conflict.
func (e *Engine) Claim(ctx context.Context, taskID int64, agent, idempotencyKey string) (*models.Task, error) {
	var claimed *models.Task
	err := e.withRetry(ctx, "claim task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			if cached, found, err := e.checkIdempotent(ctx, q, idempotencyKey); err != nil {
				return err
			} else if found {
				claimed = cached
				return nil
			}

			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}

			a, err := e.store.GetAgent(ctx, q, agent)
			if err != nil {
				return err
			}
			if a == nil {
				return fmt.Errorf("agent %s: %w", agent, ErrNotFound)
			}

			if task.Status != models.TaskPending || task.AssigneeAgent != nil {
				return fmt.Errorf("task %d: %w", taskID, ErrConflict)
			}

			unsatisfied, err := e.store.UnsatisfiedDependencies(ctx, q, task.Dependencies)
			if err != nil {
				return err
			}
			if len(unsatisfied) > 0 {
				return &DependencyError{TaskID: taskID, Unsatisfied: unsatisfied}
			}

			active, err := e.store.CountActiveTasks(ctx, q, agent)
			if err != nil {
				return err
			}
			if active >= e.cfg.MaxConcurrentTasksPerAgent {
				return &CapacityError{Agent: agent, Limit: e.cfg.MaxConcurrentTasksPerAgent}
			}

			now := e.now()
			won, err := e.store.ClaimPending(ctx, q, taskID, agent, now)
			if err != nil {
				return err
			}
			if !won {
				return fmt.Errorf("task %d: %w", taskID, ErrConflict)
			}

			if err := e.store.SetAgentBusy(ctx, q, agent, taskID, now); err != nil {
				return err
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "claimed",
				OldStatus: string(models.TaskPending),
				NewStatus: string(models.TaskAssigned),
				Actor:     agent,
			}, now); err != nil {
				return err
			}

			claimed, err = e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			return e.storeIdempotent(ctx, q, idempotencyKey, claimed)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d claimed by %s", taskID, agent)
	return claimed, nil
}

// Start moves an assigned task into running. An agent may run only one task
// at a time regardless of how many it has assigned. Idempotent under a key
// the same way Claim is.
func (e *Engine) Start(ctx context.Context, taskID int64, agent, idempotencyKey string) (*models.Task, error) {
	var started *models.Task
	err := e.withRetry(ctx, "start task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			if cached, found, err := e.checkIdempotent(ctx, q, idempotencyKey); err != nil {
				return err
			} else if found {
				started = cached
				return nil
			}

			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if !task.AssignedTo(agent) {
				return fmt.Errorf("task %d is not assigned to %s: %w", taskID, agent, ErrConflict)
			}
			if task.Status != models.TaskAssigned {
				return &IllegalStateError{Op: "start", Status: task.Status}
			}

			running, err := e.store.RunningTask(ctx, q, agent)
			if err != nil {
				return err
			}
			if running != nil {
				return &RunningElsewhereError{Agent: agent, TaskID: running.ID, TaskTitle: running.Title}
			}

			now := e.now()
			if err := e.store.SetTaskStarted(ctx, q, taskID, now); err != nil {
				return err
			}
			if err := e.store.SetAgentBusy(ctx, q, agent, taskID, now); err != nil {
				return err
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "started",
				OldStatus: string(models.TaskAssigned),
				NewStatus: string(models.TaskRunning),
				Actor:     agent,
			}, now); err != nil {
				return err
			}

			started, err = e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			return e.storeIdempotent(ctx, q, idempotencyKey, started)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d started by %s", taskID, agent)
	return started, nil
}

// Submit moves a running task into reviewing with the agent's result. The
// task stays leased to the agent until review. Idempotent under a key the
// same way Claim is.
func (e *Engine) Submit(ctx context.Context, taskID int64, agent string, result json.RawMessage, idempotencyKey string) (*models.Task, error) {
	var submitted *models.Task
	err := e.withRetry(ctx, "submit task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			if cached, found, err := e.checkIdempotent(ctx, q, idempotencyKey); err != nil {
				return err
			} else if found {
				submitted = cached
				return nil
			}

			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if !task.AssignedTo(agent) {
				return fmt.Errorf("task %d is not assigned to %s: %w", taskID, agent, ErrConflict)
			}
			if task.Status != models.TaskRunning {
				return &IllegalStateError{Op: "submit", Status: task.Status}
			}

			now := e.now()
			if err := e.store.SetTaskSubmitted(ctx, q, taskID, result, now); err != nil {
				return err
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "submitted",
				OldStatus: string(models.TaskRunning),
				NewStatus: string(models.TaskReviewing),
				Actor:     agent,
			}, now); err != nil {
				return err
			}

			submitted, err = e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			return e.storeIdempotent(ctx, q, idempotencyKey, submitted)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d submitted for review by %s", taskID, agent)
	return submitted, nil
}

// Review resolves a reviewing task: approved moves it to completed, rejected
// moves it to rejected. The lease ends either way; the former assignee's
// counters and status are updated in the same transaction.
func (e *Engine) Review(ctx context.Context, taskID int64, approved bool, feedback, reviewer, idempotencyKey string) (*models.Task, error) {
	var reviewed *models.Task
	err := e.withRetry(ctx, "review task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			if cached, found, err := e.checkIdempotent(ctx, q, idempotencyKey); err != nil {
				return err
			} else if found {
				reviewed = cached
				return nil
			}

			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if task.Status != models.TaskReviewing {
				return &IllegalStateError{Op: "review", Status: task.Status}
			}

			status := models.TaskRejected
			if approved {
				status = models.TaskCompleted
			}
			former := task.AssigneeAgent

			now := e.now()
			if err := e.store.SetTaskReviewed(ctx, q, taskID, status, feedback, now); err != nil {
				return err
			}
			if former != nil {
				if err := e.store.BumpAgentCounters(ctx, q, *former, approved, now); err != nil {
					return err
				}
				if err := e.reconcileAgent(ctx, q, *former, now); err != nil {
					return err
				}
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "reviewed",
				OldStatus: string(models.TaskReviewing),
				NewStatus: string(status),
				Message:   feedback,
				Actor:     actorOr(reviewer),
			}, now); err != nil {
				return err
			}

			reviewed, err = e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			return e.storeIdempotent(ctx, q, idempotencyKey, reviewed)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d reviewed: %s", taskID, reviewed.Status)
	return reviewed, nil
}

// Release returns an active task to the pending pool, ending its lease. The
// retry counter is untouched: a release is not a failure.
func (e *Engine) Release(ctx context.Context, taskID int64, actor, idempotencyKey string) (*models.Task, error) {
	var released *models.Task
	err := e.withRetry(ctx, "release task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			if cached, found, err := e.checkIdempotent(ctx, q, idempotencyKey); err != nil {
				return err
			} else if found {
				released = cached
				return nil
			}

			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if !task.Status.Active() {
				return &IllegalStateError{Op: "release", Status: task.Status}
			}

			former := task.AssigneeAgent
			now := e.now()
			if err := e.store.ReleaseTask(ctx, q, taskID, now); err != nil {
				return err
			}
			if former != nil {
				if err := e.reconcileAgent(ctx, q, *former, now); err != nil {
					return err
				}
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "released",
				OldStatus: string(task.Status),
				NewStatus: string(models.TaskPending),
				Actor:     actorOr(actor),
			}, now); err != nil {
				return err
			}

			released, err = e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			return e.storeIdempotent(ctx, q, idempotencyKey, released)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d released back to pending", taskID)
	return released, nil
}

// Retry requeues a rejected or failed task as pending, consuming one unit of
// its retry budget.
func (e *Engine) Retry(ctx context.Context, taskID int64, actor, idempotencyKey string) (*models.Task, error) {
	var retried *models.Task
	err := e.withRetry(ctx, "retry task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			if cached, found, err := e.checkIdempotent(ctx, q, idempotencyKey); err != nil {
				return err
			} else if found {
				retried = cached
				return nil
			}

			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if !task.Status.Retryable() {
				return &IllegalStateError{Op: "retry", Status: task.Status}
			}
			if task.RetryCount >= task.MaxRetries {
				return &MaxRetriesError{TaskID: taskID, RetryCount: task.RetryCount, MaxRetries: task.MaxRetries}
			}

			now := e.now()
			if err := e.store.RequeueForRetry(ctx, q, taskID, now); err != nil {
				return err
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "retried",
				OldStatus: string(task.Status),
				NewStatus: string(models.TaskPending),
				Message:   fmt.Sprintf("retry %d of %d", task.RetryCount+1, task.MaxRetries),
				Actor:     actorOr(actor),
			}, now); err != nil {
				return err
			}

			retried, err = e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			return e.storeIdempotent(ctx, q, idempotencyKey, retried)
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("task %d requeued for retry (%d/%d)", taskID, retried.RetryCount, retried.MaxRetries)
	return retried, nil
}

// UpdateTask applies a partial administrative update. Status changes here
// bypass the lifecycle table, so the patched status must at least be a known
// one; if the change deactivates the task its former assignee is reconciled.
func (e *Engine) UpdateTask(ctx context.Context, taskID int64, patch store.TaskPatch) (*models.Task, error) {
	if patch.Status != nil && !patch.Status.Valid() {
		return nil, fmt.Errorf("unknown task status %q", *patch.Status)
	}

	var updated *models.Task
	err := e.withRetry(ctx, "update task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if patch.Empty() {
				updated = task
				return nil
			}

			former := task.AssigneeAgent
			now := e.now()
			if err := e.store.ApplyTaskPatch(ctx, q, taskID, patch, now); err != nil {
				return err
			}
			if patch.Status != nil && former != nil {
				// A task forced to a terminal outcome counts toward its
				// assignee's record just like a reviewed one.
				switch *patch.Status {
				case models.TaskCompleted, models.TaskFailed:
					if err := e.store.BumpAgentCounters(ctx, q, *former, *patch.Status == models.TaskCompleted, now); err != nil {
						return err
					}
				}
				if !patch.Status.Active() {
					if err := e.reconcileAgent(ctx, q, *former, now); err != nil {
						return err
					}
				}
			}

			entry := models.TaskLog{
				TaskID: taskID,
				Action: "updated",
				Actor:  models.ActorSystem,
			}
			if patch.Status != nil {
				entry.OldStatus = string(task.Status)
				entry.NewStatus = string(*patch.Status)
			}
			if err := e.store.AppendTaskLog(ctx, q, entry, now); err != nil {
				return err
			}

			updated, err = e.store.GetTask(ctx, q, taskID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// SetTaskDependencies rewrites a task's dependency list. Every referenced
// task must exist, and the new edges must not close a cycle through the
// persisted graph.
func (e *Engine) SetTaskDependencies(ctx context.Context, taskID int64, deps []int64) (*models.Task, error) {
	if err := ValidateDependencies(deps); err != nil {
		return nil, err
	}
	for _, dep := range deps {
		if dep == taskID {
			return nil, &InvalidDependencyError{Reason: "task cannot depend on itself", ID: dep}
		}
	}

	var updated *models.Task
	err := e.withRetry(ctx, "set task dependencies", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}

			for _, dep := range deps {
				_, found, err := e.store.TaskDependencies(ctx, q, dep)
				if err != nil {
					return err
				}
				if !found {
					return &InvalidDependencyError{Reason: "unknown task", ID: dep}
				}
			}

			cyclic, err := e.hasCycle(ctx, q, &taskID, deps)
			if err != nil {
				return err
			}
			if cyclic {
				return &CycleError{Cycle: append([]int64{taskID}, deps...)}
			}

			now := e.now()
			if err := e.store.UpdateTaskDependencies(ctx, q, taskID, deps, now); err != nil {
				return err
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:  taskID,
				Action:  "dependencies_updated",
				Message: fmt.Sprintf("now depends on %v", deps),
				Actor:   models.ActorSystem,
			}, now); err != nil {
				return err
			}

			updated, err = e.store.GetTask(ctx, q, taskID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteTask soft-deletes a task. An active task's agent is reconciled so it
// does not stay busy on a task that no longer exists.
func (e *Engine) DeleteTask(ctx context.Context, taskID int64) error {
	return e.withRetry(ctx, "delete task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			task, err := e.store.GetTask(ctx, q, taskID)
			if err != nil {
				return err
			}
			if task == nil {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}

			now := e.now()
			if _, err := e.store.SoftDelete(ctx, q, "tasks", taskID, now); err != nil {
				return err
			}
			if task.AssigneeAgent != nil {
				if err := e.reconcileAgent(ctx, q, *task.AssigneeAgent, now); err != nil {
					return err
				}
			}
			return e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID:    taskID,
				Action:    "deleted",
				OldStatus: string(task.Status),
				Actor:     models.ActorSystem,
			}, now)
		})
	})
}

// RestoreTask undoes a soft delete.
func (e *Engine) RestoreTask(ctx context.Context, taskID int64) (*models.Task, error) {
	var restored *models.Task
	err := e.withRetry(ctx, "restore task", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			now := e.now()
			ok, err := e.store.Restore(ctx, q, "tasks", taskID, now)
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("task %d: %w", taskID, ErrNotFound)
			}
			if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
				TaskID: taskID,
				Action: "restored",
				Actor:  models.ActorSystem,
			}, now); err != nil {
				return err
			}
			restored, err = e.store.GetTask(ctx, q, taskID)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}

// actorOr attributes an action to the named actor, falling back to the
// system actor when none was given.
func actorOr(actor string) string {
	if actor == "" {
		return models.ActorSystem
	}
	return actor
}
