package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// AutoReleaseStuck returns every running task that has exceeded its
// effective timeout to the pending pool. The effective timeout is the task's
// own override, else its type default, else the configured global default.
// Returns how many tasks were released.
func (e *Engine) AutoReleaseStuck(ctx context.Context) (int, error) {
	released := 0
	err := e.withRetry(ctx, "stuck task sweep", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			running, err := e.store.RunningTasksWithTimeout(ctx, q, e.cfg.DefaultTaskTimeoutMinutes)
			if err != nil {
				return err
			}

			now := e.now()
			released = 0
			for _, rt := range running {
				if rt.Task.StartedAt == nil {
					continue
				}
				limit := time.Duration(rt.TimeoutMinutes) * time.Minute
				if now.Sub(*rt.Task.StartedAt) < limit {
					continue
				}

				former := rt.Task.AssigneeAgent
				if err := e.store.ReleaseTask(ctx, q, rt.Task.ID, now); err != nil {
					return err
				}
				if former != nil {
					if err := e.reconcileAgent(ctx, q, *former, now); err != nil {
						return err
					}
				}
				if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
					TaskID:    rt.Task.ID,
					Action:    "auto_released",
					OldStatus: string(models.TaskRunning),
					NewStatus: string(models.TaskPending),
					Message:   fmt.Sprintf("exceeded %d minute timeout", rt.TimeoutMinutes),
					Actor:     models.ActorSystem,
				}, now); err != nil {
					return err
				}
				released++
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if released > 0 {
		e.log.Warnf("stuck task sweep released %d task(s)", released)
	}
	return released, nil
}

// MarkStaleAgentsOffline flips agents whose last heartbeat is older than the
// configured threshold to offline. Their leased tasks are left alone; the
// stuck-task sweep reclaims those on its own schedule.
func (e *Engine) MarkStaleAgentsOffline(ctx context.Context) (int64, error) {
	var marked int64
	err := e.withRetry(ctx, "heartbeat sweep", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			now := e.now()
			cutoff := now.Add(-e.cfg.AgentOfflineThreshold)
			var err error
			marked, err = e.store.MarkAgentsOffline(ctx, q, cutoff, now)
			return err
		})
	})
	if err != nil {
		return 0, err
	}
	if marked > 0 {
		e.log.Warnf("heartbeat sweep marked %d agent(s) offline", marked)
	}
	return marked, nil
}

// PurgeExpired removes idempotency records past their TTL and permanently
// deletes rows soft-deleted longer ago than the retention window. Returns
// the total number of rows removed.
func (e *Engine) PurgeExpired(ctx context.Context) (int64, error) {
	var purged int64
	err := e.withRetry(ctx, "maintenance sweep", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			now := e.now()
			purged = 0

			n, err := e.store.PurgeIdempotent(ctx, q, now.Add(-e.cfg.IdempotencyTTL))
			if err != nil {
				return err
			}
			purged += n

			cutoff := now.Add(-e.cfg.SoftDeleteRetention)
			for _, table := range []string{"tasks", "agents", "projects"} {
				n, err := e.store.PurgeSoftDeleted(ctx, q, table, cutoff)
				if err != nil {
					return err
				}
				purged += n
			}
			return nil
		})
	})
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		e.log.Debugf("maintenance sweep purged %d row(s)", purged)
	}
	return purged, nil
}

// DashboardStats is a point-in-time summary of the whole system.
type DashboardStats struct {
	Projects       int                        `json:"projects"`
	TasksByStatus  map[models.TaskStatus]int  `json:"tasks_by_status"`
	AgentsByStatus map[models.AgentStatus]int `json:"agents_by_status"`
	RecentActivity []*models.TaskLog          `json:"recent_activity"`
}

// Dashboard gathers the summary counts shown on the overview page.
func (e *Engine) Dashboard(ctx context.Context) (*DashboardStats, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}

	stats := &DashboardStats{}
	if stats.Projects, err = e.store.CountProjects(ctx, q); err != nil {
		return nil, err
	}
	if stats.TasksByStatus, err = e.store.TaskStatusCounts(ctx, q); err != nil {
		return nil, err
	}
	if stats.AgentsByStatus, err = e.store.AgentStatusCounts(ctx, q); err != nil {
		return nil, err
	}
	if stats.RecentActivity, err = e.store.RecentTaskLogs(ctx, q, 20); err != nil {
		return nil, err
	}
	return stats, nil
}
