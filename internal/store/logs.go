package store

import (
	"context"
	"fmt"
	"time"

	"github.com/harrison/foreman/internal/models"
)

// AppendTaskLog writes one audit record. Callers run this inside the same
// transaction as the transition it records.
func (s *Store) AppendTaskLog(ctx context.Context, q Querier, entry models.TaskLog, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_logs (task_id, action, old_status, new_status, message, actor, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		entry.TaskID, entry.Action, entry.OldStatus, entry.NewStatus, entry.Message, entry.Actor, now)
	if err != nil {
		return fmt.Errorf("append task log: %w", err)
	}
	return nil
}

// TaskLogs returns a task's audit trail, newest first.
func (s *Store) TaskLogs(ctx context.Context, q Querier, taskID int64) ([]*models.TaskLog, error) {
	return s.queryLogs(ctx, q, `
		SELECT id, task_id, action, old_status, new_status, message, actor, created_at
		FROM task_logs WHERE task_id = ? ORDER BY created_at DESC, id DESC`, taskID)
}

// RecentTaskLogs returns the newest entries across all tasks.
func (s *Store) RecentTaskLogs(ctx context.Context, q Querier, limit int) ([]*models.TaskLog, error) {
	return s.queryLogs(ctx, q, `
		SELECT id, task_id, action, old_status, new_status, message, actor, created_at
		FROM task_logs ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
}

func (s *Store) queryLogs(ctx context.Context, q Querier, query string, args ...interface{}) ([]*models.TaskLog, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task logs: %w", err)
	}
	defer rows.Close()

	var logs []*models.TaskLog
	for rows.Next() {
		var l models.TaskLog
		if err := rows.Scan(&l.ID, &l.TaskID, &l.Action, &l.OldStatus, &l.NewStatus, &l.Message, &l.Actor, &l.CreatedAt); err != nil {
			return nil, err
		}
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}
