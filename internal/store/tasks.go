package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/harrison/foreman/internal/models"
)

const taskColumns = `id, project_id, title, description, task_type, priority, status,
	assignee_agent, dependencies, task_tags, timeout_minutes, retry_count, max_retries,
	result, feedback, created_by, assigned_at, started_at, completed_at,
	created_at, updated_at, deleted_at`

// scanTask maps one row onto a Task. The column order must match
// taskColumns.
func scanTask(sc scanner) (*models.Task, error) {
	var (
		t        models.Task
		assignee sql.NullString
		deps     string
		tags     string
		timeout  sql.NullInt64
		result   sql.NullString
		assigned sql.NullTime
		started  sql.NullTime
		complete sql.NullTime
		deleted  sql.NullTime
	)

	err := sc.Scan(
		&t.ID, &t.ProjectID, &t.Title, &t.Description, &t.TaskType, &t.Priority, &t.Status,
		&assignee, &deps, &tags, &timeout, &t.RetryCount, &t.MaxRetries,
		&result, &t.Feedback, &t.CreatedBy, &assigned, &started, &complete,
		&t.CreatedAt, &t.UpdatedAt, &deleted,
	)
	if err != nil {
		return nil, err
	}

	if assignee.Valid {
		t.AssigneeAgent = &assignee.String
	}
	if t.Dependencies, err = int64sFromJSON(deps); err != nil {
		return nil, err
	}
	if t.Tags, err = stringsFromJSON(tags); err != nil {
		return nil, err
	}
	if timeout.Valid {
		m := int(timeout.Int64)
		t.TimeoutMinutes = &m
	}
	if result.Valid && result.String != "" {
		t.Result = json.RawMessage(result.String)
	}
	if assigned.Valid {
		t.AssignedAt = &assigned.Time
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if complete.Valid {
		t.CompletedAt = &complete.Time
	}
	if deleted.Valid {
		t.DeletedAt = &deleted.Time
	}
	return &t, nil
}

// InsertTask creates a task in pending state and returns the stored record.
func (s *Store) InsertTask(ctx context.Context, q Querier, projectID int64, spec models.TaskSpec, now time.Time) (*models.Task, error) {
	var timeout interface{}
	if spec.TimeoutMinutes != nil {
		timeout = *spec.TimeoutMinutes
	}

	res, err := q.ExecContext(ctx, `
		INSERT INTO tasks (project_id, title, description, task_type, priority, status,
			dependencies, task_tags, timeout_minutes, max_retries, created_by, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		projectID, spec.Title, spec.Description, spec.TaskType, spec.Priority, models.TaskPending,
		jsonArray(spec.Dependencies), jsonArray(spec.Tags), timeout, spec.MaxRetries, spec.CreatedBy, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("insert task: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert task id: %w", err)
	}
	return s.GetTask(ctx, q, id)
}

// GetTask fetches a task by id, excluding soft-deleted rows. Returns
// (nil, nil) when the task does not exist.
func (s *Store) GetTask(ctx context.Context, q Querier, id int64) (*models.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks WHERE id = ? AND deleted_at IS NULL`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, nil
}

// TaskDependencies returns the dependency ids of a task, or found=false if
// the task does not exist (or is soft-deleted).
func (s *Store) TaskDependencies(ctx context.Context, q Querier, id int64) ([]int64, bool, error) {
	var deps string
	err := q.QueryRowContext(ctx,
		`SELECT dependencies FROM tasks WHERE id = ? AND deleted_at IS NULL`, id).Scan(&deps)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("task %d dependencies: %w", id, err)
	}
	ids, err := int64sFromJSON(deps)
	if err != nil {
		return nil, false, err
	}
	return ids, true, nil
}

// UpdateTaskDependencies rewrites a task's dependency list. Used by project
// breakdown to remap positional indices onto persisted ids.
func (s *Store) UpdateTaskDependencies(ctx context.Context, q Querier, id int64, deps []int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET dependencies = ?, updated_at = ? WHERE id = ?`,
		jsonArray(deps), now, id)
	if err != nil {
		return fmt.Errorf("update task %d dependencies: %w", id, err)
	}
	return nil
}

// UnsatisfiedDependencies returns, in one query, every id in deps that does
// not correspond to a completed task. A missing dependency row counts as
// unsatisfied; a soft-deleted but completed one counts as satisfied, the
// same rule AvailableTasks applies.
func (s *Store) UnsatisfiedDependencies(ctx context.Context, q Querier, deps []int64) ([]int64, error) {
	if len(deps) == 0 {
		return nil, nil
	}

	rows, err := q.QueryContext(ctx, `
		SELECT je.value FROM json_each(?) je
		WHERE je.value NOT IN (
			SELECT id FROM tasks WHERE status = ?
		)`, jsonArray(deps), models.TaskCompleted)
	if err != nil {
		return nil, fmt.Errorf("check dependencies: %w", err)
	}
	defer rows.Close()

	var unsatisfied []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		unsatisfied = append(unsatisfied, id)
	}
	return unsatisfied, rows.Err()
}

// CountActiveTasks counts an agent's tasks in assigned, running, or
// reviewing state.
func (s *Store) CountActiveTasks(ctx context.Context, q Querier, agent string) (int, error) {
	var n int
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM tasks
		WHERE assignee_agent = ? AND status IN (?, ?, ?) AND deleted_at IS NULL`,
		agent, models.TaskAssigned, models.TaskRunning, models.TaskReviewing).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active tasks for %s: %w", agent, err)
	}
	return n, nil
}

// RunningTask returns the agent's currently running task, or nil.
func (s *Store) RunningTask(ctx context.Context, q Querier, agent string) (*models.Task, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+taskColumns+` FROM tasks
		 WHERE assignee_agent = ? AND status = ? AND deleted_at IS NULL LIMIT 1`,
		agent, models.TaskRunning)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("running task for %s: %w", agent, err)
	}
	return t, nil
}

// ClaimPending performs the conditional claim update. The WHERE clause is
// the serialization point: it only matches a task that is still pending and
// unassigned, so exactly one concurrent claimant can succeed.
func (s *Store) ClaimPending(ctx context.Context, q Querier, id int64, agent string, now time.Time) (bool, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET assignee_agent = ?, status = ?, assigned_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND assignee_agent IS NULL AND deleted_at IS NULL`,
		agent, models.TaskAssigned, now, now, id, models.TaskPending)
	if err != nil {
		return false, fmt.Errorf("claim task %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// SetTaskStarted moves an assigned task into running.
func (s *Store) SetTaskStarted(ctx context.Context, q Querier, id int64, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, started_at = ?, updated_at = ? WHERE id = ?`,
		models.TaskRunning, now, now, id)
	if err != nil {
		return fmt.Errorf("start task %d: %w", id, err)
	}
	return nil
}

// SetTaskSubmitted moves a running task into reviewing with its result.
func (s *Store) SetTaskSubmitted(ctx context.Context, q Querier, id int64, result json.RawMessage, now time.Time) error {
	_, err := q.ExecContext(ctx,
		`UPDATE tasks SET status = ?, result = ?, updated_at = ? WHERE id = ?`,
		models.TaskReviewing, string(result), now, id)
	if err != nil {
		return fmt.Errorf("submit task %d: %w", id, err)
	}
	return nil
}

// SetTaskReviewed finishes a review. The assignee is cleared: only
// assigned, running, and reviewing tasks hold their agent.
func (s *Store) SetTaskReviewed(ctx context.Context, q Querier, id int64, status models.TaskStatus, feedback string, now time.Time) error {
	var completedAt interface{}
	if status == models.TaskCompleted {
		completedAt = now
	}
	_, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, feedback = ?, assignee_agent = NULL, completed_at = ?, updated_at = ?
		WHERE id = ?`,
		status, feedback, completedAt, now, id)
	if err != nil {
		return fmt.Errorf("review task %d: %w", id, err)
	}
	return nil
}

// ReleaseTask returns a task to the pending pool, clearing its lease.
func (s *Store) ReleaseTask(ctx context.Context, q Querier, id int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, assignee_agent = NULL, assigned_at = NULL, started_at = NULL, updated_at = ?
		WHERE id = ?`,
		models.TaskPending, now, id)
	if err != nil {
		return fmt.Errorf("release task %d: %w", id, err)
	}
	return nil
}

// RequeueForRetry returns a rejected or failed task to pending, bumping its
// retry counter.
func (s *Store) RequeueForRetry(ctx context.Context, q Querier, id int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?, assignee_agent = NULL, retry_count = retry_count + 1,
			assigned_at = NULL, started_at = NULL, updated_at = ?
		WHERE id = ?`,
		models.TaskPending, now, id)
	if err != nil {
		return fmt.Errorf("retry task %d: %w", id, err)
	}
	return nil
}

// TaskPatch is a partial update applied through the PATCH endpoint.
type TaskPatch struct {
	Status   *models.TaskStatus
	Result   json.RawMessage
	Assignee *string
	Priority *int
	Feedback *string
}

// Empty reports whether the patch changes nothing.
func (p TaskPatch) Empty() bool {
	return p.Status == nil && p.Result == nil && p.Assignee == nil && p.Priority == nil && p.Feedback == nil
}

// ApplyTaskPatch updates only the fields present in the patch.
func (s *Store) ApplyTaskPatch(ctx context.Context, q Querier, id int64, patch TaskPatch, now time.Time) error {
	sets := []string{}
	args := []interface{}{}

	if patch.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, *patch.Status)
		if *patch.Status == models.TaskCompleted {
			sets = append(sets, "completed_at = ?")
			args = append(args, now)
		}
		if !patch.Status.Active() {
			sets = append(sets, "assignee_agent = NULL")
		}
	}
	if patch.Result != nil {
		sets = append(sets, "result = ?")
		args = append(args, string(patch.Result))
	}
	if patch.Assignee != nil {
		sets = append(sets, "assignee_agent = ?")
		args = append(args, *patch.Assignee)
	}
	if patch.Priority != nil {
		sets = append(sets, "priority = ?")
		args = append(args, *patch.Priority)
	}
	if patch.Feedback != nil {
		sets = append(sets, "feedback = ?")
		args = append(args, *patch.Feedback)
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, now, id)

	query := "UPDATE tasks SET " + strings.Join(sets, ", ") + " WHERE id = ? AND deleted_at IS NULL"
	if _, err := q.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("patch task %d: %w", id, err)
	}
	return nil
}

// TaskFilter narrows ListTasks.
type TaskFilter struct {
	ProjectID *int64
	Status    *models.TaskStatus
	Assignee  *string
	TaskType  *string
	Tags      []string
}

// ListTasks returns tasks matching the filter, highest priority first.
func (s *Store) ListTasks(ctx context.Context, q Querier, f TaskFilter) ([]*models.Task, error) {
	conds := []string{"deleted_at IS NULL"}
	args := []interface{}{}

	if f.ProjectID != nil {
		conds = append(conds, "project_id = ?")
		args = append(args, *f.ProjectID)
	}
	if f.Status != nil {
		conds = append(conds, "status = ?")
		args = append(args, *f.Status)
	}
	if f.Assignee != nil {
		conds = append(conds, "assignee_agent = ?")
		args = append(args, *f.Assignee)
	}
	if f.TaskType != nil {
		conds = append(conds, "task_type = ?")
		args = append(args, *f.TaskType)
	}
	if len(f.Tags) > 0 {
		conds = append(conds, `EXISTS (
			SELECT 1 FROM json_each(tasks.task_tags) tag
			WHERE tag.value IN (SELECT value FROM json_each(?)))`)
		args = append(args, jsonArray(f.Tags))
	}

	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(conds, " AND ") +
		` ORDER BY priority DESC, created_at DESC`
	return s.queryTasks(ctx, q, query, args...)
}

// AvailableTasks returns claimable tasks: pending, unassigned, with every
// dependency completed, optionally narrowed to tasks whose tags overlap the
// given skills. The dependency check runs inside the query, not per task,
// and uses the same satisfaction rule as UnsatisfiedDependencies so a task
// listed here cannot then fail its claim on dependencies.
func (s *Store) AvailableTasks(ctx context.Context, q Querier, skills []string) ([]*models.Task, error) {
	query := `
		SELECT ` + taskColumns + ` FROM tasks t
		WHERE t.status = ?
		AND t.assignee_agent IS NULL
		AND t.deleted_at IS NULL
		AND NOT EXISTS (
			SELECT 1 FROM json_each(t.dependencies) je
			LEFT JOIN tasks dep ON dep.id = je.value
			WHERE dep.id IS NULL OR dep.status != ?
		)`
	args := []interface{}{models.TaskPending, models.TaskCompleted}

	if len(skills) > 0 {
		query += `
		AND EXISTS (
			SELECT 1 FROM json_each(t.task_tags) tag
			WHERE tag.value IN (SELECT value FROM json_each(?))
		)`
		args = append(args, jsonArray(skills))
	}

	query += ` ORDER BY t.priority DESC, t.created_at ASC`
	return s.queryTasks(ctx, q, query, args...)
}

// RunningTaskTimeout pairs a running task with its effective timeout,
// resolved at query time: task override, else type default, else the global
// default.
type RunningTaskTimeout struct {
	Task           *models.Task
	TimeoutMinutes int
}

// RunningTasksWithTimeout returns every running task together with its
// effective timeout. Elapsed-time filtering happens in the caller so the
// clock stays injectable.
func (s *Store) RunningTasksWithTimeout(ctx context.Context, q Querier, globalDefaultMinutes int) ([]RunningTaskTimeout, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+prefixedTaskColumns("t")+`,
			COALESCE(t.timeout_minutes, ttd.timeout_minutes, ?) AS effective_timeout
		FROM tasks t
		LEFT JOIN task_type_defaults ttd ON ttd.task_type = t.task_type
		WHERE t.status = ? AND t.deleted_at IS NULL`,
		globalDefaultMinutes, models.TaskRunning)
	if err != nil {
		return nil, fmt.Errorf("query running tasks: %w", err)
	}
	defer rows.Close()

	var out []RunningTaskTimeout
	for rows.Next() {
		var rt runningTaskScanner
		t, err := rt.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, RunningTaskTimeout{Task: t, TimeoutMinutes: rt.timeout})
	}
	return out, rows.Err()
}

// runningTaskScanner scans taskColumns plus the trailing effective_timeout.
type runningTaskScanner struct {
	timeout int
}

func (r *runningTaskScanner) scan(rows *sql.Rows) (*models.Task, error) {
	return scanTask(appendScanner{rows: rows, extra: []interface{}{&r.timeout}})
}

// appendScanner forwards Scan with extra destinations appended, letting
// scanTask handle the shared column prefix.
type appendScanner struct {
	rows  *sql.Rows
	extra []interface{}
}

func (a appendScanner) Scan(dest ...interface{}) error {
	return a.rows.Scan(append(dest, a.extra...)...)
}

// prefixedTaskColumns qualifies taskColumns with a table alias.
func prefixedTaskColumns(alias string) string {
	cols := strings.Split(taskColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// ProjectTaskIDs returns the ids of a project's live tasks. When projectID
// is nil, every live task id is returned.
func (s *Store) ProjectTaskIDs(ctx context.Context, q Querier, projectID *int64) ([]int64, error) {
	query := `SELECT id FROM tasks WHERE deleted_at IS NULL`
	args := []interface{}{}
	if projectID != nil {
		query += ` AND project_id = ?`
		args = append(args, *projectID)
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query task ids: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *Store) queryTasks(ctx context.Context, q Querier, query string, args ...interface{}) ([]*models.Task, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// TaskTypeDefault returns the configured default timeout for a task type.
func (s *Store) TaskTypeDefault(ctx context.Context, q Querier, taskType string) (int, bool, error) {
	var minutes int
	err := q.QueryRowContext(ctx,
		`SELECT timeout_minutes FROM task_type_defaults WHERE task_type = ?`, taskType).Scan(&minutes)
	if err == sql.ErrNoRows {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("task type default %s: %w", taskType, err)
	}
	return minutes, true, nil
}

// SetTaskTypeDefault upserts the default timeout for a task type.
func (s *Store) SetTaskTypeDefault(ctx context.Context, q Querier, taskType string, minutes int) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO task_type_defaults (task_type, timeout_minutes) VALUES (?, ?)
		ON CONFLICT (task_type) DO UPDATE SET timeout_minutes = excluded.timeout_minutes`,
		taskType, minutes)
	if err != nil {
		return fmt.Errorf("set task type default %s: %w", taskType, err)
	}
	return nil
}
