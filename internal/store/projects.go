package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harrison/foreman/internal/models"
)

const projectColumns = `id, name, description, status, created_at, updated_at, deleted_at`

func scanProject(sc scanner) (*models.Project, error) {
	var (
		p       models.Project
		deleted sql.NullTime
	)
	err := sc.Scan(&p.ID, &p.Name, &p.Description, &p.Status, &p.CreatedAt, &p.UpdatedAt, &deleted)
	if err != nil {
		return nil, err
	}
	if deleted.Valid {
		p.DeletedAt = &deleted.Time
	}
	return &p, nil
}

// InsertProject creates a project and returns the stored record.
func (s *Store) InsertProject(ctx context.Context, q Querier, name, description string, now time.Time) (*models.Project, error) {
	res, err := q.ExecContext(ctx, `
		INSERT INTO projects (name, description, status, created_at, updated_at)
		VALUES (?, ?, 'active', ?, ?)`,
		name, description, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert project: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("insert project id: %w", err)
	}
	return s.GetProject(ctx, q, id)
}

// GetProject fetches a project by id, excluding soft-deleted rows. Returns
// (nil, nil) when absent.
func (s *Store) GetProject(ctx context.Context, q Querier, id int64) (*models.Project, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM projects WHERE id = ? AND deleted_at IS NULL`, id)
	p, err := scanProject(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return p, nil
}

// ListProjects returns live projects, newest first, optionally filtered by
// status.
func (s *Store) ListProjects(ctx context.Context, q Querier, status *string) ([]*models.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM projects WHERE deleted_at IS NULL`
	args := []interface{}{}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, *status)
	}
	query += ` ORDER BY created_at DESC`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// ProjectStatusCounts returns the project's live task count per status.
func (s *Store) ProjectStatusCounts(ctx context.Context, q Querier, projectID int64) (map[models.TaskStatus]int, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT status, COUNT(*) FROM tasks
		WHERE project_id = ? AND deleted_at IS NULL GROUP BY status`, projectID)
	if err != nil {
		return nil, fmt.Errorf("project %d status counts: %w", projectID, err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var (
			st models.TaskStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// TaskStatusCounts returns live task counts per status across all projects.
func (s *Store) TaskStatusCounts(ctx context.Context, q Querier) (map[models.TaskStatus]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM tasks WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("task status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.TaskStatus]int)
	for rows.Next() {
		var (
			st models.TaskStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}

// CountProjects returns the number of live projects.
func (s *Store) CountProjects(ctx context.Context, q Querier) (int, error) {
	var n int
	err := q.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM projects WHERE deleted_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count projects: %w", err)
	}
	return n, nil
}
