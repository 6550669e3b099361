package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// CreateProject creates a project.
func (e *Engine) CreateProject(ctx context.Context, name, description string) (*models.Project, error) {
	if name == "" {
		return nil, errors.New("project name is required")
	}

	var project *models.Project
	err := e.withRetry(ctx, "create project", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			var err error
			project, err = e.store.InsertProject(ctx, q, name, description, e.now())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("project %d created: %s", project.ID, project.Name)
	return project, nil
}

// GetProject fetches a project by id.
func (e *Engine) GetProject(ctx context.Context, id int64) (*models.Project, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	p, err := e.store.GetProject(ctx, q, id)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("project %d: %w", id, ErrNotFound)
	}
	return p, nil
}

// ListProjects returns live projects, optionally filtered by status.
func (e *Engine) ListProjects(ctx context.Context, status *string) ([]*models.Project, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListProjects(ctx, q, status)
}

// Breakdown creates a batch of tasks under a project in one transaction.
// Dependencies in the specs are zero-based positional indices into the
// batch; the whole batch is validated (including acyclicity) before any row
// is written, then the indices are remapped onto the persisted ids. Either
// every task lands or none does.
func (e *Engine) Breakdown(ctx context.Context, projectID int64, specs []models.TaskSpec) ([]*models.Task, error) {
	if len(specs) == 0 {
		return nil, errors.New("breakdown requires at least one task")
	}
	for i := range specs {
		if err := specs[i].Validate(); err != nil {
			return nil, fmt.Errorf("task %d: %w", i, err)
		}
		specs[i].Normalize()
	}
	if err := ValidateBatch(specs); err != nil {
		return nil, err
	}

	var created []*models.Task
	err := e.withRetry(ctx, "project breakdown", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			project, err := e.store.GetProject(ctx, q, projectID)
			if err != nil {
				return err
			}
			if project == nil {
				return fmt.Errorf("project %d: %w", projectID, ErrNotFound)
			}

			now := e.now()
			created = created[:0]

			// First pass: insert with positional dependencies as placeholders.
			for i := range specs {
				t, err := e.store.InsertTask(ctx, q, projectID, specs[i], now)
				if err != nil {
					return err
				}
				created = append(created, t)
			}

			// Second pass: remap positional indices onto the real ids.
			for i, spec := range specs {
				if len(spec.Dependencies) == 0 {
					continue
				}
				deps := make([]int64, len(spec.Dependencies))
				for j, idx := range spec.Dependencies {
					deps[j] = created[idx].ID
				}
				if err := e.store.UpdateTaskDependencies(ctx, q, created[i].ID, deps, now); err != nil {
					return err
				}
				created[i].Dependencies = deps
			}

			for i := range created {
				if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
					TaskID:    created[i].ID,
					Action:    "created",
					NewStatus: string(models.TaskPending),
					Message:   fmt.Sprintf("breakdown of project %d", projectID),
					Actor:     actorOr(specs[i].CreatedBy),
				}, now); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("project %d broken down into %d tasks", projectID, len(created))
	return created, nil
}

// Progress summarizes a project's task counts per status. Progress percent
// is completed over total; an empty project is 0%.
func (e *Engine) Progress(ctx context.Context, projectID int64) (*models.ProjectProgress, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	project, err := e.store.GetProject(ctx, q, projectID)
	if err != nil {
		return nil, err
	}
	if project == nil {
		return nil, fmt.Errorf("project %d: %w", projectID, ErrNotFound)
	}

	counts, err := e.store.ProjectStatusCounts(ctx, q, projectID)
	if err != nil {
		return nil, err
	}

	total := 0
	for _, n := range counts {
		total += n
	}
	progress := &models.ProjectProgress{
		ProjectID:    projectID,
		ProjectName:  project.Name,
		TotalTasks:   total,
		StatusCounts: counts,
	}
	if total > 0 {
		progress.ProgressPercent = 100 * float64(counts[models.TaskCompleted]) / float64(total)
	}
	return progress, nil
}

// DeleteProject soft-deletes a project. Its tasks stay live; a restored
// project picks them back up.
func (e *Engine) DeleteProject(ctx context.Context, id int64) error {
	return e.withRetry(ctx, "delete project", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			ok, err := e.store.SoftDelete(ctx, q, "projects", id, e.now())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("project %d: %w", id, ErrNotFound)
			}
			return nil
		})
	})
}

// RestoreProject undoes a soft delete.
func (e *Engine) RestoreProject(ctx context.Context, id int64) (*models.Project, error) {
	var restored *models.Project
	err := e.withRetry(ctx, "restore project", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			ok, err := e.store.Restore(ctx, q, "projects", id, e.now())
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("project %d: %w", id, ErrNotFound)
			}
			restored, err = e.store.GetProject(ctx, q, id)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return restored, nil
}
