package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

func TestBreakdownRemapsPositionalDependencies(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "plan")

	specs := []models.TaskSpec{
		{Title: "design", TaskType: "design"},
		{Title: "build", TaskType: "build", Dependencies: []int64{0}},
		{Title: "test", TaskType: "qa", Dependencies: []int64{1}},
		{Title: "ship", TaskType: "release", Dependencies: []int64{1, 2}},
	}

	tasks, err := e.Breakdown(ctx, p.ID, specs)
	require.NoError(t, err)
	require.Len(t, tasks, 4)

	assert.Empty(t, tasks[0].Dependencies)
	assert.Equal(t, []int64{tasks[0].ID}, tasks[1].Dependencies)
	assert.Equal(t, []int64{tasks[1].ID}, tasks[2].Dependencies)
	assert.ElementsMatch(t, []int64{tasks[1].ID, tasks[2].ID}, tasks[3].Dependencies)

	// The remap is persisted, not just reported.
	stored, err := e.GetTask(ctx, tasks[3].ID)
	require.NoError(t, err)
	assert.ElementsMatch(t, []int64{tasks[1].ID, tasks[2].ID}, stored.Dependencies)
}

func TestBreakdownRejectsBadBatches(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "bad-plans")

	// A cyclic batch writes nothing.
	cyclic := []models.TaskSpec{
		{Title: "a", TaskType: "general", Dependencies: []int64{1}},
		{Title: "b", TaskType: "general", Dependencies: []int64{0}},
	}
	_, err := e.Breakdown(ctx, p.ID, cyclic)
	var cycleErr *CycleError
	require.ErrorAs(t, err, &cycleErr)

	tasks, err := e.ListTasks(ctx, store.TaskFilter{ProjectID: &p.ID})
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected batch must not be partially created")

	// Unknown project.
	_, err = e.Breakdown(ctx, 9999, []models.TaskSpec{{Title: "x", TaskType: "general"}})
	require.ErrorIs(t, err, ErrNotFound)

	// Empty batch.
	_, err = e.Breakdown(ctx, p.ID, nil)
	require.Error(t, err)
}

func TestProjectProgress(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "progress")
	mustAgent(t, e, "alice")

	// Empty project: zero percent, no divide-by-zero.
	progress, err := e.Progress(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, progress.TotalTasks)
	assert.Zero(t, progress.ProgressPercent)

	first := mustTask(t, e, p.ID, models.TaskSpec{Title: "one"})
	mustTask(t, e, p.ID, models.TaskSpec{Title: "two"})
	mustTask(t, e, p.ID, models.TaskSpec{Title: "three"})
	mustTask(t, e, p.ID, models.TaskSpec{Title: "four"})

	claimStartSubmit(t, e, first.ID, "alice")
	_, err = e.Review(ctx, first.ID, true, "", "", "")
	require.NoError(t, err)

	progress, err = e.Progress(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.Name, progress.ProjectName)
	assert.Equal(t, 4, progress.TotalTasks)
	assert.Equal(t, 1, progress.StatusCounts[models.TaskCompleted])
	assert.Equal(t, 3, progress.StatusCounts[models.TaskPending])
	assert.InDelta(t, 25.0, progress.ProgressPercent, 1e-9)

	_, err = e.Progress(ctx, 9999)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestDeleteAndRestoreProject(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "transient")

	require.NoError(t, e.DeleteProject(ctx, p.ID))
	_, err := e.GetProject(ctx, p.ID)
	require.ErrorIs(t, err, ErrNotFound)

	restored, err := e.RestoreProject(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.ID, restored.ID)

	require.ErrorIs(t, e.DeleteProject(ctx, 9999), ErrNotFound)
}
