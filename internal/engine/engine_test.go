package engine

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// fakeClock is an adjustable clock for sweep and TTL tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// newTestEngine builds an engine over a fresh database in a temp directory.
func newTestEngine(t *testing.T, mutate func(*config.Config), opts ...Option) *Engine {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.DBPath = filepath.Join(t.TempDir(), "foreman.db")
	if mutate != nil {
		mutate(cfg)
	}

	pool := store.NewPool(cfg.DBPath)
	t.Cleanup(func() {
		if err := pool.Close(); err != nil {
			t.Errorf("closing pool: %v", err)
		}
	})

	return New(store.New(pool), cfg, logger.Nop{}, opts...)
}

func mustProject(t *testing.T, e *Engine, name string) *models.Project {
	t.Helper()
	p, err := e.CreateProject(context.Background(), name, "")
	require.NoError(t, err)
	return p
}

func mustAgent(t *testing.T, e *Engine, name string, skills ...string) *models.Agent {
	t.Helper()
	a, err := e.RegisterAgent(context.Background(), models.AgentSpec{
		Name:   name,
		Role:   "worker",
		Skills: skills,
	})
	require.NoError(t, err)
	return a
}

func mustTask(t *testing.T, e *Engine, projectID int64, spec models.TaskSpec) *models.Task {
	t.Helper()
	if spec.Title == "" {
		spec.Title = "task"
	}
	if spec.TaskType == "" {
		spec.TaskType = "general"
	}
	task, err := e.CreateTask(context.Background(), projectID, spec)
	require.NoError(t, err)
	return task
}

// claimStartSubmit drives a task through claim, start, and submit.
func claimStartSubmit(t *testing.T, e *Engine, taskID int64, agent string) *models.Task {
	t.Helper()
	ctx := context.Background()
	_, err := e.Claim(ctx, taskID, agent, "")
	require.NoError(t, err)
	_, err = e.Start(ctx, taskID, agent, "")
	require.NoError(t, err)
	task, err := e.Submit(ctx, taskID, agent, []byte(`{"done":true}`), "")
	require.NoError(t, err)
	return task
}
