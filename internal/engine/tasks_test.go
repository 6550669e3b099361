package engine

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

func TestTaskLifecycleApproved(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "lifecycle")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "build the thing"})

	claimed, err := e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, claimed.Status)
	require.NotNil(t, claimed.AssigneeAgent)
	assert.Equal(t, "alice", *claimed.AssigneeAgent)
	assert.NotNil(t, claimed.AssignedAt)

	agent, err := e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AgentBusy, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, task.ID, *agent.CurrentTaskID)

	started, err := e.Start(ctx, task.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskRunning, started.Status)
	assert.NotNil(t, started.StartedAt)

	submitted, err := e.Submit(ctx, task.ID, "alice", []byte(`{"pr":42}`), "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskReviewing, submitted.Status)
	assert.JSONEq(t, `{"pr":42}`, string(submitted.Result))
	// Still leased until review.
	require.NotNil(t, submitted.AssigneeAgent)

	reviewed, err := e.Review(ctx, task.ID, true, "looks good", "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, reviewed.Status)
	assert.Nil(t, reviewed.AssigneeAgent)
	assert.NotNil(t, reviewed.CompletedAt)
	assert.Equal(t, "looks good", reviewed.Feedback)

	agent, err = e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)
	assert.Equal(t, 1, agent.CompletedTasks)
	assert.Equal(t, 1, agent.TotalTasks)
	assert.InDelta(t, 1.0, agent.SuccessRate, 1e-9)

	logs, err := e.TaskLogs(ctx, task.ID)
	require.NoError(t, err)
	actions := make([]string, len(logs))
	for i, l := range logs {
		actions[i] = l.Action
	}
	assert.ElementsMatch(t, []string{"created", "claimed", "started", "submitted", "reviewed"}, actions)
}

func TestClaimConflictAndDependencies(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "claims")
	mustAgent(t, e, "alice")
	mustAgent(t, e, "bob")

	base := mustTask(t, e, p.ID, models.TaskSpec{Title: "base"})
	dependent := mustTask(t, e, p.ID, models.TaskSpec{Title: "dependent", Dependencies: []int64{base.ID}})

	// Dependency not completed yet.
	_, err := e.Claim(ctx, dependent.ID, "alice", "")
	var depErr *DependencyError
	require.ErrorAs(t, err, &depErr)
	assert.Equal(t, []int64{base.ID}, depErr.Unsatisfied)

	_, err = e.Claim(ctx, base.ID, "alice", "")
	require.NoError(t, err)

	// Second claimant loses.
	_, err = e.Claim(ctx, base.ID, "bob", "")
	require.ErrorIs(t, err, ErrConflict)

	// Unknown task and unknown agent.
	_, err = e.Claim(ctx, 9999, "alice", "")
	require.ErrorIs(t, err, ErrNotFound)
	_, err = e.Claim(ctx, dependent.ID, "nobody", "")
	require.ErrorIs(t, err, ErrNotFound)

	// Complete the base task; the dependent becomes claimable.
	claimStartSubmit(t, e, base.ID, "alice")
	_, err = e.Review(ctx, base.ID, true, "", "", "")
	require.NoError(t, err)

	claimed, err := e.Claim(ctx, dependent.ID, "bob", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, claimed.Status)
}

func TestClaimCapacityLimit(t *testing.T) {
	e := newTestEngine(t, nil)
	e.cfg.MaxConcurrentTasksPerAgent = 1
	ctx := context.Background()
	p := mustProject(t, e, "capacity")
	mustAgent(t, e, "alice")

	first := mustTask(t, e, p.ID, models.TaskSpec{Title: "first"})
	second := mustTask(t, e, p.ID, models.TaskSpec{Title: "second"})

	_, err := e.Claim(ctx, first.ID, "alice", "")
	require.NoError(t, err)

	_, err = e.Claim(ctx, second.ID, "alice", "")
	var capErr *CapacityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, 1, capErr.Limit)

	// Releasing the first frees capacity.
	_, err = e.Release(ctx, first.ID, "", "")
	require.NoError(t, err)
	_, err = e.Claim(ctx, second.ID, "alice", "")
	require.NoError(t, err)
}

func TestClaimIsExclusiveUnderContention(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "race")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "contested"})

	const claimants = 8
	agents := make([]string, claimants)
	for i := range agents {
		agents[i] = string(rune('a'+i)) + "-agent"
		mustAgent(t, e, agents[i])
	}

	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		winners   []string
		conflicts int
	)
	for _, name := range agents {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			_, err := e.Claim(ctx, task.ID, name, "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				winners = append(winners, name)
			case errors.Is(err, ErrConflict):
				conflicts++
			default:
				t.Errorf("unexpected claim error for %s: %v", name, err)
			}
		}(name)
	}
	wg.Wait()

	require.Len(t, winners, 1, "exactly one claimant must win")
	assert.Equal(t, claimants-1, conflicts)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, got.AssigneeAgent)
	assert.Equal(t, winners[0], *got.AssigneeAgent)
}

func TestClaimIdempotentReplay(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "idem")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "once"})

	first, err := e.Claim(ctx, task.ID, "alice", "claim-key-1")
	require.NoError(t, err)

	// Same key replays the original response instead of conflicting.
	replay, err := e.Claim(ctx, task.ID, "alice", "claim-key-1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, first.Status, replay.Status)

	// A different key sees the real state: conflict.
	_, err = e.Claim(ctx, task.ID, "alice", "claim-key-2")
	require.ErrorIs(t, err, ErrConflict)
}

func TestSubmitIdempotentReplay(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "idem-submit")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "report"})

	_, err := e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)
	_, err = e.Start(ctx, task.ID, "alice", "")
	require.NoError(t, err)

	first, err := e.Submit(ctx, task.ID, "alice", []byte(`{"v":1}`), "submit-key")
	require.NoError(t, err)
	assert.Equal(t, models.TaskReviewing, first.Status)

	// A retry of the same submission succeeds with the cached response even
	// though the task is no longer running.
	replay, err := e.Submit(ctx, task.ID, "alice", []byte(`{"v":1}`), "submit-key")
	require.NoError(t, err)
	assert.Equal(t, first.ID, replay.ID)
	assert.Equal(t, models.TaskReviewing, replay.Status)

	// Without the key the illegal transition is reported.
	_, err = e.Submit(ctx, task.ID, "alice", []byte(`{"v":2}`), "")
	var stateErr *IllegalStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestStartRules(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "start")
	mustAgent(t, e, "alice")
	mustAgent(t, e, "bob")

	first := mustTask(t, e, p.ID, models.TaskSpec{Title: "one"})
	second := mustTask(t, e, p.ID, models.TaskSpec{Title: "two"})

	// Cannot start an unclaimed task.
	_, err := e.Start(ctx, first.ID, "alice", "")
	require.ErrorIs(t, err, ErrConflict)

	_, err = e.Claim(ctx, first.ID, "alice", "")
	require.NoError(t, err)
	_, err = e.Claim(ctx, second.ID, "alice", "")
	require.NoError(t, err)

	// Another agent cannot start someone else's task.
	_, err = e.Start(ctx, first.ID, "bob", "")
	require.ErrorIs(t, err, ErrConflict)

	_, err = e.Start(ctx, first.ID, "alice", "")
	require.NoError(t, err)

	// One running task per agent.
	_, err = e.Start(ctx, second.ID, "alice", "")
	var runErr *RunningElsewhereError
	require.ErrorAs(t, err, &runErr)
	assert.Equal(t, first.ID, runErr.TaskID)

	// Starting an already running task is an illegal transition, not a
	// running-elsewhere condition.
	_, err = e.Start(ctx, first.ID, "alice", "")
	var stateErr *IllegalStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestReviewRejectAndRetryBudget(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "retries")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "flaky", MaxRetries: 2})

	for attempt := 1; attempt <= 2; attempt++ {
		claimStartSubmit(t, e, task.ID, "alice")
		rejected, err := e.Review(ctx, task.ID, false, "not there yet", "bob", "")
		require.NoError(t, err)
		assert.Equal(t, models.TaskRejected, rejected.Status)
		assert.Nil(t, rejected.AssigneeAgent)

		requeued, err := e.Retry(ctx, task.ID, "", "")
		require.NoError(t, err)
		assert.Equal(t, models.TaskPending, requeued.Status)
		assert.Equal(t, attempt, requeued.RetryCount)
	}

	// Third rejection exhausts the budget.
	claimStartSubmit(t, e, task.ID, "alice")
	_, err := e.Review(ctx, task.ID, false, "still no", "bob", "")
	require.NoError(t, err)

	_, err = e.Retry(ctx, task.ID, "", "")
	var maxErr *MaxRetriesError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, 2, maxErr.RetryCount)
	assert.Equal(t, 2, maxErr.MaxRetries)

	// Failure counters accumulated on the agent.
	agent, err := e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 3, agent.FailedTasks)
	assert.Equal(t, 3, agent.TotalTasks)
	assert.InDelta(t, 0.0, agent.SuccessRate, 1e-9)
}

func TestReleaseReturnsTaskToPool(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "release")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "abandoned"})

	_, err := e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)
	_, err = e.Start(ctx, task.ID, "alice", "")
	require.NoError(t, err)

	released, err := e.Release(ctx, task.ID, "operator", "rel-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, released.Status)
	assert.Nil(t, released.AssigneeAgent)
	assert.Nil(t, released.AssignedAt)
	assert.Nil(t, released.StartedAt)
	assert.Equal(t, 0, released.RetryCount)

	agent, err := e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, agent.Status)

	// A retried release under the same key replays the cached response.
	replayed, err := e.Release(ctx, task.ID, "operator", "rel-1")
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, replayed.Status)

	// Without a key, releasing a pending task is illegal.
	_, err = e.Release(ctx, task.ID, "", "")
	var stateErr *IllegalStateError
	require.ErrorAs(t, err, &stateErr)
}

func TestUpdateTaskPatch(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "patch")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "tweakable"})

	priority := 9
	updated, err := e.UpdateTask(ctx, task.ID, store.TaskPatch{Priority: &priority})
	require.NoError(t, err)
	assert.Equal(t, 9, updated.Priority)

	// Deactivating a claimed task through a patch clears the assignee and
	// frees the agent.
	_, err = e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)

	failed := models.TaskFailed
	updated, err = e.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &failed})
	require.NoError(t, err)
	assert.Equal(t, models.TaskFailed, updated.Status)
	assert.Nil(t, updated.AssigneeAgent)

	// Forcing the failure counted against the assignee's record.
	agent, err := e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, agent.Status)
	assert.Equal(t, 1, agent.FailedTasks)
	assert.Equal(t, 1, agent.TotalTasks)
	assert.InDelta(t, 0.0, agent.SuccessRate, 1e-9)

	// Unknown status is rejected before touching storage.
	bogus := models.TaskStatus("sideways")
	_, err = e.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &bogus})
	require.Error(t, err)
}

func TestUpdateTaskPatchCompletedBumpsCounters(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "patch-complete")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "fast-tracked"})

	_, err := e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)

	completed := models.TaskCompleted
	updated, err := e.UpdateTask(ctx, task.ID, store.TaskPatch{Status: &completed})
	require.NoError(t, err)
	assert.Equal(t, models.TaskCompleted, updated.Status)

	agent, err := e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, agent.Status)
	assert.Equal(t, 1, agent.CompletedTasks)
	assert.Equal(t, 1, agent.TotalTasks)
	assert.InDelta(t, 1.0, agent.SuccessRate, 1e-9)

	// A patch that leaves the task unassigned and pending touches nothing.
	other := mustTask(t, e, p.ID, models.TaskSpec{Title: "untouched"})
	pending := models.TaskPending
	_, err = e.UpdateTask(ctx, other.ID, store.TaskPatch{Status: &pending})
	require.NoError(t, err)
	agent, err = e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, agent.TotalTasks)
}

func TestDeleteAndRestoreTask(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "deletion")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "doomed"})

	_, err := e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)

	require.NoError(t, e.DeleteTask(ctx, task.ID))
	_, err = e.GetTask(ctx, task.ID)
	require.ErrorIs(t, err, ErrNotFound)

	// The agent no longer counts the deleted task.
	agent, err := e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, agent.Status)

	restored, err := e.RestoreTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.ID, restored.ID)

	require.ErrorIs(t, e.DeleteTask(ctx, 9999), ErrNotFound)
}

func TestAvailableTasksFiltering(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "available")
	mustAgent(t, e, "alice", "go")
	mustAgent(t, e, "bob")

	plain := mustTask(t, e, p.ID, models.TaskSpec{Title: "untagged", Priority: 1})
	goTask := mustTask(t, e, p.ID, models.TaskSpec{Title: "go work", Priority: 8, Tags: []string{"go"}})
	mustTask(t, e, p.ID, models.TaskSpec{Title: "blocked", Dependencies: []int64{plain.ID}})

	all, err := e.AvailableTasks(ctx)
	require.NoError(t, err)
	require.Len(t, all, 2, "the dependent task is not claimable")
	assert.Equal(t, goTask.ID, all[0].ID, "highest priority first")

	// Skill filter: alice only sees tag-overlapping tasks.
	forAlice, err := e.AvailableTasksForAgent(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, forAlice, 1)
	assert.Equal(t, goTask.ID, forAlice[0].ID)

	// An agent without skills sees everything claimable.
	forBob, err := e.AvailableTasksForAgent(ctx, "bob")
	require.NoError(t, err)
	assert.Len(t, forBob, 2)
}

func TestDeletedCompletedDependencyStaysSatisfied(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "dep-deletion")
	mustAgent(t, e, "alice")

	dep := mustTask(t, e, p.ID, models.TaskSpec{Title: "groundwork"})
	dependent := mustTask(t, e, p.ID, models.TaskSpec{Title: "follow-up", Dependencies: []int64{dep.ID}})

	claimStartSubmit(t, e, dep.ID, "alice")
	_, err := e.Review(ctx, dep.ID, true, "", "", "")
	require.NoError(t, err)
	require.NoError(t, e.DeleteTask(ctx, dep.ID))

	// The availability listing and the claim check agree: a completed
	// dependency keeps counting after its row is soft-deleted.
	available, err := e.AvailableTasks(ctx)
	require.NoError(t, err)
	require.Len(t, available, 1)
	assert.Equal(t, dependent.ID, available[0].ID)

	claimed, err := e.Claim(ctx, dependent.ID, "alice", "")
	require.NoError(t, err)
	assert.Equal(t, models.TaskAssigned, claimed.Status)
}
