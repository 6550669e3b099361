package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

func TestRegisterAgentUpsertsInPlace(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	first, err := e.RegisterAgent(ctx, models.AgentSpec{Name: "alice", Role: "worker", Skills: []string{"go"}})
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, first.Status)
	assert.NotNil(t, first.LastHeartbeat)

	// Accumulate some history.
	p := mustProject(t, e, "history")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "work"})
	claimStartSubmit(t, e, task.ID, "alice")
	_, err = e.Review(ctx, task.ID, true, "", "", "")
	require.NoError(t, err)

	// Re-registering updates role and skills but keeps the counters.
	again, err := e.RegisterAgent(ctx, models.AgentSpec{Name: "alice", Role: "reviewer", Skills: []string{"go", "sql"}})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, "reviewer", again.Role)
	assert.ElementsMatch(t, []string{"go", "sql"}, again.Skills)
	assert.Equal(t, 1, again.CompletedTasks)

	// Missing fields are rejected.
	_, err = e.RegisterAgent(ctx, models.AgentSpec{Name: "", Role: "worker"})
	require.Error(t, err)
	_, err = e.RegisterAgent(ctx, models.AgentSpec{Name: "x", Role: ""})
	require.Error(t, err)
}

func TestHeartbeatReconcilesStatus(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "heartbeats")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "work"})

	// An idle agent heartbeats online even if it claims to be busy: the
	// tasks table is the source of truth.
	bogus := int64(12345)
	agent, err := e.Heartbeat(ctx, "alice", &bogus, "")
	require.NoError(t, err)
	assert.Equal(t, models.AgentOnline, agent.Status)
	assert.Nil(t, agent.CurrentTaskID)

	// With an active task the heartbeat reports busy regardless of what the
	// agent sends.
	_, err = e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)
	agent, err = e.Heartbeat(ctx, "alice", nil, "")
	require.NoError(t, err)
	assert.Equal(t, models.AgentBusy, agent.Status)
	require.NotNil(t, agent.CurrentTaskID)
	assert.Equal(t, task.ID, *agent.CurrentTaskID)

	_, err = e.Heartbeat(ctx, "ghost", nil, "")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestHeartbeatRecordsChannels(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mustAgent(t, e, "alice")

	_, err := e.Heartbeat(ctx, "alice", nil, "session-1")
	require.NoError(t, err)
	_, err = e.Heartbeat(ctx, "alice", nil, "session-2")
	require.NoError(t, err)
	// Repeat sighting updates last_seen instead of duplicating.
	_, err = e.Heartbeat(ctx, "alice", nil, "session-1")
	require.NoError(t, err)

	channels, err := e.AgentChannels(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, channels, 2)
	assert.Equal(t, "session-1", channels[0].ChannelID, "most recently seen first")

	_, err = e.AgentChannels(ctx, "ghost")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterChannelAutoCreatesAgent(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()

	// Channel activity alone is enough to join the fleet.
	sighting, err := e.RegisterChannel(ctx, "drifter", "session-9")
	require.NoError(t, err)
	assert.Equal(t, "drifter", sighting.AgentName)
	assert.Equal(t, "session-9", sighting.ChannelID)

	agent, err := e.GetAgent(ctx, "drifter")
	require.NoError(t, err)
	assert.Equal(t, "unknown", agent.Role)
	assert.Equal(t, models.AgentOnline, agent.Status)

	// An existing agent's registration is left alone.
	mustAgent(t, e, "alice")
	_, err = e.RegisterChannel(ctx, "alice", "session-9")
	require.NoError(t, err)
	agent, err = e.GetAgent(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "worker", agent.Role)

	_, err = e.RegisterChannel(ctx, "", "session-9")
	require.Error(t, err)
	_, err = e.RegisterChannel(ctx, "alice", "")
	require.Error(t, err)
}

func TestChannelAgentsAndUnregister(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "channels")
	mustAgent(t, e, "alice")
	mustAgent(t, e, "bob")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "work"})

	_, err := e.RegisterChannel(ctx, "alice", "ops")
	require.NoError(t, err)
	_, err = e.RegisterChannel(ctx, "bob", "ops")
	require.NoError(t, err)

	agents, err := e.ChannelAgents(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, agents, 2)
	assert.Equal(t, "bob", agents[0].Name, "most recently seen first")

	// Busy agents drop off the channel roster.
	_, err = e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)
	agents, err = e.ChannelAgents(ctx, "ops")
	require.NoError(t, err)
	require.Len(t, agents, 1)
	assert.Equal(t, "bob", agents[0].Name)

	// Unregistering removes the sighting; repeating it is a no-op.
	require.NoError(t, e.UnregisterChannel(ctx, "bob", "ops"))
	require.NoError(t, e.UnregisterChannel(ctx, "bob", "ops"))
	agents, err = e.ChannelAgents(ctx, "ops")
	require.NoError(t, err)
	assert.Empty(t, agents)

	channels, err := e.AgentChannels(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, channels)

	agents, err = e.ChannelAgents(ctx, "quiet")
	require.NoError(t, err)
	assert.Empty(t, agents)
}

func TestListAgentsFilter(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	mustAgent(t, e, "alice", "go")
	mustAgent(t, e, "bob", "python")

	all, err := e.ListAgents(ctx, store.AgentFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 2)

	skill := "go"
	goAgents, err := e.ListAgents(ctx, store.AgentFilter{Skill: &skill})
	require.NoError(t, err)
	require.Len(t, goAgents, 1)
	assert.Equal(t, "alice", goAgents[0].Name)
}

func TestDeleteAgentReleasesItsTasks(t *testing.T) {
	e := newTestEngine(t, nil)
	ctx := context.Background()
	p := mustProject(t, e, "departures")
	mustAgent(t, e, "alice")
	task := mustTask(t, e, p.ID, models.TaskSpec{Title: "orphaned"})

	_, err := e.Claim(ctx, task.ID, "alice", "")
	require.NoError(t, err)

	require.NoError(t, e.DeleteAgent(ctx, "alice"))

	_, err = e.GetAgent(ctx, "alice")
	require.ErrorIs(t, err, ErrNotFound)

	got, err := e.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskPending, got.Status)
	assert.Nil(t, got.AssigneeAgent)

	require.ErrorIs(t, e.DeleteAgent(ctx, "ghost"), ErrNotFound)
}
