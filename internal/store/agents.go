package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/harrison/foreman/internal/models"
)

const agentColumns = `id, name, role, skills, capabilities, status, current_task_id,
	last_heartbeat, completed_tasks, failed_tasks, total_tasks, success_rate,
	created_at, updated_at, deleted_at`

func scanAgent(sc scanner) (*models.Agent, error) {
	var (
		a         models.Agent
		skills    string
		caps      sql.NullString
		taskID    sql.NullInt64
		heartbeat sql.NullTime
		deleted   sql.NullTime
	)

	err := sc.Scan(
		&a.ID, &a.Name, &a.Role, &skills, &caps, &a.Status, &taskID,
		&heartbeat, &a.CompletedTasks, &a.FailedTasks, &a.TotalTasks, &a.SuccessRate,
		&a.CreatedAt, &a.UpdatedAt, &deleted,
	)
	if err != nil {
		return nil, err
	}

	if a.Skills, err = stringsFromJSON(skills); err != nil {
		return nil, err
	}
	if caps.Valid && caps.String != "" {
		a.Capabilities = []byte(caps.String)
	}
	if taskID.Valid {
		a.CurrentTaskID = &taskID.Int64
	}
	if heartbeat.Valid {
		a.LastHeartbeat = &heartbeat.Time
	}
	if deleted.Valid {
		a.DeletedAt = &deleted.Time
	}
	return &a, nil
}

// UpsertAgent registers an agent, or re-registers an existing name in
// place. Either way the agent comes back online with a fresh heartbeat.
func (s *Store) UpsertAgent(ctx context.Context, q Querier, spec models.AgentSpec, now time.Time) (*models.Agent, error) {
	var caps interface{}
	if len(spec.Capabilities) > 0 {
		caps = string(spec.Capabilities)
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO agents (name, role, skills, capabilities, status, last_heartbeat, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			role = excluded.role,
			skills = excluded.skills,
			capabilities = excluded.capabilities,
			status = excluded.status,
			last_heartbeat = excluded.last_heartbeat,
			updated_at = excluded.updated_at,
			deleted_at = NULL`,
		spec.Name, spec.Role, jsonArray(spec.Skills), caps, models.AgentOnline, now, now, now)
	if err != nil {
		return nil, fmt.Errorf("upsert agent %s: %w", spec.Name, err)
	}
	return s.GetAgent(ctx, q, spec.Name)
}

// GetAgent fetches an agent by name, excluding soft-deleted rows. Returns
// (nil, nil) when absent.
func (s *Store) GetAgent(ctx context.Context, q Querier, name string) (*models.Agent, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = ? AND deleted_at IS NULL`, name)
	a, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get agent %s: %w", name, err)
	}
	return a, nil
}

// TouchHeartbeat forces an agent online and records the heartbeat time and
// the advisory current task. Returns false if the agent is unknown.
func (s *Store) TouchHeartbeat(ctx context.Context, q Querier, name string, currentTaskID *int64, now time.Time) (bool, error) {
	var taskID interface{}
	if currentTaskID != nil {
		taskID = *currentTaskID
	}
	res, err := q.ExecContext(ctx, `
		UPDATE agents
		SET status = ?, last_heartbeat = ?, current_task_id = ?, updated_at = ?
		WHERE name = ? AND deleted_at IS NULL`,
		models.AgentOnline, now, taskID, now, name)
	if err != nil {
		return false, fmt.Errorf("heartbeat for %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// AgentFilter narrows ListAgents.
type AgentFilter struct {
	Status *models.AgentStatus
	Skill  *string
}

// ListAgents returns agents matching the filter, ordered by name.
func (s *Store) ListAgents(ctx context.Context, q Querier, f AgentFilter) ([]*models.Agent, error) {
	query := `SELECT ` + agentColumns + ` FROM agents WHERE deleted_at IS NULL`
	args := []interface{}{}

	if f.Status != nil {
		query += ` AND status = ?`
		args = append(args, *f.Status)
	}
	if f.Skill != nil {
		query += ` AND EXISTS (SELECT 1 FROM json_each(agents.skills) sk WHERE sk.value = ?)`
		args = append(args, *f.Skill)
	}
	query += ` ORDER BY name`

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// ActiveTaskSummary returns the count and a representative id of the
// agent's active tasks. This is the reconciler's ground-truth query.
func (s *Store) ActiveTaskSummary(ctx context.Context, q Querier, agent string) (int, sql.NullInt64, error) {
	var (
		count  int
		nextID sql.NullInt64
	)
	err := q.QueryRowContext(ctx, `
		SELECT COUNT(*), MIN(id) FROM tasks
		WHERE assignee_agent = ? AND status IN (?, ?, ?) AND deleted_at IS NULL`,
		agent, models.TaskAssigned, models.TaskRunning, models.TaskReviewing).Scan(&count, &nextID)
	if err != nil {
		return 0, sql.NullInt64{}, fmt.Errorf("active task summary for %s: %w", agent, err)
	}
	return count, nextID, nil
}

// SetAgentIdle marks an agent online with no current task.
func (s *Store) SetAgentIdle(ctx context.Context, q Querier, name string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = NULL, updated_at = ?
		WHERE name = ? AND deleted_at IS NULL`,
		models.AgentOnline, now, name)
	if err != nil {
		return fmt.Errorf("set agent %s idle: %w", name, err)
	}
	return nil
}

// SetAgentBusy marks an agent busy on the given task.
func (s *Store) SetAgentBusy(ctx context.Context, q Querier, name string, taskID int64, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		UPDATE agents SET status = ?, current_task_id = ?, updated_at = ?
		WHERE name = ? AND deleted_at IS NULL`,
		models.AgentBusy, taskID, now, name)
	if err != nil {
		return fmt.Errorf("set agent %s busy: %w", name, err)
	}
	return nil
}

// BumpAgentCounters records one finished task on the agent's cumulative
// counters. success_rate is recomputed from the counters in the same
// statement; it is never adjusted incrementally anywhere else.
func (s *Store) BumpAgentCounters(ctx context.Context, q Querier, name string, success bool, now time.Time) error {
	col := "failed_tasks"
	if success {
		col = "completed_tasks"
	}
	query := fmt.Sprintf(`
		UPDATE agents
		SET %s = %s + 1,
			total_tasks = total_tasks + 1,
			success_rate = CAST(completed_tasks + %d AS REAL) / (total_tasks + 1),
			updated_at = ?
		WHERE name = ? AND deleted_at IS NULL`, col, col, boolToInt(success))
	if _, err := q.ExecContext(ctx, query, now, name); err != nil {
		return fmt.Errorf("bump counters for %s: %w", name, err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// MarkAgentsOffline flips every online or busy agent whose heartbeat is
// older than cutoff to offline, returning how many changed.
func (s *Store) MarkAgentsOffline(ctx context.Context, q Querier, cutoff time.Time, now time.Time) (int64, error) {
	res, err := q.ExecContext(ctx, `
		UPDATE agents SET status = ?, updated_at = ?
		WHERE status IN (?, ?) AND last_heartbeat < ? AND deleted_at IS NULL`,
		models.AgentOffline, now, models.AgentOnline, models.AgentBusy, cutoff)
	if err != nil {
		return 0, fmt.Errorf("mark agents offline: %w", err)
	}
	return res.RowsAffected()
}

// RecordChannel upserts an agent channel sighting.
func (s *Store) RecordChannel(ctx context.Context, q Querier, agent, channel string, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO agent_channels (agent_name, channel_id, first_seen, last_seen)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (agent_name, channel_id) DO UPDATE SET last_seen = excluded.last_seen`,
		agent, channel, now, now)
	if err != nil {
		return fmt.Errorf("record channel %s/%s: %w", agent, channel, err)
	}
	return nil
}

// GetChannel fetches one agent channel sighting. Returns (nil, nil) when
// absent.
func (s *Store) GetChannel(ctx context.Context, q Querier, agent, channel string) (*models.AgentChannel, error) {
	var c models.AgentChannel
	err := q.QueryRowContext(ctx, `
		SELECT id, agent_name, channel_id, first_seen, last_seen
		FROM agent_channels WHERE agent_name = ? AND channel_id = ?`,
		agent, channel).Scan(&c.ID, &c.AgentName, &c.ChannelID, &c.FirstSeen, &c.LastSeen)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel %s/%s: %w", agent, channel, err)
	}
	return &c, nil
}

// DeleteChannel removes one agent channel sighting, returning whether a row
// existed.
func (s *Store) DeleteChannel(ctx context.Context, q Querier, agent, channel string) (bool, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM agent_channels WHERE agent_name = ? AND channel_id = ?`, agent, channel)
	if err != nil {
		return false, fmt.Errorf("delete channel %s/%s: %w", agent, channel, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ChannelAgents lists the online agents seen on a channel, most recently
// seen first.
func (s *Store) ChannelAgents(ctx context.Context, q Querier, channel string) ([]*models.Agent, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT `+prefixColumns("a", agentColumns)+` FROM agents a
		JOIN agent_channels ac ON ac.agent_name = a.name
		WHERE ac.channel_id = ? AND a.status = ? AND a.deleted_at IS NULL
		ORDER BY ac.last_seen DESC`, channel, models.AgentOnline)
	if err != nil {
		return nil, fmt.Errorf("query agents on channel %s: %w", channel, err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// AgentChannels lists an agent's channel sightings, most recent first.
func (s *Store) AgentChannels(ctx context.Context, q Querier, agent string) ([]*models.AgentChannel, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT id, agent_name, channel_id, first_seen, last_seen
		FROM agent_channels WHERE agent_name = ? ORDER BY last_seen DESC`, agent)
	if err != nil {
		return nil, fmt.Errorf("query channels for %s: %w", agent, err)
	}
	defer rows.Close()

	var out []*models.AgentChannel
	for rows.Next() {
		var c models.AgentChannel
		if err := rows.Scan(&c.ID, &c.AgentName, &c.ChannelID, &c.FirstSeen, &c.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, &c)
	}
	return out, rows.Err()
}

// AgentStatusCounts returns how many live agents are in each status.
func (s *Store) AgentStatusCounts(ctx context.Context, q Querier) (map[models.AgentStatus]int, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM agents WHERE deleted_at IS NULL GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("agent status counts: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.AgentStatus]int)
	for rows.Next() {
		var (
			st models.AgentStatus
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		counts[st] = n
	}
	return counts, rows.Err()
}
