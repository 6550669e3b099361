package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// RegisterAgent creates an agent, or refreshes an existing registration in
// place. Re-registering is how a restarted agent process rejoins the fleet;
// its counters and history survive.
func (e *Engine) RegisterAgent(ctx context.Context, spec models.AgentSpec) (*models.Agent, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}

	var agent *models.Agent
	err := e.withRetry(ctx, "register agent", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			var err error
			agent, err = e.store.UpsertAgent(ctx, q, spec, e.now())
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	e.log.Infof("agent %s registered (role %s)", agent.Name, agent.Role)
	return agent, nil
}

// Heartbeat records a liveness signal from an agent and reconciles its
// status against its actual task assignments. The agent's self-reported
// current task is stored as advisory only; reconciliation decides whether
// the agent is busy.
func (e *Engine) Heartbeat(ctx context.Context, name string, currentTaskID *int64, channel string) (*models.Agent, error) {
	var agent *models.Agent
	err := e.withRetry(ctx, "heartbeat", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			now := e.now()
			found, err := e.store.TouchHeartbeat(ctx, q, name, currentTaskID, now)
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("agent %s: %w", name, ErrNotFound)
			}
			if channel != "" {
				if err := e.store.RecordChannel(ctx, q, name, channel, now); err != nil {
					return err
				}
			}
			if err := e.reconcileAgent(ctx, q, name, now); err != nil {
				return err
			}
			agent, err = e.store.GetAgent(ctx, q, name)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// reconcileAgent derives the agent's status from the tasks table, the single
// source of truth: busy when it holds at least one active task, otherwise
// online and idle. Every transition that can change an agent's active-task
// set calls this in the same transaction.
func (e *Engine) reconcileAgent(ctx context.Context, q store.Querier, name string, now time.Time) error {
	count, taskID, err := e.store.ActiveTaskSummary(ctx, q, name)
	if err != nil {
		return err
	}
	if count == 0 || !taskID.Valid {
		return e.store.SetAgentIdle(ctx, q, name, now)
	}
	return e.store.SetAgentBusy(ctx, q, name, taskID.Int64, now)
}

// GetAgent fetches an agent by name.
func (e *Engine) GetAgent(ctx context.Context, name string) (*models.Agent, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	a, err := e.store.GetAgent(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return a, nil
}

// ListAgents returns agents matching the filter.
func (e *Engine) ListAgents(ctx context.Context, f store.AgentFilter) ([]*models.Agent, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.ListAgents(ctx, q, f)
}

// AgentChannels lists where the agent has been seen, most recent first.
func (e *Engine) AgentChannels(ctx context.Context, name string) ([]*models.AgentChannel, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	a, err := e.store.GetAgent(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if a == nil {
		return nil, fmt.Errorf("agent %s: %w", name, ErrNotFound)
	}
	return e.store.AgentChannels(ctx, q, name)
}

// RegisterChannel records that an agent is reachable on a channel. An
// unknown agent is created on the spot with a placeholder role, so channel
// activity alone is enough to join the fleet; a later explicit registration
// fills in the real role and skills.
func (e *Engine) RegisterChannel(ctx context.Context, name, channel string) (*models.AgentChannel, error) {
	if name == "" || channel == "" {
		return nil, errors.New("agent name and channel id are required")
	}

	var sighting *models.AgentChannel
	err := e.withRetry(ctx, "register channel", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			a, err := e.store.GetAgent(ctx, q, name)
			if err != nil {
				return err
			}
			now := e.now()
			if a == nil {
				if _, err := e.store.UpsertAgent(ctx, q, models.AgentSpec{Name: name, Role: "unknown"}, now); err != nil {
					return err
				}
			}
			if err := e.store.RecordChannel(ctx, q, name, channel, now); err != nil {
				return err
			}
			sighting, err = e.store.GetChannel(ctx, q, name, channel)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return sighting, nil
}

// UnregisterChannel removes an agent's sighting on a channel. Removing a
// sighting that does not exist is a no-op.
func (e *Engine) UnregisterChannel(ctx context.Context, name, channel string) error {
	return e.withRetry(ctx, "unregister channel", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			_, err := e.store.DeleteChannel(ctx, q, name, channel)
			return err
		})
	})
}

// ChannelAgents lists the online agents seen on a channel, most recently
// seen first.
func (e *Engine) ChannelAgents(ctx context.Context, channel string) ([]*models.Agent, error) {
	q, err := e.store.DB(ctx)
	if err != nil {
		return nil, err
	}
	return e.store.ChannelAgents(ctx, q, channel)
}

// DeleteAgent soft-deletes an agent. Its active tasks, if any, are released
// back to pending so other agents can pick them up.
func (e *Engine) DeleteAgent(ctx context.Context, name string) error {
	return e.withRetry(ctx, "delete agent", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			a, err := e.store.GetAgent(ctx, q, name)
			if err != nil {
				return err
			}
			if a == nil {
				return fmt.Errorf("agent %s: %w", name, ErrNotFound)
			}

			now := e.now()
			assignee := name
			tasks, err := e.store.ListTasks(ctx, q, store.TaskFilter{Assignee: &assignee})
			if err != nil {
				return err
			}
			for _, t := range tasks {
				if !t.Status.Active() {
					continue
				}
				if err := e.store.ReleaseTask(ctx, q, t.ID, now); err != nil {
					return err
				}
				if err := e.store.AppendTaskLog(ctx, q, models.TaskLog{
					TaskID:    t.ID,
					Action:    "released",
					OldStatus: string(t.Status),
					NewStatus: string(models.TaskPending),
					Message:   fmt.Sprintf("agent %s deleted", name),
					Actor:     models.ActorSystem,
				}, now); err != nil {
					return err
				}
			}

			_, err = e.store.SoftDelete(ctx, q, "agents", a.ID, now)
			return err
		})
	})
}
