package models

import (
	"encoding/json"
	"errors"
	"time"
)

// AgentStatus is the advertised availability of a worker agent.
type AgentStatus string

const (
	AgentOnline  AgentStatus = "online"
	AgentBusy    AgentStatus = "busy"
	AgentOffline AgentStatus = "offline"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	return s == AgentOnline || s == AgentBusy || s == AgentOffline
}

// Agent is a worker identity. Status and CurrentTaskID are derived from the
// agent's active task set by the reconciler; the counters are cumulative and
// only move forward.
type Agent struct {
	ID            int64           `json:"id"`
	Name          string          `json:"name"`
	Role          string          `json:"role"`
	Skills        []string        `json:"skills,omitempty"`
	Capabilities  json.RawMessage `json:"capabilities,omitempty"`
	Status        AgentStatus     `json:"status"`
	CurrentTaskID *int64          `json:"current_task_id,omitempty"`
	LastHeartbeat *time.Time      `json:"last_heartbeat,omitempty"`

	CompletedTasks int     `json:"completed_tasks"`
	FailedTasks    int     `json:"failed_tasks"`
	TotalTasks     int     `json:"total_tasks"`
	SuccessRate    float64 `json:"success_rate"`

	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

// HasSkill reports whether the agent advertises the given skill.
func (a *Agent) HasSkill(skill string) bool {
	for _, s := range a.Skills {
		if s == skill {
			return true
		}
	}
	return false
}

// AgentSpec describes an agent registration. Registering an existing name
// updates the record in place and forces the agent online.
type AgentSpec struct {
	Name         string          `json:"name"`
	Role         string          `json:"role"`
	Skills       []string        `json:"skills,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
}

// Validate checks that the spec has its required fields.
func (s *AgentSpec) Validate() error {
	if s.Name == "" {
		return errors.New("agent name is required")
	}
	if s.Role == "" {
		return errors.New("agent role is required")
	}
	return nil
}

// AgentChannel records a sighting of an agent on a communication channel.
type AgentChannel struct {
	ID        int64     `json:"id"`
	AgentName string    `json:"agent_name"`
	ChannelID string    `json:"channel_id"`
	FirstSeen time.Time `json:"first_seen"`
	LastSeen  time.Time `json:"last_seen"`
}
