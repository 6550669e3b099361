package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.Empty(t, cfg.Validate())
	assert.False(t, cfg.Production())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().ListenAddr, cfg.ListenAddr)
}

func TestLoadMergesOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	content := `
db_path: /var/lib/foreman/foreman.db
listen_addr: ":9090"
api_key: sekrit
max_concurrent_tasks_per_agent: 5
agent_offline_threshold: 2m
idempotency_ttl: 48h
cors_origins:
  - https://ops.example.com
task_type_timeouts:
  quick: 30
  migration: 240
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/var/lib/foreman/foreman.db", cfg.DBPath)
	assert.Equal(t, ":9090", cfg.ListenAddr)
	assert.True(t, cfg.Production())
	assert.Equal(t, 5, cfg.MaxConcurrentTasksPerAgent)
	assert.Equal(t, 2*time.Minute, cfg.AgentOfflineThreshold)
	assert.Equal(t, 48*time.Hour, cfg.IdempotencyTTL)
	assert.Equal(t, []string{"https://ops.example.com"}, cfg.CORSOrigins)
	assert.Equal(t, map[string]int{"quick": 30, "migration": 240}, cfg.TaskTypeTimeouts)

	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().StuckTaskSweepInterval, cfg.StuckTaskSweepInterval)
}

func TestLoadRejectsBadDuration(t *testing.T) {
	path := filepath.Join(t.TempDir(), "foreman.yaml")
	require.NoError(t, os.WriteFile(path, []byte("idempotency_ttl: yesterday\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "idempotency_ttl")
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("FOREMAN_LISTEN_ADDR", ":7070")
	t.Setenv("FOREMAN_MAX_CONCURRENT_TASKS", "9")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ":7070", cfg.ListenAddr)
	assert.Equal(t, 9, cfg.MaxConcurrentTasksPerAgent)
}

func TestValidateCatchesProblems(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DBPath = ""
	cfg.MaxConcurrentTasksPerAgent = 0
	cfg.IdempotencyTTL = time.Second
	cfg.TaskTypeTimeouts = map[string]int{"quick": 0}

	problems := cfg.Validate()
	assert.Len(t, problems, 4)
}
