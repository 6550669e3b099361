// Package config loads foreman configuration from a YAML file with
// environment-variable overrides. Missing files are not an error; callers
// always get a fully populated Config.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable for the foreman service.
type Config struct {
	// DBPath is the SQLite database file path.
	DBPath string `yaml:"db_path"`

	// ListenAddr is the host:port the HTTP API binds to.
	ListenAddr string `yaml:"listen_addr"`

	// APIKey protects mutating routes. Empty means open mode (development).
	APIKey string `yaml:"api_key"`

	// CORSOrigins is the list of allowed origins. ["*"] allows all.
	CORSOrigins []string `yaml:"cors_origins"`

	// LogLevel sets logging verbosity (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`

	// MaxConcurrentTasksPerAgent is the per-agent lease budget: the maximum
	// number of simultaneously active (assigned/running/reviewing) tasks.
	MaxConcurrentTasksPerAgent int `yaml:"max_concurrent_tasks_per_agent"`

	// DefaultTaskTimeoutMinutes is the global fallback for the effective
	// task timeout when neither the task nor its type carries an override.
	DefaultTaskTimeoutMinutes int `yaml:"default_task_timeout_minutes"`

	// TaskTypeTimeouts maps a task type to its default timeout in minutes,
	// sitting between a per-task override and the global default. Seeded
	// into the database at startup.
	TaskTypeTimeouts map[string]int `yaml:"task_type_timeouts"`

	// AgentOfflineThreshold is how long an agent may go without a heartbeat
	// before the heartbeat sweep marks it offline.
	AgentOfflineThreshold time.Duration `yaml:"agent_offline_threshold"`

	// HeartbeatSweepInterval is how often the heartbeat sweep runs.
	HeartbeatSweepInterval time.Duration `yaml:"heartbeat_sweep_interval"`

	// StuckTaskSweepInterval is how often the stuck-task sweep runs.
	StuckTaskSweepInterval time.Duration `yaml:"stuck_task_sweep_interval"`

	// MaintenanceSweepInterval is how often expired idempotency keys and
	// aged soft-deleted rows are purged.
	MaintenanceSweepInterval time.Duration `yaml:"maintenance_sweep_interval"`

	// IdempotencyTTL is the validity window for cached idempotent responses.
	IdempotencyTTL time.Duration `yaml:"idempotency_ttl"`

	// SoftDeleteRetention is how long soft-deleted rows are kept before the
	// maintenance sweep removes them permanently.
	SoftDeleteRetention time.Duration `yaml:"soft_delete_retention"`

	// RateLimitWindow and RateLimitMaxRequests bound per-client request
	// rates; RateLimitMaxClients caps the number of tracked clients.
	RateLimitWindow      time.Duration `yaml:"rate_limit_window"`
	RateLimitMaxRequests int           `yaml:"rate_limit_max_requests"`
	RateLimitMaxClients  int           `yaml:"rate_limit_max_clients"`

	// MaxSweepErrorsBeforeReset is the number of consecutive storage
	// failures a background sweep tolerates before the connection pool is
	// torn down and rebuilt.
	MaxSweepErrorsBeforeReset int `yaml:"max_sweep_errors_before_reset"`
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		DBPath:                     "foreman.db",
		ListenAddr:                 ":8080",
		APIKey:                     "",
		CORSOrigins:                []string{"*"},
		LogLevel:                   "info",
		MaxConcurrentTasksPerAgent: 3,
		DefaultTaskTimeoutMinutes:  120,
		AgentOfflineThreshold:      5 * time.Minute,
		HeartbeatSweepInterval:     60 * time.Second,
		StuckTaskSweepInterval:     10 * time.Minute,
		MaintenanceSweepInterval:   time.Hour,
		IdempotencyTTL:             24 * time.Hour,
		SoftDeleteRetention:        30 * 24 * time.Hour,
		RateLimitWindow:            60 * time.Second,
		RateLimitMaxRequests:       100,
		RateLimitMaxClients:        10000,
		MaxSweepErrorsBeforeReset:  3,
	}
}

// Load reads configuration from path, merging over defaults, then applies
// environment overrides. A missing file returns defaults without error; a
// malformed file returns an error.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read config file: %w", err)
			}
			if err := cfg.unmarshal(data); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, fmt.Errorf("stat config file: %w", err)
		}
	}

	cfg.applyEnv()
	return cfg, nil
}

// unmarshal parses YAML into the config. Durations are written as strings
// ("5m", "24h") in the file, so a temporary struct handles the parsing.
func (c *Config) unmarshal(data []byte) error {
	type yamlConfig struct {
		DBPath                     *string        `yaml:"db_path"`
		ListenAddr                 *string        `yaml:"listen_addr"`
		APIKey                     *string        `yaml:"api_key"`
		CORSOrigins                []string       `yaml:"cors_origins"`
		LogLevel                   *string        `yaml:"log_level"`
		MaxConcurrentTasksPerAgent *int           `yaml:"max_concurrent_tasks_per_agent"`
		DefaultTaskTimeoutMinutes  *int           `yaml:"default_task_timeout_minutes"`
		TaskTypeTimeouts           map[string]int `yaml:"task_type_timeouts"`
		AgentOfflineThreshold      *string        `yaml:"agent_offline_threshold"`
		HeartbeatSweepInterval     *string        `yaml:"heartbeat_sweep_interval"`
		StuckTaskSweepInterval     *string        `yaml:"stuck_task_sweep_interval"`
		MaintenanceSweepInterval   *string        `yaml:"maintenance_sweep_interval"`
		IdempotencyTTL             *string        `yaml:"idempotency_ttl"`
		SoftDeleteRetention        *string        `yaml:"soft_delete_retention"`
		RateLimitWindow            *string        `yaml:"rate_limit_window"`
		RateLimitMaxRequests       *int           `yaml:"rate_limit_max_requests"`
		RateLimitMaxClients        *int           `yaml:"rate_limit_max_clients"`
		MaxSweepErrorsBeforeReset  *int           `yaml:"max_sweep_errors_before_reset"`
	}

	var y yamlConfig
	if err := yaml.Unmarshal(data, &y); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	setString := func(dst *string, src *string) {
		if src != nil {
			*dst = *src
		}
	}
	setInt := func(dst *int, src *int) {
		if src != nil {
			*dst = *src
		}
	}
	setDuration := func(dst *time.Duration, src *string, field string) error {
		if src == nil {
			return nil
		}
		d, err := time.ParseDuration(*src)
		if err != nil {
			return fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = d
		return nil
	}

	setString(&c.DBPath, y.DBPath)
	setString(&c.ListenAddr, y.ListenAddr)
	setString(&c.APIKey, y.APIKey)
	setString(&c.LogLevel, y.LogLevel)
	if y.CORSOrigins != nil {
		c.CORSOrigins = y.CORSOrigins
	}
	setInt(&c.MaxConcurrentTasksPerAgent, y.MaxConcurrentTasksPerAgent)
	setInt(&c.DefaultTaskTimeoutMinutes, y.DefaultTaskTimeoutMinutes)
	if y.TaskTypeTimeouts != nil {
		c.TaskTypeTimeouts = y.TaskTypeTimeouts
	}
	setInt(&c.RateLimitMaxRequests, y.RateLimitMaxRequests)
	setInt(&c.RateLimitMaxClients, y.RateLimitMaxClients)
	setInt(&c.MaxSweepErrorsBeforeReset, y.MaxSweepErrorsBeforeReset)

	durations := []struct {
		dst   *time.Duration
		src   *string
		field string
	}{
		{&c.AgentOfflineThreshold, y.AgentOfflineThreshold, "agent_offline_threshold"},
		{&c.HeartbeatSweepInterval, y.HeartbeatSweepInterval, "heartbeat_sweep_interval"},
		{&c.StuckTaskSweepInterval, y.StuckTaskSweepInterval, "stuck_task_sweep_interval"},
		{&c.MaintenanceSweepInterval, y.MaintenanceSweepInterval, "maintenance_sweep_interval"},
		{&c.IdempotencyTTL, y.IdempotencyTTL, "idempotency_ttl"},
		{&c.SoftDeleteRetention, y.SoftDeleteRetention, "soft_delete_retention"},
		{&c.RateLimitWindow, y.RateLimitWindow, "rate_limit_window"},
	}
	for _, d := range durations {
		if err := setDuration(d.dst, d.src, d.field); err != nil {
			return err
		}
	}

	return nil
}

// applyEnv overrides config fields from FOREMAN_* environment variables.
func (c *Config) applyEnv() {
	if v := os.Getenv("FOREMAN_DB_PATH"); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv("FOREMAN_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("FOREMAN_API_KEY"); v != "" {
		c.APIKey = v
	}
	if v := os.Getenv("FOREMAN_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("FOREMAN_MAX_CONCURRENT_TASKS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxConcurrentTasksPerAgent = n
		}
	}
	if v := os.Getenv("FOREMAN_DEFAULT_TIMEOUT_MINUTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.DefaultTaskTimeoutMinutes = n
		}
	}
	if v := os.Getenv("FOREMAN_RATE_LIMIT_MAX_REQUESTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.RateLimitMaxRequests = n
		}
	}
}

// Production reports whether an API key is configured.
func (c *Config) Production() bool {
	return c.APIKey != ""
}

// Validate checks the configuration for inconsistencies and returns a list
// of problems; an empty list means the config is usable.
func (c *Config) Validate() []string {
	var problems []string

	if c.DBPath == "" {
		problems = append(problems, "db_path must not be empty")
	}
	if c.MaxConcurrentTasksPerAgent < 1 {
		problems = append(problems, "max_concurrent_tasks_per_agent must be at least 1")
	}
	if c.DefaultTaskTimeoutMinutes < 1 {
		problems = append(problems, "default_task_timeout_minutes must be at least 1")
	}
	for taskType, minutes := range c.TaskTypeTimeouts {
		if minutes < 1 {
			problems = append(problems, fmt.Sprintf("task_type_timeouts[%s] must be at least 1 minute", taskType))
		}
	}
	if c.AgentOfflineThreshold < time.Second {
		problems = append(problems, "agent_offline_threshold must be at least 1s")
	}
	if c.HeartbeatSweepInterval < time.Second {
		problems = append(problems, "heartbeat_sweep_interval must be at least 1s")
	}
	if c.StuckTaskSweepInterval < time.Second {
		problems = append(problems, "stuck_task_sweep_interval must be at least 1s")
	}
	if c.IdempotencyTTL < time.Minute {
		problems = append(problems, "idempotency_ttl must be at least 1m")
	}
	if c.RateLimitMaxRequests < 1 {
		problems = append(problems, "rate_limit_max_requests must be at least 1")
	}
	if c.RateLimitMaxClients < 100 {
		problems = append(problems, "rate_limit_max_clients should be at least 100")
	}
	if c.MaxSweepErrorsBeforeReset < 1 {
		problems = append(problems, "max_sweep_errors_before_reset must be at least 1")
	}

	return problems
}
