package cmd

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/engine"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/store"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for foreman
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "foreman",
		Short: "Task orchestration service for agent fleets",
		Long: `Foreman coordinates a fleet of worker agents over a shared task
backlog. Agents claim tasks through an exclusive lease protocol, report
progress via heartbeats, and submit results for review; background sweeps
reclaim stuck work and expire stale agents.

The serve command runs the HTTP API and the sweeps; the remaining commands
are operator tools against the same database.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("config", "", "path to config file (YAML)")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewValidateCommand())
	cmd.AddCommand(NewBreakdownCommand())
	cmd.AddCommand(NewCleanupCommand())

	return cmd
}

// runtime is the shared bootstrap for every subcommand: config, logger,
// storage, engine.
type runtime struct {
	cfg  *config.Config
	log  logger.Logger
	pool *store.Pool
	eng  *engine.Engine
}

func newRuntime(cmd *cobra.Command) (*runtime, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}

	log := logger.NewConsoleLogger(os.Stderr, cfg.LogLevel)
	pool := store.NewPool(cfg.DBPath)
	st := store.New(pool)

	return &runtime{
		cfg:  cfg,
		log:  log,
		pool: pool,
		eng:  engine.New(st, cfg, log),
	}, nil
}

func (r *runtime) close() {
	if err := r.pool.Close(); err != nil {
		r.log.Errorf("closing database: %v", err)
	}
}
