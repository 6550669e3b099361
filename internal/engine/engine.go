package engine

import (
	"context"
	"time"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/store"
)

// Engine coordinates the task lifecycle over the store. It holds no mutable
// state of its own; all serialization happens through store transactions,
// which is what lets claims from the whole agent fleet race safely.
type Engine struct {
	store *store.Store
	cfg   *config.Config
	log   logger.Logger
	now   func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithClock overrides the engine's clock. Tests use this to single-step
// timeout and heartbeat sweeps deterministically.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		e.now = now
	}
}

// New creates an Engine over the given store.
func New(st *store.Store, cfg *config.Config, log logger.Logger, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the underlying store for read-only collaborators.
func (e *Engine) Store() *store.Store {
	return e.store
}

// SeedTaskTypeDefaults writes the configured per-type timeout defaults into
// the store. Run once at startup; rows for types already present are
// overwritten so the config file stays authoritative.
func (e *Engine) SeedTaskTypeDefaults(ctx context.Context) error {
	if len(e.cfg.TaskTypeTimeouts) == 0 {
		return nil
	}
	return e.withRetry(ctx, "seed task type defaults", func() error {
		return e.store.WithTx(ctx, func(q store.Querier) error {
			for taskType, minutes := range e.cfg.TaskTypeTimeouts {
				if err := e.store.SetTaskTypeDefault(ctx, q, taskType, minutes); err != nil {
					return err
				}
			}
			return nil
		})
	})
}
