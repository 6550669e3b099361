// Package monitor runs the background sweeps: heartbeat staleness, stuck
// task recovery, and storage maintenance. Each sweep runs on its own ticker
// and tracks consecutive failures; a sweep that keeps failing tears down the
// connection pool so the next run starts from a fresh handle.
package monitor

import (
	"context"
	"sync"
	"time"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/engine"
	"github.com/harrison/foreman/internal/logger"
	"github.com/harrison/foreman/internal/store"
)

// Monitor owns the sweep goroutines.
type Monitor struct {
	eng  *engine.Engine
	pool *store.Pool
	cfg  *config.Config
	log  logger.Logger

	mu       sync.Mutex
	failures map[string]int
}

// New creates a Monitor. Run must be called to start the sweeps.
func New(eng *engine.Engine, pool *store.Pool, cfg *config.Config, log logger.Logger) *Monitor {
	return &Monitor{
		eng:      eng,
		pool:     pool,
		cfg:      cfg,
		log:      log,
		failures: make(map[string]int),
	}
}

// Run starts the sweep loops and blocks until ctx is cancelled. All loops
// have stopped by the time it returns.
func (m *Monitor) Run(ctx context.Context) {
	var wg sync.WaitGroup

	loops := []struct {
		name     string
		interval time.Duration
		sweep    func(context.Context) error
	}{
		{"heartbeat", m.cfg.HeartbeatSweepInterval, m.HeartbeatSweep},
		{"stuck-task", m.cfg.StuckTaskSweepInterval, m.StuckTaskSweep},
		{"maintenance", m.cfg.MaintenanceSweepInterval, m.MaintenanceSweep},
	}

	for _, loop := range loops {
		wg.Add(1)
		go func(name string, interval time.Duration, sweep func(context.Context) error) {
			defer wg.Done()
			m.runLoop(ctx, name, interval, sweep)
		}(loop.name, loop.interval, loop.sweep)
	}

	wg.Wait()
}

// runLoop ticks a single sweep until ctx is cancelled.
func (m *Monitor) runLoop(ctx context.Context, name string, interval time.Duration, sweep func(context.Context) error) {
	m.log.Debugf("%s sweep running every %s", name, interval)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.log.Debugf("%s sweep stopped", name)
			return
		case <-ticker.C:
			m.observe(name, sweep(ctx))
		}
	}
}

// observe applies the failure policy to one sweep outcome: a success clears
// the counter, repeated failures reset the connection pool.
func (m *Monitor) observe(name string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err == nil {
		m.failures[name] = 0
		return
	}

	m.failures[name]++
	m.log.Errorf("%s sweep failed (%d consecutive): %v", name, m.failures[name], err)

	if m.failures[name] >= m.cfg.MaxSweepErrorsBeforeReset {
		m.log.Warnf("%s sweep failed %d times, resetting connection pool", name, m.failures[name])
		m.pool.Reset()
		m.failures[name] = 0
	}
}

// Failures returns the current consecutive-failure count for a sweep.
func (m *Monitor) Failures(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.failures[name]
}

// HeartbeatSweep runs one heartbeat-staleness pass.
func (m *Monitor) HeartbeatSweep(ctx context.Context) error {
	_, err := m.eng.MarkStaleAgentsOffline(ctx)
	return err
}

// StuckTaskSweep runs one stuck-task recovery pass.
func (m *Monitor) StuckTaskSweep(ctx context.Context) error {
	_, err := m.eng.AutoReleaseStuck(ctx)
	return err
}

// MaintenanceSweep runs one storage maintenance pass.
func (m *Monitor) MaintenanceSweep(ctx context.Context) error {
	_, err := m.eng.PurgeExpired(ctx)
	return err
}
