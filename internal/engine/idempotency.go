package engine

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

// checkIdempotent returns the cached outcome of a previous attempt with the
// same key, if one exists inside the validity window. An empty key disables
// the check.
func (e *Engine) checkIdempotent(ctx context.Context, q store.Querier, key string) (*models.Task, bool, error) {
	if key == "" {
		return nil, false, nil
	}
	cutoff := e.now().Add(-e.cfg.IdempotencyTTL)
	raw, found, err := e.store.GetIdempotent(ctx, q, key, cutoff)
	if err != nil || !found {
		return nil, false, err
	}

	var t models.Task
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, false, fmt.Errorf("decode cached response for key %s: %w", key, err)
	}
	return &t, true, nil
}

// storeIdempotent caches a successful outcome under key, inside the same
// transaction as the operation it records. Failed operations are never
// cached; a retry after a failure should run for real.
func (e *Engine) storeIdempotent(ctx context.Context, q store.Querier, key string, task *models.Task) error {
	if key == "" {
		return nil
	}
	raw, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode response for key %s: %w", key, err)
	}
	return e.store.PutIdempotent(ctx, q, key, raw, e.now())
}
