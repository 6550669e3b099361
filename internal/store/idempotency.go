package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// GetIdempotent looks up a cached response for key. Records created before
// cutoff are treated as absent even though they may still physically exist
// until the maintenance sweep removes them.
func (s *Store) GetIdempotent(ctx context.Context, q Querier, key string, cutoff time.Time) (json.RawMessage, bool, error) {
	var response string
	err := q.QueryRowContext(ctx,
		`SELECT response FROM idempotency_keys WHERE key = ? AND created_at > ?`,
		key, cutoff).Scan(&response)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("idempotency lookup: %w", err)
	}
	return json.RawMessage(response), true, nil
}

// PutIdempotent caches a response under key. First writer wins: a second
// store for the same key leaves the original response in place, since that
// is the response every retry of the operation must see.
func (s *Store) PutIdempotent(ctx context.Context, q Querier, key string, response json.RawMessage, now time.Time) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO idempotency_keys (key, response, created_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO NOTHING`,
		key, string(response), now)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	return nil
}

// PurgeIdempotent removes records created before cutoff. Run by the
// maintenance sweep, never inline on the read path.
func (s *Store) PurgeIdempotent(ctx context.Context, q Querier, cutoff time.Time) (int64, error) {
	res, err := q.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("idempotency purge: %w", err)
	}
	return res.RowsAffected()
}
