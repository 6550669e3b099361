package store

import (
	"context"
	"fmt"
	"time"
)

// Tables that carry a deleted_at marker. The allowlist keeps table names
// out of caller control.
var softDeleteTables = map[string]bool{
	"tasks":    true,
	"agents":   true,
	"projects": true,
}

// SoftDelete marks a live row deleted. Returns false if the row was absent
// or already deleted.
func (s *Store) SoftDelete(ctx context.Context, q Querier, table string, id int64, now time.Time) (bool, error) {
	if !softDeleteTables[table] {
		return false, fmt.Errorf("table %s does not support soft delete", table)
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = ?, updated_at = ? WHERE id = ? AND deleted_at IS NULL`, table),
		now, now, id)
	if err != nil {
		return false, fmt.Errorf("soft delete %s %d: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// Restore clears a row's deleted marker. Returns false if the row was
// absent or not deleted.
func (s *Store) Restore(ctx context.Context, q Querier, table string, id int64, now time.Time) (bool, error) {
	if !softDeleteTables[table] {
		return false, fmt.Errorf("table %s does not support soft delete", table)
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`UPDATE %s SET deleted_at = NULL, updated_at = ? WHERE id = ? AND deleted_at IS NOT NULL`, table),
		now, id)
	if err != nil {
		return false, fmt.Errorf("restore %s %d: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// HardDelete physically removes a row.
func (s *Store) HardDelete(ctx context.Context, q Querier, table string, id int64) (bool, error) {
	if !softDeleteTables[table] {
		return false, fmt.Errorf("table %s does not support delete", table)
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE id = ?`, table), id)
	if err != nil {
		return false, fmt.Errorf("delete %s %d: %w", table, id, err)
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// PurgeSoftDeleted permanently removes rows soft-deleted before cutoff,
// returning how many were removed.
func (s *Store) PurgeSoftDeleted(ctx context.Context, q Querier, table string, cutoff time.Time) (int64, error) {
	if !softDeleteTables[table] {
		return 0, fmt.Errorf("table %s does not support soft delete", table)
	}
	res, err := q.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE deleted_at IS NOT NULL AND deleted_at < ?`, table), cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge %s: %w", table, err)
	}
	return res.RowsAffected()
}
