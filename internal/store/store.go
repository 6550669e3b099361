package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
)

// Querier is the subset of database/sql satisfied by both *sql.DB and
// *sql.Tx. Store methods take a Querier so the engine can compose them
// inside one transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

// Store wraps the pool with typed queries over the foreman schema.
type Store struct {
	pool *Pool
}

// New creates a Store over the given pool.
func New(pool *Pool) *Store {
	return &Store{pool: pool}
}

// Pool exposes the underlying pool for the reset policy.
func (s *Store) Pool() *Pool {
	return s.pool
}

// DB returns the shared handle for read paths that need no transaction.
func (s *Store) DB(ctx context.Context) (Querier, error) {
	return s.pool.Get(ctx)
}

// WithTx runs fn inside a transaction, committing on nil and rolling back
// on error. With the immediate-transaction DSN setting, the write lock is
// taken when the transaction begins, so concurrent mutators serialize here.
func (s *Store) WithTx(ctx context.Context, fn func(q Querier) error) error {
	db, err := s.pool.Get(ctx)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	if err := fn(tx); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan helpers.
type scanner interface {
	Scan(dest ...interface{}) error
}

// prefixColumns qualifies every column in a comma-separated list with a
// table alias, for queries that join tables with overlapping column names.
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

// jsonArray serializes a slice to its JSON column representation. nil and
// empty slices both become "[]".
func jsonArray(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil || string(b) == "null" {
		return "[]"
	}
	return string(b)
}

// int64sFromJSON decodes a JSON array column into ids.
func int64sFromJSON(raw string) ([]int64, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []int64
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode id array: %w", err)
	}
	return out, nil
}

// stringsFromJSON decodes a JSON array column into strings.
func stringsFromJSON(raw string) ([]string, error) {
	if raw == "" || raw == "[]" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, fmt.Errorf("decode string array: %w", err)
	}
	return out, nil
}
