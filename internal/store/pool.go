// Package store provides SQLite persistence for the foreman service. It
// owns the shared connection handle, the schema, and typed row mapping:
// rows become models structs at this boundary and nothing above it sees
// column names.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/gofrs/flock"
	_ "github.com/mattn/go-sqlite3"

	_ "embed"
)

//go:embed schema.sql
var schemaSQL string

// Pool is the lazily-initialized shared database handle. First use opens
// the database; Reset tears it down so the next use reopens it. The
// background sweeps use Reset as their failure-isolation policy after
// repeated storage errors.
type Pool struct {
	path string

	// db is the fast path; mu guards (re)initialization so concurrent
	// first-callers do not open the database twice.
	db atomic.Pointer[sql.DB]
	mu sync.Mutex

	lock *flock.Flock
}

// NewPool creates a Pool for the database at path. The database is not
// opened until first use.
func NewPool(path string) *Pool {
	return &Pool{path: path}
}

// Get returns the shared handle, opening the database on first use.
func (p *Pool) Get(ctx context.Context) (*sql.DB, error) {
	if db := p.db.Load(); db != nil {
		return db, nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if db := p.db.Load(); db != nil {
		return db, nil
	}

	db, lock, err := p.open(ctx)
	if err != nil {
		return nil, err
	}
	p.lock = lock
	p.db.Store(db)
	return db, nil
}

// open creates the database file, acquires the process lock beside it,
// applies pragmas, and initializes the schema.
func (p *Pool) open(ctx context.Context) (*sql.DB, *flock.Flock, error) {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("create database directory: %w", err)
	}

	// One process per database file. SQLite tolerates multiple writers
	// badly; the lock file turns a misconfigured second server into a
	// clean startup error instead of sporadic SQLITE_BUSY failures.
	lock := flock.New(p.path + ".lock")
	held, err := lock.TryLock()
	if err != nil {
		return nil, nil, fmt.Errorf("acquire database lock: %w", err)
	}
	if !held {
		return nil, nil, fmt.Errorf("database %s is locked by another process", p.path)
	}

	// _txlock=immediate makes every write transaction take the write lock
	// up front, serializing concurrent claimants the way FOR UPDATE would
	// on a server database. busy_timeout must be set so lock waiters block
	// instead of failing immediately.
	dsn := fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL&_synchronous=NORMAL&_foreign_keys=on&_txlock=immediate",
		url.PathEscape(p.path))

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		unlockQuiet(lock)
		return nil, nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		unlockQuiet(lock)
		return nil, nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.ExecContext(ctx, schemaSQL); err != nil {
		db.Close()
		unlockQuiet(lock)
		return nil, nil, fmt.Errorf("init schema: %w", err)
	}

	return db, lock, nil
}

// Reset tears down the handle. The next Get reopens the database. Close
// errors are ignored; a handle being reset is presumed broken already.
func (p *Pool) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if db := p.db.Load(); db != nil {
		_ = db.Close()
		p.db.Store(nil)
	}
	if p.lock != nil {
		unlockQuiet(p.lock)
		p.lock = nil
	}
}

// Close releases the handle and the process lock.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var err error
	if db := p.db.Load(); db != nil {
		err = db.Close()
		p.db.Store(nil)
	}
	if p.lock != nil {
		if uerr := p.lock.Unlock(); uerr != nil && err == nil {
			err = uerr
		}
		p.lock = nil
	}
	return err
}

func unlockQuiet(l *flock.Flock) {
	_ = l.Unlock()
}
