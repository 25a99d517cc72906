// Package store owns the embedded SQLite files behind the run ledger and the
// budget accountant. Each schema owner opens its own file so a locked or
// corrupt ledger never blocks budget decisions, and vice versa.
//
// Every Store is configured for concurrent readers alongside a single writer
// (WAL), a 30s busy timeout before a lock conflict surfaces, and
// synchronous=NORMAL durability. Transactions begin IMMEDIATE so a
// read-then-write sequence holds the write lock from its first statement.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	// DefaultPoolSize matches the expected concurrent-agent count.
	DefaultPoolSize = 20

	// DefaultBusyTimeout is how long a statement waits on a lock conflict
	// before the driver gives up and the error maps to ErrTxConflict.
	DefaultBusyTimeout = 30 * time.Second

	// DefaultAcquireTimeout bounds waiting for a pooled connection.
	DefaultAcquireTimeout = 10 * time.Second
)

// Options tune a Store at open time. Zero values take the defaults above.
type Options struct {
	PoolSize    int
	BusyTimeout time.Duration
}

// Store wraps one SQLite file and its bounded connection pool.
type Store struct {
	db   *sql.DB
	pool *Pool
	path string
}

// Open creates the parent directory if needed, opens the database file, and
// applies the given schema statements inside a single exclusive transaction
// so concurrent first-time initializers cannot race on CREATE TABLE.
//
// Open failures are fatal and wrap ErrStoreUnavailable.
func Open(path string, schema []string, opts Options) (*Store, error) {
	if opts.PoolSize <= 0 {
		opts.PoolSize = DefaultPoolSize
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = DefaultBusyTimeout
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: create db directory: %v", ErrStoreUnavailable, err)
	}

	// _synchronous rides in the DSN so every pooled connection gets it;
	// a PRAGMA through db.Exec would only reach one connection.
	dsn := fmt.Sprintf("%s?_busy_timeout=%d&_foreign_keys=on&_txlock=immediate&_synchronous=NORMAL",
		path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open sqlite3: %v", ErrStoreUnavailable, err)
	}
	db.SetMaxOpenConns(opts.PoolSize)
	db.SetMaxIdleConns(opts.PoolSize)
	db.SetConnMaxLifetime(0)

	s := &Store{db: db, path: path}
	ctx := context.Background()
	if err := s.configurePragmas(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if err := s.initSchema(ctx, schema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.pool = NewPool(db, opts.PoolSize)
	return s, nil
}

// configurePragmas sets the database-level journal mode. WAL is persistent
// in the file, so one statement covers all connections; per-connection
// pragmas belong in the DSN instead.
func (s *Store) configurePragmas(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "PRAGMA journal_mode=WAL;"); err != nil {
		return fmt.Errorf("set journal_mode: %w", err)
	}
	return nil
}

// initSchema applies the owner's CREATE IF NOT EXISTS statements in one
// transaction. Safe to race across processes: the loser of the lock race
// waits on the busy timeout and then finds the tables already present.
func (s *Store) initSchema(ctx context.Context, schema []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		if isSQLiteBusy(err) {
			return fmt.Errorf("%w: begin schema tx: %v", ErrTxConflict, err)
		}
		return fmt.Errorf("%w: begin schema tx: %v", ErrStoreUnavailable, err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("%w: exec schema: %v", ErrStoreUnavailable, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%w: commit schema tx: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Pool returns the bounded connection pool.
func (s *Store) Pool() *Pool {
	return s.pool
}

// DB exposes the underlying handle for tests and one-off maintenance.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Path returns the database file path.
func (s *Store) Path() string {
	return s.path
}

// WithConn runs fn with a pooled connection, releasing it on every exit path.
func (s *Store) WithConn(ctx context.Context, fn func(*sql.Conn) error) error {
	conn, err := s.pool.Acquire(ctx, DefaultAcquireTimeout)
	if err != nil {
		return err
	}
	defer s.pool.Release(conn)
	return fn(conn)
}

// WithTx runs fn inside an exclusive transaction on a pooled connection.
// The transaction commits when fn returns nil and rolls back otherwise;
// partial writes never persist. Lock-busy failures map to ErrTxConflict.
func (s *Store) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	return s.WithConn(ctx, func(conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			if isSQLiteBusy(err) {
				return fmt.Errorf("%w: begin: %v", ErrTxConflict, err)
			}
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(tx); err != nil {
			_ = tx.Rollback()
			if isSQLiteBusy(err) {
				return fmt.Errorf("%w: %v", ErrTxConflict, err)
			}
			return err
		}
		if err := tx.Commit(); err != nil {
			if isSQLiteBusy(err) {
				return fmt.Errorf("%w: commit: %v", ErrTxConflict, err)
			}
			return fmt.Errorf("commit tx: %w", err)
		}
		return nil
	})
}

// Close shuts down the pool and the database handle.
func (s *Store) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return s.db.Close()
}
