package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/skillmeter/internal/store"
)

var testSchema = []string{
	`CREATE TABLE IF NOT EXISTS widgets (
		id INTEGER PRIMARY KEY,
		name TEXT NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS idx_widgets_name ON widgets(name);`,
}

func openTestStore(t *testing.T) (*store.Store, string) {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")
	st, err := store.Open(dbPath, testSchema, store.Options{})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st, dbPath
}

func TestStore_OpenConfiguresWALAndSchema(t *testing.T) {
	st, _ := openTestStore(t)
	db := st.DB()

	var journal string
	if err := db.QueryRow("PRAGMA journal_mode;").Scan(&journal); err != nil {
		t.Fatalf("pragma journal_mode: %v", err)
	}
	if journal != "wal" {
		t.Fatalf("expected journal_mode=wal, got %q", journal)
	}

	var synchronous int
	if err := db.QueryRow("PRAGMA synchronous;").Scan(&synchronous); err != nil {
		t.Fatalf("pragma synchronous: %v", err)
	}
	// SQLite NORMAL == 1.
	if synchronous != 1 {
		t.Fatalf("expected synchronous NORMAL(1), got %d", synchronous)
	}

	var foreignKeys int
	if err := db.QueryRow("PRAGMA foreign_keys;").Scan(&foreignKeys); err != nil {
		t.Fatalf("pragma foreign_keys: %v", err)
	}
	if foreignKeys != 1 {
		t.Fatalf("expected foreign_keys=1, got %d", foreignKeys)
	}

	var name string
	if err := db.QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name='widgets'").Scan(&name); err != nil {
		t.Fatalf("widgets table not found: %v", err)
	}
}

// The synchronous setting is per-connection, so it rides in the DSN rather
// than a one-off PRAGMA. Check several distinct pooled connections, not just
// whichever one a db.QueryRow happens to land on.
func TestStore_SynchronousNormalOnEveryConnection(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	conns := make([]*sql.Conn, 0, 3)
	for i := 0; i < 3; i++ {
		conn, err := st.DB().Conn(ctx)
		if err != nil {
			t.Fatalf("conn %d: %v", i, err)
		}
		conns = append(conns, conn)
		var synchronous int
		if err := conn.QueryRowContext(ctx, "PRAGMA synchronous;").Scan(&synchronous); err != nil {
			t.Fatalf("conn %d pragma: %v", i, err)
		}
		if synchronous != 1 {
			t.Fatalf("conn %d: expected synchronous NORMAL(1), got %d", i, synchronous)
		}
	}
	for _, c := range conns {
		_ = c.Close()
	}
}

func TestStore_SchemaIdempotentAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "test.db")

	st, err := store.Open(dbPath, testSchema, store.Options{})
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if _, err := st.DB().Exec("INSERT INTO widgets (name) VALUES ('a')"); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	st, err = store.Open(dbPath, testSchema, store.Options{})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()

	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM widgets").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 row after reopen, got %d", count)
	}
}

func TestStore_WithTxCommitsOnNil(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, "INSERT INTO widgets (name) VALUES ('committed')")
		return err
	})
	if err != nil {
		t.Fatalf("with tx: %v", err)
	}

	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM widgets WHERE name='committed'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected committed row, got %d", count)
	}
}

func TestStore_WithTxRollsBackOnError(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	sentinel := errors.New("abort")
	err := st.WithTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, "INSERT INTO widgets (name) VALUES ('doomed')"); err != nil {
			return err
		}
		return sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	var count int
	if err := st.DB().QueryRow("SELECT COUNT(*) FROM widgets WHERE name='doomed'").Scan(&count); err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected rollback, found %d rows", count)
	}
}

func TestStore_WithConnReleasesOnReturn(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := st.WithConn(ctx, func(conn *sql.Conn) error {
			var one int
			return conn.QueryRowContext(ctx, "SELECT 1").Scan(&one)
		})
		if err != nil {
			t.Fatalf("with conn %d: %v", i, err)
		}
	}

	_, idle, _ := st.Pool().Stats()
	if idle != 1 {
		t.Fatalf("expected a single idle connection after sequential use, got %d", idle)
	}
}

func TestStore_OpenCreatesParentDir(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "nested", "deep", "test.db")
	st, err := store.Open(dbPath, testSchema, store.Options{})
	if err != nil {
		t.Fatalf("open with nested path: %v", err)
	}
	defer st.Close()
	if st.Path() != dbPath {
		t.Fatalf("path mismatch: %q", st.Path())
	}
}
