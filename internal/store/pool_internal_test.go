package store

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"
)

func openRawConn(t *testing.T) (*sql.DB, *sql.Conn) {
	t.Helper()
	db, err := sql.Open("sqlite3", filepath.Join(t.TempDir(), "raw.db"))
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	conn, err := db.Conn(context.Background())
	if err != nil {
		t.Fatalf("conn: %v", err)
	}
	t.Cleanup(func() {
		_ = conn.Close()
		_ = db.Close()
	})
	return db, conn
}

// A releasing goroutine pops the waiter before sending, so a channel that is
// gone from the waiter list always has exactly one value in flight. The wait
// cancellation must receive it instead of abandoning the connection.
func TestCancelWait_ReceivesInFlightHandoff(t *testing.T) {
	db, conn := openRawConn(t)
	p := NewPool(db, 1)

	ch := make(chan *sql.Conn, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ch <- conn
	}()

	got, poolClosed := p.cancelWait(ch)
	if poolClosed {
		t.Fatal("handoff reported as pool closed")
	}
	if got != conn {
		t.Fatalf("expected the handed-off connection, got %v", got)
	}
}

func TestCancelWait_ReportsCloseNil(t *testing.T) {
	db, _ := openRawConn(t)
	p := NewPool(db, 1)

	ch := make(chan *sql.Conn, 1)
	go func() {
		time.Sleep(20 * time.Millisecond)
		ch <- nil
	}()

	got, poolClosed := p.cancelWait(ch)
	if got != nil {
		t.Fatalf("expected nil connection, got %v", got)
	}
	if !poolClosed {
		t.Fatal("nil handoff should report the pool as closed")
	}
}

func TestCancelWait_RemovesQueuedWaiter(t *testing.T) {
	db, _ := openRawConn(t)
	p := NewPool(db, 1)

	ch := make(chan *sql.Conn, 1)
	p.mu.Lock()
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	got, poolClosed := p.cancelWait(ch)
	if got != nil || poolClosed {
		t.Fatalf("queued waiter: conn=%v closed=%v", got, poolClosed)
	}
	p.mu.Lock()
	n := len(p.waiters)
	p.mu.Unlock()
	if n != 0 {
		t.Fatalf("waiter list has %d entries, want 0", n)
	}
}
