package store_test

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/skillmeter/internal/store"
)

func openPoolStore(t *testing.T, size int) *store.Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "pool.db")
	st, err := store.Open(dbPath, testSchema, store.Options{PoolSize: size})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() {
		_ = st.Close()
	})
	return st
}

func TestPool_NeverExceedsCap(t *testing.T) {
	st := openPoolStore(t, 3)
	pool := st.Pool()
	ctx := context.Background()

	var peak atomic.Int64
	var inUse atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			conn, err := pool.Acquire(ctx, 5*time.Second)
			if err != nil {
				t.Errorf("acquire: %v", err)
				return
			}
			n := inUse.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			inUse.Add(-1)
			pool.Release(conn)
		}()
	}
	wg.Wait()

	if got := peak.Load(); got > 3 {
		t.Fatalf("pool handed out %d connections concurrently, cap is 3", got)
	}
	created, _, _ := pool.Stats()
	if created > 3 {
		t.Fatalf("pool created %d connections, cap is 3", created)
	}
}

func TestPool_AcquireTimesOutWhenExhausted(t *testing.T) {
	st := openPoolStore(t, 1)
	pool := st.Pool()
	ctx := context.Background()

	conn, err := pool.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	_, err = pool.Acquire(ctx, 50*time.Millisecond)
	if !errors.Is(err, store.ErrConnTimeout) {
		t.Fatalf("expected ErrConnTimeout, got %v", err)
	}

	pool.Release(conn)
}

func TestPool_ReleaseWakesWaiter(t *testing.T) {
	st := openPoolStore(t, 1)
	pool := st.Pool()
	ctx := context.Background()

	conn, err := pool.Acquire(ctx, time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}

	got := make(chan error, 1)
	go func() {
		c, err := pool.Acquire(ctx, 2*time.Second)
		if err == nil {
			pool.Release(c)
		}
		got <- err
	}()

	// Give the waiter time to queue, then release.
	time.Sleep(20 * time.Millisecond)
	pool.Release(conn)

	if err := <-got; err != nil {
		t.Fatalf("queued acquire: %v", err)
	}
}

func TestPool_AcquireHonorsContextCancel(t *testing.T) {
	st := openPoolStore(t, 1)
	pool := st.Pool()

	conn, err := pool.Acquire(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("first acquire: %v", err)
	}
	defer pool.Release(conn)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err = pool.Acquire(ctx, 5*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestPool_ResizeShrinksIdleConnections(t *testing.T) {
	st := openPoolStore(t, 4)
	pool := st.Pool()
	ctx := context.Background()

	conns := make([]*sql.Conn, 0, 4)
	for i := 0; i < 4; i++ {
		c, err := pool.Acquire(ctx, time.Second)
		if err != nil {
			t.Fatalf("acquire %d: %v", i, err)
		}
		conns = append(conns, c)
	}
	for _, c := range conns {
		pool.Release(c)
	}

	created, idle, _ := pool.Stats()
	if created != 4 || idle != 4 {
		t.Fatalf("expected 4 created, 4 idle before resize; got %d, %d", created, idle)
	}

	pool.Resize(2)
	created, idle, capSize := pool.Stats()
	if capSize != 2 {
		t.Fatalf("expected cap 2 after resize, got %d", capSize)
	}
	if created != 2 || idle != 2 {
		t.Fatalf("expected shrink to 2 created, 2 idle; got %d, %d", created, idle)
	}
}
