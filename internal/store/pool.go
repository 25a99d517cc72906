package store

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Pool hands out a bounded number of ready-to-use connections. Callers past
// the cap block on a free-list up to their acquire timeout instead of
// creating unbounded connections against the shared file.
type Pool struct {
	db *sql.DB

	mu      sync.Mutex
	free    []*sql.Conn
	waiters []chan *sql.Conn
	cap     int
	created int
	closed  bool
}

// NewPool creates a pool with the given creation cap.
func NewPool(db *sql.DB, size int) *Pool {
	if size <= 0 {
		size = DefaultPoolSize
	}
	return &Pool{db: db, cap: size}
}

// Acquire returns a connection, creating one only below the cap. When the
// pool is exhausted it waits up to timeout for a release and then fails with
// ErrConnTimeout. Every returned connection must be passed back to Release
// exactly once.
func (p *Pool) Acquire(ctx context.Context, timeout time.Duration) (*sql.Conn, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, ErrPoolClosed
	}
	if n := len(p.free); n > 0 {
		conn := p.free[n-1]
		p.free = p.free[:n-1]
		p.mu.Unlock()
		return conn, nil
	}
	if p.created < p.cap {
		p.created++
		p.mu.Unlock()
		conn, err := p.db.Conn(ctx)
		if err != nil {
			p.mu.Lock()
			p.created--
			p.mu.Unlock()
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return conn, nil
	}

	// At the cap: queue behind a release.
	ch := make(chan *sql.Conn, 1)
	p.waiters = append(p.waiters, ch)
	p.mu.Unlock()

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case conn := <-ch:
		if conn == nil {
			return nil, ErrPoolClosed
		}
		return conn, nil
	case <-timer.C:
		conn, poolClosed := p.cancelWait(ch)
		if conn != nil {
			return conn, nil
		}
		if poolClosed {
			return nil, ErrPoolClosed
		}
		return nil, ErrConnTimeout
	case <-ctx.Done():
		conn, poolClosed := p.cancelWait(ch)
		if conn != nil {
			return conn, nil
		}
		if poolClosed {
			return nil, ErrPoolClosed
		}
		return nil, ctx.Err()
	}
}

// cancelWait removes ch from the waiter list. Senders pop a waiter under the
// mutex before sending, so if ch is still queued here no send can be in
// flight and the wait is cancelled cleanly. If ch is already gone from the
// list, a Release or Close has claimed it and exactly one value is on its
// way: receive it, or the connection is stranded in the orphaned channel and
// the slot leaks. A nil value means Close sent it, reported via poolClosed.
func (p *Pool) cancelWait(ch chan *sql.Conn) (conn *sql.Conn, poolClosed bool) {
	p.mu.Lock()
	for i, w := range p.waiters {
		if w == ch {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			p.mu.Unlock()
			return nil, false
		}
	}
	p.mu.Unlock()
	conn = <-ch
	return conn, conn == nil
}

// Release returns a connection to the free-list, handing it directly to the
// oldest waiter when one is queued. If the free-list is already saturated
// (possible after a Resize shrink) the connection is closed and the created
// count decremented instead of leaking a slot.
func (p *Pool) Release(conn *sql.Conn) {
	if conn == nil {
		return
	}
	p.mu.Lock()
	if p.closed {
		p.created--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	if len(p.waiters) > 0 {
		ch := p.waiters[0]
		p.waiters = p.waiters[1:]
		p.mu.Unlock()
		ch <- conn
		return
	}
	if p.created > p.cap || len(p.free) >= p.cap {
		p.created--
		p.mu.Unlock()
		_ = conn.Close()
		return
	}
	p.free = append(p.free, conn)
	p.mu.Unlock()
}

// Resize changes the creation cap. Shrinking closes idle connections
// immediately; connections already handed out drain through Release.
func (p *Pool) Resize(size int) {
	if size <= 0 {
		return
	}
	var toClose []*sql.Conn
	p.mu.Lock()
	p.cap = size
	for p.created > p.cap && len(p.free) > 0 {
		n := len(p.free)
		toClose = append(toClose, p.free[n-1])
		p.free = p.free[:n-1]
		p.created--
	}
	p.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
}

// Stats reports the pool's current occupancy.
func (p *Pool) Stats() (created, idle, cap int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.created, len(p.free), p.cap
}

// Close marks the pool closed, wakes all waiters with a nil connection, and
// closes every idle connection.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	free := p.free
	waiters := p.waiters
	p.free = nil
	p.waiters = nil
	p.created -= len(free)
	p.mu.Unlock()

	for _, ch := range waiters {
		ch <- nil
	}
	for _, c := range free {
		_ = c.Close()
	}
}
