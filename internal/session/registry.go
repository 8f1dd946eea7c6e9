// ABOUTME: Per-session lock registry that serializes turns on a session
// ABOUTME: Lazily creates locks and evicts idle ones in a background sweep

package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// ErrClosed is returned by Acquire after the registry has been shut down.
var ErrClosed = errors.New("session registry closed")

// entry holds one session's lock state. The semaphore carries the lock
// itself; refs counts holders plus waiters so the sweeper never removes an
// entry someone is parked on.
type entry struct {
	sem      chan struct{}
	refs     int
	lastUsed time.Time
}

// Registry hands out per-session locks. Locks are created on first use and
// removed again once a session has been idle past the TTL, so memory stays
// proportional to recently active sessions rather than all sessions ever
// seen. A background goroutine performs the sweep.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	ttl     time.Duration
	done    chan struct{}
	closed  bool
	logger  *slog.Logger
}

// NewRegistry creates a registry whose idle locks expire after ttl, checked
// every sweepInterval.
func NewRegistry(ttl, sweepInterval time.Duration) *Registry {
	r := &Registry{
		entries: make(map[string]*entry),
		ttl:     ttl,
		done:    make(chan struct{}),
		logger:  slog.Default().With("component", "session"),
	}
	go r.sweep(sweepInterval)
	return r
}

// Acquire takes the session's lock, blocking behind any current holder until
// ctx is done. Waiters are queued, not rejected. On success the returned
// release function must be called to free the lock; calling it more than
// once is harmless.
func (r *Registry) Acquire(ctx context.Context, sessionID string) (func(), error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	e, ok := r.entries[sessionID]
	if !ok {
		e = &entry{sem: make(chan struct{}, 1)}
		r.entries[sessionID] = e
	}
	e.refs++
	r.mu.Unlock()

	select {
	case e.sem <- struct{}{}:
		var once sync.Once
		return func() {
			once.Do(func() {
				r.release(e)
			})
		}, nil
	case <-ctx.Done():
		r.mu.Lock()
		e.refs--
		e.lastUsed = time.Now()
		r.mu.Unlock()
		return nil, ctx.Err()
	}
}

// release frees the lock and retires this acquirer's reference.
func (r *Registry) release(e *entry) {
	<-e.sem
	r.mu.Lock()
	e.refs--
	e.lastUsed = time.Now()
	r.mu.Unlock()
}

// Size returns the number of sessions currently tracked.
func (r *Registry) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// sweep runs in a background goroutine, periodically evicting idle locks.
func (r *Registry) sweep(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			r.evictIdle()
		case <-r.done:
			return
		}
	}
}

// evictIdle removes entries with no holders or waiters that have been unused
// past the TTL. An entry with refs > 0 is never removed, so a queued waiter
// always ends up with the same lock the holder releases.
func (r *Registry) evictIdle() {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	evicted := 0
	for id, e := range r.entries {
		if e.refs == 0 && now.Sub(e.lastUsed) > r.ttl {
			delete(r.entries, id)
			evicted++
		}
	}
	if evicted > 0 {
		r.logger.Debug("evicted idle session locks", "count", evicted, "remaining", len(r.entries))
	}
}

// Close stops the background sweep. It is safe to call multiple times.
// Waiters already queued keep their position; new Acquire calls fail.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.closed {
		close(r.done)
		r.closed = true
	}
}
