// ABOUTME: Tests for the per-session lock registry
// ABOUTME: Validates serialization, queuing, cancellation, and idle eviction

package session

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T, ttl time.Duration) *Registry {
	t.Helper()
	// Long sweep interval so tests drive eviction by calling evictIdle directly
	r := NewRegistry(ttl, time.Hour)
	t.Cleanup(r.Close)
	return r
}

func TestRegistry_AcquireRelease(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	release, err := r.Acquire(context.Background(), "session-a")
	require.NoError(t, err)
	release()

	// Lock is free again
	release, err = r.Acquire(context.Background(), "session-a")
	require.NoError(t, err)
	release()
}

func TestRegistry_SerializesSameSession(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	const numGoroutines = 20
	var mu sync.Mutex
	inCritical := 0
	maxInCritical := 0

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func() {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), "contested")
			if err != nil {
				t.Error(err)
				return
			}
			defer release()

			mu.Lock()
			inCritical++
			if inCritical > maxInCritical {
				maxInCritical = inCritical
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			inCritical--
			mu.Unlock()
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, maxInCritical, "at most one holder of a session's lock at a time")
}

func TestRegistry_IndependentSessions(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	releaseA, err := r.Acquire(context.Background(), "session-a")
	require.NoError(t, err)
	defer releaseA()

	// Holding session-a must not block session-b
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	releaseB, err := r.Acquire(ctx, "session-b")
	require.NoError(t, err)
	releaseB()
}

func TestRegistry_WaiterProceedsAfterRelease(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	release, err := r.Acquire(context.Background(), "queued")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := r.Acquire(context.Background(), "queued")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		release2()
	}()

	// The waiter stays queued while the lock is held
	select {
	case <-acquired:
		t.Fatal("waiter acquired lock while it was held")
	case <-time.After(50 * time.Millisecond):
	}

	release()

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock after release")
	}
}

func TestRegistry_AcquireCanceledWhileQueued(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	release, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Acquire(ctx, "busy")
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// The abandoned wait must not poison the lock for later acquirers
	release()
	release2, err := r.Acquire(context.Background(), "busy")
	require.NoError(t, err)
	release2()
}

func TestRegistry_EvictionRemovesIdleLocks(t *testing.T) {
	r := newTestRegistry(t, 10*time.Millisecond)

	release, err := r.Acquire(context.Background(), "short-lived")
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, r.Size())

	time.Sleep(20 * time.Millisecond)
	r.evictIdle()
	assert.Equal(t, 0, r.Size())
}

func TestRegistry_EvictionSkipsHeldLocks(t *testing.T) {
	r := newTestRegistry(t, 10*time.Millisecond)

	release, err := r.Acquire(context.Background(), "held")
	require.NoError(t, err)

	// Idle past the TTL but still held
	time.Sleep(20 * time.Millisecond)
	r.evictIdle()
	assert.Equal(t, 1, r.Size(), "held lock must survive the sweep")

	release()
	time.Sleep(20 * time.Millisecond)
	r.evictIdle()
	assert.Equal(t, 0, r.Size())
}

func TestRegistry_EvictionSkipsQueuedWaiters(t *testing.T) {
	r := newTestRegistry(t, time.Nanosecond)

	release, err := r.Acquire(context.Background(), "popular")
	require.NoError(t, err)

	acquired := make(chan struct{})
	go func() {
		release2, err := r.Acquire(context.Background(), "popular")
		if err != nil {
			t.Error(err)
			return
		}
		close(acquired)
		release2()
	}()

	// Give the waiter time to park, then sweep while it waits
	time.Sleep(20 * time.Millisecond)
	r.evictIdle()
	assert.Equal(t, 1, r.Size(), "lock with a queued waiter must survive the sweep")

	release()
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired lock after release")
	}
}

func TestRegistry_SessionReturnsAfterEviction(t *testing.T) {
	r := newTestRegistry(t, time.Nanosecond)

	release, err := r.Acquire(context.Background(), "returning")
	require.NoError(t, err)
	release()

	time.Sleep(time.Millisecond)
	r.evictIdle()
	require.Equal(t, 0, r.Size())

	// A fresh lock is created transparently
	release, err = r.Acquire(context.Background(), "returning")
	require.NoError(t, err)
	release()
	assert.Equal(t, 1, r.Size())
}

func TestRegistry_ReleaseIdempotent(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	release, err := r.Acquire(context.Background(), "double")
	require.NoError(t, err)
	release()
	release()

	// A double release must not leave a phantom token behind
	release2, err := r.Acquire(context.Background(), "double")
	require.NoError(t, err)
	release2()
}

func TestRegistry_Concurrent(t *testing.T) {
	r := newTestRegistry(t, time.Minute)

	const numGoroutines = 50
	sessions := []string{"s1", "s2", "s3", "s4", "s5"}

	var wg sync.WaitGroup
	wg.Add(numGoroutines)
	for i := 0; i < numGoroutines; i++ {
		go func(id int) {
			defer wg.Done()
			release, err := r.Acquire(context.Background(), sessions[id%len(sessions)])
			if err != nil {
				t.Error(err)
				return
			}
			release()
		}(i)
	}
	wg.Wait()

	assert.Equal(t, len(sessions), r.Size())
}

func TestRegistry_Close(t *testing.T) {
	r := NewRegistry(time.Minute, time.Hour)

	release, err := r.Acquire(context.Background(), "before-close")
	require.NoError(t, err)
	release()

	r.Close()
	r.Close()

	_, err = r.Acquire(context.Background(), "after-close")
	assert.ErrorIs(t, err, ErrClosed)
}
