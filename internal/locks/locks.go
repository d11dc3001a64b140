// Package locks provides named lock resources shared between stages.
// A stage declaring a lock blocks until it is available and releases
// it unconditionally on exit.
package locks

import (
	"context"
	"fmt"
	"sync"
)

// Manager is an in-process table of named locks. Waiters are served
// in arrival order.
type Manager struct {
	mu    sync.Mutex
	locks map[string]*lockState
}

type lockState struct {
	held  bool
	queue []chan struct{}
}

// NewManager creates an empty lock table.
func NewManager() *Manager {
	return &Manager{locks: make(map[string]*lockState)}
}

// Acquire blocks until the named lock is available or ctx is done.
func (m *Manager) Acquire(ctx context.Context, name string) error {
	m.mu.Lock()
	st, ok := m.locks[name]
	if !ok {
		st = &lockState{}
		m.locks[name] = st
	}
	if !st.held {
		st.held = true
		m.mu.Unlock()
		return nil
	}
	waiter := make(chan struct{})
	st.queue = append(st.queue, waiter)
	m.mu.Unlock()

	select {
	case <-waiter:
		return nil
	case <-ctx.Done():
		m.abandon(name, waiter)
		return fmt.Errorf("waiting for lock %q: %w", name, ctx.Err())
	}
}

// Release hands the named lock to the oldest waiter, or frees it.
// Releasing a lock that is not held is a no-op so deferred releases on
// already-cancelled stages stay safe.
func (m *Manager) Release(name string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok || !st.held {
		return
	}
	if len(st.queue) > 0 {
		next := st.queue[0]
		st.queue = st.queue[1:]
		close(next)
		return
	}
	st.held = false
}

// abandon removes a waiter that gave up. If the lock was handed over
// concurrently with cancellation, it is passed along instead of lost.
func (m *Manager) abandon(name string, waiter chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.locks[name]
	if !ok {
		return
	}
	for i, w := range st.queue {
		if w == waiter {
			st.queue = append(st.queue[:i], st.queue[i+1:]...)
			return
		}
	}
	// Not queued anymore: the lock was granted to us. Pass it on.
	select {
	case <-waiter:
		if len(st.queue) > 0 {
			next := st.queue[0]
			st.queue = st.queue[1:]
			close(next)
		} else {
			st.held = false
		}
	default:
	}
}
