// Package conversation provides per-conversation serialization. History
// writes for one (channelId, conversationId) pair run one at a time while
// different conversations progress in parallel.
package conversation

import (
	"context"
	"sync"
)

// KeyedMutex provides per-key mutual exclusion with FIFO handoff.
//
// Acquire returns a release function that must be called when done. Release
// is idempotent; calling it more than once is safe. Concurrent acquirers of
// the same key are granted the lock in arrival order.
type KeyedMutex struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	held    bool
	waiters []chan struct{}
	// refs counts holders plus waiters so idle entries can be dropped.
	refs int
}

// NewKeyedMutex creates an empty mutex table.
func NewKeyedMutex() *KeyedMutex {
	return &KeyedMutex{locks: make(map[string]*keyLock)}
}

// Acquire blocks until the key's lock is free or ctx is done. On success it
// returns a release function; on context cancellation it returns ctx's error
// and no lock is held.
func (m *KeyedMutex) Acquire(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	lock, ok := m.locks[key]
	if !ok {
		lock = &keyLock{}
		m.locks[key] = lock
	}
	lock.refs++

	if !lock.held {
		lock.held = true
		m.mu.Unlock()
		return m.releaseFunc(key), nil
	}

	ready := make(chan struct{})
	lock.waiters = append(lock.waiters, ready)
	m.mu.Unlock()

	select {
	case <-ready:
		return m.releaseFunc(key), nil
	case <-ctx.Done():
		m.abandon(key, ready)
		return nil, ctx.Err()
	}
}

// releaseFunc builds the idempotent release handle for one acquisition.
func (m *KeyedMutex) releaseFunc(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.release(key)
		})
	}
}

func (m *KeyedMutex) release(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	lock, ok := m.locks[key]
	if !ok {
		return
	}
	lock.refs--

	if len(lock.waiters) > 0 {
		next := lock.waiters[0]
		lock.waiters = lock.waiters[1:]
		close(next)
		return
	}

	lock.held = false
	if lock.refs <= 0 {
		delete(m.locks, key)
	}
}

// abandon removes a cancelled waiter. If the grant raced with cancellation,
// the lock is passed on so it is never leaked.
func (m *KeyedMutex) abandon(key string, ready chan struct{}) {
	m.mu.Lock()

	lock, ok := m.locks[key]
	if !ok {
		m.mu.Unlock()
		return
	}

	for i, w := range lock.waiters {
		if w == ready {
			lock.waiters = append(lock.waiters[:i], lock.waiters[i+1:]...)
			lock.refs--
			if lock.refs <= 0 && !lock.held {
				delete(m.locks, key)
			}
			m.mu.Unlock()
			return
		}
	}
	m.mu.Unlock()

	// Not in the waiter list: the grant already happened. Release it.
	select {
	case <-ready:
		m.release(key)
	default:
	}
}

// Locked reports whether the key is currently held. Intended for tests and
// the dashboard.
func (m *KeyedMutex) Locked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[key]
	return ok && lock.held
}
