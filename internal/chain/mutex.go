package chain

import (
	"context"
	"errors"
	"sync"
)

// ErrMutexQueueFull is returned when too many callers wait on one key.
var ErrMutexQueueFull = errors.New("chain: mutex queue full")

// ScopedMutex is a keyed mutex that hands ownership to waiters in arrival
// order and bounds how many may wait per key.
type ScopedMutex struct {
	mu       sync.Mutex
	keys     map[string]*keyState
	maxQueue int
}

type keyState struct {
	held    bool
	waiters []chan struct{}
}

// NewScopedMutex creates a ScopedMutex allowing maxQueue waiters per key.
func NewScopedMutex(maxQueue int) *ScopedMutex {
	if maxQueue < 1 {
		maxQueue = 1
	}
	return &ScopedMutex{keys: make(map[string]*keyState), maxQueue: maxQueue}
}

// Lock blocks until key is owned by the caller and returns its release
// function. Release is idempotent.
func (m *ScopedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.mu.Lock()
	st, ok := m.keys[key]
	if !ok {
		st = &keyState{}
		m.keys[key] = st
	}
	if !st.held {
		st.held = true
		m.mu.Unlock()
		return m.releaser(key), nil
	}
	if len(st.waiters) >= m.maxQueue {
		m.mu.Unlock()
		return nil, ErrMutexQueueFull
	}
	ch := make(chan struct{})
	st.waiters = append(st.waiters, ch)
	m.mu.Unlock()

	select {
	case <-ch:
		return m.releaser(key), nil
	case <-ctx.Done():
		m.mu.Lock()
		for i, w := range st.waiters {
			if w == ch {
				st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, ctx.Err()
			}
		}
		m.mu.Unlock()
		// Ownership was handed over while we were giving up; pass it on.
		m.releaser(key)()
		return nil, ctx.Err()
	}
}

// Waiting returns the number of callers queued on key.
func (m *ScopedMutex) Waiting(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.keys[key]; ok {
		return len(st.waiters)
	}
	return 0
}

func (m *ScopedMutex) releaser(key string) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			st := m.keys[key]
			if len(st.waiters) > 0 {
				next := st.waiters[0]
				st.waiters = st.waiters[1:]
				close(next)
				return
			}
			delete(m.keys, key)
		})
	}
}
