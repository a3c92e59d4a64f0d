// Package keymutex provides a per-key exclusion lock, adapted from the
// teacher's libraries/utils/keymutex package and made generic over any
// comparable key type instead of a bare string (ChunkResourceManager
// instantiates it with chunkresource.Key): ChunkResourceManager needs to
// serialize the create/drop DDL for one (database, table, chunk,
// subChunk) at a time without blocking unrelated keys.
package keymutex

import (
	"context"
	"sync"
)

type state struct {
	locked  bool
	waitCnt int
	free    chan struct{}
}

// Mapped is a map of independent per-key mutexes that cleans up its
// internal state once a key has no holder and no waiter.
type Mapped[K comparable] struct {
	mu     sync.Mutex
	states map[K]*state
}

// New returns an empty Mapped keymutex.
func New[K comparable]() *Mapped[K] {
	return &Mapped[K]{states: make(map[K]*state)}
}

// Lock blocks until key is uncontended or ctx is done.
func (m *Mapped[K]) Lock(ctx context.Context, key K) error {
	for {
		m.mu.Lock()
		s, ok := m.states[key]
		if !ok {
			s = &state{locked: true}
			m.states[key] = s
			m.mu.Unlock()
			return nil
		}
		if !s.locked {
			s.locked = true
			m.mu.Unlock()
			return nil
		}
		if s.free == nil {
			s.free = make(chan struct{})
		}
		s.waitCnt++
		free := s.free
		m.mu.Unlock()

		select {
		case <-free:
		case <-ctx.Done():
			m.mu.Lock()
			s.waitCnt--
			m.mu.Unlock()
			return ctx.Err()
		}

		m.mu.Lock()
		s.waitCnt--
		m.mu.Unlock()
	}
}

// Unlock releases key. Unlock of a key not currently held is a no-op.
func (m *Mapped[K]) Unlock(key K) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.states[key]
	if !ok {
		return
	}
	s.locked = false
	if s.waitCnt == 0 {
		delete(m.states, key)
		return
	}
	free := s.free
	s.free = nil
	close(free)
}

// Len reports how many keys currently have live state (held or awaited),
// used by tests asserting the map cleans itself up.
func (m *Mapped[K]) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.states)
}
