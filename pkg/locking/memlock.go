package locking

import (
	"context"
	"sync"
)

// MemLock is a Group implementation that uses in-memory locks for mutual
// exclusion. It only works within a single process and doesn't work if
// several filecache processes share the same cache root.
type MemLock struct {
	sync.Mutex
	locks map[string]*refLock
}

// refLock is a per-key lock that is dropped from the map once unused.
type refLock struct {
	ch   chan struct{}
	refs int
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]*refLock),
	}
}

func (s *MemLock) DoWithLock(ctx context.Context, key string, fn func() error) error {
	s.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = &refLock{ch: make(chan struct{}, 1)}
		s.locks[key] = lock
	}
	lock.refs++
	s.Unlock()
	defer s.release(key, lock)

	select {
	case lock.ch <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock.ch }()

	return fn()
}

func (s *MemLock) release(key string, lock *refLock) {
	s.Lock()
	defer s.Unlock()
	lock.refs--
	if lock.refs == 0 {
		delete(s.locks, key)
	}
}

// size returns the number of keys currently tracked.
func (s *MemLock) size() int {
	s.Lock()
	defer s.Unlock()
	return len(s.locks)
}
