package services

import (
	"sync"

	"room-engine/pkg/logger"
)

// ownerLocks serializes mutations per room owner. Entries are reference
// counted and dropped once nobody holds or waits on them.
type ownerLocks struct {
	mu    sync.Mutex
	locks map[string]*ownerLock
}

type ownerLock struct {
	mu   sync.Mutex
	refs int
}

func newOwnerLocks() *ownerLocks {
	return &ownerLocks{locks: make(map[string]*ownerLock)}
}

// lock blocks until ownerID's lock is held and returns the unlock func.
func (l *ownerLocks) lock(ownerID string) func() {
	l.mu.Lock()
	ol, ok := l.locks[ownerID]
	if !ok {
		ol = &ownerLock{}
		l.locks[ownerID] = ol
	}
	ol.refs++
	l.mu.Unlock()

	ol.mu.Lock()
	return func() {
		ol.mu.Unlock()
		l.mu.Lock()
		ol.refs--
		if ol.refs == 0 {
			delete(l.locks, ownerID)
		}
		l.mu.Unlock()
	}
}

func (l *ownerLocks) size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// retryOnce runs fn and, on a storage failure, runs it one more time.
// Only idempotent operations go through here.
func retryOnce[T any](op string, fn func() (T, error)) (T, error) {
	v, err := fn()
	if !retryable(err) {
		return v, err
	}
	logger.Warn("%s failed, retrying once: %v", op, err)
	return fn()
}
