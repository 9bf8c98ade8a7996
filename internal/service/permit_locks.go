package service

import "sync"

// permitLocks serializes workflow mutations per permit within this process.
// The optimistic version check on the permits row remains the durable
// backstop when multiple instances share a database.
type permitLocks struct {
	mu    sync.Mutex
	locks map[string]*permitLock
}

type permitLock struct {
	mu   sync.Mutex
	refs int
}

func newPermitLocks() *permitLocks {
	return &permitLocks{locks: make(map[string]*permitLock)}
}

// Acquire blocks until the permit's lock is held and returns the release
// function. Entries are reference counted so the map does not grow with
// every permit ever touched.
func (l *permitLocks) Acquire(permitID string) func() {
	l.mu.Lock()
	entry, ok := l.locks[permitID]
	if !ok {
		entry = &permitLock{}
		l.locks[permitID] = entry
	}
	entry.refs++
	l.mu.Unlock()

	entry.mu.Lock()

	return func() {
		entry.mu.Unlock()
		l.mu.Lock()
		entry.refs--
		if entry.refs == 0 {
			delete(l.locks, permitID)
		}
		l.mu.Unlock()
	}
}
