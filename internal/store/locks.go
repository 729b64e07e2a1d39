package store

import "sync"

// SessionLocks serializes writes per session. Entries are reference counted
// so the map does not grow with the number of sessions ever seen.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// NewSessionLocks creates an empty lock set.
func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock acquires the write lock for the session, blocking until available.
func (l *SessionLocks) Lock(sessionID string) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		sl = &sessionLock{}
		l.locks[sessionID] = sl
	}
	sl.refs++
	l.mu.Unlock()

	sl.mu.Lock()
}

// Unlock releases the session write lock and drops the entry once no
// goroutine holds or awaits it.
func (l *SessionLocks) Unlock(sessionID string) {
	l.mu.Lock()
	sl, ok := l.locks[sessionID]
	if !ok {
		l.mu.Unlock()
		panic("store: unlock of unheld session lock: " + sessionID)
	}
	sl.refs--
	if sl.refs == 0 {
		delete(l.locks, sessionID)
	}
	l.mu.Unlock()

	sl.mu.Unlock()
}

// Len reports how many sessions currently have a held or awaited lock.
func (l *SessionLocks) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}
