package concurrency

import "sync"

type sessionLock struct {
	mu   sync.Mutex
	refs int
}

// SessionLocks hands out one mutex per session. Entries are dropped once no
// caller holds or waits on them, so closed sessions do not pile up.
type SessionLocks struct {
	mu    sync.Mutex
	locks map[string]*sessionLock
}

func NewSessionLocks() *SessionLocks {
	return &SessionLocks{locks: make(map[string]*sessionLock)}
}

// Lock blocks until the session's mutex is held and returns its release func.
func (m *SessionLocks) Lock(sessionID string) func() {
	m.mu.Lock()
	l, ok := m.locks[sessionID]
	if !ok {
		l = &sessionLock{}
		m.locks[sessionID] = l
	}
	l.refs++
	m.mu.Unlock()

	l.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			l.mu.Unlock()
			m.mu.Lock()
			l.refs--
			if l.refs == 0 {
				delete(m.locks, sessionID)
			}
			m.mu.Unlock()
		})
	}
}

// Len reports how many sessions currently have a lock entry.
func (m *SessionLocks) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}
