package session

import (
	"sync"
	"time"
)

// DefaultMaxIdle is how long an untouched session survives cleanup.
const DefaultMaxIdle = 24 * time.Hour

// Manager owns the process-wide session map.
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	maxIdle  time.Duration
}

// NewManager creates a session manager.
func NewManager(maxIdle time.Duration) *Manager {
	if maxIdle <= 0 {
		maxIdle = DefaultMaxIdle
	}
	return &Manager{
		sessions: make(map[string]*Session),
		maxIdle:  maxIdle,
	}
}

// Resolve returns the session for id, creating it on first use. Empty
// ids map to the default session.
func (m *Manager) Resolve(id string) *Session {
	if id == "" {
		id = DefaultSessionID
	}
	m.mu.RLock()
	s, ok := m.sessions[id]
	m.mu.RUnlock()
	if ok {
		return s
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return s
	}
	s = newSession(id)
	m.sessions[id] = s
	return s
}

// Get returns an existing session without creating one.
func (m *Manager) Get(id string) (*Session, bool) {
	if id == "" {
		id = DefaultSessionID
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

// Delete removes a session.
func (m *Manager) Delete(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// Count returns the number of live sessions.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep drops sessions idle past the configured horizon and returns
// how many were removed.
func (m *Manager) Sweep() int {
	cutoff := time.Now().Add(-m.maxIdle)
	m.mu.Lock()
	defer m.mu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		if s.UpdatedAt().Before(cutoff) {
			delete(m.sessions, id)
			removed++
		}
	}
	return removed
}
