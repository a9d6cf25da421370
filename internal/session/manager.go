package session

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/thebtf/cadenza/internal/persistence"
)

// Manager tracks the current session and the closed sessions still draining
// their persistence queue. It is driven from the engine loop; queue depths
// are only consistent when read from there.
type Manager struct {
	store persistence.Store
	exec  Executor

	mu       sync.RWMutex
	current  *Session
	sessions map[string]*Session

	onCreated func(id string)
	onDeleted func(id string)
}

// NewManager creates a session manager.
func NewManager(store persistence.Store, exec Executor) *Manager {
	return &Manager{
		store:    store,
		exec:     exec,
		sessions: make(map[string]*Session),
	}
}

// SetOnSessionCreated sets a callback run after a session is created.
func (m *Manager) SetOnSessionCreated(fn func(id string)) {
	m.onCreated = fn
}

// SetOnSessionDeleted sets a callback run after a drained session is dropped.
func (m *Manager) SetOnSessionDeleted(fn func(id string)) {
	m.onDeleted = fn
}

// Create makes a new current session. A previous current session that is
// still recording is left for the caller to stop first.
func (m *Manager) Create(cfg Config) *Session {
	userDrained := cfg.OnDrained
	cfg.OnDrained = func(s *Session) {
		if userDrained != nil {
			userDrained(s)
		}
		m.DeleteSession(s.ID)
	}
	s := New(m.store, m.exec, cfg)

	m.mu.Lock()
	m.sessions[s.ID] = s
	m.current = s
	m.mu.Unlock()

	if m.onCreated != nil {
		m.onCreated(s.ID)
	}
	return s
}

// Current returns the current session, or nil.
func (m *Manager) Current() *Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// DeleteSession drops a session. Deleting an unknown id is a no-op.
func (m *Manager) DeleteSession(id string) {
	m.mu.Lock()
	_, ok := m.sessions[id]
	delete(m.sessions, id)
	if m.current != nil && m.current.ID == id && m.current.State() != StateRecording {
		m.current = nil
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	log.Debug().Str("sessionId", id).Msg("Session drained and removed")
	if m.onDeleted != nil {
		m.onDeleted(id)
	}
}

// GetActiveSessionCount returns the number of tracked sessions.
func (m *Manager) GetActiveSessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// GetTotalQueueDepth returns the number of pending persistence calls across
// all sessions.
func (m *Manager) GetTotalQueueDepth() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	total := 0
	for _, s := range m.sessions {
		total += s.Pending()
	}
	return total
}

// IsAnySessionProcessing reports whether any persistence call is pending.
func (m *Manager) IsAnySessionProcessing() bool {
	return m.GetTotalQueueDepth() > 0
}
