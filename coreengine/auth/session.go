package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session ties a validated caller to a conversation context.
type Session struct {
	ContextID string
	Identity  Identity
	Surface   string
	CreatedAt time.Time
}

// UserID returns the caller's user id.
func (s *Session) UserID() string {
	return s.Identity.UserID
}

// Expired reports whether the caller's token has expired.
func (s *Session) Expired(now time.Time) bool {
	return s.Identity.Expired(now)
}

// SessionManager keeps sessions keyed by context id, with a per-user index.
type SessionManager struct {
	sessions map[string]*Session
	byUser   map[string][]string
	now      func() time.Time
	newID    func() string
	mu       sync.Mutex
}

// SessionOption configures a SessionManager.
type SessionOption func(*SessionManager)

// WithSessionClock sets the clock used for expiry checks.
func WithSessionClock(now func() time.Time) SessionOption {
	return func(m *SessionManager) { m.now = now }
}

// WithContextIDGenerator sets the generator for new context ids.
func WithContextIDGenerator(gen func() string) SessionOption {
	return func(m *SessionManager) { m.newID = gen }
}

// NewSessionManager creates an empty manager.
func NewSessionManager(opts ...SessionOption) *SessionManager {
	m := &SessionManager{
		sessions: make(map[string]*Session),
		byUser:   make(map[string][]string),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Open returns the session for contextID when it belongs to the same user
// and has not expired, refreshing its identity. Otherwise it creates a new
// session under contextID, or under a fresh id when contextID is empty.
func (m *SessionManager) Open(id Identity, surface, contextID string) Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()

	if contextID != "" {
		if existing, ok := m.sessions[contextID]; ok &&
			existing.UserID() == id.UserID && !existing.Expired(now) {
			existing.Identity = id
			return *existing
		}
	}
	if contextID == "" {
		contextID = m.newID()
	}

	if previous, ok := m.sessions[contextID]; ok && previous.UserID() != id.UserID {
		m.unindexLocked(previous.UserID(), contextID)
	}
	s := &Session{ContextID: contextID, Identity: id, Surface: surface, CreatedAt: now}
	m.sessions[contextID] = s

	ids := m.byUser[id.UserID]
	for _, c := range ids {
		if c == contextID {
			return *s
		}
	}
	m.byUser[id.UserID] = append(ids, contextID)
	return *s
}

// Get returns an unexpired session. Expired sessions are dropped on access.
func (m *SessionManager) Get(contextID string) (Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[contextID]
	if !ok {
		return Session{}, false
	}
	if s.Expired(m.now()) {
		m.removeLocked(contextID)
		return Session{}, false
	}
	return *s, true
}

// UserSessions returns the unexpired sessions of a user in creation order.
func (m *SessionManager) UserSessions(userID string) []Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	var out []Session
	for _, c := range append([]string(nil), m.byUser[userID]...) {
		s, ok := m.sessions[c]
		if !ok {
			continue
		}
		if s.Expired(now) {
			m.removeLocked(c)
			continue
		}
		out = append(out, *s)
	}
	return out
}

// CleanupExpired removes every expired session and returns the count.
func (m *SessionManager) CleanupExpired() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	removed := 0
	for c, s := range m.sessions {
		if s.Expired(now) {
			m.removeLocked(c)
			removed++
		}
	}
	return removed
}

// Len returns the number of held sessions.
func (m *SessionManager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

func (m *SessionManager) removeLocked(contextID string) {
	s, ok := m.sessions[contextID]
	if !ok {
		return
	}
	delete(m.sessions, contextID)
	m.unindexLocked(s.UserID(), contextID)
}

func (m *SessionManager) unindexLocked(userID, contextID string) {
	ids := m.byUser[userID]
	for i, c := range ids {
		if c == contextID {
			ids = append(ids[:i], ids[i+1:]...)
			break
		}
	}
	if len(ids) == 0 {
		delete(m.byUser, userID)
		return
	}
	m.byUser[userID] = ids
}
