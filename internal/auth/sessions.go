package auth

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Role of an authenticated principal.
const (
	RoleMaster = "master"
	RoleViewer = "viewer"
)

// Session is one authenticated browser session, keyed by its opaque token.
type Session struct {
	Token        string    `json:"-"`
	Username     string    `json:"username"`
	Role         string    `json:"role"`
	Scope        *ScopeSet `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	ExpiresAt    time.Time `json:"expires_at"`
}

// SessionStore manages active sessions in memory. Sessions do not survive a
// restart; browsers simply log in again.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]Session
	ttl      time.Duration
	maxPer   int
}

// NewSessionStore creates a store with the given session lifetime and
// per-user session quota.
func NewSessionStore(ttl time.Duration, maxPerUser int) *SessionStore {
	return &SessionStore{
		sessions: make(map[string]Session),
		ttl:      ttl,
		maxPer:   maxPerUser,
	}
}

// Create registers a new session for the user. When the user is at quota the
// oldest session by creation time is evicted first.
func (s *SessionStore) Create(username, role string, scope *ScopeSet) (Session, error) {
	token, err := NewToken()
	if err != nil {
		return Session{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.cleanupExpiredLocked()
	s.evictOverQuotaLocked(username)

	now := time.Now().UTC()
	session := Session{
		Token:        token,
		Username:     username,
		Role:         role,
		Scope:        scope,
		CreatedAt:    now,
		LastAccessed: now,
		ExpiresAt:    now.Add(s.ttl),
	}
	s.sessions[token] = session
	return session, nil
}

// Get returns the live session for a token, if any, stamping its last access
// time.
func (s *SessionStore) Get(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	session, exists := s.sessions[token]
	if !exists {
		return Session{}, false
	}
	if time.Now().UTC().After(session.ExpiresAt) {
		return Session{}, false
	}
	session.LastAccessed = time.Now().UTC()
	s.sessions[token] = session
	return session, true
}

// Delete removes a session. Reports whether it existed.
func (s *SessionStore) Delete(token string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, exists := s.sessions[token]
	if exists {
		delete(s.sessions, token)
	}
	return exists
}

// DeleteUserSessions removes every session of a user. Called when an account
// is deleted, deactivated or rescoped so stale scopes cannot linger.
func (s *SessionStore) DeleteUserSessions(username string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for token, sess := range s.sessions {
		if sess.Username == username {
			delete(s.sessions, token)
			count++
		}
	}
	return count
}

// Count returns the number of live sessions.
func (s *SessionStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep runs periodic expiry until the stop channel closes.
func (s *SessionStore) Sweep(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			before := len(s.sessions)
			s.cleanupExpiredLocked()
			removed := before - len(s.sessions)
			s.mu.Unlock()
			if removed > 0 {
				log.Debug().Int("removed", removed).Msg("expired sessions swept")
			}
		}
	}
}

// cleanupExpiredLocked removes expired sessions (caller must hold write lock).
func (s *SessionStore) cleanupExpiredLocked() {
	now := time.Now().UTC()
	for token, session := range s.sessions {
		if now.After(session.ExpiresAt) {
			delete(s.sessions, token)
		}
	}
}

// evictOverQuotaLocked makes room for one more session of the user (caller
// must hold write lock).
func (s *SessionStore) evictOverQuotaLocked(username string) {
	if s.maxPer <= 0 {
		return
	}
	for {
		count := 0
		oldest := ""
		var oldestAt time.Time
		for token, sess := range s.sessions {
			if sess.Username != username {
				continue
			}
			count++
			if oldest == "" || sess.CreatedAt.Before(oldestAt) {
				oldest = token
				oldestAt = sess.CreatedAt
			}
		}
		if count < s.maxPer {
			return
		}
		delete(s.sessions, oldest)
		log.Debug().Str("username", username).Msg("oldest session evicted at quota")
	}
}
