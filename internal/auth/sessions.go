// Package auth provides credential verification and session tracking for
// the HTTP layer. Sessions live in memory, matching the single-process
// deployment model; restarting the server logs everyone out.
package auth

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// Session associates an opaque token with an authenticated user.
type Session struct {
	Token     string
	UserID    string
	Username  string
	ExpiresAt time.Time
}

// Sessions is a mutex-guarded in-memory session table.
type Sessions struct {
	mu  sync.Mutex
	ttl time.Duration
	m   map[string]Session

	// now is replaceable in tests.
	now func() time.Time
}

// NewSessions creates a session table with the given time-to-live.
func NewSessions(ttl time.Duration) *Sessions {
	return &Sessions{
		ttl: ttl,
		m:   make(map[string]Session),
		now: time.Now,
	}
}

// Create registers a new session for the user and returns it.
func (s *Sessions) Create(userID, username string) Session {
	sess := Session{
		Token:     uuid.NewString(),
		UserID:    userID,
		Username:  username,
		ExpiresAt: s.now().Add(s.ttl),
	}
	s.mu.Lock()
	s.m[sess.Token] = sess
	s.mu.Unlock()
	return sess
}

// Get returns the session for the token. Expired sessions are removed
// lazily on lookup; there is no background sweeper.
func (s *Sessions) Get(token string) (Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.m[token]
	if !ok {
		return Session{}, false
	}
	if s.now().After(sess.ExpiresAt) {
		delete(s.m, token)
		return Session{}, false
	}
	return sess, true
}

// Delete removes the session for the token, if any.
func (s *Sessions) Delete(token string) {
	s.mu.Lock()
	delete(s.m, token)
	s.mu.Unlock()
}
