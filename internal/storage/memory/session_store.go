// Package memory provides in-memory store implementations for
// development and testing. They are also the reference semantics for
// the other backends.
package memory

import (
	"context"
	"sync"

	"github.com/miravo/scrapedesk/internal/session"
)

// SessionStore keeps session records in a mutex-guarded map.
type SessionStore struct {
	mu       sync.RWMutex
	sessions map[string]session.Session
}

// NewSessionStore constructs a SessionStore.
func NewSessionStore() *SessionStore {
	return &SessionStore{sessions: make(map[string]session.Session)}
}

// CreateSession stores a new session record.
func (s *SessionStore) CreateSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sessions[sess.ID]; exists {
		return session.ErrSessionExists
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

// GetSession fetches a session by id.
func (s *SessionStore) GetSession(_ context.Context, id string) (session.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return session.Session{}, session.ErrSessionNotFound
	}
	return cloneSession(sess), nil
}

// UpdateSession replaces the stored record. A terminal session may only
// be re-written with the same terminal status; that re-write is a no-op.
func (s *SessionStore) UpdateSession(_ context.Context, sess session.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.sessions[sess.ID]
	if !ok {
		return session.ErrSessionNotFound
	}
	if current.Status.IsTerminal() {
		if current.Status == sess.Status {
			return nil
		}
		return session.ErrInvalidTransition
	}
	s.sessions[sess.ID] = cloneSession(sess)
	return nil
}

func cloneSession(sess session.Session) session.Session {
	cp := sess
	if sess.PreviewItems != nil {
		cp.PreviewItems = make([]session.NormalizedItem, len(sess.PreviewItems))
		copy(cp.PreviewItems, sess.PreviewItems)
	}
	return cp
}
