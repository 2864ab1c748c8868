package session

import (
	"errors"
	"sort"
	"sync"

	"github.com/hupe1980/biomesh/core"
)

// ErrNotFound is returned when no session with the requested id is live.
var ErrNotFound = errors.New("session not found")

// Store tracks live sessions by id.
type Store interface {
	Put(sess *core.Session) error
	Get(id string) (*core.Session, error)
	Delete(id string) error
	List() []*core.Session
}

// InMemoryStore is a volatile Store keeping sessions in a process local map.
// It is safe for concurrent access. Sessions are shared, not cloned: the
// orchestrator stays their only mutator and readers go through the
// session's accessors.
type InMemoryStore struct {
	mu       sync.RWMutex
	sessions map[string]*core.Session
}

// NewInMemoryStore constructs an empty in-memory session store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{sessions: make(map[string]*core.Session)}
}

// Put registers sess, replacing any session with the same id.
func (s *InMemoryStore) Put(sess *core.Session) error {
	if sess == nil || sess.ID == "" {
		return errors.New("session id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[sess.ID] = sess
	return nil
}

// Get returns the live session with id.
func (s *InMemoryStore) Get(id string) (*core.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return sess, nil
}

// Delete removes id. Removing an unknown id is not an error.
func (s *InMemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, id)
	return nil
}

// List returns the live sessions, oldest first.
func (s *InMemoryStore) List() []*core.Session {
	s.mu.RLock()
	out := make([]*core.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Created.Equal(out[j].Created) {
			return out[i].ID < out[j].ID
		}
		return out[i].Created.Before(out[j].Created)
	})
	return out
}
