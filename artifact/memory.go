package artifact

import (
	"bytes"
	"slices"
	"sync"
)

type memKey struct{ session, id string }

// InMemoryStore keeps artifacts in process memory. Saved and returned byte
// slices are private copies. Locations use the mem:// scheme.
type InMemoryStore struct {
	mu    sync.RWMutex
	blobs map[memKey][]byte
}

// NewInMemoryStore returns an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{blobs: map[memKey][]byte{}}
}

func (m *InMemoryStore) Save(sessionID, artifactID string, data []byte) (string, error) {
	if !validID(artifactID) {
		return "", ErrInvalidID
	}
	m.mu.Lock()
	m.blobs[memKey{sessionID, artifactID}] = bytes.Clone(data)
	m.mu.Unlock()
	return "mem://" + sessionID + "/" + artifactID, nil
}

func (m *InMemoryStore) Get(sessionID, artifactID string) ([]byte, error) {
	m.mu.RLock()
	data, ok := m.blobs[memKey{sessionID, artifactID}]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	return bytes.Clone(data), nil
}

func (m *InMemoryStore) List(sessionID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := []string{}
	for k := range m.blobs {
		if k.session == sessionID {
			ids = append(ids, k.id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (m *InMemoryStore) Delete(sessionID, artifactID string) error {
	key := memKey{sessionID, artifactID}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.blobs[key]; !ok {
		return ErrNotFound
	}
	delete(m.blobs, key)
	return nil
}
