package state

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore keeps sessions in process memory. It is the default store and
// the one used by tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*Session
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*Session)}
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Session, error) {
	if id == "" {
		return nil, fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[id]; ok {
		return cloneSession(s), nil
	}
	s := NewSession(id)
	m.sessions[id] = cloneSession(s)
	return s, nil
}

func (m *MemoryStore) Put(_ context.Context, s *Session) error {
	if s == nil || s.ID == "" {
		return fmt.Errorf("session id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = cloneSession(s)
	return nil
}

func (m *MemoryStore) Reset(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

// cloneSession copies the record so callers never share a mutable pointer
// with the store.
func cloneSession(s *Session) *Session {
	cp := *s
	if len(s.STTSegments) > 0 {
		cp.STTSegments = make([]string, len(s.STTSegments))
		copy(cp.STTSegments, s.STTSegments)
	}
	return &cp
}
