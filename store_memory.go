package apix

import (
	"context"
	"sync"
)

// MemoryStore is a process-local SessionStore backed by a mutex-guarded
// map. No persistence, no cross-process coordination; intended for
// single-instance deployments and tests.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]*SessionRecord
}

// NewMemoryStore creates an empty in-memory session store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string]*SessionRecord)}
}

// Get returns the record for token, or (nil, nil) when absent.
func (s *MemoryStore) Get(_ context.Context, token string) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessions[token].Clone(), nil
}

// Set stores a copy of record under token.
func (s *MemoryStore) Set(_ context.Context, token string, record *SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[token] = record.Clone()
	return nil
}

// Delete removes the record for token if present.
func (s *MemoryStore) Delete(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, token)
	return nil
}

// Update applies fn to the record for token while holding the store lock,
// making the read-modify-write indivisible.
func (s *MemoryStore) Update(_ context.Context, token string, fn UpdateFunc) (*SessionRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := fn(s.sessions[token].Clone())
	if next != nil {
		s.sessions[token] = next.Clone()
	} else {
		delete(s.sessions, token)
	}
	return next, nil
}

// Len reports the number of live records. Test helper.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}
