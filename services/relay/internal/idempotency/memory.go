package idempotency

import (
	"context"
	"sync"
)

// MemoryStore keeps identities for the life of the process. State is lost
// on restart and is not shared between instances.
type MemoryStore struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{seen: make(map[string]struct{})}
}

func (s *MemoryStore) Seen(_ context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[identity]
	return ok, nil
}

func (s *MemoryStore) Mark(_ context.Context, identity string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[identity]; ok {
		return false, nil
	}
	s.seen[identity] = struct{}{}
	return true, nil
}

// Len returns the number of marked identities.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}
