package privacy

import (
	"context"
	"sync"
)

// MemoryStore is the in-memory budget store used when no DATABASE_URL is
// configured, and in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	budgets map[string]Budget
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory budget store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{budgets: make(map[string]Budget)}
}

func (s *MemoryStore) Get(_ context.Context, entity string) (*Budget, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.budgets[entity]
	if !ok {
		return nil, ErrNotFound
	}
	out := b
	return &out, nil
}

func (s *MemoryStore) Put(_ context.Context, b *Budget) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.budgets[b.Entity] = *b
	return nil
}

func (s *MemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.budgets), nil
}
