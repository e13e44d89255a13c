package handoff

import (
	"context"
	"sync"
	"time"
)

// MemStore keeps ownership records in memory. Used in tests and for
// single-node development setups.
type MemStore struct {
	mu    sync.RWMutex
	items map[string]Ownership
}

func NewMemStore() *MemStore {
	return &MemStore{items: make(map[string]Ownership)}
}

func (s *MemStore) Get(_ context.Context, threadID string) (Ownership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if o, ok := s.items[threadID]; ok {
		return o, nil
	}
	return Ownership{ThreadID: threadID, State: StateAutomated}, nil
}

func (s *MemStore) Put(_ context.Context, o Ownership) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[o.ThreadID] = o
	return nil
}

func (s *MemStore) ListIdleHuman(_ context.Context, cutoff time.Time) ([]Ownership, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Ownership
	for _, o := range s.items {
		if o.State == StateHumanOwned && o.LastActiveAt.Before(cutoff) {
			out = append(out, o)
		}
	}
	return out, nil
}
