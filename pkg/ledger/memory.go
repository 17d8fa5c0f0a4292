package ledger

import (
	"context"
	"sync"
)

// MemoryStore keeps chains in process memory. It backs tests and Lite Mode
// deployments where durability is explicitly waived.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string][]*Entry
	tails   map[string]Tail
}

var _ Store = (*MemoryStore)(nil)

// NewMemoryStore builds an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[string][]*Entry),
		tails:   make(map[string]Tail),
	}
}

// Tail implements Store.
func (s *MemoryStore) Tail(_ context.Context, tenantID string) (Tail, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tails[tenantID]
	return t, ok, nil
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, e *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.TenantID] = append(s.entries[e.TenantID], e)
	s.tails[e.TenantID] = Tail{Seq: e.Seq, Hash: e.EntryHash, Timestamp: e.Timestamp}
	return nil
}

// GetBySeq implements Store.
func (s *MemoryStore) GetBySeq(_ context.Context, tenantID string, seq uint64) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries[tenantID] {
		if e.Seq == seq {
			return e, nil
		}
	}
	return nil, ErrNotFound
}

// Range implements Store. toSeq == 0 means "through the tail"; limit <= 0
// means unlimited.
func (s *MemoryStore) Range(_ context.Context, tenantID string, fromSeq, toSeq uint64, limit int) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries[tenantID] {
		if e.Seq < fromSeq || (toSeq != 0 && e.Seq > toSeq) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
