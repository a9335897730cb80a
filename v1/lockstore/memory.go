package lockstore

import (
	"context"
	"sync"
)

// MemoryStore keeps records in a process-local map. It is meant for
// tests and single-process deployments; the shared backends should be
// used whenever more than one process coordinates on the same entities.
type MemoryStore struct {
	mu   sync.Mutex
	recs map[string]Record
}

// NewMemoryStore returns an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{recs: make(map[string]Record)}
}

func (s *MemoryStore) Ensure(_ context.Context, entityID string) (Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[entityID]
	if !ok {
		rec = Record{EntityID: entityID}
		s.recs[entityID] = rec
	}
	return rec, nil
}

func (s *MemoryStore) CompareAndSwap(_ context.Context, entityID string, expect, next Claim) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[entityID]
	if !ok || !sameClaim(rec.Claim(), expect) {
		return false, nil
	}
	rec.OwnerToken = next.Token
	rec.RefreshedAt = fromMilli(unixMilli(next.RefreshedAt))
	s.recs[entityID] = rec
	return true, nil
}

func (s *MemoryStore) Read(_ context.Context, entityID string) (Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.recs[entityID]
	return rec, ok, nil
}
