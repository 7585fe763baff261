package analysis

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps records in process memory. Used when no database is
// configured, and by tests.
type MemoryStore struct {
	mu   sync.RWMutex
	byID map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{byID: make(map[string]Record)}
}

func (s *MemoryStore) Create(_ context.Context, rec Record) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	rec = normalizeRecord(rec)
	if rec.ID == "" {
		return fmt.Errorf("id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[rec.ID]; exists {
		return fmt.Errorf("analysis %s already exists", rec.ID)
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.UpdatedAt = now
	s.byID[rec.ID] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*Record)) (Record, error) {
	if s == nil {
		return Record{}, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	fn(&rec)
	rec.ID = id
	rec = normalizeRecord(rec)
	rec.UpdatedAt = time.Now()
	s.byID[id] = rec
	return rec, nil
}

func (s *MemoryStore) List(_ context.Context) ([]Record, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.byID))
	for _, rec := range s.byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}
