package logs

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

func (s *MemoryStore) Put(_ context.Context, analysisID string, raw []byte) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	id := strings.TrimSpace(analysisID)
	if id == "" {
		return fmt.Errorf("analysis_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[id] = append([]byte(nil), raw...)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, analysisID string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[strings.TrimSpace(analysisID)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}
