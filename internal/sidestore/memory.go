package sidestore

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

type memoryEntry struct {
	counter    int64
	hasCounter bool
	buffer     strings.Builder
	expiresAt  time.Time
}

// MemoryStore is a threadsafe in-process side store with per-key TTL.
// Expired keys are dropped on access.
type MemoryStore struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]*memoryEntry
}

func NewMemoryStore(ttl time.Duration) *MemoryStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{
		ttl:     ttl,
		entries: make(map[string]*memoryEntry),
	}
}

func (s *MemoryStore) InitCounter(_ context.Context, analysisID string, ttl time.Duration) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	id := strings.TrimSpace(analysisID)
	if id == "" {
		return fmt.Errorf("analysis_id is required")
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent := s.liveEntryLocked(id)
	ent.counter = 0
	ent.hasCounter = true
	ent.expiresAt = time.Now().Add(ttl)
	return nil
}

func (s *MemoryStore) Increment(_ context.Context, analysisID string, n int) (int64, error) {
	if s == nil {
		return 0, fmt.Errorf("store is nil")
	}
	id := strings.TrimSpace(analysisID)
	if id == "" {
		return 0, fmt.Errorf("analysis_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent := s.liveEntryLocked(id)
	ent.counter += int64(n)
	ent.hasCounter = true
	if ent.expiresAt.IsZero() {
		ent.expiresAt = time.Now().Add(s.ttl)
	}
	return ent.counter, nil
}

func (s *MemoryStore) Counter(_ context.Context, analysisID string) (int64, bool, error) {
	if s == nil {
		return 0, false, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[strings.TrimSpace(analysisID)]
	if !ok || !ent.hasCounter || time.Now().After(ent.expiresAt) {
		return 0, false, nil
	}
	return ent.counter, true, nil
}

func (s *MemoryStore) AppendBuffer(_ context.Context, analysisID string, text string) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	id := strings.TrimSpace(analysisID)
	if id == "" {
		return fmt.Errorf("analysis_id is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent := s.liveEntryLocked(id)
	ent.buffer.WriteString(text)
	ent.expiresAt = time.Now().Add(s.ttl)
	return nil
}

func (s *MemoryStore) ReadBuffer(_ context.Context, analysisID string) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[strings.TrimSpace(analysisID)]
	if !ok || time.Now().After(ent.expiresAt) {
		return "", false, nil
	}
	return ent.buffer.String(), true, nil
}

// liveEntryLocked returns the entry for id, replacing an expired one.
func (s *MemoryStore) liveEntryLocked(id string) *memoryEntry {
	if ent, ok := s.entries[id]; ok && !time.Now().After(ent.expiresAt) {
		return ent
	}
	ent := &memoryEntry{}
	s.entries[id] = ent
	return ent
}
