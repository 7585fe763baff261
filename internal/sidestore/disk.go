package sidestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DiskConfig configures the on-disk side store.
type DiskConfig struct {
	Root string
	TTL  time.Duration
}

type diskEntry struct {
	Counter    int64     `json:"counter"`
	HasCounter bool      `json:"has_counter"`
	BufferFile string    `json:"buffer_file"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type diskIndex struct {
	Entries map[string]diskEntry `json:"entries"`
}

// DiskStore persists counters and buffers under a root directory so a
// restarted worker can recover them. Buffer text lives in per-analysis
// data files; counters and expiries live in an index file.
type DiskStore struct {
	mu sync.Mutex

	root      string
	dataDir   string
	indexPath string
	ttl       time.Duration

	entries map[string]diskEntry
}

func NewDiskStore(cfg DiskConfig) (*DiskStore, error) {
	root := strings.TrimSpace(cfg.Root)
	if root == "" {
		return nil, fmt.Errorf("root is required")
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &DiskStore{
		root:      root,
		dataDir:   filepath.Join(root, "data"),
		indexPath: filepath.Join(root, "index.json"),
		ttl:       cfg.TTL,
		entries:   map[string]diskEntry{},
	}
	if err := os.MkdirAll(s.dataDir, 0o755); err != nil {
		return nil, err
	}
	if err := s.loadIndex(); err != nil {
		return nil, err
	}
	s.cleanupLocked(time.Now())
	if err := s.persistIndexLocked(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *DiskStore) InitCounter(_ context.Context, analysisID string, ttl time.Duration) error {
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
	ent.Counter = 0
	ent.HasCounter = true
	ent.ExpiresAt = time.Now().Add(ttl)
	s.entries[id] = ent
	return s.persistIndexLocked()
}

func (s *DiskStore) Increment(_ context.Context, analysisID string, n int) (int64, error) {
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
	ent.Counter += int64(n)
	ent.HasCounter = true
	if ent.ExpiresAt.IsZero() {
		ent.ExpiresAt = time.Now().Add(s.ttl)
	}
	s.entries[id] = ent
	if err := s.persistIndexLocked(); err != nil {
		return 0, err
	}
	return ent.Counter, nil
}

func (s *DiskStore) Counter(_ context.Context, analysisID string) (int64, bool, error) {
	if s == nil {
		return 0, false, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[strings.TrimSpace(analysisID)]
	if !ok || !ent.HasCounter || time.Now().After(ent.ExpiresAt) {
		return 0, false, nil
	}
	return ent.Counter, true, nil
}

func (s *DiskStore) AppendBuffer(_ context.Context, analysisID string, text string) error {
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
	if ent.BufferFile == "" {
		ent.BufferFile = hashedName(id) + ".buf"
	}
	path := filepath.Join(s.dataDir, ent.BufferFile)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, werr := f.WriteString(text)
	cerr := f.Close()
	if werr != nil {
		return werr
	}
	if cerr != nil {
		return cerr
	}
	ent.ExpiresAt = time.Now().Add(s.ttl)
	s.entries[id] = ent
	return s.persistIndexLocked()
}

func (s *DiskStore) ReadBuffer(_ context.Context, analysisID string) (string, bool, error) {
	if s == nil {
		return "", false, fmt.Errorf("store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ent, ok := s.entries[strings.TrimSpace(analysisID)]
	if !ok || ent.BufferFile == "" || time.Now().After(ent.ExpiresAt) {
		return "", false, nil
	}
	raw, err := os.ReadFile(filepath.Join(s.dataDir, ent.BufferFile))
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, err
	}
	return string(raw), true, nil
}

func (s *DiskStore) liveEntryLocked(id string) diskEntry {
	ent, ok := s.entries[id]
	if !ok {
		return diskEntry{}
	}
	if time.Now().After(ent.ExpiresAt) {
		s.removeEntryLocked(id, ent)
		return diskEntry{}
	}
	return ent
}

func (s *DiskStore) cleanupLocked(now time.Time) {
	for id, ent := range s.entries {
		if now.After(ent.ExpiresAt) {
			s.removeEntryLocked(id, ent)
		}
	}
}

func (s *DiskStore) removeEntryLocked(id string, ent diskEntry) {
	if ent.BufferFile != "" {
		_ = os.Remove(filepath.Join(s.dataDir, ent.BufferFile))
	}
	delete(s.entries, id)
}

func (s *DiskStore) loadIndex() error {
	raw, err := os.ReadFile(s.indexPath)
	if err != nil {
		if os.IsNotExist(err) {
			s.entries = map[string]diskEntry{}
			return nil
		}
		return err
	}
	var idx diskIndex
	if err := json.Unmarshal(raw, &idx); err != nil {
		return err
	}
	if idx.Entries == nil {
		idx.Entries = map[string]diskEntry{}
	}
	s.entries = idx.Entries
	return nil
}

func (s *DiskStore) persistIndexLocked() error {
	raw, err := json.Marshal(diskIndex{Entries: s.entries})
	if err != nil {
		return err
	}
	tmp := s.indexPath + "." + strconv.FormatInt(time.Now().UnixNano(), 10)
	if err := os.WriteFile(tmp, raw, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.indexPath)
}

func hashedName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:16])
}
