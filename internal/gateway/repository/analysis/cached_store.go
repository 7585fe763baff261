package analysis

import (
	"context"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedStore is a read-through LRU in front of another store. Writes go
// to the origin and refresh the cache; List always hits the origin.
type CachedStore struct {
	origin Store
	cache  *lru.Cache[string, Record]
}

func NewCachedStore(origin Store, size int) (*CachedStore, error) {
	if size <= 0 {
		size = 1024
	}
	cache, err := lru.New[string, Record](size)
	if err != nil {
		return nil, err
	}
	return &CachedStore{origin: origin, cache: cache}, nil
}

func (s *CachedStore) Create(ctx context.Context, rec Record) error {
	if err := s.origin.Create(ctx, rec); err != nil {
		return err
	}
	s.cache.Add(rec.ID, normalizeRecord(rec))
	return nil
}

func (s *CachedStore) Get(ctx context.Context, id string) (Record, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := s.origin.Get(ctx, id)
	if err != nil {
		return Record{}, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

func (s *CachedStore) Update(ctx context.Context, id string, fn func(*Record)) (Record, error) {
	rec, err := s.origin.Update(ctx, id, fn)
	if err != nil {
		// Drop a possibly stale entry so the next read goes to the origin.
		s.cache.Remove(id)
		return Record{}, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

func (s *CachedStore) List(ctx context.Context) ([]Record, error) {
	return s.origin.List(ctx)
}
