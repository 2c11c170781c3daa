// Package cache implements the client-side URL cache tiers: a process-local
// memory store, a bbolt-backed persistent store, and a tiered store that
// composes the two with read-through backfill.
package cache

import (
	"context"
	"sync/atomic"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/visagelab/visage/pkg/cache"
)

// MemoryStore is the in-process tier. With the zero default TTL entries stay
// until the process exits.
type MemoryStore struct {
	c *gocache.Cache

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
}

var _ cache.Store = (*MemoryStore)(nil)

// NewMemoryStore creates an in-memory URL store. defaultTTL <= 0 keeps
// entries forever; otherwise expired entries are swept at twice the TTL.
func NewMemoryStore(defaultTTL time.Duration) *MemoryStore {
	if defaultTTL <= 0 {
		return &MemoryStore{c: gocache.New(gocache.NoExpiration, 0)}
	}
	return &MemoryStore{c: gocache.New(defaultTTL, defaultTTL*2)}
}

// Get retrieves the URL for key. Returns "", nil on miss.
func (s *MemoryStore) Get(ctx context.Context, key string) (string, error) {
	if v, found := s.c.Get(key); found {
		if url, ok := v.(string); ok {
			s.hits.Add(1)
			return url, nil
		}
	}
	s.misses.Add(1)
	return "", nil
}

// GetMulti retrieves multiple keys; missing keys are not included.
func (s *MemoryStore) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	for _, key := range keys {
		if v, found := s.c.Get(key); found {
			if url, ok := v.(string); ok {
				result[key] = url
				s.hits.Add(1)
				continue
			}
		}
		s.misses.Add(1)
	}
	return result, nil
}

// Set stores url under key. TTL 0 falls back to the store default.
func (s *MemoryStore) Set(ctx context.Context, key, url string, ttl time.Duration) error {
	s.c.Set(key, url, ttl)
	s.sets.Add(1)
	return nil
}

// Delete removes a key.
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.c.Delete(key)
	s.deletes.Add(1)
	return nil
}

// Ping always succeeds for the memory store.
func (s *MemoryStore) Ping(ctx context.Context) error { return nil }

// Close is a no-op; the sweeper goroutine stops when the store is collected.
func (s *MemoryStore) Close() error { return nil }

// Len returns the number of live entries.
func (s *MemoryStore) Len() int { return s.c.ItemCount() }

// Flush removes all entries.
func (s *MemoryStore) Flush() { s.c.Flush() }

// Stats returns store statistics.
func (s *MemoryStore) Stats() cache.Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		HitRate: cache.HitRate(hits, misses),
	}
}
