package testutil

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/visagelab/visage/internal/blobstore"
)

// blobObject is one stored artifact.
type blobObject struct {
	body        []byte
	contentType string
}

// MemoryBlobStore is an in-memory stand-in for the S3 blob tier. It keeps
// the same counters the real store keeps so proxy stats stay meaningful.
type MemoryBlobStore struct {
	mu       sync.RWMutex
	objects  map[string]blobObject
	failPuts bool

	lists    atomic.Int64
	listHits atomic.Int64
	puts     atomic.Int64
	errs     atomic.Int64
}

// NewMemoryBlobStore creates an empty in-memory blob tier.
func NewMemoryBlobStore() *MemoryBlobStore {
	return &MemoryBlobStore{objects: make(map[string]blobObject)}
}

// List returns the objects stored under prefix, sorted by key.
func (s *MemoryBlobStore) List(ctx context.Context, prefix string) ([]blobstore.Object, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.lists.Add(1)

	s.mu.RLock()
	var keys []string
	for key := range s.objects {
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	s.mu.RUnlock()
	sort.Strings(keys)

	objects := make([]blobstore.Object, 0, len(keys))
	for _, key := range keys {
		objects = append(objects, blobstore.Object{Key: key, URL: s.URL(key)})
	}
	if len(objects) > 0 {
		s.listHits.Add(1)
	}
	return objects, nil
}

// Put stores body under key and returns the URL it is now served from.
func (s *MemoryBlobStore) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failPuts {
		s.errs.Add(1)
		return "", fmt.Errorf("memory blob store: puts disabled")
	}

	stored := make([]byte, len(body))
	copy(stored, body)
	s.objects[key] = blobObject{body: stored, contentType: contentType}
	s.puts.Add(1)
	return s.URL(key), nil
}

// URL maps a key to the address the fake tier pretends to serve it from.
func (s *MemoryBlobStore) URL(key string) string {
	return "http://blobs.test/" + key
}

// Stats returns blob tier counters.
func (s *MemoryBlobStore) Stats() blobstore.Stats {
	return blobstore.Stats{
		Lists:    s.lists.Load(),
		ListHits: s.listHits.Load(),
		Puts:     s.puts.Load(),
		Errors:   s.errs.Load(),
	}
}

// Get returns the stored body and content type for key.
func (s *MemoryBlobStore) Get(key string) ([]byte, string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	obj, ok := s.objects[key]
	if !ok {
		return nil, "", false
	}
	return obj.body, obj.contentType, true
}

// Keys returns every stored key, sorted.
func (s *MemoryBlobStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for key := range s.objects {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of stored objects.
func (s *MemoryBlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.objects)
}

// FailPuts toggles write failures, simulating a broken bucket.
func (s *MemoryBlobStore) FailPuts(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPuts = fail
}

// Reset drops all objects and counters.
func (s *MemoryBlobStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = make(map[string]blobObject)
	s.failPuts = false
	s.lists.Store(0)
	s.listHits.Store(0)
	s.puts.Store(0)
	s.errs.Store(0)
}
