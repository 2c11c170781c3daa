package cache

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	gojson "github.com/goccy/go-json"
	bolt "go.etcd.io/bbolt"

	"github.com/visagelab/visage/pkg/cache"
	verrors "github.com/visagelab/visage/pkg/errors"
)

var urlsBucket = []byte("urls")

// BoltStore is the persistent tier: a single-file bbolt database mapping
// cache keys to artifact URLs. It survives process restarts.
type BoltStore struct {
	db   *bolt.DB
	path string

	hits    atomic.Int64
	misses  atomic.Int64
	sets    atomic.Int64
	deletes atomic.Int64
	errs    atomic.Int64
}

var _ cache.Store = (*BoltStore)(nil)

type boltRecord struct {
	URL       string `json:"url"`
	ExpiresAt int64  `json:"expires_at,omitempty"` // unix nano, 0 = never
}

// OpenBolt opens (creating if needed) the bolt database at path and ensures
// the urls bucket exists.
func OpenBolt(path string) (*BoltStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, verrors.NewStorageFailure("create cache directory", err)
	}
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		if errors.Is(err, bolt.ErrTimeout) {
			return nil, verrors.NewStorageFailure("cannot obtain database lock, database may be in use by another process", err)
		}
		return nil, verrors.NewStorageFailure("open cache database", err)
	}
	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(urlsBucket)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, verrors.NewStorageFailure("create cache bucket", err)
	}
	return &BoltStore{db: db, path: path}, nil
}

// Get retrieves the URL for key. Returns "", nil on miss; expired records
// are deleted lazily.
func (s *BoltStore) Get(ctx context.Context, key string) (string, error) {
	var rec boltRecord
	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(urlsBucket).Get([]byte(key))
		if raw == nil {
			return nil
		}
		found = true
		return gojson.Unmarshal(raw, &rec)
	})
	if err != nil {
		s.errs.Add(1)
		return "", verrors.NewStorageFailure("read cache record", err)
	}
	if !found {
		s.misses.Add(1)
		return "", nil
	}
	if rec.ExpiresAt > 0 && rec.ExpiresAt <= time.Now().UnixNano() {
		s.misses.Add(1)
		_ = s.Delete(ctx, key)
		return "", nil
	}
	s.hits.Add(1)
	return rec.URL, nil
}

// GetMulti retrieves multiple keys in one read transaction.
func (s *BoltStore) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))
	now := time.Now().UnixNano()
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(urlsBucket)
		for _, key := range keys {
			raw := b.Get([]byte(key))
			if raw == nil {
				s.misses.Add(1)
				continue
			}
			var rec boltRecord
			if err := gojson.Unmarshal(raw, &rec); err != nil {
				return err
			}
			if rec.ExpiresAt > 0 && rec.ExpiresAt <= now {
				s.misses.Add(1)
				continue
			}
			result[key] = rec.URL
			s.hits.Add(1)
		}
		return nil
	})
	if err != nil {
		s.errs.Add(1)
		return nil, verrors.NewStorageFailure("read cache records", err)
	}
	return result, nil
}

// Set stores url under key. TTL 0 means the record never expires.
func (s *BoltStore) Set(ctx context.Context, key, url string, ttl time.Duration) error {
	rec := boltRecord{URL: url}
	if ttl > 0 {
		rec.ExpiresAt = time.Now().Add(ttl).UnixNano()
	}
	raw, err := gojson.Marshal(rec)
	if err != nil {
		s.errs.Add(1)
		return verrors.NewStorageFailure("encode cache record", err)
	}
	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(urlsBucket).Put([]byte(key), raw)
	})
	if err != nil {
		s.errs.Add(1)
		return verrors.NewStorageFailure("write cache record", err)
	}
	s.sets.Add(1)
	return nil
}

// Delete removes a key.
func (s *BoltStore) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(urlsBucket).Delete([]byte(key))
	})
	if err != nil {
		s.errs.Add(1)
		return verrors.NewStorageFailure("delete cache record", err)
	}
	s.deletes.Add(1)
	return nil
}

// Ping verifies the database file is readable.
func (s *BoltStore) Ping(ctx context.Context) error {
	return s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(urlsBucket) == nil {
			return errors.New("urls bucket missing")
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *BoltStore) Close() error { return s.db.Close() }

// Path at which this store writes its database file.
func (s *BoltStore) Path() string { return s.path }

// Len returns the number of stored records.
func (s *BoltStore) Len() (int, error) {
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		n = tx.Bucket(urlsBucket).Stats().KeyN
		return nil
	})
	return n, err
}

// Stats returns store statistics.
func (s *BoltStore) Stats() cache.Stats {
	hits := s.hits.Load()
	misses := s.misses.Load()
	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    s.sets.Load(),
		Deletes: s.deletes.Load(),
		Errors:  s.errs.Load(),
		HitRate: cache.HitRate(hits, misses),
	}
}
