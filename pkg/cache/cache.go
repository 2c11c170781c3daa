// Package cache defines the storage contract shared by the client cache
// tiers. Implementations map content-addressed cache keys to artifact URLs.
package cache

import (
	"context"
	"time"
)

// Stats holds store statistics for monitoring.
type Stats struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Sets    int64   `json:"sets"`
	Deletes int64   `json:"deletes"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
}

// Store is the interface for all URL cache implementations.
type Store interface {
	// Get retrieves the artifact URL for a key.
	// Returns "", nil if the key doesn't exist.
	Get(ctx context.Context, key string) (string, error)

	// GetMulti retrieves multiple keys at once.
	// Returns a map of key -> URL, missing keys are not included.
	GetMulti(ctx context.Context, keys []string) (map[string]string, error)

	// Set stores a URL under key with the given TTL.
	// If TTL is 0, the store default is used.
	Set(ctx context.Context, key, url string, ttl time.Duration) error

	// Delete removes a key from the store.
	Delete(ctx context.Context, key string) error

	// Ping checks if the store is healthy.
	Ping(ctx context.Context) error

	// Close releases any resources held by the store.
	Close() error

	// Stats returns store statistics.
	Stats() Stats
}

// HitRate computes hits/(hits+misses), 0 when the store is untouched.
func HitRate(hits, misses int64) float64 {
	total := hits + misses
	if total == 0 {
		return 0
	}
	return float64(hits) / float64(total)
}
