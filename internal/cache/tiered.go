package cache

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/visagelab/visage/pkg/cache"
	verrors "github.com/visagelab/visage/pkg/errors"
)

// Tiered composes the memory tier with a persistent tier. Reads check memory
// first, then the persistent store with backfill; writes go to both. Either
// tier may be nil, which skips it. Read failures of a tier are logged and
// treated as misses so a broken disk never blocks an edit.
type Tiered struct {
	memory     cache.Store
	persistent cache.Store
	logger     *slog.Logger

	memoryHits     atomic.Int64
	persistentHits atomic.Int64
	misses         atomic.Int64
	backfills      atomic.Int64
	errs           atomic.Int64
}

var _ cache.Store = (*Tiered)(nil)

// NewTiered creates a tiered store over the given tiers.
func NewTiered(memory, persistent cache.Store, logger *slog.Logger) *Tiered {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tiered{memory: memory, persistent: persistent, logger: logger}
}

// Get retrieves a URL, checking memory first, then the persistent tier.
// A persistent hit backfills memory best-effort.
func (t *Tiered) Get(ctx context.Context, key string) (string, error) {
	if t.memory != nil {
		url, err := t.memory.Get(ctx, key)
		switch {
		case err != nil:
			t.errs.Add(1)
			t.logger.Warn("memory tier read failed", "key", key, "error", err)
		case url != "":
			t.memoryHits.Add(1)
			return url, nil
		}
	}

	if t.persistent != nil {
		url, err := t.persistent.Get(ctx, key)
		switch {
		case err != nil:
			t.errs.Add(1)
			t.logger.Warn("persistent tier read failed", "key", key, "error", err)
		case url != "":
			t.persistentHits.Add(1)
			if t.memory != nil {
				_ = t.memory.Set(ctx, key, url, 0) //nolint:errcheck // backfill is best-effort
				t.backfills.Add(1)
			}
			return url, nil
		}
	}

	t.misses.Add(1)
	return "", nil
}

// GetMulti retrieves multiple keys, consulting the persistent tier only for
// keys the memory tier missed.
func (t *Tiered) GetMulti(ctx context.Context, keys []string) (map[string]string, error) {
	result := make(map[string]string, len(keys))

	missing := keys
	if t.memory != nil {
		memResults, err := t.memory.GetMulti(ctx, keys)
		if err != nil {
			t.errs.Add(1)
			t.logger.Warn("memory tier read failed", "error", err)
		} else {
			var rest []string
			for _, key := range keys {
				if url, ok := memResults[key]; ok {
					result[key] = url
					t.memoryHits.Add(1)
				} else {
					rest = append(rest, key)
				}
			}
			missing = rest
		}
	}

	if t.persistent != nil && len(missing) > 0 {
		perResults, err := t.persistent.GetMulti(ctx, missing)
		if err != nil {
			t.errs.Add(1)
			t.logger.Warn("persistent tier read failed", "error", err)
		} else {
			for _, key := range missing {
				url, ok := perResults[key]
				if !ok {
					t.misses.Add(1)
					continue
				}
				result[key] = url
				t.persistentHits.Add(1)
				if t.memory != nil {
					_ = t.memory.Set(ctx, key, url, 0) //nolint:errcheck // backfill is best-effort
					t.backfills.Add(1)
				}
			}
		}
	}

	return result, nil
}

// Set writes to both tiers. Memory failures are logged and tolerated; a
// persistent failure is returned so callers can decide (the client logs and
// keeps going, the URL is still served from memory).
func (t *Tiered) Set(ctx context.Context, key, url string, ttl time.Duration) error {
	if t.memory != nil {
		if err := t.memory.Set(ctx, key, url, ttl); err != nil {
			t.errs.Add(1)
			t.logger.Warn("memory tier write failed", "key", key, "error", err)
		}
	}
	if t.persistent != nil {
		if err := t.persistent.Set(ctx, key, url, ttl); err != nil {
			t.errs.Add(1)
			return verrors.NewStorageFailure("persistent tier write failed", err)
		}
	}
	return nil
}

// Delete removes a key from both tiers.
func (t *Tiered) Delete(ctx context.Context, key string) error {
	if t.memory != nil {
		_ = t.memory.Delete(ctx, key) //nolint:errcheck // best-effort memory delete
	}
	if t.persistent != nil {
		return t.persistent.Delete(ctx, key)
	}
	return nil
}

// Ping checks both tiers.
func (t *Tiered) Ping(ctx context.Context) error {
	if t.memory != nil {
		if err := t.memory.Ping(ctx); err != nil {
			return err
		}
	}
	if t.persistent != nil {
		return t.persistent.Ping(ctx)
	}
	return nil
}

// Close closes both tiers.
func (t *Tiered) Close() error {
	if t.memory != nil {
		_ = t.memory.Close()
	}
	if t.persistent != nil {
		return t.persistent.Close()
	}
	return nil
}

// Stats returns combined statistics.
func (t *Tiered) Stats() cache.Stats {
	hits := t.memoryHits.Load() + t.persistentHits.Load()
	misses := t.misses.Load()
	var sets, deletes int64
	if t.memory != nil {
		ms := t.memory.Stats()
		sets += ms.Sets
		deletes += ms.Deletes
	}
	if t.persistent != nil {
		ps := t.persistent.Stats()
		sets += ps.Sets
		deletes += ps.Deletes
	}
	return cache.Stats{
		Hits:    hits,
		Misses:  misses,
		Sets:    sets,
		Deletes: deletes,
		Errors:  t.errs.Load(),
		HitRate: cache.HitRate(hits, misses),
	}
}

// TierStats breaks statistics down by tier.
type TierStats struct {
	MemoryHits     int64 `json:"memory_hits"`
	PersistentHits int64 `json:"persistent_hits"`
	Misses         int64 `json:"misses"`
	Backfills      int64 `json:"backfills"`
}

// DetailedStats returns per-tier hit counters.
func (t *Tiered) DetailedStats() TierStats {
	return TierStats{
		MemoryHits:     t.memoryHits.Load(),
		PersistentHits: t.persistentHits.Load(),
		Misses:         t.misses.Load(),
		Backfills:      t.backfills.Load(),
	}
}
