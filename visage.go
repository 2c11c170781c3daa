// Package visage provides the client-side cache and dispatcher for photo
// expression edits. Edits are described by a small set of continuous axes
// (head rotation, pupils, smile, blink, eyebrow, wink) that are snapped onto
// a fixed lattice, so nearby slider positions share one cache entry and
// most interactions never leave the device.
//
// A repeat edit is served from the in-memory tier, then a persistent local
// store, and only then from the remote proxy. Concurrent requests for the
// same lattice point coalesce into a single HTTP call, newer interactive
// edits cancel the ones they supersede, and background sweeps warm the
// caches for every reachable slider position.
//
// Basic usage:
//
//	store, err := visage.OpenBoltStore("previews.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := visage.New(
//	    visage.WithEndpoint("https://edits.example.com"),
//	    visage.WithModel("owner/expression-edit"),
//	    visage.WithPersistentStore(store),
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	client.SetImage("https://photos.example.com/selfie.jpg")
//	url, err := client.RunEditor(ctx, visage.Parameters{
//	    Smile: visage.Float(0.8),
//	}, visage.RunOptions{CancelPrevious: true})
package visage

import (
	"time"

	internalcache "github.com/visagelab/visage/internal/cache"
	"github.com/visagelab/visage/internal/inflight"
	"github.com/visagelab/visage/pkg/cache"
	"github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
)

// Version is the current version of the module.
const Version = "1.0.0"

// Re-export the expression model so most callers only import visage.
type (
	// Parameters holds the continuous expression axes; nil axes are absent.
	Parameters = face.Parameters

	// Payload is the quantized wire form sent to the proxy.
	Payload = face.Payload

	// PayloadOptions override the payload transport defaults.
	PayloadOptions = face.PayloadOptions

	// Axis describes one expression parameter and its range.
	Axis = face.Axis

	// Control is a group of axes driven by a single editor control.
	Control = face.Control
)

// Float returns a pointer to v, for building Parameters literals.
func Float(v float64) *float64 { return face.Float(v) }

// Neutral returns the neutral face: every axis explicitly zero.
func Neutral() Parameters { return face.Neutral() }

// Controls returns the editor control groups.
func Controls() []Control { return face.Controls() }

// DefaultNumBuckets is the lattice density used when WithNumBuckets is absent.
const DefaultNumBuckets = face.DefaultNumBuckets

// Re-export store contracts and statistics types.
type (
	// CacheStore is the storage contract for the local tiers.
	CacheStore = cache.Store

	// CacheStats holds store statistics.
	CacheStats = cache.Stats

	// TierStats breaks local cache statistics down by tier.
	TierStats = internalcache.TierStats

	// CoalescingStats counts deduplicated dispatches.
	CoalescingStats = inflight.Stats
)

// NewMemoryStore returns an in-memory tier. Entries never expire unless ttl
// is positive.
func NewMemoryStore(ttl time.Duration) CacheStore {
	return internalcache.NewMemoryStore(ttl)
}

// OpenBoltStore opens (creating if needed) a persistent tier backed by a
// bbolt file, so cached URLs survive process restarts.
func OpenBoltStore(path string) (CacheStore, error) {
	return internalcache.OpenBolt(path)
}

// Re-export the error model.
type (
	// EditError is the standardized failure type for edit operations.
	EditError = errors.EditError
)

// Re-export error kind constants.
const (
	TypeInvalidParameter    = errors.TypeInvalidParameter
	TypeUpstreamUnavailable = errors.TypeUpstreamUnavailable
	TypeModelFailure        = errors.TypeModelFailure
	TypeModelTimeout        = errors.TypeModelTimeout
	TypeStorageFailure      = errors.TypeStorageFailure
	TypeCancelled           = errors.TypeCancelled
)

// Re-export error predicates.
var (
	IsType      = errors.IsType
	IsCancelled = errors.IsCancelled
	IsRetryable = errors.IsRetryable
)
