package visage

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/visagelab/visage/internal/prefetch"
	editerrors "github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
)

// ErrSweepInProgress reports that a full or focused sweep is already running.
// Only one sweep runs per client; callers retry after it finishes.
var ErrSweepInProgress = errors.New("visage: caching already in progress")

// SweepStats summarizes one prefetch sweep.
type SweepStats struct {
	// Planned is the number of distinct payloads after key dedupe.
	Planned int `json:"planned"`
	// Hits were served from a local tier.
	Hits int `json:"hits"`
	// Fetched were resolved through the proxy.
	Fetched int `json:"fetched"`
	// Failures are dispatches that errored.
	Failures int `json:"failures"`
	// Skipped were never dispatched: the sweep stopped early.
	Skipped int `json:"skipped"`
}

// sweepState serializes sweeps: at most one full or focused sweep per client.
type sweepState struct {
	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// begin claims the sweep slot. It reports false when a sweep already runs.
func (s *sweepState) begin(cancel context.CancelFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	s.running = true
	s.cancel = cancel
	return true
}

func (s *sweepState) end() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.running = false
	s.cancel = nil
}

// stop aborts the running sweep, if any. Pending timers are the debouncer's
// business; this only cancels dispatch.
func (s *sweepState) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
}

func (s *sweepState) inProgress() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// SetCurrentFace records the face focused sweeps freeze non-swept axes at.
// The editor calls this as the user drags sliders.
func (c *Client) SetCurrentFace(params face.Parameters) {
	clone := params.Clone()
	c.mu.Lock()
	c.curFace = clone
	c.mu.Unlock()
}

// CurrentFace returns a copy of the recorded face. It starts neutral.
func (c *Client) CurrentFace() face.Parameters {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.curFace.Clone()
}

// PrefetchAll warms every rotation combination plus a one-axis sweep per
// control, all anchored at the neutral face. It blocks until the sweep
// drains and returns ErrSweepInProgress when another sweep is running.
func (c *Client) PrefetchAll(ctx context.Context) (SweepStats, error) {
	return c.runSweep(ctx, prefetch.FullSweep(c.cfg.NumBuckets))
}

// PrefetchControl warms the 1-D sweeps of one control's axes with the other
// axes frozen at the current face.
func (c *Client) PrefetchControl(ctx context.Context, control string) (SweepStats, error) {
	ctrl, ok := face.ControlByName(control)
	if !ok {
		return SweepStats{}, editerrors.NewInvalidParameter("unknown control "+control, nil)
	}
	return c.runSweep(ctx, prefetch.ControlSweep(ctrl, c.CurrentFace(), c.cfg.NumBuckets))
}

// FocusControl schedules a focused sweep for control after the debounce
// interval. Rapid control switches coalesce to the last one; a sweep already
// dispatching is not interrupted. Outcomes are reported through the logger;
// use PrefetchControl for synchronous stats.
func (c *Client) FocusControl(control string) error {
	ctrl, ok := face.ControlByName(control)
	if !ok {
		return editerrors.NewInvalidParameter("unknown control "+control, nil)
	}

	c.focus.schedule(func() {
		stats, err := c.runSweep(c.lifeCtx, prefetch.ControlSweep(ctrl, c.CurrentFace(), c.cfg.NumBuckets))
		switch {
		case errors.Is(err, ErrSweepInProgress):
			c.logger.Debug("focused sweep skipped, another sweep is running", "control", ctrl.Name)
		case err != nil:
			c.logger.Warn("focused sweep aborted", "control", ctrl.Name, "error", err)
		default:
			c.logger.Debug("focused sweep finished",
				"control", ctrl.Name,
				"planned", stats.Planned,
				"hits", stats.Hits,
				"fetched", stats.Fetched,
				"failures", stats.Failures)
		}
	})
	return nil
}

// StopPrefetch aborts the running sweep, if any. Dispatches already in
// flight settle normally and still land in the caches; planned ones are
// skipped.
func (c *Client) StopPrefetch() {
	c.sweeps.stop()
}

// PrefetchInProgress reports whether a sweep is currently running.
func (c *Client) PrefetchInProgress() bool {
	return c.sweeps.inProgress()
}

// runSweep plans, dedupes, and dispatches one sweep under the concurrency
// limiter. Dispatches share the interactive inflight registry, so a sweep
// never duplicates a request the editor already has in flight, and sweep
// completions never touch the visible preview.
func (c *Client) runSweep(ctx context.Context, faces []face.Parameters) (SweepStats, error) {
	sctx, cancel := context.WithCancel(ctx)
	if !c.sweeps.begin(cancel) {
		cancel()
		return SweepStats{}, ErrSweepInProgress
	}
	defer c.sweeps.end()
	defer cancel()

	plan, err := c.planEntries(faces)
	if err != nil {
		return SweepStats{}, err
	}

	var (
		wg       sync.WaitGroup
		hits     atomic.Int64
		fetched  atomic.Int64
		failures atomic.Int64
		skipped  atomic.Int64
	)

	for i, entry := range plan {
		if sctx.Err() != nil {
			skipped.Add(int64(len(plan) - i))
			break
		}
		if err := c.sem.Acquire(sctx); err != nil {
			skipped.Add(int64(len(plan) - i))
			break
		}

		wg.Add(1)
		go func(entry cacheEntry) {
			defer wg.Done()
			defer c.sem.Release()

			url, hit, err := c.warm(sctx, entry)
			switch {
			case editerrors.IsCancelled(err):
				skipped.Add(1)
			case err != nil:
				failures.Add(1)
				c.logger.Warn("prefetch dispatch failed", "key", entry.key, "error", err)
			case hit:
				hits.Add(1)
				c.enqueueImage(url)
			default:
				fetched.Add(1)
				c.enqueueImage(url)
			}
		}(entry)
	}
	wg.Wait()

	stats := SweepStats{
		Planned:  len(plan),
		Hits:     int(hits.Load()),
		Fetched:  int(fetched.Load()),
		Failures: int(failures.Load()),
		Skipped:  int(skipped.Load()),
	}
	// StopPrefetch is a normal outcome; only the caller's own cancellation
	// propagates as an error.
	return stats, ctx.Err()
}

// warm resolves one sweep entry: local tiers first, then a coalesced proxy
// fetch.
func (c *Client) warm(ctx context.Context, entry cacheEntry) (string, bool, error) {
	if url, _ := c.tiers.Get(ctx, entry.storeKey); url != "" {
		return url, true, nil
	}
	url, err := c.fetch(ctx, entry)
	return url, false, err
}

// planEntries builds payloads for the planned faces and dedupes them by
// cache key. Plans overlap themselves: rotation sweeps live inside the
// lattice and every axis sweep passes through its anchor face.
func (c *Client) planEntries(faces []face.Parameters) ([]cacheEntry, error) {
	seen := make(map[string]struct{}, len(faces))
	out := make([]cacheEntry, 0, len(faces))
	for _, f := range faces {
		entry, err := c.entryFor(f)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[entry.key]; ok {
			continue
		}
		seen[entry.key] = struct{}{}
		out = append(out, entry)
	}
	return out, nil
}

func (c *Client) enqueueImage(url string) {
	if c.cfg.ImagePrefetcher == nil || url == "" {
		return
	}
	if !c.cfg.ImagePrefetcher.Enqueue(url) {
		c.logger.Debug("image prefetch queue rejected url", "url", url)
	}
}
