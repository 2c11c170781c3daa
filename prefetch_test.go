package visage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	editerrors "github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
)

// stubPrefetcher records enqueued artifact URLs.
type stubPrefetcher struct {
	mu   sync.Mutex
	urls []string
}

func (s *stubPrefetcher) Enqueue(url string) bool {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	s.mu.Unlock()
	return true
}

func (s *stubPrefetcher) all() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.urls))
	copy(out, s.urls)
	return out
}

// fullSweepSize is the number of distinct payloads a default-lattice full
// sweep dispatches: 7^3 rotation combinations plus seven 1-D endpoints for
// each of the nine control axes, minus the overlaps (the three rotation
// sweeps lie inside the lattice, and each remaining sweep passes through the
// neutral face once).
const fullSweepSize = 343 + 63 - 21 - 6

func TestPrefetchAll_WarmsEveryDistinctPayload(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy, WithMaxConcurrent(32))

	stats, err := c.PrefetchAll(context.Background())
	require.NoError(t, err)

	assert.Equal(t, fullSweepSize, stats.Planned)
	assert.Equal(t, fullSweepSize, stats.Fetched)
	assert.Zero(t, stats.Hits)
	assert.Zero(t, stats.Failures)
	assert.Zero(t, stats.Skipped)
	assert.Equal(t, fullSweepSize, proxy.totalPosts())

	// A second sweep is all local hits and never reaches the proxy.
	again, err := c.PrefetchAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, fullSweepSize, again.Hits)
	assert.Zero(t, again.Fetched)
	assert.Equal(t, fullSweepSize, proxy.totalPosts())
}

func TestPrefetchAll_OnlyOneSweepAtATime(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy, WithMaxConcurrent(8))

	neutral := entryOf(t, c, face.Neutral())
	gate := proxy.gateKey(neutral.key)

	type result struct {
		stats SweepStats
		err   error
	}
	done := make(chan result, 1)
	go func() {
		stats, err := c.PrefetchAll(context.Background())
		done <- result{stats, err}
	}()

	require.Eventually(t, c.PrefetchInProgress, 2*time.Second, time.Millisecond)

	_, err := c.PrefetchAll(context.Background())
	assert.ErrorIs(t, err, ErrSweepInProgress)
	_, err = c.PrefetchControl(context.Background(), "mouth")
	assert.ErrorIs(t, err, ErrSweepInProgress)

	// Stopping skips what has not dispatched; the gated transfer itself
	// settles in the background once released.
	c.StopPrefetch()
	close(gate)

	res := <-done
	require.NoError(t, res.err)
	assert.Positive(t, res.stats.Skipped)
	assert.False(t, c.PrefetchInProgress())
}

func TestPrefetchControl_FreezesCurrentFace(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy, WithMaxConcurrent(8))

	c.SetCurrentFace(Parameters{Blink: Float(-5)})
	stats, err := c.PrefetchControl(context.Background(), "mouth")
	require.NoError(t, err)

	smileAxis, ok := face.AxisByName(face.AxisSmile)
	require.True(t, ok)
	blinkAxis, ok := face.AxisByName(face.AxisBlink)
	require.True(t, ok)
	frozenBlink, err := blinkAxis.Quantize(-5, DefaultNumBuckets)
	require.NoError(t, err)

	endpoints := smileAxis.Endpoints(DefaultNumBuckets)
	assert.Equal(t, len(endpoints), stats.Planned)
	assert.Equal(t, len(endpoints), proxy.totalPosts())

	seenSmiles := map[float64]bool{}
	for _, p := range proxy.recordedPayloads() {
		require.NotNil(t, p.Smile)
		seenSmiles[*p.Smile] = true

		require.NotNil(t, p.Blink, "the focused control freezes the current face")
		assert.Equal(t, frozenBlink, *p.Blink)

		// Axes absent from the current face stay absent.
		assert.Nil(t, p.RotatePitch)
		assert.Nil(t, p.Wink)
	}
	for _, v := range endpoints {
		assert.True(t, seenSmiles[v], "missing smile endpoint %v", v)
	}
}

func TestPrefetchControl_UnknownControl(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	_, err := c.PrefetchControl(context.Background(), "ears")
	assert.True(t, editerrors.IsType(err, editerrors.TypeInvalidParameter))
	assert.Equal(t, 0, proxy.totalPosts())
}

func TestFocusControl_DebounceCoalescesToLast(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy,
		WithMaxConcurrent(8),
		WithDebounceInterval(40*time.Millisecond),
	)

	// Rapid control switches: only the last focused sweep runs. The eyes
	// control sweeps blink and wink, which overlap at the neutral face.
	require.NoError(t, c.FocusControl("mouth"))
	require.NoError(t, c.FocusControl("eyes"))

	const wantPosts = 7 + 7 - 1
	require.Eventually(t, func() bool {
		return proxy.totalPosts() == wantPosts && !c.PrefetchInProgress()
	}, 2*time.Second, 5*time.Millisecond)

	assert.Never(t, func() bool {
		return proxy.totalPosts() > wantPosts
	}, 150*time.Millisecond, 25*time.Millisecond, "the displaced mouth sweep must not run")

	smiles := map[float64]bool{}
	blinks := map[float64]bool{}
	for _, p := range proxy.recordedPayloads() {
		if p.Smile != nil {
			smiles[*p.Smile] = true
		}
		if p.Blink != nil {
			blinks[*p.Blink] = true
		}
	}
	assert.Len(t, smiles, 1, "smile stays frozen when the eyes sweep runs")
	assert.Len(t, blinks, 7)
}

func TestFocusControl_UnknownControl(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	err := c.FocusControl("ears")
	assert.True(t, editerrors.IsType(err, editerrors.TypeInvalidParameter))
}

func TestPrefetch_SharesInflightWithInteractive(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy, WithMaxConcurrent(32))

	neutral := entryOf(t, c, face.Neutral())
	gate := proxy.gateKey(neutral.key)

	editDone := make(chan string, 1)
	go func() {
		url, err := c.RunEditor(context.Background(), face.Neutral(), RunOptions{})
		assert.NoError(t, err)
		editDone <- url
	}()
	require.Eventually(t, func() bool {
		return proxy.postCount(neutral.key) == 1
	}, 2*time.Second, time.Millisecond)

	sweepDone := make(chan SweepStats, 1)
	go func() {
		stats, err := c.PrefetchAll(context.Background())
		assert.NoError(t, err)
		sweepDone <- stats
	}()

	// The sweep's neutral dispatch attaches to the interactive call instead
	// of issuing its own POST.
	require.Eventually(t, func() bool {
		return c.flights.Stats().Coalesced >= 1
	}, 2*time.Second, time.Millisecond)
	close(gate)

	url := <-editDone
	stats := <-sweepDone
	assert.Equal(t, proxy.urlFor(neutral.key), url)
	assert.Equal(t, fullSweepSize, stats.Fetched)
	assert.Equal(t, 1, proxy.postCount(neutral.key))
	assert.Equal(t, fullSweepSize, proxy.totalPosts())
}

func TestPrefetch_ResultsFeedImagePrefetcher(t *testing.T) {
	proxy := newFakeProxy(t)
	sink := &stubPrefetcher{}
	c := newTestClient(t, proxy, WithMaxConcurrent(8), WithImagePrefetcher(sink))

	stats, err := c.PrefetchControl(context.Background(), "eyebrow")
	require.NoError(t, err)
	require.Equal(t, 7, stats.Fetched)
	assert.Len(t, sink.all(), 7)

	// Hits feed the prefetcher too: the artifact may have been evicted from
	// the device even though the URL is still cached.
	again, err := c.PrefetchControl(context.Background(), "eyebrow")
	require.NoError(t, err)
	require.Equal(t, 7, again.Hits)
	assert.Len(t, sink.all(), 14)
}

func TestSetCurrentFace_CopiesParameters(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	params := Parameters{Smile: Float(0.5)}
	c.SetCurrentFace(params)
	*params.Smile = -99

	got := c.CurrentFace()
	require.NotNil(t, got.Smile)
	assert.Equal(t, 0.5, *got.Smile)
}
