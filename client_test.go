package visage

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	gojson "github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/visagelab/visage/internal/cachekey"
	editerrors "github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
)

const (
	testModel = "owner/expression-edit"
	testImage = "https://photos.test/selfie.jpg"
)

// fakeProxy stands in for the edit proxy. It answers each payload with a URL
// derived from the payload's cache key, so identical payloads always map to
// identical URLs. Individual keys can be gated to hold their POST open.
type fakeProxy struct {
	server *httptest.Server

	mu       sync.Mutex
	posts    map[string]int
	payloads []face.Payload
	gates    map[string]chan struct{}
	status   int
	errMsg   string
	emptyURL bool
}

func newFakeProxy(t *testing.T) *fakeProxy {
	t.Helper()
	f := &fakeProxy{
		posts: map[string]int{},
		gates: map[string]chan struct{}{},
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeProxy) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	var payload face.Payload
	if err := gojson.Unmarshal(body, &payload); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	key := cachekey.Key(payload)

	f.mu.Lock()
	f.posts[key]++
	f.payloads = append(f.payloads, payload)
	gate := f.gates[key]
	status := f.status
	errMsg := f.errMsg
	empty := f.emptyURL
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-r.Context().Done():
			return
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
		_ = gojson.NewEncoder(w).Encode(map[string]string{"error": errMsg})
		return
	}
	url := f.urlFor(key)
	if empty {
		url = ""
	}
	_ = gojson.NewEncoder(w).Encode(map[string]string{"url": url})
}

func (f *fakeProxy) urlFor(key string) string {
	return "https://cdn.test/" + key + ".webp"
}

// gateKey holds POSTs for key open until the returned channel is closed.
func (f *fakeProxy) gateKey(key string) chan struct{} {
	gate := make(chan struct{})
	f.mu.Lock()
	f.gates[key] = gate
	f.mu.Unlock()
	return gate
}

func (f *fakeProxy) failWith(status int, msg string) {
	f.mu.Lock()
	f.status = status
	f.errMsg = msg
	f.mu.Unlock()
}

func (f *fakeProxy) succeed() {
	f.mu.Lock()
	f.status = 0
	f.errMsg = ""
	f.mu.Unlock()
}

func (f *fakeProxy) postCount(key string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.posts[key]
}

func (f *fakeProxy) totalPosts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.posts {
		total += n
	}
	return total
}

func (f *fakeProxy) recordedPayloads() []face.Payload {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]face.Payload, len(f.payloads))
	copy(out, f.payloads)
	return out
}

// eventLog collects OnPreview callbacks.
type eventLog struct {
	mu     sync.Mutex
	events []PreviewEvent
}

func (l *eventLog) add(e PreviewEvent) {
	l.mu.Lock()
	l.events = append(l.events, e)
	l.mu.Unlock()
}

func (l *eventLog) urls() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]string, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.URL)
	}
	return out
}

func (l *eventLog) last() (PreviewEvent, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.events) == 0 {
		return PreviewEvent{}, false
	}
	return l.events[len(l.events)-1], true
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, proxy *fakeProxy, opts ...Option) *Client {
	t.Helper()
	base := []Option{
		WithEndpoint(proxy.server.URL),
		WithModel(testModel),
		WithLogger(discardLogger()),
	}
	c, err := New(append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	c.SetImage(testImage)
	return c
}

func entryOf(t *testing.T, c *Client, params face.Parameters) cacheEntry {
	t.Helper()
	entry, err := c.entryFor(params)
	require.NoError(t, err)
	return entry
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name string
		opts []Option
	}{
		{"missing scheme", []Option{WithEndpoint("edits.example.com")}},
		{"empty endpoint", []Option{WithEndpoint("")}},
		{"zero buckets", []Option{WithNumBuckets(0)}},
		{"negative concurrency", []Option{WithMaxConcurrent(-1)}},
		{"zero timeout", []Option{WithRequestTimeout(0)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts...)
			assert.Error(t, err)
		})
	}
}

func TestNew_Defaults(t *testing.T) {
	c, err := New(WithLogger(discardLogger()))
	require.NoError(t, err)
	defer c.Close()

	assert.Equal(t, DefaultNumBuckets, c.cfg.NumBuckets)
	assert.Equal(t, DefaultMaxConcurrent, c.cfg.MaxConcurrent)
	assert.Equal(t, DefaultLoadingDelay, c.cfg.LoadingDelay)
	assert.Equal(t, DefaultDebounceInterval, c.cfg.DebounceInterval)
	assert.Equal(t, cachekey.Version, c.cfg.CacheVersion)
	assert.Equal(t, DefaultEndpoint+editPath, c.editURL)
}

func TestRunEditor_RequiresImage(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)
	c.SetImage("")

	_, err := c.RunEditor(context.Background(), Parameters{Smile: Float(0.5)}, RunOptions{})
	assert.True(t, editerrors.IsType(err, editerrors.TypeInvalidParameter))
	assert.Equal(t, 0, proxy.totalPosts())
}

func TestRunEditor_MemoryTierHitAfterFirstFetch(t *testing.T) {
	proxy := newFakeProxy(t)
	events := &eventLog{}
	c := newTestClient(t, proxy, WithOnPreview(events.add))

	params := Parameters{Smile: Float(0.42)}
	entry := entryOf(t, c, params)

	first, err := c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, proxy.urlFor(entry.key), first)
	assert.Equal(t, 1, proxy.totalPosts())

	second, err := c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, 1, proxy.totalPosts(), "repeat edit must not reach the proxy")

	last, ok := events.last()
	require.True(t, ok)
	assert.True(t, last.CacheHit)
	assert.Equal(t, entry.key, last.Key)
	assert.Equal(t, first, c.CurrentPreview())
}

func TestRunEditor_NearbyValuesShareOneEntry(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	// Both quantize to smile=0.5 on the default lattice.
	first, err := c.RunEditor(context.Background(), Parameters{Smile: Float(0.42)}, RunOptions{})
	require.NoError(t, err)
	second, err := c.RunEditor(context.Background(), Parameters{Smile: Float(0.55)}, RunOptions{})
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, proxy.totalPosts())
}

func TestRunEditor_PersistentTierSurvivesRestart(t *testing.T) {
	proxy := newFakeProxy(t)
	dbPath := filepath.Join(t.TempDir(), "previews.db")

	store1, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	c1 := newTestClient(t, proxy, WithPersistentStore(store1))

	params := Parameters{Smile: Float(0.1)}
	url1, err := c1.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 1, proxy.totalPosts())
	require.NoError(t, c1.Close())

	// Fresh process: empty memory tier, same database file.
	store2, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	events := &eventLog{}
	c2 := newTestClient(t, proxy, WithPersistentStore(store2), WithOnPreview(events.add))

	url2, err := c2.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, url1, url2)
	assert.Equal(t, 1, proxy.totalPosts(), "restart must be served from the persistent tier")

	last, ok := events.last()
	require.True(t, ok)
	assert.True(t, last.CacheHit)

	// The hit backfilled the memory tier.
	assert.Equal(t, int64(1), c2.tiers.DetailedStats().PersistentHits)
	_, err = c2.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), c2.tiers.DetailedStats().MemoryHits)
}

func TestRunEditor_CoalescesConcurrentDispatches(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	params := Parameters{RotateYaw: Float(5)}
	entry := entryOf(t, c, params)
	gate := proxy.gateKey(entry.key)

	const callers = 8
	var wg sync.WaitGroup
	urls := make([]string, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			urls[i], errs[i] = c.RunEditor(context.Background(), params, RunOptions{})
		}(i)
	}

	require.Eventually(t, func() bool {
		return c.flights.Stats().Coalesced == callers-1
	}, 2*time.Second, time.Millisecond)
	close(gate)
	wg.Wait()

	want := proxy.urlFor(entry.key)
	for i := 0; i < callers; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, want, urls[i])
	}
	assert.Equal(t, 1, proxy.postCount(entry.key), "coalesced callers share one POST")
	assert.Equal(t, 0, c.flights.InFlight())
	assert.Equal(t, uint64(callers-1), c.Stats().Coalescing.Coalesced)
}

func TestRunEditor_CancelPreviousSupersedes(t *testing.T) {
	proxy := newFakeProxy(t)
	events := &eventLog{}
	c := newTestClient(t, proxy, WithOnPreview(events.add))

	p1 := Parameters{Smile: Float(1.0)}
	p2 := Parameters{Smile: Float(-0.3)}
	entry1 := entryOf(t, c, p1)
	entry2 := entryOf(t, c, p2)
	gate := proxy.gateKey(entry1.key)

	p1Done := make(chan error, 1)
	go func() {
		_, err := c.RunEditor(context.Background(), p1, RunOptions{CancelPrevious: true})
		p1Done <- err
	}()
	require.Eventually(t, func() bool {
		return proxy.postCount(entry1.key) == 1
	}, 2*time.Second, time.Millisecond)

	url2, err := c.RunEditor(context.Background(), p2, RunOptions{CancelPrevious: true})
	require.NoError(t, err)
	assert.Equal(t, proxy.urlFor(entry2.key), url2)

	err = <-p1Done
	assert.True(t, IsCancelled(err), "superseded caller observes Cancelled, got %v", err)
	assert.Equal(t, url2, c.CurrentPreview())

	// The superseded transfer still completes and lands in the local tiers,
	// without ever becoming visible.
	close(gate)
	require.Eventually(t, func() bool {
		url, _ := c.tiers.Get(context.Background(), entry1.storeKey)
		return url == proxy.urlFor(entry1.key)
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, url2, c.CurrentPreview())
	assert.NotContains(t, events.urls(), proxy.urlFor(entry1.key))
}

func TestRunEditor_StaleCompletionNotSurfaced(t *testing.T) {
	proxy := newFakeProxy(t)
	events := &eventLog{}
	c := newTestClient(t, proxy, WithOnPreview(events.add))

	slow := Parameters{Eyebrow: Float(10)}
	fast := Parameters{Eyebrow: Float(-10)}
	slowEntry := entryOf(t, c, slow)
	fastEntry := entryOf(t, c, fast)
	gate := proxy.gateKey(slowEntry.key)

	slowDone := make(chan string, 1)
	go func() {
		url, err := c.RunEditor(context.Background(), slow, RunOptions{})
		assert.NoError(t, err)
		slowDone <- url
	}()
	require.Eventually(t, func() bool {
		return proxy.postCount(slowEntry.key) == 1
	}, 2*time.Second, time.Millisecond)

	fastURL, err := c.RunEditor(context.Background(), fast, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, fastURL, c.CurrentPreview())

	close(gate)
	slowURL := <-slowDone

	// The slow caller still gets its URL, but the preview keeps the newer one.
	assert.Equal(t, proxy.urlFor(slowEntry.key), slowURL)
	assert.Equal(t, fastURL, c.CurrentPreview())
	assert.Equal(t, []string{proxy.urlFor(fastEntry.key)}, events.urls())
}

func TestRunEditor_SkipCacheForcesRoundTrip(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	params := Parameters{Blink: Float(-10)}
	entry := entryOf(t, c, params)

	_, err := c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	_, err = c.RunEditor(context.Background(), params, RunOptions{SkipCache: true})
	require.NoError(t, err)

	assert.Equal(t, 2, proxy.postCount(entry.key))
}

func TestRunEditor_FailuresAreNotCached(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	params := Parameters{PupilX: Float(5)}
	entry := entryOf(t, c, params)

	proxy.failWith(http.StatusServiceUnavailable, "model backend unreachable")
	_, err := c.RunEditor(context.Background(), params, RunOptions{})
	assert.True(t, editerrors.IsType(err, editerrors.TypeUpstreamUnavailable))

	url, _ := c.tiers.Get(context.Background(), entry.storeKey)
	assert.Empty(t, url, "failures must not poison the cache")

	proxy.succeed()
	got, err := c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, proxy.urlFor(entry.key), got)
	assert.Equal(t, 2, proxy.postCount(entry.key))
}

func TestRunEditor_EmptyURLIsAnError(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)
	proxy.mu.Lock()
	proxy.emptyURL = true
	proxy.mu.Unlock()

	params := Parameters{PupilY: Float(-5)}
	entry := entryOf(t, c, params)

	_, err := c.RunEditor(context.Background(), params, RunOptions{})
	assert.True(t, editerrors.IsType(err, editerrors.TypeUpstreamUnavailable))

	url, _ := c.tiers.Get(context.Background(), entry.storeKey)
	assert.Empty(t, url)
}

func TestRunEditor_ProxyErrorMapping(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		wantType string
	}{
		{"bad request", http.StatusBadRequest, editerrors.TypeInvalidParameter},
		{"model failure", http.StatusBadGateway, editerrors.TypeModelFailure},
		{"model timeout", http.StatusGatewayTimeout, editerrors.TypeModelTimeout},
		{"unavailable", http.StatusServiceUnavailable, editerrors.TypeUpstreamUnavailable},
		{"unexpected", http.StatusInternalServerError, editerrors.TypeUpstreamUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			proxy := newFakeProxy(t)
			c := newTestClient(t, proxy)
			proxy.failWith(tt.status, "upstream says no")

			_, err := c.RunEditor(context.Background(), Parameters{Wink: Float(2)}, RunOptions{})
			assert.True(t, editerrors.IsType(err, tt.wantType), "got %v", err)
		})
	}
}

func TestRunEditor_ProxyDownIsUpstreamUnavailable(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)
	proxy.server.Close()

	_, err := c.RunEditor(context.Background(), Parameters{Smile: Float(0.5)}, RunOptions{})
	assert.True(t, editerrors.IsType(err, editerrors.TypeUpstreamUnavailable))
}

func TestRunEditor_LoadingCallbackFiresOnSlowDispatch(t *testing.T) {
	proxy := newFakeProxy(t)
	var fired sync.WaitGroup
	fired.Add(1)
	c := newTestClient(t, proxy,
		WithLoadingDelay(10*time.Millisecond),
		WithOnLoading(fired.Done),
	)

	params := Parameters{RotateRoll: Float(20)}
	entry := entryOf(t, c, params)
	gate := proxy.gateKey(entry.key)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, err := c.RunEditor(context.Background(), params, RunOptions{})
		assert.NoError(t, err)
	}()

	fired.Wait()
	close(gate)
	<-done
}

func TestRunEditor_LoadingCallbackSkippedOnFastHit(t *testing.T) {
	proxy := newFakeProxy(t)
	var fired sync.Mutex
	var count int
	c := newTestClient(t, proxy,
		WithLoadingDelay(50*time.Millisecond),
		WithOnLoading(func() {
			fired.Lock()
			count++
			fired.Unlock()
		}),
	)

	params := Parameters{RotatePitch: Float(0)}
	entry := entryOf(t, c, params)
	require.NoError(t, c.tiers.Set(context.Background(), entry.storeKey, proxy.urlFor(entry.key), 0))

	url, err := c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, proxy.urlFor(entry.key), url)

	assert.Never(t, func() bool {
		fired.Lock()
		defer fired.Unlock()
		return count > 0
	}, 250*time.Millisecond, 25*time.Millisecond, "cache hits must not flash the loading state")
}

func TestRunEditor_CacheVersionBumpAbandonsEntries(t *testing.T) {
	proxy := newFakeProxy(t)
	dbPath := filepath.Join(t.TempDir(), "previews.db")

	store1, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	c1 := newTestClient(t, proxy, WithPersistentStore(store1))
	params := Parameters{Smile: Float(0.9)}
	_, err = c1.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	require.NoError(t, c1.Close())
	assert.Equal(t, 1, proxy.totalPosts())

	store2, err := OpenBoltStore(dbPath)
	require.NoError(t, err)
	c2 := newTestClient(t, proxy, WithPersistentStore(store2), WithCacheVersion("v2"))
	_, err = c2.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, proxy.totalPosts(), "a version bump must miss every prior entry")
}

func TestClient_StatsSnapshot(t *testing.T) {
	proxy := newFakeProxy(t)
	c := newTestClient(t, proxy)

	params := Parameters{Smile: Float(0.3)}
	_, err := c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)
	_, err = c.RunEditor(context.Background(), params, RunOptions{})
	require.NoError(t, err)

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.Tiers.MemoryHits)
	assert.Equal(t, uint64(1), stats.Coalescing.Executed)
	assert.Positive(t, stats.Cache.Hits)
}
