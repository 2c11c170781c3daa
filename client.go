package visage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	gojson "github.com/goccy/go-json"

	internalcache "github.com/visagelab/visage/internal/cache"
	"github.com/visagelab/visage/internal/cachekey"
	"github.com/visagelab/visage/internal/inflight"
	"github.com/visagelab/visage/internal/limiter"
	editerrors "github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
)

const (
	// editPath is the proxy route receiving quantized edit payloads.
	editPath = "/api/replicate"

	// maxResponseBody bounds proxy responses; they carry one URL or an
	// error message.
	maxResponseBody = 1 << 20
)

// RunOptions tune a single RunEditor dispatch.
type RunOptions struct {
	// CancelPrevious supersedes the in-flight interactive edit before
	// dispatching: its caller resolves with a Cancelled error and its
	// completion never becomes visible. Slider-driven updates want this;
	// background work must leave it false.
	CancelPrevious bool

	// SkipCache bypasses the local tiers and forces a proxy round trip.
	// The fresh URL still lands in both tiers.
	SkipCache bool
}

// Client is the client-side cache and dispatcher for expression edits. It
// serves repeat edits from its local tiers, coalesces duplicate in-flight
// dispatches into one proxy call, and keeps stale completions from
// overwriting newer previews.
type Client struct {
	cfg    *ClientConfig
	logger *slog.Logger
	http   *http.Client

	editURL string

	tiers   *internalcache.Tiered
	flights *inflight.Coalescer
	sem     *limiter.Semaphore

	gens   generations
	view   viewState
	sweeps sweepState
	focus  *debouncer

	mu      sync.Mutex
	image   string
	curFace face.Parameters

	// lifeCtx parents proxy transfers so they outlive cancelled waiters;
	// Close cancels it.
	lifeCtx  context.Context
	lifeStop context.CancelFunc

	closeOnce sync.Once
}

// cacheEntry pairs a quantized payload with its derived identifiers.
type cacheEntry struct {
	payload  face.Payload
	key      string // content hash
	storeKey string // version- and model-namespaced local tier key
}

// New creates a Client from the given options.
func New(opts ...Option) (*Client, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	base, err := url.Parse(cfg.Endpoint)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("visage: invalid endpoint %q", cfg.Endpoint)
	}
	if cfg.NumBuckets < 1 {
		return nil, fmt.Errorf("visage: num buckets must be at least 1, got %d", cfg.NumBuckets)
	}
	if cfg.MaxConcurrent < 1 {
		return nil, fmt.Errorf("visage: max concurrent must be at least 1, got %d", cfg.MaxConcurrent)
	}
	if cfg.RequestTimeout <= 0 {
		return nil, fmt.Errorf("visage: request timeout must be positive, got %s", cfg.RequestTimeout)
	}
	if cfg.CacheVersion == "" {
		cfg.CacheVersion = cachekey.Version
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	memory := cfg.MemoryStore
	if memory == nil {
		memory = internalcache.NewMemoryStore(0)
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{}
	}

	lifeCtx, lifeStop := context.WithCancel(context.Background())
	return &Client{
		cfg:      cfg,
		logger:   cfg.Logger,
		http:     httpClient,
		editURL:  base.JoinPath(editPath).String(),
		tiers:    internalcache.NewTiered(memory, cfg.PersistentStore, cfg.Logger),
		flights:  inflight.New(),
		sem:      limiter.NewSemaphore(cfg.MaxConcurrent),
		focus:    newDebouncer(cfg.DebounceInterval),
		curFace:  face.Neutral(),
		lifeCtx:  lifeCtx,
		lifeStop: lifeStop,
	}, nil
}

// Close aborts in-flight work and releases the local tiers. An injected
// ImagePrefetcher stays open; the caller owns its lifecycle.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.focus.stop()
		c.sweeps.stop()
		c.gens.cancelCurrent()
		c.lifeStop()
	})
	return c.tiers.Close()
}

// SetImage sets the source photo for subsequent edits. The image is part of
// every payload, so changing it changes every cache key; prior results stay
// cached under the old image.
func (c *Client) SetImage(imageURL string) {
	c.mu.Lock()
	c.image = imageURL
	c.mu.Unlock()
}

// Image returns the current source photo.
func (c *Client) Image() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.image
}

// CurrentPreview returns the visible preview URL, "" before the first
// completed edit.
func (c *Client) CurrentPreview() string {
	return c.view.current()
}

// RunEditor resolves an edit for params: local tiers first, then one
// coalesced proxy round trip. The returned URL is also surfaced through
// OnPreview unless a newer dispatch completed first.
//
// With CancelPrevious set, a still-running interactive dispatch resolves
// with a Cancelled error; its transfer finishes in the background and lands
// in the caches without becoming visible.
func (c *Client) RunEditor(ctx context.Context, params face.Parameters, opts RunOptions) (string, error) {
	entry, err := c.entryFor(params)
	if err != nil {
		return "", err
	}

	stamp := c.view.stamp()

	if c.cfg.OnLoading != nil {
		loading := time.AfterFunc(c.cfg.LoadingDelay, c.cfg.OnLoading)
		defer loading.Stop()
	}

	if !opts.SkipCache {
		if url, _ := c.tiers.Get(ctx, entry.storeKey); url != "" {
			c.surface(stamp, entry, url, true)
			return url, nil
		}
	}

	waitCtx := ctx
	if opts.CancelPrevious {
		genCtx, _, release := c.gens.next(ctx)
		defer release()
		waitCtx = genCtx
	}

	url, err := c.fetch(waitCtx, entry)
	if err != nil {
		return "", err
	}
	c.surface(stamp, entry, url, false)
	return url, nil
}

// entryFor quantizes params into a payload and derives its identifiers.
func (c *Client) entryFor(params face.Parameters) (cacheEntry, error) {
	payload, err := face.NewPayload(c.Image(), c.cfg.Model, params, c.cfg.NumBuckets, c.cfg.Transport)
	if err != nil {
		return cacheEntry{}, err
	}
	key := cachekey.Key(payload)
	return cacheEntry{
		payload:  payload,
		key:      key,
		storeKey: c.storeKey(payload.Model, key),
	}, nil
}

// storeKey namespaces local tier keys the way the proxy namespaces its own,
// so bumping the cache version abandons prior entries in place.
func (c *Client) storeKey(model, key string) string {
	if model == "" {
		model = "default"
	}
	return cachekey.Path(c.cfg.CacheVersion, model, key)
}

// surface applies a completion to the visible state; stale stamps lose.
func (c *Client) surface(stamp uint64, entry cacheEntry, url string, hit bool) {
	if !c.view.apply(stamp, url) {
		c.logger.Debug("stale completion not surfaced", "key", entry.key)
		return
	}
	if c.cfg.OnPreview != nil {
		c.cfg.OnPreview(PreviewEvent{
			URL:      url,
			Key:      entry.key,
			Payload:  entry.payload,
			CacheHit: hit,
		})
	}
}

// fetch resolves a miss through the proxy, coalescing concurrent dispatches
// for the same key. The transfer runs detached from any single waiter: a
// caller whose context or generation dies stops waiting with Cancelled while
// the transfer finishes and lands in the tiers for whoever asks next.
func (c *Client) fetch(waitCtx context.Context, entry cacheEntry) (string, error) {
	ch := c.flights.DoChan(c.lifeCtx, entry.storeKey, func(ctx context.Context) (string, error) {
		rctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
		defer cancel()

		url, err := c.post(rctx, entry.payload)
		if err != nil {
			return "", err
		}
		c.store(rctx, entry, url)
		return url, nil
	})

	select {
	case res := <-ch:
		if res.Shared && res.Err == nil {
			c.logger.Debug("dispatch coalesced", "key", entry.key)
		}
		return res.URL, res.Err
	case <-waitCtx.Done():
		return "", waitErr(waitCtx.Err())
	}
}

// waitErr types a waiter's context death. Deadlines read as transport
// timeouts; everything else is a superseded or abandoned request.
func waitErr(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return editerrors.NewUpstreamUnavailable("", "request deadline exceeded", err)
	}
	return editerrors.NewCancelled("request superseded or abandoned")
}

// store writes a fresh URL through both tiers. Persistent failures are
// logged and tolerated; the memory tier still serves the session.
func (c *Client) store(ctx context.Context, entry cacheEntry, url string) {
	if err := c.tiers.Set(ctx, entry.storeKey, url, 0); err != nil {
		c.logger.Warn("persistent tier write failed", "key", entry.key, "error", err)
	}
}

// post sends the payload to the proxy and decodes the URL envelope.
func (c *Client) post(ctx context.Context, payload face.Payload) (string, error) {
	body, err := gojson.Marshal(payload)
	if err != nil {
		return "", editerrors.NewInvalidParameter("encode payload: "+err.Error(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.editURL, bytes.NewReader(body))
	if err != nil {
		return "", editerrors.NewUpstreamUnavailable(payload.Model, "build request: "+err.Error(), err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return "", editerrors.NewCancelled("request aborted")
		}
		return "", editerrors.NewUpstreamUnavailable(payload.Model, "proxy unreachable: "+err.Error(), err)
	}
	defer resp.Body.Close()

	return decodeEditResponse(resp, payload.Model)
}

// decodeEditResponse maps the proxy's JSON envelopes onto typed errors. The
// proxy sends {"url": ...} on success and {"error": ...} otherwise; the HTTP
// status selects the error kind.
func decodeEditResponse(resp *http.Response, model string) (string, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return "", editerrors.NewUpstreamUnavailable(model, "read proxy response: "+err.Error(), err)
	}

	if resp.StatusCode == http.StatusOK {
		var out struct {
			URL string `json:"url"`
		}
		if err := gojson.Unmarshal(body, &out); err != nil {
			return "", editerrors.NewUpstreamUnavailable(model, "malformed proxy response: "+err.Error(), err)
		}
		if out.URL == "" {
			return "", editerrors.NewUpstreamUnavailable(model, "proxy returned an empty url", nil)
		}
		return out.URL, nil
	}

	var envelope struct {
		Error string `json:"error"`
	}
	_ = gojson.Unmarshal(body, &envelope) //nolint:errcheck // fall back to the status text
	msg := envelope.Error
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	switch resp.StatusCode {
	case http.StatusBadRequest:
		return "", editerrors.NewInvalidParameter(msg, nil)
	case http.StatusBadGateway:
		return "", editerrors.NewModelFailure(model, msg, nil)
	case http.StatusGatewayTimeout:
		return "", editerrors.NewModelTimeout(model, msg)
	default:
		return "", editerrors.NewUpstreamUnavailable(model, msg, nil)
	}
}

// Stats is a point-in-time snapshot of client counters.
type Stats struct {
	Cache      CacheStats      `json:"cache"`
	Tiers      TierStats       `json:"tiers"`
	Coalescing CoalescingStats `json:"coalescing"`
}

// Stats returns a snapshot of cache and coalescing counters.
func (c *Client) Stats() Stats {
	return Stats{
		Cache:      c.tiers.Stats(),
		Tiers:      c.tiers.DetailedStats(),
		Coalescing: c.flights.Stats(),
	}
}
