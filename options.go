package visage

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/visagelab/visage/internal/cachekey"
	"github.com/visagelab/visage/pkg/cache"
	"github.com/visagelab/visage/pkg/face"
)

// Defaults applied by New when the corresponding option is absent.
const (
	// DefaultEndpoint is the proxy base URL.
	DefaultEndpoint = "http://localhost:8080"

	// DefaultMaxConcurrent bounds prefetch fan-out.
	DefaultMaxConcurrent = 250

	// DefaultLoadingDelay is how long a dispatch may run before the loading
	// callback fires. Cache hits usually finish first and never flicker.
	DefaultLoadingDelay = 120 * time.Millisecond

	// DefaultDebounceInterval is the quiet period after a control change
	// before the focused sweep starts.
	DefaultDebounceInterval = time.Second

	// DefaultRequestTimeout bounds one proxy round trip. It sits above the
	// proxy's model budget so slow cold starts are not cut off client-side.
	DefaultRequestTimeout = 6 * time.Minute
)

// PreviewEvent describes a completed edit that became the visible preview.
type PreviewEvent struct {
	// URL is the artifact location.
	URL string
	// Key is the content-addressed cache key of the payload.
	Key string
	// Payload is the quantized payload the preview was computed for.
	Payload face.Payload
	// CacheHit reports that a local tier answered without a proxy round trip.
	CacheHit bool
}

// ClientConfig holds all configuration for the edit client.
type ClientConfig struct {
	// Proxy
	Endpoint       string
	Model          string
	HTTPClient     *http.Client
	RequestTimeout time.Duration

	// Quantization and keying
	NumBuckets   int
	CacheVersion string
	Transport    face.PayloadOptions

	// Local tiers
	MemoryStore     cache.Store
	PersistentStore cache.Store

	// Prefetch
	MaxConcurrent    int
	DebounceInterval time.Duration
	ImagePrefetcher  ImagePrefetcher

	// UI callbacks
	LoadingDelay time.Duration
	OnPreview    func(PreviewEvent)
	OnLoading    func()

	// Logging
	Logger *slog.Logger
}

// Option is a function that configures the Client.
type Option func(*ClientConfig)

// defaultConfig returns sensible defaults.
func defaultConfig() *ClientConfig {
	return &ClientConfig{
		Endpoint:         DefaultEndpoint,
		RequestTimeout:   DefaultRequestTimeout,
		NumBuckets:       face.DefaultNumBuckets,
		CacheVersion:     cachekey.Version,
		MaxConcurrent:    DefaultMaxConcurrent,
		DebounceInterval: DefaultDebounceInterval,
		LoadingDelay:     DefaultLoadingDelay,
		Logger:           slog.Default(),
	}
}

// WithEndpoint sets the proxy base URL. The client POSTs edit payloads to
// <endpoint>/api/replicate.
func WithEndpoint(endpoint string) Option {
	return func(c *ClientConfig) {
		c.Endpoint = endpoint
	}
}

// WithModel pins the model identifier sent with every payload. The model is
// part of the canonical payload, so switching models changes every cache key.
// When empty, the proxy substitutes its configured model.
func WithModel(model string) Option {
	return func(c *ClientConfig) {
		c.Model = model
	}
}

// WithHTTPClient sets the HTTP client used for proxy calls and lets callers
// wire custom transports. Per-dispatch deadlines come from RequestTimeout,
// so the client's own Timeout should stay zero.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *ClientConfig) {
		c.HTTPClient = hc
	}
}

// WithRequestTimeout bounds a single proxy round trip. Keep it at or above
// the proxy's model budget; a cold model start can take minutes.
func WithRequestTimeout(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.RequestTimeout = d
	}
}

// WithNumBuckets sets the quantization lattice density. It must match the
// proxy's setting or off-lattice payloads will be re-quantized server-side
// under a different key.
func WithNumBuckets(buckets int) Option {
	return func(c *ClientConfig) {
		c.NumBuckets = buckets
	}
}

// WithCacheVersion sets the key namespace version. Bumping it abandons every
// locally cached URL without deleting anything.
func WithCacheVersion(version string) Option {
	return func(c *ClientConfig) {
		c.CacheVersion = version
	}
}

// WithTransport overrides the payload transport fields (output format,
// quality, crop). Zero fields keep their defaults.
func WithTransport(opts face.PayloadOptions) Option {
	return func(c *ClientConfig) {
		c.Transport = opts
	}
}

// WithMemoryStore replaces the built-in in-memory tier.
func WithMemoryStore(store cache.Store) Option {
	return func(c *ClientConfig) {
		c.MemoryStore = store
	}
}

// WithPersistentStore sets the persistent tier so cached URLs survive
// process restarts. Without it the client runs memory-only.
//
// Example:
//
//	store, err := visage.OpenBoltStore(filepath.Join(dir, "previews.db"))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	client, err := visage.New(visage.WithPersistentStore(store))
func WithPersistentStore(store cache.Store) Option {
	return func(c *ClientConfig) {
		c.PersistentStore = store
	}
}

// WithMaxConcurrent bounds how many prefetch dispatches run at once.
func WithMaxConcurrent(n int) Option {
	return func(c *ClientConfig) {
		c.MaxConcurrent = n
	}
}

// WithDebounceInterval sets the trailing debounce for focused sweeps.
// Control changes inside the window coalesce to the last one.
func WithDebounceInterval(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.DebounceInterval = d
	}
}

// WithImagePrefetcher wires a worker that pulls artifact bytes onto local
// storage as sweep results arrive, so the UI can render them offline.
//
// Example:
//
//	pf, err := visage.NewDiskPrefetcher(cacheDir, visage.DiskPrefetcherConfig{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer pf.Close()
//	client, err := visage.New(visage.WithImagePrefetcher(pf))
func WithImagePrefetcher(p ImagePrefetcher) Option {
	return func(c *ClientConfig) {
		c.ImagePrefetcher = p
	}
}

// WithLoadingDelay sets how long a dispatch may run before OnLoading fires.
func WithLoadingDelay(d time.Duration) Option {
	return func(c *ClientConfig) {
		c.LoadingDelay = d
	}
}

// WithOnPreview registers a callback invoked whenever a completion becomes
// the visible preview. Stale completions never reach it.
func WithOnPreview(fn func(PreviewEvent)) Option {
	return func(c *ClientConfig) {
		c.OnPreview = fn
	}
}

// WithOnLoading registers a callback invoked once a dispatch outlives the
// loading delay. Use it to show a spinner without flashing it on fast hits.
func WithOnLoading(fn func()) Option {
	return func(c *ClientConfig) {
		c.OnLoading = fn
	}
}

// WithLogger sets the logger for the client.
func WithLogger(logger *slog.Logger) Option {
	return func(c *ClientConfig) {
		c.Logger = logger
	}
}
