package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visagelab/visage/internal/api"
	"github.com/visagelab/visage/internal/cachekey"
	"github.com/visagelab/visage/internal/healthcheck"
	"github.com/visagelab/visage/internal/kvstore"
	"github.com/visagelab/visage/internal/metrics"
	"github.com/visagelab/visage/internal/observability"
	"github.com/visagelab/visage/internal/replicate"
	"github.com/visagelab/visage/pkg/face"
)

// TestServer runs the preview proxy in-process: the real handler and
// middleware over a miniredis key/value tier, an in-memory blob tier, and a
// caller-supplied prediction API.
type TestServer struct {
	server   *http.Server
	listener net.Listener
	baseURL  string
	logger   *slog.Logger

	handler *api.Handler
	kv      *kvstore.Store
	blobs   *MemoryBlobStore
	mini    *miniredis.Miniredis
	prober  *healthcheck.Prober

	model        string
	cacheVersion string
	buckets      int

	stopProbes context.CancelFunc
}

// serverOptions holds configuration for creating a test server.
type serverOptions struct {
	model           string
	cacheVersion    string
	numBuckets      int
	kvTTL           time.Duration
	modelBudget     time.Duration
	pollInterval    time.Duration
	maxPollAttempts int
	probes          bool
}

// ServerOption configures the test server.
type ServerOption func(*serverOptions)

// WithModel sets the model identifier the proxy accepts and substitutes.
func WithModel(model string) ServerOption {
	return func(o *serverOptions) {
		o.model = model
	}
}

// WithCacheVersion sets the key namespace version.
func WithCacheVersion(version string) ServerOption {
	return func(o *serverOptions) {
		o.cacheVersion = version
	}
}

// WithNumBuckets sets the quantization lattice density.
func WithNumBuckets(buckets int) ServerOption {
	return func(o *serverOptions) {
		o.numBuckets = buckets
	}
}

// WithKVTTL sets the TTL for key/value writes.
func WithKVTTL(ttl time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.kvTTL = ttl
	}
}

// WithModelBudget bounds one end-to-end model invocation.
func WithModelBudget(budget time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.modelBudget = budget
	}
}

// WithPollInterval sets how often the proxy polls a running prediction.
func WithPollInterval(interval time.Duration) ServerOption {
	return func(o *serverOptions) {
		o.pollInterval = interval
	}
}

// WithMaxPollAttempts caps polls per prediction before the proxy reports a
// model timeout.
func WithMaxPollAttempts(attempts int) ServerOption {
	return func(o *serverOptions) {
		o.maxPollAttempts = attempts
	}
}

// WithDependencyProbes wires the background prober over the redis, blob, and
// model dependencies and surfaces it at /health/deps. Probes poll the blob
// tier, so leave this off when asserting exact stats counters.
func WithDependencyProbes() ServerOption {
	return func(o *serverOptions) {
		o.probes = true
	}
}

// NewTestServer creates a proxy over its own miniredis and in-memory blob
// tier, invoking the prediction API at modelURL.
func NewTestServer(modelURL string, opts ...ServerOption) (*TestServer, error) {
	options := &serverOptions{
		model:           "visage-edit-mock",
		numBuckets:      face.DefaultNumBuckets,
		modelBudget:     30 * time.Second,
		pollInterval:    10 * time.Millisecond,
		maxPollAttempts: 500,
	}
	for _, opt := range opts {
		opt(options)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelError, // only log errors in tests
	}))

	mini, err := miniredis.Run()
	if err != nil {
		return nil, fmt.Errorf("start miniredis: %w", err)
	}

	kv, err := kvstore.New(kvstore.Config{
		Addr:         mini.Addr(),
		Namespace:    "visage",
		DefaultTTL:   options.kvTTL,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  time.Second,
		WriteTimeout: time.Second,
	})
	if err != nil {
		mini.Close()
		return nil, fmt.Errorf("connect kv store: %w", err)
	}

	blobs := NewMemoryBlobStore()

	model := replicate.New(replicate.Config{
		BaseURL:         modelURL,
		Token:           "test-token",
		Version:         "test-version",
		Model:           options.model,
		PollInterval:    options.pollInterval,
		MaxPollAttempts: options.maxPollAttempts,
		Logger:          logger,
	})

	handler := api.NewHandler(api.Config{
		Model:        options.model,
		CacheVersion: options.cacheVersion,
		NumBuckets:   options.numBuckets,
		ModelBudget:  options.modelBudget,
		KVTTL:        options.kvTTL,
	}, kv, blobs, model, logger)

	probeCtx, stopProbes := context.WithCancel(context.Background())
	var prober *healthcheck.Prober
	if options.probes {
		prober = healthcheck.NewProber(healthcheck.Config{
			Enabled:  true,
			Interval: 50 * time.Millisecond,
			Timeout:  2 * time.Second,
		}, []healthcheck.Target{
			{Name: "redis", Probe: kv.Ping},
			{Name: "blob", Probe: func(ctx context.Context) error {
				_, err := blobs.List(ctx, "cache/")
				return err
			}},
			healthcheck.HTTPTarget("model", modelURL, nil),
		}, logger)
		prober.Start(probeCtx)
		handler.SetDependencyProber(prober)
	}

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	var httpHandler http.Handler = mux
	httpHandler = metrics.Middleware(httpHandler)
	httpHandler = observability.RequestIDMiddleware(httpHandler)

	lc := net.ListenConfig{}
	listener, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		stopProbes()
		_ = kv.Close()
		mini.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	server := &http.Server{
		Handler:      httpHandler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	version := options.cacheVersion
	if version == "" {
		version = cachekey.Version
	}

	return &TestServer{
		server:       server,
		listener:     listener,
		baseURL:      fmt.Sprintf("http://%s", listener.Addr().String()),
		logger:       logger,
		handler:      handler,
		kv:           kv,
		blobs:        blobs,
		mini:         mini,
		prober:       prober,
		model:        options.model,
		cacheVersion: version,
		buckets:      options.numBuckets,
		stopProbes:   stopProbes,
	}, nil
}

// Start starts the test server in a goroutine and waits for readiness.
func (s *TestServer) Start() error {
	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error("server error", "error", err)
		}
	}()
	return s.waitForReady(5 * time.Second)
}

// Stop drains detached persistence work and shuts everything down.
func (s *TestServer) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_ = s.handler.Drain(ctx) //nolint:errcheck // best effort during teardown
	s.stopProbes()

	err := s.server.Shutdown(ctx)
	_ = s.kv.Close() //nolint:errcheck // teardown
	s.mini.Close()
	return err
}

// URL returns the server's base URL.
func (s *TestServer) URL() string {
	return s.baseURL
}

// ModelName returns the model identifier the proxy is configured with.
func (s *TestServer) ModelName() string {
	return s.model
}

// NumBuckets returns the proxy's lattice density.
func (s *TestServer) NumBuckets() int {
	return s.buckets
}

// KV returns the key/value tier.
func (s *TestServer) KV() *kvstore.Store {
	return s.kv
}

// Blobs returns the blob tier.
func (s *TestServer) Blobs() *MemoryBlobStore {
	return s.blobs
}

// Miniredis returns the backing redis for direct manipulation.
func (s *TestServer) Miniredis() *miniredis.Miniredis {
	return s.mini
}

// Drain blocks until detached persistence work finishes or ctx expires.
func (s *TestServer) Drain(ctx context.Context) error {
	return s.handler.Drain(ctx)
}

// FlushKV wipes the key/value tier, leaving the blob tier intact.
func (s *TestServer) FlushKV() {
	s.mini.FlushAll()
}

// CachePathFor returns the cache path the proxy derives for p, applying the
// same model substitution the handler applies before hashing.
func (s *TestServer) CachePathFor(p face.Payload) string {
	if p.Model == "" {
		p.Model = s.model
	}
	return cachekey.Path(s.cacheVersion, p.Model, cachekey.Key(p))
}

func (s *TestServer) waitForReady(timeout time.Duration) error {
	client := &http.Client{Timeout: time.Second}
	deadline := time.Now().Add(timeout)
	ctx := context.Background()

	for time.Now().Before(deadline) {
		req, err := http.NewRequestWithContext(ctx, "GET", s.baseURL+"/health/ready", http.NoBody)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			continue
		}
		resp, err := client.Do(req)
		if err == nil {
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(50 * time.Millisecond)
	}

	return fmt.Errorf("server not ready after %v", timeout)
}
