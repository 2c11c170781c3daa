// Package api provides the HTTP handlers for the preview proxy. It serves
// quantized expression-edit requests from the key/value and blob cache
// tiers and coalesces misses into single model invocations.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/visagelab/visage/internal/blobstore"
	"github.com/visagelab/visage/internal/cachekey"
	"github.com/visagelab/visage/internal/healthcheck"
	"github.com/visagelab/visage/internal/httputil"
	"github.com/visagelab/visage/internal/inflight"
	"github.com/visagelab/visage/internal/metrics"
	"github.com/visagelab/visage/internal/observability"
	"github.com/visagelab/visage/internal/pool"
	"github.com/visagelab/visage/internal/replicate"
	"github.com/visagelab/visage/pkg/cache"
	editerrors "github.com/visagelab/visage/pkg/errors"
	"github.com/visagelab/visage/pkg/face"
)

const (
	// maxRequestBody bounds the POST body; edit payloads are small JSON.
	maxRequestBody = 1 << 20

	// persistTimeout bounds the detached download+store pipeline.
	persistTimeout = 2 * time.Minute

	// warmupTimeout bounds the async key/value repair after a blob hit.
	warmupTimeout = 5 * time.Second
)

// URLStore is the fast key/value tier mapping cache paths to artifact URLs.
// A missing path reads as "", nil.
type URLStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, url string, ttl time.Duration) error
	Ping(ctx context.Context) error
	Stats() cache.Stats
}

// BlobStore is the durable artifact tier, addressed by key prefix.
type BlobStore interface {
	List(ctx context.Context, prefix string) ([]blobstore.Object, error)
	Put(ctx context.Context, key string, body []byte, contentType string) (string, error)
	Stats() blobstore.Stats
}

// ModelClient invokes the external prediction service.
type ModelClient interface {
	Run(ctx context.Context, input any) (*replicate.Prediction, error)
	Download(ctx context.Context, url string) ([]byte, string, error)
}

// Config carries the handler's fixed parameters.
type Config struct {
	Model        string        // model identifier; payloads naming another model are rejected
	CacheVersion string        // key namespace version
	NumBuckets   int           // quantization lattice density
	ModelBudget  time.Duration // end-to-end budget for one model invocation
	KVTTL        time.Duration // TTL for key/value writes; 0 uses the store default
	Tracer       trace.Tracer  // nil falls back to the global provider
}

// Handler handles HTTP requests for the preview proxy.
type Handler struct {
	cfg      Config
	urls     URLStore
	blobs    BlobStore
	model    ModelClient
	inflight *inflight.Coalescer
	deps     *healthcheck.Prober
	logger   *slog.Logger

	persists sync.WaitGroup
}

// NewHandler creates a new proxy handler.
func NewHandler(cfg Config, urls URLStore, blobs BlobStore, model ModelClient, logger *slog.Logger) *Handler {
	if cfg.CacheVersion == "" {
		cfg.CacheVersion = cachekey.Version
	}
	if cfg.NumBuckets <= 0 {
		cfg.NumBuckets = face.DefaultNumBuckets
	}
	if cfg.ModelBudget <= 0 {
		cfg.ModelBudget = 5 * time.Minute
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer(observability.TracerName)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		urls:     urls,
		blobs:    blobs,
		model:    model,
		inflight: inflight.New(),
		logger:   logger,
	}
}

// SetDependencyProber attaches the background prober surfaced by
// GET /health/deps. Optional; the endpoint reports no dependencies without it.
func (h *Handler) SetDependencyProber(p *healthcheck.Prober) {
	h.deps = p
}

// EditPreview handles POST /api/replicate. The response is always
// `{"url": ...}` on success and `{"error": ...}` on failure.
func (h *Handler) EditPreview(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		h.writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	decoded := pool.GetPayload()
	defer pool.PutPayload(decoded)
	if err := httputil.DecodeJSON(r.Body, maxRequestBody, decoded); err != nil {
		h.writeError(w, editerrors.NewInvalidParameter("invalid JSON body: "+err.Error(), err))
		return
	}
	// Downstream closures outlive the pooled struct; work on a value copy.
	payload := *decoded

	switch payload.Model {
	case "":
		payload.Model = h.cfg.Model
	case h.cfg.Model:
	default:
		h.writeError(w, editerrors.NewInvalidParameter("unsupported model "+payload.Model, nil))
		return
	}

	// Clients quantize before sending, but off-lattice values must not be
	// able to mint fresh cache entries.
	quantized, err := payload.Parameters.Quantize(h.cfg.NumBuckets)
	if err != nil {
		h.writeError(w, err)
		return
	}
	payload.Parameters = quantized

	if err := payload.Validate(); err != nil {
		h.writeError(w, err)
		return
	}

	key := cachekey.Key(payload)
	path := cachekey.Path(h.cfg.CacheVersion, payload.Model, key)

	ctx, span := observability.StartEditSpan(r.Context(), h.cfg.Tracer, "edit.preview", observability.EditSpanAttributes{
		Model:        payload.Model,
		CacheKey:     key,
		OutputFormat: payload.OutputFormat,
	})
	defer span.End()

	if url, tier := h.lookup(ctx, path); url != "" {
		observability.RecordCacheResult(span, tier, true)
		h.writeURL(w, url)
		return
	}

	url, err := h.resolve(ctx, path, payload)
	if err != nil {
		observability.RecordError(span, err)
		h.writeError(w, err)
		return
	}
	h.writeURL(w, url)
}

// lookup consults both cache tiers concurrently; the first non-empty answer
// wins. A blob hit repairs the key/value mapping off the request path.
func (h *Handler) lookup(ctx context.Context, path string) (string, string) {
	type result struct {
		tier string
		url  string
	}

	results := make(chan result, 2)

	go func() {
		url, err := h.urls.Get(ctx, path)
		switch {
		case errors.Is(err, context.Canceled):
			// Lost the race against the other tier; not a failure.
			url = ""
		case err != nil:
			metrics.RecordLookup(metrics.TierKV, metrics.OutcomeError)
			h.logger.Warn("kv lookup failed", "path", path, "error", err)
			url = ""
		case url == "":
			metrics.RecordLookup(metrics.TierKV, metrics.OutcomeMiss)
		default:
			metrics.RecordLookup(metrics.TierKV, metrics.OutcomeHit)
		}
		results <- result{tier: metrics.TierKV, url: url}
	}()

	go func() {
		var url string
		objects, err := h.blobs.List(ctx, path)
		switch {
		case errors.Is(err, context.Canceled):
		case err != nil:
			metrics.RecordLookup(metrics.TierBlob, metrics.OutcomeError)
			h.logger.Warn("blob lookup failed", "prefix", path, "error", err)
		case len(objects) == 0:
			metrics.RecordLookup(metrics.TierBlob, metrics.OutcomeMiss)
		default:
			metrics.RecordLookup(metrics.TierBlob, metrics.OutcomeHit)
			url = objects[0].URL
		}
		results <- result{tier: metrics.TierBlob, url: url}
	}()

	for i := 0; i < 2; i++ {
		res := <-results
		if res.url == "" {
			continue
		}
		if res.tier == metrics.TierBlob {
			h.warmKV(ctx, path, res.url)
		}
		return res.url, res.tier
	}
	return "", ""
}

// warmKV restores a key/value mapping recovered from the blob tier.
func (h *Handler) warmKV(ctx context.Context, path, url string) {
	wctx := context.WithoutCancel(ctx)
	h.persists.Add(1)
	go func() {
		defer h.persists.Done()
		wctx, cancel := context.WithTimeout(wctx, warmupTimeout)
		defer cancel()

		if err := h.urls.Set(wctx, path, url, h.cfg.KVTTL); err != nil {
			h.logger.Warn("cache warm-up failed", "path", path, "error", err)
			return
		}
		metrics.CacheWarmups.Inc()
	}()
}

// resolve coalesces concurrent misses for the same path into a single model
// invocation and persists the artifact off the request path.
func (h *Handler) resolve(ctx context.Context, path string, payload face.Payload) (string, error) {
	executed := false
	url, err := h.inflight.Do(ctx, path, func(ctx context.Context) (string, error) {
		executed = true

		// The invocation survives its requester: coalesced followers and
		// the cache tiers still want the artifact.
		mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), h.cfg.ModelBudget)
		defer cancel()

		start := time.Now()
		pred, err := h.model.Run(mctx, payload)
		if err != nil {
			metrics.RecordModelInvocation(payload.Model, "error", time.Since(start))
			return "", err
		}
		if len(pred.Output) == 0 {
			metrics.RecordModelInvocation(payload.Model, "empty", time.Since(start))
			return "", editerrors.NewModelFailure(payload.Model, "prediction settled with no output", nil)
		}
		metrics.RecordModelInvocation(payload.Model, "succeeded", time.Since(start))

		upstreamURL := pred.Output[0]
		h.persist(path, payload.OutputFormat, upstreamURL)
		return upstreamURL, nil
	})
	if !executed && err == nil {
		metrics.CoalescedRequests.Inc()
	}
	return url, err
}

// persist copies the model output into both cache tiers. It runs detached;
// the response carries the upstream URL in the meantime, and future lookups
// converge on the blob copy.
func (h *Handler) persist(path, ext, srcURL string) {
	h.persists.Add(1)
	go func() {
		defer h.persists.Done()
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		body, contentType, err := h.model.Download(ctx, srcURL)
		if err != nil {
			metrics.RecordPersistFailure(metrics.StageDownload)
			h.logger.Error("artifact download failed", "url", srcURL, "error", err)
			return
		}

		blobKey := path + "." + ext
		publicURL, err := h.blobs.Put(ctx, blobKey, body, contentType)
		if err != nil {
			metrics.RecordPersistFailure(metrics.StageBlob)
			h.logger.Error("blob persist failed", "key", blobKey, "error", err)
			return
		}

		if err := h.urls.Set(ctx, path, publicURL, h.cfg.KVTTL); err != nil {
			metrics.RecordPersistFailure(metrics.StageKV)
			h.logger.Error("kv persist failed", "path", path, "error", err)
			return
		}

		h.logger.Debug("artifact persisted", "path", path, "url", publicURL)
	}()
}

// Drain blocks until detached persistence work finishes or ctx expires.
// Call during shutdown so late artifacts still reach the cache tiers.
func (h *Handler) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.persists.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
