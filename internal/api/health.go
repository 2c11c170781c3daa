package api

import (
	"context"
	"net/http"
	"time"

	"github.com/visagelab/visage/internal/blobstore"
	"github.com/visagelab/visage/internal/healthcheck"
	"github.com/visagelab/visage/internal/inflight"
	"github.com/visagelab/visage/pkg/cache"
)

const readinessTimeout = 2 * time.Second

// HealthLive handles GET /health/live.
func (h *Handler) HealthLive(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// HealthReady handles GET /health/ready. Readiness requires the key/value
// tier; the blob tier is exercised lazily by requests and tolerated down.
func (h *Handler) HealthReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	if err := h.urls.Ping(ctx); err != nil {
		h.logger.Warn("readiness probe failed", "error", err)
		h.writeJSONError(w, http.StatusServiceUnavailable, "kv tier unavailable")
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// depsResponse reports the background prober's view of each dependency.
type depsResponse struct {
	Status       string                        `json:"status"`
	Dependencies map[string]healthcheck.Status `json:"dependencies"`
}

// HealthDeps handles GET /health/deps. Unlike readiness this is purely
// informational: a degraded dependency yields 503 but the proxy keeps
// serving whatever tiers remain.
func (h *Handler) HealthDeps(w http.ResponseWriter, r *http.Request) {
	resp := depsResponse{
		Status:       "ok",
		Dependencies: h.deps.Snapshot(),
	}
	code := http.StatusOK
	if !h.deps.Healthy() {
		resp.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	h.writeJSON(w, code, resp)
}

// statsResponse aggregates proxy counters for debugging.
type statsResponse struct {
	Inflight   int             `json:"inflight"`
	Coalescing inflight.Stats  `json:"coalescing"`
	KV         cache.Stats     `json:"kv"`
	Blob       blobstore.Stats `json:"blob"`
}

// ProxyStats handles GET /api/stats.
func (h *Handler) ProxyStats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, statsResponse{
		Inflight:   h.inflight.InFlight(),
		Coalescing: h.inflight.Stats(),
		KV:         h.urls.Stats(),
		Blob:       h.blobs.Stats(),
	})
}
