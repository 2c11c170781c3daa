package api

import "net/http"

// RegisterRoutes registers the proxy routes on the given mux. The edit
// route is registered without a method pattern so non-POST requests get the
// JSON 405 envelope instead of the mux default.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/replicate", h.EditPreview)
	mux.HandleFunc("GET /api/stats", h.ProxyStats)
	mux.HandleFunc("GET /health/live", h.HealthLive)
	mux.HandleFunc("GET /health/ready", h.HealthReady)
	mux.HandleFunc("GET /health/deps", h.HealthDeps)
}
