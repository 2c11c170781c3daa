package main

import (
	"log/slog"
	"net/http"
	"time"

	gojson "github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/visagelab/visage/internal/config"
	"github.com/visagelab/visage/internal/metrics"
	"github.com/visagelab/visage/internal/observability"
)

// buildMiddlewareStack composes the proxy middleware, outermost first:
// request ID, request logging, metrics, rate limiting.
func buildMiddlewareStack(cfg *config.Config, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		handler := next
		handler = rateLimitMiddleware(cfg.RateLimit, handler)
		handler = metrics.Middleware(handler)
		handler = loggingMiddleware(logger, handler)
		handler = observability.RequestIDMiddleware(handler)
		return handler
	}
}

// statusWriter captures the response status for the request log.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func loggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		observability.LoggerWithRequestID(r.Context(), logger).Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", sw.status,
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func rateLimitMiddleware(cfg config.RateLimitConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}

	limiter := rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !limiter.Allow() {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			_ = gojson.NewEncoder(w).Encode(map[string]string{"error": "rate limit exceeded"})
			return
		}
		next.ServeHTTP(w, r)
	})
}
