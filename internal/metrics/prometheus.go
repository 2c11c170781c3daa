// Package metrics provides Prometheus metrics collection for the edit proxy.
// It tracks cache tier lookups, request coalescing, model invocations, and
// artifact persistence.
package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "visage"

// Cache lookup tiers.
const (
	TierKV   = "kv"
	TierBlob = "blob"
)

// Cache lookup outcomes.
const (
	OutcomeHit   = "hit"
	OutcomeMiss  = "miss"
	OutcomeError = "error"
)

// Persistence stages.
const (
	StageDownload = "download"
	StageBlob     = "blob"
	StageKV       = "kv"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
// Edits settle anywhere between a warm cache hit and a multi-minute model
// run, so the ladder spans both regimes.
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 15.0, 30.0, 60.0, 120.0, 300.0,
}

var (
	// RequestsTotal counts HTTP requests by route, method, and status.
	RequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"route", "method", "status"},
	)

	// RequestLatency tracks end-to-end request latency per route.
	RequestLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_latency_seconds",
			Help:      "Request latency in seconds (end-to-end)",
			Buckets:   LatencyBuckets,
		},
		[]string{"route"},
	)

	// CacheLookups counts cache tier lookups by outcome.
	CacheLookups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Cache tier lookups by tier and outcome",
		},
		[]string{"tier", "outcome"},
	)

	// CacheWarmups counts key/value entries rebuilt from blob tier hits.
	CacheWarmups = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_warmups_total",
			Help:      "Key/value entries backfilled after a blob tier hit",
		},
	)

	// CoalescedRequests counts requests that attached to an in-flight
	// computation instead of invoking the model themselves.
	CoalescedRequests = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "coalesced_requests_total",
			Help:      "Requests served by an already in-flight model invocation",
		},
	)

	// ModelInvocations counts model runs by terminal status.
	ModelInvocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_invocations_total",
			Help:      "Model invocations by terminal status",
		},
		[]string{"model", "status"},
	)

	// ModelLatency tracks the full create-poll-settle duration.
	ModelLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "model_latency_seconds",
			Help:      "Model invocation latency in seconds (create to settle)",
			Buckets:   LatencyBuckets,
		},
		[]string{"model"},
	)

	// ModelPollAttempts counts prediction status polls.
	ModelPollAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_poll_attempts_total",
			Help:      "Prediction status poll attempts",
		},
		[]string{"model"},
	)

	// ModelRetries counts full create-poll cycles retried after transport
	// failures.
	ModelRetries = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "model_retries_total",
			Help:      "Model invocation retries after transport failures",
		},
		[]string{"model"},
	)

	// PersistFailures counts artifact persistence failures by stage.
	PersistFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_failures_total",
			Help:      "Artifact persistence failures by stage",
		},
		[]string{"stage"},
	)

	// DependencyUp reports the last probe result per dependency (1 up, 0 down).
	DependencyUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "dependency_up",
			Help:      "Whether the last health probe of a dependency succeeded",
		},
		[]string{"dependency"},
	)
)

// RecordLookup records one cache tier lookup.
func RecordLookup(tier, outcome string) {
	CacheLookups.WithLabelValues(tier, outcome).Inc()
}

// RecordModelInvocation records a model run with its terminal status.
func RecordModelInvocation(model, status string, latency time.Duration) {
	model = sanitizeModelLabel(model)
	ModelInvocations.WithLabelValues(model, status).Inc()
	ModelLatency.WithLabelValues(model).Observe(latency.Seconds())
}

// RecordModelPoll records one prediction status poll.
func RecordModelPoll(model string) {
	ModelPollAttempts.WithLabelValues(sanitizeModelLabel(model)).Inc()
}

// RecordModelRetry records one retried create-poll cycle.
func RecordModelRetry(model string) {
	ModelRetries.WithLabelValues(sanitizeModelLabel(model)).Inc()
}

// RecordPersistFailure records a failed persistence stage.
func RecordPersistFailure(stage string) {
	PersistFailures.WithLabelValues(stage).Inc()
}

// RecordDependencyProbe records the outcome of one dependency health probe.
func RecordDependencyProbe(name string, healthy bool) {
	v := 0.0
	if healthy {
		v = 1.0
	}
	DependencyUp.WithLabelValues(name).Set(v)
}

const maxModelLabelLen = 64

// sanitizeModelLabel bounds label cardinality: model identifiers come from
// configuration, but guard against junk anyway.
func sanitizeModelLabel(model string) string {
	model = strings.TrimSpace(model)
	if model == "" {
		return "unknown"
	}

	var b strings.Builder
	b.Grow(minInt(len(model), maxModelLabelLen))
	for _, r := range model {
		if (r >= 'a' && r <= 'z') ||
			(r >= 'A' && r <= 'Z') ||
			(r >= '0' && r <= '9') ||
			r == '-' || r == '_' || r == '.' || r == '/' || r == ':' {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
		if b.Len() >= maxModelLabelLen {
			break
		}
	}

	out := strings.Trim(b.String(), "_")
	if out == "" {
		return "unknown"
	}
	return out
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
