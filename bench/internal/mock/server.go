// Package mock provides a stand-in prediction API for benchmarking. It mimics
// the expression-edit model's create/poll lifecycle and artifact hosting
// without burning GPU time.
package mock

import (
	"math/rand"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// Server is a mock prediction API server.
type Server struct {
	// Latency simulates the model run time between create and succeeded.
	Latency time.Duration

	// ErrorRate is the probability of a prediction failing (0.0 to 1.0).
	ErrorRate float64

	// CreateCount tracks prediction creates handled.
	CreateCount atomic.Int64

	// PollCount tracks prediction status polls handled.
	PollCount atomic.Int64

	// DownloadCount tracks artifact downloads served.
	DownloadCount atomic.Int64

	mu          sync.Mutex
	predictions map[string]*prediction
}

type prediction struct {
	id      string
	host    string
	readyAt time.Time
	failed  bool
}

// NewServer creates a new mock server with default settings.
func NewServer() *Server {
	return &Server{
		Latency:     50 * time.Millisecond,
		ErrorRate:   0.0,
		predictions: make(map[string]*prediction),
	}
}

// createRequest mirrors the prediction API create body.
type createRequest struct {
	Version string `json:"version"`
	Input   any    `json:"input"`
}

// predictionResponse mirrors the prediction API response envelope.
type predictionResponse struct {
	ID     string   `json:"id"`
	Status string   `json:"status"`
	Output []string `json:"output,omitempty"`
	Error  string   `json:"error,omitempty"`
}

// Handler returns an http.Handler for the mock server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /v1/predictions", s.handleCreate)
	mux.HandleFunc("GET /v1/predictions/{id}", s.handleGet)
	mux.HandleFunc("GET /artifacts/{name}", s.handleArtifact)
	mux.HandleFunc("/health", s.handleHealth)

	return mux
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	s.CreateCount.Add(1)

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Version == "" {
		writeDetail(w, http.StatusUnprocessableEntity, "version is required")
		return
	}

	pred := &prediction{
		id:      uuid.NewString(),
		host:    r.Host,
		readyAt: time.Now().Add(s.Latency),
		failed:  s.ErrorRate > 0 && rand.Float64() < s.ErrorRate,
	}

	s.mu.Lock()
	s.predictions[pred.id] = pred
	s.mu.Unlock()

	writeJSON(w, http.StatusCreated, predictionResponse{
		ID:     pred.id,
		Status: "starting",
	})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	s.PollCount.Add(1)

	s.mu.Lock()
	pred, ok := s.predictions[r.PathValue("id")]
	s.mu.Unlock()
	if !ok {
		writeDetail(w, http.StatusNotFound, "prediction not found")
		return
	}

	resp := predictionResponse{ID: pred.id}
	switch {
	case time.Now().Before(pred.readyAt):
		resp.Status = "processing"
	case pred.failed:
		resp.Status = "failed"
		resp.Error = "mock prediction failure"
	default:
		resp.Status = "succeeded"
		resp.Output = []string{"http://" + pred.host + "/artifacts/" + pred.id + ".webp"}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleArtifact serves a small deterministic body per prediction. Real
// outputs are images; the bytes only need to be stable and non-empty.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	s.DownloadCount.Add(1)

	w.Header().Set("Content-Type", "image/webp")
	_, _ = w.Write([]byte("RIFF....WEBP mock artifact " + r.PathValue("name")))
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"create_count": s.CreateCount.Load(),
		"poll_count":   s.PollCount.Load(),
	})
}

// Stats returns server statistics.
func (s *Server) Stats() map[string]any {
	return map[string]any{
		"create_count":   s.CreateCount.Load(),
		"poll_count":     s.PollCount.Load(),
		"download_count": s.DownloadCount.Load(),
		"latency_ms":     s.Latency.Milliseconds(),
		"error_rate":     s.ErrorRate,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeDetail(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
