// Package testutil provides the end-to-end test harness: a mock prediction
// API, an in-memory blob tier, and an in-process preview proxy.
package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
)

// RecordedRequest stores information about a received request.
type RecordedRequest struct {
	Method  string
	Path    string
	Body    []byte
	Headers http.Header
	Time    time.Time
}

// createError is an HTTP-level failure queued for an upcoming create call.
type createError struct {
	status int
	detail string
}

// mockPrediction is one invocation tracked by the mock API.
type mockPrediction struct {
	id      string
	host    string
	readyAt time.Time
	failMsg string // settles failed when non-empty
}

// MockModelServer simulates a Replicate-style prediction API: create returns
// a starting prediction, polls report processing until the configured latency
// elapses, and succeeded predictions point at an artifact the server itself
// serves.
type MockModelServer struct {
	server *httptest.Server

	mu          sync.Mutex
	requests    []RecordedRequest
	predictions map[string]*mockPrediction
	latency     time.Duration
	failQueue   []string
	errorQueue  []createError

	creates   atomic.Int64
	polls     atomic.Int64
	downloads atomic.Int64
}

// NewMockModelServer creates and starts a new mock prediction API.
func NewMockModelServer() *MockModelServer {
	m := &MockModelServer{
		predictions: make(map[string]*mockPrediction),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/predictions", m.handleCreate)
	mux.HandleFunc("GET /v1/predictions/{id}", m.handleGet)
	mux.HandleFunc("GET /artifacts/{name}", m.handleArtifact)

	m.server = httptest.NewServer(mux)
	return m
}

// URL returns the mock server's base URL.
func (m *MockModelServer) URL() string {
	return m.server.URL
}

// Close shuts down the mock server.
func (m *MockModelServer) Close() {
	m.server.Close()
}

// Reset clears recorded requests, tracked predictions, queued behaviors, and
// counters.
func (m *MockModelServer) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = m.requests[:0]
	m.predictions = make(map[string]*mockPrediction)
	m.latency = 0
	m.failQueue = m.failQueue[:0]
	m.errorQueue = m.errorQueue[:0]
	m.creates.Store(0)
	m.polls.Store(0)
	m.downloads.Store(0)
}

// SetLatency sets how long predictions created from now on report processing
// before settling.
func (m *MockModelServer) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// FailNextRun makes the next created prediction settle as failed with the
// given model error message.
func (m *MockModelServer) FailNextRun(message string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failQueue = append(m.failQueue, message)
}

// QueueCreateError makes an upcoming create call fail at the HTTP level with
// the given status and detail. Queued errors are consumed in order before any
// prediction is created.
func (m *MockModelServer) QueueCreateError(status int, detail string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errorQueue = append(m.errorQueue, createError{status: status, detail: detail})
}

// CreateCount returns how many create calls the server handled, including
// ones answered with a queued HTTP error.
func (m *MockModelServer) CreateCount() int64 { return m.creates.Load() }

// PollCount returns how many poll calls the server handled.
func (m *MockModelServer) PollCount() int64 { return m.polls.Load() }

// DownloadCount returns how many artifact downloads the server handled.
func (m *MockModelServer) DownloadCount() int64 { return m.downloads.Load() }

// Requests returns a copy of all recorded prediction API requests.
func (m *MockModelServer) Requests() []RecordedRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]RecordedRequest, len(m.requests))
	copy(out, m.requests)
	return out
}

// LastInput returns the "input" document of the most recent create call, or
// nil when none was recorded.
func (m *MockModelServer) LastInput() json.RawMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := len(m.requests) - 1; i >= 0; i-- {
		if m.requests[i].Method != http.MethodPost {
			continue
		}
		var req struct {
			Input json.RawMessage `json:"input"`
		}
		if err := json.Unmarshal(m.requests[i].Body, &req); err != nil {
			return nil
		}
		return req.Input
	}
	return nil
}

func (m *MockModelServer) recordRequest(r *http.Request, body []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.requests = append(m.requests, RecordedRequest{
		Method:  r.Method,
		Path:    r.URL.Path,
		Body:    body,
		Headers: r.Header.Clone(),
		Time:    time.Now(),
	})
}

func (m *MockModelServer) handleCreate(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body) //nolint:errcheck // test code
	m.recordRequest(r, body)
	m.creates.Add(1)

	m.mu.Lock()
	var httpErr *createError
	if len(m.errorQueue) > 0 {
		e := m.errorQueue[0]
		m.errorQueue = m.errorQueue[1:]
		httpErr = &e
	}
	var failMsg string
	if httpErr == nil && len(m.failQueue) > 0 {
		failMsg = m.failQueue[0]
		m.failQueue = m.failQueue[1:]
	}
	latency := m.latency
	m.mu.Unlock()

	if httpErr != nil {
		writeMockDetail(w, httpErr.status, httpErr.detail)
		return
	}

	var req struct {
		Version string          `json:"version"`
		Input   json.RawMessage `json:"input"`
	}
	if err := json.Unmarshal(body, &req); err != nil || req.Version == "" {
		writeMockDetail(w, http.StatusUnprocessableEntity, "version is required")
		return
	}

	pred := &mockPrediction{
		id:      uuid.NewString(),
		host:    r.Host,
		readyAt: time.Now().Add(latency),
		failMsg: failMsg,
	}
	m.mu.Lock()
	m.predictions[pred.id] = pred
	m.mu.Unlock()

	writeMockJSON(w, http.StatusCreated, map[string]any{
		"id":     pred.id,
		"status": "starting",
	})
}

func (m *MockModelServer) handleGet(w http.ResponseWriter, r *http.Request) {
	m.recordRequest(r, nil)
	m.polls.Add(1)

	id := r.PathValue("id")
	m.mu.Lock()
	pred, ok := m.predictions[id]
	m.mu.Unlock()
	if !ok {
		writeMockDetail(w, http.StatusNotFound, "prediction not found")
		return
	}

	switch {
	case time.Now().Before(pred.readyAt):
		writeMockJSON(w, http.StatusOK, map[string]any{
			"id":     pred.id,
			"status": "processing",
		})
	case pred.failMsg != "":
		writeMockJSON(w, http.StatusOK, map[string]any{
			"id":     pred.id,
			"status": "failed",
			"error":  pred.failMsg,
		})
	default:
		writeMockJSON(w, http.StatusOK, map[string]any{
			"id":     pred.id,
			"status": "succeeded",
			"output": []string{"http://" + pred.host + "/artifacts/" + pred.id + ".webp"},
		})
	}
}

func (m *MockModelServer) handleArtifact(w http.ResponseWriter, r *http.Request) {
	m.downloads.Add(1)
	w.Header().Set("Content-Type", "image/webp")
	fmt.Fprintf(w, "RIFF....WEBP mock artifact %s", r.PathValue("name"))
}

func writeMockJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test code
}

func writeMockDetail(w http.ResponseWriter, status int, detail string) {
	writeMockJSON(w, status, map[string]string{"detail": detail})
}
