package testutil

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"github.com/visagelab/visage/internal/blobstore"
	"github.com/visagelab/visage/internal/inflight"
	"github.com/visagelab/visage/pkg/cache"
)

// TestClient makes raw HTTP requests against the proxy for envelope-level
// assertions. End-to-end flows should use the real visage client instead.
type TestClient struct {
	baseURL    string
	httpClient *http.Client
}

// NewTestClient creates a new test client.
func NewTestClient(baseURL string) *TestClient {
	return &TestClient{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// BaseURL returns the client's base URL.
func (c *TestClient) BaseURL() string {
	return c.baseURL
}

// HTTPClient returns the underlying http.Client.
func (c *TestClient) HTTPClient() *http.Client {
	return c.httpClient
}

// EditResponse is the proxy's success envelope.
type EditResponse struct {
	URL string `json:"url"`
}

// ErrorEnvelope is the proxy's failure envelope.
type ErrorEnvelope struct {
	Error string `json:"error"`
}

// StatsSnapshot mirrors the GET /api/stats document.
type StatsSnapshot struct {
	Inflight   int             `json:"inflight"`
	Coalescing inflight.Stats  `json:"coalescing"`
	KV         cache.Stats     `json:"kv"`
	Blob       blobstore.Stats `json:"blob"`
}

// EditPreview posts an edit payload. On a 2xx response the decoded envelope
// is returned; error statuses return the raw response for the caller to
// inspect.
func (c *TestClient) EditPreview(ctx context.Context, payload any) (*EditResponse, *http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal payload: %w", err)
	}
	return c.EditPreviewRaw(ctx, body)
}

// EditPreviewRaw posts raw bytes to the edit route.
func (c *TestClient) EditPreviewRaw(ctx context.Context, body []byte) (*EditResponse, *http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/replicate", bytes.NewReader(body))
	if err != nil {
		return nil, nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("do request: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, resp, nil
	}

	var edit EditResponse
	if err := json.NewDecoder(resp.Body).Decode(&edit); err != nil {
		resp.Body.Close()
		return nil, resp, fmt.Errorf("decode response: %w", err)
	}
	resp.Body.Close()

	return &edit, resp, nil
}

// ProxyStats fetches and decodes GET /api/stats.
func (c *TestClient) ProxyStats(ctx context.Context) (*StatsSnapshot, error) {
	resp, err := c.GetJSON(ctx, "/api/stats")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stats returned status %d", resp.StatusCode)
	}

	var stats StatsSnapshot
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return nil, fmt.Errorf("decode stats: %w", err)
	}
	return &stats, nil
}

// HealthCheck requests a health endpoint by path.
func (c *TestClient) HealthCheck(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.httpClient.Do(req)
}

// GetMetrics fetches the metrics exposition as text.
func (c *TestClient) GetMetrics(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/metrics", http.NoBody)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("do request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read body: %w", err)
	}
	return string(body), nil
}

// PostJSON sends a POST request with a JSON body.
func (c *TestClient) PostJSON(ctx context.Context, path string, body any) (*http.Response, error) {
	jsonBody, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	return c.httpClient.Do(req)
}

// GetJSON sends a GET request.
func (c *TestClient) GetJSON(ctx context.Context, path string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.httpClient.Do(req)
}

// Do sends an arbitrary request against the proxy.
func (c *TestClient) Do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return c.httpClient.Do(req)
}
