// Package replicate talks to a Replicate-style prediction API: create a
// prediction, poll it until it settles, download its artifacts. The edit
// model is long-running, so every invocation is create-then-poll rather than
// a single blocking call.
package replicate

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	gojson "github.com/goccy/go-json"

	"github.com/visagelab/visage/internal/httputil"
	"github.com/visagelab/visage/internal/metrics"
	"github.com/visagelab/visage/pkg/errors"
)

const (
	// DefaultBaseURL is the default prediction API endpoint.
	DefaultBaseURL = "https://api.replicate.com"

	DefaultPollInterval    = 1 * time.Second
	DefaultMaxPollAttempts = 30
	DefaultMaxRetries      = 3
	DefaultInitialBackoff  = 100 * time.Millisecond
)

// Prediction statuses reported by the API.
const (
	StatusStarting   = "starting"
	StatusProcessing = "processing"
	StatusSucceeded  = "succeeded"
	StatusFailed     = "failed"
	StatusCanceled   = "canceled"
)

// Config holds the client configuration. Zero fields fall back to the
// package defaults.
type Config struct {
	BaseURL string
	// Token authenticates requests as a bearer credential.
	Token string
	// Version selects the model version to invoke.
	Version string
	// Model is the human-readable model identifier used in errors.
	Model string

	PollInterval    time.Duration
	MaxPollAttempts int
	MaxRetries      int
	InitialBackoff  time.Duration

	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client invokes the prediction API.
type Client struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// New creates a prediction client.
func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimSuffix(cfg.BaseURL, "/")
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = DefaultMaxRetries
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = DefaultInitialBackoff
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{cfg: cfg, client: client, logger: logger}
}

// Prediction is the API's view of one model invocation.
type Prediction struct {
	ID     string     `json:"id"`
	Status string     `json:"status"`
	Output OutputList `json:"output,omitempty"`
	Error  string     `json:"error,omitempty"`
}

// Settled reports whether the prediction reached a terminal status.
func (p *Prediction) Settled() bool {
	switch p.Status {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// OutputList tolerates both a single URL string and an array of URLs, which
// is how prediction APIs render single- and multi-artifact outputs.
type OutputList []string

// UnmarshalJSON implements json.Unmarshaler.
func (o *OutputList) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*o = nil
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := gojson.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*o = OutputList{s}
		return nil
	}
	var list []string
	if err := gojson.Unmarshal(trimmed, &list); err != nil {
		return err
	}
	*o = list
	return nil
}

// First returns the first output URL, or "".
func (o OutputList) First() string {
	if len(o) == 0 {
		return ""
	}
	return o[0]
}

type createRequest struct {
	Version string `json:"version"`
	Input   any    `json:"input"`
}

// Create starts a prediction for the given input.
func (c *Client) Create(ctx context.Context, input any) (*Prediction, error) {
	body, err := gojson.Marshal(createRequest{Version: c.cfg.Version, Input: input})
	if err != nil {
		return nil, fmt.Errorf("marshal prediction input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+"/v1/predictions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	return c.roundTrip(req)
}

// Get fetches the current state of a prediction.
func (c *Client) Get(ctx context.Context, id string) (*Prediction, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+"/v1/predictions/"+id, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	c.setHeaders(req)

	return c.roundTrip(req)
}

// Wait polls a prediction until it settles or the poll budget is exhausted.
func (c *Client) Wait(ctx context.Context, id string) (*Prediction, error) {
	timer := time.NewTimer(c.cfg.PollInterval)
	defer timer.Stop()

	for attempt := 1; attempt <= c.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-timer.C:
		}

		metrics.RecordModelPoll(c.cfg.Model)
		pred, err := c.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if pred.Settled() {
			return pred, nil
		}

		c.logger.Debug("prediction still running",
			"prediction_id", id,
			"status", pred.Status,
			"attempt", attempt,
		)
		timer.Reset(c.cfg.PollInterval)
	}

	return nil, errors.NewModelTimeout(c.cfg.Model,
		fmt.Sprintf("prediction %s did not settle within %d poll attempts", id, c.cfg.MaxPollAttempts))
}

// Run performs the full create-poll cycle and returns the succeeded
// prediction. Transport-level failures retry the whole cycle with
// exponential backoff; a prediction the model itself failed is terminal and
// is not retried.
func (c *Client) Run(ctx context.Context, input any) (*Prediction, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			metrics.RecordModelRetry(c.cfg.Model)
			backoff := c.cfg.InitialBackoff * time.Duration(1<<(attempt-1))
			c.logger.Warn("retrying model invocation",
				"attempt", attempt+1,
				"backoff", backoff,
				"error", lastErr,
			)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		pred, err := c.runOnce(ctx, input)
		if err == nil {
			return pred, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !errors.IsType(err, errors.TypeUpstreamUnavailable) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (c *Client) runOnce(ctx context.Context, input any) (*Prediction, error) {
	pred, err := c.Create(ctx, input)
	if err != nil {
		return nil, err
	}
	if !pred.Settled() {
		pred, err = c.Wait(ctx, pred.ID)
		if err != nil {
			return nil, err
		}
	}

	switch pred.Status {
	case StatusSucceeded:
		return pred, nil
	case StatusFailed, StatusCanceled:
		msg := pred.Error
		if msg == "" {
			msg = "prediction " + pred.Status
		}
		return nil, errors.NewModelFailure(c.cfg.Model, msg, nil)
	default:
		return nil, errors.NewModelFailure(c.cfg.Model, "prediction settled with unexpected status "+pred.Status, nil)
	}
}

// Download fetches an artifact and returns its bytes and content type.
func (c *Client) Download(ctx context.Context, url string) ([]byte, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, "", fmt.Errorf("create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, "", errors.NewUpstreamUnavailable(c.cfg.Model, "download artifact", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", errors.NewUpstreamUnavailable(c.cfg.Model,
			fmt.Sprintf("artifact download returned status %d", resp.StatusCode), nil)
	}

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxArtifactBytes)
	if err != nil {
		return nil, "", errors.NewUpstreamUnavailable(c.cfg.Model, "read artifact body", err)
	}
	return body, resp.Header.Get("Content-Type"), nil
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
}

func (c *Client) roundTrip(req *http.Request) (*Prediction, error) {
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, errors.NewUpstreamUnavailable(c.cfg.Model, "prediction API unreachable", err)
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := httputil.ReadLimitedBody(resp.Body, httputil.DefaultMaxResponseBodyBytes)
	if err != nil {
		return nil, errors.NewUpstreamUnavailable(c.cfg.Model, "read prediction response", err)
	}

	if resp.StatusCode >= 400 {
		return nil, c.mapError(resp.StatusCode, body)
	}

	var pred Prediction
	if err := gojson.Unmarshal(body, &pred); err != nil {
		return nil, errors.NewUpstreamUnavailable(c.cfg.Model, "decode prediction response", err)
	}
	return &pred, nil
}

// mapError converts an API error response to a standardized error.
func (c *Client) mapError(statusCode int, body []byte) error {
	var errResp struct {
		Detail string `json:"detail"`
		Title  string `json:"title"`
	}
	message := fmt.Sprintf("prediction API returned status %d", statusCode)
	if err := gojson.Unmarshal(body, &errResp); err == nil {
		if errResp.Detail != "" {
			message = errResp.Detail
		} else if errResp.Title != "" {
			message = errResp.Title
		}
	}

	switch {
	case statusCode == http.StatusTooManyRequests || statusCode >= 500:
		return errors.NewUpstreamUnavailable(c.cfg.Model, message, nil)
	default:
		return errors.NewModelFailure(c.cfg.Model, message, nil)
	}
}
