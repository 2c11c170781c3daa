// Package runner drives edit-request load at a preview proxy and collects
// latency results. The payload deck walks the quantization lattice, so "hot"
// runs measure cache-hit latency and "cold" runs measure the model path.
package runner

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"golang.org/x/time/rate"

	"github.com/visagelab/visage/pkg/face"
)

// Run modes.
const (
	// ModeHot cycles a fixed deck of lattice payloads; after the first pass
	// every request is a cache hit.
	ModeHot = "hot"

	// ModeCold makes every request a distinct cache key by varying the
	// image URL, forcing the full model path each time.
	ModeCold = "cold"
)

// Config holds benchmark configuration.
type Config struct {
	Target      string        // Proxy base URL
	Image       string        // Source image URL embedded in payloads
	Model       string        // Model identifier; empty lets the proxy default
	Requests    int           // Total number of requests
	Concurrency int           // Number of concurrent workers
	RPS         float64       // Paced request rate; 0 disables pacing
	Buckets     int           // Quantization lattice density
	Mode        string        // ModeHot or ModeCold
	Name        string        // Benchmark name
}

// Result holds benchmark results.
type Result struct {
	Name        string        `json:"name"`
	Target      string        `json:"target"`
	Mode        string        `json:"mode"`
	StartTime   time.Time     `json:"start_time"`
	EndTime     time.Time     `json:"end_time"`
	Duration    time.Duration `json:"duration"`
	Requests    int           `json:"requests"`
	Concurrency int           `json:"concurrency"`

	// Performance metrics
	TotalRequests   int64         `json:"total_requests"`
	SuccessRequests int64         `json:"success_requests"`
	FailedRequests  int64         `json:"failed_requests"`
	RPS             float64       `json:"rps"`
	LatencyMin      time.Duration `json:"latency_min"`
	LatencyMax      time.Duration `json:"latency_max"`
	LatencyMean     time.Duration `json:"latency_mean"`
	LatencyP50      time.Duration `json:"latency_p50"`
	LatencyP95      time.Duration `json:"latency_p95"`
	LatencyP99      time.Duration `json:"latency_p99"`

	// All latencies for percentile calculation
	Latencies []time.Duration `json:"-"`
}

// Runner executes benchmarks.
type Runner struct {
	client  *http.Client
	config  Config
	limiter *rate.Limiter
	deck    []face.Payload
	hot     [][]byte
}

// NewRunner creates a new benchmark runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Buckets <= 0 {
		cfg.Buckets = face.DefaultNumBuckets
	}
	if cfg.Mode == "" {
		cfg.Mode = ModeHot
	}
	if cfg.Mode != ModeHot && cfg.Mode != ModeCold {
		return nil, fmt.Errorf("unknown mode %q", cfg.Mode)
	}
	if cfg.Image == "" {
		return nil, fmt.Errorf("image URL is required")
	}

	deck, err := buildDeck(cfg)
	if err != nil {
		return nil, err
	}

	r := &Runner{
		client: &http.Client{
			Timeout: 60 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        cfg.Concurrency * 2,
				MaxIdleConnsPerHost: cfg.Concurrency * 2,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		config: cfg,
		deck:   deck,
	}

	if cfg.RPS > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Concurrency)
	}

	if cfg.Mode == ModeHot {
		r.hot = make([][]byte, len(deck))
		for i, payload := range deck {
			body, err := json.Marshal(payload)
			if err != nil {
				return nil, fmt.Errorf("marshal payload: %w", err)
			}
			r.hot[i] = body
		}
	}

	return r, nil
}

// buildDeck enumerates one payload per representable axis value: the neutral
// face plus a 1-D sweep of every axis. Buckets+1 values per axis.
func buildDeck(cfg Config) ([]face.Payload, error) {
	neutral, err := face.NewPayload(cfg.Image, cfg.Model, face.Parameters{}, cfg.Buckets, face.PayloadOptions{})
	if err != nil {
		return nil, err
	}
	deck := []face.Payload{neutral}

	for _, axis := range face.Axes() {
		for _, v := range axis.Endpoints(cfg.Buckets) {
			var params face.Parameters
			axis.Set(&params, v)
			payload, err := face.NewPayload(cfg.Image, cfg.Model, params, cfg.Buckets, face.PayloadOptions{})
			if err != nil {
				return nil, err
			}
			deck = append(deck, payload)
		}
	}
	return deck, nil
}

// Deck reports how many distinct payloads the runner cycles through.
func (r *Runner) Deck() int {
	return len(r.deck)
}

// Run executes the benchmark and returns results.
func (r *Runner) Run(ctx context.Context) (*Result, error) {
	result := &Result{
		Name:        r.config.Name,
		Target:      r.config.Target,
		Mode:        r.config.Mode,
		StartTime:   time.Now(),
		Requests:    r.config.Requests,
		Concurrency: r.config.Concurrency,
		Latencies:   make([]time.Duration, 0, r.config.Requests),
	}

	var (
		successCount atomic.Int64
		failedCount  atomic.Int64
		latencies    = make(chan time.Duration, r.config.Requests)
		wg           sync.WaitGroup
	)

	worker := func(seqs <-chan int) {
		defer wg.Done()
		for seq := range seqs {
			if r.limiter != nil {
				if err := r.limiter.Wait(ctx); err != nil {
					return
				}
			}

			body, err := r.bodyFor(seq)
			if err != nil {
				failedCount.Add(1)
				continue
			}

			start := time.Now()
			err = r.sendRequest(ctx, body)
			elapsed := time.Since(start)

			if err != nil {
				failedCount.Add(1)
			} else {
				successCount.Add(1)
				latencies <- elapsed
			}
		}
	}

	seqs := make(chan int, r.config.Requests)

	for i := 0; i < r.config.Concurrency; i++ {
		wg.Add(1)
		go worker(seqs)
	}

sendLoop:
	for i := 0; i < r.config.Requests; i++ {
		select {
		case seqs <- i:
		case <-ctx.Done():
			break sendLoop
		}
	}
	close(seqs)

	wg.Wait()
	close(latencies)

	for lat := range latencies {
		result.Latencies = append(result.Latencies, lat)
	}

	result.EndTime = time.Now()
	result.Duration = result.EndTime.Sub(result.StartTime)
	result.TotalRequests = successCount.Load() + failedCount.Load()
	result.SuccessRequests = successCount.Load()
	result.FailedRequests = failedCount.Load()

	r.calculateMetrics(result)

	return result, nil
}

// bodyFor picks the request body for the given sequence number.
func (r *Runner) bodyFor(seq int) ([]byte, error) {
	idx := seq % len(r.deck)
	if r.config.Mode == ModeHot {
		return r.hot[idx], nil
	}

	// Cold mode: a unique image URL mints a fresh cache key every time.
	payload := r.deck[idx]
	payload.Image = r.config.Image + "?req=" + strconv.Itoa(seq)
	return json.Marshal(payload)
}

func (r *Runner) sendRequest(ctx context.Context, body []byte) error {
	url := r.config.Target + "/api/replicate"

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	// Read response body to completion
	_, err = io.Copy(io.Discard, resp.Body)
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}

	return nil
}

func (r *Runner) calculateMetrics(result *Result) {
	if len(result.Latencies) == 0 {
		return
	}

	sort.Slice(result.Latencies, func(i, j int) bool {
		return result.Latencies[i] < result.Latencies[j]
	})

	result.LatencyMin = result.Latencies[0]
	result.LatencyMax = result.Latencies[len(result.Latencies)-1]

	var total time.Duration
	for _, lat := range result.Latencies {
		total += lat
	}
	result.LatencyMean = total / time.Duration(len(result.Latencies))

	result.LatencyP50 = percentile(result.Latencies, 50)
	result.LatencyP95 = percentile(result.Latencies, 95)
	result.LatencyP99 = percentile(result.Latencies, 99)

	if result.Duration > 0 {
		result.RPS = float64(result.SuccessRequests) / result.Duration.Seconds()
	}
}

func percentile(latencies []time.Duration, p int) time.Duration {
	if len(latencies) == 0 {
		return 0
	}
	idx := (len(latencies) * p) / 100
	if idx >= len(latencies) {
		idx = len(latencies) - 1
	}
	return latencies[idx]
}

// PrintResult prints the result in a human-readable format.
func (r *Runner) PrintResult(result *Result) {
	fmt.Println("\n========================================")
	fmt.Printf("Benchmark Results: %s\n", result.Name)
	fmt.Println("========================================")
	fmt.Printf("Target:       %s\n", result.Target)
	fmt.Printf("Mode:         %s (%d distinct payloads)\n", result.Mode, len(r.deck))
	fmt.Printf("Duration:     %v\n", result.Duration.Round(time.Millisecond))
	fmt.Printf("Concurrency:  %d\n", result.Concurrency)
	fmt.Println()
	fmt.Println("Requests:")
	fmt.Printf("  Total:      %d\n", result.TotalRequests)
	fmt.Printf("  Success:    %d\n", result.SuccessRequests)
	fmt.Printf("  Failed:     %d\n", result.FailedRequests)
	fmt.Printf("  RPS:        %.2f\n", result.RPS)
	fmt.Println()
	fmt.Println("Latency:")
	fmt.Printf("  Min:        %v\n", result.LatencyMin.Round(time.Microsecond))
	fmt.Printf("  Max:        %v\n", result.LatencyMax.Round(time.Microsecond))
	fmt.Printf("  Mean:       %v\n", result.LatencyMean.Round(time.Microsecond))
	fmt.Printf("  P50:        %v\n", result.LatencyP50.Round(time.Microsecond))
	fmt.Printf("  P95:        %v\n", result.LatencyP95.Round(time.Microsecond))
	fmt.Printf("  P99:        %v\n", result.LatencyP99.Round(time.Microsecond))
	fmt.Println("========================================")
}
