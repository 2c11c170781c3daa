// Package main provides the benchmark runner entry point.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-json"

	"github.com/visagelab/visage/bench/internal/runner"
)

func main() {
	os.Exit(run())
}

func run() int {
	target := flag.String("target", "http://localhost:8080", "Proxy base URL")
	image := flag.String("image", "https://example.com/bench/selfie.jpg", "Source image URL")
	model := flag.String("model", "", "Model identifier (empty uses the proxy default)")
	requests := flag.Int("requests", 1000, "Total number of requests")
	concurrency := flag.Int("concurrency", 50, "Number of concurrent workers")
	rps := flag.Float64("rps", 0, "Paced request rate (0 = unpaced)")
	mode := flag.String("mode", runner.ModeHot, "hot (cache-hit path) or cold (model path)")
	buckets := flag.Int("buckets", 0, "Quantization buckets (0 = default)")
	name := flag.String("name", "benchmark", "Benchmark name")
	output := flag.String("output", "bench/results", "Output directory for results")
	flag.Parse()

	cfg := runner.Config{
		Target:      *target,
		Image:       *image,
		Model:       *model,
		Requests:    *requests,
		Concurrency: *concurrency,
		RPS:         *rps,
		Buckets:     *buckets,
		Mode:        *mode,
		Name:        *name,
	}

	r, err := runner.NewRunner(cfg)
	if err != nil {
		log.Printf("Invalid configuration: %v", err)
		return 1
	}

	log.Printf("Starting benchmark: %s", *name)
	log.Printf("  Target:      %s", *target)
	log.Printf("  Mode:        %s (%d distinct payloads)", *mode, r.Deck())
	log.Printf("  Requests:    %d", *requests)
	log.Printf("  Concurrency: %d", *concurrency)
	if *rps > 0 {
		log.Printf("  Pacing:      %.1f req/s", *rps)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	result, runErr := r.Run(ctx)
	if runErr != nil {
		log.Printf("Benchmark failed: %v", runErr)
		return 1
	}

	// Print results
	r.PrintResult(result)

	// Save results
	if mkdirErr := os.MkdirAll(*output, 0o755); mkdirErr != nil {
		log.Printf("Warning: failed to create output directory: %v", mkdirErr)
	}

	filename := fmt.Sprintf("%s_%s.json", *name, time.Now().Format("20060102_150405"))
	resultPath := filepath.Join(*output, filename)

	data, marshalErr := json.MarshalIndent(result, "", "  ")
	if marshalErr != nil {
		log.Printf("Warning: failed to marshal results: %v", marshalErr)
		return 0
	}
	if writeErr := os.WriteFile(resultPath, data, 0o644); writeErr != nil {
		log.Printf("Warning: failed to save results: %v", writeErr)
	} else {
		log.Printf("Results saved to: %s", resultPath)
	}

	return 0
}
