// Example: interactive expression editing with the visage client
//
// This example builds a fully configured edit client (persistent local
// cache, disk image prefetch, preview callbacks), simulates a slider drag,
// and then warms the whole lattice for offline browsing.
//
// It expects a running preview proxy; see cmd/server.
package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/visagelab/visage"
)

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	stateDir, err := os.MkdirTemp("", "visage-example")
	if err != nil {
		log.Fatal(err)
	}
	defer os.RemoveAll(stateDir)

	// The persistent tier keeps resolved preview URLs across restarts.
	store, err := visage.OpenBoltStore(filepath.Join(stateDir, "previews.db"))
	if err != nil {
		log.Fatal(err)
	}

	// The disk prefetcher pulls artifact bytes down as sweeps resolve them,
	// so the editor can page through warmed previews without a network.
	prefetcher, err := visage.NewDiskPrefetcher(filepath.Join(stateDir, "artifacts"), visage.DiskPrefetcherConfig{
		Workers: 8,
		Logger:  logger,
	})
	if err != nil {
		log.Fatal(err)
	}
	defer prefetcher.Close()

	client, err := visage.New(
		visage.WithEndpoint("http://localhost:8080"),
		visage.WithModel("visage-lab/expression-edit"),
		visage.WithPersistentStore(store),
		visage.WithImagePrefetcher(prefetcher),
		visage.WithLogger(logger),
		visage.WithOnPreview(func(ev visage.PreviewEvent) {
			fmt.Printf("preview ready: %s (cache hit: %v)\n", ev.URL, ev.CacheHit)
		}),
		visage.WithOnLoading(func() {
			fmt.Println("still working...")
		}),
	)
	if err != nil {
		log.Fatal(err)
	}
	defer client.Close()

	client.SetImage("https://photos.example.com/selfie.jpg")

	ctx := context.Background()

	// A slider drag: every step supersedes the previous one, so at most one
	// request is in flight and abandoned steps resolve as cancelled.
	for _, smile := range []float64{0.2, 0.5, 0.8} {
		url, err := client.RunEditor(ctx, visage.Parameters{
			Smile: visage.Float(smile),
		}, visage.RunOptions{CancelPrevious: true})
		switch {
		case visage.IsCancelled(err):
			continue
		case err != nil:
			log.Fatal(err)
		}
		fmt.Printf("smile %.1f -> %s\n", smile, url)
	}

	// Releasing a slider on the same lattice point is a local hit.
	start := time.Now()
	url, err := client.RunEditor(ctx, visage.Parameters{
		Smile: visage.Float(0.8),
	}, visage.RunOptions{})
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("repeat edit in %v: %s\n", time.Since(start).Round(time.Microsecond), url)

	// Warm one control's sweep, then the full lattice.
	stats, err := client.PrefetchControl(ctx, "mouth")
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("mouth sweep: %d planned, %d hits, %d fetched\n", stats.Planned, stats.Hits, stats.Fetched)

	stats, err = client.PrefetchAll(ctx)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("full sweep: %d planned, %d hits, %d fetched, %d failed\n",
		stats.Planned, stats.Hits, stats.Fetched, stats.Failures)

	snapshot := client.Stats()
	fmt.Printf("local tiers: %+v\n", snapshot.Tiers)
	fmt.Printf("coalescing: %+v\n", snapshot.Coalescing)
}
