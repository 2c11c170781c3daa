// Package main is the entry point for the visage preview proxy.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/visagelab/visage/internal/api"
	"github.com/visagelab/visage/internal/blobstore"
	"github.com/visagelab/visage/internal/config"
	"github.com/visagelab/visage/internal/healthcheck"
	"github.com/visagelab/visage/internal/kvstore"
	"github.com/visagelab/visage/internal/observability"
	"github.com/visagelab/visage/internal/replicate"
)

func main() {
	configPath := flag.String("config", "config/config.yaml", "path to configuration file")
	flag.Parse()

	// Bootstrap logger; reconfigured from file below.
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.LoadFromFile(*configPath)
	if err != nil {
		logger.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger = observability.NewLogger(observability.LoggerConfig{
		Level:      observability.ParseLevel(cfg.Logging.Level),
		JSONFormat: cfg.Logging.Format != "text",
	})
	slog.SetDefault(logger)

	logger.Info("starting visage proxy", "version", "0.1.0", "model", cfg.Model.Name)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracing, err := observability.InitTracing(ctx, observability.TracingConfig{
		Enabled:     cfg.Tracing.Enabled,
		Endpoint:    cfg.Tracing.Endpoint,
		ServiceName: cfg.Tracing.ServiceName,
		SampleRate:  cfg.Tracing.SampleRate,
		Insecure:    cfg.Tracing.Insecure,
	})
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}

	kv, err := kvstore.New(cfg.Redis)
	if err != nil {
		logger.Error("failed to connect to redis", "addr", cfg.Redis.Addr, "error", err)
		os.Exit(1)
	}

	blobs, err := blobstore.New(ctx, cfg.Blob, logger)
	if err != nil {
		logger.Error("failed to initialize blob store", "bucket", cfg.Blob.Bucket, "error", err)
		os.Exit(1)
	}

	if cfg.Model.Token == "" {
		logger.Warn("no model API token configured; cache misses will fail upstream")
	}

	model := replicate.New(replicate.Config{
		BaseURL:         cfg.Model.BaseURL,
		Token:           cfg.Model.Token,
		Version:         cfg.Model.Version,
		Model:           cfg.Model.Name,
		PollInterval:    cfg.Model.PollInterval,
		MaxPollAttempts: cfg.Model.MaxPollAttempts,
		MaxRetries:      cfg.Model.MaxRetries,
		InitialBackoff:  cfg.Model.InitialBackoff,
		Logger:          logger,
	})

	handler := api.NewHandler(api.Config{
		Model:        cfg.Model.Name,
		CacheVersion: cfg.Cache.Version,
		NumBuckets:   cfg.Cache.NumBuckets,
		ModelBudget:  cfg.Model.RequestTimeout,
		Tracer:       tracing.Tracer(),
	}, kv, blobs, model, logger)

	prober := healthcheck.NewProber(healthcheck.Config{
		Enabled:  cfg.Healthcheck.Enabled,
		Interval: cfg.Healthcheck.Interval,
		Timeout:  cfg.Healthcheck.Timeout,
	}, []healthcheck.Target{
		{Name: "redis", Probe: kv.Ping},
		{Name: "blob", Probe: func(ctx context.Context) error {
			_, err := blobs.List(ctx, "cache/"+cfg.Cache.Version+"/")
			return err
		}},
		healthcheck.HTTPTarget("model", cfg.Model.BaseURL, nil),
	}, logger)
	prober.Start(ctx)
	handler.SetDependencyProber(prober)

	mux := http.NewServeMux()
	handler.RegisterRoutes(mux)

	if cfg.Metrics.Enabled {
		mux.Handle("GET "+cfg.Metrics.Path, promhttp.Handler())
	}

	httpHandler := buildMiddlewareStack(cfg, logger)(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      httpHandler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", "error", err)
	}

	// Let detached persistence finish so computed artifacts reach the tiers.
	if err := handler.Drain(shutdownCtx); err != nil {
		logger.Warn("persistence drain interrupted", "error", err)
	}

	if err := tracing.Shutdown(shutdownCtx); err != nil {
		logger.Warn("tracer shutdown error", "error", err)
	}

	if err := kv.Close(); err != nil {
		logger.Warn("redis close error", "error", err)
	}

	logger.Info("server stopped")
}
