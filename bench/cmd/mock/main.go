// Package main provides the mock prediction API entry point.
package main

import (
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/visagelab/visage/bench/internal/mock"
)

func main() {
	port := flag.Int("port", 8090, "Port to listen on")
	latency := flag.Duration("latency", 50*time.Millisecond, "Simulated model run time")
	errorRate := flag.Float64("error-rate", 0.0, "Fraction of predictions that fail (0.0 to 1.0)")
	flag.Parse()

	server := mock.NewServer()
	server.Latency = *latency
	server.ErrorRate = *errorRate

	addr := fmt.Sprintf(":%d", *port)

	httpServer := &http.Server{
		Addr:         addr,
		Handler:      server.Handler(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	// Graceful shutdown
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		log.Println("Shutting down mock server...")
		httpServer.Close()
	}()

	log.Printf("Mock prediction API starting on %s", addr)
	log.Printf("  Latency:    %v", *latency)
	log.Printf("  Error rate: %.2f", *errorRate)
	log.Printf("  Endpoints:")
	log.Printf("    POST /v1/predictions")
	log.Printf("    GET  /v1/predictions/{id}")
	log.Printf("    GET  /artifacts/{name}")
	log.Printf("    GET  /health")

	if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
		log.Fatalf("Server error: %v", err)
	}
}
