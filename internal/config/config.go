// Package config loads the proxy configuration from YAML. Environment
// variables in ${VAR} form are expanded before parsing. Configuration is
// read once at startup and immutable for the process lifetime.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/visagelab/visage/internal/blobstore"
	"github.com/visagelab/visage/internal/cachekey"
	"github.com/visagelab/visage/internal/kvstore"
	"github.com/visagelab/visage/internal/replicate"
	"github.com/visagelab/visage/pkg/face"
)

// Config represents the complete proxy configuration.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Cache       CacheConfig       `yaml:"cache"`
	Redis       kvstore.Config    `yaml:"redis"`
	Blob        blobstore.Config  `yaml:"blob"`
	Model       ModelConfig       `yaml:"model"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
	Logging     LoggingConfig     `yaml:"logging"`
	Metrics     MetricsConfig     `yaml:"metrics"`
	Tracing     TracingConfig     `yaml:"tracing"`
	Healthcheck HealthcheckConfig `yaml:"healthcheck"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port         int           `yaml:"port"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	IdleTimeout  time.Duration `yaml:"idle_timeout"`
}

// CacheConfig controls key derivation. Bumping Version invalidates every
// previously written entry without deleting anything.
type CacheConfig struct {
	Version    string `yaml:"version"`
	NumBuckets int    `yaml:"num_buckets"`
}

// ModelConfig describes the external prediction service.
type ModelConfig struct {
	Name            string        `yaml:"name"`     // Model identifier (e.g., "owner/expression-edit")
	Version         string        `yaml:"version"`  // Model version hash sent on create
	BaseURL         string        `yaml:"base_url"` // Prediction API base URL
	Token           string        `yaml:"token"`    // API token; use ${REPLICATE_API_TOKEN}
	PollInterval    time.Duration `yaml:"poll_interval"`
	MaxPollAttempts int           `yaml:"max_poll_attempts"`
	MaxRetries      int           `yaml:"max_retries"`
	InitialBackoff  time.Duration `yaml:"initial_backoff"`
	RequestTimeout  time.Duration `yaml:"request_timeout"` // Budget for one edit, polling included
}

// RateLimitConfig defines rate limiting parameters.
type RateLimitConfig struct {
	Enabled           bool    `yaml:"enabled"`
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	Burst             int     `yaml:"burst"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// TracingConfig contains OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`     // OTLP endpoint (e.g., "localhost:4317")
	ServiceName string  `yaml:"service_name"` // Service name for traces
	SampleRate  float64 `yaml:"sample_rate"`  // Sampling rate (0.0 to 1.0)
	Insecure    bool    `yaml:"insecure"`     // Use insecure connection (no TLS)
}

// HealthcheckConfig controls background dependency probing.
type HealthcheckConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
	Timeout  time.Duration `yaml:"timeout"`
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:        8080,
			ReadTimeout: 30 * time.Second,
			// Must cover the model budget: responses are written after
			// the upstream edit settles.
			WriteTimeout: 6 * time.Minute,
			IdleTimeout:  60 * time.Second,
		},
		Cache: CacheConfig{
			Version:    cachekey.Version,
			NumBuckets: face.DefaultNumBuckets,
		},
		Redis: kvstore.DefaultConfig(),
		Blob:  blobstore.DefaultConfig(),
		Model: ModelConfig{
			BaseURL:         replicate.DefaultBaseURL,
			Token:           os.Getenv("REPLICATE_API_TOKEN"),
			PollInterval:    replicate.DefaultPollInterval,
			MaxPollAttempts: replicate.DefaultMaxPollAttempts,
			MaxRetries:      replicate.DefaultMaxRetries,
			InitialBackoff:  replicate.DefaultInitialBackoff,
			RequestTimeout:  5 * time.Minute,
		},
		RateLimit: RateLimitConfig{
			Enabled:           false,
			RequestsPerSecond: 50,
			Burst:             100,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Tracing: TracingConfig{
			Enabled:     false,
			Endpoint:    "localhost:4317",
			ServiceName: "visage",
			SampleRate:  1.0,
			Insecure:    true,
		},
		Healthcheck: HealthcheckConfig{
			Enabled:  true,
			Interval: 30 * time.Second,
			Timeout:  10 * time.Second,
		},
	}
}

// LoadFromFile reads and parses a YAML configuration file.
// Environment variables in the format ${VAR_NAME} are expanded.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Cache.Version == "" {
		return fmt.Errorf("cache.version is required")
	}
	if c.Cache.NumBuckets < 1 {
		return fmt.Errorf("cache.num_buckets must be at least 1, got %d", c.Cache.NumBuckets)
	}

	if c.Redis.Addr == "" && len(c.Redis.ClusterAddrs) == 0 && len(c.Redis.SentinelAddrs) == 0 {
		return fmt.Errorf("redis: one of addr, cluster_addrs, or sentinel_addrs is required")
	}

	if c.Blob.Bucket == "" {
		return fmt.Errorf("blob.bucket is required")
	}

	if c.Model.Name == "" {
		return fmt.Errorf("model.name is required")
	}
	if c.Model.Version == "" {
		return fmt.Errorf("model.version is required")
	}
	if c.Model.PollInterval <= 0 {
		return fmt.Errorf("model.poll_interval must be positive")
	}
	if c.Model.MaxPollAttempts < 1 {
		return fmt.Errorf("model.max_poll_attempts must be at least 1")
	}
	if c.Model.MaxRetries < 0 {
		return fmt.Errorf("model.max_retries cannot be negative")
	}
	if c.Model.RequestTimeout <= 0 {
		return fmt.Errorf("model.request_timeout must be positive")
	}
	if c.Server.WriteTimeout < c.Model.RequestTimeout {
		return fmt.Errorf("server.write_timeout (%s) must cover model.request_timeout (%s)",
			c.Server.WriteTimeout, c.Model.RequestTimeout)
	}

	if c.RateLimit.Enabled {
		if c.RateLimit.RequestsPerSecond <= 0 {
			return fmt.Errorf("rate_limit.requests_per_second must be positive when enabled")
		}
		if c.RateLimit.Burst < 1 {
			return fmt.Errorf("rate_limit.burst must be at least 1 when enabled")
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %g", c.Tracing.SampleRate)
	}

	if c.Healthcheck.Enabled {
		if c.Healthcheck.Interval <= 0 {
			return fmt.Errorf("healthcheck.interval must be positive when enabled")
		}
		if c.Healthcheck.Timeout <= 0 {
			return fmt.Errorf("healthcheck.timeout must be positive when enabled")
		}
	}

	return nil
}
