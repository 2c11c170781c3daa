// Package blobstore is the server's durable artifact tier: an S3-compatible
// bucket holding the edited images under their cache paths. The bucket is the
// source of truth; the key/value tier in front of it is only an index.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// Config contains configuration for the blob tier.
type Config struct {
	Bucket         string `yaml:"bucket"`           // S3 bucket name
	Region         string `yaml:"region"`           // AWS region
	AccessKeyID    string `yaml:"access_key_id"`    // AWS access key (optional, uses default credentials if empty)
	SecretKey      string `yaml:"secret_key"`       // AWS secret key (optional)
	Endpoint       string `yaml:"endpoint"`         // Custom S3 endpoint (for MinIO, R2, etc.)
	PublicBaseURL  string `yaml:"public_base_url"`  // Base URL artifacts are served from (CDN); derived when empty
	ForcePathStyle bool   `yaml:"force_path_style"` // Path-style addressing, required by most S3 clones
}

// DefaultConfig returns configuration from environment.
func DefaultConfig() Config {
	return Config{
		Bucket:      os.Getenv("S3_BUCKET_NAME"),
		Region:      os.Getenv("AWS_REGION"),
		AccessKeyID: os.Getenv("AWS_ACCESS_KEY_ID"),
		SecretKey:   os.Getenv("AWS_SECRET_ACCESS_KEY"),
		Endpoint:    os.Getenv("S3_ENDPOINT"),
	}
}

// s3API is the slice of the S3 client the store uses.
type s3API interface {
	ListObjectsV2(ctx context.Context, params *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Object is one stored artifact with its publicly reachable URL.
type Object struct {
	Key string `json:"key"`
	URL string `json:"url"`
}

// Stats holds blob tier counters.
type Stats struct {
	Lists    int64 `json:"lists"`
	ListHits int64 `json:"list_hits"`
	Puts     int64 `json:"puts"`
	Errors   int64 `json:"errors"`
}

// Store reads and writes artifacts in the bucket.
type Store struct {
	api    s3API
	cfg    Config
	logger *slog.Logger

	lists    atomic.Int64
	listHits atomic.Int64
	puts     atomic.Int64
	errs     atomic.Int64
}

// New creates a blob store over a real S3 client.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("blobstore: bucket is required")
	}

	opts := []func(*config.LoadOptions) error{}
	if cfg.Region != "" {
		opts = append(opts, config.WithRegion(cfg.Region))
	}
	if cfg.AccessKeyID != "" && cfg.SecretKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretKey, ""),
		))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("blobstore: load AWS config: %w", err)
	}

	s3Opts := []func(*s3.Options){}
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	} else if cfg.ForcePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	return newStore(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger), nil
}

func newStore(api s3API, cfg Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{api: api, cfg: cfg, logger: logger}
}

// List returns the objects stored under prefix, mapped to public URLs. Cache
// paths are content-addressed, so a prefix matches zero or one object and the
// lookup asks for a single key.
func (s *Store) List(ctx context.Context, prefix string) ([]Object, error) {
	s.lists.Add(1)

	out, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		Prefix:  aws.String(prefix),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		s.errs.Add(1)
		return nil, fmt.Errorf("s3 list %q: %w", prefix, err)
	}

	objects := make([]Object, 0, len(out.Contents))
	for _, obj := range out.Contents {
		if obj.Key == nil {
			continue
		}
		objects = append(objects, Object{Key: *obj.Key, URL: s.URL(*obj.Key)})
	}
	if len(objects) > 0 {
		s.listHits.Add(1)
	}
	return objects, nil
}

// Put uploads body under key with public read access and returns the URL the
// artifact is now reachable at. Keys are content-addressed, so overwriting an
// existing object writes identical bytes.
func (s *Store) Put(ctx context.Context, key string, body []byte, contentType string) (string, error) {
	input := &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(key),
		Body:   bytes.NewReader(body),
		ACL:    s3types.ObjectCannedACLPublicRead,
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}

	if _, err := s.api.PutObject(ctx, input); err != nil {
		s.errs.Add(1)
		return "", fmt.Errorf("s3 put %q: %w", key, err)
	}

	s.puts.Add(1)
	return s.URL(key), nil
}

// Ping verifies the bucket is reachable.
func (s *Store) Ping(ctx context.Context) error {
	_, err := s.api.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
		Bucket:  aws.String(s.cfg.Bucket),
		MaxKeys: aws.Int32(1),
	})
	if err != nil {
		return fmt.Errorf("s3 ping: %w", err)
	}
	return nil
}

// URL maps a key to the URL it is publicly served from: PublicBaseURL when
// configured, the custom endpoint in path style when one is set, and the
// standard virtual-hosted AWS form otherwise.
func (s *Store) URL(key string) string {
	switch {
	case s.cfg.PublicBaseURL != "":
		return strings.TrimSuffix(s.cfg.PublicBaseURL, "/") + "/" + key
	case s.cfg.Endpoint != "":
		return strings.TrimSuffix(s.cfg.Endpoint, "/") + "/" + s.cfg.Bucket + "/" + key
	default:
		return "https://" + s.cfg.Bucket + ".s3." + s.cfg.Region + ".amazonaws.com/" + key
	}
}

// Bucket this store writes to.
func (s *Store) Bucket() string { return s.cfg.Bucket }

// Stats returns blob tier counters.
func (s *Store) Stats() Stats {
	return Stats{
		Lists:    s.lists.Load(),
		ListHits: s.listHits.Load(),
		Puts:     s.puts.Load(),
		Errors:   s.errs.Load(),
	}
}
