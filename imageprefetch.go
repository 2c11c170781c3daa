package visage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// ImagePrefetcher receives artifact URLs whose bytes should be pulled onto
// local storage ahead of display. Enqueue must not block; it reports whether
// the URL was accepted.
type ImagePrefetcher interface {
	Enqueue(url string) bool
}

// DiskPrefetcherConfig configures NewDiskPrefetcher. Zero fields fall back
// to the documented defaults.
type DiskPrefetcherConfig struct {
	// Workers is the number of download goroutines (default 4).
	Workers int
	// QueueSize is the pending URL buffer (default 1024). Enqueue drops
	// URLs once it fills; sweeps re-discover them on the next run.
	QueueSize int
	// Timeout bounds a single download (default 30s).
	Timeout time.Duration
	// HTTPClient overrides the default client for downloads.
	HTTPClient *http.Client
	// Logger receives download failures at warn level.
	Logger *slog.Logger
}

// DiskPrefetcher downloads artifacts into a directory, named by URL hash, so
// previews render without a network round trip. Files already on disk are
// skipped.
type DiskPrefetcher struct {
	dir     string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger

	queue chan string
	done  chan struct{}
	wg    sync.WaitGroup

	closeOnce sync.Once
	closed    atomic.Bool

	enqueued   atomic.Int64
	dropped    atomic.Int64
	downloaded atomic.Int64
	skipped    atomic.Int64
	failures   atomic.Int64
}

var _ ImagePrefetcher = (*DiskPrefetcher)(nil)

// NewDiskPrefetcher creates dir if needed and starts the download workers.
func NewDiskPrefetcher(dir string, cfg DiskPrefetcherConfig) (*DiskPrefetcher, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	p := &DiskPrefetcher{
		dir:     dir,
		client:  cfg.HTTPClient,
		timeout: cfg.Timeout,
		logger:  cfg.Logger,
		queue:   make(chan string, cfg.QueueSize),
		done:    make(chan struct{}),
	}
	p.wg.Add(cfg.Workers)
	for i := 0; i < cfg.Workers; i++ {
		go p.worker()
	}
	return p, nil
}

// Enqueue queues url for download. It returns false when the queue is full
// or the prefetcher is closed.
func (p *DiskPrefetcher) Enqueue(url string) bool {
	if p.closed.Load() {
		return false
	}
	select {
	case p.queue <- url:
		p.enqueued.Add(1)
		return true
	default:
		p.dropped.Add(1)
		return false
	}
}

// Close stops the workers after their current download. Queued URLs that
// have not started yet are dropped.
func (p *DiskPrefetcher) Close() error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		close(p.done)
	})
	p.wg.Wait()
	return nil
}

// Dir returns the directory artifacts are downloaded into.
func (p *DiskPrefetcher) Dir() string {
	return p.dir
}

func (p *DiskPrefetcher) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.done:
			return
		case url := <-p.queue:
			p.fetch(url)
		}
	}
}

func (p *DiskPrefetcher) fetch(rawURL string) {
	dest := filepath.Join(p.dir, p.filename(rawURL))
	if _, err := os.Stat(dest); err == nil {
		p.skipped.Add(1)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		p.fail("build request", rawURL, err)
		return
	}
	resp, err := p.client.Do(req)
	if err != nil {
		p.fail("download", rawURL, err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		p.failures.Add(1)
		p.logger.Warn("image prefetch rejected", "url", rawURL, "status", resp.StatusCode)
		return
	}

	// Write through a temp file so a crashed download never leaves a
	// half-written artifact under the final name.
	tmp, err := os.CreateTemp(p.dir, ".prefetch-*")
	if err != nil {
		p.fail("create temp file", rawURL, err)
		return
	}
	_, copyErr := io.Copy(tmp, resp.Body)
	closeErr := tmp.Close()
	if copyErr != nil || closeErr != nil {
		os.Remove(tmp.Name())
		if copyErr == nil {
			copyErr = closeErr
		}
		p.fail("write artifact", rawURL, copyErr)
		return
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		os.Remove(tmp.Name())
		p.fail("finalize artifact", rawURL, err)
		return
	}
	p.downloaded.Add(1)
}

func (p *DiskPrefetcher) fail(stage, url string, err error) {
	p.failures.Add(1)
	p.logger.Warn("image prefetch failed", "stage", stage, "url", url, "error", err)
}

// filename derives a stable name from the URL hash, keeping the artifact
// extension when the URL path carries one.
func (p *DiskPrefetcher) filename(rawURL string) string {
	sum := sha256.Sum256([]byte(rawURL))
	name := hex.EncodeToString(sum[:])
	if u, err := url.Parse(rawURL); err == nil {
		if ext := path.Ext(u.Path); ext != "" && len(ext) <= 6 {
			name += ext
		}
	}
	return name
}

// PrefetchStats holds image prefetch counters.
type PrefetchStats struct {
	Enqueued   int64 `json:"enqueued"`
	Dropped    int64 `json:"dropped"`
	Downloaded int64 `json:"downloaded"`
	Skipped    int64 `json:"skipped"`
	Failures   int64 `json:"failures"`
}

// Stats returns image prefetch counters.
func (p *DiskPrefetcher) Stats() PrefetchStats {
	return PrefetchStats{
		Enqueued:   p.enqueued.Load(),
		Dropped:    p.dropped.Load(),
		Downloaded: p.downloaded.Load(),
		Skipped:    p.skipped.Load(),
		Failures:   p.failures.Load(),
	}
}
