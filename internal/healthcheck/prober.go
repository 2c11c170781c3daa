// Package healthcheck provides proactive dependency probing. The proxy keeps
// serving when a tier degrades; the prober makes the degradation visible
// before user traffic does.
package healthcheck

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/visagelab/visage/internal/metrics"
)

const (
	defaultProbeInterval = 30 * time.Second
	defaultProbeTimeout  = 10 * time.Second
)

// Config controls the dependency prober behavior.
type Config struct {
	Enabled  bool
	Interval time.Duration
	Timeout  time.Duration
}

// Target is one probed dependency. Probe returns nil when the dependency
// answered, whatever the answer was.
type Target struct {
	Name  string
	Probe func(ctx context.Context) error
}

// HTTPTarget probes reachability of an HTTP endpoint. Any response counts as
// up; only transport failures count as down. The model API answers 401 to
// unauthenticated requests, which still proves the service is there.
func HTTPTarget(name, url string, client *http.Client) Target {
	if client == nil {
		client = http.DefaultClient
	}
	return Target{
		Name: name,
		Probe: func(ctx context.Context) error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return err
			}
			resp, err := client.Do(req)
			if err != nil {
				return err
			}
			defer func() { _ = resp.Body.Close() }()
			_, _ = io.Copy(io.Discard, resp.Body)
			return nil
		},
	}
}

// Status is the last observed state of one dependency.
type Status struct {
	Healthy          bool      `json:"healthy"`
	LastChecked      time.Time `json:"last_checked"`
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails,omitempty"`
}

// Prober periodically checks dependency health and records the results.
type Prober struct {
	cfg     Config
	targets []Target
	logger  *slog.Logger
	started atomic.Bool

	mu       sync.Mutex
	statuses map[string]Status
}

// NewProber creates a dependency prober over the given targets.
func NewProber(cfg Config, targets []Target, logger *slog.Logger) *Prober {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultProbeInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultProbeTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Prober{
		cfg:      cfg,
		targets:  targets,
		logger:   logger,
		statuses: make(map[string]Status, len(targets)),
	}
}

// Start begins the probe loop until the context is canceled. Safe to call on
// a nil or disabled prober.
func (p *Prober) Start(ctx context.Context) {
	if p == nil || !p.cfg.Enabled {
		return
	}
	if len(p.targets) == 0 {
		p.logger.Warn("healthcheck prober has no targets")
		return
	}
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	go p.run(ctx)
}

func (p *Prober) run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()

	p.runOnce(ctx)

	for {
		select {
		case <-ticker.C:
			p.runOnce(ctx)
		case <-ctx.Done():
			p.logger.Info("healthcheck prober stopped")
			return
		}
	}
}

func (p *Prober) runOnce(ctx context.Context) {
	for _, target := range p.targets {
		if ctx.Err() != nil {
			return
		}

		probeCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)
		err := target.Probe(probeCtx)
		cancel()

		if err != nil {
			p.recordFailure(target.Name, err)
			continue
		}
		p.recordSuccess(target.Name)
	}
}

func (p *Prober) recordFailure(name string, err error) {
	p.mu.Lock()
	prev := p.statuses[name]
	status := Status{
		Healthy:          false,
		LastChecked:      time.Now(),
		LastError:        err.Error(),
		ConsecutiveFails: prev.ConsecutiveFails + 1,
	}
	p.statuses[name] = status
	p.mu.Unlock()

	metrics.RecordDependencyProbe(name, false)

	// Log the edge, not every repeat.
	if status.ConsecutiveFails == 1 {
		p.logger.Warn("dependency probe failed", "dependency", name, "error", err)
	}
}

func (p *Prober) recordSuccess(name string) {
	p.mu.Lock()
	prev, known := p.statuses[name]
	p.statuses[name] = Status{
		Healthy:     true,
		LastChecked: time.Now(),
	}
	p.mu.Unlock()

	metrics.RecordDependencyProbe(name, true)

	if known && !prev.Healthy {
		p.logger.Info("dependency recovered", "dependency", name, "failed_probes", prev.ConsecutiveFails)
	}
}

// Snapshot returns a copy of the last observed status per dependency.
// Dependencies never probed yet are absent.
func (p *Prober) Snapshot() map[string]Status {
	if p == nil {
		return nil
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	out := make(map[string]Status, len(p.statuses))
	for name, status := range p.statuses {
		out[name] = status
	}
	return out
}

// Healthy reports whether no probed dependency is currently failing.
// Unprobed targets do not count against health.
func (p *Prober) Healthy() bool {
	if p == nil {
		return true
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, status := range p.statuses {
		if !status.Healthy {
			return false
		}
	}
	return true
}
