// Package inflight merges duplicate concurrent requests for the same cache
// key so only one reaches the backend. The client coalesces edit POSTs and
// the server coalesces model invocations with separate instances.
package inflight

import (
	"context"
	"sync"
	"sync/atomic"
)

// Coalescer tracks at most one executing call per key. Later arrivals for
// the same key attach as waiters and receive the leader's result.
type Coalescer struct {
	mu       sync.Mutex
	inflight map[string]*call

	total     atomic.Uint64
	coalesced atomic.Uint64
	executed  atomic.Uint64
}

type call struct {
	done    chan struct{}
	url     string
	err     error
	waiters atomic.Int32
}

// Stats holds coalescing counters.
type Stats struct {
	Total     uint64 `json:"total"`
	Coalesced uint64 `json:"coalesced"`
	Executed  uint64 `json:"executed"`
}

// New creates an empty coalescer.
func New() *Coalescer {
	return &Coalescer{inflight: make(map[string]*call)}
}

// Do executes fn at most once across concurrent callers sharing key and
// returns its result to all of them. The leader runs fn under its own ctx;
// a waiter stops waiting when its ctx is done and gets ctx.Err(), while the
// call itself keeps running for the remaining waiters.
func (c *Coalescer) Do(ctx context.Context, key string, fn func(context.Context) (string, error)) (string, error) {
	c.total.Add(1)

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		existing.waiters.Add(1)
		c.coalesced.Add(1)
		c.mu.Unlock()

		select {
		case <-existing.done:
			return existing.url, existing.err
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	c.executed.Add(1)
	cl.url, cl.err = fn(ctx)

	c.mu.Lock()
	delete(c.inflight, key)
	c.mu.Unlock()

	close(cl.done)

	return cl.url, cl.err
}

// Result is the settled outcome of a coalesced call.
type Result struct {
	URL string
	Err error

	// Shared reports that the caller attached to a call started by an
	// earlier arrival rather than starting its own.
	Shared bool
}

// DoChan is like Do but never blocks the caller: the leader's fn runs on its
// own goroutine under runCtx and the settled Result is delivered on the
// returned buffered channel. The call's lifetime is runCtx rather than any
// one caller, so a caller that stops listening leaves the work running for
// the remaining waiters.
func (c *Coalescer) DoChan(runCtx context.Context, key string, fn func(context.Context) (string, error)) <-chan Result {
	c.total.Add(1)
	out := make(chan Result, 1)

	c.mu.Lock()
	if existing, ok := c.inflight[key]; ok {
		existing.waiters.Add(1)
		c.coalesced.Add(1)
		c.mu.Unlock()

		go func() {
			<-existing.done
			out <- Result{URL: existing.url, Err: existing.err, Shared: true}
		}()
		return out
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[key] = cl
	c.mu.Unlock()

	c.executed.Add(1)
	go func() {
		cl.url, cl.err = fn(runCtx)

		c.mu.Lock()
		delete(c.inflight, key)
		c.mu.Unlock()
		close(cl.done)

		out <- Result{URL: cl.url, Err: cl.err}
	}()
	return out
}

// InFlight returns the number of keys currently executing.
func (c *Coalescer) InFlight() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.inflight)
}

// Stats returns coalescing counters.
func (c *Coalescer) Stats() Stats {
	return Stats{
		Total:     c.total.Load(),
		Coalesced: c.coalesced.Load(),
		Executed:  c.executed.Load(),
	}
}
