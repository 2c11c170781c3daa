package visage

import (
	"context"
	"sync"
)

// generations hands out cancellation handles for interactive dispatches.
// Taking the next generation cancels the previous one, so at most one
// interactive edit is being waited on at a time. Prefetch dispatches never
// take a generation and are unaffected by flips.
type generations struct {
	mu     sync.Mutex
	seq    uint64
	cancel context.CancelFunc
}

// next flips the generation: the previous dispatch's context is cancelled and
// a fresh one derived from parent takes its place. The returned release func
// must be called once the dispatch settles.
func (g *generations) next(parent context.Context) (context.Context, uint64, context.CancelFunc) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
	}
	g.seq++
	ctx, cancel := context.WithCancel(parent)
	g.cancel = cancel
	return ctx, g.seq, cancel
}

// cancelCurrent aborts the in-flight interactive dispatch, if any.
func (g *generations) cancelCurrent() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.cancel != nil {
		g.cancel()
		g.cancel = nil
	}
}

// current reports whether gen is still the newest generation.
func (g *generations) current(gen uint64) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.seq == gen
}
