package visage

import (
	"sync"
	"time"
)

// debouncer runs a task after a quiet interval, trailing-edge. Scheduling
// displaces any pending task; a task that already started is not recalled.
type debouncer struct {
	interval time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

// schedule arms the timer with task, replacing a pending one.
func (d *debouncer) schedule(task func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, task)
}

// stop cancels the pending task, if any.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
