package visage

import (
	"sync"
	"sync/atomic"
)

// viewState linearizes preview visibility by dispatch stamp. A completion
// surfaces only when no newer dispatch surfaced first; late results still
// reach the caches, they just never flash an outdated preview.
type viewState struct {
	seq atomic.Uint64

	mu          sync.Mutex
	lastApplied uint64
	url         string
}

// stamp allocates the next dispatch stamp.
func (s *viewState) stamp() uint64 {
	return s.seq.Add(1)
}

// apply records url as the visible preview unless a newer stamp got there
// first. It reports whether the update surfaced.
func (s *viewState) apply(stamp uint64, url string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if stamp < s.lastApplied {
		return false
	}
	s.lastApplied = stamp
	s.url = url
	return true
}

// current returns the visible preview URL, "" before the first completion.
func (s *viewState) current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}
