package decoder

import (
	"sync"
	"sync/atomic"
	"time"
)

// FragmentRateLimiter caps how many fragments one source address may feed
// into the fragment table per window. Counts reset when the window rolls over.
// It is shared by all pipeline instances that share a FragmentTable.
type FragmentRateLimiter struct {
	mu          sync.Mutex
	counts      map[[4]byte]int
	windowStart time.Time
	window      time.Duration
	limit       int

	rejected atomic.Int64
}

// NewFragmentRateLimiter returns nil when limit is not positive, which disables limiting.
func NewFragmentRateLimiter(limit int, window time.Duration) *FragmentRateLimiter {
	if limit <= 0 {
		return nil
	}
	if window <= 0 {
		window = 10 * time.Second
	}
	return &FragmentRateLimiter{
		counts: make(map[[4]byte]int),
		window: window,
		limit:  limit,
	}
}

// Allow reports whether a fragment from src arriving at ts may be admitted.
// A nil limiter admits everything.
func (l *FragmentRateLimiter) Allow(src [4]byte, ts time.Time) bool {
	if l == nil {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if ts.Sub(l.windowStart) >= l.window || ts.Before(l.windowStart) {
		clear(l.counts)
		l.windowStart = ts
	}

	if l.counts[src] >= l.limit {
		l.rejected.Add(1)
		return false
	}
	l.counts[src]++
	return true
}

// Rejected returns the total number of refused fragments.
func (l *FragmentRateLimiter) Rejected() int64 {
	if l == nil {
		return 0
	}
	return l.rejected.Load()
}
