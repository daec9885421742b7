package toolgate

import (
	"sync"
	"time"
)

// limiter is a sliding-window rate limiter keyed by worker id.
type limiter struct {
	mu       sync.Mutex
	maxCalls int
	window   time.Duration
	buckets  map[string][]time.Time
}

func newLimiter(maxCalls int, window time.Duration) *limiter {
	if window <= 0 {
		window = time.Minute
	}
	return &limiter{
		maxCalls: maxCalls,
		window:   window,
		buckets:  make(map[string][]time.Time),
	}
}

// allow records one call for the worker and reports whether it fits the
// window budget. maxCalls <= 0 disables limiting.
func (l *limiter) allow(workerID string) bool {
	if l.maxCalls <= 0 {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-l.window)

	kept := l.buckets[workerID][:0]
	for _, ts := range l.buckets[workerID] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.maxCalls {
		l.buckets[workerID] = kept
		return false
	}
	l.buckets[workerID] = append(kept, now)
	return true
}
