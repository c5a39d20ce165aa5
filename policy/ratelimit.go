package policy

import (
	"sync"
	"time"
)

// rateLimiter is a fixed-window per-key counter. Per-process only: the
// rate domain is a throttling profile, not a cross-process invariant, so
// an in-memory window is enough.
type rateLimiter struct {
	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	start time.Time
	count int
}

func newRateLimiter() *rateLimiter {
	return &rateLimiter{windows: make(map[string]*window)}
}

// take consumes one slot for key, returning false once the per-minute
// budget for the current window is spent.
func (l *rateLimiter) take(key string, perMinute int, now time.Time) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	w, ok := l.windows[key]
	if !ok || now.Sub(w.start) >= time.Minute {
		l.windows[key] = &window{start: now, count: 1}
		l.cleanupLocked(now)
		return true
	}
	if w.count >= perMinute {
		return false
	}
	w.count++
	return true
}

// cleanupLocked drops stale windows. Must be called with the lock held.
func (l *rateLimiter) cleanupLocked(now time.Time) {
	for key, w := range l.windows {
		if now.Sub(w.start) >= 2*time.Minute {
			delete(l.windows, key)
		}
	}
}
