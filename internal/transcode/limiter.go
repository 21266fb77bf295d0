package transcode

import (
	"sync"
	"time"
)

// StartLimiter caps job starts inside a sliding window. Each worker carries
// its own limiter, so the budget is per worker, not per pool.
type StartLimiter struct {
	max    int
	window time.Duration
	now    func() time.Time

	mu     sync.Mutex
	starts []time.Time
}

func NewStartLimiter(max int, window time.Duration) *StartLimiter {
	if max <= 0 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &StartLimiter{
		max:    max,
		window: window,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Reserve books the next start and returns how long the caller must wait
// before acting on it. Zero means the start is immediate.
func (l *StartLimiter) Reserve() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.prune(now)
	if len(l.starts) < l.max {
		l.starts = append(l.starts, now)
		return 0
	}
	// The booking becomes valid once the oldest start still counted against
	// the budget falls out of the window.
	oldest := l.starts[len(l.starts)-l.max]
	wait := oldest.Add(l.window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	l.starts = append(l.starts, now.Add(wait))
	return wait
}

func (l *StartLimiter) prune(now time.Time) {
	cutoff := now.Add(-l.window)
	kept := l.starts[:0]
	for _, start := range l.starts {
		if start.After(cutoff) {
			kept = append(kept, start)
		}
	}
	l.starts = kept
}
