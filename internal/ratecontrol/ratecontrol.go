// Package ratecontrol provides a process-local token-bucket layer
// that sits in front of the guardrail store's fixed-window counters
// (internal/guardrail, spec.md C10). The fixed window is the
// authoritative, shared-across-instances limit; this package adds a
// cheap, in-memory token bucket per scope key. Its burst equals the
// window's max, so a caller can still spend a whole window's budget in
// one instant; what the bucket adds is that, once drained, it refills
// only at max per window, so a caller cannot spend a second full budget
// right after a fixed-window boundary.
package ratecontrol

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// Limiter holds one token-bucket per scope key, built lazily and
// rebuilt whenever the requested rate for that key changes.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	clock   func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	max      int
	windowMs int64
}

// NewLimiter constructs an empty Limiter.
func NewLimiter() *Limiter {
	return &Limiter{buckets: make(map[string]*bucket), clock: time.Now}
}

// Allow reports whether one more event for scopeKey is permitted
// under a token bucket sized for max events per windowMs, refilling
// continuously at max/windowMs tokens per millisecond. The bucket's
// burst capacity equals max, so a full bucket admits up to max events
// at once; once drained it can reject events just after a fixed-window
// boundary that the guardrail store's fresh window would still admit.
func (l *Limiter) Allow(scopeKey string, max int, windowMs int64) bool {
	if max <= 0 || windowMs <= 0 {
		return true
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[scopeKey]
	if !ok || b.max != max || b.windowMs != windowMs {
		rps := float64(max) / (float64(windowMs) / 1000.0)
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(rps), max), max: max, windowMs: windowMs}
		l.buckets[scopeKey] = b
	}
	return b.limiter.AllowN(l.now(), 1)
}

// Reset drops a scope's bucket so the next Allow for it starts from a
// full bucket. (Allow itself rebuilds a bucket when max or windowMs
// change.)
func (l *Limiter) Reset(scopeKey string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, scopeKey)
}

func (l *Limiter) now() time.Time {
	if l.clock != nil {
		return l.clock()
	}
	return time.Now()
}
