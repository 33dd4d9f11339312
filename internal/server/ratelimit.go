package server

import (
	"sync"
	"time"
)

// Limiter is a per-key token bucket. Keys are agent ids; every mutating
// request spends one token.
type Limiter struct {
	size   float64
	refill float64 // tokens per second
	now    func() time.Time

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewLimiter(size int, refillPerSec float64) *Limiter {
	return &Limiter{
		size:    float64(size),
		refill:  refillPerSec,
		now:     time.Now,
		buckets: map[string]*bucket{},
	}
}

// Allow spends one token for key, refilling by elapsed time first.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{tokens: l.size, last: now}
		l.buckets[key] = b
		l.pruneLocked(now)
	}

	b.tokens += now.Sub(b.last).Seconds() * l.refill
	if b.tokens > l.size {
		b.tokens = l.size
	}
	b.last = now

	if b.tokens < 1 {
		return false
	}
	b.tokens--
	return true
}

// pruneLocked drops buckets idle long enough to have refilled fully.
func (l *Limiter) pruneLocked(now time.Time) {
	if len(l.buckets) < 4096 {
		return
	}
	idle := time.Duration(l.size/l.refill) * time.Second
	for k, b := range l.buckets {
		if now.Sub(b.last) > idle {
			delete(l.buckets, k)
		}
	}
}
