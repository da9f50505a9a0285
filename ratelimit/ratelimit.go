// Package ratelimit bounds how hard individual delegates may hit the
// manager. Each delegate gets its own token bucket; a drained bucket means
// the delegate is polling faster than its allowance and gets told to back
// off instead of loading the queue scan.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// Common errors.
var (
	ErrClosed          = errors.New("limiter closed")
	ErrInvalidCapacity = errors.New("invalid capacity")
	ErrInvalidWindow   = errors.New("invalid window")
)

// bucket is a token bucket refilled continuously over its window.
type bucket struct {
	capacity   int
	available  int
	window     time.Duration
	lastRefill time.Time
}

// refill adds tokens proportional to the time elapsed since the last refill.
func (b *bucket) refill(now time.Time) {
	if b.window <= 0 || b.capacity <= 0 {
		return
	}
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	add := int(float64(b.capacity) * float64(elapsed) / float64(b.window))
	if add > 0 {
		b.available += add
		if b.available > b.capacity {
			b.available = b.capacity
		}
		b.lastRefill = now
	}
}

// Limiter tracks per-key token buckets with a shared default allowance.
// It is safe for concurrent use.
type Limiter struct {
	mu       sync.Mutex
	buckets  map[string]*bucket
	capacity int
	window   time.Duration
	closed   bool
	nowFunc  func() time.Time // for testing
}

// New creates a limiter allowing capacity requests per window for each key.
func New(capacity int, window time.Duration) (*Limiter, error) {
	if capacity <= 0 {
		return nil, ErrInvalidCapacity
	}
	if window <= 0 {
		return nil, ErrInvalidWindow
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: capacity,
		window:   window,
		nowFunc:  time.Now,
	}, nil
}

// Allow consumes a token for the key if one is available and reports whether
// the request may proceed. Unknown keys get a full bucket on first sight.
func (l *Limiter) Allow(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{
			capacity:   l.capacity,
			available:  l.capacity,
			window:     l.window,
			lastRefill: l.nowFunc(),
		}
		l.buckets[key] = b
	}

	b.refill(l.nowFunc())
	if b.available <= 0 {
		return false
	}
	b.available--
	return true
}

// Forget drops the bucket for a key, releasing its memory. The next Allow
// for the key starts with a full bucket.
func (l *Limiter) Forget(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// Close rejects all further requests.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	l.buckets = nil
}
