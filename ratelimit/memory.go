package ratelimit

import (
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned by operations on a closed limiter.
var ErrClosed = errors.New("limiter closed")

// Capacity describes one key's bucket.
type Capacity struct {
	Key       string
	Available int
	Total     int
	Window    time.Duration
	Dropped   int
}

// bucket implements a token bucket.
type bucket struct {
	capacity   int
	available  float64
	window     time.Duration
	lastRefill time.Time
	dropped    int
}

// refill adds tokens for the time elapsed since the last refill.
func (b *bucket) refill(now time.Time) {
	elapsed := now.Sub(b.lastRefill)
	if elapsed <= 0 {
		return
	}
	b.available += float64(b.capacity) * float64(elapsed) / float64(b.window)
	if b.available > float64(b.capacity) {
		b.available = float64(b.capacity)
	}
	b.lastRefill = now
}

// Limiter is a set of token buckets sharing one rate.
// It is safe for concurrent use.
type Limiter struct {
	capacity int
	window   time.Duration

	mu      sync.Mutex
	buckets map[string]*bucket
	closed  bool
	nowFunc func() time.Time // for testing
}

// NewLimiter allows capacity events per window for each key, with bursts up
// to capacity. capacity <= 0 disables limiting.
func NewLimiter(capacity int, window time.Duration) *Limiter {
	if window <= 0 {
		window = time.Second
	}
	return &Limiter{
		capacity: capacity,
		window:   window,
		buckets:  make(map[string]*bucket),
		nowFunc:  time.Now,
	}
}

// Enabled reports whether the limiter restricts anything.
func (l *Limiter) Enabled() bool {
	return l != nil && l.capacity > 0
}

// Allow takes a token for key and reports whether one was available.
func (l *Limiter) Allow(key string) bool {
	if !l.Enabled() {
		return true
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return false
	}

	now := l.nowFunc()
	b, ok := l.buckets[key]
	if !ok {
		// Start full.
		b = &bucket{
			capacity:   l.capacity,
			available:  float64(l.capacity),
			window:     l.window,
			lastRefill: now,
		}
		l.buckets[key] = b
	}

	b.refill(now)
	if b.available >= 1 {
		b.available--
		return true
	}
	b.dropped++
	return false
}

// Forget drops key's bucket.
func (l *Limiter) Forget(key string) {
	if !l.Enabled() {
		return
	}
	l.mu.Lock()
	delete(l.buckets, key)
	l.mu.Unlock()
}

// GetCapacity returns key's bucket state, or nil if key has none.
func (l *Limiter) GetCapacity(key string) *Capacity {
	if !l.Enabled() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[key]
	if !ok {
		return nil
	}
	b.refill(l.nowFunc())

	return &Capacity{
		Key:       key,
		Available: int(b.available),
		Total:     b.capacity,
		Window:    b.window,
		Dropped:   b.dropped,
	}
}

// Len returns the number of tracked keys.
func (l *Limiter) Len() int {
	if !l.Enabled() {
		return 0
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}

// Close rejects every later Allow.
func (l *Limiter) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}
	l.closed = true
	l.buckets = make(map[string]*bucket)
	return nil
}
