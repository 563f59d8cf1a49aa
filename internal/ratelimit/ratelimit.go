// Package ratelimit provides token-bucket admission control. Buckets refill
// continuously at the configured per-minute rate, capped at a burst capacity.
// Admission checks multiple buckets atomically (per-tenant-per-provider and
// global per-provider); denial consumes nothing and returns a retry-after
// estimate. Supports in-memory (single instance) and Redis (distributed) backends.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Quota configures one token bucket.
type Quota struct {
	PerMinute int
	Burst     int
}

// Key names a bucket together with its quota.
type Key struct {
	ID    string
	Quota Quota
}

// Limiter defines the admission-control interface. Acquire consumes one token
// from every key only if every key has one available; otherwise it consumes
// nothing and reports how long until the first denied bucket refills.
type Limiter interface {
	Acquire(ctx context.Context, keys ...Key) (allowed bool, retryAfter time.Duration, err error)
}

// InMemoryLimiter implements continuous-refill token buckets behind one mutex,
// which makes the multi-key check-then-consume atomic.
type InMemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
}

type bucket struct {
	tokens float64
	last   time.Time
}

func NewInMemoryLimiter() *InMemoryLimiter {
	return &InMemoryLimiter{
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (l *InMemoryLimiter) Acquire(ctx context.Context, keys ...Key) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()

	buckets := make([]*bucket, len(keys))
	for i, key := range keys {
		b, ok := l.buckets[key.ID]
		if !ok {
			b = &bucket{tokens: float64(key.Quota.Burst), last: now}
			l.buckets[key.ID] = b
		}
		refill(b, key.Quota, now)
		buckets[i] = b

		if b.tokens < 1 {
			return false, retryAfter(b, key.Quota), nil
		}
	}

	for _, b := range buckets {
		b.tokens--
	}

	return true, 0, nil
}

// refill credits tokens accrued since the bucket was last touched.
func refill(b *bucket, q Quota, now time.Time) {
	elapsed := now.Sub(b.last).Seconds()
	if elapsed <= 0 {
		return
	}
	rate := float64(q.PerMinute) / 60.0
	b.tokens += elapsed * rate
	if b.tokens > float64(q.Burst) {
		b.tokens = float64(q.Burst)
	}
	b.last = now
}

// retryAfter estimates the wait until one full token is available.
func retryAfter(b *bucket, q Quota) time.Duration {
	rate := float64(q.PerMinute) / 60.0
	if rate <= 0 {
		return time.Minute
	}
	deficit := 1 - b.tokens
	if deficit < 0 {
		deficit = 0
	}
	return time.Duration(deficit / rate * float64(time.Second))
}
