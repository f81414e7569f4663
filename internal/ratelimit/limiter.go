// Package ratelimit provides token buckets for outbound platform calls and
// inbound per-user message limits.
package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Bucket implements token bucket rate limiting.
type Bucket struct {
	mu         sync.Mutex
	tokens     float64
	maxTokens  float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewBucket creates a bucket refilling at ratePerSecond with the given burst.
// A non-positive burst defaults to twice the rate (at least one).
func NewBucket(ratePerSecond float64, burst int) *Bucket {
	if ratePerSecond <= 0 {
		ratePerSecond = 10
	}
	if burst <= 0 {
		burst = int(ratePerSecond * 2)
		if burst < 1 {
			burst = 1
		}
	}
	return &Bucket{
		tokens:     float64(burst),
		maxTokens:  float64(burst),
		refillRate: ratePerSecond,
		lastRefill: time.Now(),
		now:        time.Now,
	}
}

// PerMinute creates a bucket allowing n events per minute with a burst of n.
func PerMinute(n int) *Bucket {
	return NewBucket(float64(n)/60.0, n)
}

// Allow consumes a token if one is available.
func (b *Bucket) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

// Wait blocks until a token is available or ctx is done.
func (b *Bucket) Wait(ctx context.Context) error {
	for {
		if b.Allow() {
			return nil
		}
		timer := time.NewTimer(b.WaitTime())
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// WaitTime returns how long until the next token is available.
func (b *Bucket) WaitTime() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.refill()
	if b.tokens >= 1 {
		return 0
	}
	return time.Duration((1 - b.tokens) / b.refillRate * float64(time.Second))
}

// Tokens returns the current number of available tokens.
func (b *Bucket) Tokens() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refill()
	return b.tokens
}

// refill must be called with the lock held.
func (b *Bucket) refill() {
	now := b.now()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	b.tokens += elapsed * b.refillRate
	if b.tokens > b.maxTokens {
		b.tokens = b.maxTokens
	}
	b.lastRefill = now
}

type keyedBucket struct {
	bucket    *Bucket
	perMinute int
}

// Limiter keeps one per-minute bucket per key (for example channel:user).
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*keyedBucket
	maxKeys int
	now     func() time.Time
}

// NewLimiter creates a keyed limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]*keyedBucket),
		maxKeys: 10000,
		now:     time.Now,
	}
}

// Allow consumes one event for key under a limit of perMinute events per
// minute. A non-positive limit always allows. Changing the limit for a key
// starts it with a fresh bucket.
func (l *Limiter) Allow(key string, perMinute int) bool {
	if perMinute <= 0 {
		return true
	}
	l.mu.Lock()
	kb, ok := l.buckets[key]
	if !ok || kb.perMinute != perMinute {
		if !ok && len(l.buckets) >= l.maxKeys {
			l.pruneLocked()
		}
		b := PerMinute(perMinute)
		b.now = l.now
		b.lastRefill = l.now()
		kb = &keyedBucket{bucket: b, perMinute: perMinute}
		l.buckets[key] = kb
	}
	l.mu.Unlock()
	return kb.bucket.Allow()
}

// Reset forgets the bucket for key.
func (l *Limiter) Reset(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, key)
}

// pruneLocked drops buckets that have fully refilled, which are idle keys.
func (l *Limiter) pruneLocked() {
	for key, kb := range l.buckets {
		if kb.bucket.Tokens() >= kb.bucket.maxTokens {
			delete(l.buckets, key)
		}
	}
}

// CompositeKey creates a rate limit key from multiple parts.
func CompositeKey(parts ...string) string {
	key := ""
	for i, part := range parts {
		if i > 0 {
			key += ":"
		}
		key += part
	}
	return key
}
