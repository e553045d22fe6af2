package pusudb

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// TokenBucketLimiter is a RateLimiter keeping one token bucket per key.
type TokenBucketLimiter struct {
	mutex   sync.Mutex
	limit   rate.Limit
	burst   int
	buckets map[string]*bucket
	idle    time.Duration
	now     func() time.Time
}

type bucket struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewTokenBucketLimiter allows perSecond requests per key with bursts of
// burst. Buckets unused for longer than idle are dropped; idle <= 0 keeps
// them forever.
func NewTokenBucketLimiter(perSecond float64, burst int, idle time.Duration) *TokenBucketLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &TokenBucketLimiter{
		limit:   rate.Limit(perSecond),
		burst:   burst,
		buckets: make(map[string]*bucket),
		idle:    idle,
		now:     time.Now,
	}
}

// Allow consumes one token of key.
func (l *TokenBucketLimiter) Allow(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	l.mutex.Lock()

	defer l.mutex.Unlock()

	now := l.now()
	l.sweep(now)

	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.limit, l.burst)}
		l.buckets[key] = b
	}
	b.lastSeen = now

	return b.limiter.AllowN(now, 1), nil
}

// Reset forgets the bucket of key.
func (l *TokenBucketLimiter) Reset(key string) {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	delete(l.buckets, key)
}

// Len returns the number of tracked keys.
func (l *TokenBucketLimiter) Len() int {
	l.mutex.Lock()

	defer l.mutex.Unlock()

	return len(l.buckets)
}

func (l *TokenBucketLimiter) sweep(now time.Time) {
	if l.idle <= 0 {
		return
	}
	for key, b := range l.buckets {
		if now.Sub(b.lastSeen) > l.idle {
			delete(l.buckets, key)
		}
	}
}
