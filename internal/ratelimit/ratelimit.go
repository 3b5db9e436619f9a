// Package ratelimit implements per-user token-bucket admission control.
package ratelimit

import (
	"math"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const staleBucketAge = time.Hour

type bucket struct {
	limiter    *rate.Limiter
	lastAccess time.Time
}

// Limiter is a rate limiter with one token bucket per user_id, lazily
// created on first reference. Bucket capacity equals the configured
// requests-per-minute; refill rate is capacity/60 tokens per second.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket

	capacity float64
	perSec   rate.Limit
	burst    int
}

// New creates a limiter admitting requestsPerMinute requests per user per
// rolling minute. requestsPerMinute must be > 0.
func New(requestsPerMinute float64) *Limiter {
	burst := int(math.Ceil(requestsPerMinute))
	if burst < 1 {
		burst = 1
	}
	return &Limiter{
		buckets:  make(map[string]*bucket),
		capacity: requestsPerMinute,
		perSec:   rate.Limit(requestsPerMinute / 60.0),
		burst:    burst,
	}
}

func (l *Limiter) bucketFor(userID string) *bucket {
	l.mu.Lock()
	defer l.mu.Unlock()

	b, ok := l.buckets[userID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(l.perSec, l.burst)}
		l.buckets[userID] = b
	}
	b.lastAccess = time.Now()
	return b
}

// CheckLimit reports whether one token is available for userID, consuming
// it if so. Equivalent to CheckLimitN(userID, 1).
func (l *Limiter) CheckLimit(userID string) bool {
	return l.CheckLimitN(userID, 1)
}

// CheckLimitN reports whether n tokens are available for userID, consuming
// them atomically if so.
func (l *Limiter) CheckLimitN(userID string, n int) bool {
	b := l.bucketFor(userID)
	return b.limiter.AllowN(time.Now(), n)
}

// Remaining returns the current token count for userID without consuming
// any, creating the bucket at full capacity if it does not yet exist.
func (l *Limiter) Remaining(userID string) float64 {
	b := l.bucketFor(userID)
	return b.limiter.TokensAt(time.Now())
}

// CleanupOldBuckets purges buckets that have not been touched in over an
// hour, bounding memory for users who stop sending traffic.
func (l *Limiter) CleanupOldBuckets() {
	cutoff := time.Now().Add(-staleBucketAge)

	l.mu.Lock()
	defer l.mu.Unlock()
	for id, b := range l.buckets {
		if b.lastAccess.Before(cutoff) {
			delete(l.buckets, id)
		}
	}
}

// BucketCount reports the number of tracked buckets; used by tests and
// admin introspection.
func (l *Limiter) BucketCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
