package ops

import (
	"math"
	"sync"
	"time"
)

// Limiter is a sliding-window rate limiter keyed by bucket and key.
type Limiter struct {
	mu      sync.Mutex
	buckets map[string]map[string][]time.Time
	now     func() time.Time
}

// NewLimiter creates an empty limiter.
func NewLimiter() *Limiter {
	return &Limiter{
		buckets: make(map[string]map[string][]time.Time),
		now:     time.Now,
	}
}

// Check records an attempt under bucket/key. When the window already
// holds limit attempts the call is rejected and retryAfter reports
// the seconds until the oldest attempt ages out (at least 1).
func (l *Limiter) Check(bucket, key string, limit int, window time.Duration) (allowed bool, retryAfter int) {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	byKey := l.buckets[bucket]
	if byKey == nil {
		byKey = make(map[string][]time.Time)
		l.buckets[bucket] = byKey
	}

	kept := byKey[key][:0]
	for _, t := range byKey[key] {
		if now.Sub(t) < window {
			kept = append(kept, t)
		}
	}

	if len(kept) >= limit {
		oldest := kept[0]
		for _, t := range kept[1:] {
			if t.Before(oldest) {
				oldest = t
			}
		}
		retry := int(math.Floor((window - now.Sub(oldest)).Seconds()))
		if retry < 1 {
			retry = 1
		}
		byKey[key] = kept
		return false, retry
	}

	byKey[key] = append(kept, now)
	return true, 0
}

// ClearBucket drops all keys under a bucket.
func (l *Limiter) ClearBucket(bucket string) {
	l.mu.Lock()
	delete(l.buckets, bucket)
	l.mu.Unlock()
}
