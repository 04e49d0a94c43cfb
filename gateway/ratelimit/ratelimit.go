package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultWindow is the quota window applied when configuration leaves it
	// unset.
	DefaultWindow = time.Minute
	// DefaultLimit is the fallback per-window quota.
	DefaultLimit = 60
	// sweepBatch bounds how many stale buckets a single sweep pass removes
	// while holding the table lock.
	sweepBatch = 256
)

// Quota is the per-window request budget assigned to an identity class.
type Quota struct {
	Limit  int
	Window time.Duration
}

func (q Quota) withDefaults() Quota {
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Window <= 0 {
		q.Window = DefaultWindow
	}
	return q
}

// Result reports the outcome of a single admission check.
type Result struct {
	Allowed    bool
	Limit      int
	Remaining  int
	RetryAfter time.Duration
}

type bucket struct {
	mu          sync.Mutex
	count       int
	windowStart time.Time
}

// Limiter tracks fixed-window counters per identity. Quotas are resolved by
// identity class (typically the caller's role); increment-and-compare runs
// under the bucket lock so bursts admit exactly the configured limit.
type Limiter struct {
	quotas       map[string]Quota
	defaultQuota Quota
	nowFn        func() time.Time

	mu      sync.RWMutex
	buckets map[string]*bucket
}

// NewLimiter builds a Limiter from per-class quotas and a default applied to
// unknown classes.
func NewLimiter(quotas map[string]Quota, defaultQuota Quota, nowFn func() time.Time) *Limiter {
	if nowFn == nil {
		nowFn = time.Now
	}
	cloned := make(map[string]Quota, len(quotas))
	for class, quota := range quotas {
		cloned[class] = quota.withDefaults()
	}
	return &Limiter{
		quotas:       cloned,
		defaultQuota: defaultQuota.withDefaults(),
		nowFn:        nowFn,
		buckets:      make(map[string]*bucket),
	}
}

// Quota resolves the budget for an identity class.
func (l *Limiter) Quota(class string) Quota {
	if quota, ok := l.quotas[class]; ok {
		return quota
	}
	return l.defaultQuota
}

// Check admits or rejects one request for the identity. The bucket is keyed
// by identity and class together so a role change starts a fresh window.
func (l *Limiter) Check(identity, class string) Result {
	quota := l.Quota(class)
	now := l.nowFn()
	b := l.bucket(identity + "|" + class)

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.windowStart.IsZero() || now.Sub(b.windowStart) >= quota.Window {
		b.windowStart = now
		b.count = 0
	}
	if b.count >= quota.Limit {
		return Result{
			Limit:      quota.Limit,
			Remaining:  0,
			RetryAfter: quota.Window - now.Sub(b.windowStart),
		}
	}
	b.count++
	return Result{
		Allowed:   true,
		Limit:     quota.Limit,
		Remaining: quota.Limit - b.count,
	}
}

func (l *Limiter) bucket(key string) *bucket {
	l.mu.RLock()
	b, ok := l.buckets[key]
	l.mu.RUnlock()
	if ok {
		return b
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok = l.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	l.buckets[key] = b
	return b
}

// Sweep drops buckets whose window ended before the cutoff. It removes at
// most a bounded batch per call so concurrent admission checks are never
// starved; callers loop until it reports zero removals.
func (l *Limiter) Sweep(cutoff time.Time) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	removed := 0
	for key, b := range l.buckets {
		b.mu.Lock()
		stale := !b.windowStart.IsZero() && b.windowStart.Before(cutoff)
		b.mu.Unlock()
		if stale {
			delete(l.buckets, key)
			removed++
			if removed >= sweepBatch {
				break
			}
		}
	}
	return removed
}

// Len reports the number of live buckets, for tests and metrics.
func (l *Limiter) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.buckets)
}
