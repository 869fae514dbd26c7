package ratelimit

import (
	"context"
	"sort"
	"sync"
	"time"
)

// bucket is the per-(client, category) accounting state. Each bucket has its
// own lock so checks for distinct keys never contend.
type bucket struct {
	mu             sync.Mutex
	windowStart    time.Time
	requestCount   int
	blockedUntil   time.Time
	totalAllowed   int64
	totalBlocked   int64
	violationCount int
	lastSeen       time.Time
}

// MemoryLimiter implements Limiter with in-process buckets.
type MemoryLimiter struct {
	mu      sync.RWMutex
	buckets map[string]*bucket
	configs map[Category]CategoryConfig

	// now is swappable for tests.
	now func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewMemoryLimiter creates a limiter with the given per-category budgets.
// Categories absent from configs fall back to defaults.
func NewMemoryLimiter(configs map[Category]CategoryConfig) *MemoryLimiter {
	merged := DefaultConfigs()
	for cat, cfg := range configs {
		merged[cat] = cfg
	}
	return &MemoryLimiter{
		buckets: make(map[string]*bucket),
		configs: merged,
		now:     time.Now,
	}
}

func bucketKey(clientID string, category Category) string {
	return clientID + "|" + string(category)
}

// lookup returns the bucket for the key, creating it if needed.
func (l *MemoryLimiter) lookup(key string) *bucket {
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

// Check performs the atomic check-and-increment for one key.
func (l *MemoryLimiter) Check(_ context.Context, clientID string, category Category) (Decision, error) {
	cfg, ok := l.configs[category]
	if !ok {
		cfg = DefaultConfigs()[CategoryAPI]
	}

	b := l.lookup(bucketKey(clientID, category))
	now := l.now()

	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSeen = now

	// An expired block auto-clears on the next check.
	if !b.blockedUntil.IsZero() {
		if now.Before(b.blockedUntil) {
			b.totalBlocked++
			return Decision{Allowed: false, RetryAfter: b.blockedUntil.Sub(now)}, nil
		}
		b.blockedUntil = time.Time{}
	}

	// The counter never carries over into a new window.
	if b.windowStart.IsZero() || now.After(b.windowStart.Add(cfg.Window)) {
		b.windowStart = now
		b.requestCount = 0
	}

	b.requestCount++
	if b.requestCount > cfg.Limit {
		b.blockedUntil = now.Add(cfg.Penalty)
		b.violationCount++
		b.totalBlocked++
		return Decision{Allowed: false, RetryAfter: cfg.Penalty}, nil
	}

	b.totalAllowed++
	return Decision{Allowed: true, Remaining: cfg.Limit - b.requestCount}, nil
}

// Snapshot returns the current buckets ordered by client then category.
func (l *MemoryLimiter) Snapshot(_ context.Context) ([]BucketSnapshot, error) {
	l.mu.RLock()
	keys := make([]string, 0, len(l.buckets))
	for key := range l.buckets {
		keys = append(keys, key)
	}
	l.mu.RUnlock()
	sort.Strings(keys)

	snaps := make([]BucketSnapshot, 0, len(keys))
	for _, key := range keys {
		l.mu.RLock()
		b, ok := l.buckets[key]
		l.mu.RUnlock()
		if !ok {
			continue
		}

		b.mu.Lock()
		snap := BucketSnapshot{
			WindowStart:    b.windowStart,
			RequestCount:   b.requestCount,
			TotalAllowed:   b.totalAllowed,
			TotalBlocked:   b.totalBlocked,
			ViolationCount: b.violationCount,
		}
		if !b.blockedUntil.IsZero() {
			until := b.blockedUntil
			snap.BlockedUntil = &until
		}
		b.mu.Unlock()

		for i := len(key) - 1; i >= 0; i-- {
			if key[i] == '|' {
				snap.ClientID = key[:i]
				snap.Category = Category(key[i+1:])
				break
			}
		}
		snaps = append(snaps, snap)
	}
	return snaps, nil
}

// evict removes buckets idle longer than maxIdle.
func (l *MemoryLimiter) evict(maxIdle time.Duration) {
	cutoff := l.now().Add(-maxIdle)
	l.mu.Lock()
	defer l.mu.Unlock()
	for key, b := range l.buckets {
		b.mu.Lock()
		idle := b.lastSeen.Before(cutoff)
		b.mu.Unlock()
		if idle {
			delete(l.buckets, key)
		}
	}
}

// StartEvictionRoutine starts a background goroutine that periodically drops
// idle buckets. The goroutine is stopped when Close is called.
func (l *MemoryLimiter) StartEvictionRoutine(interval, maxIdle time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.done = make(chan struct{})

	go func() {
		defer close(l.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				l.evict(maxIdle)
			}
		}
	}()
}

// Close stops the eviction goroutine and waits for it to exit.
// It is safe to call Close even if StartEvictionRoutine was never called.
func (l *MemoryLimiter) Close() error {
	if l.cancel != nil {
		l.cancel()
		<-l.done
	}
	return nil
}

// Verify interface compliance.
var _ Limiter = (*MemoryLimiter)(nil)
