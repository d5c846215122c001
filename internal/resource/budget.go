package resource

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Config holds the limits of a Budget. Zero disables a limit.
type Config struct {
	// CacheBytes bounds the vector payload bytes held by caches.
	CacheBytes int64
	// RebuildSlots bounds concurrent index rebuilds. Zero means one.
	RebuildSlots int64
	// RebuildReadBytesPerSec throttles record reads issued by rebuilds.
	RebuildReadBytesPerSec int64
}

// Budget tracks cache bytes, rebuild slots and rebuild read bandwidth.
type Budget struct {
	cacheLimit int64
	cache      *semaphore.Weighted
	cached     atomic.Int64

	rebuilds *semaphore.Weighted
	reads    *rate.Limiter
}

// New returns a Budget enforcing cfg.
func New(cfg Config) *Budget {
	slots := cfg.RebuildSlots
	if slots <= 0 {
		slots = 1
	}
	b := &Budget{
		cacheLimit: cfg.CacheBytes,
		rebuilds:   semaphore.NewWeighted(slots),
	}
	if cfg.CacheBytes > 0 {
		b.cache = semaphore.NewWeighted(cfg.CacheBytes)
	}
	if cfg.RebuildReadBytesPerSec > 0 {
		burst := int(cfg.RebuildReadBytesPerSec)
		b.reads = rate.NewLimiter(rate.Limit(cfg.RebuildReadBytesPerSec), burst)
	}
	return b
}

// ReserveCache takes n bytes from the cache budget and reports whether they
// fit.
func (b *Budget) ReserveCache(n int64) bool {
	if b == nil || n <= 0 {
		return true
	}
	if b.cache != nil && !b.cache.TryAcquire(n) {
		return false
	}
	b.cached.Add(n)
	return true
}

// ReleaseCache returns n bytes taken by ReserveCache.
func (b *Budget) ReleaseCache(n int64) {
	if b == nil || n <= 0 {
		return
	}
	if b.cache != nil {
		b.cache.Release(n)
	}
	b.cached.Add(-n)
}

// CacheUsage returns the reserved cache bytes.
func (b *Budget) CacheUsage() int64 {
	if b == nil {
		return 0
	}
	return b.cached.Load()
}

// CacheLimit returns the cache budget, 0 when unlimited.
func (b *Budget) CacheLimit() int64 {
	if b == nil {
		return 0
	}
	return b.cacheLimit
}

// BeginRebuild waits for a rebuild slot. The returned func frees it.
func (b *Budget) BeginRebuild(ctx context.Context) (func(), error) {
	if b == nil {
		return func() {}, nil
	}
	if err := b.rebuilds.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	return func() { b.rebuilds.Release(1) }, nil
}

// ThrottleRead waits until a rebuild may read n more bytes. Reads larger
// than one second of bandwidth wait in several steps.
func (b *Budget) ThrottleRead(ctx context.Context, n int) error {
	if b == nil || b.reads == nil {
		return nil
	}
	burst := b.reads.Burst()
	for n > 0 {
		step := min(n, burst)
		if err := b.reads.WaitN(ctx, step); err != nil {
			return err
		}
		n -= step
	}
	return nil
}
