package cache

import (
	"container/list"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecfs/internal/resource"
)

// ErrCacheExhausted is returned when a vector cannot be cached even with the
// cache emptied.
var ErrCacheExhausted = errors.New("vector cache exhausted")

// Policy selects the eviction order.
type Policy int

const (
	PolicyLRU Policy = iota
	PolicyFIFO
)

func (p Policy) String() string {
	switch p {
	case PolicyLRU:
		return "lru"
	case PolicyFIFO:
		return "fifo"
	default:
		return fmt.Sprintf("Policy(%d)", int(p))
	}
}

// ParsePolicy parses "lru" or "fifo". The empty string selects LRU.
func ParsePolicy(s string) (Policy, error) {
	switch strings.ToLower(s) {
	case "", "lru":
		return PolicyLRU, nil
	case "fifo":
		return PolicyFIFO, nil
	default:
		return 0, fmt.Errorf("unknown cache policy %q", s)
	}
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Len       int
	Bytes     int64
	Hits      int64
	Misses    int64
	Evictions int64
}

// HitRate returns hits / (hits + misses), or 0 before any lookup.
func (s Stats) HitRate() float64 {
	total := s.Hits + s.Misses
	if total == 0 {
		return 0
	}
	return float64(s.Hits) / float64(total)
}

// VectorCache implements a bounded id -> vector cache.
type VectorCache struct {
	mu        sync.Mutex
	maxItems  int
	policy    Policy
	size      int64
	items     map[uint64]*list.Element
	evictList *list.List
	rc        *resource.Budget

	hits      atomic.Int64
	misses    atomic.Int64
	evictions atomic.Int64
}

type entry struct {
	id    uint64
	value []float32
}

func vectorBytes(v []float32) int64 { return int64(len(v)) * 4 }

// NewVectorCache creates a cache holding at most maxItems vectors.
// maxItems <= 0 means no count bound. If rc is provided, payload bytes are
// charged against its memory budget.
func NewVectorCache(maxItems int, policy Policy, rc *resource.Budget) *VectorCache {
	return &VectorCache{
		maxItems:  maxItems,
		policy:    policy,
		items:     make(map[uint64]*list.Element),
		evictList: list.New(),
		rc:        rc,
	}
}

// Get returns the cached vector. The slice is shared; callers must not
// modify it.
func (c *VectorCache) Get(id uint64) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[id]; ok {
		c.hits.Add(1)
		if c.policy == PolicyLRU {
			c.evictList.MoveToFront(ent)
		}
		return ent.Value.(*entry).value, true
	}
	c.misses.Add(1)
	return nil, false
}

// Contains reports whether id is cached without touching the counters or
// the eviction order.
func (c *VectorCache) Contains(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[id]
	return ok
}

// Set caches vec under id, evicting as needed. The cache keeps vec; callers
// must not modify it afterwards.
func (c *VectorCache) Set(id uint64, vec []float32) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	itemSize := vectorBytes(vec)

	if ent, ok := c.items[id]; ok {
		e := ent.Value.(*entry)
		oldSize := vectorBytes(e.value)
		if itemSize > oldSize {
			if err := c.reserve(itemSize-oldSize, ent); err != nil {
				return err
			}
		} else if itemSize < oldSize {
			c.rc.ReleaseCache(oldSize - itemSize)
		}
		c.size += itemSize - oldSize
		e.value = vec
		if c.policy == PolicyLRU {
			c.evictList.MoveToFront(ent)
		}
		return nil
	}

	if c.maxItems > 0 {
		for c.evictList.Len() >= c.maxItems {
			c.removeElement(c.evictList.Back(), true)
		}
	}

	if err := c.reserve(itemSize, nil); err != nil {
		return err
	}

	element := c.evictList.PushFront(&entry{id: id, value: vec})
	c.items[id] = element
	c.size += itemSize
	return nil
}

// reserve acquires bytes from the memory budget, evicting entries other than
// keep until the budget accepts or nothing is left to evict.
func (c *VectorCache) reserve(bytes int64, keep *list.Element) error {
	for !c.rc.ReserveCache(bytes) {
		victim := c.evictList.Back()
		if victim == keep && victim != nil {
			victim = victim.Prev()
		}
		if victim == nil {
			return fmt.Errorf("%w: %d bytes over budget %d (in use %d)",
				ErrCacheExhausted, bytes, c.rc.CacheLimit(), c.rc.CacheUsage())
		}
		c.removeElement(victim, true)
	}
	return nil
}

// Invalidate drops id from the cache.
func (c *VectorCache) Invalidate(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if ent, ok := c.items[id]; ok {
		c.removeElement(ent, false)
	}
}

// Purge drops every entry and returns its memory to the budget.
func (c *VectorCache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for e := c.evictList.Back(); e != nil; e = c.evictList.Back() {
		c.removeElement(e, false)
	}
}

func (c *VectorCache) removeElement(e *list.Element, evicted bool) {
	c.evictList.Remove(e)
	kv := e.Value.(*entry)
	delete(c.items, kv.id)
	itemSize := vectorBytes(kv.value)
	c.size -= itemSize
	c.rc.ReleaseCache(itemSize)
	if evicted {
		c.evictions.Add(1)
	}
}

// Len returns the number of cached vectors.
func (c *VectorCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.evictList.Len()
}

// Size returns the cached payload in bytes.
func (c *VectorCache) Size() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.size
}

func (c *VectorCache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		Len:       c.evictList.Len(),
		Bytes:     c.size,
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}
