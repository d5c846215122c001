// Package pool provides the bounded, reusable working-set pool for graph traversal.
// States are recycled through a mutex-guarded free list with a soft cap;
// once the cap is reached acquisition falls back to transient states that are
// dropped on release, so no call ever fails for lack of scratch space.
package pool

import (
	"sync"

	"github.com/bits-and-blooms/bitset"
	"github.com/hupe1980/vecfs/internal/queue"
)

const (
	// DefaultSoftCap is the default number of pool-owned states.
	DefaultSoftCap = 4

	// DefaultQueueCapacity is the default capacity for the priority queues.
	DefaultQueueCapacity = 256

	// DefaultVisitedCapacity is the default initial visited bitset size in slots.
	DefaultVisitedCapacity = 1024

	// maxRetainedVisited bounds the bitset kept by a released state.
	maxRetainedVisited = 1 << 22
)

// Sizing controls the initial capacity of new states.
type Sizing struct {
	QueueCapacity    int
	VisitedCapacity  uint
	NeighborCapacity int
}

func (s Sizing) withDefaults() Sizing {
	if s.QueueCapacity <= 0 {
		s.QueueCapacity = DefaultQueueCapacity
	}
	if s.VisitedCapacity == 0 {
		s.VisitedCapacity = DefaultVisitedCapacity
	}
	if s.NeighborCapacity <= 0 {
		s.NeighborCapacity = 64
	}
	return s
}

// LayerSearchState holds the working set of one traversal.
type LayerSearchState struct {
	// Candidates is the min-heap of nodes still to expand.
	Candidates *queue.PriorityQueue
	// Results is the max-heap of the best nodes found, capped at ef.
	Results *queue.PriorityQueue

	// Selected and Sorted are scratch buffers for neighbor selection.
	Selected []queue.Item
	Sorted   []queue.Item
	// Vectors caches resolved vectors of Selected during selection.
	Vectors [][]float32

	visited *bitset.BitSet
	dirty   []uint32

	pooled bool
	inUse  bool
}

func newState(s Sizing, pooled bool) *LayerSearchState {
	return &LayerSearchState{
		Candidates: queue.NewMin(s.QueueCapacity),
		Results:    queue.NewMax(s.QueueCapacity),
		Selected:   make([]queue.Item, 0, s.NeighborCapacity),
		Sorted:     make([]queue.Item, 0, s.QueueCapacity),
		Vectors:    make([][]float32, 0, s.NeighborCapacity),
		visited:    bitset.New(s.VisitedCapacity),
		dirty:      make([]uint32, 0, s.QueueCapacity),
		pooled:     pooled,
	}
}

// Reset clears the state for reuse.
func (st *LayerSearchState) Reset() {
	st.Candidates.Reset()
	st.Results.Reset()
	st.ClearVisited()
	st.Selected = st.Selected[:0]
	st.Sorted = st.Sorted[:0]
	clear(st.Vectors)
	st.Vectors = st.Vectors[:0]
}

// ClearVisited forgets visited slots. Cost is proportional to the number
// of slots visited since the last clear.
func (st *LayerSearchState) ClearVisited() {
	for _, s := range st.dirty {
		st.visited.Clear(uint(s))
	}
	st.dirty = st.dirty[:0]
}

// MarkVisited marks a slot as visited.
// Returns true if the slot was already visited.
func (st *LayerSearchState) MarkVisited(slot uint32) bool {
	if st.visited.Test(uint(slot)) {
		return true
	}
	st.visited.Set(uint(slot))
	st.dirty = append(st.dirty, slot)
	return false
}

// IsVisited checks if a slot has been visited.
func (st *LayerSearchState) IsVisited(slot uint32) bool {
	return st.visited.Test(uint(slot))
}

// VisitedCount returns the number of slots visited since the last clear.
func (st *LayerSearchState) VisitedCount() int { return len(st.dirty) }

// Pooled reports whether the state is owned by the pool (as opposed to transient).
func (st *LayerSearchState) Pooled() bool { return st.pooled }

func (st *LayerSearchState) approxBytes() int64 {
	const itemSize = 16
	n := int64(st.Candidates.Cap()+st.Results.Cap()+cap(st.Selected)+cap(st.Sorted)) * itemSize
	n += int64(cap(st.Vectors)) * 24
	n += int64(st.visited.Len()+7) / 8
	n += int64(cap(st.dirty)) * 4
	return n
}

// Stats is a snapshot of pool counters.
type Stats struct {
	// Pooled is the number of idle states on the free list.
	Pooled int
	// Live is the number of states currently acquired (pooled and transient).
	Live int
	// Created is the number of pool-owned states ever allocated (<= SoftCap).
	Created int
	// Transient is the number of transient states currently acquired.
	Transient int
	// TransientTotal is the number of transient allocations since construction.
	TransientTotal int64
	// Acquires is the number of Acquire calls since construction.
	Acquires int64
	// SoftCap is the configured soft cap.
	SoftCap int
	// Bytes approximates the memory held by idle pooled states.
	Bytes int64
}

// Pool recycles LayerSearchStates.
type Pool struct {
	mu      sync.Mutex
	free    []*LayerSearchState
	softCap int
	sizing  Sizing

	live           int
	created        int
	transient      int
	transientTotal int64
	acquires       int64
}

// New creates a pool holding at most softCap reusable states.
func New(softCap int, sizing Sizing) *Pool {
	if softCap <= 0 {
		softCap = DefaultSoftCap
	}
	return &Pool{
		softCap: softCap,
		sizing:  sizing.withDefaults(),
	}
}

// Acquire returns a reset, empty state.
func (p *Pool) Acquire() *LayerSearchState {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.acquires++
	p.live++

	if n := len(p.free); n > 0 {
		st := p.free[n-1]
		p.free[n-1] = nil
		p.free = p.free[:n-1]
		st.inUse = true
		return st
	}

	if p.created < p.softCap {
		p.created++
		st := newState(p.sizing, true)
		st.inUse = true
		return st
	}

	p.transient++
	p.transientTotal++
	st := newState(p.sizing, false)
	st.inUse = true
	return st
}

// Release clears st and returns it to the pool. Releasing nil or an
// already released state is a no-op.
func (p *Pool) Release(st *LayerSearchState) {
	if st == nil {
		return
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if !st.inUse {
		return
	}
	st.inUse = false
	p.live--

	if !st.pooled {
		p.transient--
		return
	}

	st.Reset()
	if st.visited.Len() > maxRetainedVisited {
		st.visited = bitset.New(p.sizing.VisitedCapacity)
	}
	p.free = append(p.free, st)
}

// Scoped acquires a state, runs fn and releases the state on every exit
// path, including panics.
func (p *Pool) Scoped(fn func(st *LayerSearchState) error) error {
	st := p.Acquire()
	defer p.Release(st)
	return fn(st)
}

// Stats returns a snapshot of the pool counters.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	var bytes int64
	for _, st := range p.free {
		bytes += st.approxBytes()
	}

	return Stats{
		Pooled:         len(p.free),
		Live:           p.live,
		Created:        p.created,
		Transient:      p.transient,
		TransientTotal: p.transientTotal,
		Acquires:       p.acquires,
		SoftCap:        p.softCap,
		Bytes:          bytes,
	}
}
