// Package queue provides value-based binary heaps for graph traversal.
package queue

// Item is one traversal candidate: a node's arena slot, its external id
// and its distance to the query.
type Item struct {
	Slot     uint32
	ID       uint64
	Distance float32
}

// Less orders by distance, then by id.
func Less(a, b Item) bool {
	if a.Distance != b.Distance {
		return a.Distance < b.Distance
	}
	return a.ID < b.ID
}

// PriorityQueue is a binary heap of Items stored by value. A min queue
// yields the closest item first, a max queue the farthest.
type PriorityQueue struct {
	max   bool
	items []Item
}

func NewMin(capacity int) *PriorityQueue {
	return &PriorityQueue{items: make([]Item, 0, capacity)}
}

func NewMax(capacity int) *PriorityQueue {
	return &PriorityQueue{max: true, items: make([]Item, 0, capacity)}
}

func (pq *PriorityQueue) Len() int { return len(pq.items) }

func (pq *PriorityQueue) Cap() int { return cap(pq.items) }

// Reset empties the queue and keeps its backing array.
func (pq *PriorityQueue) Reset() { pq.items = pq.items[:0] }

func (pq *PriorityQueue) Top() (Item, bool) {
	if len(pq.items) == 0 {
		return Item{}, false
	}
	return pq.items[0], true
}

func (pq *PriorityQueue) Push(item Item) {
	pq.items = append(pq.items, item)
	pq.up(len(pq.items)-1, item)
}

// PushBounded keeps at most limit items in a max queue. Once full, item
// replaces the farthest entry only if it is strictly closer. It reports
// whether item was kept.
func (pq *PriorityQueue) PushBounded(item Item, limit int) bool {
	switch {
	case len(pq.items) < limit:
		pq.Push(item)
		return true
	case !pq.max || len(pq.items) == 0 || !Less(item, pq.items[0]):
		return false
	}
	pq.down(0, item)
	return true
}

func (pq *PriorityQueue) Pop() (Item, bool) {
	n := len(pq.items) - 1
	if n < 0 {
		return Item{}, false
	}
	top, last := pq.items[0], pq.items[n]
	pq.items = pq.items[:n]
	if n > 0 {
		pq.down(0, last)
	}
	return top, true
}

// DrainAscending empties the queue into dst, closest first.
func (pq *PriorityQueue) DrainAscending(dst []Item) []Item {
	start := len(dst)
	for len(pq.items) > 0 {
		it, _ := pq.Pop()
		dst = append(dst, it)
	}
	if pq.max {
		out := dst[start:]
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return dst
}

// before reports whether a belongs above b in the heap.
func (pq *PriorityQueue) before(a, b Item) bool {
	if pq.max {
		return Less(b, a)
	}
	return Less(a, b)
}

// up places item at hole i and moves it toward the root.
func (pq *PriorityQueue) up(i int, item Item) {
	for i > 0 {
		parent := (i - 1) / 2
		if !pq.before(item, pq.items[parent]) {
			break
		}
		pq.items[i] = pq.items[parent]
		i = parent
	}
	pq.items[i] = item
}

// down places item at hole i and moves it toward the leaves.
func (pq *PriorityQueue) down(i int, item Item) {
	n := len(pq.items)
	for {
		child := 2*i + 1
		if child >= n {
			break
		}
		if r := child + 1; r < n && pq.before(pq.items[r], pq.items[child]) {
			child = r
		}
		if !pq.before(pq.items[child], item) {
			break
		}
		pq.items[i] = pq.items[child]
		i = child
	}
	pq.items[i] = item
}
