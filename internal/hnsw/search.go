package hnsw

import (
	"github.com/hupe1980/vecfs/internal/pool"
	"github.com/hupe1980/vecfs/internal/queue"
	"github.com/hupe1980/vecfs/internal/stackmon"
)

// Search returns the k nodes closest to query, ascending by distance with
// ties broken by smaller id. dist ranks nodes against the query; the index
// only checks query's dimension. ef <= 0 selects Options.EFSearch.
// Fewer than k results is not an error.
func (h *Index) Search(query []float32, k, ef int, dist DistFunc) ([]Candidate, error) {
	if k <= 0 {
		return nil, ErrInvalidK
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.mon.Reset()

	if len(query) != h.opts.Dimension {
		return nil, &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(query)}
	}
	if !h.hasEntry {
		return nil, nil
	}
	if ef <= 0 {
		ef = h.opts.EFSearch
	}

	op, err := h.mon.Enter(frameOperation)
	if err != nil {
		return nil, err
	}
	defer op.Leave()

	measured := func(id uint64) (float32, error) {
		f, err := h.mon.Enter(frameDistance)
		if err != nil {
			return 0, err
		}
		defer f.Leave()
		return dist(id)
	}

	var results []Candidate
	err = h.pool.Scoped(func(st *pool.LayerSearchState) error {
		var frames []stackmon.Frame
		defer func() {
			for i := range frames {
				frames[i].Leave()
			}
		}()

		ep := h.nodes[h.entry]
		epDist, err := measured(ep.id)
		if err != nil {
			return err
		}
		cur := queue.Item{Slot: h.entry, ID: ep.id, Distance: epDist}

		// Phase 1: single-best greedy descent to layer 1.
		for l := h.maxLevel; l > 0; l-- {
			f, err := h.mon.Enter(frameLayer)
			if err != nil {
				return err
			}
			frames = append(frames, f)
			if cur, err = h.greedy(cur, l, measured); err != nil {
				return err
			}
		}

		// Phase 2: beam search at layer 0.
		f, err := h.mon.Enter(frameLayer)
		if err != nil {
			return err
		}
		frames = append(frames, f)

		if err := h.searchLayer(st, cur, 0, max(ef, k), measured); err != nil {
			return err
		}

		st.Sorted = st.Results.DrainAscending(st.Sorted[:0])
		n := min(k, len(st.Sorted))
		results = make([]Candidate, n)
		for i := 0; i < n; i++ {
			results[i] = Candidate{ID: st.Sorted[i].ID, Distance: st.Sorted[i].Distance}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return results, nil
}

// greedy moves from cur to the closest neighbor at layer until no neighbor
// improves, for at most maxGreedySteps steps.
func (h *Index) greedy(cur queue.Item, layer int, dist DistFunc) (queue.Item, error) {
	for step := 0; step < maxGreedySteps; step++ {
		changed := false

		n := &h.nodes[cur.Slot]
		if layer > n.level {
			return cur, corruption("node %d visited at layer %d above its level %d", n.id, layer, n.level)
		}

		for _, nb := range n.conns[layer] {
			slot, ok := h.lookup(nb.ID)
			if !ok || h.nodes[slot].level < layer {
				continue
			}

			f, err := h.mon.Enter(frameNeighbor)
			if err != nil {
				return cur, err
			}
			d, err := dist(nb.ID)
			f.Leave()
			if err != nil {
				return cur, err
			}

			next := queue.Item{Slot: slot, ID: nb.ID, Distance: d}
			if queue.Less(next, cur) {
				cur = next
				changed = true
			}
		}

		if !changed {
			break
		}
	}
	return cur, nil
}

// searchLayer runs a beam search of width ef at layer starting from ep.
// On return st.Results holds the best ef nodes found.
func (h *Index) searchLayer(st *pool.LayerSearchState, ep queue.Item, layer, ef int, dist DistFunc) error {
	st.Candidates.Reset()
	st.Results.Reset()
	st.ClearVisited()

	st.MarkVisited(ep.Slot)
	st.Candidates.Push(ep)
	st.Results.Push(ep)

	candidates := st.Candidates
	results := st.Results

	for candidates.Len() > 0 {
		curr, _ := candidates.Pop()

		if results.Len() >= ef {
			worst, _ := results.Top()
			if queue.Less(worst, curr) {
				break
			}
		}

		n := &h.nodes[curr.Slot]
		if !n.live || n.id != curr.ID {
			return corruption("slot %d does not hold node %d", curr.Slot, curr.ID)
		}
		if layer > n.level {
			continue
		}

		for _, nb := range n.conns[layer] {
			slot, ok := h.lookup(nb.ID)
			if !ok || h.nodes[slot].level < layer {
				continue
			}
			if st.MarkVisited(slot) {
				continue
			}

			f, err := h.mon.Enter(frameNeighbor)
			if err != nil {
				return err
			}
			d, err := dist(nb.ID)
			f.Leave()
			if err != nil {
				return err
			}

			item := queue.Item{Slot: slot, ID: nb.ID, Distance: d}
			if results.Len() >= ef {
				worst, _ := results.Top()
				if !queue.Less(item, worst) {
					continue
				}
			}
			candidates.Push(item)
			results.PushBounded(item, ef)
		}
	}
	return nil
}
