package hnsw

import (
	"slices"

	"github.com/hupe1980/vecfs/internal/pool"
	"github.com/hupe1980/vecfs/internal/queue"
)

// selectNeighbors picks up to m neighbors from sorted (closest first).
//
// A candidate is rejected when it is closer to an already selected neighbor
// than to the base node. Rejected candidates fill any remaining room in
// their original order.
func (h *Index) selectNeighbors(st *pool.LayerSearchState, sorted []queue.Item, m int, vectors VectorFunc) ([]queue.Item, error) {
	f, err := h.mon.Enter(frameSelect)
	if err != nil {
		return nil, err
	}
	defer f.Leave()

	result := st.Selected[:0]
	if len(sorted) <= m {
		result = append(result, sorted...)
		st.Selected = result
		return result, nil
	}

	resultVecs := st.Vectors[:0]
	keep := 0 // number of leading candidates consumed

	for _, cand := range sorted {
		if len(result) >= m {
			break
		}
		keep++

		candVec, err := vectors(cand.ID)
		if err != nil {
			return nil, err
		}

		good := true
		for _, resVec := range resultVecs {
			if h.opts.Metric(candVec, resVec) < cand.Distance {
				good = false
				break
			}
		}
		if good {
			result = append(result, cand)
			resultVecs = append(resultVecs, candVec)
		}
	}

	st.Vectors = resultVecs
	result = fillUpNeighbors(result, sorted[:keep], m)
	st.Selected = result
	return result, nil
}

// fillUpNeighbors appends candidates not yet in result until it holds m.
func fillUpNeighbors(result, candidates []queue.Item, m int) []queue.Item {
	for _, cand := range candidates {
		if len(result) >= m {
			break
		}
		found := false
		for _, r := range result {
			if r.ID == cand.ID {
				found = true
				break
			}
		}
		if !found {
			result = append(result, cand)
		}
	}
	slices.SortFunc(result, func(a, b queue.Item) int {
		if queue.Less(a, b) {
			return -1
		}
		if queue.Less(b, a) {
			return 1
		}
		return 0
	})
	return result
}

// prune shrinks conns plus nb to maxM edges. Edge lengths are cached, so
// only neighbor-to-neighbor distances need vectors; if any cannot be
// resolved the closest maxM edges are kept instead.
func (h *Index) prune(st *pool.LayerSearchState, conns []Neighbor, nb Neighbor, maxM int) []Neighbor {
	sorted := st.Sorted[:0]
	for _, c := range conns {
		sorted = append(sorted, queue.Item{ID: c.ID, Distance: c.Dist})
	}
	sorted = append(sorted, queue.Item{ID: nb.ID, Distance: nb.Dist})
	slices.SortFunc(sorted, func(a, b queue.Item) int {
		if queue.Less(a, b) {
			return -1
		}
		if queue.Less(b, a) {
			return 1
		}
		return 0
	})
	st.Sorted = sorted

	selected, err := h.selectNeighbors(st, sorted, maxM, h.resolve)
	if err != nil {
		h.logger.Debug("prune fell back to closest edges", "error", err)
		selected = sorted[:min(maxM, len(sorted))]
	}

	out := conns[:0]
	for _, s := range selected {
		out = append(out, Neighbor{ID: s.ID, Dist: s.Distance})
	}
	return out
}
