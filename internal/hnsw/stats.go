package hnsw

import "slices"

// Stats returns statistics about the graph.
func (h *Index) Stats() Stats {
	h.mu.Lock()
	defer h.mu.Unlock()

	maxLevel := 0
	if h.hasEntry {
		maxLevel = h.maxLevel
	}

	levels := make([]LevelStats, maxLevel+1)
	connectionNodes := make([]int, maxLevel+1)
	dangling := 0

	for i := range h.nodes {
		n := &h.nodes[i]
		if !n.live {
			continue
		}
		for l := 0; l <= n.level && l <= maxLevel; l++ {
			levels[l].Nodes++
			if c := len(n.conns[l]); c > 0 {
				levels[l].Connections += c
				connectionNodes[l]++
			}
			for _, nb := range n.conns[l] {
				if _, ok := h.slots[nb.ID]; !ok {
					dangling++
				}
			}
		}
	}
	for l := range levels {
		levels[l].Level = l
		if connectionNodes[l] > 0 {
			levels[l].AvgConnections = levels[l].Connections / connectionNodes[l]
		}
	}

	ps := h.pool.Stats()
	s := Stats{
		Nodes:          h.count,
		MaxLevel:       maxLevel,
		HasEntryPoint:  h.hasEntry,
		M:              h.maxConnectionsPerLayer,
		M0:             h.maxConnectionsLayer0,
		EFConstruction: h.opts.EFConstruction,
		EFSearch:       h.opts.EFSearch,
		Levels:         levels,
		DanglingEdges:  dangling,
		PoolPooled:     ps.Pooled,
		PoolLive:       ps.Live,
		PoolCreated:    ps.Created,
		PoolTransient:  ps.TransientTotal,
		PoolBytes:      ps.Bytes,
		StackLimit:     h.mon.Limit(),
		StackHighWater: h.mon.HighWater(),
		StackPeak:      h.mon.Peak(),
	}
	if h.hasEntry {
		s.EntryPoint = h.nodes[h.entry].id
	}
	return s
}

// Validate checks the structural invariants of the graph and returns
// ErrCorrupted describing the first violation. Layer-0 edges must point at
// live nodes and match the inbound lists exactly; edges to removed nodes are
// tolerated on the upper layers.
func (h *Index) Validate() error {
	h.mu.Lock()
	defer h.mu.Unlock()

	live := 0
	for i := range h.nodes {
		n := &h.nodes[i]
		if !n.live {
			continue
		}
		live++

		if slot, ok := h.slots[n.id]; !ok || slot != uint32(i) {
			return corruption("node %d at slot %d missing from the id map", n.id, i)
		}
		if len(n.conns) != n.level+1 {
			return corruption("node %d has %d layers, level %d", n.id, len(n.conns), n.level)
		}
		if h.hasEntry && n.level > h.maxLevel {
			return corruption("node %d level %d above max level %d", n.id, n.level, h.maxLevel)
		}
		for l, conns := range n.conns {
			if len(conns) > h.maxConns(l) {
				return corruption("node %d has %d edges at layer %d", n.id, len(conns), l)
			}
			for _, nb := range conns {
				if nb.ID == n.id {
					return corruption("node %d links to itself at layer %d", n.id, l)
				}
			}
		}
		for _, nb := range n.conns[0] {
			t, ok := h.slots[nb.ID]
			if !ok {
				return corruption("node %d has a layer-0 edge to removed node %d", n.id, nb.ID)
			}
			if !slices.Contains(h.nodes[t].in, n.id) {
				return corruption("edge %d -> %d missing from the inbound list", n.id, nb.ID)
			}
		}
		for _, src := range n.in {
			s, ok := h.slots[src]
			if !ok || !hasEdge(h.nodes[s].conns[0], n.id) {
				return corruption("node %d lists %d as inbound without an edge", n.id, src)
			}
		}
	}

	if live != h.count || live != len(h.slots) {
		return corruption("live nodes %d, count %d, id map %d", live, h.count, len(h.slots))
	}
	if h.hasEntry {
		ep := &h.nodes[h.entry]
		if !ep.live || ep.level != h.maxLevel {
			return corruption("entry point slot %d is not a live node on layer %d", h.entry, h.maxLevel)
		}
	} else if h.count != 0 {
		return corruption("%d nodes without an entry point", h.count)
	}
	return nil
}
