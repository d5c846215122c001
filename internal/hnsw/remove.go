package hnsw

import (
	"math"
	"slices"
)

// Remove unlinks id and frees its slot. Only the node's own recorded
// connections are visited: its outgoing lists on every layer and its
// layer-0 inbound list. Any layer-0 neighbor left without an edge is
// relinked to its closest surviving co-neighbor. Other node ids are never
// renumbered.
func (h *Index) Remove(id uint64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mon.Reset()

	slot, ok := h.slots[id]
	if !ok {
		return ErrNotFound
	}

	op, err := h.mon.Enter(frameOperation)
	if err != nil {
		return err
	}
	defer op.Leave()

	// Repair commits at most this much on top; check it before mutating.
	reserve, err := h.mon.Enter(frameSelect + frameDistance)
	if err != nil {
		return err
	}
	reserve.Leave()

	n := h.nodes[slot]
	if n.id != id || !n.live {
		return corruption("slot %d indexed for %d holds %d", slot, id, n.id)
	}

	delete(h.slots, id)

	// former holds the layer-0 neighbors in both directions with their
	// distance to the removed node.
	former := slices.Clone(n.conns[0])
	for _, src := range n.in {
		sSlot, ok := h.lookup(src)
		if !ok {
			continue
		}
		s := &h.nodes[sSlot]
		if d, ok := edgeTo(s.conns[0], id); ok && !hasEdge(former, src) {
			former = append(former, Neighbor{ID: src, Dist: d})
		}
		s.conns[0] = removeEdge(s.conns[0], id)
	}
	for l := 0; l <= n.level; l++ {
		for _, nb := range n.conns[l] {
			nbSlot, ok := h.lookup(nb.ID)
			if !ok {
				continue
			}
			t := &h.nodes[nbSlot]
			if l > t.level {
				continue
			}
			if l == 0 {
				h.dropIn(nb.ID, id)
			}
			t.conns[l] = removeEdge(t.conns[l], id)
		}
	}

	h.nodes[slot] = node{}
	h.free = append(h.free, slot)
	h.count--

	if h.hasEntry && h.entry == slot {
		h.recoverEntryPoint(n)
	}

	var orphans []uint64
	for _, nb := range former {
		nbSlot, ok := h.lookup(nb.ID)
		if !ok {
			continue
		}
		t := &h.nodes[nbSlot]
		t.conns[0] = h.compact(t.conns[0])
		if len(t.conns[0]) == 0 {
			orphans = append(orphans, nb.ID)
		}
	}
	if len(orphans) > 0 {
		h.repair(orphans, former)
	}
	return nil
}

func removeEdge(conns []Neighbor, id uint64) []Neighbor {
	for i, c := range conns {
		if c.ID == id {
			return append(conns[:i], conns[i+1:]...)
		}
	}
	return conns
}

func edgeTo(conns []Neighbor, id uint64) (float32, bool) {
	for _, c := range conns {
		if c.ID == id {
			return c.Dist, true
		}
	}
	return 0, false
}

// repair links every orphan to the closest other former neighbor of the
// removed node, in both directions. An orphan with no surviving co-neighbor
// is linked to the entry point.
func (h *Index) repair(orphans []uint64, former []Neighbor) {
	st := h.pool.Acquire()
	defer h.pool.Release(st)

	for _, orphan := range orphans {
		oSlot, ok := h.lookup(orphan)
		if !ok || len(h.nodes[oSlot].conns[0]) > 0 {
			continue
		}

		var oVec []float32
		if h.opts.Vectors != nil {
			v, err := h.resolve(orphan)
			if err != nil {
				h.logger.Debug("repair falls back to path distances", "id", orphan, "error", err)
			} else {
				oVec = v
			}
		}

		best, bestSlot, found := h.closestFormer(orphan, oVec, former)
		if !found {
			best, bestSlot, found = h.fallbackPeer(orphan, oVec)
		}
		if !found {
			continue
		}

		o := &h.nodes[oSlot]
		o.conns[0] = append(o.conns[0], best)
		h.addIn(best.ID, orphan)
		if err := h.addConnection(st, bestSlot, 0, Neighbor{ID: orphan, Dist: best.Dist}); err != nil {
			h.logger.Warn("repair back-link failed", "id", best.ID, "orphan", orphan, "error", err)
		}
	}
}

// closestFormer picks the repair target for orphan among former. Without
// vectors, the path through the removed node bounds the distance.
func (h *Index) closestFormer(orphan uint64, oVec []float32, former []Neighbor) (Neighbor, uint32, bool) {
	var (
		best     Neighbor
		bestSlot uint32
		found    bool
	)
	via, _ := edgeTo(former, orphan)
	for _, cand := range former {
		if cand.ID == orphan {
			continue
		}
		cSlot, ok := h.lookup(cand.ID)
		if !ok {
			continue
		}

		d, ok := h.exactDist(oVec, cand.ID)
		if !ok {
			d = cand.Dist + via
		}
		if !found || d < best.Dist || (d == best.Dist && cand.ID < best.ID) {
			best, bestSlot, found = Neighbor{ID: cand.ID, Dist: d}, cSlot, true
		}
	}
	return best, bestSlot, found
}

// fallbackPeer returns the entry point, or the first other live node when
// the orphan is the entry point itself.
func (h *Index) fallbackPeer(orphan uint64, oVec []float32) (Neighbor, uint32, bool) {
	if !h.hasEntry {
		return Neighbor{}, 0, false
	}
	slot := h.entry
	if h.nodes[slot].id == orphan {
		found := false
		for i := range h.nodes {
			if h.nodes[i].live && h.nodes[i].id != orphan {
				slot, found = uint32(i), true
				break
			}
		}
		if !found {
			return Neighbor{}, 0, false
		}
	}

	peer := h.nodes[slot].id
	d, ok := h.exactDist(oVec, peer)
	if !ok {
		d = math.MaxFloat32
	}
	return Neighbor{ID: peer, Dist: d}, slot, true
}

func (h *Index) exactDist(oVec []float32, id uint64) (float32, bool) {
	if oVec == nil {
		return 0, false
	}
	v, err := h.resolve(id)
	if err != nil {
		return 0, false
	}
	return h.opts.Metric(oVec, v), true
}

// recoverEntryPoint elects a new entry point after the old one was removed.
// A surviving neighbor on the removed node's top layer shares that layer and
// is taken directly; a full arena scan runs only when none survives.
func (h *Index) recoverEntryPoint(removed node) {
	if h.count == 0 {
		h.hasEntry, h.entry, h.maxLevel = false, 0, 0
		return
	}

	for _, nb := range removed.conns[removed.level] {
		if slot, ok := h.lookup(nb.ID); ok && h.nodes[slot].level >= removed.level {
			h.entry, h.maxLevel = slot, h.nodes[slot].level
			return
		}
	}

	bestLevel := -1
	for i := range h.nodes {
		if h.nodes[i].live && h.nodes[i].level > bestLevel {
			bestLevel = h.nodes[i].level
			h.entry = uint32(i)
		}
	}
	h.maxLevel = bestLevel
	h.logger.Debug("entry point recovered by scan", "id", h.nodes[h.entry].id, "level", bestLevel)
}
