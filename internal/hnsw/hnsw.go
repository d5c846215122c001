package hnsw

import (
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/hupe1980/vecfs/distance"
	"github.com/hupe1980/vecfs/internal/pool"
	"github.com/hupe1980/vecfs/internal/queue"
	"github.com/hupe1980/vecfs/internal/stackmon"
)

// Declared frame costs in bytes.
const (
	frameOperation = 512 // top-level call: arguments, locals, lock
	frameLayer     = 256 // descending one layer, held until the layer completes
	frameNeighbor  = 96  // examining one neighbor
	frameDistance  = 160 // one distance or vector callback
	frameSelect    = 224 // heuristic neighbor selection
	frameLink      = 192 // one back-link update
)

// MinStackLimit returns the smallest budget that cannot be exhausted on a
// graph whose levels are capped at maxLevel. Layer frames are held for the
// whole descent, so the floor grows with the cap. maxLevel <= 0 selects
// DefaultMaxLevel.
func MinStackLimit(maxLevel int) int {
	if maxLevel <= 0 {
		maxLevel = DefaultMaxLevel
	}
	return frameOperation + (maxLevel+1)*frameLayer + frameSelect + frameNeighbor + frameDistance
}

// node is one arena slot. conns[l] is the neighbor list at layer l; in
// holds the ids of nodes with a layer-0 edge to this one.
type node struct {
	id    uint64
	level int
	conns [][]Neighbor
	in    []uint64
	live  bool
}

// Index is the stack-bounded HNSW graph.
//
// One mutex serializes every public call. The index never calls back into
// storage except through the injected VectorFunc and DistFunc.
type Index struct {
	mu sync.Mutex

	opts   Options
	logger *slog.Logger

	nodes []node
	slots map[uint64]uint32
	free  []uint32
	count int

	entry    uint32
	hasEntry bool
	maxLevel int

	maxConnectionsPerLayer int
	maxConnectionsLayer0   int
	layerMultiplier        float64
	rngSeed                uint64

	mon  *stackmon.Monitor
	pool *pool.Pool

	idBuf []uint64
}

// New creates an empty index.
func New(optFns ...func(o *Options)) (*Index, error) {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}

	if opts.Dimension <= 0 {
		return nil, &ErrInvalidDimension{Dimension: opts.Dimension}
	}
	if opts.M < minimumM {
		opts.M = minimumM
	}
	if opts.M0 <= 0 {
		opts.M0 = mmax0Multiplier * opts.M
	}
	if opts.EFConstruction < opts.M {
		opts.EFConstruction = opts.M
	}
	if opts.EFSearch <= 0 {
		opts.EFSearch = DefaultEFSearch
	}
	if opts.MaxLevel <= 0 {
		opts.MaxLevel = DefaultMaxLevel
	}
	if opts.Metric == nil {
		opts.Metric = DefaultOptions.Metric
	}

	seed := opts.RandomSeed
	if seed == 0 {
		seed = uint64(time.Now().UnixNano())
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	mon := opts.Monitor
	if mon == nil {
		mon = stackmon.New(opts.StackLimit)
	}

	return &Index{
		opts:                   opts,
		logger:                 logger,
		nodes:                  make([]node, 0, max(opts.InitialCapacity, 0)),
		slots:                  make(map[uint64]uint32, max(opts.InitialCapacity, 0)),
		maxConnectionsPerLayer: opts.M,
		maxConnectionsLayer0:   opts.M0,
		layerMultiplier:        1 / math.Log(float64(opts.M)),
		rngSeed:                seed,
		mon:                    mon,
		pool: pool.New(opts.PoolCap, pool.Sizing{
			QueueCapacity:    max(opts.EFConstruction, opts.EFSearch) + 1,
			NeighborCapacity: opts.M0 + 1,
		}),
	}, nil
}

// Dimension returns the dimensionality of the vectors in the index.
func (h *Index) Dimension() int { return h.opts.Dimension }

// Metric returns the metric used between stored vectors.
func (h *Index) Metric() distance.Func { return h.opts.Metric }

// EFSearch returns the default search beam width.
func (h *Index) EFSearch() int { return h.opts.EFSearch }

// Len returns the number of live nodes.
func (h *Index) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Contains reports whether id is indexed.
func (h *Index) Contains(id uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.slots[id]
	return ok
}

// Level returns the top layer of id.
func (h *Index) Level(id uint64) (int, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[id]
	if !ok {
		return 0, false
	}
	return h.nodes[slot].level, true
}

// Connections returns a copy of the neighbor ids of id at layer.
func (h *Index) Connections(id uint64, layer int) ([]uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	slot, ok := h.slots[id]
	if !ok || layer > h.nodes[slot].level {
		return nil, false
	}
	conns := h.nodes[slot].conns[layer]
	out := make([]uint64, len(conns))
	for i, c := range conns {
		out[i] = c.ID
	}
	return out, true
}

// determineLayer draws a level from the exponential distribution using xorshift64*.
func (h *Index) determineLayer() int {
	h.rngSeed += 0x9E3779B97F4A7C15
	seed := h.rngSeed
	seed ^= seed >> 12
	seed ^= seed << 25
	seed ^= seed >> 27
	r := float64(seed*0x2545F4914F6CDD1D>>11) / float64(1<<53)
	if r <= 0 {
		r = math.SmallestNonzeroFloat64
	}
	return min(int(math.Floor(-math.Log(r)*h.layerMultiplier)), h.opts.MaxLevel)
}

func (h *Index) maxConns(level int) int {
	if level == 0 {
		return h.maxConnectionsLayer0
	}
	return h.maxConnectionsPerLayer
}

// lookup returns the slot of a live node.
func (h *Index) lookup(id uint64) (uint32, bool) {
	slot, ok := h.slots[id]
	return slot, ok
}

// resolve fetches a stored vector under a distance frame.
func (h *Index) resolve(id uint64) ([]float32, error) {
	f, err := h.mon.Enter(frameDistance)
	if err != nil {
		return nil, err
	}
	defer f.Leave()
	return h.opts.Vectors(id)
}

// Insert adds id with vector vec. Neighbor vectors are resolved through
// Options.Vectors.
func (h *Index) Insert(id uint64, vec []float32) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.mon.Reset()

	if len(vec) != h.opts.Dimension {
		return &ErrDimensionMismatch{Expected: h.opts.Dimension, Actual: len(vec)}
	}
	if _, ok := h.slots[id]; ok {
		return ErrDuplicateID
	}
	if h.opts.Vectors == nil {
		return ErrNoVectorSource
	}

	op, err := h.mon.Enter(frameOperation)
	if err != nil {
		return err
	}
	defer op.Leave()

	level := h.determineLayer()

	if !h.hasEntry {
		slot := h.publish(id, level, make([][]Neighbor, level+1))
		h.entry, h.hasEntry, h.maxLevel = slot, true, level
		return nil
	}

	plan, err := h.planInsert(vec, level)
	if err != nil {
		return err
	}

	return h.link(id, level, plan)
}

// planInsert finds the neighbors of a new node without touching the graph.
// plan[l] holds the selected neighbors at layer l, closest first.
func (h *Index) planInsert(vec []float32, level int) ([][]Neighbor, error) {
	dist := func(id uint64) (float32, error) {
		v, err := h.resolve(id)
		if err != nil {
			return 0, err
		}
		return h.opts.Metric(vec, v), nil
	}

	st := h.pool.Acquire()
	defer h.pool.Release(st)

	var frames []stackmon.Frame
	defer func() {
		for i := range frames {
			frames[i].Leave()
		}
	}()

	ep := h.nodes[h.entry]
	epDist, err := dist(ep.id)
	if err != nil {
		return nil, err
	}
	cur := queue.Item{Slot: h.entry, ID: ep.id, Distance: epDist}

	for l := h.maxLevel; l > level; l-- {
		f, err := h.mon.Enter(frameLayer)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
		if cur, err = h.greedy(cur, l, dist); err != nil {
			return nil, err
		}
	}

	top := min(level, h.maxLevel)
	plan := make([][]Neighbor, level+1)

	for l := top; l >= 0; l-- {
		f, err := h.mon.Enter(frameLayer)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)

		if err := h.searchLayer(st, cur, l, h.opts.EFConstruction, dist); err != nil {
			return nil, err
		}
		st.Sorted = st.Results.DrainAscending(st.Sorted[:0])
		if len(st.Sorted) == 0 {
			continue
		}
		cur = st.Sorted[0]

		selected, err := h.selectNeighbors(st, st.Sorted, h.maxConns(l), h.resolve)
		if err != nil {
			return nil, err
		}
		list := make([]Neighbor, len(selected))
		for i, s := range selected {
			list[i] = Neighbor{ID: s.ID, Dist: s.Distance}
		}
		plan[l] = list
	}

	return plan, nil
}

// publish places a node in the arena and returns its slot.
func (h *Index) publish(id uint64, level int, conns [][]Neighbor) uint32 {
	n := node{id: id, level: level, conns: conns, live: true}
	var slot uint32
	if k := len(h.free); k > 0 {
		slot = h.free[k-1]
		h.free = h.free[:k-1]
		h.nodes[slot] = n
	} else {
		slot = uint32(len(h.nodes))
		h.nodes = append(h.nodes, n)
	}
	h.slots[id] = slot
	h.count++
	for _, nb := range conns[0] {
		h.addIn(nb.ID, id)
	}
	return slot
}

// link applies a plan. Forward lists are published with the node, then
// back-links are applied one edge at a time from layer 0 upwards.
func (h *Index) link(id uint64, level int, plan [][]Neighbor) error {
	// The link phase never commits more than this, so checking it up front
	// means no stack failure can interrupt the mutations below.
	reserve, err := h.mon.Enter(frameLink + frameSelect + frameDistance)
	if err != nil {
		return err
	}
	reserve.Leave()

	slot := h.publish(id, level, plan)

	st := h.pool.Acquire()
	defer h.pool.Release(st)

	for l := 0; l <= level; l++ {
		for _, nb := range plan[l] {
			target, ok := h.lookup(nb.ID)
			if !ok {
				continue
			}
			f, err := h.mon.Enter(frameLink)
			if err != nil {
				return err
			}
			err = h.addConnection(st, target, l, Neighbor{ID: id, Dist: nb.Dist})
			f.Leave()
			if err != nil {
				return err
			}
		}
	}

	if level > h.maxLevel {
		h.logger.Debug("entry point promoted", "id", id, "level", level, "previous_level", h.maxLevel)
		h.entry, h.maxLevel = slot, level
	}
	return nil
}

// addConnection adds edge target -> nb at layer, evicting the worst edge
// when the list is full.
func (h *Index) addConnection(st *pool.LayerSearchState, target uint32, layer int, nb Neighbor) error {
	t := &h.nodes[target]
	if !t.live || layer > t.level {
		return corruption("back-link to node %d at layer %d above its level %d", t.id, layer, t.level)
	}

	conns := h.compact(t.conns[layer])
	for _, c := range conns {
		if c.ID == nb.ID {
			t.conns[layer] = conns
			return nil
		}
	}

	maxM := h.maxConns(layer)
	if len(conns) < maxM {
		t.conns[layer] = append(conns, nb)
		if layer == 0 {
			h.addIn(nb.ID, t.id)
		}
		return nil
	}

	if layer > 0 {
		t.conns[layer] = h.prune(st, conns, nb, maxM)
		return nil
	}

	// prune reuses the backing array of conns.
	h.idBuf = h.idBuf[:0]
	for _, c := range conns {
		h.idBuf = append(h.idBuf, c.ID)
	}
	t.conns[0] = h.prune(st, conns, nb, maxM)
	if hasEdge(t.conns[0], nb.ID) {
		h.addIn(nb.ID, t.id)
	}
	for _, id := range h.idBuf {
		if !hasEdge(t.conns[0], id) {
			h.dropIn(id, t.id)
		}
	}
	return nil
}

// addIn records the layer-0 edge from -> target in target's inbound list.
func (h *Index) addIn(target, from uint64) {
	slot, ok := h.slots[target]
	if !ok {
		return
	}
	t := &h.nodes[slot]
	if !slices.Contains(t.in, from) {
		t.in = append(t.in, from)
	}
}

// dropIn forgets the layer-0 edge from -> target.
func (h *Index) dropIn(target, from uint64) {
	slot, ok := h.slots[target]
	if !ok {
		return
	}
	t := &h.nodes[slot]
	if i := slices.Index(t.in, from); i >= 0 {
		last := len(t.in) - 1
		t.in[i] = t.in[last]
		t.in = t.in[:last]
	}
}

func hasEdge(conns []Neighbor, id uint64) bool {
	for _, c := range conns {
		if c.ID == id {
			return true
		}
	}
	return false
}

// compact drops edges whose target no longer exists.
func (h *Index) compact(conns []Neighbor) []Neighbor {
	out := conns[:0]
	for _, c := range conns {
		if _, ok := h.slots[c.ID]; ok {
			out = append(out, c)
		}
	}
	return out
}
