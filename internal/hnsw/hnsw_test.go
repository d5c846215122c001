package hnsw

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sort"
	"testing"

	"github.com/hupe1980/vecfs/distance"
	"github.com/hupe1980/vecfs/internal/stackmon"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memVectors is an in-memory vector source for tests.
type memVectors map[uint64][]float32

func (m memVectors) get(id uint64) ([]float32, error) {
	v, ok := m[id]
	if !ok {
		return nil, fmt.Errorf("vector %d: %w", id, ErrNotFound)
	}
	return v, nil
}

func (m memVectors) distTo(q []float32, fn distance.Func) DistFunc {
	return func(id uint64) (float32, error) {
		v, err := m.get(id)
		if err != nil {
			return 0, err
		}
		return fn(q, v), nil
	}
}

func newTestIndex(t *testing.T, vecs memVectors, optFns ...func(o *Options)) *Index {
	t.Helper()
	fns := append([]func(o *Options){func(o *Options) {
		o.Vectors = vecs.get
		o.RandomSeed = 42
	}}, optFns...)
	h, err := New(fns...)
	require.NoError(t, err)
	return h
}

func (m memVectors) insert(t *testing.T, h *Index, id uint64, v []float32) {
	t.Helper()
	m[id] = v
	require.NoError(t, h.Insert(id, v))
}

func randomVectors(rng *rand.Rand, n, dim int) [][]float32 {
	out := make([][]float32, n)
	for i := range out {
		v := make([]float32, dim)
		for j := range v {
			v[j] = rng.Float32()
		}
		out[i] = v
	}
	return out
}

func bruteForce(vecs memVectors, q []float32, k int) []uint64 {
	type pair struct {
		id uint64
		d  float32
	}
	all := make([]pair, 0, len(vecs))
	for id, v := range vecs {
		all = append(all, pair{id, distance.Euclidean(q, v)})
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].d != all[j].d {
			return all[i].d < all[j].d
		}
		return all[i].id < all[j].id
	})
	out := make([]uint64, 0, k)
	for i := 0; i < k && i < len(all); i++ {
		out = append(out, all[i].id)
	}
	return out
}

func recallAt(t *testing.T, h *Index, vecs memVectors, queries [][]float32, k, ef int) float64 {
	t.Helper()
	hits, total := 0, 0
	for _, q := range queries {
		truth := bruteForce(vecs, q, k)
		res, err := h.Search(q, k, ef, vecs.distTo(q, distance.Euclidean))
		require.NoError(t, err)
		got := make(map[uint64]struct{}, len(res))
		for _, r := range res {
			got[r.ID] = struct{}{}
		}
		for _, id := range truth {
			if _, ok := got[id]; ok {
				hits++
			}
		}
		total += len(truth)
	}
	return float64(hits) / float64(total)
}

func TestNew_Validation(t *testing.T) {
	_, err := New(func(o *Options) { o.Dimension = 0 })
	var invalid *ErrInvalidDimension
	require.ErrorAs(t, err, &invalid)

	h, err := New(func(o *Options) {
		o.Dimension = 2
		o.M = 1
	})
	require.NoError(t, err)
	s := h.Stats()
	assert.Equal(t, minimumM, s.M)
	assert.Equal(t, 2*minimumM, s.M0)
	assert.False(t, s.HasEntryPoint)
}

func TestIndex_BasicWorkflow(t *testing.T) {
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 2
		o.M = 4
	})

	vecs.insert(t, h, 1, []float32{0, 0})
	vecs.insert(t, h, 2, []float32{1, 0})
	vecs.insert(t, h, 3, []float32{0, 1})
	vecs.insert(t, h, 4, []float32{5, 5})

	q := []float32{0.1, 0.1}
	res, err := h.Search(q, 2, 0, vecs.distTo(q, distance.Euclidean))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(1), res[0].ID)
	assert.Contains(t, []uint64{2, 3}, res[1].ID)

	all, err := h.Search(q, 10, 0, vecs.distTo(q, distance.Euclidean))
	require.NoError(t, err)
	require.Len(t, all, 4, "fewer than k results is not an error")
	assert.Equal(t, uint64(4), all[3].ID)
	for i := 1; i < len(all); i++ {
		assert.LessOrEqual(t, all[i-1].Distance, all[i].Distance)
	}

	require.NoError(t, h.Validate())
}

func TestIndex_TieBreakBySmallerID(t *testing.T) {
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) { o.Dimension = 1 })

	for _, id := range []uint64{9, 3, 7, 5} {
		vecs.insert(t, h, id, []float32{1})
	}

	q := []float32{0}
	res, err := h.Search(q, 4, 0, vecs.distTo(q, distance.Euclidean))
	require.NoError(t, err)
	ids := make([]uint64, len(res))
	for i, r := range res {
		ids[i] = r.ID
	}
	assert.Equal(t, []uint64{3, 5, 7, 9}, ids)
}

func TestIndex_Errors(t *testing.T) {
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) { o.Dimension = 3 })

	var dm *ErrDimensionMismatch
	err := h.Insert(1, []float32{1, 2})
	require.ErrorAs(t, err, &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.Equal(t, 2, dm.Actual)

	// Empty graph: no results, no error.
	q := []float32{0, 0, 0}
	res, err := h.Search(q, 5, 10, vecs.distTo(q, distance.Euclidean))
	require.NoError(t, err)
	assert.Empty(t, res)

	vecs.insert(t, h, 1, []float32{1, 2, 3})
	assert.ErrorIs(t, h.Insert(1, []float32{1, 2, 3}), ErrDuplicateID)

	_, err = h.Search(q, 0, 10, vecs.distTo(q, distance.Euclidean))
	assert.ErrorIs(t, err, ErrInvalidK)

	_, err = h.Search([]float32{1}, 1, 10, vecs.distTo(q, distance.Euclidean))
	require.ErrorAs(t, err, &dm)

	assert.ErrorIs(t, h.Remove(99), ErrNotFound)

	noSource, err := New(func(o *Options) { o.Dimension = 3 })
	require.NoError(t, err)
	assert.ErrorIs(t, noSource.Insert(1, q), ErrNoVectorSource)
}

func TestIndex_ResolverFailureLeavesGraphUntouched(t *testing.T) {
	vecs := memVectors{}
	boom := errors.New("io failure")
	failing := false
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 2
		o.Vectors = func(id uint64) ([]float32, error) {
			if failing {
				return nil, boom
			}
			return vecs.get(id)
		}
	})

	vecs.insert(t, h, 1, []float32{0, 0})
	vecs.insert(t, h, 2, []float32{1, 1})
	before := h.Stats()

	failing = true
	vecs[3] = []float32{2, 2}
	assert.ErrorIs(t, h.Insert(3, vecs[3]), boom)
	assert.False(t, h.Contains(3))
	assert.Equal(t, before.Nodes, h.Len())
	require.NoError(t, h.Validate())

	failing = false
	require.NoError(t, h.Insert(3, vecs[3]))
	assert.True(t, h.Contains(3))

	q := []float32{0, 0}
	_, err := h.Search(q, 1, 0, func(uint64) (float32, error) { return 0, boom })
	assert.ErrorIs(t, err, boom)
}

func TestIndex_StackOverflowAbandonsInsert(t *testing.T) {
	vecs := memVectors{}
	mon := stackmon.New(frameOperation + frameLayer)
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 2
		o.Monitor = mon
		o.MaxLevel = 1
	})

	// The first node needs no traversal.
	vecs.insert(t, h, 1, []float32{0, 0})

	vecs[2] = []float32{1, 0}
	err := h.Insert(2, vecs[2])
	require.ErrorIs(t, err, ErrStackOverflow)
	assert.False(t, h.Contains(2))
	assert.Equal(t, 1, h.Len())
	require.NoError(t, h.Validate())

	// Retrying with a normal budget succeeds.
	mon.SetLimit(stackmon.DefaultLimit)
	require.NoError(t, h.Insert(2, vecs[2]))
	conns, ok := h.Connections(2, 0)
	require.True(t, ok)
	assert.Equal(t, []uint64{1}, conns)
	conns, ok = h.Connections(1, 0)
	require.True(t, ok)
	assert.Equal(t, []uint64{2}, conns)
}

func TestIndex_Recall(t *testing.T) {
	n, dim, queries := 2000, 16, 100
	if testing.Short() {
		n, queries = 500, 30
	}

	rng := rand.New(rand.NewSource(7))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = dim
		o.M = 16
		o.EFConstruction = 200
		o.EFSearch = 50
	})
	for i, v := range randomVectors(rng, n, dim) {
		vecs.insert(t, h, uint64(i+1), v)
	}
	require.NoError(t, h.Validate())

	recall := recallAt(t, h, vecs, randomVectors(rng, queries, dim), 10, 50)
	assert.GreaterOrEqual(t, recall, 0.85, "recall@10 = %.3f", recall)
}

func TestIndex_RoundTrip(t *testing.T) {
	n, dim := 2000, 8
	if testing.Short() {
		n = 300
	}

	rng := rand.New(rand.NewSource(11))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) { o.Dimension = dim })

	found := 0
	for i, v := range randomVectors(rng, n, dim) {
		id := uint64(i + 1)
		vecs.insert(t, h, id, v)
		res, err := h.Search(v, 1, 0, vecs.distTo(v, distance.Euclidean))
		require.NoError(t, err)
		if len(res) == 1 && res[0].ID == id && res[0].Distance == 0 {
			found++
		}
	}
	assert.GreaterOrEqual(t, float64(found)/float64(n), 0.99)
}

func TestIndex_RemoveIsIdempotentAndKeepsRecall(t *testing.T) {
	n, dim := 1500, 12
	if testing.Short() {
		n = 400
	}

	rng := rand.New(rand.NewSource(3))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) { o.Dimension = dim })
	for i, v := range randomVectors(rng, n, dim) {
		vecs.insert(t, h, uint64(i+1), v)
	}

	// Remove every fifth node, including whichever is the entry point.
	removed := map[uint64]struct{}{}
	for id := uint64(1); id <= uint64(n); id += 5 {
		require.NoError(t, h.Remove(id))
		delete(vecs, id)
		removed[id] = struct{}{}
	}
	ep := h.Stats().EntryPoint
	require.NoError(t, h.Remove(ep))
	delete(vecs, ep)
	removed[ep] = struct{}{}

	for id := range removed {
		assert.ErrorIs(t, h.Remove(id), ErrNotFound)
	}
	assert.ErrorIs(t, h.Remove(uint64(n+100)), ErrNotFound)

	require.NoError(t, h.Validate())
	assert.Equal(t, len(vecs), h.Len())

	queries := randomVectors(rng, 50, dim)
	for _, q := range queries {
		res, err := h.Search(q, 10, 0, vecs.distTo(q, distance.Euclidean))
		require.NoError(t, err)
		for _, r := range res {
			assert.NotContains(t, removed, r.ID)
		}
	}
	recall := recallAt(t, h, vecs, queries, 10, 50)
	assert.GreaterOrEqual(t, recall, 0.85, "recall@10 after removal = %.3f", recall)
}

func TestIndex_RemoveAll(t *testing.T) {
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 2
		o.M = 2
	})

	rng := rand.New(rand.NewSource(5))
	for i, v := range randomVectors(rng, 60, 2) {
		vecs.insert(t, h, uint64(i), v)
	}

	for id := uint64(0); id < 60; id++ {
		require.NoError(t, h.Remove(id))
		delete(vecs, id)
		require.NoError(t, h.Validate(), "after removing %d", id)

		if len(vecs) == 0 {
			break
		}
		q := []float32{0.5, 0.5}
		res, err := h.Search(q, 1, 0, vecs.distTo(q, distance.Euclidean))
		require.NoError(t, err)
		require.Len(t, res, 1)
	}

	assert.Equal(t, 0, h.Len())
	assert.False(t, h.Stats().HasEntryPoint)

	// Slots are reused after removal.
	vecs.insert(t, h, 7, []float32{1, 1})
	assert.Equal(t, 1, h.Len())
}

// addEdge adds the layer-0 edge from -> to between published nodes.
func addEdge(h *Index, from, to uint64, d float32) {
	s := h.slots[from]
	h.nodes[s].conns[0] = append(h.nodes[s].conns[0], Neighbor{ID: to, Dist: d})
	h.addIn(to, from)
}

// isolated returns the live nodes without a layer-0 edge to a live node.
func isolated(h *Index) []uint64 {
	var out []uint64
	for id, slot := range h.slots {
		live := false
		for _, nb := range h.nodes[slot].conns[0] {
			if _, ok := h.slots[nb.ID]; ok {
				live = true
				break
			}
		}
		if !live {
			out = append(out, id)
		}
	}
	return out
}

func TestIndex_RemoveKeepsLayer0Edges(t *testing.T) {
	n, dim := 3000, 8
	if testing.Short() {
		n = 800
	}

	rng := rand.New(rand.NewSource(17))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = dim
		o.M = 4
	})
	for i, v := range randomVectors(rng, n, dim) {
		vecs.insert(t, h, uint64(i), v)
	}

	for _, i := range rng.Perm(n)[:n*7/10] {
		require.NoError(t, h.Remove(uint64(i)))
		delete(vecs, uint64(i))
	}

	require.NoError(t, h.Validate())
	assert.Equal(t, len(vecs), h.Len())
	assert.Empty(t, isolated(h))

	// 1 reaches 2 without a reverse edge, so only 2's inbound list knows 1.
	one := memVectors{1: {0}, 2: {1}, 3: {5}}
	g := newTestIndex(t, one, func(o *Options) {
		o.Dimension = 1
		o.MaxLevel = 0
	})
	s1 := g.publish(1, 0, [][]Neighbor{nil})
	g.publish(2, 0, [][]Neighbor{nil})
	g.publish(3, 0, [][]Neighbor{nil})
	addEdge(g, 1, 2, 1)
	addEdge(g, 2, 3, 4)
	addEdge(g, 3, 2, 4)
	g.entry, g.hasEntry, g.maxLevel = s1, true, 0
	require.NoError(t, g.Validate())

	require.NoError(t, g.Remove(2))
	delete(one, 2)
	require.NoError(t, g.Validate())
	assert.Empty(t, isolated(g))
	conns, ok := g.Connections(1, 0)
	require.True(t, ok)
	assert.Equal(t, []uint64{3}, conns)
}

func TestIndex_RemoveRelinksOrphans(t *testing.T) {
	vecs := memVectors{1: {0}, 2: {10}, 3: {-10}}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 1
		o.MaxLevel = 0
	})

	// 2 and 3 reach each other only through 1.
	s1 := h.publish(1, 0, [][]Neighbor{nil})
	h.publish(2, 0, [][]Neighbor{nil})
	h.publish(3, 0, [][]Neighbor{nil})
	addEdge(h, 1, 2, 10)
	addEdge(h, 1, 3, 10)
	addEdge(h, 2, 1, 10)
	addEdge(h, 3, 1, 10)
	h.entry, h.hasEntry, h.maxLevel = s1, true, 0
	require.NoError(t, h.Validate())

	require.NoError(t, h.Remove(1))
	delete(vecs, 1)
	require.NoError(t, h.Validate())

	conns, ok := h.Connections(2, 0)
	require.True(t, ok)
	assert.Equal(t, []uint64{3}, conns)
	conns, ok = h.Connections(3, 0)
	require.True(t, ok)
	assert.Equal(t, []uint64{2}, conns)

	q := []float32{-9}
	res, err := h.Search(q, 2, 0, vecs.distTo(q, distance.Euclidean))
	require.NoError(t, err)
	require.Len(t, res, 2)
	assert.Equal(t, uint64(3), res[0].ID)
	assert.Equal(t, uint64(2), res[1].ID)
}

func TestIndex_RemoveRepairWithoutVectors(t *testing.T) {
	vecs := memVectors{1: {0}}
	var logs bytes.Buffer
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 1
		o.Logger = slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	})

	s1 := h.publish(1, 0, [][]Neighbor{nil})
	h.publish(2, 0, [][]Neighbor{nil})
	h.publish(3, 0, [][]Neighbor{nil})
	addEdge(h, 1, 2, 3)
	addEdge(h, 1, 3, 4)
	addEdge(h, 2, 1, 3)
	addEdge(h, 3, 1, 4)
	h.entry, h.hasEntry, h.maxLevel = s1, true, 0

	// Neither orphan resolves, so the path through 1 bounds the distance.
	require.NoError(t, h.Remove(1))
	require.NoError(t, h.Validate())
	assert.Empty(t, isolated(h))

	s2 := h.slots[2]
	require.Len(t, h.nodes[s2].conns[0], 1)
	assert.Equal(t, Neighbor{ID: 3, Dist: 7}, h.nodes[s2].conns[0][0])
	assert.Contains(t, logs.String(), "repair falls back to path distances")
	assert.NotContains(t, logs.String(), "repair back-link failed")
}

func TestIndex_MinStackLimitIsSufficient(t *testing.T) {
	const maxLevel, dim = 2, 8
	rng := rand.New(rand.NewSource(21))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = dim
		o.M = 4
		o.MaxLevel = maxLevel
		o.StackLimit = MinStackLimit(maxLevel)
	})

	for i, v := range randomVectors(rng, 600, dim) {
		vecs.insert(t, h, uint64(i), v)
	}
	for _, q := range randomVectors(rng, 30, dim) {
		_, err := h.Search(q, 5, 0, vecs.distTo(q, distance.Euclidean))
		require.NoError(t, err)
	}
	for id := uint64(0); id < 100; id++ {
		require.NoError(t, h.Remove(id))
		delete(vecs, id)
	}

	s := h.Stats()
	assert.LessOrEqual(t, s.MaxLevel, maxLevel)
	assert.LessOrEqual(t, s.StackPeak, MinStackLimit(maxLevel))
	assert.Greater(t, MinStackLimit(maxLevel+1), MinStackLimit(maxLevel))
}

func TestIndex_StackBounded(t *testing.T) {
	n, dim := 2000, 128
	if testing.Short() {
		n = 500
	}

	rng := rand.New(rand.NewSource(13))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) { o.Dimension = dim })

	for i, v := range randomVectors(rng, n, dim) {
		vecs.insert(t, h, uint64(i), v)
	}
	for _, q := range randomVectors(rng, 50, dim) {
		_, err := h.Search(q, 10, 0, vecs.distTo(q, distance.Euclidean))
		require.NoError(t, err)
	}

	s := h.Stats()
	assert.Less(t, s.StackPeak, stackmon.DefaultLimit)
	assert.Greater(t, s.StackPeak, 0)

	// The worst case at the level cap still fits the default budget.
	worst := frameOperation + (DefaultMaxLevel+1)*frameLayer + frameSelect + frameNeighbor + frameDistance
	assert.Less(t, worst, stackmon.DefaultLimit)
}

func TestIndex_PoolReuse(t *testing.T) {
	rng := rand.New(rand.NewSource(17))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) { o.Dimension = 4 })
	for i, v := range randomVectors(rng, 200, 4) {
		vecs.insert(t, h, uint64(i), v)
	}

	for _, q := range randomVectors(rng, 1000, 4) {
		_, err := h.Search(q, 5, 0, vecs.distTo(q, distance.Euclidean))
		require.NoError(t, err)
	}

	s := h.Stats()
	assert.Equal(t, 0, s.PoolLive)
	assert.LessOrEqual(t, s.PoolCreated, 4)
	assert.Equal(t, int64(0), s.PoolTransient)
}

func TestIndex_StatsLevels(t *testing.T) {
	rng := rand.New(rand.NewSource(19))
	vecs := memVectors{}
	h := newTestIndex(t, vecs, func(o *Options) {
		o.Dimension = 4
		o.M = 4
	})
	for i, v := range randomVectors(rng, 300, 4) {
		vecs.insert(t, h, uint64(i), v)
	}

	s := h.Stats()
	assert.Equal(t, 300, s.Nodes)
	assert.Equal(t, s.MaxLevel+1, len(s.Levels))
	assert.Equal(t, 300, s.Levels[0].Nodes)
	assert.LessOrEqual(t, s.Levels[0].AvgConnections, s.M0)
	lvl, ok := h.Level(s.EntryPoint)
	require.True(t, ok)
	assert.Equal(t, s.MaxLevel, lvl)
}
