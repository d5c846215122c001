package bridge

import (
	"context"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hupe1980/vecfs/blockdev"
	"github.com/hupe1980/vecfs/internal/resource"
	"github.com/hupe1980/vecfs/internal/stackmon"
)

func TestBridge_BuildIndexFromStorage_Resumable(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(1))
	b := newBridge(t, blockdev.NewMemoryDevice(), 8, func(o *Options) { o.RebuildBatch = 32 })

	const n = 300
	vecs := make(map[uint64][]float32, n)
	for id := uint64(0); id < n; id++ {
		vecs[id] = randomVector(r, 8)
		require.NoError(t, b.Storage().PutVector(ctx, id, vecs[id]))
	}
	assert.Zero(t, b.Index().Len())

	p, err := b.BuildIndexFromStorage(ctx, 0, 100)
	require.NoError(t, err)
	assert.False(t, p.Done)
	assert.Equal(t, 100, p.Indexed)
	assert.Equal(t, uint64(100), p.Next)
	assert.Equal(t, 100, b.Index().Len())

	p, err = b.BuildIndexFromStorage(ctx, p.Next, 0)
	require.NoError(t, err)
	assert.True(t, p.Done)
	assert.Equal(t, 200, p.Indexed)
	assert.Equal(t, n, b.Index().Len())

	// Everything is indexed now.
	p, err = b.BuildIndexFromStorage(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, p.Done)
	assert.Zero(t, p.Indexed)
	assert.Equal(t, n, p.Skipped)

	for _, id := range []uint64{0, 150, 299} {
		res, err := b.SearchSimilar(ctx, vecs[id], 1)
		require.NoError(t, err)
		require.Len(t, res, 1)
		assert.Equal(t, id, res[0].ID)
	}
	assert.NoError(t, b.Index().Validate())
}

func TestBridge_BuildIndexFromReopenedStorage(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewSource(2))
	dev := blockdev.NewMemoryDevice()

	b := newBridge(t, dev, 4)
	for id := uint64(1); id <= 50; id++ {
		require.NoError(t, b.InsertVector(ctx, id, randomVector(r, 4)))
	}
	require.NoError(t, b.Storage().Close())

	rc := resource.New(resource.Config{RebuildReadBytesPerSec: 1 << 20})
	b2 := newBridge(t, dev, 4, func(o *Options) {
		o.Resource = rc
		o.PrefetchWorkers = 2
	})
	p, err := b2.BuildIndexFromStorage(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, p.Done)
	assert.Equal(t, 50, p.Indexed)
	assert.Equal(t, 50, b2.Index().Len())
}

func TestBridge_BuildIndexFromStorage_Failures(t *testing.T) {
	ctx := context.Background()
	mon := stackmon.New(0)
	b := newBridge(t, blockdev.NewMemoryDevice(), 2, func(o *Options) { o.Index.Monitor = mon })

	for id := uint64(1); id <= 5; id++ {
		require.NoError(t, b.Storage().PutVector(ctx, id, []float32{float32(id), 0}))
	}

	mon.SetLimit(100)
	p, err := b.BuildIndexFromStorage(ctx, 0, 0)
	require.NoError(t, err)
	assert.True(t, p.Done)
	assert.Equal(t, 5, p.Failed)
	assert.Equal(t, []uint64{1, 2, 3, 4, 5}, b.Unindexed())

	mon.SetLimit(0)
	p, err = b.BuildIndexFromStorage(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 5, p.Indexed)
	assert.Empty(t, b.Unindexed())
}

func TestBridge_BuildIndexFromStorage_Canceled(t *testing.T) {
	b := newBridge(t, blockdev.NewMemoryDevice(), 2)
	require.NoError(t, b.Storage().PutVector(context.Background(), 1, []float32{1, 1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	p, err := b.BuildIndexFromStorage(ctx, 0, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, p.Done)
	assert.Zero(t, b.Index().Len())
}
