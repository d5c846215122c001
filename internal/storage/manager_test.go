package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"math"
	"math/rand"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hupe1980/vecfs/blockdev"
	"github.com/hupe1980/vecfs/internal/cache"
	"github.com/hupe1980/vecfs/internal/fs"
	"github.com/hupe1980/vecfs/internal/hash"
	"github.com/hupe1980/vecfs/internal/resource"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomVector(rng *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = rng.Float32()
	}
	return v
}

func TestManager_LazyInitialization(t *testing.T) {
	ctx := context.Background()
	m := New(blockdev.NewMemoryDevice())
	assert.Equal(t, StateUninitialized, m.State())
	assert.Equal(t, 0, m.Len())

	require.NoError(t, m.PutVector(ctx, 1, []float32{1, 2, 3}))
	assert.Equal(t, StateReady, m.State())

	require.NoError(t, m.EnsureInitialized(ctx))
	assert.Equal(t, StateReady, m.State())
	assert.Equal(t, "ready", m.State().String())
}

func TestManager_PutGetChunked(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(1))
	m := New(blockdev.NewMemoryDevice(), func(o *Options) {
		o.MaxVectorsInMemory = 1
	})

	big := randomVector(rng, 3000) // 12000 bytes: 3 chunks
	small := randomVector(rng, 4)
	require.NoError(t, m.PutVector(ctx, 7, big))
	assert.Equal(t, int64(3), m.Stats().ChunkWrites)

	require.NoError(t, m.PutVector(ctx, 8, small)) // evicts 7

	before := m.Stats().ChunkReads
	got, err := m.GetVector(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, big, got)
	assert.Equal(t, int64(3), m.Stats().ChunkReads-before)

	// The returned slice is an owned copy.
	got[0] = -1
	again, err := m.GetVector(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, big[0], again[0])

	loc, err := m.Location(ctx, 7)
	require.NoError(t, err)
	assert.True(t, loc.Cached)
	assert.Equal(t, 3000, loc.Dim)
	assert.Equal(t, uint32(headerSize+12000), loc.Length)

	s := m.Stats()
	assert.Equal(t, 2, s.Vectors)
	assert.Equal(t, 1, s.Cache.Len)
	assert.Equal(t, int64(1), s.Cache.Hits)
}

func TestManager_Reopen(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(2))
	dev := blockdev.NewMemoryDevice()

	m := New(dev, func(o *Options) { o.Compression = CompressionLZ4 })
	want := map[uint64][]float32{}
	for id := uint64(1); id <= 20; id++ {
		want[id] = randomVector(rng, 16)
		require.NoError(t, m.PutVector(ctx, id, want[id]))
	}
	zeros := make([]float32, 2048)
	require.NoError(t, m.PutVector(ctx, 100, zeros))

	// Overwrite and delete before reopening.
	want[3] = randomVector(rng, 16)
	require.NoError(t, m.PutVector(ctx, 3, want[3]))
	require.NoError(t, m.DeleteVector(ctx, 5))
	delete(want, 5)
	require.NoError(t, m.Close())

	reopened := New(dev)
	require.NoError(t, reopened.EnsureInitialized(ctx))
	assert.Equal(t, len(want)+1, reopened.Len())

	for id, vec := range want {
		got, err := reopened.GetVector(ctx, id)
		require.NoError(t, err, "id %d", id)
		assert.Equal(t, vec, got)
	}
	got, err := reopened.GetVector(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, zeros, got)

	_, err = reopened.GetVector(ctx, 5)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestManager_DuplicateRecordsNewestWins(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice()
	m := New(dev)

	require.NoError(t, m.PutVector(ctx, 1, []float32{1}))
	old, err := m.Location(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, m.PutVector(ctx, 1, []float32{2}))

	// Undo the tombstone to simulate a crash between the two writes.
	require.NoError(t, dev.WriteBlock(ctx, old.Offset+4, []byte{0, 0}))

	reopened := New(dev)
	got, err := reopened.GetVector(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{2}, got)
	assert.Equal(t, 1, reopened.Len())
}

// forgedPayload returns a 2000-float vector whose bytes at the start of its
// second chunk decode as a valid record of id with the highest sequence.
func forgedPayload(id uint64, vec []float32) []float32 {
	payload, c, _ := encodePayload(vec, CompressionNone)
	h := header{
		codec:      c,
		id:         id,
		dim:        uint32(len(vec)),
		payloadLen: uint32(len(payload)),
		seq:        math.MaxUint32,
	}
	h.crc = hash.UpdateCRC32C(h.checksumSeed(), payload)

	raw := make([]byte, 2000*4)
	at := DefaultChunkSize - headerSize
	h.encode(raw[at:])
	copy(raw[at+headerSize:], payload)

	out := make([]float32, 2000)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

func TestManager_FreedPayloadNotRecovered(t *testing.T) {
	ctx := context.Background()

	t.Run("delete", func(t *testing.T) {
		dev := blockdev.NewMemoryDevice()
		m := New(dev)
		require.NoError(t, m.PutVector(ctx, 7, []float32{1, 2}))
		require.NoError(t, m.PutVector(ctx, 100, forgedPayload(7, []float32{666, 666})))
		require.NoError(t, m.DeleteVector(ctx, 100))
		require.NoError(t, m.PutVector(ctx, 8, []float32{3, 4}))

		reopened := New(dev)
		got, err := reopened.GetVector(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2}, got)
		assert.Equal(t, 2, reopened.Len())
	})

	t.Run("replace", func(t *testing.T) {
		dev := blockdev.NewMemoryDevice()
		m := New(dev)
		require.NoError(t, m.PutVector(ctx, 7, []float32{1, 2}))
		require.NoError(t, m.PutVector(ctx, 100, forgedPayload(7, []float32{666, 666})))
		require.NoError(t, m.PutVector(ctx, 100, []float32{5, 6}))

		reopened := New(dev)
		got, err := reopened.GetVector(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2}, got)
	})

	t.Run("tombstoned before scrub", func(t *testing.T) {
		dev := blockdev.NewMemoryDevice()
		m := New(dev)
		require.NoError(t, m.PutVector(ctx, 7, []float32{1, 2}))
		require.NoError(t, m.PutVector(ctx, 100, forgedPayload(7, []float32{666, 666})))
		loc, err := m.Location(ctx, 100)
		require.NoError(t, err)
		// Tombstone only, as if the process died before the scrub.
		require.NoError(t, m.tombstone(ctx, loc))

		first := New(dev)
		got, err := first.GetVector(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2}, got)
		require.NoError(t, first.PutVector(ctx, 8, []float32{3, 4}))

		second := New(dev)
		got, err = second.GetVector(ctx, 7)
		require.NoError(t, err)
		assert.Equal(t, []float32{1, 2}, got)
		assert.Equal(t, 2, second.Len())
	})
}

func TestManager_FreeSpaceReuse(t *testing.T) {
	ctx := context.Background()
	rng := rand.New(rand.NewSource(3))
	dev := blockdev.NewMemoryDevice()
	m := New(dev)

	for id := uint64(0); id < 10; id++ {
		require.NoError(t, m.PutVector(ctx, id, randomVector(rng, 32)))
	}
	size := dev.Size()

	for id := uint64(0); id < 5; id++ {
		require.NoError(t, m.DeleteVector(ctx, id))
	}
	assert.Equal(t, int64(5*DefaultChunkSize), m.Stats().FreeBytes)
	assert.Equal(t, 1, m.Stats().FreeExtents)

	for id := uint64(10); id < 15; id++ {
		require.NoError(t, m.PutVector(ctx, id, randomVector(rng, 32)))
	}
	assert.Equal(t, size, dev.Size())
	assert.Equal(t, int64(0), m.Stats().FreeBytes)

	assert.ErrorIs(t, m.DeleteVector(ctx, 0), ErrNotFound)
}

func TestManager_Ascend(t *testing.T) {
	ctx := context.Background()
	m := New(blockdev.NewMemoryDevice())

	for id := uint64(600); id > 0; id-- {
		require.NoError(t, m.PutVector(ctx, id, []float32{float32(id)}))
	}

	var seen []uint64
	require.NoError(t, m.Ascend(ctx, 0, func(loc VectorLocation) bool {
		seen = append(seen, loc.ID)
		return true
	}))
	require.Len(t, seen, 600)
	for i, id := range seen {
		assert.Equal(t, uint64(i+1), id)
	}

	// Resume from an id and stop early; fn may call back into the manager.
	seen = seen[:0]
	require.NoError(t, m.Ascend(ctx, 590, func(loc VectorLocation) bool {
		_, err := m.GetVector(ctx, loc.ID)
		require.NoError(t, err)
		seen = append(seen, loc.ID)
		return len(seen) < 5
	}))
	assert.Equal(t, []uint64{590, 591, 592, 593, 594}, seen)
}

func TestManager_DimensionAndEmpty(t *testing.T) {
	ctx := context.Background()
	m := New(blockdev.NewMemoryDevice(), func(o *Options) { o.Dimension = 3 })

	var dm *ErrDimensionMismatch
	assert.ErrorAs(t, m.PutVector(ctx, 1, []float32{1, 2}), &dm)
	assert.Equal(t, 3, dm.Expected)
	assert.ErrorIs(t, m.PutVector(ctx, 1, nil), ErrEmptyVector)
	assert.Equal(t, StateUninitialized, m.State())
}

func TestManager_CacheExhausted(t *testing.T) {
	ctx := context.Background()
	rc := resource.New(resource.Config{CacheBytes: 64})
	m := New(blockdev.NewMemoryDevice(), func(o *Options) {
		o.Resource = rc
		o.CachePolicy = cache.PolicyFIFO
	})

	require.NoError(t, m.PutVector(ctx, 1, make([]float32, 8)))

	// 128 bytes never fit the 64 byte budget.
	err := m.PutVector(ctx, 2, make([]float32, 32))
	assert.ErrorIs(t, err, ErrCacheExhausted)

	ok, err := m.Has(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok, "the vector is stored even though it is not cached")

	_, err = m.GetVector(ctx, 2)
	assert.ErrorIs(t, err, ErrCacheExhausted)

	got, err := m.GetVector(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, got, 8)
}

func TestManager_Corruption(t *testing.T) {
	ctx := context.Background()
	dev := blockdev.NewMemoryDevice()
	m := New(dev, func(o *Options) { o.MaxVectorsInMemory = 1 })

	require.NoError(t, m.PutVector(ctx, 1, []float32{1, 2, 3, 4}))
	require.NoError(t, m.PutVector(ctx, 2, []float32{5})) // evicts 1

	loc, err := m.Location(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, dev.WriteBlock(ctx, loc.Offset+headerSize+1, []byte{0xFF}))

	_, err = m.GetVector(ctx, 1)
	assert.ErrorIs(t, err, ErrCorrupted)
}

func openFaulty(t *testing.T) (*fs.FaultyFS, string) {
	t.Helper()
	return fs.NewFaultyFS(nil), filepath.Join(t.TempDir(), "vectors.dat")
}

func TestManager_IOFailure(t *testing.T) {
	ctx := context.Background()
	ffs, path := openFaulty(t)
	boom := errors.New("disk failure")

	dev, err := blockdev.OpenFile(path, func(o *blockdev.FileOptions) { o.FileSystem = ffs })
	require.NoError(t, err)
	defer dev.Close()

	m := New(dev, func(o *Options) { o.MaxVectorsInMemory = 1 })
	require.NoError(t, m.PutVector(ctx, 1, []float32{1, 2}))

	ffs.SetDefault(fs.Fault{FailAfterBytes: 0, FailReadAfterBytes: 0, Err: boom})

	err = m.PutVector(ctx, 2, []float32{3, 4})
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.ErrorIs(t, err, boom)
	ok, err := m.Has(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)

	// 1 is cached; 2 never made it.
	got, err := m.GetVector(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2}, got)

	assert.ErrorIs(t, m.DeleteVector(ctx, 1), ErrIOFailure)

	ffs.Heal()
	require.NoError(t, m.PutVector(ctx, 2, []float32{3, 4}))
	require.NoError(t, m.PutVector(ctx, 3, []float32{5, 6})) // evicts 2
	got, err = m.GetVector(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, []float32{3, 4}, got)
	// The extent of the failed write was reused; 3 went to the tail.
	loc, err := m.Location(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultChunkSize), loc.Offset)
	assert.Equal(t, int64(2*DefaultChunkSize+headerSize+8), dev.Size())
}

func TestManager_TornWriteNotRecovered(t *testing.T) {
	ctx := context.Background()
	ffs, path := openFaulty(t)

	dev, err := blockdev.OpenFile(path, func(o *blockdev.FileOptions) { o.FileSystem = ffs })
	require.NoError(t, err)

	// 2000 floats: one tail chunk of 3936 bytes, then the header chunk.
	ffs.SetDefault(fs.Fault{FailAfterBytes: 3936, FailReadAfterBytes: -1})
	vec := make([]float32, 2000)
	for i := range vec {
		vec[i] = 1
	}

	m := New(dev)
	assert.ErrorIs(t, m.PutVector(ctx, 9, vec), ErrIOFailure)
	require.NoError(t, dev.Close())

	ffs.Heal()
	dev, err = blockdev.OpenFile(path, func(o *blockdev.FileOptions) { o.FileSystem = ffs })
	require.NoError(t, err)
	defer dev.Close()

	reopened := New(dev)
	require.NoError(t, reopened.EnsureInitialized(ctx))
	assert.Equal(t, 0, reopened.Len())
	assert.Equal(t, int64(2*DefaultChunkSize), reopened.Stats().FreeBytes)
}

func TestManager_InitFailedIsSticky(t *testing.T) {
	ctx := context.Background()
	ffs, path := openFaulty(t)

	dev, err := blockdev.OpenFile(path, func(o *blockdev.FileOptions) { o.FileSystem = ffs })
	require.NoError(t, err)
	defer dev.Close()
	require.NoError(t, New(dev).PutVector(ctx, 1, []float32{1}))

	ffs.SetDefault(fs.Fault{FailAfterBytes: -1, FailReadAfterBytes: 0})
	m := New(dev)
	err = m.EnsureInitialized(ctx)
	assert.ErrorIs(t, err, ErrInitFailed)
	assert.ErrorIs(t, err, ErrIOFailure)
	assert.Equal(t, StateFailed, m.State())

	ffs.Heal()
	_, err = m.GetVector(ctx, 1)
	assert.ErrorIs(t, err, ErrInitFailed)
}

func TestManager_CanceledInitCanRetry(t *testing.T) {
	dev := blockdev.NewMemoryDevice()
	require.NoError(t, New(dev).PutVector(context.Background(), 1, []float32{1}))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	m := New(dev)
	assert.ErrorIs(t, m.EnsureInitialized(ctx), context.Canceled)
	assert.Equal(t, StateUninitialized, m.State())

	require.NoError(t, m.EnsureInitialized(context.Background()))
	assert.Equal(t, 1, m.Len())
}

func TestManager_Closed(t *testing.T) {
	ctx := context.Background()
	m := New(blockdev.NewMemoryDevice())
	require.NoError(t, m.PutVector(ctx, 1, []float32{1}))
	require.NoError(t, m.Close())
	require.NoError(t, m.Close())

	_, err := m.GetVector(ctx, 1)
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Sync(ctx), ErrClosed)
	_, err = m.ReadVector(ctx, 1)
	assert.ErrorIs(t, err, ErrNotReady)
}

func TestManager_ReadVectorSkipsLock(t *testing.T) {
	ctx := context.Background()
	m := New(blockdev.NewMemoryDevice(), func(o *Options) {
		o.MaxVectorsInMemory = 1
	})

	_, err := m.ReadVector(ctx, 1)
	require.ErrorIs(t, err, ErrNotReady)

	require.NoError(t, m.PutVector(ctx, 1, []float32{1, 2}))
	require.NoError(t, m.PutVector(ctx, 2, []float32{3, 4})) // evicts 1

	type result struct {
		vec []float32
		err error
	}
	done := make(chan result, 2)

	m.mu.Lock()
	for _, id := range []uint64{1, 2} {
		go func() {
			vec, err := m.ReadVector(ctx, id)
			done <- result{vec, err}
		}()
	}
	got := make([][]float32, 0, 2)
	for range 2 {
		select {
		case r := <-done:
			require.NoError(t, r.err)
			got = append(got, r.vec)
		case <-time.After(5 * time.Second):
			m.mu.Unlock()
			t.Fatal("ReadVector waited for the manager lock")
		}
	}
	m.mu.Unlock()
	assert.ElementsMatch(t, [][]float32{{1, 2}, {3, 4}}, got)

	require.NoError(t, m.PutVector(ctx, 1, []float32{5, 6}))
	vec, err := m.ReadVector(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []float32{5, 6}, vec)

	require.NoError(t, m.DeleteVector(ctx, 2))
	_, err = m.ReadVector(ctx, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

// Readers racing extent reuse may give up, but never return another
// record's data.
func TestManager_ReadVectorDuringRewrites(t *testing.T) {
	ctx := context.Background()
	m := New(blockdev.NewMemoryDevice(), func(o *Options) {
		o.MaxVectorsInMemory = 1
	})

	const (
		dim    = 1500 // two chunks
		ids    = 4
		rounds = 150
	)
	versioned := func(id uint64, version int) []float32 {
		v := make([]float32, dim)
		for i := range v {
			v[i] = float32(version)
		}
		v[0] = float32(id)
		return v
	}
	for id := uint64(1); id <= ids; id++ {
		require.NoError(t, m.PutVector(ctx, id, versioned(id, 0)))
	}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for r := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; ; i++ {
				select {
				case <-stop:
					return
				default:
				}
				id := uint64((r+i)%ids) + 1
				vec, err := m.ReadVector(ctx, id)
				if err != nil {
					if !errors.Is(err, ErrNotFound) && !errors.Is(err, ErrCorrupted) {
						assert.NoError(t, err)
						return
					}
					continue
				}
				if !assert.Len(t, vec, dim) || !assert.Equal(t, float32(id), vec[0]) {
					return
				}
				for _, x := range vec[1:] {
					if x != vec[1] {
						assert.Fail(t, "torn vector", "id %d", id)
						return
					}
				}
			}
		}()
	}

	for v := 1; v <= rounds; v++ {
		id := uint64(v%ids) + 1
		if v%5 == 0 {
			require.NoError(t, m.DeleteVector(ctx, id))
		}
		require.NoError(t, m.PutVector(ctx, id, versioned(id, v)))
	}
	close(stop)
	wg.Wait()

	for id := uint64(1); id <= ids; id++ {
		vec, err := m.ReadVector(ctx, id)
		require.NoError(t, err)
		want, err := m.GetVector(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, vec)
	}
}
