package vecfs

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hupe1980/vecfs/blockdev"
	"github.com/hupe1980/vecfs/distance"
	"github.com/hupe1980/vecfs/internal/bridge"
	"github.com/hupe1980/vecfs/internal/cache"
	"github.com/hupe1980/vecfs/internal/hnsw"
	"github.com/hupe1980/vecfs/internal/resource"
	"github.com/hupe1980/vecfs/internal/storage"
	"github.com/hupe1980/vecfs/internal/wal"
)

// SearchResult is one search hit.
type SearchResult struct {
	ID       uint64
	Distance float32
}

// RebuildProgress reports how far Rebuild got. Pass Next as from to resume.
type RebuildProgress struct {
	Next    uint64
	Indexed int
	Skipped int
	Failed  int
	Done    bool
}

// Stats is a point-in-time snapshot for an external metrics collector.
type Stats struct {
	NodeCount    int
	CacheHitRate float64
	// MemoryPoolUsage is the bytes held by pooled search states.
	MemoryPoolUsage int64
	// StackUsageEstimate is the peak declared stack use of any operation.
	StackUsageEstimate int
	StackLimit         int

	StoredCount    int
	UnindexedCount int
	CacheBytes     int64
	StorageState   string
	VolumeID       string
}

// DB is a vector volume: an in-memory HNSW index over vectors persisted on a
// block device. All methods are safe for concurrent use.
type DB struct {
	bridge  *bridge.Bridge
	storage *storage.Manager
	journal *wal.Journal

	cfg      Config
	volumeID string
	logger   *Logger
	metrics  MetricsCollector

	mu     sync.RWMutex
	closed bool
}

// Open opens a volume on dev. The device stays owned by the caller.
//
// With lazy loading (the default) storage is initialized by the first
// operation and the index starts empty; call Rebuild to index vectors
// stored by an earlier session. Otherwise Open initializes storage and
// rebuilds the whole index before returning.
func Open(ctx context.Context, dev blockdev.Device, optFns ...Option) (*DB, error) {
	o := applyOptions(optFns)
	cfg := o.config
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	metric := o.distance
	if metric == nil {
		m, _ := distance.ParseMetric(cfg.Index.Metric)
		fn, err := distance.Provider(m)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		metric = fn
	}
	policy, _ := cache.ParsePolicy(cfg.Storage.CachePolicy)
	compression, _ := storage.ParseCompression(cfg.Storage.Compression)

	volumeID := uuid.NewString()
	logger := o.logger.WithVolume(volumeID)

	rc := resource.New(resource.Config{
		CacheBytes:             cfg.Memory.VectorCacheSize,
		RebuildReadBytesPerSec: cfg.Storage.RebuildIOBytesPerSec,
	})

	st := storage.New(dev, func(so *storage.Options) {
		so.Dimension = cfg.Index.Dimension
		so.ChunkSize = cfg.Storage.ChunkSize
		so.MaxVectorsInMemory = cfg.Memory.MaxVectorsInMemory
		so.CachePolicy = policy
		so.Compression = compression
		so.Resource = rc
		so.Logger = logger.Logger
	})

	db := &DB{
		storage:  st,
		cfg:      cfg,
		volumeID: volumeID,
		logger:   logger,
		metrics:  o.metricsCollector,
	}

	var journal bridge.Journal
	if cfg.Journal.Path != "" {
		j, err := wal.OpenJournal(o.journalFS, cfg.Journal.Path, wal.Options{Durability: cfg.durability()})
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		db.journal = j
		journal = bridge.WALJournal(j)
	}

	b, err := bridge.New(st, func(bo *bridge.Options) {
		bo.Index = hnsw.Options{
			Dimension:       cfg.Index.Dimension,
			M:               cfg.Index.M,
			EFConstruction:  cfg.Index.EFConstruction,
			EFSearch:        cfg.Index.EFSearch,
			Metric:          metric,
			StackLimit:      cfg.Memory.StackLimitBytes,
			PoolCap:         max(4, cfg.Memory.IndexCacheSize/1024),
			InitialCapacity: cfg.Memory.IndexCacheSize,
			MaxLevel:        cfg.Index.MaxLevel,
			RandomSeed:      cfg.Index.Seed,
		}
		bo.Journal = journal
		bo.Resource = rc
		bo.PrefetchWorkers = cfg.Storage.RebuildWorkers
		bo.Logger = logger.Logger
	})
	if err != nil {
		db.closeJournal()
		return nil, translateError(err)
	}
	db.bridge = b

	if db.journal != nil && len(db.journal.Pending()) > 0 {
		n, err := b.Recover(ctx)
		logger.LogRecovery(ctx, n, err)
		if err != nil {
			db.closeJournal()
			return nil, translateError(err)
		}
	}

	if !cfg.Memory.EnableLazyLoading {
		if err := st.EnsureInitialized(ctx); err != nil {
			db.closeJournal()
			return nil, translateError(err)
		}
		if _, err := db.Rebuild(ctx, 0, 0); err != nil {
			db.closeJournal()
			return nil, err
		}
	}

	logger.InfoContext(ctx, "volume opened",
		"dimension", cfg.Index.Dimension,
		"lazy", cfg.Memory.EnableLazyLoading,
		"journal", cfg.Journal.Path != "",
	)
	return db, nil
}

func (db *DB) closeJournal() {
	if db.journal != nil {
		_ = db.journal.Close()
	}
}

// acquire takes the read side of the close lock.
func (db *DB) acquire() error {
	db.mu.RLock()
	if db.closed {
		db.mu.RUnlock()
		return ErrClosed
	}
	return nil
}

func (db *DB) release() { db.mu.RUnlock() }

// VolumeID identifies this open instance of the volume.
func (db *DB) VolumeID() string { return db.volumeID }

// Dimension returns the configured vector dimension.
func (db *DB) Dimension() int { return db.cfg.Index.Dimension }

// InsertVector stores vec under id and indexes it, replacing any vector
// already stored under id.
//
// If the vector was stored but could not be indexed, the returned error
// satisfies IsNotIndexed; the data is safe and Reindex retries indexing.
func (db *DB) InsertVector(ctx context.Context, id uint64, vec []float32) (err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordInsert(time.Since(start), err)
		if IsNotIndexed(err) {
			db.metrics.RecordSoftFailure()
		}
		db.logger.LogInsert(ctx, id, len(vec), err)
	}()

	if err := db.acquire(); err != nil {
		return err
	}
	defer db.release()

	return translateError(db.bridge.InsertVector(ctx, id, vec))
}

// SearchSimilar returns up to k vectors closest to query, ascending by
// distance with ties broken by smaller id.
func (db *DB) SearchSimilar(ctx context.Context, query []float32, k int) ([]SearchResult, error) {
	return db.SearchSimilarEF(ctx, query, k, 0)
}

// SearchSimilarEF is SearchSimilar with an explicit beam width. ef <= 0
// selects Config.Index.EFSearch.
func (db *DB) SearchSimilarEF(ctx context.Context, query []float32, k, ef int) (results []SearchResult, err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordSearch(k, time.Since(start), err)
		db.logger.LogSearch(ctx, k, len(results), err)
	}()

	if k <= 0 {
		return nil, ErrInvalidK
	}
	if err := db.acquire(); err != nil {
		return nil, err
	}
	defer db.release()

	hits, err := db.bridge.SearchSimilarEF(ctx, query, k, ef)
	if err != nil {
		return nil, translateError(err)
	}
	results = make([]SearchResult, len(hits))
	for i, h := range hits {
		results[i] = SearchResult{ID: h.ID, Distance: h.Distance}
	}
	return results, nil
}

// RemoveVector removes id from the index and from storage.
func (db *DB) RemoveVector(ctx context.Context, id uint64) (err error) {
	start := time.Now()
	defer func() {
		db.metrics.RecordRemove(time.Since(start), err)
		db.logger.LogRemove(ctx, id, err)
	}()

	if err := db.acquire(); err != nil {
		return err
	}
	defer db.release()

	return translateError(db.bridge.RemoveVector(ctx, id))
}

// GetVector returns a copy of the vector stored under id.
func (db *DB) GetVector(ctx context.Context, id uint64) ([]float32, error) {
	if err := db.acquire(); err != nil {
		return nil, err
	}
	defer db.release()

	vec, err := db.storage.GetVector(ctx, id)
	return vec, translateError(err)
}

// Reindex indexes a vector that is already stored, typically after an
// insert returned a soft failure.
func (db *DB) Reindex(ctx context.Context, id uint64) error {
	if err := db.acquire(); err != nil {
		return err
	}
	defer db.release()

	return translateError(db.bridge.IndexStored(ctx, id))
}

// Unindexed returns the ids known to be stored but not indexed.
func (db *DB) Unindexed() []uint64 {
	return db.bridge.Unindexed()
}

// Rebuild indexes stored vectors with id >= from that are not yet indexed,
// stopping after limit vectors (limit <= 0 means all). It is resumable
// from the returned progress. Rebuild reads every stored vector and must
// not be called from a constrained call path.
func (db *DB) Rebuild(ctx context.Context, from uint64, limit int) (RebuildProgress, error) {
	start := time.Now()
	if err := db.acquire(); err != nil {
		return RebuildProgress{Next: from}, err
	}
	defer db.release()

	p, err := db.bridge.BuildIndexFromStorage(ctx, from, limit)
	progress := RebuildProgress(p)
	err = translateError(err)

	db.metrics.RecordRebuild(p.Indexed, p.Failed, time.Since(start))
	db.logger.LogRebuild(ctx, progress, err)
	return progress, err
}

// Validate checks the structural invariants of the index.
func (db *DB) Validate() error {
	if err := db.acquire(); err != nil {
		return err
	}
	defer db.release()

	return translateError(db.bridge.Index().Validate())
}

// Sync flushes storage to the device.
func (db *DB) Sync(ctx context.Context) error {
	if err := db.acquire(); err != nil {
		return err
	}
	defer db.release()

	return translateError(db.storage.Sync(ctx))
}

// Stats returns a snapshot of index, cache and storage statistics.
func (db *DB) Stats() Stats {
	bs := db.bridge.Stats()
	return Stats{
		NodeCount:          bs.Index.Nodes,
		CacheHitRate:       bs.Storage.Cache.HitRate(),
		MemoryPoolUsage:    bs.Index.PoolBytes,
		StackUsageEstimate: bs.Index.StackPeak,
		StackLimit:         bs.Index.StackLimit,
		StoredCount:        bs.Storage.Vectors,
		UnindexedCount:     bs.Unindexed,
		CacheBytes:         bs.Storage.Cache.Bytes,
		StorageState:       bs.Storage.State.String(),
		VolumeID:           db.volumeID,
	}
}

// Close syncs storage and closes the journal. The device is not closed.
// Close waits for in-flight operations; calling it twice returns ErrClosed.
func (db *DB) Close() error {
	db.mu.Lock()
	defer db.mu.Unlock()

	if db.closed {
		return ErrClosed
	}
	db.closed = true

	var errs []error
	if db.storage.State() == storage.StateReady {
		if err := db.storage.Sync(context.Background()); err != nil {
			errs = append(errs, translateError(err))
		}
	}
	if err := db.storage.Close(); err != nil {
		errs = append(errs, err)
	}
	if db.journal != nil {
		if err := db.journal.Checkpoint(); err != nil && !errors.Is(err, wal.ErrTxnActive) {
			errs = append(errs, err)
		}
		if err := db.journal.Close(); err != nil {
			errs = append(errs, err)
		}
	}

	db.logger.Info("volume closed")
	return errors.Join(errs...)
}
