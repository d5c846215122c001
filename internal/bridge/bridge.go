package bridge

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/RoaringBitmap/roaring/v2/roaring64"

	"github.com/hupe1980/vecfs/internal/hnsw"
	"github.com/hupe1980/vecfs/internal/resource"
	"github.com/hupe1980/vecfs/internal/storage"
	"github.com/hupe1980/vecfs/internal/wal"
)

// Result is one search hit.
type Result = hnsw.Candidate

// Options configures a Bridge.
type Options struct {
	// Index configures the graph. Vectors is always replaced by the
	// bridge's storage resolver.
	Index hnsw.Options
	// Journal, if set, wraps every mutation in a transaction.
	Journal Journal
	// Resource throttles rebuild reads and serializes rebuilds.
	Resource *resource.Budget
	// PrefetchWorkers bounds concurrent reads during a rebuild.
	PrefetchWorkers int
	// RebuildBatch is the number of locations handled per rebuild round.
	RebuildBatch int
	Logger       *slog.Logger
}

// DefaultOptions returns the default bridge options.
func DefaultOptions() Options {
	return Options{
		Index:           hnsw.DefaultOptions,
		PrefetchWorkers: 4,
		RebuildBatch:    64,
	}
}

// Bridge owns one index and one storage manager.
type Bridge struct {
	// mu serializes mutations. Searches only take the index lock.
	mu sync.Mutex

	idx    *hnsw.Index
	st     *storage.Manager
	opts   Options
	logger *slog.Logger

	setMu     sync.Mutex
	unindexed *roaring64.Bitmap
}

// New creates a bridge over st with an empty index.
func New(st *storage.Manager, optFns ...func(o *Options)) (*Bridge, error) {
	opts := DefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.PrefetchWorkers <= 0 {
		opts.PrefetchWorkers = 1
	}
	if opts.RebuildBatch <= 0 {
		opts.RebuildBatch = DefaultOptions().RebuildBatch
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	b := &Bridge{
		st:        st,
		opts:      opts,
		logger:    logger,
		unindexed: roaring64.New(),
	}

	indexOpts := opts.Index
	indexOpts.Vectors = b.vector
	if indexOpts.Logger == nil {
		indexOpts.Logger = logger
	}
	idx, err := hnsw.New(func(o *hnsw.Options) { *o = indexOpts })
	if err != nil {
		return nil, err
	}
	b.idx = idx
	return b, nil
}

// Index returns the graph.
func (b *Bridge) Index() *hnsw.Index { return b.idx }

// Storage returns the storage manager.
func (b *Bridge) Storage() *storage.Manager { return b.st }

// vector resolves ids for the index. It runs under the index lock, so it
// must not take the storage lock.
func (b *Bridge) vector(id uint64) ([]float32, error) {
	return b.st.ReadVector(context.Background(), id)
}

func (b *Bridge) begin(ctx context.Context, op wal.Op, id uint64, vec []float32) (Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if b.opts.Journal == nil {
		return noopTxn{}, nil
	}
	return b.opts.Journal.Begin(ctx, op, id, vec)
}

// finish ends tx. A lost terminal record only leaves an intent that
// Recover re-applies, so journal errors are logged.
func (b *Bridge) finish(tx Txn, commit bool, id uint64) {
	var err error
	if commit {
		err = tx.Commit()
	} else {
		err = tx.Abort()
	}
	if err != nil {
		b.logger.Warn("journal finish failed", "id", id, "commit", commit, "error", err)
	}
}

func (b *Bridge) markUnindexed(id uint64) {
	b.setMu.Lock()
	b.unindexed.Add(id)
	b.setMu.Unlock()
}

func (b *Bridge) clearUnindexed(id uint64) {
	b.setMu.Lock()
	b.unindexed.Remove(id)
	b.setMu.Unlock()
}

func (b *Bridge) isUnindexed(id uint64) bool {
	b.setMu.Lock()
	defer b.setMu.Unlock()
	return b.unindexed.Contains(id)
}

// InsertVector stores vec under id and indexes it. An existing vector under
// id is replaced. If storage succeeds and indexing fails, the vector stays
// stored and *ErrNotIndexed is returned.
func (b *Bridge) InsertVector(ctx context.Context, id uint64, vec []float32) error {
	if dim := b.idx.Dimension(); len(vec) != dim {
		return &hnsw.ErrDimensionMismatch{Expected: dim, Actual: len(vec)}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.begin(ctx, wal.OpInsert, id, vec)
	if err != nil {
		return err
	}

	if err := b.st.PutVector(ctx, id, vec); err != nil {
		if !errors.Is(err, storage.ErrCacheExhausted) {
			b.finish(tx, false, id)
			return err
		}
		// The record is durable; only the cache refused it.
		b.finish(tx, true, id)
		return b.softFailure(id, err)
	}
	b.finish(tx, true, id)

	if b.idx.Contains(id) {
		if err := b.idx.Remove(id); err != nil {
			return b.softFailure(id, err)
		}
	}
	if err := b.idx.Insert(id, vec); err != nil {
		return b.softFailure(id, err)
	}
	b.clearUnindexed(id)

	b.logger.Debug("vector inserted", "id", id)
	return nil
}

func (b *Bridge) softFailure(id uint64, cause error) error {
	b.markUnindexed(id)
	b.logger.Warn("vector stored but not indexed", "id", id, "error", cause)
	return &ErrNotIndexed{ID: id, Cause: cause}
}

// IndexStored indexes a vector that is already stored, without rewriting
// it. Vectors that are indexed and not marked unindexed are left alone.
func (b *Bridge) IndexStored(ctx context.Context, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}

	vec, err := b.st.GetVector(ctx, id)
	if err != nil {
		return err
	}

	if b.idx.Contains(id) {
		if !b.isUnindexed(id) {
			return nil
		}
		// Indexed against a replaced vector.
		if err := b.idx.Remove(id); err != nil {
			return &ErrNotIndexed{ID: id, Cause: err}
		}
	}
	if err := b.idx.Insert(id, vec); err != nil {
		b.markUnindexed(id)
		return &ErrNotIndexed{ID: id, Cause: err}
	}
	b.clearUnindexed(id)
	return nil
}

// SearchSimilar returns the k stored vectors closest to query using the
// index's default beam width.
func (b *Bridge) SearchSimilar(ctx context.Context, query []float32, k int) ([]Result, error) {
	return b.SearchSimilarEF(ctx, query, k, 0)
}

// SearchSimilarEF is SearchSimilar with an explicit beam width. ef <= 0
// selects the index default.
func (b *Bridge) SearchSimilarEF(ctx context.Context, query []float32, k, ef int) ([]Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	metric := b.idx.Metric()
	dist := func(id uint64) (float32, error) {
		vec, err := b.st.ReadVector(ctx, id)
		if err != nil {
			return 0, err
		}
		return metric(query, vec), nil
	}
	return b.idx.Search(query, k, ef, dist)
}

// RemoveVector removes id from the index and from storage. A vector that is
// stored but not indexed is removed from storage only.
func (b *Bridge) RemoveVector(ctx context.Context, id uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	tx, err := b.begin(ctx, wal.OpRemove, id, nil)
	if err != nil {
		return err
	}

	if err := b.idx.Remove(id); err != nil {
		if !errors.Is(err, hnsw.ErrNotFound) {
			b.finish(tx, false, id)
			return err
		}
		stored, herr := b.st.Has(ctx, id)
		if herr != nil {
			b.finish(tx, false, id)
			return herr
		}
		if !stored {
			b.finish(tx, false, id)
			return err
		}
	}

	if err := b.st.DeleteVector(ctx, id); err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			// Still stored, no longer indexed.
			b.markUnindexed(id)
			b.finish(tx, false, id)
			return err
		}
	}
	b.clearUnindexed(id)
	b.finish(tx, true, id)

	b.logger.Debug("vector removed", "id", id)
	return nil
}

// Recover re-applies the journal intents left open by a crash and then
// checkpoints the journal. Insert intents are rewritten from the journaled
// vector; remove intents delete whatever is still stored. It returns the
// number of intents applied.
func (b *Bridge) Recover(ctx context.Context) (int, error) {
	j := b.opts.Journal
	if j == nil {
		return 0, ErrNoJournal
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	applied := 0
	for _, in := range j.Pending() {
		switch in.Op {
		case wal.OpInsert:
			if len(in.Vector) == 0 {
				continue
			}
			err := b.st.PutVector(ctx, in.ID, in.Vector)
			if err != nil && !errors.Is(err, storage.ErrCacheExhausted) {
				return applied, err
			}
			if b.idx.Contains(in.ID) {
				b.markUnindexed(in.ID)
			}
			applied++
		case wal.OpRemove:
			if err := b.idx.Remove(in.ID); err != nil && !errors.Is(err, hnsw.ErrNotFound) {
				return applied, err
			}
			err := b.st.DeleteVector(ctx, in.ID)
			if err != nil && !errors.Is(err, storage.ErrNotFound) {
				return applied, err
			}
			b.clearUnindexed(in.ID)
			applied++
		}
	}

	if applied > 0 {
		b.logger.Info("journal recovered", "intents", applied)
	}
	return applied, j.Checkpoint()
}

// Unindexed returns the ids known to be stored but not indexed, ascending.
func (b *Bridge) Unindexed() []uint64 {
	b.setMu.Lock()
	defer b.setMu.Unlock()
	return b.unindexed.ToArray()
}

// Stats combines index, storage and bridge statistics.
type Stats struct {
	Index     hnsw.Stats
	Storage   storage.Stats
	Unindexed int
}

func (b *Bridge) Stats() Stats {
	b.setMu.Lock()
	unindexed := int(b.unindexed.GetCardinality())
	b.setMu.Unlock()

	return Stats{
		Index:     b.idx.Stats(),
		Storage:   b.st.Stats(),
		Unindexed: unindexed,
	}
}
