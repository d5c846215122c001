package bridge

import (
	"context"
	"errors"
	"math"

	"golang.org/x/sync/errgroup"

	"github.com/hupe1980/vecfs/internal/hnsw"
	"github.com/hupe1980/vecfs/internal/storage"
)

// Progress reports how far a rebuild got. Pass Next as from to resume.
type Progress struct {
	Next    uint64
	Indexed int
	Skipped int
	Failed  int
	Done    bool
}

// BuildIndexFromStorage indexes stored vectors with id >= from in ascending
// id order. Vectors already indexed are skipped. It stops after limit
// vectors were indexed or failed (limit <= 0 means no limit), when storage
// is exhausted, or when ctx is done.
//
// Vectors are read concurrently in batches and inserted one at a time. The
// bridge lock is only held while a batch is inserted, so mutations proceed
// between batches. Vectors that fail to index are marked unindexed and do
// not stop the rebuild.
//
// Rebuilds may touch every stored vector and must not run on a constrained
// call path.
func (b *Bridge) BuildIndexFromStorage(ctx context.Context, from uint64, limit int) (Progress, error) {
	p := Progress{Next: from}

	done, err := b.opts.Resource.BeginRebuild(ctx)
	if err != nil {
		return p, err
	}
	defer done()

	batch := make([]storage.VectorLocation, 0, b.opts.RebuildBatch)
	todo := make([]storage.VectorLocation, 0, b.opts.RebuildBatch)

	for {
		if err := ctx.Err(); err != nil {
			return p, err
		}

		want := b.opts.RebuildBatch
		if limit > 0 {
			want = min(want, limit-p.Indexed-p.Failed)
		}
		if want <= 0 {
			return p, nil
		}

		batch = batch[:0]
		exhausted := true
		err := b.st.Ascend(ctx, p.Next, func(loc storage.VectorLocation) bool {
			if len(batch) == want {
				exhausted = false
				return false
			}
			batch = append(batch, loc)
			return true
		})
		if err != nil {
			return p, err
		}

		todo = todo[:0]
		for _, loc := range batch {
			if b.idx.Contains(loc.ID) {
				p.Skipped++
				continue
			}
			todo = append(todo, loc)
		}

		vecs, errs, err := b.prefetch(ctx, todo)
		if err != nil {
			return p, err
		}
		b.insertBatch(ctx, &p, todo, vecs, errs)

		if n := len(batch); n > 0 {
			last := batch[n-1].ID
			if last == math.MaxUint64 {
				exhausted = true
			} else {
				p.Next = last + 1
			}
		}

		b.logger.Debug("rebuild batch", "next", p.Next, "indexed", p.Indexed, "skipped", p.Skipped, "failed", p.Failed)

		if exhausted {
			p.Done = true
			b.logger.Info("rebuild complete", "indexed", p.Indexed, "skipped", p.Skipped, "failed", p.Failed)
			return p, nil
		}
	}
}

// prefetch reads locs concurrently. Per-vector errors are returned in errs;
// the error result is set only when ctx is done.
func (b *Bridge) prefetch(ctx context.Context, locs []storage.VectorLocation) ([][]float32, []error, error) {
	vecs := make([][]float32, len(locs))
	errs := make([]error, len(locs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(b.opts.PrefetchWorkers)
	for i, loc := range locs {
		g.Go(func() error {
			if err := b.opts.Resource.ThrottleRead(gctx, int(loc.Length)); err != nil {
				return err
			}
			vecs[i], errs[i] = b.st.GetVector(gctx, loc.ID)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}
	return vecs, errs, nil
}

func (b *Bridge) insertBatch(ctx context.Context, p *Progress, locs []storage.VectorLocation, vecs [][]float32, errs []error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, loc := range locs {
		if err := errs[i]; err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				p.Skipped++
				continue
			}
			p.Failed++
			b.markUnindexed(loc.ID)
			b.logger.Warn("rebuild read failed", "id", loc.ID, "error", err)
			continue
		}

		// Removed since the batch was read.
		if stored, err := b.st.Has(ctx, loc.ID); err != nil || !stored {
			p.Skipped++
			continue
		}

		switch err := b.idx.Insert(loc.ID, vecs[i]); {
		case err == nil:
			p.Indexed++
			b.clearUnindexed(loc.ID)
		case errors.Is(err, hnsw.ErrDuplicateID):
			p.Skipped++
		default:
			p.Failed++
			b.markUnindexed(loc.ID)
			b.logger.Warn("rebuild insert failed", "id", loc.ID, "error", err)
		}
	}
}
