// Package vecfs provides the vector index of a vector-similarity
// filesystem: file data indexed as high-dimensional vectors, searchable
// through an approximate nearest-neighbor graph and persisted on a block
// device.
//
// The index is a stack-bounded HNSW graph. Every step that a recursive
// formulation would nest is charged a fixed declared cost against a stack
// budget (6144 bytes by default), so insert and search run inside small
// constrained call paths and fail with ErrStackOverflow instead of
// overflowing. Vectors live in a storage manager that initializes lazily,
// moves data in fixed-size chunks and caches decoded vectors under a count
// and byte budget.
//
// # Quick Start
//
//	ctx := context.Background()
//	dev, _ := blockdev.OpenFile("./vectors.dat")
//	defer dev.Close()
//
//	db, _ := vecfs.Open(ctx, dev, vecfs.WithDimension(128))
//	defer db.Close()
//
//	_ = db.InsertVector(ctx, 1, vec)
//	results, _ := db.SearchSimilar(ctx, query, 10)
//	for _, r := range results {
//	    fmt.Println(r.ID, r.Distance)
//	}
//
// # Soft Failures
//
// InsertVector writes the vector to storage before indexing it. When
// indexing fails after the write succeeded, the vector is stored but not
// indexed and the error satisfies IsNotIndexed:
//
//	if err := db.InsertVector(ctx, id, vec); vecfs.IsNotIndexed(err) {
//	    _ = db.Reindex(ctx, id) // no re-upload needed
//	}
//
// # Reopening
//
// The graph is held in memory. After reopening a device, Rebuild indexes
// the stored vectors; it is resumable and may be run in the background:
//
//	p, _ := db.Rebuild(ctx, 0, 10000)
//	for !p.Done {
//	    p, _ = db.Rebuild(ctx, p.Next, 10000)
//	}
//
// Setting MemoryConfig.EnableLazyLoading to false makes Open do this
// before it returns.
//
// # Crash Atomicity
//
// WithJournal enables an intent journal. Every insert and remove writes a
// begin record before touching storage and a commit or abort record after.
// Open re-applies intents a crash left open.
package vecfs
