// Package bridge keeps the HNSW index and the vector storage manager
// consistent.
//
// The Bridge is the only component that calls both in one operation. Vectors
// are written to storage before they are indexed; an index failure after a
// durable write leaves the vector stored but unindexed and is reported as
// *ErrNotIndexed, so the caller can retry indexing without re-uploading.
//
// Lock order is bridge, then index. Storage is locked under the bridge
// mutex only, never under the index lock: the resolver and distance
// callbacks the bridge injects into the index read through
// storage.Manager.ReadVector, which takes no manager lock. Storage never
// calls back into the index.
package bridge
