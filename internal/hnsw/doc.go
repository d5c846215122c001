// Package hnsw implements a stack-bounded Hierarchical Navigable Small World graph.
//
// Every traversal is an explicit loop over heap-owned queues taken from a
// bounded pool. Each step that would be a nested call in the textbook
// formulation (descending one layer, examining one neighbor, invoking the
// distance callback) declares a fixed byte cost to a stackmon.Monitor first,
// and the operation aborts with ErrStackOverflow instead of exceeding the
// configured budget.
//
// The index stores no vectors. Insert resolves other nodes' vectors through
// an injected VectorFunc and Search ranks nodes through a caller supplied
// DistFunc, so the graph has no opinion on the metric or on where data lives.
//
// # Parameters
//
//   - M: Max connections per node on layers >= 1 (default: 16)
//   - M0: Max connections on layer 0 (default: 2*M)
//   - EFConstruction: Construction beam width (default: 200)
//   - EFSearch: Search beam width when the caller passes ef <= 0 (default: 50)
//
// # Insert
//
// Insert runs in two phases. Planning (greedy descent, beam search and
// heuristic neighbor selection) reads the graph only, so a failure there
// leaves the graph untouched. Linking publishes the node with its forward
// lists, then back-links neighbors layer 0 first in ascending distance
// order. The link budget is reserved before the first mutation.
//
// # Reference
//
// Malkov & Yashunin, "Efficient and robust approximate nearest neighbor search
// using Hierarchical Navigable Small World graphs", IEEE TPAMI 2018.
package hnsw
