// Package cache provides a capacity-bounded cache of decoded vectors.
//
// The VectorCache holds at most a fixed number of vectors and charges their
// payload bytes against a resource.Budget. When either bound is hit the
// cache evicts in policy order:
//
//   - PolicyLRU evicts the least recently read or written vector
//   - PolicyFIFO evicts the oldest inserted vector; reads do not reorder
//
// Growth only fails with ErrCacheExhausted when the memory budget still
// refuses the vector after every other entry has been evicted.
package cache
