// Package blockdev defines the backing storage used by the vector storage
// manager.
//
// A Device is a flat, growable byte address space with positional reads and
// writes. Only a single WriteBlock call is atomic with respect to concurrent
// readers; nothing is atomic across a crash beyond what the medium offers.
//
// # Implementations
//
//   - [MemoryDevice]: in-process byte slice, for tests and scratch volumes
//   - [FileDevice]: a single file opened through internal/fs
//   - [BlockDevice]: fixed-size blocks kept in a [BlockStore]; used by
//     [NewBadgerStore] and the minio and s3 subpackages (one key or object
//     per block, partial writes are read-modify-write)
//
// Unwritten ranges inside Size read as zeros.
package blockdev
