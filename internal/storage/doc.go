// Package storage implements the bounded vector storage manager.
//
// The Manager maps vector ids to records on a blockdev.Device and keeps a
// bounded cache of decoded vectors. Construction does no I/O and allocates
// nothing beyond the struct; the location tree, the cache and the recovery
// scan are set up by EnsureInitialized, which every operation calls first.
//
// # Record format
//
// Records start on chunk boundaries and occupy a whole number of chunks:
//
//	+--------+-------+-------+------+----+-----+------------+--------+-----+
//	| magic  | flags | codec | rsvd | id | dim | payloadLen | crc32c | seq |
//	| u32    | u16   | u8    | u8   | u64| u32 | u32        | u32    | u32 |
//	+--------+-------+-------+------+----+-----+------------+--------+-----+
//	| payload: little-endian float32s, or an lz4 block                     |
//	+-----------------------------------------------------------------------+
//
// The checksum covers id, dim, payloadLen and the payload. Deleting a record
// only flips the tombstone flag. All device I/O moves at most one chunk per
// call; the chunk holding the header is written last so a torn write is never
// recovered as a valid record.
package storage
