// Package hash provides the CRC32-Castagnoli checksum used by vector records
// and journal frames.
//
// For one-shot checksums:
//
//	checksum := hash.CRC32C(data)
//
// For chunked input:
//
//	var crc uint32
//	crc = hash.UpdateCRC32C(crc, chunk1)
//	crc = hash.UpdateCRC32C(crc, chunk2)
//
// Go's crc32 package uses SSE4.2 / ARM CRC instructions when available.
package hash
