// Package wal implements the intent journal: a CRC32C framed, group
// committed append-only log of begin, commit and abort records.
package wal
