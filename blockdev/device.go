package blockdev

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrClosed is returned by every call on a closed device.
	ErrClosed = errors.New("device closed")

	// ErrBlockNotFound is returned by a BlockStore for a block never written.
	ErrBlockNotFound = errors.New("block not found")
)

// DefaultBlockSize is the block size of block-store backed devices.
const DefaultBlockSize = 4096

// Device is the backing storage interface.
type Device interface {
	// ReadBlock reads len(p) bytes at off. Reads past Size return the bytes
	// available together with io.EOF.
	ReadBlock(ctx context.Context, off int64, p []byte) (int, error)
	// WriteBlock writes p at off, growing the device as needed.
	WriteBlock(ctx context.Context, off int64, p []byte) error
	// Size returns the current device size in bytes.
	Size() int64
	// Sync makes previous writes durable.
	Sync(ctx context.Context) error
	Close() error
}

// ErrInvalidOffset is returned for negative offsets.
type ErrInvalidOffset struct {
	Offset int64
}

func (e *ErrInvalidOffset) Error() string {
	return fmt.Sprintf("invalid offset: %d", e.Offset)
}
