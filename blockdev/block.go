package blockdev

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// BlockStore persists fixed-size blocks by index.
type BlockStore interface {
	// GetBlock returns the block at idx or ErrBlockNotFound.
	GetBlock(ctx context.Context, idx int64) ([]byte, error)
	// PutBlock replaces the block at idx. The store may retain data.
	PutBlock(ctx context.Context, idx int64, data []byte) error
	// Blocks returns one past the highest stored block index.
	Blocks(ctx context.Context) (int64, error)
	Sync(ctx context.Context) error
	Close() error
}

// BlockDevice adapts a BlockStore to the Device interface. Writes that do
// not cover a whole block read the block first.
type BlockDevice struct {
	mu        sync.Mutex
	store     BlockStore
	blockSize int64
	size      int64
	closed    bool
}

// NewBlockDevice opens a device over store. The initial size is derived from
// the highest stored block, so it is always a multiple of blockSize.
func NewBlockDevice(ctx context.Context, store BlockStore, blockSize int) (*BlockDevice, error) {
	if blockSize <= 0 {
		blockSize = DefaultBlockSize
	}
	n, err := store.Blocks(ctx)
	if err != nil {
		return nil, fmt.Errorf("count blocks: %w", err)
	}
	return &BlockDevice{
		store:     store,
		blockSize: int64(blockSize),
		size:      n * int64(blockSize),
	}, nil
}

// BlockSize returns the block size in bytes.
func (d *BlockDevice) BlockSize() int { return int(d.blockSize) }

func (d *BlockDevice) getBlock(ctx context.Context, idx int64) ([]byte, error) {
	b, err := d.store.GetBlock(ctx, idx)
	if errors.Is(err, ErrBlockNotFound) {
		return make([]byte, d.blockSize), nil
	}
	if err != nil {
		return nil, err
	}
	if int64(len(b)) < d.blockSize {
		padded := make([]byte, d.blockSize)
		copy(padded, b)
		b = padded
	}
	return b, nil
}

func (d *BlockDevice) ReadBlock(ctx context.Context, off int64, p []byte) (int, error) {
	if off < 0 {
		return 0, &ErrInvalidOffset{Offset: off}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return 0, ErrClosed
	}
	if off >= d.size {
		return 0, io.EOF
	}

	want := min(int64(len(p)), d.size-off)
	n := int64(0)
	for n < want {
		if err := ctx.Err(); err != nil {
			return int(n), err
		}
		idx := (off + n) / d.blockSize
		inner := (off + n) % d.blockSize

		b, err := d.getBlock(ctx, idx)
		if err != nil {
			return int(n), err
		}
		n += int64(copy(p[n:want], b[inner:]))
	}
	if n < int64(len(p)) {
		return int(n), io.EOF
	}
	return int(n), nil
}

func (d *BlockDevice) WriteBlock(ctx context.Context, off int64, p []byte) error {
	if off < 0 {
		return &ErrInvalidOffset{Offset: off}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}

	n := int64(0)
	for n < int64(len(p)) {
		if err := ctx.Err(); err != nil {
			return err
		}
		idx := (off + n) / d.blockSize
		inner := (off + n) % d.blockSize
		rest := int64(len(p)) - n

		var b []byte
		if inner == 0 && rest >= d.blockSize {
			b = make([]byte, d.blockSize)
		} else {
			var err error
			if b, err = d.getBlock(ctx, idx); err != nil {
				return err
			}
		}
		c := int64(copy(b[inner:], p[n:]))

		if err := d.store.PutBlock(ctx, idx, b); err != nil {
			return err
		}
		n += c
		if end := (idx + 1) * d.blockSize; end > d.size {
			d.size = end
		}
	}
	return nil
}

func (d *BlockDevice) Size() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.size
}

func (d *BlockDevice) Sync(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	return d.store.Sync(ctx)
}

func (d *BlockDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil
	}
	d.closed = true
	return d.store.Close()
}
