package blockdev

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/vecfs/internal/fs"
)

// FileDevice is a Device backed by a single file.
type FileDevice struct {
	mu     sync.RWMutex
	f      fs.File
	size   int64
	closed bool
}

// FileOptions configures OpenFile.
type FileOptions struct {
	// FileSystem defaults to fs.Default.
	FileSystem fs.FileSystem
	// Perm is used when the file is created. Defaults to 0o644.
	Perm os.FileMode
}

// OpenFile opens or creates the device file at path.
func OpenFile(path string, optFns ...func(o *FileOptions)) (*FileDevice, error) {
	opts := FileOptions{
		FileSystem: fs.Default,
		Perm:       0o644,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	f, err := opts.FileSystem.OpenFile(path, os.O_RDWR|os.O_CREATE, opts.Perm)
	if err != nil {
		return nil, err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return &FileDevice{f: f, size: info.Size()}, nil
}

func (d *FileDevice) ReadBlock(ctx context.Context, off int64, p []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if off < 0 {
		return 0, &ErrInvalidOffset{Offset: off}
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return 0, ErrClosed
	}
	if off >= d.size {
		return 0, io.EOF
	}
	n, err := d.f.ReadAt(p, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, err
	}
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (d *FileDevice) WriteBlock(ctx context.Context, off int64, p []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if off < 0 {
		return &ErrInvalidOffset{Offset: off}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return ErrClosed
	}
	n, err := d.f.WriteAt(p, off)
	if end := off + int64(n); end > d.size {
		d.size = end
	}
	return err
}

func (d *FileDevice) Size() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.size
}

// Sync flushes file data to stable storage (fdatasync where available).
func (d *FileDevice) Sync(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.closed {
		return ErrClosed
	}
	return datasync(d.f)
}

func (d *FileDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil
	}
	d.closed = true
	return d.f.Close()
}
