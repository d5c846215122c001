package wal

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/hupe1980/vecfs/internal/fs"
)

// Durability selects when Append returns.
type Durability int

const (
	// DurabilityAsync returns once the record reached the operating system.
	DurabilityAsync Durability = iota
	// DurabilitySync returns once the record is on stable storage.
	// Concurrent appends share one fsync.
	DurabilitySync
)

const (
	logMagic      = "VECFSJNL"
	logVersion    = 1
	logHeaderSize = 12 // magic + u32 version
)

var (
	ErrIncompatibleVersion = errors.New("incompatible journal version")
	ErrInvalidHeader       = errors.New("invalid journal header")
)

type Options struct {
	Durability Durability
}

func DefaultOptions() Options {
	return Options{Durability: DurabilitySync}
}

// Log is an append-only file of framed records.
type Log struct {
	fsys       fs.FileSystem
	path       string
	durability Durability

	mu      sync.Mutex
	f       fs.File
	scratch bytes.Buffer
	end     int64 // offset past the last written record
	stable  int64 // offset known to be fsynced
	epoch   uint64
	err     error // sticky fsync failure
	closed  bool

	pending *sync.Cond // wakes the syncer
	synced  *sync.Cond // wakes appenders waiting for stable
	syncer  sync.WaitGroup
}

// OpenLog opens or creates the log at path.
func OpenLog(fsys fs.FileSystem, path string, opts Options) (*Log, error) {
	if fsys == nil {
		fsys = fs.Default
	}
	f, err := fsys.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, err
	}
	end, err := prepareHeader(f)
	if err != nil {
		f.Close()
		return nil, err
	}

	l := &Log{
		fsys:       fsys,
		path:       path,
		durability: opts.Durability,
		f:          f,
		end:        end,
		stable:     end,
	}
	l.pending = sync.NewCond(&l.mu)
	l.synced = sync.NewCond(&l.mu)

	if l.durability == DurabilitySync {
		l.syncer.Add(1)
		go l.runSyncer()
	}
	return l, nil
}

// prepareHeader writes the header of an empty file or verifies an existing
// one. It returns the file size.
func prepareHeader(f fs.File) (int64, error) {
	st, err := f.Stat()
	if err != nil {
		return 0, err
	}

	var h [logHeaderSize]byte
	if st.Size() == 0 {
		copy(h[:8], logMagic)
		binary.LittleEndian.PutUint32(h[8:], logVersion)
		if _, err := f.Write(h[:]); err != nil {
			return 0, err
		}
		return logHeaderSize, f.Sync()
	}

	if st.Size() < logHeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrInvalidHeader, st.Size())
	}
	if _, err := f.ReadAt(h[:], 0); err != nil {
		return 0, err
	}
	if string(h[:8]) != logMagic {
		return 0, fmt.Errorf("%w: magic %q", ErrInvalidHeader, h[:8])
	}
	if v := binary.LittleEndian.Uint32(h[8:]); v != logVersion {
		return 0, fmt.Errorf("%w: version %d, want %d", ErrIncompatibleVersion, v, logVersion)
	}
	return st.Size(), nil
}

func (l *Log) usable() error {
	if l.closed {
		return os.ErrClosed
	}
	return l.err
}

func (l *Log) runSyncer() {
	defer l.syncer.Done()

	l.mu.Lock()
	defer l.mu.Unlock()

	for {
		for l.stable >= l.end && !l.closed {
			l.pending.Wait()
		}
		if l.stable >= l.end {
			return
		}

		target, epoch := l.end, l.epoch
		l.mu.Unlock()
		err := l.f.Sync()
		l.mu.Lock()

		if err != nil {
			l.err = fmt.Errorf("journal fsync: %w", err)
			l.synced.Broadcast()
			return
		}
		if epoch == l.epoch && target > l.stable {
			l.stable = target
		}
		l.synced.Broadcast()
	}
}

// Append writes rec. With DurabilitySync it returns once rec is stable.
func (l *Log) Append(rec *Record) error {
	end, epoch, err := l.write(rec)
	if err != nil || l.durability != DurabilitySync {
		return err
	}
	return l.waitStable(end, epoch)
}

func (l *Log) write(rec *Record) (int64, uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usable(); err != nil {
		return 0, 0, err
	}

	l.scratch.Reset()
	if err := rec.Encode(&l.scratch); err != nil {
		return 0, 0, err
	}
	n, err := l.f.Write(l.scratch.Bytes())
	if err != nil {
		// A torn record would hide every later one from Scan.
		if n > 0 {
			if terr := l.f.Truncate(l.end); terr != nil {
				l.err = fmt.Errorf("journal truncate after failed write: %w", errors.Join(err, terr))
			}
		}
		return 0, 0, err
	}
	l.end += int64(n)

	if l.durability == DurabilitySync {
		l.pending.Signal()
	}
	return l.end, l.epoch, nil
}

// waitStable blocks until off is fsynced. A truncation in between discarded
// the record, which ends the wait.
func (l *Log) waitStable(off int64, epoch uint64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	for l.stable < off && l.err == nil && l.epoch == epoch {
		l.synced.Wait()
	}
	if l.epoch != epoch {
		return nil
	}
	return l.err
}

// Sync makes every written record stable.
func (l *Log) Sync() error {
	l.mu.Lock()
	if err := l.usable(); err != nil {
		l.mu.Unlock()
		return err
	}
	if l.durability == DurabilityAsync {
		l.mu.Unlock()
		return l.f.Sync()
	}
	end, epoch := l.end, l.epoch
	l.pending.Signal()
	l.mu.Unlock()

	return l.waitStable(end, epoch)
}

// Size returns the log size in bytes, header included.
func (l *Log) Size() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.end
}

// Reset drops every record.
func (l *Log) Reset() error {
	return l.truncate(logHeaderSize)
}

// truncate cuts the log at off, which must be a record boundary.
func (l *Log) truncate(off int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.usable(); err != nil {
		return err
	}
	if err := l.f.Truncate(off); err != nil {
		return err
	}
	if err := l.f.Sync(); err != nil {
		return err
	}
	l.end, l.stable = off, off
	l.epoch++
	l.synced.Broadcast()
	return nil
}

// Close drains pending fsyncs and closes the file.
func (l *Log) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return os.ErrClosed
	}
	l.closed = true
	l.pending.Signal()
	l.mu.Unlock()

	l.syncer.Wait()
	return l.f.Close()
}

// Scan calls fn for each intact record in log order. It returns the offset
// past the last intact record and the error that stopped the scan, nil at a
// clean end of log.
func (l *Log) Scan(fn func(rec *Record) error) (int64, error) {
	off := int64(logHeaderSize)

	f, err := l.fsys.OpenFile(l.path, os.O_RDONLY, 0)
	if err != nil {
		return off, err
	}
	defer f.Close()

	if _, err := f.Seek(off, io.SeekStart); err != nil {
		return off, err
	}
	r := bufio.NewReader(f)
	for {
		rec, n, err := Decode(r)
		if errors.Is(err, io.EOF) {
			return off, nil
		}
		if err != nil {
			return off, err
		}
		off += n
		if err := fn(rec); err != nil {
			return off, err
		}
	}
}
