package storage

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/hupe1980/vecfs/blockdev"
	"github.com/hupe1980/vecfs/internal/cache"
	"github.com/hupe1980/vecfs/internal/hash"
	"github.com/hupe1980/vecfs/internal/resource"
	"github.com/tidwall/btree"
)

// DefaultChunkSize is the largest transfer of a single device call.
const DefaultChunkSize = 4096

// State is the lazy initialization state of a Manager.
type State int32

const (
	StateUninitialized State = iota
	StateInitializing
	StateReady
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateInitializing:
		return "initializing"
	case StateReady:
		return "ready"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// VectorLocation maps a vector id to its record on the device.
type VectorLocation struct {
	ID     uint64
	Offset int64
	// Length is the record size in bytes, header included.
	Length uint32
	Dim    int
	// Cached reports whether the decoded vector is in memory. Only set on
	// values returned by Location and Ascend.
	Cached bool

	seq uint32
}

func locationLess(a, b VectorLocation) bool { return a.ID < b.ID }

// Options configures a Manager.
type Options struct {
	// Dimension, if positive, is enforced by PutVector.
	Dimension int
	// ChunkSize bounds the bytes moved by one device call.
	ChunkSize int
	// MaxVectorsInMemory caps the number of cached vectors. 0 means no
	// count cap.
	MaxVectorsInMemory int
	CachePolicy        cache.Policy
	Compression        Compression
	// Resource charges cached bytes against a memory budget.
	Resource *resource.Budget
	Logger   *slog.Logger
}

// DefaultOptions contains the default storage options.
var DefaultOptions = Options{
	ChunkSize:          DefaultChunkSize,
	MaxVectorsInMemory: 10000,
	CachePolicy:        cache.PolicyLRU,
	Compression:        CompressionNone,
}

// Stats is a snapshot of manager counters.
type Stats struct {
	State       State
	Vectors     int
	DeviceBytes int64
	FreeBytes   int64
	FreeExtents int
	Reads       int64
	Writes      int64
	ChunkReads  int64
	ChunkWrites int64
	Cache       cache.Stats
}

// Manager is the bounded vector storage manager. All methods are safe for
// concurrent use; one mutex is held for the duration of each call except
// ReadVector, which never takes it.
type Manager struct {
	dev    blockdev.Device
	opts   Options
	logger *slog.Logger

	state atomic.Int32

	mu      sync.Mutex
	initErr error
	closed  bool
	locs    *btree.BTreeG[VectorLocation]
	free    *freeSpace
	cache   *cache.VectorCache
	scratch []byte
	tail    int64
	seq     uint32

	// view is republished under mu after every change to locs.
	view atomic.Pointer[readView]

	reads       atomic.Int64
	writes      atomic.Int64
	chunkReads  atomic.Int64
	chunkWrites atomic.Int64
}

// readView is a copy-on-write snapshot of the location tree.
type readView struct {
	locs  *btree.BTreeG[VectorLocation]
	cache *cache.VectorCache
}

// New returns a manager over dev. It performs no I/O; see EnsureInitialized.
func New(dev blockdev.Device, optFns ...func(o *Options)) *Manager {
	opts := DefaultOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.ChunkSize < 2*headerSize {
		opts.ChunkSize = DefaultChunkSize
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Manager{
		dev:    dev,
		opts:   opts,
		logger: logger,
	}
}

// State returns the initialization state without blocking.
func (m *Manager) State() State {
	return State(m.state.Load())
}

// ChunkSize returns the configured chunk size.
func (m *Manager) ChunkSize() int { return m.opts.ChunkSize }

// EnsureInitialized builds the in-memory state by scanning the device.
// It is idempotent. A failed scan leaves the manager in StateFailed for
// good, except when the failure was ctx being done.
func (m *Manager) EnsureInitialized(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureLocked(ctx)
}

func (m *Manager) ensureLocked(ctx context.Context) error {
	if m.closed {
		return ErrClosed
	}

	switch m.State() {
	case StateReady:
		return nil
	case StateFailed:
		return fmt.Errorf("%w: %w", ErrInitFailed, m.initErr)
	}

	m.state.Store(int32(StateInitializing))
	m.locs = btree.NewBTreeGOptions(locationLess, btree.Options{NoLocks: true})
	m.free = newFreeSpace()
	m.cache = cache.NewVectorCache(m.opts.MaxVectorsInMemory, m.opts.CachePolicy, m.opts.Resource)
	m.scratch = make([]byte, m.opts.ChunkSize)

	if err := m.recover(ctx); err != nil {
		m.locs, m.free, m.cache = nil, nil, nil
		m.view.Store(nil)
		if ctxErr := ctx.Err(); ctxErr != nil && errors.Is(err, ctxErr) {
			m.state.Store(int32(StateUninitialized))
			return err
		}
		m.initErr = err
		m.state.Store(int32(StateFailed))
		m.logger.Error("storage initialization failed", "error", err)
		return fmt.Errorf("%w: %w", ErrInitFailed, err)
	}

	m.publish()
	m.state.Store(int32(StateReady))
	m.logger.Info("storage ready",
		"vectors", m.locs.Len(),
		"device_bytes", m.dev.Size(),
		"free_bytes", m.free.total,
	)
	return nil
}

// GetVector returns an owned copy of the vector stored under id.
func (m *Manager) GetVector(ctx context.Context, id uint64) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return nil, err
	}

	loc, ok := m.locs.Get(VectorLocation{ID: id})
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	m.reads.Add(1)

	if vec, ok := m.cache.Get(id); ok {
		return slices.Clone(vec), nil
	}

	vec, err := m.readRecord(ctx, loc, m.scratch)
	if err != nil {
		return nil, err
	}
	if err := m.cache.Set(id, vec); err != nil {
		return nil, fmt.Errorf("get %d: %w", id, err)
	}
	return slices.Clone(vec), nil
}

// PutVector writes vec under id, replacing any previous vector. The write
// goes through to the device before the location is published. A cache
// failure is reported after the vector is durable in the device.
func (m *Manager) PutVector(ctx context.Context, id uint64, vec []float32) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if m.opts.Dimension > 0 && len(vec) != m.opts.Dimension {
		return &ErrDimensionMismatch{Expected: m.opts.Dimension, Actual: len(vec)}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return err
	}

	payload, c, err := encodePayload(vec, m.opts.Compression)
	if err != nil {
		return fmt.Errorf("encode %d: %w", id, err)
	}

	m.seq++
	h := header{
		codec:      c,
		id:         id,
		dim:        uint32(len(vec)),
		payloadLen: uint32(len(payload)),
		seq:        m.seq,
	}
	h.crc = hash.UpdateCRC32C(h.checksumSeed(), payload)

	size := recordLen(h.payloadLen, m.opts.ChunkSize)
	off := m.allocate(size)
	if err := m.writeRecord(ctx, off, &h, payload); err != nil {
		m.releaseRecord(ctx, extent{Offset: off, Length: size})
		return ioFailure("write", id, err)
	}
	m.writes.Add(1)

	loc := VectorLocation{
		ID:     id,
		Offset: off,
		Length: uint32(headerSize + len(payload)),
		Dim:    len(vec),
		seq:    h.seq,
	}
	old, replaced := m.locs.Set(loc)
	m.publish()
	if replaced {
		// The newer sequence number wins on recovery, so a lost tombstone
		// is harmless.
		if err := m.tombstone(ctx, old); err != nil {
			m.logger.Warn("tombstone of replaced record failed", "id", id, "offset", old.Offset, "error", err)
		}
		m.releaseRecord(ctx, extent{Offset: old.Offset, Length: m.extentLen(old)})
	}

	if err := m.cache.Set(id, slices.Clone(vec)); err != nil {
		m.cache.Invalidate(id)
		return fmt.Errorf("put %d: %w", id, err)
	}
	return nil
}

// DeleteVector tombstones the record of id and frees its space.
func (m *Manager) DeleteVector(ctx context.Context, id uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return err
	}

	loc, ok := m.locs.Get(VectorLocation{ID: id})
	if !ok {
		return fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	if err := m.tombstone(ctx, loc); err != nil {
		return ioFailure("delete", id, err)
	}

	m.locs.Delete(loc)
	m.publish()
	m.releaseRecord(ctx, extent{Offset: loc.Offset, Length: m.extentLen(loc)})
	m.cache.Invalidate(id)
	return nil
}

// Has reports whether a vector is stored under id.
func (m *Manager) Has(ctx context.Context, id uint64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return false, err
	}
	_, ok := m.locs.Get(VectorLocation{ID: id})
	return ok, nil
}

// Location returns the location of id.
func (m *Manager) Location(ctx context.Context, id uint64) (VectorLocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.ensureLocked(ctx); err != nil {
		return VectorLocation{}, err
	}
	loc, ok := m.locs.Get(VectorLocation{ID: id})
	if !ok {
		return VectorLocation{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	loc.Cached = m.cache.Contains(id)
	return loc, nil
}

// Len returns the number of stored vectors, or 0 before initialization.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.locs == nil {
		return 0
	}
	return m.locs.Len()
}

const ascendBatch = 256

// Ascend calls fn for every location with ID >= from in ascending id order
// until fn returns false. The lock is not held while fn runs, so fn may call
// back into the manager; locations changed concurrently may or may not be
// visited.
func (m *Manager) Ascend(ctx context.Context, from uint64, fn func(loc VectorLocation) bool) error {
	batch := make([]VectorLocation, 0, ascendBatch)
	next := from

	for {
		m.mu.Lock()
		if err := m.ensureLocked(ctx); err != nil {
			m.mu.Unlock()
			return err
		}
		batch = batch[:0]
		m.locs.Ascend(VectorLocation{ID: next}, func(loc VectorLocation) bool {
			loc.Cached = m.cache.Contains(loc.ID)
			batch = append(batch, loc)
			return len(batch) < ascendBatch
		})
		m.mu.Unlock()

		for _, loc := range batch {
			if !fn(loc) {
				return nil
			}
		}
		if len(batch) < ascendBatch {
			return nil
		}
		last := batch[len(batch)-1].ID
		if last == math.MaxUint64 {
			return nil
		}
		next = last + 1

		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

// Sync flushes the device.
func (m *Manager) Sync(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if err := m.dev.Sync(ctx); err != nil {
		return fmt.Errorf("%w: sync: %w", ErrIOFailure, err)
	}
	return nil
}

// Close drops the cache. The device is owned by the caller.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil
	}
	m.closed = true
	m.view.Store(nil)
	if m.cache != nil {
		m.cache.Purge()
	}
	return nil
}

func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := Stats{
		State:       m.State(),
		DeviceBytes: m.dev.Size(),
		Reads:       m.reads.Load(),
		Writes:      m.writes.Load(),
		ChunkReads:  m.chunkReads.Load(),
		ChunkWrites: m.chunkWrites.Load(),
	}
	if m.locs != nil {
		s.Vectors = m.locs.Len()
		s.FreeBytes = m.free.total
		s.FreeExtents = m.free.len()
		s.Cache = m.cache.Stats()
	}
	return s
}

func (m *Manager) extentLen(loc VectorLocation) int64 {
	return roundUp(int64(loc.Length), int64(m.opts.ChunkSize))
}

// allocate returns the offset of a free extent of size bytes, growing the
// device tail when no free extent fits.
func (m *Manager) allocate(size int64) int64 {
	if off, ok := m.free.allocate(size); ok {
		return off
	}
	m.tail = m.free.trimTail(m.tail)
	off := m.tail
	m.tail += size
	return off
}

// readFull reads len(p) bytes at off in one device call.
func (m *Manager) readFull(ctx context.Context, off int64, p []byte) error {
	m.chunkReads.Add(1)
	n, err := m.dev.ReadBlock(ctx, off, p)
	if n == len(p) {
		return nil
	}
	if err == nil || errors.Is(err, io.EOF) {
		err = io.ErrUnexpectedEOF
	}
	return err
}

func (m *Manager) writeChunk(ctx context.Context, off int64, p []byte) error {
	m.chunkWrites.Add(1)
	return m.dev.WriteBlock(ctx, off, p)
}

// ReadVector is GetVector without the manager lock, for callers that hold
// locks of their own. It reads a location snapshot and the device directly
// and never fills the cache. A record rewritten while it was being read is
// retried against a fresh snapshot. The manager must be ready.
func (m *Manager) ReadVector(ctx context.Context, id uint64) ([]float32, error) {
	v := m.view.Load()
	if v == nil {
		return nil, ErrNotReady
	}
	buf := make([]byte, m.opts.ChunkSize)
	var err error
	for range readRetries {
		loc, ok := v.locs.Get(VectorLocation{ID: id})
		if !ok {
			return nil, fmt.Errorf("%w: %d", ErrNotFound, id)
		}
		m.reads.Add(1)
		if vec, ok := v.cache.Get(id); ok {
			return slices.Clone(vec), nil
		}

		var vec []float32
		vec, err = m.readRecord(ctx, loc, buf)
		if err == nil || !errors.Is(err, ErrCorrupted) {
			return vec, err
		}
		next := m.view.Load()
		if next == nil {
			return nil, ErrNotReady
		}
		if next == v {
			return nil, err
		}
		v = next
	}
	return nil, err
}

const readRetries = 8

// publish stores a snapshot of locs for ReadVector. The copy is O(1); the
// tree copies shared nodes on its next write.
func (m *Manager) publish() {
	m.view.Store(&readView{locs: m.locs.Copy(), cache: m.cache})
}

// readRecord reads and verifies the record at loc chunk by chunk. buf must
// hold one chunk.
func (m *Manager) readRecord(ctx context.Context, loc VectorLocation, buf []byte) ([]float32, error) {
	chunk := int64(m.opts.ChunkSize)
	first := min(int64(loc.Length), chunk)

	buf = buf[:first]
	if err := m.readFull(ctx, loc.Offset, buf); err != nil {
		return nil, ioFailure("read", loc.ID, err)
	}
	h, ok := decodeHeader(buf)
	if !ok || h.id != loc.ID || h.seq != loc.seq || h.tombstoned() || headerSize+int64(h.payloadLen) != int64(loc.Length) {
		return nil, fmt.Errorf("%w: bad header for %d at offset %d", ErrCorrupted, loc.ID, loc.Offset)
	}

	payload := make([]byte, h.payloadLen)
	copied := int64(copy(payload, buf[headerSize:]))
	for off := loc.Offset + chunk; copied < int64(len(payload)); off += chunk {
		want := min(chunk, int64(len(payload))-copied)
		if err := m.readFull(ctx, off, payload[copied:copied+want]); err != nil {
			return nil, ioFailure("read", loc.ID, err)
		}
		copied += want
	}

	if crc := hash.UpdateCRC32C(h.checksumSeed(), payload); crc != h.crc {
		return nil, fmt.Errorf("%w: checksum mismatch for %d", ErrCorrupted, loc.ID)
	}
	return decodePayload(h.codec, payload, int(h.dim))
}

// writeRecord writes the payload chunks first and the header chunk last.
func (m *Manager) writeRecord(ctx context.Context, off int64, h *header, payload []byte) error {
	chunk := int64(m.opts.ChunkSize)
	inFirst := min(chunk-headerSize, int64(len(payload)))

	rest := payload[inFirst:]
	pos := off + chunk
	for i := int64(0); i < int64(len(rest)); i += chunk {
		if err := m.writeChunk(ctx, pos, rest[i:min(i+chunk, int64(len(rest)))]); err != nil {
			return err
		}
		pos += chunk
	}

	buf := m.scratch[:headerSize+inFirst]
	h.encode(buf)
	copy(buf[headerSize:], payload[:inFirst])
	return m.writeChunk(ctx, off, buf)
}

// scrub clears the record magic at every interior chunk start of ext, so
// payload bytes of a freed record are never taken for a header by a later
// scan. The first chunk holds the record's own header and is left alone.
func (m *Manager) scrub(ctx context.Context, ext extent) error {
	chunk := int64(m.opts.ChunkSize)
	var magic [4]byte
	for off := ext.Offset + chunk; off < ext.Offset+ext.Length; off += chunk {
		m.chunkReads.Add(1)
		n, err := m.dev.ReadBlock(ctx, off, magic[:])
		if err != nil && !errors.Is(err, io.EOF) {
			return err
		}
		if n < len(magic) || binary.LittleEndian.Uint32(magic[:]) != recordMagic {
			continue
		}
		if err := m.writeChunk(ctx, off, make([]byte, len(magic))); err != nil {
			return err
		}
	}
	return nil
}

// releaseRecord scrubs ext and returns it to the free list. An extent that
// cannot be scrubbed stays allocated until the next scan.
func (m *Manager) releaseRecord(ctx context.Context, ext extent) {
	if err := m.scrub(ctx, ext); err != nil {
		m.logger.Warn("scrub of freed extent failed", "offset", ext.Offset, "length", ext.Length, "error", err)
		return
	}
	m.free.release(ext)
}

var tombstoneFlags = []byte{byte(flagTombstone), byte(flagTombstone >> 8)}

func (m *Manager) tombstone(ctx context.Context, loc VectorLocation) error {
	return m.writeChunk(ctx, loc.Offset+4, tombstoneFlags)
}
