package wal

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"

	"github.com/hupe1980/vecfs/internal/fs"
)

var (
	// ErrTxnDone is returned when a transaction is committed or aborted twice.
	ErrTxnDone = errors.New("journal transaction already finished")
	// ErrTxnActive is returned by Checkpoint while transactions are open.
	ErrTxnActive = errors.New("journal has open transactions")
)

// Intent is a begun transaction found without its commit or abort record.
type Intent struct {
	Txn    uint64
	Op     Op
	ID     uint64
	Vector []float32
}

// Journal is an intent log on top of a Log. Every mutation writes a durable
// begin record before touching storage or the index, and a commit or abort
// record afterwards. Begins left open by a crash surface as Pending.
type Journal struct {
	log *Log
	enc *zstd.Encoder
	dec *zstd.Decoder

	mu      sync.Mutex
	nextTxn uint64
	active  map[uint64]struct{}
	pending []Intent
}

// OpenJournal opens or creates the journal at path and replays it. A torn
// tail left by an interrupted append is cut off.
func OpenJournal(fsys fs.FileSystem, path string, opts Options) (*Journal, error) {
	l, err := OpenLog(fsys, path, opts)
	if err != nil {
		return nil, err
	}

	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		l.Close()
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		l.Close()
		return nil, err
	}

	j := &Journal{
		log:     l,
		enc:     enc,
		dec:     dec,
		nextTxn: 1,
		active:  make(map[uint64]struct{}),
	}
	if err := j.replay(); err != nil {
		j.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) replay() error {
	open := make(map[uint64]Intent)
	valid, err := j.log.Scan(func(rec *Record) error {
		if rec.Txn >= j.nextTxn {
			j.nextTxn = rec.Txn + 1
		}
		switch rec.Type {
		case RecordTypeBegin:
			in := Intent{Txn: rec.Txn, Op: rec.Op, ID: rec.ID}
			if len(rec.Data) > 0 {
				var err error
				if in.Vector, err = j.decodeVector(rec.Data); err != nil {
					return fmt.Errorf("journal txn %d: %w", rec.Txn, err)
				}
			}
			open[rec.Txn] = in
		case RecordTypeCommit, RecordTypeAbort:
			delete(open, rec.Txn)
		}
		return nil
	})
	switch {
	case errors.Is(err, ErrShortRead), errors.Is(err, ErrInvalidCRC):
		// Torn tail of an interrupted append.
		if err := j.log.truncate(valid); err != nil {
			return err
		}
	case err != nil:
		return err
	}

	j.pending = j.pending[:0]
	for _, in := range open {
		j.pending = append(j.pending, in)
	}
	sort.Slice(j.pending, func(a, b int) bool { return j.pending[a].Txn < j.pending[b].Txn })
	return nil
}

// Pending returns the transactions found open when the journal was opened,
// oldest first.
func (j *Journal) Pending() []Intent {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]Intent(nil), j.pending...)
}

// Begin durably records the intent to apply op to id. vec may be nil.
func (j *Journal) Begin(ctx context.Context, op Op, id uint64, vec []float32) (*Txn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	j.mu.Lock()
	txn := j.nextTxn
	j.nextTxn++
	j.active[txn] = struct{}{}
	j.mu.Unlock()

	rec := &Record{Type: RecordTypeBegin, Txn: txn, Op: op, ID: id}
	if len(vec) > 0 {
		rec.Data = j.encodeVector(vec)
	}
	if err := j.log.Append(rec); err != nil {
		j.finish(txn)
		return nil, err
	}
	return &Txn{j: j, id: txn}, nil
}

func (j *Journal) finish(txn uint64) {
	j.mu.Lock()
	delete(j.active, txn)
	j.mu.Unlock()
}

// Checkpoint drops every record once no transaction is open. Pending
// intents are forgotten, so callers resolve them first.
func (j *Journal) Checkpoint() error {
	j.mu.Lock()
	defer j.mu.Unlock()

	if len(j.active) > 0 {
		return ErrTxnActive
	}
	if err := j.log.Reset(); err != nil {
		return err
	}
	j.pending = nil
	return nil
}

// Size returns the journal size in bytes.
func (j *Journal) Size() int64 {
	return j.log.Size()
}

// Close closes the journal. Open transactions stay pending for the next open.
func (j *Journal) Close() error {
	j.dec.Close()
	encErr := j.enc.Close()
	if err := j.log.Close(); err != nil {
		return err
	}
	return encErr
}

func (j *Journal) encodeVector(vec []float32) []byte {
	raw := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return j.enc.EncodeAll(raw, nil)
}

func (j *Journal) decodeVector(data []byte) ([]float32, error) {
	raw, err := j.dec.DecodeAll(data, nil)
	if err != nil {
		return nil, err
	}
	if len(raw)%4 != 0 {
		return nil, fmt.Errorf("vector payload of %d bytes", len(raw))
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec, nil
}

// Txn is an open journal transaction.
type Txn struct {
	j    *Journal
	id   uint64
	once sync.Once
}

// ID returns the transaction number.
func (t *Txn) ID() uint64 { return t.id }

// Commit records that the transaction took effect.
func (t *Txn) Commit() error { return t.end(RecordTypeCommit) }

// Abort records that the transaction was rolled back or never applied.
func (t *Txn) Abort() error { return t.end(RecordTypeAbort) }

func (t *Txn) end(typ RecordType) error {
	first := false
	t.once.Do(func() { first = true })
	if !first {
		return ErrTxnDone
	}
	defer t.j.finish(t.id)
	return t.j.log.Append(&Record{Type: typ, Txn: t.id})
}
