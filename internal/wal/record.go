package wal

import (
	"encoding/binary"
	"errors"
	"io"

	"github.com/hupe1980/vecfs/internal/hash"
)

// RecordType identifies the type of journal record.
type RecordType uint8

const (
	RecordTypeBegin  RecordType = 1
	RecordTypeCommit RecordType = 2
	RecordTypeAbort  RecordType = 3
)

// Op is the operation a transaction announces.
type Op uint8

const (
	OpInsert Op = 1
	OpRemove Op = 2
)

func (o Op) String() string {
	switch o {
	case OpInsert:
		return "insert"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

var (
	ErrInvalidCRC     = errors.New("invalid WAL record checksum")
	ErrInvalidType    = errors.New("invalid WAL record type")
	ErrShortRead      = errors.New("short read in WAL record")
	ErrRecordTooLarge = errors.New("WAL record too large")
)

const (
	recordHeaderSize = 4 + 1 + 8 + 4 // crc, type, txn, length
	maxRecordSize    = 64 << 20
)

// Record is a single journal entry. Op, ID and Data are set on begin
// records only; Data is the encoded vector.
type Record struct {
	Type RecordType
	Txn  uint64
	Op   Op
	ID   uint64
	Data []byte
}

func (r *Record) payloadLen() int {
	if r.Type != RecordTypeBegin {
		return 0
	}
	return 1 + 8 + 4 + len(r.Data)
}

// Size returns the encoded size in bytes.
func (r *Record) Size() int {
	return recordHeaderSize + r.payloadLen()
}

// Encode writes the record to w.
// Format:
// [CRC32C: 4] [Type: 1] [Txn: 8] [Length: 4] [Payload: Length]
// Begin payload: [Op: 1] [ID: 8] [DataLen: 4] [Data: DataLen]
// The checksum covers everything after itself.
func (r *Record) Encode(w io.Writer) error {
	buf := make([]byte, r.Size())
	buf[4] = byte(r.Type)
	binary.LittleEndian.PutUint64(buf[5:], r.Txn)
	binary.LittleEndian.PutUint32(buf[13:], uint32(r.payloadLen()))

	if r.Type == RecordTypeBegin {
		p := buf[recordHeaderSize:]
		p[0] = byte(r.Op)
		binary.LittleEndian.PutUint64(p[1:], r.ID)
		binary.LittleEndian.PutUint32(p[9:], uint32(len(r.Data)))
		copy(p[13:], r.Data)
	}

	binary.LittleEndian.PutUint32(buf[0:], hash.CRC32C(buf[4:]))
	_, err := w.Write(buf)
	return err
}

// Decode reads a record from r. It returns the number of bytes consumed.
func Decode(r io.Reader) (*Record, int64, error) {
	head := make([]byte, recordHeaderSize)
	if n, err := io.ReadFull(r, head); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, int64(n), ErrShortRead
		}
		return nil, int64(n), err
	}

	length := binary.LittleEndian.Uint32(head[13:])
	if length > maxRecordSize {
		return nil, recordHeaderSize, ErrRecordTooLarge
	}

	payload := make([]byte, length)
	if n, err := io.ReadFull(r, payload); err != nil {
		return nil, recordHeaderSize + int64(n), ErrShortRead
	}
	consumed := int64(recordHeaderSize + length)

	crc := hash.UpdateCRC32C(hash.CRC32C(head[4:]), payload)
	if crc != binary.LittleEndian.Uint32(head[0:]) {
		return nil, consumed, ErrInvalidCRC
	}

	rec := &Record{
		Type: RecordType(head[4]),
		Txn:  binary.LittleEndian.Uint64(head[5:]),
	}
	switch rec.Type {
	case RecordTypeBegin:
		if len(payload) < 13 {
			return nil, consumed, ErrShortRead
		}
		rec.Op = Op(payload[0])
		rec.ID = binary.LittleEndian.Uint64(payload[1:])
		dataLen := binary.LittleEndian.Uint32(payload[9:])
		if uint32(len(payload)-13) != dataLen {
			return nil, consumed, ErrShortRead
		}
		if dataLen > 0 {
			rec.Data = payload[13:]
		}
	case RecordTypeCommit, RecordTypeAbort:
	default:
		return nil, consumed, ErrInvalidType
	}
	return rec, consumed, nil
}
