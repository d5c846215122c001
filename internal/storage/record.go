package storage

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"

	"github.com/hupe1980/vecfs/internal/hash"
	"github.com/pierrec/lz4/v4"
)

const (
	recordMagic   uint32 = 0x46434556 // "VECF"
	headerSize           = 32
	flagTombstone uint16 = 1 << 0

	// maxDimension bounds dim read back from a header.
	maxDimension = 1 << 20
)

// codec identifies the payload encoding of one record.
type codec uint8

const (
	codecRaw codec = iota
	codecLZ4
)

// Compression selects the payload encoding for new records.
type Compression int

const (
	CompressionNone Compression = iota
	CompressionLZ4
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	default:
		return fmt.Sprintf("Compression(%d)", int(c))
	}
}

// ParseCompression parses "none" or "lz4". The empty string selects none.
func ParseCompression(s string) (Compression, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	default:
		return 0, fmt.Errorf("unknown compression %q", s)
	}
}

type header struct {
	flags      uint16
	codec      codec
	id         uint64
	dim        uint32
	payloadLen uint32
	crc        uint32
	seq        uint32
}

func (h *header) encode(b []byte) {
	binary.LittleEndian.PutUint32(b[0:], recordMagic)
	binary.LittleEndian.PutUint16(b[4:], h.flags)
	b[6] = byte(h.codec)
	b[7] = 0
	binary.LittleEndian.PutUint64(b[8:], h.id)
	binary.LittleEndian.PutUint32(b[16:], h.dim)
	binary.LittleEndian.PutUint32(b[20:], h.payloadLen)
	binary.LittleEndian.PutUint32(b[24:], h.crc)
	binary.LittleEndian.PutUint32(b[28:], h.seq)
}

// decodeHeader returns false when b does not start with a plausible header.
func decodeHeader(b []byte) (header, bool) {
	if len(b) < headerSize || binary.LittleEndian.Uint32(b[0:]) != recordMagic {
		return header{}, false
	}
	h := header{
		flags:      binary.LittleEndian.Uint16(b[4:]),
		codec:      codec(b[6]),
		id:         binary.LittleEndian.Uint64(b[8:]),
		dim:        binary.LittleEndian.Uint32(b[16:]),
		payloadLen: binary.LittleEndian.Uint32(b[20:]),
		crc:        binary.LittleEndian.Uint32(b[24:]),
		seq:        binary.LittleEndian.Uint32(b[28:]),
	}
	if h.codec > codecLZ4 || h.dim == 0 || h.dim > maxDimension || h.payloadLen == 0 {
		return header{}, false
	}
	return h, true
}

func (h *header) tombstoned() bool { return h.flags&flagTombstone != 0 }

// checksumSeed folds the checksummed header fields into a CRC.
func (h *header) checksumSeed() uint32 {
	var b [16]byte
	binary.LittleEndian.PutUint64(b[0:], h.id)
	binary.LittleEndian.PutUint32(b[8:], h.dim)
	binary.LittleEndian.PutUint32(b[12:], h.payloadLen)
	return hash.UpdateCRC32C(0, b[:])
}

func roundUp(n, chunk int64) int64 {
	return (n + chunk - 1) / chunk * chunk
}

// recordLen is the extent a record with payloadLen bytes occupies.
func recordLen(payloadLen uint32, chunk int) int64 {
	return roundUp(headerSize+int64(payloadLen), int64(chunk))
}

// encodePayload serializes vec. LZ4 output is kept only when it is smaller.
func encodePayload(vec []float32, c Compression) ([]byte, codec, error) {
	raw := make([]byte, len(vec)*4)
	for i, v := range vec {
		binary.LittleEndian.PutUint32(raw[i*4:], math.Float32bits(v))
	}
	if c != CompressionLZ4 {
		return raw, codecRaw, nil
	}

	compressed := make([]byte, lz4.CompressBlockBound(len(raw)))
	n, err := lz4.CompressBlock(raw, compressed, nil)
	if err != nil {
		return nil, 0, err
	}
	if n == 0 || n >= len(raw) {
		return raw, codecRaw, nil // incompressible
	}
	return compressed[:n], codecLZ4, nil
}

func decodePayload(c codec, payload []byte, dim int) ([]float32, error) {
	raw := payload
	switch c {
	case codecRaw:
	case codecLZ4:
		raw = make([]byte, dim*4)
		n, err := lz4.UncompressBlock(payload, raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrCorrupted, err)
		}
		raw = raw[:n]
	default:
		return nil, fmt.Errorf("%w: unknown codec %d", ErrCorrupted, c)
	}

	if len(raw) != dim*4 {
		return nil, fmt.Errorf("%w: payload holds %d bytes for dimension %d", ErrCorrupted, len(raw), dim)
	}
	vec := make([]float32, dim)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return vec, nil
}
