package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
)

// recover scans the device for records. Headers are checked for shape only;
// payload checksums are verified on first read. Chunks without a header
// become free space, and of two live records for the same id the one with
// the higher sequence number wins. Dead records are scrubbed before their
// extent is freed, which covers a crash between tombstone and scrub.
func (m *Manager) recover(ctx context.Context) error {
	size := m.dev.Size()
	chunk := int64(m.opts.ChunkSize)
	buf := m.scratch[:headerSize]

	freeStart := int64(-1)
	flushFree := func(end int64) {
		if freeStart >= 0 {
			m.free.release(extent{Offset: freeStart, Length: end - freeStart})
			freeStart = -1
		}
	}

	var maxSeq uint32
	var live, dead int

	off := int64(0)
	for off < size {
		if err := ctx.Err(); err != nil {
			return err
		}

		var h header
		ok := false
		if size-off >= headerSize {
			m.chunkReads.Add(1)
			n, err := m.dev.ReadBlock(ctx, off, buf)
			if err != nil && !(errors.Is(err, io.EOF) && n == headerSize) {
				return fmt.Errorf("%w: scan at offset %d: %w", ErrIOFailure, off, err)
			}
			h, ok = decodeHeader(buf)
			ok = ok && off+headerSize+int64(h.payloadLen) <= size
		}
		if !ok {
			if freeStart < 0 {
				freeStart = off
			}
			off += chunk
			continue
		}

		flushFree(off)
		ext := extent{Offset: off, Length: recordLen(h.payloadLen, m.opts.ChunkSize)}
		maxSeq = max(maxSeq, h.seq)

		if h.tombstoned() {
			if err := m.freeDead(ctx, ext); err != nil {
				return err
			}
			dead++
		} else {
			loc := VectorLocation{
				ID:     h.id,
				Offset: off,
				Length: uint32(headerSize + h.payloadLen),
				Dim:    int(h.dim),
				seq:    h.seq,
			}
			if prev, exists := m.locs.Get(loc); exists && prev.seq > h.seq {
				if err := m.freeDead(ctx, ext); err != nil {
					return err
				}
				dead++
			} else {
				if exists {
					if err := m.freeDead(ctx, extent{Offset: prev.Offset, Length: m.extentLen(prev)}); err != nil {
						return err
					}
					dead++
				} else {
					live++
				}
				m.locs.Set(loc)
			}
		}
		off += ext.Length
	}

	end := max(off, roundUp(size, chunk))
	flushFree(end)
	m.tail = end
	m.seq = maxSeq

	m.logger.Debug("storage scan complete", "live", live, "dead", dead, "tail", m.tail)
	return nil
}

// freeDead scrubs a dead extent found by the scan and frees it.
func (m *Manager) freeDead(ctx context.Context, ext extent) error {
	if err := m.scrub(ctx, ext); err != nil {
		return fmt.Errorf("%w: scrub at offset %d: %w", ErrIOFailure, ext.Offset, err)
	}
	m.free.release(ext)
	return nil
}
