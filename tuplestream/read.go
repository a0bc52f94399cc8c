package tuplestream

import (
	"encoding/binary"
	"fmt"

	"quarrydb/rowbatch"
	"quarrydb/status"
)

// PrepareForRead switches the stream from Writable to ReadPrepared,
// per spec.md §4.2 "Read path (prepare_for_read, get_next)". When
// pinAll is true, every block is pinned up front (whole-stream random
// access); otherwise only the first block is resident and later
// blocks are paged in as the read cursor advances.
func (s *Stream) PrepareForRead(pinAll bool) error {
	if len(s.blocks) == 0 {
		return fmt.Errorf("tuplestream: stream has no blocks")
	}
	s.readBlockIdx = 0
	s.readRowInBlock = 0
	s.rowsRead = 0

	if pinAll {
		granted, err := s.PinAll()
		if err != nil {
			return err
		}
		if !granted {
			return status.Wrap("tuplestream", "prepare_for_read", status.ErrMemLimitExceeded)
		}
	} else if !s.blocks[0].IsPinned() {
		granted, err := s.mgr.Pin(s.blocks[0])
		if err != nil {
			return err
		}
		if !granted {
			return status.Wrap("tuplestream", "prepare_for_read", status.ErrMemLimitExceeded)
		}
	}

	buf := s.blocks[0].Buffer()
	s.readNullBitmapSize = s.desc.nullBitmapBytes(int64(len(buf)))
	s.readOffset = s.readNullBitmapSize
	s.state = ReadPrepared
	return nil
}

// advanceReadBlock implements spec.md §4.2's three eviction branches
// once the current read block is exhausted: delete-on-read frees the
// block outright, whole-stream-pinned leaves it resident, and the
// ordinary case unpins it (or deletes it if it was only ever a small
// bootstrap block, which cannot be spilled and re-read).
func (s *Stream) advanceReadBlock() error {
	old := s.blocks[s.readBlockIdx]

	switch {
	case s.deleteOnRead:
		if err := s.mgr.Delete(old); err != nil {
			return err
		}
	case s.pinnedWholeStream:
		// leave resident
	case old.IsSmall():
		if err := s.mgr.Delete(old); err != nil {
			return err
		}
	default:
		if err := s.mgr.Unpin(old); err != nil {
			return err
		}
	}

	s.readBlockIdx++
	s.readRowInBlock = 0
	if s.readBlockIdx >= len(s.blocks) {
		s.state = Empty
		return nil
	}

	next := s.blocks[s.readBlockIdx]
	if !next.IsPinned() {
		granted, err := s.mgr.Pin(next)
		if err != nil {
			return err
		}
		if !granted {
			return status.Wrap("tuplestream", "advance_read_block", status.ErrMemLimitExceeded)
		}
	}
	buf := next.Buffer()
	s.readNullBitmapSize = s.desc.nullBitmapBytes(int64(len(buf)))
	s.readOffset = s.readNullBitmapSize
	return nil
}

// readRow decodes one row starting at offset in buf, mirroring
// DeepCopy's encoding exactly. bitmap is the block's null-bitmap
// prefix (buf[:nullBitmapSize]).
func (s *Stream) readRow(buf, bitmap []byte, offset int64, rowInBlock int64) (Row, int64, error) {
	row := Row{Tuples: make([]TupleValue, len(s.desc.Tuples))}
	nullableOrdinal := 0
	pos := offset
	for i, td := range s.desc.Tuples {
		var tv TupleValue
		if td.Nullable {
			bitIdx := rowInBlock*int64(s.desc.NullableCount()) + int64(nullableOrdinal)
			nullableOrdinal++
			if !getBit(bitmap, bitIdx) {
				tv.Null = true
				row.Tuples[i] = tv
				continue
			}
		}
		if pos+int64(td.FixedSize) > int64(len(buf)) {
			return Row{}, 0, status.Wrap("tuplestream", "read_row", status.ErrCorrupt)
		}
		tv.Fixed = append([]byte(nil), buf[pos:pos+int64(td.FixedSize)]...)
		pos += int64(td.FixedSize)
		for k := 0; k < td.StringSlots; k++ {
			if pos+4 > int64(len(buf)) {
				return Row{}, 0, status.Wrap("tuplestream", "read_row", status.ErrCorrupt)
			}
			slen := int64(binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4
			if pos+slen > int64(len(buf)) {
				return Row{}, 0, status.Wrap("tuplestream", "read_row", status.ErrCorrupt)
			}
			tv.Strings = append(tv.Strings, append([]byte(nil), buf[pos:pos+slen]...))
			pos += slen
		}
		for _, cd := range td.CollectionSlots {
			if pos+4 > int64(len(buf)) {
				return Row{}, 0, status.Wrap("tuplestream", "read_row", status.ErrCorrupt)
			}
			count := int64(binary.LittleEndian.Uint32(buf[pos:]))
			pos += 4
			items := make([][]byte, 0, count)
			for c := int64(0); c < count; c++ {
				if pos+int64(cd.ItemFixedSize) > int64(len(buf)) {
					return Row{}, 0, status.Wrap("tuplestream", "read_row", status.ErrCorrupt)
				}
				items = append(items, append([]byte(nil), buf[pos:pos+int64(cd.ItemFixedSize)]...))
				pos += int64(cd.ItemFixedSize)
			}
			tv.Collections = append(tv.Collections, items)
		}
		row.Tuples[i] = tv
	}
	return row, pos, nil
}

// GetNext fills batch with as many rows as fit (spec.md §4.2
// "get_next(row_batch, eos)"), advancing through blocks as needed and
// applying the configured eviction policy on each block boundary.
// When wantIndices is true, the RowIdx of every emitted row is
// returned in the same order.
func (s *Stream) GetNext(batch *rowbatch.Batch, eos *bool, wantIndices bool) ([]RowIdx, error) {
	var indices []RowIdx
	if eos != nil {
		*eos = false
	}
	if s.state == ReadPrepared {
		s.state = Draining
	}

	for !batch.AtCapacity() {
		if s.readBlockIdx >= len(s.blocks) {
			if eos != nil {
				*eos = true
			}
			s.state = Empty
			return indices, nil
		}
		if s.readRowInBlock >= s.blockRowCounts[s.readBlockIdx] {
			if err := s.advanceReadBlock(); err != nil {
				return indices, err
			}
			if s.readBlockIdx >= len(s.blocks) {
				if eos != nil {
					*eos = true
				}
				return indices, nil
			}
			continue
		}

		block := s.blocks[s.readBlockIdx]
		buf := block.Buffer()
		bitmap := buf[:s.readNullBitmapSize]

		row, next, err := s.readRow(buf, bitmap, s.readOffset, s.readRowInBlock)
		if err != nil {
			return indices, err
		}

		idx, err := batch.AddRow()
		if err != nil {
			return indices, err
		}
		batch.Set(idx, row)
		batch.CommitLastRow()

		if wantIndices {
			indices = append(indices, RowIdx{
				BlockIdx:      s.readBlockIdx,
				OffsetInBlock: s.readOffset,
				RowOrd:        s.rowsRead,
			})
		}

		s.readOffset = next
		s.readRowInBlock++
		s.rowsRead++
	}
	return indices, nil
}
