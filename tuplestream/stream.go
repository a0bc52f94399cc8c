package tuplestream

import (
	"encoding/binary"
	"fmt"

	"github.com/rs/zerolog/log"

	"quarrydb/blockmgr"
	"quarrydb/status"
)

// State mirrors spec.md §4.2's "State-machine summary": a stream
// starts Writable, becomes ReadPrepared once PrepareForRead is
// called, Drains while GetNext still has rows left, and finishes
// Empty once every block has been consumed.
type State int

const (
	Writable State = iota
	ReadPrepared
	Draining
	Empty
)

// Stream is the Buffered Tuple Stream from spec.md §3/§4.2.
type Stream struct {
	mgr    *blockmgr.BufferedBlockMgr
	client blockmgr.ClientID
	desc   RowDescriptor

	blocks         []*blockmgr.Block
	blockRowCounts []int64

	pinnedWholeStream bool
	deleteOnRead      bool
	rowCount          int64

	state State

	writeBlockIdx       int
	writeOffset         int64
	writeRowInBlock     int64
	writeNullBitmapSize int64
	writeMaxRows        int64

	readBlockIdx       int
	readOffset         int64
	readRowInBlock     int64
	readNullBitmapSize int64
	rowsRead           int64
}

// New initializes a Stream over desc, reserving its first write block
// from mgr under client. If smallBlockSize is positive, the first
// block is a non-spillable bootstrap block of that size (spec.md
// §4.2 "Allocate the first write block (optionally a small one)");
// otherwise a max-size block is requested.
func New(mgr *blockmgr.BufferedBlockMgr, client blockmgr.ClientID, desc RowDescriptor, smallBlockSize int64, deleteOnRead bool) (*Stream, error) {
	worstCaseBitmap := desc.nullBitmapBytes(mgr.BlockSize())
	if desc.FixedTupleRowSize()+worstCaseBitmap > mgr.BlockSize() {
		return nil, status.Wrap("tuplestream", "init", status.ErrBlockOverflow)
	}

	s := &Stream{
		mgr:          mgr,
		client:       client,
		desc:         desc,
		deleteOnRead: deleteOnRead,
		state:        Writable,
	}

	length := int64(-1)
	if smallBlockSize > 0 {
		length = smallBlockSize
	}
	block, err := mgr.GetNewBlock(client, nil, length)
	if err != nil {
		return nil, status.Wrap("tuplestream", "init", err)
	}
	if block == nil {
		return nil, status.Wrap("tuplestream", "init", status.ErrMemLimitExceeded)
	}
	s.startWriteBlock(block)
	return s, nil
}

func (s *Stream) startWriteBlock(b *blockmgr.Block) {
	s.blocks = append(s.blocks, b)
	s.blockRowCounts = append(s.blockRowCounts, 0)
	s.writeBlockIdx = len(s.blocks) - 1
	bufLen := int64(len(b.Buffer()))
	s.writeNullBitmapSize = s.desc.nullBitmapBytes(bufLen)
	s.writeMaxRows = s.desc.maxRowsPerBlock(bufLen)
	s.writeOffset = s.writeNullBitmapSize
	s.writeRowInBlock = 0
}

// NumRows returns the total number of rows accepted by DeepCopy so
// far, per spec.md §3 "row_count".
func (s *Stream) NumRows() int64 { return s.rowCount }

func (s *Stream) State() State { return s.state }

// rowByteSize computes how many bytes row would consume in the write
// block's body region (excluding the null bitmap prefix, which is
// reserved once per block, not per row).
func (s *Stream) rowByteSize(row Row) int64 {
	var n int64
	for i, td := range s.desc.Tuples {
		tv := row.Tuples[i]
		if td.Nullable && tv.Null {
			continue
		}
		n += int64(td.FixedSize)
		for k := 0; k < td.StringSlots; k++ {
			n += 4 + int64(len(tv.Strings[k]))
		}
		for ci := range td.CollectionSlots {
			n += 4 + int64(len(tv.Collections[ci]))*int64(td.CollectionSlots[ci].ItemFixedSize)
		}
	}
	return n
}

// DeepCopy implements spec.md §4.2 "Write path (deep_copy(row) ->
// bool)": an all-or-nothing attempt to append row to the current
// write block. Returns false (not an error) when row does not fit in
// the remaining space of the current block; the caller should then
// call RollWriteBlock and retry.
func (s *Stream) DeepCopy(row Row) (bool, error) {
	if s.writeBlockIdx < 0 || s.writeBlockIdx >= len(s.blocks) {
		return false, fmt.Errorf("tuplestream: stream is not writable")
	}
	if err := s.desc.validate(row); err != nil {
		return false, err
	}

	if s.writeRowInBlock >= s.writeMaxRows {
		// All-null rows cost zero body bytes, so the byte-capacity check
		// below never trips for them; the null bitmap was only ever
		// sized for writeMaxRows rows, so row count itself must be
		// capped independent of bytes consumed.
		return false, nil
	}
	need := s.rowByteSize(row)
	block := s.blocks[s.writeBlockIdx]
	buf := block.Buffer()
	if s.writeOffset+need > int64(len(buf)) {
		return false, nil
	}

	nullableOrdinal := 0
	pos := s.writeOffset
	for i, td := range s.desc.Tuples {
		tv := row.Tuples[i]
		if td.Nullable {
			bitIdx := s.writeRowInBlock*int64(s.desc.NullableCount()) + int64(nullableOrdinal)
			setBit(buf[:s.writeNullBitmapSize], bitIdx, !tv.Null)
			nullableOrdinal++
			if tv.Null {
				continue
			}
		}
		copy(buf[pos:pos+int64(td.FixedSize)], tv.Fixed)
		pos += int64(td.FixedSize)
		for k := 0; k < td.StringSlots; k++ {
			sbytes := tv.Strings[k]
			binary.LittleEndian.PutUint32(buf[pos:], uint32(len(sbytes)))
			pos += 4
			pos += int64(copy(buf[pos:], sbytes))
		}
		for ci, cd := range td.CollectionSlots {
			items := tv.Collections[ci]
			binary.LittleEndian.PutUint32(buf[pos:], uint32(len(items)))
			pos += 4
			for _, item := range items {
				pos += int64(copy(buf[pos:pos+int64(cd.ItemFixedSize)], item))
			}
		}
	}

	s.writeOffset = pos
	s.writeRowInBlock++
	s.blockRowCounts[s.writeBlockIdx] = s.writeRowInBlock
	s.rowCount++
	block.SetValidLen(s.writeOffset)
	return true, nil
}

// RollWriteBlock requests a fresh write block, handing the current
// one off through blockmgr's unpin_block transfer path (spec.md
// §4.1): the sealed block's contents are persisted if still
// necessary, then its buffer is reused for the new block when
// possible.
func (s *Stream) RollWriteBlock() error {
	old := s.blocks[s.writeBlockIdx]
	next, err := s.mgr.GetNewBlock(s.client, old, -1)
	if err != nil {
		return status.Wrap("tuplestream", "roll_write_block", err)
	}
	if next == nil {
		return status.Wrap("tuplestream", "roll_write_block", status.ErrMemLimitExceeded)
	}
	s.startWriteBlock(next)
	return nil
}

// Append is the common-case write helper: DeepCopy, rolling to a new
// block and retrying once on overflow.
func (s *Stream) Append(row Row) (RowIdx, error) {
	rowOrd := s.rowCount
	blockIdx := s.writeBlockIdx
	offset := s.writeOffset
	ok, err := s.DeepCopy(row)
	if err != nil {
		return RowIdx{}, err
	}
	if !ok {
		if err := s.RollWriteBlock(); err != nil {
			return RowIdx{}, err
		}
		blockIdx = s.writeBlockIdx
		offset = s.writeOffset
		ok, err = s.DeepCopy(row)
		if err != nil {
			return RowIdx{}, err
		}
		if !ok {
			return RowIdx{}, status.Wrap("tuplestream", "append", status.ErrBlockOverflow)
		}
	}
	return RowIdx{BlockIdx: blockIdx, OffsetInBlock: offset, RowOrd: rowOrd}, nil
}

// BytesInMem sums buffer lengths of resident max-size blocks, per
// spec.md §9 "bytes_in_mem(ignore_current)" (supplemented from
// original_source's BufferedTupleStream::bytes_in_mem). ignoreCurrent
// excludes the active write block.
func (s *Stream) BytesInMem(ignoreCurrent bool) int64 {
	var total int64
	for i, b := range s.blocks {
		if b.IsSmall() || !b.IsPinned() {
			continue
		}
		if ignoreCurrent && i == s.writeBlockIdx {
			continue
		}
		total += int64(len(b.Buffer()))
	}
	return total
}

// PinAll implements spec.md §4.2 "Pin/Unpin whole stream": attempts
// to pin every block; on partial failure no block already pinned by
// this call is rolled back (mirroring the original's best-effort
// retry contract — callers observe pinned=false and may retry later).
func (s *Stream) PinAll() (bool, error) {
	for _, b := range s.blocks {
		if b.IsPinned() {
			continue
		}
		granted, err := s.mgr.Pin(b)
		if err != nil {
			return false, err
		}
		if !granted {
			return false, nil
		}
	}
	s.pinnedWholeStream = true
	return true, nil
}

// UnpinAll releases every block (or every block but the active
// read/write block, when keepActive is true).
func (s *Stream) UnpinAll(keepActive bool) error {
	for i, b := range s.blocks {
		if keepActive && (i == s.writeBlockIdx || i == s.readBlockIdx) {
			continue
		}
		if !b.IsPinned() {
			continue
		}
		if err := s.mgr.Unpin(b); err != nil {
			return err
		}
	}
	s.pinnedWholeStream = false
	return nil
}

// Close releases every block this stream still owns.
func (s *Stream) Close() error {
	for _, b := range s.blocks {
		if err := s.mgr.Delete(b); err != nil {
			log.Debug().Err(err).Msg("tuplestream: error deleting block on close")
		}
	}
	s.blocks = nil
	s.state = Empty
	return nil
}

func setBit(bitmap []byte, idx int64, v bool) {
	byteIdx := idx / 8
	bitIdx := uint(idx % 8)
	if v {
		bitmap[byteIdx] |= 1 << bitIdx
	} else {
		bitmap[byteIdx] &^= 1 << bitIdx
	}
}

func getBit(bitmap []byte, idx int64) bool {
	byteIdx := idx / 8
	bitIdx := uint(idx % 8)
	return bitmap[byteIdx]&(1<<bitIdx) != 0
}
