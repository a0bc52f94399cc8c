// Package tuplestream implements the Buffered Tuple Stream (BTS) from
// spec.md §4.2: an append-only, read-once-or-rescan stream of rows
// layered over a blockmgr.BufferedBlockMgr, with a compact in-block
// encoding for nullable tuples and variable-length string/collection
// payloads.
//
// The block layout — a fixed-size header region (here, the null
// bitmap) followed by densely packed variable-length entries — is
// grounded on the teacher's kfile.SlottedPage (Anthony4m-UltraSQL/
// kfile/slotted_page.go), generalized from a sorted slot directory
// with random deletes to a single append-only write cursor with a
// matching sequential read cursor.
package tuplestream

import "fmt"

// CollectionDesc describes one inlined-collection slot in a tuple:
// the collection appends num_tuples x ItemFixedSize bytes, per
// spec.md §3 "inlined collection slots". Items carry only a fixed
// body here — a deliberate scope cut from arbitrary nesting depth,
// recorded in DESIGN.md.
type CollectionDesc struct {
	ItemFixedSize int
}

// TupleDesc describes one tuple slot of a row descriptor.
type TupleDesc struct {
	FixedSize       int
	Nullable        bool
	StringSlots     int
	CollectionSlots []CollectionDesc
}

// RowDescriptor is the schema a Stream is initialized with, per
// spec.md §4.2 "Init. Given a row descriptor...".
type RowDescriptor struct {
	Tuples []TupleDesc
}

// FixedTupleRowSize sums every tuple's fixed-size contribution,
// per spec.md §4.2 "fixed_tuple_row_size".
func (d RowDescriptor) FixedTupleRowSize() int64 {
	var n int64
	for _, t := range d.Tuples {
		n += int64(t.FixedSize)
	}
	return n
}

// NullableCount returns how many tuples in the descriptor may be
// null — the number of bits each row contributes to a block's null
// bitmap prefix.
func (d RowDescriptor) NullableCount() int {
	n := 0
	for _, t := range d.Tuples {
		if t.Nullable {
			n++
		}
	}
	return n
}

func ceilDiv(a, b int64) int64 { return (a + b - 1) / b }

func ceilToMultipleOf8(n int64) int64 { return ceilDiv(n, 8) * 8 }

// maxRowsPerBlock bounds how many rows a block of bufLen bytes is ever
// sized to hold, per spec.md §4.2's "max_rows_per_block". A row whose
// every tuple is nullable-and-null contributes zero body bytes, so this
// is not derivable from bufLen/rowByteSize alone — without this
// separate cap a block of all-null rows would accept rows forever
// (nothing ever consumes body space), overrunning the null bitmap
// nullBitmapBytes sized for this same row count.
func (d RowDescriptor) maxRowsPerBlock(bufLen int64) int64 {
	fixedRowSize := d.FixedTupleRowSize()
	if fixedRowSize < 1 {
		fixedRowSize = 1
	}
	maxRows := bufLen / fixedRowSize
	if maxRows < 1 {
		maxRows = 1
	}
	return maxRows
}

// nullBitmapBytes computes max_null_indicator_bytes for a block of
// bufLen bytes, per spec.md §4.2: "ceil_to_multiple_of_8(ceil(max_rows
// _per_block * tuples_per_row / 8))". Returns 0 if no tuple is
// nullable (no bitmap prefix is reserved).
func (d RowDescriptor) nullBitmapBytes(bufLen int64) int64 {
	bitsPerRow := int64(d.NullableCount())
	if bitsPerRow == 0 {
		return 0
	}
	return ceilToMultipleOf8(ceilDiv(d.maxRowsPerBlock(bufLen)*bitsPerRow, 8))
}

// TupleValue is one materialized tuple: either null (Null==true, no
// other field meaningful) or carrying a fixed-size body plus any
// inlined string/collection payloads.
type TupleValue struct {
	Null        bool
	Fixed       []byte
	Strings     [][]byte
	Collections [][][]byte // one []byte per item, per collection slot in descriptor order
}

// Row is one row accepted by DeepCopy or emitted by GetNext.
type Row struct {
	Tuples []TupleValue
}

func (d RowDescriptor) validate(row Row) error {
	if len(row.Tuples) != len(d.Tuples) {
		return fmt.Errorf("tuplestream: row has %d tuples, descriptor wants %d", len(row.Tuples), len(d.Tuples))
	}
	for i, td := range d.Tuples {
		tv := row.Tuples[i]
		if td.Nullable && tv.Null {
			continue
		}
		if len(tv.Strings) < td.StringSlots {
			return fmt.Errorf("tuplestream: tuple %d has %d string slots, wants %d", i, len(tv.Strings), td.StringSlots)
		}
		if len(tv.Collections) < len(td.CollectionSlots) {
			return fmt.Errorf("tuplestream: tuple %d has %d collection slots, wants %d", i, len(tv.Collections), len(td.CollectionSlots))
		}
	}
	return nil
}

// RowIdx is the stable handle spec.md §3 returns at append time,
// usable only while the stream is pinned.
type RowIdx struct {
	BlockIdx      int
	OffsetInBlock int64
	RowOrd        int64
}
