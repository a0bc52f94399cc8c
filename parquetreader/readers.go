package parquetreader

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/segmentio/parquet-go/format"

	"quarrydb/bloomfilter"
	"quarrydb/rowbatch"
	"quarrydb/status"
)

// SlotSpec names one materialized output column by its table-relative
// path into the file schema, per spec.md §4.3 Stage C. Filter, when
// set, is a runtime bitmap filter built from a join's build side: rows
// whose value for this slot is definitely absent from the filter are
// dropped before they ever reach a caller, per spec.md §9 supplemented
// features (original_source's per-scan bitmap-filter pushdown).
type SlotSpec struct {
	Name   string
	Path   []int
	Filter *bloomfilter.Filter
}

// hashScalarValue hashes a materialized column value into the uint32
// domain bloomfilter.Filter.Find expects. It covers int32, int64,
// string and []byte values; for any other type (floats, bools,
// timestamps) it reports ok=false.
func hashScalarValue(v interface{}) (uint32, bool) {
	var b [8]byte
	switch t := v.(type) {
	case int32:
		binary.LittleEndian.PutUint32(b[:4], uint32(t))
		return uint32(xxhash.Sum64(b[:4])), true
	case int64:
		binary.LittleEndian.PutUint64(b[:], uint64(t))
		return uint32(xxhash.Sum64(b[:])), true
	case string:
		return uint32(xxhash.Sum64String(t)), true
	case []byte:
		return uint32(xxhash.Sum64(t)), true
	default:
		return 0, false
	}
}

// TupleDesc is the set of slots Stage C tries to resolve against one
// row group's schema.
type TupleDesc struct {
	Slots []SlotSpec
}

// ColumnReader is the Stage C/D/E/F unit of work: one physical column
// driving its own def/rep level stream, per spec.md §3 "ColumnReader".
// Nested structs need no special reader of their own — their fields
// resolve to ordinary leaf columns at a longer path — so the only
// shape this tree ever needs is Scalar, matching this module's BTS
// single-level-collection scope decision (see DESIGN.md).
type ColumnReader struct {
	Slot SlotSpec
	Node *SchemaNode
	Impl *ScalarReader
}

// RowGroupReader drives Stage D-G for one row group: it owns the
// readers created for a tuple descriptor and the rep/def bookkeeping
// that reassembles them into rows.
type RowGroupReader struct {
	root     *SchemaNode
	readers  []*ColumnReader
	counting bool // true when no column reader was created (count(*))
	// pureCount is counting restricted to a schema with no repeated
	// node anywhere: row count then equals the row group's declared
	// num_rows directly, so Stage D issues no scan ranges at all, per
	// spec.md §8 PCR-03 "without reading any column chunks".
	pureCount   bool
	rowsEmitted int64
	rowGroup    *format.RowGroup
	version     FileVersion
	cfg         Config
}

// NewRowGroupReader is Stage A's schema_tree plus Stage C's
// create_readers, combined for one row group.
func NewRowGroupReader(root *SchemaNode, rg *format.RowGroup, desc TupleDesc, version FileVersion, cfg Config) (*RowGroupReader, error) {
	rr := &RowGroupReader{root: root, rowGroup: rg, version: version, cfg: cfg}

	for _, slot := range desc.Slots {
		rp := ResolvePath(root, slot.Path)
		if rp.Missing {
			continue // missing slot: caller's template tuple marks it null, nothing to create
		}
		if rp.Node == nil || !rp.Node.IsLeaf {
			return nil, status.Wrap("parquetreader", "create_readers", status.ErrUnsupportedSchema)
		}
		rr.readers = append(rr.readers, &ColumnReader{Slot: slot, Node: rp.Node, Impl: &ScalarReader{}})
	}

	if len(rr.readers) == 0 {
		// count(*) over an empty projection: descend to the
		// least-nested scalar descendant to drive row enumeration,
		// per spec.md §4.3 Stage C.
		node := leastNestedScalarDescendant(root)
		if node == nil {
			return nil, status.Wrap("parquetreader", "create_readers", status.ErrUnsupportedSchema)
		}
		rr.readers = append(rr.readers, &ColumnReader{Slot: SlotSpec{Name: "__count__"}, Node: node, Impl: &ScalarReader{}})
		rr.counting = true
		rr.pureCount = !hasAnyRepeated(root)
	}

	return rr, nil
}

func hasAnyRepeated(node *SchemaNode) bool {
	if isRepeated(node.Element) {
		return true
	}
	for _, c := range node.Children {
		if hasAnyRepeated(c) {
			return true
		}
	}
	return false
}

func leastNestedScalarDescendant(node *SchemaNode) *SchemaNode {
	if node.IsLeaf {
		return node
	}
	var best *SchemaNode
	for _, c := range node.Children {
		cand := leastNestedScalarDescendant(c)
		if cand != nil && (best == nil || cand.MaxDef < best.MaxDef) {
			best = cand
		}
	}
	return best
}

// Init implements Stage D ("row-group init"): binds each reader to
// its column chunk's already-fetched byte range (callers are expected
// to have read col_chunk.data_page_offset..total_compressed_size — with
// parquet-mr<1.2.9 padding already applied, see FileVersion — via
// diskio before calling Init) and validates the cross-column
// invariants Stage D names.
func (rr *RowGroupReader) Init(chunkBytes map[int][]byte) error {
	if rr.pureCount {
		return nil
	}
	// Only flat, unnested columns (no repeated ancestor anywhere above
	// them) are required to agree on num_values: that count is levels
	// written, not rows, so a repeated or optional-under-repeated
	// column legitimately carries a different total than a sibling
	// top-level scalar column.
	var numValues int64 = -1
	for _, cr := range rr.readers {
		colIdx := cr.Node.ColIdx
		chunk, ok := chunkBytes[colIdx]
		if !ok {
			return status.Wrap("parquetreader", "init_columns", status.ErrCorrupt)
		}
		meta := rr.rowGroup.Columns[colIdx].MetaData
		if meta == nil {
			return status.Wrap("parquetreader", "init_columns", status.ErrCorrupt)
		}
		if !validEncodings(meta.Encodings) {
			return status.Wrap("parquetreader", "init_columns", status.ErrUnsupportedSchema)
		}
		if !validCompression(meta.Codec) {
			return status.Wrap("parquetreader", "init_columns", status.ErrUnsupportedSchema)
		}
		if err := validateDecimalColumn(cr.Node, meta); err != nil {
			return err
		}
		if cr.Node.MaxRep == 0 && cr.Node.DefOfNearestRepeatedAncestor == 0 {
			if numValues == -1 {
				numValues = meta.NumValues
			} else if meta.NumValues != numValues && !rr.counting {
				return status.Wrap("parquetreader", "init_columns", status.ErrCorrupt)
			}
		}
		if err := cr.Impl.Reset(cr.Node, meta, chunk, rr.version, rr.cfg); err != nil {
			return err
		}
	}
	return nil
}

func validEncodings(encs []format.Encoding) bool {
	for _, e := range encs {
		switch e {
		case format.Plain, format.PlainDictionary, format.RLE, format.BitPacked, format.RLEDictionary:
		default:
			return false
		}
	}
	return true
}

// validateDecimalColumn checks the decimal-specific constraints Stage D
// names: a DECIMAL-annotated column must be physically FIXED_LEN_BYTE_ARRAY,
// its declared type_length must hold precision digits, and scale must not
// exceed precision.
func validateDecimalColumn(node *SchemaNode, meta *format.ColumnMetaData) error {
	se := node.Element
	if se.ConvertedType == nil || *se.ConvertedType != format.Decimal {
		return nil
	}
	if meta.Type != format.FixedLenByteArray {
		return status.Wrap("parquetreader", "init_columns", status.ErrUnsupportedSchema)
	}
	if se.Precision == nil || se.Scale == nil || se.TypeLength == nil {
		return status.Wrap("parquetreader", "init_columns", status.ErrUnsupportedSchema)
	}
	precision := int(*se.Precision)
	scale := int(*se.Scale)
	if precision <= 0 || scale < 0 || scale > precision {
		return status.Wrap("parquetreader", "init_columns", status.ErrUnsupportedSchema)
	}
	if int(*se.TypeLength) < decimalByteWidth(precision) {
		return status.Wrap("parquetreader", "init_columns", status.ErrUnsupportedSchema)
	}
	return nil
}

// decimalByteWidth is the minimum byte count a two's-complement fixed-length
// binary representation needs to hold precision decimal digits, matching
// parquet-mr's DecimalMetadata sizing table.
func decimalByteWidth(precision int) int {
	bits := math.Ceil(float64(precision)*math.Log2(10)) + 1 // +1 sign bit
	return int(math.Ceil(bits / 8))
}

func validCompression(c format.CompressionCodec) bool {
	switch c {
	case format.Uncompressed, format.Snappy, format.Gzip:
		return true
	default:
		return false
	}
}

// ScanRange describes the byte range Stage D wants fetched for one
// column chunk, including the parquet-mr<1.2.9 dictionary-header
// padding quirk.
type ScanRange struct {
	ColIdx int
	Offset int64
	Length int64
}

// PlanScanRanges computes, for every reader this RowGroupReader was
// constructed with, the scan range Stage D says to issue.
func (rr *RowGroupReader) PlanScanRanges(fileLen int64) ([]ScanRange, error) {
	if rr.pureCount {
		return nil, nil
	}
	var ranges []ScanRange
	for _, cr := range rr.readers {
		meta := rr.rowGroup.Columns[cr.Node.ColIdx].MetaData
		if meta == nil {
			return nil, status.Wrap("parquetreader", "init_columns", status.ErrCorrupt)
		}
		start := meta.DataPageOffset
		if meta.DictionaryPageOffset != 0 && meta.DictionaryPageOffset < start {
			start = meta.DictionaryPageOffset
		}
		length := meta.TotalCompressedSize
		if rr.version.NeedsDictHeaderPadding() {
			length += maxDictHeaderSize
		}
		end := start + length
		if end > fileLen {
			return nil, status.Wrap("parquetreader", "init_columns", status.ErrCorrupt)
		}
		ranges = append(ranges, ScanRange{ColIdx: cr.Node.ColIdx, Offset: start, Length: length})
	}
	return ranges, nil
}

// AssembleRows implements Stage G for the flat/single-level-nesting
// scope this module supports (see DESIGN.md): every reader advances
// one logical row at a time; a reader whose physical column is
// REPEATED contributes a slice of values (zero or more) instead of a
// single scalar, collected by watching its repetition level cross
// back to 0.
func (rr *RowGroupReader) AssembleRows(batch *rowbatch.Batch, eos *bool) error {
	*eos = false
	if rr.pureCount {
		for !batch.AtCapacity() && rr.rowsEmitted < rr.rowGroup.NumRows {
			idx, err := batch.AddRow()
			if err != nil {
				return err
			}
			batch.Set(idx, map[string]interface{}{})
			batch.CommitLastRow()
			rr.rowsEmitted++
		}
		if rr.rowsEmitted >= rr.rowGroup.NumRows {
			*eos = true
		}
		return nil
	}
	for !batch.AtCapacity() {
		row := make(map[string]interface{}, len(rr.readers))
		anyAlive := false
		for _, cr := range rr.readers {
			if cr.Node.MaxRep > 0 {
				vals, alive, err := readRepeatedValue(cr)
				if err != nil {
					return err
				}
				if alive {
					anyAlive = true
				}
				if !rr.counting {
					row[cr.Slot.Name] = vals
				}
				continue
			}
			v, alive, err := readScalarValue(cr)
			if err != nil {
				return err
			}
			if alive {
				anyAlive = true
			}
			if !rr.counting {
				row[cr.Slot.Name] = v
			}
		}
		if !anyAlive {
			*eos = true
			return nil
		}
		if rr.rowRejectedByFilter(row) {
			continue
		}
		idx, err := batch.AddRow()
		if err != nil {
			return err
		}
		batch.Set(idx, row)
		batch.CommitLastRow()
	}
	return nil
}

// rowRejectedByFilter consults every slot's runtime bitmap filter (if
// any) against the row just assembled, recording each check for the
// per-reader disablement heuristic and reporting true the first time a
// filter definitely excludes the row's value.
func (rr *RowGroupReader) rowRejectedByFilter(row map[string]interface{}) bool {
	for _, cr := range rr.readers {
		if cr.Slot.Filter == nil || !cr.Impl.bitmapFilterActive() {
			continue
		}
		h, ok := hashScalarValue(row[cr.Slot.Name])
		if !ok {
			continue
		}
		rejected := !cr.Slot.Filter.Find(h)
		cr.Impl.observeBitmapFilter(rejected)
		if rejected {
			return true
		}
	}
	return false
}

// readScalarValue advances a non-repeated reader by exactly one row,
// returning alive=false once the column is exhausted.
func readScalarValue(cr *ColumnReader) (interface{}, bool, error) {
	rep, def, err := cr.Impl.NextLevels()
	if err != nil {
		return nil, false, err
	}
	if rep == -1 && def == -1 {
		return nil, false, nil
	}
	if def < cr.Node.DefOfNearestRepeatedAncestor {
		return nil, true, fmt.Errorf("parquetreader: unexpected definition level %d below ancestor watermark %d", def, cr.Node.DefOfNearestRepeatedAncestor)
	}
	if def >= cr.Node.MaxDef {
		v, err := cr.Impl.ReadValue()
		if err != nil {
			return nil, true, err
		}
		return v, true, nil
	}
	return nil, true, nil // null
}

// readRepeatedValue consumes every level pair belonging to one row's
// array: rep==0 starts the row, rep>0 continues it, per the Dremel
// encoding of a bare repeated leaf column (spec.md §4.3 Stage G).
func readRepeatedValue(cr *ColumnReader) ([]interface{}, bool, error) {
	rep, def, err := cr.Impl.NextLevels()
	if err != nil {
		return nil, false, err
	}
	if rep == -1 && def == -1 {
		return nil, false, nil
	}
	var vals []interface{}
	if def >= cr.Node.MaxDef {
		v, err := cr.Impl.ReadValue()
		if err != nil {
			return nil, true, err
		}
		vals = append(vals, v)
	}
	for {
		nextRep, nextDef, err := cr.Impl.PeekLevels()
		if err != nil {
			return nil, true, err
		}
		if nextRep <= 0 {
			break
		}
		_, _, err = cr.Impl.NextLevels()
		if err != nil {
			return nil, true, err
		}
		if nextDef >= cr.Node.MaxDef {
			v, err := cr.Impl.ReadValue()
			if err != nil {
				return nil, true, err
			}
			vals = append(vals, v)
		}
	}
	return vals, true, nil
}
