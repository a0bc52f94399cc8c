package parquetreader

import (
	"encoding/binary"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/segmentio/parquet-go/format"
	"github.com/rs/zerolog/log"

	"quarrydb/codec"
	"quarrydb/status"
)

// bitmapFilterStats implements the per-reader runtime-filter
// disablement heuristic from spec.md §9 supplemented features
// (original_source's ColumnReader::ReadValue): after 10,000 rows, if
// the observed rejection ratio is under 10%, the bitmap filter stops
// being consulted for the remainder of the scan.
type bitmapFilterStats struct {
	rowsSeen int64
	rejected int64
	disabled bool
}

const bitmapFilterMinRows = 10000
const bitmapFilterMinRejectRate = 0.10

func (s *bitmapFilterStats) observe(rejected bool) {
	if s.disabled {
		return
	}
	s.rowsSeen++
	if rejected {
		s.rejected++
	}
	if s.rowsSeen >= bitmapFilterMinRows {
		if float64(s.rejected)/float64(s.rowsSeen) < bitmapFilterMinRejectRate {
			s.disabled = true
		}
	}
}

// ScalarReader decodes one physical leaf column's pages into typed
// values, per spec.md §4.3 Stages D-F.
type ScalarReader struct {
	node *SchemaNode
	meta *format.ColumnMetaData

	fileVersion FileVersion
	cfg          Config
	decompressor codec.Codec

	chunk []byte // full column-chunk byte range, read once by Stage D
	pos   int    // offset into chunk of the next unread page header

	numValuesTotal int64
	numValuesRead  int64

	dict           []interface{}
	sawDictionary  bool

	curDef  *levelDecoder
	curRep  *levelDecoder
	curVals *valueCursor
	curPageValuesRemaining int

	hasPending              bool
	pendingRep, pendingDef  int

	bitmap bitmapFilterStats
}

// valueCursor decodes the value section of one already-decompressed
// data page, either PLAIN-encoded in place or PLAIN_DICTIONARY-encoded
// as RLE dictionary indices.
type valueCursor struct {
	plain      bool
	data       []byte
	pos        int
	typ        format.Type
	typeLength int
	dict       []interface{}
	indices    *levelDecoder
}

func physicalSize(typ format.Type, typeLength int) int {
	switch typ {
	case format.Boolean:
		return 1
	case format.Int32, format.Float:
		return 4
	case format.Int64, format.Double:
		return 8
	case format.Int96:
		return 12
	case format.FixedLenByteArray:
		return typeLength
	default:
		return -1 // BYTE_ARRAY: length-prefixed, variable
	}
}

func decodePlainValue(typ format.Type, typeLength int, data []byte, pos int) (interface{}, int, error) {
	switch typ {
	case format.Int32:
		if pos+4 > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated int32")
		}
		return int32(binary.LittleEndian.Uint32(data[pos:])), pos + 4, nil
	case format.Int64:
		if pos+8 > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated int64")
		}
		return int64(binary.LittleEndian.Uint64(data[pos:])), pos + 8, nil
	case format.Float:
		if pos+4 > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated float")
		}
		return math.Float32frombits(binary.LittleEndian.Uint32(data[pos:])), pos + 4, nil
	case format.Double:
		if pos+8 > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated double")
		}
		return math.Float64frombits(binary.LittleEndian.Uint64(data[pos:])), pos + 8, nil
	case format.ByteArray:
		if pos+4 > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated byte array length")
		}
		n := int(binary.LittleEndian.Uint32(data[pos:]))
		pos += 4
		if pos+n > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated byte array body")
		}
		s := string(data[pos : pos+n])
		return s, pos + n, nil
	case format.FixedLenByteArray:
		if pos+typeLength > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated fixed len byte array")
		}
		out := append([]byte(nil), data[pos:pos+typeLength]...)
		return out, pos + typeLength, nil
	case format.Boolean:
		if pos+1 > len(data) {
			return nil, 0, fmt.Errorf("parquetreader: truncated bool")
		}
		return data[pos] != 0, pos + 1, nil
	default:
		return nil, 0, fmt.Errorf("parquetreader: unsupported physical type %v", typ)
	}
}

func (c *valueCursor) next() (interface{}, error) {
	if c.plain {
		v, next, err := decodePlainValue(c.typ, c.typeLength, c.data, c.pos)
		if err != nil {
			return nil, status.Wrap("parquetreader", "read_value", status.ErrDecodeError)
		}
		c.pos = next
		return v, nil
	}
	idx, ok := c.indices.Next()
	if !ok || idx < 0 || idx >= len(c.dict) {
		return nil, status.Wrap("parquetreader", "read_value", status.ErrDecodeError)
	}
	return c.dict[idx], nil
}

// Reset attaches a freshly-read column chunk range to the reader, per
// spec.md §4.3 Stage C "reset(col_metadata, stream)".
func (r *ScalarReader) Reset(node *SchemaNode, meta *format.ColumnMetaData, chunk []byte, fv FileVersion, cfg Config) error {
	r.node = node
	r.meta = meta
	r.chunk = chunk
	r.pos = 0
	r.numValuesTotal = meta.NumValues
	r.numValuesRead = 0
	r.dict = nil
	r.sawDictionary = false
	r.fileVersion = fv
	r.cfg = cfg
	r.bitmap = bitmapFilterStats{}

	dec, err := codec.New(codecNameFor(meta.Codec))
	if err != nil {
		return status.Wrap("parquetreader", "reset", status.ErrUnsupportedSchema)
	}
	r.decompressor = dec
	return nil
}

func codecNameFor(c format.CompressionCodec) codec.Name {
	switch c {
	case format.Snappy:
		return codec.Snappy
	case format.Gzip:
		return codec.Gzip
	default:
		return codec.Uncompressed
	}
}

// ensurePage loads the next page when the current one is exhausted,
// per spec.md §4.3 Stage E. Returns false once the chunk is drained.
func (r *ScalarReader) ensurePage() (bool, error) {
	if r.curVals != nil {
		return true, nil
	}
	for r.pos < len(r.chunk) {
		ph, hdrLen, err := decodePageHeader(r.chunk[r.pos:])
		if err != nil {
			return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
		}
		limit := r.cfg.MaxPageHeaderSize
		if limit <= 0 {
			limit = maxPageHeaderSize
		}
		if hdrLen > limit {
			return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
		}
		r.pos += hdrLen

		if ph.Type != format.DataPage && ph.Type != format.DictionaryPage {
			log.Debug().Str("column", r.node.Element.Name).Int("page_type", int(ph.Type)).Msg("parquetreader: skipping unknown page type")
			r.pos += int(ph.CompressedPageSize)
			continue
		}

		body := r.chunk[r.pos : r.pos+int(ph.CompressedPageSize)]
		r.pos += int(ph.CompressedPageSize)

		uncompressed := body
		if r.meta.Codec != format.Uncompressed {
			uncompressed, err = r.decompressor.Decompress(body, int(ph.UncompressedPageSize))
			if err != nil {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrDecodeError)
			}
		}

		if ph.Type == format.DictionaryPage {
			if r.sawDictionary {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			if r.numValuesRead != 0 {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			if ph.DictionaryPageHeader == nil && !r.fileVersion.AllowsDictionaryPageWithoutHeader() {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			numValues := 0
			if ph.DictionaryPageHeader != nil {
				numValues = int(ph.DictionaryPageHeader.NumValues)
			}
			dict := make([]interface{}, 0, numValues)
			pos := 0
			typeLen := 0
			if r.node.Element.TypeLength != nil {
				typeLen = int(*r.node.Element.TypeLength)
			}
			for pos < len(uncompressed) {
				v, next, err := decodePlainValue(r.meta.Type, typeLen, uncompressed, pos)
				if err != nil {
					break
				}
				dict = append(dict, v)
				pos = next
			}
			r.dict = dict
			r.sawDictionary = true
			continue
		}

		dph := ph.DataPageHeader
		if dph == nil {
			return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
		}

		cursor := 0
		if r.node.MaxRep > 0 {
			dec, n, err := newV1LevelStream(uncompressed[cursor:], r.node.MaxRep)
			if err != nil {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			r.curRep = dec
			cursor += n
		} else {
			r.curRep = newHybridLevelDecoder(nil, 0)
		}
		if r.node.MaxDef > 0 {
			dec, n, err := newV1LevelStream(uncompressed[cursor:], r.node.MaxDef)
			if err != nil {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			r.curDef = dec
			cursor += n
		} else {
			r.curDef = newHybridLevelDecoder(nil, 0)
		}

		typeLen := 0
		if r.node.Element.TypeLength != nil {
			typeLen = int(*r.node.Element.TypeLength)
		}

		switch dph.Encoding {
		case format.Plain:
			r.curVals = &valueCursor{plain: true, data: uncompressed, pos: cursor, typ: r.meta.Type, typeLength: typeLen}
		case format.PlainDictionary, format.RLEDictionary:
			if !r.sawDictionary {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			if cursor >= len(uncompressed) {
				return false, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
			}
			bitWidth := int(uncompressed[cursor])
			cursor++
			idxDecoder := newHybridLevelDecoder(uncompressed[cursor:], bitWidth)
			r.curVals = &valueCursor{plain: false, dict: r.dict, indices: idxDecoder}
		default:
			return false, status.Wrap("parquetreader", "read_data_page", status.ErrUnsupportedSchema)
		}

		r.curPageValuesRemaining = int(dph.NumValues)
		return true, nil
	}
	return false, nil
}

// NextLevels advances the reader by one position, loading a new page
// on exhaustion and reporting rep==-1, def==-1 at column end, per
// spec.md §4.3 Stage F "next_levels".
func (r *ScalarReader) NextLevels() (rep, def int, err error) {
	if r.hasPending {
		r.hasPending = false
		return r.pendingRep, r.pendingDef, nil
	}
	return r.rawAdvanceLevels()
}

// PeekLevels reports the next (rep, def) pair without consuming it —
// used by repeated-column row assembly to decide whether the next
// physical value still belongs to the row currently being built.
func (r *ScalarReader) PeekLevels() (rep, def int, err error) {
	if !r.hasPending {
		rep, def, err = r.rawAdvanceLevels()
		if err != nil {
			return 0, 0, err
		}
		r.pendingRep, r.pendingDef = rep, def
		r.hasPending = true
	}
	return r.pendingRep, r.pendingDef, nil
}

func (r *ScalarReader) rawAdvanceLevels() (rep, def int, err error) {
	if r.numValuesRead >= r.numValuesTotal {
		// Stage E: metadata.num_values must equal the sum of num_values
		// across this column's own data pages exactly. If the page we
		// just finished (or the chunk as a whole) still has unread
		// values at this point, the page content disagrees with what
		// the column chunk metadata declared — PCR-02's "num_values <
		// actual page value count" case — and that's corrupt, not a
		// clean end of column.
		if r.curPageValuesRemaining > 0 || r.pos < len(r.chunk) {
			return 0, 0, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
		}
		return -1, -1, nil
	}
	ok, err := r.ensurePage()
	if err != nil {
		return 0, 0, err
	}
	if !ok {
		// The chunk ran out of pages before num_values_read reached
		// metadata.num_values: the column chunk metadata overstates how
		// many values this column's pages actually carry.
		return 0, 0, status.Wrap("parquetreader", "read_data_page", status.ErrCorrupt)
	}
	rep, _ = r.curRep.Next()
	def, _ = r.curDef.Next()
	r.numValuesRead++
	r.curPageValuesRemaining--
	if r.curPageValuesRemaining <= 0 {
		r.curVals = nil
		r.curDef = nil
		r.curRep = nil
	}
	return rep, def, nil
}

// ReadValue materializes the value at the current position, per
// spec.md §4.3 Stage F. Callers must only invoke this when the most
// recent NextLevels reported def >= r.node.MaxDef.
func (r *ScalarReader) ReadValue() (interface{}, error) {
	v, err := r.curVals.next()
	if err != nil {
		return nil, err
	}
	v = r.applyTypeConversion(v)
	return v, nil
}

func (r *ScalarReader) applyTypeConversion(v interface{}) interface{} {
	if r.node.Element.ConvertedType != nil && *r.node.Element.ConvertedType == format.Utf8 {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		// A UTF8-annotated FIXED_LEN_BYTE_ARRAY is the Hive CHAR(n)
		// convention: values are stored left-justified and space-padded
		// to declared length. The physical decode already returns all
		// TypeLength bytes, so padCharValue only pads a value that is
		// shorter than the declared length.
		if r.node.Element.TypeLength != nil && r.meta.Type == format.FixedLenByteArray {
			if s, ok := v.(string); ok {
				v = padCharValue(s, int(*r.node.Element.TypeLength))
			}
		}
	}
	if r.cfg.ConvertLegacyHiveParquetUTCTimestamps &&
		r.node.Element.ConvertedType != nil && *r.node.Element.ConvertedType == format.TimestampMillis &&
		r.fileVersion.Application == "impala" {
		if ms, ok := v.(int64); ok {
			return convertLegacyHiveTimestamp(ms)
		}
	}
	return v
}

// padCharValue restores CHAR(n) trailing-space padding up to width
// bytes; values already at width (the common case) are returned
// unchanged.
func padCharValue(s string, width int) string {
	if len(s) >= width {
		return s
	}
	var b strings.Builder
	b.Grow(width)
	b.WriteString(s)
	for i := len(s); i < width; i++ {
		b.WriteByte(' ')
	}
	return b.String()
}

// convertLegacyHiveTimestamp undoes the legacy writer's bug: it wrote
// the wall-clock fields of a local timestamp but labeled the value as
// UTC millis. Reading it back as a plain UTC instant and relabeling the
// Location (as .UTC().Local() would) leaves the underlying instant
// untouched — a no-op. The actual fix is to take the wall-clock fields
// the writer recorded and re-anchor them in the local zone, which does
// shift the instant by the zone's offset, per spec.md §9 supplemented
// features (original_source's legacy Hive UTC-timestamp conversion
// quirk).
func convertLegacyHiveTimestamp(ms int64) time.Time {
	wall := time.UnixMilli(ms).UTC()
	return time.Date(wall.Year(), wall.Month(), wall.Day(), wall.Hour(), wall.Minute(), wall.Second(), wall.Nanosecond(), time.Local)
}

// observeBitmapFilter records one row's bitmap-filter verdict for the
// 10,000-row/10%-rejection disablement heuristic (spec.md §9).
func (r *ScalarReader) observeBitmapFilter(rejected bool) {
	r.bitmap.observe(rejected)
}

func (r *ScalarReader) bitmapFilterActive() bool { return !r.bitmap.disabled }
