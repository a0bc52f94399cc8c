package parquetreader

import (
	"bytes"
	"encoding/binary"
)

// thriftWriter is the compact-protocol encoder paired with thriftReader,
// used only to build self-consistent test fixtures — this module has
// no Parquet writer (an explicit Non-goal), so tests construct just
// enough of a valid file to drive the reader end to end.
type thriftWriter struct {
	buf     bytes.Buffer
	lastIDs []int16
}

func newThriftWriter() *thriftWriter { return &thriftWriter{lastIDs: []int16{0}} }

func (w *thriftWriter) pushStruct() { w.lastIDs = append(w.lastIDs, 0) }
func (w *thriftWriter) popStruct()  { w.lastIDs = w.lastIDs[:len(w.lastIDs)-1] }

func (w *thriftWriter) writeVarint(v uint64) {
	for {
		if v < 0x80 {
			w.buf.WriteByte(byte(v))
			return
		}
		w.buf.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
}

func zigzagEncode(v int64) uint64 { return uint64((v << 1) ^ (v >> 63)) }

func (w *thriftWriter) writeFieldBegin(id int16, typ byte) {
	top := len(w.lastIDs) - 1
	delta := id - w.lastIDs[top]
	if delta > 0 && delta <= 15 {
		w.buf.WriteByte(byte(delta)<<4 | typ)
	} else {
		w.buf.WriteByte(typ)
		w.writeVarint(zigzagEncode(int64(id)))
	}
	w.lastIDs[top] = id
}

func (w *thriftWriter) writeStop() { w.buf.WriteByte(ctStop) }

func (w *thriftWriter) writeI32Field(id int16, v int32) {
	w.writeFieldBegin(id, ctI32)
	w.writeVarint(zigzagEncode(int64(v)))
}

func (w *thriftWriter) writeI64Field(id int16, v int64) {
	w.writeFieldBegin(id, ctI64)
	w.writeVarint(zigzagEncode(v))
}

func (w *thriftWriter) writeStringField(id int16, s string) {
	w.writeFieldBegin(id, ctBinary)
	w.writeVarint(uint64(len(s)))
	w.buf.WriteString(s)
}

func (w *thriftWriter) writeBareListHeader(elemType byte, n int) {
	if n < 15 {
		w.buf.WriteByte(byte(n)<<4 | elemType)
	} else {
		w.buf.WriteByte(0xf0 | elemType)
		w.writeVarint(uint64(n))
	}
}

func (w *thriftWriter) writeListFieldHeader(id int16, elemType byte, n int) {
	w.writeFieldBegin(id, ctList)
	w.writeBareListHeader(elemType, n)
}

func (w *thriftWriter) writeStructFieldBegin(id int16) {
	w.writeFieldBegin(id, ctStruct)
	w.pushStruct()
}

func (w *thriftWriter) writeStructEnd() {
	w.writeStop()
	w.popStruct()
}

// --- fixture-level schema element / metadata builders ---

type testSchemaElem struct {
	name           string
	typ            *int32 // format.Type as int32, nil for groups
	typeLength     *int32
	repetitionType *int32 // 0=required,1=optional,2=repeated
	numChildren    *int32
	convertedType  *int32
}

func i32p(v int32) *int32 { return &v }

func encodeSchemaElement(w *thriftWriter, e testSchemaElem) {
	w.pushStruct()
	if e.typ != nil {
		w.writeI32Field(1, *e.typ)
	}
	if e.typeLength != nil {
		w.writeI32Field(2, *e.typeLength)
	}
	if e.repetitionType != nil {
		w.writeI32Field(3, *e.repetitionType)
	}
	w.writeStringField(4, e.name)
	if e.numChildren != nil {
		w.writeI32Field(5, *e.numChildren)
	}
	if e.convertedType != nil {
		w.writeI32Field(6, *e.convertedType)
	}
	w.writeStop()
	w.popStruct()
}

type testColumnChunk struct {
	typ                  int32
	encodings            []int32
	codec                int32
	numValues            int64
	totalUncompressedSize int64
	totalCompressedSize  int64
	dataPageOffset       int64
	dictionaryPageOffset int64
}

func encodeColumnChunk(w *thriftWriter, fileOffset int64, cc testColumnChunk) {
	w.pushStruct()
	w.writeI64Field(2, fileOffset)
	w.writeStructFieldBegin(3) // meta_data
	w.writeI32Field(1, cc.typ)
	w.writeListFieldHeader(2, ctI32, len(cc.encodings))
	for _, e := range cc.encodings {
		w.writeVarint(zigzagEncode(int64(e)))
	}
	w.writeI32Field(4, cc.codec)
	w.writeI64Field(5, cc.numValues)
	w.writeI64Field(6, cc.totalUncompressedSize)
	w.writeI64Field(7, cc.totalCompressedSize)
	w.writeI64Field(9, cc.dataPageOffset)
	if cc.dictionaryPageOffset != 0 {
		w.writeI64Field(11, cc.dictionaryPageOffset)
	}
	w.writeStructEnd()
	w.writeStop()
	w.popStruct()
}

type testRowGroup struct {
	columns       []testColumnChunk
	fileOffsets   []int64
	totalByteSize int64
	numRows       int64
}

func encodeRowGroup(w *thriftWriter, rg testRowGroup) {
	w.pushStruct()
	w.writeListFieldHeader(1, ctStruct, len(rg.columns))
	for i, cc := range rg.columns {
		encodeColumnChunk(w, rg.fileOffsets[i], cc)
	}
	w.writeI64Field(2, rg.totalByteSize)
	w.writeI64Field(3, rg.numRows)
	w.writeStop()
	w.popStruct()
}

func encodeFileMetaData(schema []testSchemaElem, rowGroups []testRowGroup, numRows int64, createdBy string) []byte {
	w := newThriftWriter()
	w.writeI32Field(1, 1)
	w.writeListFieldHeader(2, ctStruct, len(schema))
	for _, se := range schema {
		encodeSchemaElement(w, se)
	}
	w.writeI64Field(3, numRows)
	w.writeFieldBegin(4, ctList)
	w.writeBareListHeader(ctStruct, len(rowGroups))
	for _, rg := range rowGroups {
		encodeRowGroup(w, rg)
	}
	w.writeStringField(6, createdBy)
	w.writeStop()
	return w.buf.Bytes()
}

// --- page encoding helpers ---

func encodePlainInt32Page(values []int32) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func encodePlainInt64Page(values []int64) []byte {
	var buf bytes.Buffer
	for _, v := range values {
		binary.Write(&buf, binary.LittleEndian, v)
	}
	return buf.Bytes()
}

func writeUvarint(buf *bytes.Buffer, v uint64) {
	for {
		if v < 0x80 {
			buf.WriteByte(byte(v))
			return
		}
		buf.WriteByte(byte(v&0x7f) | 0x80)
		v >>= 7
	}
}

func encodeRLERun(value, count, bitWidth int) []byte {
	var out bytes.Buffer
	header := uint64(count) << 1
	writeUvarint(&out, header)
	byteWidth := (bitWidth + 7) / 8
	for i := 0; i < byteWidth; i++ {
		out.WriteByte(byte(value >> uint(8*i)))
	}
	return out.Bytes()
}

// encodeV1LevelStream wraps an already-encoded RLE/bit-packed body
// with the 4-byte little-endian length prefix DataPage v1 requires.
func encodeV1LevelStream(body []byte) []byte {
	var out bytes.Buffer
	binary.Write(&out, binary.LittleEndian, uint32(len(body)))
	out.Write(body)
	return out.Bytes()
}

func encodePageHeader(pageType int32, uncompressedSize, compressedSize int32, dataPage *testDataPageHeader, dictPage *testDictPageHeader) []byte {
	w := newThriftWriter()
	w.writeI32Field(1, pageType)
	w.writeI32Field(2, uncompressedSize)
	w.writeI32Field(3, compressedSize)
	if dataPage != nil {
		w.writeStructFieldBegin(5)
		w.writeI32Field(1, dataPage.numValues)
		w.writeI32Field(2, dataPage.encoding)
		w.writeI32Field(3, dataPage.defLevelEncoding)
		w.writeI32Field(4, dataPage.repLevelEncoding)
		w.writeStructEnd()
	}
	if dictPage != nil {
		w.writeStructFieldBegin(7)
		w.writeI32Field(1, dictPage.numValues)
		w.writeI32Field(2, dictPage.encoding)
		w.writeStructEnd()
	}
	w.writeStop()
	return w.buf.Bytes()
}

type testDataPageHeader struct {
	numValues        int32
	encoding         int32
	defLevelEncoding int32
	repLevelEncoding int32
}

type testDictPageHeader struct {
	numValues int32
	encoding  int32
}
