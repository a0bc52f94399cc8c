package parquetreader

import (
	"fmt"
	"testing"
	"time"

	"github.com/segmentio/parquet-go/format"
	"github.com/stretchr/testify/require"

	"quarrydb/rowbatch"
	"quarrydb/status"
)

// bytesSource is the in-memory FileSource tests drive the scanner
// against, since no external writer produces real files here.
type bytesSource struct{ data []byte }

func (s *bytesSource) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 || int(off) > len(s.data) {
		return 0, fmt.Errorf("out of range")
	}
	n := copy(p, s.data[off:])
	if n < len(p) {
		return n, fmt.Errorf("short read")
	}
	return n, nil
}

func (s *bytesSource) Size() (int64, error) { return int64(len(s.data)), nil }

func dataPageHeaderBytes(numValues int, encoding format.Encoding, body []byte) []byte {
	hdr := encodePageHeader(int32(format.DataPage), int32(len(body)), int32(len(body)),
		&testDataPageHeader{
			numValues:        int32(numValues),
			encoding:         int32(encoding),
			defLevelEncoding: int32(format.RLE),
			repLevelEncoding: int32(format.RLE),
		}, nil)
	return append(hdr, body...)
}

func dictPageHeaderBytes(numValues int, body []byte) []byte {
	hdr := encodePageHeader(int32(format.DictionaryPage), int32(len(body)), int32(len(body)),
		nil, &testDictPageHeader{numValues: int32(numValues), encoding: int32(format.Plain)})
	return append(hdr, body...)
}

// buildFlatAndNestedFile assembles a minimal but complete file with
// three leaf columns: a required int32, an optional UTF8 string, and
// a canonical-form LIST of required int32 (tags.list.element) — the
// nesting depth this reader's collection-assembly scope supports (see
// DESIGN.md). Five rows exercise nulls, an empty array, a singleton
// array, a multi-element array, and a wholly-absent array.
func buildFlatAndNestedFile(t *testing.T) ([]byte, int64) {
	t.Helper()

	idBody := encodePlainInt32Page([]int32{10, 20, 30, 40, 50})
	idChunk := dataPageHeaderBytes(5, format.Plain, idBody)

	nameDefRuns := append(append(append(
		encodeRLERun(1, 1, 1),
		encodeRLERun(0, 1, 1)...),
		encodeRLERun(1, 2, 1)...),
		encodeRLERun(0, 1, 1)...)
	nameDefStream := encodeV1LevelStream(nameDefRuns)
	var nameValues []byte
	for _, s := range []string{"alice", "carol", "dave"} {
		buf := make([]byte, 0, 4+len(s))
		buf = appendPlainString(buf, s)
		nameValues = append(nameValues, buf...)
	}
	nameBody := append(append([]byte{}, nameDefStream...), nameValues...)
	nameChunk := dataPageHeaderBytes(5, format.Plain, nameBody)

	tagsRepRuns := concatBytes(
		encodeRLERun(0, 1, 1),
		encodeRLERun(1, 1, 1),
		encodeRLERun(0, 3, 1),
		encodeRLERun(1, 2, 1),
		encodeRLERun(0, 1, 1),
	)
	tagsDefRuns := concatBytes(
		encodeRLERun(2, 2, 2),
		encodeRLERun(1, 1, 2),
		encodeRLERun(2, 4, 2),
		encodeRLERun(0, 1, 2),
	)
	tagsRepStream := encodeV1LevelStream(tagsRepRuns)
	tagsDefStream := encodeV1LevelStream(tagsDefRuns)
	tagsValues := encodePlainInt32Page([]int32{100, 101, 200, 300, 301, 302})
	tagsBody := concatBytes(tagsRepStream, tagsDefStream, tagsValues)
	tagsChunk := dataPageHeaderBytes(8, format.Plain, tagsBody)

	fileBody := concatBytes(idChunk, nameChunk, tagsChunk)
	offName := int64(len(idChunk))
	offTags := offName + int64(len(nameChunk))

	schema := []testSchemaElem{
		{name: "schema", numChildren: i32p(3)},
		{name: "id", typ: i32p(int32(format.Int32)), repetitionType: i32p(int32(format.Required))},
		{name: "name", typ: i32p(int32(format.ByteArray)), repetitionType: i32p(int32(format.Optional)), convertedType: i32p(int32(format.Utf8))},
		{name: "tags", repetitionType: i32p(int32(format.Optional)), numChildren: i32p(1), convertedType: i32p(int32(format.List))},
		{name: "list", repetitionType: i32p(int32(format.Repeated)), numChildren: i32p(1)},
		{name: "element", typ: i32p(int32(format.Int32)), repetitionType: i32p(int32(format.Required))},
	}

	rg := testRowGroup{
		columns: []testColumnChunk{
			{typ: int32(format.Int32), encodings: []int32{int32(format.Plain)}, codec: int32(format.Uncompressed),
				numValues: 5, totalUncompressedSize: int64(len(idChunk)), totalCompressedSize: int64(len(idChunk))},
			{typ: int32(format.ByteArray), encodings: []int32{int32(format.Plain)}, codec: int32(format.Uncompressed),
				numValues: 5, totalUncompressedSize: int64(len(nameChunk)), totalCompressedSize: int64(len(nameChunk))},
			{typ: int32(format.Int32), encodings: []int32{int32(format.Plain)}, codec: int32(format.Uncompressed),
				numValues: 8, totalUncompressedSize: int64(len(tagsChunk)), totalCompressedSize: int64(len(tagsChunk))},
		},
		fileOffsets:   []int64{0, offName, offTags},
		totalByteSize: int64(len(fileBody)),
		numRows:       5,
	}
	for i := range rg.columns {
		rg.columns[i].dataPageOffset = rg.fileOffsets[i]
	}

	footer := encodeFileMetaData(schema, []testRowGroup{rg}, 5, "parquet-mr version 1.10.0 (build abcdef)")

	full := concatBytes(fileBody, footer, lenPrefix(len(footer)), []byte(magic))
	return full, int64(len(full))
}

func appendPlainString(buf []byte, s string) []byte {
	var tmp [4]byte
	n := uint32(len(s))
	tmp[0] = byte(n)
	tmp[1] = byte(n >> 8)
	tmp[2] = byte(n >> 16)
	tmp[3] = byte(n >> 24)
	buf = append(buf, tmp[:]...)
	buf = append(buf, s...)
	return buf
}

func concatBytes(parts ...[]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func lenPrefix(n int) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func TestScanFlatAndNestedColumns(t *testing.T) {
	data, _ := buildFlatAndNestedFile(t)
	src := &bytesSource{data: data}

	desc := TupleDesc{Slots: []SlotSpec{
		{Name: "id", Path: []int{0}},
		{Name: "name", Path: []int{1}},
		{Name: "tags", Path: []int{2, 0}},
	}}

	scanner, err := Open(src, desc)
	require.NoError(t, err)
	require.Equal(t, int64(5), scanner.NumRows())

	batch := rowbatch.New(16)
	var eos bool
	err = scanner.GetNext(batch, &eos)
	require.NoError(t, err)
	require.True(t, eos)
	require.Equal(t, 5, batch.NumRows())

	wantIDs := []int32{10, 20, 30, 40, 50}
	wantNames := []interface{}{"alice", nil, "carol", "dave", nil}
	wantTags := [][]interface{}{
		{int32(100), int32(101)},
		{},
		{int32(200)},
		{int32(300), int32(301), int32(302)},
		{},
	}
	for i := 0; i < 5; i++ {
		row := batch.Row(i).(map[string]interface{})
		require.Equal(t, wantIDs[i], row["id"])
		require.Equal(t, wantNames[i], row["name"])
		require.ElementsMatch(t, wantTags[i], row["tags"])
	}
}

func TestDictionaryEncodedColumnDecodes(t *testing.T) {
	dict := []interface{}{int32(7), int32(9), int32(11)}
	node := &SchemaNode{
		Element: &format.SchemaElement{Name: "code", Type: typePtr(format.Int32), RepetitionType: reqPtr()},
		MaxDef:  0, MaxRep: 0, IsLeaf: true,
	}

	dictBody := encodePlainInt32Page([]int32{7, 9, 11})
	dictChunk := dictPageHeaderBytes(3, dictBody)

	bw := bitWidthFor(len(dict) - 1)
	page1Idx := concatBytes([]byte{byte(bw)}, encodeRLERun(0, 1, bw), encodeRLERun(1, 1, bw), encodeRLERun(0, 1, bw))
	page1 := dataPageHeaderBytes(3, format.PlainDictionary, page1Idx)
	page2Idx := concatBytes([]byte{byte(bw)}, encodeRLERun(2, 1, bw), encodeRLERun(0, 1, bw), encodeRLERun(1, 1, bw))
	page2 := dataPageHeaderBytes(3, format.PlainDictionary, page2Idx)

	chunk := concatBytes(dictChunk, page1, page2)
	meta := &format.ColumnMetaData{Type: format.Int32, NumValues: 6, Codec: format.Uncompressed}

	r := &ScalarReader{}
	require.NoError(t, r.Reset(node, meta, chunk, FileVersion{}, Config{}))

	var got []int32
	for {
		rep, def, err := r.NextLevels()
		require.NoError(t, err)
		if rep == -1 && def == -1 {
			break
		}
		v, err := r.ReadValue()
		require.NoError(t, err)
		got = append(got, v.(int32))
	}
	require.Equal(t, []int32{7, 9, 7, 11, 7, 9}, got)
}

func TestSecondDictionaryPageRejected(t *testing.T) {
	node := &SchemaNode{
		Element: &format.SchemaElement{Name: "code", Type: typePtr(format.Int32), RepetitionType: reqPtr()},
		IsLeaf:  true,
	}
	dictBody := encodePlainInt32Page([]int32{1, 2})
	dictChunk := dictPageHeaderBytes(2, dictBody)
	chunk := concatBytes(dictChunk, dictChunk) // two dictionary pages: invalid

	meta := &format.ColumnMetaData{Type: format.Int32, NumValues: 2, Codec: format.Uncompressed}
	r := &ScalarReader{}
	require.NoError(t, r.Reset(node, meta, chunk, FileVersion{}, Config{}))

	_, _, err := r.NextLevels()
	require.Error(t, err)
	require.Equal(t, status.KindCorrupt, status.Classify(err))
}

func convertedTypePtr(ct format.ConvertedType) *format.ConvertedType { return &ct }

func TestLegacyHiveTimestampConversionGatedByConfig(t *testing.T) {
	node := &SchemaNode{
		Element: &format.SchemaElement{
			Name: "ts", Type: typePtr(format.Int64), RepetitionType: reqPtr(),
			ConvertedType: convertedTypePtr(format.TimestampMillis),
		},
		IsLeaf: true,
	}
	const millis = int64(1_600_000_000_000)
	body := encodePlainInt64Page([]int64{millis})
	chunk := dataPageHeaderBytes(1, format.Plain, body)
	meta := &format.ColumnMetaData{Type: format.Int64, NumValues: 1, Codec: format.Uncompressed}
	fv := FileVersion{Application: "impala"}

	r := &ScalarReader{}
	require.NoError(t, r.Reset(node, meta, chunk, fv, Config{}))
	_, _, err := r.NextLevels()
	require.NoError(t, err)
	v, err := r.ReadValue()
	require.NoError(t, err)
	require.IsType(t, int64(0), v, "conversion must stay off unless the caller opts in")
	require.Equal(t, millis, v)

	r2 := &ScalarReader{}
	require.NoError(t, r2.Reset(node, meta, chunk, fv, Config{ConvertLegacyHiveParquetUTCTimestamps: true}))
	_, _, err = r2.NextLevels()
	require.NoError(t, err)
	v2, err := r2.ReadValue()
	require.NoError(t, err)
	require.IsType(t, time.Time{}, v2)
}

func TestCrossColumnNumValuesMismatchRejected(t *testing.T) {
	schema := []format.SchemaElement{
		{Name: "schema", NumChildren: i32p(2)},
		{Name: "a", Type: typePtr(format.Int32), RepetitionType: reqPtr()},
		{Name: "b", Type: typePtr(format.Int32), RepetitionType: reqPtr()},
	}
	root := CreateSchemaTree(schema)

	aBody := encodePlainInt32Page([]int32{1, 2, 3})
	aChunk := dataPageHeaderBytes(3, format.Plain, aBody)
	bBody := encodePlainInt32Page([]int32{1, 2})
	bChunk := dataPageHeaderBytes(2, format.Plain, bBody)

	rg := &format.RowGroup{
		Columns: []format.ColumnChunk{
			{MetaData: &format.ColumnMetaData{Type: format.Int32, NumValues: 3, Codec: format.Uncompressed, Encodings: []format.Encoding{format.Plain}}},
			{MetaData: &format.ColumnMetaData{Type: format.Int32, NumValues: 2, Codec: format.Uncompressed, Encodings: []format.Encoding{format.Plain}}},
		},
		NumRows: 3,
	}

	desc := TupleDesc{Slots: []SlotSpec{{Name: "a", Path: []int{0}}, {Name: "b", Path: []int{1}}}}
	rr, err := NewRowGroupReader(root, rg, desc, FileVersion{}, Config{})
	require.NoError(t, err)

	err = rr.Init(map[int][]byte{0: aChunk, 1: bChunk})
	require.Error(t, err)
	require.Equal(t, status.KindCorrupt, status.Classify(err))
}

func TestCountStarSkipsColumnChunks(t *testing.T) {
	schema := []format.SchemaElement{
		{Name: "schema", NumChildren: i32p(1)},
		{Name: "a", Type: typePtr(format.Int32), RepetitionType: reqPtr()},
	}
	root := CreateSchemaTree(schema)

	rg := &format.RowGroup{
		Columns: []format.ColumnChunk{
			{MetaData: nil}, // deliberately unreadable: proves it is never touched
		},
		NumRows: 42,
	}

	rr, err := NewRowGroupReader(root, rg, TupleDesc{}, FileVersion{}, Config{})
	require.NoError(t, err)

	ranges, err := rr.PlanScanRanges(1 << 20)
	require.NoError(t, err)
	require.Nil(t, ranges)

	require.NoError(t, rr.Init(nil))

	batch := rowbatch.New(100)
	var eos bool
	require.NoError(t, rr.AssembleRows(batch, &eos))
	require.True(t, eos)
	require.Equal(t, 42, batch.NumRows())
}

func typePtr(t format.Type) *format.Type { return &t }
func reqPtr() *format.FieldRepetitionType {
	v := format.Required
	return &v
}
