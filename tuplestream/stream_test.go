package tuplestream

import (
	"fmt"
	"math/rand"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"quarrydb/blockmgr"
	"quarrydb/diskio"
	"quarrydb/rowbatch"
	"quarrydb/tmpfile"
)

func newTestMgr(t *testing.T, limit int64, blockSize int64) *blockmgr.BufferedBlockMgr {
	t.Helper()
	dir, err := os.MkdirTemp("", "tuplestream-test-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })

	io := diskio.New([]string{dir}, 1<<20, 4)
	tf, err := tmpfile.New([]string{dir})
	require.NoError(t, err)

	queryID := fmt.Sprintf("q-%s", dir)
	m := blockmgr.Create(queryID, limit, blockSize, io, tf)
	t.Cleanup(func() { m.Close() })
	return m
}

func int32Schema() RowDescriptor {
	return RowDescriptor{Tuples: []TupleDesc{
		{FixedSize: 4},                       // int32 key
		{FixedSize: 0, Nullable: true, StringSlots: 1}, // nullable string
	}}
}

func intBytes(v int32) []byte {
	b := make([]byte, 4)
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
	return b
}

func int32Of(b []byte) int32 {
	return int32(b[0]) | int32(b[1])<<8 | int32(b[2])<<16 | int32(b[3])<<24
}

// BTS-01: 10,000 rows of (int32, nullable string) round-trip through
// the stream with exact value and count fidelity, across many block
// rolls and varying string lengths.
//
// Strings draw lengths up to 4096 bytes (the full width BTS-01 promises
// a string can round-trip at), so the block size must be large enough
// for one such row plus its null-bitmap prefix to ever fit — using
// spec.md's 8 MiB max-size block, as cmd/spillbench also does, rather
// than the small 4 KiB block the other tests in this file use.
func TestAppendAndReadBackRoundTrip(t *testing.T) {
	m := newTestMgr(t, 8*maxBlockSize, maxBlockSize)
	client := m.RegisterClient(8, nil)

	s, err := New(m, client, int32Schema(), -1, false)
	require.NoError(t, err)

	const numRows = 10000
	rng := rand.New(rand.NewSource(7))

	type want struct {
		key    int32
		null   bool
		str    string
	}
	expected := make([]want, numRows)

	for i := 0; i < numRows; i++ {
		isNull := rng.Intn(10) == 0
		strLen := rng.Intn(4097)
		str := make([]byte, strLen)
		rng.Read(str)

		row := Row{Tuples: []TupleValue{
			{Fixed: intBytes(int32(i))},
		}}
		if isNull {
			row.Tuples = append(row.Tuples, TupleValue{Null: true})
		} else {
			row.Tuples = append(row.Tuples, TupleValue{Strings: [][]byte{str}})
		}

		_, err := s.Append(row)
		require.NoError(t, err)

		expected[i] = want{key: int32(i), null: isNull, str: string(str)}
	}
	require.Equal(t, int64(numRows), s.NumRows())

	require.NoError(t, s.PrepareForRead(false))

	batch := rowbatch.New(64)
	got := 0
	for {
		var eos bool
		_, err := s.GetNext(batch, &eos, false)
		require.NoError(t, err)
		for _, r := range batch.Rows() {
			row := r.(Row)
			w := expected[got]
			require.Equal(t, w.key, int32Of(row.Tuples[0].Fixed))
			if w.null {
				require.True(t, row.Tuples[1].Null)
			} else {
				require.False(t, row.Tuples[1].Null)
				require.Equal(t, w.str, string(row.Tuples[1].Strings[0]))
			}
			got++
		}
		batch.Reset()
		if eos {
			break
		}
	}
	require.Equal(t, numRows, got)
}

const m4KBlock = 4096
const maxBlockSize = 8 << 20 // spec.md's max-size block convention

// BTS-02: with delete_on_read enabled, BytesInMem after the stream is
// drained is lower than before the first read, confirming freed blocks
// are not double counted as still resident.
func TestDeleteOnReadShrinksMemoryFootprint(t *testing.T) {
	m := newTestMgr(t, 64*m4KBlock, 4096)
	client := m.RegisterClient(8, nil)

	s, err := New(m, client, int32Schema(), -1, true)
	require.NoError(t, err)

	for i := 0; i < 2000; i++ {
		str := make([]byte, 200)
		row := Row{Tuples: []TupleValue{
			{Fixed: intBytes(int32(i))},
			{Strings: [][]byte{str}},
		}}
		_, err := s.Append(row)
		require.NoError(t, err)
	}

	require.NoError(t, s.PrepareForRead(false))
	before := s.BytesInMem(true)
	require.Greater(t, before, int64(0))

	batch := rowbatch.New(32)
	for {
		var eos bool
		_, err := s.GetNext(batch, &eos, false)
		require.NoError(t, err)
		batch.Reset()
		if eos {
			break
		}
	}

	after := s.BytesInMem(true)
	require.Less(t, after, before)
}
