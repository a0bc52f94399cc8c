package parquetreader

import (
	"encoding/binary"
	"fmt"
	"math/bits"
)

// levelDecoder decodes a hybrid RLE/bit-packed level (or dictionary
// index) stream, per spec.md §4.3 Stage E: level streams carry a 4-byte
// little-endian byte count and use bit_width = ceil(log2(max_level+1)).
// Only this hybrid format is decoded; a page whose levels use the
// deprecated standalone BIT_PACKED encoding is read as if it were
// length-prefixed hybrid data.
type levelDecoder struct {
	data     []byte
	pos      int
	bitWidth int

	runRemaining int
	runValue     int
	packed       []int
	packedIdx    int
}

func bitWidthFor(maxLevel int) int {
	if maxLevel == 0 {
		return 0
	}
	return bits.Len(uint(maxLevel))
}

// newHybridLevelDecoder wraps the RLE/bit-packed hybrid body (no
// length prefix — the caller strips that, since the 4-byte prefix
// appears only around the whole DataPage v1 rep/def streams, not
// around dictionary-index streams).
func newHybridLevelDecoder(data []byte, bitWidth int) *levelDecoder {
	return &levelDecoder{data: data, bitWidth: bitWidth}
}

func readUvarint(data []byte, pos int) (uint64, int) {
	var result uint64
	var shift uint
	for {
		if pos >= len(data) {
			return result, pos
		}
		b := data[pos]
		pos++
		result |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
	}
	return result, pos
}

func (d *levelDecoder) fillRun() bool {
	if d.bitWidth == 0 {
		d.runValue = 0
		d.runRemaining = 1 << 30 // every level is implicitly 0 when bit_width is 0 (no optional/repeated ancestor)
		return true
	}
	if d.pos >= len(d.data) {
		return false
	}
	header, next := readUvarint(d.data, d.pos)
	d.pos = next
	byteWidth := (d.bitWidth + 7) / 8
	if header&1 == 0 {
		count := int(header >> 1)
		var v int
		for i := 0; i < byteWidth && d.pos < len(d.data); i++ {
			v |= int(d.data[d.pos]) << (8 * i)
			d.pos++
		}
		d.runValue = v
		d.runRemaining = count
		return count > 0
	}

	numGroups := int(header >> 1)
	numValues := numGroups * 8
	d.packed = decodeBitPacked(d.data[d.pos:], d.bitWidth, numValues)
	d.pos += (numValues*d.bitWidth + 7) / 8
	d.packedIdx = 0
	d.runRemaining = 0
	return len(d.packed) > 0
}

// Next returns the next level value, or ok=false once the stream is
// exhausted.
func (d *levelDecoder) Next() (int, bool) {
	for {
		if d.runRemaining > 0 {
			d.runRemaining--
			return d.runValue, true
		}
		if d.packedIdx < len(d.packed) {
			v := d.packed[d.packedIdx]
			d.packedIdx++
			return v, true
		}
		d.packed = nil
		if !d.fillRun() {
			return 0, false
		}
	}
}

func decodeBitPacked(data []byte, bitWidth, numValues int) []int {
	out := make([]int, 0, numValues)
	bitPos := 0
	for i := 0; i < numValues; i++ {
		bytePos := bitPos / 8
		bitOff := uint(bitPos % 8)
		var v uint32
		bitsRead := 0
		for bitsRead < bitWidth {
			if bytePos >= len(data) {
				break
			}
			take := 8 - int(bitOff)
			if take > bitWidth-bitsRead {
				take = bitWidth - bitsRead
			}
			chunk := (uint32(data[bytePos]) >> bitOff) & ((1 << uint(take)) - 1)
			v |= chunk << uint(bitsRead)
			bitsRead += take
			bitOff += uint(take)
			if bitOff >= 8 {
				bitOff = 0
				bytePos++
			}
		}
		out = append(out, int(v))
		bitPos += bitWidth
	}
	return out
}

// newV1LevelStream strips the 4-byte little-endian length prefix
// DataPage v1 places around each rep/def level stream and returns a
// decoder over the remaining bytes plus the number of bytes the whole
// prefixed stream occupied.
func newV1LevelStream(data []byte, maxLevel int) (*levelDecoder, int, error) {
	bitWidth := bitWidthFor(maxLevel)
	if bitWidth == 0 {
		return newHybridLevelDecoder(nil, 0), 0, nil
	}
	if len(data) < 4 {
		return nil, 0, fmt.Errorf("parquetreader: truncated level stream")
	}
	n := int(binary.LittleEndian.Uint32(data[:4]))
	if 4+n > len(data) {
		return nil, 0, fmt.Errorf("parquetreader: level stream length %d exceeds page", n)
	}
	return newHybridLevelDecoder(data[4:4+n], bitWidth), 4 + n, nil
}
