// Package codec models the Codec external collaborator from spec.md
// §6: a page decompressor keyed by a Parquet CompressionCodec. The
// teacher compresses/decompresses page-sized buffers with compress/gzip
// directly inside buffer.Buffer (Anthony4m-UltraSQL/buffer/buffer.go);
// this package lifts that into a standalone interface with one more
// concrete implementation, snappy, for the codec the spec names.
package codec

import (
	"bytes"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
)

// Name identifies a supported Parquet page compression codec.
type Name int

const (
	Uncompressed Name = iota
	Snappy
	Gzip
)

// Codec decompresses one page's worth of bytes, per spec.md §6
// "process_block(compressed, &uncompressed_size, &out_buf)".
type Codec interface {
	Decompress(compressed []byte, uncompressedSize int) ([]byte, error)
}

// New returns the concrete decompressor for name, mirroring spec.md
// §6's "create_decompressor(codec) -> Codec" factory.
func New(name Name) (Codec, error) {
	switch name {
	case Uncompressed:
		return passthrough{}, nil
	case Snappy:
		return snappyCodec{}, nil
	case Gzip:
		return gzipCodec{}, nil
	default:
		return nil, fmt.Errorf("codec: unsupported codec %d", name)
	}
}

type passthrough struct{}

func (passthrough) Decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	return compressed, nil
}

type snappyCodec struct{}

func (snappyCodec) Decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	out := make([]byte, 0, uncompressedSize)
	decoded, err := snappy.Decode(out[:0:uncompressedSize], compressed)
	if err != nil {
		return nil, fmt.Errorf("codec: snappy decode: %w", err)
	}
	return decoded, nil
}

type gzipCodec struct{}

func (gzipCodec) Decompress(compressed []byte, uncompressedSize int) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("codec: gzip reader: %w", err)
	}
	defer r.Close()
	out := make([]byte, 0, uncompressedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, fmt.Errorf("codec: gzip decompress: %w", err)
	}
	return buf.Bytes(), nil
}
