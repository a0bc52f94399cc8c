package parquetreader

import (
	"encoding/binary"
	"fmt"
	"io"
	"strings"

	"github.com/segmentio/parquet-go/format"
	"github.com/rs/zerolog/log"

	"quarrydb/status"
)

const (
	magic          = "PAR1"
	footerSizeTag  = 8  // 4-byte magic + 4-byte metadata length trailer
	defaultFooterWindow = 64 * 1024
	maxPageHeaderSize   = 8 << 20 // MAX_PAGE_HEADER_SIZE, spec.md §6
)

// FileSource is the minimal random-access file contract Stage A needs;
// callers typically back it with *os.File or an in-memory buffer in
// tests.
type FileSource interface {
	io.ReaderAt
	Size() (int64, error)
}

// ReadFooter implements Stage A ("footer & schema"): validates the
// trailing 4-byte magic, reads the 4-byte little-endian metadata
// length that precedes it, and grows the read window until the full
// declared metadata is available, then Thrift-decodes it.
func ReadFooter(f FileSource) (*format.FileMetaData, error) {
	size, err := f.Size()
	if err != nil {
		return nil, status.Wrap("parquetreader", "read_footer", status.ErrIoError)
	}
	if size < footerSizeTag {
		return nil, status.Wrap("parquetreader", "read_footer", status.ErrCorrupt)
	}

	window := int64(defaultFooterWindow)
	if window > size {
		window = size
	}

	for {
		buf := make([]byte, window)
		if _, err := f.ReadAt(buf, size-window); err != nil && err != io.EOF {
			return nil, status.Wrap("parquetreader", "read_footer", status.ErrIoError)
		}
		if string(buf[len(buf)-4:]) != magic {
			return nil, status.Wrap("parquetreader", "read_footer", status.ErrCorrupt)
		}
		metaLen := int64(binary.LittleEndian.Uint32(buf[len(buf)-8 : len(buf)-4]))
		if metaLen < 0 {
			return nil, status.Wrap("parquetreader", "read_footer", status.ErrCorrupt)
		}
		need := metaLen + footerSizeTag
		if need <= window {
			metaBytes := buf[len(buf)-int(need) : len(buf)-8]
			meta, n, err := decodeFileMetaData(metaBytes)
			if err != nil {
				return nil, status.Wrap("parquetreader", "read_footer", status.ErrCorrupt)
			}
			if int64(n) != metaLen {
				log.Debug().Int("decoded", n).Int64("declared", metaLen).Msg("parquetreader: trailing bytes after file metadata")
			}
			return meta, nil
		}
		if need > size {
			return nil, status.Wrap("parquetreader", "read_footer", status.ErrCorrupt)
		}
		window = need
	}
}

// FileVersion captures enough of a file's created_by string to select
// the legacy-writer compatibility quirks Stage D/E consult, per
// spec.md §9 supplemented features (original_source's
// hdfs-parquet-scanner.cc writer-name sniffing).
type FileVersion struct {
	Application    string
	VersionMajor   int
	VersionMinor   int
	VersionPatch   int
	IsImpalaInternal bool
}

// ParseFileVersion extracts application/version tokens from a
// createdBy string of the conventional form
// "application version (build hash)".
func ParseFileVersion(createdBy string) FileVersion {
	var v FileVersion
	var app string
	var maj, min, patch int
	n, _ := fmt.Sscanf(createdBy, "%s version %d.%d.%d", &app, &maj, &min, &patch)
	if n >= 1 {
		v.Application = app
	}
	if n >= 4 {
		v.VersionMajor, v.VersionMinor, v.VersionPatch = maj, min, patch
	}
	v.IsImpalaInternal = app == "impala" && strings.Contains(strings.ToLower(createdBy), "-internal")
	return v
}

// NeedsDictHeaderPadding reports the parquet-mr < 1.2.9 quirk: such
// writers omit the dictionary page header's declared size from
// total_compressed_size, so Stage D must pad the scan range.
func (v FileVersion) NeedsDictHeaderPadding() bool {
	return v.Application == "parquet-mr" && (v.VersionMajor < 1 || (v.VersionMajor == 1 && v.VersionMinor < 2) ||
		(v.VersionMajor == 1 && v.VersionMinor == 2 && v.VersionPatch < 9))
}

// AllowsDictionaryPageWithoutHeader is the impala 1.1.0 / 1.2.0-internal
// quirk: a dictionary page may be present without a
// dictionary_page_header field in its PageHeader.
func (v FileVersion) AllowsDictionaryPageWithoutHeader() bool {
	if v.Application != "impala" || v.VersionMajor != 1 || v.VersionPatch != 0 {
		return false
	}
	return v.VersionMinor == 1 || (v.VersionMinor == 2 && v.IsImpalaInternal)
}

// maxDictHeaderSize is the padding applied for NeedsDictHeaderPadding,
// matching MAX_DICT_HEADER_SIZE referenced in spec.md §4.3 Stage D.
const maxDictHeaderSize = 100
