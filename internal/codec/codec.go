// Package codec detects and applies the compression formats found on
// Android ramdisks.
package codec

import (
	"bytes"
	"encoding/hex"

	"github.com/kernelsu/ksud/internal/types"
)

// Format identifies a ramdisk compression format.
type Format int

const (
	FormatNone Format = iota // plain cpio
	FormatGzip
	FormatLZ4
	FormatLZ4Legacy
	FormatZstd
	FormatXZ
	FormatLZMA
)

// String returns the format name as magiskboot spells it.
func (f Format) String() string {
	switch f {
	case FormatNone:
		return "raw"
	case FormatGzip:
		return "gzip"
	case FormatLZ4:
		return "lz4"
	case FormatLZ4Legacy:
		return "lz4_legacy"
	case FormatZstd:
		return "zstd"
	case FormatXZ:
		return "xz"
	case FormatLZMA:
		return "lzma"
	default:
		return "unknown"
	}
}

var (
	cpioNewcMagic  = []byte("070701")
	cpioCRCMagic   = []byte("070702")
	gzipMagic      = []byte{0x1f, 0x8b}
	lz4FrameMagic  = []byte{0x04, 0x22, 0x4d, 0x18}
	lz4LegacyMagic = []byte{0x02, 0x21, 0x4c, 0x18}
	zstdMagic      = []byte{0x28, 0xb5, 0x2f, 0xfd}
	xzMagic        = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	lzmaMagic      = []byte{0x5d, 0x00, 0x00}
)

// signatures is checked in order; the first match wins.
var signatures = []struct {
	format Format
	match  func([]byte) bool
}{
	{FormatNone, func(b []byte) bool { return bytes.HasPrefix(b, cpioNewcMagic) || bytes.HasPrefix(b, cpioCRCMagic) }},
	{FormatGzip, prefix(gzipMagic)},
	{FormatLZ4, prefix(lz4FrameMagic)},
	{FormatLZ4Legacy, prefix(lz4LegacyMagic)},
	{FormatZstd, prefix(zstdMagic)},
	{FormatXZ, prefix(xzMagic)},
	{FormatLZMA, prefix(lzmaMagic)},
}

func prefix(magic []byte) func([]byte) bool {
	return func(b []byte) bool { return bytes.HasPrefix(b, magic) }
}

// Detect sniffs the leading bytes of data against the known signatures.
func Detect(data []byte) (Format, error) {
	for _, sig := range signatures {
		if sig.match(data) {
			return sig.format, nil
		}
	}
	lead := data
	if len(lead) > 8 {
		lead = lead[:8]
	}
	return 0, types.Errorf(types.UnsupportedCompression, "no codec matches leading bytes %s", hex.EncodeToString(lead))
}

// Backend performs compression primitives on whole buffers. It may run
// in-process or delegate to an external helper.
type Backend interface {
	Decompress(format Format, data []byte) ([]byte, error)
	Compress(format Format, data []byte) ([]byte, error)
}
