package codec

import (
	"bytes"
	"encoding/binary"
	"io"

	"github.com/cockroachdb/errors"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
	"github.com/ulikunitz/xz/lzma"

	"github.com/kernelsu/ksud/internal/types"
)

// lz4LegacyBlockSize is the uncompressed size of every lz4 legacy block but the last.
const lz4LegacyBlockSize = 8 << 20

// InProcess implements Backend with Go libraries.
type InProcess struct{}

func (InProcess) Decompress(format Format, data []byte) ([]byte, error) {
	var (
		out []byte
		err error
	)
	switch format {
	case FormatNone:
		return data, nil
	case FormatGzip:
		out, err = readAllFrom(func(r io.Reader) (io.Reader, error) { return gzip.NewReader(r) }, data)
	case FormatLZ4:
		out, err = readAllFrom(func(r io.Reader) (io.Reader, error) { return lz4.NewReader(r), nil }, data)
	case FormatLZ4Legacy:
		out, err = decompressLZ4Legacy(data)
	case FormatZstd:
		out, err = decompressZstd(data)
	case FormatXZ:
		out, err = readAllFrom(func(r io.Reader) (io.Reader, error) { return xz.NewReader(r) }, data)
	case FormatLZMA:
		out, err = readAllFrom(func(r io.Reader) (io.Reader, error) { return lzma.NewReader(r) }, data)
	default:
		return nil, types.Errorf(types.UnsupportedCompression, "unknown format %d", format)
	}
	if err != nil {
		return nil, types.Wrapf(types.CorruptRamdisk, err, "%s decompress", format)
	}
	return out, nil
}

func (InProcess) Compress(format Format, data []byte) ([]byte, error) {
	var buf bytes.Buffer
	var w io.WriteCloser
	var err error

	switch format {
	case FormatNone:
		return data, nil
	case FormatGzip:
		w, err = gzip.NewWriterLevel(&buf, gzip.BestCompression)
	case FormatLZ4:
		w = lz4.NewWriter(&buf)
	case FormatLZ4Legacy:
		return compressLZ4Legacy(data)
	case FormatZstd:
		w, err = zstd.NewWriter(&buf, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	case FormatXZ:
		// the kernel decompressor only understands CRC32 checks
		w, err = xz.WriterConfig{CheckSum: xz.CRC32}.NewWriter(&buf)
	case FormatLZMA:
		w, err = lzma.NewWriter(&buf)
	default:
		return nil, types.Errorf(types.UnsupportedCompression, "unknown format %d", format)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "prepare %s writer", format)
	}

	if _, err := w.Write(data); err != nil {
		w.Close()
		return nil, errors.Wrapf(err, "%s compress", format)
	}
	if err := w.Close(); err != nil {
		return nil, errors.Wrapf(err, "finish %s stream", format)
	}
	return buf.Bytes(), nil
}

func readAllFrom(open func(io.Reader) (io.Reader, error), data []byte) ([]byte, error) {
	r, err := open(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	if c, ok := r.(io.Closer); ok {
		defer c.Close()
	}
	return io.ReadAll(r)
}

func decompressZstd(data []byte) ([]byte, error) {
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	defer dec.Close()
	return dec.DecodeAll(data, nil)
}

// decompressLZ4Legacy decodes the lz4 legacy container: a magic word followed by
// blocks, each prefixed by its compressed size. Streams may be concatenated, and
// some producers append the uncompressed size as a trailing word.
func decompressLZ4Legacy(data []byte) ([]byte, error) {
	if !bytes.HasPrefix(data, lz4LegacyMagic) {
		return nil, errors.New("missing lz4 legacy magic")
	}
	magic := binary.LittleEndian.Uint32(lz4LegacyMagic)

	var out bytes.Buffer
	block := make([]byte, lz4LegacyBlockSize)
	pos := len(lz4LegacyMagic)
	for len(data)-pos >= 4 {
		size := binary.LittleEndian.Uint32(data[pos:])
		pos += 4
		if size == magic {
			continue
		}
		if uint64(size) > uint64(len(data)-pos) {
			if len(data)-pos == 0 {
				// trailing uncompressed size word
				break
			}
			return nil, errors.Newf("lz4 legacy block of %d bytes at offset %d overruns input", size, pos-4)
		}
		n, err := lz4.UncompressBlock(data[pos:pos+int(size)], block)
		if err != nil {
			return nil, errors.Wrapf(err, "lz4 legacy block at offset %d", pos-4)
		}
		out.Write(block[:n])
		pos += int(size)
	}
	return out.Bytes(), nil
}

func compressLZ4Legacy(data []byte) ([]byte, error) {
	var out bytes.Buffer
	out.Write(lz4LegacyMagic)

	dst := make([]byte, lz4.CompressBlockBound(lz4LegacyBlockSize))
	var sizeWord [4]byte
	for start := 0; start < len(data); start += lz4LegacyBlockSize {
		end := min(start+lz4LegacyBlockSize, len(data))
		chunk := data[start:end]

		n, err := lz4.CompressBlock(chunk, dst, nil)
		if err != nil {
			return nil, errors.Wrap(err, "lz4 legacy compress")
		}
		compressed := dst[:n]
		if n == 0 {
			compressed = literalBlock(chunk)
		}
		binary.LittleEndian.PutUint32(sizeWord[:], uint32(len(compressed)))
		out.Write(sizeWord[:])
		out.Write(compressed)
	}
	return out.Bytes(), nil
}

// literalBlock encodes src as a single literal-only lz4 sequence. The legacy
// container has no stored-block escape, so incompressible chunks use this.
func literalBlock(src []byte) []byte {
	out := make([]byte, 0, len(src)+len(src)/255+16)
	n := len(src)
	if n < 15 {
		out = append(out, byte(n<<4))
	} else {
		out = append(out, 0xf0)
		rest := n - 15
		for rest >= 255 {
			out = append(out, 255)
			rest -= 255
		}
		out = append(out, byte(rest))
	}
	return append(out, src...)
}
