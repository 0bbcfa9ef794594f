package source

import (
	"io"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/kernelsu/ksud/internal/types"
)

// DetectCompression returns the compression type based on file extension.
func DetectCompression(path string) string {
	lower := strings.ToLower(path)
	switch {
	case strings.HasSuffix(lower, ".xz"):
		return "xz"
	case strings.HasSuffix(lower, ".gz"):
		return "gz"
	case strings.HasSuffix(lower, ".zst"):
		return "zst"
	default:
		return ""
	}
}

// OpenDecompressed opens a file and returns a decompressed reader.
// Returns the reader, uncompressed size (-1 if unknown), and error.
func OpenDecompressed(path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, errors.Wrapf(err, "open %s", path)
	}

	switch DetectCompression(path) {
	case "xz":
		reader, err := xz.NewReader(file)
		if err != nil {
			file.Close()
			return nil, 0, errors.Wrap(err, "xz reader")
		}
		return &readerCloser{reader: reader, closer: file}, -1, nil

	case "gz":
		reader, err := gzip.NewReader(file)
		if err != nil {
			file.Close()
			return nil, 0, errors.Wrap(err, "gzip reader")
		}
		// gzip.Reader.Close() only closes the gzip reader, not the file
		return &readerCloser{reader: reader, closer: newSharedCloser(reader, file)}, -1, nil

	case "zst":
		reader, err := zstd.NewReader(file)
		if err != nil {
			file.Close()
			return nil, 0, errors.Wrap(err, "zstd reader")
		}
		return &readerCloser{reader: reader, closer: newSharedCloser(zstdCloser{reader}, file)}, -1, nil

	default:
		info, err := file.Stat()
		if err != nil {
			file.Close()
			return nil, 0, errors.Wrapf(err, "stat %s", path)
		}
		return file, info.Size(), nil
	}
}

// zstdCloser adapts zstd.Decoder, whose Close returns nothing.
type zstdCloser struct {
	d *zstd.Decoder
}

func (z zstdCloser) Close() error {
	z.d.Close()
	return nil
}

// findGPTPartition looks up a partition by GPT name on a disk image or
// whole-disk device. It returns nil without error when no partition matches.
func findGPTPartition(diskPath, name string) (*types.Partition, error) {
	disk, err := diskfs.Open(diskPath, diskfs.WithOpenMode(diskfs.ReadOnly))
	if err != nil {
		return nil, types.Wrapf(types.SourceNotFound, err, "open disk %s", diskPath)
	}
	defer disk.Close()

	table, err := disk.GetPartitionTable()
	if err != nil {
		return nil, types.Wrapf(types.SourceNotFound, err, "read partition table of %s", diskPath)
	}
	gptTable, ok := table.(*gpt.Table)
	if !ok {
		return nil, types.Errorf(types.SourceNotFound, "disk %s does not have a GPT partition table", diskPath)
	}

	for i, part := range gptTable.Partitions {
		if part == nil || part.Name != name {
			continue
		}
		return &types.Partition{
			Name:   name,
			Device: diskPath,
			Index:  i + 1,
			Offset: part.GetStart(),
			Size:   part.GetSize(),
		}, nil
	}
	return nil, nil
}

// openPartition returns a reader over the partition's bytes.
func openPartition(part *types.Partition) (io.ReadCloser, error) {
	file, err := os.Open(part.Device)
	if err != nil {
		return nil, types.Wrapf(types.SourceNotFound, err, "open %s", part.Device)
	}
	if part.Index == 0 {
		return file, nil
	}
	section := io.NewSectionReader(file, part.Offset, part.Size)
	return &readerCloser{reader: section, closer: file}, nil
}
