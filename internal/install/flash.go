package install

import (
	"bytes"
	"context"
	"io"
	"os"
	"syscall"

	"github.com/charmbracelet/log"
	"github.com/cockroachdb/errors"
	"github.com/diskfs/go-diskfs"
	"github.com/opencontainers/go-digest"

	"github.com/kernelsu/ksud/internal/types"
)

const chunkSize = 4 << 20

// Device is a flash target opened for writing.
type Device interface {
	io.Writer
	Sync() error
	Close() error
	// Size returns the capacity in bytes, or -1 when unknown.
	Size() (int64, error)
}

// DeviceOpener opens flash targets by path.
type DeviceOpener interface {
	OpenWrite(path string) (Device, error)
	OpenRead(path string) (io.ReadCloser, error)
}

// Flasher writes images onto partitions.
type Flasher struct {
	Opener DeviceOpener
}

// NewFlasher creates a Flasher working on real devices and files.
func NewFlasher() *Flasher {
	return &Flasher{Opener: fileOpener{}}
}

// Flash writes data to the start of part and verifies it by reading it back.
// The context is only consulted before the first write.
func (f *Flasher) Flash(ctx context.Context, data []byte, part *types.Partition) error {
	if err := ctx.Err(); err != nil {
		return errors.Wrap(err, "flash canceled")
	}
	log.Info("flashing", "partition", part.Name, "device", part.Device, "size", len(data))

	var err error
	if part.Index > 0 {
		err = flashGPT(data, part)
	} else {
		err = f.flashDevice(data, part.Device)
	}
	if err != nil {
		return err
	}

	if err := f.verify(data, part); err != nil {
		return err
	}
	log.Info("flash verified", "partition", part.Name, "digest", digest.FromBytes(data))
	return nil
}

func (f *Flasher) flashDevice(data []byte, path string) error {
	// Any open failure leaves the target untouched.
	dev, err := f.Opener.OpenWrite(path)
	if err != nil {
		return types.Wrapf(types.FlashPermission, err, "open %s for writing", path)
	}
	defer dev.Close()

	size, err := dev.Size()
	if err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "query size of %s", path)
	}
	if size >= 0 && int64(len(data)) > size {
		return types.Errorf(types.FlashIncomplete, "image is %d bytes but %s holds only %d", len(data), path, size)
	}

	written, err := writeChunks(dev, data)
	if err != nil {
		if isPermission(err) {
			return types.Wrapf(types.FlashPermission, err, "write %s", path)
		}
		return types.Wrapf(types.FlashIncomplete, err, "write %s after %d of %d bytes", path, written, len(data))
	}
	if written != len(data) {
		return types.Errorf(types.FlashIncomplete, "wrote %d of %d bytes to %s", written, len(data), path)
	}
	if err := dev.Close(); err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "close %s", path)
	}
	return nil
}

// writeChunks writes data in 4 MiB chunks, syncing after each one.
func writeChunks(dev Device, data []byte) (int, error) {
	written := 0
	for written < len(data) {
		chunk := data[written:min(written+chunkSize, len(data))]
		n, err := dev.Write(chunk)
		written += n
		if err != nil {
			return written, err
		}
		if n < len(chunk) {
			return written, io.ErrShortWrite
		}
		if err := dev.Sync(); err != nil {
			return written, errors.Wrap(err, "sync")
		}
	}
	return written, nil
}

// flashGPT writes a partition of a whole disk through its partition table.
func flashGPT(data []byte, part *types.Partition) error {
	if part.Size > 0 && int64(len(data)) > part.Size {
		return types.Errorf(types.FlashIncomplete, "image is %d bytes but %s holds only %d", len(data), part.Name, part.Size)
	}
	disk, err := diskfs.Open(part.Device, diskfs.WithOpenMode(diskfs.ReadWrite))
	if err != nil {
		return types.Wrapf(types.FlashPermission, err, "open disk %s", part.Device)
	}
	defer disk.Close()

	written, err := disk.WritePartitionContents(part.Index, bytes.NewReader(data))
	if err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "write partition %s on %s", part.Name, part.Device)
	}
	if written != int64(len(data)) {
		return types.Errorf(types.FlashIncomplete, "wrote %d of %d bytes to %s", written, len(data), part.Name)
	}

	file, err := os.OpenFile(part.Device, os.O_WRONLY, 0)
	if err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "reopen %s", part.Device)
	}
	defer file.Close()
	if err := file.Sync(); err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "sync %s", part.Device)
	}
	return nil
}

// verify compares the digest of the flashed range with the image.
func (f *Flasher) verify(data []byte, part *types.Partition) error {
	r, err := f.Opener.OpenRead(part.Device)
	if err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "reopen %s for verification", part.Device)
	}
	defer r.Close()

	var src io.Reader = r
	if part.Index > 0 {
		ra, ok := r.(io.ReaderAt)
		if !ok {
			return types.Errorf(types.FlashIncomplete, "cannot seek into %s for verification", part.Device)
		}
		src = io.NewSectionReader(ra, part.Offset, int64(len(data)))
	}

	want := digest.FromBytes(data)
	got, err := want.Algorithm().FromReader(io.LimitReader(src, int64(len(data))))
	if err != nil {
		return types.Wrapf(types.FlashIncomplete, err, "read back %s", part.Device)
	}
	if got != want {
		return types.Errorf(types.FlashIncomplete, "read back digest %s does not match image digest %s", got, want)
	}
	return nil
}

func isPermission(err error) bool {
	return os.IsPermission(err) || errors.Is(err, syscall.EPERM) || errors.Is(err, syscall.EROFS)
}

// fileOpener opens paths on the local filesystem.
type fileOpener struct{}

func (fileOpener) OpenWrite(path string) (Device, error) {
	if err := clearReadOnly(path); err != nil {
		log.Debug("could not clear read-only flag", "device", path, "err", err)
	}
	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return nil, err
	}
	return &fileDevice{File: file}, nil
}

func (fileOpener) OpenRead(path string) (io.ReadCloser, error) {
	return os.Open(path)
}

// fileDevice is a block device or a fixed-size image file.
type fileDevice struct {
	*os.File
	closed bool
}

func (d *fileDevice) Size() (int64, error) {
	info, err := d.Stat()
	if err != nil {
		return -1, err
	}
	switch {
	case info.Mode()&os.ModeDevice != 0:
		return blockDeviceSize(d.File)
	case info.Mode().IsRegular():
		return info.Size(), nil
	default:
		return -1, nil
	}
}

// Close may be called more than once.
func (d *fileDevice) Close() error {
	if d.closed {
		return nil
	}
	d.closed = true
	return d.File.Close()
}
