package install

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/kernelsu/ksud/internal/testutil"
	"github.com/kernelsu/ksud/internal/types"
)

func TestOutputPath(t *testing.T) {
	now := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	dir := t.TempDir()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		out  string
		want string
	}{
		{"empty uses working directory", "", filepath.Join(wd, "kernelsu_patched_20240309_070501.img")},
		{"existing directory", dir, filepath.Join(dir, "kernelsu_patched_20240309_070501.img")},
		{"trailing separator", filepath.Join(dir, "new") + string(os.PathSeparator), filepath.Join(dir, "new", "kernelsu_patched_20240309_070501.img")},
		{"explicit file", filepath.Join(dir, "patched.img"), filepath.Join(dir, "patched.img")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := OutputPath(tt.out, now)
			if err != nil {
				t.Fatalf("OutputPath: %v", err)
			}
			if got != tt.want {
				t.Errorf("OutputPath(%q) = %q, want %q", tt.out, got, tt.want)
			}
		})
	}
}

func TestWriteOutput(t *testing.T) {
	dir := t.TempDir()
	data := []byte("patched image")

	path, err := WriteOutput(data, filepath.Join(dir, "nested", "out.img"))
	if err != nil {
		t.Fatalf("WriteOutput: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read output: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("content = %q, want %q", got, data)
	}

	// overwrite, and no temp files left behind
	if _, err := WriteOutput([]byte("second"), path); err != nil {
		t.Fatalf("WriteOutput again: %v", err)
	}
	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "out.img" {
		t.Errorf("directory entries = %v, want only out.img", entries)
	}

	path, err = WriteOutput(data, dir)
	if err != nil {
		t.Fatalf("WriteOutput to dir: %v", err)
	}
	if base := filepath.Base(path); !strings.HasPrefix(base, "kernelsu_patched_") || !strings.HasSuffix(base, ".img") {
		t.Errorf("generated name = %q", base)
	}
}

// sink is a fixed-capacity device.
type sink struct {
	buf      []byte
	n        int
	report   bool // report capacity through Size
	syncs    int
	closed   bool
	writeErr error
}

func (s *sink) Write(p []byte) (int, error) {
	if s.writeErr != nil {
		return 0, s.writeErr
	}
	n := copy(s.buf[s.n:], p)
	s.n += n
	if n < len(p) {
		return n, io.ErrShortWrite
	}
	return n, nil
}

func (s *sink) Sync() error  { s.syncs++; return nil }
func (s *sink) Close() error { s.closed = true; return nil }

func (s *sink) Size() (int64, error) {
	if s.report {
		return int64(len(s.buf)), nil
	}
	return -1, nil
}

type sinkOpener struct {
	dev     *sink
	openErr error
}

func (o *sinkOpener) OpenWrite(string) (Device, error) {
	if o.openErr != nil {
		return nil, o.openErr
	}
	return o.dev, nil
}

func (o *sinkOpener) OpenRead(string) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(o.dev.buf)), nil
}

func TestFlash_Sink(t *testing.T) {
	part := &types.Partition{Name: "boot_a", Device: "/dev/block/by-name/boot_a"}
	image := bytes.Repeat([]byte{0x5a}, chunkSize+1234)

	tests := []struct {
		name      string
		capacity  int
		report    bool
		openErr   error
		writeErr  error
		wantKind  types.Kind
		wantBytes int
	}{
		{name: "fits", capacity: len(image) + 4096, report: true, wantBytes: len(image)},
		{name: "exact fit", capacity: len(image), report: true, wantBytes: len(image)},
		{name: "too small known", capacity: len(image) - 1, report: true, wantKind: types.FlashIncomplete},
		{name: "too small unknown", capacity: len(image) - 1, wantKind: types.FlashIncomplete, wantBytes: len(image) - 1},
		{name: "permission", capacity: len(image), openErr: os.ErrPermission, wantKind: types.FlashPermission},
		{name: "open fails", capacity: len(image), openErr: syscall.EISDIR, wantKind: types.FlashPermission},
		{name: "write error", capacity: len(image), writeErr: io.ErrUnexpectedEOF, wantKind: types.FlashIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dev := &sink{buf: make([]byte, tt.capacity), report: tt.report, writeErr: tt.writeErr}
			f := &Flasher{Opener: &sinkOpener{dev: dev, openErr: tt.openErr}}

			err := f.Flash(context.Background(), image, part)
			if tt.wantKind != types.Unknown {
				if types.KindOf(err) != tt.wantKind {
					t.Fatalf("error kind = %v, want %v (err=%v)", types.KindOf(err), tt.wantKind, err)
				}
			} else if err != nil {
				t.Fatalf("Flash: %v", err)
			}
			if dev.n != tt.wantBytes {
				t.Errorf("bytes written = %d, want %d", dev.n, tt.wantBytes)
			}
			if tt.openErr == nil && !dev.closed {
				t.Error("device not closed")
			}
			if tt.wantKind == types.Unknown {
				if !bytes.Equal(dev.buf[:len(image)], image) {
					t.Error("sink content mismatch")
				}
				if dev.syncs != 2 {
					t.Errorf("syncs = %d, want 2", dev.syncs)
				}
			}
		})
	}
}

func TestFlash_UnopenableDevice(t *testing.T) {
	dir := t.TempDir()
	err := NewFlasher().Flash(context.Background(), []byte("image"), &types.Partition{Name: "boot_a", Device: dir})
	if types.KindOf(err) != types.FlashPermission {
		t.Fatalf("error kind = %v, want %v (err=%v)", types.KindOf(err), types.FlashPermission, err)
	}
	if !strings.Contains(err.Error(), dir) {
		t.Errorf("error %q does not name the device", err)
	}
}

func TestFlash_Canceled(t *testing.T) {
	dev := &sink{buf: make([]byte, 16)}
	f := &Flasher{Opener: &sinkOpener{dev: dev}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := f.Flash(ctx, []byte("data"), &types.Partition{Device: "x"}); err == nil {
		t.Fatal("expected error for canceled context")
	}
	if dev.n != 0 {
		t.Errorf("wrote %d bytes after cancellation", dev.n)
	}
}

// corruptSink flips the first byte on read back.
type corruptSink struct{ sink }

type corruptOpener struct{ dev *corruptSink }

func (o *corruptOpener) OpenWrite(string) (Device, error) { return &o.dev.sink, nil }
func (o *corruptOpener) OpenRead(string) (io.ReadCloser, error) {
	buf := bytes.Clone(o.dev.buf)
	buf[0] ^= 0xff
	return io.NopCloser(bytes.NewReader(buf)), nil
}

func TestFlash_VerifyMismatch(t *testing.T) {
	dev := &corruptSink{sink{buf: make([]byte, 64), report: true}}
	f := &Flasher{Opener: &corruptOpener{dev: dev}}
	err := f.Flash(context.Background(), []byte("boot image"), &types.Partition{Name: "boot", Device: "boot"})
	if types.KindOf(err) != types.FlashIncomplete {
		t.Fatalf("error kind = %v, want FlashIncomplete (err=%v)", types.KindOf(err), err)
	}
}

func TestFlash_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot_a")
	if err := os.WriteFile(path, bytes.Repeat([]byte{0xff}, 8192), 0o644); err != nil {
		t.Fatal(err)
	}
	image := bytes.Repeat([]byte("kernelsu"), 512)

	f := NewFlasher()
	if err := f.Flash(context.Background(), image, &types.Partition{Name: "boot_a", Device: path}); err != nil {
		t.Fatalf("Flash: %v", err)
	}
	got, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 8192 {
		t.Errorf("partition size changed to %d", len(got))
	}
	if !bytes.Equal(got[:len(image)], image) {
		t.Error("flashed content mismatch")
	}
	if !bytes.Equal(got[len(image):], bytes.Repeat([]byte{0xff}, 8192-len(image))) {
		t.Error("bytes past the image were modified")
	}

	err = f.Flash(context.Background(), make([]byte, 8193), &types.Partition{Name: "boot_a", Device: path})
	if types.KindOf(err) != types.FlashIncomplete {
		t.Errorf("oversized flash kind = %v, want FlashIncomplete", types.KindOf(err))
	}
}

func TestFlash_GPT(t *testing.T) {
	diskPath := filepath.Join(t.TempDir(), "disk.img")
	err := testutil.CreateGPTDisk(diskPath,
		testutil.GPTPartition{Name: "boot_a", Data: []byte("stock a")},
		testutil.GPTPartition{Name: "init_boot_a", Sectors: 16},
	)
	if err != nil {
		t.Fatalf("CreateGPTDisk: %v", err)
	}

	part := &types.Partition{Name: "boot_a", Device: diskPath, Index: 1, Offset: 2048 * 512, Size: 2048 * 512}
	image := bytes.Repeat([]byte{0xa5}, 5000)

	f := NewFlasher()
	if err := f.Flash(context.Background(), image, part); err != nil {
		t.Fatalf("Flash: %v", err)
	}

	raw, err := os.ReadFile(diskPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(raw[part.Offset:part.Offset+int64(len(image))], image) {
		t.Error("partition content mismatch")
	}

	small := &types.Partition{Name: "init_boot_a", Device: diskPath, Index: 2, Offset: 4096 * 512, Size: 16 * 512}
	err = f.Flash(context.Background(), image, small)
	if types.KindOf(err) != types.FlashIncomplete {
		t.Errorf("oversized GPT flash kind = %v, want FlashIncomplete", types.KindOf(err))
	}
	after, err := os.ReadFile(diskPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(after, raw) {
		t.Error("disk modified by rejected flash")
	}
}
