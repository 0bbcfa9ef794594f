package source

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/ulikunitz/xz"

	"github.com/kernelsu/ksud/internal/testutil"
	"github.com/kernelsu/ksud/internal/types"
)

func TestDetectCompression(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"boot.img.xz", "xz"},
		{"boot.img.gz", "gz"},
		{"boot.img.zst", "zst"},
		{"boot.img", ""},
		{"BOOT.IMG.XZ", "xz"},
		{"/sdcard/Download/init_boot.img.zst", "zst"},
		{"/sdcard/Download/init_boot.img", ""},
	}

	for _, tt := range tests {
		t.Run(tt.path, func(t *testing.T) {
			if got := DetectCompression(tt.path); got != tt.want {
				t.Errorf("DetectCompression(%q) = %q, want %q", tt.path, got, tt.want)
			}
		})
	}
}

func compressXZ(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := xz.NewWriter(&buf)
	if err != nil {
		t.Fatalf("xz.NewWriter error: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("xz write error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("xz close error: %v", err)
	}
	return buf.Bytes()
}

func compressGzip(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		t.Fatalf("gzip write error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("gzip close error: %v", err)
	}
	return buf.Bytes()
}

func compressZstd(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := zstd.NewWriter(&buf)
	if err != nil {
		t.Fatalf("zstd.NewWriter error: %v", err)
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("zstd write error: %v", err)
	}
	if err := w.Close(); err != nil {
		t.Fatalf("zstd close error: %v", err)
	}
	return buf.Bytes()
}

func TestOpenDecompressed(t *testing.T) {
	content := []byte("ANDROID! boot image bytes")

	tests := []struct {
		name     string
		file     string
		encode   func(*testing.T, []byte) []byte
		wantSize int64
	}{
		{name: "plain", file: "boot.img", wantSize: int64(len(content))},
		{name: "xz", file: "boot.img.xz", encode: compressXZ, wantSize: -1},
		{name: "gzip", file: "boot.img.gz", encode: compressGzip, wantSize: -1},
		{name: "zstd", file: "boot.img.zst", encode: compressZstd, wantSize: -1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			data := content
			if tt.encode != nil {
				data = tt.encode(t, content)
			}
			if err := os.WriteFile(path, data, 0o644); err != nil {
				t.Fatalf("write: %v", err)
			}

			reader, size, err := OpenDecompressed(path)
			if err != nil {
				t.Fatalf("OpenDecompressed error: %v", err)
			}
			if size != tt.wantSize {
				t.Errorf("size = %d, want %d", size, tt.wantSize)
			}
			got, err := io.ReadAll(reader)
			if err != nil {
				t.Fatalf("ReadAll error: %v", err)
			}
			if !bytes.Equal(got, content) {
				t.Errorf("content = %q, want %q", got, content)
			}
			if err := reader.Close(); err != nil {
				t.Errorf("Close error: %v", err)
			}
			// a second close must not fail on a shared closer
			if tt.encode != nil {
				if err := reader.Close(); err != nil {
					t.Errorf("second Close error: %v", err)
				}
			}
		})
	}
}

func TestOpenDecompressed_Corrupt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "boot.img.xz")
	if err := os.WriteFile(path, []byte("not xz"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, _, err := OpenDecompressed(path); err == nil {
		t.Fatal("expected error for corrupt xz file")
	}
}

func TestFindGPTPartition(t *testing.T) {
	diskPath := filepath.Join(t.TempDir(), "disk.img")
	bootData := bytes.Repeat([]byte{0xb0}, 4096)
	err := testutil.CreateGPTDisk(diskPath,
		testutil.GPTPartition{Name: "boot_a", Data: bootData},
		testutil.GPTPartition{Name: "boot_b"},
		testutil.GPTPartition{Name: "init_boot_a", Sectors: 4096},
	)
	if err != nil {
		t.Fatalf("CreateGPTDisk: %v", err)
	}

	part, err := findGPTPartition(diskPath, "init_boot_a")
	if err != nil {
		t.Fatalf("findGPTPartition: %v", err)
	}
	if part == nil {
		t.Fatal("init_boot_a not found")
	}
	if part.Index != 3 {
		t.Errorf("Index = %d, want 3", part.Index)
	}
	if part.Size != 4096*512 {
		t.Errorf("Size = %d, want %d", part.Size, 4096*512)
	}

	missing, err := findGPTPartition(diskPath, "vendor_boot_a")
	if err != nil {
		t.Fatalf("findGPTPartition: %v", err)
	}
	if missing != nil {
		t.Errorf("vendor_boot_a = %+v, want nil", missing)
	}

	boot, err := findGPTPartition(diskPath, "boot_a")
	if err != nil || boot == nil {
		t.Fatalf("findGPTPartition(boot_a) = %v, %v", boot, err)
	}
	r, err := openPartition(boot)
	if err != nil {
		t.Fatalf("openPartition: %v", err)
	}
	defer r.Close()
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if int64(len(got)) != boot.Size {
		t.Errorf("read %d bytes, want partition size %d", len(got), boot.Size)
	}
	if !bytes.Equal(got[:len(bootData)], bootData) {
		t.Error("partition content mismatch")
	}
}

func TestFindGPTPartition_NotADisk(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blank.img")
	if err := os.WriteFile(path, make([]byte, 64*1024), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	_, err := findGPTPartition(path, "boot_a")
	if types.KindOf(err) != types.SourceNotFound {
		t.Errorf("error kind = %v, want SourceNotFound (err=%v)", types.KindOf(err), err)
	}
}
