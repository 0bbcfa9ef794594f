package codec

import (
	"bytes"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/kernelsu/ksud/internal/types"
)

func TestDetect(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want Format
	}{
		{"cpio newc", []byte("070701000000"), FormatNone},
		{"cpio crc", []byte("070702000000"), FormatNone},
		{"gzip", []byte{0x1f, 0x8b, 0x08, 0x00}, FormatGzip},
		{"lz4 frame", []byte{0x04, 0x22, 0x4d, 0x18, 0x64}, FormatLZ4},
		{"lz4 legacy", []byte{0x02, 0x21, 0x4c, 0x18, 0x00}, FormatLZ4Legacy},
		{"zstd", []byte{0x28, 0xb5, 0x2f, 0xfd, 0x00}, FormatZstd},
		{"xz", []byte{0xfd, '7', 'z', 'X', 'Z', 0x00, 0x00}, FormatXZ},
		{"lzma", []byte{0x5d, 0x00, 0x00, 0x80, 0x00}, FormatLZMA},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Detect(tt.data)
			if err != nil {
				t.Fatalf("Detect() error: %v", err)
			}
			if got != tt.want {
				t.Errorf("Detect() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestDetect_Unknown(t *testing.T) {
	for _, data := range [][]byte{nil, []byte("BZh91AY"), []byte("hello world")} {
		_, err := Detect(data)
		if types.KindOf(err) != types.UnsupportedCompression {
			t.Errorf("Detect(%q) = %v, want UnsupportedCompression", data, err)
		}
	}
}

func testPayload(size int) []byte {
	// half repetitive, half random so both compressible and literal paths run
	rng := rand.New(rand.NewSource(42))
	data := make([]byte, size)
	for i := range data {
		if i < size/2 {
			data[i] = byte(i % 7)
		} else {
			data[i] = byte(rng.Intn(256))
		}
	}
	return append([]byte("070701"), data...)
}

func TestInProcess_RoundTrip(t *testing.T) {
	formats := []Format{FormatNone, FormatGzip, FormatLZ4, FormatLZ4Legacy, FormatZstd, FormatXZ, FormatLZMA}
	payload := testPayload(64 << 10)

	for _, format := range formats {
		t.Run(format.String(), func(t *testing.T) {
			var backend InProcess
			compressed, err := backend.Compress(format, payload)
			if err != nil {
				t.Fatalf("Compress error: %v", err)
			}

			detected, err := Detect(compressed)
			if err != nil {
				t.Fatalf("Detect error: %v", err)
			}
			if detected != format {
				t.Errorf("Detect() = %s, want %s", detected, format)
			}

			plain, err := backend.Decompress(format, compressed)
			if err != nil {
				t.Fatalf("Decompress error: %v", err)
			}
			if !bytes.Equal(plain, payload) {
				t.Errorf("round trip mismatch: got %d bytes, want %d", len(plain), len(payload))
			}
		})
	}
}

func TestLZ4Legacy_MultiBlock(t *testing.T) {
	payload := testPayload(lz4LegacyBlockSize + 1000)
	compressed, err := compressLZ4Legacy(payload)
	if err != nil {
		t.Fatalf("compress error: %v", err)
	}
	// append a trailing size word as some producers do
	withTrailer := append(append([]byte{}, compressed...), 0x10, 0x27, 0x80, 0x00)

	for _, data := range [][]byte{compressed, withTrailer} {
		plain, err := decompressLZ4Legacy(data)
		if err != nil {
			t.Fatalf("decompress error: %v", err)
		}
		if !bytes.Equal(plain, payload) {
			t.Errorf("mismatch: got %d bytes, want %d", len(plain), len(payload))
		}
	}
}

func TestLiteralBlock(t *testing.T) {
	for _, n := range []int{1, 14, 15, 16, 269, 270, 1000} {
		src := bytes.Repeat([]byte{0xab}, n)
		block := literalBlock(src)

		stream := append([]byte{}, lz4LegacyMagic...)
		stream = append(stream, sizeWord(len(block))...)
		stream = append(stream, block...)

		plain, err := InProcess{}.Decompress(FormatLZ4Legacy, stream)
		if err != nil {
			t.Fatalf("n=%d: decompress error: %v", n, err)
		}
		if !bytes.Equal(plain, src) {
			t.Errorf("n=%d: got %d bytes", n, len(plain))
		}
	}
}

func sizeWord(n int) []byte {
	return []byte{byte(n), byte(n >> 8), byte(n >> 16), byte(n >> 24)}
}

func TestDecompress_Corrupt(t *testing.T) {
	_, err := InProcess{}.Decompress(FormatGzip, []byte{0x1f, 0x8b, 0x08, 0x00, 0xde, 0xad})
	if types.KindOf(err) != types.CorruptRamdisk {
		t.Errorf("Decompress() = %v, want CorruptRamdisk", err)
	}
}

func TestMagiskboot_Delegates(t *testing.T) {
	// A fake helper that copies its input, standing in for magiskboot.
	tmpDir := t.TempDir()
	helper := filepath.Join(tmpDir, "magiskboot")
	script := "#!/bin/sh\ncp \"$2\" \"$3\"\n"
	if err := os.WriteFile(helper, []byte(script), 0o755); err != nil {
		t.Fatalf("write helper: %v", err)
	}

	m, err := NewMagiskboot(helper)
	if err != nil {
		t.Fatalf("NewMagiskboot error: %v", err)
	}

	out, err := m.Compress(FormatGzip, []byte("payload"))
	if err != nil {
		t.Fatalf("Compress error: %v", err)
	}
	if string(out) != "payload" {
		t.Errorf("Compress = %q", out)
	}

	if _, err := m.Compress(FormatZstd, []byte("payload")); types.KindOf(err) != types.UnsupportedCompression {
		t.Errorf("Compress(zstd) = %v, want UnsupportedCompression", err)
	}

	out, err = m.Decompress(FormatNone, []byte("plain"))
	if err != nil || string(out) != "plain" {
		t.Errorf("Decompress(raw) = %q, %v", out, err)
	}
}

func TestNewMagiskboot_Invalid(t *testing.T) {
	tmpDir := t.TempDir()
	if _, err := NewMagiskboot(filepath.Join(tmpDir, "missing")); err == nil {
		t.Error("expected error for missing helper")
	}
	plain := filepath.Join(tmpDir, "plain")
	if err := os.WriteFile(plain, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := NewMagiskboot(plain); err == nil {
		t.Error("expected error for non-executable helper")
	}
}
