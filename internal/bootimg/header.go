package bootimg

import (
	"bytes"
	"encoding/binary"
)

const (
	bootMagic   = "ANDROID!"
	vendorMagic = "VNDRBOOT"

	bootNameSize      = 16
	bootArgsSize      = 512
	bootExtraArgsSize = 1024
	bootIDSize        = 32
	vendorArgsSize    = 2048

	vendorRamdiskNameSize    = 32
	vendorRamdiskBoardIDSize = 16

	// page size of v3 and v4 boot images
	gkiPageSize = 4096

	bootVersionOffset   = 40
	vendorVersionOffset = 8
)

// legacyHeader covers boot header versions 0 to 2. Fields past the image's own
// version are ignored and written back untouched.
type legacyHeader struct {
	Magic       [8]byte
	KernelSize  uint32
	KernelAddr  uint32
	RamdiskSize uint32
	RamdiskAddr uint32
	SecondSize  uint32
	SecondAddr  uint32
	TagsAddr    uint32
	PageSize    uint32
	Version     uint32
	OSVersion   uint32
	Name        [bootNameSize]byte
	Cmdline     [bootArgsSize]byte
	ID          [bootIDSize]byte
	ExtraCmd    [bootExtraArgsSize]byte

	// v1
	RecoveryDTBOSize   uint32
	RecoveryDTBOOffset uint64
	HeaderSize         uint32

	// v2
	DTBSize uint32
	DTBAddr uint64
}

// gkiHeader covers boot header versions 3 and 4.
type gkiHeader struct {
	Magic       [8]byte
	KernelSize  uint32
	RamdiskSize uint32
	OSVersion   uint32
	HeaderSize  uint32
	Reserved    [4]uint32
	Version     uint32
	Cmdline     [bootArgsSize + bootExtraArgsSize]byte

	// v4
	SignatureSize uint32
}

// vendorHeader covers vendor boot header versions 3 and 4.
type vendorHeader struct {
	Magic       [8]byte
	Version     uint32
	PageSize    uint32
	KernelAddr  uint32
	RamdiskAddr uint32
	RamdiskSize uint32
	Cmdline     [vendorArgsSize]byte
	TagsAddr    uint32
	Name        [bootNameSize]byte
	HeaderSize  uint32
	DTBSize     uint32
	DTBAddr     uint64

	// v4
	TableSize      uint32
	TableEntryNum  uint32
	TableEntrySize uint32
	BootconfigSize uint32
}

// vendorRamdiskEntry is one record of the vendor v4 ramdisk table.
type vendorRamdiskEntry struct {
	Size    uint32
	Offset  uint32
	Type    uint32
	Name    [vendorRamdiskNameSize]byte
	BoardID [vendorRamdiskBoardIDSize]uint32
}

var vendorRamdiskEntrySize = binary.Size(vendorRamdiskEntry{})

// headerSize is the encoded size of the header for each version.
func headerSize(v Version) int {
	switch v {
	case V0:
		return 1632
	case V1:
		return 1648
	case V2:
		return 1660
	case V3:
		return 1580
	case V4:
		return 1584
	case VendorV3:
		return 2112
	case VendorV4:
		return 2128
	}
	return 0
}

func decode(data []byte, v any) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, v)
}

// encodeInto writes v over the first n bytes of dst.
func encodeInto(dst []byte, n int, v any) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.LittleEndian, v)
	copy(dst[:n], buf.Bytes())
}

// cstring returns b up to the first NUL.
func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}
