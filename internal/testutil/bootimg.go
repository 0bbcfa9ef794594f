package testutil

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

// BootImage describes a synthetic boot image for BuildBootImage.
type BootImage struct {
	Version  uint32 // 0 to 4
	PageSize uint32 // ignored for v3 and v4

	Kernel       []byte
	Ramdisk      []byte
	Second       []byte
	RecoveryDTBO []byte // v1, v2
	DTB          []byte // v2
	Signature    []byte // v4

	Name      string
	Cmdline   string
	OSVersion uint32

	// IDAlgorithm is "sha1", "sha256" or empty to store ID verbatim.
	IDAlgorithm string
	ID          []byte

	// SkipLastPadding leaves the final component unpadded.
	SkipLastPadding bool
}

// BuildBootImage lays out a boot image the way mkbootimg does.
func BuildBootImage(b BootImage) []byte {
	page := int(b.PageSize)
	if b.Version >= 3 {
		page = 4096
	}
	if page == 0 {
		page = 2048
	}

	header := make([]byte, page)
	copy(header, "ANDROID!")
	if b.Version >= 3 {
		binary.LittleEndian.PutUint32(header[8:], uint32(len(b.Kernel)))   // kernel_size
		binary.LittleEndian.PutUint32(header[12:], uint32(len(b.Ramdisk))) // ramdisk_size
		binary.LittleEndian.PutUint32(header[16:], b.OSVersion)
		headerSize := uint32(1580)
		if b.Version == 4 {
			headerSize = 1584
			binary.LittleEndian.PutUint32(header[1580:], uint32(len(b.Signature)))
		}
		binary.LittleEndian.PutUint32(header[20:], headerSize)
		binary.LittleEndian.PutUint32(header[40:], b.Version)
		copy(header[44:1579], b.Cmdline)

		parts := [][]byte{b.Kernel, b.Ramdisk}
		if b.Version == 4 {
			parts = append(parts, b.Signature)
		}
		return layout(header, parts, page, b.SkipLastPadding)
	}

	binary.LittleEndian.PutUint32(header[8:], uint32(len(b.Kernel)))
	binary.LittleEndian.PutUint32(header[12:], 0x10008000) // kernel_addr
	binary.LittleEndian.PutUint32(header[16:], uint32(len(b.Ramdisk)))
	binary.LittleEndian.PutUint32(header[20:], 0x11000000) // ramdisk_addr
	binary.LittleEndian.PutUint32(header[24:], uint32(len(b.Second)))
	binary.LittleEndian.PutUint32(header[28:], 0x10f00000) // second_addr
	binary.LittleEndian.PutUint32(header[32:], 0x10000100) // tags_addr
	binary.LittleEndian.PutUint32(header[36:], uint32(page))
	binary.LittleEndian.PutUint32(header[40:], b.Version)
	binary.LittleEndian.PutUint32(header[44:], b.OSVersion)
	copy(header[48:63], b.Name)
	copy(header[64:575], b.Cmdline)

	parts := [][]byte{b.Kernel, b.Ramdisk, b.Second}
	if b.Version >= 1 {
		binary.LittleEndian.PutUint32(header[1632:], uint32(len(b.RecoveryDTBO)))
		if len(b.RecoveryDTBO) > 0 {
			offset := page + align(len(b.Kernel), page) + align(len(b.Ramdisk), page) + align(len(b.Second), page)
			binary.LittleEndian.PutUint64(header[1636:], uint64(offset))
		}
		headerSize := uint32(1648)
		parts = append(parts, b.RecoveryDTBO)
		if b.Version == 2 {
			headerSize = 1660
			binary.LittleEndian.PutUint32(header[1648:], uint32(len(b.DTB)))
			binary.LittleEndian.PutUint64(header[1652:], 0x11f00000) // dtb_addr
			parts = append(parts, b.DTB)
		}
		binary.LittleEndian.PutUint32(header[1644:], headerSize)
	}

	switch b.IDAlgorithm {
	case "sha1":
		copy(header[576:608], MkbootimgID(sha1.New(), parts...))
	case "sha256":
		copy(header[576:608], MkbootimgID(sha256.New(), parts...))
	default:
		copy(header[576:608], b.ID)
	}
	return layout(header, parts, page, b.SkipLastPadding)
}

// MkbootimgID hashes each part followed by its little-endian size.
func MkbootimgID(h hash.Hash, parts ...[]byte) []byte {
	var size [4]byte
	for _, p := range parts {
		h.Write(p)
		binary.LittleEndian.PutUint32(size[:], uint32(len(p)))
		h.Write(size[:])
	}
	return h.Sum(nil)
}

// VendorRamdisk is one entry of a vendor v4 ramdisk table.
type VendorRamdisk struct {
	Name string
	Type uint32
	Data []byte
}

// VendorBootImage describes a synthetic vendor_boot image.
type VendorBootImage struct {
	Version    uint32 // 3 or 4
	PageSize   uint32
	Ramdisks   []VendorRamdisk // v3 uses only the first
	DTB        []byte
	Bootconfig []byte
	Name       string
	Cmdline    string
}

// BuildVendorBootImage lays out a vendor_boot image.
func BuildVendorBootImage(v VendorBootImage) []byte {
	page := int(v.PageSize)
	if page == 0 {
		page = 4096
	}

	var section []byte
	table := make([]byte, 0, len(v.Ramdisks)*108)
	for _, r := range v.Ramdisks {
		entry := make([]byte, 108)
		binary.LittleEndian.PutUint32(entry[0:], uint32(len(r.Data)))
		binary.LittleEndian.PutUint32(entry[4:], uint32(len(section)))
		binary.LittleEndian.PutUint32(entry[8:], r.Type)
		copy(entry[12:43], r.Name)
		binary.LittleEndian.PutUint32(entry[44:], 0x5a5a) // board_id[0]
		table = append(table, entry...)
		section = append(section, r.Data...)
		if v.Version == 3 {
			break
		}
	}

	headerSize := 2112
	if v.Version == 4 {
		headerSize = 2128
	}
	header := make([]byte, align(headerSize, page))
	copy(header, "VNDRBOOT")
	binary.LittleEndian.PutUint32(header[8:], v.Version)
	binary.LittleEndian.PutUint32(header[12:], uint32(page))
	binary.LittleEndian.PutUint32(header[16:], 0x00008000)           // kernel_addr
	binary.LittleEndian.PutUint32(header[20:], 0x01000000)           // ramdisk_addr
	binary.LittleEndian.PutUint32(header[24:], uint32(len(section))) // vendor_ramdisk_size
	copy(header[28:2075], v.Cmdline)
	binary.LittleEndian.PutUint32(header[2076:], 0x00000100) // tags_addr
	copy(header[2080:2095], v.Name)
	binary.LittleEndian.PutUint32(header[2096:], uint32(headerSize))
	binary.LittleEndian.PutUint32(header[2100:], uint32(len(v.DTB)))
	binary.LittleEndian.PutUint64(header[2104:], 0x01f00000) // dtb_addr

	parts := [][]byte{section, v.DTB}
	if v.Version == 4 {
		binary.LittleEndian.PutUint32(header[2112:], uint32(len(table)))
		binary.LittleEndian.PutUint32(header[2116:], uint32(len(v.Ramdisks)))
		binary.LittleEndian.PutUint32(header[2120:], 108)
		binary.LittleEndian.PutUint32(header[2124:], uint32(len(v.Bootconfig)))
		parts = append(parts, table, v.Bootconfig)
	}
	return layout(header, parts, page, false)
}

// AppendAVBFooter pads img the way avbtool add_hash_footer does: vbmeta at
// the next 4096 boundary and a footer in the last 64 bytes of a
// partitionSize image.
func AppendAVBFooter(img []byte, partitionSize int, vbmeta []byte) []byte {
	out := make([]byte, partitionSize)
	copy(out, img)
	offset := align(len(img), 4096)
	copy(out[offset:], vbmeta)

	footer := out[partitionSize-64:]
	copy(footer, "AVBf")
	binary.BigEndian.PutUint32(footer[4:], 1) // version major
	binary.BigEndian.PutUint64(footer[12:], uint64(len(img)))
	binary.BigEndian.PutUint64(footer[20:], uint64(offset))
	binary.BigEndian.PutUint64(footer[28:], uint64(len(vbmeta)))
	return out
}

func layout(header []byte, parts [][]byte, page int, skipLastPadding bool) []byte {
	out := append([]byte{}, header...)
	for i, p := range parts {
		out = append(out, p...)
		if skipLastPadding && i == len(parts)-1 {
			break
		}
		out = append(out, make([]byte, align(len(out), page)-len(out))...)
	}
	return out
}

func align(n, page int) int {
	return (n + page - 1) / page * page
}
