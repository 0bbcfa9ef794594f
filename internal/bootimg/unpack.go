package bootimg

import (
	"bytes"
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/kernelsu/ksud/internal/codec"
	"github.com/kernelsu/ksud/internal/ramdisk"
	"github.com/kernelsu/ksud/internal/types"
)

// Unpack parses a boot, init_boot or vendor_boot image. Ramdisks are
// decompressed with backend, which is also used to recompress them on
// Repack; a nil backend selects codec.InProcess.
func Unpack(data []byte, backend codec.Backend) (*Image, error) {
	if backend == nil {
		backend = codec.InProcess{}
	}
	img := &Image{backend: backend, source: data}

	var (
		end int
		err error
	)
	switch {
	case bytes.HasPrefix(data, []byte(bootMagic)):
		end, err = unpackBoot(img, data)
	case bytes.HasPrefix(data, []byte(vendorMagic)):
		end, err = unpackVendor(img, data)
	default:
		lead := data[:min(len(data), 8)]
		return nil, types.Errorf(types.InvalidFormat, "no boot image magic at offset 0 (found %q)", lead)
	}
	if err != nil {
		return nil, err
	}

	img.Tail = data[end:]
	if f, vbmeta := parseAVBFooter(data); f != nil && f.VbmetaOffset >= uint64(end) {
		img.avb = f
		img.vbmeta = vbmeta
	}
	return img, nil
}

func unpackBoot(img *Image, data []byte) (int, error) {
	if len(data) < bootVersionOffset+4 {
		return 0, types.Errorf(types.InvalidFormat, "image of %d bytes is too short for a boot header", len(data))
	}
	switch version := binary.LittleEndian.Uint32(data[bootVersionOffset:]); version {
	case 0, 1, 2:
		img.Version = Version(version)
		return unpackLegacy(img, data)
	case 3, 4:
		img.Version = Version(version)
		return unpackGKI(img, data)
	default:
		return 0, types.Errorf(types.InvalidFormat, "unsupported boot header version %d", version)
	}
}

func unpackLegacy(img *Image, data []byte) (int, error) {
	if len(data) < headerSize(V2) {
		return 0, types.Errorf(types.InvalidFormat, "truncated %s header", img.Version)
	}
	h := &legacyHeader{}
	if err := decode(data, h); err != nil {
		return 0, types.Wrapf(types.InvalidFormat, err, "decode %s header", img.Version)
	}
	if err := checkPageSize(h.PageSize); err != nil {
		return 0, err
	}
	img.legacy = h
	img.PageSize = h.PageSize

	c := &cursor{data: data, page: int(h.PageSize)}
	var err error
	if _, err = c.take("header", uint32(headerSize(img.Version))); err != nil {
		return 0, err
	}
	img.rawHeader = data[:c.pos]
	if img.Kernel, err = c.take("kernel", h.KernelSize); err != nil {
		return 0, err
	}
	payload, err := c.take("ramdisk", h.RamdiskSize)
	if err != nil {
		return 0, err
	}
	if img.Second, err = c.take("second", h.SecondSize); err != nil {
		return 0, err
	}
	if img.Version >= V1 {
		if img.RecoveryDTBO, err = c.take("recovery_dtbo", h.RecoveryDTBOSize); err != nil {
			return 0, err
		}
	}
	if img.Version >= V2 {
		if img.DTB, err = c.take("dtb", h.DTBSize); err != nil {
			return 0, err
		}
	}

	rd, err := unpackRamdisk(img.backend, "", payload)
	if err != nil {
		return 0, err
	}
	img.Ramdisks = []*Ramdisk{rd}

	img.orig = components{img.Kernel, payload, img.Second, img.RecoveryDTBO, img.DTB}
	img.idKind = detectID(h.ID, img.Version, img.orig)
	return c.pos, nil
}

func unpackGKI(img *Image, data []byte) (int, error) {
	if len(data) < headerSize(V4) {
		return 0, types.Errorf(types.InvalidFormat, "truncated %s header", img.Version)
	}
	h := &gkiHeader{}
	if err := decode(data, h); err != nil {
		return 0, types.Wrapf(types.InvalidFormat, err, "decode %s header", img.Version)
	}
	img.gki = h
	img.PageSize = gkiPageSize

	c := &cursor{data: data, page: gkiPageSize}
	var err error
	if _, err = c.take("header", uint32(headerSize(img.Version))); err != nil {
		return 0, err
	}
	img.rawHeader = data[:c.pos]
	if img.Kernel, err = c.take("kernel", h.KernelSize); err != nil {
		return 0, err
	}
	payload, err := c.take("ramdisk", h.RamdiskSize)
	if err != nil {
		return 0, err
	}
	if img.Version == V4 {
		if img.Signature, err = c.take("signature", h.SignatureSize); err != nil {
			return 0, err
		}
	}

	rd, err := unpackRamdisk(img.backend, "", payload)
	if err != nil {
		return 0, err
	}
	img.Ramdisks = []*Ramdisk{rd}
	img.orig = components{kernel: img.Kernel, ramdisk: payload}
	return c.pos, nil
}

func unpackVendor(img *Image, data []byte) (int, error) {
	if len(data) < headerSize(VendorV4) {
		return 0, types.Errorf(types.InvalidFormat, "image of %d bytes is too short for a vendor boot header", len(data))
	}
	switch version := binary.LittleEndian.Uint32(data[vendorVersionOffset:]); version {
	case 3:
		img.Version = VendorV3
	case 4:
		img.Version = VendorV4
	default:
		return 0, types.Errorf(types.InvalidFormat, "unsupported vendor boot header version %d", version)
	}

	h := &vendorHeader{}
	if err := decode(data, h); err != nil {
		return 0, types.Wrapf(types.InvalidFormat, err, "decode %s header", img.Version)
	}
	if err := checkPageSize(h.PageSize); err != nil {
		return 0, err
	}
	img.vendor = h
	img.PageSize = h.PageSize

	c := &cursor{data: data, page: int(h.PageSize)}
	var err error
	if _, err = c.take("header", uint32(headerSize(img.Version))); err != nil {
		return 0, err
	}
	img.rawHeader = data[:c.pos]
	if img.vendorSection, err = c.take("vendor ramdisk", h.RamdiskSize); err != nil {
		return 0, err
	}
	if img.DTB, err = c.take("dtb", h.DTBSize); err != nil {
		return 0, err
	}
	if img.Version == VendorV4 {
		if img.RamdiskTable, err = c.take("vendor ramdisk table", h.TableSize); err != nil {
			return 0, err
		}
		if img.Bootconfig, err = c.take("bootconfig", h.BootconfigSize); err != nil {
			return 0, err
		}
	}

	if img.Version == VendorV3 {
		rd, err := unpackRamdisk(img.backend, "", img.vendorSection)
		if err != nil {
			return 0, err
		}
		img.Ramdisks = []*Ramdisk{rd}
	} else if err := unpackVendorTable(img, h); err != nil {
		return 0, err
	}
	img.orig = components{ramdisk: img.vendorSection, dtb: img.DTB}
	return c.pos, nil
}

func unpackVendorTable(img *Image, h *vendorHeader) error {
	stride := int(h.TableEntrySize)
	if h.TableEntryNum > 0 && stride < vendorRamdiskEntrySize {
		return types.Errorf(types.InvalidFormat, "vendor ramdisk table entry size %d is below %d", stride, vendorRamdiskEntrySize)
	}
	for i := 0; i < int(h.TableEntryNum); i++ {
		off := i * stride
		if off+vendorRamdiskEntrySize > len(img.RamdiskTable) {
			return types.Errorf(types.InvalidFormat, "vendor ramdisk table entry %d overruns a %d byte table", i, len(img.RamdiskTable))
		}
		var e vendorRamdiskEntry
		if err := decode(img.RamdiskTable[off:], &e); err != nil {
			return types.Wrapf(types.InvalidFormat, err, "decode vendor ramdisk table entry %d", i)
		}
		end := uint64(e.Offset) + uint64(e.Size)
		if end > uint64(len(img.vendorSection)) {
			return types.Errorf(types.InvalidFormat, "vendor ramdisk %d (%d bytes at %d) overruns a %d byte section",
				i, e.Size, e.Offset, len(img.vendorSection))
		}

		name := cstring(e.Name[:])
		rd, err := unpackRamdisk(img.backend, name, img.vendorSection[e.Offset:end])
		if err != nil {
			return errors.Wrapf(err, "vendor ramdisk %q", name)
		}
		img.Ramdisks = append(img.Ramdisks, rd)
		img.vendorEntries = append(img.vendorEntries, e)
	}
	return nil
}

func unpackRamdisk(backend codec.Backend, name string, payload []byte) (*Ramdisk, error) {
	rd := &Ramdisk{Name: name, payload: payload}
	if len(payload) == 0 {
		return rd, nil
	}
	format, err := codec.Detect(payload)
	if err != nil {
		return nil, err
	}
	plain, err := backend.Decompress(format, payload)
	if err != nil {
		return nil, err
	}
	archive, err := ramdisk.Parse(plain)
	if err != nil {
		return nil, err
	}
	rd.Format = format
	rd.plain = plain
	rd.Archive = archive
	return rd, nil
}

// maxPageSize bounds the header page size well above any shipped value.
const maxPageSize = 1 << 20

func checkPageSize(page uint32) error {
	if page < 2048 || page > maxPageSize || page&(page-1) != 0 {
		return types.Errorf(types.InvalidFormat, "invalid page size %d", page)
	}
	return nil
}

// cursor walks page-aligned components.
type cursor struct {
	data []byte
	pos  int
	page int
}

func (c *cursor) take(name string, size uint32) ([]byte, error) {
	end := uint64(c.pos) + uint64(size)
	if end > uint64(len(c.data)) {
		return nil, types.Errorf(types.InvalidFormat, "%s of %d bytes at offset %d exceeds image size %d",
			name, size, c.pos, len(c.data))
	}
	b := c.data[c.pos:end]
	c.pos = min(alignUp(int(end), c.page), len(c.data))
	return b, nil
}
