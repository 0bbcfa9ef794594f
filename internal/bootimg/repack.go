package bootimg

import (
	"bytes"
	"math"
	"slices"

	"github.com/charmbracelet/log"

	"github.com/kernelsu/ksud/internal/types"
)

// Repack serializes img through the layout it was unpacked from. An image
// whose components and header are unchanged serializes to the exact bytes it
// was unpacked from.
func Repack(img *Image) ([]byte, error) {
	var (
		body []byte
		err  error
	)
	switch {
	case img.legacy != nil:
		body, err = packLegacy(img)
	case img.gki != nil:
		body, err = packGKI(img)
	case img.vendor != nil:
		body, err = packVendor(img)
	default:
		return nil, types.Errorf(types.InvalidFormat, "image has no header")
	}
	if err != nil {
		return nil, err
	}

	if end, ok := img.sameAsSource(body); ok {
		out := make([]byte, 0, end+len(img.Tail))
		out = append(out, body[:end]...)
		return append(out, img.Tail...), nil
	}
	if img.avb != nil {
		return placeAVB(body, *img.avb, img.vbmeta, len(img.source))
	}
	if hasData(img.Tail) {
		log.Warn("dropping trailing data of modified image", "bytes", len(img.Tail))
	}
	return body, nil
}

// hasData reports whether b holds anything besides zero padding.
func hasData(b []byte) bool {
	return slices.ContainsFunc(b, func(c byte) bool { return c != 0 })
}

// sameAsSource reports whether body reproduces the components of the source
// image, and where they end. The source may omit the padding of its last
// component.
func (img *Image) sameAsSource(body []byte) (int, bool) {
	end := len(img.source) - len(img.Tail)
	if end < 0 || len(body) < end || !bytes.Equal(body[:end], img.source[:end]) {
		return 0, false
	}
	for _, b := range body[end:] {
		if b != 0 {
			return 0, false
		}
	}
	return end, true
}

func packLegacy(img *Image) ([]byte, error) {
	h := *img.legacy
	rd, err := img.Ramdisks[0].encode(img.backend)
	if err != nil {
		return nil, err
	}
	cur := components{img.Kernel, rd, img.Second, img.RecoveryDTBO, img.DTB}
	if err := checkSizes(map[string][]byte{
		"kernel": cur.kernel, "ramdisk": cur.ramdisk, "second": cur.second,
		"recovery_dtbo": cur.recoveryDTBO, "dtb": cur.dtb,
	}); err != nil {
		return nil, err
	}

	page := int(img.PageSize)
	h.KernelSize = uint32(len(cur.kernel))
	h.RamdiskSize = uint32(len(cur.ramdisk))
	h.SecondSize = uint32(len(cur.second))
	if img.Version >= V1 {
		h.RecoveryDTBOSize = uint32(len(cur.recoveryDTBO))
		if len(cur.recoveryDTBO) > 0 {
			h.RecoveryDTBOOffset = uint64(len(img.rawHeader) +
				alignUp(len(cur.kernel), page) + alignUp(len(cur.ramdisk), page) + alignUp(len(cur.second), page))
		}
	}
	if img.Version >= V2 {
		h.DTBSize = uint32(len(cur.dtb))
	}

	// an id that is not a digest we recognise stays until the content changes
	if img.idKind != idOpaque || !cur.equal(img.orig) {
		kind := img.idKind
		if kind == idOpaque {
			kind = idSHA1
		}
		h.ID = computeID(kind, img.Version, cur)
	}

	w := newWriter(page)
	w.header(img.rawHeader, headerSize(img.Version), &h)
	w.put(cur.kernel)
	w.put(cur.ramdisk)
	w.put(cur.second)
	if img.Version >= V1 {
		w.put(cur.recoveryDTBO)
	}
	if img.Version >= V2 {
		w.put(cur.dtb)
	}
	return w.bytes(), nil
}

func packGKI(img *Image) ([]byte, error) {
	h := *img.gki
	rd, err := img.Ramdisks[0].encode(img.backend)
	if err != nil {
		return nil, err
	}
	if err := checkSizes(map[string][]byte{"kernel": img.Kernel, "ramdisk": rd, "signature": img.Signature}); err != nil {
		return nil, err
	}

	h.KernelSize = uint32(len(img.Kernel))
	h.RamdiskSize = uint32(len(rd))
	if img.Version == V4 {
		h.SignatureSize = uint32(len(img.Signature))
	}

	w := newWriter(gkiPageSize)
	w.header(img.rawHeader, headerSize(img.Version), &h)
	w.put(img.Kernel)
	w.put(rd)
	if img.Version == V4 {
		w.put(img.Signature)
	}
	return w.bytes(), nil
}

func packVendor(img *Image) ([]byte, error) {
	h := *img.vendor
	section, table, err := packVendorRamdisks(img)
	if err != nil {
		return nil, err
	}
	if err := checkSizes(map[string][]byte{
		"vendor ramdisk": section, "dtb": img.DTB, "vendor ramdisk table": table, "bootconfig": img.Bootconfig,
	}); err != nil {
		return nil, err
	}

	h.RamdiskSize = uint32(len(section))
	h.DTBSize = uint32(len(img.DTB))
	if img.Version == VendorV4 {
		h.TableSize = uint32(len(table))
		h.BootconfigSize = uint32(len(img.Bootconfig))
	}

	w := newWriter(int(img.PageSize))
	w.header(img.rawHeader, headerSize(img.Version), &h)
	w.put(section)
	w.put(img.DTB)
	if img.Version == VendorV4 {
		w.put(table)
		w.put(img.Bootconfig)
	}
	return w.bytes(), nil
}

// packVendorRamdisks builds the vendor ramdisk section and, for v4, the table
// describing it. Table entries get their size and offset recomputed; the
// section is reused as is when no ramdisk changed.
func packVendorRamdisks(img *Image) ([]byte, []byte, error) {
	if img.Version == VendorV3 {
		rd, err := img.Ramdisks[0].encode(img.backend)
		return rd, nil, err
	}

	payloads := make([][]byte, len(img.Ramdisks))
	changed := false
	for i, r := range img.Ramdisks {
		p, err := r.encode(img.backend)
		if err != nil {
			return nil, nil, err
		}
		payloads[i] = p
		changed = changed || !bytes.Equal(p, r.payload)
	}
	if !changed {
		return img.vendorSection, img.RamdiskTable, nil
	}

	var section bytes.Buffer
	table := bytes.Clone(img.RamdiskTable)
	stride := int(img.vendor.TableEntrySize)
	for i, p := range payloads {
		if uint64(section.Len())+uint64(len(p)) > math.MaxUint32 {
			return nil, nil, types.Errorf(types.SerializationOverflow, "vendor ramdisk %q does not fit a 32-bit offset", img.Ramdisks[i].Name)
		}
		e := img.vendorEntries[i]
		e.Offset = uint32(section.Len())
		e.Size = uint32(len(p))
		encodeInto(table[i*stride:], vendorRamdiskEntrySize, &e)
		section.Write(p)
	}
	return section.Bytes(), table, nil
}

func checkSizes(parts map[string][]byte) error {
	for name, b := range parts {
		if uint64(len(b)) > math.MaxUint32 {
			return types.Errorf(types.SerializationOverflow, "%s of %d bytes exceeds the 32-bit size field", name, len(b))
		}
	}
	return nil
}

// writer lays components out on page boundaries.
type writer struct {
	buf  bytes.Buffer
	page int
}

func newWriter(page int) *writer {
	return &writer{page: page}
}

// header writes the header region with the first n bytes replaced by h.
func (w *writer) header(raw []byte, n int, h any) {
	region := bytes.Clone(raw)
	encodeInto(region, n, h)
	w.put(region)
}

func (w *writer) put(b []byte) {
	w.buf.Write(b)
	if r := w.buf.Len() % w.page; r != 0 {
		w.buf.Write(make([]byte, w.page-r))
	}
}

func (w *writer) bytes() []byte {
	return w.buf.Bytes()
}
