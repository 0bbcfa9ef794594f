// Package bootimg unpacks and repacks Android boot, init_boot and vendor_boot
// images.
package bootimg

import (
	"bytes"
	"fmt"

	"github.com/kernelsu/ksud/internal/codec"
	"github.com/kernelsu/ksud/internal/ramdisk"
	"github.com/kernelsu/ksud/internal/types"
)

// Version is the header layout of an image.
type Version int

const (
	V0 Version = iota
	V1
	V2
	V3
	V4
	VendorV3
	VendorV4
)

func (v Version) String() string {
	switch v {
	case V0, V1, V2, V3, V4:
		return fmt.Sprintf("v%d", int(v))
	case VendorV3:
		return "vendor-v3"
	case VendorV4:
		return "vendor-v4"
	}
	return "unknown"
}

// IsVendor reports whether v is a vendor_boot layout.
func (v Version) IsVendor() bool { return v == VendorV3 || v == VendorV4 }

// State records which patch has been applied to an image.
type State int

const (
	Unpacked State = iota
	KernelPatched
	LkmPatched
)

func (s State) String() string {
	switch s {
	case KernelPatched:
		return "kernel-patched"
	case LkmPatched:
		return "lkm-patched"
	}
	return "unpacked"
}

// Ramdisk is one ramdisk of an image. Archive is nil for an empty ramdisk.
type Ramdisk struct {
	// Name is the vendor ramdisk table name, empty for other layouts.
	Name    string
	Format  codec.Format
	Archive *ramdisk.Archive

	payload []byte
	plain   []byte
}

// encode returns the compressed ramdisk, reusing the original payload when
// the archive serializes to the bytes that were unpacked.
func (r *Ramdisk) encode(backend codec.Backend) ([]byte, error) {
	if r.Archive == nil {
		return r.payload, nil
	}
	data := r.Archive.Bytes()
	if bytes.Equal(data, r.plain) {
		return r.payload, nil
	}
	out, err := backend.Compress(r.Format, data)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Image is an unpacked boot image.
type Image struct {
	Version  Version
	PageSize uint32

	Kernel       []byte
	Ramdisks     []*Ramdisk
	Second       []byte
	RecoveryDTBO []byte
	DTB          []byte
	Signature    []byte
	RamdiskTable []byte
	Bootconfig   []byte

	// Tail holds the bytes after the last component.
	Tail []byte

	State State

	backend codec.Backend

	legacy *legacyHeader
	gki    *gkiHeader
	vendor *vendorHeader

	vendorEntries []vendorRamdiskEntry
	vendorSection []byte

	// header region as read, padded to the page size
	rawHeader []byte
	idKind    idKind
	avb       *avbFooter
	vbmeta    []byte

	source []byte
	orig   components
}

// components are the pieces covered by the legacy id digest, as unpacked.
type components struct {
	kernel, ramdisk, second, recoveryDTBO, dtb []byte
}

// HasKernel reports whether the image carries a kernel slot that can be
// replaced.
func (img *Image) HasKernel() bool {
	switch img.Version {
	case V0, V1, V2:
		return true
	case V3, V4:
		return img.gki.KernelSize > 0
	}
	return false
}

// Name returns the board name, empty for layouts without one.
func (img *Image) Name() string {
	switch {
	case img.legacy != nil:
		return cstring(img.legacy.Name[:])
	case img.vendor != nil:
		return cstring(img.vendor.Name[:])
	}
	return ""
}

// Cmdline returns the kernel command line.
func (img *Image) Cmdline() string {
	switch {
	case img.legacy != nil:
		return cstring(img.legacy.Cmdline[:]) + cstring(img.legacy.ExtraCmd[:])
	case img.gki != nil:
		return cstring(img.gki.Cmdline[:])
	case img.vendor != nil:
		return cstring(img.vendor.Cmdline[:])
	}
	return ""
}

// SetCmdline replaces the kernel command line.
func (img *Image) SetCmdline(cmdline string) error {
	var fields [][]byte
	switch {
	case img.legacy != nil:
		fields = [][]byte{img.legacy.Cmdline[:], img.legacy.ExtraCmd[:]}
	case img.gki != nil:
		fields = [][]byte{img.gki.Cmdline[:]}
	case img.vendor != nil:
		fields = [][]byte{img.vendor.Cmdline[:]}
	}

	capacity := 0
	for _, f := range fields {
		capacity += len(f) - 1
	}
	if len(cmdline) > capacity {
		return types.Errorf(types.SerializationOverflow, "cmdline of %d bytes exceeds %d", len(cmdline), capacity)
	}

	rest := cmdline
	for _, f := range fields {
		clear(f)
		n := min(len(rest), len(f)-1)
		copy(f, rest[:n])
		rest = rest[n:]
	}
	return nil
}

// OSVersion returns the Android release and security patch level encoded in
// the header, or empty strings when the field is unset.
func (img *Image) OSVersion() (release, patchLevel string) {
	var v uint32
	switch {
	case img.legacy != nil:
		v = img.legacy.OSVersion
	case img.gki != nil:
		v = img.gki.OSVersion
	}
	if v == 0 {
		return "", ""
	}
	ver, lvl := v>>11, v&0x7ff
	release = fmt.Sprintf("%d.%d.%d", ver>>14, (ver>>7)&0x7f, ver&0x7f)
	if lvl != 0 {
		patchLevel = fmt.Sprintf("%d-%02d", 2000+(lvl>>4), lvl&0xf)
	}
	return release, patchLevel
}

// PrimaryRamdisk returns the ramdisk holding init: the first one with an init
// entry, or the first non-empty one.
func (img *Image) PrimaryRamdisk() *Ramdisk {
	var fallback *Ramdisk
	for _, r := range img.Ramdisks {
		if r.Archive == nil {
			continue
		}
		if r.Archive.Exists("init") {
			return r
		}
		if fallback == nil {
			fallback = r
		}
	}
	return fallback
}
