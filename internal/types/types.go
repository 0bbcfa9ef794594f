package types

import (
	"io"
	"os"

	"github.com/cockroachdb/errors"
)

// Well-known partition names.
const (
	PartitionBoot     = "boot"
	PartitionInitBoot = "init_boot"
)

// PatchPlan is the caller-supplied intent for one boot-patch invocation.
type PatchPlan struct {
	Boot       string // source image path; empty means auto-detect
	Kernel     string // replacement kernel path
	Module     string // LKM path, requires Init
	Init       string // init bootstrap path, requires Module
	OTA        bool   // use the alternate slot when auto-detecting
	Flash      bool   // write the result back to the partition
	Out        string // output file or directory
	Magiskboot string // external helper for codec primitives

	// Partition picks boot or init_boot when both exist.
	Partition string
	// Disk is a GPT disk image or whole-disk device holding the slot partitions.
	Disk string
}

// ReplacesKernel reports whether the plan uses the kernel replacement strategy.
func (p *PatchPlan) ReplacesKernel() bool { return p.Kernel != "" }

// InjectsModule reports whether the plan uses the LKM strategy.
func (p *PatchPlan) InjectsModule() bool { return p.Module != "" }

// Validate checks the plan before any I/O happens.
func (p *PatchPlan) Validate() error {
	if (p.Module == "") != (p.Init == "") {
		return Errorf(InvalidPlan, "module and init must be given together (module=%q, init=%q)", p.Module, p.Init)
	}
	if p.Kernel != "" && p.Module != "" {
		return Errorf(InvalidPlan, "kernel replacement and LKM injection are mutually exclusive")
	}
	if p.Kernel == "" && p.Module == "" {
		return Errorf(NoPatchSpecified, "neither a kernel nor a module was given")
	}
	switch p.Partition {
	case "", PartitionBoot, PartitionInitBoot:
	default:
		return Errorf(InvalidPlan, "unknown partition %q (must be %s or %s)", p.Partition, PartitionBoot, PartitionInitBoot)
	}
	if p.Kernel != "" && p.Partition == PartitionInitBoot {
		return Errorf(InvalidPlan, "%s has no kernel to replace", PartitionInitBoot)
	}
	return nil
}

// SlotInfo holds the current and alternate A/B slot suffixes.
// Both are empty on devices without A/B partitions.
type SlotInfo struct {
	Current   string
	Alternate string
}

// Suffix returns the slot suffix to use, inverting the choice for OTA.
func (s SlotInfo) Suffix(ota bool) string {
	if ota {
		return s.Alternate
	}
	return s.Current
}

// Partition describes a resolved partition device.
type Partition struct {
	Name   string // e.g. init_boot_a
	Device string // block device or disk image path
	// Index is the 1-based GPT partition number when Device is a whole disk,
	// zero when Device is the partition itself.
	Index int
	// Offset is the byte offset of the partition on a whole disk.
	Offset int64
	// Size in bytes, zero when unknown.
	Size int64
}

// Source is the resolved image to patch.
type Source struct {
	// Path is set for explicit file sources.
	Path string
	// Partition is set for auto-detected sources.
	Partition *Partition

	open func() (io.ReadCloser, error)
}

// NewSource creates a Source whose content is produced by open.
func NewSource(path string, part *Partition, open func() (io.ReadCloser, error)) *Source {
	return &Source{Path: path, Partition: part, open: open}
}

// Reference returns a human-readable name for the source.
func (s *Source) Reference() string {
	if s.Partition != nil {
		if s.Partition.Index > 0 {
			return s.Partition.Device + "#" + s.Partition.Name
		}
		return s.Partition.Device
	}
	return s.Path
}

// ReadAll returns the full content of the source.
func (s *Source) ReadAll() ([]byte, error) {
	if s.open == nil {
		return os.ReadFile(s.Path)
	}
	r, err := s.open()
	if err != nil {
		return nil, err
	}
	defer r.Close()
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", s.Reference())
	}
	return data, nil
}
