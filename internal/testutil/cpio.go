package testutil

import (
	"fmt"
)

// CpioEntry is one member of a synthetic newc archive.
type CpioEntry struct {
	Name  string
	Mode  uint32
	Ino   uint32
	MTime uint32
	Data  []byte
}

// BuildCpio writes entries as a newc archive with a TRAILER!!! record.
func BuildCpio(entries ...CpioEntry) []byte {
	var out []byte
	for _, e := range append(entries, CpioEntry{Name: "TRAILER!!!"}) {
		start := len(out)
		nlink := 1
		if e.Mode&0o170000 == 0o040000 {
			nlink = 2
		}
		out = fmt.Appendf(out, "070701%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
			e.Ino, e.Mode, 0, 0, nlink, e.MTime, len(e.Data), 0, 0, 0, 0, len(e.Name)+1, 0)
		out = append(out, e.Name...)
		out = append(out, 0)
		out = pad4(out, start)
		out = append(out, e.Data...)
		out = pad4(out, start)
	}
	return out
}

// MinimalRamdisk is an archive with a directory, an init binary and a symlink.
func MinimalRamdisk() []byte {
	return BuildCpio(
		CpioEntry{Name: "dev", Mode: 0o040755, Ino: 100},
		CpioEntry{Name: "init", Mode: 0o100750, Ino: 101, MTime: 1700000000, Data: []byte("\x7fELF stock init")},
		CpioEntry{Name: "system/bin/sh", Mode: 0o120777, Ino: 102, Data: []byte("/system/bin/toybox")},
		CpioEntry{Name: "first_stage_ramdisk/fstab.qcom", Mode: 0o100640, Ino: 103, Data: []byte("/dev/block/by-name/system /system ext4 ro wait,slotselect")},
	)
}

func pad4(b []byte, start int) []byte {
	for (len(b)-start)%4 != 0 {
		b = append(b, 0)
	}
	return b
}
