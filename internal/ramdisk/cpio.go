// Package ramdisk reads and writes the newc cpio archives used as Android
// ramdisks. Entries that are not modified serialize byte-for-byte as read.
package ramdisk

import (
	"bytes"
	"fmt"
	"strconv"

	"github.com/kernelsu/ksud/internal/types"
)

const (
	magicNewc = "070701"
	magicCRC  = "070702"

	headerSize  = 110
	trailerName = "TRAILER!!!"
)

// File type bits of Entry.Mode.
const (
	ModeType    = 0o170000
	ModeRegular = 0o100000
	ModeDir     = 0o040000
	ModeSymlink = 0o120000
)

// header is the numeric part of a newc header.
type header struct {
	Ino       uint32
	Mode      uint32
	UID       uint32
	GID       uint32
	NLink     uint32
	MTime     uint32
	FileSize  uint32
	DevMajor  uint32
	DevMinor  uint32
	RDevMajor uint32
	RDevMinor uint32
	NameSize  uint32
	Check     uint32
}

func (h *header) fields() []*uint32 {
	return []*uint32{
		&h.Ino, &h.Mode, &h.UID, &h.GID, &h.NLink, &h.MTime, &h.FileSize,
		&h.DevMajor, &h.DevMinor, &h.RDevMajor, &h.RDevMinor, &h.NameSize, &h.Check,
	}
}

// Entry is one archive member.
type Entry struct {
	Name string
	Mode uint32
	Data []byte

	Ino       uint32
	UID       uint32
	GID       uint32
	NLink     uint32
	MTime     uint32
	DevMajor  uint32
	DevMinor  uint32
	RDevMajor uint32
	RDevMinor uint32
	Check     uint32

	magic string

	// snapshot of the entry as parsed, used to emit raw verbatim
	orig *Entry
	raw  []byte
}

// NewEntry creates a root-owned entry with nlink 1. The inode is assigned when
// the entry is added to an archive.
func NewEntry(name string, mode uint32, data []byte) *Entry {
	return &Entry{Name: name, Mode: mode, Data: data, NLink: 1, magic: magicNewc}
}

// IsRegular reports whether the entry is a regular file.
func (e *Entry) IsRegular() bool { return e.Mode&ModeType == ModeRegular }

// IsSymlink reports whether the entry is a symbolic link.
func (e *Entry) IsSymlink() bool { return e.Mode&ModeType == ModeSymlink }

func (e *Entry) modified() bool {
	o := e.orig
	if o == nil || e.raw == nil {
		return true
	}
	return e.Name != o.Name || e.Mode != o.Mode || !bytes.Equal(e.Data, o.Data) ||
		e.Ino != o.Ino || e.UID != o.UID || e.GID != o.GID || e.NLink != o.NLink ||
		e.MTime != o.MTime || e.DevMajor != o.DevMajor || e.DevMinor != o.DevMinor ||
		e.RDevMajor != o.RDevMajor || e.RDevMinor != o.RDevMinor || e.Check != o.Check
}

func (e *Entry) snapshot(raw []byte) {
	o := *e
	o.Data = e.Data
	e.orig = &o
	e.raw = raw
}

// Archive is an ordered list of entries plus the trailer record.
type Archive struct {
	Entries []*Entry

	// trailer record and anything after it, verbatim
	trailer []byte
}

// Parse decodes a newc archive. Bytes after the trailer record are kept.
func Parse(data []byte) (*Archive, error) {
	a := &Archive{}
	pos := 0
	for {
		if len(data)-pos < headerSize {
			return nil, types.Errorf(types.CorruptRamdisk, "truncated cpio header at offset %d", pos)
		}
		start := pos
		magic := string(data[pos : pos+6])
		if magic != magicNewc && magic != magicCRC {
			return nil, types.Errorf(types.CorruptRamdisk, "bad cpio magic %q at offset %d", magic, pos)
		}

		var h header
		for i, f := range h.fields() {
			off := pos + 6 + i*8
			v, err := strconv.ParseUint(string(data[off:off+8]), 16, 32)
			if err != nil {
				return nil, types.Errorf(types.CorruptRamdisk, "bad cpio header field at offset %d", off)
			}
			*f = uint32(v)
		}
		pos += headerSize

		if h.NameSize == 0 || uint64(h.NameSize) > uint64(len(data)-pos) {
			return nil, types.Errorf(types.CorruptRamdisk, "cpio name of %d bytes at offset %d overruns archive", h.NameSize, pos)
		}
		nameBytes := data[pos : pos+int(h.NameSize)]
		if nameBytes[len(nameBytes)-1] != 0 {
			return nil, types.Errorf(types.CorruptRamdisk, "cpio name at offset %d is not NUL-terminated", pos)
		}
		name := string(nameBytes[:len(nameBytes)-1])
		pos = align4(pos + int(h.NameSize))

		if name == trailerName {
			a.trailer = append([]byte(nil), data[start:]...)
			return a, nil
		}

		if pos > len(data) || uint64(h.FileSize) > uint64(len(data)-pos) {
			return nil, types.Errorf(types.CorruptRamdisk, "cpio entry %q of %d bytes at offset %d overruns archive", name, h.FileSize, pos)
		}
		content := data[pos : pos+int(h.FileSize)]
		pos = align4(pos + int(h.FileSize))
		if pos > len(data) {
			pos = len(data)
		}

		e := &Entry{
			Name: name, Mode: h.Mode, Data: content,
			Ino: h.Ino, UID: h.UID, GID: h.GID, NLink: h.NLink, MTime: h.MTime,
			DevMajor: h.DevMajor, DevMinor: h.DevMinor, RDevMajor: h.RDevMajor, RDevMinor: h.RDevMinor,
			Check: h.Check, magic: magic,
		}
		e.snapshot(data[start:pos])
		a.Entries = append(a.Entries, e)
	}
}

// Bytes serializes the archive.
func (a *Archive) Bytes() []byte {
	var buf bytes.Buffer
	for _, e := range a.Entries {
		if !e.modified() {
			buf.Write(e.raw)
			continue
		}
		writeEntry(&buf, e)
	}
	if a.trailer != nil {
		buf.Write(a.trailer)
	} else {
		writeEntry(&buf, &Entry{Name: trailerName, NLink: 1, magic: magicNewc})
	}
	return buf.Bytes()
}

func writeEntry(buf *bytes.Buffer, e *Entry) {
	magic := e.magic
	if magic == "" {
		magic = magicNewc
	}
	check := e.Check
	if magic == magicCRC {
		check = 0
		for _, b := range e.Data {
			check += uint32(b)
		}
	}
	start := buf.Len()
	fmt.Fprintf(buf, "%s%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x%08x",
		magic, e.Ino, e.Mode, e.UID, e.GID, e.NLink, e.MTime, len(e.Data),
		e.DevMajor, e.DevMinor, e.RDevMajor, e.RDevMinor, len(e.Name)+1, check)
	buf.WriteString(e.Name)
	buf.WriteByte(0)
	pad(buf, start)
	buf.Write(e.Data)
	pad(buf, start)
}

// pad aligns buf to 4 bytes relative to the start of the entry.
func pad(buf *bytes.Buffer, start int) {
	for (buf.Len()-start)%4 != 0 {
		buf.WriteByte(0)
	}
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Find returns the index and entry with the given name, or -1 and nil.
func (a *Archive) Find(name string) (int, *Entry) {
	for i, e := range a.Entries {
		if e.Name == name {
			return i, e
		}
	}
	return -1, nil
}

// Exists reports whether an entry with the given name exists.
func (a *Archive) Exists(name string) bool {
	i, _ := a.Find(name)
	return i >= 0
}

// Insert places e at index i, assigning it a fresh inode.
func (a *Archive) Insert(i int, e *Entry) {
	e.Ino = a.nextIno()
	a.Entries = append(a.Entries, nil)
	copy(a.Entries[i+1:], a.Entries[i:])
	a.Entries[i] = e
}

// Append adds e at the end of the archive, assigning it a fresh inode.
func (a *Archive) Append(e *Entry) {
	e.Ino = a.nextIno()
	a.Entries = append(a.Entries, e)
}

// Names lists entry names in archive order.
func (a *Archive) Names() []string {
	names := make([]string, 0, len(a.Entries))
	for _, e := range a.Entries {
		names = append(names, e.Name)
	}
	return names
}

// nextIno returns an inode number not used by any entry. Reusing an inode
// would make the kernel treat the new file as a hard link.
func (a *Archive) nextIno() uint32 {
	var highest uint32
	for _, e := range a.Entries {
		highest = max(highest, e.Ino)
	}
	return highest + 1
}
