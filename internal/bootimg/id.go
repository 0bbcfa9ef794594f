package bootimg

import (
	"bytes"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/binary"
	"hash"
)

// idKind is the digest found in the id field of a v0-v2 header.
type idKind int

const (
	idOpaque idKind = iota
	idSHA1
	idSHA256
)

func (k idKind) String() string {
	switch k {
	case idSHA1:
		return "sha1"
	case idSHA256:
		return "sha256"
	}
	return "opaque"
}

// computeID hashes each component followed by its little-endian size, the
// way mkbootimg fills the id field.
func computeID(kind idKind, version Version, c components) [bootIDSize]byte {
	var h hash.Hash
	if kind == idSHA256 {
		h = sha256.New()
	} else {
		h = sha1.New()
	}

	parts := [][]byte{c.kernel, c.ramdisk, c.second}
	if version >= V1 {
		parts = append(parts, c.recoveryDTBO)
	}
	if version >= V2 {
		parts = append(parts, c.dtb)
	}

	var size [4]byte
	for _, p := range parts {
		h.Write(p)
		binary.LittleEndian.PutUint32(size[:], uint32(len(p)))
		h.Write(size[:])
	}

	var id [bootIDSize]byte
	copy(id[:], h.Sum(nil))
	return id
}

// detectID reports which digest produced id.
func detectID(id [bootIDSize]byte, version Version, c components) idKind {
	for _, kind := range []idKind{idSHA1, idSHA256} {
		if computeID(kind, version, c) == id {
			return kind
		}
	}
	return idOpaque
}

func (c components) equal(o components) bool {
	return bytes.Equal(c.kernel, o.kernel) && bytes.Equal(c.ramdisk, o.ramdisk) &&
		bytes.Equal(c.second, o.second) && bytes.Equal(c.recoveryDTBO, o.recoveryDTBO) &&
		bytes.Equal(c.dtb, o.dtb)
}
