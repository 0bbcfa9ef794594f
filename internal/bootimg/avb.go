package bootimg

import (
	"bytes"
	"encoding/binary"

	"github.com/kernelsu/ksud/internal/types"
)

const (
	avbFooterMagic = "AVBf"
	avbFooterSize  = 64
	avbAlignment   = 4096
)

// avbFooter is the big-endian record in the last 64 bytes of a partition
// image signed with avbtool add_hash_footer.
type avbFooter struct {
	Magic             [4]byte
	VersionMajor      uint32
	VersionMinor      uint32
	OriginalImageSize uint64
	VbmetaOffset      uint64
	VbmetaSize        uint64
	Reserved          [28]byte
}

// parseAVBFooter returns the footer and the vbmeta blob it points at, or nil
// when data does not end with a valid footer.
func parseAVBFooter(data []byte) (*avbFooter, []byte) {
	if len(data) < avbFooterSize {
		return nil, nil
	}
	var f avbFooter
	tail := data[len(data)-avbFooterSize:]
	if err := binary.Read(bytes.NewReader(tail), binary.BigEndian, &f); err != nil {
		return nil, nil
	}
	if string(f.Magic[:]) != avbFooterMagic {
		return nil, nil
	}
	end := f.VbmetaOffset + f.VbmetaSize
	if end < f.VbmetaOffset || end > uint64(len(data)-avbFooterSize) {
		return nil, nil
	}
	return &f, data[f.VbmetaOffset:end]
}

// placeAVB lays body out in a buffer of the original image size, followed by
// the vbmeta blob at the next 4096-byte boundary and the footer at the end.
func placeAVB(body []byte, f avbFooter, vbmeta []byte, total int) ([]byte, error) {
	offset := alignUp(len(body), avbAlignment)
	if offset+len(vbmeta) > total-avbFooterSize {
		return nil, types.Errorf(types.SerializationOverflow,
			"image of %d bytes with %d bytes of vbmeta does not fit before the AVB footer of a %d byte partition image",
			len(body), len(vbmeta), total)
	}

	out := make([]byte, total)
	copy(out, body)
	copy(out[offset:], vbmeta)

	f.OriginalImageSize = uint64(len(body))
	f.VbmetaOffset = uint64(offset)
	f.VbmetaSize = uint64(len(vbmeta))
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, &f)
	copy(out[total-avbFooterSize:], buf.Bytes())
	return out, nil
}

func alignUp(n, align int) int {
	return (n + align - 1) / align * align
}
