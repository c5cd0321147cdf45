package encoding

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// CompactTag identifies a COMPACT segment in the first two header bytes.
const CompactTag uint16 = 2

// AddCompactHeader prepends the COMPACT header:
//
//	uint16 BE tag (CompactTag) | uint16 BE total file length (header + payload)
func AddCompactHeader(payload []byte) ([]byte, error) {
	total := common.HeaderSize + len(payload)
	if total > math.MaxUint16 {
		return nil, fmt.Errorf("compact segment too large: %d bytes", total)
	}

	buf := make([]byte, total)
	binary.BigEndian.PutUint16(buf[0:2], CompactTag)
	binary.BigEndian.PutUint16(buf[2:4], uint16(total))
	copy(buf[common.HeaderSize:], payload)
	return buf, nil
}

// StripCompactHeader validates the COMPACT header and returns the payload,
// which aliases data.
func StripCompactHeader(data []byte) ([]byte, error) {
	if len(data) < common.HeaderSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", common.ErrCorruptSegment, len(data))
	}
	tag := binary.BigEndian.Uint16(data[0:2])
	if tag != CompactTag {
		return nil, fmt.Errorf("%w: got tag %d, expected %d", common.ErrCorruptSegment, tag, CompactTag)
	}
	size := int(binary.BigEndian.Uint16(data[2:4]))
	if size != len(data) {
		return nil, fmt.Errorf("%w: header length %d, file length %d", common.ErrCorruptSegment, size, len(data))
	}
	return data[common.HeaderSize:], nil
}
