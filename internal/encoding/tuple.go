package encoding

import (
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-live-logkv/internal/common"
)

// Tuple is one decoded key-value record.
type Tuple struct {
	Key   string
	Value string
	// Raw is the exact encoded record inside the decoded payload. It aliases
	// the payload buffer and is only valid while that buffer is.
	Raw []byte
}

// TupleSize returns the encoded size of a key-value pair.
func TupleSize(key, value string) int {
	return common.TupleFixedSize + len(key) + len(value)
}

// EncodeTuple encodes a key-value pair as
//
//	uint16 BE key length | uint16 BE value length | key | value | '\n'
//
// It fails with ErrTupleTooLarge when the record exceeds MaxTupleSize.
func EncodeTuple(key, value string) ([]byte, error) {
	size := TupleSize(key, value)
	if size > common.MaxTupleSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", common.ErrTupleTooLarge, size, common.MaxTupleSize)
	}

	buf := make([]byte, size)
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(key)))
	binary.BigEndian.PutUint16(buf[2:4], uint16(len(value)))
	n := 4
	n += copy(buf[n:], key)
	n += copy(buf[n:], value)
	buf[n] = common.TupleTerminator
	return buf, nil
}

// cursor walks a chunk payload with explicit bounds checks.
type cursor struct {
	data []byte
	off  int
}

func (c *cursor) remaining() int { return len(c.data) - c.off }

func (c *cursor) uint16() (int, bool) {
	if c.remaining() < 2 {
		return 0, false
	}
	v := binary.BigEndian.Uint16(c.data[c.off:])
	c.off += 2
	return int(v), true
}

func (c *cursor) bytes(n int) ([]byte, bool) {
	if n < 0 || c.remaining() < n {
		return nil, false
	}
	b := c.data[c.off : c.off+n]
	c.off += n
	return b, true
}

// next decodes the tuple at the cursor. It returns false with a nil error at
// the end of the payload.
func (c *cursor) next() (Tuple, bool, error) {
	if c.remaining() == 0 {
		return Tuple{}, false, nil
	}
	start := c.off
	keyLen, ok1 := c.uint16()
	valueLen, ok2 := c.uint16()
	if !ok1 || !ok2 {
		return Tuple{}, false, fmt.Errorf("%w: truncated tuple header at offset %d", common.ErrCorruptSegment, start)
	}
	key, ok1 := c.bytes(keyLen)
	value, ok2 := c.bytes(valueLen)
	term, ok3 := c.bytes(1)
	if !ok1 || !ok2 || !ok3 {
		return Tuple{}, false, fmt.Errorf("%w: tuple at offset %d overruns payload (%d bytes)", common.ErrCorruptSegment, start, len(c.data))
	}
	if term[0] != common.TupleTerminator {
		return Tuple{}, false, fmt.Errorf("%w: bad tuple terminator at offset %d", common.ErrCorruptSegment, c.off-1)
	}
	return Tuple{
		Key:   string(key),
		Value: string(value),
		Raw:   c.data[start:c.off:c.off],
	}, true, nil
}

// DecodeChunk decodes every tuple of a chunk payload in file order (oldest
// appended first). Any framing error is reported as ErrCorruptSegment.
func DecodeChunk(payload []byte) ([]Tuple, error) {
	c := &cursor{data: payload}
	tuples := make([]Tuple, 0, len(payload)/16+1)
	for {
		t, ok, err := c.next()
		if err != nil {
			return nil, err
		}
		if !ok {
			return tuples, nil
		}
		tuples = append(tuples, t)
	}
}

// ValidPrefix returns the length of the longest prefix of payload made of
// whole, well-framed tuples, provided the remainder is a single record cut
// short by the end of the payload (a torn append). Any other framing error,
// such as a bad terminator or a record followed by more bytes than it
// declares, is reported as ErrCorruptSegment.
func ValidPrefix(payload []byte) (int, error) {
	c := &cursor{data: payload}
	for {
		start := c.off
		_, ok, err := c.next()
		if err == nil {
			if !ok {
				return start, nil
			}
			continue
		}
		if runsPastEnd(payload[start:]) {
			return start, nil
		}
		return start, err
	}
}

// runsPastEnd reports whether rest begins with a record whose declared
// length extends beyond rest.
func runsPastEnd(rest []byte) bool {
	if len(rest) < 4 {
		return true
	}
	need := common.TupleFixedSize + int(binary.BigEndian.Uint16(rest[0:2])) + int(binary.BigEndian.Uint16(rest[2:4]))
	return need > len(rest)
}

// JoinTuples concatenates the raw records of tuples in order.
func JoinTuples(tuples []Tuple) []byte {
	size := 0
	for _, t := range tuples {
		size += len(t.Raw)
	}
	buf := make([]byte, 0, size)
	for _, t := range tuples {
		buf = append(buf, t.Raw...)
	}
	return buf
}
