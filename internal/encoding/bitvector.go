package encoding

import (
	"encoding/binary"
	"math/bits"
)

// BitVector is a fixed-length bit array stored in 64-bit words.
// Bit i lives in word i/64 at position i%64, so the little-endian byte
// image returned by Bytes keeps bit i at bit i%8 of byte i/8.
type BitVector struct {
	bits   []uint64
	length uint64
}

// NewBitVector creates a new bit vector with the given length.
func NewBitVector(length uint64) *BitVector {
	numWords := (length + 63) / 64
	return &BitVector{
		bits:   make([]uint64, numWords),
		length: length,
	}
}

// BitVectorFromBytes builds a bit vector of len(data)*8 bits from its byte image.
func BitVectorFromBytes(data []byte) *BitVector {
	bv := NewBitVector(uint64(len(data)) * 8)
	for i, b := range data {
		bv.bits[i/8] |= uint64(b) << (uint(i%8) * 8)
	}
	return bv
}

// Set sets the bit at position i to 1.
func (bv *BitVector) Set(i uint64) {
	if i >= bv.length {
		return
	}
	bv.bits[i/64] |= uint64(1) << (i % 64)
}

// Get returns the bit at position i.
func (bv *BitVector) Get(i uint64) bool {
	if i >= bv.length {
		return false
	}
	return (bv.bits[i/64] & (uint64(1) << (i % 64))) != 0
}

// Length returns the length of the bit vector.
func (bv *BitVector) Length() uint64 {
	return bv.length
}

// PopCount returns the total number of 1-bits.
func (bv *BitVector) PopCount() uint64 {
	count := uint64(0)
	for _, word := range bv.bits {
		count += uint64(bits.OnesCount64(word))
	}
	return count
}

// Or sets every bit that is set in other. Both vectors must have the same length.
func (bv *BitVector) Or(other *BitVector) bool {
	if bv.length != other.length {
		return false
	}
	for i := range bv.bits {
		bv.bits[i] |= other.bits[i]
	}
	return true
}

// Clone returns an independent copy.
func (bv *BitVector) Clone() *BitVector {
	c := &BitVector{bits: make([]uint64, len(bv.bits)), length: bv.length}
	copy(c.bits, bv.bits)
	return c
}

// Bytes returns the byte image of the vector, (length+7)/8 bytes long.
func (bv *BitVector) Bytes() []byte {
	buf := make([]byte, len(bv.bits)*8)
	for i, word := range bv.bits {
		binary.LittleEndian.PutUint64(buf[i*8:], word)
	}
	return buf[:(bv.length+7)/8]
}
