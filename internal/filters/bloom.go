package filters

import (
	"encoding/binary"
	"fmt"

	"github.com/CVDpl/go-live-logkv/internal/common"
	"github.com/CVDpl/go-live-logkv/internal/encoding"
	blake3 "lukechampine.com/blake3"
)

// Bloom is a fixed-size Bloom filter attached to one chunk.
// Positions come from BLAKE3: up to BloomHashes distinct 16-bit windows of
// the digest, read from its tail, each reduced modulo the bit count.
// False negatives are impossible; false positives are not.
type Bloom struct {
	bits *encoding.BitVector
}

// NewBloom creates an empty filter of the default size (128 bytes).
func NewBloom() *Bloom {
	return NewBloomSize(common.BloomBytes)
}

// NewBloomSize creates an empty filter of sizeBytes bytes.
func NewBloomSize(sizeBytes int) *Bloom {
	if sizeBytes <= 0 {
		sizeBytes = common.BloomBytes
	}
	return &Bloom{bits: encoding.NewBitVector(uint64(sizeBytes) * 8)}
}

// BloomFromBytes restores a filter from the image returned by Bytes.
func BloomFromBytes(data []byte) *Bloom {
	return &Bloom{bits: encoding.BitVectorFromBytes(data)}
}

// positions derives the bit positions for value.
func (b *Bloom) positions(value string) []uint64 {
	sum := blake3.Sum256([]byte(value))
	numBits := b.bits.Length()

	out := make([]uint64, 0, common.BloomHashes)
	for off := len(sum) - 2; off >= 0 && len(out) < common.BloomHashes; off -= 2 {
		pos := uint64(binary.BigEndian.Uint16(sum[off:off+2])) % numBits
		dup := false
		for _, p := range out {
			if p == pos {
				dup = true
				break
			}
		}
		if !dup {
			out = append(out, pos)
		}
	}
	return out
}

// Add inserts value into the filter.
func (b *Bloom) Add(value string) {
	for _, pos := range b.positions(value) {
		b.bits.Set(pos)
	}
}

// MightContain reports whether value may have been added.
func (b *Bloom) MightContain(value string) bool {
	for _, pos := range b.positions(value) {
		if !b.bits.Get(pos) {
			return false
		}
	}
	return true
}

// FillRatio returns the fraction of set bits, in [0, 1].
func (b *Bloom) FillRatio() float64 {
	return float64(b.bits.PopCount()) / float64(b.bits.Length())
}

// SizeInBytes returns the size of the filter in bytes.
func (b *Bloom) SizeInBytes() int {
	return int(b.bits.Length() / 8)
}

// Bytes returns the byte image of the filter.
func (b *Bloom) Bytes() []byte {
	return b.bits.Bytes()
}

// Clone returns an independent copy of the filter.
func (b *Bloom) Clone() *Bloom {
	return &Bloom{bits: b.bits.Clone()}
}

// Merge returns a new filter holding the union of a and b.
func Merge(a, b *Bloom) (*Bloom, error) {
	if a.bits.Length() != b.bits.Length() {
		return nil, fmt.Errorf("%w: %d vs %d bytes", common.ErrFilterSizeMismatch, a.SizeInBytes(), b.SizeInBytes())
	}
	out := a.Clone()
	out.bits.Or(b.bits)
	return out, nil
}
