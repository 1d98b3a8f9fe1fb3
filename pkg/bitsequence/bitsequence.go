package bitsequence

import (
	"fmt"
	"math/bits"
)

// BitSequence represents a sequence of bits stored in a []byte.
// The bits are packed in LSB-first order within each byte (i.e. bit 0 is stored in the least significant bit).
type BitSequence struct {
	buf    []byte // underlying byte slice
	bitLen int    // number of bits stored in the sequence
}

// New creates a zeroed BitSequence of bitLen bits.
func New(bitLen int) *BitSequence {
	return &BitSequence{
		buf:    make([]byte, (bitLen+7)/8),
		bitLen: bitLen,
	}
}

// FromBytesLSBWithLength creates a new BitSequence with a specific bit length,
// reading bits from least significant (bit 0) to most significant (bit 7) within each byte.
// It verifies that the provided byte slice is the correct size for the requested bit length,
// and that all bits beyond the specified length are zeros.
func FromBytesLSBWithLength(b []byte, bitLen int) (*BitSequence, error) {
	requiredBytes := (bitLen + 7) / 8
	if len(b) != requiredBytes {
		return nil, fmt.Errorf("bit length %d requires exactly %d bytes, got %d", bitLen, requiredBytes, len(b))
	}

	if remainingBits := bitLen % 8; remainingBits > 0 {
		lastByte := b[len(b)-1]
		mask := byte(0xFF << remainingBits)
		if (lastByte & mask) != 0 {
			return nil, fmt.Errorf("invalid bit sequence: bits beyond position %d must be zeros", bitLen-1)
		}
	}

	buf := make([]byte, requiredBytes)
	copy(buf, b)

	return &BitSequence{
		buf:    buf,
		bitLen: bitLen,
	}, nil
}

// BitAt returns the bit at position i (0-indexed).
// It panics if i is out of range.
func (bs *BitSequence) BitAt(i int) bool {
	byteIndex := i >> 3
	bitPos := i & 7
	return (bs.buf[byteIndex] & (1 << uint(bitPos))) != 0
}

// Set sets the bit at position i.
func (bs *BitSequence) Set(i int) {
	bs.buf[i>>3] |= 1 << uint(i&7)
}

// Clear clears the bit at position i.
func (bs *BitSequence) Clear(i int) {
	bs.buf[i>>3] &^= 1 << uint(i&7)
}

// SetRange sets bits [start, start+n).
func (bs *BitSequence) SetRange(start, n int) {
	for i := start; i < start+n; i++ {
		bs.Set(i)
	}
}

// ClearRange clears bits [start, start+n).
func (bs *BitSequence) ClearRange(start, n int) {
	for i := start; i < start+n; i++ {
		bs.Clear(i)
	}
}

// AnyInRange reports whether any bit in [start, start+n) is set.
func (bs *BitSequence) AnyInRange(start, n int) bool {
	for i := start; i < start+n; {
		// skip whole zero bytes
		if i&7 == 0 && i+8 <= start+n {
			if bs.buf[i>>3] != 0 {
				return true
			}
			i += 8
			continue
		}
		if bs.BitAt(i) {
			return true
		}
		i++
	}
	return false
}

// AllInRange reports whether every bit in [start, start+n) is set.
func (bs *BitSequence) AllInRange(start, n int) bool {
	for i := start; i < start+n; {
		if i&7 == 0 && i+8 <= start+n {
			if bs.buf[i>>3] != 0xff {
				return false
			}
			i += 8
			continue
		}
		if !bs.BitAt(i) {
			return false
		}
		i++
	}
	return true
}

// Count returns the number of set bits.
func (bs *BitSequence) Count() int {
	n := 0
	for _, b := range bs.buf {
		n += bits.OnesCount8(b)
	}
	return n
}

// Len returns the total number of bits in the sequence.
func (bs *BitSequence) Len() int {
	return bs.bitLen
}

// ToBytesLSB returns the underlying bytes.
func (bs *BitSequence) ToBytesLSB() []byte {
	return bs.buf
}
