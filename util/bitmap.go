package util

import (
	"fmt"
	"math/bits"
)

// Bitmap is a bitmap over a byte slice. Bit i lives at byte i/8,
// bit position i%8, least significant bit first, matching the layout
// of on-disk allocation bitmaps.
type Bitmap struct {
	bits []byte
}

// NewBitmap creates a zeroed bitmap of the given size. The size is in
// bytes, not bits, to force the caller to work with complete bytes.
func NewBitmap(byteCount int) *Bitmap {
	return &Bitmap{
		bits: make([]byte, byteCount),
	}
}

// BitmapWithBytes creates a bitmap that adopts b as its backing store
// without copying. Mutations through the bitmap are visible in b.
func BitmapWithBytes(b []byte) *Bitmap {
	return &Bitmap{
		bits: b,
	}
}

// FromBytes overwrites the bitmap with a copy of the contents of b.
func (bm *Bitmap) FromBytes(b []byte) {
	bm.bits = make([]byte, len(b))
	copy(bm.bits, b)
}

// ToBytes returns a copy of the bitmap contents.
func (bm *Bitmap) ToBytes() []byte {
	b := make([]byte, len(bm.bits))
	copy(b, bm.bits)
	return b
}

// IsSet reports whether the bit at location is set.
func (bm *Bitmap) IsSet(location int) (bool, error) {
	byteNumber, bitNumber := findBitForIndex(location)
	if byteNumber >= len(bm.bits) {
		return false, fmt.Errorf("location %d is not in %d bit bitmap", location, len(bm.bits)*8)
	}
	mask := byte(0x1) << bitNumber
	return bm.bits[byteNumber]&mask == mask, nil
}

// Set sets the bit at location.
func (bm *Bitmap) Set(location int) error {
	byteNumber, bitNumber := findBitForIndex(location)
	if byteNumber >= len(bm.bits) {
		return fmt.Errorf("location %d is not in %d bit bitmap", location, len(bm.bits)*8)
	}
	bm.bits[byteNumber] |= byte(0x1) << bitNumber
	return nil
}

// Clear clears the bit at location.
func (bm *Bitmap) Clear(location int) error {
	byteNumber, bitNumber := findBitForIndex(location)
	if byteNumber >= len(bm.bits) {
		return fmt.Errorf("location %d is not in %d bit bitmap", location, len(bm.bits)*8)
	}
	bm.bits[byteNumber] &^= byte(0x1) << bitNumber
	return nil
}

// FirstFree returns the location of the first clear bit at or after
// start, or -1 if every bit from start onward is set.
func (bm *Bitmap) FirstFree(start int) int {
	if start < 0 {
		start = 0
	}
	for i := start / 8; i < len(bm.bits); i++ {
		b := bm.bits[i]
		if b == 0xff {
			continue
		}
		for j := uint8(0); j < 8; j++ {
			if b&(byte(0x1)<<j) != 0 {
				continue
			}
			location := 8*i + int(j)
			if location < start {
				continue
			}
			return location
		}
	}
	return -1
}

// FreeCount returns the number of clear bits in the bitmap.
func (bm *Bitmap) FreeCount() int {
	count := 0
	for _, b := range bm.bits {
		count += 8 - bits.OnesCount8(b)
	}
	return count
}

// Contiguous is a run of contiguous clear bits.
type Contiguous struct {
	Position int
	Count    int
}

// FreeList returns the runs of contiguous clear bits, in position order.
func (bm *Bitmap) FreeList() []Contiguous {
	var (
		list  []Contiguous
		start = -1
	)
	total := len(bm.bits) * 8
	for i := 0; i < total; i++ {
		set := bm.bits[i/8]&(byte(0x1)<<uint8(i%8)) != 0
		switch {
		case !set && start == -1:
			start = i
		case set && start != -1:
			list = append(list, Contiguous{Position: start, Count: i - start})
			start = -1
		}
	}
	if start != -1 {
		list = append(list, Contiguous{Position: start, Count: total - start})
	}
	return list
}

func findBitForIndex(index int) (byteNumber int, bitNumber uint8) {
	return index / 8, uint8(index % 8)
}
