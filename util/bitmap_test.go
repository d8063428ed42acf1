package util

import (
	"bytes"
	"testing"
)

func TestBitmapSetClear(t *testing.T) {
	bm := NewBitmap(2)
	for _, loc := range []int{0, 3, 9, 15} {
		if err := bm.Set(loc); err != nil {
			t.Fatalf("Set(%d): %v", loc, err)
		}
	}
	expected := []byte{0b00001001, 0b10000010}
	if b := bm.ToBytes(); !bytes.Equal(b, expected) {
		t.Errorf("after Set, bits %08b, expected %08b", b, expected)
	}
	if err := bm.Clear(9); err != nil {
		t.Fatalf("Clear(9): %v", err)
	}
	if set, _ := bm.IsSet(9); set {
		t.Errorf("bit 9 still set after Clear")
	}
	if set, _ := bm.IsSet(15); !set {
		t.Errorf("bit 15 lost by Clear(9)")
	}
	if err := bm.Set(16); err == nil {
		t.Errorf("Set(16) on 16 bit bitmap should error")
	}
}

func TestBitmapFirstFree(t *testing.T) {
	tests := []struct {
		bits     []byte
		start    int
		expected int
	}{
		{[]byte{0x00}, 0, 0},
		{[]byte{0x01}, 0, 1},
		{[]byte{0xff, 0x07}, 0, 11},
		{[]byte{0xff, 0xff}, 0, -1},
		{[]byte{0x00, 0x00}, 10, 10},
		{[]byte{0x0f, 0xff}, 5, 5},
	}
	for i, tt := range tests {
		bm := BitmapWithBytes(tt.bits)
		if free := bm.FirstFree(tt.start); free != tt.expected {
			t.Errorf("%d: FirstFree(%d) = %d, expected %d", i, tt.start, free, tt.expected)
		}
	}
}

func TestBitmapFreeCount(t *testing.T) {
	bm := BitmapWithBytes([]byte{0xff, 0x0f, 0x00})
	if count := bm.FreeCount(); count != 12 {
		t.Errorf("FreeCount() = %d, expected 12", count)
	}
}

func TestBitmapFreeList(t *testing.T) {
	tests := []struct {
		bits     []byte
		expected []Contiguous
	}{
		{[]byte{0xff}, nil},
		{[]byte{0x00}, []Contiguous{{Position: 0, Count: 8}}},
		{[]byte{0x81}, []Contiguous{{Position: 1, Count: 6}}},
		{[]byte{0x3c, 0xff}, []Contiguous{{Position: 0, Count: 2}, {Position: 6, Count: 2}}},
		{[]byte{0xff, 0xf0}, []Contiguous{{Position: 8, Count: 4}}},
	}
	for i, tt := range tests {
		bm := BitmapWithBytes(tt.bits)
		list := bm.FreeList()
		if len(list) != len(tt.expected) {
			t.Errorf("%d: FreeList() = %v, expected %v", i, list, tt.expected)
			continue
		}
		for j, c := range list {
			if c != tt.expected[j] {
				t.Errorf("%d: FreeList()[%d] = %v, expected %v", i, j, c, tt.expected[j])
			}
		}
	}
}

func TestBitmapWithBytesShares(t *testing.T) {
	backing := []byte{0x00}
	bm := BitmapWithBytes(backing)
	if err := bm.Set(2); err != nil {
		t.Fatal(err)
	}
	if backing[0] != 0x04 {
		t.Errorf("backing slice not updated, got %02x", backing[0])
	}
}
