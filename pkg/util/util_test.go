package util

import "testing"

func TestAlign(t *testing.T) {
	if got := AlignUp(uint32(1), 0x1000); got != 0x1000 {
		t.Errorf("AlignUp(1) = %#x, want 0x1000", got)
	}
	if got := AlignUp(uint32(0x1000), 0x1000); got != 0x1000 {
		t.Errorf("AlignUp(0x1000) = %#x, want 0x1000", got)
	}
	if got := AlignDown(uint32(0x1fff), 0x1000); got != 0x1000 {
		t.Errorf("AlignDown(0x1fff) = %#x, want 0x1000", got)
	}
	if IsPowerOfTwo(uint32(0)) || !IsPowerOfTwo(uint32(64)) || IsPowerOfTwo(uint32(96)) {
		t.Error("IsPowerOfTwo gave wrong answer")
	}
}

func TestRemoveFirst(t *testing.T) {
	s, ok := RemoveFirst([]int{1, 2, 3, 2}, 2)
	if !ok || len(s) != 3 || s[0] != 1 || s[1] != 3 || s[2] != 2 {
		t.Errorf("RemoveFirst = %v, %v", s, ok)
	}
	if _, ok := RemoveFirst([]int{1}, 5); ok {
		t.Error("RemoveFirst reported removal of a missing element")
	}
}

func TestOctetArrayZeroPadding(t *testing.T) {
	if got := OctetArrayZeroPadding([]byte{1, 2, 3}, 4); len(got) != 4 || got[3] != 0 {
		t.Errorf("padding = %v", got)
	}
}
