package bitsequence

import "testing"

func TestSetClearRange(t *testing.T) {
	bs := New(100)
	bs.SetRange(5, 20)
	if !bs.AllInRange(5, 20) {
		t.Fatal("expected [5,25) to be set")
	}
	if bs.AnyInRange(0, 5) || bs.AnyInRange(25, 75) {
		t.Fatal("bits outside range were set")
	}
	if bs.Count() != 20 {
		t.Errorf("Count = %d, want 20", bs.Count())
	}
	bs.ClearRange(10, 5)
	if bs.AllInRange(5, 20) {
		t.Error("AllInRange true after clearing part of it")
	}
	if !bs.AnyInRange(5, 20) {
		t.Error("AnyInRange false with bits still set")
	}
	if bs.Count() != 15 {
		t.Errorf("Count = %d, want 15", bs.Count())
	}
}

func TestFromBytesLSBWithLength(t *testing.T) {
	bs, err := FromBytesLSBWithLength([]byte{0x05}, 3)
	if err != nil {
		t.Fatal(err)
	}
	if !bs.BitAt(0) || bs.BitAt(1) || !bs.BitAt(2) {
		t.Error("unexpected bits")
	}
	if _, err := FromBytesLSBWithLength([]byte{0xff}, 3); err == nil {
		t.Error("expected error for set padding bits")
	}
	if _, err := FromBytesLSBWithLength([]byte{0, 0}, 3); err == nil {
		t.Error("expected error for wrong byte count")
	}
}
