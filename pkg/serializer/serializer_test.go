package serializer

import (
	"bytes"
	"testing"

	"github.com/google/go-cmp/cmp"
)

type threadRecord struct {
	ID       int32
	Name     string
	Running  bool
	Regs     [4]uint32
	Stack    []byte
	FPSCR    float64
	Waiters  []int32
	Entry    *uint32
	Children map[int32]string
	Tags     map[string]struct{}
}

func TestGeneralNaturalBoundaries(t *testing.T) {
	cases := []uint64{0, 1, 127, 128, 1<<14 - 1, 1 << 14, 1<<21 + 5, 1<<56 - 1, 1 << 56, 1<<64 - 1}
	for _, x := range cases {
		enc := EncodeGeneralNatural(x)
		got, n, ok := DecodeGeneralNatural(enc)
		if !ok {
			t.Fatalf("DecodeGeneralNatural(%x) failed", enc)
		}
		if got != x || n != len(enc) {
			t.Errorf("round trip of %d: got %d using %d of %d bytes", x, got, n, len(enc))
		}
	}
	if enc := EncodeGeneralNatural(127); len(enc) != 1 {
		t.Errorf("127 should encode in one byte, got %x", enc)
	}
	if enc := EncodeGeneralNatural(128); !bytes.Equal(enc, []byte{0x80, 0x80}) {
		t.Errorf("128 encoded as %x", enc)
	}
}

func TestDecodeGeneralNaturalTruncated(t *testing.T) {
	if _, _, ok := DecodeGeneralNatural(nil); ok {
		t.Error("empty input decoded")
	}
	if _, _, ok := DecodeGeneralNatural([]byte{0xFF, 1, 2}); ok {
		t.Error("truncated 0xFF form decoded")
	}
	if _, _, ok := DecodeGeneralNatural([]byte{0xC0}); ok {
		t.Error("truncated two byte form decoded")
	}
}

func TestSignedConversion(t *testing.T) {
	if got := SignedToUnsigned(2, -1); got != 0xFFFF {
		t.Errorf("SignedToUnsigned(2, -1) = %#x", got)
	}
	if got := UnsignedToSigned(2, 0xFFFF); got != -1 {
		t.Errorf("UnsignedToSigned(2, 0xffff) = %d", got)
	}
	if got := UnsignedToSigned(4, 0x7FFFFFFF); got != 0x7FFFFFFF {
		t.Errorf("UnsignedToSigned(4, max) = %d", got)
	}
}

func TestStructRoundTrip(t *testing.T) {
	entry := uint32(0x81000)
	in := threadRecord{
		ID:       -7,
		Name:     "main_thread",
		Running:  true,
		Regs:     [4]uint32{1, 2, 3, 0xFFFFFFFF},
		Stack:    []byte{0xde, 0xad, 0xbe, 0xef},
		FPSCR:    1.5,
		Waiters:  []int32{3, 9},
		Entry:    &entry,
		Children: map[int32]string{2: "b", 1: "a"},
		Tags:     map[string]struct{}{"x": {}, "y": {}},
	}

	data := Serialize(&in)

	var out threadRecord
	if err := Deserialize(data, &out); err != nil {
		t.Fatalf("Deserialize: %v", err)
	}
	if diff := cmp.Diff(in, out); diff != "" {
		t.Errorf("round trip mismatch (-want +got):\n%s", diff)
	}
}

func TestMapOrderIsDeterministic(t *testing.T) {
	a := map[uint32]uint32{5: 1, 1: 2, 3: 3}
	b := map[uint32]uint32{3: 3, 5: 1, 1: 2}
	if !bytes.Equal(Serialize(a), Serialize(b)) {
		t.Error("equal maps serialized differently")
	}
}

func TestDeserializeErrors(t *testing.T) {
	var x uint32
	if err := Deserialize([]byte{1, 2}, &x); err == nil {
		t.Error("short input accepted")
	}
	if err := Deserialize([]byte{1, 2, 3, 4, 5}, &x); err == nil {
		t.Error("trailing bytes accepted")
	}
	if err := Deserialize([]byte{1, 2, 3, 4}, x); err == nil {
		t.Error("non-pointer target accepted")
	}
	var s string
	if err := Deserialize([]byte{5, 'a'}, &s); err == nil {
		t.Error("string longer than input accepted")
	}
}
