package errors

import (
	"io"
	"testing"
)

func TestWrap(t *testing.T) {
	err := Wrap(io.EOF, "reading snapshot")
	if err.Error() != "reading snapshot: EOF" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if !Is(err, io.EOF) {
		t.Error("wrapped cause not found by Is")
	}
	if !IsCoreError(err) {
		t.Error("IsCoreError returned false for a CoreError")
	}
	if IsCoreError(io.EOF) {
		t.Error("IsCoreError returned true for a plain error")
	}
}

func TestErrorf(t *testing.T) {
	err := Errorf("bad size %d", 3)
	if err.Error() != "bad size 3" || err.Unwrap() != nil {
		t.Errorf("unexpected error %v", err)
	}
}
