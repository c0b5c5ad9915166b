package native

import (
	"errors"
	"math"
	"syscall"
	"testing"
	"unsafe"
)

func aligned16(buf []byte, off int64) bool {
	return uintptr(unsafe.Pointer(&buf[off]))%16 == 0
}

func TestResultEncoding(t *testing.T) {
	r := Combine(InterruptSendError, syscall.EPIPE)
	if r.Code() != InterruptSendError {
		t.Errorf("Expected code %v, got %v", InterruptSendError, r.Code())
	}
	if r.Errno() != syscall.EPIPE {
		t.Errorf("Expected errno EPIPE, got %v", r.Errno())
	}
	if uint64(r)>>32 != 21 {
		t.Errorf("Code not stored in the upper half: %#x", uint64(r))
	}
	if Ok.Err() != nil {
		t.Error("Ok should not produce an error")
	}

	err := r.Err()
	if !errors.Is(err, syscall.EPIPE) {
		t.Errorf("Expected error to unwrap to EPIPE: %v", err)
	}
	var nerr *Error
	if !errors.As(err, &nerr) || nerr.Code != InterruptSendError {
		t.Errorf("Expected *Error with code %v, got %v", InterruptSendError, err)
	}
}

func TestUnknownErrorCode(t *testing.T) {
	r := Of(UnknownError)
	if uint64(r)>>32 != 998 {
		t.Errorf("Expected code 998 in the upper half, got %#x", uint64(r))
	}

	var nerr *Error
	if err := r.Err(); !errors.As(err, &nerr) || nerr.Code != UnknownError {
		t.Fatalf("Expected *Error with code %v, got %v", UnknownError, err)
	}
	if nerr.Error() != "ivshmem: unknown error" {
		t.Errorf("Unexpected message %q", nerr.Error())
	}
}

func TestSubwordOperations(t *testing.T) {
	mem := make([]byte, 64)

	for off := int64(0); off < 8; off++ {
		if r := Store[int8](mem, off, math.MaxInt8); !r.OK() {
			t.Fatalf("Failed to store at %d: %v", off, r.Err())
		}
		old, r := Add[int8](mem, off, 1)
		if !r.OK() {
			t.Fatalf("Failed to add at %d: %v", off, r.Err())
		}
		if old != math.MaxInt8 {
			t.Errorf("Expected old value %d, got %d", math.MaxInt8, old)
		}
		v, _ := Load[int8](mem, off)
		if v != math.MinInt8 {
			t.Errorf("Expected wraparound to %d at %d, got %d", math.MinInt8, off, v)
		}
	}

	// neighbouring bytes must survive a CAS on the word they share
	for i := range mem[:8] {
		mem[i] = 0x11
	}
	if r := CompareAndSwap[int8](mem, 2, 0x11, 0x22); !r.OK() {
		t.Fatalf("Expected CAS to succeed: %v", r.Err())
	}
	for i, b := range mem[:8] {
		want := byte(0x11)
		if i == 2 {
			want = 0x22
		}
		if b != want {
			t.Errorf("Byte %d: expected %#x, got %#x", i, want, b)
		}
	}
	if r := CompareAndSwap[int8](mem, 2, 0x11, 0x33); r.Code() != CmpxchgFailed {
		t.Errorf("Expected stale CAS to fail, got %v", r.Code())
	}

	if _, r := Add[int16](mem, 1, 1); r.Code() != OffsetUnaligned {
		t.Errorf("Expected unaligned error for odd 16-bit offset, got %v", r.Code())
	}
}

func TestCheckRange(t *testing.T) {
	mem := make([]byte, 16)
	cases := []struct {
		off, n int64
		ok     bool
	}{
		{0, 16, true},
		{8, 8, true},
		{15, 1, true},
		{16, 0, true},
		{-1, 1, false},
		{9, 8, false},
		{16, 1, false},
		{math.MaxInt64, 8, false},
	}
	for _, c := range cases {
		if got := CheckRange(mem, c.off, c.n).OK(); got != c.ok {
			t.Errorf("CheckRange(%d, %d) = %v, expected %v", c.off, c.n, got, c.ok)
		}
	}
	if CheckRange(nil, 0, 0).Code() != InvalidConnectionPointer {
		t.Error("Expected nil mapping to be rejected")
	}
}

func TestCompareAndSwap128(t *testing.T) {
	buf := make([]byte, 64)
	off := int64(0)
	for !aligned16(buf, off) {
		off++
	}

	var expect, update [16]byte
	for i := range update {
		update[i] = byte(i + 1)
	}

	r := CompareAndSwap128(buf, off, expect, update)
	if !HasCAS128 {
		if r.Code() != UnsupportedOperation {
			t.Fatalf("Expected unsupported operation, got %v", r.Code())
		}
		return
	}
	if !r.OK() {
		t.Fatalf("Expected CAS128 to succeed: %v", r.Err())
	}
	for i := range update {
		if buf[off+int64(i)] != update[i] {
			t.Fatalf("Byte %d not updated", i)
		}
	}
	if r := CompareAndSwap128(buf, off, expect, update); r.Code() != CmpxchgFailed {
		t.Errorf("Expected stale CAS128 to fail, got %v", r.Code())
	}
	if r := CompareAndSwap128(buf, off+8, update, expect); r.Code() != OffsetUnaligned {
		t.Errorf("Expected unaligned CAS128 to fail, got %v", r.Code())
	}
}
