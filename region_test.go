package ivshmem

import (
	"bytes"
	"errors"
	"math"
	"math/rand"
	"testing"
	"time"
)

func newTestRegion(t *testing.T, size int) *Region {
	t.Helper()
	r, err := NewRegion(make([]byte, size))
	if err != nil {
		t.Fatalf("Failed to create region: %v", err)
	}
	return r
}

func TestRegionReadWriteRoundTrip(t *testing.T) {
	r := newTestRegion(t, 64)

	for v := math.MinInt8; v <= math.MaxInt8; v++ {
		if err := r.WriteInt8(5, int8(v)); err != nil {
			t.Fatalf("Failed to write int8: %v", err)
		}
		got, err := r.ReadInt8(5)
		if err != nil || got != int8(v) {
			t.Fatalf("Expected %d, got %d (%v)", v, got, err)
		}
	}

	for v := math.MinInt16; v <= math.MaxInt16; v++ {
		if err := r.WriteInt16(6, int16(v)); err != nil {
			t.Fatalf("Failed to write int16: %v", err)
		}
		got, err := r.ReadInt16(6)
		if err != nil || got != int16(v) {
			t.Fatalf("Expected %d, got %d (%v)", v, got, err)
		}
	}

	rng := rand.New(rand.NewSource(1))
	samples32 := []int32{0, -1, math.MinInt32, math.MaxInt32}
	samples64 := []int64{0, -1, math.MinInt64, math.MaxInt64}
	for range 1000 {
		samples32 = append(samples32, int32(rng.Uint32()))
		samples64 = append(samples64, int64(rng.Uint64()))
	}
	for _, v := range samples32 {
		for _, off := range []int64{8, 13} {
			r.WriteInt32(off, v)
			if got, _ := r.ReadInt32(off); got != v {
				t.Fatalf("Expected %d at %d, got %d", v, off, got)
			}
		}
	}
	for _, v := range samples64 {
		for _, off := range []int64{16, 33} {
			r.WriteInt64(off, v)
			if got, _ := r.ReadInt64(off); got != v {
				t.Fatalf("Expected %d at %d, got %d", v, off, got)
			}
		}
	}
}

func TestRegionOutOfBounds(t *testing.T) {
	const size = 32
	r := newTestRegion(t, size)
	snapshot := func() []byte {
		buf := make([]byte, size)
		r.ReadAt(buf, 0)
		return buf
	}
	r.Fill(0, 0xaa, size)
	before := snapshot()

	ops := map[string]func(off int64) error{
		"ReadInt8":    func(off int64) error { _, err := r.ReadInt8(off); return err },
		"WriteInt16":  func(off int64) error { return r.WriteInt16(off, 1) },
		"ReadInt32":   func(off int64) error { _, err := r.ReadInt32(off); return err },
		"WriteInt64":  func(off int64) error { return r.WriteInt64(off, 1) },
		"FetchAdd32":  func(off int64) error { _, err := r.FetchAddInt32(off, 1); return err },
		"FetchSwap64": func(off int64) error { _, err := r.FetchSwapInt64(off, 1); return err },
		"CAS16":       func(off int64) error { _, err := r.CompareAndSwapInt16(off, 0, 1); return err },
		"CAS8":        func(off int64) error { _, err := r.CompareAndSwapInt8(off, 0, 1); return err },
		"WriteAt":     func(off int64) error { _, err := r.WriteAt([]byte{1, 2, 3, 4}, off); return err },
		"Fill":        func(off int64) error { return r.Fill(off, 1, 4) },
		"SpinWait":    func(off int64) error { _, err := r.SpinWaitInt32(off, 0, 0, 0); return err },
	}

	for name, op := range ops {
		for _, off := range []int64{-1, -8, size, size + 8, math.MaxInt64} {
			if err := op(off); !errors.Is(err, ErrOutOfBounds) {
				t.Errorf("%s(%d): expected ErrOutOfBounds, got %v", name, off, err)
			}
		}
	}
	if err := r.WriteInt64(size-4, 1); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected straddling write to fail, got %v", err)
	}

	if !bytes.Equal(before, snapshot()) {
		t.Error("Rejected operations mutated the region")
	}
}

func TestRegionFetchAddWraps(t *testing.T) {
	r := newTestRegion(t, 64)

	r.WriteInt8(1, math.MaxInt8)
	if old, err := r.FetchAddInt8(1, 1); err != nil || old != math.MaxInt8 {
		t.Fatalf("Expected old %d, got %d (%v)", math.MaxInt8, old, err)
	}
	if v, _ := r.ReadInt8(1); v != math.MinInt8 {
		t.Errorf("Expected int8 wraparound to %d, got %d", math.MinInt8, v)
	}

	r.WriteInt16(2, math.MaxInt16)
	r.FetchAddInt16(2, 1)
	if v, _ := r.ReadInt16(2); v != math.MinInt16 {
		t.Errorf("Expected int16 wraparound, got %d", v)
	}

	r.WriteInt32(4, math.MaxInt32)
	r.FetchAddInt32(4, 1)
	if v, _ := r.ReadInt32(4); v != math.MinInt32 {
		t.Errorf("Expected int32 wraparound, got %d", v)
	}

	r.WriteInt64(8, math.MaxInt64)
	r.FetchAddInt64(8, 1)
	if v, _ := r.ReadInt64(8); v != math.MinInt64 {
		t.Errorf("Expected int64 wraparound, got %d", v)
	}

	r.WriteInt32(16, 10)
	if old, _ := r.FetchAddInt32(16, -3); old != 10 {
		t.Errorf("Expected old value 10, got %d", old)
	}
	if v, _ := r.ReadInt32(16); v != 7 {
		t.Errorf("Expected 7, got %d", v)
	}

	if _, err := r.FetchAddInt32(18, 1); !errors.Is(err, ErrUnaligned) {
		t.Errorf("Expected ErrUnaligned for misaligned add, got %v", err)
	}
}

func TestRegionFetchSwap(t *testing.T) {
	r := newTestRegion(t, 16)
	r.WriteInt16(4, 300)
	if old, err := r.FetchSwapInt16(4, -5); err != nil || old != 300 {
		t.Fatalf("Expected old 300, got %d (%v)", old, err)
	}
	if v, _ := r.ReadInt16(4); v != -5 {
		t.Errorf("Expected -5, got %d", v)
	}
}

func TestRegionCompareAndSwap(t *testing.T) {
	r := newTestRegion(t, 16)

	ok, err := r.CompareAndSwapInt64(8, 0, 42)
	if err != nil || !ok {
		t.Fatalf("Expected CAS on zero to succeed: %v", err)
	}
	ok, err = r.CompareAndSwapInt64(8, 0, 43)
	if err != nil || ok {
		t.Fatalf("Expected stale CAS to fail without error: %v", err)
	}
	if v, _ := r.ReadInt64(8); v != 42 {
		t.Errorf("Expected failed CAS to leave 42, got %d", v)
	}

	r.WriteInt8(3, -1)
	if ok, _ := r.CompareAndSwapInt8(3, -1, 9); !ok {
		t.Error("Expected int8 CAS with negative expect to succeed")
	}
	if ok, _ := r.CompareAndSwapInt8(3, -1, 10); ok {
		t.Error("Expected repeated int8 CAS to fail")
	}
}

func TestRegionFill(t *testing.T) {
	r := newTestRegion(t, 16)

	for _, n := range []int64{0, -1} {
		if err := r.Fill(4, 0xff, n); !errors.Is(err, ErrOutOfBounds) {
			t.Errorf("Fill length %d: expected ErrOutOfBounds, got %v", n, err)
		}
	}

	if err := r.Fill(4, 0xff, 8); err != nil {
		t.Fatalf("Failed to fill: %v", err)
	}
	buf := make([]byte, 16)
	r.ReadAt(buf, 0)
	for i, b := range buf {
		want := byte(0)
		if i >= 4 && i < 12 {
			want = 0xff
		}
		if b != want {
			t.Errorf("Byte %d: expected %#x, got %#x", i, want, b)
		}
	}
}

func TestRegionSpinWait(t *testing.T) {
	r := newTestRegion(t, 16)

	start := time.Now()
	ok, err := r.SpinWaitInt32(0, 1, time.Millisecond, 30*time.Millisecond)
	if err != nil || ok {
		t.Fatalf("Expected timeout, got %v %v", ok, err)
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Error("Returned before the timeout elapsed")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		r.WriteInt32(0, 1)
	}()
	ok, err = r.SpinWaitInt32(0, 1, time.Millisecond, -1)
	if err != nil || !ok {
		t.Fatalf("Expected value to arrive, got %v %v", ok, err)
	}

	ok, err = r.SpinAndSetInt32(0, 1, 2, 0, time.Second)
	if err != nil || !ok {
		t.Fatalf("Expected spin and set to succeed, got %v %v", ok, err)
	}
	if v, _ := r.ReadInt32(0); v != 2 {
		t.Errorf("Expected 2 after spin and set, got %d", v)
	}
}

func TestRegionCompareAndSwap128(t *testing.T) {
	r := newTestRegion(t, 64)

	var zero, one [16]byte
	one[0] = 1
	for off := int64(0); off < 16; off++ {
		ok, err := r.CompareAndSwap128(off, zero, one)
		if errors.Is(err, ErrUnsupported) {
			t.Skip("double-width compare and swap not available")
		}
		if errors.Is(err, ErrUnaligned) {
			continue
		}
		if err != nil || !ok {
			t.Fatalf("Expected CAS128 at %d to succeed: %v", off, err)
		}
		if ok, _ := r.CompareAndSwap128(off, zero, one); ok {
			t.Error("Expected stale CAS128 to fail")
		}
		return
	}
	t.Fatal("No 16-byte aligned offset found")
}

func TestRegionClosed(t *testing.T) {
	r := newTestRegion(t, 16)
	r.markClosed()
	r.teardown(func([]byte) error { return nil })

	if _, err := r.ReadInt32(0); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if err := r.Fill(0, 1, 1); !errors.Is(err, ErrClosed) {
		t.Errorf("Expected ErrClosed, got %v", err)
	}
	if !r.IsClosed() {
		t.Error("Expected region to report closed")
	}
}

func TestAtomic(t *testing.T) {
	r := newTestRegion(t, 32)

	if _, err := NewAtomic[int32](r, 30); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
	if _, err := NewAtomic[int64](r, 4); !errors.Is(err, ErrUnaligned) {
		t.Errorf("Expected ErrUnaligned, got %v", err)
	}

	a, err := NewAtomic[int64](r, 8)
	if err != nil {
		t.Fatalf("Failed to create atomic: %v", err)
	}
	if v, _ := a.Add(5); v != 5 {
		t.Errorf("Expected Add to return the new value 5, got %d", v)
	}
	if old, _ := a.Swap(9); old != 5 {
		t.Errorf("Expected Swap to return 5, got %d", old)
	}
	if ok, _ := a.CompareAndSwap(9, 10); !ok {
		t.Error("Expected CAS to succeed")
	}
	if v, _ := r.ReadInt64(8); v != 10 {
		t.Errorf("Expected region to see 10, got %d", v)
	}
}
