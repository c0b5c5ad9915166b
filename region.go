package ivshmem

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/TypicalAM/ivshmem/v2/internal/native"
)

// Integer is the set of operand types supported by the atomic accessors.
type Integer interface {
	~int8 | ~int16 | ~int32 | ~int64
}

// Region is a mapped shared memory window. Every access is bounds checked.
// Accesses are safe for concurrent use and never race the teardown of the
// owning memory.
type Region struct {
	// mu is held for reading by every access and for writing by teardown.
	mu     sync.RWMutex
	mem    []byte
	size   int64
	closed atomic.Bool
}

func newRegion(mem []byte) *Region {
	return &Region{mem: mem, size: int64(len(mem))}
}

// NewRegion wraps an existing byte slice, for example memory mapped by the
// caller. Closing the owner is the caller's job.
func NewRegion(mem []byte) (*Region, error) {
	if len(mem) == 0 {
		return nil, ErrInvalidArgument
	}
	return newRegion(mem), nil
}

// Size returns the region size in bytes.
func (r *Region) Size() int64 {
	return r.size
}

// IsRangeValid reports whether [off, off+n) lies inside the region.
func (r *Region) IsRangeValid(off, n int64) bool {
	return off >= 0 && n >= 0 && off <= r.size-n
}

// IsClosed reports whether the region was unmapped.
func (r *Region) IsClosed() bool {
	return r.closed.Load()
}

// markClosed flips the closed flag and reports whether this call did it.
func (r *Region) markClosed() bool {
	return r.closed.CompareAndSwap(false, true)
}

// teardown waits for in-flight accesses and hands the mapping to release.
func (r *Region) teardown(release func(mem []byte) error) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	mem := r.mem
	r.mem = nil
	if mem == nil {
		return nil
	}
	return release(mem)
}

func (r *Region) access(f func(mem []byte) native.Result) error {
	if r.closed.Load() {
		return ErrClosed
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if r.mem == nil {
		return ErrClosed
	}
	return check(f(r.mem))
}

// ReadAt copies len(p) bytes at off into p. A range that does not fit is
// rejected as a whole.
func (r *Region) ReadAt(p []byte, off int64) (int, error) {
	if err := r.access(func(mem []byte) native.Result { return native.ReadBytes(mem, off, p) }); err != nil {
		return 0, err
	}
	return len(p), nil
}

// WriteAt copies p into the region at off. A range that does not fit is
// rejected as a whole.
func (r *Region) WriteAt(p []byte, off int64) (int, error) {
	if err := r.access(func(mem []byte) native.Result { return native.WriteBytes(mem, off, p) }); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Fill sets n bytes at off to v. n must be positive.
func (r *Region) Fill(off int64, v byte, n int64) error {
	return r.access(func(mem []byte) native.Result { return native.Fill(mem, off, v, n) })
}

// CompareAndSwap128 replaces the 16 bytes at off with update if they equal
// expect. off must be 16-byte aligned in memory and the CPU must support a
// double-width compare and swap, otherwise ErrUnsupported is returned.
func (r *Region) CompareAndSwap128(off int64, expect, update [16]byte) (bool, error) {
	return cas(r, func(mem []byte) native.Result {
		return native.CompareAndSwap128(mem, off, expect, update)
	})
}

func load[T Integer](r *Region, off int64) (T, error) {
	var v T
	err := r.access(func(mem []byte) (res native.Result) {
		v, res = native.Load[T](mem, off)
		return res
	})
	return v, err
}

func store[T Integer](r *Region, off int64, v T) error {
	return r.access(func(mem []byte) native.Result { return native.Store(mem, off, v) })
}

func fetchAdd[T Integer](r *Region, off int64, delta T) (T, error) {
	var old T
	err := r.access(func(mem []byte) (res native.Result) {
		old, res = native.Add(mem, off, delta)
		return res
	})
	return old, err
}

func fetchSwap[T Integer](r *Region, off int64, v T) (T, error) {
	var old T
	err := r.access(func(mem []byte) (res native.Result) {
		old, res = native.Swap(mem, off, v)
		return res
	})
	return old, err
}

func compareAndSwap[T Integer](r *Region, off int64, expect, update T) (bool, error) {
	return cas(r, func(mem []byte) native.Result { return native.CompareAndSwap(mem, off, expect, update) })
}

func cas(r *Region, f func(mem []byte) native.Result) (bool, error) {
	var failed bool
	err := r.access(func(mem []byte) native.Result {
		res := f(mem)
		if res.Code() == native.CmpxchgFailed {
			failed = true
			return native.Ok
		}
		return res
	})
	if err != nil {
		return false, err
	}
	return !failed, nil
}

// spin retries attempt until it reports true or timeout elapses. A non-positive
// interval yields the processor between attempts, a negative timeout waits
// forever.
func spin(interval, timeout time.Duration, attempt func() (bool, error)) (bool, error) {
	var deadline time.Time
	if timeout >= 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		ok, err := attempt()
		if err != nil || ok {
			return ok, err
		}
		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}

		if interval <= 0 {
			runtime.Gosched()
			continue
		}
		wait := interval
		if !deadline.IsZero() {
			wait = min(wait, time.Until(deadline))
		}
		time.Sleep(wait)
	}
}

func spinWait[T Integer](r *Region, off int64, expect T, interval, timeout time.Duration) (bool, error) {
	return spin(interval, timeout, func() (bool, error) {
		v, err := load[T](r, off)
		return err == nil && v == expect, err
	})
}

func spinAndSet[T Integer](r *Region, off int64, expect, update T, interval, timeout time.Duration) (bool, error) {
	return spin(interval, timeout, func() (bool, error) {
		return compareAndSwap(r, off, expect, update)
	})
}

// ReadInt8 reads the byte at off.
func (r *Region) ReadInt8(off int64) (int8, error) { return load[int8](r, off) }

// ReadInt16 reads the 16-bit value at off.
func (r *Region) ReadInt16(off int64) (int16, error) { return load[int16](r, off) }

// ReadInt32 reads the 32-bit value at off. Aligned reads are atomic.
func (r *Region) ReadInt32(off int64) (int32, error) { return load[int32](r, off) }

// ReadInt64 reads the 64-bit value at off. Aligned reads are atomic.
func (r *Region) ReadInt64(off int64) (int64, error) { return load[int64](r, off) }

// WriteInt8 writes the 8-bit value v at off.
func (r *Region) WriteInt8(off int64, v int8) error { return store(r, off, v) }

// WriteInt16 writes the 16-bit value v at off.
func (r *Region) WriteInt16(off int64, v int16) error { return store(r, off, v) }

// WriteInt32 writes the 32-bit value v at off. Aligned writes are atomic.
func (r *Region) WriteInt32(off int64, v int32) error { return store(r, off, v) }

// WriteInt64 writes the 64-bit value v at off. Aligned writes are atomic.
func (r *Region) WriteInt64(off int64, v int64) error { return store(r, off, v) }

// FetchAddInt8 atomically adds delta at off and returns the previous value.
// Arithmetic wraps, so adding 1 to the maximum yields the minimum.
func (r *Region) FetchAddInt8(off int64, delta int8) (int8, error) { return fetchAdd(r, off, delta) }

// FetchAddInt16 is FetchAddInt8 for 16-bit values.
func (r *Region) FetchAddInt16(off int64, delta int16) (int16, error) {
	return fetchAdd(r, off, delta)
}

// FetchAddInt32 is FetchAddInt8 for 32-bit values.
func (r *Region) FetchAddInt32(off int64, delta int32) (int32, error) {
	return fetchAdd(r, off, delta)
}

// FetchAddInt64 is FetchAddInt8 for 64-bit values.
func (r *Region) FetchAddInt64(off int64, delta int64) (int64, error) {
	return fetchAdd(r, off, delta)
}

// FetchSwapInt8 atomically stores v at off and returns the previous value.
func (r *Region) FetchSwapInt8(off int64, v int8) (int8, error) { return fetchSwap(r, off, v) }

// FetchSwapInt16 is FetchSwapInt8 for 16-bit values.
func (r *Region) FetchSwapInt16(off int64, v int16) (int16, error) { return fetchSwap(r, off, v) }

// FetchSwapInt32 is FetchSwapInt8 for 32-bit values.
func (r *Region) FetchSwapInt32(off int64, v int32) (int32, error) { return fetchSwap(r, off, v) }

// FetchSwapInt64 is FetchSwapInt8 for 64-bit values.
func (r *Region) FetchSwapInt64(off int64, v int64) (int64, error) { return fetchSwap(r, off, v) }

// CompareAndSwapInt8 stores update at off if the current value is expect.
// A mismatch is reported as false, not as an error.
func (r *Region) CompareAndSwapInt8(off int64, expect, update int8) (bool, error) {
	return compareAndSwap(r, off, expect, update)
}

// CompareAndSwapInt16 is CompareAndSwapInt8 for 16-bit values.
func (r *Region) CompareAndSwapInt16(off int64, expect, update int16) (bool, error) {
	return compareAndSwap(r, off, expect, update)
}

// CompareAndSwapInt32 is CompareAndSwapInt8 for 32-bit values.
func (r *Region) CompareAndSwapInt32(off int64, expect, update int32) (bool, error) {
	return compareAndSwap(r, off, expect, update)
}

// CompareAndSwapInt64 is CompareAndSwapInt8 for 64-bit values.
func (r *Region) CompareAndSwapInt64(off int64, expect, update int64) (bool, error) {
	return compareAndSwap(r, off, expect, update)
}

// SpinWaitInt8 polls off until it holds expect, sleeping interval between
// checks. It returns false once timeout elapses; a negative timeout waits
// forever and a non-positive interval spins without sleeping.
func (r *Region) SpinWaitInt8(off int64, expect int8, interval, timeout time.Duration) (bool, error) {
	return spinWait(r, off, expect, interval, timeout)
}

// SpinWaitInt16 is SpinWaitInt8 for 16-bit values.
func (r *Region) SpinWaitInt16(off int64, expect int16, interval, timeout time.Duration) (bool, error) {
	return spinWait(r, off, expect, interval, timeout)
}

// SpinWaitInt32 is SpinWaitInt8 for 32-bit values.
func (r *Region) SpinWaitInt32(off int64, expect int32, interval, timeout time.Duration) (bool, error) {
	return spinWait(r, off, expect, interval, timeout)
}

// SpinWaitInt64 is SpinWaitInt8 for 64-bit values.
func (r *Region) SpinWaitInt64(off int64, expect int64, interval, timeout time.Duration) (bool, error) {
	return spinWait(r, off, expect, interval, timeout)
}

// SpinAndSetInt8 is SpinWaitInt8 that also swaps in update the moment the
// value equals expect.
func (r *Region) SpinAndSetInt8(off int64, expect, update int8, interval, timeout time.Duration) (bool, error) {
	return spinAndSet(r, off, expect, update, interval, timeout)
}

// SpinAndSetInt16 is SpinAndSetInt8 for 16-bit values.
func (r *Region) SpinAndSetInt16(off int64, expect, update int16, interval, timeout time.Duration) (bool, error) {
	return spinAndSet(r, off, expect, update, interval, timeout)
}

// SpinAndSetInt32 is SpinAndSetInt8 for 32-bit values.
func (r *Region) SpinAndSetInt32(off int64, expect, update int32, interval, timeout time.Duration) (bool, error) {
	return spinAndSet(r, off, expect, update, interval, timeout)
}

// SpinAndSetInt64 is SpinAndSetInt8 for 64-bit values.
func (r *Region) SpinAndSetInt64(off int64, expect, update int64, interval, timeout time.Duration) (bool, error) {
	return spinAndSet(r, off, expect, update, interval, timeout)
}
