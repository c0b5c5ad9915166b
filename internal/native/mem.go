package native

import (
	"encoding/binary"
	"sync/atomic"
	"unsafe"
)

// Word is the set of operand types the primitives accept.
type Word interface {
	~int8 | ~int16 | ~int32 | ~int64
}

var littleEndian = binary.NativeEndian.Uint16([]byte{1, 0}) == 1

// Size returns the operand width of T in bytes.
func Size[T Word]() int64 {
	var v T
	return int64(unsafe.Sizeof(v))
}

// CheckRange validates that [off, off+n) lies inside mem.
func CheckRange(mem []byte, off, n int64) Result {
	if mem == nil {
		return Of(InvalidConnectionPointer)
	}
	if off < 0 || n < 0 || off > int64(len(mem))-n {
		return Of(MemoryOutOfBounds)
	}
	return Ok
}

func mask(n int64) uint64 {
	if n >= 8 {
		return ^uint64(0)
	}
	return 1<<(uint(n)*8) - 1
}

func bits[T Word](v T) uint64 {
	return uint64(v) & mask(Size[T]())
}

func aligned(p unsafe.Pointer, n int64) bool {
	return uintptr(p)%uintptr(n) == 0
}

// Load reads a value of width T at off. Naturally aligned 4 and 8 byte loads
// are atomic.
func Load[T Word](mem []byte, off int64) (T, Result) {
	n := Size[T]()
	if r := CheckRange(mem, off, n); !r.OK() {
		return 0, r
	}

	p := unsafe.Pointer(&mem[off])
	var v uint64
	switch n {
	case 1:
		v = uint64(mem[off])
	case 2:
		v = uint64(binary.NativeEndian.Uint16(mem[off:]))
	case 4:
		if aligned(p, 4) {
			v = uint64(atomic.LoadUint32((*uint32)(p)))
		} else {
			v = uint64(binary.NativeEndian.Uint32(mem[off:]))
		}
	default:
		if aligned(p, 8) {
			v = atomic.LoadUint64((*uint64)(p))
		} else {
			v = binary.NativeEndian.Uint64(mem[off:])
		}
	}
	return T(v), Ok
}

// Store writes v at off. Naturally aligned 4 and 8 byte stores are atomic.
func Store[T Word](mem []byte, off int64, v T) Result {
	n := Size[T]()
	if r := CheckRange(mem, off, n); !r.OK() {
		return r
	}

	p := unsafe.Pointer(&mem[off])
	b := bits(v)
	switch n {
	case 1:
		mem[off] = byte(b)
	case 2:
		binary.NativeEndian.PutUint16(mem[off:], uint16(b))
	case 4:
		if aligned(p, 4) {
			atomic.StoreUint32((*uint32)(p), uint32(b))
		} else {
			binary.NativeEndian.PutUint32(mem[off:], uint32(b))
		}
	default:
		if aligned(p, 8) {
			atomic.StoreUint64((*uint64)(p), b)
		} else {
			binary.NativeEndian.PutUint64(mem[off:], b)
		}
	}
	return Ok
}

// Add atomically adds delta to the value at off and returns the previous
// value. Arithmetic wraps at the operand width.
func Add[T Word](mem []byte, off int64, delta T) (T, Result) {
	n := Size[T]()
	if r := CheckRange(mem, off, n); !r.OK() {
		return 0, r
	}

	p := unsafe.Pointer(&mem[off])
	d := bits(delta)
	switch n {
	case 4:
		if !aligned(p, 4) {
			return 0, Of(OffsetUnaligned)
		}
		return T(atomic.AddUint32((*uint32)(p), uint32(d)) - uint32(d)), Ok
	case 8:
		if !aligned(p, 8) {
			return 0, Of(OffsetUnaligned)
		}
		return T(atomic.AddUint64((*uint64)(p), d) - d), Ok
	}

	old, r := updateSubword(mem, off, n, func(old uint64) (uint64, bool) {
		return old + d, true
	})
	return T(old), r
}

// Swap atomically stores v at off and returns the previous value.
func Swap[T Word](mem []byte, off int64, v T) (T, Result) {
	n := Size[T]()
	if r := CheckRange(mem, off, n); !r.OK() {
		return 0, r
	}

	p := unsafe.Pointer(&mem[off])
	b := bits(v)
	switch n {
	case 4:
		if !aligned(p, 4) {
			return 0, Of(OffsetUnaligned)
		}
		return T(atomic.SwapUint32((*uint32)(p), uint32(b))), Ok
	case 8:
		if !aligned(p, 8) {
			return 0, Of(OffsetUnaligned)
		}
		return T(atomic.SwapUint64((*uint64)(p), b)), Ok
	}

	old, r := updateSubword(mem, off, n, func(uint64) (uint64, bool) {
		return b, true
	})
	return T(old), r
}

// CompareAndSwap stores update at off if the current value equals expect.
// It returns Ok on success and CmpxchgFailed when the values differ.
func CompareAndSwap[T Word](mem []byte, off int64, expect, update T) Result {
	n := Size[T]()
	if r := CheckRange(mem, off, n); !r.OK() {
		return r
	}

	p := unsafe.Pointer(&mem[off])
	e, u := bits(expect), bits(update)
	var swapped bool
	switch n {
	case 4:
		if !aligned(p, 4) {
			return Of(OffsetUnaligned)
		}
		swapped = atomic.CompareAndSwapUint32((*uint32)(p), uint32(e), uint32(u))
	case 8:
		if !aligned(p, 8) {
			return Of(OffsetUnaligned)
		}
		swapped = atomic.CompareAndSwapUint64((*uint64)(p), e, u)
	default:
		_, r := updateSubword(mem, off, n, func(old uint64) (uint64, bool) {
			swapped = old == e
			if !swapped {
				return 0, false
			}
			return u, true
		})
		if !r.OK() {
			return r
		}
	}

	if !swapped {
		return Of(CmpxchgFailed)
	}
	return Ok
}

// updateSubword applies f to the 1 or 2 byte field at off through a CAS loop
// on the aligned 32-bit word containing it. f returns false to leave the
// field untouched.
func updateSubword(mem []byte, off, n int64, f func(old uint64) (uint64, bool)) (uint64, Result) {
	addr := uintptr(unsafe.Pointer(&mem[off]))
	if addr%uintptr(n) != 0 {
		return 0, Of(OffsetUnaligned)
	}

	lead := int64(addr & 3)
	base := off - lead
	if base < 0 || base+4 > int64(len(mem)) {
		return 0, Of(OffsetUnaligned)
	}

	var shift uint
	if littleEndian {
		shift = uint(lead * 8)
	} else {
		shift = uint((4 - lead - n) * 8)
	}
	fieldMask := uint32(mask(n)) << shift

	word := (*uint32)(unsafe.Pointer(&mem[base]))
	for {
		cur := atomic.LoadUint32(word)
		old := uint64((cur & fieldMask) >> shift)
		next, ok := f(old)
		if !ok {
			return old, Ok
		}
		updated := cur&^fieldMask | (uint32(next)<<shift)&fieldMask
		if atomic.CompareAndSwapUint32(word, cur, updated) {
			return old, Ok
		}
	}
}

// CompareAndSwap128 compares the 16 bytes at off with expect and replaces
// them with update if equal. The address must be 16-byte aligned and the CPU
// must provide a double-width compare and swap.
func CompareAndSwap128(mem []byte, off int64, expect, update [16]byte) Result {
	if r := CheckRange(mem, off, 16); !r.OK() {
		return r
	}
	if !HasCAS128 {
		return Of(UnsupportedOperation)
	}

	p := unsafe.Pointer(&mem[off])
	if !aligned(p, 16) {
		return Of(OffsetUnaligned)
	}

	ok := cas128((*uint64)(p),
		binary.NativeEndian.Uint64(expect[:8]), binary.NativeEndian.Uint64(expect[8:]),
		binary.NativeEndian.Uint64(update[:8]), binary.NativeEndian.Uint64(update[8:]))
	if !ok {
		return Of(CmpxchgFailed)
	}
	return Ok
}

// ReadBytes copies len(p) bytes starting at off into p.
func ReadBytes(mem []byte, off int64, p []byte) Result {
	if r := CheckRange(mem, off, int64(len(p))); !r.OK() {
		return r
	}
	copy(p, mem[off:])
	return Ok
}

// WriteBytes copies p into mem starting at off.
func WriteBytes(mem []byte, off int64, p []byte) Result {
	if r := CheckRange(mem, off, int64(len(p))); !r.OK() {
		return r
	}
	copy(mem[off:], p)
	return Ok
}

// Fill sets n bytes starting at off to v.
func Fill(mem []byte, off int64, v byte, n int64) Result {
	if n <= 0 {
		return Of(MemoryOutOfBounds)
	}
	if r := CheckRange(mem, off, n); !r.OK() {
		return r
	}

	dst := mem[off : off+n]
	for i := range dst {
		dst[i] = v
	}
	return Ok
}

// PutCounter encodes an eventfd counter value into b.
func PutCounter(b []byte, v uint64) {
	binary.NativeEndian.PutUint64(b, v)
}

// Counter decodes an eventfd counter value from b.
func Counter(b []byte) uint64 {
	return binary.NativeEndian.Uint64(b)
}
