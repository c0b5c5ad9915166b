package ivshmem

import (
	"fmt"
	"time"

	"github.com/TypicalAM/ivshmem/v2/internal/native"
)

// Atomic is an integer of type T at a fixed offset of a Region.
type Atomic[T Integer] struct {
	region *Region
	off    int64
}

// NewAtomic binds an Atomic to off. The whole value must lie inside the
// region; 2, 4 and 8 byte values must be naturally aligned.
func NewAtomic[T Integer](r *Region, off int64) (*Atomic[T], error) {
	size := native.Size[T]()
	if !r.IsRangeValid(off, size) {
		return nil, fmt.Errorf("atomic at %d: %w", off, ErrOutOfBounds)
	}
	if off%size != 0 {
		return nil, fmt.Errorf("atomic at %d: %w", off, ErrUnaligned)
	}
	return &Atomic[T]{region: r, off: off}, nil
}

// Offset returns the position of the value in the region.
func (a *Atomic[T]) Offset() int64 {
	return a.off
}

// Load reads the value.
func (a *Atomic[T]) Load() (T, error) {
	return load[T](a.region, a.off)
}

// Store writes v.
func (a *Atomic[T]) Store(v T) error {
	return store(a.region, a.off, v)
}

// Add adds delta and returns the new value.
func (a *Atomic[T]) Add(delta T) (T, error) {
	old, err := fetchAdd(a.region, a.off, delta)
	if err != nil {
		return 0, err
	}
	return old + delta, nil
}

// Swap stores v and returns the previous value.
func (a *Atomic[T]) Swap(v T) (T, error) {
	return fetchSwap(a.region, a.off, v)
}

// CompareAndSwap stores new if the value is old.
func (a *Atomic[T]) CompareAndSwap(old, new T) (bool, error) {
	return compareAndSwap(a.region, a.off, old, new)
}

// WaitFor blocks until the value equals v, see Region.SpinWaitInt32.
func (a *Atomic[T]) WaitFor(v T, interval, timeout time.Duration) (bool, error) {
	return spinWait(a.region, a.off, v, interval, timeout)
}
