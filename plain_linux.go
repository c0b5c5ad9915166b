//go:build linux

package ivshmem

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Plain is shared memory backed by a file, such as a host side
// /dev/shm object or a guest's ivshmem-plain PCI BAR. It has no signaling
// channel.
type Plain struct {
	path   string
	region *Region
}

// OpenPlain maps the whole of an existing, non-empty file.
func OpenPlain(path string) (*Plain, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() == 0 {
		return nil, fmt.Errorf("%s: %w", path, ErrEmptyFile)
	}

	return mapPlain(path, file, info.Size())
}

// CreatePlain opens path, creating it if needed, grows it to at least size
// bytes and maps it.
func CreatePlain(path string, size int64) (*Plain, error) {
	if size <= 0 {
		return nil, fmt.Errorf("size %d: %w", size, ErrInvalidArgument)
	}

	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	if info.Size() < size {
		if err := file.Truncate(size); err != nil {
			return nil, fmt.Errorf("set file size: %w", err)
		}
	} else {
		size = info.Size()
	}

	return mapPlain(path, file, size)
}

func mapPlain(path string, file *os.File, size int64) (*Plain, error) {
	sharedMem, err := unix.Mmap(int(file.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}

	return &Plain{path: path, region: newRegion(sharedMem)}, nil
}

// Path returns the path of the backing file.
func (p *Plain) Path() string {
	return p.path
}

// Size returns the size of the shared memory in bytes.
func (p *Plain) Size() int64 {
	return p.region.Size()
}

// Region returns the mapped memory.
func (p *Plain) Region() *Region {
	return p.region
}

// SupportsInterrupts is always false, a plain file has no doorbell.
func (p *Plain) SupportsInterrupts() bool {
	return false
}

// SupportsPeerTracking is always false.
func (p *Plain) SupportsPeerTracking() bool {
	return false
}

// IsClosed reports whether Close was called.
func (p *Plain) IsClosed() bool {
	return p.region.IsClosed()
}

// Sync makes sure the changes made to the shared memory are written back to
// the file.
func (p *Plain) Sync() error {
	if p.region.IsClosed() {
		return ErrClosed
	}

	p.region.mu.RLock()
	defer p.region.mu.RUnlock()
	if p.region.mem == nil {
		return ErrClosed
	}
	if err := unix.Msync(p.region.mem, unix.MS_SYNC); err != nil {
		return fmt.Errorf("msync: %w", err)
	}
	return nil
}

// Close unmaps the memory. Later calls do nothing.
func (p *Plain) Close() error {
	if !p.region.markClosed() {
		return nil
	}

	return p.region.teardown(func(mem []byte) error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		return nil
	})
}
