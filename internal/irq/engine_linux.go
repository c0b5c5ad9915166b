//go:build linux

package irq

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TypicalAM/ivshmem/v2/internal/native"
)

// DefaultTimeout bounds a single wait so Close is noticed without a signal.
const DefaultTimeout = 2 * time.Second

type routines struct {
	mu   sync.Mutex
	list []ISR
}

func (r *routines) snapshot() []ISR {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.list)
}

// Option configures an Engine.
type Option func(*Engine)

// WithTimeout sets the upper bound of a single wait.
func WithTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithErrorHandler sets the sink for panics raised by routines.
func WithErrorHandler(h func(error)) Option {
	return func(e *Engine) {
		if h != nil {
			e.onError = h
		}
	}
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// Engine waits on a set of eventfds, one per vector.
type Engine struct {
	fds     []int
	vectors map[int32]int
	isrs    []routines

	// mu is held for reading around every wait and for writing by Close.
	mu      sync.RWMutex
	epfd    int
	closed  atomic.Bool
	running atomic.Bool
	events  []unix.EpollEvent

	timeout time.Duration
	onError func(error)
	log     *slog.Logger
}

// New creates an engine over fds. The engine takes ownership of the
// descriptors and closes them in Close, also when New fails.
func New(fds []int, opts ...Option) (*Engine, error) {
	e := &Engine{
		fds:     fds,
		vectors: make(map[int32]int, len(fds)),
		isrs:    make([]routines, len(fds)),
		epfd:    -1,
		timeout: DefaultTimeout,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.onError == nil {
		e.onError = func(err error) {
			e.log.Error("irq: uncaught error", "error", err)
		}
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		e.closeFDs()
		return nil, native.FromErrno(native.InterruptReceiveError, err)
	}
	e.epfd = epfd

	for vector, fd := range fds {
		ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
		if err := unix.EpollCtl(epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
			e.Close()
			return nil, fmt.Errorf("watch vector %d: %w", vector, native.FromErrno(native.InterruptReceiveError, err))
		}
		e.vectors[int32(fd)] = vector
	}
	e.events = make([]unix.EpollEvent, max(len(fds), 1))

	return e, nil
}

// Vectors returns the number of vectors served.
func (e *Engine) Vectors() int {
	return len(e.fds)
}

// Register appends isr to the routines of vector. Registering the same
// routine twice has no effect.
func (e *Engine) Register(vector int, isr ISR) error {
	if vector < 0 || vector >= len(e.isrs) {
		return fmt.Errorf("%w: %d of %d", ErrInvalidVector, vector, len(e.isrs))
	}
	if e.closed.Load() {
		return ErrClosed
	}

	r := &e.isrs[vector]
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.list, isr) {
		r.list = append(r.list, isr)
	}
	return nil
}

// Remove detaches isr from vector and reports whether it was registered.
func (e *Engine) Remove(vector int, isr ISR) bool {
	if vector < 0 || vector >= len(e.isrs) {
		return false
	}

	r := &e.isrs[vector]
	r.mu.Lock()
	defer r.mu.Unlock()
	i := slices.Index(r.list, isr)
	if i < 0 {
		return false
	}
	r.list = slices.Delete(r.list, i, i+1)
	return true
}

type pending struct {
	vector int
	count  uint64
}

// Run dispatches interrupts until the engine is closed, which returns nil,
// or until waiting fails. Only one Run may be active at a time.
func (e *Engine) Run() error {
	if !e.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer e.running.Store(false)

	for !e.closed.Load() {
		ready, err := e.wait()
		if err != nil {
			if e.closed.Load() {
				return nil
			}
			return err
		}

		for _, p := range ready {
			for i := uint64(0); i < p.count; i++ {
				e.dispatch(p.vector)
			}
		}
	}
	return nil
}

// Running reports whether a dispatch loop is active.
func (e *Engine) Running() bool {
	return e.running.Load()
}

func (e *Engine) wait() ([]pending, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed.Load() {
		return nil, nil
	}

	n, err := unix.EpollWait(e.epfd, e.events, int(e.timeout.Milliseconds()))
	if err == unix.EINTR {
		return nil, nil
	}
	if err != nil {
		return nil, native.FromErrno(native.InterruptReceiveError, err)
	}

	var ready []pending
	var buf [8]byte
	for _, ev := range e.events[:n] {
		vector := e.vectors[ev.Fd]
		if ev.Events&(unix.EPOLLERR|unix.EPOLLHUP) != 0 && ev.Events&unix.EPOLLIN == 0 {
			return ready, fmt.Errorf("vector %d: %w", vector, native.Of(native.InterruptVectorClosed).Err())
		}

		rn, err := unix.Read(int(ev.Fd), buf[:])
		if err == unix.EAGAIN || err == unix.EINTR {
			continue
		}
		if err != nil {
			return ready, fmt.Errorf("vector %d: %w", vector, native.FromErrno(native.InterruptReceiveError, err))
		}
		if rn != len(buf) {
			return ready, fmt.Errorf("vector %d: %w", vector, native.Of(native.PacketTooShort).Err())
		}

		ready = append(ready, pending{vector: vector, count: max(native.Counter(buf[:]), 1)})
	}
	return ready, nil
}

func (e *Engine) dispatch(vector int) {
	for _, isr := range e.isrs[vector].snapshot() {
		e.invoke(vector, isr)
	}
}

func (e *Engine) invoke(vector int, isr ISR) {
	defer func() {
		if r := recover(); r != nil {
			e.onError(fmt.Errorf("irq: routine for vector %d panicked: %v", vector, r))
		}
	}()
	isr.OnInterrupt(vector)
}

// Closed reports whether Close has been called.
func (e *Engine) Closed() bool {
	return e.closed.Load()
}

// Close stops the dispatch loop within one wait timeout and releases every
// descriptor. Subsequent calls return nil.
func (e *Engine) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if e.epfd >= 0 {
		if err := unix.Close(e.epfd); err != nil {
			errs = append(errs, fmt.Errorf("close epoll: %w", err))
		}
		e.epfd = -1
	}
	if err := e.closeFDs(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (e *Engine) closeFDs() error {
	var errs []error
	for vector, fd := range e.fds {
		if fd < 0 {
			continue
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close vector %d: %w", vector, err))
		}
		e.fds[vector] = -1
	}
	return errors.Join(errs...)
}
