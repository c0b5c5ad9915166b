package ivshmem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSpinInterval is how long a waiting Lock sleeps between attempts when
// no wake interrupt arrives.
const DefaultSpinInterval = 10 * time.Millisecond

// brokenSentinel is written into the lock cell once the lock is broken.
const brokenSentinel int32 = -1

// Signaler is the part of Interrupts a Lock needs to wake up waiters.
type Signaler interface {
	SendInterrupt(peer, vector int) error
	RegisterISR(vector int, isr ISR) error
	RemoveISR(vector int, isr ISR) bool
}

// LockOption configures NewLock.
type LockOption func(*Lock)

// WithInterrupts makes waiters sleep until vector is interrupted instead of
// polling the cell at the spin interval only.
func WithInterrupts(s Signaler, vector int) LockOption {
	return func(l *Lock) {
		l.sig = s
		l.vector = vector
	}
}

// WithSpinInterval sets the upper bound of a single wait between attempts.
// Zero or less makes waiters spin.
func WithSpinInterval(d time.Duration) LockOption {
	return func(l *Lock) {
		l.spin = d
	}
}

// WithLockLogger sets the logger used to report a broken lock.
func WithLockLogger(log *slog.Logger) LockOption {
	return func(l *Lock) {
		if log != nil {
			l.log = log
		}
	}
}

// Lock is a reentrant lock over one 32-bit cell of a Region, shared by every
// process mapping the region. The cell holds the hold count, zero when free.
//
// Reentrancy belongs to the Lock value: nested Acquire calls on the same
// value succeed immediately, whichever goroutine makes them. A Lock value is
// therefore one owner and gives no exclusion between goroutines sharing it.
// Goroutines that must exclude each other use separate Lock values over the
// same cell.
type Lock struct {
	region *Region
	off    int64

	// mu guards holds.
	mu     sync.Mutex
	holds  int32
	broken atomic.Bool

	sig    Signaler
	vector int
	spin   time.Duration
	wake   chan struct{}
	isr    ISR

	peersMu sync.Mutex
	peers   []int

	log *slog.Logger
}

// NewLock returns a lock over the 4-byte aligned cell at off.
func NewLock(r *Region, off int64, opts ...LockOption) (*Lock, error) {
	if !r.IsRangeValid(off, 4) {
		return nil, fmt.Errorf("lock cell at %d: %w", off, ErrOutOfBounds)
	}
	if off%4 != 0 {
		return nil, fmt.Errorf("lock cell at %d: %w", off, ErrUnaligned)
	}

	l := &Lock{
		region: r,
		off:    off,
		spin:   DefaultSpinInterval,
		wake:   make(chan struct{}, 1),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.sig != nil {
		if iv, ok := l.sig.(Interrupts); ok && !iv.IsVectorValid(l.vector) {
			return nil, fmt.Errorf("wake vector %d: %w", l.vector, ErrInvalidVector)
		}
	}

	l.isr = ISRFunc(func(int) {
		select {
		case l.wake <- struct{}{}:
		default:
		}
	})
	return l, nil
}

// Acquire blocks until the lock is held. It fails only if the lock is broken
// or the region is unusable. If l is already held the call nests, even when
// it comes from another goroutine.
func (l *Lock) Acquire() error {
	_, err := l.acquire(context.Background(), time.Time{})
	return err
}

// AcquireContext is Acquire that gives up with ctx.Err() once ctx is done.
func (l *Lock) AcquireContext(ctx context.Context) error {
	_, err := l.acquire(ctx, time.Time{})
	return err
}

// TryAcquire takes the lock only if that is possible without waiting.
func (l *Lock) TryAcquire() (bool, error) {
	return l.acquire(context.Background(), time.Now())
}

// TryAcquireTimeout waits at most d for the lock.
func (l *Lock) TryAcquireTimeout(d time.Duration) (bool, error) {
	return l.acquire(context.Background(), time.Now().Add(d))
}

func (l *Lock) acquire(ctx context.Context, deadline time.Time) (bool, error) {
	if l.broken.Load() {
		return false, ErrLockBroken
	}

	if ok, err := l.reenter(); ok || err != nil {
		return ok, err
	}

	for {
		ok, err := l.attempt()
		if ok || err != nil {
			return ok, err
		}

		if !deadline.IsZero() && !time.Now().Before(deadline) {
			return false, nil
		}

		ok, err = l.wait(ctx, deadline)
		if ok || err != nil {
			return ok, err
		}
	}
}

// reenter bumps the hold count if this Lock already holds the cell.
func (l *Lock) reenter() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holds == 0 {
		return false, nil
	}

	ok, err := l.region.CompareAndSwapInt32(l.off, l.holds, l.holds+1)
	if err != nil {
		return false, err
	}
	if !ok {
		l.markBroken("hold count changed while held")
		return false, ErrLockBroken
	}
	l.holds++
	return true, nil
}

// attempt makes one try at taking the free cell.
func (l *Lock) attempt() (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.broken.Load() {
		return false, ErrLockBroken
	}
	if l.holds > 0 {
		// Held since reenter looked; the next Acquire on l nests.
		return false, nil
	}

	ok, err := l.region.CompareAndSwapInt32(l.off, 0, 1)
	if err != nil {
		return false, err
	}
	if ok {
		l.holds = 1
		return true, nil
	}

	v, err := l.region.ReadInt32(l.off)
	if err != nil {
		return false, err
	}
	if v < 0 {
		l.broken.Store(true)
		return false, ErrLockBroken
	}
	return false, nil
}

// wait sleeps until a wake interrupt, the spin interval or the deadline. The
// routine is registered before a last attempt so a release in between is not
// missed, and removed again before returning.
func (l *Lock) wait(ctx context.Context, deadline time.Time) (bool, error) {
	registered := false
	if l.sig != nil {
		if err := l.sig.RegisterISR(l.vector, l.isr); err == nil {
			registered = true
			defer l.sig.RemoveISR(l.vector, l.isr)
		}
	}

	if registered {
		if ok, err := l.attempt(); ok || err != nil {
			return ok, err
		}
	}

	d := l.spin
	if !deadline.IsZero() {
		d = min(d, time.Until(deadline))
	}
	if d <= 0 {
		if err := ctx.Err(); err != nil {
			return false, err
		}
		runtime.Gosched()
		return false, nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-l.wake:
	case <-timer.C:
	case <-ctx.Done():
		return false, ctx.Err()
	}
	return false, nil
}

// Release drops one hold. Releasing the last hold frees the cell and wakes
// every peer added with AddPeer. Peers that are gone are skipped.
func (l *Lock) Release() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.holds == 0 {
		return ErrNotHeld
	}
	if l.broken.Load() {
		l.holds--
		return ErrLockBroken
	}

	old, err := l.region.FetchAddInt32(l.off, -1)
	if err != nil {
		l.holds--
		return err
	}
	if old != l.holds {
		l.holds--
		l.markBroken("hold count changed before release")
		return ErrLockBroken
	}

	l.holds--
	if l.holds > 0 {
		return nil
	}

	if err := l.notifyPeers(); err != nil {
		l.markBroken("wake interrupt failed")
		return fmt.Errorf("%w: %w", ErrLockBroken, err)
	}
	return nil
}

func (l *Lock) notifyPeers() error {
	if l.sig == nil {
		return nil
	}

	var errs []error
	for _, peer := range l.Peers() {
		err := l.sig.SendInterrupt(peer, l.vector)
		if err != nil && !errors.Is(err, ErrPeerNotFound) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// markBroken makes the lock permanently unusable and tells the other peers.
// The cell is overwritten so they see it too.
func (l *Lock) markBroken(reason string) {
	if !l.broken.CompareAndSwap(false, true) {
		return
	}

	l.log.Warn("lock: broken", "offset", l.off, "reason", reason)
	if err := l.region.WriteInt32(l.off, brokenSentinel); err != nil {
		l.log.Warn("lock: cannot mark cell broken", "offset", l.off, "error", err)
	}
	if err := l.notifyPeers(); err != nil {
		l.log.Warn("lock: cannot notify peers", "offset", l.off, "error", err)
	}
}

// AddPeer adds peer to the set woken on release.
func (l *Lock) AddPeer(peer int) {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	if !slices.Contains(l.peers, peer) {
		l.peers = append(l.peers, peer)
	}
}

// RemovePeer removes peer from the set woken on release.
func (l *Lock) RemovePeer(peer int) bool {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	i := slices.Index(l.peers, peer)
	if i < 0 {
		return false
	}
	l.peers = slices.Delete(l.peers, i, i+1)
	return true
}

// Peers returns the peers woken on release.
func (l *Lock) Peers() []int {
	l.peersMu.Lock()
	defer l.peersMu.Unlock()
	return slices.Clone(l.peers)
}

// IsBroken reports whether the lock observed an inconsistent cell.
func (l *Lock) IsBroken() bool {
	return l.broken.Load()
}

// HoldCount returns the number of holds of this Lock.
func (l *Lock) HoldCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.holds)
}

// Offset returns the position of the lock cell.
func (l *Lock) Offset() int64 {
	return l.off
}
