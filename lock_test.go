package ivshmem

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// fakeBus connects fake signalers the way a doorbell server would: an
// interrupt sent to a peer runs the routines that peer registered.
type fakeBus struct {
	mu   sync.Mutex
	isrs map[int][]ISR
}

type fakeSignaler struct {
	bus  *fakeBus
	id   int
	sent []int
	gone map[int]bool
	fail error
}

func newFakeBus() *fakeBus {
	return &fakeBus{isrs: make(map[int][]ISR)}
}

func (b *fakeBus) signaler(id int) *fakeSignaler {
	return &fakeSignaler{bus: b, id: id, gone: make(map[int]bool)}
}

func (s *fakeSignaler) SendInterrupt(peer, vector int) error {
	s.bus.mu.Lock()
	s.sent = append(s.sent, peer)
	if s.fail != nil {
		s.bus.mu.Unlock()
		return s.fail
	}
	if s.gone[peer] {
		s.bus.mu.Unlock()
		return ErrPeerNotFound
	}
	isrs := slices.Clone(s.bus.isrs[peer])
	s.bus.mu.Unlock()

	for _, isr := range isrs {
		isr.OnInterrupt(vector)
	}
	return nil
}

func (s *fakeSignaler) RegisterISR(vector int, isr ISR) error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	if !slices.Contains(s.bus.isrs[s.id], isr) {
		s.bus.isrs[s.id] = append(s.bus.isrs[s.id], isr)
	}
	return nil
}

func (s *fakeSignaler) RemoveISR(vector int, isr ISR) bool {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	i := slices.Index(s.bus.isrs[s.id], isr)
	if i < 0 {
		return false
	}
	s.bus.isrs[s.id] = slices.Delete(s.bus.isrs[s.id], i, i+1)
	return true
}

func (s *fakeSignaler) sentTo() []int {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	return slices.Clone(s.sent)
}

func newTestLock(t *testing.T, r *Region, opts ...LockOption) *Lock {
	t.Helper()
	l, err := NewLock(r, 0, opts...)
	if err != nil {
		t.Fatalf("Failed to create lock: %v", err)
	}
	return l
}

func TestLockMutualExclusion(t *testing.T) {
	r := newTestRegion(t, 64)
	bus := newFakeBus()

	const workers = 4
	const rounds = 200

	var g errgroup.Group
	for id := 1; id <= workers; id++ {
		l := newTestLock(t, r, WithInterrupts(bus.signaler(id), 0), WithSpinInterval(time.Millisecond))
		for peer := 1; peer <= workers; peer++ {
			if peer != id {
				l.AddPeer(peer)
			}
		}

		g.Go(func() error {
			for range rounds {
				if err := l.Acquire(); err != nil {
					return err
				}
				// Unsynchronized read-modify-write guarded only by the lock.
				v, _ := r.ReadInt64(8)
				r.WriteInt64(8, v+1)
				if err := l.Release(); err != nil {
					return err
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatalf("Worker failed: %v", err)
	}
	if v, _ := r.ReadInt64(8); v != workers*rounds {
		t.Errorf("Expected counter %d, got %d", workers*rounds, v)
	}
	if v, _ := r.ReadInt32(0); v != 0 {
		t.Errorf("Expected free lock cell, got %d", v)
	}
}

func TestLockReentrant(t *testing.T) {
	r := newTestRegion(t, 16)
	l := newTestLock(t, r)
	other := newTestLock(t, r)

	for i := 1; i <= 3; i++ {
		if err := l.Acquire(); err != nil {
			t.Fatalf("Failed nested acquire %d: %v", i, err)
		}
		if v, _ := r.ReadInt32(0); v != int32(i) {
			t.Errorf("Expected cell %d, got %d", i, v)
		}
	}
	if l.HoldCount() != 3 {
		t.Errorf("Expected hold count 3, got %d", l.HoldCount())
	}

	if ok, err := other.TryAcquire(); ok || err != nil {
		t.Fatalf("Expected other handle to fail without error, got %v %v", ok, err)
	}

	for i := 2; i >= 0; i-- {
		if err := l.Release(); err != nil {
			t.Fatalf("Failed release: %v", err)
		}
		if v, _ := r.ReadInt32(0); v != int32(i) {
			t.Errorf("Expected cell %d, got %d", i, v)
		}
	}
	if err := l.Release(); !errors.Is(err, ErrNotHeld) {
		t.Errorf("Expected ErrNotHeld, got %v", err)
	}

	if ok, err := other.TryAcquire(); !ok || err != nil {
		t.Fatalf("Expected other handle to acquire the free lock, got %v %v", ok, err)
	}
}

func TestLockValueIsOneOwner(t *testing.T) {
	r := newTestRegion(t, 16)
	l := newTestLock(t, r)
	other := newTestLock(t, r)

	if err := l.Acquire(); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}

	// A second goroutine using the same value nests instead of waiting.
	done := make(chan error, 1)
	go func() { done <- l.Acquire() }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Failed nested acquire from another goroutine: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Acquire on a held value blocked")
	}
	if l.HoldCount() != 2 {
		t.Errorf("Expected hold count 2, got %d", l.HoldCount())
	}
	if v, _ := r.ReadInt32(0); v != 2 {
		t.Errorf("Expected cell 2, got %d", v)
	}

	// Separate values over the same cell still exclude each other.
	if ok, err := other.TryAcquire(); ok || err != nil {
		t.Errorf("Expected separate value to be kept out, got %v %v", ok, err)
	}
	l.Release()
	l.Release()
	if ok, err := other.TryAcquire(); !ok || err != nil {
		t.Errorf("Expected separate value to get the free lock, got %v %v", ok, err)
	}
}

func TestLockCorruption(t *testing.T) {
	r := newTestRegion(t, 16)
	sig := newFakeBus().signaler(1)
	l := newTestLock(t, r, WithInterrupts(sig, 0))
	l.AddPeer(2)

	if err := l.Acquire(); err != nil {
		t.Fatalf("Failed to acquire: %v", err)
	}
	r.WriteInt32(0, 5)

	if err := l.Acquire(); !errors.Is(err, ErrLockBroken) {
		t.Fatalf("Expected ErrLockBroken, got %v", err)
	}
	if !l.IsBroken() {
		t.Error("Expected lock to be broken")
	}
	if v, _ := r.ReadInt32(0); v != brokenSentinel {
		t.Errorf("Expected broken sentinel in cell, got %d", v)
	}
	if !slices.Contains(sig.sentTo(), 2) {
		t.Error("Expected peers to be notified of the broken lock")
	}
	if err := l.Acquire(); !errors.Is(err, ErrLockBroken) {
		t.Errorf("Expected acquire to keep failing, got %v", err)
	}

	other := newTestLock(t, r)
	if ok, err := other.TryAcquire(); ok || !errors.Is(err, ErrLockBroken) {
		t.Errorf("Expected other handle to see broken cell, got %v %v", ok, err)
	}
}

func TestLockReleaseDetectsCorruption(t *testing.T) {
	r := newTestRegion(t, 16)
	l := newTestLock(t, r)

	l.Acquire()
	r.WriteInt32(0, 3)
	if err := l.Release(); !errors.Is(err, ErrLockBroken) {
		t.Errorf("Expected ErrLockBroken, got %v", err)
	}
	if l.HoldCount() != 0 {
		t.Errorf("Expected local hold to be dropped, got %d", l.HoldCount())
	}
}

func TestLockReleaseNotifiesPeers(t *testing.T) {
	r := newTestRegion(t, 16)
	sig := newFakeBus().signaler(1)
	sig.gone[3] = true
	l := newTestLock(t, r, WithInterrupts(sig, 0))
	l.AddPeer(2)
	l.AddPeer(3)
	l.AddPeer(2)

	l.Acquire()
	l.Acquire()
	l.Release()
	if len(sig.sentTo()) != 0 {
		t.Errorf("Expected no wakeups for nested release, got %v", sig.sentTo())
	}
	if err := l.Release(); err != nil {
		t.Fatalf("Expected release to skip departed peer, got %v", err)
	}
	if got := sig.sentTo(); !slices.Equal(got, []int{2, 3}) {
		t.Errorf("Expected wakeups for [2 3], got %v", got)
	}

	if !l.RemovePeer(3) || l.RemovePeer(3) {
		t.Error("Expected RemovePeer to report membership")
	}
	if !slices.Equal(l.Peers(), []int{2}) {
		t.Errorf("Expected peers [2], got %v", l.Peers())
	}

	sig.fail = errors.New("boom")
	l.Acquire()
	if err := l.Release(); !errors.Is(err, ErrLockBroken) {
		t.Errorf("Expected failed wakeup to break the lock, got %v", err)
	}
	if l.HoldCount() != 0 {
		t.Error("Expected the critical section to be left anyway")
	}
}

func TestLockTryAcquireTimeout(t *testing.T) {
	r := newTestRegion(t, 16)
	bus := newFakeBus()
	holder := newTestLock(t, r, WithInterrupts(bus.signaler(1), 0))
	holder.AddPeer(2)
	waiter := newTestLock(t, r, WithInterrupts(bus.signaler(2), 0), WithSpinInterval(time.Hour))

	holder.Acquire()
	start := time.Now()
	if ok, err := waiter.TryAcquireTimeout(20 * time.Millisecond); ok || err != nil {
		t.Fatalf("Expected timeout, got %v %v", ok, err)
	}
	if time.Since(start) < 20*time.Millisecond {
		t.Error("Returned before the timeout elapsed")
	}

	go func() {
		time.Sleep(20 * time.Millisecond)
		holder.Release()
	}()

	// The spin interval is an hour, so only the wake interrupt can get us in.
	ok, err := waiter.TryAcquireTimeout(10 * time.Second)
	if err != nil || !ok {
		t.Fatalf("Expected acquire after release, got %v %v", ok, err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("Waiter was not woken by the release interrupt")
	}
}

func TestLockAcquireContext(t *testing.T) {
	r := newTestRegion(t, 16)
	holder := newTestLock(t, r)
	waiter := newTestLock(t, r, WithSpinInterval(time.Millisecond))

	holder.Acquire()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := waiter.AcquireContext(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Expected deadline exceeded, got %v", err)
	}
	if waiter.HoldCount() != 0 {
		t.Error("Expected abandoned acquire to hold nothing")
	}
}

func TestNewLockValidation(t *testing.T) {
	r := newTestRegion(t, 16)
	if _, err := NewLock(r, 14); !errors.Is(err, ErrOutOfBounds) {
		t.Errorf("Expected ErrOutOfBounds, got %v", err)
	}
	if _, err := NewLock(r, 2); !errors.Is(err, ErrUnaligned) {
		t.Errorf("Expected ErrUnaligned, got %v", err)
	}
}
