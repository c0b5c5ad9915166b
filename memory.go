package ivshmem

import (
	"sync"

	"github.com/TypicalAM/ivshmem/v2/internal/irq"
)

// Memory is an open shared memory mapping, either plain or doorbell backed.
type Memory interface {
	// Region returns the accessor for the mapped window.
	Region() *Region
	// SupportsInterrupts reports whether the memory also implements Interrupts.
	SupportsInterrupts() bool
	// SupportsPeerTracking reports whether the memory also implements Peers.
	SupportsPeerTracking() bool
	IsClosed() bool
	Close() error
}

// ISR is a routine invoked once per interrupt received on a vector.
// Implementations must be comparable so they can be removed again.
type ISR = irq.ISR

// ISRFunc adapts fn to an ISR. Every call returns a distinct routine, keep
// the result to remove it later.
func ISRFunc(fn func(vector int)) ISR {
	return irq.Func(fn)
}

// Interrupts is implemented by memory that can signal other peers.
type Interrupts interface {
	SendInterrupt(peer, vector int) error
	RegisterISR(vector int, isr ISR) error
	RemoveISR(vector int, isr ISR) bool
	OwnVectors() int
	IsVectorValid(vector int) bool
}

// Peers is implemented by memory that tracks the other connected peers.
type Peers interface {
	OwnPeerID() int
	Peers() []int
	Vectors(peer int) (int, error)
	IsPeerConnected(peer int) bool
	RegisterPeerListener(l PeerListener)
	RemovePeerListener(l PeerListener) bool
}

// PeerListener observes peers joining and leaving. OnConnect may be called
// several times for one peer with a growing vector count.
type PeerListener interface {
	OnConnect(peer, vectors int)
	OnDisconnect(peer int)
}

// PeerFuncs adapts a pair of functions to a PeerListener. Either may be nil.
// Register a pointer so the listener can be removed again.
type PeerFuncs struct {
	Connect    func(peer, vectors int)
	Disconnect func(peer int)
}

// OnConnect calls Connect if set.
func (f *PeerFuncs) OnConnect(peer, vectors int) {
	if f.Connect != nil {
		f.Connect(peer, vectors)
	}
}

// OnDisconnect calls Disconnect if set.
func (f *PeerFuncs) OnDisconnect(peer int) {
	if f.Disconnect != nil {
		f.Disconnect(peer)
	}
}

// listeners is an ordered set of peer listeners.
type listeners struct {
	mu   sync.Mutex
	list []PeerListener
}

func (l *listeners) add(pl PeerListener) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, have := range l.list {
		if have == pl {
			return
		}
	}
	l.list = append(l.list, pl)
}

func (l *listeners) remove(pl PeerListener) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, have := range l.list {
		if have == pl {
			l.list = append(l.list[:i:i], l.list[i+1:]...)
			return true
		}
	}
	return false
}

func (l *listeners) snapshot() []PeerListener {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]PeerListener(nil), l.list...)
}
