//go:build linux

package protocol

import (
	"errors"
	"fmt"
	"slices"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/TypicalAM/ivshmem/v2/internal/native"
	"github.com/TypicalAM/ivshmem/v2/internal/wire"
)

// EventKind tells connect and disconnect notifications apart.
type EventKind int

const (
	Connect EventKind = iota
	Disconnect
)

// String returns the lowercase event name.
func (k EventKind) String() string {
	if k == Connect {
		return "connect"
	}
	return "disconnect"
}

// Event is a peer state change produced by Apply.
type Event struct {
	Kind EventKind
	Peer int
	// Vectors is the peer's vector count after a connect.
	Vectors int
}

// Table tracks the eventfds of every other connected peer.
type Table struct {
	mu         sync.RWMutex
	self       int
	ownVectors int
	peers      map[int][]int
	closing    bool
}

// NewTable returns a table seeded with the peers found during the handshake.
// The table takes ownership of their descriptors.
func NewTable(h *Handshake) *Table {
	peers := h.Peers
	if peers == nil {
		peers = make(map[int][]int)
	}
	h.Peers = nil
	return &Table{self: h.PeerID, ownVectors: len(h.OwnVectors), peers: peers}
}

// Apply folds one steady-state record into the table. It reports false when
// the record changed nothing observable.
func (t *Table) Apply(rec wire.Record) (Event, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		rec.Close()
		return Event{}, false, nil
	}

	if rec.Value < 0 || rec.Value > MaxPeerID {
		rec.Close()
		return Event{}, false, fmt.Errorf("peer id %d: %w", rec.Value, native.Of(native.PeerInvalid).Err())
	}

	peer := int(rec.Value)
	if peer == t.self {
		rec.Close()
		return Event{}, false, fmt.Errorf("%w: late record for own peer %d", ErrProtocol, peer)
	}

	if !rec.HasFD() {
		fds, ok := t.peers[peer]
		if !ok {
			return Event{}, false, nil
		}
		delete(t.peers, peer)
		closeFDs(fds)
		return Event{Kind: Disconnect, Peer: peer}, true, nil
	}

	fds := append(t.peers[peer], rec.FD)
	if len(fds) > t.ownVectors {
		rec.Close()
		return Event{}, false, fmt.Errorf("%w: peer %d announced %d vectors, own count is %d",
			ErrProtocol, peer, len(fds), t.ownVectors)
	}
	t.peers[peer] = fds
	return Event{Kind: Connect, Peer: peer, Vectors: len(fds)}, true, nil
}

// Signal writes an interrupt to vector of peer.
func (t *Table) Signal(peer, vector int) error {
	if peer == t.self {
		return native.Of(native.CantSelfInterrupt).Err()
	}

	t.mu.RLock()
	defer t.mu.RUnlock()

	if t.closing {
		return native.Of(native.InvalidConnectionPointer).Err()
	}

	fds, ok := t.peers[peer]
	if !ok {
		return native.Of(native.PeerNotFound).Err()
	}
	if vector < 0 || vector >= len(fds) {
		return native.Of(native.InterruptVectorTooBig).Err()
	}

	return Notify(fds[vector])
}

// Peers returns the ids of all connected peers in ascending order.
func (t *Table) Peers() []int {
	t.mu.RLock()
	defer t.mu.RUnlock()

	ids := make([]int, 0, len(t.peers))
	for id := range t.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Vectors returns the number of vectors known for peer.
func (t *Table) Vectors(peer int) (int, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	fds, ok := t.peers[peer]
	return len(fds), ok
}

// Close discards every peer and rejects further records.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closing {
		return nil
	}
	t.closing = true

	var errs []error
	for peer, fds := range t.peers {
		if err := closeFDs(fds); err != nil {
			errs = append(errs, fmt.Errorf("peer %d: %w", peer, err))
		}
	}
	t.peers = nil
	return errors.Join(errs...)
}

// Notify raises one interrupt on an eventfd.
func Notify(fd int) error {
	var buf [8]byte
	native.PutCounter(buf[:], 1)
	for {
		n, err := unix.Write(fd, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err != nil {
			return native.FromErrno(native.InterruptSendError, err)
		}
		if n != len(buf) {
			return native.Of(native.InterruptSendError).Err()
		}
		return nil
	}
}

func closeFDs(fds []int) error {
	var errs []error
	for _, fd := range fds {
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
	}
	return errors.Join(errs...)
}
