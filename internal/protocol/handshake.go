//go:build linux

package protocol

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/TypicalAM/ivshmem/v2/internal/native"
	"github.com/TypicalAM/ivshmem/v2/internal/wire"
)

// RecordReader is a source of control channel records.
type RecordReader interface {
	ReadRecord() (wire.Record, error)
}

// Handshake is the outcome of a successful handshake. The caller owns every
// descriptor in it.
type Handshake struct {
	PeerID int
	MemFD  int
	// OwnVectors holds one eventfd per own interrupt vector, in vector order.
	OwnVectors []int
	// Peers holds the eventfds of peers connected before this process.
	Peers map[int][]int
	// Deferred is the first record belonging to the steady state, if the
	// handshake consumed one.
	Deferred *wire.Record
}

// Close closes every descriptor held by the handshake.
func (h *Handshake) Close() error {
	var errs []error
	closeFD := func(fd int) {
		if fd < 0 {
			return
		}
		if err := unix.Close(fd); err != nil {
			errs = append(errs, fmt.Errorf("close fd %d: %w", fd, err))
		}
	}

	closeFD(h.MemFD)
	h.MemFD = -1
	for _, fd := range h.OwnVectors {
		closeFD(fd)
	}
	h.OwnVectors = nil
	for _, fds := range h.Peers {
		for _, fd := range fds {
			closeFD(fd)
		}
	}
	h.Peers = nil
	if h.Deferred != nil {
		if err := h.Deferred.Close(); err != nil {
			errs = append(errs, err)
		}
		h.Deferred = nil
	}
	return errors.Join(errs...)
}

// ReadHandshake consumes the handshake from r. The reader must time out with
// wire.ErrTimeout once the server stops sending, which ends the vector
// enumeration. On error every descriptor received so far is closed.
func ReadHandshake(r RecordReader) (*Handshake, error) {
	h := &Handshake{MemFD: -1, Peers: make(map[int][]int)}
	if err := h.read(r); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}

func (h *Handshake) read(r RecordReader) error {
	rec, err := readPrologue(r)
	if err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if rec.Value != 0 {
		return fmt.Errorf("version %d: %w", rec.Value, native.Of(native.UnknownProtocolVersion).Err())
	}

	rec, err = readPrologue(r)
	if err != nil {
		return fmt.Errorf("read peer id: %w", err)
	}
	if rec.Value < 0 || rec.Value > MaxPeerID {
		return fmt.Errorf("own peer id %d: %w", rec.Value, native.Of(native.PeerInvalid).Err())
	}
	h.PeerID = int(rec.Value)

	rec, err = r.ReadRecord()
	if err != nil {
		return fmt.Errorf("read region record: %w", translate(err))
	}
	if rec.Value != Magic {
		rec.Close()
		return fmt.Errorf("region record %#x: %w", uint64(rec.Value), native.Of(native.UnexpectedPacket).Err())
	}
	if !rec.HasFD() {
		return fmt.Errorf("region record: %w", native.Of(native.FDMissing).Err())
	}
	h.MemFD = rec.FD

	for {
		rec, err := r.ReadRecord()
		if errors.Is(err, wire.ErrTimeout) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read vector record: %w", translate(err))
		}

		if rec.Value < 0 || rec.Value > MaxPeerID {
			rec.Close()
			return fmt.Errorf("peer id %d: %w", rec.Value, native.Of(native.PeerInvalid).Err())
		}

		// The server lists the other peers before our own vectors, so a
		// foreign record after them is already live traffic.
		peer := int(rec.Value)
		if peer != h.PeerID && len(h.OwnVectors) > 0 {
			h.Deferred = &rec
			return nil
		}

		if !rec.HasFD() {
			return fmt.Errorf("%w: disconnect of peer %d during handshake", ErrProtocol, peer)
		}
		if peer == h.PeerID {
			h.OwnVectors = append(h.OwnVectors, rec.FD)
		} else {
			h.Peers[peer] = append(h.Peers[peer], rec.FD)
		}
	}
}

// readPrologue reads one of the two leading records, which never carry a
// descriptor.
func readPrologue(r RecordReader) (wire.Record, error) {
	rec, err := r.ReadRecord()
	if err != nil {
		return rec, translate(err)
	}
	if rec.HasFD() {
		rec.Close()
		return rec, native.Of(native.UnexpectedPacket).Err()
	}
	return rec, nil
}

func translate(err error) error {
	if errors.Is(err, wire.ErrTimeout) {
		return native.Of(native.PacketTimeout).Err()
	}
	if errors.Is(err, wire.ErrShortRecord) {
		return fmt.Errorf("%w: %w", native.Of(native.PacketTooShort).Err(), err)
	}
	return err
}
