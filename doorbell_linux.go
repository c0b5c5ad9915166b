//go:build linux

package ivshmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TypicalAM/ivshmem/v2/internal/irq"
	"github.com/TypicalAM/ivshmem/v2/internal/native"
	"github.com/TypicalAM/ivshmem/v2/internal/protocol"
	"github.com/TypicalAM/ivshmem/v2/internal/wire"
)

var (
	_ Memory     = (*Doorbell)(nil)
	_ Interrupts = (*Doorbell)(nil)
	_ Peers      = (*Doorbell)(nil)
	_ Memory     = (*Plain)(nil)
)

// Doorbell is shared memory obtained from an ivshmem-server. Next to the
// region it can interrupt other peers and reports peers joining and leaving.
type Doorbell struct {
	path   string
	peerID int
	region *Region
	opts   options

	conn   *wire.Conn
	engine *irq.Engine
	peers  *protocol.Table

	deferredMu sync.Mutex
	deferred   *wire.Record

	listeners listeners
	listening atomic.Bool
}

// Open connects to the ivshmem-server socket at path and performs the
// handshake. The handshake ends once the server stays silent for grace.
// Unless WithExecutor says otherwise, the interrupt and peer loops are
// started right away.
func Open(path string, grace time.Duration, opts ...Option) (*Doorbell, error) {
	if grace <= 0 {
		return nil, fmt.Errorf("grace period %v: %w", grace, ErrInvalidArgument)
	}
	o := buildOptions(opts)

	conn, err := wire.Dial(path)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", convert(err))
	}

	d, err := handshake(conn, grace, o)
	if err != nil {
		conn.Close()
		return nil, err
	}
	d.path = path

	o.log.Info("doorbell: connected", "path", path, "peer", d.peerID,
		"vectors", d.engine.Vectors(), "size", d.region.Size(), "peers", d.peers.Peers())

	if o.exec != nil {
		o.exec(func() { d.serve("receive interrupts", d.ReceiveInterrupts) })
		o.exec(func() { d.serve("listen for peers", d.ListenForPeers) })
	}
	return d, nil
}

func handshake(conn *wire.Conn, grace time.Duration, o options) (*Doorbell, error) {
	if err := conn.SetReadTimeout(grace); err != nil {
		return nil, err
	}

	h, err := protocol.ReadHandshake(conn)
	if err != nil {
		return nil, fmt.Errorf("handshake: %w", convert(err))
	}

	mem, err := mapDescriptor(h.MemFD)
	if err != nil {
		h.Close()
		return nil, err
	}
	unix.Close(h.MemFD)
	h.MemFD = -1

	if err := conn.SetReadTimeout(o.pollTimeout); err != nil {
		unix.Munmap(mem)
		h.Close()
		return nil, err
	}

	peers := protocol.NewTable(h)
	engine, err := irq.New(h.OwnVectors,
		irq.WithTimeout(o.pollTimeout),
		irq.WithErrorHandler(o.onError),
		irq.WithLogger(o.log))
	h.OwnVectors = nil
	if err != nil {
		unix.Munmap(mem)
		peers.Close()
		h.Close()
		return nil, fmt.Errorf("interrupt engine: %w", convert(err))
	}

	return &Doorbell{
		peerID:   h.PeerID,
		region:   newRegion(mem),
		opts:     o,
		conn:     conn,
		engine:   engine,
		peers:    peers,
		deferred: h.Deferred,
	}, nil
}

// mapDescriptor maps the shared region behind fd. The size comes from the
// descriptor itself.
func mapDescriptor(fd int) ([]byte, error) {
	var st unix.Stat_t
	if err := unix.Fstat(fd, &st); err != nil {
		return nil, native.FromErrno(native.ShmemFstat, err)
	}
	if st.Size <= 0 {
		return nil, fmt.Errorf("region size %d: %w", st.Size, ErrEmptyFile)
	}

	mem, err := unix.Mmap(fd, 0, int(st.Size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, native.FromErrno(native.ShmemMmap, err)
	}
	return mem, nil
}

func (d *Doorbell) serve(name string, loop func() error) {
	if err := loop(); err != nil && !errors.Is(err, ErrAlreadyPolling) {
		d.opts.onError(fmt.Errorf("%s: %w", name, err))
	}
}

// ReceiveInterrupts runs the interrupt dispatch loop until the doorbell is
// closed. A failure of the signaling channel closes the doorbell.
func (d *Doorbell) ReceiveInterrupts() error {
	err := d.engine.Run()
	if err == nil || errors.Is(err, irq.ErrAlreadyRunning) {
		return err
	}
	d.Close()
	return convert(err)
}

// ListenForPeers runs the peer tracking loop until the doorbell is closed.
// Malformed records and control channel failures close the doorbell.
func (d *Doorbell) ListenForPeers() error {
	if !d.listening.CompareAndSwap(false, true) {
		return ErrAlreadyPolling
	}
	defer d.listening.Store(false)

	d.deferredMu.Lock()
	rec := d.deferred
	d.deferred = nil
	d.deferredMu.Unlock()

	if rec != nil {
		if err := d.handle(func() (wire.Record, error) { return *rec, nil }); err != nil {
			d.Close()
			return err
		}
	}

	for !d.IsClosed() {
		err := d.handle(d.conn.ReadRecord)
		if errors.Is(err, wire.ErrTimeout) {
			continue
		}
		if err != nil {
			if d.IsClosed() {
				return nil
			}
			d.Close()
			return err
		}
	}
	return nil
}

// handle reads one record under the connection lock and notifies the
// listeners after releasing it, so listeners may close the doorbell.
func (d *Doorbell) handle(read func() (wire.Record, error)) error {
	ev, ok, err := d.apply(read)
	if err != nil || !ok {
		return err
	}

	for _, l := range d.listeners.snapshot() {
		d.notify(l, ev)
	}
	return nil
}

func (d *Doorbell) apply(read func() (wire.Record, error)) (protocol.Event, bool, error) {
	d.region.mu.RLock()
	defer d.region.mu.RUnlock()

	if d.IsClosed() {
		return protocol.Event{}, false, nil
	}

	rec, err := read()
	if err != nil {
		return protocol.Event{}, false, err
	}
	ev, ok, err := d.peers.Apply(rec)
	if err != nil {
		return ev, false, convert(err)
	}
	if ok {
		d.opts.log.Debug("doorbell: peer "+ev.Kind.String(), "peer", ev.Peer, "vectors", ev.Vectors)
	}
	return ev, ok, nil
}

func (d *Doorbell) notify(l PeerListener, ev protocol.Event) {
	defer func() {
		if r := recover(); r != nil {
			d.opts.onError(fmt.Errorf("peer listener panicked: %v", r))
		}
	}()

	if ev.Kind == protocol.Connect {
		l.OnConnect(ev.Peer, ev.Vectors)
	} else {
		l.OnDisconnect(ev.Peer)
	}
}

// Path returns the server socket path.
func (d *Doorbell) Path() string {
	return d.path
}

// Region returns the shared memory received from the server.
func (d *Doorbell) Region() *Region {
	return d.region
}

// SupportsInterrupts is always true for a doorbell.
func (d *Doorbell) SupportsInterrupts() bool {
	return true
}

// SupportsPeerTracking is always true for a doorbell.
func (d *Doorbell) SupportsPeerTracking() bool {
	return true
}

// OwnPeerID returns the id the server assigned to this process.
func (d *Doorbell) OwnPeerID() int {
	return d.peerID
}

// OwnVectors returns the number of vectors this process can be interrupted on.
func (d *Doorbell) OwnVectors() int {
	return d.engine.Vectors()
}

// IsVectorValid reports whether vector is one of the own vectors.
func (d *Doorbell) IsVectorValid(vector int) bool {
	return vector >= 0 && vector < d.engine.Vectors()
}

// Peers returns the ids of the other connected peers in ascending order.
func (d *Doorbell) Peers() []int {
	if d.IsClosed() {
		return nil
	}
	return d.peers.Peers()
}

// Vectors returns the number of vectors announced so far by peer.
func (d *Doorbell) Vectors(peer int) (int, error) {
	if d.IsClosed() {
		return 0, ErrClosed
	}
	n, ok := d.peers.Vectors(peer)
	if !ok {
		return 0, fmt.Errorf("peer %d: %w", peer, ErrPeerNotFound)
	}
	return n, nil
}

// IsPeerConnected reports whether peer is currently connected.
func (d *Doorbell) IsPeerConnected(peer int) bool {
	_, err := d.Vectors(peer)
	return err == nil
}

// SendInterrupt raises vector on peer.
func (d *Doorbell) SendInterrupt(peer, vector int) error {
	if d.IsClosed() {
		return ErrClosed
	}
	if err := d.peers.Signal(peer, vector); err != nil {
		return fmt.Errorf("interrupt peer %d vector %d: %w", peer, vector, convert(err))
	}
	return nil
}

// RegisterISR adds isr to the routines run for vector. Registering the same
// routine twice has no effect.
func (d *Doorbell) RegisterISR(vector int, isr ISR) error {
	if d.IsClosed() {
		return ErrClosed
	}
	if err := d.engine.Register(vector, isr); err != nil {
		if errors.Is(err, irq.ErrClosed) {
			return ErrClosed
		}
		return err
	}
	return nil
}

// RemoveISR detaches isr from vector. It is not invoked for any interrupt
// dispatched after RemoveISR returns.
func (d *Doorbell) RemoveISR(vector int, isr ISR) bool {
	return d.engine.Remove(vector, isr)
}

// RegisterPeerListener adds l to the listeners told about peers joining and
// leaving. Adding the same listener twice has no effect.
func (d *Doorbell) RegisterPeerListener(l PeerListener) {
	d.listeners.add(l)
}

// RemovePeerListener removes l and reports whether it was registered.
func (d *Doorbell) RemovePeerListener(l PeerListener) bool {
	return d.listeners.remove(l)
}

// IsClosed reports whether the doorbell was closed, by Close or by a failed loop.
func (d *Doorbell) IsClosed() bool {
	return d.region.IsClosed()
}

// Close stops both loops, disconnects from the server and unmaps the region.
// Teardown failures are reported to the error handler and returned; every
// step runs regardless. Later calls do nothing.
func (d *Doorbell) Close() error {
	if !d.region.markClosed() {
		return nil
	}

	var errs []error
	if err := d.engine.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close interrupts: %w", err))
	}

	err := d.region.teardown(func(mem []byte) error {
		var errs []error
		if err := d.conn.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close socket: %w", err))
		}
		if err := d.peers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peers: %w", err))
		}
		d.deferredMu.Lock()
		if d.deferred != nil {
			d.deferred.Close()
			d.deferred = nil
		}
		d.deferredMu.Unlock()
		if err := unix.Munmap(mem); err != nil {
			errs = append(errs, fmt.Errorf("munmap: %w", err))
		}
		return errors.Join(errs...)
	})
	if err != nil {
		errs = append(errs, err)
	}

	for _, err := range errs {
		d.opts.onError(err)
	}
	d.opts.log.Info("doorbell: closed", "path", d.path, "peer", d.peerID)
	return errors.Join(errs...)
}
