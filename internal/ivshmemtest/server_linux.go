//go:build linux

// Package ivshmemtest runs an in-process ivshmem-server for tests. It speaks
// the same protocol as the QEMU server: every client gets a peer id, the
// memfd of the shared region and one eventfd per vector, and is told about
// every other client joining and leaving.
package ivshmemtest

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

// Magic precedes the shared memory descriptor.
const Magic int64 = -1

type client struct {
	id      int
	conn    *net.UnixConn
	vectors []int
}

// Server is a fake ivshmem-server listening on a unix socket.
type Server struct {
	path    string
	ln      *net.UnixListener
	memfd   int
	size    int64
	vectors int

	mu      sync.Mutex
	nextID  int
	clients map[int]*client
	joined  chan int
	wg      sync.WaitGroup
	closed  bool
}

// NewServer starts a server offering size bytes of memory and vectors
// interrupt vectors per client. It is closed when the test ends.
func NewServer(t testing.TB, size int64, vectors int) *Server {
	t.Helper()

	// sun_path is short, stay clear of t.TempDir's long names.
	dir, err := os.MkdirTemp("", "ivshmem")
	if err != nil {
		t.Fatalf("Failed to create socket dir: %v", err)
	}

	s, err := Listen(filepath.Join(dir, "server.sock"), size, vectors)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatalf("Failed to start server: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
		os.RemoveAll(dir)
	})
	return s
}

// Listen starts a server on path.
func Listen(path string, size int64, vectors int) (*Server, error) {
	memfd, err := unix.MemfdCreate("ivshmem", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd create: %w", err)
	}
	if err := unix.Ftruncate(memfd, size); err != nil {
		unix.Close(memfd)
		return nil, fmt.Errorf("set memory size: %w", err)
	}

	ln, err := net.ListenUnix("unix", &net.UnixAddr{Name: path, Net: "unix"})
	if err != nil {
		unix.Close(memfd)
		return nil, fmt.Errorf("listen: %w", err)
	}

	s := &Server{
		path:    path,
		ln:      ln,
		memfd:   memfd,
		size:    size,
		vectors: vectors,
		nextID:  1,
		clients: make(map[int]*client),
		joined:  make(chan int, 16),
	}
	s.wg.Add(1)
	go s.accept()
	return s, nil
}

// Path returns the socket path clients connect to.
func (s *Server) Path() string {
	return s.path
}

// Map maps the shared region for inspection. The caller unmaps it.
func (s *Server) Map() ([]byte, error) {
	return unix.Mmap(s.memfd, 0, int(s.size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
}

// Joined returns the id of the next client that completed its handshake.
func (s *Server) Joined(timeout time.Duration) (int, error) {
	select {
	case id := <-s.joined:
		return id, nil
	case <-time.After(timeout):
		return 0, errors.New("ivshmemtest: no client joined")
	}
}

// Clients returns the ids of the connected clients.
func (s *Server) Clients() []int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int, 0, len(s.clients))
	for id := range s.clients {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

func (s *Server) accept() {
	defer s.wg.Done()
	for {
		conn, err := s.ln.AcceptUnix()
		if err != nil {
			return
		}
		if err := s.admit(conn); err != nil {
			conn.Close()
		}
	}
}

func (s *Server) admit(conn *net.UnixConn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return errors.New("ivshmemtest: server closed")
	}

	c := &client{id: s.nextID, conn: conn}
	for range s.vectors {
		fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
		if err != nil {
			closeAll(c.vectors)
			return fmt.Errorf("eventfd: %w", err)
		}
		c.vectors = append(c.vectors, fd)
	}

	steps := []struct {
		value int64
		fd    int
	}{{0, -1}, {int64(c.id), -1}, {Magic, s.memfd}}
	for _, st := range steps {
		if err := send(conn, st.value, st.fd); err != nil {
			closeAll(c.vectors)
			return err
		}
	}

	for _, other := range s.sorted() {
		for _, fd := range other.vectors {
			if err := send(conn, int64(other.id), fd); err != nil {
				closeAll(c.vectors)
				return err
			}
		}
	}

	for _, other := range s.sorted() {
		for _, fd := range c.vectors {
			send(other.conn, int64(c.id), fd)
		}
	}

	for _, fd := range c.vectors {
		if err := send(conn, int64(c.id), fd); err != nil {
			closeAll(c.vectors)
			return err
		}
	}

	s.nextID++
	s.clients[c.id] = c
	s.wg.Add(1)
	go s.watch(c)

	select {
	case s.joined <- c.id:
	default:
	}
	return nil
}

func (s *Server) sorted() []*client {
	out := make([]*client, 0, len(s.clients))
	for _, c := range s.clients {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b *client) int { return a.id - b.id })
	return out
}

// watch waits for the client to hang up and announces its departure.
func (s *Server) watch(c *client) {
	defer s.wg.Done()
	io.Copy(io.Discard, c.conn)
	s.drop(c.id)
}

func (s *Server) drop(id int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return
	}
	delete(s.clients, id)
	c.conn.Close()
	closeAll(c.vectors)

	for _, other := range s.sorted() {
		send(other.conn, int64(id), -1)
	}
}

// Kick disconnects client id as if it had exited.
func (s *Server) Kick(id int) {
	s.drop(id)
}

// Inject sends a raw record to client id. With attach set a fresh eventfd
// travels with it; the server keeps no reference to it.
func (s *Server) Inject(id int, value int64, attach bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("ivshmemtest: no client %d", id)
	}
	if !attach {
		return send(c.conn, value, -1)
	}

	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC)
	if err != nil {
		return fmt.Errorf("eventfd: %w", err)
	}
	defer unix.Close(fd)
	return send(c.conn, value, fd)
}

// InjectBytes writes raw bytes to client id, for malformed records.
func (s *Server) InjectBytes(id int, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clients[id]
	if !ok {
		return fmt.Errorf("ivshmemtest: no client %d", id)
	}
	_, err := c.conn.Write(p)
	return err
}

// Close disconnects every client and stops listening.
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := s.ln.Close()
	for _, c := range s.clients {
		c.conn.Close()
	}
	s.mu.Unlock()

	s.wg.Wait()

	s.mu.Lock()
	for id, c := range s.clients {
		closeAll(c.vectors)
		delete(s.clients, id)
	}
	s.mu.Unlock()
	unix.Close(s.memfd)
	return err
}

func send(conn *net.UnixConn, value int64, fd int) error {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}
	if _, _, err := conn.WriteMsgUnix(buf[:], oob, nil); err != nil {
		return fmt.Errorf("send record: %w", err)
	}
	return nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
