//go:build linux

// Package wire reads and writes ivshmem-server control channel records: an
// 8-byte little-endian integer optionally carrying one file descriptor.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"

	"golang.org/x/sys/unix"

	"github.com/TypicalAM/ivshmem/v2/internal/native"
)

// RecordSize is the payload length of every record.
const RecordSize = 8

// maxPathLen is the capacity of sockaddr_un.sun_path minus the terminator.
const maxPathLen = 107

var ErrTimeout = errors.New("wire: read timed out")
var ErrShortRecord = errors.New("wire: short record")

// Record is a single control channel message.
type Record struct {
	Value int64
	// FD is the attached descriptor or -1 when none was sent.
	FD int
}

// HasFD reports whether a descriptor was attached.
func (r Record) HasFD() bool {
	return r.FD >= 0
}

// Close closes the attached descriptor, if any.
func (r *Record) Close() error {
	if r.FD < 0 {
		return nil
	}
	fd := r.FD
	r.FD = -1
	return unix.Close(fd)
}

// Conn is the client side of the control channel.
type Conn struct {
	fd  int
	buf [RecordSize]byte
	oob []byte
}

// Dial connects to the ivshmem-server socket at path.
func Dial(path string) (*Conn, error) {
	if path == "" || len(path) > maxPathLen {
		return nil, native.Of(native.InvalidDevicePath).Err()
	}

	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, native.FromErrno(native.CreatingSocket, err)
	}

	if err := unix.Connect(fd, &unix.SockaddrUnix{Name: path}); err != nil {
		unix.Close(fd)
		return nil, native.FromErrno(native.ConnectingSocket, err)
	}

	return NewConn(fd), nil
}

// NewConn wraps an already connected stream socket.
func NewConn(fd int) *Conn {
	return &Conn{fd: fd, oob: make([]byte, unix.CmsgSpace(4*4))}
}

// SetReadTimeout bounds every following ReadRecord call by d.
func (c *Conn) SetReadTimeout(d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("wire: non-positive timeout %v", d)
	}

	tv := unix.NsecToTimeval(d.Nanoseconds())
	if err := unix.SetsockoptTimeval(c.fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return native.FromErrno(native.SettingSocketTimeout, err)
	}
	return nil
}

// ReadRecord reads one record. It returns ErrTimeout when the read timeout
// elapsed without data and io.EOF when the server closed the channel.
func (c *Conn) ReadRecord() (Record, error) {
	rec := Record{FD: -1}

	var n, oobn int
	var err error
	for {
		n, oobn, _, _, err = unix.Recvmsg(c.fd, c.buf[:], c.oob, unix.MSG_CMSG_CLOEXEC)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		if err == unix.EAGAIN || err == unix.EWOULDBLOCK {
			return rec, ErrTimeout
		}
		return rec, native.FromErrno(native.ReadError, err)
	}

	fds, err := parseRights(c.oob[:oobn])
	if err != nil {
		return rec, err
	}

	if n == 0 && len(fds) == 0 {
		return rec, io.EOF
	}

	if n != RecordSize {
		closeAll(fds)
		return rec, fmt.Errorf("%w: got %d bytes", ErrShortRecord, n)
	}

	rec.Value = int64(binary.LittleEndian.Uint64(c.buf[:]))
	if len(fds) > 0 {
		rec.FD = fds[0]
		closeAll(fds[1:])
	}
	return rec, nil
}

// Close closes the socket.
func (c *Conn) Close() error {
	if c.fd < 0 {
		return nil
	}
	fd := c.fd
	c.fd = -1
	return unix.Close(fd)
}

// Send writes one record to fd, attaching attach when it is not negative.
// It is the server side of the protocol.
func Send(fd int, value int64, attach int) error {
	var buf [RecordSize]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(value))

	var oob []byte
	if attach >= 0 {
		oob = unix.UnixRights(attach)
	}

	if err := unix.Sendmsg(fd, buf[:], oob, nil, 0); err != nil {
		return fmt.Errorf("sendmsg: %w", err)
	}
	return nil
}

func parseRights(oob []byte) ([]int, error) {
	if len(oob) == 0 {
		return nil, nil
	}

	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil, fmt.Errorf("parse control message: %w", err)
	}

	var fds []int
	for _, m := range msgs {
		if m.Header.Level != unix.SOL_SOCKET || m.Header.Type != unix.SCM_RIGHTS {
			continue
		}
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			closeAll(fds)
			return nil, fmt.Errorf("parse unix rights: %w", err)
		}
		fds = append(fds, rights...)
	}
	return fds, nil
}

func closeAll(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}
