package ivshmem

import (
	"errors"
	"fmt"

	"github.com/TypicalAM/ivshmem/v2/internal/irq"
	"github.com/TypicalAM/ivshmem/v2/internal/native"
	"github.com/TypicalAM/ivshmem/v2/internal/protocol"
)

var ErrOutOfBounds = errors.New("ivshmem: offset out of bounds")
var ErrClosed = errors.New("ivshmem: memory closed")
var ErrUnsupported = errors.New("ivshmem: unsupported operation")
var ErrUnaligned = errors.New("ivshmem: offset unaligned")
var ErrInvalidArgument = errors.New("ivshmem: invalid argument")
var ErrPeerNotFound = errors.New("ivshmem: peer not found")
var ErrSelfInterrupt = errors.New("ivshmem: cannot interrupt own peer")
var ErrLockBroken = errors.New("ivshmem: lock broken")
var ErrNotHeld = errors.New("ivshmem: lock not held")
var ErrEmptyFile = errors.New("ivshmem: file is empty")

// ErrProtocol wraps every malformed or out of sequence control record.
var ErrProtocol = protocol.ErrProtocol

// ErrInvalidVector is returned for vectors outside the own vector range.
var ErrInvalidVector = irq.ErrInvalidVector

// ErrAlreadyPolling is returned when a loop is started while another
// invocation of it is still running.
var ErrAlreadyPolling = irq.ErrAlreadyRunning

// NativeError is a failure of the primitive layer or of a syscall. It carries
// the symbolic code and the OS error number, and unwraps to the latter.
type NativeError = native.Error

// ErrorCode is the symbolic status carried by a NativeError.
type ErrorCode = native.Code

var sentinels = map[native.Code]error{
	native.MemoryOutOfBounds:        ErrOutOfBounds,
	native.BufferOutOfBounds:        ErrOutOfBounds,
	native.InvalidConnectionPointer: ErrClosed,
	native.UnsupportedOperation:     ErrUnsupported,
	native.OffsetUnaligned:          ErrUnaligned,
	native.InvalidArguments:         ErrInvalidArgument,
	native.PeerNotFound:             ErrPeerNotFound,
	native.PeerDoesntExist:          ErrPeerNotFound,
	native.CantSelfInterrupt:        ErrSelfInterrupt,
	native.InterruptVectorTooBig:    ErrInvalidVector,
	native.FileIsEmpty:              ErrEmptyFile,
}

// convert maps native codes with a caller visible meaning onto the package
// sentinels. Other errors pass through unchanged.
func convert(err error) error {
	var nerr *NativeError
	if !errors.As(err, &nerr) {
		return err
	}
	if nerr.Code == native.OutOfMemory {
		panic(fmt.Sprintf("ivshmem: native allocation failed: %v", err))
	}

	sentinel, ok := sentinels[nerr.Code]
	if !ok {
		return err
	}
	if nerr.Errno != 0 {
		return fmt.Errorf("%w: %w", sentinel, nerr.Errno)
	}
	return sentinel
}

func check(r native.Result) error {
	if r.OK() {
		return nil
	}
	return convert(r.Err())
}
