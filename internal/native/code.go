// Package native holds the primitive operations on a mapped region. Every
// operation is bounds checked here regardless of what the caller already
// verified and reports its outcome as an encoded Result.
package native

import "strconv"

// Code is the symbolic status stored in the upper 32 bits of a Result.
type Code uint32

// Status codes. The numeric values are shared with the C/JNI ivshmem clients.
const (
	OK                        Code = 0
	FD                        Code = 1
	PacketTooShort            Code = 2
	ReadError                 Code = 3
	UnknownProtocolVersion    Code = 4
	FDMissing                 Code = 5
	UnexpectedPacket          Code = 6
	PeerInvalid               Code = 7
	CreatingSocket            Code = 8
	InvalidDevicePath         Code = 9
	ConnectingSocket          Code = 10
	SettingSocketTimeout      Code = 12
	PacketTimeout             Code = 13
	ClosedUnknownPeer         Code = 14
	OwnPeerClosed             Code = 15
	DuplicatePeer             Code = 16
	CantSelfInterrupt         Code = 17
	PeerDoesntExist           Code = 18
	InterruptVectorTooBig     Code = 19
	InterruptVectorClosed     Code = 20
	InterruptSendError        Code = 21
	InterruptReceiveError     Code = 22
	InterruptReceiveNoVectors Code = 23
	ShmemFstat                Code = 24
	InterruptTimeout          Code = 25
	ShmemMmap                 Code = 26
	PollServerTimeout         Code = 27
	InvalidArguments          Code = 28
	InvalidConnectionPointer  Code = 29
	PeerNotFound              Code = 30
	BufferOutOfBounds         Code = 31
	MemoryOutOfBounds         Code = 32
	ShmemFileSetSize          Code = 33
	CmpxchgFailed             Code = 34
	OpenFailure               Code = 35
	FileDoesNotExist          Code = 42
	FileIsEmpty               Code = 43
	SpinClosed                Code = 44
	SpinTimeout               Code = 45
	UnsupportedOperation      Code = 46
	OffsetUnaligned           Code = 47
	UnknownError              Code = 998
	OutOfMemory               Code = 999
)

var codeNames = map[Code]string{
	OK:                        "ok",
	FD:                        "file descriptor received",
	PacketTooShort:            "packet from ivshmem server is too short",
	ReadError:                 "error reading packet from ivshmem server",
	UnknownProtocolVersion:    "unknown ivshmem protocol version",
	FDMissing:                 "packet did not carry the expected file descriptor",
	UnexpectedPacket:          "unexpected packet",
	PeerInvalid:               "invalid peer id",
	CreatingSocket:            "unable to create unix domain socket",
	InvalidDevicePath:         "invalid socket or device path",
	ConnectingSocket:          "unable to connect to ivshmem server",
	SettingSocketTimeout:      "unable to set socket timeout",
	PacketTimeout:             "packet read timed out",
	ClosedUnknownPeer:         "disconnect of a peer that was never connected",
	OwnPeerClosed:             "disconnect of own peer",
	DuplicatePeer:             "connect of an already connected peer",
	CantSelfInterrupt:         "cannot interrupt own peer",
	PeerDoesntExist:           "peer does not exist",
	InterruptVectorTooBig:     "interrupt vector too big",
	InterruptVectorClosed:     "interrupt vector closed",
	InterruptSendError:        "error sending interrupt",
	InterruptReceiveError:     "error receiving interrupt",
	InterruptReceiveNoVectors: "no interrupt vectors to receive on",
	ShmemFstat:                "unable to fstat shared memory",
	InterruptTimeout:          "interrupt wait timed out",
	ShmemMmap:                 "unable to mmap shared memory",
	PollServerTimeout:         "ivshmem server poll timed out",
	InvalidArguments:          "invalid arguments",
	InvalidConnectionPointer:  "invalid mapping handle",
	PeerNotFound:              "peer not found",
	BufferOutOfBounds:         "buffer out of bounds",
	MemoryOutOfBounds:         "shared memory out of bounds",
	ShmemFileSetSize:          "unable to set shared memory file size",
	CmpxchgFailed:             "compare and swap failed",
	OpenFailure:               "failed to open shared memory",
	FileDoesNotExist:          "shared memory file does not exist",
	FileIsEmpty:               "shared memory file is empty",
	SpinClosed:                "shared memory closed while spinning",
	SpinTimeout:               "spin timed out",
	UnsupportedOperation:      "operation not supported by this cpu",
	OffsetUnaligned:           "offset is not aligned to the operand size",
	UnknownError:              "unknown error",
	OutOfMemory:               "out of memory",
}

// String returns the code's description.
func (c Code) String() string {
	if s, ok := codeNames[c]; ok {
		return s
	}
	return "code " + strconv.FormatUint(uint64(c), 10)
}
