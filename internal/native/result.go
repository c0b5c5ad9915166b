package native

import (
	"fmt"
	"syscall"
)

// Result is the 64-bit outcome of a primitive: bits 32-63 hold the Code and
// bits 0-31 an optional OS error number. Zero means success.
type Result uint64

// Ok is the successful Result.
const Ok Result = 0

// Combine packs a code and an errno into a Result.
func Combine(code Code, errno syscall.Errno) Result {
	return Result(uint64(code)<<32 | uint64(uint32(errno)))
}

// Of returns a Result carrying code and no errno.
func Of(code Code) Result {
	return Combine(code, 0)
}

// Code returns the symbolic status.
func (r Result) Code() Code {
	return Code(r >> 32)
}

// Errno returns the OS error number, zero if none was recorded.
func (r Result) Errno() syscall.Errno {
	return syscall.Errno(uint32(r))
}

// OK reports whether the Result is a success.
func (r Result) OK() bool {
	return r.Code() == OK
}

// Err converts a failed Result into an *Error, returning nil on success.
func (r Result) Err() error {
	if r.OK() {
		return nil
	}
	return &Error{Code: r.Code(), Errno: r.Errno()}
}

// Error is a failure reported by the primitive layer or by a syscall made on
// behalf of the signaling channel.
type Error struct {
	Code  Code
	Errno syscall.Errno
}

func (e *Error) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("ivshmem: %s: %s", e.Code, e.Errno.Error())
	}
	return "ivshmem: " + e.Code.String()
}

// Unwrap exposes the errno so callers can match it with errors.Is.
func (e *Error) Unwrap() error {
	if e.Errno == 0 {
		return nil
	}
	return e.Errno
}

// FromErrno wraps err as an *Error with code when it is a syscall.Errno.
// Other errors are wrapped with the code name as context.
func FromErrno(code Code, err error) error {
	if err == nil {
		return nil
	}
	if errno, ok := err.(syscall.Errno); ok {
		return &Error{Code: code, Errno: errno}
	}
	return fmt.Errorf("%s: %w", code, err)
}
