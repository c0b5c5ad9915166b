package native

import "golang.org/x/sys/cpu"

// HasCAS128 reports whether CompareAndSwap128 can run on this CPU.
var HasCAS128 = cpu.X86.HasCX16

//go:noescape
func cas128(addr *uint64, old0, old1, new0, new1 uint64) bool
