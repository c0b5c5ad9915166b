//go:build !amd64

package native

// HasCAS128 reports whether CompareAndSwap128 can run on this CPU.
var HasCAS128 = false

func cas128(addr *uint64, old0, old1, new0, new1 uint64) bool {
	panic("ivshmem: cas128 called without cpu support")
}
