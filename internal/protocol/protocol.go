// Package protocol implements the ivshmem-server control protocol: the
// handshake that yields the region descriptor and the own interrupt vectors,
// and the peer table maintained from the records that follow it.
package protocol

import "errors"

// Magic is the value of the record carrying the shared region descriptor.
const Magic int64 = -1

// MaxPeerID is the largest peer id the server hands out.
const MaxPeerID = 0xffff

var ErrProtocol = errors.New("protocol violation")
