// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package transport

import (
	"encoding/binary"
	"fmt"
	"hash/fnv"
)

// ConnID identifies the physical transport endpoint behind a stream chain.
// It is comparable and safe to use as a map key.
type ConnID struct {
	PID uint32
	FD  int32

	// Cookie is the kernel socket cookie when the platform exposes one,
	// otherwise a digest of the endpoint's addresses and descriptor.
	Cookie uint64
}

// IsZero reports whether c is the zero identity.
func (c ConnID) IsZero() bool {
	return c == ConnID{}
}

// String returns "pid:fd:cookie".
func (c ConnID) String() string {
	return fmt.Sprintf("%d:%d:%016x", c.PID, c.FD, c.Cookie)
}

// Hash returns a 64-bit digest of the identity, used as a short diagnostic key.
func (c ConnID) Hash() uint64 {
	var b [16]byte
	binary.LittleEndian.PutUint32(b[0:4], c.PID)
	binary.LittleEndian.PutUint32(b[4:8], uint32(c.FD))
	binary.LittleEndian.PutUint64(b[8:16], c.Cookie)
	h := fnv.New64a()
	h.Write(b[:])
	return h.Sum64()
}

// Endpoint describes a terminal transport endpoint.
type Endpoint struct {
	Network    string
	LocalAddr  string
	RemoteAddr string
	FD         int32
	Cookie     uint64
}

// addrCookie derives a stand-in cookie from the endpoint's descriptor and
// address pair. Two live sockets cannot share the same fd and 4-tuple.
func addrCookie(ep Endpoint) uint64 {
	h := fnv.New64a()
	var fd [4]byte
	binary.LittleEndian.PutUint32(fd[:], uint32(ep.FD))
	h.Write(fd[:])
	h.Write([]byte(ep.Network))
	h.Write([]byte{0})
	h.Write([]byte(ep.LocalAddr))
	h.Write([]byte{0})
	h.Write([]byte(ep.RemoteAddr))
	return h.Sum64()
}
