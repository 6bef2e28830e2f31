package transport

import (
	"io"
	"net"
	"syscall"
)

// netConner is satisfied by *tls.Conn.
type netConner interface {
	NetConn() net.Conn
}

// innerStreamer is satisfied by stream wrappers that expose the stream they
// wrap, such as *asyncio.Stream.
type innerStreamer interface {
	Inner() io.ReadWriter
}

// NetStrategy resolves chains built from the standard library: a stream
// wrapper over a TLS connection over a socket-backed net.Conn.
type NetStrategy struct{}

var _ Strategy = NetStrategy{}

func (NetStrategy) Family() string { return "net" }

func (NetStrategy) Matches(handle any) bool {
	switch handle.(type) {
	case innerStreamer, netConner, net.Conn:
		return true
	}
	return false
}

func (NetStrategy) Unwrap(handle any) (any, bool) {
	switch h := handle.(type) {
	case innerStreamer:
		inner := h.Inner()
		return inner, inner != nil
	case netConner:
		inner := h.NetConn()
		return inner, inner != nil
	}
	return nil, false
}

// Endpoint accepts only connections backed by a real socket descriptor.
func (NetStrategy) Endpoint(handle any) (Endpoint, bool) {
	conn, ok := handle.(net.Conn)
	if !ok {
		return Endpoint{}, false
	}
	sc, ok := handle.(syscall.Conn)
	if !ok {
		return Endpoint{}, false
	}

	fd, cookie, err := socketInfo(sc)
	if err != nil {
		return Endpoint{}, false
	}

	ep := Endpoint{FD: fd, Cookie: cookie}
	if la := conn.LocalAddr(); la != nil {
		ep.Network = la.Network()
		ep.LocalAddr = la.String()
	}
	if ra := conn.RemoteAddr(); ra != nil {
		ep.RemoteAddr = ra.String()
	}
	return ep, true
}
