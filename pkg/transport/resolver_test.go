// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package transport

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"testing"

	"go.uber.org/zap"
)

// wrapper mimics an outer stream layer over another stream.
type wrapper struct {
	inner io.ReadWriter
}

func (w *wrapper) Read(p []byte) (int, error)  { return w.inner.Read(p) }
func (w *wrapper) Write(p []byte) (int, error) { return w.inner.Write(p) }
func (w *wrapper) Inner() io.ReadWriter        { return w.inner }

func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			accepted <- nil
			return
		}
		accepted <- c
	}()

	client, err = net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server = <-accepted
	if server == nil {
		t.Fatal("accept failed")
	}
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})
	return client, server
}

func newNetResolver() *Resolver {
	r := NewResolver(0, zap.NewNop())
	r.Register(NetStrategy{})
	return r
}

func TestResolveWrappedTLSChain(t *testing.T) {
	client, _ := tcpPair(t)
	tlsConn := tls.Client(client, &tls.Config{InsecureSkipVerify: true})
	stream := &wrapper{inner: tlsConn}

	r := newNetResolver()

	viaStream, err := r.Resolve(stream)
	if err != nil {
		t.Fatalf("Resolve(stream): %v", err)
	}
	viaTLS, err := r.Resolve(tlsConn)
	if err != nil {
		t.Fatalf("Resolve(tls): %v", err)
	}
	viaSocket, err := r.Resolve(client)
	if err != nil {
		t.Fatalf("Resolve(socket): %v", err)
	}

	if viaStream.IsZero() {
		t.Fatal("resolved identity is zero")
	}
	if viaStream != viaTLS || viaTLS != viaSocket {
		t.Errorf("identities differ across layers: %v %v %v", viaStream, viaTLS, viaSocket)
	}
	if viaStream.Cookie == 0 {
		t.Error("Cookie = 0, want non-zero")
	}

	again, _ := r.Resolve(stream)
	if again != viaStream {
		t.Errorf("repeated Resolve = %v, want %v", again, viaStream)
	}
}

func TestResolveDistinctConnections(t *testing.T) {
	a, _ := tcpPair(t)
	b, _ := tcpPair(t)

	r := newNetResolver()
	idA, err := r.Resolve(&wrapper{inner: a})
	if err != nil {
		t.Fatalf("Resolve(a): %v", err)
	}
	idB, err := r.Resolve(&wrapper{inner: b})
	if err != nil {
		t.Fatalf("Resolve(b): %v", err)
	}
	if idA == idB {
		t.Errorf("distinct connections share identity %v", idA)
	}
	if idA.Hash() == idB.Hash() {
		t.Errorf("distinct connections share hash %x", idA.Hash())
	}
}

func TestResolvePipeHasNoEndpoint(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	r := newNetResolver()
	_, err := r.Resolve(&wrapper{inner: c1})

	var cre *ChainResolutionError
	if !errors.As(err, &cre) {
		t.Fatalf("err = %v, want *ChainResolutionError", err)
	}
	if !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("err = %v, want ErrNoEndpoint", err)
	}
	if cre.Family != "net" {
		t.Errorf("Family = %q, want net", cre.Family)
	}
	if cre.Depth != 1 {
		t.Errorf("Depth = %d, want 1", cre.Depth)
	}
}

func TestResolveFailures(t *testing.T) {
	r := newNetResolver()

	if _, err := r.Resolve(nil); !errors.Is(err, ErrNilHandle) {
		t.Errorf("Resolve(nil) err = %v, want ErrNilHandle", err)
	}
	if _, err := r.Resolve("not a stream"); !errors.Is(err, ErrNoStrategy) {
		t.Errorf("Resolve(string) err = %v, want ErrNoStrategy", err)
	}
	if _, err := r.Resolve(&wrapper{}); !errors.Is(err, ErrNoEndpoint) {
		t.Errorf("Resolve(empty wrapper) err = %v, want ErrNoEndpoint", err)
	}
}

// loopStrategy models a family whose chain never terminates.
type loopStrategy struct{}

func (loopStrategy) Family() string                  { return "loop" }
func (loopStrategy) Matches(h any) bool              { _, ok := h.(int); return ok }
func (loopStrategy) Unwrap(h any) (any, bool)        { return h.(int) + 1, true }
func (loopStrategy) Endpoint(h any) (Endpoint, bool) { return Endpoint{}, false }

func TestResolveDepthExceeded(t *testing.T) {
	r := NewResolver(3, zap.NewNop())
	r.Register(loopStrategy{})

	_, err := r.Resolve(0)
	if !errors.Is(err, ErrDepthExceeded) {
		t.Fatalf("err = %v, want ErrDepthExceeded", err)
	}
}

// panicStrategy models an introspector broken by a runtime layout change.
type panicStrategy struct{}

func (panicStrategy) Family() string                  { return "broken" }
func (panicStrategy) Matches(h any) bool              { return true }
func (panicStrategy) Unwrap(h any) (any, bool)        { panic("field layout changed") }
func (panicStrategy) Endpoint(h any) (Endpoint, bool) { return Endpoint{}, false }

func TestResolveRecoversIntrospectorPanic(t *testing.T) {
	r := NewResolver(0, zap.NewNop())
	r.Register(panicStrategy{})

	_, err := r.Resolve(struct{}{})
	if !errors.Is(err, ErrIntrospection) {
		t.Fatalf("err = %v, want ErrIntrospection", err)
	}
}

// fixedStrategy terminates immediately at a synthetic endpoint.
type fixedStrategy struct {
	ep Endpoint
}

func (fixedStrategy) Family() string                    { return "fixed" }
func (fixedStrategy) Matches(h any) bool                { _, ok := h.(string); return ok }
func (fixedStrategy) Unwrap(h any) (any, bool)          { return nil, false }
func (s fixedStrategy) Endpoint(h any) (Endpoint, bool) { return s.ep, true }

func TestResolvePluggableStrategies(t *testing.T) {
	r := newNetResolver()
	r.Register(fixedStrategy{ep: Endpoint{FD: 9, Cookie: 0xabc}})

	id, err := r.Resolve("handle")
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if id.FD != 9 || id.Cookie != 0xabc {
		t.Errorf("id = %v, want fd=9 cookie=abc", id)
	}

	fams := r.Families()
	if len(fams) != 2 || fams[0] != "net" || fams[1] != "fixed" {
		t.Errorf("Families() = %v", fams)
	}
}

func TestAddrCookieFallback(t *testing.T) {
	r := NewResolver(0, zap.NewNop())
	a := r.identity(Endpoint{FD: 3, Network: "tcp", LocalAddr: "127.0.0.1:1000", RemoteAddr: "127.0.0.1:443"})
	b := r.identity(Endpoint{FD: 3, Network: "tcp", LocalAddr: "127.0.0.1:1001", RemoteAddr: "127.0.0.1:443"})

	if a.Cookie == 0 || b.Cookie == 0 {
		t.Fatal("fallback cookie should be non-zero")
	}
	if a == b {
		t.Error("reused fd with different address pair should give a different identity")
	}
}
