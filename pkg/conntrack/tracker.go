// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package conntrack

import (
	"sync"
	"time"

	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/sink"
	"github.com/mbeema/streamtap/pkg/transport"
)

// ConnInfo holds metadata about a tracked connection.
type ConnInfo struct {
	Conn        transport.ConnID
	FirstSeen   time.Time
	LastSeen    time.Time
	BytesSent   uint64
	BytesRecv   uint64
	IsDecrypted bool

	// Once detected, the protocol is remembered for the connection.
	Protocol string
}

// maxTrackedConns limits the number of tracked connections to prevent
// unbounded memory growth under connection storms.
const maxTrackedConns = 100000

// Tracker maps connection identities to connection metadata. It is also a
// DumpSink, so it can sit next to the exporting sinks and count what they
// see.
type Tracker struct {
	mu    sync.RWMutex
	conns map[transport.ConnID]*ConnInfo
	limit int
	now   func() time.Time
}

var _ sink.DumpSink = (*Tracker)(nil)

// NewTracker creates a new connection tracker.
func NewTracker() *Tracker {
	return newTracker(maxTrackedConns)
}

func newTracker(limit int) *Tracker {
	return &Tracker{
		conns: make(map[transport.ConnID]*ConnInfo),
		limit: limit,
		now:   time.Now,
	}
}

// Register records a connection. Registering a known connection returns
// the existing entry unchanged.
func (t *Tracker) Register(conn transport.ConnID) *ConnInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.registerLocked(conn)
}

func (t *Tracker) registerLocked(conn transport.ConnID) *ConnInfo {
	if info, ok := t.conns[conn]; ok {
		return info
	}
	if len(t.conns) >= t.limit {
		t.evictOldestLocked()
	}
	now := t.now()
	info := &ConnInfo{Conn: conn, FirstSeen: now, LastSeen: now}
	t.conns[conn] = info
	return info
}

// Lookup returns a copy of the connection's info.
func (t *Tracker) Lookup(conn transport.ConnID) (ConnInfo, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	info, ok := t.conns[conn]
	if !ok {
		return ConnInfo{}, false
	}
	return *info, true
}

// AddBytesSent adds to the bytes sent counter for a connection.
func (t *Tracker) AddBytesSent(conn transport.ConnID, n uint64) {
	t.mu.Lock()
	if info, ok := t.conns[conn]; ok {
		info.BytesSent += n
		info.LastSeen = t.now()
	}
	t.mu.Unlock()
}

// AddBytesRecv adds to the bytes received counter for a connection.
func (t *Tracker) AddBytesRecv(conn transport.ConnID, n uint64) {
	t.mu.Lock()
	if info, ok := t.conns[conn]; ok {
		info.BytesRecv += n
		info.LastSeen = t.now()
	}
	t.mu.Unlock()
}

// MarkDecrypted marks a connection as carrying decrypted plaintext.
func (t *Tracker) MarkDecrypted(conn transport.ConnID) {
	t.mu.Lock()
	if info, ok := t.conns[conn]; ok {
		info.IsDecrypted = true
	}
	t.mu.Unlock()
}

// SetProtocol stores the detected protocol for a connection.
func (t *Tracker) SetProtocol(conn transport.ConnID, proto string) {
	t.mu.Lock()
	if info, ok := t.conns[conn]; ok {
		info.Protocol = proto
	}
	t.mu.Unlock()
}

// GetProtocol returns the cached protocol for a connection, or empty string.
func (t *Tracker) GetProtocol(conn transport.ConnID) string {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if info, ok := t.conns[conn]; ok {
		return info.Protocol
	}
	return ""
}

// PreparePartialBuffers registers the connection.
func (t *Tracker) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	t.mu.Lock()
	info := t.registerLocked(conn)
	info.IsDecrypted = info.IsDecrypted || isDecrypted
	t.mu.Unlock()
	return nil
}

// PartialData counts the delivered bytes and learns the protocol from the
// connection's first data.
func (t *Tracker) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	if offset < 0 || length < 0 || offset > len(buf) || length > len(buf)-offset {
		return sink.ErrBadRange
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	info := t.registerLocked(conn)
	info.LastSeen = t.now()
	if isIncoming {
		info.BytesRecv += uint64(length)
	} else {
		info.BytesSent += uint64(length)
	}
	if info.Protocol == "" && length > 0 {
		info.Protocol = protocol.Detect(buf[offset : offset+length])
	}
	return nil
}

// Remove removes a connection and returns its final info.
func (t *Tracker) Remove(conn transport.ConnID) (ConnInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	info, ok := t.conns[conn]
	if !ok {
		return ConnInfo{}, false
	}
	delete(t.conns, conn)
	return *info, true
}

// Count returns the number of tracked connections.
func (t *Tracker) Count() int {
	t.mu.RLock()
	n := len(t.conns)
	t.mu.RUnlock()
	return n
}

// evictOldestLocked removes the least recently seen connection. Must be
// called under t.mu.
func (t *Tracker) evictOldestLocked() {
	var oldestKey transport.ConnID
	var oldestTime time.Time
	first := true
	for k, info := range t.conns {
		if first || info.LastSeen.Before(oldestTime) {
			oldestKey = k
			oldestTime = info.LastSeen
			first = false
		}
	}
	if !first {
		delete(t.conns, oldestKey)
	}
}

// CleanStale removes connections idle for longer than maxIdle.
func (t *Tracker) CleanStale(maxIdle time.Duration) int {
	cutoff := t.now().Add(-maxIdle)
	removed := 0

	t.mu.Lock()
	for key, info := range t.conns {
		if info.LastSeen.Before(cutoff) {
			delete(t.conns, key)
			removed++
		}
	}
	t.mu.Unlock()

	return removed
}
