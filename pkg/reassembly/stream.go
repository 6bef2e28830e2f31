// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sync"
	"time"

	"github.com/mbeema/streamtap/pkg/transport"
)

// MaxBufferSize is the default maximum bytes buffered per direction.
const MaxBufferSize = 256 * 1024 // 256KB

// Segment is one captured record in a connection transcript.
type Segment struct {
	Incoming bool
	Time     time.Time
	Data     []byte
}

// Stream buffers the plaintext captured on a single connection. It keeps
// the ordered transcript plus per-direction pending bytes that have not yet
// been framed into an exchange.
type Stream struct {
	mu sync.Mutex

	Conn        transport.ConnID
	IsDecrypted bool
	Created     time.Time

	// Protocol detected for this connection
	Protocol string

	limit     int
	segments  []Segment
	sentTotal int
	recvTotal int
	truncated bool

	sendBuf  []byte
	recvBuf  []byte
	lastSend time.Time
	lastRecv time.Time
}

// NewStream creates a new stream for a connection. limit <= 0 selects
// MaxBufferSize.
func NewStream(conn transport.ConnID, limit int) *Stream {
	if limit <= 0 {
		limit = MaxBufferSize
	}
	return &Stream{
		Conn:    conn,
		Created: time.Now(),
		limit:   limit,
		sendBuf: make([]byte, 0, 4096),
		recvBuf: make([]byte, 0, 4096),
	}
}

// AppendSend adds outbound data and returns how many bytes were kept.
func (s *Stream) AppendSend(data []byte, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	data = s.clip(data, s.sentTotal)
	if len(data) == 0 {
		return 0
	}
	s.sentTotal += len(data)
	s.segments = append(s.segments, Segment{Time: at, Data: data})
	s.sendBuf = append(s.sendBuf, data...)
	s.lastSend = at
	return len(data)
}

// AppendRecv adds inbound data and returns how many bytes were kept.
func (s *Stream) AppendRecv(data []byte, at time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	data = s.clip(data, s.recvTotal)
	if len(data) == 0 {
		return 0
	}
	s.recvTotal += len(data)
	s.segments = append(s.segments, Segment{Incoming: true, Time: at, Data: data})
	s.recvBuf = append(s.recvBuf, data...)
	s.lastRecv = at
	return len(data)
}

// clip bounds data to what the direction still has room for. Must be
// called under s.mu.
func (s *Stream) clip(data []byte, used int) []byte {
	remaining := s.limit - used
	if remaining <= 0 {
		if len(data) > 0 {
			s.truncated = true
		}
		return nil
	}
	if len(data) > remaining {
		data = data[:remaining]
		s.truncated = true
	}
	return data
}

// Segments returns a copy of the transcript.
func (s *Stream) Segments() []Segment {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Segment, len(s.segments))
	copy(out, s.segments)
	return out
}

// Totals returns the bytes kept per direction.
func (s *Stream) Totals() (sent, recv int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sentTotal, s.recvTotal
}

// Truncated reports whether any data was discarded at the buffer limit.
func (s *Stream) Truncated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.truncated
}

// SendBytes returns a copy of the pending send bytes.
func (s *Stream) SendBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.sendBuf...)
}

// RecvBytes returns a copy of the pending recv bytes.
func (s *Stream) RecvBytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.recvBuf...)
}

// HasPending returns true if either direction has unframed bytes.
func (s *Stream) HasPending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sendBuf) > 0 || len(s.recvBuf) > 0
}

// LastActivity returns the most recent send or recv time, or the creation
// time for a stream that has seen no data.
func (s *Stream) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.Created
	if s.lastSend.After(last) {
		last = s.lastSend
	}
	if s.lastRecv.After(last) {
		last = s.lastRecv
	}
	return last
}
