// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"sort"
	"sync"
	"time"

	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/sink"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

// Exchange is a matched request and response on a connection.
type Exchange struct {
	Conn     transport.ConnID
	Protocol string

	Request     []byte
	Response    []byte
	RequestTime time.Time
	Duration    time.Duration

	// Partial is set for whatever was left unmatched when the stream was
	// removed.
	Partial bool
}

// Transcript is a point-in-time copy of one connection's capture.
type Transcript struct {
	Conn        transport.ConnID
	Protocol    string
	IsDecrypted bool
	Created     time.Time
	Segments    []Segment
	BytesSent   int
	BytesRecv   int
	Truncated   bool
}

// Store is a DumpSink that keeps per-connection transcripts and pairs
// requests with responses using protocol-aware framing.
type Store struct {
	logger *zap.Logger
	limit  int
	detect bool

	mu      sync.RWMutex
	streams map[transport.ConnID]*Stream

	cbMu       sync.RWMutex
	onExchange func(*Exchange)
}

var _ sink.DumpSink = (*Store)(nil)

// NewStore creates a store. limit bounds each direction of each connection
// (<= 0 selects MaxBufferSize). With detect off every connection is
// "unknown" and nothing is framed.
func NewStore(limit int, detect bool, logger *zap.Logger) *Store {
	if limit <= 0 {
		limit = MaxBufferSize
	}
	return &Store{
		logger:  logger,
		limit:   limit,
		detect:  detect,
		streams: make(map[transport.ConnID]*Stream),
	}
}

// OnExchange registers a callback for completed request/response pairs.
func (st *Store) OnExchange(fn func(*Exchange)) {
	st.cbMu.Lock()
	st.onExchange = fn
	st.cbMu.Unlock()
}

func (st *Store) emit(ex *Exchange) {
	st.cbMu.RLock()
	fn := st.onExchange
	st.cbMu.RUnlock()
	if fn != nil {
		fn(ex)
	}
}

func (st *Store) getOrCreate(conn transport.ConnID) *Stream {
	st.mu.RLock()
	s, ok := st.streams[conn]
	st.mu.RUnlock()
	if ok {
		return s
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if s, ok = st.streams[conn]; ok {
		return s
	}
	s = NewStream(conn, st.limit)
	st.streams[conn] = s
	st.logger.Debug("capture stream opened", zap.Stringer("conn", conn))
	return s
}

// PreparePartialBuffers creates the connection's stream. Repeated calls are
// harmless.
func (st *Store) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	s := st.getOrCreate(conn)
	if isDecrypted {
		s.mu.Lock()
		s.IsDecrypted = true
		s.mu.Unlock()
	}
	return nil
}

// PartialData appends buf[offset:offset+length] to the connection's stream.
// Data for a connection that was never prepared opens its stream.
func (st *Store) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	c, err := sink.NewCapture(conn, isIncoming, buf, offset, length, isWrapping, singleDecode)
	if err != nil {
		return err
	}
	if len(c.Data) == 0 {
		return nil
	}

	s := st.getOrCreate(conn)
	var kept int
	if isIncoming {
		kept = s.AppendRecv(c.Data, c.Time)
	} else {
		kept = s.AppendSend(c.Data, c.Time)
	}
	if kept < len(c.Data) {
		st.logger.Debug("capture buffer full, data truncated",
			zap.Stringer("conn", conn),
			zap.String("direction", c.Direction()),
			zap.Int("dropped", len(c.Data)-kept),
		)
	}
	if kept == 0 {
		return nil
	}

	st.detectOnce(s, c.Data)
	st.tryExtractPairs(s)
	return nil
}

// detectOnce labels the stream from its first data.
func (st *Store) detectOnce(s *Stream, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Protocol != "" {
		return
	}
	s.Protocol = protocol.ProtoUnknown
	if st.detect {
		s.Protocol = protocol.Detect(data)
	}
}

// tryExtractPairs emits every complete request/response pair buffered on s.
func (st *Store) tryExtractPairs(s *Stream) {
	for {
		s.mu.Lock()
		proto := s.Protocol
		if len(s.sendBuf) == 0 || len(s.recvBuf) == 0 || proto == protocol.ProtoUnknown {
			s.mu.Unlock()
			return
		}

		reqLen := frameMessage(s.sendBuf, proto, true)
		respLen := frameMessage(s.recvBuf, proto, false)
		if reqLen <= 0 || respLen <= 0 {
			s.mu.Unlock()
			return
		}

		ex := &Exchange{
			Conn:        s.Conn,
			Protocol:    proto,
			Request:     append([]byte(nil), s.sendBuf[:reqLen]...),
			Response:    append([]byte(nil), s.recvBuf[:respLen]...),
			RequestTime: s.lastSend,
			Duration:    s.lastRecv.Sub(s.lastSend),
		}
		s.sendBuf = s.sendBuf[reqLen:]
		s.recvBuf = s.recvBuf[respLen:]
		s.mu.Unlock()

		if ex.Duration < 0 {
			ex.Duration = 0
		}
		st.emit(ex)
	}
}

// Snapshot returns a copy of conn's transcript.
func (st *Store) Snapshot(conn transport.ConnID) (Transcript, bool) {
	st.mu.RLock()
	s, ok := st.streams[conn]
	st.mu.RUnlock()
	if !ok {
		return Transcript{}, false
	}

	segs := s.Segments()
	sent, recv := s.Totals()

	s.mu.Lock()
	defer s.mu.Unlock()
	return Transcript{
		Conn:        s.Conn,
		Protocol:    s.Protocol,
		IsDecrypted: s.IsDecrypted,
		Created:     s.Created,
		Segments:    segs,
		BytesSent:   sent,
		BytesRecv:   recv,
		Truncated:   s.truncated,
	}, true
}

// Conns returns the tracked connections, oldest first.
func (st *Store) Conns() []transport.ConnID {
	st.mu.RLock()
	streams := make([]*Stream, 0, len(st.streams))
	for _, s := range st.streams {
		streams = append(streams, s)
	}
	st.mu.RUnlock()

	sort.Slice(streams, func(i, j int) bool {
		if streams[i].Created.Equal(streams[j].Created) {
			return streams[i].Conn.String() < streams[j].Conn.String()
		}
		return streams[i].Created.Before(streams[j].Created)
	})
	out := make([]transport.ConnID, len(streams))
	for i, s := range streams {
		out[i] = s.Conn
	}
	return out
}

// Len returns the number of tracked connections.
func (st *Store) Len() int {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return len(st.streams)
}

// Remove drops conn and emits any unmatched bytes as a partial exchange.
func (st *Store) Remove(conn transport.ConnID) bool {
	st.mu.Lock()
	s, ok := st.streams[conn]
	delete(st.streams, conn)
	st.mu.Unlock()

	if !ok {
		return false
	}
	st.flush(s)
	return true
}

func (st *Store) flush(s *Stream) {
	s.mu.Lock()
	if len(s.sendBuf) == 0 && len(s.recvBuf) == 0 {
		s.mu.Unlock()
		return
	}
	ex := &Exchange{
		Conn:        s.Conn,
		Protocol:    s.Protocol,
		Request:     append([]byte(nil), s.sendBuf...),
		Response:    append([]byte(nil), s.recvBuf...),
		RequestTime: s.lastSend,
		Duration:    s.lastRecv.Sub(s.lastSend),
		Partial:     true,
	}
	s.sendBuf = s.sendBuf[:0]
	s.recvBuf = s.recvBuf[:0]
	s.mu.Unlock()

	if ex.Duration < 0 || ex.RequestTime.IsZero() || len(ex.Response) == 0 {
		ex.Duration = 0
	}
	st.emit(ex)
}

// CleanStale removes streams that have been idle for longer than maxIdle.
func (st *Store) CleanStale(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	var stale []*Stream
	st.mu.Lock()
	for conn, s := range st.streams {
		if s.LastActivity().Before(cutoff) {
			delete(st.streams, conn)
			stale = append(stale, s)
		}
	}
	st.mu.Unlock()

	for _, s := range stale {
		st.flush(s)
	}
	return len(stale)
}
