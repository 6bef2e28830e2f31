package intercept

import (
	"fmt"

	"github.com/mbeema/streamtap/pkg/health"
	"github.com/mbeema/streamtap/pkg/sink"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

// SinkAdapter is the engine's only path to the dump sink. Nothing the sink
// does, including panicking, reaches the intercepted caller.
type SinkAdapter struct {
	logger *zap.Logger
	sink   sink.DumpSink
	stats  *health.Stats
}

// NewSinkAdapter wraps s. A nil sink discards everything.
func NewSinkAdapter(s sink.DumpSink, stats *health.Stats, logger *zap.Logger) *SinkAdapter {
	if s == nil {
		s = sink.Discard{}
	}
	if stats == nil {
		stats = health.NewStats()
	}
	return &SinkAdapter{logger: logger, sink: s, stats: stats}
}

// Prepare readies the sink's per-connection buffers for decrypted data.
func (a *SinkAdapter) Prepare(conn transport.ConnID) {
	a.call(conn, "PreparePartialBuffers", func() error {
		return a.sink.PreparePartialBuffers(conn, true)
	})
}

// Submit forwards one record.
func (a *SinkAdapter) Submit(rec Record) {
	ok := a.call(rec.Conn, "PartialData", func() error {
		return a.sink.PartialData(rec.Conn, rec.Incoming(), rec.Buffer, rec.Offset, rec.Length, true, false)
	})
	if !ok {
		return
	}

	a.stats.RecordsForwarded.Add(1)
	if rec.Incoming() {
		a.stats.BytesReceived.Add(int64(rec.Length))
	} else {
		a.stats.BytesSent.Add(int64(rec.Length))
	}
}

func (a *SinkAdapter) call(conn transport.ConnID, op string, fn func() error) (ok bool) {
	defer func() {
		if v := recover(); v != nil {
			ok = false
			a.stats.SinkErrors.Add(1)
			a.logger.Error("dump sink panicked",
				zap.String("op", op),
				zap.Uint64("conn_hash", conn.Hash()),
				zap.Error(fmt.Errorf("%v", v)),
			)
		}
	}()

	if err := fn(); err != nil {
		a.stats.SinkErrors.Add(1)
		a.logger.Warn("dump sink rejected data",
			zap.String("op", op),
			zap.Uint64("conn_hash", conn.Hash()),
			zap.Error(err),
		)
		return false
	}
	return true
}
