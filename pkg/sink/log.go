package sink

import (
	"encoding/hex"

	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

const hexPreviewBytes = 32

// LogSink writes one structured log line per capture.
type LogSink struct {
	logger   *zap.Logger
	redactor *redact.Redactor
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger, redactor *redact.Redactor) *LogSink {
	return &LogSink{logger: logger, redactor: redactor}
}

func (s *LogSink) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	s.logger.Debug("connection prepared",
		zap.Stringer("conn", conn),
		zap.Bool("decrypted", isDecrypted),
	)
	return nil
}

func (s *LogSink) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	c, err := NewCapture(conn, isIncoming, buf, offset, length, isWrapping, singleDecode)
	if err != nil {
		return err
	}

	s.logger.Debug("capture",
		zap.Stringer("conn", c.Conn),
		zap.Uint64("conn_hash", c.Conn.Hash()),
		zap.String("direction", c.Direction()),
		zap.Int("length", len(c.Data)),
		zap.String("protocol", protocol.Detect(c.Data)),
		zap.String("hex", hex.EncodeToString(c.Data[:min(len(c.Data), hexPreviewBytes)])),
		zap.String("text", s.redactor.Text(c.Data, defaultPreviewBytes)),
	)
	return nil
}
