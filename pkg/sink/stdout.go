package sink

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

// StdoutSink prints captures for debugging.
type StdoutSink struct {
	format   string // "text" or "json"
	w        io.Writer
	redactor *redact.Redactor
	logger   *zap.Logger

	mu sync.Mutex
}

// NewStdoutSink creates a sink that writes to w.
func NewStdoutSink(w io.Writer, format string, redactor *redact.Redactor, logger *zap.Logger) *StdoutSink {
	if format == "" {
		format = "text"
	}
	return &StdoutSink{
		format:   format,
		w:        w,
		redactor: redactor,
		logger:   logger,
	}
}

func (s *StdoutSink) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	return nil
}

func (s *StdoutSink) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	c, err := NewCapture(conn, isIncoming, buf, offset, length, isWrapping, singleDecode)
	if err != nil {
		return err
	}
	text := s.redactor.Text(c.Data, defaultPreviewBytes)

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.format == "json" {
		data, err := json.Marshal(map[string]interface{}{
			"time":      c.Time.Format(time.RFC3339Nano),
			"conn":      c.Conn.String(),
			"pid":       c.Conn.PID,
			"fd":        c.Conn.FD,
			"direction": c.Direction(),
			"length":    len(c.Data),
			"protocol":  protocol.Detect(c.Data),
			"text":      text,
		})
		if err != nil {
			return fmt.Errorf("marshal capture: %w", err)
		}
		_, err = fmt.Fprintf(s.w, "%s\n", data)
		return err
	}

	_, err = fmt.Fprintf(s.w, "[CAPTURE] conn=%s %-4s %6dB proto=%s\n%s\n",
		c.Conn, c.Direction(), len(c.Data), protocol.Detect(c.Data), indent(text))
	return err
}

func indent(s string) string {
	s = strings.TrimRight(s, "\r\n")
	return "    " + strings.ReplaceAll(s, "\n", "\n    ")
}
