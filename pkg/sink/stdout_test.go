package sink

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/mbeema/streamtap/pkg/redact"
	"go.uber.org/zap"
)

func TestStdoutSinkText(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink(&buf, "", redact.New(true, nil), zap.NewNop())

	data := []byte("GET / HTTP/1.1\r\nCookie: session=abc\r\n\r\n")
	if err := s.PartialData(testConn, false, data, 0, len(data), true, false); err != nil {
		t.Fatalf("PartialData: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "[CAPTURE] conn="+testConn.String()) {
		t.Errorf("output = %q", out)
	}
	if !strings.Contains(out, "proto=http") {
		t.Errorf("output missing protocol: %q", out)
	}
	if strings.Contains(out, "session=abc") {
		t.Errorf("cookie not redacted: %q", out)
	}
}

func TestStdoutSinkJSON(t *testing.T) {
	var buf bytes.Buffer
	s := NewStdoutSink(&buf, "json", nil, zap.NewNop())

	data := []byte{0xff, 0xfe, 0x00}
	if err := s.PartialData(testConn, true, data, 0, len(data), true, false); err != nil {
		t.Fatalf("PartialData: %v", err)
	}

	var got map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &got); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if got["direction"] != "recv" {
		t.Errorf("direction = %v, want recv", got["direction"])
	}
	if got["length"] != float64(3) {
		t.Errorf("length = %v, want 3", got["length"])
	}
	if got["text"] != "<binary 3 bytes>" {
		t.Errorf("text = %v", got["text"])
	}
}

func TestLogSink(t *testing.T) {
	s := NewLogSink(zap.NewNop(), nil)
	if err := s.PreparePartialBuffers(testConn, true); err != nil {
		t.Fatal(err)
	}
	if err := s.PartialData(testConn, true, []byte("abc"), 1, 2, true, false); err != nil {
		t.Fatal(err)
	}
	if err := s.PartialData(testConn, true, []byte("abc"), 2, 2, true, false); err == nil {
		t.Error("expected range error")
	}
}
