package main

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/mbeema/streamtap/pkg/config"
	"github.com/mbeema/streamtap/pkg/reassembly"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/transport"
)

func TestParseTarget(t *testing.T) {
	tests := []struct {
		raw     string
		want    target
		wantErr bool
	}{
		{"https://example.com", target{Addr: "example.com:443", Host: "example.com", Path: "/", UseTLS: true}, false},
		{"https://example.com:8443/a?b=1", target{Addr: "example.com:8443", Host: "example.com:8443", Path: "/a?b=1", UseTLS: true}, false},
		{"http://127.0.0.1/x", target{Addr: "127.0.0.1:80", Host: "127.0.0.1", Path: "/x"}, false},
		{"ftp://example.com/", target{}, true},
		{"https:///nohost", target{}, true},
	}
	for _, tt := range tests {
		got, err := parseTarget(tt.raw)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTarget(%q) err = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseTarget(%q) = %+v, want %+v", tt.raw, got, tt.want)
		}
	}
}

func TestBuildRequest(t *testing.T) {
	req := string(buildRequest(target{Host: "example.com", Path: "/health"}))
	if !strings.HasPrefix(req, "GET /health HTTP/1.1\r\nHost: example.com\r\n") {
		t.Errorf("request = %q", req)
	}
	if !strings.HasSuffix(req, "Connection: close\r\n\r\n") {
		t.Errorf("request should end with Connection: close and a blank line: %q", req)
	}
}

func TestPrintTranscript(t *testing.T) {
	now := time.Now()
	tr := reassembly.Transcript{
		Conn:        transport.ConnID{PID: 1, FD: 3, Cookie: 9},
		Protocol:    "http",
		IsDecrypted: true,
		Segments: []reassembly.Segment{
			{Incoming: false, Time: now, Data: []byte("GET /pay?ssn=123-45-6789 HTTP/1.1\r\nHost: x\r\n\r\n")},
			{Incoming: true, Time: now, Data: []byte("HTTP/1.1 404 Not Found\r\nContent-Length: 0\r\n\r\n")},
		},
		BytesSent: 47,
		BytesRecv: 45,
	}

	var out bytes.Buffer
	printTranscript(&out, tr, redact.New(true, nil))
	got := out.String()

	for _, want := range []string{">> ", "<< ", "GET /pay", "-> 404", "sent 47, received 45"} {
		if !strings.Contains(got, want) {
			t.Errorf("output missing %q:\n%s", want, got)
		}
	}
	if strings.Contains(got, "123-45-6789") {
		t.Errorf("output leaked an unredacted SSN:\n%s", got)
	}
}

func TestFormatMethods(t *testing.T) {
	table, err := config.DefaultConfig().Hook.MethodTable()
	if err != nil {
		t.Fatal(err)
	}
	lines := formatMethods(table)
	if len(lines) != 2 {
		t.Fatalf("lines = %v, want 2", lines)
	}
	if !strings.HasPrefix(lines[0], "asyncio.Stream::EndRead") || !strings.HasSuffix(lines[0], "receive") {
		t.Errorf("lines[0] = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "asyncio.Stream::EndWrite") || !strings.HasSuffix(lines[1], "send") {
		t.Errorf("lines[1] = %q", lines[1])
	}
}
