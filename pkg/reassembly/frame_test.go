// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"fmt"
	"math"
	"strings"
	"testing"
)

func TestFrameHTTP_ValidContentLength(t *testing.T) {
	body := "hello world"
	buf := []byte(fmt.Sprintf("POST / HTTP/1.1\r\nContent-Length: %d\r\n\r\n%s", len(body), body))

	if n := frameHTTP(buf, true); n != len(buf) {
		t.Errorf("frameHTTP = %d, want %d", n, len(buf))
	}
}

func TestFrameHTTP_IncompleteBody(t *testing.T) {
	buf := []byte("HTTP/1.1 200 OK\r\nContent-Length: 10\r\n\r\nabc")
	if n := frameHTTP(buf, false); n != 0 {
		t.Errorf("frameHTTP = %d, want 0", n)
	}
}

func TestFrameHTTP_IncompleteHeaders(t *testing.T) {
	if n := frameHTTP([]byte("GET / HTTP/1.1\r\nHost: x"), true); n != 0 {
		t.Errorf("frameHTTP = %d, want 0", n)
	}
}

func TestFrameHTTP_BadContentLength(t *testing.T) {
	tests := []struct {
		name  string
		value string
	}{
		{"int max", fmt.Sprintf("%d", math.MaxInt)},
		{"negative", "-1"},
		{"zero", "0"},
		{"over buffer", fmt.Sprintf("%d", MaxBufferSize+1)},
		{"not a number", "ten"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := "GET / HTTP/1.1\r\nContent-Length: " + tt.value + "\r\n\r\n"
			if n := frameHTTP([]byte(msg), true); n != len(msg) {
				t.Errorf("frameHTTP = %d, want %d (headers only)", n, len(msg))
			}
		})
	}
}

func TestFrameHTTP_NoRequestLine(t *testing.T) {
	buf := []byte("MALFORMED\r\n\r\n")
	if n := frameHTTP(buf, true); n != len(buf) {
		t.Errorf("frameHTTP = %d, want %d", n, len(buf))
	}
}

func TestFrameHTTP_ResponseNoContentLength(t *testing.T) {
	buf := []byte("HTTP/1.1 204 No Content\r\n\r\n")
	if n := frameHTTP(buf, false); n != len(buf) {
		t.Errorf("frameHTTP 204 response = %d, want %d", n, len(buf))
	}
}

func TestFrameHTTP_Pipelined(t *testing.T) {
	first := "GET /a HTTP/1.1\r\nHost: x\r\n\r\n"
	buf := []byte(first + "GET /b HTTP/1.1\r\nHost: x\r\n\r\n")
	if n := frameHTTP(buf, true); n != len(first) {
		t.Errorf("frameHTTP = %d, want %d", n, len(first))
	}
}

func TestFrameChunked_ValidChunks(t *testing.T) {
	headers := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	buf := []byte(headers + "5\r\nhello\r\n0\r\n\r\n")

	if n := frameHTTP(buf, false); n != len(buf) {
		t.Errorf("frameHTTP chunked = %d, want %d", n, len(buf))
	}
}

func TestFrameChunked_Extension(t *testing.T) {
	headers := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	buf := []byte(headers + "3;name=v\r\nabc\r\n0\r\n\r\n")

	if n := frameHTTP(buf, false); n != len(buf) {
		t.Errorf("frameHTTP chunked with extension = %d, want %d", n, len(buf))
	}
}

func TestFrameChunked_HugeChunkSize(t *testing.T) {
	headers := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	buf := []byte(headers + "FFFFFFFFFF\r\ndata\r\n0\r\n\r\n")

	if n := frameHTTP(buf, false); n != 0 {
		t.Errorf("frameHTTP with huge chunk = %d, want 0", n)
	}
}

func TestFrameChunked_MalformedSize(t *testing.T) {
	headers := "HTTP/1.1 200 OK\r\nTransfer-Encoding: chunked\r\n\r\n"
	buf := []byte(headers + "xyz\r\ndata\r\n0\r\n\r\n")

	if n := frameHTTP(buf, false); n != len(headers) {
		t.Errorf("frameHTTP with malformed chunk hex = %d, want %d", n, len(headers))
	}
}

func nestedArrays(depth int) []byte {
	return []byte(strings.Repeat("*1\r\n", depth) + "+OK\r\n")
}

func TestFrameRedis_Nesting(t *testing.T) {
	if buf := nestedArrays(32); frameRedis(buf) != len(buf) {
		t.Errorf("frameRedis depth 32 = %d, want %d", frameRedis(buf), len(buf))
	}
	if n := frameRedis(nestedArrays(40)); n != 0 {
		t.Errorf("frameRedis depth 40 = %d, want 0", n)
	}
}

func TestFrameRedis(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want int
	}{
		{"simple string", "+OK\r\n", 5},
		{"error", "-ERR bad\r\n", 10},
		{"integer", ":42\r\n", 5},
		{"bulk string", "$5\r\nhello\r\n", 11},
		{"null bulk", "$-1\r\n", 5},
		{"incomplete bulk", "$5\r\nhel", 0},
		{"array", "*2\r\n+OK\r\n+OK\r\n", 14},
		{"command", "*2\r\n$3\r\nGET\r\n$1\r\nk\r\n", 20},
		{"incomplete array", "*2\r\n+OK\r\n", 0},
		{"inline", "PING\r\n", 6},
		{"too short", "+O", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := frameRedis([]byte(tt.in)); got != tt.want {
				t.Errorf("frameRedis(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestFrameMessage_Unframed(t *testing.T) {
	buf := []byte{0, 1, 2, 3, 4}
	for _, proto := range []string{"http2", "unknown", ""} {
		if n := frameMessage(buf, proto, true); n != len(buf) {
			t.Errorf("frameMessage(%q) = %d, want %d", proto, n, len(buf))
		}
	}
}

func TestExtractHeaderValue(t *testing.T) {
	headers := "GET /content-length: HTTP/1.1\r\nHost: a\r\ncontent-LENGTH:  12 \r\n\r\n"
	if got := extractHeaderValue(headers, "Content-Length"); got != "12" {
		t.Errorf("extractHeaderValue = %q, want %q", got, "12")
	}
	if got := extractHeaderValue(headers, "X-Missing"); got != "" {
		t.Errorf("extractHeaderValue(missing) = %q, want empty", got)
	}
}
