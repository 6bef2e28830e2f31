// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package reassembly

import (
	"bytes"
	"strconv"
	"strings"

	"github.com/mbeema/streamtap/pkg/protocol"
)

// maxRedisDepth bounds RESP array nesting.
const maxRedisDepth = 32

/* ─── Protocol-aware message framing ────────────────────────────── */

// frameMessage returns the length of the first complete message in buf,
// or 0 if the message is incomplete.
func frameMessage(buf []byte, proto string, isRequest bool) int {
	switch proto {
	case protocol.ProtoHTTP:
		return frameHTTP(buf, isRequest)
	case protocol.ProtoRedis:
		return frameRedis(buf)
	default:
		// HTTP/2 multiplexes streams over one connection and unknown
		// protocols have no boundaries: take everything available.
		return len(buf)
	}
}

// frameHTTP finds the boundary of one complete HTTP/1.x message.
// Handles: Content-Length, chunked transfer encoding, and no-body responses.
func frameHTTP(buf []byte, isRequest bool) int {
	headerEnd := bytes.Index(buf, []byte("\r\n\r\n"))
	if headerEnd < 0 {
		return 0 // headers incomplete
	}
	headerEnd += 4

	headers := string(buf[:headerEnd])

	if cl := extractHeaderValue(headers, "content-length"); cl != "" {
		contentLen, err := strconv.Atoi(cl)
		if err != nil || contentLen <= 0 || contentLen > MaxBufferSize {
			return headerEnd // malformed or unbufferable, headers only
		}
		if headerEnd+contentLen > len(buf) {
			return 0 // body incomplete
		}
		return headerEnd + contentLen
	}

	if strings.Contains(strings.ToLower(extractHeaderValue(headers, "transfer-encoding")), "chunked") {
		return frameChunked(buf, headerEnd)
	}

	// Without a length a request carries no body, and a response body runs
	// to connection close; both are framed as headers only.
	return headerEnd
}

// frameChunked finds the end of chunked transfer encoding.
func frameChunked(buf []byte, bodyStart int) int {
	offset := bodyStart

	for offset < len(buf) {
		// Each chunk: <hex-size>\r\n<data>\r\n
		lineEnd := bytes.Index(buf[offset:], []byte("\r\n"))
		if lineEnd < 0 {
			return 0
		}

		sizeStr := strings.TrimSpace(string(buf[offset : offset+lineEnd]))
		if idx := strings.IndexByte(sizeStr, ';'); idx >= 0 {
			sizeStr = sizeStr[:idx] // chunk extension
		}

		chunkSize, err := strconv.ParseInt(sizeStr, 16, 64)
		if err != nil || chunkSize < 0 {
			return offset // malformed, return what we have
		}
		if chunkSize > MaxBufferSize {
			return 0 // can never complete within the buffer
		}

		offset += lineEnd + 2

		if chunkSize == 0 {
			// Terminal chunk, optional trailers, final \r\n.
			trailerEnd := bytes.Index(buf[offset:], []byte("\r\n"))
			if trailerEnd < 0 {
				return 0
			}
			return offset + trailerEnd + 2
		}

		offset += int(chunkSize) + 2
		if offset > len(buf) {
			return 0
		}
	}

	return 0
}

// frameRedis finds the boundary of one RESP message.
func frameRedis(buf []byte) int {
	return frameRedisDepth(buf, 0)
}

func frameRedisDepth(buf []byte, depth int) int {
	if len(buf) < 3 {
		return 0
	}

	switch buf[0] {
	case '+', '-', ':':
		end := bytes.Index(buf, []byte("\r\n"))
		if end < 0 {
			return 0
		}
		return end + 2

	case '$':
		// Bulk string: $<len>\r\n<data>\r\n
		lineEnd := bytes.Index(buf, []byte("\r\n"))
		if lineEnd < 0 {
			return 0
		}
		strLen, err := strconv.Atoi(string(buf[1:lineEnd]))
		if err != nil || strLen < 0 {
			return lineEnd + 2 // malformed or null bulk string
		}
		if strLen > MaxBufferSize {
			return 0
		}
		total := lineEnd + 2 + strLen + 2
		if total > len(buf) {
			return 0
		}
		return total

	case '*':
		return frameRESPArray(buf, depth)

	default:
		// Inline command
		end := bytes.Index(buf, []byte("\r\n"))
		if end < 0 {
			return 0
		}
		return end + 2
	}
}

func frameRESPArray(buf []byte, depth int) int {
	if depth > maxRedisDepth {
		return 0
	}
	lineEnd := bytes.Index(buf, []byte("\r\n"))
	if lineEnd < 0 {
		return 0
	}

	count, err := strconv.Atoi(string(buf[1:lineEnd]))
	if err != nil || count < 0 {
		return lineEnd + 2
	}

	offset := lineEnd + 2
	for i := 0; i < count; i++ {
		if offset >= len(buf) {
			return 0
		}
		n := frameRedisDepth(buf[offset:], depth+1)
		if n <= 0 {
			return 0
		}
		offset += n
	}
	return offset
}

// extractHeaderValue finds a header value (case-insensitive name match).
func extractHeaderValue(headers string, name string) string {
	lower := strings.ToLower(headers)
	target := "\r\n" + strings.ToLower(name) + ":"
	idx := strings.Index(lower, target)
	if idx < 0 {
		return ""
	}
	start := idx + len(target)
	end := strings.Index(headers[start:], "\r\n")
	if end < 0 {
		return strings.TrimSpace(headers[start:])
	}
	return strings.TrimSpace(headers[start : start+end])
}
