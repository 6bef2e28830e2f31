package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/http2/hpack"
)

var http2Preface = []byte("PRI * HTTP/2.0\r\n\r\nSM\r\n\r\n")

const (
	http2FrameHeaders      = 0x1
	http2FrameSettings     = 0x4
	http2FrameContinuation = 0x9

	http2FlagEndHeaders = 0x4
	http2FlagPadded     = 0x8
	http2FlagPriority   = 0x20

	http2FrameHeaderLen = 9
)

// HTTP2Parser summarizes HTTP/2 exchanges, including gRPC calls.
type HTTP2Parser struct{}

func (p *HTTP2Parser) Name() string { return ProtoHTTP2 }

func (p *HTTP2Parser) Detect(data []byte) bool {
	if bytes.HasPrefix(data, http2Preface) {
		return true
	}
	if len(data) < http2FrameHeaderLen {
		return false
	}

	// A server speaks first with a SETTINGS frame on stream 0.
	frameLen := uint32(data[0])<<16 | uint32(data[1])<<8 | uint32(data[2])
	streamID := (uint32(data[5])<<24 | uint32(data[6])<<16 | uint32(data[7])<<8 | uint32(data[8])) & 0x7fffffff
	return data[3] == http2FrameSettings && streamID == 0 && frameLen%6 == 0 && frameLen < 16384
}

func (p *HTTP2Parser) Summarize(request, response []byte) *Summary {
	sum := &Summary{Protocol: ProtoHTTP2}

	reqHeaders := decodeHeaders(request)
	respHeaders := decodeHeaders(response)

	sum.Method = headerValue(reqHeaders, ":method")
	sum.Path = headerValue(reqHeaders, ":path")
	sum.Host = headerValue(reqHeaders, ":authority")
	sum.UserAgent = headerValue(reqHeaders, "user-agent")
	sum.GRPC = strings.HasPrefix(headerValue(reqHeaders, "content-type"), "application/grpc")

	if s := headerValue(respHeaders, ":status"); s != "" {
		sum.Status, _ = strconv.Atoi(s)
	}
	if s := headerValue(respHeaders, "grpc-status"); s != "" {
		sum.GRPCStatus, _ = strconv.Atoi(s)
	}

	switch {
	case sum.GRPC && sum.Path != "":
		sum.Name = strings.TrimPrefix(sum.Path, "/")
	case sum.Method != "" && sum.Path != "":
		sum.Name = sum.Method + " " + sum.Path
	default:
		sum.Name = "HTTP/2"
	}

	if sum.GRPCStatus != 0 {
		sum.Error = true
		sum.ErrorMsg = fmt.Sprintf("gRPC status %d", sum.GRPCStatus)
		if msg := headerValue(respHeaders, "grpc-message"); msg != "" {
			sum.ErrorMsg += ": " + msg
		}
	} else if sum.Status >= 400 {
		sum.Error = true
		sum.ErrorMsg = fmt.Sprintf("HTTP %d", sum.Status)
	}

	return sum
}

// decodeHeaders walks HTTP/2 frames and HPACK-decodes the first complete
// header block.
func decodeHeaders(data []byte) []hpack.HeaderField {
	data = bytes.TrimPrefix(data, http2Preface)

	var block []byte
	decoder := hpack.NewDecoder(4096, nil)

	for len(data) >= http2FrameHeaderLen {
		frameLen := int(data[0])<<16 | int(data[1])<<8 | int(data[2])
		frameType := data[3]
		flags := data[4]

		end := http2FrameHeaderLen + frameLen
		if end > len(data) {
			break
		}
		payload := data[http2FrameHeaderLen:end]

		switch frameType {
		case http2FrameHeaders:
			if flags&http2FlagPadded != 0 && len(payload) > 0 {
				padLen := int(payload[0])
				payload = payload[1:]
				if padLen < len(payload) {
					payload = payload[:len(payload)-padLen]
				}
			}
			if flags&http2FlagPriority != 0 && len(payload) >= 5 {
				payload = payload[5:]
			}
			block = append(block, payload...)
		case http2FrameContinuation:
			block = append(block, payload...)
		}

		if (frameType == http2FrameHeaders || frameType == http2FrameContinuation) && flags&http2FlagEndHeaders != 0 {
			if headers, err := decoder.DecodeFull(block); err == nil {
				return headers
			}
			block = nil
		}

		data = data[end:]
	}

	return nil
}

func headerValue(headers []hpack.HeaderField, name string) string {
	for _, h := range headers {
		if strings.EqualFold(h.Name, name) {
			return h.Value
		}
	}
	return ""
}
