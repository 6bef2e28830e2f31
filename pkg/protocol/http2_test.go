package protocol

import (
	"bytes"
	"encoding/binary"
	"testing"

	"golang.org/x/net/http2/hpack"
)

// headersFrame builds an HTTP/2 HEADERS frame carrying an HPACK block.
func headersFrame(streamID uint32, headers []hpack.HeaderField) []byte {
	var block bytes.Buffer
	enc := hpack.NewEncoder(&block)
	for _, h := range headers {
		enc.WriteField(h)
	}
	payload := block.Bytes()

	frame := make([]byte, http2FrameHeaderLen+len(payload))
	frame[0] = byte(len(payload) >> 16)
	frame[1] = byte(len(payload) >> 8)
	frame[2] = byte(len(payload))
	frame[3] = http2FrameHeaders
	frame[4] = http2FlagEndHeaders
	binary.BigEndian.PutUint32(frame[5:9], streamID)
	copy(frame[9:], payload)
	return frame
}

func TestHTTP2SummarizeGRPC(t *testing.T) {
	p := &HTTP2Parser{}

	req := append([]byte(nil), http2Preface...)
	req = append(req, headersFrame(1, []hpack.HeaderField{
		{Name: ":method", Value: "POST"},
		{Name: ":scheme", Value: "https"},
		{Name: ":path", Value: "/helloworld.Greeter/SayHello"},
		{Name: ":authority", Value: "localhost:50051"},
		{Name: "content-type", Value: "application/grpc"},
	})...)
	resp := headersFrame(1, []hpack.HeaderField{
		{Name: ":status", Value: "200"},
		{Name: "grpc-status", Value: "5"},
		{Name: "grpc-message", Value: "not found"},
	})

	if !p.Detect(req) {
		t.Fatal("Detect(request with preface) = false")
	}

	sum := p.Summarize(req, resp)
	if !sum.GRPC {
		t.Error("GRPC = false, want true")
	}
	if sum.Name != "helloworld.Greeter/SayHello" {
		t.Errorf("Name = %q", sum.Name)
	}
	if sum.Host != "localhost:50051" {
		t.Errorf("Host = %q", sum.Host)
	}
	if sum.Status != 200 {
		t.Errorf("Status = %d, want 200", sum.Status)
	}
	if sum.GRPCStatus != 5 {
		t.Errorf("GRPCStatus = %d, want 5", sum.GRPCStatus)
	}
	if !sum.Error || sum.ErrorMsg != "gRPC status 5: not found" {
		t.Errorf("Error = %v, ErrorMsg = %q", sum.Error, sum.ErrorMsg)
	}
}

func TestHTTP2SummarizePlain(t *testing.T) {
	p := &HTTP2Parser{}

	req := headersFrame(1, []hpack.HeaderField{
		{Name: ":method", Value: "GET"},
		{Name: ":path", Value: "/"},
		{Name: ":authority", Value: "example.com"},
	})
	resp := headersFrame(1, []hpack.HeaderField{{Name: ":status", Value: "404"}})

	sum := p.Summarize(req, resp)
	if sum.Name != "GET /" {
		t.Errorf("Name = %q, want 'GET /'", sum.Name)
	}
	if sum.GRPC {
		t.Error("GRPC = true for plain HTTP/2")
	}
	if !sum.Error || sum.Status != 404 {
		t.Errorf("Status = %d, Error = %v", sum.Status, sum.Error)
	}
}

func TestHTTP2SummarizeGarbage(t *testing.T) {
	p := &HTTP2Parser{}

	sum := p.Summarize([]byte{0, 0, 200, 1, 4, 0, 0, 0, 1, 0xff}, nil)
	if sum.Name != "HTTP/2" {
		t.Errorf("Name = %q, want HTTP/2", sum.Name)
	}
}
