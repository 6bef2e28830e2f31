package protocol

import (
	"strings"
)

// Protocol names.
const (
	ProtoHTTP    = "http"
	ProtoHTTP2   = "http2"
	ProtoRedis   = "redis"
	ProtoUnknown = "unknown"
)

// Summary is a one-exchange digest of a captured plaintext transcript.
type Summary struct {
	Protocol string
	Name     string // e.g. "GET /index.html", "helloworld.Greeter/SayHello", "SET"

	// HTTP and HTTP/2
	Method    string
	Path      string
	Host      string
	Status    int
	UserAgent string

	// gRPC over HTTP/2
	GRPC       bool
	GRPCStatus int

	// Redis
	Command string
	Args    string

	Error    bool
	ErrorMsg string
}

// Parser recognizes and summarizes one application protocol.
type Parser interface {
	// Name returns the protocol name.
	Name() string

	// Detect checks if the data matches this protocol.
	Detect(data []byte) bool

	// Summarize digests the outbound (request) and inbound (response) bytes.
	Summarize(request, response []byte) *Summary
}

// registry holds all registered protocol parsers.
var registry []Parser

func init() {
	// Order matters: more specific protocols first
	registry = []Parser{
		&HTTP2Parser{},
		&HTTPParser{},
		&RedisParser{},
	}
}

// Detect identifies the protocol of the first bytes seen on a connection.
func Detect(data []byte) string {
	for _, p := range registry {
		if p.Detect(data) {
			return p.Name()
		}
	}
	return ProtoUnknown
}

// Summarize uses the parser registered for proto.
func Summarize(proto string, request, response []byte) *Summary {
	for _, p := range registry {
		if p.Name() == proto {
			return p.Summarize(request, response)
		}
	}

	return &Summary{
		Protocol: ProtoUnknown,
		Name:     "unknown",
	}
}

// isHTTPMethod checks if the string starts with an HTTP method.
func isHTTPMethod(s string) bool {
	methods := []string{"GET ", "POST ", "PUT ", "DELETE ", "PATCH ", "HEAD ", "OPTIONS ", "CONNECT ", "TRACE "}
	for _, m := range methods {
		if strings.HasPrefix(s, m) {
			return true
		}
	}
	return false
}
