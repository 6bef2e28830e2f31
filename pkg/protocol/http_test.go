// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package protocol

import (
	"testing"
)

func TestHTTPDetect(t *testing.T) {
	p := &HTTPParser{}

	tests := []struct {
		name   string
		data   []byte
		expect bool
	}{
		{"GET request", []byte("GET / HTTP/1.1\r\n"), true},
		{"POST request", []byte("POST /api HTTP/1.1\r\n"), true},
		{"HTTP response", []byte("HTTP/1.1 200 OK\r\n"), true},
		{"Binary data", []byte{0x00, 0x01, 0x02, 0x03}, false},
		{"Too short", []byte("GE"), false},
		{"PUT request", []byte("PUT /resource HTTP/1.1\r\n"), true},
		{"DELETE request", []byte("DELETE /item/1 HTTP/1.1\r\n"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := p.Detect(tt.data)
			if got != tt.expect {
				t.Errorf("Detect(%q) = %v, want %v", tt.data, got, tt.expect)
			}
		})
	}
}

func TestHTTPSummarize(t *testing.T) {
	p := &HTTPParser{}

	request := []byte("GET /api/users?page=1 HTTP/1.1\r\nHost: example.com\r\nUser-Agent: test\r\n\r\n")
	response := []byte("HTTP/1.1 200 OK\r\nContent-Type: application/json\r\nContent-Length: 2\r\n\r\n{}")

	sum := p.Summarize(request, response)

	if sum.Method != "GET" {
		t.Errorf("method = %q, want GET", sum.Method)
	}
	if sum.Path != "/api/users" {
		t.Errorf("path = %q, want /api/users", sum.Path)
	}
	if sum.Status != 200 {
		t.Errorf("status = %d, want 200", sum.Status)
	}
	if sum.Host != "example.com" {
		t.Errorf("host = %q, want example.com", sum.Host)
	}
	if sum.UserAgent != "test" {
		t.Errorf("user agent = %q, want test", sum.UserAgent)
	}
	if sum.Name != "GET /api/users" {
		t.Errorf("name = %q, want 'GET /api/users'", sum.Name)
	}
	if sum.Error {
		t.Error("unexpected error flag")
	}
}

func TestHTTPSummarizeError(t *testing.T) {
	p := &HTTPParser{}

	request := []byte("GET /fail HTTP/1.1\r\nHost: example.com\r\n\r\n")
	response := []byte("HTTP/1.1 500 Internal Server Error\r\n\r\n")

	sum := p.Summarize(request, response)

	if sum.Status != 500 {
		t.Errorf("status = %d, want 500", sum.Status)
	}
	if !sum.Error {
		t.Error("expected error flag for 500")
	}
	if sum.ErrorMsg != "HTTP 500" {
		t.Errorf("errorMsg = %q", sum.ErrorMsg)
	}
}

func TestHTTPSummarizeTruncated(t *testing.T) {
	p := &HTTPParser{}

	// Header block cut off before the terminating blank line.
	sum := p.Summarize([]byte("POST /upload HTTP/1.1\r\nHost: exa"), []byte("HTTP/1.1 404 Not Found\r\nCont"))

	if sum.Method != "POST" || sum.Path != "/upload" {
		t.Errorf("method/path = %q %q, want POST /upload", sum.Method, sum.Path)
	}
	if sum.Status != 404 {
		t.Errorf("status = %d, want 404", sum.Status)
	}
}
