// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"testing"
)

func TestRedactCreditCard(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input    string
		expected string
	}{
		{"card: 4111111111111111", "card: [REDACTED_CC]"},
		{"card: 4111-1111-1111-1111", "card: [REDACTED_CC]"},
		{"card: 5500 0000 0000 0004", "card: [REDACTED_CC]"},
		{"no card here", "no card here"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.expected {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.expected)
		}
	}
}

func TestRedactSSN(t *testing.T) {
	r := New(true, nil)
	input := "ssn: 123-45-6789"
	got := r.Redact(input)
	if got != "ssn: [REDACTED_SSN]" {
		t.Errorf("Redact(%q) = %q", input, got)
	}
}

func TestRedactAuthorizationHeader(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"Authorization: Bearer abc123", "Authorization: [REDACTED]"},
		{"authorization: token xyz", "authorization: [REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactPassword(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		input string
		want  string
	}{
		{"password=secret123", "password=[REDACTED]"},
		{"api_key=abc-def-123", "api_key=[REDACTED]"},
	}
	for _, tt := range tests {
		got := r.Redact(tt.input)
		if got != tt.want {
			t.Errorf("Redact(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestRedactDisabled(t *testing.T) {
	r := New(false, nil)
	input := "card: 4111111111111111"
	got := r.Redact(input)
	if got != input {
		t.Errorf("disabled Redact should return input unchanged, got %q", got)
	}
}

func TestUpdateSwapsRules(t *testing.T) {
	r := New(true, nil)
	if got := r.Redact("order ORD-42"); got != "order ORD-42" {
		t.Fatalf("Redact = %q, want unchanged", got)
	}

	rule, err := CompileRule("order", `ORD-\d+`, "")
	if err != nil {
		t.Fatal(err)
	}
	r.Update(true, []Rule{rule})
	if got := r.Redact("order ORD-42"); got != "order [REDACTED]" {
		t.Errorf("Redact = %q, want order [REDACTED]", got)
	}

	r.Update(false, []Rule{rule})
	if r.Enabled() {
		t.Error("Enabled = true after disabling")
	}
	if got := r.Redact("order ORD-42"); got != "order ORD-42" {
		t.Errorf("Redact = %q while disabled", got)
	}
}

func TestCompileRule(t *testing.T) {
	rule, err := CompileRule("token", `tok_[a-z]+`, "<tok>")
	if err != nil {
		t.Fatal(err)
	}
	if rule.Replacement != "<tok>" {
		t.Errorf("Replacement = %q, want <tok>", rule.Replacement)
	}
	if _, err := CompileRule("broken", `(`, ""); err == nil {
		t.Error("CompileRule should reject an invalid pattern")
	}
}

func TestNilRedactor(t *testing.T) {
	var r *Redactor
	if r.Enabled() {
		t.Error("nil Redactor reports enabled")
	}
	if got := r.Redact("ssn 123-45-6789"); got != "ssn 123-45-6789" {
		t.Errorf("Redact = %q, want input unchanged", got)
	}
}

func TestText(t *testing.T) {
	r := New(true, nil)
	tests := []struct {
		name string
		data []byte
		max  int
		want string
	}{
		{"plain", []byte("hello"), 0, "hello"},
		{"truncated", []byte("hello world"), 5, "hello"},
		{"redacted", []byte("ssn 123-45-6789"), 0, "ssn [REDACTED_SSN]"},
		{"binary", []byte{0xff, 0xfe, 0x00}, 0, "<binary 3 bytes>"},
		{"rune boundary", []byte("h\u00e9llo"), 2, "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := r.Text(tt.data, tt.max); got != tt.want {
				t.Errorf("Text = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRedactHeaders(t *testing.T) {
	headers := "Authorization: Bearer token123\r\nContent-Type: application/json\r\nCookie: session=abc"
	got := RedactHeaders(headers)
	if got != "Authorization: [REDACTED]\r\nContent-Type: application/json\r\nCookie: [REDACTED]" {
		t.Errorf("RedactHeaders = %q", got)
	}
}
