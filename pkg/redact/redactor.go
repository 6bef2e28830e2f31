// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package redact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"
)

// Rule defines a single redaction pattern.
type Rule struct {
	Name        string
	Pattern     *regexp.Regexp
	Replacement string
}

// CompileRule builds a Rule from a configured pattern string.
func CompileRule(name, pattern, replacement string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("compile redaction rule %q: %w", name, err)
	}
	if replacement == "" {
		replacement = "[REDACTED]"
	}
	return Rule{Name: name, Pattern: re, Replacement: replacement}, nil
}

// Redactor scrubs captured plaintext before it leaves the process.
// It is safe for concurrent use and can be reconfigured at runtime.
type Redactor struct {
	mu      sync.RWMutex
	rules   []Rule
	enabled bool
}

// New creates a Redactor with built-in rules. If enabled is false, Redact() is a no-op.
func New(enabled bool, extraRules []Rule) *Redactor {
	r := &Redactor{}
	r.Update(enabled, extraRules)
	return r
}

// Update swaps the rule set.
func (r *Redactor) Update(enabled bool, extraRules []Rule) {
	var rules []Rule
	if enabled {
		rules = append(builtinRules(), extraRules...)
	}

	r.mu.Lock()
	r.enabled = enabled
	r.rules = rules
	r.mu.Unlock()
}

// Enabled reports whether redaction is active.
func (r *Redactor) Enabled() bool {
	if r == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.enabled
}

// Redact applies all rules to the input string and returns the redacted result.
// A nil Redactor returns the input unchanged.
func (r *Redactor) Redact(input string) string {
	if r == nil {
		return input
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.enabled || len(r.rules) == 0 {
		return input
	}
	result := RedactHeaders(input)
	for _, rule := range r.rules {
		result = rule.Pattern.ReplaceAllString(result, rule.Replacement)
	}
	return result
}

// Text renders captured bytes for export: valid UTF-8 is redacted and
// truncated to max bytes, anything else is reported as binary.
func (r *Redactor) Text(data []byte, max int) string {
	if max > 0 && len(data) > max {
		data = data[:max]
		// Don't split a multi-byte rune at the cut.
		for len(data) > 0 && !utf8.Valid(data) {
			data = data[:len(data)-1]
		}
	}
	if !utf8.Valid(data) {
		return fmt.Sprintf("<binary %d bytes>", len(data))
	}
	return r.Redact(string(data))
}

func builtinRules() []Rule {
	return []Rule{
		{
			Name:        "credit_card",
			Pattern:     regexp.MustCompile(`\b(?:\d[ -]*?){13,19}\b`),
			Replacement: "[REDACTED_CC]",
		},
		{
			Name:        "ssn",
			Pattern:     regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`),
			Replacement: "[REDACTED_SSN]",
		},
		{
			Name:        "bearer_token",
			Pattern:     regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9\-._~+/]+=*`),
			Replacement: "Bearer [REDACTED]",
		},
		{
			Name:        "password_param",
			Pattern:     regexp.MustCompile(`(?i)(password|passwd|pwd|secret|token|api_key|apikey)\s*[=:]\s*['"]?[^\s&,;'"]+`),
			Replacement: "${1}=[REDACTED]",
		},
	}
}

var sensitiveHeaders = []string{"authorization", "cookie", "set-cookie", "x-api-key", "proxy-authorization"}

// RedactHeaders redacts sensitive HTTP header values in a raw header block.
func RedactHeaders(headers string) string {
	lines := strings.Split(headers, "\r\n")
	for i, line := range lines {
		lower := strings.ToLower(line)
		for _, h := range sensitiveHeaders {
			if strings.HasPrefix(lower, h+":") {
				colonIdx := strings.Index(line, ":")
				lines[i] = line[:colonIdx+1] + " [REDACTED]"
				break
			}
		}
	}
	return strings.Join(lines, "\r\n")
}
