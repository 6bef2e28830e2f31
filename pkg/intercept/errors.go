// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"fmt"

	"github.com/mbeema/streamtap/pkg/hook"
)

// TokenAccessError reports a completion token whose fields could not be read
// or do not describe a valid byte range.
type TokenAccessError struct {
	Field  string
	Reason string
	Err    error
}

func (e *TokenAccessError) Error() string {
	msg := "completion token"
	if e.Field != "" {
		msg += " " + e.Field
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TokenAccessError) Unwrap() error {
	return e.Err
}

// ProxyInvocationError describes a failure raised by the real operation.
// It is used for diagnostics only; callers always receive the original
// error or panic value unchanged.
type ProxyInvocationError struct {
	Signature hook.Signature
	Err       error
	Panic     any
}

func (e *ProxyInvocationError) Error() string {
	if e.Panic != nil {
		return fmt.Sprintf("%s panicked: %v", e.Signature, e.Panic)
	}
	return fmt.Sprintf("%s failed: %v", e.Signature, e.Err)
}

func (e *ProxyInvocationError) Unwrap() error {
	return e.Err
}
