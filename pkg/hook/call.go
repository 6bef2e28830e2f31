// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package hook

import (
	"context"
	"fmt"
	"strings"
)

// Signature identifies a hookable operation as a {type, method} pair.
type Signature struct {
	Type   string
	Method string
}

// String returns the signature in "Type::Method" form.
func (s Signature) String() string {
	return s.Type + "::" + s.Method
}

// ParseSignature decodes a "Type::Method" string.
func ParseSignature(s string) (Signature, error) {
	typ, method, ok := strings.Cut(strings.TrimSpace(s), "::")
	if !ok || typ == "" || method == "" {
		return Signature{}, fmt.Errorf("invalid signature %q: want Type::Method", s)
	}
	return Signature{Type: typ, Method: method}, nil
}

// Invoker runs an operation and returns its result.
type Invoker func(ctx context.Context) (any, error)

// Call is a single notification delivered to handlers for a matched operation.
// It lives for the duration of one Dispatch and is never retained.
type Call struct {
	// ID identifies the logical call context. Nested dispatches caused by
	// Proxy share the ID of the outermost dispatch.
	ID string

	Type   string
	Method string

	// Target is the receiver of the hooked operation (the stream handle).
	Target any

	// Args holds the operation's arguments in declaration order.
	Args []any

	// Proxy invokes the real operation through the same interception point
	// that delivered this call. Handlers that need the real result call it
	// exactly once.
	Proxy Invoker
}

// Signature returns the call's {type, method} pair.
func (c *Call) Signature() Signature {
	return Signature{Type: c.Type, Method: c.Method}
}

type callIDKey struct{}

// WithCallID returns a context carrying the logical call-context id.
func WithCallID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, callIDKey{}, id)
}

// CallID returns the logical call-context id carried by ctx, or "".
func CallID(ctx context.Context) string {
	id, _ := ctx.Value(callIDKey{}).(string)
	return id
}
