// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import "fmt"

// Payload is the canonical byte range produced by one completed operation.
type Payload struct {
	Direction Kind
	Buffer    []byte
	Offset    int
	Length    int
}

// Normalize turns a completion token and the real operation's result into a
// Payload.
//
// Sends report the token's Count verbatim. Receives ignore Count, which is
// the destination capacity, and use proxied (the byte count returned by the
// real read) instead.
//
// A nil buffer or an empty range yields (nil, nil): nothing to report. A
// receive result larger than the destination capacity is a TokenAccessError.
func Normalize(kind Kind, fields TokenFields, proxied any) (*Payload, error) {
	if fields.Buffer == nil {
		return nil, nil
	}

	var length int
	switch kind {
	case KindSend:
		length = fields.Count
	case KindReceive:
		n, ok := byteCount(proxied)
		if !ok {
			return nil, &TokenAccessError{Field: "result", Reason: fmt.Sprintf("receive result %T is not a byte count", proxied)}
		}
		length = n
	default:
		return nil, &TokenAccessError{Reason: fmt.Sprintf("unsupported kind %v", kind)}
	}

	if fields.Offset < 0 {
		return nil, &TokenAccessError{Field: "Offset", Reason: fmt.Sprintf("negative offset %d", fields.Offset)}
	}
	if length < 0 {
		return nil, &TokenAccessError{Field: "Count", Reason: fmt.Sprintf("negative length %d", length)}
	}
	if kind == KindReceive && length > fields.Count {
		return nil, &TokenAccessError{
			Field:  "result",
			Reason: fmt.Sprintf("receive of %d bytes exceeds destination capacity %d", length, fields.Count),
		}
	}
	if fields.Offset > len(fields.Buffer) || length > len(fields.Buffer)-fields.Offset {
		return nil, &TokenAccessError{
			Field:  "Count",
			Reason: fmt.Sprintf("range [%d,%d) exceeds buffer of %d bytes", fields.Offset, fields.Offset+length, len(fields.Buffer)),
		}
	}
	if length == 0 {
		return nil, nil
	}

	return &Payload{
		Direction: kind,
		Buffer:    fields.Buffer,
		Offset:    fields.Offset,
		Length:    length,
	}, nil
}

func byteCount(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint32:
		return int(n), true
	default:
		return 0, false
	}
}
