// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sink

import (
	"errors"
	"fmt"
	"time"

	"github.com/mbeema/streamtap/pkg/transport"
)

// ErrBadRange is returned for an offset/length pair outside the buffer.
var ErrBadRange = errors.New("capture range outside buffer")

// DumpSink receives plaintext captured at a completed stream operation.
type DumpSink interface {
	// PreparePartialBuffers readies per-connection state. Calling it more
	// than once for the same connection is harmless.
	PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error

	// PartialData delivers buf[offset:offset+length]. buf is borrowed for
	// the duration of the call only.
	PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error
}

// Capture is an owned copy of one PartialData delivery.
type Capture struct {
	Conn         transport.ConnID
	Incoming     bool
	Data         []byte
	Time         time.Time
	Wrapping     bool
	SingleDecode bool
}

// NewCapture validates the range and copies the bytes out of buf.
func NewCapture(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) (Capture, error) {
	if offset < 0 || length < 0 || offset > len(buf) || length > len(buf)-offset {
		return Capture{}, fmt.Errorf("%w: offset=%d length=%d cap=%d", ErrBadRange, offset, length, len(buf))
	}
	data := make([]byte, length)
	copy(data, buf[offset:offset+length])
	return Capture{
		Conn:         conn,
		Incoming:     isIncoming,
		Data:         data,
		Time:         time.Now(),
		Wrapping:     isWrapping,
		SingleDecode: singleDecode,
	}, nil
}

// Direction returns "recv" or "send".
func (c Capture) Direction() string {
	if c.Incoming {
		return "recv"
	}
	return "send"
}

// multi fans every call out to all sinks.
type multi []DumpSink

// Multi returns a sink that calls every sink in order and reports the first
// error. A failing sink does not stop delivery to the rest.
func Multi(sinks ...DumpSink) DumpSink {
	var m multi
	for _, s := range sinks {
		if s != nil {
			m = append(m, s)
		}
	}
	if len(m) == 1 {
		return m[0]
	}
	return m
}

func (m multi) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	var first error
	for _, s := range m {
		if err := s.PreparePartialBuffers(conn, isDecrypted); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (m multi) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	var first error
	for _, s := range m {
		if err := s.PartialData(conn, isIncoming, buf, offset, length, isWrapping, singleDecode); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Discard accepts and drops everything.
type Discard struct{}

func (Discard) PreparePartialBuffers(transport.ConnID, bool) error { return nil }

func (Discard) PartialData(transport.ConnID, bool, []byte, int, int, bool, bool) error { return nil }
