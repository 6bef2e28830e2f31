// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

// Package asyncio provides a Begin/End style stream whose completions are
// routed through a hook dispatcher.
package asyncio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/mbeema/streamtap/pkg/hook"
)

// TypeName is the hook type of Stream operations.
const TypeName = "asyncio.Stream"

// Hooked completion signatures.
var (
	SigEndRead  = hook.Signature{Type: TypeName, Method: "EndRead"}
	SigEndWrite = hook.Signature{Type: TypeName, Method: "EndWrite"}
)

var (
	ErrAlreadyEnded = errors.New("asyncio: operation already ended")
	ErrWrongStream  = errors.New("asyncio: result belongs to another stream or operation")
	ErrBadRange     = errors.New("asyncio: offset/count outside buffer")
)

// Dispatcher routes a completing call through interception.
// *hook.Registry implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, call *hook.Call, original hook.Invoker) (any, error)
}

// AsyncResult tracks one in-flight operation. It is also the completion
// token handed to End: Buffer, Offset and Count describe the caller's
// region. For a read, Count is the region's capacity, not the bytes read.
type AsyncResult struct {
	stream *Stream
	write  bool

	buf   []byte
	off   int
	count int

	done  chan struct{}
	n     int
	err   error
	ended atomic.Bool
}

func (ar *AsyncResult) Buffer() []byte { return ar.buf }
func (ar *AsyncResult) Offset() int    { return ar.off }
func (ar *AsyncResult) Count() int     { return ar.count }

// Done is closed when the operation has completed.
func (ar *AsyncResult) Done() <-chan struct{} { return ar.done }

// IsCompleted reports whether the operation has completed.
func (ar *AsyncResult) IsCompleted() bool {
	select {
	case <-ar.done:
		return true
	default:
		return false
	}
}

func (ar *AsyncResult) complete(n int, err error) {
	ar.n, ar.err = n, err
	close(ar.done)
}

// Stream wraps an io.ReadWriter, typically a *tls.Conn, with asynchronous
// operations. Read and Write are built on Begin/End, so hooking the End
// calls covers synchronous callers too.
type Stream struct {
	inner      io.ReadWriter
	dispatcher Dispatcher

	readMu  sync.Mutex
	readErr error // arrived together with data; reported by the next read. Guarded by readMu.

	writeMu sync.Mutex
}

// NewStream wraps inner. A nil dispatcher runs completions directly.
func NewStream(inner io.ReadWriter, d Dispatcher) *Stream {
	return &Stream{inner: inner, dispatcher: d}
}

// Inner returns the wrapped stream.
func (s *Stream) Inner() io.ReadWriter {
	return s.inner
}

func checkRange(buf []byte, off, count int) error {
	if off < 0 || count < 0 || off > len(buf) || count > len(buf)-off {
		return fmt.Errorf("%w: offset=%d count=%d len=%d", ErrBadRange, off, count, len(buf))
	}
	return nil
}

// BeginRead starts reading up to count bytes into buf[off:].
func (s *Stream) BeginRead(buf []byte, off, count int) (*AsyncResult, error) {
	if err := checkRange(buf, off, count); err != nil {
		return nil, err
	}
	ar := &AsyncResult{stream: s, buf: buf, off: off, count: count, done: make(chan struct{})}

	if count == 0 {
		ar.complete(0, nil)
		return ar, nil
	}

	go func() {
		s.readMu.Lock()
		defer s.readMu.Unlock()

		if err := s.readErr; err != nil {
			s.readErr = nil
			ar.complete(0, err)
			return
		}
		n, err := s.inner.Read(buf[off : off+count])
		if n > 0 && err != nil {
			s.readErr = err
			err = nil
		}
		ar.complete(n, err)
	}()
	return ar, nil
}

// EndRead waits for a read started by BeginRead and returns the number of
// bytes read.
func (s *Stream) EndRead(ctx context.Context, ar *AsyncResult) (int, error) {
	if ar == nil || ar.stream != s || ar.write {
		return 0, ErrWrongStream
	}

	call := &hook.Call{Type: TypeName, Method: SigEndRead.Method, Target: s, Args: []any{ar}}
	res, err := s.dispatch(ctx, call, func(ctx context.Context) (any, error) {
		return s.end(ctx, ar)
	})
	n, _ := res.(int)
	return n, err
}

// BeginWrite starts writing buf[off:off+count].
func (s *Stream) BeginWrite(buf []byte, off, count int) (*AsyncResult, error) {
	if err := checkRange(buf, off, count); err != nil {
		return nil, err
	}
	ar := &AsyncResult{stream: s, write: true, buf: buf, off: off, count: count, done: make(chan struct{})}

	go func() {
		s.writeMu.Lock()
		defer s.writeMu.Unlock()

		n, err := s.inner.Write(buf[off : off+count])
		if err == nil && n < count {
			err = io.ErrShortWrite
		}
		ar.complete(n, err)
	}()
	return ar, nil
}

// EndWrite waits for a write started by BeginWrite.
func (s *Stream) EndWrite(ctx context.Context, ar *AsyncResult) error {
	if ar == nil || ar.stream != s || !ar.write {
		return ErrWrongStream
	}

	call := &hook.Call{Type: TypeName, Method: SigEndWrite.Method, Target: s, Args: []any{ar}}
	_, err := s.dispatch(ctx, call, func(ctx context.Context) (any, error) {
		_, err := s.end(ctx, ar)
		return nil, err
	})
	return err
}

// Read implements io.Reader.
func (s *Stream) Read(p []byte) (int, error) {
	ar, err := s.BeginRead(p, 0, len(p))
	if err != nil {
		return 0, err
	}
	return s.EndRead(context.Background(), ar)
}

// Write implements io.Writer.
func (s *Stream) Write(p []byte) (int, error) {
	ar, err := s.BeginWrite(p, 0, len(p))
	if err != nil {
		return 0, err
	}
	if err := s.EndWrite(context.Background(), ar); err != nil {
		return ar.n, err
	}
	return len(p), nil
}

// Close closes the wrapped stream if it is closable.
func (s *Stream) Close() error {
	if c, ok := s.inner.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

func (s *Stream) dispatch(ctx context.Context, call *hook.Call, original hook.Invoker) (any, error) {
	if s.dispatcher == nil {
		return original(ctx)
	}
	return s.dispatcher.Dispatch(ctx, call, original)
}

// end is the real completion. An operation can be ended once; a canceled
// wait leaves it pending so it can be ended again.
func (s *Stream) end(ctx context.Context, ar *AsyncResult) (int, error) {
	if !ar.ended.CompareAndSwap(false, true) {
		return 0, ErrAlreadyEnded
	}

	select {
	case <-ar.done:
		return ar.n, ar.err
	case <-ctx.Done():
		ar.ended.Store(false)
		return 0, ctx.Err()
	}
}
