// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sink

import (
	"context"
	"fmt"
	"sync"

	"github.com/mbeema/streamtap/pkg/health"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

// DefaultQueueSize is the Async queue capacity when none is configured.
const DefaultQueueSize = 10000

// maxPrepared bounds the set of connections already prepared downstream.
// When it fills, the set is reset and connections are prepared again.
const maxPrepared = 4096

type asyncEvent struct {
	prepare   bool
	decrypted bool
	capture   Capture
}

// Async decouples the calling goroutine from a slow sink. Deliveries are
// copied and queued; when the queue is full they are dropped and counted.
type Async struct {
	logger *zap.Logger
	next   DumpSink
	stats  *health.Stats

	ch chan asyncEvent

	preparedMu sync.Mutex
	prepared   map[transport.ConnID]struct{}

	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// NewAsync wraps next with a bounded queue. queueSize <= 0 selects
// DefaultQueueSize. stats may be nil.
func NewAsync(next DumpSink, queueSize int, stats *health.Stats, logger *zap.Logger) *Async {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if stats == nil {
		stats = health.NewStats()
	}
	return &Async{
		logger:   logger,
		next:     next,
		stats:    stats,
		ch:       make(chan asyncEvent, queueSize),
		prepared: make(map[transport.ConnID]struct{}),
		stopCh:   make(chan struct{}),
	}
}

// Start launches the delivery goroutine.
func (a *Async) Start(ctx context.Context) {
	a.wg.Add(1)
	go a.run(ctx)
}

// Stop delivers whatever is queued and waits for the worker to exit.
func (a *Async) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

// Pending returns the number of queued deliveries.
func (a *Async) Pending() int {
	return len(a.ch)
}

// PreparePartialBuffers queues one prepare per connection. Later calls for a
// connection already queued are absorbed here.
func (a *Async) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	a.preparedMu.Lock()
	defer a.preparedMu.Unlock()

	if _, ok := a.prepared[conn]; ok {
		return nil
	}
	if !a.enqueue(asyncEvent{prepare: true, decrypted: isDecrypted, capture: Capture{Conn: conn}}) {
		return nil
	}
	if len(a.prepared) >= maxPrepared {
		clear(a.prepared)
	}
	a.prepared[conn] = struct{}{}
	return nil
}

func (a *Async) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	c, err := NewCapture(conn, isIncoming, buf, offset, length, isWrapping, singleDecode)
	if err != nil {
		return err
	}
	a.enqueue(asyncEvent{capture: c})
	return nil
}

func (a *Async) enqueue(ev asyncEvent) bool {
	select {
	case a.ch <- ev:
		return true
	default:
		a.stats.SinkDropped.Add(1)
		a.logger.Debug("capture queue full, dropping", zap.Stringer("conn", ev.capture.Conn))
		return false
	}
}

func (a *Async) run(ctx context.Context) {
	defer a.wg.Done()

	for {
		select {
		case ev := <-a.ch:
			a.deliver(ev)
		case <-a.stopCh:
			a.drain()
			return
		case <-ctx.Done():
			a.drain()
			return
		}
	}
}

func (a *Async) drain() {
	for {
		select {
		case ev := <-a.ch:
			a.deliver(ev)
		default:
			return
		}
	}
}

func (a *Async) deliver(ev asyncEvent) {
	defer func() {
		if v := recover(); v != nil {
			a.stats.SinkErrors.Add(1)
			a.logger.Error("sink panicked", zap.Stringer("conn", ev.capture.Conn), zap.Error(fmt.Errorf("%v", v)))
		}
	}()

	var err error
	if ev.prepare {
		err = a.next.PreparePartialBuffers(ev.capture.Conn, ev.decrypted)
	} else {
		c := ev.capture
		err = a.next.PartialData(c.Conn, c.Incoming, c.Data, 0, len(c.Data), c.Wrapping, c.SingleDecode)
	}
	if err != nil {
		a.stats.SinkErrors.Add(1)
		a.logger.Warn("sink delivery failed", zap.Stringer("conn", ev.capture.Conn), zap.Error(err))
	}
}
