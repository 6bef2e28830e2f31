// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package health

import (
	"os"
	"runtime"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats tracks self-monitoring counters for the capture pipeline.
type Stats struct {
	startTime time.Time
	proc      *process.Process

	CallsIntercepted    atomic.Int64
	CallsReentrant      atomic.Int64
	RecordsForwarded    atomic.Int64
	RecordsDroppedChain atomic.Int64
	RecordsDroppedToken atomic.Int64
	NullBuffers         atomic.Int64
	ProxyErrors         atomic.Int64
	SinkErrors          atomic.Int64
	SinkDropped         atomic.Int64
	BytesSent           atomic.Int64
	BytesReceived       atomic.Int64
}

// NewStats creates a new Stats instance.
func NewStats() *Stats {
	s := &Stats{startTime: time.Now()}
	// gopsutil can fail in restricted sandboxes; Snapshot falls back to
	// runtime.MemStats in that case.
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		s.proc = p
	}
	return s
}

// Uptime returns time since the stats were created.
func (s *Stats) Uptime() time.Duration {
	return time.Since(s.startTime)
}

// Snapshot is a point-in-time copy of all counters.
type Snapshot struct {
	UptimeSeconds       float64
	Goroutines          int
	MemoryRSSBytes      uint64
	CPUPercent          float64
	CallsIntercepted    int64
	CallsReentrant      int64
	RecordsForwarded    int64
	RecordsDroppedChain int64
	RecordsDroppedToken int64
	NullBuffers         int64
	ProxyErrors         int64
	SinkErrors          int64
	SinkDropped         int64
	BytesSent           int64
	BytesReceived       int64
}

// Snapshot returns current stats.
func (s *Stats) Snapshot() Snapshot {
	snap := Snapshot{
		UptimeSeconds:       s.Uptime().Seconds(),
		Goroutines:          runtime.NumGoroutine(),
		CallsIntercepted:    s.CallsIntercepted.Load(),
		CallsReentrant:      s.CallsReentrant.Load(),
		RecordsForwarded:    s.RecordsForwarded.Load(),
		RecordsDroppedChain: s.RecordsDroppedChain.Load(),
		RecordsDroppedToken: s.RecordsDroppedToken.Load(),
		NullBuffers:         s.NullBuffers.Load(),
		ProxyErrors:         s.ProxyErrors.Load(),
		SinkErrors:          s.SinkErrors.Load(),
		SinkDropped:         s.SinkDropped.Load(),
		BytesSent:           s.BytesSent.Load(),
		BytesReceived:       s.BytesReceived.Load(),
	}

	if s.proc != nil {
		if mem, err := s.proc.MemoryInfo(); err == nil {
			snap.MemoryRSSBytes = mem.RSS
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			snap.CPUPercent = cpu
		}
	}
	if snap.MemoryRSSBytes == 0 {
		var memStats runtime.MemStats
		runtime.ReadMemStats(&memStats)
		snap.MemoryRSSBytes = memStats.Sys
	}

	return snap
}

// PrometheusMetrics returns stats in Prometheus text exposition format.
func (s *Stats) PrometheusMetrics() string {
	return prometheusFormat(s.Snapshot())
}

func prometheusFormat(snap Snapshot) string {
	var b []byte
	b = appendMetric(b, "streamtap_uptime_seconds", "gauge", "Process uptime in seconds", snap.UptimeSeconds)
	b = appendMetric(b, "streamtap_goroutines", "gauge", "Number of goroutines", float64(snap.Goroutines))
	b = appendMetric(b, "streamtap_memory_rss_bytes", "gauge", "Resident memory in bytes", float64(snap.MemoryRSSBytes))
	b = appendMetric(b, "streamtap_cpu_percent", "gauge", "Process CPU usage percent", snap.CPUPercent)
	b = appendMetric(b, "streamtap_calls_intercepted_total", "counter", "Completed calls handled by the engine", float64(snap.CallsIntercepted))
	b = appendMetric(b, "streamtap_calls_reentrant_total", "counter", "Nested dispatches turned away by the guard", float64(snap.CallsReentrant))
	b = appendMetric(b, "streamtap_records_forwarded_total", "counter", "Records handed to the sink", float64(snap.RecordsForwarded))
	b = appendMetric(b, "streamtap_records_dropped_chain_total", "counter", "Records dropped on chain resolution failure", float64(snap.RecordsDroppedChain))
	b = appendMetric(b, "streamtap_records_dropped_token_total", "counter", "Records dropped on completion token failure", float64(snap.RecordsDroppedToken))
	b = appendMetric(b, "streamtap_null_buffers_total", "counter", "Completions without a buffer", float64(snap.NullBuffers))
	b = appendMetric(b, "streamtap_proxy_errors_total", "counter", "Real operations that failed", float64(snap.ProxyErrors))
	b = appendMetric(b, "streamtap_sink_errors_total", "counter", "Sink calls that failed", float64(snap.SinkErrors))
	b = appendMetric(b, "streamtap_sink_dropped_total", "counter", "Captures dropped by a full sink queue", float64(snap.SinkDropped))
	b = appendMetric(b, "streamtap_bytes_sent_total", "counter", "Plaintext bytes captured outbound", float64(snap.BytesSent))
	b = appendMetric(b, "streamtap_bytes_received_total", "counter", "Plaintext bytes captured inbound", float64(snap.BytesReceived))
	return string(b)
}

func appendMetric(b []byte, name, typ, help string, value float64) []byte {
	b = append(b, "# HELP "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, help...)
	b = append(b, '\n')
	b = append(b, "# TYPE "...)
	b = append(b, name...)
	b = append(b, ' ')
	b = append(b, typ...)
	b = append(b, '\n')
	b = append(b, name...)
	b = append(b, ' ')
	b = strconv.AppendFloat(b, value, 'f', -1, 64)
	b = append(b, '\n')
	return b
}
