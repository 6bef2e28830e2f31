// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package sink

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"
	"time"

	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	_ "google.golang.org/grpc/encoding/gzip" // Register gzip compressor

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"
)

const (
	defaultOTLPBatchSize     = 512
	defaultOTLPFlushInterval = 5 * time.Second
	defaultOTLPTimeout       = 10 * time.Second
	defaultPreviewBytes      = 4096

	// maxProtocolMemo bounds the per-connection protocol labels kept by the
	// OTLP sink; the memo is reset when it fills.
	maxProtocolMemo = 8192
)

// OTLPConfig configures the OTLP capture exporter.
type OTLPConfig struct {
	Endpoint      string
	Insecure      bool
	Compression   string // "gzip" or "none"
	ServiceName   string
	BatchSize     int
	FlushInterval time.Duration
	PreviewBytes  int
}

// OTLPSink exports each capture as an OTLP log record over gRPC.
type OTLPSink struct {
	logger   *zap.Logger
	cfg      OTLPConfig
	redactor *redact.Redactor
	breaker  *CircuitBreaker
	resource *resourcepb.Resource

	conn   *grpc.ClientConn
	client collogspb.LogsServiceClient

	mu        sync.Mutex
	pending   []*logspb.LogRecord
	protocols map[transport.ConnID]string
	exported  int64
	dropped   int64
}

// NewOTLPSink dials the collector. The connection is established lazily by
// grpc, so an unreachable collector only shows up as export errors.
func NewOTLPSink(cfg OTLPConfig, redactor *redact.Redactor, logger *zap.Logger) (*OTLPSink, error) {
	opts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(grpc.MaxCallSendMsgSize(4 * 1024 * 1024)),
	}
	if cfg.Insecure {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	if cfg.Compression == "" || cfg.Compression == "gzip" {
		opts = append(opts, grpc.WithDefaultCallOptions(grpc.UseCompressor("gzip")))
	}

	conn, err := grpc.Dial(cfg.Endpoint, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial OTLP endpoint %s: %w", cfg.Endpoint, err)
	}

	s := newOTLPSink(cfg, collogspb.NewLogsServiceClient(conn), redactor, logger)
	s.conn = conn
	return s, nil
}

func newOTLPSink(cfg OTLPConfig, client collogspb.LogsServiceClient, redactor *redact.Redactor, logger *zap.Logger) *OTLPSink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultOTLPBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = defaultOTLPFlushInterval
	}
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = defaultPreviewBytes
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "streamtap"
	}
	return &OTLPSink{
		logger:    logger,
		cfg:       cfg,
		redactor:  redactor,
		breaker:   NewCircuitBreaker(5, 30*time.Second),
		resource:  processResource(cfg.ServiceName),
		client:    client,
		protocols: make(map[transport.ConnID]string),
	}
}

func processResource(serviceName string) *resourcepb.Resource {
	hostname, _ := os.Hostname()
	pid := os.Getpid()
	return &resourcepb.Resource{Attributes: []*commonpb.KeyValue{
		strAttr("service.name", serviceName),
		strAttr("service.instance.id", fmt.Sprintf("%s-%d", hostname, pid)),
		strAttr("telemetry.sdk.name", "streamtap"),
		strAttr("telemetry.sdk.language", "go"),
		strAttr("host.name", hostname),
		strAttr("host.arch", runtime.GOARCH),
		intAttr("process.pid", int64(pid)),
	}}
}

func strAttr(key, value string) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: value}},
	}
}

func intAttr(key string, value int64) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_IntValue{IntValue: value}},
	}
}

func boolAttr(key string, value bool) *commonpb.KeyValue {
	return &commonpb.KeyValue{
		Key:   key,
		Value: &commonpb.AnyValue{Value: &commonpb.AnyValue_BoolValue{BoolValue: value}},
	}
}

func (s *OTLPSink) PreparePartialBuffers(conn transport.ConnID, isDecrypted bool) error {
	return nil
}

func (s *OTLPSink) PartialData(conn transport.ConnID, isIncoming bool, buf []byte, offset, length int, isWrapping, singleDecode bool) error {
	c, err := NewCapture(conn, isIncoming, buf, offset, length, isWrapping, singleDecode)
	if err != nil {
		return err
	}

	s.mu.Lock()
	rec := s.convert(c, s.protocolLocked(c))
	s.pending = append(s.pending, rec)
	full := len(s.pending) >= s.cfg.BatchSize
	s.mu.Unlock()

	if full {
		return s.Flush(context.Background())
	}
	return nil
}

// protocolLocked labels a connection by the first bytes that identify it.
func (s *OTLPSink) protocolLocked(c Capture) string {
	if p, ok := s.protocols[c.Conn]; ok {
		return p
	}
	p := protocol.Detect(c.Data)
	if p == protocol.ProtoUnknown {
		return p
	}
	if len(s.protocols) >= maxProtocolMemo {
		s.protocols = make(map[transport.ConnID]string)
	}
	s.protocols[c.Conn] = p
	return p
}

func (s *OTLPSink) convert(c Capture, proto string) *logspb.LogRecord {
	ts := uint64(c.Time.UnixNano())
	return &logspb.LogRecord{
		TimeUnixNano:         ts,
		ObservedTimeUnixNano: ts,
		SeverityNumber:       logspb.SeverityNumber_SEVERITY_NUMBER_INFO,
		SeverityText:         "INFO",
		Body: &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{
			StringValue: s.redactor.Text(c.Data, s.cfg.PreviewBytes),
		}},
		Attributes: []*commonpb.KeyValue{
			strAttr("net.conn.id", c.Conn.String()),
			intAttr("net.conn.fd", int64(c.Conn.FD)),
			intAttr("process.pid", int64(c.Conn.PID)),
			strAttr("capture.direction", c.Direction()),
			intAttr("capture.length", int64(len(c.Data))),
			strAttr("capture.protocol", proto),
			boolAttr("capture.decrypted", true),
		},
	}
}

// Flush exports everything pending.
func (s *OTLPSink) Flush(ctx context.Context) error {
	s.mu.Lock()
	batch := s.pending
	s.pending = nil
	s.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	if !s.breaker.Allow() {
		s.mu.Lock()
		s.dropped += int64(len(batch))
		s.mu.Unlock()
		return fmt.Errorf("export %d captures: %w", len(batch), ErrCircuitOpen)
	}

	req := &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: s.resource,
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: "streamtap", Version: "0.1.0"},
				LogRecords: batch,
			}},
		}},
	}

	ctx, cancel := context.WithTimeout(ctx, defaultOTLPTimeout)
	defer cancel()

	if _, err := s.client.Export(ctx, req); err != nil {
		s.breaker.RecordFailure()
		s.mu.Lock()
		s.dropped += int64(len(batch))
		s.mu.Unlock()
		return fmt.Errorf("export %d captures: %w", len(batch), err)
	}

	s.breaker.RecordSuccess()
	s.mu.Lock()
	s.exported += int64(len(batch))
	s.mu.Unlock()
	return nil
}

// Run flushes on the configured interval until ctx is done, then flushes
// once more.
func (s *OTLPSink) Run(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := s.Flush(ctx); err != nil {
				s.logger.Warn("OTLP capture export failed", zap.Error(err),
					zap.String("circuit", s.breaker.State().String()))
			}
		case <-ctx.Done():
			if err := s.Flush(context.Background()); err != nil {
				s.logger.Warn("final OTLP capture export failed", zap.Error(err))
			}
			return
		}
	}
}

// Shutdown flushes and closes the collector connection.
func (s *OTLPSink) Shutdown(ctx context.Context) error {
	err := s.Flush(ctx)

	s.mu.Lock()
	exported, dropped := s.exported, s.dropped
	s.mu.Unlock()
	s.logger.Info("OTLP capture exporter stopped",
		zap.Int64("exported", exported),
		zap.Int64("dropped", dropped),
	)

	if s.conn != nil {
		if cerr := s.conn.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}
