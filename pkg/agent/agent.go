// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbeema/streamtap/pkg/asyncio"
	"github.com/mbeema/streamtap/pkg/config"
	"github.com/mbeema/streamtap/pkg/conntrack"
	"github.com/mbeema/streamtap/pkg/health"
	"github.com/mbeema/streamtap/pkg/hook"
	"github.com/mbeema/streamtap/pkg/intercept"
	"github.com/mbeema/streamtap/pkg/protocol"
	"github.com/mbeema/streamtap/pkg/reassembly"
	"github.com/mbeema/streamtap/pkg/redact"
	"github.com/mbeema/streamtap/pkg/sink"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Version is reported by the health endpoint.
var Version = "dev"

// cleanupInterval is how often idle connections are swept.
const cleanupInterval = 30 * time.Second

// Agent is the main orchestrator that wires all subsystems together.
// Config is stored as an atomic pointer, safe for concurrent access.
type Agent struct {
	cfg    atomic.Pointer[config.Config]
	logger *zap.Logger

	stats       *health.Stats
	redactor    *redact.Redactor
	registry    *hook.Registry
	resolver    *transport.Resolver
	engine      *intercept.Engine
	store       *reassembly.Store
	connTracker *conntrack.Tracker

	// Exporters behind the async queue; any may be nil.
	async  *sink.Async
	otlp   *sink.OTLPSink
	ws     *sink.WebSocketSink
	stdout *sink.StdoutSink

	healthServer *health.Server

	// Exchanges leave the store's callback through this channel so that
	// summarizing never runs on an intercepted caller's goroutine.
	exchangeCh chan *reassembly.Exchange
	onExchange atomic.Pointer[func(*reassembly.Exchange)]

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// New builds an agent from cfg. Nothing runs until Start.
func New(cfg *config.Config, logger *zap.Logger) (*Agent, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	a := &Agent{
		logger:     logger,
		stats:      health.NewStats(),
		exchangeCh: make(chan *reassembly.Exchange, 1000),
	}
	a.cfg.Store(cfg)

	rules, err := cfg.Redaction.CompileRules()
	if err != nil {
		return nil, err
	}
	a.redactor = redact.New(cfg.Redaction.Enabled, rules)

	a.resolver = transport.NewResolver(cfg.Resolver.MaxDepth, logger)
	a.resolver.Register(transport.NetStrategy{})

	a.connTracker = conntrack.NewTracker()
	a.store = reassembly.NewStore(cfg.Capture.MaxBufferSize, cfg.Capture.DetectProtocol, logger)
	a.store.OnExchange(func(ex *reassembly.Exchange) {
		select {
		case a.exchangeCh <- ex:
		default:
			a.logger.Debug("exchange channel full, dropping exchange", zap.Stringer("conn", ex.Conn))
		}
	})

	exporters, err := a.buildExporters(cfg)
	if err != nil {
		return nil, err
	}
	sinks := []sink.DumpSink{a.store, a.connTracker}
	if exporters != nil {
		a.async = sink.NewAsync(exporters, cfg.Capture.QueueSize, a.stats, logger)
		sinks = append(sinks, a.async)
	}

	methods, err := cfg.Hook.MethodTable()
	if err != nil {
		return nil, err
	}
	a.engine, err = intercept.NewEngine(intercept.Config{
		Methods:  methods,
		Resolver: a.resolver,
		Sink:     sink.Multi(sinks...),
		Stats:    a.stats,
	}, logger)
	if err != nil && cfg.Hook.Enabled {
		return nil, fmt.Errorf("intercept engine: %w", err)
	}

	a.registry = hook.NewRegistry(logger)
	if a.engine != nil {
		if err := a.engine.Attach(a.registry); err != nil {
			return nil, err
		}
	}
	a.applyTracing(cfg)

	return a, nil
}

// buildExporters assembles the configured exporting sinks into one, or
// returns nil when none is enabled.
func (a *Agent) buildExporters(cfg *config.Config) (sink.DumpSink, error) {
	var exporters []sink.DumpSink

	if cfg.Exporters.OTLP.Enabled {
		compression := cfg.Exporters.OTLP.Compression
		if compression == "none" {
			compression = ""
		}
		otlp, err := sink.NewOTLPSink(sink.OTLPConfig{
			Endpoint:      cfg.Exporters.OTLP.Endpoint,
			Insecure:      cfg.Exporters.OTLP.Insecure,
			Compression:   compression,
			ServiceName:   cfg.ServiceName,
			BatchSize:     cfg.Exporters.OTLP.BatchSize,
			FlushInterval: cfg.Exporters.OTLP.FlushInterval,
		}, a.redactor, a.logger)
		if err != nil {
			return nil, fmt.Errorf("otlp exporter: %w", err)
		}
		a.otlp = otlp
		exporters = append(exporters, otlp)
	}

	if cfg.Exporters.WebSocket.Enabled {
		a.ws = sink.NewWebSocketSink(a.redactor, a.logger)
		exporters = append(exporters, a.ws)
	}

	if cfg.Exporters.Stdout.Enabled {
		a.stdout = sink.NewStdoutSink(os.Stdout, cfg.Exporters.Stdout.Format, a.redactor, a.logger)
		exporters = append(exporters, a.stdout)
	}

	if cfg.Hook.Debug {
		exporters = append(exporters, sink.NewLogSink(a.logger, a.redactor))
	}

	if len(exporters) == 0 {
		return nil, nil
	}
	return sink.Multi(exporters...), nil
}

// applyTracing activates interception unless the hook is off or on-demand.
func (a *Agent) applyTracing(cfg *config.Config) {
	if cfg.Hook.Enabled && !cfg.Hook.OnDemand {
		a.registry.EnableTracing()
	} else {
		a.registry.DisableTracing()
	}
}

// Start launches the background subsystems. Captures flow as soon as New
// returns; Start adds export, the health server and periodic cleanup.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.started {
		return errors.New("agent already started")
	}

	cfg := a.cfg.Load()
	ctx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(ctx)

	// The queue gets its own lifetime: Stop drains it into the exporters
	// before they shut down.
	if a.async != nil {
		a.async.Start(context.Background())
	}

	if a.otlp != nil {
		g.Go(func() error {
			a.otlp.Run(gctx)
			return nil
		})
	}
	if a.ws != nil {
		g.Go(func() error {
			a.ws.Run(gctx)
			return nil
		})
	}
	g.Go(func() error {
		a.exchangeLoop(gctx)
		return nil
	})
	g.Go(func() error {
		a.cleanupLoop(gctx)
		return nil
	})

	if cfg.Health.Enabled {
		a.healthServer = health.NewServer(cfg.Health.Port, Version, a.stats, a.logger)
		a.healthServer.SetTracingFunc(a.registry.IsTracingEnabled)
		if a.ws != nil {
			a.healthServer.Handle(cfg.Exporters.WebSocket.Path, a.ws)
		}
		if err := a.healthServer.Start(ctx); err != nil {
			a.logger.Warn("health server start error", zap.Error(err))
			a.healthServer = nil
		} else {
			a.healthServer.SetReady(true)
		}
	}

	a.cancel = cancel
	a.group = g
	a.started = true

	a.logger.Info("agent started",
		zap.Strings("methods", a.registry.ExpectedMethods()),
		zap.Bool("tracing", a.registry.IsTracingEnabled()),
		zap.Bool("otlp", a.otlp != nil),
		zap.Bool("websocket", a.ws != nil),
		zap.Bool("health", a.healthServer != nil),
	)
	return nil
}

// exchangeLoop summarizes request/response pairs outside any store lock.
func (a *Agent) exchangeLoop(ctx context.Context) {
	for {
		select {
		case ex := <-a.exchangeCh:
			a.processExchange(ex)
		case <-ctx.Done():
			for {
				select {
				case ex := <-a.exchangeCh:
					a.processExchange(ex)
				default:
					return
				}
			}
		}
	}
}

func (a *Agent) processExchange(ex *reassembly.Exchange) {
	sum := protocol.Summarize(ex.Protocol, ex.Request, ex.Response)
	a.logger.Debug("exchange",
		zap.Stringer("conn", ex.Conn),
		zap.String("protocol", sum.Protocol),
		zap.String("name", a.redactor.Redact(sum.Name)),
		zap.Int("status", sum.Status),
		zap.Bool("error", sum.Error),
		zap.Bool("partial", ex.Partial),
		zap.Duration("duration", ex.Duration),
	)
	if fn := a.onExchange.Load(); fn != nil {
		(*fn)(ex)
	}
}

// OnExchange registers a callback for every matched request/response pair.
// It runs on the agent's dispatch goroutine once Start has been called.
func (a *Agent) OnExchange(fn func(*reassembly.Exchange)) {
	if fn == nil {
		a.onExchange.Store(nil)
		return
	}
	a.onExchange.Store(&fn)
}

func (a *Agent) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			staleAfter := a.cfg.Load().Capture.StaleAfter
			staleStreams := a.store.CleanStale(staleAfter)
			staleConns := a.connTracker.CleanStale(staleAfter)
			if staleStreams > 0 || staleConns > 0 {
				a.logger.Debug("cleaned stale connections",
					zap.Int("streams", staleStreams),
					zap.Int("conns", staleConns),
				)
			}
		case <-ctx.Done():
			return
		}
	}
}

// Stop drains queued captures into the exporters and shuts everything down.
func (a *Agent) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !a.started {
		return nil
	}
	a.started = false

	if a.healthServer != nil {
		a.healthServer.SetReady(false)
	}

	if a.async != nil {
		a.async.Stop()
	}

	a.cancel()
	err := a.group.Wait()

	if a.otlp != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if serr := a.otlp.Shutdown(ctx); serr != nil {
			a.logger.Warn("otlp shutdown error", zap.Error(serr))
		}
		cancel()
	}

	if a.healthServer != nil {
		a.healthServer.Stop()
	}

	snap := a.stats.Snapshot()
	a.logger.Info("agent stopped",
		zap.Int64("calls_intercepted", snap.CallsIntercepted),
		zap.Int64("records_forwarded", snap.RecordsForwarded),
		zap.Int64("records_dropped_chain", snap.RecordsDroppedChain),
		zap.Int64("records_dropped_token", snap.RecordsDroppedToken),
		zap.Int64("sink_dropped", snap.SinkDropped),
		zap.Int("active_connections", a.connTracker.Count()),
	)
	return err
}

// Reload applies a new configuration at runtime. Tracing state, redaction
// and cleanup timing follow the new config; exporters and the method table
// keep their startup values.
func (a *Agent) Reload(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	rules, err := cfg.Redaction.CompileRules()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	old := a.cfg.Load()
	a.cfg.Store(cfg)

	a.redactor.Update(cfg.Redaction.Enabled, rules)
	a.applyTracing(cfg)

	if methodsChanged(old.Hook.Methods, cfg.Hook.Methods) {
		a.logger.Warn("hook.methods changed; restart to apply")
	}

	a.logger.Info("configuration reloaded",
		zap.Bool("tracing", a.registry.IsTracingEnabled()),
		zap.Bool("redaction", cfg.Redaction.Enabled),
		zap.Int("redaction_rules", len(rules)),
	)
	return nil
}

func methodsChanged(a, b []config.MethodConfig) bool {
	if len(a) != len(b) {
		return true
	}
	for i := range a {
		if a[i] != b[i] {
			return true
		}
	}
	return false
}

// EnableTracing starts interception.
func (a *Agent) EnableTracing() { a.registry.EnableTracing() }

// DisableTracing makes instrumented streams pure pass-through.
func (a *Agent) DisableTracing() { a.registry.DisableTracing() }

// Wrap instruments an existing stream, typically a *tls.Conn.
func (a *Agent) Wrap(rw io.ReadWriter) *asyncio.Stream {
	return asyncio.NewStream(rw, a.registry)
}

// Dial connects to addr and returns an instrumented stream. With a non-nil
// tlsCfg the TLS handshake completes before Dial returns and the stream
// carries plaintext.
func (a *Agent) Dial(ctx context.Context, network, addr string, tlsCfg *tls.Config) (*asyncio.Stream, error) {
	var d net.Dialer
	raw, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	if tlsCfg == nil {
		return a.Wrap(raw), nil
	}

	cfg := tlsCfg.Clone()
	if cfg.ServerName == "" {
		host, _, err := net.SplitHostPort(addr)
		if err != nil {
			host = addr
		}
		cfg.ServerName = host
	}
	conn := tls.Client(raw, cfg)
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		return nil, fmt.Errorf("tls handshake: %w", err)
	}
	return a.Wrap(conn), nil
}

// ConnOf resolves an instrumented stream to its connection identity.
func (a *Agent) ConnOf(s *asyncio.Stream) (transport.ConnID, error) {
	return a.resolver.Resolve(s)
}

// Transcript returns the captured plaintext of one connection.
func (a *Agent) Transcript(conn transport.ConnID) (reassembly.Transcript, bool) {
	return a.store.Snapshot(conn)
}

// Config returns the active configuration.
func (a *Agent) Config() *config.Config { return a.cfg.Load() }

func (a *Agent) Stats() *health.Stats           { return a.stats }
func (a *Agent) Store() *reassembly.Store       { return a.store }
func (a *Agent) Tracker() *conntrack.Tracker    { return a.connTracker }
func (a *Agent) Registry() *hook.Registry       { return a.registry }
func (a *Agent) Redactor() *redact.Redactor     { return a.redactor }
func (a *Agent) WebSocket() *sink.WebSocketSink { return a.ws }
func (a *Agent) HealthServer() *health.Server   { return a.healthServer }
