// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/mbeema/streamtap/pkg/health"
	"github.com/mbeema/streamtap/pkg/hook"
	"github.com/mbeema/streamtap/pkg/sink"
	"github.com/mbeema/streamtap/pkg/transport"
	"go.uber.org/zap"
)

// HandlerName is the name the engine registers under.
const HandlerName = "intercept"

// ChainResolver maps a stream handle to its connection identity.
type ChainResolver interface {
	Resolve(handle any) (transport.ConnID, error)
}

// Reentrancy decides whether a call context may enter the engine.
type Reentrancy interface {
	Enter(key string) bool
	Exit(key string)
}

// Config wires an Engine.
type Config struct {
	// Methods maps each hooked operation to its direction.
	Methods map[hook.Signature]Kind

	Resolver ChainResolver
	Tokens   TokenReader // nil selects DefaultTokenReader
	Guard    Reentrancy  // nil selects NewGuard()
	Sink     sink.DumpSink
	Stats    *health.Stats
}

// Engine observes completed stream operations and forwards the plaintext
// they moved to a dump sink, without altering what the caller sees.
type Engine struct {
	logger   *zap.Logger
	methods  map[hook.Signature]Kind
	resolver ChainResolver
	tokens   TokenReader
	sink     *SinkAdapter
	stats    *health.Stats
	guard    Reentrancy
}

// NewEngine validates cfg and builds an engine.
func NewEngine(cfg Config, logger *zap.Logger) (*Engine, error) {
	if len(cfg.Methods) == 0 {
		return nil, errors.New("intercept: no methods configured")
	}
	if cfg.Resolver == nil {
		return nil, errors.New("intercept: no chain resolver")
	}
	for sig, kind := range cfg.Methods {
		if kind != KindSend && kind != KindReceive {
			return nil, fmt.Errorf("intercept: %s: invalid kind %v", sig, kind)
		}
	}

	if cfg.Tokens == nil {
		cfg.Tokens = DefaultTokenReader
	}
	if cfg.Guard == nil {
		cfg.Guard = NewGuard()
	}
	if cfg.Stats == nil {
		cfg.Stats = health.NewStats()
	}

	methods := make(map[hook.Signature]Kind, len(cfg.Methods))
	for sig, kind := range cfg.Methods {
		methods[sig] = kind
	}

	return &Engine{
		logger:   logger,
		methods:  methods,
		resolver: cfg.Resolver,
		tokens:   cfg.Tokens,
		sink:     NewSinkAdapter(cfg.Sink, cfg.Stats, logger),
		stats:    cfg.Stats,
		guard:    cfg.Guard,
	}, nil
}

// Signatures returns the hooked operations, sorted.
func (e *Engine) Signatures() []hook.Signature {
	sigs := make([]hook.Signature, 0, len(e.methods))
	for sig := range e.methods {
		sigs = append(sigs, sig)
	}
	sort.Slice(sigs, func(i, j int) bool { return sigs[i].String() < sigs[j].String() })
	return sigs
}

// Attach registers the engine with a hook registry.
func (e *Engine) Attach(reg *hook.Registry) error {
	return reg.Register(HandlerName, e.Signatures(), e.OnCall)
}

// Stats returns the engine's counters.
func (e *Engine) Stats() *health.Stats {
	return e.stats
}

// OnCall handles one completing operation. It is a hook.Handler.
//
// The real operation runs exactly once, through call.Proxy, and its result
// or error is returned unchanged. A panic from the real operation is
// re-raised once the guard has been released. Failing to identify the
// connection or to read the token only costs the record.
func (e *Engine) OnCall(ctx context.Context, call *hook.Call) (any, bool, error) {
	kind, ok := e.methods[call.Signature()]
	if !ok || len(call.Args) == 0 || call.Args[0] == nil || call.Proxy == nil {
		return nil, false, nil
	}

	// The nested dispatch from our own Proxy call lands here with the same
	// call id and falls through to the real operation.
	if !e.guard.Enter(call.ID) {
		e.stats.CallsReentrant.Add(1)
		return nil, false, nil
	}
	defer e.guard.Exit(call.ID)
	e.stats.CallsIntercepted.Add(1)

	conn, resolveErr := e.resolver.Resolve(call.Target)
	if resolveErr != nil {
		e.stats.RecordsDroppedChain.Add(1)
		e.logger.Warn("connection identity unavailable, record dropped",
			zap.Stringer("method", call.Signature()),
			zap.Error(resolveErr),
		)
	} else {
		e.sink.Prepare(conn)
	}
	token := call.Args[0]

	result, err := e.invoke(ctx, call)
	if err != nil {
		e.stats.ProxyErrors.Add(1)
		e.logger.Debug("real operation failed",
			zap.Error(&ProxyInvocationError{Signature: call.Signature(), Err: err}))
		return result, true, err
	}

	if resolveErr == nil {
		e.extract(call, conn, kind, token, result)
	}
	return result, true, nil
}

// invoke runs the real operation. A panic is logged and re-raised unchanged.
func (e *Engine) invoke(ctx context.Context, call *hook.Call) (any, error) {
	defer func() {
		if v := recover(); v != nil {
			e.stats.ProxyErrors.Add(1)
			e.logger.Warn("real operation panicked",
				zap.Error(&ProxyInvocationError{Signature: call.Signature(), Panic: v}))
			panic(v)
		}
	}()
	return call.Proxy(ctx)
}

func (e *Engine) extract(call *hook.Call, conn transport.ConnID, kind Kind, token, result any) {
	fields, err := e.tokens.ReadToken(token)
	var p *Payload
	if err == nil {
		p, err = Normalize(kind, fields, result)
	}

	switch {
	case err != nil:
		e.stats.RecordsDroppedToken.Add(1)
		e.logger.Warn("unreadable completion token, record dropped",
			zap.Stringer("method", call.Signature()),
			zap.Uint64("conn_hash", conn.Hash()),
			zap.Error(err),
		)
	case p != nil:
		e.sink.Submit(NewRecord(conn, p))
	case fields.Buffer == nil:
		e.stats.NullBuffers.Add(1)
		e.logger.Debug("completion carried no buffer",
			zap.Stringer("method", call.Signature()),
			zap.Uint64("conn_hash", conn.Hash()),
		)
	}
}
