package hook

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Handler receives matched calls. Returning handled=false lets the call
// continue to the next handler and finally to the original operation.
type Handler func(ctx context.Context, call *Call) (result any, handled bool, err error)

type registration struct {
	name    string
	sigs    map[Signature]struct{}
	handler Handler
}

// Registry dispatches hooked calls to registered handlers.
// Handlers run in registration order; the first one that handles a call wins.
type Registry struct {
	logger *zap.Logger

	mu   sync.RWMutex
	regs []registration

	tracing atomic.Bool
	newID   func() string
}

// NewRegistry creates a registry with tracing enabled.
func NewRegistry(logger *zap.Logger) *Registry {
	r := &Registry{
		logger: logger,
		newID:  newCallID,
	}
	r.tracing.Store(true)
	return r
}

func newCallID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Register adds a handler for the given signatures. Names must be unique.
func (r *Registry) Register(name string, sigs []Signature, h Handler) error {
	if h == nil {
		return fmt.Errorf("register %q: nil handler", name)
	}
	if len(sigs) == 0 {
		return fmt.Errorf("register %q: no signatures", name)
	}

	set := make(map[Signature]struct{}, len(sigs))
	for _, s := range sigs {
		set[s] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, reg := range r.regs {
		if reg.name == name {
			return fmt.Errorf("register %q: already registered", name)
		}
	}
	r.regs = append(r.regs, registration{name: name, sigs: set, handler: h})

	r.logger.Debug("hook handler registered",
		zap.String("name", name),
		zap.Int("signatures", len(set)),
	)
	return nil
}

// Unregister removes a handler by name.
func (r *Registry) Unregister(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, reg := range r.regs {
		if reg.name == name {
			r.regs = append(r.regs[:i], r.regs[i+1:]...)
			return true
		}
	}
	return false
}

// ExpectedMethods returns every registered signature in "Type::Method" form.
func (r *Registry) ExpectedMethods() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	for _, reg := range r.regs {
		for s := range reg.sigs {
			seen[s.String()] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for s := range seen {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// EnableTracing activates dispatch to handlers.
func (r *Registry) EnableTracing() {
	if !r.tracing.Swap(true) {
		r.logger.Info("tracing enabled")
	}
}

// DisableTracing makes Dispatch a pure pass-through to the original operation.
func (r *Registry) DisableTracing() {
	if r.tracing.Swap(false) {
		r.logger.Info("tracing disabled (dormant)")
	}
}

// IsTracingEnabled returns the current tracing state.
func (r *Registry) IsTracingEnabled() bool {
	return r.tracing.Load()
}

// Dispatch delivers call to the handlers registered for its signature.
// original is the un-intercepted operation; it runs when no handler claims
// the call. call.ID and call.Proxy are filled in here.
func (r *Registry) Dispatch(ctx context.Context, call *Call, original Invoker) (any, error) {
	if !r.tracing.Load() {
		return original(ctx)
	}

	id := CallID(ctx)
	if id == "" {
		id = r.newID()
		ctx = WithCallID(ctx, id)
	}
	call.ID = id
	call.Proxy = func(pctx context.Context) (any, error) {
		if CallID(pctx) == "" {
			pctx = WithCallID(pctx, id)
		}
		nested := *call
		return r.Dispatch(pctx, &nested, original)
	}

	for _, h := range r.handlersFor(call.Signature()) {
		result, handled, err := h(ctx, call)
		if handled {
			return result, err
		}
	}
	return original(ctx)
}

func (r *Registry) handlersFor(sig Signature) []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var hs []Handler
	for _, reg := range r.regs {
		if _, ok := reg.sigs[sig]; ok {
			hs = append(hs, reg.handler)
		}
	}
	return hs
}
