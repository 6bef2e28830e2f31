// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package transport

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxDepth bounds how many wrappers Resolve will walk through.
const DefaultMaxDepth = 8

// Sentinel causes carried by ChainResolutionError.
var (
	ErrNilHandle     = errors.New("nil stream handle")
	ErrNoStrategy    = errors.New("no strategy for stream family")
	ErrNoEndpoint    = errors.New("chain does not terminate in a transport endpoint")
	ErrDepthExceeded = errors.New("wrapping chain too deep")
	ErrIntrospection = errors.New("introspection failed")
)

// Introspector exposes a stream family's layering.
type Introspector interface {
	// Unwrap returns the stream immediately wrapped by handle.
	Unwrap(handle any) (inner any, ok bool)

	// Endpoint returns the transport endpoint when handle is a terminal,
	// network-backed stream.
	Endpoint(handle any) (Endpoint, bool)
}

// Strategy resolves one family of stream chains.
type Strategy interface {
	Introspector

	// Family names the stream family, e.g. "net".
	Family() string

	// Matches reports whether handle is the outermost layer of this family.
	Matches(handle any) bool
}

// ChainResolutionError reports a chain that did not end where expected.
type ChainResolutionError struct {
	Family string
	Depth  int
	Handle string // %T of the handle where resolution stopped
	Err    error
}

func (e *ChainResolutionError) Error() string {
	family := e.Family
	if family == "" {
		family = "unknown"
	}
	return fmt.Sprintf("resolve %s chain at depth %d (%s): %v", family, e.Depth, e.Handle, e.Err)
}

func (e *ChainResolutionError) Unwrap() error {
	return e.Err
}

// Resolver maps stream handles to connection identities.
type Resolver struct {
	logger   *zap.Logger
	maxDepth int
	pid      uint32

	mu         sync.RWMutex
	strategies []Strategy
}

// NewResolver creates a resolver. maxDepth <= 0 selects DefaultMaxDepth.
func NewResolver(maxDepth int, logger *zap.Logger) *Resolver {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Resolver{
		logger:   logger,
		maxDepth: maxDepth,
		pid:      uint32(os.Getpid()),
	}
}

// Register adds a strategy. Strategies are tried in registration order.
func (r *Resolver) Register(s Strategy) {
	r.mu.Lock()
	r.strategies = append(r.strategies, s)
	r.mu.Unlock()

	r.logger.Debug("chain strategy registered", zap.String("family", s.Family()))
}

// Families lists the registered stream families.
func (r *Resolver) Families() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, len(r.strategies))
	for i, s := range r.strategies {
		out[i] = s.Family()
	}
	return out
}

// Resolve walks handle's wrapping chain down to its transport endpoint.
// Every failure, including a panicking introspector, is returned as a
// *ChainResolutionError.
func (r *Resolver) Resolve(handle any) (id ConnID, err error) {
	if handle == nil {
		return ConnID{}, &ChainResolutionError{Handle: "<nil>", Err: ErrNilHandle}
	}

	s := r.strategyFor(handle)
	if s == nil {
		return ConnID{}, &ChainResolutionError{Handle: fmt.Sprintf("%T", handle), Err: ErrNoStrategy}
	}

	cur := handle
	depth := 0
	defer func() {
		if v := recover(); v != nil {
			id = ConnID{}
			err = &ChainResolutionError{
				Family: s.Family(),
				Depth:  depth,
				Handle: fmt.Sprintf("%T", cur),
				Err:    fmt.Errorf("%w: %v", ErrIntrospection, v),
			}
		}
	}()

	for ; depth <= r.maxDepth; depth++ {
		if ep, ok := s.Endpoint(cur); ok {
			return r.identity(ep), nil
		}
		inner, ok := s.Unwrap(cur)
		if !ok || inner == nil {
			return ConnID{}, &ChainResolutionError{
				Family: s.Family(),
				Depth:  depth,
				Handle: fmt.Sprintf("%T", cur),
				Err:    ErrNoEndpoint,
			}
		}
		cur = inner
	}

	return ConnID{}, &ChainResolutionError{
		Family: s.Family(),
		Depth:  depth,
		Handle: fmt.Sprintf("%T", cur),
		Err:    ErrDepthExceeded,
	}
}

func (r *Resolver) strategyFor(handle any) Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, s := range r.strategies {
		if s.Matches(handle) {
			return s
		}
	}
	return nil
}

func (r *Resolver) identity(ep Endpoint) ConnID {
	cookie := ep.Cookie
	if cookie == 0 {
		cookie = addrCookie(ep)
	}
	return ConnID{PID: r.pid, FD: ep.FD, Cookie: cookie}
}
