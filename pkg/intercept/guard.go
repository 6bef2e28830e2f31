package intercept

import "sync"

// Guard tracks which logical call contexts are currently being extracted.
//
// It is keyed by call-context id rather than held as a single flag: calls
// completing concurrently on other goroutines carry different ids and never
// suppress each other, while the engine's own proxy invocation re-enters
// with the same id and is turned away.
type Guard struct {
	mu     sync.Mutex
	active map[string]struct{}
}

// NewGuard creates an empty guard.
func NewGuard() *Guard {
	return &Guard{active: make(map[string]struct{})}
}

// Enter marks key active. It returns false if key is already active or empty.
func (g *Guard) Enter(key string) bool {
	if key == "" {
		return false
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.active[key]; ok {
		return false
	}
	g.active[key] = struct{}{}
	return true
}

// Exit releases key.
func (g *Guard) Exit(key string) {
	g.mu.Lock()
	delete(g.active, key)
	g.mu.Unlock()
}

// Active returns the number of call contexts currently inside the engine.
func (g *Guard) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}
