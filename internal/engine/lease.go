package engine

import "sync"

type runKey struct {
	plan      string
	connector string
}

// runGuard is the in-process half of single-flight. The store lease covers
// other processes sharing the same database.
type runGuard struct {
	mu     sync.Mutex
	active map[runKey]bool
}

func newRunGuard() *runGuard {
	return &runGuard{active: make(map[runKey]bool)}
}

// acquire claims key. Returns false if it is already held.
func (g *runGuard) acquire(key runKey) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.active[key] {
		return false
	}
	g.active[key] = true
	return true
}

func (g *runGuard) release(key runKey) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.active, key)
}
