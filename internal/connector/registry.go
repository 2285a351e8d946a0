package connector

import (
	"context"
	"sort"
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/roach88/recsync/internal/ir"
)

// Factory constructs a connector from its configuration.
type Factory func(ctx context.Context, cfg ir.ConnectorConfig) (Connector, error)

// Registry maps connector types to factories. Safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{factories: map[string]Factory{}}
}

// Register adds a factory under one or more type names. Registering a name
// twice replaces the earlier factory.
func (r *Registry) Register(f Factory, types ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range types {
		r.factories[t] = f
	}
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for t := range r.factories {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// Has reports whether a factory is registered for typ.
func (r *Registry) Has(typ string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.factories[typ]
	return ok
}

// Open constructs the connector for cfg and applies its rate limit and
// timeout. Construction failures are fatal.
func (r *Registry) Open(ctx context.Context, cfg ir.ConnectorConfig) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, &FatalError{Op: "open", Err: errors.Newf("unknown connector type %q for %s", cfg.Type, cfg.Name)}
	}
	c, err := f(ctx, cfg)
	if err != nil {
		return nil, Fatal("open", errors.Wrapf(err, "connector %s", cfg.Name))
	}
	return WithLimits(c, cfg.RateLimit, cfg.Burst, cfg.Timeout), nil
}
