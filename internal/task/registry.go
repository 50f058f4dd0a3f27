package task

import (
	"fmt"
	"sort"
	"sync"
)

// Registry is the pluggable catalog of task types. Registration
// happens at startup; lookups come from the scheduler loop.
type Registry struct {
	mu   sync.RWMutex
	defs map[Type]Definition
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{defs: make(map[Type]Definition)}
}

// Register adds a task type. A definition must implement
// SimpleDefinition or ComplexDefinition; duplicate types are rejected.
func (r *Registry) Register(def Definition) error {
	switch def.(type) {
	case SimpleDefinition, ComplexDefinition:
	default:
		return fmt.Errorf("registering %s: neither simple nor complex", def.Type())
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.defs[def.Type()]; dup {
		return fmt.Errorf("registering %s: already registered", def.Type())
	}
	r.defs[def.Type()] = def
	return nil
}

// Lookup resolves a task type.
func (r *Registry) Lookup(t Type) (Definition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[t]
	if !ok {
		return nil, fmt.Errorf("unknown task type %q", t)
	}
	return def, nil
}

// Types lists registered type names in sorted order.
func (r *Registry) Types() []Type {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Type, 0, len(r.defs))
	for t := range r.defs {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
