package schema

import (
	"context"
	"sync"
)

// EnumGenerator computes the currently valid values for a field. Returning
// ok=false means "no constraint" and the rendered field omits enum entirely.
type EnumGenerator func(ctx context.Context) (values []string, ok bool, err error)

// Enums is a concurrency-safe set of named enum generators.
type Enums struct {
	mu   sync.RWMutex
	gens map[string]EnumGenerator
}

// NewEnums returns an empty generator set.
func NewEnums() *Enums {
	return &Enums{gens: make(map[string]EnumGenerator)}
}

// Register binds name to gen, replacing any prior binding.
func (e *Enums) Register(name string, gen EnumGenerator) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.gens[name] = gen
}

// Lookup returns the generator registered under name.
func (e *Enums) Lookup(name string) (EnumGenerator, bool) {
	if e == nil {
		return nil, false
	}
	e.mu.RLock()
	defer e.mu.RUnlock()
	g, ok := e.gens[name]
	return g, ok
}

// StaticEnum returns a generator that always yields values.
func StaticEnum(values ...string) EnumGenerator {
	return func(context.Context) ([]string, bool, error) {
		return append([]string(nil), values...), true, nil
	}
}
