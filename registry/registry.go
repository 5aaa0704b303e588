// Package registry provides a concurrency-safe, insertion-ordered map used to
// hold tool, prompt and resource definitions.
package registry

import (
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrNotFound is returned by Get when no entry exists for a key.
	ErrNotFound = errors.New("not registered")
	// ErrInvalidCursor is returned by Page for cursors that are malformed or
	// that reference a key no longer registered.
	ErrInvalidCursor = errors.New("invalid cursor")
)

// DefaultPageSize is used by Page when a non-positive size is requested.
const DefaultPageSize = 50

type entry[T any] struct {
	key string
	def T
}

// Registry maps unique string keys to definitions and remembers registration
// order. Replacing an existing key keeps its original position.
//
// The zero value is not usable; construct with New.
type Registry[T any] struct {
	mu      sync.RWMutex
	entries []entry[T]
	index   map[string]int

	onChange func()
}

// Option configures a Registry.
type Option[T any] func(*Registry[T])

// WithOnChange installs a callback invoked after every successful Register or
// Remove, outside the registry lock.
func WithOnChange[T any](fn func()) Option[T] {
	return func(r *Registry[T]) { r.onChange = fn }
}

// New creates an empty registry.
func New[T any](opts ...Option[T]) *Registry[T] {
	r := &Registry[T]{index: make(map[string]int)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register inserts def under key, or replaces the existing definition in
// place (last write wins). It reports whether an entry was replaced.
func (r *Registry[T]) Register(key string, def T) (replaced bool) {
	r.mu.Lock()
	if i, ok := r.index[key]; ok {
		r.entries[i].def = def
		replaced = true
	} else {
		r.index[key] = len(r.entries)
		r.entries = append(r.entries, entry[T]{key: key, def: def})
	}
	r.mu.Unlock()

	if r.onChange != nil {
		r.onChange()
	}
	return replaced
}

// Remove deletes key. It reports whether the key was present.
func (r *Registry[T]) Remove(key string) bool {
	r.mu.Lock()
	i, ok := r.index[key]
	if ok {
		r.entries = append(r.entries[:i], r.entries[i+1:]...)
		delete(r.index, key)
		for j := i; j < len(r.entries); j++ {
			r.index[r.entries[j].key] = j
		}
	}
	r.mu.Unlock()

	if ok && r.onChange != nil {
		r.onChange()
	}
	return ok
}

// Get returns the definition registered under key.
func (r *Registry[T]) Get(key string) (T, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	i, ok := r.index[key]
	if !ok {
		var zero T
		return zero, fmt.Errorf("%q: %w", key, ErrNotFound)
	}
	return r.entries[i].def, nil
}

// Len returns the number of registered entries.
func (r *Registry[T]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// List returns all definitions in registration order.
func (r *Registry[T]) List() []T {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]T, len(r.entries))
	for i, e := range r.entries {
		out[i] = e.def
	}
	return out
}

// Page returns up to size definitions following cursor. A nil or empty
// cursor starts from the beginning. The returned NextCursor is nil on the
// final page.
//
// Cursors encode the last key returned, so they stay valid across
// registrations of other keys as long as that key is still registered.
func (r *Registry[T]) Page(cursor *string, size int) (Page[T], error) {
	if size <= 0 {
		size = DefaultPageSize
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	start := 0
	if cursor != nil && *cursor != "" {
		key, err := decodeCursor(*cursor)
		if err != nil {
			return Page[T]{}, err
		}
		i, ok := r.index[key]
		if !ok {
			return Page[T]{}, fmt.Errorf("%w: key %q no longer registered", ErrInvalidCursor, key)
		}
		start = i + 1
	}

	end := min(start+size, len(r.entries))
	items := make([]T, 0, end-start)
	for _, e := range r.entries[start:end] {
		items = append(items, e.def)
	}

	if end < len(r.entries) {
		return NewPage(items, WithNextCursor[T](encodeCursor(r.entries[end-1].key))), nil
	}
	return NewPage(items), nil
}

func encodeCursor(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

func decodeCursor(c string) (string, error) {
	b, err := base64.RawURLEncoding.DecodeString(c)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidCursor, err)
	}
	return string(b), nil
}
