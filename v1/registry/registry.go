// Package registry maps stable string identifiers to per-event
// constructors. Payment providers, mail backends and similar plugin
// surfaces register at startup and are built on demand for a concrete
// event; there is no reflection or import-time discovery, an
// identifier either was registered or it was not.
package registry

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ticketfabric/turnstile/v1/event"
)

var (
	// ErrDuplicate is returned when an identifier is registered twice.
	ErrDuplicate = errors.New("turnstile: identifier already registered")
	// ErrUnknown is returned when building an unregistered identifier.
	ErrUnknown = errors.New("turnstile: unknown identifier")
)

// Constructor builds a provider instance bound to one event.
type Constructor[T any] func(e *event.Event) (T, error)

// Registry holds the registered constructors for one provider kind.
// The zero value is not usable; call New.
type Registry[T any] struct {
	mu    sync.RWMutex
	ctors map[string]Constructor[T]
}

// New returns an empty registry.
func New[T any]() *Registry[T] {
	return &Registry[T]{ctors: make(map[string]Constructor[T])}
}

// Register adds a constructor under id. Identifiers are dotted paths
// by convention ("banktransfer", "acme.sepa") and must be unique.
func (r *Registry[T]) Register(id string, ctor Constructor[T]) error {
	if id == "" {
		return errors.New("turnstile: empty identifier")
	}
	if ctor == nil {
		return fmt.Errorf("turnstile: nil constructor for %q", id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ctors[id]; ok {
		return fmt.Errorf("%w: %q", ErrDuplicate, id)
	}
	r.ctors[id] = ctor
	return nil
}

// Identifiers returns the registered identifiers, sorted.
func (r *Registry[T]) Identifiers() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.ctors))
	for id := range r.ctors {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Build constructs the provider registered under id for e.
func (r *Registry[T]) Build(id string, e *event.Event) (T, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[id]
	r.mu.RUnlock()
	if !ok {
		var zero T
		return zero, fmt.Errorf("%w: %q", ErrUnknown, id)
	}
	return ctor(e)
}

// BuildAll constructs every registered provider for e, keyed by
// identifier and built in sorted order. The first constructor failure
// aborts the build.
func (r *Registry[T]) BuildAll(e *event.Event) (map[string]T, error) {
	out := make(map[string]T)
	for _, id := range r.Identifiers() {
		v, err := r.Build(id, e)
		if err != nil {
			return nil, fmt.Errorf("build %q: %w", id, err)
		}
		out[id] = v
	}
	return out, nil
}
