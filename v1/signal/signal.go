// Package signal provides a minimal in-process hook registry. Hooks
// run synchronously, in the order they were connected, on the sender's
// goroutine; there is no queue and no ambient global dispatch. Mutation
// paths declare their signals as package variables and fire them
// explicitly.
package signal

import (
	"context"
	"errors"
	"sync"
)

type hook[T any] struct {
	id int
	fn func(context.Context, T) error
}

// Signal dispatches a value of type T to connected hooks.
//
// The zero value is ready to use.
type Signal[T any] struct {
	mu    sync.Mutex
	next  int
	hooks []hook[T]
}

// New returns a new Signal.
func New[T any]() *Signal[T] {
	return &Signal[T]{}
}

// Connect registers fn to run on every Send, after all previously
// connected hooks. The returned func disconnects it; calling it more
// than once is harmless.
func (s *Signal[T]) Connect(fn func(context.Context, T) error) (disconnect func()) {
	s.mu.Lock()
	id := s.next
	s.next++
	s.hooks = append(s.hooks, hook[T]{id: id, fn: fn})
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, h := range s.hooks {
			if h.id == id {
				s.hooks = append(s.hooks[:i], s.hooks[i+1:]...)
				return
			}
		}
	}
}

// Send runs every connected hook with v. A failing hook never stops the
// ones after it; all hook errors are joined into the returned error.
// Hooks connected while a Send is in flight run on the next Send.
func (s *Signal[T]) Send(ctx context.Context, v T) error {
	s.mu.Lock()
	hooks := make([]hook[T], len(s.hooks))
	copy(hooks, s.hooks)
	s.mu.Unlock()

	var errs []error
	for _, h := range hooks {
		if err := h.fn(ctx, v); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
