package scope

import (
	"context"
	"time"

	"github.com/ticketfabric/turnstile/v1/cache"
)

// defaultEntryTTL bounds how long an orphaned entry can outlive its
// generation. Entries are re-derivable, so short is safe.
const defaultEntryTTL = 5 * time.Minute

// Scoped is a typed view of an entity's cache namespace, layered over
// any base cache. Reads and writes degrade to misses and no-ops on
// backend failure; only Clear reports errors, because a failed clear
// risks serving stale data.
//
// Scoped satisfies cache.Cache, so it can be wrapped or swapped
// wherever a plain cache is expected.
type Scoped[T any] struct {
	gens *Generations
	base cache.Cache[T]
	e    Entity
	ttl  time.Duration
}

// Option configures a Scoped view.
type Option[T any] func(*Scoped[T])

// WithEntryTTL sets the TTL applied when Set is called with a
// non-positive ttl. Defaults to five minutes.
func WithEntryTTL[T any](d time.Duration) Option[T] {
	return func(s *Scoped[T]) {
		if d > 0 {
			s.ttl = d
		}
	}
}

// For returns e's namespace in base as a typed cache. All views built
// from the same gens observe each other's Clear immediately, whatever
// their value types.
func For[T any](gens *Generations, base cache.Cache[T], e Entity, opts ...Option[T]) *Scoped[T] {
	s := &Scoped[T]{
		gens: gens,
		base: base,
		e:    e,
		ttl:  defaultEntryTTL,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// entryKey builds the full namespaced key. The generation sits between
// the entity prefix and the logical key, so rotating it orphans every
// entry at once.
func (s *Scoped[T]) entryKey(gen, key string) string {
	return "turnstile:" + s.e.Kind() + ":" + s.e.Ident() + ":" + gen + ":" + key
}

// Get returns the value under key in the current generation. The
// generation is resolved on every call, never cached in the view: a
// Get that starts after a Clear can only ever see post-clear state.
// Backend failures are logged and served as misses.
func (s *Scoped[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	gen, err := s.gens.Current(ctx, s.e)
	if err != nil {
		s.gens.log.Warn("turnstile: scoped get degraded to miss", "key", key, "error", err)
		return zero, false, nil
	}
	v, ok, err := s.base.Get(ctx, s.entryKey(gen, key))
	if err != nil {
		s.gens.log.Warn("turnstile: scoped get degraded to miss", "key", key, "error", err)
		return zero, false, nil
	}
	return v, ok, nil
}

// Set stores value under key in the current generation. A non-positive
// ttl uses the view's default. Backend failures are logged and
// swallowed; the entry is simply not cached.
func (s *Scoped[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	gen, err := s.gens.Current(ctx, s.e)
	if err != nil {
		s.gens.log.Warn("turnstile: scoped set skipped", "key", key, "error", err)
		return nil
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	if err := s.base.Set(ctx, s.entryKey(gen, key), value, ttl); err != nil {
		s.gens.log.Warn("turnstile: scoped set skipped", "key", key, "error", err)
	}
	return nil
}

// Invalidate removes a single key from the current generation.
func (s *Scoped[T]) Invalidate(ctx context.Context, key string) error {
	gen, err := s.gens.Current(ctx, s.e)
	if err != nil {
		s.gens.log.Warn("turnstile: scoped invalidate skipped", "key", key, "error", err)
		return nil
	}
	if err := s.base.Invalidate(ctx, s.entryKey(gen, key)); err != nil {
		s.gens.log.Warn("turnstile: scoped invalidate skipped", "key", key, "error", err)
	}
	return nil
}

// Clear drops the whole namespace by rotating its generation. Entries
// under the old generation become unreachable immediately, including
// writes still in flight from before the clear.
func (s *Scoped[T]) Clear(ctx context.Context) error {
	return s.gens.Rotate(ctx, s.e)
}

var _ cache.Cache[string] = (*Scoped[string])(nil)
