package cache

import (
	"context"
	"log/slog"
	"time"
)

// ResilientCache wraps another Cache and downgrades its failures to
// log lines: a failed read becomes a miss, a failed write a no-op. A
// dead cache backend then costs latency, never correctness, because
// callers fall through to the authoritative store.
type ResilientCache[T any] struct {
	inner Cache[T]
	log   *slog.Logger
}

// NewResilient wraps inner. A nil log defaults to slog.Default().
func NewResilient[T any](inner Cache[T], log *slog.Logger) *ResilientCache[T] {
	if log == nil {
		log = slog.Default()
	}
	return &ResilientCache[T]{inner: inner, log: log}
}

// Get implements Cache.Get, reporting inner failures as misses.
func (r *ResilientCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	val, ok, err := r.inner.Get(ctx, key)
	if err != nil {
		r.log.Warn("turnstile: cache read failed, serving miss", "key", key, "error", err)
		var zero T
		return zero, false, nil
	}
	return val, ok, nil
}

// Set implements Cache.Set, swallowing inner failures.
func (r *ResilientCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	if err := r.inner.Set(ctx, key, value, ttl); err != nil {
		r.log.Warn("turnstile: cache write failed, skipping", "key", key, "error", err)
	}
	return nil
}

// Invalidate implements Cache.Invalidate, swallowing inner failures.
func (r *ResilientCache[T]) Invalidate(ctx context.Context, key string) error {
	if err := r.inner.Invalidate(ctx, key); err != nil {
		r.log.Warn("turnstile: cache invalidate failed, skipping", "key", key, "error", err)
	}
	return nil
}

var _ Cache[string] = (*ResilientCache[string])(nil)
