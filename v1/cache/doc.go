// Package cache provides the cache backends underneath the event-scoped
// namespaces: an in-memory LRU with a background sweeper, a Redis
// backend, and a ristretto (TinyLFU) backend, all behind one generic
// interface. ResilientCache wraps any of them so backend failures
// degrade to misses instead of surfacing to callers.
package cache
