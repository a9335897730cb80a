// Package lock provides a lease-based booking lock built on persisted
// ownership records. One worker at a time holds the lock for an entity.
// Holders refresh their claim in the background, and a holder that
// stops refreshing (crash, partition, long pause) loses the entity to
// the next waiter once the lease lapses. Every transition goes through
// the store's compare-and-swap, so takeover, renewal and release cannot
// race each other into a double hold.
package lock
