// Package lockstore persists lock ownership records, one per lockable
// entity. Records are created on first use and reused forever: releasing
// a lock clears the owner fields instead of deleting the row, so the
// record doubles as a natural serialization point for all claims on the
// same entity. Every mutation goes through CompareAndSwap, which means
// two processes racing on the same record cannot both win.
package lockstore

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable wraps backend failures so callers can tell an
// unreachable store apart from a lost race.
var ErrUnavailable = errors.New("turnstile: lock store unavailable")

// Record is the persisted ownership state of a single entity. An empty
// OwnerToken means the entity is not held.
type Record struct {
	EntityID    string
	OwnerToken  string
	RefreshedAt time.Time
}

// Claim is the (owner token, refresh time) pair guarded by
// CompareAndSwap. Two claims match only if both fields are equal at
// millisecond precision, the precision every backend stores.
type Claim struct {
	Token       string
	RefreshedAt time.Time
}

// Claim returns the record's current claim.
func (r Record) Claim() Claim {
	return Claim{Token: r.OwnerToken, RefreshedAt: r.RefreshedAt}
}

// Held reports whether the record carries an owner whose claim is
// younger than lease at the given instant. Records past their lease are
// fair game for takeover.
func (r Record) Held(lease time.Duration, now time.Time) bool {
	return r.OwnerToken != "" && now.Sub(r.RefreshedAt) <= lease
}

// Store is the persistence contract shared by all backends.
//
// Implementations must apply CompareAndSwap atomically with respect to
// concurrent callers, including callers in other processes.
type Store interface {
	// Ensure returns the record for entityID, creating an unheld one if
	// none exists yet. Concurrent Ensure calls for the same entity are
	// safe and converge on a single record; an existing record is never
	// reset.
	Ensure(ctx context.Context, entityID string) (Record, error)

	// CompareAndSwap installs next as the entity's claim if and only if
	// the stored claim equals expect. It reports whether the swap
	// happened; false with a nil error means the claim changed
	// underneath the caller.
	CompareAndSwap(ctx context.Context, entityID string, expect, next Claim) (bool, error)

	// Read returns the current record, reporting false when the entity
	// was never ensured.
	Read(ctx context.Context, entityID string) (Record, bool, error)
}

// unixMilli converts t to milliseconds since the epoch. The zero time
// maps to zero so freshly created and released records look alike in
// every backend.
func unixMilli(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// fromMilli is the inverse of unixMilli.
func fromMilli(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

// sameClaim compares two claims at the stored precision.
func sameClaim(a, b Claim) bool {
	return a.Token == b.Token && unixMilli(a.RefreshedAt) == unixMilli(b.RefreshedAt)
}
