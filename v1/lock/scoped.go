package lock

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ticketfabric/turnstile/v1/lockstore"
)

// ScopedLock is a held booking lock. Its context is cancelled as soon
// as the lock is lost, so work scoped to the lock can abort before it
// writes anything on the strength of a claim it no longer owns.
type ScopedLock struct {
	m        *Manager
	entityID string
	token    string
	lease    time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	refreshedAt time.Time
	err         error
	released    bool

	stop chan struct{}
	done chan struct{}
}

func newScopedLock(ctx context.Context, m *Manager, entityID string, claim lockstore.Claim, lease time.Duration) *ScopedLock {
	lctx, cancel := context.WithCancel(ctx)
	l := &ScopedLock{
		m:           m,
		entityID:    entityID,
		token:       claim.Token,
		lease:       lease,
		ctx:         lctx,
		cancel:      cancel,
		refreshedAt: claim.RefreshedAt,
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	go l.renew()
	return l
}

// EntityID returns the entity this lock guards.
func (l *ScopedLock) EntityID() string { return l.entityID }

// Context is cancelled when the lock is released or stolen. Pass it to
// work that must only run while the lock is held.
func (l *ScopedLock) Context() context.Context { return l.ctx }

// Err returns ErrStolen once the lock has been lost to another worker,
// nil otherwise.
func (l *ScopedLock) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// renew refreshes the claim at a third of the lease so a healthy holder
// never comes close to expiry.
func (l *ScopedLock) renew() {
	defer close(l.done)
	interval := l.lease / 3
	if interval <= 0 {
		interval = time.Millisecond
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-t.C:
			if !l.renewOnce() {
				return
			}
		}
	}
}

func (l *ScopedLock) renewOnce() bool {
	l.mu.Lock()
	expect := lockstore.Claim{Token: l.token, RefreshedAt: l.refreshedAt}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), l.m.storeTimeout)
	defer cancel()

	now := time.Now()
	ok, err := l.m.store.CompareAndSwap(ctx, l.entityID, expect, lockstore.Claim{Token: l.token, RefreshedAt: now})
	if err != nil {
		// Transient store trouble. Keep the old claim and try again on
		// the next tick while the lease still has slack; past that the
		// lock can no longer be trusted.
		if time.Since(expect.RefreshedAt) <= l.lease {
			l.m.log.Warn("turnstile: lock renewal failed, retrying",
				"entity_id", l.entityID, "error", err)
			return true
		}
		l.markStolen()
		return false
	}
	if !ok {
		l.markStolen()
		return false
	}
	l.mu.Lock()
	l.refreshedAt = now
	l.mu.Unlock()
	return true
}

func (l *ScopedLock) markStolen() {
	l.mu.Lock()
	already := l.err != nil
	if !already {
		l.err = ErrStolen
	}
	l.mu.Unlock()
	if already {
		return
	}
	l.cancel()
	if l.m.metrics != nil {
		l.m.metrics.steals.Inc()
	}
	l.m.log.Warn("turnstile: lock stolen after missed renewal", "entity_id", l.entityID)
	if l.m.onSteal != nil {
		l.m.onSteal(l.entityID)
	}
}

// Release clears the claim in the store if it is still ours and stops
// renewal. It is idempotent, and releasing a lock that was stolen in
// the meantime leaves the current owner's claim untouched.
func (l *ScopedLock) Release(ctx context.Context) error {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return nil
	}
	l.released = true
	l.mu.Unlock()

	close(l.stop)
	<-l.done
	l.cancel()

	if l.m.tracer != nil {
		var span trace.Span
		ctx, span = l.m.tracer.Start(ctx, "lock.Release",
			trace.WithAttributes(attribute.String("entity_id", l.entityID)))
		defer span.End()
	}

	l.mu.Lock()
	claim := lockstore.Claim{Token: l.token, RefreshedAt: l.refreshedAt}
	stolen := l.err != nil
	l.mu.Unlock()

	if l.m.metrics != nil {
		l.m.metrics.held.Dec()
		l.m.metrics.released.Inc()
	}

	if stolen {
		return nil
	}

	ok, err := l.m.store.CompareAndSwap(ctx, l.entityID, claim, lockstore.Claim{})
	if err != nil {
		l.m.log.Warn("turnstile: lock release failed",
			"entity_id", l.entityID, "error", err)
		return err
	}
	if !ok {
		// The claim moved on while we were not looking. Whoever holds
		// it now owns the record, so there is nothing left to clear.
		l.mu.Lock()
		l.err = ErrStolen
		l.mu.Unlock()
		return nil
	}
	if l.m.bus != nil {
		_ = l.m.bus.Publish(ctx, "unlock:"+l.entityID)
	}
	l.m.log.Debug("turnstile: lock released", "entity_id", l.entityID)
	return nil
}
