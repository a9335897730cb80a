// Package watchdog inspects lock records for holders that stopped
// renewing. The lock manager handles stale records lazily, the next
// acquirer simply takes over, but an entity nobody tries to book keeps
// its dead claim until then. A watchdog makes those claims visible,
// and in reap mode clears them so the next acquire is instant.
package watchdog

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/ticketfabric/turnstile/v1/lockstore"
)

// Mode selects what a Watchdog does about a stale claim.
type Mode int

const (
	// ModeObserve counts stale claims and nothing else.
	ModeObserve Mode = iota
	// ModeAlert counts and logs each stale claim.
	ModeAlert
	// ModeReap counts, logs and clears stale claims.
	ModeReap
)

// Watchdog periodically reads the records of a fixed set of entities
// and reacts to claims older than the lease.
type Watchdog struct {
	store    lockstore.Store
	entities []string
	lease    time.Duration
	mode     Mode
	interval time.Duration
	log      *slog.Logger

	stale  atomic.Uint64
	reaped atomic.Uint64
}

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithInterval overrides the scan interval, which defaults to the
// lease. Scanning faster than the lease only rereads records that
// cannot have gone stale yet.
func WithInterval(d time.Duration) Option {
	return func(w *Watchdog) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger routes watchdog logging to the given logger.
func WithLogger(log *slog.Logger) Option {
	return func(w *Watchdog) {
		if log != nil {
			w.log = log
		}
	}
}

// New returns a Watchdog over the given entity IDs. The lease must
// match the one bookings acquire with, it is what separates a live
// holder from a dead one.
func New(store lockstore.Store, entities []string, lease time.Duration, mode Mode, opts ...Option) *Watchdog {
	w := &Watchdog{
		store:    store,
		entities: entities,
		lease:    lease,
		mode:     mode,
		interval: lease,
		log:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.interval <= 0 {
		w.interval = time.Second
	}
	return w
}

// Run scans on a ticker until ctx is cancelled.
func (w *Watchdog) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.scan(ctx)
		}
	}
}

func (w *Watchdog) scan(ctx context.Context) {
	now := time.Now()
	for _, id := range w.entities {
		rec, ok, err := w.store.Read(ctx, id)
		if err != nil {
			w.log.Warn("turnstile: watchdog read failed", "entity_id", id, "error", err)
			continue
		}
		if !ok || rec.OwnerToken == "" || rec.Held(w.lease, now) {
			continue
		}
		w.stale.Add(1)
		if w.mode == ModeObserve {
			continue
		}
		w.log.Warn("turnstile: stale lock claim",
			"entity_id", id, "age", now.Sub(rec.RefreshedAt))
		if w.mode != ModeReap {
			continue
		}
		swapped, err := w.store.CompareAndSwap(ctx, id, rec.Claim(), lockstore.Claim{})
		if err != nil {
			w.log.Warn("turnstile: stale claim reap failed", "entity_id", id, "error", err)
			continue
		}
		if !swapped {
			// The claim moved on between read and swap, either the
			// holder came back or someone took over. Both are fine.
			continue
		}
		w.reaped.Add(1)
	}
}

// Stale returns the number of stale claims seen so far.
func (w *Watchdog) Stale() uint64 { return w.stale.Load() }

// Reaped returns the number of stale claims cleared so far.
func (w *Watchdog) Reaped() uint64 { return w.reaped.Load() }
