package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/ticketfabric/turnstile/v1/lockstore"
	"github.com/ticketfabric/turnstile/v1/syncbus"
)

var (
	// ErrTimeout is returned by Acquire when the timeout lapses before
	// the entity's lock frees up.
	ErrTimeout = errors.New("turnstile: lock acquire timed out")

	// ErrStolen reports that the lease lapsed and another worker took
	// the entity over. Work guarded by the lock must not be treated as
	// committed once this is set.
	ErrStolen = errors.New("turnstile: lock stolen after missed renewal")
)

// consecutive store failures tolerated before an acquire gives up
const maxStoreFailures = 4

// Manager hands out scoped locks backed by a lockstore. A single
// Manager is safe for concurrent use and is meant to be shared by all
// workers of a process.
type Manager struct {
	store lockstore.Store
	bus   syncbus.Bus
	log   *slog.Logger

	lease          time.Duration
	acquireTimeout time.Duration
	retryInterval  time.Duration
	storeTimeout   time.Duration

	onSteal func(entityID string)
	tracer  trace.Tracer
	metrics *managerMetrics
}

type managerMetrics struct {
	acquired prometheus.Counter
	released prometheus.Counter
	timeouts prometheus.Counter
	steals   prometheus.Counter
	held     prometheus.Gauge
	wait     prometheus.Histogram
}

// Option configures a Manager.
type Option func(*Manager)

// WithLease sets the lease used when Acquire is called with a zero
// lease. The default is two minutes.
func WithLease(d time.Duration) Option {
	return func(m *Manager) { m.lease = d }
}

// WithAcquireTimeout sets how long Acquire waits for a busy lock before
// returning ErrTimeout, when called with a zero timeout. The default is
// thirty seconds.
func WithAcquireTimeout(d time.Duration) Option {
	return func(m *Manager) { m.acquireTimeout = d }
}

// WithRetryInterval sets the base delay between acquire attempts while
// another worker holds the lock. The actual delay is jittered around
// this value.
func WithRetryInterval(d time.Duration) Option {
	return func(m *Manager) { m.retryInterval = d }
}

// WithStoreTimeout bounds the store calls issued by background renewal
// and by deferred release.
func WithStoreTimeout(d time.Duration) Option {
	return func(m *Manager) { m.storeTimeout = d }
}

// WithBus wires a syncbus so waiting acquirers wake up as soon as a
// holder in any process releases, instead of sitting out the full retry
// interval.
func WithBus(bus syncbus.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(log *slog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

// WithOnSteal registers a callback invoked with the entity ID whenever
// one of this manager's locks is detected as stolen.
func WithOnSteal(fn func(entityID string)) Option {
	return func(m *Manager) { m.onSteal = fn }
}

// WithMetrics enables Prometheus metrics collection using the provided
// registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(m *Manager) {
		mm := &managerMetrics{
			acquired: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "turnstile_lock_acquired_total",
				Help: "Total number of locks acquired.",
			}),
			released: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "turnstile_lock_released_total",
				Help: "Total number of locks released.",
			}),
			timeouts: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "turnstile_lock_timeouts_total",
				Help: "Total number of acquires that timed out.",
			}),
			steals: prometheus.NewCounter(prometheus.CounterOpts{
				Name: "turnstile_lock_steals_total",
				Help: "Total number of held locks lost to takeover.",
			}),
			held: prometheus.NewGauge(prometheus.GaugeOpts{
				Name: "turnstile_locks_held",
				Help: "Number of locks currently held by this process.",
			}),
			wait: prometheus.NewHistogram(prometheus.HistogramOpts{
				Name:    "turnstile_lock_wait_seconds",
				Help:    "Time spent waiting in Acquire.",
				Buckets: prometheus.DefBuckets,
			}),
		}
		reg.MustRegister(mm.acquired, mm.released, mm.timeouts, mm.steals, mm.held, mm.wait)
		m.metrics = mm
	}
}

// WithTracing enables OpenTelemetry spans around acquire and release.
func WithTracing() Option {
	return func(m *Manager) { m.tracer = otel.Tracer("turnstile/lock") }
}

// NewManager returns a Manager backed by the given store.
func NewManager(store lockstore.Store, opts ...Option) *Manager {
	m := &Manager{
		store:          store,
		log:            slog.Default(),
		lease:          2 * time.Minute,
		acquireTimeout: 30 * time.Second,
		retryInterval:  200 * time.Millisecond,
		storeTimeout:   5 * time.Second,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire obtains the lock for entityID, waiting up to timeout for the
// current holder to release or for its lease to lapse. Zero lease or
// timeout values fall back to the manager defaults. The returned lock
// must be released; prefer WithLock unless the critical section spans
// multiple functions.
//
// Staleness is judged with this process's clock against the refresh
// time recorded in the store, so worker clocks need to agree to within
// a small fraction of the lease.
func (m *Manager) Acquire(ctx context.Context, entityID string, lease, timeout time.Duration) (*ScopedLock, error) {
	if lease <= 0 {
		lease = m.lease
	}
	if timeout <= 0 {
		timeout = m.acquireTimeout
	}
	if m.tracer != nil {
		var span trace.Span
		ctx, span = m.tracer.Start(ctx, "lock.Acquire",
			trace.WithAttributes(attribute.String("entity_id", entityID)))
		defer span.End()
	}

	start := time.Now()
	deadline := start.Add(timeout)

	var wake <-chan struct{}
	if m.bus != nil {
		if ch, err := m.bus.Subscribe(ctx, "unlock:"+entityID); err == nil {
			wake = ch
			defer func() { _ = m.bus.Unsubscribe(context.Background(), "unlock:"+entityID, ch) }()
		}
	}

	failures := 0
	for {
		rec, err := m.store.Ensure(ctx, entityID)
		if err != nil {
			if failures++; failures >= maxStoreFailures {
				return nil, err
			}
			if err := m.pause(ctx, deadline, wake); err != nil {
				return nil, m.acquireFailed(err, entityID)
			}
			continue
		}
		failures = 0

		now := time.Now()
		if rec.Held(lease, now) {
			if err := m.pause(ctx, deadline, wake); err != nil {
				return nil, m.acquireFailed(err, entityID)
			}
			continue
		}

		next := lockstore.Claim{Token: uuid.NewString(), RefreshedAt: now}
		ok, err := m.store.CompareAndSwap(ctx, entityID, rec.Claim(), next)
		if err != nil {
			if failures++; failures >= maxStoreFailures {
				return nil, err
			}
			if err := m.pause(ctx, deadline, wake); err != nil {
				return nil, m.acquireFailed(err, entityID)
			}
			continue
		}
		if !ok {
			// Lost the race for this claim. The winner's fresh lease
			// shows up on the next pass and we fall into the wait path.
			continue
		}

		if rec.OwnerToken != "" {
			m.log.Warn("turnstile: lock taken over after missed renewal",
				"entity_id", entityID,
				"stale_for", now.Sub(rec.RefreshedAt).String())
		}
		if m.metrics != nil {
			m.metrics.acquired.Inc()
			m.metrics.held.Inc()
			m.metrics.wait.Observe(time.Since(start).Seconds())
		}
		m.log.Debug("turnstile: lock acquired", "entity_id", entityID)
		return newScopedLock(ctx, m, entityID, next, lease), nil
	}
}

// WithLock acquires the lock for entityID, runs fn exactly once while
// holding it, and releases on the way out regardless of how fn exits.
// The context passed to fn is cancelled if the lock is lost mid-flight,
// and a steal during fn surfaces as ErrStolen even when fn itself
// returned nil, so callers never mistake work done on a stale lock for
// a committed result.
func (m *Manager) WithLock(ctx context.Context, entityID string, lease, timeout time.Duration, fn func(context.Context) error) error {
	lk, err := m.Acquire(ctx, entityID, lease, timeout)
	if err != nil {
		return err
	}
	defer func() {
		rctx, cancel := context.WithTimeout(context.Background(), m.storeTimeout)
		defer cancel()
		_ = lk.Release(rctx)
	}()
	if err := fn(lk.Context()); err != nil {
		return err
	}
	return lk.Err()
}

func (m *Manager) acquireFailed(err error, entityID string) error {
	if errors.Is(err, ErrTimeout) {
		if m.metrics != nil {
			m.metrics.timeouts.Inc()
		}
		return fmt.Errorf("acquire %q: %w", entityID, ErrTimeout)
	}
	return err
}

// pause waits out a jittered retry interval, returning early on a bus
// wakeup. It returns ErrTimeout once deadline passes and the context
// error if the caller gave up first.
func (m *Manager) pause(ctx context.Context, deadline time.Time, wake <-chan struct{}) error {
	remaining := time.Until(deadline)
	if remaining <= 0 {
		return ErrTimeout
	}
	base := m.retryInterval
	if base <= 0 {
		base = 50 * time.Millisecond
	}
	delay := base/2 + time.Duration(rand.Int63n(int64(base)))
	if delay > remaining {
		delay = remaining
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-wake:
		return nil
	case <-t.C:
		return nil
	}
}
