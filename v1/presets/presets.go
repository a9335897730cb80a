// Package presets assembles a booking node in one call: lock manager,
// cache namespace generations and event store, wired so that saving an
// event clears exactly its own cache namespace. The bundles cover the
// common deployments; anything more exotic composes the packages
// directly.
package presets

import (
	"errors"
	"fmt"

	redis "github.com/redis/go-redis/v9"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/ticketfabric/turnstile/v1/cache"
	"github.com/ticketfabric/turnstile/v1/event"
	"github.com/ticketfabric/turnstile/v1/lock"
	"github.com/ticketfabric/turnstile/v1/lockstore"
	"github.com/ticketfabric/turnstile/v1/scope"
	"github.com/ticketfabric/turnstile/v1/syncbus"
)

// Booking bundles one node's coordination pieces. Fields are exported
// so callers can swap a part before use; Close shuts down what the
// preset created.
type Booking struct {
	Locks   *lock.Manager
	Gens    *scope.Generations
	Events  event.Store
	Signals *event.Signals

	disconnect func()
	closers    []func() error
}

// Close undoes the save wiring and closes owned resources in reverse
// construction order.
func (b *Booking) Close() error {
	if b.disconnect != nil {
		b.disconnect()
		b.disconnect = nil
	}
	var errs []error
	for i := len(b.closers) - 1; i >= 0; i-- {
		if err := b.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	b.closers = nil
	return errors.Join(errs...)
}

// wire connects the save signal to the namespace clear. Kept in one
// place so every preset behaves identically.
func (b *Booking) wire() {
	b.disconnect = scope.ClearOnSave(b.Signals.Saved, b.Gens)
}

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewInMemoryStandalone wires a node with no external dependencies:
// in-memory lock store, generations and event store, release wakeups
// on an in-process bus. Suitable for development and tests.
func NewInMemoryStandalone() *Booking {
	sig := event.NewSignals()
	bus := syncbus.NewInMemoryBus()
	gens := scope.NewGenerations(nil)

	b := &Booking{
		Locks:   lock.NewManager(lockstore.NewMemoryStore(), lock.WithBus(bus)),
		Gens:    gens,
		Events:  event.NewMemory(sig),
		Signals: sig,
	}
	b.closers = append(b.closers, bus.Close, gens.Close)
	b.wire()
	return b
}

// NewRedisBooking wires a multi-node setup over one Redis: lock
// records, namespace generations and release wakeups all live there,
// so every node observes the same locks and every clear is global.
// Events stay in a process-local store; replace Events when they live
// in a shared database.
func NewRedisBooking(opts RedisOptions) *Booking {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	sig := event.NewSignals()
	bus := syncbus.NewRedisBus(client)
	// The generation store stays unwrapped: Rotate must see backend
	// failures, degrading is the scoped views' job.
	gens := scope.NewGenerations(cache.NewRedis[string](client, nil))

	b := &Booking{
		Locks:   lock.NewManager(lockstore.NewRedisStore(client), lock.WithBus(bus)),
		Gens:    gens,
		Events:  event.NewMemory(sig),
		Signals: sig,
	}
	b.closers = append(b.closers, client.Close, bus.Close, gens.Close)
	b.wire()
	return b
}

// NewSQLiteBooking wires a single node whose lock records and events
// survive restarts in the SQLite database at path. Generations stay
// in memory: after a restart every namespace simply mints afresh.
func NewSQLiteBooking(path string) (*Booking, error) {
	locks, err := lockstore.NewSQLite(path)
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		locks.Close()
		return nil, fmt.Errorf("turnstile: open event database %q: %w", path, err)
	}
	sig := event.NewSignals()
	events, err := event.NewGorm(db, sig)
	if err != nil {
		locks.Close()
		return nil, err
	}
	bus := syncbus.NewInMemoryBus()
	gens := scope.NewGenerations(nil)

	b := &Booking{
		Locks:   lock.NewManager(locks, lock.WithBus(bus)),
		Gens:    gens,
		Events:  events,
		Signals: sig,
	}
	b.closers = append(b.closers, locks.Close, bus.Close, gens.Close)
	if sqlDB, err := db.DB(); err == nil {
		b.closers = append(b.closers, sqlDB.Close)
	}
	b.wire()
	return b, nil
}
