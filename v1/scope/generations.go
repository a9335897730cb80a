package scope

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/go-uuid"

	"github.com/ticketfabric/turnstile/v1/cache"
	"github.com/ticketfabric/turnstile/v1/metrics"
	"github.com/ticketfabric/turnstile/v1/syncbus"
)

// Entity is anything that owns a cache namespace. Kind partitions the
// key space by model ("event", "organizer") and Ident by instance, so
// two entities collide only if both strings match.
type Entity interface {
	Kind() string
	Ident() string
}

// nsKey is the store key holding an entity's generation token.
func nsKey(e Entity) string {
	return "turnstile:ns:" + e.Kind() + ":" + e.Ident()
}

// Generations tracks the current generation token of every namespace.
// All Scoped views of an entity must share one Generations instance (or
// a shared backing store) so that a single Rotate is seen by all of
// them.
//
// Tokens are minted lazily on first use and persist without expiry;
// they are small and bounded by the number of live entities. When the
// backing store is process-local, attach a syncbus.Bus so a Rotate in
// one process drops the cached token in every other.
type Generations struct {
	store cache.Cache[string]
	bus   syncbus.Bus
	log   *slog.Logger

	// onClear runs after every successful Rotate, outside any lock.
	onClear func(Entity)

	// own is non-nil when NewGenerations created the store itself and
	// therefore owns its shutdown.
	own *cache.InMemoryCache[string]

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	watching map[string]bool
	closed   bool
}

// GenOption configures a Generations instance.
type GenOption func(*Generations)

// WithBus fans each Rotate out to peer processes: the namespace key is
// published on bus, and every Generations that has touched that
// namespace drops its locally cached token when the signal arrives.
// Pointless when the store is already shared (e.g. Redis); essential
// when it is process-local.
func WithBus(bus syncbus.Bus) GenOption {
	return func(g *Generations) { g.bus = bus }
}

// WithLogger sets the logger used for degraded-path warnings. Defaults
// to slog.Default.
func WithLogger(log *slog.Logger) GenOption {
	return func(g *Generations) {
		if log != nil {
			g.log = log
		}
	}
}

// WithOnClear registers a callback invoked after every successful
// Rotate, receiving the cleared entity. Useful for feeding change
// streams or metrics.
func WithOnClear(fn func(Entity)) GenOption {
	return func(g *Generations) { g.onClear = fn }
}

// NewGenerations returns a Generations backed by store. A nil store
// gets a private in-memory cache, suitable for single-process use.
func NewGenerations(store cache.Cache[string], opts ...GenOption) *Generations {
	ctx, cancel := context.WithCancel(context.Background())
	g := &Generations{
		store:    store,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		watching: make(map[string]bool),
	}
	if g.store == nil {
		g.own = cache.NewInMemory[string]()
		g.store = g.own
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Current resolves the generation token for e, minting one if the
// namespace has none yet. Concurrent first reads may mint competing
// tokens; last write wins and the loser's entries simply age out
// unread.
func (g *Generations) Current(ctx context.Context, e Entity) (string, error) {
	key := nsKey(e)
	gen, ok, err := g.store.Get(ctx, key)
	if err != nil {
		return "", fmt.Errorf("turnstile: resolve generation %q: %w", key, err)
	}
	if ok && gen != "" {
		g.watch(key)
		return gen, nil
	}
	gen, err = uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("turnstile: mint generation: %w", err)
	}
	if err := g.store.Set(ctx, key, gen, 0); err != nil {
		return "", fmt.Errorf("turnstile: store generation %q: %w", key, err)
	}
	g.watch(key)
	return gen, nil
}

// Rotate replaces e's generation token, making every entry written
// under the old one unreachable. The error matters: a failed Rotate
// means stale entries may still be served, so callers should surface
// it rather than swallow it.
func (g *Generations) Rotate(ctx context.Context, e Entity) error {
	key := nsKey(e)
	gen, err := uuid.GenerateUUID()
	if err != nil {
		return fmt.Errorf("turnstile: mint generation: %w", err)
	}
	if err := g.store.Set(ctx, key, gen, 0); err != nil {
		// Deleting the token clears the namespace just as well: the
		// next reader mints a fresh one.
		if derr := g.store.Invalidate(ctx, key); derr != nil {
			return fmt.Errorf("turnstile: rotate generation %q: %w", key, err)
		}
	}
	metrics.ClearCounter.Inc()
	g.watch(key)
	if g.bus != nil {
		if err := g.bus.Publish(ctx, key); err != nil {
			g.log.Warn("turnstile: clear fanout failed, peers may serve stale entries until TTL",
				"namespace", key, "error", err)
		}
	}
	if g.onClear != nil {
		g.onClear(e)
	}
	return nil
}

// watch subscribes to peer clear signals for key, once per key. On a
// signal the locally stored token is dropped so the next read
// re-resolves.
func (g *Generations) watch(key string) {
	if g.bus == nil {
		return
	}
	g.mu.Lock()
	if g.closed || g.watching[key] {
		g.mu.Unlock()
		return
	}
	ch, err := g.bus.Subscribe(g.ctx, key)
	if err != nil {
		g.mu.Unlock()
		g.log.Warn("turnstile: clear subscription failed, relying on TTL", "namespace", key, "error", err)
		return
	}
	g.watching[key] = true
	g.wg.Add(1)
	g.mu.Unlock()

	go func() {
		defer g.wg.Done()
		for range ch {
			if err := g.store.Invalidate(context.Background(), key); err != nil {
				g.log.Warn("turnstile: dropping cleared generation failed", "namespace", key, "error", err)
			}
		}
	}()
}

// Close stops all bus watches and, if the store was created internally,
// shuts it down. Safe to call once; the Generations must not be used
// afterwards.
func (g *Generations) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	g.mu.Unlock()

	g.cancel()
	g.wg.Wait()
	if g.own != nil {
		g.own.Close()
	}
	return nil
}
