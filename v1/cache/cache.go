package cache

import (
	"container/list"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Cache defines the operations shared by every cache backend.
//
// T is the type of the cached values.
type Cache[T any] interface {
	// Get retrieves the value for key. The boolean reports whether the
	// key was found; the error reports a backend failure, never a miss.
	Get(ctx context.Context, key string) (T, bool, error)
	// Set stores the value for key for the given TTL. A non-positive
	// TTL stores the value without expiration.
	Set(ctx context.Context, key string, value T, ttl time.Duration) error
	// Invalidate removes key from the cache. Removing an absent key is
	// not an error.
	Invalidate(ctx context.Context, key string) error
}

// InMemoryCache is an in-memory Cache with TTL support and LRU eviction
// once a maximum entry count is configured.
type InMemoryCache[T any] struct {
	mu            sync.RWMutex
	items         map[string]item[T]
	order         *list.List
	hits          atomic.Uint64
	misses        atomic.Uint64
	sweepInterval time.Duration
	maxEntries    int
	sliding       bool
	ctx           context.Context
	cancel        context.CancelFunc
	wg            sync.WaitGroup

	hitCounter      prometheus.Counter
	missCounter     prometheus.Counter
	evictionCounter prometheus.Counter
	latencyHist     prometheus.Histogram
	tracer          trace.Tracer
}

type item[T any] struct {
	value     T
	expiresAt time.Time
	ttl       time.Duration
	element   *list.Element
}

// InMemoryOption configures an InMemoryCache.
type InMemoryOption[T any] func(*InMemoryCache[T])

// WithSweepInterval sets the interval at which expired entries are
// removed. A zero or negative duration disables the background sweeper.
func WithSweepInterval[T any](d time.Duration) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sweepInterval = d
	}
}

// WithMaxEntries bounds the cache; the least recently used entry is
// evicted when the bound is exceeded. A non-positive value means
// unbounded.
func WithMaxEntries[T any](n int) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.maxEntries = n
	}
}

// WithSlidingTTL makes every hit push the entry's expiration forward by
// its original TTL, so entries expire only after going unread for a
// full TTL.
func WithSlidingTTL[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.sliding = true
	}
}

// WithMetrics registers hit, miss, eviction and latency collectors with
// reg.
func WithMetrics[T any](reg prometheus.Registerer) InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.hitCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_cache_hits_total",
			Help: "Total number of cache hits.",
		})
		c.missCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_cache_misses_total",
			Help: "Total number of cache misses.",
		})
		c.evictionCounter = prometheus.NewCounter(prometheus.CounterOpts{
			Name: "turnstile_cache_evictions_total",
			Help: "Total number of cache evictions.",
		})
		c.latencyHist = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "turnstile_cache_latency_seconds",
			Help:    "Latency of cache operations.",
			Buckets: prometheus.DefBuckets,
		})
		reg.MustRegister(c.hitCounter, c.missCounter, c.evictionCounter, c.latencyHist)
	}
}

// WithTracing enables OpenTelemetry spans for cache operations.
func WithTracing[T any]() InMemoryOption[T] {
	return func(c *InMemoryCache[T]) {
		c.tracer = otel.Tracer("turnstile/cache")
	}
}

const defaultSweepInterval = time.Minute

// NewInMemory returns a new InMemoryCache. Unless disabled through
// WithSweepInterval, a background goroutine sweeps expired entries once
// a minute; call Close to stop it.
func NewInMemory[T any](opts ...InMemoryOption[T]) *InMemoryCache[T] {
	ctx, cancel := context.WithCancel(context.Background())
	c := &InMemoryCache[T]{
		items:         make(map[string]item[T]),
		order:         list.New(),
		sweepInterval: defaultSweepInterval,
		ctx:           ctx,
		cancel:        cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepInterval > 0 {
		c.wg.Add(1)
		go c.sweeper()
	}
	return c
}

// observe starts an optional span and latency capture for op. The
// returned func finishes both; result tags the span outcome when
// non-empty.
func (c *InMemoryCache[T]) observe(ctx context.Context, op string) (context.Context, func(result string)) {
	var span trace.Span
	if c.tracer != nil {
		ctx, span = c.tracer.Start(ctx, op)
	}
	if span == nil && c.latencyHist == nil {
		return ctx, func(string) {}
	}
	start := time.Now()
	return ctx, func(result string) {
		if c.latencyHist != nil {
			c.latencyHist.Observe(time.Since(start).Seconds())
		}
		if span != nil {
			if result != "" {
				span.SetAttributes(attribute.String("turnstile.cache.result", result))
			}
			span.End()
		}
	}
}

// Get implements Cache.Get.
func (c *InMemoryCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	ctx, done := c.observe(ctx, "cache.Get")
	var zero T
	if err := ctx.Err(); err != nil {
		done("")
		return zero, false, err
	}

	c.mu.Lock()
	it, ok := c.items[key]
	if !ok {
		c.mu.Unlock()
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		done("miss")
		return zero, false, nil
	}
	if !it.expiresAt.IsZero() && time.Now().After(it.expiresAt) {
		c.order.Remove(it.element)
		delete(c.items, key)
		c.mu.Unlock()
		c.misses.Add(1)
		if c.missCounter != nil {
			c.missCounter.Inc()
		}
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
		done("miss")
		return zero, false, nil
	}
	if c.sliding && it.ttl > 0 {
		it.expiresAt = time.Now().Add(it.ttl)
		c.items[key] = it
	}
	c.order.MoveToFront(it.element)
	c.mu.Unlock()

	c.hits.Add(1)
	if c.hitCounter != nil {
		c.hitCounter.Inc()
	}
	done("hit")
	return it.value, true, nil
}

// Set implements Cache.Set.
func (c *InMemoryCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	ctx, done := c.observe(ctx, "cache.Set")
	defer done("")
	if err := ctx.Err(); err != nil {
		return err
	}

	var exp time.Time
	if ttl > 0 {
		exp = time.Now().Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		it.value = value
		it.expiresAt = exp
		it.ttl = ttl
		c.items[key] = it
		c.order.MoveToFront(it.element)
		return nil
	}
	elem := c.order.PushFront(key)
	c.items[key] = item[T]{value: value, expiresAt: exp, ttl: ttl, element: elem}
	if c.maxEntries > 0 && len(c.items) > c.maxEntries {
		if tail := c.order.Back(); tail != nil {
			k := tail.Value.(string)
			c.order.Remove(tail)
			delete(c.items, k)
			if c.evictionCounter != nil {
				c.evictionCounter.Inc()
			}
		}
	}
	return nil
}

// Invalidate implements Cache.Invalidate.
func (c *InMemoryCache[T]) Invalidate(ctx context.Context, key string) error {
	ctx, done := c.observe(ctx, "cache.Invalidate")
	defer done("")
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.order.Remove(it.element)
		delete(c.items, key)
		if c.evictionCounter != nil {
			c.evictionCounter.Inc()
		}
	}
	return nil
}

// sweeper samples entries periodically, in the style of the Redis
// probabilistic expiry cycle, so expired keys are reclaimed without
// holding the lock across the whole map.
func (c *InMemoryCache[T]) sweeper() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()

	const (
		sampleSize    = 20
		evictionRatio = 0.25
	)

	for {
		select {
		case <-ticker.C:
			for {
				expired := 0
				checked := 0
				now := time.Now()

				c.mu.Lock()
				if len(c.items) == 0 {
					c.mu.Unlock()
					break
				}
				for k, it := range c.items {
					checked++
					if !it.expiresAt.IsZero() && now.After(it.expiresAt) {
						c.order.Remove(it.element)
						delete(c.items, k)
						if c.evictionCounter != nil {
							c.evictionCounter.Inc()
						}
						expired++
					}
					if checked >= sampleSize {
						break
					}
				}
				c.mu.Unlock()

				// Mostly-valid sample means the rest can wait for the
				// next tick.
				if float64(expired) < float64(sampleSize)*evictionRatio {
					break
				}
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Close stops the sweeper and drops all entries.
func (c *InMemoryCache[T]) Close() {
	c.cancel()
	c.wg.Wait()
	c.mu.Lock()
	c.items = make(map[string]item[T])
	c.order.Init()
	c.mu.Unlock()
}

// Stats reports basic usage counters.
type Stats struct {
	Hits   uint64
	Misses uint64
	Size   int
}

// Metrics returns current usage counters for the cache.
func (c *InMemoryCache[T]) Metrics() Stats {
	c.mu.RLock()
	size := len(c.items)
	c.mu.RUnlock()
	return Stats{
		Hits:   c.hits.Load(),
		Misses: c.misses.Load(),
		Size:   size,
	}
}
