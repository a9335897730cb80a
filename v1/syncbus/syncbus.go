// Package syncbus carries the small coordination signals turnstile
// fans out across processes: lock release wakeups and cache namespace
// clears. Payloads are deliberately empty; a signal only means "look
// again". Delivery is best effort, and every consumer must stay
// correct when a signal is lost, since the persisted state remains the
// source of truth.
package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

// Bus is the pub/sub contract shared by all backends. Subscribe
// channels have a buffer of one and drop signals while full, which is
// fine for wakeup semantics.
type Bus interface {
	Publish(ctx context.Context, key string) error
	Subscribe(ctx context.Context, key string) (chan struct{}, error)
	Unsubscribe(ctx context.Context, key string, ch chan struct{}) error
	Close() error
}

// Metrics holds the published and delivered signal counts of a bus.
type Metrics struct {
	Published uint64
	Delivered uint64
}

// InMemoryBus is a process-local Bus for tests and single-process
// deployments.
type InMemoryBus struct {
	mu        sync.Mutex
	subs      map[string][]chan struct{}
	pending   map[string]struct{}
	closed    bool
	published uint64
	delivered uint64
}

// NewInMemoryBus returns a new InMemoryBus.
func NewInMemoryBus() *InMemoryBus {
	return &InMemoryBus{
		subs:    make(map[string][]chan struct{}),
		pending: make(map[string]struct{}),
	}
}

// Publish implements Bus.Publish. Concurrent publishes of the same key
// collapse into one signal.
func (b *InMemoryBus) Publish(ctx context.Context, key string) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return turnerrors.ErrConnectionClosed
	}
	if _, ok := b.pending[key]; ok {
		b.mu.Unlock()
		return nil
	}
	b.pending[key] = struct{}{}
	chans := append([]chan struct{}(nil), b.subs[key]...)
	b.mu.Unlock()

	atomic.AddUint64(&b.published, 1)
	for _, ch := range chans {
		select {
		case ch <- struct{}{}:
			atomic.AddUint64(&b.delivered, 1)
		default:
		}
	}

	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	return nil
}

// Subscribe implements Bus.Subscribe. The subscription is removed when
// ctx is cancelled.
func (b *InMemoryBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, turnerrors.ErrConnectionClosed
	}
	ch := make(chan struct{}, 1)
	b.subs[key] = append(b.subs[key], ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe.
func (b *InMemoryBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	subs := b.subs[key]
	for i, c := range subs {
		if c == ch {
			subs[i] = subs[len(subs)-1]
			subs = subs[:len(subs)-1]
			b.subs[key] = subs
			close(c)
			break
		}
	}
	if len(subs) == 0 {
		delete(b.subs, key)
	}
	b.mu.Unlock()
	return nil
}

// Close drops all subscriptions. Further publishes fail with
// ErrConnectionClosed.
func (b *InMemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, subs := range b.subs {
		for _, ch := range subs {
			close(ch)
		}
	}
	b.subs = make(map[string][]chan struct{})
	return nil
}

// Metrics returns the published and delivered counts.
func (b *InMemoryBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
