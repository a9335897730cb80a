package watchbus

import (
	"context"
	"strings"
	"sync"

	"github.com/ticketfabric/turnstile/v1/metrics"
)

// InMemoryWatchBus is a process-local WatchBus for tests and
// single-node deployments.
type InMemoryWatchBus struct {
	mu         sync.Mutex
	subs       map[string][]chan []byte
	prefixSubs map[string][]chan []byte
}

// NewInMemory creates a new InMemoryWatchBus.
func NewInMemory() *InMemoryWatchBus {
	return &InMemoryWatchBus{
		subs:       make(map[string][]chan []byte),
		prefixSubs: make(map[string][]chan []byte),
	}
}

// Publish implements WatchBus.Publish.
func (b *InMemoryWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	chans := append([]chan []byte(nil), b.subs[key]...)
	for prefix, subs := range b.prefixSubs {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// PublishPrefix implements WatchBus.PublishPrefix. Exact watchers of
// any key under prefix receive the payload, as do prefix watchers
// whose prefix is at least as broad.
func (b *InMemoryWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	var chans []chan []byte
	for key, subs := range b.subs {
		if strings.HasPrefix(key, prefix) {
			chans = append(chans, subs...)
		}
	}
	for p, subs := range b.prefixSubs {
		if strings.HasPrefix(prefix, p) {
			chans = append(chans, subs...)
		}
	}
	b.mu.Unlock()

	for _, ch := range chans {
		select {
		case ch <- data:
		default:
		}
	}
	return nil
}

// Watch implements WatchBus.Watch.
func (b *InMemoryWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	return b.watch(ctx, key, b.subs)
}

// WatchPrefix implements WatchBus.WatchPrefix.
func (b *InMemoryWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	return b.watch(ctx, prefix, b.prefixSubs)
}

func (b *InMemoryWatchBus) watch(ctx context.Context, key string, m map[string][]chan []byte) (chan []byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := make(chan []byte, 1)
	b.mu.Lock()
	m[key] = append(m[key], ch)
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()

	go func() {
		<-ctx.Done()
		_ = b.Unwatch(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *InMemoryWatchBus) Unwatch(_ context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range []map[string][]chan []byte{b.subs, b.prefixSubs} {
		subs := m[key]
		for i, c := range subs {
			if c == ch {
				subs[i] = subs[len(subs)-1]
				m[key] = subs[:len(subs)-1]
				if len(m[key]) == 0 {
					delete(m, key)
				}
				close(c)
				metrics.WatcherGauge.Dec()
				return nil
			}
		}
	}
	return nil
}
