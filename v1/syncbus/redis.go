package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	redis "github.com/redis/go-redis/v9"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

const redisChannelPrefix = "turnstile:bus:"

type redisSubscription struct {
	pubsub *redis.PubSub
	chans  []chan struct{}
}

// RedisBus implements Bus on Redis pub/sub. One PubSub connection is
// held per subscribed key and shared by all local subscribers of that
// key.
type RedisBus struct {
	client *redis.Client

	mu        sync.Mutex
	subs      map[string]*redisSubscription
	pending   map[string]struct{}
	closed    bool
	published uint64
	delivered uint64
}

// NewRedisBus returns a new RedisBus using the provided client. The
// caller owns the client and its lifetime.
func NewRedisBus(client *redis.Client) *RedisBus {
	return &RedisBus{
		client:  client,
		subs:    make(map[string]*redisSubscription),
		pending: make(map[string]struct{}),
	}
}

func (b *RedisBus) channel(key string) string {
	return redisChannelPrefix + key
}

// Publish implements Bus.Publish. Concurrent publishes of the same key
// collapse into one signal.
func (b *RedisBus) Publish(ctx context.Context, key string) error {
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
	b.mu.Unlock()

	err := b.client.Publish(ctx, b.channel(key), "1").Err()
	if err == nil {
		atomic.AddUint64(&b.published, 1)
	}

	b.mu.Lock()
	delete(b.pending, key)
	b.mu.Unlock()
	return err
}

// Subscribe implements Bus.Subscribe. The subscription is removed when
// ctx is cancelled.
func (b *RedisBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, turnerrors.ErrConnectionClosed
	}
	ch := make(chan struct{}, 1)
	sub := b.subs[key]
	if sub == nil {
		ps := b.client.Subscribe(context.Background(), b.channel(key))
		b.mu.Unlock()
		// Wait for the server to confirm before reporting subscribed.
		if _, err := ps.Receive(ctx); err != nil {
			_ = ps.Close()
			return nil, err
		}
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			_ = ps.Close()
			return nil, turnerrors.ErrConnectionClosed
		}
		if existing := b.subs[key]; existing != nil {
			// Another subscriber raced us; keep theirs.
			_ = ps.Close()
			sub = existing
		} else {
			sub = &redisSubscription{pubsub: ps}
			b.subs[key] = sub
			go b.dispatch(key, ps)
		}
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *RedisBus) dispatch(key string, ps *redis.PubSub) {
	for range ps.Channel() {
		b.mu.Lock()
		var chans []chan struct{}
		if sub := b.subs[key]; sub != nil {
			chans = append(chans, sub.chans...)
		}
		b.mu.Unlock()
		for _, ch := range chans {
			select {
			case ch <- struct{}{}:
				atomic.AddUint64(&b.delivered, 1)
			default:
			}
		}
	}
}

// Unsubscribe implements Bus.Unsubscribe. The key's PubSub connection
// is closed once its last subscriber is gone.
func (b *RedisBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
	b.mu.Lock()
	sub := b.subs[key]
	if sub == nil {
		b.mu.Unlock()
		return nil
	}
	for i, c := range sub.chans {
		if c == ch {
			sub.chans[i] = sub.chans[len(sub.chans)-1]
			sub.chans = sub.chans[:len(sub.chans)-1]
			close(c)
			break
		}
	}
	if len(sub.chans) == 0 {
		delete(b.subs, key)
		b.mu.Unlock()
		return sub.pubsub.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close drops all subscriptions. The Redis client itself is left to the
// caller.
func (b *RedisBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.pubsub.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*redisSubscription)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *RedisBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
