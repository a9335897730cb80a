package watchbus

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ticketfabric/turnstile/v1/metrics"
)

// indexKey is the set of keys that currently have exact watchers, so
// PublishPrefix can find them without KEYS scans.
const indexKey = "turnstile:watch:index"

// streamMaxLen caps each notice stream; the feed is a live signal, not
// an archive.
const streamMaxLen = 1024

// RedisWatchBus implements WatchBus on Redis: exact watchers read a
// stream per key (so a notice published while the reader reconnects is
// not lost), prefix watchers ride pattern pub/sub.
type RedisWatchBus struct {
	client        *redis.Client
	mu            sync.Mutex
	cancels       map[string]map[chan []byte]context.CancelFunc
	prefixCancels map[string]map[chan []byte]context.CancelFunc
}

// NewRedisWatchBus creates a new RedisWatchBus using the provided client.
func NewRedisWatchBus(client *redis.Client) *RedisWatchBus {
	return &RedisWatchBus{
		client:        client,
		cancels:       make(map[string]map[chan []byte]context.CancelFunc),
		prefixCancels: make(map[string]map[chan []byte]context.CancelFunc),
	}
}

// Publish implements WatchBus.Publish: an XADD for stream readers plus
// a plain publish for pattern subscribers.
func (b *RedisWatchBus) Publish(ctx context.Context, key string, data []byte) error {
	err := b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		MaxLen: streamMaxLen,
		Approx: true,
		Values: map[string]any{"data": data},
	}).Err()
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, key, data).Err()
}

// PublishPrefix implements WatchBus.PublishPrefix by walking the index
// of watched keys.
func (b *RedisWatchBus) PublishPrefix(ctx context.Context, prefix string, data []byte) error {
	var cursor uint64
	for {
		keys, next, err := b.client.SScan(ctx, indexKey, cursor, prefix+"*", 100).Result()
		if err != nil {
			return err
		}
		for _, k := range keys {
			if err := b.Publish(ctx, k, data); err != nil {
				return err
			}
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return b.client.Publish(ctx, prefix, data).Err()
}

// Watch implements WatchBus.Watch, reading the key's stream from now
// on.
func (b *RedisWatchBus) Watch(ctx context.Context, key string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	b.mu.Lock()
	m := b.cancels[key]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.cancels[key] = m
	}
	m[ch] = cancel
	if len(m) == 1 {
		_ = b.client.SAdd(context.Background(), indexKey, key).Err()
	}
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()

	go func() {
		defer close(ch)
		lastID := "$"
		for {
			res, err := b.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Block:   0,
				Count:   1,
			}).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				time.Sleep(time.Second)
				continue
			}
			for _, s := range res {
				for _, msg := range s.Messages {
					lastID = msg.ID
					if v, ok := msg.Values["data"].(string); ok {
						select {
						case ch <- []byte(v):
						case <-ctx.Done():
							return
						}
					}
				}
			}
		}
	}()

	return ch, nil
}

// WatchPrefix implements WatchBus.WatchPrefix via pattern pub/sub.
func (b *RedisWatchBus) WatchPrefix(ctx context.Context, prefix string) (chan []byte, error) {
	ctx, cancel := context.WithCancel(ctx)
	ch := make(chan []byte, 1)

	ps := b.client.PSubscribe(ctx, prefix+"*")
	b.mu.Lock()
	m := b.prefixCancels[prefix]
	if m == nil {
		m = make(map[chan []byte]context.CancelFunc)
		b.prefixCancels[prefix] = m
	}
	m[ch] = func() {
		cancel()
		_ = ps.Close()
	}
	b.mu.Unlock()
	metrics.WatcherGauge.Inc()

	go func() {
		defer close(ch)
		for {
			msg, err := ps.ReceiveMessage(ctx)
			if err != nil {
				return
			}
			select {
			case ch <- []byte(msg.Payload):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Unwatch implements WatchBus.Unwatch.
func (b *RedisWatchBus) Unwatch(ctx context.Context, key string, ch chan []byte) error {
	b.mu.Lock()
	if m, ok := b.cancels[key]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.cancels, key)
				_ = b.client.SRem(context.Background(), indexKey, key).Err()
			}
			b.mu.Unlock()
			metrics.WatcherGauge.Dec()
			cancel()
			return nil
		}
	}
	if m, ok := b.prefixCancels[key]; ok {
		if cancel, ok := m[ch]; ok {
			delete(m, ch)
			if len(m) == 0 {
				delete(b.prefixCancels, key)
			}
			b.mu.Unlock()
			metrics.WatcherGauge.Dec()
			cancel()
			return nil
		}
	}
	b.mu.Unlock()
	return nil
}
