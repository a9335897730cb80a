package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	nats "github.com/nats-io/nats.go"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

const natsSubjectPrefix = "turnstile.bus."

type natsSubscription struct {
	sub   *nats.Subscription
	chans []chan struct{}
}

// NATSBus implements Bus on NATS subjects. One NATS subscription is
// held per subscribed key and shared by all local subscribers of that
// key.
type NATSBus struct {
	conn *nats.Conn

	mu        sync.Mutex
	subs      map[string]*natsSubscription
	pending   map[string]struct{}
	closed    bool
	published uint64
	delivered uint64
}

// NewNATSBus returns a new NATSBus using the provided connection. The
// caller owns the connection and its lifetime.
func NewNATSBus(conn *nats.Conn) *NATSBus {
	return &NATSBus{
		conn:    conn,
		subs:    make(map[string]*natsSubscription),
		pending: make(map[string]struct{}),
	}
}

func (b *NATSBus) subject(key string) string {
	return natsSubjectPrefix + key
}

// Publish implements Bus.Publish. Concurrent publishes of the same key
// collapse into one signal.
func (b *NATSBus) Publish(_ context.Context, key string) error {
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

	err := b.conn.Publish(b.subject(key), []byte("1"))
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
func (b *NATSBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, turnerrors.ErrConnectionClosed
	}
	ch := make(chan struct{}, 1)
	sub := b.subs[key]
	if sub == nil {
		ns, err := b.conn.Subscribe(b.subject(key), func(*nats.Msg) {
			b.mu.Lock()
			var chans []chan struct{}
			if s := b.subs[key]; s != nil {
				chans = append(chans, s.chans...)
			}
			b.mu.Unlock()
			for _, c := range chans {
				select {
				case c <- struct{}{}:
					atomic.AddUint64(&b.delivered, 1)
				default:
				}
			}
		})
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &natsSubscription{sub: ns}
		b.subs[key] = sub
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

// Unsubscribe implements Bus.Unsubscribe. The key's NATS subscription
// is dropped once its last subscriber is gone.
func (b *NATSBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
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
		return sub.sub.Unsubscribe()
	}
	b.mu.Unlock()
	return nil
}

// Close drops all subscriptions. The NATS connection itself is left to
// the caller.
func (b *NATSBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, sub := range b.subs {
		_ = sub.sub.Unsubscribe()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	b.subs = make(map[string]*natsSubscription)
	return nil
}

// Metrics returns the published and delivered counts.
func (b *NATSBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
