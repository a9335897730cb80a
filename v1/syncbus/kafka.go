package syncbus

import (
	"context"
	"sync"
	"sync/atomic"

	sarama "github.com/IBM/sarama"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

type kafkaSubscription struct {
	pc    sarama.PartitionConsumer
	chans []chan struct{}
}

// KafkaBus implements Bus on Kafka topics, one topic per key. It fits
// deployments that already run Kafka and want invalidation traffic on
// the same transport as the rest of their events.
type KafkaBus struct {
	producer sarama.SyncProducer
	consumer sarama.Consumer

	mu        sync.Mutex
	subs      map[string]*kafkaSubscription
	pending   map[string]struct{}
	closed    bool
	published uint64
	delivered uint64
}

// NewKafkaBus creates a new KafkaBus connecting to the given brokers.
func NewKafkaBus(brokers []string, cfg *sarama.Config) (*KafkaBus, error) {
	if !cfg.Producer.Return.Successes {
		cfg.Producer.Return.Successes = true
	}
	client, err := sarama.NewClient(brokers, cfg)
	if err != nil {
		return nil, err
	}
	producer, err := sarama.NewSyncProducerFromClient(client)
	if err != nil {
		_ = client.Close()
		return nil, err
	}
	consumer, err := sarama.NewConsumerFromClient(client)
	if err != nil {
		_ = producer.Close()
		_ = client.Close()
		return nil, err
	}
	return &KafkaBus{
		producer: producer,
		consumer: consumer,
		subs:     make(map[string]*kafkaSubscription),
		pending:  make(map[string]struct{}),
	}, nil
}

// Publish implements Bus.Publish. Concurrent publishes of the same key
// collapse into one signal.
func (b *KafkaBus) Publish(_ context.Context, key string) error {
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

	msg := &sarama.ProducerMessage{Topic: key, Value: sarama.StringEncoder("1")}
	_, _, err := b.producer.SendMessage(msg)
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
func (b *KafkaBus) Subscribe(ctx context.Context, key string) (chan struct{}, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, turnerrors.ErrConnectionClosed
	}
	ch := make(chan struct{}, 1)
	sub := b.subs[key]
	if sub == nil {
		pc, err := b.consumer.ConsumePartition(key, 0, sarama.OffsetNewest)
		if err != nil {
			b.mu.Unlock()
			return nil, err
		}
		sub = &kafkaSubscription{pc: pc}
		b.subs[key] = sub
		go b.dispatch(key, pc)
	}
	sub.chans = append(sub.chans, ch)
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		_ = b.Unsubscribe(context.Background(), key, ch)
	}()
	return ch, nil
}

func (b *KafkaBus) dispatch(key string, pc sarama.PartitionConsumer) {
	for range pc.Messages() {
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

// Unsubscribe implements Bus.Unsubscribe. The key's partition consumer
// is closed once its last subscriber is gone.
func (b *KafkaBus) Unsubscribe(_ context.Context, key string, ch chan struct{}) error {
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
		return sub.pc.Close()
	}
	b.mu.Unlock()
	return nil
}

// Close releases the producer and consumer.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	subs := b.subs
	b.subs = make(map[string]*kafkaSubscription)
	b.mu.Unlock()

	for _, sub := range subs {
		_ = sub.pc.Close()
		for _, ch := range sub.chans {
			close(ch)
		}
	}
	_ = b.producer.Close()
	return b.consumer.Close()
}

// Metrics returns the published and delivered counts.
func (b *KafkaBus) Metrics() Metrics {
	return Metrics{
		Published: atomic.LoadUint64(&b.published),
		Delivered: atomic.LoadUint64(&b.delivered),
	}
}
