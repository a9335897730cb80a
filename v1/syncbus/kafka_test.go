package syncbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	sarama "github.com/IBM/sarama"
	"github.com/google/uuid"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

func newKafkaBus(t *testing.T) (*KafkaBus, context.Context) {
	t.Helper()
	addr := os.Getenv("TURNSTILE_TEST_KAFKA_ADDR")
	if addr == "" {
		t.Skip("TURNSTILE_TEST_KAFKA_ADDR not set, skipping Kafka integration tests")
	}
	t.Logf("using Kafka at %s", addr)

	config := sarama.NewConfig()
	config.Producer.Return.Successes = true
	config.Consumer.Offsets.Initial = sarama.OffsetNewest

	bus, err := NewKafkaBus([]string{addr}, config)
	if err != nil {
		t.Fatalf("NewKafkaBus: %v", err)
	}
	t.Cleanup(func() { _ = bus.Close() })
	return bus, context.Background()
}

func TestKafkaBusPublishSubscribe(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "turnstile-test-" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	// Give the partition consumer a moment to attach.
	time.Sleep(2 * time.Second)

	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
	case <-time.After(10 * time.Second):
		t.Fatal("timeout waiting for signal")
	}

	m := bus.Metrics()
	if m.Published != 1 {
		t.Fatalf("published = %d, want 1", m.Published)
	}
	if m.Delivered != 1 {
		t.Fatalf("delivered = %d, want 1", m.Delivered)
	}
}

func TestKafkaBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newKafkaBus(t)
	topic := "turnstile-test-unsub-" + uuid.NewString()

	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
}

func TestKafkaBusDeduplicatePendingKeys(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	topic := "turnstile-test-dedup-" + uuid.NewString()

	ch, err := bus.Subscribe(ctx, topic)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	bus.mu.Lock()
	bus.pending[topic] = struct{}{}
	bus.mu.Unlock()

	if err := bus.Publish(ctx, topic); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case <-ch:
		t.Fatal("unexpected signal while key pending")
	case <-time.After(500 * time.Millisecond):
	}

	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("published = %d, want 0", m.Published)
	}
}

func TestKafkaBusClosedPublish(t *testing.T) {
	bus, ctx := newKafkaBus(t)
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := bus.Publish(ctx, "any"); !errors.Is(err, turnerrors.ErrConnectionClosed) {
		t.Fatalf("publish after close = %v, want ErrConnectionClosed", err)
	}
}
