package syncbus

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	natsserver "github.com/nats-io/nats-server/v2/test"
	nats "github.com/nats-io/nats.go"

	turnerrors "github.com/ticketfabric/turnstile/v1/errors"
)

func newNATSBus(t *testing.T) (*NATSBus, context.Context) {
	t.Helper()
	addr := os.Getenv("TURNSTILE_TEST_NATS_ADDR")

	var conn *nats.Conn
	var s *server.Server
	var err error

	if addr != "" {
		t.Logf("using NATS at %s", addr)
		conn, err = nats.Connect(addr)
	} else {
		s = natsserver.RunRandClientPortServer()
		conn, err = nats.Connect(s.ClientURL())
	}
	if err != nil {
		t.Fatalf("connect: %v", err)
	}

	bus := NewNATSBus(conn)
	ctx := context.Background()
	t.Cleanup(func() {
		_ = bus.Close()
		conn.Close()
		if s != nil {
			s.Shutdown()
		}
	})
	return bus, ctx
}

func TestNATSBusPublishSubscribe(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "unlock:evt-1")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Publish(ctx, "unlock:evt-1"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
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

func TestNATSBusSharedSubscription(t *testing.T) {
	bus, ctx := newNATSBus(t)
	a, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe a: %v", err)
	}
	b, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe b: %v", err)
	}
	bus.mu.Lock()
	if got := len(bus.subs["k"].chans); got != 2 {
		bus.mu.Unlock()
		t.Fatalf("subscriber count = %d, want 2 on one subscription", got)
	}
	bus.mu.Unlock()
	if err := bus.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	for name, ch := range map[string]chan struct{}{"a": a, "b": b} {
		select {
		case <-ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("subscriber %s missed the signal", name)
		}
	}
}

func TestNATSBusContextBasedUnsubscribe(t *testing.T) {
	bus, _ := newNATSBus(t)
	subCtx, cancel := context.WithCancel(context.Background())
	ch, err := bus.Subscribe(subCtx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	cancel()
	select {
	case _, ok := <-ch:
		if ok {
			t.Fatal("expected channel closed")
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for unsubscribe")
	}
	deadline := time.Now().Add(time.Second)
	for {
		bus.mu.Lock()
		_, ok := bus.subs["k"]
		bus.mu.Unlock()
		if !ok {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscription still present after context cancel")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestNATSBusDeduplicatePendingKeys(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	bus.mu.Lock()
	bus.pending["k"] = struct{}{}
	bus.mu.Unlock()
	if err := bus.Publish(ctx, "k"); err != nil {
		t.Fatalf("publish: %v", err)
	}
	select {
	case <-ch:
		t.Fatal("unexpected signal while key pending")
	case <-time.After(50 * time.Millisecond):
	}
	if m := bus.Metrics(); m.Published != 0 {
		t.Fatalf("published = %d, want 0", m.Published)
	}
}

func TestNATSBusClose(t *testing.T) {
	bus, ctx := newNATSBus(t)
	ch, err := bus.Subscribe(ctx, "k")
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := bus.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, ok := <-ch; ok {
		t.Fatal("subscriber channel not closed on bus close")
	}
	if err := bus.Publish(ctx, "k"); !errors.Is(err, turnerrors.ErrConnectionClosed) {
		t.Fatalf("publish after close = %v, want ErrConnectionClosed", err)
	}
}
