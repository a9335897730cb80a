package scope

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/ticketfabric/turnstile/v1/cache"
	"github.com/ticketfabric/turnstile/v1/syncbus"
)

type ent struct{ kind, id string }

func (e ent) Kind() string  { return e.kind }
func (e ent) Ident() string { return e.id }

// brokenStore fails every operation, standing in for an unreachable
// backend.
type brokenStore[T any] struct{ err error }

func (b brokenStore[T]) Get(ctx context.Context, key string) (T, bool, error) {
	var zero T
	return zero, false, b.err
}

func (b brokenStore[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	return b.err
}

func (b brokenStore[T]) Invalidate(ctx context.Context, key string) error {
	return b.err
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newGenerations(t *testing.T, opts ...GenOption) *Generations {
	t.Helper()
	g := NewGenerations(nil, append([]GenOption{WithLogger(quietLogger())}, opts...)...)
	t.Cleanup(func() { g.Close() })
	return g
}

func TestGenerationsMintAndReuse(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	e := ent{"event", "42"}

	first, err := g.Current(ctx, e)
	if err != nil {
		t.Fatalf("first resolve: %v", err)
	}
	if first == "" {
		t.Fatal("expected a minted generation, got empty string")
	}
	again, err := g.Current(ctx, e)
	if err != nil {
		t.Fatalf("second resolve: %v", err)
	}
	if again != first {
		t.Fatalf("generation changed without a rotate: %q then %q", first, again)
	}
}

func TestGenerationsRotateChangesToken(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	e := ent{"event", "42"}

	before, err := g.Current(ctx, e)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := g.Rotate(ctx, e); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	after, err := g.Current(ctx, e)
	if err != nil {
		t.Fatalf("resolve after rotate: %v", err)
	}
	if after == before {
		t.Fatalf("rotate did not change the generation: %q", after)
	}
}

func TestGenerationsIndependentPerEntity(t *testing.T) {
	ctx := context.Background()
	g := newGenerations(t)
	a := ent{"event", "a"}
	b := ent{"event", "b"}

	genB, err := g.Current(ctx, b)
	if err != nil {
		t.Fatalf("resolve b: %v", err)
	}
	if err := g.Rotate(ctx, a); err != nil {
		t.Fatalf("rotate a: %v", err)
	}
	genB2, err := g.Current(ctx, b)
	if err != nil {
		t.Fatalf("resolve b again: %v", err)
	}
	if genB2 != genB {
		t.Fatalf("rotating a moved b's generation: %q then %q", genB, genB2)
	}
}

func TestGenerationsRotateErrorSurfaces(t *testing.T) {
	backendErr := errors.New("connection refused")
	g := NewGenerations(brokenStore[string]{err: backendErr}, WithLogger(quietLogger()))
	t.Cleanup(func() { g.Close() })

	err := g.Rotate(context.Background(), ent{"event", "42"})
	if !errors.Is(err, backendErr) {
		t.Fatalf("expected rotate to surface %v, got %v", backendErr, err)
	}
}

func TestGenerationsOnClear(t *testing.T) {
	ctx := context.Background()
	var cleared []string
	g := newGenerations(t, WithOnClear(func(e Entity) {
		cleared = append(cleared, e.Kind()+":"+e.Ident())
	}))

	if err := g.Rotate(ctx, ent{"event", "42"}); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if len(cleared) != 1 || cleared[0] != "event:42" {
		t.Fatalf("unexpected onClear calls: %v", cleared)
	}
}

// Two processes with private generation stores share a bus: a rotate
// in one must drop the cached token in the other so its next read
// re-resolves.
func TestGenerationsBusFanout(t *testing.T) {
	ctx := context.Background()
	bus := syncbus.NewInMemoryBus()
	t.Cleanup(func() { bus.Close() })

	local := newGenerations(t, WithBus(bus))
	peer := newGenerations(t, WithBus(bus))
	e := ent{"event", "42"}

	peerGen, err := peer.Current(ctx, e)
	if err != nil {
		t.Fatalf("peer resolve: %v", err)
	}

	if err := local.Rotate(ctx, e); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		got, err := peer.Current(ctx, e)
		if err != nil {
			t.Fatalf("peer resolve after rotate: %v", err)
		}
		if got != peerGen {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("peer kept serving the pre-rotate generation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestGenerationsCloseIdempotent(t *testing.T) {
	g := NewGenerations(nil)
	if err := g.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := g.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}
