package scope

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ticketfabric/turnstile/v1/cache"
	"github.com/ticketfabric/turnstile/v1/signal"
)

// recordingCache captures the TTL of the last Set so tests can check
// what the scoped view actually asked for.
type recordingCache[T any] struct {
	inner   *cache.InMemoryCache[T]
	lastTTL time.Duration
}

func (r *recordingCache[T]) Get(ctx context.Context, key string) (T, bool, error) {
	return r.inner.Get(ctx, key)
}

func (r *recordingCache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	r.lastTTL = ttl
	return r.inner.Set(ctx, key, value, ttl)
}

func (r *recordingCache[T]) Invalidate(ctx context.Context, key string) error {
	return r.inner.Invalidate(ctx, key)
}

func newBase[T any](t *testing.T) *cache.InMemoryCache[T] {
	t.Helper()
	c := cache.NewInMemory[T]()
	t.Cleanup(c.Close)
	return c
}

func TestScopedRoundTrip(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	s := For[string](gens, newBase[string](t), ent{"event", "42"})

	if _, ok, err := s.Get(ctx, "settings"); err != nil || ok {
		t.Fatalf("expected clean miss, got ok=%v err=%v", ok, err)
	}
	if err := s.Set(ctx, "settings", "cached", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	got, ok, err := s.Get(ctx, "settings")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if got != "cached" {
		t.Fatalf("got %q, want %q", got, "cached")
	}
}

func TestScopedKeyCarriesEntityAndGeneration(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	e := ent{"event", "42"}
	s := For[string](gens, newBase[string](t), e)

	gen, err := gens.Current(ctx, e)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	want := "turnstile:event:42:" + gen + ":settings"
	if got := s.entryKey(gen, "settings"); got != want {
		t.Fatalf("entry key %q, want %q", got, want)
	}
}

// Two entities caching under the same logical key must never see each
// other's values, and clearing one must leave the other untouched.
func TestScopedNamespaceIsolation(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	base := newBase[string](t)
	a := For[string](gens, base, ent{"event", "a"})
	b := For[string](gens, base, ent{"event", "b"})

	if err := a.Set(ctx, "settings", "for-a", 0); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := b.Set(ctx, "settings", "for-b", 0); err != nil {
		t.Fatalf("set b: %v", err)
	}

	got, ok, _ := a.Get(ctx, "settings")
	if !ok || got != "for-a" {
		t.Fatalf("a read %q ok=%v, want for-a", got, ok)
	}

	if err := a.Clear(ctx); err != nil {
		t.Fatalf("clear a: %v", err)
	}

	if _, ok, _ := a.Get(ctx, "settings"); ok {
		t.Fatal("a still hit after its own clear")
	}
	got, ok, _ = b.Get(ctx, "settings")
	if !ok || got != "for-b" {
		t.Fatalf("clearing a disturbed b: got %q ok=%v", got, ok)
	}
}

// All typed views of one entity share a namespace: clearing through any
// of them clears them all.
func TestScopedClearSpansValueTypes(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	e := ent{"event", "42"}
	names := For[string](gens, newBase[string](t), e)
	counts := For[int](gens, newBase[int](t), e)

	if err := names.Set(ctx, "name", "Conference", 0); err != nil {
		t.Fatalf("set name: %v", err)
	}
	if err := counts.Set(ctx, "quota", 500, 0); err != nil {
		t.Fatalf("set quota: %v", err)
	}

	if err := names.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if _, ok, _ := names.Get(ctx, "name"); ok {
		t.Fatal("string view survived the clear")
	}
	if _, ok, _ := counts.Get(ctx, "quota"); ok {
		t.Fatal("int view survived the clear")
	}
}

// A write that raced the clear (resolved its generation before the
// clear, landed after) must stay invisible: readers resolve the
// generation per call and can never reach retired entries.
func TestScopedGetAfterClearMissesDespiteLateWrite(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	base := newBase[string](t)
	e := ent{"event", "42"}
	s := For[string](gens, base, e)

	oldGen, err := gens.Current(ctx, e)
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.Clear(ctx); err != nil {
		t.Fatalf("clear: %v", err)
	}

	// The late write lands directly under the pre-clear generation.
	if err := base.Set(ctx, s.entryKey(oldGen, "settings"), "stale", 0); err != nil {
		t.Fatalf("late write: %v", err)
	}

	if _, ok, _ := s.Get(ctx, "settings"); ok {
		t.Fatal("get after clear returned a pre-clear write")
	}
}

func TestScopedInvalidateSingleKey(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	s := For[string](gens, newBase[string](t), ent{"event", "42"})

	if err := s.Set(ctx, "a", "1", 0); err != nil {
		t.Fatalf("set a: %v", err)
	}
	if err := s.Set(ctx, "b", "2", 0); err != nil {
		t.Fatalf("set b: %v", err)
	}
	if err := s.Invalidate(ctx, "a"); err != nil {
		t.Fatalf("invalidate: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "a"); ok {
		t.Fatal("a survived invalidation")
	}
	if _, ok, _ := s.Get(ctx, "b"); !ok {
		t.Fatal("invalidating a dropped b")
	}
}

func TestScopedDefaultTTL(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	rec := &recordingCache[string]{inner: newBase[string](t)}
	s := For[string](gens, rec, ent{"event", "42"})

	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if rec.lastTTL != defaultEntryTTL {
		t.Fatalf("zero ttl stored as %v, want default %v", rec.lastTTL, defaultEntryTTL)
	}

	if err := s.Set(ctx, "k", "v", time.Second); err != nil {
		t.Fatalf("set: %v", err)
	}
	if rec.lastTTL != time.Second {
		t.Fatalf("explicit ttl stored as %v, want 1s", rec.lastTTL)
	}

	short := For[string](gens, rec, ent{"event", "42"}, WithEntryTTL[string](time.Minute))
	if err := short.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if rec.lastTTL != time.Minute {
		t.Fatalf("option ttl stored as %v, want 1m", rec.lastTTL)
	}
}

// Reads and writes ride over backend failures as misses and no-ops;
// only Clear reports them.
func TestScopedDegradesOnBackendFailure(t *testing.T) {
	ctx := context.Background()
	backendErr := errors.New("connection refused")
	gens := newGenerations(t)
	s := For[string](gens, brokenStore[string]{err: backendErr}, ent{"event", "42"})

	if _, ok, err := s.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("get on broken base: ok=%v err=%v, want clean miss", ok, err)
	}
	if err := s.Set(ctx, "k", "v", 0); err != nil {
		t.Fatalf("set on broken base: %v, want swallowed", err)
	}
	if err := s.Invalidate(ctx, "k"); err != nil {
		t.Fatalf("invalidate on broken base: %v, want swallowed", err)
	}

	// A broken generation store degrades reads the same way but must
	// fail Clear loudly.
	down := NewGenerations(brokenStore[string]{err: backendErr}, WithLogger(quietLogger()))
	t.Cleanup(func() { down.Close() })
	sd := For[string](down, newBase[string](t), ent{"event", "42"})

	if _, ok, err := sd.Get(ctx, "k"); err != nil || ok {
		t.Fatalf("get with broken generations: ok=%v err=%v, want clean miss", ok, err)
	}
	if err := sd.Clear(ctx); !errors.Is(err, backendErr) {
		t.Fatalf("clear with broken generations: %v, want %v", err, backendErr)
	}
}

func TestClearOnSave(t *testing.T) {
	ctx := context.Background()
	gens := newGenerations(t)
	saved := signal.New[ent]()
	s := For[string](gens, newBase[string](t), ent{"event", "42"})

	disconnect := ClearOnSave(saved, gens)

	if err := s.Set(ctx, "settings", "cached", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := saved.Send(ctx, ent{"event", "42"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "settings"); ok {
		t.Fatal("save did not clear the namespace")
	}

	// Saving a different entity must not touch this namespace.
	if err := s.Set(ctx, "settings", "cached", 0); err != nil {
		t.Fatalf("set: %v", err)
	}
	if err := saved.Send(ctx, ent{"event", "other"}); err != nil {
		t.Fatalf("send: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "settings"); !ok {
		t.Fatal("saving another entity cleared this namespace")
	}

	disconnect()
	if err := saved.Send(ctx, ent{"event", "42"}); err != nil {
		t.Fatalf("send after disconnect: %v", err)
	}
	if _, ok, _ := s.Get(ctx, "settings"); !ok {
		t.Fatal("disconnected hook still cleared the namespace")
	}
}
