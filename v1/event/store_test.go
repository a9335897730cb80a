package event

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func camp() *Event {
	return &Event{Organizer: "ccc", Slug: "camp2027", Name: "Camp", Currency: "EUR"}
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	if _, err := m.Get(ctx, "ccc", "camp2027"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("get before save: %v, want ErrNotFound", err)
	}
	if err := m.Save(ctx, camp()); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := m.Get(ctx, "ccc", "camp2027")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Camp" || got.Currency != "EUR" {
		t.Fatalf("got %+v", got)
	}

	// Stored state must not alias what callers hold.
	got.Name = "Renamed"
	got.Plugins = append(got.Plugins, "paypal")
	again, err := m.Get(ctx, "ccc", "camp2027")
	if err != nil {
		t.Fatalf("get again: %v", err)
	}
	if again.Name != "Camp" || len(again.Plugins) != 0 {
		t.Fatalf("caller mutation leaked into the store: %+v", again)
	}
}

func TestMemoryStoreRejectsInvalid(t *testing.T) {
	ctx := context.Background()
	sig := NewSignals()
	var fired int
	sig.Saved.Connect(func(context.Context, *Event) error { fired++; return nil })

	m := NewMemory(sig, WithMemoryLogger(quietLogger()))
	e := camp()
	e.Slug = ""
	if err := m.Save(ctx, e); !errors.Is(err, ErrInvalid) {
		t.Fatalf("save invalid: %v, want ErrInvalid", err)
	}
	if fired != 0 {
		t.Fatal("saved hook fired for a rejected save")
	}
}

func TestMemoryStoreList(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(nil)

	for _, slug := range []string{"congress", "camp2027", "assembly"} {
		e := camp()
		e.Slug = slug
		if err := m.Save(ctx, e); err != nil {
			t.Fatalf("save %s: %v", slug, err)
		}
	}
	other := camp()
	other.Organizer = "emf"
	if err := m.Save(ctx, other); err != nil {
		t.Fatalf("save other organizer: %v", err)
	}

	got, err := m.List(ctx, "ccc")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("listed %d events, want 3", len(got))
	}
	for i, want := range []string{"assembly", "camp2027", "congress"} {
		if got[i].Slug != want {
			t.Fatalf("position %d holds %q, want %q", i, got[i].Slug, want)
		}
	}
}

func TestSaveFiresSavedHooks(t *testing.T) {
	ctx := context.Background()
	sig := NewSignals()
	var saved []string
	sig.Saved.Connect(func(_ context.Context, e *Event) error {
		saved = append(saved, e.Ident())
		return nil
	})

	m := NewMemory(sig)
	if err := m.Save(ctx, camp()); err != nil {
		t.Fatalf("save: %v", err)
	}
	if len(saved) != 1 || saved[0] != "ccc/camp2027" {
		t.Fatalf("saved hooks saw %v", saved)
	}
}

// A failing saved hook must not fail the save: the row is persisted
// and later hooks still run.
func TestSaveSurvivesHookFailure(t *testing.T) {
	ctx := context.Background()
	sig := NewSignals()
	sig.Saved.Connect(func(context.Context, *Event) error {
		return errors.New("cache backend down")
	})
	var laterRan bool
	sig.Saved.Connect(func(context.Context, *Event) error {
		laterRan = true
		return nil
	})

	m := NewMemory(sig, WithMemoryLogger(quietLogger()))
	if err := m.Save(ctx, camp()); err != nil {
		t.Fatalf("save with failing hook: %v", err)
	}
	if !laterRan {
		t.Fatal("hook after the failing one did not run")
	}
	if _, err := m.Get(ctx, "ccc", "camp2027"); err != nil {
		t.Fatalf("event not persisted: %v", err)
	}
}

func TestCopyDataFrom(t *testing.T) {
	ctx := context.Background()
	sig := NewSignals()
	var savedIdents []string
	sig.Saved.Connect(func(_ context.Context, e *Event) error {
		savedIdents = append(savedIdents, e.Ident())
		return nil
	})
	var copied []Copy
	sig.Copied.Connect(func(_ context.Context, c Copy) error {
		copied = append(copied, c)
		return nil
	})

	m := NewMemory(sig)
	src := camp()
	src.Plugins = []string{"paypal", "badges"}
	if err := m.Save(ctx, src); err != nil {
		t.Fatalf("save src: %v", err)
	}

	dst := &Event{Organizer: "ccc", Slug: "camp2029", Name: "Camp again", Currency: "EUR"}
	if err := CopyDataFrom(ctx, src, dst, m, sig); err != nil {
		t.Fatalf("copy: %v", err)
	}

	got, err := m.Get(ctx, "ccc", "camp2029")
	if err != nil {
		t.Fatalf("get dst: %v", err)
	}
	if len(got.Plugins) != 2 || got.Plugins[0] != "paypal" {
		t.Fatalf("plugins not copied: %v", got.Plugins)
	}

	// Only the destination was saved during the copy.
	if len(savedIdents) != 2 || savedIdents[1] != "ccc/camp2029" {
		t.Fatalf("saves during copy: %v", savedIdents)
	}
	if len(copied) != 1 || copied[0].Src.Ident() != "ccc/camp2027" || copied[0].Dst.Ident() != "ccc/camp2029" {
		t.Fatalf("copied hooks saw %+v", copied)
	}
}

func TestCopyDataFromHookFailure(t *testing.T) {
	ctx := context.Background()
	sig := NewSignals()
	hookErr := errors.New("ticket quota copy failed")
	sig.Copied.Connect(func(context.Context, Copy) error { return hookErr })

	m := NewMemory(sig, WithMemoryLogger(quietLogger()))
	src := camp()
	dst := &Event{Organizer: "ccc", Slug: "camp2029", Name: "Camp again", Currency: "EUR"}
	if err := CopyDataFrom(ctx, src, dst, m, sig); !errors.Is(err, hookErr) {
		t.Fatalf("copy with failing hook: %v, want %v", err, hookErr)
	}
}
