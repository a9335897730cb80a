package registry

import (
	"errors"
	"fmt"
	"reflect"
	"testing"

	"github.com/ticketfabric/turnstile/v1/event"
)

type provider struct {
	id    string
	event string
}

func ctor(id string) Constructor[*provider] {
	return func(e *event.Event) (*provider, error) {
		return &provider{id: id, event: e.Ident()}, nil
	}
}

func camp() *event.Event {
	return &event.Event{Organizer: "ccc", Slug: "camp2027"}
}

func TestRegistryBuild(t *testing.T) {
	r := New[*provider]()
	if err := r.Register("banktransfer", ctor("banktransfer")); err != nil {
		t.Fatalf("register: %v", err)
	}

	p, err := r.Build("banktransfer", camp())
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if p.id != "banktransfer" || p.event != "ccc/camp2027" {
		t.Fatalf("built %+v", p)
	}

	if _, err := r.Build("stripe", camp()); !errors.Is(err, ErrUnknown) {
		t.Fatalf("unknown build: %v, want ErrUnknown", err)
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := New[*provider]()
	if err := r.Register("paypal", ctor("paypal")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("paypal", ctor("paypal")); !errors.Is(err, ErrDuplicate) {
		t.Fatalf("duplicate register: %v, want ErrDuplicate", err)
	}
	if err := r.Register("", ctor("empty")); err == nil {
		t.Fatal("empty identifier accepted")
	}
	if err := r.Register("nil", nil); err == nil {
		t.Fatal("nil constructor accepted")
	}
}

func TestRegistryIdentifiersSorted(t *testing.T) {
	r := New[*provider]()
	for _, id := range []string{"stripe", "banktransfer", "paypal"} {
		if err := r.Register(id, ctor(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}
	want := []string{"banktransfer", "paypal", "stripe"}
	if got := r.Identifiers(); !reflect.DeepEqual(got, want) {
		t.Fatalf("identifiers %v, want %v", got, want)
	}
}

func TestRegistryBuildAll(t *testing.T) {
	r := New[*provider]()
	for _, id := range []string{"stripe", "banktransfer"} {
		if err := r.Register(id, ctor(id)); err != nil {
			t.Fatalf("register %s: %v", id, err)
		}
	}

	all, err := r.BuildAll(camp())
	if err != nil {
		t.Fatalf("build all: %v", err)
	}
	if len(all) != 2 || all["stripe"].id != "stripe" {
		t.Fatalf("built %+v", all)
	}
}

func TestRegistryBuildAllAbortsOnFailure(t *testing.T) {
	r := New[*provider]()
	boom := fmt.Errorf("credentials missing")
	if err := r.Register("bad", func(*event.Event) (*provider, error) { return nil, boom }); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := r.Register("good", ctor("good")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if _, err := r.BuildAll(camp()); !errors.Is(err, boom) {
		t.Fatalf("build all: %v, want %v", err, boom)
	}
}
