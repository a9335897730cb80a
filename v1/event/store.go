package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/ticketfabric/turnstile/v1/metrics"
)

// ErrNotFound is returned when no event exists under an organizer and
// slug.
var ErrNotFound = errors.New("turnstile: event not found")

// Store persists events. Save validates, persists, then fires the
// Saved signal; implementations must not fire it when the persist
// failed.
type Store interface {
	Get(ctx context.Context, organizer, slug string) (*Event, error)
	Save(ctx context.Context, e *Event) error
	List(ctx context.Context, organizer string) ([]*Event, error)
}

// notifySaved runs the Saved hooks and downgrades their errors to a
// warning. The row is already persisted; a failed cache clear or feed
// publish must not unpersist it.
func notifySaved(ctx context.Context, sig *Signals, log *slog.Logger, e *Event) {
	metrics.SaveCounter.Inc()
	if sig == nil {
		return
	}
	if err := sig.Saved.Send(ctx, e); err != nil {
		metrics.HookFailureCounter.Inc()
		log.Warn("turnstile: saved hooks failed", "event", e.Ident(), "error", err)
	}
}

// Memory is an in-process Store for tests and single-node use.
type Memory struct {
	sig *Signals
	log *slog.Logger

	mu     sync.RWMutex
	events map[string]*Event
}

// MemoryOption configures a Memory store.
type MemoryOption func(*Memory)

// WithMemoryLogger sets the logger for saved-hook warnings.
func WithMemoryLogger(log *slog.Logger) MemoryOption {
	return func(m *Memory) {
		if log != nil {
			m.log = log
		}
	}
}

// NewMemory returns an empty in-memory store. A nil sig disables save
// notifications.
func NewMemory(sig *Signals, opts ...MemoryOption) *Memory {
	m := &Memory{
		sig:    sig,
		log:    slog.Default(),
		events: make(map[string]*Event),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Get implements Store.Get.
func (m *Memory) Get(ctx context.Context, organizer, slug string) (*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.events[organizer+"/"+slug]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, organizer, slug)
	}
	return e.clone(), nil
}

// Save implements Store.Save.
func (m *Memory) Save(ctx context.Context, e *Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := e.Validate(); err != nil {
		return err
	}
	m.mu.Lock()
	m.events[e.Ident()] = e.clone()
	m.mu.Unlock()

	notifySaved(ctx, m.sig, m.log, e)
	return nil
}

// List implements Store.List, sorted by slug.
func (m *Memory) List(ctx context.Context, organizer string) ([]*Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	var out []*Event
	for _, e := range m.events {
		if e.Organizer == organizer {
			out = append(out, e.clone())
		}
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Slug < out[j].Slug })
	return out, nil
}
