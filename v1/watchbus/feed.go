package watchbus

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/ticketfabric/turnstile/v1/scope"
)

// Notice operations.
const (
	OpCacheCleared = "cache.cleared"
	OpEventSaved   = "event.saved"
)

// Notice is one feed entry, JSON on the wire.
type Notice struct {
	Op     string    `json:"op"`
	Entity string    `json:"entity"`
	At     time.Time `json:"at"`
}

// Feed publishes turnstile happenings as notices. Keys follow
// <op-group>/<kind>/<ident>: clears under "clears/", saves under
// "saves/". The feed is observability only; publish failures are
// logged, never returned.
type Feed struct {
	bus WatchBus
	log *slog.Logger
}

// NewFeed returns a Feed over bus. A nil log uses slog.Default.
func NewFeed(bus WatchBus, log *slog.Logger) *Feed {
	if log == nil {
		log = slog.Default()
	}
	return &Feed{bus: bus, log: log}
}

// CacheCleared publishes a namespace-clear notice for e.
func (f *Feed) CacheCleared(ctx context.Context, e scope.Entity) {
	f.publish(ctx, "clears/"+e.Kind()+"/"+e.Ident(), Notice{
		Op:     OpCacheCleared,
		Entity: e.Kind() + "/" + e.Ident(),
	})
}

// EventSaved publishes a save notice for e.
func (f *Feed) EventSaved(ctx context.Context, e scope.Entity) {
	f.publish(ctx, "saves/"+e.Kind()+"/"+e.Ident(), Notice{
		Op:     OpEventSaved,
		Entity: e.Kind() + "/" + e.Ident(),
	})
}

func (f *Feed) publish(ctx context.Context, key string, n Notice) {
	n.At = time.Now().UTC()
	data, err := json.Marshal(n)
	if err != nil {
		f.log.Warn("turnstile: feed encode failed", "key", key, "error", err)
		return
	}
	if err := f.bus.Publish(ctx, key, data); err != nil {
		f.log.Warn("turnstile: feed publish failed", "key", key, "error", err)
	}
}
