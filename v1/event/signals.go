package event

import (
	"context"
	"fmt"

	"github.com/ticketfabric/turnstile/v1/signal"
)

// Copy is the payload of the Copied signal.
type Copy struct {
	Src *Event
	Dst *Event
}

// Signals bundles the event lifecycle hooks. Stores fire Saved after
// every persist; CopyDataFrom fires Copied so plugins can move their
// own data between events.
type Signals struct {
	Saved  *signal.Signal[*Event]
	Copied *signal.Signal[Copy]
}

// NewSignals returns an empty signal set.
func NewSignals() *Signals {
	return &Signals{
		Saved:  signal.New[*Event](),
		Copied: signal.New[Copy](),
	}
}

// CopyDataFrom configures dst as a copy of src: the plugin list is
// taken over, dst is saved (clearing only dst's cache namespace), and
// the Copied hooks then move whatever dependent data they own. A hook
// failure is returned because it leaves the copy incomplete.
func CopyDataFrom(ctx context.Context, src, dst *Event, store Store, sig *Signals) error {
	dst.Plugins = append([]string(nil), src.Plugins...)
	if err := store.Save(ctx, dst); err != nil {
		return fmt.Errorf("save copy target %s: %w", dst.Ident(), err)
	}
	if sig != nil {
		if err := sig.Copied.Send(ctx, Copy{Src: src, Dst: dst}); err != nil {
			return fmt.Errorf("copy hooks for %s: %w", dst.Ident(), err)
		}
	}
	return nil
}
