package scope

import (
	"context"
	"fmt"

	"github.com/ticketfabric/turnstile/v1/signal"
)

// ClearOnSave wires an entity-saved signal to gens so that every save
// clears exactly the saved entity's namespace and nothing else. The
// returned disconnect undoes the wiring.
func ClearOnSave[T Entity](sig *signal.Signal[T], gens *Generations) (disconnect func()) {
	return sig.Connect(func(ctx context.Context, e T) error {
		if err := gens.Rotate(ctx, e); err != nil {
			return fmt.Errorf("clear %s %s cache: %w", e.Kind(), e.Ident(), err)
		}
		return nil
	})
}
