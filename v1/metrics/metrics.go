// Package metrics holds the process-wide collectors for the save and
// invalidation plane. Per-instance collectors (cache hit rates, lock
// acquire latency) live with their components behind WithMetrics
// options; the counters here are cross-cutting and incremented from
// library code whether or not they are registered anywhere.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// SaveCounter tracks persisted event saves.
	SaveCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_event_saves_total",
		Help: "Total number of persisted event saves",
	})
	// ClearCounter tracks cache namespace clears (generation rotates).
	ClearCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_cache_clears_total",
		Help: "Total number of cache namespace clears",
	})
	// HookFailureCounter tracks saved-hook runs that returned an error.
	HookFailureCounter = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "turnstile_saved_hook_failures_total",
		Help: "Total number of saved-signal hook failures",
	})
	// WatcherGauge reports the number of active feed watchers.
	WatcherGauge = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "turnstile_watchers",
		Help: "Current number of active feed watchers",
	})
)

// NewRegistry creates a new Prometheus registry.
func NewRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

// RegisterCoreMetrics registers the save/invalidation plane collectors
// on the provided registry.
func RegisterCoreMetrics(reg prometheus.Registerer) {
	reg.MustRegister(SaveCounter, ClearCounter, HookFailureCounter, WatcherGauge)
}
