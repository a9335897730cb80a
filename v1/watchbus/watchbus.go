// Package watchbus streams change notices to ops tooling. Cache clears
// and event saves are published as byte payloads under hierarchical
// keys ("clears/event/ccc/camp2027"), so a dashboard can watch one
// entity exactly or a prefix for the firehose. Delivery is best effort
// with a one-slot buffer per watcher; a slow consumer loses notices,
// never blocks a producer.
package watchbus

import "context"

// WatchBus fans payloads out to watchers. Watch channels are closed by
// Unwatch or when the subscribing context ends.
type WatchBus interface {
	// Publish sends data to all watchers of key and to prefix watchers
	// whose prefix matches it.
	Publish(ctx context.Context, key string, data []byte) error
	// PublishPrefix sends data to all watchers of keys under prefix.
	PublishPrefix(ctx context.Context, prefix string, data []byte) error
	// Watch subscribes to one key.
	Watch(ctx context.Context, key string) (chan []byte, error)
	// WatchPrefix subscribes to every key under prefix.
	WatchPrefix(ctx context.Context, prefix string) (chan []byte, error)
	// Unwatch stops delivering to ch, whether it watches a key or a
	// prefix.
	Unwatch(ctx context.Context, key string, ch chan []byte) error
}
