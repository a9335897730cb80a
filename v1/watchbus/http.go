package watchbus

import (
	"context"
	"fmt"
	"net/http"

	"github.com/gorilla/websocket"
)

// attach subscribes per the request's "key" or "prefix" query
// parameter and returns the channel plus the identifier Unwatch needs.
func attach(ctx context.Context, bus WatchBus, r *http.Request) (chan []byte, string, error) {
	if key := r.URL.Query().Get("key"); key != "" {
		ch, err := bus.Watch(ctx, key)
		return ch, key, err
	}
	if prefix := r.URL.Query().Get("prefix"); prefix != "" {
		ch, err := bus.WatchPrefix(ctx, prefix)
		return ch, prefix, err
	}
	return nil, "", fmt.Errorf("missing key or prefix")
}

// SSEHandler streams notices over Server-Sent Events. Watch one entity
// with ?key=clears/event/ccc/camp2027 or everything with
// ?prefix=clears/.
func SSEHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithCancel(r.Context())
		ch, id, err := attach(ctx, bus, r)
		if err != nil {
			cancel()
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), id, ch)
		}()
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		flusher, ok := w.(http.Flusher)
		if !ok {
			http.Error(w, "stream unsupported", http.StatusInternalServerError)
			return
		}
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if _, err := fmt.Fprintf(w, "data: %s\n\n", msg); err != nil {
					return
				}
				flusher.Flush()
			case <-ctx.Done():
				return
			}
		}
	}
}

var upgrader = websocket.Upgrader{}

// WebSocketHandler streams notices over WebSocket, one text message
// per notice. Same key/prefix parameters as SSEHandler.
func WebSocketHandler(bus WatchBus) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") == "" && r.URL.Query().Get("prefix") == "" {
			http.Error(w, "missing key or prefix", http.StatusBadRequest)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		ctx, cancel := context.WithCancel(r.Context())
		ch, id, err := attach(ctx, bus, r)
		if err != nil {
			cancel()
			return
		}
		defer func() {
			cancel()
			_ = bus.Unwatch(context.Background(), id, ch)
		}()
		for {
			select {
			case msg, ok := <-ch:
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}
}
