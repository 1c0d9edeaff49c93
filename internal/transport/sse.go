// Package transport exposes the orchestration core over HTTP: a
// server-sent-events stream for action lifecycle events and a JSON API for
// confirmations, tasks and breaker state.
package transport

import (
	"encoding/json"
	"sync"

	"conductor/internal/action"
	"conductor/internal/logging"
)

// envelope is the wire shape of one forwarded action event.
type envelope struct {
	SnapshotID string       `json:"snapshot_id"`
	Kind       action.Kind  `json:"kind"`
	Event      action.Event `json:"event"`
}

// Broadcaster fans action events out to connected SSE clients. Delivery is
// best-effort: a slow client's buffer overflowing drops events for that
// client only, and having no clients at all is not an error.
type Broadcaster struct {
	mu      sync.Mutex
	clients map[chan []byte]struct{}
	logger  logging.Logger
}

const clientBuffer = 64

// NewBroadcaster creates a broadcaster with no clients.
func NewBroadcaster(logger logging.Logger) *Broadcaster {
	return &Broadcaster{
		clients: make(map[chan []byte]struct{}),
		logger:  logging.OrNop(logger),
	}
}

// EmitActionEvent implements action.Emitter.
func (b *Broadcaster) EmitActionEvent(snapshotID string, kind action.Kind, event action.Event) {
	data, err := json.Marshal(envelope{SnapshotID: snapshotID, Kind: kind, Event: event})
	if err != nil {
		b.logger.Error("failed to encode action event %s/%s: %v", snapshotID, event.Type, err)
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for client := range b.clients {
		select {
		case client <- data:
		default:
			b.logger.Warn("dropping action event for a slow SSE client")
		}
	}
}

// subscribe registers a client stream and returns its detach function.
func (b *Broadcaster) subscribe() (<-chan []byte, func()) {
	client := make(chan []byte, clientBuffer)
	b.mu.Lock()
	b.clients[client] = struct{}{}
	b.mu.Unlock()

	var once sync.Once
	return client, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.clients, client)
			b.mu.Unlock()
		})
	}
}

// ClientCount returns the number of connected SSE clients.
func (b *Broadcaster) ClientCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.clients)
}
