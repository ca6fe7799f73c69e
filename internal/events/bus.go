// Package events carries pool lifecycle and tool-call events from the
// connection pool to observers such as the websocket stream and the
// MQTT mirror. Each pool owns its own Bus; there is no global instance.
// A nil *Bus accepts Publish calls and discards them.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceMCP identifies events from the MCP connection pool.
	SourceMCP = "mcp"
	// SourceConfig identifies events from the configuration watcher.
	SourceConfig = "config"
)

// Kinds published by SourceMCP. Every MCP event carries a "server" key.
const (
	// KindReady: a server finished its handshake.
	// Data: server, tools.
	KindReady = "ready"
	// KindError: a server failed to start or lost its handshake.
	// Data: server, error.
	KindError = "error"
	// KindDisconnected: a server process exited unexpectedly.
	// Data: server, exit_code, signal.
	KindDisconnected = "disconnected"
	// KindStatusChanged: a server moved to a new status.
	// Data: server, status.
	KindStatusChanged = "status_changed"
	// KindToolsChanged: a server's tool catalog was replaced.
	// Data: server, tools.
	KindToolsChanged = "tools_changed"
	// KindToolCall: a routed tool call is about to be sent.
	// Data: server, tool.
	KindToolCall = "tool_call"
	// KindToolDone: a routed tool call finished.
	// Data: server, tool, ok, is_error, duration_ms.
	KindToolDone = "tool_done"
)

// Kinds published by SourceConfig.
const (
	// KindReloaded: the server set was re-applied from the config file.
	// Data: added, removed, restarted, errors.
	KindReloaded = "reloaded"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Server returns the "server" data key, or "" if the event has none.
func (e Event) Server() string {
	s, _ := e.Data["server"].(string)
	return s
}

// Bus fans events out to subscribers over buffered channels. A
// subscriber whose buffer is full misses the event; Publish never
// blocks.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room for it. A zero
// Timestamp is set to the current time.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe registers a subscriber with a buffer of bufSize events.
// Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes the subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
