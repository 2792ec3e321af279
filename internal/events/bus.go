// Package events provides a publish/subscribe event bus for operational
// observability. Events flow from components (orchestrator, session
// registry, discovery) to subscribers (the /events WebSocket handler,
// the MQTT publisher). The bus is nil-safe: calling Publish on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceOrchestrator identifies events from the turn loop.
	SourceOrchestrator = "orchestrator"
	// SourceSession identifies events from the session registry.
	SourceSession = "session"
	// SourceDiscovery identifies events from the auto-discovery resolver.
	SourceDiscovery = "discovery"
	// SourceAPI identifies events from the HTTP surface.
	SourceAPI = "api"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of an orchestrator turn.
	// Data: session_id, model, message_len.
	KindTurnStart = "turn_start"
	// KindTurnComplete signals the end of an orchestrator turn.
	// Data: session_id, model, tool_calls, tokens_in, tokens_out,
	// elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindToolCall signals the start of a tool invocation.
	// Data: session_id, tool, invocation_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool invocation.
	// Data: session_id, tool, invocation_id, ok, error_kind,
	// duration_ms.
	KindToolDone = "tool_done"

	// KindBindingSet signals an MCP binding was installed or replaced.
	// Data: session_id, endpoint, transport.
	KindBindingSet = "binding_set"
	// KindBindingCleared signals an MCP binding was removed.
	// Data: session_id.
	KindBindingCleared = "binding_cleared"
	// KindProbe signals a health probe completed.
	// Data: session_id (optional), endpoint, status, latency_ms.
	KindProbe = "probe"

	// KindSessionCreated signals a new chat session.
	// Data: session_id.
	KindSessionCreated = "session_created"
	// KindSessionDeleted signals a session was deleted or swept.
	// Data: session_id, swept.
	KindSessionDeleted = "session_deleted"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu sync.RWMutex
	// Keyed by the receive-only view handed to the subscriber so that
	// Unsubscribe can accept the caller's channel directly; the value
	// is the send side.
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber buffer is full; drop rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
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

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
