// Package eventbus carries session and connection lifecycle notifications
// from the transport core to whoever renders them (the CLI, an embedding app).
package eventbus

import (
	"sync"
	"time"
)

// Event types published on the bus.
const (
	ConnectionOpen         = "connection.open"
	ConnectionReconnecting = "connection.reconnecting"
	ConnectionFailed       = "connection.failed"
	ConnectionClosed       = "connection.closed"
	SessionRefreshed       = "session.refreshed"
	SessionExpired         = "session.expired"
	SessionLoggedOut       = "session.logged_out"
	// SessionReload asks the application to drop its handles and acquire new
	// ones; in-memory realtime state cannot resume with a stale token.
	SessionReload = "session.reload"
)

// Event is a single notification on the bus.
type Event struct {
	Type      string    `json:"type"`
	Timestamp time.Time `json:"ts"`
	TenantID  string    `json:"tenant_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	Err       error     `json:"-"`
}

// Error returns the event error text, or "".
func (e Event) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

// Bus is a fan-out pub/sub bus. Subscribers receive events on a buffered
// channel; a subscriber whose buffer is full misses the event.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]map[string]bool // nil filter = all types
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]map[string]bool),
	}
}

// Subscribe returns a channel receiving events of the given types, or every
// event when no types are given. The channel is buffered (64).
func (b *Bus) Subscribe(types ...string) chan Event {
	ch := make(chan Event, 64)
	var filter map[string]bool
	if len(types) > 0 {
		filter = make(map[string]bool, len(types))
		for _, t := range types {
			filter[t] = true
		}
	}
	b.mu.Lock()
	b.subs[ch] = filter
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (b *Bus) Unsubscribe(ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

// Publish delivers e to every matching subscriber without blocking. A nil
// bus drops everything, so components can run without one.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch, filter := range b.subs {
		if filter != nil && !filter[e.Type] {
			continue
		}
		select {
		case ch <- e:
		default:
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		close(ch)
		delete(b.subs, ch)
	}
}
