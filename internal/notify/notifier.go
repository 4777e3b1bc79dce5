// Package notify couples the local-storage scanner's discoveries to the
// dispatch worker: a multi-subscriber broadcast surface carrying one event
// type, fire-and-forget.
package notify

import (
	"sync"
	"time"
)

// ActivityEvent reports conversation ids observed in the local client's
// storage at a point in time.
type ActivityEvent struct {
	Timestamp       time.Time `json:"ts"`
	ConversationIDs []string  `json:"conversation_ids"`
}

// Handler receives broadcast events. Handlers must not block.
type Handler func(ActivityEvent)

// Notifier broadcasts activity events to all subscribers. There is no
// delivery acknowledgment; a subscriber that misses an event catches up on
// the next periodic pass.
type Notifier struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// New creates an empty notifier.
func New() *Notifier {
	return &Notifier{handlers: make(map[string]Handler)}
}

// Subscribe registers a handler under id, replacing any previous handler
// with the same id.
func (n *Notifier) Subscribe(id string, h Handler) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.handlers[id] = h
}

// Unsubscribe removes the handler registered under id.
func (n *Notifier) Unsubscribe(id string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.handlers, id)
}

// Publish delivers the event to every current subscriber.
func (n *Notifier) Publish(ev ActivityEvent) {
	n.mu.RLock()
	defer n.mu.RUnlock()
	for _, h := range n.handlers {
		h(ev)
	}
}
