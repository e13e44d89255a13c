// Package event fans message activity out to in-process subscribers:
// console SSE streams and anything else watching a thread.
package event

import (
	"encoding/json"
	"sync"

	"github.com/google/uuid"
)

// Type names a kind of event on the stream.
type Type string

const TypeMessageCreated Type = "message_created"

// Event is one notification on the stream. Data carries the JSON-encoded
// subject, a stored message for TypeMessageCreated.
type Event struct {
	Type     Type            `json:"type"`
	ThreadID string          `json:"thread_id"`
	Data     json.RawMessage `json:"data"`
}

// Publisher is the write side of the stream.
type Publisher interface {
	Publish(ev Event)
}

// Subscriber is the read side. An empty threadID subscribes to every
// thread. cancel must be called when the consumer goes away.
type Subscriber interface {
	Subscribe(threadID string, buffer int) (id string, events <-chan Event, cancel func())

	// SubscriberCount reports how many live subscriptions would receive
	// an event for the thread.
	SubscriberCount(threadID string) int
}

type subscription struct {
	threadID string
	ch       chan Event
}

// Hub is the in-process Publisher and Subscriber. Delivery is best
// effort: a subscriber whose buffer is full misses the event rather than
// stalling the publishing append.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]*subscription
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]*subscription)}
}

func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, sub := range h.subs {
		if sub.threadID != "" && sub.threadID != ev.ThreadID {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
		}
	}
}

func (h *Hub) Subscribe(threadID string, buffer int) (string, <-chan Event, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.NewString()
	sub := &subscription{threadID: threadID, ch: make(chan Event, buffer)}

	h.mu.Lock()
	h.subs[id] = sub
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if cur, ok := h.subs[id]; ok && cur == sub {
			delete(h.subs, id)
			close(sub.ch)
		}
		h.mu.Unlock()
	}
	return id, sub.ch, cancel
}

// SubscriberCount reports how many subscriptions would receive an event
// for the thread.
func (h *Hub) SubscriberCount(threadID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, sub := range h.subs {
		if sub.threadID == "" || sub.threadID == threadID {
			n++
		}
	}
	return n
}
