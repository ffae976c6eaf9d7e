package notify

import (
	"context"
	"sync"
	"time"
)

// hubBuffer is how many events a slow subscriber may fall behind before
// events to it are dropped.
const hubBuffer = 64

// Hub fans events out to in-process subscribers, such as operator
// consoles connected over server-sent events.
type Hub struct {
	mu     sync.Mutex
	subs   map[chan Event]struct{}
	now    func() time.Time
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{}), now: time.Now}
}

// Subscribe registers a subscriber. The returned cancel func must be
// called to release it.
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, hubBuffer)
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		close(ch)
	}
	h.subs = make(map[chan Event]struct{})
	h.closed = true
}

func (h *Hub) ConversationChanged(_ context.Context, id uint) error {
	h.broadcast(Event{Type: eventConversation, ConversationID: id})
	return nil
}

func (h *Hub) MessageChanged(_ context.Context, id uint) error {
	h.broadcast(Event{Type: eventMessage, MessageID: id})
	return nil
}

func (h *Hub) Alert(_ context.Context, alert Alert) error {
	a := alert
	h.broadcast(Event{Type: eventAlert, ConversationID: alert.ConversationID, Alert: &a})
	return nil
}

func (h *Hub) broadcast(evt Event) {
	evt.At = h.now().UTC()
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}
