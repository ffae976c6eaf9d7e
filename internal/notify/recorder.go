package notify

import (
	"context"
	"sync"
)

// Recorder keeps every event in memory. Used by tests and by the serve
// command when no sink is configured.
type Recorder struct {
	mu            sync.Mutex
	conversations []uint
	messages      []uint
	alerts        []Alert
}

// NewRecorder creates an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) ConversationChanged(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.conversations = append(r.conversations, id)
	return nil
}

func (r *Recorder) MessageChanged(_ context.Context, id uint) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, id)
	return nil
}

func (r *Recorder) Alert(_ context.Context, alert Alert) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alerts = append(r.alerts, alert)
	return nil
}

// --- Test helpers ---

// Conversations returns the ids of changed conversations in order.
func (r *Recorder) Conversations() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.conversations...)
}

// Messages returns the ids of changed messages in order.
func (r *Recorder) Messages() []uint {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]uint(nil), r.messages...)
}

// Alerts returns every alert raised.
func (r *Recorder) Alerts() []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Alert(nil), r.alerts...)
}

// AlertsOfKind returns the alerts of one kind.
func (r *Recorder) AlertsOfKind(kind AlertKind) []Alert {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Alert
	for _, a := range r.alerts {
		if a.Kind == kind {
			out = append(out, a)
		}
	}
	return out
}
