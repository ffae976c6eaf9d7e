// Package notify tells operator tooling that conversations and messages
// changed, and raises alerts that need a human.
package notify

import (
	"context"
	"errors"
	"time"
)

// AlertKind classifies operator alerts.
type AlertKind string

const (
	AlertHandoffRequested AlertKind = "handoff_requested"
	AlertCustomerMessage  AlertKind = "customer_message"
	AlertEscalated        AlertKind = "escalated"
	AlertDeliveryFailed   AlertKind = "delivery_failed"
	AlertDigest           AlertKind = "digest"
)

// Alert is a notice for operators.
type Alert struct {
	Kind           AlertKind `json:"kind"`
	ConversationID uint      `json:"conversation_id,omitempty"`
	CustomerID     string    `json:"customer_id,omitempty"`
	Platform       string    `json:"platform,omitempty"`
	Text           string    `json:"text"`
}

// Notifier receives change events. Implementations must be safe for
// concurrent use. Failures are reported but never undo the change.
type Notifier interface {
	ConversationChanged(ctx context.Context, conversationID uint) error
	MessageChanged(ctx context.Context, messageID uint) error
	Alert(ctx context.Context, alert Alert) error
}

// Event is the wire form published on pub/sub sinks.
type Event struct {
	Type           string    `json:"type"` // "conversation", "message" or "alert"
	ConversationID uint      `json:"conversation_id,omitempty"`
	MessageID      uint      `json:"message_id,omitempty"`
	Alert          *Alert    `json:"alert,omitempty"`
	At             time.Time `json:"at"`
}

const (
	eventConversation = "conversation"
	eventMessage      = "message"
	eventAlert        = "alert"
)

// Nop discards everything.
type Nop struct{}

func (Nop) ConversationChanged(context.Context, uint) error { return nil }
func (Nop) MessageChanged(context.Context, uint) error      { return nil }
func (Nop) Alert(context.Context, Alert) error              { return nil }

// Multi fans out to several notifiers. Every sink is called even when an
// earlier one fails.
type Multi []Notifier

func (m Multi) ConversationChanged(ctx context.Context, id uint) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.ConversationChanged(ctx, id))
	}
	return errors.Join(errs...)
}

func (m Multi) MessageChanged(ctx context.Context, id uint) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.MessageChanged(ctx, id))
	}
	return errors.Join(errs...)
}

func (m Multi) Alert(ctx context.Context, alert Alert) error {
	var errs []error
	for _, n := range m {
		errs = append(errs, n.Alert(ctx, alert))
	}
	return errors.Join(errs...)
}
