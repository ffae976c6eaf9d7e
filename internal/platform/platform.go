// Package platform defines the contract between the routing core and the
// per-platform adapters that parse webhooks and send messages.
package platform

import (
	"context"
	"net/http"
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// EventKind classifies an inbound event.
type EventKind string

const (
	EventMessage  EventKind = "message"
	EventPostback EventKind = "postback"
	EventDelivery EventKind = "delivery"
	EventRead     EventKind = "read"
)

// Receipt reports whether the event only updates delivery state.
func (k EventKind) Receipt() bool {
	return k == EventDelivery || k == EventRead
}

// Profile carries display details an adapter learned about the sender.
type Profile struct {
	DisplayName string
	AvatarURL   string
	Timezone    string
}

// InboundEvent is the canonical form of anything a platform tells us.
type InboundEvent struct {
	Kind     EventKind
	Platform models.Platform
	// Address is the sender's platform-scoped id (phone number, PSID, chat id).
	Address string
	// KnownCustomerID is set when the platform already authenticated the
	// sender against the customer directory.
	KnownCustomerID   string
	PlatformMessageID string
	Text              string
	ImageURL          string
	// EventName is the postback payload, sent to the dialogue engine as an
	// event instead of text.
	EventName string
	End       bool
	Timestamp time.Time

	// Watermark marks every outbound message sent at or before it as read
	// or delivered. ReceiptIDs name individual messages instead.
	Watermark  time.Time
	ReceiptIDs []string

	Profile      *Profile
	PlatformData models.PlatformData
}

// SendResult is what a platform returned for a successful send.
type SendResult struct {
	PlatformMessageID string
}

// Adapter sends messages to one platform.
type Adapter interface {
	// Platform returns the platform this adapter serves.
	Platform() models.Platform

	// Send delivers msg to the channel's address. Failures should be
	// returned as *SendFailure so callers can tell transient from
	// permanent errors.
	Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (SendResult, error)
}

// WebhookParser is implemented by adapters that receive webhooks.
type WebhookParser interface {
	ParseWebhook(r *http.Request) ([]InboundEvent, error)
}

// WebhookVerifier is implemented by adapters whose platform verifies a
// webhook URL with a GET challenge. It returns the body to echo back and
// whether the challenge was accepted.
type WebhookVerifier interface {
	VerifyWebhook(r *http.Request) (string, bool)
}

// TypingIndicator is implemented by adapters that can show the bot typing.
type TypingIndicator interface {
	SetTyping(ctx context.Context, ch *models.ConversationChannel, on bool) error
}

// AlternateAddresser is implemented by adapters whose channels may carry
// alternate addresses to try after a failed send. NextAddress returns the
// next address and the extension record for the channel at that address.
type AlternateAddresser interface {
	NextAddress(ch *models.ConversationChannel) (string, models.PlatformData, bool)
}
