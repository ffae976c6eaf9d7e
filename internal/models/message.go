package models

import "time"

// Direction is the flow of a message relative to the customer.
type Direction string

const (
	DirectionToCustomer   Direction = "to_customer"
	DirectionFromCustomer Direction = "from_customer"
)

// MessageState is the delivery state of a message. Transitions only move
// forward: sending -> delivered|read|failed, delivered -> read.
type MessageState string

const (
	StateSending   MessageState = "sending"
	StateDelivered MessageState = "delivered"
	StateRead      MessageState = "read"
	StateFailed    MessageState = "failed"
)

// Failure reasons recorded on failed messages.
const (
	FailureNoEligibleChannel = "no_eligible_channel"
	FailureNoAdapter         = "no_adapter"
	FailureSendFailed        = "send_failed"
)

// Message is one inbound or outbound message instance. Rows are append-only;
// only the delivery state and the platform message id change after insert.
type Message struct {
	ID                uint         `gorm:"primaryKey;autoIncrement"`
	ConversationID    uint         `gorm:"not null;index"`
	ChannelID         *uint        `gorm:"uniqueIndex:idx_message_platform_id"`
	ClientMessageID   string       `gorm:"size:36;not null;uniqueIndex"`
	PlatformMessageID *string      `gorm:"size:255;uniqueIndex:idx_message_platform_id"`
	Direction         Direction    `gorm:"size:16;not null;uniqueIndex:idx_message_platform_id"`
	Text              string       `gorm:"type:text"`
	ImageURL          string       `gorm:"size:1024"`
	Selection         string       `gorm:"type:text"`
	Card              string       `gorm:"type:text"`
	PaymentRequestID  *string      `gorm:"size:64"`
	PaymentConfirmID  *string      `gorm:"size:64"`
	Request           string       `gorm:"size:32"`
	Tag               string       `gorm:"size:64"`
	IsAlert           bool         `gorm:"default:false"`
	State             MessageState `gorm:"size:16;not null;default:sending;index"`
	FailureReason     string       `gorm:"size:64"`
	OperatorID        *string      `gorm:"size:64"`
	ReplyToID         *uint
	FallbackOfID      *uint
	End               bool `gorm:"default:false"`
	Timestamp         time.Time
	CreatedAt         time.Time
	UpdatedAt         time.Time

	Suggestions []MessageSuggestion `gorm:"foreignKey:MessageID;constraint:OnDelete:CASCADE"`

	// SignInURL is filled in at delivery time for sign-in requests.
	SignInURL string `gorm:"-" json:"-"`
}

// Inbound reports whether the customer sent the message.
func (m *Message) Inbound() bool {
	return m.Direction == DirectionFromCustomer
}

// BotAuthored reports whether an outbound message was written by the bot.
func (m *Message) BotAuthored() bool {
	return m.Direction == DirectionToCustomer && m.OperatorID == nil
}

// MessageSuggestion is a quick-reply option attached to a message.
type MessageSuggestion struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID uint   `gorm:"not null;index"`
	Text      string `gorm:"size:512;not null"`
}
