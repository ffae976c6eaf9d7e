package models

import "time"

// Conversation is the durable customer-level record. A customer may reach
// it through any number of channels.
type Conversation struct {
	ID               uint    `gorm:"primaryKey;autoIncrement"`
	CustomerID       *string `gorm:"size:128;uniqueIndex"`
	DisplayName      string  `gorm:"size:256"`
	AvatarURL        string  `gorm:"size:512"`
	Timezone         string  `gorm:"size:64"`
	CurrentAgentID   *string `gorm:"size:64"`
	AgentResponding  bool    `gorm:"default:false;index"`
	Nonce            string  `gorm:"size:36"`
	DialogueFailures int     `gorm:"default:0"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Channels []ConversationChannel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

// HumanOwned reports whether a human operator currently owns the conversation.
func (c *Conversation) HumanOwned() bool {
	return c.AgentResponding
}

// Ownership returns "human" or "bot".
func (c *Conversation) Ownership() string {
	if c.AgentResponding {
		return "human"
	}
	return "bot"
}

// ConversationRating is a customer satisfaction score collected after a
// conversation is closed.
type ConversationRating struct {
	ID             uint `gorm:"primaryKey;autoIncrement"`
	ConversationID uint `gorm:"not null;index"`
	Rating         int  `gorm:"not null"`
	CreatedAt      time.Time
}
