package models

import "time"

// ConversationChannel binds one (platform, address) pair to a Conversation.
// The pair is unique across all channels.
type ConversationChannel struct {
	ID             uint         `gorm:"primaryKey;autoIncrement"`
	ConversationID uint         `gorm:"not null;index"`
	Platform       Platform     `gorm:"size:32;not null;uniqueIndex:idx_channel_identity"`
	Address        string       `gorm:"size:255;not null;uniqueIndex:idx_channel_identity"`
	PlatformData   PlatformData `gorm:"type:text;serializer:json"`
	IsTyping       bool         `gorm:"default:false"`
	CreatedAt      time.Time
	UpdatedAt      time.Time

	Messages []Message `gorm:"foreignKey:ChannelID;constraint:OnDelete:CASCADE"`
}
