package models

import "time"

// RequestSignIn is the message request that asks the customer to sign in.
const RequestSignIn = "sign_in"

// AccountLinkingState is a pending sign-in issued to the customer behind a
// channel. It is consumed once by the sign-in callback.
type AccountLinkingState struct {
	ID        string `gorm:"primaryKey;size:36"`
	ChannelID uint   `gorm:"not null;index"`
	CreatedAt time.Time
}
