package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Conversation loads a conversation by id.
func (r *Resolver) Conversation(ctx context.Context, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load conversation %d: %w", id, err)
	}
	return &conv, nil
}

// LockConversation loads a conversation inside tx with a row lock held
// until tx ends, so writers in other processes queue behind it. SQLite
// ignores the lock clause; its single writer connection serialises
// transactions instead.
func LockConversation(tx *gorm.DB, id uint) (*models.Conversation, error) {
	var conv models.Conversation
	err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).First(&conv, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: lock conversation %d: %w", id, err)
	}
	return &conv, nil
}

// ConversationByCustomer loads the conversation bound to customerID.
func (r *Resolver) ConversationByCustomer(ctx context.Context, customerID string) (*models.Conversation, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Where("customer_id = ?", customerID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrConversationNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load conversation for customer: %w", err)
	}
	return &conv, nil
}

// Channel loads a channel by id.
func (r *Resolver) Channel(ctx context.Context, id uint) (*models.ConversationChannel, error) {
	var ch models.ConversationChannel
	err := r.db.WithContext(ctx).First(&ch, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChannelNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("identity: load channel %d: %w", id, err)
	}
	return &ch, nil
}

// Channels lists the channels of a conversation ordered by id.
func (r *Resolver) Channels(ctx context.Context, conversationID uint) ([]models.ConversationChannel, error) {
	var chs []models.ConversationChannel
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("id ASC").
		Find(&chs).Error; err != nil {
		return nil, fmt.Errorf("identity: list channels for conversation %d: %w", conversationID, err)
	}
	return chs, nil
}

// UpdateProfile refreshes display details. Empty fields are left unchanged.
func (r *Resolver) UpdateProfile(ctx context.Context, conversationID uint, p Profile) error {
	updates := map[string]interface{}{}
	if p.DisplayName != "" {
		updates["display_name"] = p.DisplayName
	}
	if p.AvatarURL != "" {
		updates["avatar_url"] = p.AvatarURL
	}
	if p.Timezone != "" {
		updates["timezone"] = p.Timezone
	}
	if len(updates) == 0 {
		return nil
	}
	if err := r.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ?", conversationID).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("identity: update profile %d: %w", conversationID, err)
	}
	return nil
}

// MergePlatformData overlays data onto the channel's stored extension record
// and returns the updated channel.
func (r *Resolver) MergePlatformData(ctx context.Context, channelID uint, data models.PlatformData) (*models.ConversationChannel, error) {
	if data.IsZero() {
		return r.Channel(ctx, channelID)
	}
	unlock, err := r.locks.Lock(ctx, fmt.Sprintf("channel-data:%d", channelID))
	if err != nil {
		return nil, fmt.Errorf("identity: merge platform data: %w", err)
	}
	defer unlock()

	ch, err := r.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	ch.PlatformData = ch.PlatformData.Merge(data)
	if err := r.db.WithContext(ctx).Model(ch).Select("platform_data").Updates(ch).Error; err != nil {
		return nil, fmt.Errorf("identity: merge platform data on channel %d: %w", channelID, err)
	}
	return ch, nil
}

// SetTyping records whether a typing indicator is shown on the channel.
func (r *Resolver) SetTyping(ctx context.Context, channelID uint, typing bool) error {
	if err := r.db.WithContext(ctx).Model(&models.ConversationChannel{}).
		Where("id = ?", channelID).
		Update("is_typing", typing).Error; err != nil {
		return fmt.Errorf("identity: set typing on channel %d: %w", channelID, err)
	}
	return nil
}
