// Package ledger is the append-only, idempotent store of inbound and
// outbound messages.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// ErrMessageNotFound is returned when a message id does not exist.
var ErrMessageNotFound = errors.New("ledger: message not found")

// predecessors lists, for each target state, the states it may be reached
// from. Anything else is behind or terminal and is ignored.
var predecessors = map[models.MessageState][]models.MessageState{
	models.StateDelivered: {models.StateSending},
	models.StateRead:      {models.StateSending, models.StateDelivered},
	models.StateFailed:    {models.StateSending},
}

// CanAdvance reports whether a message in state from may move to state to.
func CanAdvance(from, to models.MessageState) bool {
	for _, p := range predecessors[to] {
		if p == from {
			return true
		}
	}
	return false
}

// Ledger persists messages and their delivery state.
type Ledger struct {
	db  *gorm.DB
	now func() time.Time
}

// Opts holds parameters for creating a Ledger.
type Opts struct {
	DB  *gorm.DB
	Now func() time.Time // defaults to time.Now
}

// New creates a Ledger.
func New(opts Opts) (*Ledger, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("ledger: db is required")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Ledger{db: opts.DB, now: now}, nil
}

// Exists reports whether an inbound message with platformMessageID was
// already recorded on the channel. An empty id never exists.
func (l *Ledger) Exists(ctx context.Context, channelID uint, platformMessageID string) (bool, error) {
	if platformMessageID == "" {
		return false, nil
	}
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("channel_id = ? AND direction = ? AND platform_message_id = ?",
			channelID, models.DirectionFromCustomer, platformMessageID).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("ledger: exists: %w", err)
	}
	return count > 0, nil
}

// Append persists msg with its suggestions. Missing client ids, timestamps
// and states are filled in. When the insert hits the idempotency index the
// already-stored row is returned with duplicate=true and a nil error.
func (l *Ledger) Append(ctx context.Context, msg *models.Message) (stored *models.Message, duplicate bool, err error) {
	if msg.ClientMessageID == "" {
		msg.ClientMessageID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = l.now()
	}
	msg.Timestamp = msg.Timestamp.UTC()
	if msg.State == "" {
		msg.State = models.StateSending
		if msg.Inbound() {
			msg.State = models.StateDelivered
		}
	}

	err = l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(msg).Error
	})
	if err == nil {
		return msg, false, nil
	}
	if !db.IsDuplicate(err) {
		return nil, false, fmt.Errorf("ledger: append: %w", err)
	}

	existing, err := l.findDuplicate(ctx, msg)
	if err != nil {
		return nil, false, fmt.Errorf("ledger: append: load duplicate: %w", err)
	}
	return existing, true, nil
}

func (l *Ledger) findDuplicate(ctx context.Context, msg *models.Message) (*models.Message, error) {
	var existing models.Message
	q := l.db.WithContext(ctx).Preload("Suggestions")
	if msg.ChannelID != nil && msg.PlatformMessageID != nil {
		q = q.Where("(channel_id = ? AND direction = ? AND platform_message_id = ?) OR client_message_id = ?",
			*msg.ChannelID, msg.Direction, *msg.PlatformMessageID, msg.ClientMessageID)
	} else {
		q = q.Where("client_message_id = ?", msg.ClientMessageID)
	}
	if err := q.First(&existing).Error; err != nil {
		return nil, err
	}
	return &existing, nil
}

// AdvanceState moves a message forward to state. Transitions that would go
// backwards or leave a terminal state are silent no-ops reported as
// applied=false. reason is recorded only for failures.
func (l *Ledger) AdvanceState(ctx context.Context, messageID uint, state models.MessageState, reason string) (applied bool, err error) {
	from, ok := predecessors[state]
	if !ok {
		return false, nil
	}
	updates := map[string]interface{}{"state": state}
	if state == models.StateFailed && reason != "" {
		updates["failure_reason"] = reason
	}

	result := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND state IN ?", messageID, from).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("ledger: advance message %d to %s: %w", messageID, state, result.Error)
	}
	if result.RowsAffected > 0 {
		return true, nil
	}

	var count int64
	if err := l.db.WithContext(ctx).Model(&models.Message{}).Where("id = ?", messageID).Count(&count).Error; err != nil {
		return false, fmt.Errorf("ledger: advance message %d: %w", messageID, err)
	}
	if count == 0 {
		return false, ErrMessageNotFound
	}
	return false, nil
}

// MarkDelivered records the platform-assigned id of a sent message and moves
// it to delivered in one conditional update. When a receipt already moved the
// message past sending, only the missing platform id is stored and the
// result is false.
func (l *Ledger) MarkDelivered(ctx context.Context, messageID uint, platformMessageID string) (bool, error) {
	updates := map[string]interface{}{"state": models.StateDelivered}
	if platformMessageID != "" {
		updates["platform_message_id"] = platformMessageID
	}
	result := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND state = ?", messageID, models.StateSending).
		Updates(updates)
	if result.Error != nil {
		return false, fmt.Errorf("ledger: mark message %d delivered: %w", messageID, result.Error)
	}
	if result.RowsAffected > 0 || platformMessageID == "" {
		return result.RowsAffected > 0, nil
	}

	err := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND state IN ? AND platform_message_id IS NULL",
			messageID, []models.MessageState{models.StateDelivered, models.StateRead}).
		Update("platform_message_id", platformMessageID).Error
	if err != nil {
		return false, fmt.Errorf("ledger: record platform id of message %d: %w", messageID, err)
	}
	return false, nil
}

// AdvanceByPlatformID applies a receipt for an outbound message identified by
// its platform id. Unknown ids are ignored.
func (l *Ledger) AdvanceByPlatformID(ctx context.Context, channelID uint, platformMessageID string, state models.MessageState) (bool, error) {
	var msg models.Message
	err := l.db.WithContext(ctx).
		Where("channel_id = ? AND direction = ? AND platform_message_id = ?",
			channelID, models.DirectionToCustomer, platformMessageID).
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("ledger: find by platform id: %w", err)
	}
	return l.AdvanceState(ctx, msg.ID, state, "")
}

// AdvanceUpTo applies a watermark receipt: every outbound message on the
// channel sent at or before watermark moves forward to state.
func (l *Ledger) AdvanceUpTo(ctx context.Context, channelID uint, watermark time.Time, state models.MessageState) (int64, error) {
	from, ok := predecessors[state]
	if !ok || state == models.StateFailed {
		return 0, nil
	}
	result := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("channel_id = ? AND direction = ? AND state IN ? AND timestamp <= ?",
			channelID, models.DirectionToCustomer, from, watermark.UTC()).
		Update("state", state)
	if result.Error != nil {
		return 0, fmt.Errorf("ledger: advance up to watermark: %w", result.Error)
	}
	return result.RowsAffected, nil
}

// BindChannel attaches an unbound outbound message to the channel chosen for
// it. Already-bound messages are left alone.
func (l *Ledger) BindChannel(ctx context.Context, messageID, channelID uint) error {
	result := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("id = ? AND channel_id IS NULL", messageID).
		Update("channel_id", channelID)
	if result.Error != nil {
		return fmt.Errorf("ledger: bind message %d to channel %d: %w", messageID, channelID, result.Error)
	}
	return nil
}

// Get loads a message with its suggestions.
func (l *Ledger) Get(ctx context.Context, messageID uint) (*models.Message, error) {
	var msg models.Message
	err := l.db.WithContext(ctx).Preload("Suggestions").First(&msg, messageID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: get message %d: %w", messageID, err)
	}
	return &msg, nil
}

// ListByConversation returns the most recent messages of a conversation in
// chronological order. limit <= 0 returns everything.
func (l *Ledger) ListByConversation(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	var msgs []models.Message
	q := l.db.WithContext(ctx).Preload("Suggestions").
		Where("conversation_id = ?", conversationID).
		Order("timestamp DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("ledger: list conversation %d: %w", conversationID, err)
	}
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// LastInbound returns the most recent customer message on a channel, or nil
// when the channel has never received one.
func (l *Ledger) LastInbound(ctx context.Context, channelID uint) (*models.Message, error) {
	var msg models.Message
	err := l.db.WithContext(ctx).
		Where("channel_id = ? AND direction = ?", channelID, models.DirectionFromCustomer).
		Order("timestamp DESC, id DESC").
		First(&msg).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: last inbound on channel %d: %w", channelID, err)
	}
	return &msg, nil
}

// InboundCountSince counts customer messages on a channel at or after since,
// excluding excludeID.
func (l *Ledger) InboundCountSince(ctx context.Context, channelID uint, since time.Time, excludeID uint) (int64, error) {
	var count int64
	err := l.db.WithContext(ctx).Model(&models.Message{}).
		Where("channel_id = ? AND direction = ? AND timestamp >= ? AND id <> ?",
			channelID, models.DirectionFromCustomer, since.UTC(), excludeID).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("ledger: inbound count on channel %d: %w", channelID, err)
	}
	return count, nil
}
