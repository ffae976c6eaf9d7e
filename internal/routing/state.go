package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

// maxRelock bounds how often a caller chases a channel that was moved to
// another conversation by a merge while it waited for the lock.
const maxRelock = 3

// withChannelConversation runs fn holding the lock of the conversation that
// currently owns the channel. A merge can re-parent the channel between the
// lookup and the lock, so ownership is re-checked once the lock is held.
func (e *Engine) withChannelConversation(ctx context.Context, channelID uint, fn func(*models.Conversation, *models.ConversationChannel) error) error {
	ch, err := e.resolver.Channel(ctx, channelID)
	if err != nil {
		return err
	}
	for attempt := 1; attempt <= maxRelock; attempt++ {
		unlock, err := e.locks.Lock(ctx, identity.ConversationKey(ch.ConversationID))
		if err != nil {
			return err
		}
		fresh, err := e.resolver.Channel(ctx, channelID)
		if err != nil {
			unlock()
			return err
		}
		if fresh.ConversationID != ch.ConversationID {
			unlock()
			ch = fresh
			continue
		}
		conv, err := e.resolver.Conversation(ctx, fresh.ConversationID)
		if err != nil {
			unlock()
			return err
		}
		err = fn(conv, fresh)
		unlock()
		return err
	}
	return fmt.Errorf("routing: channel %d keeps moving between conversations", channelID)
}

// withConversation runs fn holding the conversation's lock, inside a
// transaction that also holds the conversation's row lock. Ownership writes
// made by fn go through tx so workers in other processes cannot interleave.
func (e *Engine) withConversation(ctx context.Context, conversationID uint, fn func(tx *gorm.DB, conv *models.Conversation) error) error {
	unlock, err := e.locks.Lock(ctx, identity.ConversationKey(conversationID))
	if err != nil {
		return err
	}
	defer unlock()
	return e.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		conv, err := identity.LockConversation(tx, conversationID)
		if err != nil {
			return err
		}
		return fn(tx, conv)
	})
}

// setOwnership moves conv to human or bot ownership. conv must have been
// loaded under the row lock held by tx. It reports whether anything changed.
func (e *Engine) setOwnership(tx *gorm.DB, conv *models.Conversation, human bool, agentID *string) (bool, error) {
	sameAgent := (conv.CurrentAgentID == nil && agentID == nil) ||
		(conv.CurrentAgentID != nil && agentID != nil && *conv.CurrentAgentID == *agentID)
	if conv.AgentResponding == human && sameAgent {
		return false, nil
	}
	updates := map[string]interface{}{
		"agent_responding": human,
		"current_agent_id": agentID,
	}
	if !human {
		updates["dialogue_failures"] = 0
	}
	if err := tx.Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		Updates(updates).Error; err != nil {
		return false, fmt.Errorf("routing: update ownership of conversation %d: %w", conv.ID, err)
	}
	conv.AgentResponding = human
	conv.CurrentAgentID = agentID
	if !human {
		conv.DialogueFailures = 0
	}
	return true, nil
}

// rotateNonce starts a fresh dialogue session for the conversation.
func (e *Engine) rotateNonce(tx *gorm.DB, conv *models.Conversation) error {
	nonce := uuid.NewString()
	if err := tx.Model(&models.Conversation{}).
		Where("id = ?", conv.ID).
		Update("nonce", nonce).Error; err != nil {
		return fmt.Errorf("routing: rotate nonce of conversation %d: %w", conv.ID, err)
	}
	conv.Nonce = nonce
	return nil
}

// recordDialogueFailure counts a failed dialogue call and escalates to
// operators once the configured threshold is reached.
func (e *Engine) recordDialogueFailure(ctx context.Context, conversationID uint) (failures int, escalated bool, err error) {
	err = e.withConversation(ctx, conversationID, func(tx *gorm.DB, conv *models.Conversation) error {
		if err := tx.Model(&models.Conversation{}).
			Where("id = ?", conv.ID).
			Update("dialogue_failures", gorm.Expr("dialogue_failures + 1")).Error; err != nil {
			return fmt.Errorf("routing: count dialogue failure: %w", err)
		}
		failures = conv.DialogueFailures + 1
		conv.DialogueFailures = failures
		if e.escalateAfter == 0 || failures < e.escalateAfter || conv.AgentResponding {
			return nil
		}
		changed, err := e.setOwnership(tx, conv, true, nil)
		escalated = changed
		return err
	})
	return failures, escalated, err
}

func (e *Engine) resetDialogueFailures(ctx context.Context, conversationID uint) error {
	err := e.db.WithContext(ctx).Model(&models.Conversation{}).
		Where("id = ? AND dialogue_failures > 0", conversationID).
		Update("dialogue_failures", 0).Error
	if err != nil {
		return fmt.Errorf("routing: reset dialogue failures: %w", err)
	}
	return nil
}

// handOffToHuman makes the conversation wait for an operator. trigger is
// recorded in metrics.
func (e *Engine) handOffToHuman(ctx context.Context, conversationID uint, trigger string) (bool, error) {
	var changed bool
	err := e.withConversation(ctx, conversationID, func(tx *gorm.DB, conv *models.Conversation) error {
		if conv.AgentResponding {
			return nil
		}
		var err error
		changed, err = e.setOwnership(tx, conv, true, nil)
		return err
	})
	if err != nil {
		return false, err
	}
	if changed {
		metrics.RecordHandoff("to_human", trigger)
	}
	return changed, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, identity.ErrConversationNotFound) || errors.Is(err, identity.ErrChannelNotFound)
}
