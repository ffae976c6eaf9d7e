package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/delivery"
	"github.com/zulandar/switchboard/internal/dialogue"
	"github.com/zulandar/switchboard/internal/ledger"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// TakeOver assigns the conversation to an operator. The bot stops
// answering until HandBack or Close.
func (e *Engine) TakeOver(ctx context.Context, conversationID uint, operatorID string) (*models.Conversation, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("routing: take over: operator id is required")
	}
	var (
		result  *models.Conversation
		changed bool
	)
	err := e.withConversation(ctx, conversationID, func(tx *gorm.DB, conv *models.Conversation) error {
		id := operatorID
		var err error
		changed, err = e.setOwnership(tx, conv, true, &id)
		result = conv
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("routing: take over: %w", err)
	}
	if changed {
		metrics.RecordHandoff("to_human", "operator")
		e.notifyConversation(ctx, conversationID)
		e.logger.Info("conversation taken over",
			zap.Uint("conversation_id", conversationID),
			zap.String("operator_id", operatorID))
	}
	return result, nil
}

// HandBack returns the conversation to the bot.
func (e *Engine) HandBack(ctx context.Context, conversationID uint) (*models.Conversation, error) {
	conv, changed, err := e.handBack(ctx, conversationID, false)
	if err != nil {
		return nil, fmt.Errorf("routing: hand back: %w", err)
	}
	if changed {
		metrics.RecordHandoff("to_bot", "operator")
		e.notifyConversation(ctx, conversationID)
	}
	return conv, nil
}

func (e *Engine) handBack(ctx context.Context, conversationID uint, rotate bool) (*models.Conversation, bool, error) {
	var (
		result  *models.Conversation
		changed bool
	)
	err := e.withConversation(ctx, conversationID, func(tx *gorm.DB, conv *models.Conversation) error {
		var err error
		if changed, err = e.setOwnership(tx, conv, false, nil); err != nil {
			return err
		}
		if rotate {
			if err := e.rotateNonce(tx, conv); err != nil {
				return err
			}
		}
		result = conv
		return nil
	})
	return result, changed, err
}

// Close ends the current support session: the conversation goes back to
// the bot with a fresh dialogue session, and the bot is asked to collect a
// rating when a rating event is configured.
func (e *Engine) Close(ctx context.Context, conversationID uint) (*models.Conversation, error) {
	conv, changed, err := e.handBack(ctx, conversationID, true)
	if err != nil {
		return nil, fmt.Errorf("routing: close: %w", err)
	}
	if changed {
		metrics.RecordHandoff("to_bot", "close")
	}
	e.notifyConversation(ctx, conversationID)
	e.logger.Info("conversation closed", zap.Uint("conversation_id", conversationID))

	if e.dialogue == nil || e.ratingEvent == "" {
		return conv, nil
	}
	ch, err := e.selector.SelectChannel(ctx, conversationID, delivery.Request{})
	if err != nil {
		e.logger.Warn("rating request: select channel", zap.Error(err))
		return conv, nil
	}
	if ch == nil {
		return conv, nil
	}
	ref := dialogue.Ref{Platform: ch.Platform, Address: ch.Address, Nonce: conv.Nonce}
	replies, err := e.askDialogue(ctx, ch, ref, dialogue.Input{Event: e.ratingEvent})
	if err != nil {
		e.logger.Warn("rating request failed", zap.Uint("conversation_id", conversationID), zap.Error(err))
		return conv, nil
	}
	e.applyReplies(ctx, conversationID, ch, 0, replies)
	return conv, nil
}

// BindIdentity attaches a verified customer id to the conversation. When
// another conversation already holds the id the two are merged and the
// survivor is returned.
func (e *Engine) BindIdentity(ctx context.Context, conversationID uint, customerID string) (*models.Conversation, error) {
	conv, err := e.resolver.BindCustomerIdentity(ctx, conversationID, customerID)
	if err != nil {
		return nil, fmt.Errorf("routing: bind identity: %w", err)
	}
	if conv.ID != conversationID {
		e.notifyConversation(ctx, conversationID)
	}
	e.notifyConversation(ctx, conv.ID)
	return conv, nil
}

// CompleteSignIn redeems a sign-in callback. The conversation behind the
// channel the link was sent on is bound to customerID and the customer is
// told on that channel.
func (e *Engine) CompleteSignIn(ctx context.Context, state, customerID, sig string) (*models.Conversation, error) {
	if e.linker == nil {
		return nil, ErrSignInDisabled
	}
	st, err := e.linker.Complete(ctx, state, customerID, sig)
	if err != nil {
		return nil, fmt.Errorf("routing: complete sign-in: %w", err)
	}
	ch, err := e.resolver.Channel(ctx, st.ChannelID)
	if err != nil {
		return nil, fmt.Errorf("routing: complete sign-in: %w", err)
	}
	conv, err := e.BindIdentity(ctx, ch.ConversationID, customerID)
	if err != nil {
		return nil, err
	}
	e.logger.Info("customer signed in",
		zap.Uint("conversation_id", conv.ID),
		zap.Uint("channel_id", ch.ID))

	if _, err := e.SendOutbound(ctx, OutboundRequest{
		ConversationID: conv.ID,
		ChannelID:      ch.ID,
		Text:           e.signInDoneText,
	}); err != nil {
		e.logger.Warn("sign-in confirmation not sent",
			zap.Uint("conversation_id", conv.ID),
			zap.Error(err))
	}
	return conv, nil
}

// RecordRating stores a 1..5 satisfaction score.
func (e *Engine) RecordRating(ctx context.Context, conversationID uint, rating int) error {
	if rating < 1 || rating > 5 {
		return ErrInvalidRating
	}
	if _, err := e.resolver.Conversation(ctx, conversationID); err != nil {
		return fmt.Errorf("routing: record rating: %w", err)
	}
	r := &models.ConversationRating{ConversationID: conversationID, Rating: rating}
	if err := e.db.WithContext(ctx).Create(r).Error; err != nil {
		return fmt.Errorf("routing: record rating: %w", err)
	}
	return nil
}

// Reply sends an operator's message. It goes out on the most recently
// used eligible channel, tagged so Messenger allows it inside the human
// agent window.
func (e *Engine) Reply(ctx context.Context, conversationID uint, operatorID, text string) (*models.Message, error) {
	if operatorID == "" {
		return nil, fmt.Errorf("routing: reply: operator id is required")
	}
	if _, err := e.resolver.Conversation(ctx, conversationID); err != nil {
		return nil, fmt.Errorf("routing: reply: %w", err)
	}
	return e.SendOutbound(ctx, OutboundRequest{
		ConversationID: conversationID,
		Text:           text,
		Tag:            delivery.TagHumanAgent,
		OperatorID:     operatorID,
	})
}

// SendToCustomer sends a proactive message to the conversation bound to
// customerID. The channel is chosen up front; when none is eligible nothing
// is recorded and ErrNoEligibleChannel is returned.
func (e *Engine) SendToCustomer(ctx context.Context, customerID string, req OutboundRequest) (*models.Message, error) {
	conv, err := e.resolver.ConversationByCustomer(ctx, customerID)
	if err != nil {
		return nil, fmt.Errorf("routing: send to customer: %w", err)
	}
	if req.empty() {
		return nil, ErrEmptyMessage
	}
	ch, err := e.selector.SelectChannel(ctx, conv.ID, delivery.Request{
		Tag:     req.Tag,
		IsAlert: req.IsAlert,
		Text:    req.Text,
	})
	if err != nil {
		return nil, fmt.Errorf("routing: send to customer: %w", err)
	}
	if ch == nil {
		metrics.RecordOutbound("none", models.FailureNoEligibleChannel)
		return nil, ErrNoEligibleChannel
	}
	req.ConversationID = conv.ID
	req.ChannelID = ch.ID
	return e.SendOutbound(ctx, req)
}

// Messages lists the most recent messages of a conversation.
func (e *Engine) Messages(ctx context.Context, conversationID uint, limit int) ([]models.Message, error) {
	return e.ledger.ListByConversation(ctx, conversationID, limit)
}

// Conversation loads a conversation with its channels.
func (e *Engine) Conversation(ctx context.Context, conversationID uint) (*models.Conversation, error) {
	conv, err := e.resolver.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	chs, err := e.resolver.Channels(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	conv.Channels = chs
	return conv, nil
}

// NotFound reports whether err means the conversation, channel or message
// does not exist.
func NotFound(err error) bool {
	return isNotFound(err) || errors.Is(err, ledger.ErrMessageNotFound)
}
