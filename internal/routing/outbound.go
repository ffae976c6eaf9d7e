package routing

import (
	"context"
	"errors"
	"fmt"

	"github.com/zulandar/switchboard/internal/delivery"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
)

// maxFallbackChain bounds how far back a fallback chain is walked.
const maxFallbackChain = 32

// OutboundRequest describes a message for the customer.
type OutboundRequest struct {
	ConversationID uint
	// ChannelID pins the message to a channel. Zero picks an eligible
	// channel at delivery time.
	ChannelID        uint
	Text             string
	ImageURL         string
	Suggestions      []string
	Selection        string // JSON
	Card             string // JSON
	PaymentRequestID string
	Request          string
	Tag              string
	IsAlert          bool
	OperatorID       string // empty for bot messages
	ReplyToID        uint
	End              bool
}

func (r OutboundRequest) empty() bool {
	return r.Text == "" && r.ImageURL == "" && r.Selection == "" && r.Card == "" && r.PaymentRequestID == ""
}

func (r OutboundRequest) message() *models.Message {
	msg := &models.Message{
		ConversationID: r.ConversationID,
		Direction:      models.DirectionToCustomer,
		Text:           r.Text,
		ImageURL:       r.ImageURL,
		Selection:      r.Selection,
		Card:           r.Card,
		Request:        r.Request,
		Tag:            r.Tag,
		IsAlert:        r.IsAlert,
		End:            r.End,
		State:          models.StateSending,
	}
	if r.ChannelID != 0 {
		id := r.ChannelID
		msg.ChannelID = &id
	}
	if r.PaymentRequestID != "" {
		id := r.PaymentRequestID
		msg.PaymentRequestID = &id
	}
	if r.OperatorID != "" {
		id := r.OperatorID
		msg.OperatorID = &id
	}
	if r.ReplyToID != 0 {
		id := r.ReplyToID
		msg.ReplyToID = &id
	}
	for _, s := range r.Suggestions {
		msg.Suggestions = append(msg.Suggestions, models.MessageSuggestion{Text: s})
	}
	return msg
}

// SendOutbound records a message for the customer in the sending state and
// dispatches it. The returned message reflects its state after dispatch;
// with inline delivery a delivery error is returned alongside it.
func (e *Engine) SendOutbound(ctx context.Context, req OutboundRequest) (*models.Message, error) {
	if req.ConversationID == 0 {
		return nil, fmt.Errorf("routing: send: conversation id is required")
	}
	if req.empty() {
		return nil, ErrEmptyMessage
	}

	stored, _, err := e.ledger.Append(ctx, req.message())
	if err != nil {
		return nil, fmt.Errorf("routing: send: %w", err)
	}
	e.notifyMessage(ctx, stored.ID)

	dispatchErr := e.dispatch(ctx, stored.ID)
	if latest, err := e.ledger.Get(ctx, stored.ID); err == nil {
		stored = latest
	}
	return stored, dispatchErr
}

// Deliver sends one outbound message. Messages no longer in the sending
// state are skipped, so redelivered tasks are harmless. On a send failure
// the message is marked failed and a fallback copy is dispatched when an
// alternate address or platform exists.
func (e *Engine) Deliver(ctx context.Context, messageID uint) error {
	msg, err := e.ledger.Get(ctx, messageID)
	if err != nil {
		return fmt.Errorf("routing: deliver: %w", err)
	}
	if msg.Inbound() {
		return fmt.Errorf("routing: deliver: message %d is inbound", messageID)
	}
	if msg.State != models.StateSending {
		e.logger.Debug("deliver skipped",
			zap.Uint("message_id", msg.ID),
			zap.String("state", string(msg.State)))
		return nil
	}

	ch, err := e.channelFor(ctx, msg)
	if err != nil {
		return fmt.Errorf("routing: deliver: %w", err)
	}
	if ch == nil {
		e.fail(ctx, msg, "none", models.FailureNoEligibleChannel)
		return ErrNoEligibleChannel
	}

	adapter, ok := e.registry.Get(ch.Platform)
	if !ok {
		e.fail(ctx, msg, string(ch.Platform), models.FailureNoAdapter)
		return fmt.Errorf("%w %s", ErrNoAdapter, ch.Platform)
	}

	if msg.Request == models.RequestSignIn && e.linker != nil {
		link, err := e.linker.Start(ctx, ch.ID)
		if err != nil {
			return fmt.Errorf("routing: deliver: %w", err)
		}
		msg.SignInURL = link
	}

	sctx, cancel := context.WithTimeout(ctx, e.sendTimeout)
	res, sendErr := adapter.Send(sctx, ch, msg)
	cancel()

	if sendErr == nil {
		if _, err := e.ledger.MarkDelivered(ctx, msg.ID, res.PlatformMessageID); err != nil {
			return fmt.Errorf("routing: deliver: %w", err)
		}
		metrics.RecordOutbound(string(ch.Platform), "delivered")
		e.notifyMessage(ctx, msg.ID)
		e.logger.Debug("message delivered",
			zap.Uint("message_id", msg.ID),
			zap.String("platform", string(ch.Platform)),
			zap.String("platform_message_id", res.PlatformMessageID))
		return nil
	}

	e.logger.Warn("send failed",
		zap.Uint("message_id", msg.ID),
		zap.String("platform", string(ch.Platform)),
		logging.Address(ch.Address),
		zap.Bool("retryable", platform.IsRetryable(sendErr)),
		zap.Error(sendErr))
	e.fail(ctx, msg, string(ch.Platform), models.FailureSendFailed)

	next, err := e.fallback(ctx, msg, ch, adapter)
	if err != nil {
		e.logger.Error("fallback failed", zap.Uint("message_id", msg.ID), zap.Error(err))
	}
	if next == nil {
		e.alert(ctx, notify.Alert{
			Kind:           notify.AlertDeliveryFailed,
			ConversationID: msg.ConversationID,
			Platform:       string(ch.Platform),
			Text:           sendErr.Error(),
		})
		return fmt.Errorf("%w: %v", ErrSendFailed, sendErr)
	}
	e.logger.Info("fallback dispatched",
		zap.Uint("message_id", msg.ID),
		zap.Uint("fallback_id", next.ID),
		zap.Uint("channel_id", *next.ChannelID))
	return e.dispatch(ctx, next.ID)
}

// Final reports whether err from Deliver is settled and must not be retried.
func Final(err error) bool {
	return errors.Is(err, ErrNoEligibleChannel) ||
		errors.Is(err, ErrNoAdapter) ||
		errors.Is(err, ErrSendFailed) ||
		errors.Is(err, ErrEmptyMessage)
}

// channelFor returns the message's channel, choosing and binding one when
// the message is unbound. It returns nil when nothing is eligible.
func (e *Engine) channelFor(ctx context.Context, msg *models.Message) (*models.ConversationChannel, error) {
	if msg.ChannelID != nil {
		return e.resolver.Channel(ctx, *msg.ChannelID)
	}
	ch, err := e.selector.SelectChannel(ctx, msg.ConversationID, delivery.Request{
		Tag:     msg.Tag,
		IsAlert: msg.IsAlert,
		Text:    msg.Text,
	})
	if err != nil || ch == nil {
		return nil, err
	}
	if err := e.ledger.BindChannel(ctx, msg.ID, ch.ID); err != nil {
		return nil, err
	}
	msg.ChannelID = &ch.ID
	return ch, nil
}

func (e *Engine) fail(ctx context.Context, msg *models.Message, platformName, reason string) {
	if _, err := e.ledger.AdvanceState(ctx, msg.ID, models.StateFailed, reason); err != nil {
		e.logger.Error("mark message failed", zap.Uint("message_id", msg.ID), zap.Error(err))
	}
	metrics.RecordOutbound(platformName, reason)
	e.notifyMessage(ctx, msg.ID)
}

// fallback picks where a failed message goes next: the channel's next
// alternate address, then the configured fallback platform at the same
// address. It returns the appended copy, or nil when nothing is left.
func (e *Engine) fallback(ctx context.Context, msg *models.Message, ch *models.ConversationChannel, adapter platform.Adapter) (*models.Message, error) {
	if alt, ok := adapter.(platform.AlternateAddresser); ok {
		addr, data, ok := alt.NextAddress(ch)
		if ok {
			next, err := e.resolver.ResolveChannelForConversation(ctx, msg.ConversationID, ch.Platform, addr, data)
			switch {
			case errors.Is(err, identity.ErrAddressOwnedElsewhere):
				e.logger.Warn("alternate address belongs to another conversation",
					zap.Uint("conversation_id", msg.ConversationID),
					logging.Address(addr))
			case err != nil:
				return nil, err
			default:
				if next, err = e.resolver.MergePlatformData(ctx, next.ID, data); err != nil {
					return nil, err
				}
				return e.appendFallback(ctx, msg, next)
			}
		} else if data.Phone != nil {
			if _, err := e.resolver.MergePlatformData(ctx, ch.ID, data); err != nil {
				return nil, err
			}
		}
	}

	target, ok := e.fallbacks[ch.Platform]
	if !ok {
		return nil, nil
	}
	if _, ok := e.registry.Get(target); !ok {
		return nil, nil
	}
	seen, err := e.chainPlatforms(ctx, msg)
	if err != nil {
		return nil, err
	}
	if seen[target] {
		return nil, nil
	}
	next, err := e.resolver.ResolveChannelForConversation(ctx, msg.ConversationID, target, ch.Address, models.PlatformData{})
	if errors.Is(err, identity.ErrAddressOwnedElsewhere) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return e.appendFallback(ctx, msg, next)
}

// chainPlatforms lists the platforms already tried for msg and the
// messages it is a fallback of.
func (e *Engine) chainPlatforms(ctx context.Context, msg *models.Message) (map[models.Platform]bool, error) {
	seen := make(map[models.Platform]bool)
	cur := msg
	for i := 0; i < maxFallbackChain && cur != nil; i++ {
		if cur.ChannelID != nil {
			ch, err := e.resolver.Channel(ctx, *cur.ChannelID)
			if err != nil && !isNotFound(err) {
				return nil, err
			}
			if ch != nil {
				seen[ch.Platform] = true
			}
		}
		if cur.FallbackOfID == nil {
			break
		}
		prev, err := e.ledger.Get(ctx, *cur.FallbackOfID)
		if err != nil {
			return nil, err
		}
		cur = prev
	}
	return seen, nil
}

func (e *Engine) appendFallback(ctx context.Context, msg *models.Message, ch *models.ConversationChannel) (*models.Message, error) {
	cp := &models.Message{
		ConversationID:   msg.ConversationID,
		ChannelID:        &ch.ID,
		Direction:        models.DirectionToCustomer,
		Text:             msg.Text,
		ImageURL:         msg.ImageURL,
		Selection:        msg.Selection,
		Card:             msg.Card,
		PaymentRequestID: msg.PaymentRequestID,
		Request:          msg.Request,
		Tag:              msg.Tag,
		IsAlert:          msg.IsAlert,
		OperatorID:       msg.OperatorID,
		ReplyToID:        msg.ReplyToID,
		FallbackOfID:     &msg.ID,
		End:              msg.End,
		State:            models.StateSending,
	}
	for _, s := range msg.Suggestions {
		cp.Suggestions = append(cp.Suggestions, models.MessageSuggestion{Text: s.Text})
	}
	stored, _, err := e.ledger.Append(ctx, cp)
	if err != nil {
		return nil, err
	}
	metrics.RecordOutbound(string(ch.Platform), "fallback")
	e.notifyMessage(ctx, stored.ID)
	return stored, nil
}
