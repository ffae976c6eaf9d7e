package routing

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/dialogue"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Result summarises what HandleInbound did.
type Result struct {
	ConversationID uint
	ChannelID      uint
	MessageID      uint
	// Duplicate is set when the event was already recorded.
	Duplicate bool
	// Receipts counts outbound messages advanced by a receipt.
	Receipts int64
	// Replies counts bot messages queued for the customer.
	Replies        int
	HandedOff      bool
	DialogueFailed bool
}

// HandleInbound records one platform event and routes it. Redelivered
// messages are detected and skipped; receipts always apply.
func (e *Engine) HandleInbound(ctx context.Context, evt platform.InboundEvent) (Result, error) {
	switch evt.Kind {
	case platform.EventMessage, platform.EventPostback, platform.EventDelivery, platform.EventRead:
	default:
		return Result{}, fmt.Errorf("routing: inbound: unknown event kind %q", evt.Kind)
	}

	ch, err := e.resolver.ResolveChannel(ctx, evt.Platform, evt.Address, evt.KnownCustomerID)
	if err != nil {
		return Result{}, fmt.Errorf("routing: inbound: %w", err)
	}
	if !evt.PlatformData.IsZero() {
		if ch, err = e.resolver.MergePlatformData(ctx, ch.ID, evt.PlatformData); err != nil {
			return Result{}, fmt.Errorf("routing: inbound: %w", err)
		}
	}
	if evt.Profile != nil {
		p := identity.Profile{
			DisplayName: evt.Profile.DisplayName,
			AvatarURL:   evt.Profile.AvatarURL,
			Timezone:    evt.Profile.Timezone,
		}
		if err := e.resolver.UpdateProfile(ctx, ch.ConversationID, p); err != nil {
			e.logger.Warn("profile refresh failed", zap.Uint("conversation_id", ch.ConversationID), zap.Error(err))
		}
	}
	metrics.RecordInbound(string(evt.Platform), string(evt.Kind))

	res := Result{ConversationID: ch.ConversationID, ChannelID: ch.ID}
	if evt.Kind.Receipt() {
		return e.applyReceipt(ctx, ch, evt, res)
	}

	var (
		conv       *models.Conversation
		msg        *models.Message
		firstToday bool
	)
	err = e.withChannelConversation(ctx, ch.ID, func(c *models.Conversation, fresh *models.ConversationChannel) error {
		ch = fresh
		exists, err := e.ledger.Exists(ctx, fresh.ID, evt.PlatformMessageID)
		if err != nil {
			return err
		}
		if exists {
			res.Duplicate = true
			return nil
		}

		stored, dup, err := e.ledger.Append(ctx, inboundMessage(c.ID, fresh.ID, evt))
		if err != nil {
			return err
		}
		if dup {
			res.Duplicate = true
			return nil
		}
		conv, msg = c, stored

		if conv.HumanOwned() {
			since := e.startOfDay(conv, e.now())
			n, err := e.ledger.InboundCountSince(ctx, fresh.ID, since, msg.ID)
			if err != nil {
				return err
			}
			firstToday = n == 0
		}
		return nil
	})
	if err != nil {
		return res, fmt.Errorf("routing: inbound: %w", err)
	}
	res.ConversationID = ch.ConversationID
	if res.Duplicate {
		metrics.RecordDuplicate(string(evt.Platform))
		e.logger.Debug("duplicate inbound skipped",
			zap.String("platform", string(evt.Platform)),
			zap.String("platform_message_id", evt.PlatformMessageID))
		return res, nil
	}
	res.MessageID = msg.ID

	e.notifyMessage(ctx, msg.ID)
	e.notifyConversation(ctx, conv.ID)

	e.logger.Info("inbound message",
		zap.Uint("conversation_id", conv.ID),
		zap.Uint("message_id", msg.ID),
		zap.String("platform", string(ch.Platform)),
		logging.Address(ch.Address),
		zap.String("owner", conv.Ownership()))

	if conv.HumanOwned() {
		if firstToday {
			e.greet(ctx, conv, ch, msg)
		}
		e.alert(ctx, customerMessageAlert(conv, ch, msg))
		return res, nil
	}
	if e.dialogue == nil {
		e.alert(ctx, customerMessageAlert(conv, ch, msg))
		return res, nil
	}
	e.converse(ctx, conv, ch, msg, evt, &res)
	return res, nil
}

func inboundMessage(conversationID, channelID uint, evt platform.InboundEvent) *models.Message {
	msg := &models.Message{
		ConversationID: conversationID,
		ChannelID:      &channelID,
		Direction:      models.DirectionFromCustomer,
		Text:           evt.Text,
		ImageURL:       evt.ImageURL,
		End:            evt.End,
		Timestamp:      evt.Timestamp,
	}
	if msg.Text == "" && evt.Kind == platform.EventPostback {
		msg.Text = evt.EventName
	}
	if evt.PlatformMessageID != "" {
		pid := evt.PlatformMessageID
		msg.PlatformMessageID = &pid
	}
	return msg
}

func customerMessageAlert(conv *models.Conversation, ch *models.ConversationChannel, msg *models.Message) notify.Alert {
	a := notify.Alert{
		Kind:           notify.AlertCustomerMessage,
		ConversationID: conv.ID,
		Platform:       string(ch.Platform),
		Text:           msg.Text,
	}
	if conv.CustomerID != nil {
		a.CustomerID = *conv.CustomerID
	}
	return a
}

func (e *Engine) applyReceipt(ctx context.Context, ch *models.ConversationChannel, evt platform.InboundEvent, res Result) (Result, error) {
	state := models.StateDelivered
	if evt.Kind == platform.EventRead {
		state = models.StateRead
	}
	for _, pid := range evt.ReceiptIDs {
		applied, err := e.ledger.AdvanceByPlatformID(ctx, ch.ID, pid, state)
		if err != nil {
			return res, fmt.Errorf("routing: receipt: %w", err)
		}
		if applied {
			res.Receipts++
		}
	}
	if !evt.Watermark.IsZero() {
		n, err := e.ledger.AdvanceUpTo(ctx, ch.ID, evt.Watermark, state)
		if err != nil {
			return res, fmt.Errorf("routing: receipt: %w", err)
		}
		res.Receipts += n
	}
	if res.Receipts > 0 {
		e.notifyConversation(ctx, ch.ConversationID)
	}
	return res, nil
}

// greet sends the welcome text on the customer's first message of the day
// while an operator owns the conversation.
func (e *Engine) greet(ctx context.Context, conv *models.Conversation, ch *models.ConversationChannel, msg *models.Message) {
	if e.welcomeText == "" {
		return
	}
	_, err := e.SendOutbound(ctx, OutboundRequest{
		ConversationID: conv.ID,
		ChannelID:      ch.ID,
		Text:           e.welcomeText,
		ReplyToID:      msg.ID,
	})
	if err != nil {
		e.logger.Warn("welcome message not delivered", zap.Uint("conversation_id", conv.ID), zap.Error(err))
	}
}

// converse asks the dialogue engine to answer msg. No lock is held while
// the engine runs.
func (e *Engine) converse(ctx context.Context, conv *models.Conversation, ch *models.ConversationChannel, msg *models.Message, evt platform.InboundEvent, res *Result) {
	in := dialogue.Input{Text: evt.Text}
	if evt.Kind == platform.EventPostback && evt.EventName != "" {
		in = dialogue.Input{Event: evt.EventName}
	}
	if in.Text == "" && in.Event == "" {
		e.alert(ctx, customerMessageAlert(conv, ch, msg))
		return
	}
	in.History = e.history(ctx, conv.ID, msg.ID)

	ref := dialogue.Ref{Platform: ch.Platform, Address: ch.Address, Nonce: conv.Nonce}
	replies, err := e.askDialogue(ctx, ch, ref, in)
	if err != nil {
		res.DialogueFailed = true
		e.dialogueFailed(ctx, conv, ch, msg, err, res)
		return
	}
	if conv.DialogueFailures > 0 {
		if err := e.resetDialogueFailures(ctx, conv.ID); err != nil {
			e.logger.Warn("reset dialogue failures", zap.Error(err))
		}
	}
	sent, handedOff := e.applyReplies(ctx, conv.ID, ch, msg.ID, replies)
	res.Replies += sent
	res.HandedOff = res.HandedOff || handedOff
}

// askDialogue calls the engine under the dialogue timeout, showing a typing
// indicator while it runs.
func (e *Engine) askDialogue(ctx context.Context, ch *models.ConversationChannel, ref dialogue.Ref, in dialogue.Input) ([]dialogue.Reply, error) {
	stopTyping := e.typing(ctx, ch)
	defer stopTyping()

	dctx, cancel := context.WithTimeout(ctx, e.dialogueTimeout)
	defer cancel()

	start := time.Now()
	replies, err := e.dialogue.Handle(dctx, ref, in)
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	metrics.RecordDialogue(outcome, time.Since(start))
	return replies, err
}

func (e *Engine) typing(ctx context.Context, ch *models.ConversationChannel) func() {
	var indicator platform.TypingIndicator
	if a, ok := e.registry.Get(ch.Platform); ok {
		indicator, _ = a.(platform.TypingIndicator)
	}
	set := func(on bool) {
		if indicator != nil {
			if err := indicator.SetTyping(ctx, ch, on); err != nil {
				e.logger.Debug("typing indicator failed", zap.Uint("channel_id", ch.ID), zap.Error(err))
			}
		}
		if err := e.resolver.SetTyping(ctx, ch.ID, on); err != nil {
			e.logger.Debug("record typing failed", zap.Uint("channel_id", ch.ID), zap.Error(err))
		}
	}
	set(true)
	return func() { set(false) }
}

// history returns the turns before messageID, oldest first.
func (e *Engine) history(ctx context.Context, conversationID, messageID uint) []dialogue.Turn {
	msgs, err := e.ledger.ListByConversation(ctx, conversationID, historyTurns+1)
	if err != nil {
		e.logger.Debug("load dialogue history", zap.Error(err))
		return nil
	}
	turns := make([]dialogue.Turn, 0, len(msgs))
	for _, m := range msgs {
		if m.ID == messageID || m.Text == "" {
			continue
		}
		turns = append(turns, dialogue.Turn{FromCustomer: m.Inbound(), Text: m.Text})
	}
	if len(turns) > historyTurns {
		turns = turns[len(turns)-historyTurns:]
	}
	return turns
}

func (e *Engine) dialogueFailed(ctx context.Context, conv *models.Conversation, ch *models.ConversationChannel, msg *models.Message, cause error, res *Result) {
	failures, escalated, err := e.recordDialogueFailure(ctx, conv.ID)
	if err != nil {
		e.logger.Error("record dialogue failure", zap.Uint("conversation_id", conv.ID), zap.Error(err))
	}
	e.logger.Warn("dialogue engine failed",
		zap.Uint("conversation_id", conv.ID),
		zap.Uint("message_id", msg.ID),
		zap.Int("consecutive_failures", failures),
		zap.Error(cause))

	if !escalated {
		e.alert(ctx, customerMessageAlert(conv, ch, msg))
		return
	}
	res.HandedOff = true
	metrics.RecordHandoff("to_human", "escalation")
	e.notifyConversation(ctx, conv.ID)
	a := customerMessageAlert(conv, ch, msg)
	a.Kind = notify.AlertEscalated
	a.Text = fmt.Sprintf("dialogue engine failed %d times in a row: %v", failures, cause)
	e.alert(ctx, a)
}

// applyReplies turns dialogue replies into outbound messages on ch. Replies
// are dropped when an operator took the conversation over while the engine
// was thinking.
func (e *Engine) applyReplies(ctx context.Context, conversationID uint, ch *models.ConversationChannel, replyTo uint, replies []dialogue.Reply) (sent int, handedOff bool) {
	if len(replies) == 0 {
		return 0, false
	}
	conv, err := e.resolver.Conversation(ctx, conversationID)
	if err != nil {
		e.logger.Warn("conversation gone before replies", zap.Uint("conversation_id", conversationID), zap.Error(err))
		return 0, false
	}
	if conv.HumanOwned() {
		e.logger.Info("bot replies dropped, operator owns conversation",
			zap.Uint("conversation_id", conversationID),
			zap.Int("replies", len(replies)))
		return 0, false
	}

	for _, r := range replies {
		if r.HumanNeeded {
			changed, err := e.handOffToHuman(ctx, conversationID, "bot")
			if err != nil {
				e.logger.Error("hand off to human", zap.Uint("conversation_id", conversationID), zap.Error(err))
				continue
			}
			if changed {
				handedOff = true
				e.notifyConversation(ctx, conversationID)
				a := notify.Alert{
					Kind:           notify.AlertHandoffRequested,
					ConversationID: conversationID,
					Platform:       string(ch.Platform),
					Text:           "The bot asked for an operator.",
				}
				if conv.CustomerID != nil {
					a.CustomerID = *conv.CustomerID
				}
				e.alert(ctx, a)
			}
			continue
		}
		if r.End {
			if err := e.withConversation(ctx, conversationID, func(tx *gorm.DB, c *models.Conversation) error {
				return e.rotateNonce(tx, c)
			}); err != nil {
				e.logger.Warn("rotate nonce", zap.Uint("conversation_id", conversationID), zap.Error(err))
			}
		}
		req := replyRequest(conversationID, ch.ID, replyTo, r)
		if req.empty() {
			continue
		}
		if _, err := e.SendOutbound(ctx, req); err != nil {
			e.logger.Warn("bot reply not delivered",
				zap.Uint("conversation_id", conversationID),
				zap.Error(err))
		}
		sent++
	}
	return sent, handedOff
}

func replyRequest(conversationID, channelID, replyTo uint, r dialogue.Reply) OutboundRequest {
	return OutboundRequest{
		ConversationID:   conversationID,
		ChannelID:        channelID,
		Text:             r.Text,
		ImageURL:         r.ImageURL,
		Suggestions:      r.Suggestions,
		Card:             r.Card,
		PaymentRequestID: r.PaymentRequestID,
		Request:          r.Request,
		End:              r.End,
		ReplyToID:        replyTo,
	}
}
