package delivery

import (
	"context"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"go.uber.org/zap"
)

// ChannelLister lists a conversation's channels.
type ChannelLister interface {
	Channels(ctx context.Context, conversationID uint) ([]models.ConversationChannel, error)
}

// InboundHistory returns the most recent inbound message on a channel, or
// nil when there is none.
type InboundHistory interface {
	LastInbound(ctx context.Context, channelID uint) (*models.Message, error)
}

// Selector picks a delivery channel for a conversation from stored state.
type Selector struct {
	channels ChannelLister
	history  InboundHistory
	policy   *Policy
	now      func() time.Time
	logger   *zap.Logger
}

// SelectorOpts holds parameters for creating a Selector.
type SelectorOpts struct {
	Channels ChannelLister
	History  InboundHistory
	Policy   *Policy
	Now      func() time.Time
	Logger   *zap.Logger
}

// NewSelector creates a Selector.
func NewSelector(opts SelectorOpts) (*Selector, error) {
	if opts.Channels == nil {
		return nil, fmt.Errorf("delivery: channel lister is required")
	}
	if opts.History == nil {
		return nil, fmt.Errorf("delivery: inbound history is required")
	}
	if opts.Policy == nil {
		opts.Policy = NewPolicy(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Selector{
		channels: opts.Channels,
		history:  opts.History,
		policy:   opts.Policy,
		now:      opts.Now,
		logger:   opts.Logger.Named("delivery"),
	}, nil
}

// Candidates loads every channel of the conversation with its inbound
// history.
func (s *Selector) Candidates(ctx context.Context, conversationID uint) ([]Candidate, error) {
	chs, err := s.channels.Channels(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("delivery: list channels: %w", err)
	}
	out := make([]Candidate, 0, len(chs))
	for i := range chs {
		last, err := s.history.LastInbound(ctx, chs[i].ID)
		if err != nil {
			return nil, fmt.Errorf("delivery: inbound history for channel %d: %w", chs[i].ID, err)
		}
		c := Candidate{Channel: &chs[i]}
		if last != nil {
			c.HasInbound = true
			c.LastInbound = last.Timestamp
			c.LastInboundEnded = last.End
		}
		out = append(out, c)
	}
	return out, nil
}

// SelectChannel returns the channel that should carry req, or nil when no
// channel is currently eligible.
func (s *Selector) SelectChannel(ctx context.Context, conversationID uint, req Request) (*models.ConversationChannel, error) {
	candidates, err := s.Candidates(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	picked := s.policy.Select(s.now(), candidates, req)
	if picked == nil {
		s.logger.Info("no eligible channel",
			zap.Uint("conversation_id", conversationID),
			zap.Int("candidates", len(candidates)),
			zap.String("tag", req.Tag),
			zap.Bool("alert", req.IsAlert))
		return nil, nil
	}
	s.logger.Debug("channel selected",
		zap.Uint("conversation_id", conversationID),
		zap.Uint("channel_id", picked.Channel.ID),
		zap.String("platform", string(picked.Channel.Platform)))
	return picked.Channel, nil
}

// Policy returns the rules the selector applies.
func (s *Selector) Policy() *Policy {
	return s.policy
}
