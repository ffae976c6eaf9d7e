// Package delivery decides which of a conversation's channels may carry an
// outbound message under each platform's messaging-window rules.
package delivery

import (
	"sort"
	"time"

	"github.com/zulandar/switchboard/internal/models"
)

// Messenger message tags that lift the standard messaging window.
const (
	TagConfirmedEventUpdate = "CONFIRMED_EVENT_UPDATE"
	TagPostPurchaseUpdate   = "POST_PURCHASE_UPDATE"
	TagAccountUpdate        = "ACCOUNT_UPDATE"
	TagHumanAgent           = "HUMAN_AGENT"
)

// Messaging windows measured from the customer's last inbound message.
const (
	StandardWindow   = 24 * time.Hour
	HumanAgentWindow = 7 * 24 * time.Hour
)

// Candidate is a channel together with its inbound history.
type Candidate struct {
	Channel          *models.ConversationChannel
	LastInbound      time.Time
	HasInbound       bool
	LastInboundEnded bool
}

// Request describes the outbound message being placed.
type Request struct {
	Tag     string
	IsAlert bool
	Text    string
}

// Policy evaluates per-platform delivery rules. It holds no state beyond the
// template allow-list and is safe for concurrent use.
type Policy struct {
	templates *TemplateMatcher
}

// NewPolicy creates a Policy. A nil matcher means no WhatsApp text is
// considered a template.
func NewPolicy(templates *TemplateMatcher) *Policy {
	return &Policy{templates: templates}
}

// Select returns the first eligible candidate, preferring the channel with
// the most recent inbound message. Candidates that never received an
// inbound message are not considered. Ties on recency go to the lower
// channel id. Returns nil when nothing is eligible.
func (p *Policy) Select(now time.Time, candidates []Candidate, req Request) *Candidate {
	usable := make([]Candidate, 0, len(candidates))
	for _, c := range candidates {
		if c.Channel != nil && c.HasInbound {
			usable = append(usable, c)
		}
	}
	sort.SliceStable(usable, func(i, j int) bool {
		a, b := usable[i], usable[j]
		if !a.LastInbound.Equal(b.LastInbound) {
			return a.LastInbound.After(b.LastInbound)
		}
		return a.Channel.ID < b.Channel.ID
	})

	for i := range usable {
		if p.CanDeliver(now, usable[i], req) {
			return &usable[i]
		}
	}
	return nil
}

// CanDeliver reports whether c may carry req at time now.
func (p *Policy) CanDeliver(now time.Time, c Candidate, req Request) bool {
	within := func(window time.Duration) bool {
		return c.HasInbound && now.Sub(c.LastInbound) <= window
	}

	switch c.Channel.Platform {
	case models.PlatformMessenger:
		switch req.Tag {
		case TagConfirmedEventUpdate, TagPostPurchaseUpdate, TagAccountUpdate:
			return true
		case TagHumanAgent:
			return within(HumanAgentWindow)
		case "":
			return within(StandardWindow)
		default:
			return false
		}
	case models.PlatformWhatsApp:
		return p.templates.Match(req.Text) || within(StandardWindow)
	case models.PlatformGoogleActions:
		return false
	case models.PlatformWebChat:
		return !req.IsAlert
	case models.PlatformABC:
		return !c.LastInboundEnded
	case models.PlatformEmail:
		return !req.IsAlert
	default:
		return true
	}
}
