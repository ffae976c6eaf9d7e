// Package dialogue is the contract with the conversational bot and its
// backends.
package dialogue

import (
	"context"
	"fmt"
	"strings"

	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/models"
	"go.uber.org/zap"
)

// welcomeEvent is the event platforms raise when a customer first opens a
// conversation. Bots know it as the greet intent.
const welcomeEvent = "WELCOME"

// Ref identifies the bot session for one channel of a conversation.
type Ref struct {
	Platform models.Platform
	Address  string
	Nonce    string
}

// String returns the session key "<platform>:<address>[:<nonce>]". A new
// nonce starts a fresh bot session.
func (r Ref) String() string {
	s := fmt.Sprintf("%s:%s", r.Platform, r.Address)
	if r.Nonce != "" {
		s += ":" + r.Nonce
	}
	return s
}

// Turn is one prior message given to backends that keep no session state.
type Turn struct {
	FromCustomer bool
	Text         string
}

// Input is what the customer said or did. Exactly one of Text and Event is
// set.
type Input struct {
	Text    string
	Event   string
	History []Turn
}

// Utterance returns the text form sent to intent-based bots: events become
// "/<event>" commands.
func (in Input) Utterance() string {
	if in.Event == "" {
		return in.Text
	}
	if in.Event == welcomeEvent {
		return "/greet"
	}
	if strings.HasPrefix(in.Event, "/") {
		return in.Event
	}
	return "/" + in.Event
}

// Reply is one message the bot wants sent, or a control signal.
type Reply struct {
	Text             string
	ImageURL         string
	Suggestions      []string
	Request          string // e.g. "sign_in"
	Card             string // JSON
	PaymentRequestID string
	// HumanNeeded asks for the conversation to be handed to an operator.
	// Such a reply carries no message.
	HumanNeeded bool
	End         bool
}

// Empty reports whether the reply carries nothing to send.
func (r Reply) Empty() bool {
	return r.Text == "" && r.ImageURL == "" && r.Card == "" && r.PaymentRequestID == "" && !r.End
}

// Engine answers customer input.
type Engine interface {
	Handle(ctx context.Context, ref Ref, in Input) ([]Reply, error)
}

// New builds the engine selected by cfg. The "none" backend returns a nil
// Engine.
func New(cfg config.DialogueConfig, logger *zap.Logger) (Engine, error) {
	switch cfg.Backend {
	case "", "none":
		return nil, nil
	case "rasa":
		return NewRasa(RasaOpts{URL: cfg.Rasa.URL, Logger: logger})
	case "openai":
		return NewOpenAI(OpenAIOpts{
			APIKey:        cfg.OpenAI.APIKey,
			BaseURL:       cfg.OpenAI.BaseURL,
			Model:         cfg.OpenAI.Model,
			SystemPrompt:  cfg.OpenAI.SystemPrompt,
			HandoffMarker: cfg.OpenAI.HandoffMarker,
			Logger:        logger,
		})
	default:
		return nil, fmt.Errorf("dialogue: unknown backend %q", cfg.Backend)
	}
}
