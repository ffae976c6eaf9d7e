// Package webchat implements the embedded web widget channel. Outbound
// messages are published on a Redis channel that the widget's socket
// gateway relays to browsers; inbound messages arrive as JSON posts.
package webchat

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
)

// Publisher sends a payload on a pub/sub channel.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// RedisPublisher publishes with go-redis.
type RedisPublisher struct {
	Client *redis.Client
}

// Publish implements Publisher.
func (p RedisPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	return p.Client.Publish(ctx, channel, payload).Err()
}

// Envelope is what the widget gateway receives.
type Envelope struct {
	Type        string   `json:"type"` // "message" or "typing"
	Session     string   `json:"session"`
	MessageID   string   `json:"message_id,omitempty"`
	Text        string   `json:"text,omitempty"`
	ImageURL    string   `json:"image_url,omitempty"`
	Selection   string   `json:"selection,omitempty"`
	Card        string   `json:"card,omitempty"`
	Suggestions []string `json:"suggestions,omitempty"`
	Request     string   `json:"request,omitempty"`
	SignInURL   string   `json:"sign_in_url,omitempty"`
	Operator    bool     `json:"operator,omitempty"`
	Typing      bool     `json:"typing,omitempty"`
	Timestamp   int64    `json:"timestamp"`
}

// Adapter implements platform.Adapter for the web widget.
type Adapter struct {
	publisher Publisher
	channel   string
	now       func() time.Time
	logger    *zap.Logger
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	Publisher Publisher
	Channel   string
	Now       func() time.Time
	Logger    *zap.Logger
}

// New creates an Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Publisher == nil {
		return nil, fmt.Errorf("webchat: publisher is required")
	}
	if opts.Channel == "" {
		return nil, fmt.Errorf("webchat: channel is required")
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Adapter{
		publisher: opts.Publisher,
		channel:   opts.Channel,
		now:       opts.Now,
		logger:    opts.Logger.Named("webchat"),
	}, nil
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() models.Platform {
	return models.PlatformWebChat
}

// Send publishes the message for the widget. The client message id doubles
// as the platform id since the widget has no ids of its own.
func (a *Adapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (platform.SendResult, error) {
	env := Envelope{
		Type:      "message",
		Session:   ch.Address,
		MessageID: msg.ClientMessageID,
		Text:      msg.Text,
		ImageURL:  msg.ImageURL,
		Selection: msg.Selection,
		Card:      msg.Card,
		Request:   msg.Request,
		SignInURL: msg.SignInURL,
		Operator:  msg.OperatorID != nil,
		Timestamp: a.now().Unix(),
	}
	for _, s := range msg.Suggestions {
		env.Suggestions = append(env.Suggestions, s.Text)
	}
	if err := a.publish(ctx, env); err != nil {
		return platform.SendResult{}, err
	}
	return platform.SendResult{PlatformMessageID: msg.ClientMessageID}, nil
}

// SetTyping publishes a typing envelope.
func (a *Adapter) SetTyping(ctx context.Context, ch *models.ConversationChannel, on bool) error {
	return a.publish(ctx, Envelope{Type: "typing", Session: ch.Address, Typing: on, Timestamp: a.now().Unix()})
}

func (a *Adapter) publish(ctx context.Context, env Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return platform.Permanent(models.PlatformWebChat, err)
	}
	if err := a.publisher.Publish(ctx, a.channel, payload); err != nil {
		return platform.Transient(models.PlatformWebChat, fmt.Errorf("publish: %w", err))
	}
	return nil
}

// inbound is the widget's post body.
type inbound struct {
	Session          string `json:"session"`
	MessageID        string `json:"message_id"`
	Kind             string `json:"kind"` // message, event, delivered or read
	Text             string `json:"text"`
	Event            string `json:"event"`
	PushSubscription string `json:"push_subscription"`
	CustomerID       string `json:"customer_id"`
	Name             string `json:"name"`
	Timezone         string `json:"timezone"`
}

// ParseWebhook decodes a widget post.
func (a *Adapter) ParseWebhook(r *http.Request) ([]platform.InboundEvent, error) {
	var in inbound
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&in); err != nil {
		return nil, fmt.Errorf("webchat: decode body: %w", err)
	}
	if in.Session == "" {
		return nil, fmt.Errorf("webchat: session is required")
	}

	ev := platform.InboundEvent{
		Platform:          models.PlatformWebChat,
		Address:           in.Session,
		KnownCustomerID:   in.CustomerID,
		PlatformMessageID: in.MessageID,
		Timestamp:         a.now().UTC(),
	}
	if in.Name != "" || in.Timezone != "" {
		ev.Profile = &platform.Profile{DisplayName: in.Name, Timezone: in.Timezone}
	}
	if in.PushSubscription != "" {
		ev.PlatformData = models.PlatformData{WebChat: &models.WebChatData{
			PushSubscriptions: []string{in.PushSubscription},
		}}
	}

	switch in.Kind {
	case "", "message":
		if in.MessageID == "" {
			return nil, fmt.Errorf("webchat: message_id is required")
		}
		ev.Kind = platform.EventMessage
		ev.Text = in.Text
	case "event":
		if in.MessageID == "" {
			return nil, fmt.Errorf("webchat: message_id is required")
		}
		ev.Kind = platform.EventPostback
		ev.EventName = in.Event
	case "delivered":
		ev.Kind = platform.EventDelivery
		ev.ReceiptIDs = []string{in.MessageID}
	case "read":
		ev.Kind = platform.EventRead
		ev.ReceiptIDs = []string{in.MessageID}
	default:
		return nil, fmt.Errorf("webchat: unknown kind %q", in.Kind)
	}
	return []platform.InboundEvent{ev}, nil
}
