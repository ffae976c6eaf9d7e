// Package azure implements the Azure Bot Service adapter over the Bot
// Framework REST API.
package azure

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	botFrameworkScope = "https://api.botframework.com/.default"
	maxResponseBody   = 64 << 10
)

// Adapter implements platform.Adapter for Azure Bot Service channels.
type Adapter struct {
	httpClient *http.Client
	logger     *zap.Logger
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	AppID       string
	AppPassword string
	TokenURL    string
	// For testing: a client that needs no token.
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New creates an Adapter. Outbound requests are authorised with an app
// token obtained through the client credentials grant and cached until
// expiry.
func New(opts Opts) (*Adapter, error) {
	client := opts.HTTPClient
	if client == nil {
		if opts.AppID == "" || opts.AppPassword == "" {
			return nil, fmt.Errorf("azure: app id and password are required")
		}
		if opts.TokenURL == "" {
			return nil, fmt.Errorf("azure: token url is required")
		}
		cc := clientcredentials.Config{
			ClientID:     opts.AppID,
			ClientSecret: opts.AppPassword,
			TokenURL:     opts.TokenURL,
			Scopes:       []string{botFrameworkScope},
		}
		client = cc.Client(context.Background())
		client.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{httpClient: client, logger: logger.Named("azure")}, nil
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() models.Platform {
	return models.PlatformAzure
}

type account struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

type conversationAccount struct {
	ID string `json:"id"`
}

type cardAction struct {
	Type  string `json:"type"`
	Title string `json:"title"`
	Value string `json:"value"`
}

type suggestedActions struct {
	Actions []cardAction `json:"actions"`
}

type attachment struct {
	ContentType string `json:"contentType"`
	ContentURL  string `json:"contentUrl"`
}

type activity struct {
	Type             string               `json:"type"`
	ID               string               `json:"id,omitempty"`
	Timestamp        string               `json:"timestamp,omitempty"`
	ServiceURL       string               `json:"serviceUrl,omitempty"`
	ChannelID        string               `json:"channelId,omitempty"`
	From             *account             `json:"from,omitempty"`
	Recipient        *account             `json:"recipient,omitempty"`
	Conversation     *conversationAccount `json:"conversation,omitempty"`
	Text             string               `json:"text,omitempty"`
	Value            json.RawMessage      `json:"value,omitempty"`
	Attachments      []attachment         `json:"attachments,omitempty"`
	SuggestedActions *suggestedActions    `json:"suggestedActions,omitempty"`
}

type resourceResponse struct {
	ID string `json:"id"`
}

func routing(ch *models.ConversationChannel) (*models.AzureData, error) {
	data := ch.PlatformData.Azure
	if data == nil || data.ServiceURL == "" || data.ConversationID == "" {
		return nil, fmt.Errorf("azure: channel %d has no bot framework routing data", ch.ID)
	}
	return data, nil
}

// Send posts a message activity into the channel's Bot Framework
// conversation.
func (a *Adapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (platform.SendResult, error) {
	data, err := routing(ch)
	if err != nil {
		return platform.SendResult{}, platform.Permanent(models.PlatformAzure, err)
	}
	plain := *msg
	plain.Suggestions = nil
	plain.ImageURL = ""
	text, err := platform.RenderText(&plain)
	if err != nil && msg.ImageURL == "" {
		return platform.SendResult{}, platform.Permanent(models.PlatformAzure, err)
	}

	act := activity{
		Type:         "message",
		From:         &account{ID: data.BotID},
		Recipient:    &account{ID: ch.Address},
		Conversation: &conversationAccount{ID: data.ConversationID},
		Text:         text,
	}
	if msg.ImageURL != "" {
		act.Attachments = []attachment{{ContentType: "image/png", ContentURL: msg.ImageURL}}
	}
	if len(msg.Suggestions) > 0 {
		actions := make([]cardAction, 0, len(msg.Suggestions))
		for _, s := range msg.Suggestions {
			actions = append(actions, cardAction{Type: "imBack", Title: s.Text, Value: s.Text})
		}
		act.SuggestedActions = &suggestedActions{Actions: actions}
	}

	var out resourceResponse
	if err := a.post(ctx, data, act, &out); err != nil {
		return platform.SendResult{}, err
	}
	return platform.SendResult{PlatformMessageID: out.ID}, nil
}

// SetTyping sends a typing activity. Bot Framework clears it on the next
// message.
func (a *Adapter) SetTyping(ctx context.Context, ch *models.ConversationChannel, on bool) error {
	if !on {
		return nil
	}
	data, err := routing(ch)
	if err != nil {
		return err
	}
	return a.post(ctx, data, activity{
		Type:         "typing",
		From:         &account{ID: data.BotID},
		Recipient:    &account{ID: ch.Address},
		Conversation: &conversationAccount{ID: data.ConversationID},
	}, nil)
}

func (a *Adapter) post(ctx context.Context, data *models.AzureData, act activity, out interface{}) error {
	payload, err := json.Marshal(act)
	if err != nil {
		return platform.Permanent(models.PlatformAzure, err)
	}
	endpoint := fmt.Sprintf("%s/v3/conversations/%s/activities",
		strings.TrimRight(data.ServiceURL, "/"), url.PathEscape(data.ConversationID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return platform.Permanent(models.PlatformAzure, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.Transient(models.PlatformAzure, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 300 {
		return platform.HTTPFailure(models.PlatformAzure, resp.StatusCode, string(raw))
	}
	if out != nil && len(raw) > 0 {
		if err := json.Unmarshal(raw, out); err != nil {
			return platform.Permanent(models.PlatformAzure, fmt.Errorf("decode response: %w", err))
		}
	}
	return nil
}

// ParseWebhook decodes an incoming activity. The routing data needed to
// reply is returned as the channel's extension record.
func (a *Adapter) ParseWebhook(r *http.Request) ([]platform.InboundEvent, error) {
	var act activity
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&act); err != nil {
		return nil, fmt.Errorf("azure: decode activity: %w", err)
	}
	if act.From == nil || act.Conversation == nil {
		return nil, fmt.Errorf("azure: activity is missing from or conversation")
	}

	ev := platform.InboundEvent{
		Platform:          models.PlatformAzure,
		Address:           act.From.ID,
		PlatformMessageID: act.ID,
		Timestamp:         time.Now().UTC(),
		PlatformData: models.PlatformData{Azure: &models.AzureData{
			ServiceURL:     act.ServiceURL,
			ConversationID: act.Conversation.ID,
		}},
	}
	if act.Recipient != nil {
		ev.PlatformData.Azure.BotID = act.Recipient.ID
	}
	if ts, err := time.Parse(time.RFC3339Nano, act.Timestamp); err == nil {
		ev.Timestamp = ts.UTC()
	}
	if act.From.Name != "" {
		ev.Profile = &platform.Profile{DisplayName: act.From.Name}
	}

	switch act.Type {
	case "message":
		ev.Kind = platform.EventMessage
		ev.Text = act.Text
		for _, att := range act.Attachments {
			if strings.HasPrefix(att.ContentType, "image/") {
				ev.ImageURL = att.ContentURL
				break
			}
		}
		if len(act.Value) > 0 && act.Text == "" {
			var payload struct {
				Event string `json:"event"`
			}
			if json.Unmarshal(act.Value, &payload) == nil && payload.Event != "" {
				ev.Kind = platform.EventPostback
				ev.EventName = payload.Event
			}
		}
	case "conversationUpdate":
		ev.Kind = platform.EventPostback
		ev.EventName = "WELCOME"
		// Without an activity id only a retry of the same update, carrying
		// the same timestamp, counts as a duplicate.
		if ev.PlatformMessageID == "" && act.Timestamp != "" {
			ev.PlatformMessageID = "conversation-update-" + act.Conversation.ID + "-" + act.Timestamp
		}
	default:
		a.logger.Debug("activity ignored", zap.String("type", act.Type))
		return nil, nil
	}
	return []platform.InboundEvent{ev}, nil
}
