// Package messenger implements the Facebook Messenger adapter over the
// Graph API Send endpoint and page webhooks.
package messenger

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
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
)

const (
	maxResponseBody = 64 << 10
	// Button templates need text.
	defaultSignInText = "Please sign in to continue."
)

// Adapter implements platform.Adapter for Messenger.
type Adapter struct {
	graphURL    string
	token       string
	verifyToken string
	appSecret   string
	httpClient  *http.Client
	logger      *zap.Logger
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	GraphURL        string
	PageAccessToken string
	VerifyToken     string
	AppSecret       string
	HTTPClient      *http.Client
	Logger          *zap.Logger
}

// New creates an Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.PageAccessToken == "" {
		return nil, fmt.Errorf("messenger: page access token is required")
	}
	if opts.GraphURL == "" {
		return nil, fmt.Errorf("messenger: graph url is required")
	}
	a := &Adapter{
		graphURL:    strings.TrimRight(opts.GraphURL, "/"),
		token:       opts.PageAccessToken,
		verifyToken: opts.VerifyToken,
		appSecret:   opts.AppSecret,
		httpClient:  opts.HTTPClient,
		logger:      opts.Logger,
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("messenger")
	return a, nil
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() models.Platform {
	return models.PlatformMessenger
}

type recipient struct {
	ID string `json:"id"`
}

type quickReply struct {
	ContentType string `json:"content_type"`
	Title       string `json:"title"`
	Payload     string `json:"payload"`
}

type attachment struct {
	Type    string            `json:"type"`
	Payload attachmentPayload `json:"payload"`
}

type attachmentPayload struct {
	URL          string   `json:"url,omitempty"`
	IsReusable   bool     `json:"is_reusable,omitempty"`
	TemplateType string   `json:"template_type,omitempty"`
	Text         string   `json:"text,omitempty"`
	Buttons      []button `json:"buttons,omitempty"`
}

type button struct {
	Type  string `json:"type"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

type outMessage struct {
	Text         string       `json:"text,omitempty"`
	Attachment   *attachment  `json:"attachment,omitempty"`
	QuickReplies []quickReply `json:"quick_replies,omitempty"`
}

type sendRequest struct {
	Recipient     recipient   `json:"recipient"`
	MessagingType string      `json:"messaging_type,omitempty"`
	Tag           string      `json:"tag,omitempty"`
	Message       *outMessage `json:"message,omitempty"`
	SenderAction  string      `json:"sender_action,omitempty"`
	PersonaID     string      `json:"persona_id,omitempty"`
}

type sendResponse struct {
	RecipientID string `json:"recipient_id"`
	MessageID   string `json:"message_id"`
}

// Send posts the message to the Send API. Tagged messages are sent with
// messaging_type MESSAGE_TAG so they may leave the standard window.
// Sign-in links go out as a button template.
func (a *Adapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (platform.SendResult, error) {
	signIn := msg.Request == models.RequestSignIn && msg.SignInURL != ""
	plain := *msg
	plain.Suggestions = nil
	plain.ImageURL = ""
	plain.SignInURL = ""
	text, err := platform.RenderText(&plain)
	if err != nil && msg.ImageURL == "" && !signIn {
		return platform.SendResult{}, platform.Permanent(models.PlatformMessenger, err)
	}

	req := sendRequest{
		Recipient:     recipient{ID: ch.Address},
		MessagingType: "RESPONSE",
	}
	if msg.Tag != "" {
		req.MessagingType = "MESSAGE_TAG"
		req.Tag = msg.Tag
	}
	if data := ch.PlatformData.Messenger; data != nil && msg.OperatorID != nil {
		req.PersonaID = data.PersonaID
	}

	var lastID string
	if msg.ImageURL != "" {
		req.Message = &outMessage{Attachment: &attachment{
			Type:    "image",
			Payload: attachmentPayload{URL: msg.ImageURL, IsReusable: true},
		}}
		if text == "" && !signIn {
			req.Message.QuickReplies = quickReplies(msg.Suggestions)
		}
		resp, err := a.post(ctx, req)
		if err != nil {
			return platform.SendResult{}, err
		}
		lastID = resp.MessageID
	}
	switch {
	case signIn:
		if text == "" {
			text = defaultSignInText
		}
		req.Message = &outMessage{
			Attachment: &attachment{
				Type: "template",
				Payload: attachmentPayload{
					TemplateType: "button",
					Text:         text,
					Buttons:      []button{{Type: "web_url", URL: msg.SignInURL, Title: "Sign in"}},
				},
			},
			QuickReplies: quickReplies(msg.Suggestions),
		}
		resp, err := a.post(ctx, req)
		if err != nil {
			return platform.SendResult{}, err
		}
		lastID = resp.MessageID
	case text != "":
		req.Message = &outMessage{Text: text, QuickReplies: quickReplies(msg.Suggestions)}
		resp, err := a.post(ctx, req)
		if err != nil {
			return platform.SendResult{}, err
		}
		lastID = resp.MessageID
	}
	return platform.SendResult{PlatformMessageID: lastID}, nil
}

func quickReplies(suggestions []models.MessageSuggestion) []quickReply {
	if len(suggestions) == 0 {
		return nil
	}
	out := make([]quickReply, 0, len(suggestions))
	for _, s := range suggestions {
		out = append(out, quickReply{ContentType: "text", Title: s.Text, Payload: s.Text})
	}
	return out
}

// SetTyping toggles the typing sender action.
func (a *Adapter) SetTyping(ctx context.Context, ch *models.ConversationChannel, on bool) error {
	action := "typing_off"
	if on {
		action = "typing_on"
	}
	_, err := a.post(ctx, sendRequest{Recipient: recipient{ID: ch.Address}, SenderAction: action})
	return err
}

func (a *Adapter) post(ctx context.Context, body sendRequest) (*sendResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, platform.Permanent(models.PlatformMessenger, err)
	}
	endpoint := a.graphURL + "/me/messages?access_token=" + url.QueryEscape(a.token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, platform.Permanent(models.PlatformMessenger, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return nil, platform.Transient(models.PlatformMessenger, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if resp.StatusCode >= 300 {
		return nil, platform.HTTPFailure(models.PlatformMessenger, resp.StatusCode, string(raw))
	}
	var out sendResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, platform.Permanent(models.PlatformMessenger, fmt.Errorf("decode response: %w", err))
	}
	return &out, nil
}

// VerifyWebhook answers the hub subscription challenge.
func (a *Adapter) VerifyWebhook(r *http.Request) (string, bool) {
	q := r.URL.Query()
	if a.verifyToken == "" || q.Get("hub.mode") != "subscribe" || q.Get("hub.verify_token") != a.verifyToken {
		return "", false
	}
	return q.Get("hub.challenge"), true
}

type webhookBody struct {
	Object string `json:"object"`
	Entry  []struct {
		Messaging []messagingEvent `json:"messaging"`
	} `json:"entry"`
}

type messagingEvent struct {
	Sender    recipient `json:"sender"`
	Recipient recipient `json:"recipient"`
	Timestamp int64     `json:"timestamp"`
	Message   *struct {
		MID         string `json:"mid"`
		Text        string `json:"text"`
		IsEcho      bool   `json:"is_echo"`
		Attachments []struct {
			Type    string `json:"type"`
			Payload struct {
				URL string `json:"url"`
			} `json:"payload"`
		} `json:"attachments"`
		QuickReply *struct {
			Payload string `json:"payload"`
		} `json:"quick_reply"`
	} `json:"message"`
	Postback *struct {
		MID     string `json:"mid"`
		Title   string `json:"title"`
		Payload string `json:"payload"`
	} `json:"postback"`
	Delivery *struct {
		MIDs      []string `json:"mids"`
		Watermark int64    `json:"watermark"`
	} `json:"delivery"`
	Read *struct {
		Watermark int64 `json:"watermark"`
	} `json:"read"`
}

// ParseWebhook decodes a page webhook batch. Echoes of our own messages
// are dropped.
func (a *Adapter) ParseWebhook(r *http.Request) ([]platform.InboundEvent, error) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("messenger: read body: %w", err)
	}
	if a.appSecret != "" && !a.validSignature(raw, r.Header.Get("X-Hub-Signature-256")) {
		return nil, fmt.Errorf("messenger: webhook signature verification failed")
	}

	var body webhookBody
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("messenger: decode webhook: %w", err)
	}
	if body.Object != "page" {
		return nil, fmt.Errorf("messenger: unexpected object %q", body.Object)
	}

	var events []platform.InboundEvent
	for _, entry := range body.Entry {
		for _, m := range entry.Messaging {
			if ev, ok := toEvent(m); ok {
				events = append(events, ev)
			}
		}
	}
	return events, nil
}

func toEvent(m messagingEvent) (platform.InboundEvent, bool) {
	ev := platform.InboundEvent{
		Platform:  models.PlatformMessenger,
		Address:   m.Sender.ID,
		Timestamp: time.UnixMilli(m.Timestamp).UTC(),
	}
	switch {
	case m.Message != nil:
		if m.Message.IsEcho {
			return ev, false
		}
		ev.Kind = platform.EventMessage
		ev.PlatformMessageID = m.Message.MID
		ev.Text = m.Message.Text
		if m.Message.QuickReply != nil && m.Message.QuickReply.Payload != "" && m.Message.QuickReply.Payload != m.Message.Text {
			ev.Kind = platform.EventPostback
			ev.EventName = m.Message.QuickReply.Payload
		}
		for _, att := range m.Message.Attachments {
			if att.Type == "image" {
				ev.ImageURL = att.Payload.URL
				break
			}
		}
	case m.Postback != nil:
		ev.Kind = platform.EventPostback
		ev.PlatformMessageID = m.Postback.MID
		if ev.PlatformMessageID == "" {
			ev.PlatformMessageID = fmt.Sprintf("postback-%s-%d", m.Sender.ID, m.Timestamp)
		}
		ev.Text = m.Postback.Title
		ev.EventName = m.Postback.Payload
	case m.Delivery != nil:
		ev.Kind = platform.EventDelivery
		ev.ReceiptIDs = m.Delivery.MIDs
		if m.Delivery.Watermark > 0 {
			ev.Watermark = time.UnixMilli(m.Delivery.Watermark).UTC()
		}
	case m.Read != nil:
		ev.Kind = platform.EventRead
		ev.Watermark = time.UnixMilli(m.Read.Watermark).UTC()
	default:
		return ev, false
	}
	return ev, true
}

func (a *Adapter) validSignature(body []byte, header string) bool {
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(a.appSecret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(sig))
}
