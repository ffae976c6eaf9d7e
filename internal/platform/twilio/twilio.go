// Package twilio implements the SMS and WhatsApp adapters over Twilio's
// Messages REST API.
package twilio

import (
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
)

const (
	defaultBaseURL  = "https://api.twilio.com"
	whatsappPrefix  = "whatsapp:"
	maxResponseBody = 64 << 10
)

// Adapter sends and receives messages for one Twilio-backed platform.
type Adapter struct {
	platform   models.Platform
	accountSID string
	authToken  string
	from       string
	baseURL    string
	httpClient *http.Client
	logger     *zap.Logger
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	Platform   models.Platform // sms or whatsapp
	AccountSID string
	AuthToken  string
	From       string // sender number in E.164
	// For testing: point at an httptest server.
	BaseURL    string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// New creates an Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.Platform != models.PlatformSMS && opts.Platform != models.PlatformWhatsApp {
		return nil, fmt.Errorf("twilio: platform must be sms or whatsapp, got %q", opts.Platform)
	}
	if opts.AccountSID == "" || opts.AuthToken == "" {
		return nil, fmt.Errorf("twilio: account sid and auth token are required")
	}
	if opts.From == "" {
		return nil, fmt.Errorf("twilio: from number is required for %s", opts.Platform)
	}
	a := &Adapter{
		platform:   opts.Platform,
		accountSID: opts.AccountSID,
		authToken:  opts.AuthToken,
		from:       opts.From,
		baseURL:    strings.TrimRight(opts.BaseURL, "/"),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
	if a.baseURL == "" {
		a.baseURL = defaultBaseURL
	}
	if a.httpClient == nil {
		a.httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if a.logger == nil {
		a.logger = zap.NewNop()
	}
	a.logger = a.logger.Named("twilio").With(zap.String("platform", string(a.platform)))
	return a, nil
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() models.Platform {
	return a.platform
}

func (a *Adapter) wire(number string) string {
	if a.platform == models.PlatformWhatsApp {
		return whatsappPrefix + number
	}
	return number
}

type messageResponse struct {
	SID     string `json:"sid"`
	Status  string `json:"status"`
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts the message to the Messages resource.
func (a *Adapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (platform.SendResult, error) {
	body, err := platform.RenderText(msg)
	if err != nil {
		return platform.SendResult{}, platform.Permanent(a.platform, err)
	}

	form := url.Values{}
	form.Set("To", a.wire(ch.Address))
	form.Set("From", a.wire(a.from))
	form.Set("Body", body)
	if msg.ImageURL != "" && body != msg.ImageURL {
		form.Set("MediaUrl", msg.ImageURL)
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", a.baseURL, url.PathEscape(a.accountSID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return platform.SendResult{}, platform.Permanent(a.platform, err)
	}
	req.SetBasicAuth(a.accountSID, a.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return platform.SendResult{}, platform.Transient(a.platform, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))

	if resp.StatusCode >= 300 {
		return platform.SendResult{}, platform.HTTPFailure(a.platform, resp.StatusCode, string(raw))
	}
	var out messageResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return platform.SendResult{}, platform.Permanent(a.platform, fmt.Errorf("decode response: %w", err))
	}
	return platform.SendResult{PlatformMessageID: out.SID}, nil
}

// NextAddress implements platform.AlternateAddresser.
func (a *Adapter) NextAddress(ch *models.ConversationChannel) (string, models.PlatformData, bool) {
	return platform.NextPhoneAddress(ch)
}

// ParseWebhook handles both incoming-message and status-callback requests.
func (a *Adapter) ParseWebhook(r *http.Request) ([]platform.InboundEvent, error) {
	if err := r.ParseForm(); err != nil {
		return nil, fmt.Errorf("twilio: parse form: %w", err)
	}
	sid := r.PostForm.Get("MessageSid")
	if sid == "" {
		return nil, fmt.Errorf("twilio: MessageSid is missing")
	}

	if status := r.PostForm.Get("MessageStatus"); status != "" && r.PostForm.Get("Body") == "" {
		return a.parseStatus(sid, status, r.PostForm.Get("To")), nil
	}

	from := strings.TrimPrefix(r.PostForm.Get("From"), whatsappPrefix)
	if from == "" {
		return nil, fmt.Errorf("twilio: From is missing")
	}
	ev := platform.InboundEvent{
		Kind:              platform.EventMessage,
		Platform:          a.platform,
		Address:           from,
		PlatformMessageID: sid,
		Text:              r.PostForm.Get("Body"),
		Timestamp:         time.Now().UTC(),
	}
	if r.PostForm.Get("NumMedia") != "" && r.PostForm.Get("NumMedia") != "0" {
		ev.ImageURL = r.PostForm.Get("MediaUrl0")
	}
	if name := r.PostForm.Get("ProfileName"); name != "" {
		ev.Profile = &platform.Profile{DisplayName: name}
	}
	return []platform.InboundEvent{ev}, nil
}

func (a *Adapter) parseStatus(sid, status, to string) []platform.InboundEvent {
	var kind platform.EventKind
	switch status {
	case "delivered":
		kind = platform.EventDelivery
	case "read":
		kind = platform.EventRead
	default:
		a.logger.Debug("status callback ignored", zap.String("sid", sid), zap.String("status", status))
		return nil
	}
	return []platform.InboundEvent{{
		Kind:       kind,
		Platform:   a.platform,
		Address:    strings.TrimPrefix(to, whatsappPrefix),
		ReceiptIDs: []string{sid},
		Timestamp:  time.Now().UTC(),
	}}
}
