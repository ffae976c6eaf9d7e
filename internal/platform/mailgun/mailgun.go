// Package mailgun implements the email adapter on Mailgun: outbound through
// the Messages API, inbound through route webhooks.
package mailgun

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"
	"time"

	mg "github.com/mailgun/mailgun-go/v5"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
)

const defaultSubject = "Your conversation with us"

// Email is one outbound email.
type Email struct {
	From      string
	To        string
	Subject   string
	Body      string
	InReplyTo string
}

// sender abstracts the Mailgun client, enabling test mocks.
type sender interface {
	Send(ctx context.Context, e Email) (string, error)
}

type mgSender struct {
	client *mg.Client
	domain string
}

func (s *mgSender) Send(ctx context.Context, e Email) (string, error) {
	m := mg.NewMessage(s.domain, e.From, e.Subject, e.Body, e.To)
	if e.InReplyTo != "" {
		m.AddHeader("In-Reply-To", e.InReplyTo)
		m.AddHeader("References", e.InReplyTo)
	}
	resp, err := s.client.Send(ctx, m)
	if err != nil {
		return "", err
	}
	return resp.ID, nil
}

// Adapter implements platform.Adapter for email.
type Adapter struct {
	from       string
	signingKey string
	sender     sender
	logger     *zap.Logger
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	Domain     string
	APIKey     string
	Region     string // "us" or "eu"
	From       string
	SigningKey string
	// For testing: inject a mock sender instead of the Mailgun client.
	Sender sender
	Logger *zap.Logger
}

// New creates an Adapter.
func New(opts Opts) (*Adapter, error) {
	if opts.From == "" {
		return nil, fmt.Errorf("mailgun: from address is required")
	}
	s := opts.Sender
	if s == nil {
		if opts.Domain == "" || opts.APIKey == "" {
			return nil, fmt.Errorf("mailgun: domain and api key are required")
		}
		client := mg.NewMailgun(opts.APIKey)
		if opts.Region == "eu" {
			client.SetAPIBase(mg.APIBaseEU)
		}
		s = &mgSender{client: client, domain: opts.Domain}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{
		from:       opts.From,
		signingKey: opts.SigningKey,
		sender:     s,
		logger:     logger.Named("mailgun"),
	}, nil
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() models.Platform {
	return models.PlatformEmail
}

// Send emails the rendered message, threading onto the customer's last
// email when known.
func (a *Adapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (platform.SendResult, error) {
	body, err := platform.RenderText(msg)
	if err != nil {
		return platform.SendResult{}, platform.Permanent(models.PlatformEmail, err)
	}

	e := Email{From: a.from, To: ch.Address, Subject: defaultSubject, Body: body}
	if data := ch.PlatformData.Email; data != nil {
		if data.Subject != "" {
			e.Subject = data.Subject
			if !strings.HasPrefix(strings.ToLower(e.Subject), "re:") {
				e.Subject = "Re: " + e.Subject
			}
		}
		e.InReplyTo = data.ThreadID
	}

	id, err := a.sender.Send(ctx, e)
	if err != nil {
		return platform.SendResult{}, platform.Transient(models.PlatformEmail, fmt.Errorf("mailgun send: %w", err))
	}
	return platform.SendResult{PlatformMessageID: id}, nil
}

// ParseWebhook handles a Mailgun inbound route post.
func (a *Adapter) ParseWebhook(r *http.Request) ([]platform.InboundEvent, error) {
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		if err2 := r.ParseForm(); err2 != nil {
			return nil, fmt.Errorf("mailgun: parse form: %w", err2)
		}
	}

	if a.signingKey != "" && !a.validSignature(r.FormValue("timestamp"), r.FormValue("token"), r.FormValue("signature")) {
		return nil, fmt.Errorf("mailgun: webhook signature verification failed")
	}

	from := strings.ToLower(strings.TrimSpace(r.FormValue("sender")))
	if from == "" {
		return nil, fmt.Errorf("mailgun: sender is missing")
	}
	msgID := r.FormValue("Message-Id")
	text := r.FormValue("stripped-text")
	if text == "" {
		text = r.FormValue("body-plain")
	}

	ev := platform.InboundEvent{
		Kind:              platform.EventMessage,
		Platform:          models.PlatformEmail,
		Address:           from,
		PlatformMessageID: msgID,
		Text:              text,
		Timestamp:         time.Now().UTC(),
		PlatformData: models.PlatformData{Email: &models.EmailData{
			Subject:  r.FormValue("subject"),
			ThreadID: msgID,
		}},
	}
	return []platform.InboundEvent{ev}, nil
}

func (a *Adapter) validSignature(timestamp, token, signature string) bool {
	mac := hmac.New(sha256.New, []byte(a.signingKey))
	mac.Write([]byte(timestamp + token))
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}
