package mailgun

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
)

// Compile-time interface compliance checks.
var (
	_ platform.Adapter       = (*Adapter)(nil)
	_ platform.WebhookParser = (*Adapter)(nil)
)

type mockSender struct {
	sent []Email
	err  error
}

func (m *mockSender) Send(ctx context.Context, e Email) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.sent = append(m.sent, e)
	return "<20260101.1@mg.example.com>", nil
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{Sender: &mockSender{}}); err == nil {
		t.Error("expected error without from")
	}
	if _, err := New(Opts{From: "help@example.com"}); err == nil {
		t.Error("expected error without domain and api key")
	}
}

func TestSend_ThreadsReply(t *testing.T) {
	s := &mockSender{}
	a, _ := New(Opts{From: "help@example.com", Sender: s})

	ch := &models.ConversationChannel{
		Address: "ann@example.com",
		PlatformData: models.PlatformData{Email: &models.EmailData{
			Subject:  "Broken screen",
			ThreadID: "<abc@mail.example.com>",
		}},
	}
	res, err := a.Send(context.Background(), ch, &models.Message{Text: "We can fix that."})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID == "" {
		t.Error("empty PlatformMessageID")
	}
	got := s.sent[0]
	if got.Subject != "Re: Broken screen" {
		t.Errorf("Subject = %q", got.Subject)
	}
	if got.InReplyTo != "<abc@mail.example.com>" {
		t.Errorf("InReplyTo = %q", got.InReplyTo)
	}
	if got.To != "ann@example.com" || got.From != "help@example.com" {
		t.Errorf("To/From = %q/%q", got.To, got.From)
	}
}

func TestSend_DefaultSubjectAndFailure(t *testing.T) {
	s := &mockSender{}
	a, _ := New(Opts{From: "help@example.com", Sender: s})
	if _, err := a.Send(context.Background(), &models.ConversationChannel{Address: "b@example.com"}, &models.Message{Text: "hi"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	if s.sent[0].Subject != defaultSubject {
		t.Errorf("Subject = %q, want default", s.sent[0].Subject)
	}

	a, _ = New(Opts{From: "help@example.com", Sender: &mockSender{err: errors.New("timeout")}})
	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "b@example.com"}, &models.Message{Text: "hi"})
	if !platform.IsRetryable(err) {
		t.Errorf("err = %v, want transient failure", err)
	}
}

func sign(key, timestamp, token string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(timestamp + token))
	return hex.EncodeToString(mac.Sum(nil))
}

func inboundRequest(values url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, "/webhooks/email", strings.NewReader(values.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

func TestParseWebhook(t *testing.T) {
	a, _ := New(Opts{From: "help@example.com", Sender: &mockSender{}, SigningKey: "key"})

	values := url.Values{
		"timestamp":     {"1700000000"},
		"token":         {"tok"},
		"signature":     {sign("key", "1700000000", "tok")},
		"sender":        {"Ann@Example.com"},
		"subject":       {"Broken screen"},
		"Message-Id":    {"<abc@mail.example.com>"},
		"stripped-text": {"My screen cracked"},
		"body-plain":    {"My screen cracked\n\n> quoted"},
	}
	events, err := a.ParseWebhook(inboundRequest(values))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	ev := events[0]
	if ev.Address != "ann@example.com" {
		t.Errorf("Address = %q, want lowercased sender", ev.Address)
	}
	if ev.Text != "My screen cracked" {
		t.Errorf("Text = %q, want stripped text", ev.Text)
	}
	if ev.PlatformData.Email == nil || ev.PlatformData.Email.Subject != "Broken screen" {
		t.Errorf("PlatformData = %+v", ev.PlatformData)
	}

	values.Set("signature", "forged")
	if _, err := a.ParseWebhook(inboundRequest(values)); err == nil {
		t.Error("expected signature failure")
	}
}
