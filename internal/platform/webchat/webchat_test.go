package webchat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
)

// Compile-time interface compliance checks.
var (
	_ platform.Adapter         = (*Adapter)(nil)
	_ platform.WebhookParser   = (*Adapter)(nil)
	_ platform.TypingIndicator = (*Adapter)(nil)
	_ Publisher                = RedisPublisher{}
)

type published struct {
	channel string
	env     Envelope
}

type mockPublisher struct {
	out []published
	err error
}

func (m *mockPublisher) Publish(ctx context.Context, channel string, payload []byte) error {
	if m.err != nil {
		return m.err
	}
	var env Envelope
	json.Unmarshal(payload, &env)
	m.out = append(m.out, published{channel: channel, env: env})
	return nil
}

var fixedNow = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{Channel: "c"}); err == nil {
		t.Error("expected error without publisher")
	}
	if _, err := New(Opts{Publisher: &mockPublisher{}}); err == nil {
		t.Error("expected error without channel")
	}
}

func TestSend_PublishesEnvelope(t *testing.T) {
	pub := &mockPublisher{}
	a, _ := New(Opts{Publisher: pub, Channel: "sb:webchat", Now: fixedNow})
	op := "op-1"

	res, err := a.Send(context.Background(), &models.ConversationChannel{Address: "sess-1"}, &models.Message{
		ClientMessageID: "cm-1",
		Text:            "hi",
		OperatorID:      &op,
		Suggestions:     []models.MessageSuggestion{{Text: "ok"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID != "cm-1" {
		t.Errorf("PlatformMessageID = %q, want cm-1", res.PlatformMessageID)
	}
	got := pub.out[0]
	if got.channel != "sb:webchat" {
		t.Errorf("channel = %q", got.channel)
	}
	if got.env.Session != "sess-1" || got.env.Text != "hi" || !got.env.Operator || got.env.Suggestions[0] != "ok" {
		t.Errorf("envelope = %+v", got.env)
	}
	if got.env.Timestamp != fixedNow().Unix() {
		t.Errorf("Timestamp = %d", got.env.Timestamp)
	}
}

func TestSend_SignInLink(t *testing.T) {
	pub := &mockPublisher{}
	a, _ := New(Opts{Publisher: pub, Channel: "sb:webchat", Now: fixedNow})

	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "sess-1"}, &models.Message{
		Text:      "Please sign in",
		Request:   models.RequestSignIn,
		SignInURL: "https://login.example.com/?state=s1",
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	env := pub.out[0].env
	if env.Request != models.RequestSignIn || env.SignInURL != "https://login.example.com/?state=s1" {
		t.Errorf("envelope = %+v", env)
	}
}

func TestSend_PublishFailureIsTransient(t *testing.T) {
	a, _ := New(Opts{Publisher: &mockPublisher{err: errors.New("conn refused")}, Channel: "c"})
	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "s"}, &models.Message{Text: "x"})
	if !platform.IsRetryable(err) {
		t.Errorf("err = %v, want transient", err)
	}
}

func TestParseWebhook(t *testing.T) {
	a, _ := New(Opts{Publisher: &mockPublisher{}, Channel: "c", Now: fixedNow})

	tests := []struct {
		name    string
		body    string
		kind    platform.EventKind
		wantErr bool
	}{
		{"message", `{"session":"s1","message_id":"w1","text":"hello","name":"Ann","timezone":"Europe/London"}`, platform.EventMessage, false},
		{"event", `{"session":"s1","message_id":"w2","kind":"event","event":"WELCOME"}`, platform.EventPostback, false},
		{"read", `{"session":"s1","message_id":"cm-1","kind":"read"}`, platform.EventRead, false},
		{"missing session", `{"message_id":"w1"}`, "", true},
		{"missing id", `{"session":"s1","text":"x"}`, "", true},
		{"unknown kind", `{"session":"s1","message_id":"w","kind":"poke"}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			events, err := a.ParseWebhook(httptest.NewRequest("POST", "/webhooks/webchat", strings.NewReader(tt.body)))
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseWebhook: %v", err)
			}
			if events[0].Kind != tt.kind {
				t.Errorf("Kind = %s, want %s", events[0].Kind, tt.kind)
			}
		})
	}
}

func TestParseWebhook_ProfileAndPushSubscription(t *testing.T) {
	a, _ := New(Opts{Publisher: &mockPublisher{}, Channel: "c", Now: fixedNow})
	body := `{"session":"s1","message_id":"w1","text":"hi","name":"Ann","timezone":"Europe/London","push_subscription":"{\"endpoint\":\"x\"}","customer_id":"user-1"}`
	events, err := a.ParseWebhook(httptest.NewRequest("POST", "/", strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	ev := events[0]
	if ev.Profile == nil || ev.Profile.Timezone != "Europe/London" {
		t.Errorf("Profile = %+v", ev.Profile)
	}
	if ev.PlatformData.WebChat == nil || len(ev.PlatformData.WebChat.PushSubscriptions) != 1 {
		t.Errorf("PlatformData = %+v", ev.PlatformData)
	}
	if ev.KnownCustomerID != "user-1" {
		t.Errorf("KnownCustomerID = %q", ev.KnownCustomerID)
	}
}
