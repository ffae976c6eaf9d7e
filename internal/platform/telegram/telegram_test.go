package telegram

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
)

// Compile-time interface compliance checks.
var (
	_ platform.Adapter         = (*Adapter)(nil)
	_ platform.WebhookParser   = (*Adapter)(nil)
	_ platform.TypingIndicator = (*Adapter)(nil)
)

type mockBot struct {
	sent     []tgbotapi.Chattable
	requests []tgbotapi.Chattable
	err      error
	nextID   int
}

func (m *mockBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if m.err != nil {
		return tgbotapi.Message{}, m.err
	}
	m.sent = append(m.sent, c)
	m.nextID++
	return tgbotapi.Message{MessageID: m.nextID}, nil
}

func (m *mockBot) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	m.requests = append(m.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func newTestAdapter(t *testing.T, bot *mockBot) *Adapter {
	t.Helper()
	a, err := New(Opts{Client: bot})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_RequiresToken(t *testing.T) {
	if _, err := New(Opts{}); err == nil {
		t.Fatal("expected error without token or client")
	}
}

func TestSend_Text(t *testing.T) {
	bot := &mockBot{}
	a := newTestAdapter(t, bot)

	res, err := a.Send(context.Background(), &models.ConversationChannel{Address: "4242"}, &models.Message{
		Text:        "Which device?",
		Suggestions: []models.MessageSuggestion{{Text: "Phone"}, {Text: "Laptop"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID != "1" {
		t.Errorf("PlatformMessageID = %q, want 1", res.PlatformMessageID)
	}
	m, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("sent %T, want MessageConfig", bot.sent[0])
	}
	if m.ChatID != 4242 || m.Text != "Which device?" {
		t.Errorf("message = chat %d text %q", m.ChatID, m.Text)
	}
	kb, ok := m.ReplyMarkup.(tgbotapi.ReplyKeyboardMarkup)
	if !ok || len(kb.Keyboard[0]) != 2 {
		t.Errorf("ReplyMarkup = %#v, want two buttons", m.ReplyMarkup)
	}
}

func TestSend_Photo(t *testing.T) {
	bot := &mockBot{}
	a := newTestAdapter(t, bot)

	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "1"}, &models.Message{ImageURL: "https://img/x.png"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if _, ok := bot.sent[0].(tgbotapi.PhotoConfig); !ok {
		t.Fatalf("sent %T, want PhotoConfig", bot.sent[0])
	}
}

func TestSend_Failures(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})
	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "@chan"}, &models.Message{Text: "x"})
	if err == nil || platform.IsRetryable(err) {
		t.Errorf("non-numeric chat: err = %v, want permanent", err)
	}

	tests := []struct {
		err       error
		retryable bool
	}{
		{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, true},
		{&tgbotapi.Error{Code: 403, Message: "bot was blocked by the user"}, false},
		{errors.New("connection reset"), true},
	}
	for _, tt := range tests {
		a := newTestAdapter(t, &mockBot{err: tt.err})
		_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "1"}, &models.Message{Text: "x"})
		if platform.IsRetryable(err) != tt.retryable {
			t.Errorf("%v: retryable = %v, want %v", tt.err, platform.IsRetryable(err), tt.retryable)
		}
	}
}

func TestSetTyping(t *testing.T) {
	bot := &mockBot{}
	a := newTestAdapter(t, bot)
	ch := &models.ConversationChannel{Address: "7"}

	if err := a.SetTyping(context.Background(), ch, true); err != nil {
		t.Fatalf("SetTyping: %v", err)
	}
	if err := a.SetTyping(context.Background(), ch, false); err != nil {
		t.Fatalf("SetTyping off: %v", err)
	}
	if len(bot.requests) != 1 {
		t.Errorf("requests = %d, want 1", len(bot.requests))
	}
}

func TestParseWebhook_Message(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})
	body := `{"update_id":1,"message":{"message_id":55,"date":1700000000,
		"chat":{"id":4242,"type":"private"},
		"from":{"id":4242,"is_bot":false,"first_name":"Ann","last_name":"Lee"},
		"text":"hello"}}`

	events, err := a.ParseWebhook(httptest.NewRequest("POST", "/webhooks/telegram", strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d, want 1", len(events))
	}
	ev := events[0]
	if ev.Address != "4242" || ev.PlatformMessageID != "55" || ev.Text != "hello" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Profile == nil || ev.Profile.DisplayName != "Ann Lee" {
		t.Errorf("Profile = %+v", ev.Profile)
	}
	if ev.Timestamp.Unix() != 1700000000 {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}
}

func TestParseWebhook_CallbackQuery(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})
	body := `{"update_id":2,"callback_query":{"id":"cq1","data":"/book_repair",
		"from":{"id":9,"is_bot":false,"first_name":"Bo"},
		"message":{"message_id":3,"date":1700000000,"chat":{"id":9,"type":"private"}}}}`

	events, err := a.ParseWebhook(httptest.NewRequest("POST", "/", strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 1 || events[0].Kind != platform.EventPostback || events[0].EventName != "/book_repair" {
		t.Fatalf("events = %+v", events)
	}
}

func TestParseWebhook_BadJSON(t *testing.T) {
	a := newTestAdapter(t, &mockBot{})
	if _, err := a.ParseWebhook(httptest.NewRequest("POST", "/", strings.NewReader("{"))); err == nil {
		t.Fatal("expected decode error")
	}
}
