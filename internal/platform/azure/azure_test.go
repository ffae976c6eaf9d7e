package azure

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
)

// Compile-time interface compliance checks.
var (
	_ platform.Adapter         = (*Adapter)(nil)
	_ platform.WebhookParser   = (*Adapter)(nil)
	_ platform.TypingIndicator = (*Adapter)(nil)
)

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New(Opts{TokenURL: "http://token"}); err == nil {
		t.Error("expected error without app credentials")
	}
	if _, err := New(Opts{AppID: "a", AppPassword: "b"}); err == nil {
		t.Error("expected error without token url")
	}
	if _, err := New(Opts{AppID: "a", AppPassword: "b", TokenURL: "http://token"}); err != nil {
		t.Errorf("New: %v", err)
	}
}

func TestSend_PostsActivity(t *testing.T) {
	var gotPath string
	var got activity
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewDecoder(r.Body).Decode(&got)
		json.NewEncoder(w).Encode(resourceResponse{ID: "act-1"})
	}))
	defer srv.Close()

	a, err := New(Opts{HTTPClient: srv.Client()})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ch := &models.ConversationChannel{
		Address: "29:user",
		PlatformData: models.PlatformData{Azure: &models.AzureData{
			ServiceURL:     srv.URL,
			ConversationID: "conv-1",
			BotID:          "28:bot",
		}},
	}
	res, err := a.Send(context.Background(), ch, &models.Message{
		Text:        "Hello",
		Suggestions: []models.MessageSuggestion{{Text: "Yes"}},
	})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID != "act-1" {
		t.Errorf("PlatformMessageID = %q", res.PlatformMessageID)
	}
	if gotPath != "/v3/conversations/conv-1/activities" {
		t.Errorf("path = %q", gotPath)
	}
	if got.Type != "message" || got.Text != "Hello" || got.From.ID != "28:bot" || got.Recipient.ID != "29:user" {
		t.Errorf("activity = %+v", got)
	}
	if got.SuggestedActions == nil || got.SuggestedActions.Actions[0].Value != "Yes" {
		t.Errorf("SuggestedActions = %+v", got.SuggestedActions)
	}
}

func TestSend_MissingRoutingData(t *testing.T) {
	a, _ := New(Opts{HTTPClient: http.DefaultClient})
	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "x"}, &models.Message{Text: "hi"})
	if err == nil || platform.IsRetryable(err) {
		t.Fatalf("err = %v, want permanent failure", err)
	}
}

func TestParseWebhook_Message(t *testing.T) {
	a, _ := New(Opts{HTTPClient: http.DefaultClient})
	body := `{"type":"message","id":"a1","timestamp":"2026-03-14T12:00:00.000Z",
		"serviceUrl":"https://smba.trafficmanager.net/emea/","channelId":"msteams",
		"from":{"id":"29:user","name":"Ann"},"recipient":{"id":"28:bot"},
		"conversation":{"id":"conv-1"},"text":"hello"}`

	events, err := a.ParseWebhook(httptest.NewRequest("POST", "/webhooks/azure", strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("len(events) = %d", len(events))
	}
	ev := events[0]
	if ev.Kind != platform.EventMessage || ev.Address != "29:user" || ev.PlatformMessageID != "a1" || ev.Text != "hello" {
		t.Errorf("event = %+v", ev)
	}
	az := ev.PlatformData.Azure
	if az == nil || az.ConversationID != "conv-1" || az.BotID != "28:bot" || !strings.HasPrefix(az.ServiceURL, "https://smba") {
		t.Errorf("Azure data = %+v", az)
	}
	if ev.Timestamp.Year() != 2026 {
		t.Errorf("Timestamp = %v", ev.Timestamp)
	}
}

func TestParseWebhook_ConversationUpdateIsWelcome(t *testing.T) {
	a, _ := New(Opts{HTTPClient: http.DefaultClient})
	body := `{"type":"conversationUpdate","from":{"id":"29:user"},"conversation":{"id":"c"},"serviceUrl":"https://x"}`
	events, err := a.ParseWebhook(httptest.NewRequest("POST", "/", strings.NewReader(body)))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 1 || events[0].Kind != platform.EventPostback || events[0].EventName != "WELCOME" {
		t.Fatalf("events = %+v", events)
	}
}

func TestParseWebhook_ConversationUpdatesAreDistinct(t *testing.T) {
	a, _ := New(Opts{HTTPClient: http.DefaultClient})
	parse := func(body string) platform.InboundEvent {
		t.Helper()
		events, err := a.ParseWebhook(httptest.NewRequest("POST", "/", strings.NewReader(body)))
		if err != nil || len(events) != 1 {
			t.Fatalf("ParseWebhook = %v, %v", events, err)
		}
		return events[0]
	}

	first := parse(`{"type":"conversationUpdate","timestamp":"2026-03-14T12:00:00Z","from":{"id":"29:user"},"conversation":{"id":"c"}}`)
	second := parse(`{"type":"conversationUpdate","timestamp":"2026-03-15T09:30:00Z","from":{"id":"29:user"},"conversation":{"id":"c"}}`)
	if first.PlatformMessageID == "" || first.PlatformMessageID == second.PlatformMessageID {
		t.Errorf("ids = %q and %q, want distinct non-empty ids", first.PlatformMessageID, second.PlatformMessageID)
	}
	retry := parse(`{"type":"conversationUpdate","timestamp":"2026-03-14T12:00:00Z","from":{"id":"29:user"},"conversation":{"id":"c"}}`)
	if retry.PlatformMessageID != first.PlatformMessageID {
		t.Errorf("retry id = %q, want %q", retry.PlatformMessageID, first.PlatformMessageID)
	}
	withID := parse(`{"type":"conversationUpdate","id":"act-9","from":{"id":"29:user"},"conversation":{"id":"c"}}`)
	if withID.PlatformMessageID != "act-9" {
		t.Errorf("id = %q, want the activity id", withID.PlatformMessageID)
	}
	bare := parse(`{"type":"conversationUpdate","from":{"id":"29:user"},"conversation":{"id":"c"}}`)
	if bare.PlatformMessageID != "" {
		t.Errorf("id = %q, want none without activity id or timestamp", bare.PlatformMessageID)
	}
}

func TestParseWebhook_IgnoresOtherTypes(t *testing.T) {
	a, _ := New(Opts{HTTPClient: http.DefaultClient})
	body := `{"type":"typing","from":{"id":"u"},"conversation":{"id":"c"}}`
	events, err := a.ParseWebhook(httptest.NewRequest("POST", "/", strings.NewReader(body)))
	if err != nil || len(events) != 0 {
		t.Fatalf("events = %v, err = %v", events, err)
	}
}
