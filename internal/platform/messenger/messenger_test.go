package messenger

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
)

// Compile-time interface compliance checks.
var (
	_ platform.Adapter         = (*Adapter)(nil)
	_ platform.WebhookParser   = (*Adapter)(nil)
	_ platform.WebhookVerifier = (*Adapter)(nil)
	_ platform.TypingIndicator = (*Adapter)(nil)
)

type graphStub struct {
	mu     sync.Mutex
	bodies []sendRequest
	tokens []string
	status int
}

func newGraphStub(t *testing.T, status int) (*graphStub, *httptest.Server) {
	t.Helper()
	stub := &graphStub{status: status}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body sendRequest
		json.NewDecoder(r.Body).Decode(&body)
		stub.mu.Lock()
		stub.bodies = append(stub.bodies, body)
		stub.tokens = append(stub.tokens, r.URL.Query().Get("access_token"))
		n := len(stub.bodies)
		stub.mu.Unlock()
		w.WriteHeader(stub.status)
		if stub.status < 300 {
			json.NewEncoder(w).Encode(sendResponse{RecipientID: body.Recipient.ID, MessageID: "m_" + string(rune('0'+n))})
			return
		}
		io.WriteString(w, `{"error":{"message":"outside window","code":10}}`)
	}))
	t.Cleanup(srv.Close)
	return stub, srv
}

func newTestAdapter(t *testing.T, graphURL string) *Adapter {
	t.Helper()
	a, err := New(Opts{GraphURL: graphURL, PageAccessToken: "page-token", VerifyToken: "verify", AppSecret: "secret"})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return a
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Opts{GraphURL: "http://x"}); err == nil {
		t.Error("expected error without token")
	}
	if _, err := New(Opts{PageAccessToken: "t"}); err == nil {
		t.Error("expected error without graph url")
	}
}

func TestSend_TaggedMessage(t *testing.T) {
	stub, srv := newGraphStub(t, http.StatusOK)
	a := newTestAdapter(t, srv.URL)

	res, err := a.Send(context.Background(),
		&models.ConversationChannel{Address: "psid-1"},
		&models.Message{
			Text:        "Your repair is booked",
			Tag:         "CONFIRMED_EVENT_UPDATE",
			Suggestions: []models.MessageSuggestion{{Text: "Thanks"}},
		})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if res.PlatformMessageID == "" {
		t.Error("empty PlatformMessageID")
	}
	got := stub.bodies[0]
	if got.MessagingType != "MESSAGE_TAG" || got.Tag != "CONFIRMED_EVENT_UPDATE" {
		t.Errorf("messaging_type/tag = %q/%q", got.MessagingType, got.Tag)
	}
	if got.Message == nil || got.Message.Text != "Your repair is booked" || len(got.Message.QuickReplies) != 1 {
		t.Errorf("message = %+v", got.Message)
	}
	if stub.tokens[0] != "page-token" {
		t.Errorf("access_token = %q", stub.tokens[0])
	}
}

func TestSend_ImageThenText(t *testing.T) {
	stub, srv := newGraphStub(t, http.StatusOK)
	a := newTestAdapter(t, srv.URL)

	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "psid"},
		&models.Message{Text: "Here it is", ImageURL: "https://img/1.png"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(stub.bodies) != 2 {
		t.Fatalf("requests = %d, want 2", len(stub.bodies))
	}
	if stub.bodies[0].Message.Attachment == nil || stub.bodies[1].Message.Text != "Here it is" {
		t.Errorf("bodies = %+v", stub.bodies)
	}
	if stub.bodies[0].MessagingType != "RESPONSE" {
		t.Errorf("messaging_type = %q, want RESPONSE", stub.bodies[0].MessagingType)
	}
}

func TestSend_SignInButton(t *testing.T) {
	stub, srv := newGraphStub(t, http.StatusOK)
	a := newTestAdapter(t, srv.URL)

	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "psid"},
		&models.Message{
			Text:      "Sign in to see your orders",
			Request:   models.RequestSignIn,
			SignInURL: "https://login.example.com/?state=s1",
		})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if len(stub.bodies) != 1 {
		t.Fatalf("requests = %d, want 1", len(stub.bodies))
	}
	att := stub.bodies[0].Message.Attachment
	if att == nil || att.Type != "template" || att.Payload.TemplateType != "button" {
		t.Fatalf("attachment = %+v, want button template", att)
	}
	if att.Payload.Text != "Sign in to see your orders" {
		t.Errorf("template text = %q", att.Payload.Text)
	}
	if len(att.Payload.Buttons) != 1 || att.Payload.Buttons[0].URL != "https://login.example.com/?state=s1" ||
		att.Payload.Buttons[0].Type != "web_url" {
		t.Errorf("buttons = %+v", att.Payload.Buttons)
	}
}

func TestSend_SignInWithoutText(t *testing.T) {
	stub, srv := newGraphStub(t, http.StatusOK)
	a := newTestAdapter(t, srv.URL)

	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "psid"},
		&models.Message{Request: models.RequestSignIn, SignInURL: "https://login.example.com/?state=s2"})
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if att := stub.bodies[0].Message.Attachment; att == nil || att.Payload.Text != defaultSignInText {
		t.Errorf("attachment = %+v", att)
	}
}

func TestSend_GraphErrorIsPermanent(t *testing.T) {
	_, srv := newGraphStub(t, http.StatusBadRequest)
	a := newTestAdapter(t, srv.URL)
	_, err := a.Send(context.Background(), &models.ConversationChannel{Address: "psid"}, &models.Message{Text: "hi"})
	if err == nil || platform.IsRetryable(err) {
		t.Fatalf("err = %v, want permanent failure", err)
	}
}

func TestSetTyping(t *testing.T) {
	stub, srv := newGraphStub(t, http.StatusOK)
	a := newTestAdapter(t, srv.URL)
	ch := &models.ConversationChannel{Address: "psid"}
	a.SetTyping(context.Background(), ch, true)
	a.SetTyping(context.Background(), ch, false)
	if stub.bodies[0].SenderAction != "typing_on" || stub.bodies[1].SenderAction != "typing_off" {
		t.Errorf("actions = %q, %q", stub.bodies[0].SenderAction, stub.bodies[1].SenderAction)
	}
}

func TestVerifyWebhook(t *testing.T) {
	a := newTestAdapter(t, "http://unused")
	body, ok := a.VerifyWebhook(httptest.NewRequest("GET", "/?hub.mode=subscribe&hub.verify_token=verify&hub.challenge=123", nil))
	if !ok || body != "123" {
		t.Errorf("VerifyWebhook = %q, %v", body, ok)
	}
	if _, ok := a.VerifyWebhook(httptest.NewRequest("GET", "/?hub.mode=subscribe&hub.verify_token=nope&hub.challenge=1", nil)); ok {
		t.Error("accepted wrong verify token")
	}
}

func signedRequest(secret, body string) *http.Request {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	r := httptest.NewRequest("POST", "/webhooks/messenger", strings.NewReader(body))
	r.Header.Set("X-Hub-Signature-256", "sha256="+hex.EncodeToString(mac.Sum(nil)))
	return r
}

func TestParseWebhook_Batch(t *testing.T) {
	a := newTestAdapter(t, "http://unused")
	body := `{"object":"page","entry":[{"messaging":[
		{"sender":{"id":"p1"},"recipient":{"id":"page"},"timestamp":1700000000000,
		 "message":{"mid":"m1","text":"hello","attachments":[{"type":"image","payload":{"url":"https://img/a.jpg"}}]}},
		{"sender":{"id":"p1"},"recipient":{"id":"page"},"timestamp":1700000001000,
		 "message":{"mid":"m2","text":"Book","quick_reply":{"payload":"/book"}}},
		{"sender":{"id":"p1"},"recipient":{"id":"page"},"timestamp":1700000002000,
		 "postback":{"title":"Get started","payload":"/greet"}},
		{"sender":{"id":"page"},"recipient":{"id":"p1"},"timestamp":1700000003000,
		 "message":{"mid":"m3","text":"echo","is_echo":true}},
		{"sender":{"id":"p1"},"recipient":{"id":"page"},"timestamp":1700000004000,
		 "delivery":{"mids":["out1"],"watermark":1700000003500}},
		{"sender":{"id":"p1"},"recipient":{"id":"page"},"timestamp":1700000005000,
		 "read":{"watermark":1700000004500}}
	]}]}`

	events, err := a.ParseWebhook(signedRequest("secret", body))
	if err != nil {
		t.Fatalf("ParseWebhook: %v", err)
	}
	if len(events) != 5 {
		t.Fatalf("len(events) = %d, want 5 (echo dropped)", len(events))
	}

	wantKinds := []platform.EventKind{platform.EventMessage, platform.EventPostback, platform.EventPostback, platform.EventDelivery, platform.EventRead}
	for i, k := range wantKinds {
		if events[i].Kind != k {
			t.Errorf("events[%d].Kind = %s, want %s", i, events[i].Kind, k)
		}
	}
	if events[0].ImageURL != "https://img/a.jpg" {
		t.Errorf("ImageURL = %q", events[0].ImageURL)
	}
	if events[1].EventName != "/book" {
		t.Errorf("quick reply EventName = %q", events[1].EventName)
	}
	if events[2].EventName != "/greet" || events[2].PlatformMessageID == "" {
		t.Errorf("postback = %+v", events[2])
	}
	if events[3].ReceiptIDs[0] != "out1" {
		t.Errorf("delivery ReceiptIDs = %v", events[3].ReceiptIDs)
	}
	if !events[4].Watermark.Equal(time.UnixMilli(1700000004500).UTC()) {
		t.Errorf("read Watermark = %v", events[4].Watermark)
	}
}

func TestParseWebhook_RejectsBadSignature(t *testing.T) {
	a := newTestAdapter(t, "http://unused")
	if _, err := a.ParseWebhook(signedRequest("other", `{"object":"page","entry":[]}`)); err == nil {
		t.Fatal("expected signature failure")
	}
}
