package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/linking"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/routing"
)

var _ Operations = (*routing.Engine)(nil)

func TestNew_Validation(t *testing.T) {
	q := queue.NewMemory(queue.MemoryOpts{})
	reg := platform.NewRegistry()
	ops := newFakeOps()

	tests := []struct {
		name string
		opts Opts
		want string
	}{
		{"no operations", Opts{Registry: reg, Queue: q}, "operations are required"},
		{"no registry", Opts{Operations: ops, Queue: q}, "registry is required"},
		{"no queue", Opts{Operations: ops, Registry: reg}, "queue is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.opts)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want %q", err, tt.want)
			}
		})
	}

	s, err := New(Opts{Operations: ops, Registry: reg, Queue: q})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if s.port != 8080 {
		t.Errorf("port = %d, want 8080", s.port)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	h := newHarness(t, "")
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "switchboard_test_total", Help: "test"})
	counter.Inc()
	h.metrics.MustRegister(counter)

	rec := h.do(t, http.MethodGet, "/healthz", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz = %d %s", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodGet, "/metrics", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "switchboard_test_total 1") {
		t.Errorf("metrics = %d %s", rec.Code, rec.Body.String())
	}
}

func TestWebhook_QueuesEvents(t *testing.T) {
	h := newHarness(t, "")
	h.sms.QueueEvents(
		platform.InboundEvent{Kind: platform.EventMessage, Address: "+1", PlatformMessageID: "SM1", Text: "hi"},
		platform.InboundEvent{Kind: platform.EventDelivery, Platform: models.PlatformSMS, Address: "+1", ReceiptIDs: []string{"x"}},
	)

	rec := h.do(t, http.MethodPost, "/webhooks/sms", "Body=hi", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if h.queue.Len() != 2 {
		t.Fatalf("queued = %d, want 2", h.queue.Len())
	}
	tasks, _ := h.queue.Read(context.Background())
	if tasks[0].Kind != queue.TaskInbound || tasks[0].Event.Platform != models.PlatformSMS {
		t.Errorf("task = %+v, want inbound sms event", tasks[0])
	}
}

func TestWebhook_Errors(t *testing.T) {
	h := newHarness(t, "")

	if rec := h.do(t, http.MethodPost, "/webhooks/myspace", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown platform = %d, want 404", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/webhooks/telegram", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("unregistered platform = %d, want 404", rec.Code)
	}

	h.sms.SetParseError(errors.New("twilio: bad signature"))
	rec := h.do(t, http.MethodPost, "/webhooks/sms", "", "")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "bad signature") {
		t.Errorf("parse error = %d %s", rec.Code, rec.Body.String())
	}
	if h.queue.Len() != 0 {
		t.Errorf("nothing should be queued, got %d", h.queue.Len())
	}
}

func TestWebhook_Verification(t *testing.T) {
	h := newHarness(t, "")
	h.sms.SetVerifyToken("secret")

	rec := h.do(t, http.MethodGet, "/webhooks/sms?hub.verify_token=secret&hub.challenge=12345", "", "")
	if rec.Code != http.StatusOK || rec.Body.String() != "12345" {
		t.Errorf("verify = %d %q", rec.Code, rec.Body.String())
	}
	rec = h.do(t, http.MethodGet, "/webhooks/sms?hub.verify_token=wrong&hub.challenge=1", "", "")
	if rec.Code != http.StatusForbidden {
		t.Errorf("bad token = %d, want 403", rec.Code)
	}
	rec = h.do(t, http.MethodGet, "/webhooks/whatsapp", "", "")
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown platform = %d, want 404", rec.Code)
	}
}

func TestOperatorAPI_RequiresToken(t *testing.T) {
	h := newHarness(t, "s3cret")

	if rec := h.do(t, http.MethodGet, "/api/conversations/1", "", ""); rec.Code != http.StatusUnauthorized {
		t.Errorf("no token = %d, want 401", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/conversations/1", "", "nope"); rec.Code != http.StatusUnauthorized {
		t.Errorf("bad token = %d, want 401", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/conversations/1", "", "s3cret"); rec.Code != http.StatusOK {
		t.Errorf("good token = %d, want 200", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("healthz should not need a token, got %d", rec.Code)
	}
}

func TestOperatorAPI_Conversation(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodGet, "/api/conversations/1", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var view conversationView
	if err := json.Unmarshal(rec.Body.Bytes(), &view); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if view.ID != 1 || view.Owner != "bot" || view.CustomerID != "cust-1" || len(view.Channels) != 1 {
		t.Errorf("view = %+v", view)
	}

	if rec := h.do(t, http.MethodGet, "/api/conversations/2", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", rec.Code)
	}
	if rec := h.do(t, http.MethodGet, "/api/conversations/abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad id = %d, want 400", rec.Code)
	}
}

func TestOperatorAPI_Messages(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodGet, "/api/conversations/1/messages?limit=5", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Messages []messageView `json:"messages"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Messages) != 1 || body.Messages[0].Text != "hello" || body.Messages[0].Suggestions[0] != "Yes" {
		t.Errorf("messages = %+v", body.Messages)
	}
	if h.ops.lastLimit != 5 {
		t.Errorf("limit = %d, want 5", h.ops.lastLimit)
	}

	if rec := h.do(t, http.MethodGet, "/api/conversations/1/messages?limit=-1", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", rec.Code)
	}
}

func TestOperatorAPI_Ownership(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/conversations/1/takeover", `{"operator_id":"op-1"}`, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"owner":"human"`) {
		t.Errorf("takeover = %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/api/conversations/1/takeover", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("takeover without operator = %d, want 400", rec.Code)
	}

	rec = h.do(t, http.MethodPost, "/api/conversations/1/handback", "", "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"owner":"bot"`) {
		t.Errorf("handback = %d %s", rec.Code, rec.Body.String())
	}

	if rec := h.do(t, http.MethodPost, "/api/conversations/1/close", "", ""); rec.Code != http.StatusOK {
		t.Errorf("close = %d", rec.Code)
	}
	if got := h.ops.callsTo("close"); got != 1 {
		t.Errorf("close calls = %d", got)
	}
	if rec := h.do(t, http.MethodPost, "/api/conversations/2/handback", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("missing = %d, want 404", rec.Code)
	}
}

func TestOperatorAPI_Reply(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/conversations/1/messages", `{"operator_id":"op-1","text":"On it"}`, "")
	if rec.Code != http.StatusCreated {
		t.Fatalf("reply = %d %s", rec.Code, rec.Body.String())
	}
	var view messageView
	json.Unmarshal(rec.Body.Bytes(), &view)
	if view.Text != "On it" || view.OperatorID != "op-1" {
		t.Errorf("view = %+v", view)
	}

	h.ops.replyErr = routing.ErrSendFailed
	rec = h.do(t, http.MethodPost, "/api/conversations/1/messages", `{"operator_id":"op-1","text":"again"}`, "")
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"state":"failed"`) {
		t.Errorf("failed delivery = %d %s", rec.Code, rec.Body.String())
	}

	if rec := h.do(t, http.MethodPost, "/api/conversations/1/messages", `{"operator_id":"op-1"}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("no text = %d, want 400", rec.Code)
	}
}

func TestOperatorAPI_IdentityAndRating(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/conversations/1/identity", `{"customer_id":"cust-9"}`, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"customer_id":"cust-9"`) {
		t.Errorf("identity = %d %s", rec.Code, rec.Body.String())
	}
	if rec := h.do(t, http.MethodPost, "/api/conversations/1/identity", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("identity without id = %d, want 400", rec.Code)
	}

	if rec := h.do(t, http.MethodPost, "/api/conversations/1/rating", `{"rating":5}`, ""); rec.Code != http.StatusOK {
		t.Errorf("rating = %d", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/conversations/1/rating", `{"rating":9}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("bad rating = %d, want 400", rec.Code)
	}
}

func TestSendToCustomer_Statuses(t *testing.T) {
	h := newHarness(t, "")

	rec := h.do(t, http.MethodPost, "/api/customers/cust-1/messages", `{"text":"Your order shipped","tag":"POST_PURCHASE_UPDATE"}`, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"status":"ok"`) {
		t.Errorf("ok = %d %s", rec.Code, rec.Body.String())
	}
	if h.ops.lastSend.Tag != "POST_PURCHASE_UPDATE" || h.ops.lastCustomer != "cust-1" {
		t.Errorf("send = %+v to %q", h.ops.lastSend, h.ops.lastCustomer)
	}

	h.ops.sendErr = routing.ErrNoEligibleChannel
	rec = h.do(t, http.MethodPost, "/api/customers/cust-1/messages", `{"text":"x","alert":true}`, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "no_platform_available") {
		t.Errorf("no platform = %d %s", rec.Code, rec.Body.String())
	}
	if !h.ops.lastSend.IsAlert {
		t.Error("alert flag not passed through")
	}

	h.ops.sendErr = identity.ErrConversationNotFound
	if rec := h.do(t, http.MethodPost, "/api/customers/nobody/messages", `{"text":"x"}`, ""); rec.Code != http.StatusNotFound {
		t.Errorf("unknown customer = %d, want 404", rec.Code)
	}
	if rec := h.do(t, http.MethodPost, "/api/customers/cust-1/messages", `{}`, ""); rec.Code != http.StatusBadRequest {
		t.Errorf("no text = %d, want 400", rec.Code)
	}
}

func TestEvents_StreamsHubEvents(t *testing.T) {
	h := newHarness(t, "")
	srv := httptest.NewServer(h.server.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/events")
	if err != nil {
		t.Fatalf("GET /api/events: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("Content-Type = %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() (string, string) {
		var name, data string
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				t.Fatalf("read stream: %v", err)
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			case line == "":
				return name, data
			}
		}
	}

	if name, _ := readEvent(); name != "connected" {
		t.Fatalf("first event = %q, want connected", name)
	}

	// Wait for the handler to subscribe before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for h.hub.Subscribers() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	h.hub.Alert(context.Background(), notify.Alert{Kind: notify.AlertHandoffRequested, ConversationID: 7, Text: "help"})

	name, data := readEvent()
	if name != "alert" || !strings.Contains(data, `"handoff_requested"`) || !strings.Contains(data, `"conversation_id":7`) {
		t.Errorf("event = %q %s", name, data)
	}

	h.hub.Close()
	if _, err := reader.ReadString('\n'); err == nil {
		t.Error("stream should end when the hub closes")
	}
}

func TestEvents_DisabledWithoutHub(t *testing.T) {
	h := newHarness(t, "")
	h.server.hub = nil
	if rec := h.do(t, http.MethodGet, "/api/events", "", ""); rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", rec.Code)
	}
}

func TestSignInCallback(t *testing.T) {
	h := newHarness(t, "secret")

	// No operator token: customers open this from their browser.
	rec := h.do(t, "GET", "/link/st-1?customer_id=cust-1&sig=abc", "", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "signed in") {
		t.Errorf("body = %q", rec.Body.String())
	}
	if got := strings.Join(h.ops.signIn, ","); got != "st-1,cust-1,abc" {
		t.Errorf("CompleteSignIn args = %s", got)
	}

	if rec := h.do(t, "GET", "/link/st-1?sig=abc", "", ""); rec.Code != http.StatusBadRequest {
		t.Errorf("missing customer status = %d, want 400", rec.Code)
	}
}

func TestSignInCallback_Statuses(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"bad signature", fmt.Errorf("routing: complete sign-in: %w", linking.ErrBadSignature), http.StatusForbidden},
		{"unknown state", fmt.Errorf("routing: complete sign-in: %w", linking.ErrStateNotFound), http.StatusBadRequest},
		{"expired", fmt.Errorf("routing: complete sign-in: %w", linking.ErrStateExpired), http.StatusBadRequest},
		{"disabled", routing.ErrSignInDisabled, http.StatusNotFound},
		{"channel gone", fmt.Errorf("routing: complete sign-in: %w", identity.ErrChannelNotFound), http.StatusNotFound},
		{"store down", errors.New("db down"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, "")
			h.ops.signInErr = tt.err
			if rec := h.do(t, "GET", "/link/st-1?customer_id=cust-1&sig=abc", "", ""); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

// --- Test helpers ---

type harness struct {
	server  *Server
	ops     *fakeOps
	queue   *queue.MemoryQueue
	sms     *platform.MockAdapter
	hub     *notify.Hub
	metrics *prometheus.Registry
}

func newHarness(t *testing.T, token string) *harness {
	t.Helper()
	h := &harness{
		ops:     newFakeOps(),
		queue:   queue.NewMemory(queue.MemoryOpts{Block: 10 * time.Millisecond}),
		sms:     platform.NewMockAdapter(models.PlatformSMS),
		hub:     notify.NewHub(),
		metrics: prometheus.NewRegistry(),
	}
	reg := platform.NewRegistry()
	reg.MustRegister(h.sms)

	var err error
	h.server, err = New(Opts{
		Operations:    h.ops,
		Registry:      reg,
		Queue:         h.queue,
		Hub:           h.hub,
		OperatorToken: token,
		Gatherer:      h.metrics,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return h
}

func (h *harness) do(t *testing.T, method, path, body, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if strings.HasPrefix(body, "{") {
		req.Header.Set("Content-Type", "application/json")
	} else if body != "" {
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	h.server.Handler().ServeHTTP(rec, req)
	return rec
}

// fakeOps serves conversation 1 and reports everything else as missing.
type fakeOps struct {
	mu           sync.Mutex
	conv         models.Conversation
	calls        map[string]int
	lastLimit    int
	lastSend     routing.OutboundRequest
	lastCustomer string
	replyErr     error
	sendErr      error
	signIn       []string
	signInErr    error
}

func newFakeOps() *fakeOps {
	cid := "cust-1"
	return &fakeOps{
		conv: models.Conversation{
			ID:         1,
			CustomerID: &cid,
			Channels:   []models.ConversationChannel{{ID: 3, Platform: models.PlatformSMS, Address: "+1"}},
		},
		calls: make(map[string]int),
	}
}

func (f *fakeOps) get(id uint, call string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[call]++
	if id != f.conv.ID {
		return nil, fmt.Errorf("routing: %s: %w", call, identity.ErrConversationNotFound)
	}
	c := f.conv
	return &c, nil
}

func (f *fakeOps) callsTo(call string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[call]
}

func (f *fakeOps) Conversation(_ context.Context, id uint) (*models.Conversation, error) {
	return f.get(id, "conversation")
}

func (f *fakeOps) Messages(_ context.Context, id uint, limit int) ([]models.Message, error) {
	f.mu.Lock()
	f.lastLimit = limit
	f.mu.Unlock()
	return []models.Message{{
		ID:             10,
		ConversationID: id,
		Direction:      models.DirectionToCustomer,
		Text:           "hello",
		State:          models.StateDelivered,
		Suggestions:    []models.MessageSuggestion{{Text: "Yes"}},
	}}, nil
}

func (f *fakeOps) TakeOver(_ context.Context, id uint, operatorID string) (*models.Conversation, error) {
	conv, err := f.get(id, "takeover")
	if err != nil {
		return nil, err
	}
	conv.AgentResponding = true
	conv.CurrentAgentID = &operatorID
	return conv, nil
}

func (f *fakeOps) HandBack(_ context.Context, id uint) (*models.Conversation, error) {
	return f.get(id, "handback")
}

func (f *fakeOps) Close(_ context.Context, id uint) (*models.Conversation, error) {
	return f.get(id, "close")
}

func (f *fakeOps) Reply(_ context.Context, id uint, operatorID, text string) (*models.Message, error) {
	if _, err := f.get(id, "reply"); err != nil {
		return nil, err
	}
	msg := &models.Message{
		ID:             11,
		ConversationID: id,
		Direction:      models.DirectionToCustomer,
		Text:           text,
		OperatorID:     &operatorID,
		State:          models.StateDelivered,
	}
	if f.replyErr != nil {
		msg.State = models.StateFailed
	}
	return msg, f.replyErr
}

func (f *fakeOps) BindIdentity(_ context.Context, id uint, customerID string) (*models.Conversation, error) {
	conv, err := f.get(id, "identity")
	if err != nil {
		return nil, err
	}
	conv.CustomerID = &customerID
	return conv, nil
}

func (f *fakeOps) RecordRating(_ context.Context, id uint, rating int) error {
	if rating < 1 || rating > 5 {
		return routing.ErrInvalidRating
	}
	_, err := f.get(id, "rating")
	return err
}

func (f *fakeOps) CompleteSignIn(_ context.Context, state, customerID, sig string) (*models.Conversation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signIn = []string{state, customerID, sig}
	if f.signInErr != nil {
		return nil, f.signInErr
	}
	c := f.conv
	return &c, nil
}

func (f *fakeOps) SendToCustomer(_ context.Context, customerID string, req routing.OutboundRequest) (*models.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lastSend = req
	f.lastCustomer = customerID
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	return &models.Message{ID: 12, Text: req.Text, State: models.StateSending}, nil
}
