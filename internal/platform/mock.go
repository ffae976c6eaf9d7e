package platform

import (
	"context"
	"fmt"
	"net/http"
	"sync"

	"github.com/zulandar/switchboard/internal/models"
)

// SentMessage records one call to MockAdapter.Send.
type SentMessage struct {
	ChannelID uint
	Address   string
	MessageID uint
	Text      string
	SignInURL string
}

// MockAdapter implements Adapter and every optional capability for
// testing. It records sends and can be told to fail them.
type MockAdapter struct {
	mu        sync.Mutex
	platform  models.Platform
	sent      []SentMessage
	typing    []bool
	failAddr  map[string]error
	failNext  []error
	events    []InboundEvent
	parseErr  error
	challenge string
	counter   int
}

// NewMockAdapter creates a MockAdapter for p.
func NewMockAdapter(p models.Platform) *MockAdapter {
	return &MockAdapter{platform: p, failAddr: make(map[string]error)}
}

// Platform implements Adapter.
func (m *MockAdapter) Platform() models.Platform {
	return m.platform
}

// Send records the message, or returns a configured failure.
func (m *MockAdapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (SendResult, error) {
	if err := ctx.Err(); err != nil {
		return SendResult{}, Transient(m.platform, err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.failNext) > 0 {
		err := m.failNext[0]
		m.failNext = m.failNext[1:]
		return SendResult{}, err
	}
	if err, ok := m.failAddr[ch.Address]; ok {
		return SendResult{}, err
	}
	m.counter++
	m.sent = append(m.sent, SentMessage{
		ChannelID: ch.ID,
		Address:   ch.Address,
		MessageID: msg.ID,
		Text:      msg.Text,
		SignInURL: msg.SignInURL,
	})
	return SendResult{PlatformMessageID: fmt.Sprintf("%s-%d", m.platform, m.counter)}, nil
}

// ParseWebhook returns the queued events.
func (m *MockAdapter) ParseWebhook(r *http.Request) ([]InboundEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.parseErr != nil {
		return nil, m.parseErr
	}
	events := m.events
	m.events = nil
	return events, nil
}

// VerifyWebhook accepts requests whose hub.verify_token matches the
// configured challenge.
func (m *MockAdapter) VerifyWebhook(r *http.Request) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.challenge == "" || r.URL.Query().Get("hub.verify_token") != m.challenge {
		return "", false
	}
	return r.URL.Query().Get("hub.challenge"), true
}

// SetTyping records the indicator state.
func (m *MockAdapter) SetTyping(ctx context.Context, ch *models.ConversationChannel, on bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.typing = append(m.typing, on)
	return nil
}

// NextAddress implements AlternateAddresser using the phone alternates.
func (m *MockAdapter) NextAddress(ch *models.ConversationChannel) (string, models.PlatformData, bool) {
	return NextPhoneAddress(ch)
}

// --- Test helpers ---

// FailAddress makes every send to addr return err.
func (m *MockAdapter) FailAddress(addr string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAddr[addr] = err
}

// FailNext makes the next send return err.
func (m *MockAdapter) FailNext(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = append(m.failNext, err)
}

// QueueEvents sets the events the next ParseWebhook call returns.
func (m *MockAdapter) QueueEvents(events ...InboundEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, events...)
}

// SetParseError makes ParseWebhook fail.
func (m *MockAdapter) SetParseError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.parseErr = err
}

// SetVerifyToken sets the token VerifyWebhook accepts.
func (m *MockAdapter) SetVerifyToken(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.challenge = token
}

// SentCount returns the number of successful sends.
func (m *MockAdapter) SentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

// AllSent returns a copy of all successful sends.
func (m *MockAdapter) AllSent() []SentMessage {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]SentMessage, len(m.sent))
	copy(out, m.sent)
	return out
}

// LastSent returns the most recent successful send.
func (m *MockAdapter) LastSent() (SentMessage, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.sent) == 0 {
		return SentMessage{}, false
	}
	return m.sent[len(m.sent)-1], true
}

// TypingCalls returns the recorded typing indicator states.
func (m *MockAdapter) TypingCalls() []bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]bool, len(m.typing))
	copy(out, m.typing)
	return out
}
