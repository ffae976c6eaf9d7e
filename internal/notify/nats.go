package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
)

// DefaultSubjectPrefix prefixes every NATS subject.
const DefaultSubjectPrefix = "switchboard"

// natsPublisher is the subset of *nats.Conn used here.
type natsPublisher interface {
	Publish(subject string, data []byte) error
}

// NATS publishes events on "<prefix>.conversation", "<prefix>.message" and
// "<prefix>.alert".
type NATS struct {
	conn   natsPublisher
	prefix string
	now    func() time.Time
}

// NATSOpts holds parameters for creating a NATS notifier.
type NATSOpts struct {
	Conn          *nats.Conn
	SubjectPrefix string
	// For testing: inject a publisher instead of a live connection.
	Publisher natsPublisher
	Now       func() time.Time
}

// NewNATS creates a NATS notifier.
func NewNATS(opts NATSOpts) (*NATS, error) {
	n := &NATS{prefix: opts.SubjectPrefix, now: opts.Now}
	switch {
	case opts.Publisher != nil:
		n.conn = opts.Publisher
	case opts.Conn != nil:
		n.conn = opts.Conn
	default:
		return nil, fmt.Errorf("notify: nats connection is required")
	}
	if n.prefix == "" {
		n.prefix = DefaultSubjectPrefix
	}
	if n.now == nil {
		n.now = time.Now
	}
	return n, nil
}

// ConnectNATS dials url with reconnects enabled.
func ConnectNATS(url string) (*nats.Conn, error) {
	nc, err := nats.Connect(url,
		nats.Name("switchboard"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("notify: connect to nats %s: %w", url, err)
	}
	return nc, nil
}

func (n *NATS) ConversationChanged(_ context.Context, id uint) error {
	return n.publish(Event{Type: eventConversation, ConversationID: id})
}

func (n *NATS) MessageChanged(_ context.Context, id uint) error {
	return n.publish(Event{Type: eventMessage, MessageID: id})
}

func (n *NATS) Alert(_ context.Context, alert Alert) error {
	return n.publish(Event{Type: eventAlert, ConversationID: alert.ConversationID, Alert: &alert})
}

func (n *NATS) publish(evt Event) error {
	evt.At = n.now().UTC()
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: nats: encode %s: %w", evt.Type, err)
	}
	subject := n.prefix + "." + evt.Type
	if err := n.conn.Publish(subject, raw); err != nil {
		return fmt.Errorf("notify: nats: publish %s: %w", subject, err)
	}
	return nil
}
