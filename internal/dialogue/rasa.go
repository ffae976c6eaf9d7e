package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

const paymentText = "To complete payment follow this link"

// Rasa talks to a Rasa server through its REST input channel.
type Rasa struct {
	url        string
	httpClient *http.Client
	logger     *zap.Logger
}

// RasaOpts holds parameters for creating a Rasa engine.
type RasaOpts struct {
	URL        string
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// NewRasa creates a Rasa engine.
func NewRasa(opts RasaOpts) (*Rasa, error) {
	if opts.URL == "" {
		return nil, fmt.Errorf("dialogue: rasa url is required")
	}
	r := &Rasa{
		url:        strings.TrimRight(opts.URL, "/"),
		httpClient: opts.HTTPClient,
		logger:     opts.Logger,
	}
	if r.httpClient == nil {
		r.httpClient = &http.Client{}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	r.logger = r.logger.Named("rasa")
	return r, nil
}

type rasaRequest struct {
	Sender  string `json:"sender"`
	Message string `json:"message"`
}

type rasaButton struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

type rasaCustom struct {
	Type      string          `json:"type"`
	Text      string          `json:"text"`
	Request   string          `json:"request"`
	Card      json.RawMessage `json:"card"`
	PaymentID string          `json:"payment_id"`
}

type rasaItem struct {
	RecipientID string       `json:"recipient_id"`
	Text        string       `json:"text"`
	Image       string       `json:"image"`
	Buttons     []rasaButton `json:"buttons"`
	Custom      *rasaCustom  `json:"custom"`
}

// Handle posts the utterance and converts the bot's messages into replies.
func (r *Rasa) Handle(ctx context.Context, ref Ref, in Input) ([]Reply, error) {
	body, err := json.Marshal(rasaRequest{Sender: ref.String(), Message: in.Utterance()})
	if err != nil {
		return nil, fmt.Errorf("dialogue: rasa: encode request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.url+"/webhooks/rest/webhook", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("dialogue: rasa: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("dialogue: rasa: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("dialogue: rasa: http %d: %s", resp.StatusCode, raw)
	}

	var items []rasaItem
	if err := json.NewDecoder(resp.Body).Decode(&items); err != nil {
		return nil, fmt.Errorf("dialogue: rasa: decode response: %w", err)
	}
	r.logger.Debug("rasa replied",
		zap.String("sender", ref.String()),
		zap.Int("items", len(items)),
		zap.Duration("took", time.Since(start)))

	var replies []Reply
	for _, item := range items {
		if reply, ok := convertRasaItem(item); ok {
			replies = append(replies, reply)
		}
	}
	return replies, nil
}

func convertRasaItem(item rasaItem) (Reply, bool) {
	if item.RecipientID == "" {
		return Reply{}, false
	}
	var reply Reply
	switch {
	case item.Text != "":
		reply.Text = item.Text
	case item.Image != "":
		reply.ImageURL = item.Image
	case item.Custom != nil:
		switch item.Custom.Type {
		case "request_human":
			return Reply{HumanNeeded: true}, true
		case "request":
			reply.Text = item.Custom.Text
			reply.Request = item.Custom.Request
		case "card":
			if len(item.Custom.Card) == 0 {
				return Reply{}, false
			}
			reply.Card = string(item.Custom.Card)
		case "restart":
			reply.End = true
		case "payment":
			if item.Custom.PaymentID == "" {
				return Reply{}, false
			}
			reply.Text = paymentText
			reply.PaymentRequestID = item.Custom.PaymentID
		default:
			return Reply{}, false
		}
	default:
		return Reply{}, false
	}
	for _, b := range item.Buttons {
		reply.Suggestions = append(reply.Suggestions, b.Payload)
	}
	return reply, true
}
