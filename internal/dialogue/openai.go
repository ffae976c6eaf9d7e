package dialogue

import (
	"context"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

const defaultSystemPrompt = "You are a friendly customer support assistant. Answer briefly. " +
	"If the customer asks for a person or you cannot help, include the marker %s in your reply."

// OpenAI answers with a chat completion model. It holds no session state;
// the caller supplies recent history.
type OpenAI struct {
	client        *openai.Client
	model         string
	systemPrompt  string
	handoffMarker string
	logger        *zap.Logger
}

// OpenAIOpts holds parameters for creating an OpenAI engine.
type OpenAIOpts struct {
	APIKey        string
	BaseURL       string
	Model         string
	SystemPrompt  string
	HandoffMarker string
	Logger        *zap.Logger
}

// NewOpenAI creates an OpenAI engine.
func NewOpenAI(opts OpenAIOpts) (*OpenAI, error) {
	if opts.APIKey == "" {
		return nil, fmt.Errorf("dialogue: openai api key is required")
	}
	if opts.Model == "" {
		return nil, fmt.Errorf("dialogue: openai model is required")
	}
	cfg := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		cfg.BaseURL = opts.BaseURL
	}
	e := &OpenAI{
		client:        openai.NewClientWithConfig(cfg),
		model:         opts.Model,
		systemPrompt:  opts.SystemPrompt,
		handoffMarker: opts.HandoffMarker,
		logger:        opts.Logger,
	}
	if e.handoffMarker == "" {
		e.handoffMarker = "[HUMAN]"
	}
	if e.systemPrompt == "" {
		e.systemPrompt = fmt.Sprintf(defaultSystemPrompt, e.handoffMarker)
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("openai")
	return e, nil
}

// Handle asks the model for the next assistant turn. A reply containing
// the handoff marker requests a human; the rest of the reply, if any, is
// still sent.
func (e *OpenAI) Handle(ctx context.Context, ref Ref, in Input) ([]Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(in.History)+2)
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: e.systemPrompt,
	})
	for _, turn := range in.History {
		role := openai.ChatMessageRoleAssistant
		if turn.FromCustomer {
			role = openai.ChatMessageRoleUser
		}
		messages = append(messages, openai.ChatCompletionMessage{Role: role, Content: turn.Text})
	}
	messages = append(messages, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleUser,
		Content: in.Utterance(),
	})

	resp, err := e.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:    e.model,
		Messages: messages,
		User:     ref.String(),
	})
	if err != nil {
		return nil, fmt.Errorf("dialogue: openai: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, nil
	}

	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	var replies []Reply
	human := strings.Contains(content, e.handoffMarker)
	if human {
		content = strings.TrimSpace(strings.ReplaceAll(content, e.handoffMarker, ""))
	}
	if content != "" {
		replies = append(replies, Reply{Text: content})
	}
	if human {
		replies = append(replies, Reply{HumanNeeded: true})
	}
	e.logger.Debug("completion",
		zap.String("sender", ref.String()),
		zap.Int("tokens_in", resp.Usage.PromptTokens),
		zap.Int("tokens_out", resp.Usage.CompletionTokens),
		zap.Bool("human_needed", human))
	return replies, nil
}
