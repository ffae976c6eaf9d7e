// Package telegram implements the Telegram bot adapter.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
)

// botClient abstracts the Bot API methods we use, enabling test mocks.
type botClient interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
}

// Adapter implements platform.Adapter for Telegram.
type Adapter struct {
	token  string
	mu     sync.Mutex
	client botClient
	logger *zap.Logger
}

// Opts holds parameters for creating an Adapter.
type Opts struct {
	BotToken string
	// For testing: inject a mock client instead of the real Bot API.
	Client botClient
	Logger *zap.Logger
}

// New creates an Adapter. The Bot API client is created on first use.
func New(opts Opts) (*Adapter, error) {
	if opts.Client == nil && opts.BotToken == "" {
		return nil, fmt.Errorf("telegram: bot token is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{token: opts.BotToken, client: opts.Client, logger: logger.Named("telegram")}, nil
}

// Platform implements platform.Adapter.
func (a *Adapter) Platform() models.Platform {
	return models.PlatformTelegram
}

func (a *Adapter) bot() (botClient, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return a.client, nil
	}
	api, err := tgbotapi.NewBotAPI(a.token)
	if err != nil {
		return nil, err
	}
	a.client = api
	return api, nil
}

func chatID(ch *models.ConversationChannel) (int64, error) {
	id, err := strconv.ParseInt(ch.Address, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("telegram: chat id %q is not numeric", ch.Address)
	}
	return id, nil
}

// Send delivers text, an optional photo and quick-reply buttons.
func (a *Adapter) Send(ctx context.Context, ch *models.ConversationChannel, msg *models.Message) (platform.SendResult, error) {
	id, err := chatID(ch)
	if err != nil {
		return platform.SendResult{}, platform.Permanent(models.PlatformTelegram, err)
	}
	bot, err := a.bot()
	if err != nil {
		return platform.SendResult{}, platform.Transient(models.PlatformTelegram, err)
	}

	plain := *msg
	plain.Suggestions = nil
	plain.ImageURL = ""
	text, err := platform.RenderText(&plain)
	if err != nil && msg.ImageURL == "" {
		return platform.SendResult{}, platform.Permanent(models.PlatformTelegram, err)
	}

	var keyboard interface{}
	if len(msg.Suggestions) > 0 {
		row := make([]tgbotapi.KeyboardButton, 0, len(msg.Suggestions))
		for _, s := range msg.Suggestions {
			row = append(row, tgbotapi.NewKeyboardButton(s.Text))
		}
		kb := tgbotapi.NewReplyKeyboard(row)
		kb.OneTimeKeyboard = true
		keyboard = kb
	} else {
		keyboard = tgbotapi.NewRemoveKeyboard(false)
	}

	var c tgbotapi.Chattable
	if msg.ImageURL != "" {
		photo := tgbotapi.NewPhoto(id, tgbotapi.FileURL(msg.ImageURL))
		photo.Caption = text
		photo.ReplyMarkup = keyboard
		c = photo
	} else {
		m := tgbotapi.NewMessage(id, text)
		m.ReplyMarkup = keyboard
		c = m
	}

	if err := ctx.Err(); err != nil {
		return platform.SendResult{}, platform.Transient(models.PlatformTelegram, err)
	}
	sent, err := bot.Send(c)
	if err != nil {
		return platform.SendResult{}, classify(err)
	}
	return platform.SendResult{PlatformMessageID: strconv.Itoa(sent.MessageID)}, nil
}

// SetTyping sends the typing chat action. Telegram clears it by itself.
func (a *Adapter) SetTyping(ctx context.Context, ch *models.ConversationChannel, on bool) error {
	if !on {
		return nil
	}
	id, err := chatID(ch)
	if err != nil {
		return err
	}
	bot, err := a.bot()
	if err != nil {
		return err
	}
	_, err = bot.Request(tgbotapi.NewChatAction(id, tgbotapi.ChatTyping))
	return err
}

// classify maps Bot API errors onto send failures. The library returns
// *Error from requests but Error values from some helpers.
func classify(err error) error {
	code := 0
	var ptrErr *tgbotapi.Error
	var valErr tgbotapi.Error
	switch {
	case errors.As(err, &ptrErr):
		code = ptrErr.Code
	case errors.As(err, &valErr):
		code = valErr.Code
	default:
		return platform.Transient(models.PlatformTelegram, err)
	}
	if code == http.StatusTooManyRequests || code >= 500 {
		return platform.Transient(models.PlatformTelegram, err)
	}
	return platform.Permanent(models.PlatformTelegram, err)
}

// ParseWebhook decodes a Bot API update.
func (a *Adapter) ParseWebhook(r *http.Request) ([]platform.InboundEvent, error) {
	var update tgbotapi.Update
	if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
		return nil, fmt.Errorf("telegram: decode update: %w", err)
	}

	switch {
	case update.Message != nil:
		return []platform.InboundEvent{messageEvent(update.Message)}, nil
	case update.CallbackQuery != nil && update.CallbackQuery.Message != nil:
		cq := update.CallbackQuery
		return []platform.InboundEvent{{
			Kind:              platform.EventPostback,
			Platform:          models.PlatformTelegram,
			Address:           strconv.FormatInt(cq.Message.Chat.ID, 10),
			PlatformMessageID: "cb-" + cq.ID,
			EventName:         cq.Data,
			Timestamp:         time.Now().UTC(),
			Profile:           profile(cq.From),
		}}, nil
	default:
		a.logger.Debug("update ignored", zap.Int("update_id", update.UpdateID))
		return nil, nil
	}
}

func messageEvent(m *tgbotapi.Message) platform.InboundEvent {
	text := m.Text
	if text == "" {
		text = m.Caption
	}
	return platform.InboundEvent{
		Kind:              platform.EventMessage,
		Platform:          models.PlatformTelegram,
		Address:           strconv.FormatInt(m.Chat.ID, 10),
		PlatformMessageID: strconv.Itoa(m.MessageID),
		Text:              text,
		Timestamp:         time.Unix(int64(m.Date), 0).UTC(),
		Profile:           profile(m.From),
	}
}

func profile(u *tgbotapi.User) *platform.Profile {
	if u == nil {
		return nil
	}
	name := u.FirstName
	if u.LastName != "" {
		name += " " + u.LastName
	}
	if name == "" {
		name = u.UserName
	}
	return &platform.Profile{DisplayName: name}
}
