// Package routing decides who answers each customer message and carries
// replies back out through an eligible channel.
//
// A conversation is either bot-owned or human-owned. Inbound messages on a
// bot-owned conversation go to the dialogue engine; on a human-owned one
// they are mirrored to operators. Outbound messages are delivered through
// the platform registry with alternate-address and cross-platform fallback.
package routing

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zulandar/switchboard/internal/delivery"
	"github.com/zulandar/switchboard/internal/dialogue"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/keylock"
	"github.com/zulandar/switchboard/internal/ledger"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	defaultSendTimeout     = 15 * time.Second
	defaultDialogueTimeout = 10 * time.Second
	// historyTurns is how many earlier messages stateless dialogue backends
	// see.
	historyTurns = 10

	defaultSignInDoneText = "Login complete, thanks!"
)

var (
	// ErrNoEligibleChannel is returned when no channel of the conversation
	// may carry a message right now. The message is marked failed.
	ErrNoEligibleChannel = errors.New("routing: no eligible channel")
	// ErrNoAdapter is returned when the chosen channel's platform has no
	// registered adapter.
	ErrNoAdapter = errors.New("routing: no adapter for platform")
	// ErrSendFailed is returned when the adapter rejected a message and no
	// fallback was possible.
	ErrSendFailed = errors.New("routing: send failed")
	// ErrEmptyMessage is returned for outbound requests with nothing to send.
	ErrEmptyMessage = errors.New("routing: message has no content")
	// ErrInvalidRating is returned for ratings outside 1..5.
	ErrInvalidRating = errors.New("routing: rating must be between 1 and 5")
	// ErrSignInDisabled is returned by CompleteSignIn when no linker is
	// configured.
	ErrSignInDisabled = errors.New("routing: sign-in is not configured")
)

// Linker issues sign-in links and redeems their callbacks.
type Linker interface {
	Start(ctx context.Context, channelID uint) (string, error)
	Complete(ctx context.Context, state, customerID, sig string) (*models.AccountLinkingState, error)
}

// OutboundDispatcher hands an outbound message to whatever delivers it.
type OutboundDispatcher interface {
	DispatchOutbound(ctx context.Context, messageID uint) error
}

// Engine is the routing core. It is safe for concurrent use.
type Engine struct {
	db         *gorm.DB
	resolver   *identity.Resolver
	ledger     *ledger.Ledger
	selector   *delivery.Selector
	registry   *platform.Registry
	dialogue   dialogue.Engine
	notifier   notify.Notifier
	dispatcher OutboundDispatcher
	linker     Linker
	locks      *keylock.Locker
	now        func() time.Time
	logger     *zap.Logger

	sendTimeout     time.Duration
	dialogueTimeout time.Duration
	escalateAfter   int
	location        *time.Location
	welcomeText     string
	ratingEvent     string
	fallbacks       map[models.Platform]models.Platform
	signInDoneText  string
}

// Opts holds parameters for creating an Engine.
type Opts struct {
	DB       *gorm.DB
	Resolver *identity.Resolver
	Ledger   *ledger.Ledger
	Selector *delivery.Selector
	Registry *platform.Registry
	Dialogue dialogue.Engine // nil leaves every inbound message to operators
	Notifier notify.Notifier
	// Dispatcher defaults to delivering inline.
	Dispatcher OutboundDispatcher
	// Linker enables sign-in requests. Nil sends them without a link.
	Linker Linker
	Now    func() time.Time
	Logger *zap.Logger

	SendTimeout     time.Duration
	DialogueTimeout time.Duration
	// EscalateAfter hands a conversation to operators after this many
	// consecutive dialogue failures. Zero never escalates.
	EscalateAfter int
	// Location decides when a day starts for conversations without a
	// timezone. Defaults to UTC.
	Location          *time.Location
	WelcomeText       string
	RatingEvent       string
	FallbackPlatforms map[models.Platform]models.Platform
	// SignInDoneText is sent on the channel a customer signed in from.
	SignInDoneText string
}

// New creates an Engine.
func New(opts Opts) (*Engine, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("routing: db is required")
	}
	if opts.Resolver == nil {
		return nil, fmt.Errorf("routing: resolver is required")
	}
	if opts.Ledger == nil {
		return nil, fmt.Errorf("routing: ledger is required")
	}
	if opts.Selector == nil {
		return nil, fmt.Errorf("routing: selector is required")
	}
	if opts.Registry == nil {
		return nil, fmt.Errorf("routing: registry is required")
	}
	if opts.EscalateAfter < 0 {
		return nil, fmt.Errorf("routing: escalation threshold must not be negative")
	}

	e := &Engine{
		db:              opts.DB,
		resolver:        opts.Resolver,
		ledger:          opts.Ledger,
		selector:        opts.Selector,
		registry:        opts.Registry,
		dialogue:        opts.Dialogue,
		notifier:        opts.Notifier,
		dispatcher:      opts.Dispatcher,
		linker:          opts.Linker,
		locks:           opts.Resolver.Locks(),
		now:             opts.Now,
		logger:          opts.Logger,
		sendTimeout:     opts.SendTimeout,
		dialogueTimeout: opts.DialogueTimeout,
		escalateAfter:   opts.EscalateAfter,
		location:        opts.Location,
		welcomeText:     opts.WelcomeText,
		ratingEvent:     opts.RatingEvent,
		fallbacks:       opts.FallbackPlatforms,
		signInDoneText:  opts.SignInDoneText,
	}
	if e.notifier == nil {
		e.notifier = notify.Nop{}
	}
	if e.now == nil {
		e.now = time.Now
	}
	if e.logger == nil {
		e.logger = zap.NewNop()
	}
	e.logger = e.logger.Named("routing")
	if e.sendTimeout <= 0 {
		e.sendTimeout = defaultSendTimeout
	}
	if e.dialogueTimeout <= 0 {
		e.dialogueTimeout = defaultDialogueTimeout
	}
	if e.location == nil {
		e.location = time.UTC
	}
	if e.signInDoneText == "" {
		e.signInDoneText = defaultSignInDoneText
	}
	return e, nil
}

// dispatch delivers inline unless a dispatcher was configured.
func (e *Engine) dispatch(ctx context.Context, messageID uint) error {
	if e.dispatcher == nil {
		return e.Deliver(ctx, messageID)
	}
	return e.dispatcher.DispatchOutbound(ctx, messageID)
}

func (e *Engine) notifyConversation(ctx context.Context, id uint) {
	if err := e.notifier.ConversationChanged(ctx, id); err != nil {
		e.logger.Warn("notify conversation changed", zap.Uint("conversation_id", id), zap.Error(err))
	}
}

func (e *Engine) notifyMessage(ctx context.Context, id uint) {
	if err := e.notifier.MessageChanged(ctx, id); err != nil {
		e.logger.Warn("notify message changed", zap.Uint("message_id", id), zap.Error(err))
	}
}

func (e *Engine) alert(ctx context.Context, a notify.Alert) {
	if err := e.notifier.Alert(ctx, a); err != nil {
		e.logger.Warn("operator alert failed",
			zap.String("kind", string(a.Kind)),
			zap.Uint("conversation_id", a.ConversationID),
			zap.Error(err))
	}
}

// startOfDay returns midnight of now's date in the conversation's timezone,
// falling back to the engine's location.
func (e *Engine) startOfDay(conv *models.Conversation, now time.Time) time.Time {
	loc := e.location
	if conv.Timezone != "" {
		if l, err := time.LoadLocation(conv.Timezone); err == nil {
			loc = l
		}
	}
	local := now.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}
