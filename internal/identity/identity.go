// Package identity maps platform addresses to durable conversations and
// merges conversations when a customer identity is bound.
package identity

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/db"
	"github.com/zulandar/switchboard/internal/keylock"
	"github.com/zulandar/switchboard/internal/logging"
	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/models"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// maxAttempts bounds retries after losing a uniqueness or lock race.
const maxAttempts = 3

var (
	// ErrConversationNotFound is returned when a conversation id does not exist.
	ErrConversationNotFound = errors.New("identity: conversation not found")
	// ErrChannelNotFound is returned when a channel id does not exist.
	ErrChannelNotFound = errors.New("identity: channel not found")
	// ErrAddressOwnedElsewhere is returned when an address is already bound
	// to a different conversation.
	ErrAddressOwnedElsewhere = errors.New("identity: address belongs to another conversation")

	errStaleLookup = errors.New("identity: merge target changed")
)

// ConversationKey is the lock key serialising mutations of one conversation.
func ConversationKey(id uint) string {
	return fmt.Sprintf("conversation:%d", id)
}

// CustomerKey is the lock key serialising binds of one customer identity.
func CustomerKey(customerID string) string {
	return "customer:" + customerID
}

func channelKey(platform models.Platform, address string) string {
	return fmt.Sprintf("channel:%s:%s", platform, address)
}

// Profile carries display details refreshed from the platform.
type Profile struct {
	DisplayName string
	AvatarURL   string
	Timezone    string
}

// Resolver finds or creates channels and binds customer identities.
type Resolver struct {
	db     *gorm.DB
	locks  *keylock.Locker
	logger *zap.Logger
}

// Opts holds parameters for creating a Resolver.
type Opts struct {
	DB     *gorm.DB
	Locks  *keylock.Locker // shared with the routing engine; created if nil
	Logger *zap.Logger
}

// New creates a Resolver.
func New(opts Opts) (*Resolver, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("identity: db is required")
	}
	locks := opts.Locks
	if locks == nil {
		locks = keylock.New()
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{db: opts.DB, locks: locks, logger: logger.Named("identity")}, nil
}

// Locks returns the keyed locker shared by this resolver.
func (r *Resolver) Locks() *keylock.Locker {
	return r.locks
}

// ResolveChannel returns the channel for (platform, address), creating it on
// first contact. A new channel joins the conversation bound to
// knownCustomerID when one exists, otherwise a fresh bot-owned conversation.
// When two callers race on the same new address exactly one channel is
// created and both receive it.
func (r *Resolver) ResolveChannel(ctx context.Context, platform models.Platform, address, knownCustomerID string) (*models.ConversationChannel, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("identity: resolve channel: unknown platform %q", platform)
	}
	if address == "" {
		return nil, fmt.Errorf("identity: resolve channel: address is required")
	}

	if ch, err := r.findChannel(ctx, r.db, platform, address); err != nil || ch != nil {
		return ch, err
	}

	keys := []string{channelKey(platform, address)}
	if knownCustomerID != "" {
		keys = append(keys, CustomerKey(knownCustomerID))
	}
	unlock, err := r.locks.LockAll(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("identity: resolve channel: %w", err)
	}
	defer unlock()

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ch, err := r.findChannel(ctx, r.db, platform, address)
		if err != nil || ch != nil {
			return ch, err
		}

		ch, err = r.createChannel(ctx, platform, address, knownCustomerID)
		if err == nil {
			r.logger.Info("channel created",
				zap.String("platform", string(platform)),
				logging.Address(address),
				zap.Uint("conversation_id", ch.ConversationID))
			return ch, nil
		}
		if !db.IsDuplicate(err) {
			return nil, fmt.Errorf("identity: resolve channel: %w", err)
		}
		// Another process won the race; the next pass reads its row.
		lastErr = err
	}
	return nil, fmt.Errorf("identity: resolve channel: %w", lastErr)
}

func (r *Resolver) createChannel(ctx context.Context, platform models.Platform, address, knownCustomerID string) (*models.ConversationChannel, error) {
	var ch *models.ConversationChannel
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var conv models.Conversation
		found := false
		if knownCustomerID != "" {
			err := tx.Where("customer_id = ?", knownCustomerID).First(&conv).Error
			switch {
			case err == nil:
				found = true
			case !errors.Is(err, gorm.ErrRecordNotFound):
				return fmt.Errorf("find conversation by customer: %w", err)
			}
		}
		if !found {
			conv = models.Conversation{Nonce: uuid.NewString()}
			if knownCustomerID != "" {
				cid := knownCustomerID
				conv.CustomerID = &cid
			}
			if err := tx.Create(&conv).Error; err != nil {
				return err
			}
		}

		ch = &models.ConversationChannel{
			ConversationID: conv.ID,
			Platform:       platform,
			Address:        address,
		}
		return tx.Create(ch).Error
	})
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// ResolveChannelForConversation returns the channel for (platform, address)
// on a known conversation, creating it if needed. An address that already
// belongs to another conversation is refused.
func (r *Resolver) ResolveChannelForConversation(ctx context.Context, conversationID uint, platform models.Platform, address string, data models.PlatformData) (*models.ConversationChannel, error) {
	if !platform.Valid() {
		return nil, fmt.Errorf("identity: resolve channel: unknown platform %q", platform)
	}
	unlock, err := r.locks.Lock(ctx, channelKey(platform, address))
	if err != nil {
		return nil, fmt.Errorf("identity: resolve channel: %w", err)
	}
	defer unlock()

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		ch, err := r.findChannel(ctx, r.db, platform, address)
		if err != nil {
			return nil, err
		}
		if ch != nil {
			if ch.ConversationID != conversationID {
				return nil, ErrAddressOwnedElsewhere
			}
			return ch, nil
		}

		ch = &models.ConversationChannel{
			ConversationID: conversationID,
			Platform:       platform,
			Address:        address,
			PlatformData:   data,
		}
		err = r.db.WithContext(ctx).Create(ch).Error
		if err == nil {
			return ch, nil
		}
		if !db.IsDuplicate(err) {
			return nil, fmt.Errorf("identity: create channel: %w", err)
		}
	}
	return nil, fmt.Errorf("identity: create channel: gave up after %d attempts", maxAttempts)
}

func (r *Resolver) findChannel(ctx context.Context, tx *gorm.DB, platform models.Platform, address string) (*models.ConversationChannel, error) {
	var ch models.ConversationChannel
	err := tx.WithContext(ctx).Where("platform = ? AND address = ?", platform, address).First(&ch).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("identity: find channel: %w", err)
	}
	return &ch, nil
}

// BindCustomerIdentity binds customerID to a conversation. When another
// conversation already holds the identity, the current one is absorbed into
// it: channels and messages are re-parented, the current ownership state is
// copied over, and the current conversation is deleted. All of this happens
// in one transaction with reassignment before deletion. Lost races are
// retried from scratch.
func (r *Resolver) BindCustomerIdentity(ctx context.Context, conversationID uint, customerID string) (*models.Conversation, error) {
	if customerID == "" {
		return nil, fmt.Errorf("identity: bind: customer id is required")
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		conv, err := r.bindOnce(ctx, conversationID, customerID)
		if err == nil {
			return conv, nil
		}
		if !db.IsDuplicate(err) && !db.IsDeadlock(err) && !errors.Is(err, errStaleLookup) {
			return nil, err
		}
		lastErr = err
		r.logger.Warn("identity bind raced, retrying",
			zap.Uint("conversation_id", conversationID),
			zap.Int("attempt", attempt),
			zap.Error(err))
	}
	return nil, fmt.Errorf("identity: bind customer identity: %w", lastErr)
}

func (r *Resolver) bindOnce(ctx context.Context, conversationID uint, customerID string) (*models.Conversation, error) {
	foundID, err := r.conversationIDByCustomer(ctx, customerID)
	if err != nil {
		return nil, err
	}

	keys := []string{CustomerKey(customerID), ConversationKey(conversationID)}
	if foundID != 0 && foundID != conversationID {
		keys = append(keys, ConversationKey(foundID))
	}
	unlock, err := r.locks.LockAll(ctx, keys...)
	if err != nil {
		return nil, fmt.Errorf("identity: bind: %w", err)
	}
	defer unlock()

	var result models.Conversation
	merged := false
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		// Row locks in id order keep ownership writers in other processes
		// out until the merge commits.
		ids := []uint{conversationID}
		if foundID != 0 && foundID != conversationID {
			ids = append(ids, foundID)
		}
		slices.Sort(ids)
		for _, id := range ids {
			if _, err := LockConversation(tx, id); err != nil {
				if errors.Is(err, ErrConversationNotFound) && id != conversationID {
					return errStaleLookup
				}
				return err
			}
		}

		var current models.Conversation
		if err := tx.First(&current, conversationID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrConversationNotFound
			}
			return fmt.Errorf("identity: load conversation %d: %w", conversationID, err)
		}
		if current.CustomerID != nil && *current.CustomerID == customerID {
			result = current
			return nil
		}

		var found models.Conversation
		err := tx.Where("customer_id = ? AND id <> ?", customerID, current.ID).First(&found).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			if foundID != 0 && foundID != conversationID {
				return errStaleLookup
			}
			if err := tx.Model(&current).Update("customer_id", customerID).Error; err != nil {
				return err
			}
			result = current
			return nil
		}
		if err != nil {
			return fmt.Errorf("identity: find conversation by customer: %w", err)
		}
		if found.ID != foundID {
			return errStaleLookup
		}

		if err := absorb(tx, &current, &found); err != nil {
			return err
		}
		if err := tx.First(&result, found.ID).Error; err != nil {
			return fmt.Errorf("identity: reload conversation %d: %w", found.ID, err)
		}
		merged = true
		return nil
	})
	if err != nil {
		return nil, err
	}

	if merged {
		metrics.IdentityMergesTotal.Inc()
		r.logger.Info("conversations merged",
			zap.Uint("absorbed_id", conversationID),
			zap.Uint("survivor_id", result.ID))
	}
	return &result, nil
}

// absorb moves everything owned by current onto target and deletes current.
// Reassignment happens before the delete so no channel ever points at a
// missing conversation.
func absorb(tx *gorm.DB, current, target *models.Conversation) error {
	if err := tx.Model(&models.ConversationChannel{}).
		Where("conversation_id = ?", current.ID).
		Update("conversation_id", target.ID).Error; err != nil {
		return fmt.Errorf("identity: reassign channels: %w", err)
	}
	if err := tx.Model(&models.Message{}).
		Where("conversation_id = ?", current.ID).
		Update("conversation_id", target.ID).Error; err != nil {
		return fmt.Errorf("identity: reassign messages: %w", err)
	}
	if err := tx.Model(&models.ConversationRating{}).
		Where("conversation_id = ?", current.ID).
		Update("conversation_id", target.ID).Error; err != nil {
		return fmt.Errorf("identity: reassign ratings: %w", err)
	}
	if err := tx.Model(&models.Conversation{}).
		Where("id = ?", target.ID).
		Updates(map[string]interface{}{
			"current_agent_id": current.CurrentAgentID,
			"agent_responding": current.AgentResponding,
		}).Error; err != nil {
		return fmt.Errorf("identity: copy ownership: %w", err)
	}
	if err := tx.Delete(&models.Conversation{}, current.ID).Error; err != nil {
		return fmt.Errorf("identity: delete absorbed conversation: %w", err)
	}
	return nil
}

func (r *Resolver) conversationIDByCustomer(ctx context.Context, customerID string) (uint, error) {
	var conv models.Conversation
	err := r.db.WithContext(ctx).Select("id").Where("customer_id = ?", customerID).First(&conv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("identity: find conversation by customer: %w", err)
	}
	return conv.ID, nil
}
