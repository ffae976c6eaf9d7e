// Package linking issues one-time sign-in links. The customer opens the link
// on the company's login page, which redirects back with the signed customer
// id so the conversation behind the channel can be bound to it.
package linking

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/gorm"
)

const defaultTTL = 5 * time.Minute

var (
	// ErrStateNotFound is returned for unknown or already used states.
	ErrStateNotFound = errors.New("linking: sign-in state not found")
	// ErrStateExpired is returned when the state is older than the TTL.
	ErrStateExpired = errors.New("linking: sign-in state expired")
	// ErrBadSignature is returned when the callback signature does not match.
	ErrBadSignature = errors.New("linking: bad signature")
)

// Linker stores sign-in states and verifies their callbacks.
type Linker struct {
	db       *gorm.DB
	loginURL *url.URL
	secret   []byte
	ttl      time.Duration
	now      func() time.Time
}

// Opts holds parameters for creating a Linker.
type Opts struct {
	DB *gorm.DB
	// LoginURL is the login page; the state is added as the "state" query
	// parameter.
	LoginURL string
	// Secret is shared with the login service, which signs its redirect
	// with Sign.
	Secret string
	TTL    time.Duration    // defaults to five minutes
	Now    func() time.Time // defaults to time.Now
}

// New creates a Linker.
func New(opts Opts) (*Linker, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("linking: db is required")
	}
	if opts.LoginURL == "" {
		return nil, fmt.Errorf("linking: login url is required")
	}
	if opts.Secret == "" {
		return nil, fmt.Errorf("linking: secret is required")
	}
	u, err := url.Parse(opts.LoginURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("linking: login url %q must be absolute", opts.LoginURL)
	}
	if opts.TTL <= 0 {
		opts.TTL = defaultTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Linker{
		db:       opts.DB,
		loginURL: u,
		secret:   []byte(opts.Secret),
		ttl:      opts.TTL,
		now:      opts.Now,
	}, nil
}

// Start records a new state for the channel and returns the sign-in URL to
// show the customer. Expired states are purged on the way.
func (l *Linker) Start(ctx context.Context, channelID uint) (string, error) {
	now := l.now().UTC()
	if err := l.db.WithContext(ctx).
		Where("created_at < ?", now.Add(-l.ttl)).
		Delete(&models.AccountLinkingState{}).Error; err != nil {
		return "", fmt.Errorf("linking: purge expired states: %w", err)
	}

	st := models.AccountLinkingState{ID: uuid.NewString(), ChannelID: channelID, CreatedAt: now}
	if err := l.db.WithContext(ctx).Create(&st).Error; err != nil {
		return "", fmt.Errorf("linking: create state: %w", err)
	}

	u := *l.loginURL
	q := u.Query()
	q.Set("state", st.ID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Complete checks the signature and consumes the state. A state can be
// completed once; expired states are consumed and rejected.
func (l *Linker) Complete(ctx context.Context, state, customerID, sig string) (*models.AccountLinkingState, error) {
	if state == "" {
		return nil, ErrStateNotFound
	}
	if customerID == "" {
		return nil, fmt.Errorf("linking: customer id is required")
	}
	want := Sign(string(l.secret), state, customerID)
	if !hmac.Equal([]byte(want), []byte(sig)) {
		return nil, ErrBadSignature
	}

	var st models.AccountLinkingState
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("id = ?", state).First(&st).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrStateNotFound
			}
			return fmt.Errorf("linking: load state: %w", err)
		}
		res := tx.Where("id = ?", state).Delete(&models.AccountLinkingState{})
		if res.Error != nil {
			return fmt.Errorf("linking: consume state: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrStateNotFound
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if l.now().Sub(st.CreatedAt) > l.ttl {
		return nil, ErrStateExpired
	}
	return &st, nil
}

// Sign returns the hex HMAC-SHA256 of state and customer id under secret.
// The login service computes it for the callback's sig parameter.
func Sign(secret, state, customerID string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(state))
	mac.Write([]byte{'\n'})
	mac.Write([]byte(customerID))
	return hex.EncodeToString(mac.Sum(nil))
}
