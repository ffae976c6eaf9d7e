package delivery

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/ledger"
	"github.com/zulandar/switchboard/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func openDeliveryTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger:         logger.Default.LogMode(logger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	sqlDB, _ := db.DB()
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&models.Conversation{}, &models.ConversationChannel{},
		&models.Message{}, &models.MessageSuggestion{}, &models.ConversationRating{}); err != nil {
		t.Fatalf("migrate test db: %v", err)
	}
	return db
}

type selectorFixture struct {
	resolver *identity.Resolver
	ledger   *ledger.Ledger
	selector *Selector
}

func newSelectorFixture(t *testing.T) *selectorFixture {
	t.Helper()
	db := openDeliveryTestDB(t)
	res, err := identity.New(identity.Opts{DB: db})
	if err != nil {
		t.Fatalf("identity.New: %v", err)
	}
	led, err := ledger.New(ledger.Opts{DB: db})
	if err != nil {
		t.Fatalf("ledger.New: %v", err)
	}
	sel, err := NewSelector(SelectorOpts{
		Channels: res,
		History:  led,
		Policy:   defaultPolicy(t),
		Now:      func() time.Time { return testNow },
	})
	if err != nil {
		t.Fatalf("NewSelector: %v", err)
	}
	return &selectorFixture{resolver: res, ledger: led, selector: sel}
}

func (f *selectorFixture) inbound(t *testing.T, ch *models.ConversationChannel, at time.Time, end bool) {
	t.Helper()
	_, _, err := f.ledger.Append(context.Background(), &models.Message{
		ConversationID: ch.ConversationID,
		ChannelID:      &ch.ID,
		Direction:      models.DirectionFromCustomer,
		Text:           "hi",
		Timestamp:      at,
		End:            end,
	})
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
}

func TestNewSelector_Validation(t *testing.T) {
	if _, err := NewSelector(SelectorOpts{}); err == nil {
		t.Error("expected error without channel lister")
	}
}

func TestSelectChannel_PicksMostRecentlyActive(t *testing.T) {
	f := newSelectorFixture(t)
	ctx := context.Background()

	msgr, _ := f.resolver.ResolveChannel(ctx, models.PlatformMessenger, "psid-1", "")
	sms, err := f.resolver.ResolveChannelForConversation(ctx, msgr.ConversationID, models.PlatformSMS, "+15550001", models.PlatformData{})
	if err != nil {
		t.Fatalf("add sms channel: %v", err)
	}
	f.inbound(t, sms, testNow.Add(-3*24*time.Hour), false)
	f.inbound(t, msgr, testNow.Add(-10*time.Minute), false)

	got, err := f.selector.SelectChannel(ctx, msgr.ConversationID, Request{})
	if err != nil {
		t.Fatalf("SelectChannel: %v", err)
	}
	if got == nil || got.ID != msgr.ID {
		t.Fatalf("SelectChannel = %v, want messenger channel %d", got, msgr.ID)
	}

	got, _ = f.selector.SelectChannel(ctx, msgr.ConversationID, Request{Tag: "ISSUE_RESOLUTION"})
	if got == nil || got.ID != sms.ID {
		t.Fatalf("with unknown tag: SelectChannel = %v, want sms channel %d", got, sms.ID)
	}
}

func TestSelectChannel_NeverContactedChannel(t *testing.T) {
	f := newSelectorFixture(t)
	ctx := context.Background()

	ch, _ := f.resolver.ResolveChannel(ctx, models.PlatformTelegram, "100", "")
	got, err := f.selector.SelectChannel(ctx, ch.ConversationID, Request{Tag: TagAccountUpdate})
	if err != nil {
		t.Fatalf("SelectChannel: %v", err)
	}
	if got != nil {
		t.Errorf("SelectChannel = channel %d, want nil", got.ID)
	}
}

func TestSelectChannel_OutboundDoesNotCountAsHistory(t *testing.T) {
	f := newSelectorFixture(t)
	ctx := context.Background()

	ch, _ := f.resolver.ResolveChannel(ctx, models.PlatformSMS, "+15550009", "")
	f.ledger.Append(ctx, &models.Message{
		ConversationID: ch.ConversationID,
		ChannelID:      &ch.ID,
		Direction:      models.DirectionToCustomer,
		Text:           "hello from us",
		Timestamp:      testNow.Add(-time.Minute),
	})

	got, _ := f.selector.SelectChannel(ctx, ch.ConversationID, Request{})
	if got != nil {
		t.Errorf("SelectChannel = channel %d, want nil", got.ID)
	}
}

func TestSelectChannel_ABCEndedByCustomer(t *testing.T) {
	f := newSelectorFixture(t)
	ctx := context.Background()

	ch, _ := f.resolver.ResolveChannel(ctx, models.PlatformABC, "abc-1", "")
	f.inbound(t, ch, testNow.Add(-time.Hour), true)

	got, _ := f.selector.SelectChannel(ctx, ch.ConversationID, Request{})
	if got != nil {
		t.Errorf("SelectChannel = channel %d, want nil", got.ID)
	}
}

type failingLister struct{}

func (failingLister) Channels(context.Context, uint) ([]models.ConversationChannel, error) {
	return nil, errors.New("boom")
}

func TestSelectChannel_PropagatesStoreErrors(t *testing.T) {
	f := newSelectorFixture(t)
	sel, _ := NewSelector(SelectorOpts{Channels: failingLister{}, History: f.ledger})
	if _, err := sel.SelectChannel(context.Background(), 1, Request{}); err == nil {
		t.Fatal("expected error from channel lister")
	}
}
