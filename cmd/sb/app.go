package main

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchboard/internal/config"
	"github.com/zulandar/switchboard/internal/delivery"
	"github.com/zulandar/switchboard/internal/dialogue"
	"github.com/zulandar/switchboard/internal/identity"
	"github.com/zulandar/switchboard/internal/ledger"
	"github.com/zulandar/switchboard/internal/linking"
	"github.com/zulandar/switchboard/internal/models"
	"github.com/zulandar/switchboard/internal/notify"
	"github.com/zulandar/switchboard/internal/notify/discord"
	"github.com/zulandar/switchboard/internal/notify/slack"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/platform/azure"
	"github.com/zulandar/switchboard/internal/platform/mailgun"
	"github.com/zulandar/switchboard/internal/platform/messenger"
	"github.com/zulandar/switchboard/internal/platform/telegram"
	"github.com/zulandar/switchboard/internal/platform/twilio"
	"github.com/zulandar/switchboard/internal/platform/webchat"
	"github.com/zulandar/switchboard/internal/queue"
	"github.com/zulandar/switchboard/internal/routing"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// app holds the wired components of a running Switchboard.
type app struct {
	cfg      *config.Config
	db       *gorm.DB
	logger   *zap.Logger
	registry *platform.Registry
	hub      *notify.Hub
	queue    queue.Queue
	engine   *routing.Engine
	closers  []func()
}

type appOpts struct {
	Config *config.Config
	DB     *gorm.DB
	Logger *zap.Logger
	// Queued sends outbound deliveries through the task queue instead of
	// delivering inline. The serve command sets it; one-shot commands don't.
	Queued bool
}

// buildApp connects every configured platform, notifier and backend and
// returns the routing engine on top of them. Call close when done.
func buildApp(ctx context.Context, opts appOpts) (*app, error) {
	cfg := opts.Config
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &app{
		cfg:      cfg,
		db:       opts.DB,
		logger:   logger,
		registry: platform.NewRegistry(),
		hub:      notify.NewHub(),
	}

	var pubsub *redis.Client
	if cfg.Notify.Redis.Addr != "" {
		pubsub = redis.NewClient(&redis.Options{Addr: cfg.Notify.Redis.Addr})
		a.closers = append(a.closers, func() { pubsub.Close() })
	}

	if err := registerPlatforms(a.registry, cfg.Platforms, pubsub, logger); err != nil {
		a.close()
		return nil, err
	}

	notifier, err := a.buildNotifier(pubsub)
	if err != nil {
		a.close()
		return nil, err
	}

	bot, err := dialogue.New(cfg.Dialogue, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	q, err := a.buildQueue(ctx)
	if err != nil {
		a.close()
		return nil, err
	}
	a.queue = q

	resolver, err := identity.New(identity.Opts{DB: a.db, Logger: logger})
	if err != nil {
		a.close()
		return nil, err
	}
	store, err := ledger.New(ledger.Opts{DB: a.db})
	if err != nil {
		a.close()
		return nil, err
	}
	matcher, err := delivery.NewTemplateMatcher(cfg.Delivery.WhatsAppTemplates)
	if err != nil {
		a.close()
		return nil, err
	}
	selector, err := delivery.NewSelector(delivery.SelectorOpts{
		Channels: resolver,
		History:  store,
		Policy:   delivery.NewPolicy(matcher),
		Logger:   logger,
	})
	if err != nil {
		a.close()
		return nil, err
	}

	loc, err := time.LoadLocation(cfg.Routing.Timezone)
	if err != nil {
		a.close()
		return nil, fmt.Errorf("routing.timezone: %w", err)
	}
	fallbacks := make(map[models.Platform]models.Platform, len(cfg.Routing.FallbackPlatforms))
	for from, to := range cfg.Routing.FallbackPlatforms {
		fallbacks[models.Platform(from)] = models.Platform(to)
	}

	engineOpts := routing.Opts{
		DB:                a.db,
		Resolver:          resolver,
		Ledger:            store,
		Selector:          selector,
		Registry:          a.registry,
		Dialogue:          bot,
		Notifier:          notifier,
		Logger:            logger,
		SendTimeout:       time.Duration(cfg.Routing.SendTimeoutSec) * time.Second,
		DialogueTimeout:   time.Duration(cfg.Routing.DialogueTimeoutSec) * time.Second,
		EscalateAfter:     cfg.Routing.DialogueFailureEscalation,
		Location:          loc,
		WelcomeText:       cfg.Routing.WelcomeText,
		RatingEvent:       cfg.Routing.RatingEvent,
		FallbackPlatforms: fallbacks,
		SignInDoneText:    cfg.Linking.DoneText,
	}
	if opts.Queued {
		engineOpts.Dispatcher = queue.NewDispatcher(q)
	}
	if cfg.Linking.LoginURL != "" {
		linker, err := linking.New(linking.Opts{
			DB:       a.db,
			LoginURL: cfg.Linking.LoginURL,
			Secret:   cfg.Linking.Secret,
			TTL:      time.Duration(cfg.Linking.TTLSec) * time.Second,
		})
		if err != nil {
			a.close()
			return nil, err
		}
		engineOpts.Linker = linker
	}
	a.engine, err = routing.New(engineOpts)
	if err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// close releases connections in reverse order of creation.
func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func (a *app) buildQueue(ctx context.Context) (queue.Queue, error) {
	qc := a.cfg.Queue
	if qc.Backend != "redis" {
		return queue.NewMemory(queue.MemoryOpts{}), nil
	}
	client := redis.NewClient(&redis.Options{Addr: qc.Redis.Addr})
	a.closers = append(a.closers, func() { client.Close() })
	return queue.NewRedis(ctx, queue.RedisOpts{
		Client:    client,
		Stream:    qc.Redis.Stream,
		Group:     qc.Redis.Group,
		Consumer:  qc.Redis.Consumer,
		DLQStream: qc.Redis.DLQStream,
		MinIdle:   time.Duration(qc.Redis.ReclaimIdleSec) * time.Second,
		Logger:    a.logger,
	})
}

// buildNotifier fans out to the in-process hub plus every configured sink.
func (a *app) buildNotifier(pubsub *redis.Client) (notify.Notifier, error) {
	nc := a.cfg.Notify
	sinks := notify.Multi{a.hub}

	if pubsub != nil {
		r, err := notify.NewRedis(notify.RedisOpts{Client: pubsub, Channel: nc.Redis.Channel})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, r)
	}
	if nc.NATS.URL != "" {
		conn, err := notify.ConnectNATS(nc.NATS.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, conn.Close)
		n, err := notify.NewNATS(notify.NATSOpts{Conn: conn, SubjectPrefix: nc.NATS.SubjectPrefix})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, n)
	}
	if nc.Slack.BotToken != "" {
		s, err := slack.New(slack.Opts{BotToken: nc.Slack.BotToken, ChannelID: nc.Slack.ChannelID})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, s)
	}
	if nc.Discord.BotToken != "" {
		d, err := discord.New(discord.Opts{
			BotToken:  nc.Discord.BotToken,
			ChannelID: nc.Discord.ChannelID,
			Logger:    a.logger,
		})
		if err != nil {
			return nil, err
		}
		sinks = append(sinks, d)
	}
	return sinks, nil
}

// registerPlatforms adds an adapter for every platform with credentials.
func registerPlatforms(reg *platform.Registry, pc config.PlatformsConfig, pubsub *redis.Client, logger *zap.Logger) error {
	var adapters []platform.Adapter

	tw := pc.Twilio
	if tw.AccountSID != "" {
		senders := []struct {
			p    models.Platform
			from string
		}{
			{models.PlatformSMS, tw.SMSFrom},
			{models.PlatformWhatsApp, tw.WhatsAppFrom},
		}
		for _, s := range senders {
			if s.from == "" {
				continue
			}
			ad, err := twilio.New(twilio.Opts{
				Platform:   s.p,
				AccountSID: tw.AccountSID,
				AuthToken:  tw.AuthToken,
				From:       s.from,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			adapters = append(adapters, ad)
		}
	}

	if pc.Telegram.BotToken != "" {
		ad, err := telegram.New(telegram.Opts{BotToken: pc.Telegram.BotToken, Logger: logger})
		if err != nil {
			return err
		}
		adapters = append(adapters, ad)
	}

	if mg := pc.Mailgun; mg.Domain != "" {
		ad, err := mailgun.New(mailgun.Opts{
			Domain:     mg.Domain,
			APIKey:     mg.APIKey,
			Region:     mg.Region,
			From:       mg.From,
			SigningKey: mg.SigningKey,
			Logger:     logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, ad)
	}

	if az := pc.Azure; az.AppID != "" {
		ad, err := azure.New(azure.Opts{
			AppID:       az.AppID,
			AppPassword: az.AppPassword,
			TokenURL:    az.TokenURL,
			Logger:      logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, ad)
	}

	if m := pc.Messenger; m.PageAccessToken != "" {
		ad, err := messenger.New(messenger.Opts{
			GraphURL:        m.GraphURL,
			PageAccessToken: m.PageAccessToken,
			VerifyToken:     m.VerifyToken,
			AppSecret:       m.AppSecret,
			Logger:          logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, ad)
	}

	if pc.WebChat.Enabled {
		if pubsub == nil {
			return fmt.Errorf("webchat: notify.redis.addr is required")
		}
		ad, err := webchat.New(webchat.Opts{
			Publisher: webchat.RedisPublisher{Client: pubsub},
			Channel:   pc.WebChat.Channel,
			Logger:    logger,
		})
		if err != nil {
			return err
		}
		adapters = append(adapters, ad)
	}

	for _, ad := range adapters {
		if err := reg.Register(ad); err != nil {
			return err
		}
	}
	return nil
}
