package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisChannel is the pub/sub channel operator consoles subscribe to.
const DefaultRedisChannel = "switchboard:events"

// redisPublisher is the subset of *redis.Client used here.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Redis publishes events as JSON on a Redis pub/sub channel.
type Redis struct {
	client  redisPublisher
	channel string
	now     func() time.Time
}

// RedisOpts holds parameters for creating a Redis notifier.
type RedisOpts struct {
	Client  *redis.Client
	Channel string
	// For testing: inject a publisher instead of a live client.
	Publisher redisPublisher
	Now       func() time.Time
}

// NewRedis creates a Redis notifier.
func NewRedis(opts RedisOpts) (*Redis, error) {
	r := &Redis{channel: opts.Channel, now: opts.Now}
	switch {
	case opts.Publisher != nil:
		r.client = opts.Publisher
	case opts.Client != nil:
		r.client = opts.Client
	default:
		return nil, fmt.Errorf("notify: redis client is required")
	}
	if r.channel == "" {
		r.channel = DefaultRedisChannel
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r, nil
}

func (r *Redis) ConversationChanged(ctx context.Context, id uint) error {
	return r.publish(ctx, Event{Type: eventConversation, ConversationID: id})
}

func (r *Redis) MessageChanged(ctx context.Context, id uint) error {
	return r.publish(ctx, Event{Type: eventMessage, MessageID: id})
}

func (r *Redis) Alert(ctx context.Context, alert Alert) error {
	return r.publish(ctx, Event{Type: eventAlert, ConversationID: alert.ConversationID, Alert: &alert})
}

func (r *Redis) publish(ctx context.Context, evt Event) error {
	evt.At = r.now().UTC()
	raw, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: redis: encode %s: %w", evt.Type, err)
	}
	if err := r.client.Publish(ctx, r.channel, raw).Err(); err != nil {
		return fmt.Errorf("notify: redis: publish %s: %w", evt.Type, err)
	}
	return nil
}
