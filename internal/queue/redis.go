package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/zulandar/switchboard/internal/platform"
	"go.uber.org/zap"
)

const (
	defaultBatchSize = 10
	defaultBlock     = 2 * time.Second
	defaultMinIdle   = 2 * time.Minute
)

// streamClient is the subset of *redis.Client the queue uses.
type streamClient interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
}

// RedisQueue stores tasks in a Redis stream read through a consumer group.
// Failed tasks are re-added to the stream; exhausted ones go to DLQStream.
type RedisQueue struct {
	client streamClient
	opts   RedisOpts
	logger *zap.Logger
}

// RedisOpts holds parameters for creating a RedisQueue.
type RedisOpts struct {
	Client       *redis.Client
	Stream       string
	Group        string
	Consumer     string
	DLQStream    string
	BatchSize    int64
	Block        time.Duration
	RequeueDelay time.Duration
	// MinIdle is how long an entry must sit unacknowledged before Reclaim
	// takes it over. It must exceed the longest task run.
	MinIdle time.Duration
	Logger  *zap.Logger

	// For testing: inject a stream client instead of Client.
	Streams streamClient
}

// NewRedis creates a RedisQueue and makes sure the consumer group exists.
func NewRedis(ctx context.Context, opts RedisOpts) (*RedisQueue, error) {
	client := opts.Streams
	if client == nil {
		if opts.Client == nil {
			return nil, fmt.Errorf("queue: redis client is required")
		}
		client = opts.Client
	}
	if opts.Stream == "" {
		return nil, fmt.Errorf("queue: stream is required")
	}
	if opts.Group == "" {
		return nil, fmt.Errorf("queue: group is required")
	}
	if opts.Consumer == "" {
		return nil, fmt.Errorf("queue: consumer is required")
	}
	if opts.DLQStream == "" {
		opts.DLQStream = opts.Stream + "_dlq"
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	if opts.Block <= 0 {
		opts.Block = defaultBlock
	}
	if opts.MinIdle <= 0 {
		opts.MinIdle = defaultMinIdle
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	q := &RedisQueue{client: client, opts: opts, logger: logger}
	// Start from "0" so tasks added before the group existed are not skipped.
	err := client.XGroupCreateMkStream(ctx, opts.Stream, opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return nil, fmt.Errorf("queue: create consumer group: %w", err)
	}
	return q, nil
}

// Enqueue adds a task to the stream.
func (q *RedisQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	values, err := taskValues(task)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.Stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("queue: xadd: %w", err)
	}
	return nil
}

// Read returns new tasks for this consumer. Entries that cannot be parsed
// are acknowledged and dropped.
func (q *RedisQueue) Read(ctx context.Context) ([]Task, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    q.opts.BatchSize,
		Block:    q.opts.Block,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: xreadgroup: %w", err)
	}

	var tasks []Task
	for _, stream := range streams {
		for _, msg := range stream.Messages {
			task, err := parseTask(msg)
			if err != nil {
				q.logger.Error("dropping unparseable task",
					zap.String("stream", q.opts.Stream),
					zap.String("id", msg.ID),
					zap.Error(err))
				_ = q.Ack(ctx, Task{ID: msg.ID})
				continue
			}
			tasks = append(tasks, task)
		}
	}
	return tasks, nil
}

// Reclaim claims entries that were read by some consumer but not settled
// within MinIdle, e.g. because the worker died between read and ack, and
// returns them for processing.
func (q *RedisQueue) Reclaim(ctx context.Context) ([]Task, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.opts.Stream,
		Group:  q.opts.Group,
		Idle:   q.opts.MinIdle,
		Start:  "-",
		End:    "+",
		Count:  q.opts.BatchSize,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("queue: xpending: %w", err)
	}

	var tasks []Task
	for _, p := range pending {
		msgs, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.opts.Stream,
			Group:    q.opts.Group,
			Consumer: q.opts.Consumer,
			MinIdle:  q.opts.MinIdle,
			Messages: []string{p.ID},
		}).Result()
		if err != nil {
			q.logger.Error("claim pending task",
				zap.String("id", p.ID),
				zap.String("original_consumer", p.Consumer),
				zap.Error(err))
			continue
		}
		if len(msgs) == 0 {
			// Claimed by another consumer first.
			continue
		}
		task, err := parseTask(msgs[0])
		if err != nil {
			q.logger.Error("dropping unparseable task",
				zap.String("stream", q.opts.Stream),
				zap.String("id", p.ID),
				zap.Error(err))
			_ = q.Ack(ctx, Task{ID: p.ID})
			continue
		}
		// Deliveries that never settled count as attempts.
		if n := int(p.RetryCount); n > task.Attempt {
			task.Attempt = n
		}
		q.logger.Warn("reclaimed stale task",
			zap.String("id", p.ID),
			zap.String("original_consumer", p.Consumer),
			zap.Duration("idle", p.Idle),
			zap.Int("attempt", task.Attempt))
		tasks = append(tasks, task)
	}
	return tasks, nil
}

// Ack acknowledges a task.
func (q *RedisQueue) Ack(ctx context.Context, task Task) error {
	if err := q.client.XAck(ctx, q.opts.Stream, q.opts.Group, task.ID).Err(); err != nil {
		return fmt.Errorf("queue: xack %s: %w", task.ID, err)
	}
	return nil
}

// Requeue acknowledges the task and adds it back with the next attempt.
func (q *RedisQueue) Requeue(ctx context.Context, task Task, errMsg string) error {
	if err := q.Ack(ctx, task); err != nil {
		return err
	}
	task.Attempt++
	task.LastError = errMsg
	values, err := taskValues(task)
	if err != nil {
		return err
	}
	if q.opts.RequeueDelay > 0 {
		select {
		case <-time.After(q.opts.RequeueDelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.Stream, Values: values}).Err(); err != nil {
		return fmt.Errorf("queue: xadd requeue: %w", err)
	}
	q.logger.Info("task requeued",
		zap.String("kind", string(task.Kind)),
		zap.Int("next_attempt", task.Attempt),
		zap.String("reason", errMsg))
	return nil
}

// DeadLetter acknowledges the task and copies it to the dead letter stream.
func (q *RedisQueue) DeadLetter(ctx context.Context, task Task, errMsg string) error {
	if err := q.Ack(ctx, task); err != nil {
		return err
	}
	task.LastError = errMsg
	values, err := taskValues(task)
	if err != nil {
		return err
	}
	if err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.DLQStream, Values: values}).Err(); err != nil {
		return fmt.Errorf("queue: xadd dlq %s: %w", q.opts.DLQStream, err)
	}
	q.logger.Error("task dead-lettered",
		zap.String("kind", string(task.Kind)),
		zap.Int("attempt", task.Attempt),
		zap.String("dlq_stream", q.opts.DLQStream),
		zap.String("error", errMsg))
	return nil
}

func taskValues(task Task) (map[string]any, error) {
	values := map[string]any{
		"kind":    string(task.Kind),
		"attempt": task.Attempt,
	}
	if task.MessageID != 0 {
		values["message_id"] = task.MessageID
	}
	if task.Event != nil {
		data, err := json.Marshal(task.Event)
		if err != nil {
			return nil, fmt.Errorf("queue: encode event: %w", err)
		}
		values["event"] = string(data)
	}
	if task.LastError != "" {
		values["last_error"] = task.LastError
	}
	return values, nil
}

func parseTask(msg redis.XMessage) (Task, error) {
	task := Task{
		ID:        msg.ID,
		Kind:      TaskKind(stringValue(msg.Values, "kind")),
		LastError: stringValue(msg.Values, "last_error"),
	}
	if raw := stringValue(msg.Values, "attempt"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			return Task{}, fmt.Errorf("parsing attempt: %w", err)
		}
		task.Attempt = n
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	if raw := stringValue(msg.Values, "message_id"); raw != "" {
		n, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return Task{}, fmt.Errorf("parsing message_id: %w", err)
		}
		task.MessageID = uint(n)
	}
	if raw := stringValue(msg.Values, "event"); raw != "" {
		var evt platform.InboundEvent
		if err := json.Unmarshal([]byte(raw), &evt); err != nil {
			return Task{}, fmt.Errorf("parsing event: %w", err)
		}
		task.Event = &evt
	}
	if err := task.Validate(); err != nil {
		return Task{}, err
	}
	return task, nil
}

func stringValue(values map[string]any, key string) string {
	raw, ok := values[key]
	if !ok || raw == nil {
		return ""
	}
	return fmt.Sprint(raw)
}
