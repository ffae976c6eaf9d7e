// Package queue carries inbound events and outbound deliveries between the
// webhook handlers and the routing workers.
package queue

import (
	"context"
	"fmt"

	"github.com/zulandar/switchboard/internal/platform"
)

// TaskKind names what a task asks the workers to do.
type TaskKind string

const (
	TaskInbound  TaskKind = "inbound"
	TaskOutbound TaskKind = "outbound"
)

// Task is one unit of work. Attempt starts at 1.
type Task struct {
	ID        string
	Kind      TaskKind
	Event     *platform.InboundEvent
	MessageID uint
	Attempt   int
	LastError string
}

// InboundTask wraps a parsed webhook event.
func InboundTask(evt platform.InboundEvent) Task {
	return Task{Kind: TaskInbound, Event: &evt, Attempt: 1}
}

// OutboundTask asks for delivery of a stored outbound message.
func OutboundTask(messageID uint) Task {
	return Task{Kind: TaskOutbound, MessageID: messageID, Attempt: 1}
}

// Validate reports whether the task carries what its kind needs.
func (t Task) Validate() error {
	switch t.Kind {
	case TaskInbound:
		if t.Event == nil {
			return fmt.Errorf("queue: inbound task without event")
		}
	case TaskOutbound:
		if t.MessageID == 0 {
			return fmt.Errorf("queue: outbound task without message id")
		}
	default:
		return fmt.Errorf("queue: unknown task kind %q", t.Kind)
	}
	return nil
}

// Queue is an at-least-once task queue. Read blocks for a bounded time and
// may return an empty batch.
type Queue interface {
	Enqueue(ctx context.Context, task Task) error
	Read(ctx context.Context) ([]Task, error)
	Ack(ctx context.Context, task Task) error
	// Requeue acknowledges task and enqueues it again with the next attempt.
	Requeue(ctx context.Context, task Task, errMsg string) error
	// DeadLetter acknowledges task and parks it for inspection.
	DeadLetter(ctx context.Context, task Task, errMsg string) error
}
