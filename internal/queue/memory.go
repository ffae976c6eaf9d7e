package queue

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMemoryCapacity = 1024
	defaultMemoryBlock    = time.Second
)

// MemoryQueue is an in-process Queue for tests and single-process setups.
// Tasks are lost when the process exits.
type MemoryQueue struct {
	tasks chan Task
	block time.Duration
	seq   atomic.Uint64

	mu   sync.Mutex
	dead []Task
}

// MemoryOpts holds parameters for creating a MemoryQueue.
type MemoryOpts struct {
	Capacity int
	Block    time.Duration // how long Read waits for a task
}

// NewMemory creates a MemoryQueue.
func NewMemory(opts MemoryOpts) *MemoryQueue {
	if opts.Capacity <= 0 {
		opts.Capacity = defaultMemoryCapacity
	}
	if opts.Block <= 0 {
		opts.Block = defaultMemoryBlock
	}
	return &MemoryQueue{tasks: make(chan Task, opts.Capacity), block: opts.Block}
}

// Enqueue adds a task, waiting for room when the buffer is full.
func (q *MemoryQueue) Enqueue(ctx context.Context, task Task) error {
	if err := task.Validate(); err != nil {
		return err
	}
	if task.Attempt <= 0 {
		task.Attempt = 1
	}
	task.ID = strconv.FormatUint(q.seq.Add(1), 10)
	select {
	case q.tasks <- task:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue: enqueue: %w", ctx.Err())
	}
}

// Read returns at most one task, or none when nothing arrives in time.
func (q *MemoryQueue) Read(ctx context.Context) ([]Task, error) {
	timer := time.NewTimer(q.block)
	defer timer.Stop()
	select {
	case t := <-q.tasks:
		return []Task{t}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Ack is a no-op; reading removes the task.
func (q *MemoryQueue) Ack(context.Context, Task) error {
	return nil
}

// Requeue enqueues the task again with the next attempt number.
func (q *MemoryQueue) Requeue(ctx context.Context, task Task, errMsg string) error {
	task.Attempt++
	task.LastError = errMsg
	return q.Enqueue(ctx, task)
}

// DeadLetter keeps the task in memory.
func (q *MemoryQueue) DeadLetter(_ context.Context, task Task, errMsg string) error {
	task.LastError = errMsg
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, task)
	return nil
}

// Len returns the number of waiting tasks.
func (q *MemoryQueue) Len() int {
	return len(q.tasks)
}

// DeadLetters returns a copy of the dead-lettered tasks.
func (q *MemoryQueue) DeadLetters() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, len(q.dead))
	copy(out, q.dead)
	return out
}
