package queue

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/zulandar/switchboard/internal/metrics"
	"github.com/zulandar/switchboard/internal/platform"
	"github.com/zulandar/switchboard/internal/routing"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers     = 4
	defaultMaxAttempts = 5
	defaultReadBackoff = time.Second
)

// Handler does the work a task describes. *routing.Engine implements it.
type Handler interface {
	HandleInbound(ctx context.Context, evt platform.InboundEvent) (routing.Result, error)
	Deliver(ctx context.Context, messageID uint) error
}

// Pool reads tasks from a Queue and runs them on a fixed set of workers.
type Pool struct {
	queue       Queue
	handler     Handler
	workers     int
	maxAttempts int
	readBackoff time.Duration
	logger      *zap.Logger
}

// PoolOpts holds parameters for creating a Pool.
type PoolOpts struct {
	Queue       Queue
	Handler     Handler
	Workers     int
	MaxAttempts int
	// ReadBackoff is the pause after a failed Read. Defaults to one second.
	ReadBackoff time.Duration
	Logger      *zap.Logger
}

// NewPool creates a Pool.
func NewPool(opts PoolOpts) (*Pool, error) {
	if opts.Queue == nil {
		return nil, fmt.Errorf("queue: queue is required")
	}
	if opts.Handler == nil {
		return nil, fmt.Errorf("queue: handler is required")
	}
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.ReadBackoff <= 0 {
		opts.ReadBackoff = defaultReadBackoff
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{
		queue:       opts.Queue,
		handler:     opts.Handler,
		workers:     opts.Workers,
		maxAttempts: opts.MaxAttempts,
		readBackoff: opts.ReadBackoff,
		logger:      logger,
	}, nil
}

// Run processes tasks until ctx is cancelled. Tasks already handed to a
// worker are finished before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	tasks := make(chan Task)
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer close(tasks)
		for {
			batch, err := p.queue.Read(gctx)
			if gctx.Err() != nil {
				return nil
			}
			if err != nil {
				p.logger.Error("read tasks", zap.Error(err), zap.Duration("backoff", p.readBackoff))
				select {
				case <-time.After(p.readBackoff):
				case <-gctx.Done():
					return nil
				}
				continue
			}
			for _, t := range batch {
				select {
				case tasks <- t:
				case <-gctx.Done():
					return nil
				}
			}
		}
	})

	for i := 0; i < p.workers; i++ {
		g.Go(func() error {
			for t := range tasks {
				// Finish in-flight work even after shutdown starts.
				p.Process(context.WithoutCancel(gctx), t)
			}
			return nil
		})
	}

	p.logger.Info("worker pool started", zap.Int("workers", p.workers))
	err := g.Wait()
	p.logger.Info("worker pool stopped")
	return err
}

// Process runs one task and settles it on the queue: acknowledged on
// success or a final error, requeued on other errors, dead-lettered once
// the attempts are used up.
func (p *Pool) Process(ctx context.Context, task Task) {
	err := p.run(ctx, task)
	kind := string(task.Kind)

	switch {
	case err == nil:
		metrics.RecordTask(kind, "ok")
		p.settle(task, p.queue.Ack(ctx, task))
	case routing.Final(err):
		metrics.RecordTask(kind, "final")
		p.logger.Info("task settled with final error",
			zap.String("kind", kind),
			zap.Uint("message_id", task.MessageID),
			zap.Error(err))
		p.settle(task, p.queue.Ack(ctx, task))
	case task.Attempt < p.maxAttempts:
		metrics.RecordTask(kind, "retry")
		p.logger.Warn("task failed, retrying",
			zap.String("kind", kind),
			zap.Int("attempt", task.Attempt),
			zap.Error(err))
		p.settle(task, p.queue.Requeue(ctx, task, err.Error()))
	default:
		metrics.RecordTask(kind, "dead_letter")
		p.settle(task, p.queue.DeadLetter(ctx, task, err.Error()))
	}
}

func (p *Pool) settle(task Task, err error) {
	if err != nil {
		p.logger.Error("settle task",
			zap.String("id", task.ID),
			zap.String("kind", string(task.Kind)),
			zap.Error(err))
	}
}

func (p *Pool) run(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked",
				zap.String("kind", string(task.Kind)),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()))
			err = fmt.Errorf("queue: task panicked: %v", r)
		}
	}()

	switch task.Kind {
	case TaskInbound:
		if task.Event == nil {
			return errors.New("queue: inbound task without event")
		}
		_, err = p.handler.HandleInbound(ctx, *task.Event)
		return err
	case TaskOutbound:
		return p.handler.Deliver(ctx, task.MessageID)
	default:
		return fmt.Errorf("queue: unknown task kind %q", task.Kind)
	}
}

// Dispatcher hands outbound deliveries to the queue.
type Dispatcher struct {
	queue Queue
}

// NewDispatcher creates a Dispatcher.
func NewDispatcher(q Queue) *Dispatcher {
	return &Dispatcher{queue: q}
}

// DispatchOutbound implements routing.OutboundDispatcher.
func (d *Dispatcher) DispatchOutbound(ctx context.Context, messageID uint) error {
	return d.queue.Enqueue(ctx, OutboundTask(messageID))
}
