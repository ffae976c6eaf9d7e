package queue

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

const defaultReclaimInterval = 30 * time.Second

// Reclaimable is a queue that can hand back tasks abandoned by a dead
// consumer. *RedisQueue implements it.
type Reclaimable interface {
	Reclaim(ctx context.Context) ([]Task, error)
}

// Reclaimer periodically takes over stale pending tasks and runs them
// through a Pool.
type Reclaimer struct {
	source   Reclaimable
	pool     *Pool
	interval time.Duration
	logger   *zap.Logger
}

// ReclaimerOpts holds parameters for creating a Reclaimer.
type ReclaimerOpts struct {
	Source   Reclaimable
	Pool     *Pool
	Interval time.Duration
	Logger   *zap.Logger
}

// NewReclaimer creates a Reclaimer.
func NewReclaimer(opts ReclaimerOpts) (*Reclaimer, error) {
	if opts.Source == nil {
		return nil, fmt.Errorf("queue: reclaim source is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("queue: pool is required")
	}
	if opts.Interval <= 0 {
		opts.Interval = defaultReclaimInterval
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reclaimer{
		source:   opts.Source,
		pool:     opts.Pool,
		interval: opts.Interval,
		logger:   logger,
	}, nil
}

// Run reclaims on every tick until ctx is cancelled.
func (r *Reclaimer) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("reclaimer started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reclaimer stopped")
			return nil
		case <-ticker.C:
			r.ReclaimOnce(ctx)
		}
	}
}

// ReclaimOnce runs one reclaim cycle and returns how many tasks it processed.
func (r *Reclaimer) ReclaimOnce(ctx context.Context) int {
	tasks, err := r.source.Reclaim(ctx)
	if err != nil {
		r.logger.Error("reclaim cycle", zap.Error(err))
		return 0
	}
	for _, t := range tasks {
		r.pool.Process(context.WithoutCancel(ctx), t)
	}
	return len(tasks)
}
