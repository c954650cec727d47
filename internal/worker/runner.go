package worker

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/pkg/workerpool"
)

// Runner consumes one lane with a pool of concurrent consumer instances.
// Each instance holds at most one task at a time.
type Runner struct {
	lane queue.Lane
	pool *workerpool.Pool
}

// NewRunner creates a runner for lane
func NewRunner(q queue.Queue, lane queue.Lane, h queue.Handler, cfg workerpool.Config, logger *zap.Logger) (*Runner, error) {
	if cfg.Name == "" {
		cfg.Name = string(lane)
	}
	pool, err := workerpool.New(cfg, func(ctx context.Context, id int) error {
		return q.Consume(ctx, lane, h)
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create %s runner: %w", lane, err)
	}
	return &Runner{lane: lane, pool: pool}, nil
}

// Run blocks until ctx is cancelled
func (r *Runner) Run(ctx context.Context) error {
	return r.pool.Run(ctx)
}

// Stats returns pool statistics
func (r *Runner) Stats() workerpool.Stats {
	return r.pool.Stats()
}
