// Package workerpool runs a fixed number of long-lived worker instances.
// Each instance owns one unit of work at a time; the pool only supervises:
// it restarts instances that fail and waits for all of them on shutdown.
// It never retries work itself.
package workerpool

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// WorkerFunc is one worker instance. It should block until ctx is cancelled
// and return nil; a non-nil error restarts the instance after RestartDelay.
type WorkerFunc func(ctx context.Context, id int) error

// Config holds worker pool configuration
type Config struct {
	// Name labels log lines
	Name string
	// Workers is the number of concurrent instances
	Workers int
	// RestartDelay is the pause before a failed instance is started again
	RestartDelay time.Duration
	// GracefulShutdownTimeout bounds how long Run waits for instances to exit
	GracefulShutdownTimeout time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		Name:                    "workers",
		Workers:                 4,
		RestartDelay:            time.Second,
		GracefulShutdownTimeout: 30 * time.Second,
	}
}

// Pool supervises worker instances
type Pool struct {
	config     Config
	workerFunc WorkerFunc
	logger     *zap.Logger

	activeWorkers int64
	restarts      int64
}

// New creates a new worker pool
func New(cfg Config, fn WorkerFunc, logger *zap.Logger) (*Pool, error) {
	if fn == nil {
		return nil, fmt.Errorf("worker function is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	if cfg.GracefulShutdownTimeout <= 0 {
		cfg.GracefulShutdownTimeout = DefaultConfig().GracefulShutdownTimeout
	}

	return &Pool{
		config:     cfg,
		workerFunc: fn,
		logger:     logger.With(zap.String("pool", cfg.Name)),
	}, nil
}

// Run starts every instance and blocks until ctx is cancelled and the
// instances have returned, or the shutdown timeout passes.
func (p *Pool) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < p.config.Workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.supervise(ctx, id)
		}(i)
	}
	p.logger.Info("worker pool started", zap.Int("workers", p.config.Workers))

	<-ctx.Done()
	p.logger.Info("stopping worker pool")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.logger.Info("worker pool stopped gracefully")
		return nil
	case <-time.After(p.config.GracefulShutdownTimeout):
		p.logger.Warn("worker pool shutdown timed out",
			zap.Int64("still_active", atomic.LoadInt64(&p.activeWorkers)))
		return fmt.Errorf("worker pool %s: shutdown timed out after %s", p.config.Name, p.config.GracefulShutdownTimeout)
	}
}

func (p *Pool) supervise(ctx context.Context, id int) {
	for {
		atomic.AddInt64(&p.activeWorkers, 1)
		p.logger.Debug("worker started", zap.Int("worker_id", id))
		err := p.workerFunc(ctx, id)
		atomic.AddInt64(&p.activeWorkers, -1)

		if ctx.Err() != nil {
			p.logger.Debug("worker stopped", zap.Int("worker_id", id))
			return
		}
		if err == nil {
			p.logger.Warn("worker returned before shutdown, restarting", zap.Int("worker_id", id))
		} else {
			p.logger.Error("worker failed, restarting",
				zap.Int("worker_id", id),
				zap.Duration("delay", p.config.RestartDelay),
				zap.Error(err))
		}
		atomic.AddInt64(&p.restarts, 1)

		select {
		case <-ctx.Done():
			return
		case <-time.After(p.config.RestartDelay):
		}
	}
}

// Stats holds pool statistics
type Stats struct {
	Workers       int   `json:"workers"`
	ActiveWorkers int64 `json:"active_workers"`
	Restarts      int64 `json:"restarts"`
}

// Stats returns current pool statistics
func (p *Pool) Stats() Stats {
	return Stats{
		Workers:       p.config.Workers,
		ActiveWorkers: atomic.LoadInt64(&p.activeWorkers),
		Restarts:      atomic.LoadInt64(&p.restarts),
	}
}

// IsHealthy returns true while every instance is running
func (p *Pool) IsHealthy() bool {
	return atomic.LoadInt64(&p.activeWorkers) == int64(p.config.Workers)
}
