package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/worker"
	"github.com/drfirst/go-rxledger/pkg/workerpool"
)

func workerCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "worker [ledger|upload]...",
		Short:     "Drain one or more task lanes",
		Args:      cobra.MinimumNArgs(1),
		ValidArgs: []string{string(queue.LaneLedger), string(queue.LaneUpload)},
		RunE: func(cmd *cobra.Command, args []string) error {
			lanes := make([]queue.Lane, 0, len(args))
			for _, arg := range args {
				lane, err := queue.ParseLane(arg)
				if err != nil {
					return err
				}
				lanes = append(lanes, lane)
			}
			return runWorkers(lanes)
		},
	}
}

func runWorkers(lanes []queue.Lane) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, "rxledger-worker")
	if err != nil {
		return err
	}
	defer a.Close()

	g, gctx := errgroup.WithContext(ctx)
	if err := startLanes(gctx, g, a, lanes); err != nil {
		return err
	}
	err = g.Wait()
	a.logger.Info("workers stopped")
	return err
}

// startLanes builds a runner per lane and schedules it on g together with
// the inbox cleanup loop. Components are created before any goroutine runs.
func startLanes(ctx context.Context, g *errgroup.Group, a *app, lanes []queue.Lane) error {
	q, err := a.Queue(ctx)
	if err != nil {
		return err
	}
	inbox, err := a.Inbox(ctx)
	if err != nil {
		return err
	}

	runners := make([]*worker.Runner, 0, len(lanes))
	for _, lane := range lanes {
		h, err := laneHandler(a, lane)
		if err != nil {
			return err
		}
		pcfg := workerpool.DefaultConfig()
		pcfg.Name = string(lane)
		pcfg.Workers = a.cfg.WorkerConcurrency
		r, err := worker.NewRunner(q, lane, h, pcfg, a.logger)
		if err != nil {
			return err
		}
		runners = append(runners, r)
		a.logger.Info("lane worker started",
			zap.String("lane", string(lane)),
			zap.Int("concurrency", pcfg.Workers))
	}

	g.Go(func() error {
		inbox.RunCleanup(ctx)
		return nil
	})
	for _, r := range runners {
		r := r
		g.Go(func() error { return r.Run(ctx) })
	}
	return nil
}

func laneHandler(a *app, lane queue.Lane) (queue.Handler, error) {
	inbox := a.inbox
	switch lane {
	case queue.LaneLedger:
		gateway, err := a.Gateway()
		if err != nil {
			return nil, err
		}
		return worker.NewLedgerWriter(gateway, inbox, a.metrics, a.logger).Handle, nil
	case queue.LaneUpload:
		store, err := a.ContentStore()
		if err != nil {
			return nil, err
		}
		return worker.NewUploader(store, inbox, a.metrics, a.logger).Handle, nil
	default:
		return nil, fmt.Errorf("no worker for lane %s", lane)
	}
}
