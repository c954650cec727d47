package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/drfirst/go-rxledger/internal/config"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/queue/pgqueue"
	"github.com/drfirst/go-rxledger/internal/queue/redpanda"
)

func lanesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lanes",
		Short: "Manage the Redpanda lane topics",
	}

	ensureCmd := &cobra.Command{
		Use:   "ensure",
		Short: "Create the lane and dead letter topics if missing",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
				return admin.EnsureLanes(ctx)
			})
		},
	}

	lagCmd := &cobra.Command{
		Use:   "lag",
		Short: "Print the consumer lag of each lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withAdmin(func(ctx context.Context, admin *redpanda.Admin) error {
				lag, err := admin.Lag(ctx)
				if err != nil {
					return err
				}
				for _, lane := range queue.Lanes {
					fmt.Printf("%-8s %d\n", lane, lag[lane])
				}
				return nil
			})
		},
	}

	cmd.AddCommand(ensureCmd, lagCmd)
	return cmd
}

func withAdmin(fn func(ctx context.Context, admin *redpanda.Admin) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx, "rxledger-admin")
	if err != nil {
		return err
	}
	defer a.Close()

	admin, err := redpanda.NewAdmin(a.redpandaConfig(), a.logger)
	if err != nil {
		return err
	}
	defer admin.Close()
	return fn(ctx, admin)
}

func queueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the task queue",
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Print pending, in-flight and dead task counts per lane",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			a, err := newApp(ctx, "rxledger-admin")
			if err != nil {
				return err
			}
			defer a.Close()

			q, err := a.Queue(ctx)
			if err != nil {
				return err
			}
			reporter, ok := q.(queue.StatsReporter)
			if !ok {
				return fmt.Errorf("queue backend %s does not report stats; use 'lanes lag'", a.cfg.QueueBackend)
			}

			stats := make([]queue.Stats, 0, len(queue.Lanes))
			for _, lane := range queue.Lanes {
				s, err := reporter.Stats(ctx, lane)
				if err != nil {
					return err
				}
				stats = append(stats, s)
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(stats)
		},
	}

	requeueCmd := &cobra.Command{
		Use:   "requeue-dead [ledger|upload]",
		Short: "Return dead-lettered tasks of a lane to the queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			lane, err := queue.ParseLane(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			a, err := newApp(ctx, "rxledger-admin")
			if err != nil {
				return err
			}
			defer a.Close()
			if a.cfg.QueueBackend != config.QueuePostgres {
				return fmt.Errorf("requeue-dead needs QUEUE_BACKEND=%s", config.QueuePostgres)
			}

			q, err := a.Queue(ctx)
			if err != nil {
				return err
			}
			n, err := q.(*pgqueue.Queue).RequeueDead(ctx, lane)
			if err != nil {
				return err
			}
			fmt.Printf("requeued %d %s tasks\n", n, lane)
			return nil
		},
	}

	cmd.AddCommand(statsCmd, requeueCmd)
	return cmd
}
