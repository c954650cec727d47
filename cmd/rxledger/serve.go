package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/drfirst/go-rxledger/internal/api"
	"github.com/drfirst/go-rxledger/internal/api/handlers"
	"github.com/drfirst/go-rxledger/internal/config"
	"github.com/drfirst/go-rxledger/internal/consistency"
	"github.com/drfirst/go-rxledger/internal/prescription"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/queue/redpanda"
)

func serveCmd() *cobra.Command {
	var withWorkers bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the prescription API",
		Long: "Start the prescription API. With the memory queue backend, or with\n" +
			"--workers, the lane workers run in the same process.",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(withWorkers)
		},
	}
	cmd.Flags().BoolVar(&withWorkers, "workers", false, "run the lane workers in-process")
	return cmd
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runServer(withWorkers bool) error {
	ctx, stop := signalContext()
	defer stop()

	a, err := newApp(ctx, "rxledger-api")
	if err != nil {
		return err
	}
	defer a.Close()

	gateway, err := a.Gateway()
	if err != nil {
		return err
	}
	q, err := a.Queue(ctx)
	if err != nil {
		return err
	}

	reader := consistency.NewReader(gateway, a.readPolicy(), a.metrics, a.logger)
	manager := prescription.NewManager(q, reader, a.metrics, a.logger)

	checks := map[string]handlers.Check{
		"gateway": gateway.Health,
		"gateway_breaker": func(ctx context.Context) error {
			if h := gateway.Breaker().Health(); !h.Healthy {
				return fmt.Errorf("circuit %s is %v", h.Name, h.State)
			}
			return nil
		},
	}
	switch a.cfg.QueueBackend {
	case config.QueueRedpanda:
		checks["queue"] = func(ctx context.Context) error {
			return redpanda.HealthCheck(ctx, a.cfg.KafkaBrokers)
		}
	case config.QueuePostgres:
		checks["queue"] = func(ctx context.Context) error {
			return a.pool.Ping(ctx)
		}
	}

	router := api.NewRouter(api.Deps{
		Service:   "rxledger-api",
		Lifecycle: manager,
		Queue:     q,
		Checks:    checks,
		Metrics:   a.metrics.Handler(),
		Logger:    a.logger,
	})

	server := &http.Server{
		Addr:         ":" + a.cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		// confirm=true holds the request for up to the read ceiling
		WriteTimeout: a.cfg.ReaderCeiling + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		a.logger.Info("starting prescription API", zap.String("port", a.cfg.Port))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		a.logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	})

	if withWorkers || a.cfg.QueueBackend == config.QueueMemory {
		if err := startLanes(gctx, g, a, queue.Lanes); err != nil {
			stop()
			g.Wait()
			return err
		}
	}

	err = g.Wait()
	a.logger.Info("server stopped")
	return err
}
