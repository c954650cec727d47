package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/ledger/ledgersim"
	"github.com/drfirst/go-rxledger/internal/observability/logging"
)

func gatewaySimCmd() *cobra.Command {
	cfg := ledgersim.DefaultConfig()
	var addr, logLevel string

	cmd := &cobra.Command{
		Use:   "gateway-sim",
		Short: "Run an in-memory ledger gateway for local development",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := logging.New(logLevel, "development")
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signalContext()
			defer stop()

			server := &http.Server{
				Addr:              addr,
				Handler:           ledgersim.New(cfg, logger).Router(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				server.Shutdown(shutdownCtx)
			}()

			logger.Info("gateway simulator listening",
				zap.String("addr", addr),
				zap.String("channel", cfg.Channel),
				zap.String("chaincode", cfg.Chaincode),
				zap.Duration("commit_delay", cfg.CommitDelay))
			if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&addr, "addr", ":4000", "listen address")
	cmd.Flags().StringVar(&cfg.Channel, "channel", cfg.Channel, "channel id to accept")
	cmd.Flags().StringVar(&cfg.Chaincode, "chaincode", cfg.Chaincode, "chaincode id to accept")
	cmd.Flags().DurationVar(&cfg.CommitDelay, "commit-delay", cfg.CommitDelay, "delay before a write becomes visible")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "log level")
	return cmd
}
