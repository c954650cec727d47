package main

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/config"
	"github.com/drfirst/go-rxledger/internal/consistency"
	"github.com/drfirst/go-rxledger/internal/contentstore"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/observability/logging"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/observability/tracing"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/queue/pgqueue"
	"github.com/drfirst/go-rxledger/internal/queue/redpanda"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

// app holds the components shared by every subcommand. Connections are
// opened on first use so each command only dials what it needs.
type app struct {
	cfg     *config.Config
	logger  *zap.Logger
	metrics *metrics.Metrics
	tracing *tracing.Provider

	gateway *ledger.Client
	queue   queue.Queue
	pool    *pgxpool.Pool
	redis   *redis.Client
	content contentstore.Store
	inbox   *idempotency.Inbox

	closers []func()
}

func newApp(ctx context.Context, service string) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.LogLevel, cfg.Env)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logger = logger.With(zap.String("service", service))

	tp, err := tracing.Init(ctx, tracing.Config{
		Enabled:        cfg.TracingEnabled,
		ServiceName:    service,
		ServiceVersion: version,
		Environment:    cfg.Env,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		SampleRate:     cfg.TracingSampleRate,
	})
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	return &app{
		cfg:     cfg,
		logger:  logger,
		metrics: metrics.New(),
		tracing: tp,
	}, nil
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.tracing.Shutdown(context.Background())
	a.logger.Sync()
}

func (a *app) queueOptions() queue.Options {
	return queue.Options{
		MaxDeliveries:   a.cfg.MaxDeliveries,
		RedeliveryDelay: a.cfg.RedeliveryDelay,
	}
}

func (a *app) redpandaConfig() redpanda.Config {
	rc := redpanda.DefaultConfig()
	rc.Brokers = a.cfg.KafkaBrokers
	rc.GroupID = a.cfg.ConsumerGroup
	rc.LedgerTopic = a.cfg.LedgerLaneTopic
	rc.UploadTopic = a.cfg.UploadLaneTopic
	rc.DeadLetterTopic = a.cfg.DeadLetterTopic
	return rc
}

func (a *app) readPolicy() consistency.Policy {
	return consistency.Policy{
		InitialDelay:     a.cfg.ReaderInitialDelay,
		MaxRetries:       a.cfg.ReaderMaxRetries,
		NotFoundInterval: a.cfg.ReaderNotFoundInterval,
		ErrorInterval:    a.cfg.ReaderErrorInterval,
		Ceiling:          a.cfg.ReaderCeiling,
	}
}

func (a *app) Gateway() (*ledger.Client, error) {
	if a.gateway != nil {
		return a.gateway, nil
	}
	c, err := ledger.NewClient(ledger.Config{
		BaseURL:   a.cfg.GatewayURL,
		Channel:   a.cfg.GatewayChannel,
		Chaincode: a.cfg.GatewayChaincode,
		Timeout:   a.cfg.GatewayRequestTimeout,
	}, a.logger, ledger.WithMetrics(a.metrics))
	if err != nil {
		return nil, err
	}
	a.gateway = c
	return c, nil
}

func (a *app) DB(ctx context.Context) (*pgxpool.Pool, error) {
	if a.pool != nil {
		return a.pool, nil
	}
	if a.cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required for the postgres backends")
	}
	pool, err := pgxpool.New(ctx, a.cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("database ping failed: %w", err)
	}
	a.logger.Info("connected to database")
	a.pool = pool
	a.closers = append(a.closers, pool.Close)
	return pool, nil
}

func (a *app) Queue(ctx context.Context) (queue.Queue, error) {
	if a.queue != nil {
		return a.queue, nil
	}
	var q queue.Queue
	switch a.cfg.QueueBackend {
	case config.QueueMemory:
		q = queue.NewMemory(a.queueOptions(), a.metrics, a.logger)
	case config.QueueRedpanda:
		rq, err := redpanda.New(a.redpandaConfig(), a.queueOptions(), a.metrics, a.logger)
		if err != nil {
			return nil, err
		}
		q = rq
	case config.QueuePostgres:
		pool, err := a.DB(ctx)
		if err != nil {
			return nil, err
		}
		pq := pgqueue.New(pool, pgqueue.Config{PollInterval: a.cfg.QueuePollInterval}, a.queueOptions(), a.metrics, a.logger)
		if err := pq.Migrate(ctx); err != nil {
			return nil, err
		}
		q = pq
	default:
		return nil, fmt.Errorf("unknown QUEUE_BACKEND %q", a.cfg.QueueBackend)
	}
	a.logger.Info("task queue ready", zap.String("backend", a.cfg.QueueBackend))
	a.queue = q
	a.closers = append(a.closers, func() { q.Close() })
	return q, nil
}

func (a *app) Inbox(ctx context.Context) (*idempotency.Inbox, error) {
	if a.inbox != nil {
		return a.inbox, nil
	}
	var store idempotency.Store
	switch a.cfg.InboxBackend {
	case config.InboxMemory:
		store = idempotency.NewMemoryStore()
	case config.InboxPostgres:
		pool, err := a.DB(ctx)
		if err != nil {
			return nil, err
		}
		ps := idempotency.NewPostgresStore(pool)
		if err := ps.Migrate(ctx); err != nil {
			return nil, err
		}
		store = ps
	case config.InboxRedis:
		client, err := idempotency.NewRedisClient(a.cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, fmt.Errorf("redis ping failed: %w", err)
		}
		a.redis = client
		a.closers = append(a.closers, func() { client.Close() })
		store = idempotency.NewRedisStore(client)
	default:
		return nil, fmt.Errorf("unknown INBOX_BACKEND %q", a.cfg.InboxBackend)
	}

	icfg := idempotency.DefaultConfig()
	icfg.TTL = a.cfg.InboxTTL
	a.inbox = idempotency.NewInbox(store, icfg, a.logger)
	return a.inbox, nil
}

func (a *app) ContentStore() (contentstore.Store, error) {
	if a.content != nil {
		return a.content, nil
	}
	switch a.cfg.ContentBackend {
	case config.ContentLevelDB:
		s, err := contentstore.OpenLevelDB(a.cfg.LevelDBPath, a.logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() { s.Close() })
		a.content = s
	case config.ContentIPFS:
		s, err := contentstore.NewIPFS(a.cfg.IPFSURL, 0, a.logger)
		if err != nil {
			return nil, err
		}
		a.content = s
	default:
		return nil, fmt.Errorf("unknown CONTENT_BACKEND %q", a.cfg.ContentBackend)
	}
	return a.content, nil
}
