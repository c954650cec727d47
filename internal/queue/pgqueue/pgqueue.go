// Package pgqueue implements the task queue on a PostgreSQL table.
// A consumer claims the oldest visible task with FOR UPDATE SKIP LOCKED and
// holds the row lock for the handler's duration; a crash rolls the claim
// back and the task becomes visible again. The attempt column counts
// deliveries, including the one in progress.
package pgqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/queue"
)

// Schema creates the task table. Migrate applies it.
const Schema = `
CREATE TABLE IF NOT EXISTS rx_tasks (
	seq          BIGSERIAL PRIMARY KEY,
	id           UUID        NOT NULL UNIQUE,
	lane         TEXT        NOT NULL,
	kind         TEXT        NOT NULL,
	key          TEXT        NOT NULL,
	payload      JSONB       NOT NULL,
	attempt      INT         NOT NULL DEFAULT 0,
	enqueued_at  TIMESTAMPTZ NOT NULL,
	available_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	dead_at      TIMESTAMPTZ,
	last_error   TEXT
);
CREATE INDEX IF NOT EXISTS rx_tasks_claim_idx ON rx_tasks (lane, available_at, seq) WHERE dead_at IS NULL;
`

// DB is the subset of pgxpool.Pool the queue uses.
type DB interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Config holds configuration for the table-backed queue
type Config struct {
	// PollInterval is how often an idle consumer looks for visible tasks
	PollInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{PollInterval: 250 * time.Millisecond}
}

// Queue is the PostgreSQL-backed task queue
type Queue struct {
	db      DB
	config  Config
	opts    queue.Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
}

var (
	_ queue.Queue         = (*Queue)(nil)
	_ queue.StatsReporter = (*Queue)(nil)
)

// New creates a queue over db
func New(db DB, cfg Config, opts queue.Options, m *metrics.Metrics, logger *zap.Logger) *Queue {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	return &Queue{
		db:      db,
		config:  cfg,
		opts:    opts,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("queue-postgres"),
	}
}

// Migrate creates the task table if it does not exist.
func (q *Queue) Migrate(ctx context.Context) error {
	if _, err := q.db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("migrate rx_tasks: %w", err)
	}
	return nil
}

// Enqueue inserts task; the commit of the insert is the durability point.
func (q *Queue) Enqueue(ctx context.Context, lane queue.Lane, task *queue.Task) error {
	ctx, span := q.tracer.Start(ctx, "queue_enqueue",
		trace.WithAttributes(
			attribute.String("lane", string(lane)),
			attribute.String("task_id", task.ID),
		))
	defer span.End()

	task.Lane = lane
	_, err := q.db.Exec(ctx, `
		INSERT INTO rx_tasks (id, lane, kind, key, payload, attempt, enqueued_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, task.ID, string(lane), string(task.Kind), task.Key, []byte(task.Payload), task.Attempt, task.EnqueuedAt)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	q.metrics.ObserveTask(string(lane), metrics.TaskEnqueued)
	return nil
}

// Consume claims and handles tasks until ctx is cancelled.
func (q *Queue) Consume(ctx context.Context, lane queue.Lane, h queue.Handler) error {
	q.logger.Info("lane consumer started",
		zap.String("lane", string(lane)),
		zap.Duration("poll_interval", q.config.PollInterval))

	for {
		if ctx.Err() != nil {
			return nil
		}

		handled, err := q.processNext(ctx, lane, h)
		if err != nil && ctx.Err() == nil {
			q.logger.Error("failed to process task", zap.String("lane", string(lane)), zap.Error(err))
		}
		if handled {
			continue
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(q.config.PollInterval):
		}
	}
}

// processNext claims one task. It reports whether a task was found.
//
// The delivery is counted by a statement that commits on its own before the
// claim transaction locks the row, so a worker that crashes mid-handler
// still uses up one delivery and a task that always crashes reaches the
// dead letter.
func (q *Queue) processNext(ctx context.Context, lane queue.Lane, h queue.Handler) (bool, error) {
	var id string
	err := q.db.QueryRow(ctx, `
		UPDATE rx_tasks SET attempt = attempt + 1
		WHERE id = (
			SELECT id FROM rx_tasks
			WHERE lane = $1
			  AND dead_at IS NULL
			  AND available_at <= NOW()
			ORDER BY available_at, seq
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id::text
	`, string(lane)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("count delivery: %w", err)
	}

	tx, err := q.db.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin claim: %w", err)
	}
	// no-op after commit
	defer tx.Rollback(context.WithoutCancel(ctx))

	task := &queue.Task{}
	var (
		laneName, kind string
		payload        []byte
		deliveries     int
	)
	err = tx.QueryRow(ctx, `
		SELECT id::text, lane, kind, key, payload, attempt, enqueued_at
		FROM rx_tasks
		WHERE id = $1 AND dead_at IS NULL
		FOR UPDATE SKIP LOCKED
	`, id).Scan(&task.ID, &laneName, &kind, &task.Key, &payload, &deliveries, &task.EnqueuedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		// another consumer locked it between the count and the claim
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim task: %w", err)
	}
	task.Attempt = deliveries - 1
	task.Lane = queue.Lane(laneName)
	task.Kind = queue.Kind(kind)
	task.Payload = json.RawMessage(payload)

	if q.opts.MaxDeliveries > 0 && task.Attempt >= q.opts.MaxDeliveries {
		return true, q.abandon(ctx, tx, task)
	}

	ctx, span := q.tracer.Start(ctx, "queue_deliver",
		trace.WithAttributes(
			attribute.String("lane", string(lane)),
			attribute.String("task_id", task.ID),
			attribute.Int("attempt", task.Attempt),
		))
	defer span.End()

	start := time.Now()
	herr := h(ctx, task)
	q.metrics.ObserveTaskDuration(string(lane), time.Since(start))

	if ctx.Err() != nil && herr != nil {
		// shutting down: roll back, then return the delivery that was
		// interrupted rather than used
		tx.Rollback(context.WithoutCancel(ctx))
		if _, err := q.db.Exec(context.WithoutCancel(ctx),
			`UPDATE rx_tasks SET attempt = attempt - 1 WHERE id = $1 AND attempt > 0`, task.ID); err != nil {
			return true, fmt.Errorf("uncount interrupted delivery of %s: %w", task.ID, err)
		}
		return true, nil
	}

	disposition := queue.Dispose(herr, task, q.opts)
	span.SetAttributes(attribute.String("disposition", disposition.String()))

	settleCtx := context.WithoutCancel(ctx)
	switch disposition {
	case queue.Ack:
		_, err = tx.Exec(settleCtx, `DELETE FROM rx_tasks WHERE id = $1`, task.ID)
	case queue.Redeliver:
		_, err = tx.Exec(settleCtx, `
			UPDATE rx_tasks
			SET available_at = NOW() + make_interval(secs => $2),
			    last_error = $3
			WHERE id = $1
		`, task.ID, q.opts.RedeliveryDelay.Seconds(), herr.Error())
	case queue.DeadLetter:
		_, err = tx.Exec(settleCtx, `
			UPDATE rx_tasks
			SET dead_at = NOW(), last_error = $2
			WHERE id = $1
		`, task.ID, herr.Error())
	}
	if err != nil {
		span.RecordError(err)
		return true, fmt.Errorf("settle task %s (%s): %w", task.ID, disposition, err)
	}
	if err := tx.Commit(settleCtx); err != nil {
		span.RecordError(err)
		return true, fmt.Errorf("commit task %s (%s): %w", task.ID, disposition, err)
	}

	switch disposition {
	case queue.Ack:
		q.metrics.ObserveTask(string(lane), metrics.TaskAcked)
	case queue.Redeliver:
		span.RecordError(herr)
		q.metrics.ObserveTask(string(lane), metrics.TaskRedelivered)
		q.logger.Warn("task nacked, scheduled for redelivery",
			zap.String("lane", string(lane)),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", q.opts.RedeliveryDelay),
			zap.Error(herr))
	case queue.DeadLetter:
		span.RecordError(herr)
		q.metrics.ObserveTask(string(lane), metrics.TaskDeadLettered)
		q.logger.Error("task moved to dead letter",
			zap.String("lane", string(lane)),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(herr))
	}
	return true, nil
}

// abandon dead-letters a task whose earlier deliveries all ended without
// settling, without handing it to the handler again.
func (q *Queue) abandon(ctx context.Context, tx pgx.Tx, task *queue.Task) error {
	reason := fmt.Sprintf("%d deliveries ended without an ack or nack", task.Attempt)
	settleCtx := context.WithoutCancel(ctx)
	if _, err := tx.Exec(settleCtx, `
		UPDATE rx_tasks
		SET dead_at = NOW(), last_error = $2
		WHERE id = $1
	`, task.ID, reason); err != nil {
		return fmt.Errorf("dead letter task %s: %w", task.ID, err)
	}
	if err := tx.Commit(settleCtx); err != nil {
		return fmt.Errorf("commit dead letter of %s: %w", task.ID, err)
	}
	q.metrics.ObserveTask(string(task.Lane), metrics.TaskDeadLettered)
	q.logger.Error("task moved to dead letter",
		zap.String("lane", string(task.Lane)),
		zap.String("task_id", task.ID),
		zap.Int("attempt", task.Attempt),
		zap.String("reason", reason))
	return nil
}

// Stats returns pending and dead counts for lane. Rows locked by a running
// handler are counted as pending.
func (q *Queue) Stats(ctx context.Context, lane queue.Lane) (queue.Stats, error) {
	stats := queue.Stats{Lane: lane}
	err := q.db.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE dead_at IS NULL),
			COUNT(*) FILTER (WHERE dead_at IS NOT NULL)
		FROM rx_tasks
		WHERE lane = $1
	`, string(lane)).Scan(&stats.Pending, &stats.Dead)
	if err != nil {
		return stats, fmt.Errorf("lane stats: %w", err)
	}
	return stats, nil
}

// RequeueDead makes dead tasks on lane visible again with a fresh delivery
// budget. It returns how many were requeued.
func (q *Queue) RequeueDead(ctx context.Context, lane queue.Lane) (int64, error) {
	tag, err := q.db.Exec(ctx, `
		UPDATE rx_tasks
		SET dead_at = NULL, attempt = 0, available_at = NOW()
		WHERE lane = $1 AND dead_at IS NOT NULL
	`, string(lane))
	if err != nil {
		return 0, fmt.Errorf("requeue dead tasks: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Close is a no-op; the pool is owned by the caller.
func (q *Queue) Close() error { return nil }
