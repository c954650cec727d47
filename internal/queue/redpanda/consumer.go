package redpanda

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/queue"
)

// settleBackoff spaces attempts to record a task outcome while the broker
// is unavailable.
const settleBackoff = time.Second

// commitTimeout bounds an offset commit, which still runs during shutdown.
const commitTimeout = 10 * time.Second

// Consume joins the lane's consumer group and hands records to h one at a
// time. Each call is one consumer instance; run several for concurrency.
func (q *Queue) Consume(ctx context.Context, lane queue.Lane, h queue.Handler) error {
	topic, err := q.config.topicFor(lane)
	if err != nil {
		return err
	}
	group := q.config.groupFor(lane)

	client, err := kgo.NewClient(
		kgo.SeedBrokers(q.config.Brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.DisableAutoCommit(),
		// partitions are not revoked while a task is in flight
		kgo.BlockRebalanceOnPoll(),
		kgo.SessionTimeout(q.config.SessionTimeout),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.OnPartitionsAssigned(func(ctx context.Context, _ *kgo.Client, assigned map[string][]int32) {
			q.logger.Info("partitions assigned", zap.String("group", group), zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, _ *kgo.Client, revoked map[string][]int32) {
			q.logger.Info("partitions revoked", zap.String("group", group), zap.Any("partitions", revoked))
		}),
	)
	if err != nil {
		return fmt.Errorf("failed to create kafka consumer: %w", err)
	}
	defer client.Close()

	q.logger.Info("lane consumer started",
		zap.String("lane", string(lane)),
		zap.String("topic", topic),
		zap.String("group", group))

	for {
		fetches := client.PollRecords(ctx, 1)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}

		if errs := fetches.Errors(); len(errs) > 0 {
			for _, fe := range errs {
				q.logger.Error("fetch error",
					zap.String("topic", fe.Topic),
					zap.Int32("partition", fe.Partition),
					zap.Error(fe.Err))
			}
			client.AllowRebalance()
			continue
		}

		fetches.EachRecord(func(rec *kgo.Record) {
			q.processRecord(ctx, client, lane, rec, h)
		})
		client.AllowRebalance()
	}
}

func (q *Queue) processRecord(ctx context.Context, client *kgo.Client, lane queue.Lane, rec *kgo.Record, h queue.Handler) {
	ctx = otel.GetTextMapPropagator().Extract(ctx, headerCarrier{rec: rec})
	ctx, span := q.tracer.Start(ctx, "queue_deliver",
		trace.WithAttributes(
			attribute.String("topic", rec.Topic),
			attribute.Int64("partition", int64(rec.Partition)),
			attribute.Int64("offset", rec.Offset),
		))
	defer span.End()

	task := &queue.Task{}
	if err := json.Unmarshal(rec.Value, task); err != nil {
		// undecodable records can never succeed
		task = &queue.Task{ID: header(rec, headerTaskID), Lane: lane, Key: string(rec.Key), Payload: rec.Value}
		q.settle(ctx, client, rec, task, queue.DeadLetter, fmt.Errorf("decode task: %w", err))
		return
	}
	if task.Lane == "" {
		task.Lane = lane
	}
	span.SetAttributes(
		attribute.String("task_id", task.ID),
		attribute.Int("attempt", task.Attempt))

	if wait := time.Until(notBefore(rec)); wait > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}

	start := time.Now()
	herr := h(ctx, task)
	q.metrics.ObserveTaskDuration(string(lane), time.Since(start))

	if ctx.Err() != nil && herr != nil {
		// shutting down; leave the offset uncommitted for the next owner
		return
	}

	disposition := queue.Dispose(herr, task, q.opts)
	span.SetAttributes(attribute.String("disposition", disposition.String()))
	if herr != nil {
		span.RecordError(herr)
	}
	q.settle(ctx, client, rec, task, disposition, herr)
}

// settle records the outcome of rec and then commits its offset. A nack
// re-produces the task at the tail of the lane; a dead letter goes to the
// dead letter topic. The offset is committed only after that produce has
// been acknowledged.
func (q *Queue) settle(ctx context.Context, client *kgo.Client, rec *kgo.Record, task *queue.Task, d queue.Disposition, cause error) {
	lane := string(task.Lane)

	switch d {
	case queue.Redeliver:
		next := *task
		next.Attempt++
		out, err := taskRecord(rec.Topic, &next)
		if err != nil {
			cause = queue.Permanent(err)
			d = queue.DeadLetter
			break
		}
		setNotBefore(out, time.Now().Add(q.opts.RedeliveryDelay))
		if !q.produceUntilDone(ctx, out) {
			return
		}
		q.metrics.ObserveTask(lane, metrics.TaskRedelivered)
		q.logger.Warn("task nacked, scheduled for redelivery",
			zap.String("lane", lane),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", q.opts.RedeliveryDelay),
			zap.Error(cause))
	}

	if d == queue.DeadLetter {
		out, err := deadLetterRecord(q.config.DeadLetterTopic, task, cause.Error())
		if err != nil {
			q.logger.Error("cannot encode dead letter, leaving task uncommitted",
				zap.String("task_id", task.ID), zap.Error(err))
			return
		}
		if !q.produceUntilDone(ctx, out) {
			return
		}
		q.metrics.ObserveTask(lane, metrics.TaskDeadLettered)
		q.logger.Error("task moved to dead letter",
			zap.String("lane", lane),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(cause))
	}

	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commitTimeout)
	defer cancel()
	if err := client.CommitRecords(commitCtx, rec); err != nil {
		// the task will be seen again; the idempotency inbox absorbs it
		q.logger.Error("failed to commit offset",
			zap.String("topic", rec.Topic),
			zap.Int32("partition", rec.Partition),
			zap.Int64("offset", rec.Offset),
			zap.Error(err))
		return
	}
	if d == queue.Ack {
		q.metrics.ObserveTask(lane, metrics.TaskAcked)
	}
}

// produceUntilDone keeps producing rec until the broker accepts it or ctx
// ends. It reports whether the record was stored.
func (q *Queue) produceUntilDone(ctx context.Context, rec *kgo.Record) bool {
	for {
		if err := q.produce(ctx, rec); err == nil {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(settleBackoff):
		}
	}
}
