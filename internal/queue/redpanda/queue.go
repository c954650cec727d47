// Package redpanda implements the task queue on Kafka-compatible topics with
// franz-go. Each lane is a topic drained by its own consumer group; offsets
// are committed only after a task's outcome is durably recorded, so a crash
// mid-task leads to redelivery.
package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/queue"
)

// Config holds broker and lane topic configuration
type Config struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID prefixes the per-lane consumer group names
	GroupID string
	// Lane topics
	LedgerTopic     string
	UploadTopic     string
	DeadLetterTopic string
	// Partitions and ReplicationFactor apply when lanes are declared
	Partitions        int32
	ReplicationFactor int16
	// Compression is the producer batch codec
	Compression string
	// SessionTimeout is the consumer group session timeout
	SessionTimeout time.Duration
}

// DefaultConfig returns development defaults
func DefaultConfig() Config {
	return Config{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "rxledger-workers",
		LedgerTopic:       "rx.ledger-writes",
		UploadTopic:       "rx.content-uploads",
		DeadLetterTopic:   "rx.dead-letter",
		Partitions:        6,
		ReplicationFactor: 1, // 3 in production
		Compression:       "lz4",
		SessionTimeout:    30 * time.Second,
	}
}

func (c Config) topicFor(lane queue.Lane) (string, error) {
	switch lane {
	case queue.LaneLedger:
		return c.LedgerTopic, nil
	case queue.LaneUpload:
		return c.UploadTopic, nil
	}
	return "", fmt.Errorf("no topic for lane %q", lane)
}

func (c Config) groupFor(lane queue.Lane) string {
	return c.GroupID + "." + string(lane)
}

// Queue is the Redpanda-backed task queue
type Queue struct {
	producer *kgo.Client
	config   Config
	opts     queue.Options
	metrics  *metrics.Metrics
	logger   *zap.Logger
	tracer   trace.Tracer
}

var _ queue.Queue = (*Queue)(nil)

// New creates the producer side of the queue. Consumers are created per
// Consume call.
func New(cfg Config, opts queue.Options, m *metrics.Metrics, logger *zap.Logger) (*Queue, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("at least one broker is required")
	}

	producerOpts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		// a task is enqueued only once every in-sync replica has it
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProducerLinger(5 * time.Millisecond),
		kgo.RecordRetries(5),
	}
	switch cfg.Compression {
	case "lz4":
		producerOpts = append(producerOpts, kgo.ProducerBatchCompression(kgo.Lz4Compression()))
	case "snappy":
		producerOpts = append(producerOpts, kgo.ProducerBatchCompression(kgo.SnappyCompression()))
	case "zstd":
		producerOpts = append(producerOpts, kgo.ProducerBatchCompression(kgo.ZstdCompression()))
	}

	client, err := kgo.NewClient(producerOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	return &Queue{
		producer: client,
		config:   cfg,
		opts:     opts,
		metrics:  m,
		logger:   logger,
		tracer:   otel.Tracer("queue-redpanda"),
	}, nil
}

// Enqueue produces task to its lane topic and waits for the broker ack.
// The task key is the record key, so tasks for one patient stay ordered on
// one partition.
func (q *Queue) Enqueue(ctx context.Context, lane queue.Lane, task *queue.Task) error {
	topic, err := q.config.topicFor(lane)
	if err != nil {
		return err
	}
	task.Lane = lane

	ctx, span := q.tracer.Start(ctx, "queue_enqueue",
		trace.WithAttributes(
			attribute.String("topic", topic),
			attribute.String("task_id", task.ID),
			attribute.String("key", task.Key),
		))
	defer span.End()

	rec, err := taskRecord(topic, task)
	if err != nil {
		return err
	}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier{rec: rec})

	if err := q.produce(ctx, rec); err != nil {
		span.RecordError(err)
		return fmt.Errorf("enqueue task %s: %w", task.ID, err)
	}

	q.metrics.ObserveTask(string(lane), metrics.TaskEnqueued)
	return nil
}

func (q *Queue) produce(ctx context.Context, rec *kgo.Record) error {
	if err := q.producer.ProduceSync(ctx, rec).FirstErr(); err != nil {
		q.logger.Error("failed to produce record",
			zap.String("topic", rec.Topic),
			zap.String("key", string(rec.Key)),
			zap.Error(err))
		return err
	}
	q.logger.Debug("record produced",
		zap.String("topic", rec.Topic),
		zap.Int32("partition", rec.Partition),
		zap.Int64("offset", rec.Offset))
	return nil
}

// Ping checks broker connectivity.
func (q *Queue) Ping(ctx context.Context) error {
	return q.producer.Ping(ctx)
}

// Close flushes and closes the producer
func (q *Queue) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := q.producer.Flush(ctx); err != nil {
		q.logger.Warn("error flushing on close", zap.Error(err))
	}
	q.producer.Close()
	return nil
}

func taskRecord(topic string, task *queue.Task) (*kgo.Record, error) {
	value, err := json.Marshal(task)
	if err != nil {
		return nil, fmt.Errorf("encode task %s: %w", task.ID, err)
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(task.Key),
		Value: value,
	}
	setHeader(rec, headerTaskID, task.ID)
	setHeader(rec, headerAttempt, strconv.Itoa(task.Attempt))
	return rec, nil
}

func deadLetterRecord(topic string, task *queue.Task, reason string) (*kgo.Record, error) {
	value, err := json.Marshal(queue.DeadLetterRecord{
		Task:   task,
		Reason: reason,
		DeadAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode dead letter %s: %w", task.ID, err)
	}
	rec := &kgo.Record{
		Topic: topic,
		Key:   []byte(task.Key),
		Value: value,
	}
	setHeader(rec, headerTaskID, task.ID)
	return rec, nil
}
