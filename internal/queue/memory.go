package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/observability/metrics"
)

// ErrClosed is returned by Enqueue after Close.
var ErrClosed = errors.New("queue closed")

// Memory is an in-process queue for tests and single-process development.
// It honours the same ack/nack and dead letter rules as the durable
// backends but loses everything on exit.
type Memory struct {
	opts    Options
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	mu     sync.Mutex
	lanes  map[Lane]*memLane
	closed bool
}

type memEntry struct {
	task      *Task
	notBefore time.Time
}

type memLane struct {
	pending  []memEntry
	inFlight int
	dead     []DeadLetterRecord
	// signal wakes one idle consumer; cap 1
	signal chan struct{}
}

// NewMemory creates an empty in-memory queue
func NewMemory(opts Options, m *metrics.Metrics, logger *zap.Logger) *Memory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Memory{
		opts:    opts,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("queue-memory"),
		lanes:   make(map[Lane]*memLane),
	}
}

func (q *Memory) lane(l Lane) *memLane {
	ml, ok := q.lanes[l]
	if !ok {
		ml = &memLane{signal: make(chan struct{}, 1)}
		q.lanes[l] = ml
	}
	return ml
}

// Enqueue appends task to the tail of lane.
func (q *Memory) Enqueue(ctx context.Context, lane Lane, task *Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrClosed
	}
	task.Lane = lane
	ml := q.lane(lane)
	ml.pending = append(ml.pending, memEntry{task: task})
	q.mu.Unlock()

	wake(ml)
	q.metrics.ObserveTask(string(lane), metrics.TaskEnqueued)
	q.logger.Debug("task enqueued",
		zap.String("lane", string(lane)),
		zap.String("task_id", task.ID),
		zap.String("key", task.Key))
	return nil
}

// Consume drains lane until ctx is cancelled.
func (q *Memory) Consume(ctx context.Context, lane Lane, h Handler) error {
	q.mu.Lock()
	ml := q.lane(lane)
	q.mu.Unlock()

	for {
		task, wait := q.claim(ml)
		if task == nil {
			var (
				timer *time.Timer
				fire  <-chan time.Time
			)
			if wait > 0 {
				timer = time.NewTimer(wait)
				fire = timer.C
			}
			select {
			case <-ctx.Done():
			case <-ml.signal:
			case <-fire:
			}
			if timer != nil {
				timer.Stop()
			}
			if ctx.Err() != nil {
				return nil
			}
			continue
		}
		q.deliver(ctx, ml, task, h)
		if ctx.Err() != nil {
			return nil
		}
	}
}

// claim takes the first ready task in lane order. When nothing is ready it
// returns how long until the earliest delayed task becomes visible, or zero
// if the lane is empty.
func (q *Memory) claim(ml *memLane) (*Task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var next time.Duration
	for i, e := range ml.pending {
		if !e.notBefore.After(now) {
			ml.pending = append(ml.pending[:i:i], ml.pending[i+1:]...)
			ml.inFlight++
			if len(ml.pending) > 0 {
				wake(ml)
			}
			return e.task, 0
		}
		if d := e.notBefore.Sub(now); next == 0 || d < next {
			next = d
		}
	}
	return nil, next
}

func (q *Memory) deliver(ctx context.Context, ml *memLane, task *Task, h Handler) {
	lane := string(task.Lane)
	ctx, span := q.tracer.Start(ctx, "queue_deliver",
		trace.WithAttributes(
			attribute.String("lane", lane),
			attribute.String("task_id", task.ID),
			attribute.Int("attempt", task.Attempt),
		))
	defer span.End()

	start := time.Now()
	err := h(ctx, task)
	q.metrics.ObserveTaskDuration(lane, time.Since(start))

	disposition := Dispose(err, task, q.opts)
	span.SetAttributes(attribute.String("disposition", disposition.String()))

	q.mu.Lock()
	ml.inFlight--
	switch disposition {
	case Redeliver:
		redelivered := *task
		redelivered.Attempt++
		ml.pending = append(ml.pending, memEntry{
			task:      &redelivered,
			notBefore: time.Now().Add(q.opts.RedeliveryDelay),
		})
	case DeadLetter:
		ml.dead = append(ml.dead, DeadLetterRecord{Task: task, Reason: err.Error(), DeadAt: time.Now().UTC()})
	}
	q.mu.Unlock()

	switch disposition {
	case Ack:
		q.metrics.ObserveTask(lane, metrics.TaskAcked)
	case Redeliver:
		wake(ml)
		span.RecordError(err)
		q.metrics.ObserveTask(lane, metrics.TaskRedelivered)
		q.logger.Warn("task nacked, scheduled for redelivery",
			zap.String("lane", lane),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Duration("delay", q.opts.RedeliveryDelay),
			zap.Error(err))
	case DeadLetter:
		span.RecordError(err)
		q.metrics.ObserveTask(lane, metrics.TaskDeadLettered)
		q.logger.Error("task moved to dead letter",
			zap.String("lane", lane),
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err))
	}
}

// Stats reports the lane's pending, in-flight and dead counts.
func (q *Memory) Stats(ctx context.Context, lane Lane) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	ml := q.lane(lane)
	return Stats{
		Lane:     lane,
		Pending:  int64(len(ml.pending)),
		InFlight: int64(ml.inFlight),
		Dead:     int64(len(ml.dead)),
	}, nil
}

// DeadLetters returns a copy of the lane's dead letter records.
func (q *Memory) DeadLetters(lane Lane) []DeadLetterRecord {
	q.mu.Lock()
	defer q.mu.Unlock()
	ml := q.lane(lane)
	out := make([]DeadLetterRecord, len(ml.dead))
	copy(out, ml.dead)
	return out
}

// Close rejects further enqueues. Consumers stop with their context.
func (q *Memory) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	return nil
}

func wake(ml *memLane) {
	select {
	case ml.signal <- struct{}{}:
	default:
	}
}
