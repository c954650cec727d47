// Package queue is the durable task queue between the HTTP surface and the
// workers. Each lane (ledger writes, content uploads) is drained
// independently; a task is acknowledged only after its side effect has
// succeeded and is otherwise redelivered at the tail of its lane.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Lane names a work lane. Lanes never block each other.
type Lane string

const (
	LaneLedger Lane = "ledger"
	LaneUpload Lane = "upload"
)

// Lanes lists every lane a process may consume.
var Lanes = []Lane{LaneLedger, LaneUpload}

// ParseLane maps a CLI/config name onto a Lane.
func ParseLane(s string) (Lane, error) {
	switch Lane(s) {
	case LaneLedger, LaneUpload:
		return Lane(s), nil
	}
	return "", fmt.Errorf("unknown lane %q", s)
}

// Kind identifies what a worker must do with a task.
type Kind string

const (
	KindCreateOrUpdateAsset Kind = "CreateOrUpdateAsset"
	KindUploadContent       Kind = "UploadContent"
)

// Task is the unit of work carried by a lane.
type Task struct {
	ID   string `json:"id"`
	Lane Lane   `json:"lane"`
	Kind Kind   `json:"kind"`
	// Key orders tasks that touch the same entity. For ledger writes it is
	// the PatientId.
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	// Attempt is zero on first delivery and grows by one per redelivery.
	Attempt int `json:"attempt"`
}

// NewTask builds a task with a fresh ID and a JSON-encoded payload.
func NewTask(kind Kind, key string, payload interface{}) (*Task, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}
	return &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		Key:        key,
		Payload:    raw,
		EnqueuedAt: time.Now().UTC(),
	}, nil
}

// Handler processes one task. Returning nil acknowledges it; any other error
// hands it back to the queue.
type Handler func(ctx context.Context, task *Task) error

// Queue is implemented by every backend.
type Queue interface {
	// Enqueue returns once the task is durably stored on lane.
	Enqueue(ctx context.Context, lane Lane, task *Task) error
	// Consume delivers tasks from lane to h, one at a time, until ctx is
	// cancelled. Run several Consume calls for concurrency.
	Consume(ctx context.Context, lane Lane, h Handler) error
	Close() error
}

// StatsReporter is implemented by backends that can count their contents.
type StatsReporter interface {
	Stats(ctx context.Context, lane Lane) (Stats, error)
}

// Stats is a point-in-time view of a lane.
type Stats struct {
	Lane     Lane  `json:"lane"`
	Pending  int64 `json:"pending"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// ErrPermanent marks a handler failure that redelivery cannot fix. Such
// tasks go straight to the dead letter destination.
var ErrPermanent = errors.New("permanent task failure")

// Permanent wraps err so that errors.Is(err, ErrPermanent) holds.
func Permanent(err error) error {
	return fmt.Errorf("%w: %w", ErrPermanent, err)
}

// Options are the redelivery rules shared by all backends.
type Options struct {
	// MaxDeliveries caps deliveries per task, the first included.
	MaxDeliveries int
	// RedeliveryDelay is how long a nacked task waits before it is
	// visible again.
	RedeliveryDelay time.Duration
}

// DefaultOptions returns production defaults
func DefaultOptions() Options {
	return Options{
		MaxDeliveries:   10,
		RedeliveryDelay: 30 * time.Second,
	}
}

// Disposition is what a backend does with a task after its handler returns.
type Disposition int

const (
	Ack Disposition = iota
	Redeliver
	DeadLetter
)

func (d Disposition) String() string {
	switch d {
	case Ack:
		return "ack"
	case Redeliver:
		return "redeliver"
	case DeadLetter:
		return "dead_letter"
	default:
		return "unknown"
	}
}

// Dispose decides the fate of t given the handler result err.
func Dispose(err error, t *Task, opts Options) Disposition {
	if err == nil {
		return Ack
	}
	if errors.Is(err, ErrPermanent) {
		return DeadLetter
	}
	if opts.MaxDeliveries > 0 && t.Attempt+1 >= opts.MaxDeliveries {
		return DeadLetter
	}
	return Redeliver
}

// DeadLetterRecord is what lands in the dead letter destination.
type DeadLetterRecord struct {
	Task   *Task     `json:"task"`
	Reason string    `json:"reason"`
	DeadAt time.Time `json:"dead_at"`
}
