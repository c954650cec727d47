// Package idempotency provides the Inbox pattern: a side effect keyed by a
// delivery identifier runs at most once to completion, so a redelivered
// message that already succeeded is absorbed instead of repeated.
package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusStarted  Status = "STARTED"
	StatusFinished Status = "FINISHED"
)

// Entry is an inbox record
type Entry struct {
	Key       string          `json:"key"`
	Handler   string          `json:"handler"`
	Owner     string          `json:"owner,omitempty"`
	Status    Status          `json:"status"`
	Result    json.RawMessage `json:"result,omitempty"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Store persists inbox entries. Entries past their lease or TTL are treated
// as absent and may be claimed again.
type Store interface {
	// Get returns the live entry for key, or nil.
	Get(ctx context.Context, key string) (*Entry, error)
	// Claim marks key STARTED for lease on behalf of owner. It reports false
	// when a live entry already exists.
	Claim(ctx context.Context, key, handler, owner string, lease time.Duration) (bool, error)
	// Finish marks key FINISHED with result, kept for ttl.
	Finish(ctx context.Context, key string, result json.RawMessage, ttl time.Duration) error
	// Release drops owner's claim so the next delivery can process key. A
	// claim taken over by another owner after the lease ran out is kept.
	Release(ctx context.Context, key, owner string) error
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a finished entry absorbs redeliveries
	TTL time.Duration
	// Lease is how long a STARTED claim blocks other deliveries; a crashed
	// worker's claim becomes reclaimable after it
	Lease time.Duration
	// CleanupInterval is how often stores that support it purge expired rows
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             7 * 24 * time.Hour,
		Lease:           5 * time.Minute,
		CleanupInterval: time.Hour,
	}
}

// ErrMessageInProgress indicates another delivery holds the claim
var ErrMessageInProgress = errors.New("message in progress by another handler")

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	// Duplicate is true when the side effect had already completed
	Duplicate bool
	Result    json.RawMessage
}

// ProcessFunc performs the side effect and returns a result worth keeping.
type ProcessFunc func(ctx context.Context) (json.RawMessage, error)

// Inbox manages idempotent message processing
type Inbox struct {
	store  Store
	config Config
	logger *zap.Logger
	tracer trace.Tracer
}

// NewInbox creates a new inbox over store
func NewInbox(store Store, cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultConfig().Lease
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	return &Inbox{
		store:  store,
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
	}
}

// Process runs fn unless key has already finished. A failed fn releases the
// claim so a later delivery retries it.
func (i *Inbox) Process(ctx context.Context, key, handlerName string, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handlerName),
		))
	defer span.End()

	if res, done, err := i.finished(ctx, key); err != nil || done {
		if done {
			span.SetAttributes(attribute.Bool("duplicate", true))
		}
		return res, err
	}

	owner := uuid.NewString()
	claimed, err := i.store.Claim(ctx, key, handlerName, owner, i.config.Lease)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to claim inbox entry: %w", err)
	}
	if !claimed {
		// lost a race with another delivery; it may have finished meanwhile
		if res, done, err := i.finished(ctx, key); err != nil || done {
			return res, err
		}
		return nil, ErrMessageInProgress
	}

	result, handlerErr := fn(ctx)
	if handlerErr != nil {
		if err := i.store.Release(context.WithoutCancel(ctx), key, owner); err != nil {
			i.logger.Error("failed to release inbox claim", zap.String("key", key), zap.Error(err))
		}
		span.RecordError(handlerErr)
		return nil, handlerErr
	}

	if err := i.store.Finish(context.WithoutCancel(ctx), key, result, i.config.TTL); err != nil {
		// the side effect happened; a redelivery will repeat it
		i.logger.Error("failed to mark finished", zap.String("key", key), zap.Error(err))
	}

	return &ProcessResult{Result: result}, nil
}

func (i *Inbox) finished(ctx context.Context, key string) (*ProcessResult, bool, error) {
	entry, err := i.store.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("failed to check inbox: %w", err)
	}
	if entry != nil && entry.Status == StatusFinished {
		return &ProcessResult{Duplicate: true, Result: entry.Result}, true, nil
	}
	return nil, false, nil
}

// Sweeper is implemented by stores that need expired entries purged.
type Sweeper interface {
	DeleteExpired(ctx context.Context) (int64, error)
}

// RunCleanup purges expired entries every CleanupInterval until ctx ends.
// Stores that expire entries on their own make it return immediately.
func (i *Inbox) RunCleanup(ctx context.Context) {
	sweeper, ok := i.store.(Sweeper)
	if !ok {
		return
	}
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.DeleteExpired(ctx)
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
				continue
			}
			if n > 0 {
				i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
			}
		}
	}
}
