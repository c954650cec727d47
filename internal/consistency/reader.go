// Package consistency reads from an eventually consistent ledger. A write
// acknowledged by the gateway is not immediately visible to queries, so a
// read retries "does not exist" answers on a fixed schedule and gives up
// with a distinct "unavailable" outcome once its wall-clock ceiling is hit.
// This is the only place in the system that retries.
package consistency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
)

var (
	// ErrNotFound means the key stayed absent for the whole retry budget.
	ErrNotFound = errors.New("ledger record not found")
	// ErrChaincode means the chaincode kept answering with an error.
	ErrChaincode = errors.New("ledger chaincode error")
	// ErrUnavailable means the read ceiling was reached before an answer.
	ErrUnavailable = errors.New("ledger record currently unavailable")
)

// Querier is the read side of the gateway client.
type Querier interface {
	Query(ctx context.Context, fn string, args ...string) (*ledger.QueryResult, error)
}

// Policy bounds one logical read.
type Policy struct {
	// InitialDelay is waited once before the first query of a read that
	// follows a write
	InitialDelay time.Duration
	// MaxRetries is the number of queries after the first
	MaxRetries int
	// NotFoundInterval is the wait after a not-yet-visible answer
	NotFoundInterval time.Duration
	// ErrorInterval is the shorter wait after a chaincode or transport error
	ErrorInterval time.Duration
	// Ceiling caps the wall-clock time of the whole read
	Ceiling time.Duration
}

// DefaultPolicy returns the production read policy
func DefaultPolicy() Policy {
	return Policy{
		InitialDelay:     5 * time.Second,
		MaxRetries:       5,
		NotFoundInterval: 2 * time.Second,
		ErrorInterval:    time.Second,
		Ceiling:          20 * time.Second,
	}
}

// Outcome is how a logical read ended.
type Outcome int

const (
	OutcomeFound Outcome = iota
	OutcomeNotFound
	OutcomeError
	OutcomeUnavailable
)

func (o Outcome) String() string {
	switch o {
	case OutcomeFound:
		return "found"
	case OutcomeNotFound:
		return "not_found"
	case OutcomeError:
		return "error"
	case OutcomeUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// Result describes a finished read. Body is the accepted payload for
// OutcomeFound and the last gateway text otherwise.
type Result struct {
	Outcome  Outcome
	Body     string
	Attempts int
	Elapsed  time.Duration
}

// ReadOption adjusts a single read
type ReadOption func(*readOptions)

type readOptions struct {
	afterWrite bool
	accept     func(body string) bool
}

// AfterWrite applies the policy's initial delay before the first query.
func AfterWrite() ReadOption {
	return func(o *readOptions) { o.afterWrite = true }
}

// Accept treats an Ok body for which fn returns false as not yet visible,
// for reads waiting on a specific write rather than on existence.
func Accept(fn func(body string) bool) ReadOption {
	return func(o *readOptions) { o.accept = fn }
}

// Reader performs policy-bounded reads
type Reader struct {
	querier Querier
	policy  Policy
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewReader creates a reader over q
func NewReader(q Querier, policy Policy, m *metrics.Metrics, logger *zap.Logger) *Reader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reader{
		querier: q,
		policy:  policy,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("consistency-reader"),
		now:     time.Now,
		sleep:   sleepContext,
	}
}

// Policy returns the reader's policy.
func (r *Reader) Policy() Policy { return r.policy }

// Read queries fn(args...) until it sees an accepted Ok answer or the
// policy runs out. The returned error wraps ErrNotFound, ErrChaincode,
// ErrUnavailable, a gateway error, or the context error; the Result is
// always populated.
func (r *Reader) Read(ctx context.Context, fn string, args []string, opts ...ReadOption) (*Result, error) {
	var o readOptions
	for _, opt := range opts {
		opt(&o)
	}

	ctx, span := r.tracer.Start(ctx, "consistency_read",
		trace.WithAttributes(
			attribute.String("function", fn),
			attribute.Bool("after_write", o.afterWrite),
		))
	defer span.End()

	res, err := r.read(ctx, fn, args, o)

	span.SetAttributes(
		attribute.String("outcome", res.Outcome.String()),
		attribute.Int("attempts", res.Attempts))
	if err != nil && res.Outcome != OutcomeNotFound {
		span.RecordError(err)
	}
	r.metrics.ObserveRead(res.Outcome.String(), res.Attempts)
	r.logger.Debug("consistency read finished",
		zap.String("function", fn),
		zap.String("outcome", res.Outcome.String()),
		zap.Int("attempts", res.Attempts),
		zap.Duration("elapsed", res.Elapsed))
	return res, err
}

func (r *Reader) read(ctx context.Context, fn string, args []string, o readOptions) (*Result, error) {
	start := r.now()
	res := &Result{}
	finish := func(outcome Outcome, err error) (*Result, error) {
		res.Outcome = outcome
		res.Elapsed = r.now().Sub(start)
		return res, err
	}

	// wait reports false when waiting d would cross the ceiling
	wait := func(d time.Duration) (bool, error) {
		if r.now().Sub(start)+d > r.policy.Ceiling {
			return false, nil
		}
		if err := r.sleep(ctx, d); err != nil {
			return false, err
		}
		return true, nil
	}

	if o.afterWrite && r.policy.InitialDelay > 0 {
		ok, err := wait(r.policy.InitialDelay)
		if err != nil {
			return finish(OutcomeUnavailable, err)
		}
		if !ok {
			return finish(OutcomeUnavailable, fmt.Errorf("%w: initial delay exceeds ceiling %s", ErrUnavailable, r.policy.Ceiling))
		}
	}

	for {
		res.Attempts++
		qr, qerr := r.querier.Query(ctx, fn, args...)

		var (
			interval time.Duration
			outcome  Outcome
			cause    error
		)
		switch {
		case qerr != nil:
			if ctx.Err() != nil {
				return finish(OutcomeUnavailable, ctx.Err())
			}
			interval, outcome, cause = r.policy.ErrorInterval, OutcomeError, qerr
		case qr.Kind == ledger.KindOK && (o.accept == nil || o.accept(qr.Body)):
			res.Body = qr.Body
			return finish(OutcomeFound, nil)
		case qr.Kind == ledger.KindOK, qr.Kind == ledger.KindNotFound:
			res.Body = qr.Body
			interval, outcome, cause = r.policy.NotFoundInterval, OutcomeNotFound, ErrNotFound
			if qr.Kind == ledger.KindNotFound {
				cause = fmt.Errorf("%w: %s", ErrNotFound, qr.Reason())
			}
		default:
			res.Body = qr.Body
			interval, outcome, cause = r.policy.ErrorInterval, OutcomeError, fmt.Errorf("%w: %s", ErrChaincode, qr.Reason())
		}

		if res.Attempts > r.policy.MaxRetries {
			return finish(outcome, cause)
		}

		ok, err := wait(interval)
		if err != nil {
			return finish(OutcomeUnavailable, err)
		}
		if !ok {
			return finish(OutcomeUnavailable, fmt.Errorf("%w after %d attempts: %v", ErrUnavailable, res.Attempts, cause))
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
