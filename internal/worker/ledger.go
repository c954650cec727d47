// Package worker drains the task lanes. Each handler performs exactly one
// side effect per task and reports the outcome to the queue; none of them
// retries on its own.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

const createAssetFn = "CreateAsset"

// ErrChaincodeRejected is returned when the gateway accepted the request but
// the chaincode refused the write.
var ErrChaincodeRejected = errors.New("chaincode rejected write")

// Invoker is the write side of the gateway client
type Invoker interface {
	Invoke(ctx context.Context, fn string, args ...string) (*ledger.InvokeResult, error)
}

// LedgerResult is stored in the inbox for every completed ledger write
type LedgerResult struct {
	TxID string `json:"tx_id"`
}

// LedgerWriter applies ledger-write tasks through the gateway.
type LedgerWriter struct {
	gateway Invoker
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewLedgerWriter creates a ledger writer
func NewLedgerWriter(gw Invoker, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *LedgerWriter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LedgerWriter{
		gateway: gw,
		inbox:   inbox,
		metrics: m,
		logger:  logger.With(zap.String("worker", "ledger-writer")),
	}
}

// Handle is a queue.Handler. Gateway failures are returned as is so the
// task is redelivered; a malformed payload is a permanent failure.
func (w *LedgerWriter) Handle(ctx context.Context, task *queue.Task) error {
	if task.Kind != queue.KindCreateOrUpdateAsset {
		return queue.Permanent(fmt.Errorf("ledger lane cannot handle %s tasks", task.Kind))
	}
	if err := validateAsset(task.Payload); err != nil {
		return queue.Permanent(err)
	}

	res, err := w.inbox.Process(ctx, task.ID, "ledger-writer", func(ctx context.Context) (json.RawMessage, error) {
		out, err := w.gateway.Invoke(ctx, createAssetFn, string(task.Payload))
		if err != nil {
			return nil, err
		}
		if qr := ledger.Classify(out.Raw); qr.Kind == ledger.KindChaincodeError {
			return nil, fmt.Errorf("%w: %s", ErrChaincodeRejected, qr.Reason())
		}
		return json.Marshal(LedgerResult{TxID: out.TxID})
	})
	if err != nil {
		w.logger.Warn("ledger write failed",
			zap.String("task_id", task.ID),
			zap.String("patient_id", task.Key),
			zap.Int("attempt", task.Attempt),
			zap.Error(err))
		return err
	}

	var result LedgerResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		w.logger.Warn("unreadable inbox result",
			zap.String("task_id", task.ID),
			zap.Bool("duplicate", res.Duplicate),
			zap.Error(err))
	}
	if res.Duplicate {
		w.metrics.ObserveTask(string(queue.LaneLedger), metrics.TaskDuplicate)
		w.logger.Info("duplicate delivery absorbed",
			zap.String("task_id", task.ID),
			zap.String("tx_id", result.TxID))
		return nil
	}

	w.logger.Info("ledger write committed",
		zap.String("task_id", task.ID),
		zap.String("patient_id", task.Key),
		zap.String("tx_id", result.TxID),
		zap.Int("attempt", task.Attempt))
	return nil
}
