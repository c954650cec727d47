package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/contentstore"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
)

// ErrInvalidMetadata is returned for metadata values that are not scalars
var ErrInvalidMetadata = errors.New("metadata values must be scalars")

// UploadPayload is the payload of an upload task. Metadata values must be
// scalars.
type UploadPayload struct {
	FileBuffer []byte                 `json:"file_buffer"`
	Metadata   map[string]interface{} `json:"metadata"`
}

// UploadResult is stored in the inbox for every completed upload
type UploadResult struct {
	FileCID     string `json:"file_cid"`
	MetadataCID string `json:"metadata_cid"`
}

// NewUploadTask builds an upload task keyed by the file's digest.
func NewUploadTask(file []byte, metadata map[string]interface{}) (*queue.Task, error) {
	if err := checkScalars(metadata); err != nil {
		return nil, err
	}
	return queue.NewTask(queue.KindUploadContent, contentstore.Digest(file), &UploadPayload{
		FileBuffer: file,
		Metadata:   metadata,
	})
}

// Uploader stores uploaded documents and their metadata
type Uploader struct {
	store   contentstore.Store
	inbox   *idempotency.Inbox
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewUploader creates an upload worker
func NewUploader(store contentstore.Store, inbox *idempotency.Inbox, m *metrics.Metrics, logger *zap.Logger) *Uploader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Uploader{
		store:   store,
		inbox:   inbox,
		metrics: m,
		logger:  logger.With(zap.String("worker", "uploader")),
	}
}

// Handle is a queue.Handler. The file and its metadata are two independent
// writes; if either fails the whole task is redelivered.
func (u *Uploader) Handle(ctx context.Context, task *queue.Task) error {
	if task.Kind != queue.KindUploadContent {
		return queue.Permanent(fmt.Errorf("upload lane cannot handle %s tasks", task.Kind))
	}
	var payload UploadPayload
	if err := json.Unmarshal(task.Payload, &payload); err != nil {
		return queue.Permanent(fmt.Errorf("decode upload payload: %w", err))
	}
	if err := checkScalars(payload.Metadata); err != nil {
		return queue.Permanent(err)
	}

	res, err := u.inbox.Process(ctx, task.ID, "uploader", func(ctx context.Context) (json.RawMessage, error) {
		fileCID, err := u.store.Add(ctx, payload.FileBuffer)
		if err != nil {
			return nil, fmt.Errorf("add file: %w", err)
		}
		meta, err := json.Marshal(payload.Metadata)
		if err != nil {
			return nil, err
		}
		metaCID, err := u.store.Add(ctx, meta)
		if err != nil {
			return nil, fmt.Errorf("add metadata: %w", err)
		}
		return json.Marshal(UploadResult{FileCID: fileCID, MetadataCID: metaCID})
	})
	if err != nil {
		u.logger.Warn("upload failed",
			zap.String("task_id", task.ID),
			zap.Int("attempt", task.Attempt),
			zap.Error(err))
		return err
	}

	var result UploadResult
	if err := json.Unmarshal(res.Result, &result); err != nil {
		u.logger.Warn("unreadable inbox result",
			zap.String("task_id", task.ID),
			zap.Bool("duplicate", res.Duplicate),
			zap.Error(err))
	}
	if res.Duplicate {
		u.metrics.ObserveTask(string(queue.LaneUpload), metrics.TaskDuplicate)
	}
	u.logger.Info("upload stored",
		zap.String("task_id", task.ID),
		zap.String("file_cid", result.FileCID),
		zap.String("metadata_cid", result.MetadataCID),
		zap.Bool("duplicate", res.Duplicate))
	return nil
}

func checkScalars(metadata map[string]interface{}) error {
	for k, v := range metadata {
		switch v.(type) {
		case nil, string, bool, float64, float32, int, int32, int64, json.Number:
		default:
			return fmt.Errorf("%w: %q is %T", ErrInvalidMetadata, k, v)
		}
	}
	return nil
}
