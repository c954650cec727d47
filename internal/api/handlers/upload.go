package handlers

import (
	"context"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/api/middleware"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/worker"
)

const maxUploadBytes = 10 << 20

// Enqueuer is the producing side of the task queue
type Enqueuer interface {
	Enqueue(ctx context.Context, lane queue.Lane, task *queue.Task) error
}

// UploadHandler accepts documents for the upload lane
type UploadHandler struct {
	queue  Enqueuer
	logger *zap.Logger
}

// NewUploadHandler creates an upload handler
func NewUploadHandler(q Enqueuer, logger *zap.Logger) *UploadHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &UploadHandler{queue: q, logger: logger}
}

// Upload handles POST /uploads: a multipart "file" part plus form fields,
// which become the document's metadata.
func (h *UploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		jsonError(w, "invalid multipart body", http.StatusBadRequest)
		return
	}
	f, _, err := r.FormFile("file")
	if err != nil {
		jsonError(w, "file is required", http.StatusBadRequest)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		jsonError(w, "failed to read file", http.StatusBadRequest)
		return
	}

	metadata := make(map[string]interface{}, len(r.MultipartForm.Value))
	for k, vs := range r.MultipartForm.Value {
		if len(vs) > 0 {
			metadata[k] = vs[0]
		}
	}
	if a, ok := middleware.GetActor(r.Context()); ok {
		metadata["uploaded_by"] = a.ID
	}

	task, err := worker.NewUploadTask(data, metadata)
	if err != nil {
		if errors.Is(err, worker.ErrInvalidMetadata) {
			jsonError(w, err.Error(), http.StatusBadRequest)
			return
		}
		jsonError(w, "failed to build upload task", http.StatusInternalServerError)
		return
	}
	if err := h.queue.Enqueue(r.Context(), queue.LaneUpload, task); err != nil {
		h.logger.Error("enqueue upload failed", zap.Error(err))
		jsonError(w, "failed to accept upload", http.StatusServiceUnavailable)
		return
	}

	h.logger.Info("upload accepted",
		zap.String("task_id", task.ID),
		zap.String("digest", task.Key),
		zap.Int("bytes", len(data)))
	writeJSON(w, http.StatusAccepted, map[string]string{
		"task_id": task.ID,
		"digest":  task.Key,
		"status":  statusPending,
	})
}
