// Package handlers provides HTTP handlers for the prescription API.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxledger/internal/api/middleware"
	"github.com/drfirst/go-rxledger/internal/consistency"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/prescription"
)

// Lifecycle is the prescription lifecycle manager as seen by the handlers
type Lifecycle interface {
	Create(ctx context.Context, cmd prescription.CreateCommand) (*prescription.Receipt, error)
	Dispense(ctx context.Context, cmd prescription.DispenseCommand) (*prescription.Receipt, error)
	Revoke(ctx context.Context, cmd prescription.RevokeCommand) (*prescription.Receipt, error)
	Expire(ctx context.Context, cmd prescription.ExpireCommand) (*prescription.Receipt, error)
	Get(ctx context.Context, patientID string) (*prescription.PatientAsset, error)
	Confirm(ctx context.Context, patientID, rxID string, status prescription.Status) (*prescription.PrescriptionRecord, error)
}

// PrescriptionHandler handles patient and prescription endpoints
type PrescriptionHandler struct {
	lifecycle Lifecycle
	logger    *zap.Logger
}

// NewPrescriptionHandler creates a new handler
func NewPrescriptionHandler(lc Lifecycle, logger *zap.Logger) *PrescriptionHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PrescriptionHandler{
		lifecycle: lc,
		logger:    logger,
	}
}

// Routes returns the handler routes, mounted under /patients
func (h *PrescriptionHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{patientID}", h.GetPatient)
	r.Post("/{patientID}/prescriptions", h.Create)
	r.Post("/{patientID}/prescriptions/{rxID}/dispense", h.Dispense)
	r.Post("/{patientID}/prescriptions/{rxID}/revoke", h.Revoke)
	r.Post("/{patientID}/prescriptions/{rxID}/expire", h.Expire)
	return r
}

// CreateRequest is the request body for creating a prescription
type CreateRequest struct {
	PatientName    string    `json:"patient_name"`
	DateOfBirth    string    `json:"date_of_birth,omitempty"`
	MedicationName string    `json:"medication_name"`
	Dosage         string    `json:"dosage"`
	Instructions   string    `json:"instructions"`
	ExpiryDate     time.Time `json:"expiry_date"`
}

// DispenseRequest is the request body for dispensing
type DispenseRequest struct {
	Note string `json:"note"`
}

// RevokeRequest is the request body for revoking
type RevokeRequest struct {
	Reason string `json:"reason"`
}

// ChangeResponse is returned for every accepted lifecycle command
type ChangeResponse struct {
	PatientID      string                           `json:"patient_id"`
	PrescriptionID string                           `json:"prescription_id"`
	TaskID         string                           `json:"task_id"`
	Status         string                           `json:"status"`
	Prescription   *prescription.PrescriptionRecord `json:"prescription,omitempty"`
}

const (
	statusPending   = "pending"
	statusConfirmed = "confirmed"
)

// Create handles POST /patients/{patientID}/prescriptions
func (h *PrescriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	ctx, span := otel.Tracer("prescription-handler").Start(r.Context(), "create_prescription")
	defer span.End()

	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actor, _ := middleware.GetActor(ctx)

	receipt, err := h.lifecycle.Create(ctx, prescription.CreateCommand{
		Actor:          actor,
		PatientID:      chi.URLParam(r, "patientID"),
		PatientName:    req.PatientName,
		DateOfBirth:    req.DateOfBirth,
		MedicationName: req.MedicationName,
		Dosage:         req.Dosage,
		Instructions:   req.Instructions,
		ExpiryDate:     req.ExpiryDate,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	span.SetAttributes(attribute.String("prescription_id", receipt.PrescriptionID))
	h.respond(w, r, receipt, http.StatusCreated)
}

// Dispense handles POST /patients/{patientID}/prescriptions/{rxID}/dispense
func (h *PrescriptionHandler) Dispense(w http.ResponseWriter, r *http.Request) {
	var req DispenseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	actor, _ := middleware.GetActor(r.Context())

	receipt, err := h.lifecycle.Dispense(r.Context(), prescription.DispenseCommand{
		Actor:          actor,
		PatientID:      chi.URLParam(r, "patientID"),
		PrescriptionID: chi.URLParam(r, "rxID"),
		Note:           req.Note,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, receipt, http.StatusOK)
}

// Revoke handles POST /patients/{patientID}/prescriptions/{rxID}/revoke
func (h *PrescriptionHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	var req RevokeRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, "invalid request body", http.StatusBadRequest)
			return
		}
	}
	actor, _ := middleware.GetActor(r.Context())

	receipt, err := h.lifecycle.Revoke(r.Context(), prescription.RevokeCommand{
		Actor:          actor,
		PatientID:      chi.URLParam(r, "patientID"),
		PrescriptionID: chi.URLParam(r, "rxID"),
		Reason:         req.Reason,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, receipt, http.StatusOK)
}

// Expire handles POST /patients/{patientID}/prescriptions/{rxID}/expire
func (h *PrescriptionHandler) Expire(w http.ResponseWriter, r *http.Request) {
	actor, _ := middleware.GetActor(r.Context())

	receipt, err := h.lifecycle.Expire(r.Context(), prescription.ExpireCommand{
		Actor:          actor,
		PatientID:      chi.URLParam(r, "patientID"),
		PrescriptionID: chi.URLParam(r, "rxID"),
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.respond(w, r, receipt, http.StatusOK)
}

// GetPatient handles GET /patients/{patientID}
func (h *PrescriptionHandler) GetPatient(w http.ResponseWriter, r *http.Request) {
	asset, err := h.lifecycle.Get(r.Context(), chi.URLParam(r, "patientID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, asset)
}

// respond reports an accepted change. With ?confirm=true it waits for the
// change to become visible and answers confirmedCode, or 202 when the read
// ceiling is hit first.
func (h *PrescriptionHandler) respond(w http.ResponseWriter, r *http.Request, receipt *prescription.Receipt, confirmedCode int) {
	resp := ChangeResponse{
		PatientID:      receipt.PatientID,
		PrescriptionID: receipt.PrescriptionID,
		TaskID:         receipt.TaskID,
		Status:         statusPending,
	}
	if r.URL.Query().Get("confirm") != "true" {
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	rx, err := h.lifecycle.Confirm(r.Context(), receipt.PatientID, receipt.PrescriptionID, receipt.Status)
	switch {
	case err == nil:
		resp.Status = statusConfirmed
		resp.Prescription = rx
		writeJSON(w, confirmedCode, resp)
	case errors.Is(err, prescription.ErrUnconfirmed):
		h.logger.Info("change not yet visible",
			zap.String("prescription_id", receipt.PrescriptionID),
			zap.String("request_id", middleware.GetRequestID(r.Context())))
		writeJSON(w, http.StatusAccepted, resp)
	default:
		h.logger.Warn("confirmation read failed",
			zap.String("prescription_id", receipt.PrescriptionID),
			zap.Error(err))
		writeJSON(w, http.StatusAccepted, resp)
	}
}

func (h *PrescriptionHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	if code >= http.StatusInternalServerError {
		h.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetRequestID(r.Context())),
			zap.Error(err))
	}
	msg := err.Error()
	if code == http.StatusServiceUnavailable {
		msg = "ledger record currently unavailable, retry later"
	}
	jsonError(w, msg, code)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, prescription.ErrInvalidCommand):
		return http.StatusBadRequest
	case errors.Is(err, prescription.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, prescription.ErrPatientNotFound), errors.Is(err, prescription.ErrPrescriptionNotFound):
		return http.StatusNotFound
	case errors.Is(err, consistency.ErrUnavailable),
		errors.Is(err, ledger.ErrGatewayUnreachable),
		errors.Is(err, ledger.ErrGatewayRejected):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func jsonError(w http.ResponseWriter, message string, code int) {
	writeJSON(w, code, map[string]string{"error": message})
}
