package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/drfirst/go-rxledger/internal/api/handlers"
	"github.com/drfirst/go-rxledger/internal/consistency"
	"github.com/drfirst/go-rxledger/internal/prescription"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/worker"
)

type fakeLifecycle struct {
	create   func(prescription.CreateCommand) (*prescription.Receipt, error)
	dispense func(prescription.DispenseCommand) (*prescription.Receipt, error)
	get      func(string) (*prescription.PatientAsset, error)
	confirm  func(string, string, prescription.Status) (*prescription.PrescriptionRecord, error)
}

func (f *fakeLifecycle) Create(ctx context.Context, cmd prescription.CreateCommand) (*prescription.Receipt, error) {
	return f.create(cmd)
}
func (f *fakeLifecycle) Dispense(ctx context.Context, cmd prescription.DispenseCommand) (*prescription.Receipt, error) {
	return f.dispense(cmd)
}
func (f *fakeLifecycle) Revoke(ctx context.Context, cmd prescription.RevokeCommand) (*prescription.Receipt, error) {
	return nil, &prescription.TransitionError{Transition: prescription.TransitionRevoke, Reason: "nope"}
}
func (f *fakeLifecycle) Expire(ctx context.Context, cmd prescription.ExpireCommand) (*prescription.Receipt, error) {
	return nil, prescription.ErrPrescriptionNotFound
}
func (f *fakeLifecycle) Get(ctx context.Context, patientID string) (*prescription.PatientAsset, error) {
	return f.get(patientID)
}
func (f *fakeLifecycle) Confirm(ctx context.Context, patientID, rxID string, status prescription.Status) (*prescription.PrescriptionRecord, error) {
	return f.confirm(patientID, rxID, status)
}

type fakeQueue struct {
	lane  queue.Lane
	tasks []*queue.Task
}

func (f *fakeQueue) Enqueue(ctx context.Context, lane queue.Lane, task *queue.Task) error {
	f.lane = lane
	f.tasks = append(f.tasks, task)
	return nil
}

func receipt(status prescription.Status) *prescription.Receipt {
	return &prescription.Receipt{PatientID: "P-1", PrescriptionID: "RX-1", TaskID: "T-1", Status: status}
}

func newTestRouter(lc *fakeLifecycle, q *fakeQueue, checks map[string]handlers.Check) http.Handler {
	return NewRouter(Deps{Service: "rxledger-test", Lifecycle: lc, Queue: q, Checks: checks})
}

func do(h http.Handler, method, path, body string, actor bool) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if actor {
		req.Header.Set("X-Actor-ID", "D-1")
		req.Header.Set("X-Actor-Role", "doctor")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestActorRequired(t *testing.T) {
	h := newTestRouter(&fakeLifecycle{}, &fakeQueue{}, nil)
	rec := do(h, http.MethodGet, "/api/v1/patients/P-1", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", rec.Code)
	}
}

func TestCreate_Pending(t *testing.T) {
	var got prescription.CreateCommand
	lc := &fakeLifecycle{create: func(cmd prescription.CreateCommand) (*prescription.Receipt, error) {
		got = cmd
		return receipt(prescription.StatusActive), nil
	}}
	h := newTestRouter(lc, &fakeQueue{}, nil)

	rec := do(h, http.MethodPost, "/api/v1/patients/P-1/prescriptions",
		`{"patient_name":"Ada","medication_name":"Amoxicillin","dosage":"500mg","expiry_date":"2030-01-01T00:00:00Z"}`, true)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	var resp handlers.ChangeResponse
	json.NewDecoder(rec.Body).Decode(&resp)
	if resp.Status != "pending" || resp.PrescriptionID != "RX-1" {
		t.Errorf("unexpected response %+v", resp)
	}
	if got.PatientID != "P-1" || got.Actor.ID != "D-1" || got.Actor.Role != prescription.RoleDoctor || got.ExpiryDate.Year() != 2030 {
		t.Errorf("unexpected command %+v", got)
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Error("missing request id header")
	}
}

func TestCreate_Confirm(t *testing.T) {
	lc := &fakeLifecycle{
		create: func(cmd prescription.CreateCommand) (*prescription.Receipt, error) {
			return receipt(prescription.StatusActive), nil
		},
		confirm: func(p, rx string, s prescription.Status) (*prescription.PrescriptionRecord, error) {
			return &prescription.PrescriptionRecord{PrescriptionID: rx, Status: s, TxID: "abc"}, nil
		},
	}
	h := newTestRouter(lc, &fakeQueue{}, nil)

	rec := do(h, http.MethodPost, "/api/v1/patients/P-1/prescriptions?confirm=true", `{}`, true)
	if rec.Code != http.StatusCreated || !strings.Contains(rec.Body.String(), `"confirmed"`) {
		t.Errorf("expected 201 confirmed, got %d: %s", rec.Code, rec.Body)
	}

	lc.confirm = func(p, rx string, s prescription.Status) (*prescription.PrescriptionRecord, error) {
		return nil, fmt.Errorf("%w: ceiling", prescription.ErrUnconfirmed)
	}
	rec = do(h, http.MethodPost, "/api/v1/patients/P-1/prescriptions?confirm=true", `{}`, true)
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"pending"`) {
		t.Errorf("expected 202 pending, got %d: %s", rec.Code, rec.Body)
	}
}

func TestErrorMapping(t *testing.T) {
	lc := &fakeLifecycle{
		dispense: func(cmd prescription.DispenseCommand) (*prescription.Receipt, error) {
			return nil, &prescription.TransitionError{Transition: prescription.TransitionDispense, From: prescription.StatusActive, Reason: "a dispensation note is required"}
		},
		get: func(id string) (*prescription.PatientAsset, error) {
			if id == "P-404" {
				return nil, prescription.ErrPatientNotFound
			}
			return nil, fmt.Errorf("read patient: %w", consistency.ErrUnavailable)
		},
		create: func(cmd prescription.CreateCommand) (*prescription.Receipt, error) {
			return nil, fmt.Errorf("%w: missing dosage", prescription.ErrInvalidCommand)
		},
	}
	h := newTestRouter(lc, &fakeQueue{}, nil)

	tests := []struct {
		method, path, body string
		want               int
	}{
		{http.MethodPost, "/api/v1/patients/P-1/prescriptions/RX-1/dispense", `{}`, http.StatusConflict},
		{http.MethodPost, "/api/v1/patients/P-1/prescriptions/RX-1/revoke", ``, http.StatusConflict},
		{http.MethodPost, "/api/v1/patients/P-1/prescriptions/RX-1/expire", ``, http.StatusNotFound},
		{http.MethodGet, "/api/v1/patients/P-404", ``, http.StatusNotFound},
		{http.MethodGet, "/api/v1/patients/P-1", ``, http.StatusServiceUnavailable},
		{http.MethodPost, "/api/v1/patients/P-1/prescriptions", `{}`, http.StatusBadRequest},
		{http.MethodPost, "/api/v1/patients/P-1/prescriptions", `not json`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		rec := do(h, tt.method, tt.path, tt.body, true)
		if rec.Code != tt.want {
			t.Errorf("%s %s: expected %d, got %d: %s", tt.method, tt.path, tt.want, rec.Code, rec.Body)
		}
	}
}

func TestUpload(t *testing.T) {
	q := &fakeQueue{}
	h := newTestRouter(&fakeLifecycle{}, q, nil)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, _ := mw.CreateFormFile("file", "scan.pdf")
	fw.Write([]byte("%PDF-1.4"))
	mw.WriteField("patient_id", "P-1")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/v1/uploads", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Actor-ID", "PH-1")
	req.Header.Set("X-Actor-Role", "pharmacist")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body)
	}
	if q.lane != queue.LaneUpload || len(q.tasks) != 1 {
		t.Fatalf("expected one upload task, got %v %d", q.lane, len(q.tasks))
	}
	var payload worker.UploadPayload
	json.Unmarshal(q.tasks[0].Payload, &payload)
	if string(payload.FileBuffer) != "%PDF-1.4" || payload.Metadata["patient_id"] != "P-1" || payload.Metadata["uploaded_by"] != "PH-1" {
		t.Errorf("unexpected payload %+v", payload)
	}
}

func TestHealthAndReady(t *testing.T) {
	checks := map[string]handlers.Check{
		"gateway": func(ctx context.Context) error { return errors.New("connection refused") },
	}
	h := newTestRouter(&fakeLifecycle{}, &fakeQueue{}, checks)

	if rec := do(h, http.MethodGet, "/health", "", false); rec.Code != http.StatusOK {
		t.Errorf("health: expected 200, got %d", rec.Code)
	}
	rec := do(h, http.MethodGet, "/ready", "", false)
	if rec.Code != http.StatusServiceUnavailable || !strings.Contains(rec.Body.String(), "connection refused") {
		t.Errorf("ready: expected 503 with reason, got %d: %s", rec.Code, rec.Body)
	}
}
