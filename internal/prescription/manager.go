package prescription

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

	"github.com/drfirst/go-rxledger/internal/consistency"
	"github.com/drfirst/go-rxledger/internal/observability/metrics"
	"github.com/drfirst/go-rxledger/internal/queue"
)

const readAssetFn = "ReadAsset"

// Enqueuer is the producing side of the task queue
type Enqueuer interface {
	Enqueue(ctx context.Context, lane queue.Lane, task *queue.Task) error
}

// AssetReader reads ledger state under a consistency policy
type AssetReader interface {
	Read(ctx context.Context, fn string, args []string, opts ...consistency.ReadOption) (*consistency.Result, error)
}

// Receipt describes an accepted command. The change is durable in the
// queue but not yet visible on the ledger.
type Receipt struct {
	PatientID      string `json:"patient_id"`
	PrescriptionID string `json:"prescription_id"`
	TaskID         string `json:"task_id"`
	Status         Status `json:"status"`
}

// Manager validates lifecycle commands and turns accepted ones into
// ledger-write tasks.
type Manager struct {
	queue   Enqueuer
	reader  AssetReader
	metrics *metrics.Metrics
	logger  *zap.Logger
	tracer  trace.Tracer
	now     func() time.Time
}

// NewManager creates a lifecycle manager
func NewManager(q Enqueuer, r AssetReader, m *metrics.Metrics, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		queue:   q,
		reader:  r,
		metrics: m,
		logger:  logger,
		tracer:  otel.Tracer("prescription-manager"),
		now:     time.Now,
	}
}

// Create validates and enqueues a new Active prescription.
func (m *Manager) Create(ctx context.Context, cmd CreateCommand) (*Receipt, error) {
	ctx, span := m.tracer.Start(ctx, "prescription_create",
		trace.WithAttributes(attribute.String("patient_id", cmd.PatientID)))
	defer span.End()

	now := m.now().UTC()
	if err := cmd.validate(now); err != nil {
		return nil, m.refuse(span, TransitionCreate, err)
	}

	rx := PrescriptionRecord{
		PrescriptionID:       PrescriptionIDPrefix + uuid.New().String(),
		CreatedBy:            cmd.Actor.ID,
		MedicationName:       cmd.MedicationName,
		Dosage:               cmd.Dosage,
		Instructions:         cmd.Instructions,
		Status:               StatusActive,
		ExpiryDate:           cmd.ExpiryDate.UTC(),
		DispensingPharmacist: NotApplicable,
		DispensingTimestamp:  NotApplicable,
		LastModifiedBy:       cmd.Actor.ID,
	}
	fragment := &PatientAsset{
		PatientID:     cmd.PatientID,
		DoctorID:      cmd.Actor.ID,
		PatientName:   cmd.PatientName,
		DateOfBirth:   cmd.DateOfBirth,
		Prescriptions: []PrescriptionRecord{rx},
	}
	return m.submit(ctx, span, TransitionCreate, fragment, &rx)
}

// Dispense records a pharmacist's dispensation of an Active prescription.
func (m *Manager) Dispense(ctx context.Context, cmd DispenseCommand) (*Receipt, error) {
	ctx, span := m.tracer.Start(ctx, "prescription_dispense",
		trace.WithAttributes(
			attribute.String("patient_id", cmd.PatientID),
			attribute.String("prescription_id", cmd.PrescriptionID)))
	defer span.End()

	if err := requireTarget(cmd.Actor, cmd.PatientID, cmd.PrescriptionID); err != nil {
		return nil, m.refuse(span, TransitionDispense, err)
	}
	rx, err := m.current(ctx, cmd.PatientID, cmd.PrescriptionID)
	if err != nil {
		return nil, err
	}
	now := m.now().UTC()
	if err := guardDispense(rx, &cmd, now); err != nil {
		return nil, m.refuse(span, TransitionDispense, err)
	}

	rx.Status = StatusDispensed
	rx.DispensingPharmacist = cmd.Actor.ID
	rx.DispensingTimestamp = now.Format(time.RFC3339)
	rx.DispensingNote = cmd.Note
	rx.LastModifiedBy = cmd.Actor.ID
	rx.TxID = ""
	return m.submit(ctx, span, TransitionDispense, updateFragment(cmd.PatientID, rx), rx)
}

// Revoke revokes an Active prescription on behalf of its prescriber.
func (m *Manager) Revoke(ctx context.Context, cmd RevokeCommand) (*Receipt, error) {
	ctx, span := m.tracer.Start(ctx, "prescription_revoke",
		trace.WithAttributes(
			attribute.String("patient_id", cmd.PatientID),
			attribute.String("prescription_id", cmd.PrescriptionID)))
	defer span.End()

	if err := requireTarget(cmd.Actor, cmd.PatientID, cmd.PrescriptionID); err != nil {
		return nil, m.refuse(span, TransitionRevoke, err)
	}
	rx, err := m.current(ctx, cmd.PatientID, cmd.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if err := guardRevoke(rx, &cmd, m.now().UTC()); err != nil {
		return nil, m.refuse(span, TransitionRevoke, err)
	}

	rx.Status = StatusRevoked
	rx.RevocationReason = cmd.Reason
	rx.LastModifiedBy = cmd.Actor.ID
	rx.TxID = ""
	return m.submit(ctx, span, TransitionRevoke, updateFragment(cmd.PatientID, rx), rx)
}

// Expire records the Expired status of a prescription past its expiry date.
func (m *Manager) Expire(ctx context.Context, cmd ExpireCommand) (*Receipt, error) {
	ctx, span := m.tracer.Start(ctx, "prescription_expire",
		trace.WithAttributes(
			attribute.String("patient_id", cmd.PatientID),
			attribute.String("prescription_id", cmd.PrescriptionID)))
	defer span.End()

	if err := requireTarget(cmd.Actor, cmd.PatientID, cmd.PrescriptionID); err != nil {
		return nil, m.refuse(span, TransitionExpire, err)
	}
	rx, err := m.current(ctx, cmd.PatientID, cmd.PrescriptionID)
	if err != nil {
		return nil, err
	}
	if err := guardExpire(rx, m.now().UTC()); err != nil {
		return nil, m.refuse(span, TransitionExpire, err)
	}

	rx.Status = StatusExpired
	rx.LastModifiedBy = cmd.Actor.ID
	rx.TxID = ""
	return m.submit(ctx, span, TransitionExpire, updateFragment(cmd.PatientID, rx), rx)
}

// Get returns the patient's asset with lazy expiry applied.
func (m *Manager) Get(ctx context.Context, patientID string) (*PatientAsset, error) {
	if patientID == "" {
		return nil, fmt.Errorf("%w: missing patient_id", ErrInvalidCommand)
	}
	res, err := m.reader.Read(ctx, readAssetFn, []string{patientID})
	if err != nil {
		if errors.Is(err, consistency.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
		}
		return nil, fmt.Errorf("read patient %s: %w", patientID, err)
	}
	asset, err := decodeAsset(res.Body)
	if err != nil {
		return nil, err
	}
	return asset.WithLazyExpiry(m.now().UTC()), nil
}

// Confirm waits until the ledger shows rxID in status. It returns an error
// wrapping ErrUnconfirmed when the read policy runs out first.
func (m *Manager) Confirm(ctx context.Context, patientID, rxID string, status Status) (*PrescriptionRecord, error) {
	accept := func(body string) bool {
		asset, err := decodeAsset(body)
		if err != nil {
			return false
		}
		rx := asset.Find(rxID)
		return rx != nil && rx.Status == status
	}

	res, err := m.reader.Read(ctx, readAssetFn, []string{patientID},
		consistency.AfterWrite(), consistency.Accept(accept))
	if err != nil {
		if errors.Is(err, consistency.ErrNotFound) || errors.Is(err, consistency.ErrUnavailable) {
			return nil, fmt.Errorf("%w: %s %s: %v", ErrUnconfirmed, rxID, status, err)
		}
		return nil, fmt.Errorf("confirm %s: %w", rxID, err)
	}

	asset, err := decodeAsset(res.Body)
	if err != nil {
		return nil, err
	}
	rx := asset.Find(rxID)
	m.logger.Info("prescription change confirmed",
		zap.String("patient_id", patientID),
		zap.String("prescription_id", rxID),
		zap.String("status", string(status)),
		zap.String("tx_id", rx.TxID),
		zap.Int("read_attempts", res.Attempts))
	return rx, nil
}

// current reads the committed record a transition is checked against. An
// asset that does not list rxID yet is treated as not yet visible, so a
// prescription created moments ago for a known patient is waited for like a
// new patient would be.
func (m *Manager) current(ctx context.Context, patientID, rxID string) (*PrescriptionRecord, error) {
	lists := func(body string) bool {
		asset, err := decodeAsset(body)
		return err == nil && asset.Find(rxID) != nil
	}
	res, err := m.reader.Read(ctx, readAssetFn, []string{patientID}, consistency.Accept(lists))
	if err != nil {
		if errors.Is(err, consistency.ErrNotFound) {
			// the last answer tells an absent patient from an absent record
			if _, derr := decodeAsset(res.Body); derr == nil {
				return nil, fmt.Errorf("%w: %s", ErrPrescriptionNotFound, rxID)
			}
			return nil, fmt.Errorf("%w: %s", ErrPatientNotFound, patientID)
		}
		return nil, fmt.Errorf("read patient %s: %w", patientID, err)
	}
	asset, err := decodeAsset(res.Body)
	if err != nil {
		return nil, err
	}
	rx := asset.Find(rxID)
	if rx == nil {
		return nil, fmt.Errorf("%w: %s", ErrPrescriptionNotFound, rxID)
	}
	cp := *rx
	return &cp, nil
}

func (m *Manager) submit(ctx context.Context, span trace.Span, tr Transition, fragment *PatientAsset, rx *PrescriptionRecord) (*Receipt, error) {
	task, err := queue.NewTask(queue.KindCreateOrUpdateAsset, fragment.PatientID, fragment)
	if err != nil {
		return nil, err
	}
	if err := m.queue.Enqueue(ctx, queue.LaneLedger, task); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("enqueue %s: %w", tr, err)
	}

	span.SetAttributes(attribute.String("task_id", task.ID))
	m.logger.Info("prescription change accepted",
		zap.String("transition", string(tr)),
		zap.String("patient_id", fragment.PatientID),
		zap.String("prescription_id", rx.PrescriptionID),
		zap.String("actor", rx.LastModifiedBy),
		zap.String("task_id", task.ID))

	return &Receipt{
		PatientID:      fragment.PatientID,
		PrescriptionID: rx.PrescriptionID,
		TaskID:         task.ID,
		Status:         rx.Status,
	}, nil
}

func (m *Manager) refuse(span trace.Span, tr Transition, err error) error {
	span.RecordError(err)
	if errors.Is(err, ErrInvalidTransition) {
		m.metrics.ObserveRefusal(string(tr))
	}
	m.logger.Info("prescription command refused",
		zap.String("transition", string(tr)),
		zap.Error(err))
	return err
}

func updateFragment(patientID string, rx *PrescriptionRecord) *PatientAsset {
	return &PatientAsset{PatientID: patientID, Prescriptions: []PrescriptionRecord{*rx}}
}

func decodeAsset(body string) (*PatientAsset, error) {
	var asset PatientAsset
	if err := json.Unmarshal([]byte(body), &asset); err != nil {
		return nil, fmt.Errorf("decode patient asset: %w", err)
	}
	return &asset, nil
}
