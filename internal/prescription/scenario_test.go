package prescription_test

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/drfirst/go-rxledger/internal/consistency"
	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/ledger/ledgersim"
	"github.com/drfirst/go-rxledger/internal/prescription"
	"github.com/drfirst/go-rxledger/internal/queue"
	"github.com/drfirst/go-rxledger/internal/worker"
	"github.com/drfirst/go-rxledger/pkg/idempotency"
	"github.com/drfirst/go-rxledger/pkg/workerpool"
)

type harness struct {
	sim     *ledgersim.Gateway
	manager *prescription.Manager
}

// newHarness wires the full write path against an in-process gateway whose
// writes become visible after a short commit delay.
func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	simCfg := ledgersim.DefaultConfig()
	simCfg.CommitDelay = 50 * time.Millisecond
	sim := ledgersim.New(simCfg, nil)
	srv := httptest.NewServer(sim.Router())

	lc := ledger.DefaultConfig()
	lc.BaseURL = srv.URL
	client, err := ledger.NewClient(lc, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}

	q := queue.NewMemory(queue.Options{MaxDeliveries: 10, RedeliveryDelay: 20 * time.Millisecond}, nil, nil)
	inbox := idempotency.NewInbox(idempotency.NewMemoryStore(), idempotency.DefaultConfig(), nil)
	writer := worker.NewLedgerWriter(client, inbox, nil, nil)
	runner, err := worker.NewRunner(q, queue.LaneLedger, writer.Handle,
		workerpool.Config{Workers: 1, RestartDelay: 10 * time.Millisecond, GracefulShutdownTimeout: time.Second}, nil)
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	done := make(chan struct{})
	go func() {
		runner.Run(ctx)
		close(done)
	}()

	reader := consistency.NewReader(client, consistency.Policy{
		InitialDelay:     50 * time.Millisecond,
		MaxRetries:       9,
		NotFoundInterval: 30 * time.Millisecond,
		ErrorInterval:    10 * time.Millisecond,
		Ceiling:          3 * time.Second,
	}, nil, nil)

	t.Cleanup(func() {
		cancel()
		<-done
		q.Close()
		srv.Close()
	})
	return &harness{sim: sim, manager: prescription.NewManager(q, reader, nil, nil)}
}

var (
	doctor     = prescription.Actor{ID: "D-1", Role: prescription.RoleDoctor}
	pharmacist = prescription.Actor{ID: "PH-1", Role: prescription.RolePharmacist}
)

func (h *harness) create(t *testing.T) *prescription.Receipt {
	t.Helper()
	ctx := context.Background()
	receipt, err := h.manager.Create(ctx, prescription.CreateCommand{
		Actor:          doctor,
		PatientID:      "P-1",
		PatientName:    "Ada Lovelace",
		MedicationName: "Amoxicillin",
		Dosage:         "500mg",
		Instructions:   "three times daily",
		ExpiryDate:     time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.manager.Confirm(ctx, "P-1", receipt.PrescriptionID, prescription.StatusActive); err != nil {
		t.Fatalf("Confirm create: %v", err)
	}
	return receipt
}

func TestScenario_CreateThenDispense(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	receipt := h.create(t)

	_, err := h.manager.Dispense(ctx, prescription.DispenseCommand{
		Actor: pharmacist, PatientID: "P-1", PrescriptionID: receipt.PrescriptionID,
	})
	if !errors.Is(err, prescription.ErrInvalidTransition) {
		t.Fatalf("dispense without note should be refused, got %v", err)
	}

	if _, err := h.manager.Dispense(ctx, prescription.DispenseCommand{
		Actor: pharmacist, PatientID: "P-1", PrescriptionID: receipt.PrescriptionID, Note: "first fill",
	}); err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	rx, err := h.manager.Confirm(ctx, "P-1", receipt.PrescriptionID, prescription.StatusDispensed)
	if err != nil {
		t.Fatalf("Confirm dispense: %v", err)
	}
	if rx.DispensingPharmacist != "PH-1" || rx.DispensingNote != "first fill" || rx.TxID == "" {
		t.Errorf("unexpected dispensed record %+v", rx)
	}

	_, err = h.manager.Revoke(ctx, prescription.RevokeCommand{
		Actor: doctor, PatientID: "P-1", PrescriptionID: receipt.PrescriptionID,
	})
	if !errors.Is(err, prescription.ErrInvalidTransition) {
		t.Errorf("revoke after dispense should be refused, got %v", err)
	}

	asset, err := h.manager.Get(ctx, "P-1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(asset.Prescriptions) != 1 || asset.DoctorID != "D-1" {
		t.Errorf("unexpected asset %+v", asset)
	}
}

func TestScenario_GatewayOutageIsRedelivered(t *testing.T) {
	h := newHarness(t)
	h.sim.FailNextInvokes(2)

	receipt := h.create(t)
	if h.sim.Invokes() != 1 {
		t.Errorf("expected exactly one accepted invoke, got %d", h.sim.Invokes())
	}
	if asset, ok := h.sim.Asset("P-1"); !ok || asset.Find(receipt.PrescriptionID) == nil {
		t.Error("prescription missing from ledger")
	}
}

func TestScenario_UnknownPatient(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Get(context.Background(), "P-404")
	if !errors.Is(err, prescription.ErrPatientNotFound) {
		t.Errorf("expected ErrPatientNotFound, got %v", err)
	}
}

func TestScenario_DispenseRightAfterCreateForKnownPatient(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.create(t)

	receipt, err := h.manager.Create(ctx, prescription.CreateCommand{
		Actor:          doctor,
		PatientID:      "P-1",
		PatientName:    "Ada Lovelace",
		MedicationName: "Ibuprofen",
		Dosage:         "200mg",
		ExpiryDate:     time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create second prescription: %v", err)
	}

	// no Confirm: the read behind Dispense has to absorb the commit delay
	if _, err := h.manager.Dispense(ctx, prescription.DispenseCommand{
		Actor: pharmacist, PatientID: "P-1", PrescriptionID: receipt.PrescriptionID, Note: "first fill",
	}); err != nil {
		t.Fatalf("Dispense: %v", err)
	}
	rx, err := h.manager.Confirm(ctx, "P-1", receipt.PrescriptionID, prescription.StatusDispensed)
	if err != nil {
		t.Fatalf("Confirm dispense: %v", err)
	}
	if rx.MedicationName != "Ibuprofen" {
		t.Errorf("unexpected record %+v", rx)
	}
}

func TestScenario_MarkerTextInInstructions(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	receipt, err := h.manager.Create(ctx, prescription.CreateCommand{
		Actor:          doctor,
		PatientID:      "P-7",
		PatientName:    "Grace Hopper",
		MedicationName: "Paracetamol",
		Dosage:         "1g",
		Instructions:   "stop if pain does not exist. Error: none",
		ExpiryDate:     time.Now().Add(30 * 24 * time.Hour),
	})
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, err := h.manager.Confirm(ctx, "P-7", receipt.PrescriptionID, prescription.StatusActive); err != nil {
		t.Fatalf("Confirm: %v", err)
	}
	asset, err := h.manager.Get(ctx, "P-7")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if asset.Find(receipt.PrescriptionID) == nil {
		t.Error("prescription missing from asset")
	}
}
