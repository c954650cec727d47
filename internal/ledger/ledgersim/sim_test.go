package ledgersim

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/drfirst/go-rxledger/internal/ledger"
	"github.com/drfirst/go-rxledger/internal/prescription"
)

func newSim(t *testing.T, delay time.Duration) (*Gateway, *ledger.Client, *time.Time) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.CommitDelay = delay
	g := New(cfg, nil)
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	g.now = func() time.Time { return now }

	srv := httptest.NewServer(g.Router())
	t.Cleanup(srv.Close)

	lc := ledger.DefaultConfig()
	lc.BaseURL = srv.URL
	client, err := ledger.NewClient(lc, nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	return g, client, &now
}

func fragment(t *testing.T, rxID string, status prescription.Status) string {
	t.Helper()
	arg, err := ledger.JSONArg(&prescription.PatientAsset{
		PatientID:   "P-1",
		DoctorID:    "D-1",
		PatientName: "Ada",
		Prescriptions: []prescription.PrescriptionRecord{{
			PrescriptionID: rxID,
			CreatedBy:      "D-1",
			MedicationName: "Amoxicillin",
			Status:         status,
		}},
	})
	if err != nil {
		t.Fatalf("JSONArg: %v", err)
	}
	return arg
}

func TestGateway_WriteVisibleAfterCommitDelay(t *testing.T) {
	_, client, now := newSim(t, 2*time.Second)
	ctx := context.Background()

	res, err := client.Invoke(ctx, "CreateAsset", fragment(t, "RX-1", prescription.StatusActive))
	if err != nil {
		t.Fatalf("Invoke: %v", err)
	}
	if len(res.TxID) != 64 {
		t.Errorf("expected 64 hex TxID, got %q", res.TxID)
	}

	qr, err := client.Query(ctx, "ReadAsset", "P-1")
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if qr.Kind != ledger.KindNotFound {
		t.Fatalf("write should be invisible before commit, got %s %q", qr.Kind, qr.Body)
	}

	*now = now.Add(2 * time.Second)
	qr, err = client.Query(ctx, "ReadAsset", "P-1")
	if err != nil || qr.Kind != ledger.KindOK {
		t.Fatalf("expected Ok after commit delay, got %v %v", qr, err)
	}

	var asset prescription.PatientAsset
	if err := json.Unmarshal([]byte(qr.Body), &asset); err != nil {
		t.Fatalf("body is not an asset: %v", err)
	}
	if rx := asset.Find("RX-1"); rx == nil || rx.TxID != res.TxID {
		t.Errorf("expected RX-1 stamped with %s, got %+v", res.TxID, rx)
	}
}

func TestGateway_WritesMerge(t *testing.T) {
	g, client, _ := newSim(t, 0)
	ctx := context.Background()

	for _, arg := range []string{
		fragment(t, "RX-1", prescription.StatusActive),
		fragment(t, "RX-2", prescription.StatusActive),
		fragment(t, "RX-1", prescription.StatusDispensed),
		fragment(t, "RX-1", prescription.StatusDispensed),
	} {
		if _, err := client.Invoke(ctx, "CreateAsset", arg); err != nil {
			t.Fatalf("Invoke: %v", err)
		}
	}

	asset, ok := g.Asset("P-1")
	if !ok {
		t.Fatal("asset missing")
	}
	if len(asset.Prescriptions) != 2 {
		t.Fatalf("expected 2 prescriptions, got %d", len(asset.Prescriptions))
	}
	if asset.Prescriptions[0].Status != prescription.StatusDispensed {
		t.Errorf("RX-1 should be Dispensed, got %s", asset.Prescriptions[0].Status)
	}
	if g.Invokes() != 4 {
		t.Errorf("expected 4 invokes, got %d", g.Invokes())
	}
}

func TestGateway_FaultInjection(t *testing.T) {
	g, client, _ := newSim(t, 0)
	ctx := context.Background()

	g.FailNextInvokes(1)
	_, err := client.Invoke(ctx, "CreateAsset", fragment(t, "RX-1", prescription.StatusActive))
	var rejected *ledger.RejectedError
	if !errors.As(err, &rejected) || rejected.StatusCode != 503 {
		t.Fatalf("expected 503 rejection, got %v", err)
	}
	if _, err := client.Invoke(ctx, "CreateAsset", fragment(t, "RX-1", prescription.StatusActive)); err != nil {
		t.Fatalf("second invoke should succeed: %v", err)
	}

	g.SetDown(true)
	if err := client.Health(ctx); err == nil {
		t.Error("health should fail while down")
	}
	g.SetDown(false)
	if err := client.Health(ctx); err != nil {
		t.Errorf("health: %v", err)
	}
}

func TestGateway_ChaincodeErrors(t *testing.T) {
	_, client, _ := newSim(t, 0)
	ctx := context.Background()

	res, err := client.Invoke(ctx, "CreateAsset", `{"not":"an asset"}`)
	if err != nil {
		t.Fatalf("chaincode errors are 200 replies: %v", err)
	}
	if res.TxID != "" || !strings.Contains(res.Raw, "Error:") {
		t.Errorf("unexpected invoke reply %+v", res)
	}

	qr, err := client.Query(ctx, "NoSuchFunction")
	if err != nil || qr.Kind != ledger.KindChaincodeError {
		t.Errorf("expected chaincode error, got %v %v", qr, err)
	}
}

func TestGateway_GetAllAssets(t *testing.T) {
	_, client, _ := newSim(t, 0)
	ctx := context.Background()
	client.Invoke(ctx, "CreateAsset", fragment(t, "RX-1", prescription.StatusActive))

	qr, err := client.Query(ctx, "GetAllAssets")
	if err != nil || qr.Kind != ledger.KindOK {
		t.Fatalf("GetAllAssets: %v %v", qr, err)
	}
	var all []prescription.PatientAsset
	if err := json.Unmarshal([]byte(qr.Body), &all); err != nil || len(all) != 1 {
		t.Errorf("expected one asset, got %s (%v)", qr.Body, err)
	}
}
