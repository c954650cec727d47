package prescription

import (
	"encoding/json"
	"reflect"
	"testing"
	"time"
)

func rx(id string, status Status) PrescriptionRecord {
	return PrescriptionRecord{
		PrescriptionID:       id,
		CreatedBy:            "D-1",
		MedicationName:       "Amoxicillin",
		Dosage:               "500mg",
		Status:               status,
		ExpiryDate:           time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
		DispensingPharmacist: NotApplicable,
		DispensingTimestamp:  NotApplicable,
	}
}

func TestMerge_AppendsAndReplacesInPlace(t *testing.T) {
	asset := &PatientAsset{PatientID: "P-1", DoctorID: "D-1", PatientName: "Ada"}
	asset.Merge(&PatientAsset{PatientID: "P-1", Prescriptions: []PrescriptionRecord{rx("RX-1", StatusActive)}})
	asset.Merge(&PatientAsset{PatientID: "P-1", Prescriptions: []PrescriptionRecord{rx("RX-2", StatusActive)}})

	dispensed := rx("RX-1", StatusDispensed)
	asset.Merge(&PatientAsset{PatientID: "P-1", Prescriptions: []PrescriptionRecord{dispensed}})

	if len(asset.Prescriptions) != 2 {
		t.Fatalf("expected 2 prescriptions, got %d", len(asset.Prescriptions))
	}
	if asset.Prescriptions[0].PrescriptionID != "RX-1" || asset.Prescriptions[0].Status != StatusDispensed {
		t.Errorf("RX-1 should be replaced in place, got %+v", asset.Prescriptions[0])
	}
	if asset.Prescriptions[1].PrescriptionID != "RX-2" {
		t.Errorf("creation order not kept: %+v", asset.Prescriptions)
	}
}

func TestMerge_Idempotent(t *testing.T) {
	fragment := &PatientAsset{
		PatientID:     "P-1",
		DoctorID:      "D-1",
		PatientName:   "Ada",
		Prescriptions: []PrescriptionRecord{rx("RX-1", StatusActive), rx("RX-2", StatusActive)},
	}

	once := &PatientAsset{}
	once.Merge(fragment)
	twice := &PatientAsset{}
	twice.Merge(fragment)
	twice.Merge(fragment)

	if !reflect.DeepEqual(once, twice) {
		t.Errorf("merge is not idempotent:\nonce  %+v\ntwice %+v", once, twice)
	}
}

func TestMerge_UniquePrescriptionIDs(t *testing.T) {
	asset := &PatientAsset{}
	for i := 0; i < 3; i++ {
		asset.Merge(&PatientAsset{PatientID: "P-1", Prescriptions: []PrescriptionRecord{rx("RX-1", StatusActive), rx("RX-2", StatusActive)}})
	}
	seen := map[string]bool{}
	for _, p := range asset.Prescriptions {
		if seen[p.PrescriptionID] {
			t.Errorf("duplicate prescription %s", p.PrescriptionID)
		}
		seen[p.PrescriptionID] = true
	}
}

func TestMerge_PatientFields(t *testing.T) {
	asset := &PatientAsset{PatientID: "P-1", DoctorID: "D-1", PatientName: "Ada", DateOfBirth: "1990-01-01"}
	asset.Merge(&PatientAsset{PatientID: "P-1", DoctorID: "D-2", PatientName: "Ada L."})

	if asset.DoctorID != "D-1" {
		t.Errorf("creator of record must not change, got %s", asset.DoctorID)
	}
	if asset.PatientName != "Ada L." {
		t.Errorf("non-empty name should overwrite, got %s", asset.PatientName)
	}
	if asset.DateOfBirth != "1990-01-01" {
		t.Errorf("empty fragment field must not clear, got %q", asset.DateOfBirth)
	}
}

func TestEffectiveStatus(t *testing.T) {
	now := time.Date(2031, 1, 1, 0, 0, 0, 0, time.UTC)
	active := rx("RX-1", StatusActive)
	if active.EffectiveStatus(now) != StatusExpired {
		t.Error("overdue Active prescription should read as Expired")
	}
	dispensed := rx("RX-2", StatusDispensed)
	if dispensed.EffectiveStatus(now) != StatusDispensed {
		t.Error("terminal statuses are never rewritten")
	}
	if active.EffectiveStatus(time.Date(2029, 1, 1, 0, 0, 0, 0, time.UTC)) != StatusActive {
		t.Error("prescription before expiry stays Active")
	}

	asset := &PatientAsset{Prescriptions: []PrescriptionRecord{active, dispensed}}
	view := asset.WithLazyExpiry(now)
	if view.Prescriptions[0].Status != StatusExpired || asset.Prescriptions[0].Status != StatusActive {
		t.Error("lazy expiry must apply to the copy only")
	}
}

func TestPatientAsset_JSONFieldNames(t *testing.T) {
	raw, _ := json.Marshal(&PatientAsset{PatientID: "P-1", Prescriptions: []PrescriptionRecord{rx("RX-1", StatusActive)}})
	var fields map[string]interface{}
	json.Unmarshal(raw, &fields)
	for _, name := range []string{"PatientId", "DoctorId", "PatientName", "Prescriptions"} {
		if _, ok := fields[name]; !ok {
			t.Errorf("missing field %s in %s", name, raw)
		}
	}
	rxFields := fields["Prescriptions"].([]interface{})[0].(map[string]interface{})
	if rxFields["PrescriptionId"] != "RX-1" || rxFields["DispensingTimestamp"] != NotApplicable {
		t.Errorf("unexpected prescription fields %v", rxFields)
	}
}
