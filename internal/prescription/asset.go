// Package prescription implements the prescription lifecycle on top of the
// ledger. The ledger holds one PatientAsset per patient; each prescription
// is a record inside it that moves from Active to exactly one terminal
// status. The Manager checks every transition before anything is enqueued.
package prescription

import (
	"time"
)

// Status represents prescription status
type Status string

const (
	StatusActive    Status = "Active"
	StatusDispensed Status = "Dispensed"
	StatusRevoked   Status = "Revoked"
	StatusExpired   Status = "Expired"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s != StatusActive
}

// NotApplicable fills dispensing fields until the prescription is dispensed.
const NotApplicable = "N/A"

// PrescriptionIDPrefix prefixes client-generated prescription IDs.
const PrescriptionIDPrefix = "RX-"

// PrescriptionRecord is one prescription inside a PatientAsset. JSON names
// follow the chaincode's field names.
type PrescriptionRecord struct {
	PrescriptionID       string    `json:"PrescriptionId"`
	CreatedBy            string    `json:"CreatedBy"`
	MedicationName       string    `json:"MedicationName"`
	Dosage               string    `json:"Dosage"`
	Instructions         string    `json:"Instructions"`
	Status               Status    `json:"Status"`
	ExpiryDate           time.Time `json:"ExpiryDate"`
	DispensingPharmacist string    `json:"DispensingPharmacist"`
	DispensingTimestamp  string    `json:"DispensingTimestamp"`
	DispensingNote       string    `json:"DispensingNote,omitempty"`
	RevocationReason     string    `json:"RevocationReason,omitempty"`
	// LastModifiedBy is the actor of the write that produced this version
	LastModifiedBy string `json:"LastModifiedBy,omitempty"`
	// TxID is stamped by the ledger on the write that last mutated the record
	TxID string `json:"TxID,omitempty"`
}

// Expired reports whether the expiry date has passed at now.
func (r *PrescriptionRecord) Expired(now time.Time) bool {
	return !r.ExpiryDate.IsZero() && now.After(r.ExpiryDate)
}

// EffectiveStatus applies lazy expiry: an Active record past its expiry date
// reads as Expired even though no write has recorded it.
func (r *PrescriptionRecord) EffectiveStatus(now time.Time) Status {
	if r.Status == StatusActive && r.Expired(now) {
		return StatusExpired
	}
	return r.Status
}

// PatientAsset is the ledger-resident record keyed by PatientId.
type PatientAsset struct {
	PatientID   string `json:"PatientId"`
	DoctorID    string `json:"DoctorId"`
	PatientName string `json:"PatientName"`
	DateOfBirth string `json:"DateOfBirth,omitempty"`
	// Prescriptions are kept in creation order
	Prescriptions []PrescriptionRecord `json:"Prescriptions"`
}

// Merge folds fragment into a. Non-empty patient fields overwrite, except
// DoctorId which keeps the creator of record once set. Each prescription in
// the fragment replaces the record with the same PrescriptionId in place or
// is appended. Merging the same fragment twice equals merging it once.
func (a *PatientAsset) Merge(fragment *PatientAsset) {
	if a.PatientID == "" {
		a.PatientID = fragment.PatientID
	}
	if a.DoctorID == "" {
		a.DoctorID = fragment.DoctorID
	}
	if fragment.PatientName != "" {
		a.PatientName = fragment.PatientName
	}
	if fragment.DateOfBirth != "" {
		a.DateOfBirth = fragment.DateOfBirth
	}

	for _, rx := range fragment.Prescriptions {
		if i := a.index(rx.PrescriptionID); i >= 0 {
			a.Prescriptions[i] = rx
			continue
		}
		a.Prescriptions = append(a.Prescriptions, rx)
	}
}

// Find returns the prescription with id, or nil.
func (a *PatientAsset) Find(id string) *PrescriptionRecord {
	if i := a.index(id); i >= 0 {
		return &a.Prescriptions[i]
	}
	return nil
}

func (a *PatientAsset) index(id string) int {
	for i := range a.Prescriptions {
		if a.Prescriptions[i].PrescriptionID == id {
			return i
		}
	}
	return -1
}

// WithLazyExpiry returns a copy of a whose overdue Active prescriptions
// read as Expired.
func (a *PatientAsset) WithLazyExpiry(now time.Time) *PatientAsset {
	out := *a
	out.Prescriptions = make([]PrescriptionRecord, len(a.Prescriptions))
	for i, rx := range a.Prescriptions {
		rx.Status = rx.EffectiveStatus(now)
		out.Prescriptions[i] = rx
	}
	return &out
}
